package p2p

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Peer struct {
	id       string
	conn     net.Conn
	reader   *bufio.Reader
	outbound chan *Message
	server   *Server
	inbound  bool

	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
}

func newPeer(id string, conn net.Conn, reader *bufio.Reader, server *Server, inbound bool) *Peer {
	ctx, cancel := context.WithCancel(server.ctx)
	return &Peer{
		id:       id,
		conn:     conn,
		reader:   reader,
		outbound: make(chan *Message, outboundQueueSize),
		server:   server,
		inbound:  inbound,
		limiter:  newPeerLimiter(server.cfg.RateMsgsPerSec, server.cfg.RateBurst),
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
	}
}

func (p *Peer) ID() string { return p.id }

func (p *Peer) start() {
	p.server.wg.Add(2)
	go func() {
		defer p.server.wg.Done()
		p.readLoop()
	}()
	go func() {
		defer p.server.wg.Done()
		p.writeLoop()
	}()
}

func (p *Peer) Enqueue(msg *Message) error {
	select {
	case <-p.ctx.Done():
		return fmt.Errorf("peer %s shutting down", p.id)
	default:
	}

	select {
	case p.outbound <- msg:
		return nil
	case <-p.ctx.Done():
		return fmt.Errorf("peer %s shutting down", p.id)
	default:
		return errQueueFull
	}
}

func (p *Peer) readLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		if err := p.conn.SetReadDeadline(time.Now().Add(p.server.cfg.ReadTimeout)); err != nil {
			p.terminate(fmt.Errorf("set read deadline: %w", err))
			return
		}

		line, err := p.reader.ReadBytes('\n')
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				p.terminate(fmt.Errorf("peer %s read timeout", p.id))
				return
			}
			if errors.Is(err, io.EOF) {
				p.terminate(io.EOF)
				return
			}
			p.terminate(fmt.Errorf("read error: %w", err))
			return
		}

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		if len(trimmed) > p.server.cfg.MaxMessageBytes {
			p.server.metrics.recordDrop("oversized")
			p.terminate(fmt.Errorf("message exceeds max size (%d bytes)", len(trimmed)))
			return
		}
		if !allow(p.limiter, time.Now()) {
			p.server.metrics.recordDrop("rate_limited")
			p.terminate(fmt.Errorf("peer %s exceeded message rate", p.id))
			return
		}

		var msg Message
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			p.server.metrics.recordDrop("malformed")
			p.server.logger.Debug("Dropping malformed frame", slog.String("peer", p.id), slog.Any("error", err))
			continue
		}
		p.server.metrics.recordGossip("in", msg.Type)
		p.server.deliver(Envelope{Peer: p.id, Msg: &msg})
	}
}

func (p *Peer) writeLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case msg := <-p.outbound:
			ctx, cancel := context.WithTimeout(p.ctx, p.server.cfg.WriteTimeout)
			err := writeFrame(ctx, p.conn, msg)
			cancel()
			if err != nil {
				p.terminate(fmt.Errorf("write error: %w", err))
				return
			}
			p.server.metrics.recordGossip("out", msg.Type)
		}
	}
}

func (p *Peer) terminate(reason error) {
	p.closeOnce.Do(func() {
		p.cancel()
		p.conn.Close()
		close(p.closed)
		p.server.removePeer(p, reason)
	})
}
