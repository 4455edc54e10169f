package p2p

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/Polkadex-Substrate/Polkadex-sub004/crypto"
	"github.com/Polkadex-Substrate/Polkadex-sub004/observability/logging"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	outboundQueueSize       = 256
	inboundQueueSize        = 1024
	seenNonceCacheSize      = 4096

	defaultMaxPeers       = 32
	defaultReadTimeout    = 90 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	defaultMaxMessageSize = 4 << 20
	defaultMsgRate        = 64.0
)

// ServerConfig encapsulates runtime settings for the p2p server.
type ServerConfig struct {
	ListenAddress    string
	NetworkID        string
	ClientVersion    string
	MaxPeers         int
	Bootnodes        []string
	DNSSeeds         []string
	DNSServer        string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	MaxMessageBytes  int
	RateMsgsPerSec   float64
	RateBurst        int
}

func (c *ServerConfig) applyDefaults() {
	if c.MaxPeers <= 0 {
		c.MaxPeers = defaultMaxPeers
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxMessageSize
	}
	if c.RateMsgsPerSec == 0 {
		c.RateMsgsPerSec = defaultMsgRate
	}
	if strings.TrimSpace(c.ClientVersion) == "" {
		c.ClientVersion = "obsync/dev"
	}
}

// Server coordinates peer connections and message dissemination.
type Server struct {
	cfg     ServerConfig
	privKey *crypto.PrivateKey
	nodeID  string

	logger  *slog.Logger
	metrics *networkMetrics

	mu       sync.RWMutex
	peers    map[string]*Peer
	listener net.Listener

	inbound    chan Envelope
	seenNonces *lru.Cache
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer prepares a server identified by key. Nothing is opened until
// Start.
func NewServer(key *crypto.PrivateKey, cfg ServerConfig) *Server {
	cfg.applyDefaults()
	seen, _ := lru.New(seenNonceCacheSize)
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		privKey:    key,
		nodeID:     key.PubKey().Address().String(),
		logger:     slog.Default().With(slog.String("component", "p2p_server")),
		metrics:    newNetworkMetrics(),
		peers:      make(map[string]*Peer),
		inbound:    make(chan Envelope, inboundQueueSize),
		seenNonces: seen,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// NodeID is the bech32 address of the local key.
func (s *Server) NodeID() string { return s.nodeID }

// Start opens the listener and dials bootnodes and DNS seeds.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.ListenAddress != "" {
		ln, err := net.Listen("tcp", s.cfg.ListenAddress)
		if err != nil {
			return fmt.Errorf("p2p: listen %s: %w", s.cfg.ListenAddress, err)
		}
		s.mu.Lock()
		s.listener = ln
		s.mu.Unlock()
		s.logger.Info("P2P server listening", slog.String("address", ln.Addr().String()), slog.String("node_id", s.nodeID))
		s.wg.Add(1)
		go s.acceptLoop(ln)
	}

	targets := append([]string(nil), s.cfg.Bootnodes...)
	if len(s.cfg.DNSSeeds) > 0 {
		resolved, err := ResolveDNSSeeds(ctx, s.cfg.DNSServer, s.cfg.DNSSeeds)
		if err != nil {
			s.logger.Warn("DNS seed resolution failed", slog.Any("error", err))
		}
		targets = append(targets, resolved...)
	}
	for _, addr := range targets {
		if err := s.Connect(ctx, addr); err != nil {
			s.logger.Warn("Failed to dial peer", logging.Peer("address", addr), slog.Any("error", err))
		}
	}
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("Accept failed", slog.Any("error", err))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.initPeer(conn, true); err != nil {
				s.logger.Debug("Inbound peer rejected", slog.Any("error", err))
			}
		}()
	}
}

// Connect dials addr and completes the handshake.
func (s *Server) Connect(ctx context.Context, addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ErrDialTargetEmpty
	}
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	dialer := net.Dialer{Timeout: s.cfg.HandshakeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("p2p: dial %s: %w", addr, err)
	}
	return s.initPeer(conn, false)
}

func (s *Server) initPeer(conn net.Conn, inbound bool) error {
	reader := bufio.NewReader(conn)
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	remote, err := s.performHandshake(ctx, conn, reader)
	if err != nil {
		s.metrics.recordHandshake("failed")
		conn.Close()
		return err
	}
	peer := newPeer(remote.nodeID, conn, reader, s, inbound)
	if err := s.registerPeer(peer); err != nil {
		s.metrics.recordHandshake("rejected")
		conn.Close()
		return err
	}
	s.metrics.recordHandshake("ok")
	peer.start()
	s.logger.Info("Peer connected", slog.String("peer", peer.id), slog.Bool("inbound", inbound))
	return nil
}

func (s *Server) registerPeer(p *Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.ctx.Err() != nil:
		return ErrClosed
	case p.id == s.nodeID:
		return ErrSelfDial
	case s.peers[p.id] != nil:
		return fmt.Errorf("%w: %s", ErrDuplicatePeer, p.id)
	case len(s.peers) >= s.cfg.MaxPeers:
		return ErrMaxPeers
	}
	s.peers[p.id] = p
	s.metrics.peers.Set(float64(len(s.peers)))
	return nil
}

func (s *Server) removePeer(p *Peer, reason error) {
	s.mu.Lock()
	if current, ok := s.peers[p.id]; ok && current == p {
		delete(s.peers, p.id)
	}
	s.metrics.peers.Set(float64(len(s.peers)))
	s.mu.Unlock()
	if reason != nil && !errors.Is(reason, io.EOF) && s.ctx.Err() == nil {
		s.logger.Info("Peer disconnected", slog.String("peer", p.id), slog.Any("reason", reason))
	}
}

// deliver hands a frame to the consumer. A full queue drops the frame; gossip
// requests are retried by their senders.
func (s *Server) deliver(env Envelope) {
	select {
	case s.inbound <- env:
	default:
		s.metrics.recordDrop("inbound_full")
	}
}

// Inbound yields messages from all peers.
func (s *Server) Inbound() <-chan Envelope { return s.inbound }

// Peers returns connected peer ids in sorted order.
func (s *Server) Peers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SendTo queues msg for a single peer.
func (s *Server) SendTo(peerID string, msg *Message) error {
	s.mu.RLock()
	p := s.peers[peerID]
	s.mu.RUnlock()
	if p == nil {
		return fmt.Errorf("%w: %s", ErrPeerUnknown, peerID)
	}
	return p.Enqueue(msg)
}

// Broadcast queues msg for every peer and joins the per-peer failures.
func (s *Server) Broadcast(msg *Message) error {
	s.mu.RLock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()

	var errs []error
	for _, p := range peers {
		if err := p.Enqueue(msg); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", p.id, err))
		}
	}
	return errors.Join(errs...)
}

// Close disconnects all peers and waits for their goroutines.
func (s *Server) Close() error {
	s.cancel()
	s.mu.Lock()
	ln := s.listener
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, p := range peers {
		p.terminate(ErrClosed)
	}
	s.wg.Wait()
	return err
}
