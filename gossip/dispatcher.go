package gossip

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Polkadex-Substrate/Polkadex-sub004/p2p"
)

var (
	errNoConnectedPeers    = errors.New("gossip: no available peers to dispatch request to")
	errUnsolicitedResponse = errors.New("gossip: unsolicited response")
)

// DefaultRequestTimeout bounds how long a want or bulk request waits for an
// answer before it is reissued elsewhere.
const DefaultRequestTimeout = 5 * time.Second

type pendingRequest struct {
	id       string
	payload  any
	peer     string
	tried    map[string]struct{}
	deadline time.Time
}

// Dispatcher sends sync requests to peers and tracks them until answered. A
// request past its deadline is reissued to a peer that has not been tried
// yet; when every peer has been tried it is abandoned.
type Dispatcher struct {
	transport p2p.Transport
	timeout   time.Duration
	now       func() time.Time
	metrics   *gossipMetrics
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
	cursor  int
}

func NewDispatcher(transport p2p.Transport, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Dispatcher{
		transport: transport,
		timeout:   timeout,
		now:       time.Now,
		metrics:   newGossipMetrics(),
		logger:    slog.Default().With(slog.String("component", "gossip_dispatcher")),
		pending:   make(map[string]*pendingRequest),
	}
}

// Request assigns a fresh id through build, sends the resulting payload to
// one peer and tracks it. A non-empty preferred peer is tried first.
func (d *Dispatcher) Request(preferred string, build func(id string) any) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := uuid.NewString()
	req := &pendingRequest{id: id, payload: build(id), tried: make(map[string]struct{})}
	if err := d.sendLocked(req, preferred); err != nil {
		d.metrics.recordRequest("unsent")
		return "", err
	}
	d.pending[id] = req
	d.metrics.inflight.Set(float64(len(d.pending)))
	d.metrics.recordRequest("sent")
	return id, nil
}

func (d *Dispatcher) sendLocked(req *pendingRequest, preferred string) error {
	msg, err := Encode(req.payload)
	if err != nil {
		return err
	}
	for {
		peer := d.pickLocked(req, preferred)
		if peer == "" {
			return errNoConnectedPeers
		}
		preferred = ""
		req.tried[peer] = struct{}{}
		if err := d.transport.SendTo(peer, msg); err != nil {
			d.logger.Debug("Request send failed", slog.String("id", req.id), slog.String("peer", peer), slog.Any("error", err))
			continue
		}
		req.peer = peer
		req.deadline = d.now().Add(d.timeout)
		return nil
	}
}

func (d *Dispatcher) pickLocked(req *pendingRequest, preferred string) string {
	peers := d.transport.Peers()
	if preferred != "" {
		if _, done := req.tried[preferred]; !done {
			for _, p := range peers {
				if p == preferred {
					return p
				}
			}
		}
	}
	for i := range peers {
		p := peers[(d.cursor+i)%len(peers)]
		if _, done := req.tried[p]; !done {
			d.cursor = (d.cursor + i + 1) % len(peers)
			return p
		}
	}
	return ""
}

// Match reports whether a response with id from peer answers a tracked
// request. A match extends the deadline so multi-part responses keep the
// request alive.
func (d *Dispatcher) Match(id, peer string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	req, ok := d.pending[id]
	if !ok || req.peer != peer {
		return fmt.Errorf("%w: %s from %s", errUnsolicitedResponse, id, peer)
	}
	req.deadline = d.now().Add(d.timeout)
	return nil
}

// Done stops tracking id.
func (d *Dispatcher) Done(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[id]; ok {
		delete(d.pending, id)
		d.metrics.recordRequest("answered")
		d.metrics.inflight.Set(float64(len(d.pending)))
	}
}

// Expire reissues every request past its deadline and returns the ids that
// were abandoned because no untried peer was left.
func (d *Dispatcher) Expire() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	var abandoned []string
	for id, req := range d.pending {
		if now.Before(req.deadline) {
			continue
		}
		if err := d.sendLocked(req, ""); err != nil {
			delete(d.pending, id)
			abandoned = append(abandoned, id)
			d.metrics.recordRequest("abandoned")
			d.logger.Debug("Request abandoned", slog.String("id", id), slog.Any("error", err))
			continue
		}
		d.metrics.recordRequest("reissued")
		d.logger.Debug("Request reissued", slog.String("id", id), slog.String("peer", req.peer))
	}
	d.metrics.inflight.Set(float64(len(d.pending)))
	return abandoned
}

// Pending returns the number of outstanding requests.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close forgets every outstanding request.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id := range d.pending {
		delete(d.pending, id)
	}
	d.metrics.inflight.Set(0)
}
