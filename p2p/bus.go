package p2p

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Bus is an in-process network used by tests and single-binary devnets.
// Delivery is asynchronous and drops on a full queue, like Server.
type Bus struct {
	mu        sync.RWMutex
	endpoints map[string]*BusEndpoint
}

func NewBus() *Bus {
	return &Bus{endpoints: make(map[string]*BusEndpoint)}
}

// Join attaches a node to the bus.
func (b *Bus) Join(id string) *BusEndpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	ep := &BusEndpoint{id: id, bus: b, inbound: make(chan Envelope, inboundQueueSize)}
	b.endpoints[id] = ep
	return ep
}

// Leave detaches a node; messages addressed to it fail with ErrPeerUnknown.
func (b *Bus) Leave(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.endpoints, id)
}

// BusEndpoint is one node's Transport on a Bus.
type BusEndpoint struct {
	id      string
	bus     *Bus
	inbound chan Envelope
}

func (e *BusEndpoint) ID() string { return e.id }

func (e *BusEndpoint) Inbound() <-chan Envelope { return e.inbound }

func (e *BusEndpoint) Peers() []string {
	e.bus.mu.RLock()
	defer e.bus.mu.RUnlock()
	ids := make([]string, 0, len(e.bus.endpoints))
	for id := range e.bus.endpoints {
		if id != e.id {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (e *BusEndpoint) SendTo(peer string, msg *Message) error {
	e.bus.mu.RLock()
	target := e.bus.endpoints[peer]
	e.bus.mu.RUnlock()
	if target == nil || peer == e.id {
		return fmt.Errorf("%w: %s", ErrPeerUnknown, peer)
	}
	cp := &Message{Type: msg.Type, Payload: append([]byte(nil), msg.Payload...)}
	select {
	case target.inbound <- Envelope{Peer: e.id, Msg: cp}:
		return nil
	default:
		return errQueueFull
	}
}

func (e *BusEndpoint) Broadcast(msg *Message) error {
	var errs []error
	for _, peer := range e.Peers() {
		if err := e.SendTo(peer, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
