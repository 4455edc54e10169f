package gossip

import (
	"sort"
	"sync"

	"github.com/Polkadex-Substrate/Polkadex-sub004/p2p"
)

type rebroadcastKey struct {
	origin string
	id     uint64
}

type rebroadcastEntry struct {
	origin string
	id     uint64
	nonce  uint64
	msg    *p2p.Message
}

// RebroadcastCache holds checkpoint messages that are re-gossiped until the
// local node has processed past them. An entry expires iff its nonce is at or
// below the last processed nonce recorded for its origin.
type RebroadcastCache struct {
	mu        sync.Mutex
	entries   map[rebroadcastKey]rebroadcastEntry
	processed map[string]uint64
	floor     uint64
	metrics   *gossipMetrics
}

func NewRebroadcastCache() *RebroadcastCache {
	return &RebroadcastCache{
		entries:   make(map[rebroadcastKey]rebroadcastEntry),
		processed: make(map[string]uint64),
		metrics:   newGossipMetrics(),
	}
}

// Put caches msg from origin. id distinguishes messages of one origin, for
// example a snapshot id. Already expired messages are not stored.
func (c *RebroadcastCache) Put(origin string, id, nonce uint64, msg *p2p.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expiredLocked(origin, nonce) {
		return false
	}
	c.entries[rebroadcastKey{origin, id}] = rebroadcastEntry{origin: origin, id: id, nonce: nonce, msg: msg}
	c.metrics.rebroadcast.Set(float64(len(c.entries)))
	return true
}

// MarkProcessed records that everything from origin up to nonce is handled.
func (c *RebroadcastCache) MarkProcessed(origin string, nonce uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if nonce > c.processed[origin] {
		c.processed[origin] = nonce
	}
	c.evictLocked()
}

// Advance raises the processed nonce for every origin at once, used when a
// checkpoint finalizes.
func (c *RebroadcastCache) Advance(nonce uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if nonce > c.floor {
		c.floor = nonce
	}
	c.evictLocked()
}

// Expired applies the expiry predicate without touching the cache.
func (c *RebroadcastCache) Expired(origin string, nonce uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expiredLocked(origin, nonce)
}

func (c *RebroadcastCache) expiredLocked(origin string, nonce uint64) bool {
	last := c.processed[origin]
	if c.floor > last {
		last = c.floor
	}
	return nonce <= last
}

func (c *RebroadcastCache) evictLocked() {
	for k, e := range c.entries {
		if c.expiredLocked(e.origin, e.nonce) {
			delete(c.entries, k)
		}
	}
	c.metrics.rebroadcast.Set(float64(len(c.entries)))
}

// Live returns the unexpired messages ordered by origin then id.
func (c *RebroadcastCache) Live() []*p2p.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked()
	live := make([]rebroadcastEntry, 0, len(c.entries))
	for _, e := range c.entries {
		live = append(live, e)
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].origin != live[j].origin {
			return live[i].origin < live[j].origin
		}
		return live[i].id < live[j].id
	})
	out := make([]*p2p.Message, len(live))
	for i, e := range live {
		out[i] = e.msg
	}
	return out
}

// Len returns the number of cached entries, expired or not.
func (c *RebroadcastCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Rebroadcast sends every live message through b and returns how many were
// sent.
func (c *RebroadcastCache) Rebroadcast(b p2p.Broadcaster) int {
	sent := 0
	for _, msg := range c.Live() {
		if err := b.Broadcast(msg); err == nil {
			sent++
		}
	}
	return sent
}
