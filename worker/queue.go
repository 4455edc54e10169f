package worker

import (
	"sync"

	"github.com/Polkadex-Substrate/Polkadex-sub004/core/types"
)

type submission struct {
	action *types.OrderedAction
	reply  chan error
}

// actionQueue is an unbounded FIFO. ready fires at least once after every
// push until drained.
type actionQueue struct {
	mu    sync.Mutex
	items []submission
	ready chan struct{}
}

func newActionQueue() *actionQueue {
	return &actionQueue{ready: make(chan struct{}, 1)}
}

func (q *actionQueue) push(s submission) {
	q.mu.Lock()
	q.items = append(q.items, s)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *actionQueue) drain() []submission {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
