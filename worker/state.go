package worker

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Polkadex-Substrate/Polkadex-sub004/core/types"
	"github.com/Polkadex-Substrate/Polkadex-sub004/ledger"
	"github.com/Polkadex-Substrate/Polkadex-sub004/snapshot"
)

// State is the worker lifecycle position.
type State int32

const (
	StateUninitialized State = iota
	StateSyncing
	StateLive
	// StateStopped is entered only after a fatal error.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSyncing:
		return "syncing"
	case StateLive:
		return "live"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Status is a point-in-time copy of the worker position.
type Status struct {
	State              string      `json:"state"`
	WorkerNonce        uint64      `json:"workerNonce"`
	Stid               uint64      `json:"stid"`
	LastProcessedBlock uint64      `json:"lastProcessedBlock"`
	FinalizedBlock     uint64      `json:"finalizedBlock"`
	HighestSeenNonce   uint64      `json:"highestSeenNonce"`
	StateRoot          common.Hash `json:"stateRoot"`
	LatestSnapshot     uint64      `json:"latestSnapshot"`
	PendingSnapshot    uint64      `json:"pendingSnapshot,omitempty"`
}

// Progress is the read handle on values owned by the worker loop. The loop
// is the only writer.
type Progress struct {
	mu        sync.RWMutex
	state     State
	operator  types.AccountID
	position  ledger.Progress
	root      common.Hash
	finalized snapshot.Summary
	block     uint64
	highest   uint64
	pending   uint64
	scanned   uint64
}

func (p *Progress) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Progress returns the applied stream position.
func (p *Progress) Progress() ledger.Progress {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.position
}

// FinalizedSnapshot returns the id of the latest finalized summary.
func (p *Progress) FinalizedSnapshot() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.finalized.SnapshotID
}

// CheckpointedNonce returns the highest nonce whose snapshot boundaries the
// loop has recorded.
func (p *Progress) CheckpointedNonce() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.scanned
}

// LatestSummary returns the latest finalized summary known to the worker.
func (p *Progress) LatestSummary() snapshot.Summary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.finalized
}

// Operator returns the account expected to sign ordered actions, zero before
// initialization.
func (p *Progress) Operator() types.AccountID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.operator
}

func (p *Progress) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Status{
		State:              p.state.String(),
		WorkerNonce:        p.position.WorkerNonce,
		Stid:               p.position.Stid,
		LastProcessedBlock: p.position.LastProcessedBlock,
		FinalizedBlock:     p.block,
		HighestSeenNonce:   p.highest,
		StateRoot:          p.root,
		LatestSnapshot:     p.finalized.SnapshotID,
		PendingSnapshot:    p.pending,
	}
}

func (p *Progress) update(fn func(p *Progress)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}
