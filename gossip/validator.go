package gossip

import (
	"log/slog"

	"github.com/Polkadex-Substrate/Polkadex-sub004/core/types"
	"github.com/Polkadex-Substrate/Polkadex-sub004/ledger"
	"github.com/Polkadex-Substrate/Polkadex-sub004/p2p"
)

// ProgressReader is a read handle on the worker's position. Implementations
// must be safe for concurrent use.
type ProgressReader interface {
	Progress() ledger.Progress
	FinalizedSnapshot() uint64
	// CheckpointedNonce is the highest nonce whose snapshot boundaries have
	// been recorded. It trails the applied nonce while a restarted validator
	// rebuilds its checkpoints from the action log.
	CheckpointedNonce() uint64
}

// Validator filters inbound gossip before it reaches the worker. It decodes,
// drops malformed payloads silently and discards content the local node has
// already moved past.
type Validator struct {
	progress ProgressReader
	metrics  *gossipMetrics
	logger   *slog.Logger
}

func NewValidator(progress ProgressReader) *Validator {
	return &Validator{
		progress: progress,
		metrics:  newGossipMetrics(),
		logger:   slog.Default().With(slog.String("component", "gossip_validator")),
	}
}

// Admit returns the decoded payload and true when the message should be
// handled.
func (v *Validator) Admit(env p2p.Envelope) (any, bool) {
	payload, err := Decode(env.Msg)
	if err != nil {
		v.metrics.recordDrop("malformed")
		v.logger.Debug("Dropping malformed gossip", slog.String("peer", env.Peer), slog.Any("error", err))
		return nil, false
	}
	current := v.progress.Progress()
	switch p := payload.(type) {
	case *HaveNonce:
		if p.Nonce <= current.WorkerNonce {
			v.metrics.recordDrop("stale")
			return nil, false
		}
	case *StateSyncResponse:
		p.Actions = dropApplied(p.Actions, min(current.WorkerNonce, v.progress.CheckpointedNonce()))
	case *StidImportResponse:
		p.Actions = dropApplied(p.Actions, current.WorkerNonce)
	case *SnapshotPartialSignature:
		if p.SnapshotID <= v.progress.FinalizedSnapshot() {
			v.metrics.recordDrop("stale")
			return nil, false
		}
	}
	v.metrics.recordAdmit(env.Msg.Type)
	return payload, true
}

func dropApplied(actions []*types.OrderedAction, applied uint64) []*types.OrderedAction {
	for len(actions) > 0 && actions[0].Nonce <= applied {
		actions = actions[1:]
	}
	return actions
}
