// Package runtime connects the sync engine to the host chain: validator sets,
// registered accounts, finalized snapshots and orderbook ingress.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Polkadex-Substrate/Polkadex-sub004/core/types"
	"github.com/Polkadex-Substrate/Polkadex-sub004/snapshot"
)

var (
	// ErrSnapshotConflict rejects a summary whose id is already finalized with
	// different content.
	ErrSnapshotConflict = errors.New("runtime: snapshot id already finalized with different content")
	// ErrSnapshotOutOfOrder rejects a summary that does not extend the latest.
	ErrSnapshotOutOfOrder = errors.New("runtime: snapshot does not extend the latest")
	// ErrUnknownKind is returned by New for an unsupported backend.
	ErrUnknownKind = errors.New("runtime: unknown backend kind")
)

// Runtime is the host chain as seen by the worker and the RPC layer.
type Runtime interface {
	ValidatorSet(ctx context.Context) (types.ValidatorSet, error)
	// Operator is the account whose signature orders the action stream.
	Operator(ctx context.Context) (types.AccountID, error)
	// GetLatestSnapshot returns the zero summary before the first finalization.
	GetLatestSnapshot(ctx context.Context) (snapshot.Summary, error)
	GetSnapshotByID(ctx context.Context, id uint64) (*snapshot.Summary, error)
	SubmitSnapshot(ctx context.Context, summary snapshot.Summary) error
	GetAllAccountsAndProxies(ctx context.Context) ([]types.AccountProxies, error)
	GetAllowlistedAssets(ctx context.Context) ([]types.AssetID, error)
	GetSnapshotGenerationIntervals(ctx context.Context) (types.SnapshotIntervals, error)
	IngressMessages(ctx context.Context, block uint64) ([]types.IngressMessage, error)
	// FinalityNotifications may coalesce blocks; consumers must treat the
	// announced block as "everything up to here is final".
	FinalityNotifications() <-chan types.FinalityNotification
	Close() error
}

// Kinds accepted by New.
const (
	KindNoop   = "noop"
	KindMemory = "memory"
	KindSQL    = "sql"
)

// Config selects and parameterises a backend.
type Config struct {
	Kind         string
	GenesisPath  string
	Driver       string
	DSN          string
	PollInterval time.Duration
}

// New builds the backend named by cfg.Kind. It is called once at startup.
func New(cfg Config) (Runtime, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case KindNoop, "":
		return NewNoop(), nil
	case KindMemory:
		genesis := &Genesis{}
		if cfg.GenesisPath != "" {
			var err error
			genesis, err = LoadGenesis(cfg.GenesisPath)
			if err != nil {
				return nil, err
			}
		}
		return NewMemory(genesis), nil
	case KindSQL:
		return OpenSQL(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}

// checkSubmission applies the finalization rules shared by every backend.
// duplicate is true when the same content is already finalized.
func checkSubmission(latest snapshot.Summary, existing *snapshot.Summary, summary snapshot.Summary, set types.ValidatorSet) (duplicate bool, err error) {
	if existing != nil {
		if existing.SameContent(&summary) {
			return true, nil
		}
		return false, fmt.Errorf("%w: id %d", ErrSnapshotConflict, summary.SnapshotID)
	}
	if summary.SnapshotID != latest.SnapshotID+1 {
		return false, fmt.Errorf("%w: got %d, latest %d", ErrSnapshotOutOfOrder, summary.SnapshotID, latest.SnapshotID)
	}
	if summary.WorkerNonce < latest.WorkerNonce {
		return false, fmt.Errorf("%w: nonce %d behind %d", ErrSnapshotOutOfOrder, summary.WorkerNonce, latest.WorkerNonce)
	}
	if err := summary.Verify(set); err != nil {
		return false, err
	}
	return false, nil
}
