package runtime

import (
	"context"
	"errors"

	"github.com/Polkadex-Substrate/Polkadex-sub004/core/types"
	"github.com/Polkadex-Substrate/Polkadex-sub004/snapshot"
)

// ErrNoop is returned by Noop for operations that need a real chain.
var ErrNoop = errors.New("runtime: noop backend")

// Noop is a chain with no validators that never finalizes. A worker attached
// to it stays uninitialized.
type Noop struct{}

func NewNoop() *Noop { return &Noop{} }

func (Noop) ValidatorSet(context.Context) (types.ValidatorSet, error) {
	return types.ValidatorSet{}, nil
}

func (Noop) Operator(context.Context) (types.AccountID, error) { return types.AccountID{}, nil }

func (Noop) GetLatestSnapshot(context.Context) (snapshot.Summary, error) {
	return snapshot.Summary{}, nil
}

func (Noop) GetSnapshotByID(context.Context, uint64) (*snapshot.Summary, error) { return nil, nil }

func (Noop) SubmitSnapshot(context.Context, snapshot.Summary) error { return ErrNoop }

func (Noop) GetAllAccountsAndProxies(context.Context) ([]types.AccountProxies, error) {
	return nil, nil
}

func (Noop) GetAllowlistedAssets(context.Context) ([]types.AssetID, error) { return nil, nil }

func (Noop) GetSnapshotGenerationIntervals(context.Context) (types.SnapshotIntervals, error) {
	return types.SnapshotIntervals{}, nil
}

func (Noop) IngressMessages(context.Context, uint64) ([]types.IngressMessage, error) {
	return nil, nil
}

func (Noop) FinalityNotifications() <-chan types.FinalityNotification { return nil }

func (Noop) Close() error { return nil }
