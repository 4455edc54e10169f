// Package recovery rebuilds the account and balance view of the latest
// finalized snapshot so clients can bootstrap without replaying the stream.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Polkadex-Substrate/Polkadex-sub004/core/types"
	"github.com/Polkadex-Substrate/Polkadex-sub004/ledger"
	"github.com/Polkadex-Substrate/Polkadex-sub004/runtime"
)

// ErrStateUnavailable is returned while the finalized root is not resident in
// the local arena, e.g. on a node that is still catching up.
var ErrStateUnavailable = errors.New("recovery: finalized state not available on this node")

// RecoveryState is the projection of one finalized snapshot. Balances are
// keyed "<main>:<asset>" in JSON; zero balances are omitted.
type RecoveryState struct {
	SnapshotID         uint64                                `json:"snapshotId"`
	StateChangeID      uint64                                `json:"stateChangeId"`
	WorkerNonce        uint64                                `json:"workerNonce"`
	LastProcessedBlock uint64                                `json:"lastProcessedBlock"`
	StateRoot          common.Hash                           `json:"stateRoot"`
	Balances           map[types.AccountAsset]types.Balance  `json:"balances"`
	AccountIDs         map[types.AccountID][]types.AccountID `json:"accountIds"`
}

// Service answers recovery queries. It only reads: the ledger is accessed
// through pinned views and never locked for longer than the pin.
type Service struct {
	ledger  *ledger.Ledger
	runtime runtime.Runtime
	logger  *slog.Logger
}

func NewService(l *ledger.Ledger, rt runtime.Runtime) *Service {
	return &Service{
		ledger:  l,
		runtime: rt,
		logger:  slog.Default().With(slog.String("component", "recovery")),
	}
}

// GetRecoveryState returns balances at the latest finalized root for every
// registered account and allow-listed asset. A registered account without a
// ledger entry resolves to zero.
func (s *Service) GetRecoveryState(ctx context.Context) (*RecoveryState, error) {
	summary, err := s.runtime.GetLatestSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovery: latest snapshot: %w", err)
	}
	view, err := s.ledger.ViewAt(summary.StateRoot)
	if err != nil {
		s.logger.Debug("Finalized root not resident",
			slog.Uint64("snapshot_id", summary.SnapshotID),
			slog.Any("error", err))
		return nil, fmt.Errorf("%w: snapshot %d", ErrStateUnavailable, summary.SnapshotID)
	}
	defer view.Release()

	accounts, err := s.runtime.GetAllAccountsAndProxies(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovery: accounts: %w", err)
	}
	assets, err := s.runtime.GetAllowlistedAssets(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovery: assets: %w", err)
	}

	state := &RecoveryState{
		SnapshotID:         summary.SnapshotID,
		StateChangeID:      summary.StateChangeID,
		WorkerNonce:        summary.WorkerNonce,
		LastProcessedBlock: summary.LastProcessedBlock,
		StateRoot:          view.Root(),
		Balances:           make(map[types.AccountAsset]types.Balance),
		AccountIDs:         make(map[types.AccountID][]types.AccountID, len(accounts)),
	}
	for _, acc := range accounts {
		state.AccountIDs[acc.Main] = append([]types.AccountID{}, acc.Proxies...)
		for _, asset := range assets {
			key := types.AccountAsset{Main: acc.Main, Asset: asset}
			bal, ok, err := view.Balance(key)
			if err != nil {
				return nil, err
			}
			if !ok || bal.IsZero() {
				continue
			}
			state.Balances[key] = bal
		}
	}
	return state, nil
}
