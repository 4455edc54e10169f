package ledger

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Polkadex-Substrate/Polkadex-sub004/core/types"
)

// ErrNonceGap is returned when an action is ahead of the next expected nonce.
var ErrNonceGap = errors.New("ledger: nonce gap")

// IsRejection reports whether err rejects a single action without
// compromising the ledger.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrAccountBalanceNotFound) ||
		errors.Is(err, types.ErrInvalidAction)
}

// Apply executes the next action of the ordered stream. The action must carry
// nonce head+1. A rejected action still consumes its nonce so every replica
// advances identically: the returned error is then a rejection (see
// IsRejection) and the root is unchanged.
func (l *Ledger) Apply(a *types.OrderedAction) (common.Hash, error) {
	current := l.Progress()
	switch {
	case a.Nonce <= current.WorkerNonce:
		return common.Hash{}, fmt.Errorf("%w: %d <= %d", ErrStaleNonce, a.Nonce, current.WorkerNonce)
	case a.Nonce > current.WorkerNonce+1:
		return common.Hash{}, fmt.Errorf("%w: got %d, want %d", ErrNonceGap, a.Nonce, current.WorkerNonce+1)
	}

	next := Progress{
		WorkerNonce:        a.Nonce,
		Stid:               current.Stid,
		LastProcessedBlock: current.LastProcessedBlock,
	}
	if a.Stid < current.Stid {
		return l.reject(next, fmt.Errorf("%w: stid %d behind %d", types.ErrInvalidAction, a.Stid, current.Stid))
	}
	next.Stid = a.Stid

	tx := l.Begin()
	var applyErr error
	switch a.Action.Type {
	case types.ActionBlockImport:
		imp := a.Action.BlockImport
		if imp.Block <= current.LastProcessedBlock && current.LastProcessedBlock != 0 {
			applyErr = fmt.Errorf("%w: block %d already imported", types.ErrInvalidAction, imp.Block)
			break
		}
		next.LastProcessedBlock = imp.Block
		for _, d := range imp.Deposits {
			if err := tx.Add(types.AccountAsset{Main: d.Main, Asset: d.Asset}, d.Amount); err != nil {
				return common.Hash{}, err
			}
		}
	case types.ActionTrade:
		applyErr = applyTrade(tx, a.Action.Trade)
	case types.ActionWithdraw:
		w := a.Action.Withdraw
		applyErr = tx.Sub(types.AccountAsset{Main: w.Main, Asset: w.Asset}, w.Amount)
		if applyErr == nil {
			tx.QueueWithdrawal(types.Withdrawal{Main: w.Main, Asset: w.Asset, Amount: w.Amount, Stid: a.Stid})
		}
	default:
		applyErr = fmt.Errorf("%w: unknown type %q", types.ErrInvalidAction, a.Action.Type)
	}
	if applyErr != nil {
		if !IsRejection(applyErr) {
			return common.Hash{}, applyErr
		}
		return l.reject(next, applyErr)
	}
	return tx.Commit(&next)
}

func (l *Ledger) reject(next Progress, cause error) (common.Hash, error) {
	root, err := l.Begin().Commit(&next)
	if err != nil {
		return common.Hash{}, err
	}
	return root, cause
}

func applyTrade(tx *Tx, t *types.Trade) error {
	cost, ok := t.Qty.Mul(t.Price)
	if !ok {
		return fmt.Errorf("%w: trade notional overflows", types.ErrInvalidAction)
	}
	if err := tx.Sub(types.AccountAsset{Main: t.Taker, Asset: t.Quote}, cost); err != nil {
		return err
	}
	if err := tx.Add(types.AccountAsset{Main: t.Maker, Asset: t.Quote}, cost); err != nil {
		return err
	}
	if err := tx.Sub(types.AccountAsset{Main: t.Maker, Asset: t.Base}, t.Qty); err != nil {
		return err
	}
	return tx.Add(types.AccountAsset{Main: t.Taker, Asset: t.Base}, t.Qty)
}
