package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Polkadex-Substrate/Polkadex-sub004/core/types"
)

// Tx stages balance changes for one action. Nothing reaches the trie until
// Commit; a Tx that is dropped leaves the ledger untouched.
type Tx struct {
	ledger      *Ledger
	staged      map[types.AccountID]accountBalances
	order       []types.AccountID
	withdrawals []types.Withdrawal
}

func (tx *Tx) load(main types.AccountID) (accountBalances, error) {
	if balances, ok := tx.staged[main]; ok {
		return balances, nil
	}
	balances, err := tx.ledger.account(main)
	if err != nil {
		return nil, err
	}
	balances = balances.clone()
	tx.staged[main] = balances
	tx.order = append(tx.order, main)
	return balances, nil
}

// Balance reads through staged changes.
func (tx *Tx) Balance(key types.AccountAsset) (types.Balance, bool, error) {
	balances, err := tx.load(key.Main)
	if err != nil {
		return types.Balance{}, false, err
	}
	amount, ok := balances[key.Asset]
	return amount, ok, nil
}

// Add credits key, creating the entry when absent.
func (tx *Tx) Add(key types.AccountAsset, amount types.Balance) error {
	balances, err := tx.load(key.Main)
	if err != nil {
		return err
	}
	balances[key.Asset] = balances[key.Asset].SaturatingAdd(amount)
	return nil
}

// Sub debits key.
func (tx *Tx) Sub(key types.AccountAsset, amount types.Balance) error {
	balances, err := tx.load(key.Main)
	if err != nil {
		return err
	}
	current, ok := balances[key.Asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountBalanceNotFound, key)
	}
	next, ok := current.CheckedSub(amount)
	if !ok {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, key, current, amount)
	}
	balances[key.Asset] = next
	return nil
}

// QueueWithdrawal records a withdrawal to be carried by the next snapshot.
func (tx *Tx) QueueWithdrawal(w types.Withdrawal) {
	tx.withdrawals = append(tx.withdrawals, w)
}

// Commit writes staged accounts, commits the trie and, when progress is
// non-nil, advances the stream position in the same step.
func (tx *Tx) Commit(progress *Progress) (common.Hash, error) {
	return tx.ledger.commit(tx, progress)
}
