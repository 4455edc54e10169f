package ledger

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/Polkadex-Substrate/Polkadex-sub004/core/types"
	"github.com/Polkadex-Substrate/Polkadex-sub004/crypto"
	"github.com/Polkadex-Substrate/Polkadex-sub004/storage/trie"
)

// accountBalances is the per-main-account leaf: every asset balance of one
// account lives in a single trie value.
type accountBalances map[types.AssetID]types.Balance

type assetEntry struct {
	Asset  string
	Amount []byte
}

func accountKey(main types.AccountID) []byte {
	return crypto.Keccak256(main.Bytes())
}

// encode sorts by asset so equal maps always produce equal leaves.
func (a accountBalances) encode() ([]byte, error) {
	entries := make([]assetEntry, 0, len(a))
	for asset, amount := range a {
		entries = append(entries, assetEntry{Asset: string(asset), Amount: amount.Bytes()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Asset < entries[j].Asset })
	return rlp.EncodeToBytes(entries)
}

func decodeAccount(raw []byte) (accountBalances, error) {
	out := make(accountBalances)
	if len(raw) == 0 {
		return out, nil
	}
	var entries []assetEntry
	if err := rlp.DecodeBytes(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: account leaf: %v", trie.ErrCorrupt, err)
	}
	for _, e := range entries {
		amount, err := types.BalanceFromBytes(e.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: account leaf: %v", trie.ErrCorrupt, err)
		}
		out[types.AssetID(e.Asset)] = amount
	}
	return out, nil
}

func (a accountBalances) clone() accountBalances {
	out := make(accountBalances, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}
