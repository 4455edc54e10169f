package types

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// IngressKind tags a host chain message addressed to the orderbook.
type IngressKind string

const (
	IngressDeposit      IngressKind = "deposit"
	IngressRegisterMain IngressKind = "register_main"
	IngressAddProxy     IngressKind = "add_proxy"
)

// IngressMessage is one orderbook-bound message found in a finalized block.
// Registration messages only update the runtime registry.
type IngressMessage struct {
	Kind   IngressKind `json:"kind"`
	Main   AccountID   `json:"main"`
	Proxy  AccountID   `json:"proxy,omitempty"`
	Asset  AssetID     `json:"asset,omitempty"`
	Amount Balance     `json:"amount"`
}

// TranslateIngress keeps the balance-affecting messages as deposits.
func TranslateIngress(messages []IngressMessage) []Deposit {
	var out []Deposit
	for _, m := range messages {
		if m.Kind != IngressDeposit || m.Amount.IsZero() {
			continue
		}
		out = append(out, Deposit{Main: m.Main, Asset: m.Asset, Amount: m.Amount})
	}
	return out
}

// Withdrawal is a debit waiting to be paid out on the host chain.
type Withdrawal struct {
	Main   AccountID `json:"main"`
	Asset  AssetID   `json:"asset"`
	Amount Balance   `json:"amount"`
	Stid   uint64    `json:"stid"`
}

// Validator is one member of the active set. BLSKey is a compressed G1 key.
type Validator struct {
	Account AccountID     `json:"account"`
	BLSKey  hexutil.Bytes `json:"blsKey"`
}

// ValidatorSet is ordered: a signer index is a position in Validators.
type ValidatorSet struct {
	SetID      uint64      `json:"setId"`
	Validators []Validator `json:"validators"`
}

func (v ValidatorSet) Len() int { return len(v.Validators) }

// IndexOf returns the position of the validator with the given BLS key.
func (v ValidatorSet) IndexOf(blsKey []byte) (int, bool) {
	for i, val := range v.Validators {
		if bytes.Equal(val.BLSKey, blsKey) {
			return i, true
		}
	}
	return -1, false
}

// Key returns the BLS key at index, or nil if out of range.
func (v ValidatorSet) Key(index int) []byte {
	if index < 0 || index >= len(v.Validators) {
		return nil
	}
	return v.Validators[index].BLSKey
}

// SnapshotIntervals tells the worker when to cut a snapshot: after Blocks
// finalized blocks or Nonces applied actions, whichever comes first. Zero
// disables the respective trigger.
type SnapshotIntervals struct {
	Blocks uint64 `json:"blocks" yaml:"blocks"`
	Nonces uint64 `json:"nonces" yaml:"nonces"`
}

// FinalityNotification announces a newly finalized host block.
type FinalityNotification struct {
	Block uint64 `json:"block"`
}
