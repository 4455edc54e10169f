package types

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/Polkadex-Substrate/Polkadex-sub004/crypto"
)

var (
	// ErrSignatureVerificationFailed rejects an action whose signature does not
	// recover to the expected signer.
	ErrSignatureVerificationFailed = errors.New("types: signature verification failed")
	// ErrInvalidAction rejects a structurally invalid action.
	ErrInvalidAction = errors.New("types: invalid action")
)

// ActionType tags the payload carried by an Action.
type ActionType string

const (
	ActionBlockImport ActionType = "block_import"
	ActionTrade       ActionType = "trade"
	ActionWithdraw    ActionType = "withdraw"
)

// Deposit credits a main account from host chain ingress.
type Deposit struct {
	Main   AccountID `json:"main"`
	Asset  AssetID   `json:"asset"`
	Amount Balance   `json:"amount"`
}

// BlockImport brings the ingress of one finalized host block into the ordered
// stream.
type BlockImport struct {
	Block    uint64    `json:"block"`
	Deposits []Deposit `json:"deposits"`
}

// Trade settles a fill: the taker receives Qty of Base from the maker and pays
// Qty*Price of Quote.
type Trade struct {
	Maker AccountID `json:"maker"`
	Taker AccountID `json:"taker"`
	Base  AssetID   `json:"base"`
	Quote AssetID   `json:"quote"`
	Price Balance   `json:"price"`
	Qty   Balance   `json:"qty"`
}

// Withdraw debits a main account and queues the amount for the next snapshot.
type Withdraw struct {
	Main   AccountID `json:"main"`
	Asset  AssetID   `json:"asset"`
	Amount Balance   `json:"amount"`
}

// Action is a tagged union; exactly the payload named by Type is set.
type Action struct {
	Type        ActionType   `json:"type"`
	BlockImport *BlockImport `json:"blockImport,omitempty"`
	Trade       *Trade       `json:"trade,omitempty"`
	Withdraw    *Withdraw    `json:"withdraw,omitempty"`
}

// Validate checks that the payload matches the tag.
func (a Action) Validate() error {
	set := 0
	for _, present := range []bool{a.BlockImport != nil, a.Trade != nil, a.Withdraw != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: %d payloads set", ErrInvalidAction, set)
	}
	switch a.Type {
	case ActionBlockImport:
		if a.BlockImport == nil {
			return fmt.Errorf("%w: missing block import payload", ErrInvalidAction)
		}
		for _, d := range a.BlockImport.Deposits {
			if d.Main.IsZero() || d.Asset == "" {
				return fmt.Errorf("%w: deposit without account or asset", ErrInvalidAction)
			}
		}
	case ActionTrade:
		t := a.Trade
		if t == nil {
			return fmt.Errorf("%w: missing trade payload", ErrInvalidAction)
		}
		if t.Base == "" || t.Quote == "" || t.Base == t.Quote {
			return fmt.Errorf("%w: trade needs two distinct assets", ErrInvalidAction)
		}
		if t.Qty.IsZero() || t.Price.IsZero() {
			return fmt.Errorf("%w: trade with zero quantity or price", ErrInvalidAction)
		}
	case ActionWithdraw:
		w := a.Withdraw
		if w == nil {
			return fmt.Errorf("%w: missing withdraw payload", ErrInvalidAction)
		}
		if w.Main.IsZero() || w.Asset == "" || w.Amount.IsZero() {
			return fmt.Errorf("%w: incomplete withdrawal", ErrInvalidAction)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidAction, a.Type)
	}
	return nil
}

// ChangesState reports whether applying the action touches balances.
func (a Action) ChangesState() bool {
	switch a.Type {
	case ActionBlockImport:
		return a.BlockImport != nil && len(a.BlockImport.Deposits) > 0
	case ActionTrade, ActionWithdraw:
		return true
	}
	return false
}

// OrderedAction is one entry of the nonce-ordered action stream.
type OrderedAction struct {
	Nonce     uint64        `json:"nonce"`
	Stid      uint64        `json:"stid"`
	Action    Action        `json:"action"`
	Signer    AccountID     `json:"signer"`
	Signature hexutil.Bytes `json:"signature"`
}

// Digest is the keccak256 hash of the signed fields.
func (a *OrderedAction) Digest() ([]byte, error) {
	payload := struct {
		Nonce  uint64
		Stid   uint64
		Action Action
	}{a.Nonce, a.Stid, a.Action}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256(b), nil
}

// Sign sets Signer and Signature using key.
func (a *OrderedAction) Sign(key *crypto.PrivateKey) error {
	digest, err := a.Digest()
	if err != nil {
		return err
	}
	sig, err := key.Sign(digest)
	if err != nil {
		return err
	}
	a.Signer = key.PubKey().Address()
	a.Signature = sig
	return nil
}

// Verify checks the payload and that the signature recovers to expected.
func (a *OrderedAction) Verify(expected AccountID) error {
	if err := a.Action.Validate(); err != nil {
		return err
	}
	if a.Signer != expected {
		return fmt.Errorf("%w: signer %s is not %s", ErrSignatureVerificationFailed, a.Signer, expected)
	}
	digest, err := a.Digest()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureVerificationFailed, err)
	}
	recovered, err := crypto.RecoverAddress(digest, a.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureVerificationFailed, err)
	}
	if recovered != a.Signer {
		return fmt.Errorf("%w: recovered %s", ErrSignatureVerificationFailed, recovered)
	}
	return nil
}
