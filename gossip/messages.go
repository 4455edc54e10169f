package gossip

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/Polkadex-Substrate/Polkadex-sub004/core/types"
	"github.com/Polkadex-Substrate/Polkadex-sub004/p2p"
	"github.com/Polkadex-Substrate/Polkadex-sub004/snapshot"
)

// Message type identifiers carried in p2p.Message.Type.
const (
	TypeStateSyncRequest byte = 0x20 + iota
	TypeStateSyncResponse
	TypeStidImportRequest
	TypeStidImportResponse
	TypeBulkStateRequest
	TypeBulkStateResponse
	TypeSnapshotPartialSignature
	TypeHaveNonce
)

// MaxRange bounds the number of actions a single want may ask for.
const MaxRange = 1024

// ErrMalformed marks a payload that failed to decode or validate. Callers
// drop such messages without replying.
var ErrMalformed = errors.New("gossip: malformed message")

// StateSyncRequest asks for actions with worker nonces in [From, To].
type StateSyncRequest struct {
	ID   string `json:"id"`
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// StateSyncResponse answers a StateSyncRequest with the contiguous prefix of
// the range the responder holds.
type StateSyncResponse struct {
	ID      string                 `json:"id"`
	Actions []*types.OrderedAction `json:"actions"`
}

// StidImportRequest asks for the actions with state change ids in [From, To].
type StidImportRequest struct {
	ID   string `json:"id"`
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

type StidImportResponse struct {
	ID      string                 `json:"id"`
	Actions []*types.OrderedAction `json:"actions"`
}

// BulkStateRequest asks for the full state at Root. A zero root means the
// responder's latest finalized snapshot.
type BulkStateRequest struct {
	ID   string      `json:"id"`
	Root common.Hash `json:"root"`
}

// BulkStateResponse carries one snappy compressed chunk of a serialized
// node map together with the summary that fixes its root.
type BulkStateResponse struct {
	ID      string           `json:"id"`
	Summary snapshot.Summary `json:"summary"`
	Index   int              `json:"index"`
	Total   int              `json:"total"`
	Hash    common.Hash      `json:"hash"`
	Chunk   hexutil.Bytes    `json:"chunk"`
}

// SnapshotPartialSignature is one validator's BLS signature over a summary
// digest.
type SnapshotPartialSignature struct {
	SnapshotID  uint64        `json:"snapshotId"`
	Digest      common.Hash   `json:"digest"`
	WorkerNonce uint64        `json:"workerNonce"`
	SignerIndex int           `json:"signerIndex"`
	Signature   hexutil.Bytes `json:"signature"`
}

// HaveNonce announces the sender's applied position.
type HaveNonce struct {
	Nonce      uint64 `json:"nonce"`
	Stid       uint64 `json:"stid"`
	SnapshotID uint64 `json:"snapshotId"`
}

// Encode wraps a payload into a transport message.
func Encode(payload any) (*p2p.Message, error) {
	var msgType byte
	switch payload.(type) {
	case *StateSyncRequest:
		msgType = TypeStateSyncRequest
	case *StateSyncResponse:
		msgType = TypeStateSyncResponse
	case *StidImportRequest:
		msgType = TypeStidImportRequest
	case *StidImportResponse:
		msgType = TypeStidImportResponse
	case *BulkStateRequest:
		msgType = TypeBulkStateRequest
	case *BulkStateResponse:
		msgType = TypeBulkStateResponse
	case *SnapshotPartialSignature:
		msgType = TypeSnapshotPartialSignature
	case *HaveNonce:
		msgType = TypeHaveNonce
	default:
		return nil, fmt.Errorf("gossip: cannot encode %T", payload)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("gossip: encode %T: %w", payload, err)
	}
	return &p2p.Message{Type: msgType, Payload: body}, nil
}

// Decode parses and sanity checks a transport message. Any error wraps
// ErrMalformed.
func Decode(msg *p2p.Message) (any, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}
	var (
		payload any
		check   func() error
	)
	switch msg.Type {
	case TypeStateSyncRequest:
		p := new(StateSyncRequest)
		payload, check = p, func() error { return checkRange(p.ID, p.From, p.To, 1) }
	case TypeStateSyncResponse:
		p := new(StateSyncResponse)
		payload, check = p, func() error { return checkActions(p.ID, p.Actions) }
	case TypeStidImportRequest:
		p := new(StidImportRequest)
		payload, check = p, func() error { return checkRange(p.ID, p.From, p.To, 0) }
	case TypeStidImportResponse:
		p := new(StidImportResponse)
		payload, check = p, func() error { return checkActions(p.ID, p.Actions) }
	case TypeBulkStateRequest:
		p := new(BulkStateRequest)
		payload, check = p, func() error { return requireID(p.ID) }
	case TypeBulkStateResponse:
		p := new(BulkStateResponse)
		payload, check = p, func() error {
			if err := requireID(p.ID); err != nil {
				return err
			}
			if p.Total <= 0 || p.Index < 0 || p.Index >= p.Total {
				return fmt.Errorf("chunk %d of %d", p.Index, p.Total)
			}
			return nil
		}
	case TypeSnapshotPartialSignature:
		p := new(SnapshotPartialSignature)
		payload, check = p, func() error {
			if p.SignerIndex < 0 || len(p.Signature) == 0 {
				return errors.New("unsigned partial")
			}
			return nil
		}
	case TypeHaveNonce:
		p := new(HaveNonce)
		payload, check = p, func() error { return nil }
	default:
		return nil, fmt.Errorf("%w: unknown type 0x%02x", ErrMalformed, msg.Type)
	}
	if err := json.Unmarshal(msg.Payload, payload); err != nil {
		return nil, fmt.Errorf("%w: type 0x%02x: %v", ErrMalformed, msg.Type, err)
	}
	if err := check(); err != nil {
		return nil, fmt.Errorf("%w: type 0x%02x: %v", ErrMalformed, msg.Type, err)
	}
	return payload, nil
}

func requireID(id string) error {
	if id == "" {
		return errors.New("missing request id")
	}
	return nil
}

func checkRange(id string, from, to, floor uint64) error {
	if err := requireID(id); err != nil {
		return err
	}
	if from < floor || to < from {
		return fmt.Errorf("invalid range [%d, %d]", from, to)
	}
	if to-from >= MaxRange {
		return fmt.Errorf("range [%d, %d] exceeds %d", from, to, MaxRange)
	}
	return nil
}

func checkActions(id string, actions []*types.OrderedAction) error {
	if err := requireID(id); err != nil {
		return err
	}
	if len(actions) > MaxRange {
		return fmt.Errorf("%d actions exceed %d", len(actions), MaxRange)
	}
	for i, a := range actions {
		if a == nil {
			return fmt.Errorf("nil action at %d", i)
		}
		if i > 0 && a.Nonce != actions[i-1].Nonce+1 {
			return fmt.Errorf("non contiguous nonce %d after %d", a.Nonce, actions[i-1].Nonce)
		}
	}
	return nil
}
