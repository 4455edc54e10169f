package snapshot

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/Polkadex-Substrate/Polkadex-sub004/core/types"
	"github.com/Polkadex-Substrate/Polkadex-sub004/crypto"
)

var (
	// ErrInsufficientQuorum rejects a summary signed by fewer than Quorum(n).
	ErrInsufficientQuorum = errors.New("snapshot: insufficient quorum")
	// ErrInvalidAggregate rejects an aggregate that does not verify.
	ErrInvalidAggregate = errors.New("snapshot: invalid aggregate signature")
	// ErrValidatorSetMismatch rejects a summary signed for another set.
	ErrValidatorSetMismatch = errors.New("snapshot: validator set mismatch")
)

// Summary is a checkpoint of the ledger at a worker nonce. Only the content
// fields are signed; SignerBitmap and AggregateSignature are filled in once a
// quorum of validators has signed the digest. ValidatorSetID names the set the
// bitmap indexes into and is not part of the digest, so a partial stays valid
// across a rotation that keeps its signer's index and key.
type Summary struct {
	SnapshotID         uint64             `json:"snapshotId"`
	StateRoot          common.Hash        `json:"stateRoot"`
	StateChangeID      uint64             `json:"stateChangeId"`
	WorkerNonce        uint64             `json:"workerNonce"`
	LastProcessedBlock uint64             `json:"lastProcessedBlock"`
	ValidatorSetID     uint64             `json:"validatorSetId"`
	Withdrawals        []types.Withdrawal `json:"withdrawals"`
	SignerBitmap       Bitmap             `json:"signerBitmap,omitempty"`
	AggregateSignature hexutil.Bytes      `json:"aggregateSignature,omitempty"`
}

type withdrawalRLP struct {
	Main   [20]byte
	Asset  string
	Amount []byte
	Stid   uint64
}

type contentRLP struct {
	SnapshotID         uint64
	StateRoot          common.Hash
	StateChangeID      uint64
	WorkerNonce        uint64
	LastProcessedBlock uint64
	Withdrawals        []withdrawalRLP
}

// Digest is keccak256 over the RLP encoding of the content fields.
func (s *Summary) Digest() (common.Hash, error) {
	content := contentRLP{
		SnapshotID:         s.SnapshotID,
		StateRoot:          s.StateRoot,
		StateChangeID:      s.StateChangeID,
		WorkerNonce:        s.WorkerNonce,
		LastProcessedBlock: s.LastProcessedBlock,
		Withdrawals:        make([]withdrawalRLP, len(s.Withdrawals)),
	}
	for i, w := range s.Withdrawals {
		content.Withdrawals[i] = withdrawalRLP{Main: w.Main, Asset: string(w.Asset), Amount: w.Amount.Bytes(), Stid: w.Stid}
	}
	raw, err := rlp.EncodeToBytes(content)
	if err != nil {
		return common.Hash{}, fmt.Errorf("snapshot: encode summary: %w", err)
	}
	return common.BytesToHash(crypto.Keccak256(raw)), nil
}

// SameContent reports whether both summaries sign the same digest.
func (s *Summary) SameContent(other *Summary) bool {
	a, errA := s.Digest()
	b, errB := other.Digest()
	return errA == nil && errB == nil && a == b
}

// IsGenesis reports whether s is the zero summary returned before the first
// snapshot is finalized.
func (s *Summary) IsGenesis() bool {
	return s.SnapshotID == 0
}

// Verify checks that the aggregate signature covers the digest with a quorum
// of the given validator set.
func (s *Summary) Verify(set types.ValidatorSet) error {
	if s.ValidatorSetID != set.SetID {
		return fmt.Errorf("%w: summary %d, active %d", ErrValidatorSetMismatch, s.ValidatorSetID, set.SetID)
	}
	indices := s.SignerBitmap.Indices()
	if !HasQuorum(len(indices), set.Len()) {
		return fmt.Errorf("%w: %d of %d signers, need %d", ErrInsufficientQuorum, len(indices), set.Len(), Quorum(set.Len()))
	}
	keys := make([][]byte, 0, len(indices))
	for _, i := range indices {
		key := set.Key(i)
		if key == nil {
			return fmt.Errorf("%w: signer index %d out of range", ErrInvalidAggregate, i)
		}
		keys = append(keys, key)
	}
	digest, err := s.Digest()
	if err != nil {
		return err
	}
	if !crypto.BLSFastAggregateVerify(keys, digest.Bytes(), s.AggregateSignature) {
		return ErrInvalidAggregate
	}
	return nil
}

// Unsigned returns a copy without signer data.
func (s Summary) Unsigned() Summary {
	s.SignerBitmap = nil
	s.AggregateSignature = nil
	s.Withdrawals = append([]types.Withdrawal(nil), s.Withdrawals...)
	return s
}
