package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Polkadex-Substrate/Polkadex-sub004/core/types"
	"github.com/Polkadex-Substrate/Polkadex-sub004/crypto"
)

var (
	// ErrDigestMismatch rejects a partial signature over another summary.
	ErrDigestMismatch = errors.New("snapshot: partial signature digest mismatch")
	// ErrUnknownSigner rejects a signer index outside the validator set.
	ErrUnknownSigner = errors.New("snapshot: unknown signer index")
)

// Aggregator collects BLS partial signatures for one pending summary.
type Aggregator struct {
	summary  Summary
	digest   common.Hash
	set      types.ValidatorSet
	partials map[int][]byte
}

// NewAggregator starts collecting signatures for summary under set.
func NewAggregator(summary Summary, set types.ValidatorSet) (*Aggregator, error) {
	summary = summary.Unsigned()
	summary.ValidatorSetID = set.SetID
	digest, err := summary.Digest()
	if err != nil {
		return nil, err
	}
	return &Aggregator{
		summary:  summary,
		digest:   digest,
		set:      set,
		partials: make(map[int][]byte),
	}, nil
}

func (a *Aggregator) Summary() Summary   { return a.summary }
func (a *Aggregator) Digest() common.Hash { return a.digest }

// Add verifies and records a partial signature. It returns false without an
// error for a duplicate from the same signer.
func (a *Aggregator) Add(index int, digest common.Hash, sig []byte) (bool, error) {
	if digest != a.digest {
		return false, fmt.Errorf("%w: snapshot %d", ErrDigestMismatch, a.summary.SnapshotID)
	}
	key := a.set.Key(index)
	if key == nil {
		return false, fmt.Errorf("%w: %d of %d", ErrUnknownSigner, index, a.set.Len())
	}
	if _, ok := a.partials[index]; ok {
		return false, nil
	}
	if !crypto.BLSVerify(key, a.digest.Bytes(), sig) {
		return false, fmt.Errorf("%w: signer %d", types.ErrSignatureVerificationFailed, index)
	}
	a.partials[index] = append([]byte(nil), sig...)
	return true, nil
}

// Signers returns the number of distinct valid partials.
func (a *Aggregator) Signers() int { return len(a.partials) }

func (a *Aggregator) HasQuorum() bool { return HasQuorum(len(a.partials), a.set.Len()) }

// Rekey moves the aggregation to a rotated validator set. Partials whose
// index resolves to the same key under set are kept; the dropped indices are
// returned in ascending order. The digest is unchanged.
func (a *Aggregator) Rekey(set types.ValidatorSet) []int {
	var dropped []int
	for i := range a.partials {
		key := set.Key(i)
		if key == nil || !bytes.Equal(key, a.set.Key(i)) {
			delete(a.partials, i)
			dropped = append(dropped, i)
		}
	}
	sort.Ints(dropped)
	a.set = set
	a.summary.ValidatorSetID = set.SetID
	return dropped
}

// Finalize aggregates the collected partials into a signed summary.
func (a *Aggregator) Finalize() (Summary, error) {
	if !a.HasQuorum() {
		return Summary{}, fmt.Errorf("%w: %d of %d signers", ErrInsufficientQuorum, len(a.partials), a.set.Len())
	}
	var bitmap Bitmap
	for i := range a.partials {
		bitmap.Set(i)
	}
	sigs := make([][]byte, 0, len(a.partials))
	for _, i := range bitmap.Indices() {
		sigs = append(sigs, a.partials[i])
	}
	aggregate, err := crypto.BLSAggregate(sigs)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: %v", ErrInvalidAggregate, err)
	}
	signed := a.summary.Unsigned()
	signed.SignerBitmap = bitmap
	signed.AggregateSignature = aggregate
	return signed, nil
}
