package crypto

import (
	"errors"

	blst "github.com/supranational/blst/bindings/go"
)

// Validators sign snapshot digests with BLS12-381 in the MinPk layout:
// 48-byte compressed G1 public keys, 96-byte compressed G2 signatures.
var blsDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_POP_")

const (
	BLSPublicKeySize = 48
	BLSSignatureSize = 96
	blsSecretSize    = 32
)

var (
	ErrBLSInvalidSeed      = errors.New("crypto: bls seed must be at least 32 bytes")
	ErrBLSInvalidSecretKey = errors.New("crypto: invalid bls secret key")
	ErrBLSNoSignatures     = errors.New("crypto: no bls signatures to aggregate")
	ErrBLSInvalidSignature = errors.New("crypto: invalid bls signature")
)

// BLSSecretKey signs snapshot digests.
type BLSSecretKey struct {
	sk *blst.SecretKey
}

// BLSKeyFromSeed derives a secret key from at least 32 bytes of key material.
func BLSKeyFromSeed(seed []byte) (*BLSSecretKey, error) {
	if len(seed) < 32 {
		return nil, ErrBLSInvalidSeed
	}
	sk := blst.KeyGen(seed)
	if sk == nil {
		return nil, ErrBLSInvalidSecretKey
	}
	return &BLSSecretKey{sk: sk}, nil
}

// BLSKeyFromBytes restores a serialized 32-byte secret key.
func BLSKeyFromBytes(b []byte) (*BLSSecretKey, error) {
	if len(b) != blsSecretSize {
		return nil, ErrBLSInvalidSecretKey
	}
	sk := new(blst.SecretKey).Deserialize(b)
	if sk == nil {
		return nil, ErrBLSInvalidSecretKey
	}
	return &BLSSecretKey{sk: sk}, nil
}

// DeriveBLSKey derives the node's BLS key deterministically from its account
// key, so a single keystore file carries both identities.
func DeriveBLSKey(key *PrivateKey) (*BLSSecretKey, error) {
	return BLSKeyFromSeed(Keccak256([]byte("obsync/bls/v1"), key.Bytes()))
}

func (k *BLSSecretKey) Bytes() []byte {
	return k.sk.Serialize()
}

// PublicKey returns the compressed G1 public key.
func (k *BLSSecretKey) PublicKey() []byte {
	return new(blst.P1Affine).From(k.sk).Compress()
}

// Sign returns the compressed signature over msg.
func (k *BLSSecretKey) Sign(msg []byte) []byte {
	return new(blst.P2Affine).Sign(k.sk, msg, blsDST).Compress()
}

// BLSVerify checks a single signature.
func BLSVerify(pubkey, msg, sig []byte) bool {
	if len(pubkey) != BLSPublicKeySize || len(sig) != BLSSignatureSize {
		return false
	}
	pk := new(blst.P1Affine).Uncompress(pubkey)
	if pk == nil {
		return false
	}
	s := new(blst.P2Affine).Uncompress(sig)
	if s == nil {
		return false
	}
	return s.Verify(true, pk, true, msg, blsDST)
}

// BLSAggregate folds compressed signatures into one compressed aggregate.
func BLSAggregate(sigs [][]byte) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, ErrBLSNoSignatures
	}
	agg := new(blst.P2Aggregate)
	if !agg.AggregateCompressed(sigs, true) {
		return nil, ErrBLSInvalidSignature
	}
	return agg.ToAffine().Compress(), nil
}

// BLSFastAggregateVerify checks an aggregate of signatures over the same msg.
func BLSFastAggregateVerify(pubkeys [][]byte, msg, sig []byte) bool {
	if len(pubkeys) == 0 || len(sig) != BLSSignatureSize {
		return false
	}
	s := new(blst.P2Affine).Uncompress(sig)
	if s == nil {
		return false
	}
	pks := make([]*blst.P1Affine, len(pubkeys))
	for i, raw := range pubkeys {
		pks[i] = new(blst.P1Affine).Uncompress(raw)
		if pks[i] == nil {
			return false
		}
	}
	return s.FastAggregateVerify(true, pks, msg, blsDST)
}
