package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix is the bech32 human-readable part of account addresses.
const AddressPrefix = "ob"

// AddressLength is the size of an account address in bytes.
const AddressLength = 20

// ErrInvalidSignature is returned when a signature cannot be recovered.
var ErrInvalidSignature = errors.New("crypto: invalid signature")

// Address identifies an account. It is the keccak-derived address of a
// secp256k1 public key and renders as bech32 with the "ob" prefix.
type Address [AddressLength]byte

// BytesToAddress copies b into an Address. b must be 20 bytes.
func BytesToAddress(b []byte) (Address, error) {
	var a Address
	if len(b) != AddressLength {
		return a, fmt.Errorf("crypto: address must be %d bytes, got %d", AddressLength, len(b))
	}
	copy(a[:], b)
	return a, nil
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(AddressPrefix, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return a[:]
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	decoded, err := DecodeAddress(string(text))
	if err != nil {
		return err
	}
	*a = decoded
	return nil
}

// DecodeAddress parses a bech32 address. Hex strings with a 0x prefix are
// accepted as well for operator tooling.
func DecodeAddress(addrStr string) (Address, error) {
	addrStr = strings.TrimSpace(addrStr)
	if strings.HasPrefix(addrStr, "0x") {
		raw, err := hex.DecodeString(addrStr[2:])
		if err != nil {
			return Address{}, fmt.Errorf("invalid hex address: %w", err)
		}
		return BytesToAddress(raw)
	}
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	if prefix != AddressPrefix {
		return Address{}, fmt.Errorf("unexpected address prefix %q", prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return BytesToAddress(conv)
}

// MustDecodeAddress is DecodeAddress for constants and tests.
func MustDecodeAddress(addrStr string) Address {
	addr, err := DecodeAddress(addrStr)
	if err != nil {
		panic(err)
	}
	return addr
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Sign produces a 65-byte recoverable signature over a 32-byte digest.
func (k *PrivateKey) Sign(digest []byte) ([]byte, error) {
	return crypto.Sign(digest, k.PrivateKey)
}

func (k *PublicKey) Address() Address {
	var a Address
	copy(a[:], crypto.PubkeyToAddress(*k.PublicKey).Bytes())
	return a
}

// Bytes returns the uncompressed public key encoding.
func (k *PublicKey) Bytes() []byte {
	return crypto.FromECDSAPub(k.PublicKey)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// RecoverAddress returns the address whose key produced sig over digest.
func RecoverAddress(digest, sig []byte) (Address, error) {
	if len(sig) != crypto.SignatureLength {
		return Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return (&PublicKey{pub}).Address(), nil
}

// Keccak256 is re-exported so callers hash with the same function as the trie.
func Keccak256(data ...[]byte) []byte {
	return crypto.Keccak256(data...)
}
