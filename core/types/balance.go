package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// BalanceDecimals is the number of fractional digits carried by a Balance.
const BalanceDecimals = 12

var (
	balanceUnit = uint256.NewInt(1_000_000_000_000)
	maxBalance  = new(uint256.Int).SetAllOne()

	ErrInvalidBalance = errors.New("types: invalid balance")
)

// Balance is a non-negative fixed-point decimal with 12 fractional digits.
// The zero value is zero.
type Balance struct {
	v uint256.Int
}

// NewBalance returns a balance of whole units.
func NewBalance(units uint64) Balance {
	var b Balance
	b.v.Mul(uint256.NewInt(units), balanceUnit)
	return b
}

// BalanceFromRaw wraps a raw value already scaled by 10^12.
func BalanceFromRaw(raw *uint256.Int) Balance {
	var b Balance
	b.v.Set(raw)
	return b
}

// BalanceFromBytes decodes a big-endian raw value.
func BalanceFromBytes(raw []byte) (Balance, error) {
	if len(raw) > 32 {
		return Balance{}, fmt.Errorf("%w: %d bytes", ErrInvalidBalance, len(raw))
	}
	var b Balance
	b.v.SetBytes(raw)
	return b, nil
}

// ParseBalance parses a decimal string such as "10", "0.5" or "1.000000000001".
func ParseBalance(s string) (Balance, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Balance{}, fmt.Errorf("%w: empty", ErrInvalidBalance)
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" || (hasFrac && frac == "") || len(frac) > BalanceDecimals {
		return Balance{}, fmt.Errorf("%w: %q", ErrInvalidBalance, s)
	}
	if !isDigits(whole) || !isDigits(frac) {
		return Balance{}, fmt.Errorf("%w: %q", ErrInvalidBalance, s)
	}
	w, err := uint256.FromDecimal(whole)
	if err != nil {
		return Balance{}, fmt.Errorf("%w: %q", ErrInvalidBalance, s)
	}
	scaled, overflow := new(uint256.Int).MulOverflow(w, balanceUnit)
	if overflow {
		return Balance{}, fmt.Errorf("%w: %q overflows", ErrInvalidBalance, s)
	}
	if frac != "" {
		f, err := uint256.FromDecimal(frac + strings.Repeat("0", BalanceDecimals-len(frac)))
		if err != nil {
			return Balance{}, fmt.Errorf("%w: %q", ErrInvalidBalance, s)
		}
		if _, overflow := scaled.AddOverflow(scaled, f); overflow {
			return Balance{}, fmt.Errorf("%w: %q overflows", ErrInvalidBalance, s)
		}
	}
	return BalanceFromRaw(scaled), nil
}

// MustParseBalance is ParseBalance for literals.
func MustParseBalance(s string) Balance {
	b, err := ParseBalance(s)
	if err != nil {
		panic(err)
	}
	return b
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (b Balance) String() string {
	var q, r uint256.Int
	q.DivMod(&b.v, balanceUnit, &r)
	if r.IsZero() {
		return q.Dec()
	}
	frac := r.Dec()
	frac = strings.Repeat("0", BalanceDecimals-len(frac)) + frac
	return q.Dec() + "." + strings.TrimRight(frac, "0")
}

// Raw returns a copy of the scaled value.
func (b Balance) Raw() *uint256.Int {
	return new(uint256.Int).Set(&b.v)
}

// Bytes returns the minimal big-endian encoding of the scaled value.
func (b Balance) Bytes() []byte {
	return b.v.Bytes()
}

func (b Balance) IsZero() bool {
	return b.v.IsZero()
}

func (b Balance) Cmp(o Balance) int {
	return b.v.Cmp(&o.v)
}

func (b Balance) Lt(o Balance) bool {
	return b.v.Lt(&o.v)
}

// SaturatingAdd returns b+o, clamped at the largest representable value.
func (b Balance) SaturatingAdd(o Balance) Balance {
	var out Balance
	if _, overflow := out.v.AddOverflow(&b.v, &o.v); overflow {
		out.v.Set(maxBalance)
	}
	return out
}

// CheckedSub returns b-o and false when o > b.
func (b Balance) CheckedSub(o Balance) (Balance, bool) {
	var out Balance
	if _, underflow := out.v.SubOverflow(&b.v, &o.v); underflow {
		return Balance{}, false
	}
	return out, true
}

// Mul multiplies two fixed-point values, truncating below 10^-12. The second
// result is false on overflow.
func (b Balance) Mul(o Balance) (Balance, bool) {
	var product uint256.Int
	if _, overflow := product.MulOverflow(&b.v, &o.v); overflow {
		return Balance{}, false
	}
	var out Balance
	out.v.Div(&product, balanceUnit)
	return out, true
}

func (b Balance) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *Balance) UnmarshalText(text []byte) error {
	parsed, err := ParseBalance(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}
