package snapshot

import "math/bits"

// Bitmap marks signer indices of a validator set, 64 per word.
type Bitmap []uint64

// Set marks index i, growing the bitmap as needed.
func (b *Bitmap) Set(i int) {
	if i < 0 {
		return
	}
	word := i / 64
	for len(*b) <= word {
		*b = append(*b, 0)
	}
	(*b)[word] |= 1 << (uint(i) % 64)
}

func (b Bitmap) IsSet(i int) bool {
	if i < 0 || i/64 >= len(b) {
		return false
	}
	return b[i/64]&(1<<(uint(i)%64)) != 0
}

// Count returns the number of marked indices.
func (b Bitmap) Count() int {
	n := 0
	for _, w := range b {
		n += bits.OnesCount64(w)
	}
	return n
}

// Indices lists marked indices in ascending order.
func (b Bitmap) Indices() []int {
	var out []int
	for word, w := range b {
		for w != 0 {
			bit := bits.TrailingZeros64(w)
			out = append(out, word*64+bit)
			w &= w - 1
		}
	}
	return out
}
