package snapshot

// Quorum returns the number of signers required to finalize a summary for a
// validator set of size n: ceil(2n/3). An empty set has quorum zero and can
// never finalize.
func Quorum(n int) int {
	if n <= 0 {
		return 0
	}
	return (2*n + 2) / 3
}

// HasQuorum reports whether signers out of n is enough to finalize.
func HasQuorum(signers, n int) bool {
	return n > 0 && signers >= Quorum(n)
}
