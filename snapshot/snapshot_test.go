package snapshot

import (
	"bytes"
	"sort"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/Polkadex-Substrate/Polkadex-sub004/core/types"
	"github.com/Polkadex-Substrate/Polkadex-sub004/crypto"
)

func TestSerializeDeterministic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		kv := rapid.MapOf(rapid.String(), rapid.SliceOf(rapid.Byte())).Draw(rt, "kv").(map[string][]byte)

		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i := len(keys) - 1; i > 0; i-- {
			j := rapid.IntRange(0, i).Draw(rt, "swap").(int)
			keys[i], keys[j] = keys[j], keys[i]
		}
		shuffled := make(map[string][]byte, len(kv))
		for _, k := range keys {
			shuffled[k] = kv[k]
		}

		a, err := Serialize(NewOrderedMap(kv))
		require.NoError(rt, err)
		b, err := Serialize(NewOrderedMap(shuffled))
		require.NoError(rt, err)
		require.True(rt, bytes.Equal(a, b))

		decoded, err := Deserialize(a)
		require.NoError(rt, err)
		require.Equal(rt, len(kv), decoded.Len())
		for k, v := range kv {
			got, ok := decoded.Get([]byte(k))
			require.True(rt, ok)
			require.True(rt, bytes.Equal(v, got))
		}

		size := rapid.IntRange(1, 64).Draw(rt, "chunk").(int)
		joined, err := Join(Split(a, size))
		require.NoError(rt, err)
		require.True(rt, bytes.Equal(a, joined))
	})
}

func TestDeserializeRejectsUnsorted(t *testing.T) {
	raw, err := Serialize(&OrderedMap{entries: []Entry{{Key: []byte("b")}, {Key: []byte("a")}}})
	require.NoError(t, err)
	_, err = Deserialize(raw)
	require.ErrorIs(t, err, ErrMalformed)

	_, err = Deserialize([]byte{0xff, 0x01})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestChunksSurviveWireAndDetectTampering(t *testing.T) {
	data := bytes.Repeat([]byte("orderbook"), 100)
	chunks := Split(data, 128)
	require.Len(t, chunks, 8)

	wire := make([]Chunk, 0, len(chunks))
	for i := len(chunks) - 1; i >= 0; i-- {
		c, err := DecompressChunk(chunks[i].Index, chunks[i].Hash, chunks[i].Compress())
		require.NoError(t, err)
		wire = append(wire, c)
	}
	joined, err := Join(wire)
	require.NoError(t, err)
	require.Equal(t, data, joined)

	_, err = Join(wire[1:])
	require.ErrorIs(t, err, ErrChunk)

	tampered := append([]Chunk(nil), wire...)
	tampered[0].Data = append([]byte("x"), tampered[0].Data[1:]...)
	_, err = Join(tampered)
	require.ErrorIs(t, err, ErrChunk)

	require.Len(t, Split(nil, 16), 1)
}

func TestNodeMapRoundTrip(t *testing.T) {
	nodes := map[common.Hash][]byte{
		common.HexToHash("0x02"): {2},
		common.HexToHash("0x01"): {1},
	}
	raw, err := Serialize(NodeMap(nodes))
	require.NoError(t, err)
	decoded, err := Deserialize(raw)
	require.NoError(t, err)
	back, err := decoded.Nodes()
	require.NoError(t, err)
	require.Equal(t, nodes, back)
}

func TestQuorumTable(t *testing.T) {
	want := []int{1, 2, 2, 3, 4, 4, 5, 6, 6, 7}
	for n := 1; n <= 10; n++ {
		require.Equal(t, want[n-1], Quorum(n), "n=%d", n)
	}
	require.Equal(t, 0, Quorum(0))
	require.False(t, HasQuorum(0, 0))
	require.True(t, HasQuorum(3, 4))
	require.False(t, HasQuorum(2, 4))
}

func TestBitmap(t *testing.T) {
	var b Bitmap
	for _, i := range []int{0, 3, 64, 130} {
		b.Set(i)
	}
	b.Set(3)
	require.Equal(t, 4, b.Count())
	require.Equal(t, []int{0, 3, 64, 130}, b.Indices())
	require.True(t, b.IsSet(64))
	require.False(t, b.IsSet(65))
	require.False(t, b.IsSet(1000))
}

type validator struct {
	key *crypto.BLSSecretKey
}

func validatorSet(t *testing.T, n int) (types.ValidatorSet, []validator) {
	t.Helper()
	set := types.ValidatorSet{SetID: 7}
	vals := make([]validator, n)
	for i := range vals {
		seed := bytes.Repeat([]byte{byte(i + 1)}, 32)
		key, err := crypto.BLSKeyFromSeed(seed)
		require.NoError(t, err)
		vals[i] = validator{key: key}
		set.Validators = append(set.Validators, types.Validator{BLSKey: key.PublicKey()})
	}
	return set, vals
}

func TestAggregatorReachesQuorum(t *testing.T) {
	set, vals := validatorSet(t, 4)
	summary := Summary{SnapshotID: 1, StateRoot: common.HexToHash("0xabc"), StateChangeID: 3, WorkerNonce: 5}
	agg, err := NewAggregator(summary, set)
	require.NoError(t, err)
	digest := agg.Digest()

	_, err = agg.Add(0, common.Hash{}, vals[0].key.Sign(digest.Bytes()))
	require.ErrorIs(t, err, ErrDigestMismatch)
	_, err = agg.Add(9, digest, vals[0].key.Sign(digest.Bytes()))
	require.ErrorIs(t, err, ErrUnknownSigner)
	_, err = agg.Add(1, digest, vals[0].key.Sign(digest.Bytes()))
	require.ErrorIs(t, err, types.ErrSignatureVerificationFailed)

	for i := 0; i < 2; i++ {
		added, err := agg.Add(i, digest, vals[i].key.Sign(digest.Bytes()))
		require.NoError(t, err)
		require.True(t, added)
	}
	added, err := agg.Add(0, digest, vals[0].key.Sign(digest.Bytes()))
	require.NoError(t, err)
	require.False(t, added)
	require.False(t, agg.HasQuorum())
	_, err = agg.Finalize()
	require.ErrorIs(t, err, ErrInsufficientQuorum)

	_, err = agg.Add(3, digest, vals[3].key.Sign(digest.Bytes()))
	require.NoError(t, err)
	require.True(t, agg.HasQuorum())

	signed, err := agg.Finalize()
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 3}, signed.SignerBitmap.Indices())
	require.NoError(t, signed.Verify(set))
	require.True(t, signed.SameContent(&summary))

	forged := signed
	forged.StateChangeID++
	require.ErrorIs(t, forged.Verify(set), ErrInvalidAggregate)

	short := signed
	short.SignerBitmap = Bitmap{0b11}
	require.ErrorIs(t, short.Verify(set), ErrInsufficientQuorum)

	other := set
	other.SetID++
	require.ErrorIs(t, signed.Verify(other), ErrValidatorSetMismatch)
}

func TestAggregatorRekeyKeepsResolvingPartials(t *testing.T) {
	set, vals := validatorSet(t, 4)
	agg, err := NewAggregator(Summary{SnapshotID: 3, WorkerNonce: 12}, set)
	require.NoError(t, err)
	digest := agg.Digest()
	for _, i := range []int{0, 1, 2} {
		_, err := agg.Add(i, digest, vals[i].key.Sign(digest.Bytes()))
		require.NoError(t, err)
	}

	// Validator 1 leaves, validator 2 moves to index 1 and index 2 goes to a
	// newcomer.
	newcomer, err := crypto.BLSKeyFromSeed(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)
	rotated := types.ValidatorSet{SetID: set.SetID + 1, Validators: []types.Validator{
		set.Validators[0],
		set.Validators[2],
		{BLSKey: newcomer.PublicKey()},
	}}
	dropped := agg.Rekey(rotated)
	require.Equal(t, []int{1, 2}, dropped)
	require.Equal(t, 1, agg.Signers())
	require.Equal(t, digest, agg.Digest())
	require.Equal(t, rotated.SetID, agg.Summary().ValidatorSetID)
	require.False(t, agg.HasQuorum())

	_, err = agg.Add(1, digest, vals[2].key.Sign(digest.Bytes()))
	require.NoError(t, err)
	require.True(t, agg.HasQuorum())
	signed, err := agg.Finalize()
	require.NoError(t, err)
	require.Equal(t, []int{0, 1}, signed.SignerBitmap.Indices())
	require.NoError(t, signed.Verify(rotated))
	require.ErrorIs(t, signed.Verify(set), ErrValidatorSetMismatch)
}

func TestDigestIgnoresSignerFields(t *testing.T) {
	alice, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	s := Summary{SnapshotID: 2, Withdrawals: []types.Withdrawal{
		{Main: alice.PubKey().Address(), Asset: types.NativeAsset, Amount: types.NewBalance(3), Stid: 9},
	}}
	before, err := s.Digest()
	require.NoError(t, err)
	s.SignerBitmap = Bitmap{1}
	s.AggregateSignature = []byte{1, 2, 3}
	s.ValidatorSetID = 4
	after, err := s.Digest()
	require.NoError(t, err)
	require.Equal(t, before, after)

	s.Withdrawals[0].Stid++
	changed, err := s.Digest()
	require.NoError(t, err)
	require.NotEqual(t, before, changed)
}
