package gossip

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/Polkadex-Substrate/Polkadex-sub004/core/types"
	"github.com/Polkadex-Substrate/Polkadex-sub004/crypto"
	"github.com/Polkadex-Substrate/Polkadex-sub004/ledger"
	"github.com/Polkadex-Substrate/Polkadex-sub004/p2p"
	"github.com/Polkadex-Substrate/Polkadex-sub004/snapshot"
	"github.com/Polkadex-Substrate/Polkadex-sub004/storage"
)

type staticProgress struct {
	progress     ledger.Progress
	finalized    uint64
	checkpointed uint64
}

func (s staticProgress) Progress() ledger.Progress { return s.progress }
func (s staticProgress) FinalizedSnapshot() uint64 { return s.finalized }
func (s staticProgress) CheckpointedNonce() uint64 { return s.checkpointed }

func signedAction(t *testing.T, key *crypto.PrivateKey, nonce, stid uint64) *types.OrderedAction {
	t.Helper()
	a := &types.OrderedAction{
		Nonce:  nonce,
		Stid:   stid,
		Action: types.Action{Type: types.ActionBlockImport, BlockImport: &types.BlockImport{Block: nonce}},
	}
	require.NoError(t, a.Sign(key))
	return a
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	payloads := []any{
		&StateSyncRequest{ID: "a", From: 5, To: 12},
		&StateSyncResponse{ID: "a", Actions: []*types.OrderedAction{signedAction(t, key, 5, 0), signedAction(t, key, 6, 0)}},
		&StidImportRequest{ID: "b", From: 1, To: 2},
		&BulkStateRequest{ID: "c"},
		&SnapshotPartialSignature{SnapshotID: 1, SignerIndex: 2, Signature: []byte{1}},
		&HaveNonce{Nonce: 9, Stid: 4},
	}
	for _, p := range payloads {
		msg, err := Encode(p)
		require.NoError(t, err)
		decoded, err := Decode(msg)
		require.NoError(t, err)
		require.Equal(t, p, decoded)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]*p2p.Message{
		"unknown type":   {Type: 0x01, Payload: []byte(`{}`)},
		"bad json":       {Type: TypeStateSyncRequest, Payload: []byte(`{"id":`)},
		"inverted range": {Type: TypeStateSyncRequest, Payload: []byte(`{"id":"x","from":9,"to":3}`)},
		"oversized":      {Type: TypeStateSyncRequest, Payload: []byte(`{"id":"x","from":1,"to":5000}`)},
		"no id":          {Type: TypeBulkStateRequest, Payload: []byte(`{}`)},
		"chunk index":    {Type: TypeBulkStateResponse, Payload: []byte(`{"id":"x","index":3,"total":3}`)},
		"gap":            {Type: TypeStateSyncResponse, Payload: []byte(`{"id":"x","actions":[{"nonce":1},{"nonce":3}]}`)},
		"unsigned":       {Type: TypeSnapshotPartialSignature, Payload: []byte(`{"snapshotId":1}`)},
	}
	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(msg)
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestValidatorDropsStaleAndMalformed(t *testing.T) {
	v := NewValidator(staticProgress{progress: ledger.Progress{WorkerNonce: 10}, finalized: 2, checkpointed: 10})
	admit := func(p any) (any, bool) {
		msg, err := Encode(p)
		require.NoError(t, err)
		return v.Admit(p2p.Envelope{Peer: "peer", Msg: msg})
	}

	_, ok := v.Admit(p2p.Envelope{Peer: "peer", Msg: &p2p.Message{Type: TypeHaveNonce, Payload: []byte("garbage")}})
	require.False(t, ok)

	_, ok = admit(&HaveNonce{Nonce: 10})
	require.False(t, ok)
	_, ok = admit(&HaveNonce{Nonce: 11})
	require.True(t, ok)

	_, ok = admit(&SnapshotPartialSignature{SnapshotID: 2, Signature: []byte{1}})
	require.False(t, ok)
	_, ok = admit(&SnapshotPartialSignature{SnapshotID: 3, Signature: []byte{1}})
	require.True(t, ok)

	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	resp := &StateSyncResponse{ID: "r", Actions: []*types.OrderedAction{
		signedAction(t, key, 9, 0), signedAction(t, key, 10, 0), signedAction(t, key, 11, 0),
	}}
	payload, ok := admit(resp)
	require.True(t, ok)
	actions := payload.(*StateSyncResponse).Actions
	require.Len(t, actions, 1)
	require.Equal(t, uint64(11), actions[0].Nonce)
}

func TestValidatorKeepsActionsForCheckpointRebuild(t *testing.T) {
	v := NewValidator(staticProgress{progress: ledger.Progress{WorkerNonce: 10}, checkpointed: 8})
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	resp := &StateSyncResponse{ID: "r", Actions: []*types.OrderedAction{
		signedAction(t, key, 8, 0), signedAction(t, key, 9, 0), signedAction(t, key, 10, 0),
	}}
	msg, err := Encode(resp)
	require.NoError(t, err)
	payload, ok := v.Admit(p2p.Envelope{Peer: "peer", Msg: msg})
	require.True(t, ok)
	actions := payload.(*StateSyncResponse).Actions
	require.Len(t, actions, 2)
	require.Equal(t, uint64(9), actions[0].Nonce)
}

type recordingTransport struct {
	mu    sync.Mutex
	peers []string
	sent  map[string][]*p2p.Message
	fail  map[string]bool
}

func newRecordingTransport(peers ...string) *recordingTransport {
	return &recordingTransport{peers: peers, sent: make(map[string][]*p2p.Message), fail: make(map[string]bool)}
}

func (r *recordingTransport) Broadcast(msg *p2p.Message) error {
	for _, p := range r.Peers() {
		_ = r.SendTo(p, msg)
	}
	return nil
}

func (r *recordingTransport) SendTo(peer string, msg *p2p.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[peer] {
		return errors.New("send failed")
	}
	r.sent[peer] = append(r.sent[peer], msg)
	return nil
}

func (r *recordingTransport) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.peers...)
}

func (r *recordingTransport) Inbound() <-chan p2p.Envelope { return nil }

func (r *recordingTransport) count(peer string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent[peer])
}

func TestDispatcherReissuesAfterDeadline(t *testing.T) {
	transport := newRecordingTransport("a", "b")
	d := NewDispatcher(transport, time.Second)
	now := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return now }

	id, err := d.Request("b", func(id string) any { return &StateSyncRequest{ID: id, From: 5, To: 12} })
	require.NoError(t, err)
	require.Equal(t, 1, transport.count("b"))
	require.Error(t, d.Match(id, "a"))
	require.NoError(t, d.Match(id, "b"))

	require.Empty(t, d.Expire())
	require.Equal(t, 0, transport.count("a"))

	now = now.Add(2 * time.Second)
	require.Empty(t, d.Expire())
	require.Equal(t, 1, transport.count("a"))
	require.NoError(t, d.Match(id, "a"))

	reissued, err := Decode(transport.sent["a"][0])
	require.NoError(t, err)
	require.Equal(t, id, reissued.(*StateSyncRequest).ID)

	now = now.Add(2 * time.Second)
	require.Equal(t, []string{id}, d.Expire())
	require.Zero(t, d.Pending())
}

func TestDispatcherSkipsFailingPeers(t *testing.T) {
	transport := newRecordingTransport("a", "b")
	transport.fail["a"] = true
	d := NewDispatcher(transport, time.Second)

	id, err := d.Request("a", func(id string) any { return &BulkStateRequest{ID: id} })
	require.NoError(t, err)
	require.Equal(t, 1, transport.count("b"))
	d.Done(id)
	require.Zero(t, d.Pending())

	_, err = NewDispatcher(newRecordingTransport(), time.Second).Request("", func(id string) any { return &BulkStateRequest{ID: id} })
	require.ErrorIs(t, err, errNoConnectedPeers)
}

func TestActionStoreRanges(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	store, err := NewActionStore(storage.NewMemDB(), 2)
	require.NoError(t, err)

	stids := []uint64{0, 1, 1, 2, 3, 3, 3}
	for i, stid := range stids {
		require.NoError(t, store.Put(signedAction(t, key, uint64(i+1), stid)))
	}

	got, err := store.Range(2, 5)
	require.NoError(t, err)
	require.Len(t, got, 4)
	require.Equal(t, uint64(2), got[0].Nonce)
	require.NoError(t, got[3].Verify(key.PubKey().Address()))

	got, err = store.Range(6, 20)
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = store.RangeByStid(1, 2)
	require.NoError(t, err)
	nonces := make([]uint64, len(got))
	for i, a := range got {
		nonces[i] = a.Nonce
	}
	require.Equal(t, []uint64{2, 3, 4}, nonces)

	_, err = store.Get(99)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRebroadcastExpiry(t *testing.T) {
	cache := NewRebroadcastCache()
	msg := func(b byte) *p2p.Message { return &p2p.Message{Type: TypeSnapshotPartialSignature, Payload: []byte{b}} }

	require.True(t, cache.Put("v1", 1, 5, msg(1)))
	require.True(t, cache.Put("v2", 1, 5, msg(2)))
	require.True(t, cache.Put("v1", 2, 9, msg(3)))
	require.Len(t, cache.Live(), 3)

	cache.MarkProcessed("v1", 5)
	require.True(t, cache.Expired("v1", 5))
	require.False(t, cache.Expired("v2", 5))
	live := cache.Live()
	require.Equal(t, []*p2p.Message{msg(3), msg(2)}, live)

	require.False(t, cache.Put("v1", 3, 4, msg(4)))

	transport := newRecordingTransport("x")
	require.Equal(t, 2, cache.Rebroadcast(transport))
	require.Equal(t, 2, transport.count("x"))

	cache.Advance(9)
	require.Empty(t, cache.Live())
	require.Zero(t, cache.Len())
}

func TestBulkAssemblyRoundTrip(t *testing.T) {
	nodes := make(map[common.Hash][]byte)
	for i := 0; i < 40; i++ {
		blob := []byte{byte(i), byte(i * 3), 0xAA}
		nodes[common.BytesToHash(crypto.Keccak256(blob))] = blob
	}
	summary := snapshot.Summary{SnapshotID: 3, StateRoot: common.HexToHash("0x01"), WorkerNonce: 7}

	responses, err := BulkResponses("req", summary, nodes, 64)
	require.NoError(t, err)
	require.Greater(t, len(responses), 1)

	assembly := NewBulkAssembly("req")
	for i := len(responses) - 1; i >= 0; i-- {
		msg, err := Encode(responses[i])
		require.NoError(t, err)
		decoded, err := Decode(msg)
		require.NoError(t, err)
		done, err := assembly.Add(decoded.(*BulkStateResponse))
		require.NoError(t, err)
		require.Equal(t, i == 0, done)
	}
	got, gotNodes, err := assembly.Result()
	require.NoError(t, err)
	require.Equal(t, summary.StateRoot, got.StateRoot)
	require.Equal(t, nodes, gotNodes)

	other := *responses[0]
	other.Summary.WorkerNonce = 8
	fresh := NewBulkAssembly("req")
	_, err = fresh.Add(responses[1])
	require.NoError(t, err)
	_, err = fresh.Add(&other)
	require.ErrorIs(t, err, ErrMalformed)
}
