package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/Polkadex-Substrate/Polkadex-sub004/core/types"
	"github.com/Polkadex-Substrate/Polkadex-sub004/crypto"
	"github.com/Polkadex-Substrate/Polkadex-sub004/gossip"
	"github.com/Polkadex-Substrate/Polkadex-sub004/ledger"
	"github.com/Polkadex-Substrate/Polkadex-sub004/p2p"
	"github.com/Polkadex-Substrate/Polkadex-sub004/runtime"
	"github.com/Polkadex-Substrate/Polkadex-sub004/snapshot"
	"github.com/Polkadex-Substrate/Polkadex-sub004/storage"
	"github.com/Polkadex-Substrate/Polkadex-sub004/storage/trie"
)

const waitFor = 5 * time.Second

type cluster struct {
	chain      *runtime.Memory
	bus        *p2p.Bus
	operator   *crypto.PrivateKey
	bls        *crypto.BLSSecretKey
	validators []*crypto.BLSSecretKey
	set        types.ValidatorSet
	alice      types.AccountID
}

func newCluster(t *testing.T, intervals types.SnapshotIntervals) *cluster {
	return newValidatorCluster(t, 1, intervals)
}

// newValidatorCluster registers n validators in set 1. The operator key
// belongs to none of them.
func newValidatorCluster(t *testing.T, n int, intervals types.SnapshotIntervals) *cluster {
	t.Helper()
	operator, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	alice, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	set := types.ValidatorSet{SetID: 1}
	keys := make([]*crypto.BLSSecretKey, n)
	for i := range keys {
		keys[i], err = crypto.BLSKeyFromSeed(bytes.Repeat([]byte{byte(7 + i)}, 32))
		require.NoError(t, err)
		account, err := crypto.GeneratePrivateKey()
		require.NoError(t, err)
		set.Validators = append(set.Validators, types.Validator{Account: account.PubKey().Address(), BLSKey: keys[i].PublicKey()})
	}

	genesis := &runtime.Genesis{
		Operator:     operator.PubKey().Address(),
		ValidatorSet: set,
		Assets:       []types.AssetID{types.NativeAsset},
		Intervals:    intervals,
	}
	c := &cluster{
		chain:      runtime.NewMemory(genesis),
		bus:        p2p.NewBus(),
		operator:   operator,
		bls:        keys[0],
		validators: keys,
		set:        set,
		alice:      alice.PubKey().Address(),
	}
	t.Cleanup(func() { _ = c.chain.Close() })
	return c
}

func (c *cluster) latest() snapshot.Summary {
	s, _ := c.chain.GetLatestSnapshot(context.Background())
	return s
}

// preload applies nonces 1 to upTo from src's action log straight to a new
// ledger, leaving the new node's own log empty.
func preload(t *testing.T, src *node, upTo uint64) (*ledger.Ledger, storage.Database) {
	t.Helper()
	db := storage.NewMemDB()
	l, err := ledger.Open(db)
	require.NoError(t, err)
	for nonce := uint64(1); nonce <= upTo; nonce++ {
		stored, err := src.w.actions.Get(nonce)
		require.NoError(t, err)
		_, err = l.Apply(stored)
		require.NoError(t, err)
	}
	return l, db
}

// follower gives a worker its own finality stream on the shared chain.
type follower struct {
	*runtime.Memory
	ch <-chan types.FinalityNotification
}

func (f follower) FinalityNotifications() <-chan types.FinalityNotification { return f.ch }

func (c *cluster) follower() runtime.Runtime {
	return follower{Memory: c.chain, ch: c.chain.Subscribe()}
}

type node struct {
	w      *Worker
	ledger *ledger.Ledger
	cancel context.CancelFunc
	errc   chan error
}

func startNode(t *testing.T, cfg Config, l *ledger.Ledger, db storage.Database, rt runtime.Runtime, transport p2p.Transport) *node {
	t.Helper()
	cfg.TickInterval = 20 * time.Millisecond
	cfg.RequestTimeout = 500 * time.Millisecond
	w, err := New(cfg, l, db, rt, transport)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	n := &node{w: w, ledger: l, cancel: cancel, errc: make(chan error, 1)}
	go func() { n.errc <- w.Run(ctx) }()
	return n
}

func newNode(t *testing.T, cfg Config, rt runtime.Runtime, transport p2p.Transport) *node {
	t.Helper()
	db := storage.NewMemDB()
	l, err := ledger.Open(db)
	require.NoError(t, err)
	return startNode(t, cfg, l, db, rt, transport)
}

func (n *node) stop(t *testing.T) {
	n.cancel()
	select {
	case err := <-n.errc:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("worker did not stop")
	}
}

func (n *node) nonce() uint64 { return n.w.Progress().Progress().WorkerNonce }

func (c *cluster) deposit(amount uint64) []types.IngressMessage {
	return []types.IngressMessage{
		{Kind: types.IngressRegisterMain, Main: c.alice},
		{Kind: types.IngressDeposit, Main: c.alice, Asset: types.NativeAsset, Amount: types.NewBalance(amount)},
	}
}

func receive(t *testing.T, ch <-chan snapshot.Summary) snapshot.Summary {
	t.Helper()
	select {
	case s, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return s
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a finalized snapshot")
	}
	return snapshot.Summary{}
}

func balanceOf(t *testing.T, l *ledger.Ledger, key types.AccountAsset) string {
	t.Helper()
	view, err := l.View()
	require.NoError(t, err)
	defer view.Release()
	bal, _, err := view.Balance(key)
	require.NoError(t, err)
	return bal.String()
}

func TestSequencerFinalizesSnapshots(t *testing.T) {
	defer leaktest.Check(t)()
	c := newCluster(t, types.SnapshotIntervals{Blocks: 2})
	a := newNode(t, Config{OperatorKey: c.operator, BLSKey: c.bls}, c.chain, c.bus.Join("a"))
	defer a.stop(t)

	c.chain.Finalize(c.deposit(10)...)
	require.Eventually(t, func() bool {
		return a.w.Progress().State() == StateLive && a.nonce() == 1
	}, waitFor, 10*time.Millisecond)

	sub, cancel := a.w.Subscribe(4)
	defer cancel()

	c.chain.Finalize()
	first := receive(t, sub)
	require.Equal(t, uint64(1), first.SnapshotID)
	require.Equal(t, uint64(2), first.WorkerNonce)
	require.Equal(t, uint64(1), first.StateChangeID)
	require.Equal(t, uint64(2), first.LastProcessedBlock)
	require.Empty(t, first.Withdrawals)

	ctx := context.Background()
	withdraw := &types.OrderedAction{Action: types.Action{
		Type:     types.ActionWithdraw,
		Withdraw: &types.Withdraw{Main: c.alice, Asset: types.NativeAsset, Amount: types.NewBalance(4)},
	}}
	require.NoError(t, a.w.Submit(ctx, withdraw))

	overdraw := &types.OrderedAction{Action: types.Action{
		Type:     types.ActionWithdraw,
		Withdraw: &types.Withdraw{Main: c.alice, Asset: types.NativeAsset, Amount: types.NewBalance(100)},
	}}
	require.ErrorIs(t, a.w.Submit(ctx, overdraw), ledger.ErrInsufficientBalance)
	require.Equal(t, uint64(4), a.nonce(), "rejected actions consume their nonce")

	c.chain.Finalize()
	c.chain.Finalize()
	second := receive(t, sub)
	require.Equal(t, uint64(2), second.SnapshotID)
	require.Len(t, second.Withdrawals, 1)
	require.Equal(t, "4", second.Withdrawals[0].Amount.String())
	require.Equal(t, uint64(2), second.Withdrawals[0].Stid)

	onchain, err := c.chain.GetLatestSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, onchain.SameContent(&second))
	require.NoError(t, onchain.Verify(c.set))

	require.Equal(t, "6", balanceOf(t, a.ledger, types.AccountAsset{Main: c.alice, Asset: types.NativeAsset}))
	require.Empty(t, a.ledger.PendingWithdrawals())
}

func TestReplayedActionsAreIdempotent(t *testing.T) {
	defer leaktest.Check(t)()
	c := newCluster(t, types.SnapshotIntervals{})
	a := newNode(t, Config{OperatorKey: c.operator}, c.chain, c.bus.Join("a"))
	defer a.stop(t)

	c.chain.Finalize(c.deposit(10)...)
	c.chain.Finalize()
	require.Eventually(t, func() bool { return a.nonce() == 2 }, waitFor, 10*time.Millisecond)
	root := a.ledger.Root()

	ctx := context.Background()
	for nonce := uint64(1); nonce <= 2; nonce++ {
		stored, err := a.w.actions.Get(nonce)
		require.NoError(t, err)
		require.NoError(t, a.w.Submit(ctx, stored))
	}
	require.Equal(t, uint64(2), a.nonce())
	require.Equal(t, root, a.ledger.Root())

	forged := &types.OrderedAction{Nonce: 3, Stid: 1, Action: types.Action{
		Type:        types.ActionBlockImport,
		BlockImport: &types.BlockImport{Block: 3},
	}}
	other, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	require.NoError(t, forged.Sign(other))
	require.ErrorIs(t, a.w.Submit(ctx, forged), types.ErrSignatureVerificationFailed)
	require.Equal(t, uint64(2), a.nonce())
}

// tap records the state sync ranges a node asks for.
type tap struct {
	p2p.Transport
	mu       sync.Mutex
	requests [][2]uint64
}

func (t *tap) SendTo(peer string, msg *p2p.Message) error {
	if payload, err := gossip.Decode(msg); err == nil {
		if req, ok := payload.(*gossip.StateSyncRequest); ok {
			t.mu.Lock()
			t.requests = append(t.requests, [2]uint64{req.From, req.To})
			t.mu.Unlock()
		}
	}
	return t.Transport.SendTo(peer, msg)
}

func (t *tap) ranges() [][2]uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][2]uint64(nil), t.requests...)
}

func TestCatchUpOverGossip(t *testing.T) {
	defer leaktest.Check(t)()
	c := newCluster(t, types.SnapshotIntervals{})
	bRuntime := c.follower()
	a := newNode(t, Config{OperatorKey: c.operator}, c.chain, c.bus.Join("a"))
	defer a.stop(t)

	c.chain.Finalize(c.deposit(10)...)
	for i := 0; i < 11; i++ {
		c.chain.Finalize()
	}
	require.Eventually(t, func() bool { return a.nonce() == 12 }, waitFor, 10*time.Millisecond)

	// b already holds nonces 1 to 4.
	bLedger, db := preload(t, a, 4)

	transport := &tap{Transport: c.bus.Join("b")}
	b := startNode(t, Config{}, bLedger, db, bRuntime, transport)
	defer b.stop(t)

	require.Eventually(t, func() bool { return b.nonce() == 12 }, waitFor, 10*time.Millisecond)
	require.Equal(t, a.ledger.Root(), bLedger.Root())
	require.Equal(t, [2]uint64{5, 12}, transport.ranges()[0])
	require.Equal(t, "10", balanceOf(t, bLedger, types.AccountAsset{Main: c.alice, Asset: types.NativeAsset}))

	unsequenced := &types.OrderedAction{Action: types.Action{
		Type:     types.ActionWithdraw,
		Withdraw: &types.Withdraw{Main: c.alice, Asset: types.NativeAsset, Amount: types.NewBalance(1)},
	}}
	require.Eventually(t, func() bool { return b.w.Progress().State() == StateLive }, waitFor, 10*time.Millisecond)
	require.ErrorIs(t, b.w.Submit(context.Background(), unsequenced), ErrNotSequencer)
}

func TestFreshNodeLoadsBulkState(t *testing.T) {
	defer leaktest.Check(t)()
	c := newCluster(t, types.SnapshotIntervals{Blocks: 2})
	cRuntime := c.follower()
	a := newNode(t, Config{OperatorKey: c.operator, BLSKey: c.bls, ChunkSize: 64}, c.chain, c.bus.Join("a"))
	defer a.stop(t)

	sub, cancel := a.w.Subscribe(4)
	defer cancel()
	c.chain.Finalize(c.deposit(10)...)
	c.chain.Finalize()
	finalized := receive(t, sub)
	require.Equal(t, uint64(1), finalized.SnapshotID)

	c.chain.Finalize()
	require.Eventually(t, func() bool { return a.nonce() == 3 }, waitFor, 10*time.Millisecond)

	fresh := newNode(t, Config{}, cRuntime, c.bus.Join("c"))
	defer fresh.stop(t)

	require.Eventually(t, func() bool { return fresh.nonce() == 3 }, waitFor, 10*time.Millisecond)
	require.Equal(t, a.ledger.Root(), fresh.ledger.Root())
	require.Equal(t, uint64(1), fresh.w.Progress().FinalizedSnapshot())
	require.Equal(t, "10", balanceOf(t, fresh.ledger, types.AccountAsset{Main: c.alice, Asset: types.NativeAsset}))
	require.Eventually(t, func() bool { return fresh.w.Progress().State() == StateLive }, waitFor, 10*time.Millisecond)

	// The loaded node never saw nonces 1 and 2.
	_, err := fresh.w.actions.Get(1)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBoundaryCountsFromGenesis(t *testing.T) {
	at := func(nonce, block uint64) ledger.Progress {
		return ledger.Progress{WorkerNonce: nonce, LastProcessedBlock: block}
	}
	cases := []struct {
		name      string
		intervals types.SnapshotIntervals
		before    ledger.Progress
		after     ledger.Progress
		want      bool
	}{
		{"nonce multiple", types.SnapshotIntervals{Nonces: 3}, at(2, 0), at(3, 0), true},
		{"between nonce multiples", types.SnapshotIntervals{Nonces: 3}, at(3, 0), at(4, 0), false},
		{"block multiple", types.SnapshotIntervals{Blocks: 2}, at(1, 1), at(2, 2), true},
		{"trade keeps block", types.SnapshotIntervals{Blocks: 2}, at(2, 2), at(3, 2), false},
		{"odd block", types.SnapshotIntervals{Blocks: 2}, at(3, 2), at(4, 3), false},
		{"skipped blocks", types.SnapshotIntervals{Blocks: 4}, at(1, 3), at(2, 9), true},
		{"either rule", types.SnapshotIntervals{Nonces: 10, Blocks: 2}, at(4, 3), at(5, 4), true},
		{"disabled", types.SnapshotIntervals{}, at(9, 9), at(10, 10), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, boundary(tc.intervals, tc.before, tc.after))
		})
	}
}

func TestLateValidatorCutsAtSameBoundary(t *testing.T) {
	defer leaktest.Check(t)()
	c := newValidatorCluster(t, 2, types.SnapshotIntervals{Blocks: 2})
	bRuntime := c.follower()
	a := newNode(t, Config{OperatorKey: c.operator, BLSKey: c.validators[0]}, c.chain, c.bus.Join("a"))
	defer a.stop(t)

	c.chain.Finalize(c.deposit(10)...)
	c.chain.Finalize()
	c.chain.Finalize()
	require.Eventually(t, func() bool {
		return a.nonce() == 3 && a.w.Status().PendingSnapshot == 1
	}, waitFor, 10*time.Millisecond)

	// b applied past the boundary at nonce 2 before it ever ran.
	bLedger, db := preload(t, a, 3)
	b := startNode(t, Config{BLSKey: c.validators[1]}, bLedger, db, bRuntime, c.bus.Join("b"))
	defer b.stop(t)

	require.Eventually(t, func() bool { return c.latest().SnapshotID == 1 }, waitFor, 10*time.Millisecond)
	latest := c.latest()
	require.Equal(t, uint64(2), latest.WorkerNonce)
	require.Equal(t, []int{0, 1}, latest.SignerBitmap.Indices())
	require.NoError(t, latest.Verify(c.set))
	require.Eventually(t, func() bool { return b.w.Progress().FinalizedSnapshot() == 1 }, waitFor, 10*time.Millisecond)

	// The preloaded range was backfilled into b's action log.
	stored, err := b.w.actions.Get(1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), stored.Nonce)
}

func TestValidatorsFinalizeConsecutiveSnapshots(t *testing.T) {
	defer leaktest.Check(t)()
	c := newValidatorCluster(t, 4, types.SnapshotIntervals{Blocks: 2})
	cRuntime, dRuntime := c.follower(), c.follower()
	a := newNode(t, Config{OperatorKey: c.operator, BLSKey: c.validators[0]}, c.chain, c.bus.Join("a"))
	defer a.stop(t)
	b := newNode(t, Config{BLSKey: c.validators[1]}, c.follower(), c.bus.Join("b"))
	defer b.stop(t)

	c.chain.Finalize(c.deposit(10)...)
	c.chain.Finalize()
	require.Eventually(t, func() bool {
		return a.w.Status().PendingSnapshot == 1 && b.w.Status().PendingSnapshot == 1
	}, waitFor, 10*time.Millisecond)
	// Two of four signers stay one short of the quorum of three.
	require.Never(t, func() bool { return c.latest().SnapshotID > 0 }, 300*time.Millisecond, 20*time.Millisecond)

	// c joins with an empty ledger after the first boundary went by.
	late := newNode(t, Config{BLSKey: c.validators[2]}, cRuntime, c.bus.Join("c"))
	require.Eventually(t, func() bool { return c.latest().SnapshotID == 1 }, waitFor, 10*time.Millisecond)

	for i := 0; i < 4; i++ {
		c.chain.Finalize()
	}
	require.Eventually(t, func() bool { return c.latest().SnapshotID == 3 }, waitFor, 10*time.Millisecond)
	for id, nonce := range map[uint64]uint64{1: 2, 2: 4, 3: 6} {
		s, err := c.chain.GetSnapshotByID(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, nonce, s.WorkerNonce, "snapshot %d", id)
		require.NoError(t, s.Verify(c.set))
	}

	late.stop(t)
	c.bus.Leave("c")
	c.chain.Finalize()
	c.chain.Finalize()
	require.Eventually(t, func() bool {
		return a.w.Status().PendingSnapshot == 4 && b.nonce() == 8
	}, waitFor, 10*time.Millisecond)

	// d restarts from a ledger at nonce 8 without the log entries past the
	// last finalized snapshot; its partial is needed for the quorum.
	dLedger, db := preload(t, a, 8)
	d := startNode(t, Config{BLSKey: c.validators[3]}, dLedger, db, dRuntime, c.bus.Join("d"))
	defer d.stop(t)
	c.chain.Finalize()

	require.Eventually(t, func() bool { return c.latest().SnapshotID == 4 }, waitFor, 10*time.Millisecond)
	fourth := c.latest()
	require.Equal(t, uint64(8), fourth.WorkerNonce)
	require.Equal(t, []int{0, 1, 3}, fourth.SignerBitmap.Indices())
	require.NoError(t, fourth.Verify(c.set))
	require.Eventually(t, func() bool {
		return d.w.Progress().FinalizedSnapshot() == 4 && d.nonce() == 9 && d.ledger.Root() == a.ledger.Root()
	}, waitFor, 10*time.Millisecond)
}

func TestPendingSnapshotSurvivesSetRotation(t *testing.T) {
	defer leaktest.Check(t)()
	c := newValidatorCluster(t, 4, types.SnapshotIntervals{Blocks: 2})
	a := newNode(t, Config{OperatorKey: c.operator, BLSKey: c.validators[0]}, c.chain, c.bus.Join("a"))
	defer a.stop(t)
	b := newNode(t, Config{BLSKey: c.validators[1]}, c.follower(), c.bus.Join("b"))
	defer b.stop(t)

	c.chain.Finalize(c.deposit(10)...)
	c.chain.Finalize()
	require.Eventually(t, func() bool {
		return a.w.Status().PendingSnapshot == 1 && b.w.Status().PendingSnapshot == 1
	}, waitFor, 10*time.Millisecond)
	require.Never(t, func() bool { return c.latest().SnapshotID > 0 }, 200*time.Millisecond, 20*time.Millisecond)

	// a keeps index 0, b moves from index 1 to 2.
	rotated := types.ValidatorSet{SetID: 2, Validators: []types.Validator{
		c.set.Validators[0],
		c.set.Validators[2],
		c.set.Validators[1],
	}}
	c.chain.SetValidatorSet(rotated)

	require.Eventually(t, func() bool { return c.latest().SnapshotID == 1 }, waitFor, 10*time.Millisecond)
	latest := c.latest()
	require.Equal(t, uint64(2), latest.ValidatorSetID)
	require.Equal(t, uint64(2), latest.WorkerNonce)
	require.Equal(t, []int{0, 2}, latest.SignerBitmap.Indices())
	require.NoError(t, latest.Verify(rotated))
}

func TestSubmitBeforeLive(t *testing.T) {
	c := newCluster(t, types.SnapshotIntervals{})
	db := storage.NewMemDB()
	l, err := ledger.Open(db)
	require.NoError(t, err)
	w, err := New(Config{}, l, db, c.chain, c.bus.Join("a"))
	require.NoError(t, err)

	a := &types.OrderedAction{Action: types.Action{Type: types.ActionBlockImport, BlockImport: &types.BlockImport{Block: 1}}}
	require.ErrorIs(t, w.Submit(context.Background(), a), ErrEndpointNotReady)
	require.Equal(t, "uninitialized", w.Progress().Status().State)
}

func TestFatalClassification(t *testing.T) {
	require.True(t, isFatal(&FatalError{Err: errors.New("boom")}))
	require.True(t, isFatal(ledger.ErrRootMismatch))
	require.True(t, isFatal(trie.ErrCorrupt))
	require.False(t, isFatal(ledger.ErrInsufficientBalance))
	require.False(t, isFatal(ErrStaleAction))

	var fatal *FatalError
	require.ErrorAs(t, (&Worker{progress: &Progress{}, metrics: newWorkerMetrics(), logger: slog.New(slog.NewTextHandler(io.Discard, nil))}).stop(ledger.ErrRootMismatch), &fatal)
	require.ErrorIs(t, fatal, ledger.ErrRootMismatch)
}
