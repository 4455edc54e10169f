package ledger

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/Polkadex-Substrate/Polkadex-sub004/core/types"
	"github.com/Polkadex-Substrate/Polkadex-sub004/crypto"
	"github.com/Polkadex-Substrate/Polkadex-sub004/storage"
	"github.com/Polkadex-Substrate/Polkadex-sub004/storage/trie"
)

func newLedger(t require.TestingT) *Ledger {
	l, err := Open(storage.NewMemDB())
	require.NoError(t, err)
	return l
}

func account(t require.TestingT) types.AccountID {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return key.PubKey().Address()
}

func TestDepositWithdrawScenario(t *testing.T) {
	l := newLedger(t)
	alice := types.AccountAsset{Main: account(t), Asset: types.NativeAsset}

	require.NoError(t, l.AddBalance(alice, types.NewBalance(10)))
	bal, err := l.GetBalance(alice)
	require.NoError(t, err)
	require.Equal(t, "10", bal.String())

	require.NoError(t, l.AddBalance(alice, types.NewBalance(10)))
	bal, _ = l.GetBalance(alice)
	require.Equal(t, "20", bal.String())

	require.NoError(t, l.SubBalance(alice, types.NewBalance(10)))
	bal, _ = l.GetBalance(alice)
	require.Equal(t, "10", bal.String())

	rootBefore := l.Root()
	err = l.SubBalance(alice, types.NewBalance(30))
	require.ErrorIs(t, err, ErrInsufficientBalance)
	bal, _ = l.GetBalance(alice)
	require.Equal(t, "10", bal.String())
	require.Equal(t, rootBefore, l.Root())
}

func TestSubMissingAccount(t *testing.T) {
	l := newLedger(t)
	missing := types.AccountAsset{Main: account(t), Asset: "1"}
	require.ErrorIs(t, l.SubBalance(missing, types.NewBalance(1)), ErrAccountBalanceNotFound)

	bal, err := l.GetBalance(missing)
	require.NoError(t, err)
	require.True(t, bal.IsZero())
	require.Equal(t, trie.EmptyRoot(), l.Root())
}

func TestRootIndependentOfInsertionOrder(t *testing.T) {
	a, b := account(t), account(t)
	first, second := newLedger(t), newLedger(t)

	require.NoError(t, first.AddBalance(types.AccountAsset{Main: a, Asset: types.NativeAsset}, types.NewBalance(1)))
	require.NoError(t, first.AddBalance(types.AccountAsset{Main: b, Asset: "7"}, types.NewBalance(2)))
	require.NoError(t, first.AddBalance(types.AccountAsset{Main: a, Asset: "7"}, types.NewBalance(3)))

	require.NoError(t, second.AddBalance(types.AccountAsset{Main: a, Asset: "7"}, types.NewBalance(3)))
	require.NoError(t, second.AddBalance(types.AccountAsset{Main: b, Asset: "7"}, types.NewBalance(2)))
	require.NoError(t, second.AddBalance(types.AccountAsset{Main: a, Asset: types.NativeAsset}, types.NewBalance(1)))

	require.Equal(t, first.Root(), second.Root())
}

func TestBalanceConservation(t *testing.T) {
	alice, bob := account(t), account(t)
	rapid.Check(t, func(rt *rapid.T) {
		l := newLedger(rt)
		a := types.AccountAsset{Main: alice, Asset: types.NativeAsset}
		b := types.AccountAsset{Main: bob, Asset: types.NativeAsset}
		initial := rapid.Uint64Range(1, 1_000_000).Draw(rt, "initial").(uint64)
		require.NoError(rt, l.AddBalance(a, types.NewBalance(initial)))
		require.NoError(rt, l.AddBalance(b, types.NewBalance(initial)))

		moves := rapid.SliceOf(rapid.Uint64Range(0, 2_000_000)).Draw(rt, "moves").([]uint64)
		for i, amount := range moves {
			from, to := a, b
			if i%2 == 1 {
				from, to = b, a
			}
			tx := l.Begin()
			if err := tx.Sub(from, types.NewBalance(amount)); err != nil {
				require.ErrorIs(rt, err, ErrInsufficientBalance)
				continue
			}
			require.NoError(rt, tx.Add(to, types.NewBalance(amount)))
			_, err := tx.Commit(nil)
			require.NoError(rt, err)
		}

		balA, err := l.GetBalance(a)
		require.NoError(rt, err)
		balB, err := l.GetBalance(b)
		require.NoError(rt, err)
		require.Equal(rt, types.NewBalance(2*initial), balA.SaturatingAdd(balB))
	})
}

func TestViewSurvivesLaterCommitsAndPrune(t *testing.T) {
	l := newLedger(t)
	key := types.AccountAsset{Main: account(t), Asset: types.NativeAsset}
	require.NoError(t, l.AddBalance(key, types.NewBalance(5)))

	view, err := l.View()
	require.NoError(t, err)
	pinnedRoot := view.Root()

	require.NoError(t, l.AddBalance(key, types.NewBalance(5)))
	_, err = l.Prune()
	require.NoError(t, err)

	bal, ok, err := view.Balance(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "5", bal.String())
	require.NotEqual(t, pinnedRoot, l.Root())

	view.Release()
	view.Release()
	freed, err := l.Prune()
	require.NoError(t, err)
	require.Positive(t, freed)

	current, err := l.GetBalance(key)
	require.NoError(t, err)
	require.Equal(t, "10", current.String())
}

func TestViewAtPinnedRoot(t *testing.T) {
	l := newLedger(t)
	key := types.AccountAsset{Main: account(t), Asset: types.NativeAsset}
	require.NoError(t, l.AddBalance(key, types.NewBalance(5)))
	old := l.Root()
	require.NoError(t, l.Pin(old))
	require.NoError(t, l.AddBalance(key, types.NewBalance(5)))
	_, err := l.Prune()
	require.NoError(t, err)

	view, err := l.ViewAt(old)
	require.NoError(t, err)
	bal, ok, err := view.Balance(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "5", bal.String())
	view.Release()

	empty, err := l.ViewAt(common.Hash{})
	require.NoError(t, err)
	require.Equal(t, trie.EmptyRoot(), empty.Root())
	_, ok, err = empty.Balance(key)
	require.NoError(t, err)
	require.False(t, ok)
	empty.Release()

	_, err = l.ViewAt(common.HexToHash("0x01"))
	require.ErrorIs(t, err, trie.ErrMissingNode)
}

func TestApplyIsIdempotent(t *testing.T) {
	l := newLedger(t)
	alice := account(t)
	deposit := &types.OrderedAction{Nonce: 1, Stid: 1, Action: types.Action{
		Type: types.ActionBlockImport,
		BlockImport: &types.BlockImport{Block: 3, Deposits: []types.Deposit{
			{Main: alice, Asset: types.NativeAsset, Amount: types.NewBalance(10)},
		}},
	}}

	root, err := l.Apply(deposit)
	require.NoError(t, err)
	_, err = l.Apply(deposit)
	require.ErrorIs(t, err, ErrStaleNonce)
	require.Equal(t, root, l.Root())
	require.Equal(t, Progress{WorkerNonce: 1, Stid: 1, LastProcessedBlock: 3}, l.Progress())

	gap := &types.OrderedAction{Nonce: 3, Stid: 2, Action: deposit.Action}
	_, err = l.Apply(gap)
	require.ErrorIs(t, err, ErrNonceGap)
}

func TestApplyRejectionConsumesNonce(t *testing.T) {
	l := newLedger(t)
	alice := account(t)
	withdraw := &types.OrderedAction{Nonce: 1, Stid: 1, Action: types.Action{
		Type:     types.ActionWithdraw,
		Withdraw: &types.Withdraw{Main: alice, Asset: types.NativeAsset, Amount: types.NewBalance(1)},
	}}
	root, err := l.Apply(withdraw)
	require.True(t, IsRejection(err))
	require.ErrorIs(t, err, ErrAccountBalanceNotFound)
	require.Equal(t, trie.EmptyRoot(), root)
	require.Equal(t, uint64(1), l.Progress().WorkerNonce)
	require.Empty(t, l.PendingWithdrawals())
}

func TestApplyTradeAndWithdraw(t *testing.T) {
	l := newLedger(t)
	maker, taker := account(t), account(t)
	const quote types.AssetID = "1"

	actions := []*types.OrderedAction{
		{Nonce: 1, Stid: 1, Action: types.Action{Type: types.ActionBlockImport, BlockImport: &types.BlockImport{
			Block: 1,
			Deposits: []types.Deposit{
				{Main: maker, Asset: types.NativeAsset, Amount: types.NewBalance(10)},
				{Main: taker, Asset: quote, Amount: types.NewBalance(100)},
			},
		}}},
		{Nonce: 2, Stid: 2, Action: types.Action{Type: types.ActionTrade, Trade: &types.Trade{
			Maker: maker, Taker: taker, Base: types.NativeAsset, Quote: quote,
			Price: types.MustParseBalance("2.5"), Qty: types.NewBalance(4),
		}}},
		{Nonce: 3, Stid: 3, Action: types.Action{Type: types.ActionWithdraw, Withdraw: &types.Withdraw{
			Main: maker, Asset: quote, Amount: types.NewBalance(10),
		}}},
	}
	for _, a := range actions {
		_, err := l.Apply(a)
		require.NoError(t, err)
	}

	expect := map[types.AccountAsset]string{
		{Main: maker, Asset: types.NativeAsset}: "6",
		{Main: maker, Asset: quote}:             "0",
		{Main: taker, Asset: types.NativeAsset}: "4",
		{Main: taker, Asset: quote}:             "90",
	}
	for key, want := range expect {
		got, err := l.GetBalance(key)
		require.NoError(t, err)
		require.Equal(t, want, got.String(), key.String())
	}

	pending := l.PendingWithdrawals()
	require.Len(t, pending, 1)
	require.Equal(t, uint64(3), pending[0].Stid)
	require.NoError(t, l.ClearWithdrawals(3))
	require.Empty(t, l.PendingWithdrawals())
}

func TestReplayRebuildsIntermediateRoots(t *testing.T) {
	l := newLedger(t)
	alice := account(t)
	var (
		actions []*types.OrderedAction
		roots   []common.Hash
	)
	for i := uint64(1); i <= 4; i++ {
		a := &types.OrderedAction{Nonce: i, Stid: i, Action: types.Action{
			Type: types.ActionBlockImport,
			BlockImport: &types.BlockImport{Block: i, Deposits: []types.Deposit{
				{Main: alice, Asset: types.NativeAsset, Amount: types.NewBalance(i)},
			}},
		}}
		root, err := l.Apply(a)
		require.NoError(t, err)
		actions = append(actions, a)
		roots = append(roots, root)
	}
	head, progress := l.Root(), l.Progress()

	var visited []common.Hash
	err := l.Replay(common.Hash{}, Progress{}, actions, func(before, after Progress, root common.Hash) error {
		require.Equal(t, before.WorkerNonce+1, after.WorkerNonce)
		require.Equal(t, after.WorkerNonce, after.LastProcessedBlock)
		visited = append(visited, root)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, roots, visited)
	require.Equal(t, head, l.Root())
	require.Equal(t, progress, l.Progress())

	from := Progress{WorkerNonce: 2, Stid: 2, LastProcessedBlock: 2}
	require.NoError(t, l.Replay(roots[1], from, actions[2:], func(Progress, Progress, common.Hash) error { return nil }))

	forged := *actions[3]
	forged.Action.BlockImport = &types.BlockImport{Block: 4}
	err = l.Replay(roots[2], Progress{WorkerNonce: 3, Stid: 3, LastProcessedBlock: 3}, []*types.OrderedAction{&forged},
		func(Progress, Progress, common.Hash) error { return nil })
	require.ErrorIs(t, err, ErrRootMismatch)

	err = l.Replay(common.HexToHash("0x01"), from, actions[2:], func(Progress, Progress, common.Hash) error { return nil })
	require.ErrorIs(t, err, trie.ErrMissingNode)
}

func TestLoadVerifiesRoot(t *testing.T) {
	source := newLedger(t)
	for i := uint64(1); i <= 4; i++ {
		require.NoError(t, source.AddBalance(types.AccountAsset{Main: account(t), Asset: types.NativeAsset}, types.NewBalance(i)))
	}
	root := source.Root()
	nodes, err := source.Export(root)
	require.NoError(t, err)
	progress := Progress{WorkerNonce: 9, Stid: 4, LastProcessedBlock: 2}

	t.Run("accepts matching root", func(t *testing.T) {
		target := newLedger(t)
		require.NoError(t, target.Load(nodes, root, progress, nil))
		require.Equal(t, root, target.Root())
		require.Equal(t, progress, target.Progress())
		require.ErrorIs(t, target.Load(nodes, root, progress, nil), ErrNotEmpty)
	})

	t.Run("rejects wrong root", func(t *testing.T) {
		target := newLedger(t)
		err := target.Load(nodes, common.HexToHash("0x01"), progress, nil)
		require.ErrorIs(t, err, ErrRootMismatch)
		require.True(t, target.IsEmpty())
	})

	t.Run("rejects tampered node", func(t *testing.T) {
		tampered := make(map[common.Hash][]byte, len(nodes))
		for h, blob := range nodes {
			tampered[h] = blob
		}
		for h, blob := range tampered {
			broken := append([]byte(nil), blob...)
			broken[len(broken)-1] ^= 0xff
			tampered[h] = broken
			break
		}
		target := newLedger(t)
		require.ErrorIs(t, target.Load(tampered, root, progress, nil), trie.ErrCorrupt)
		require.True(t, target.IsEmpty())
	})
}

func TestReopenRestoresHead(t *testing.T) {
	db := storage.NewMemDB()
	l, err := Open(db)
	require.NoError(t, err)
	key := types.AccountAsset{Main: account(t), Asset: types.NativeAsset}
	require.NoError(t, l.AddBalance(key, types.NewBalance(7)))
	require.NoError(t, l.Advance(Progress{WorkerNonce: 5, Stid: 1}))

	reopened, err := Open(db)
	require.NoError(t, err)
	require.Equal(t, l.Root(), reopened.Root())
	require.Equal(t, uint64(5), reopened.Progress().WorkerNonce)
	bal, err := reopened.GetBalance(key)
	require.NoError(t, err)
	require.Equal(t, "7", bal.String())

	require.ErrorIs(t, reopened.Advance(Progress{WorkerNonce: 5}), ErrStaleNonce)
}
