package recovery

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"github.com/Polkadex-Substrate/Polkadex-sub004/core/types"
	"github.com/Polkadex-Substrate/Polkadex-sub004/crypto"
	"github.com/Polkadex-Substrate/Polkadex-sub004/ledger"
	"github.com/Polkadex-Substrate/Polkadex-sub004/runtime"
	"github.com/Polkadex-Substrate/Polkadex-sub004/snapshot"
	"github.com/Polkadex-Substrate/Polkadex-sub004/storage"
	"github.com/Polkadex-Substrate/Polkadex-sub004/storage/trie"
)

var balanceEqual = cmp.Comparer(func(a, b types.Balance) bool { return a.Cmp(b) == 0 })

type env struct {
	chain    *runtime.Memory
	set      types.ValidatorSet
	bls      *crypto.BLSSecretKey
	operator *crypto.PrivateKey
	alice    types.AccountID
	proxy    types.AccountID
	bob      types.AccountID
}

func address(t *testing.T) types.AccountID {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return key.PubKey().Address()
}

func newEnv(t *testing.T) *env {
	t.Helper()
	operator, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	bls, err := crypto.BLSKeyFromSeed(bytes.Repeat([]byte{3}, 32))
	require.NoError(t, err)
	e := &env{
		set:      types.ValidatorSet{SetID: 1, Validators: []types.Validator{{Account: address(t), BLSKey: bls.PublicKey()}}},
		bls:      bls,
		operator: operator,
		alice:    address(t),
		proxy:    address(t),
		bob:      address(t),
	}
	e.chain = runtime.NewMemory(&runtime.Genesis{
		Operator:     operator.PubKey().Address(),
		ValidatorSet: e.set,
		Accounts: []types.AccountProxies{
			{Main: e.alice, Proxies: []types.AccountID{e.proxy}},
			{Main: e.bob},
		},
		Assets: []types.AssetID{types.NativeAsset, "1"},
	})
	t.Cleanup(func() { _ = e.chain.Close() })
	return e
}

func (e *env) apply(t *testing.T, l *ledger.Ledger, stid uint64, action types.Action) {
	t.Helper()
	a := &types.OrderedAction{Nonce: l.Progress().WorkerNonce + 1, Stid: stid, Action: action}
	require.NoError(t, a.Sign(e.operator))
	_, err := l.Apply(a)
	require.NoError(t, err)
}

func (e *env) finalize(t *testing.T, l *ledger.Ledger, id uint64) snapshot.Summary {
	t.Helper()
	pos := l.Progress()
	agg, err := snapshot.NewAggregator(snapshot.Summary{
		SnapshotID:         id,
		StateRoot:          l.Root(),
		StateChangeID:      pos.Stid,
		WorkerNonce:        pos.WorkerNonce,
		LastProcessedBlock: pos.LastProcessedBlock,
	}, e.set)
	require.NoError(t, err)
	digest := agg.Digest()
	_, err = agg.Add(0, digest, e.bls.Sign(digest.Bytes()))
	require.NoError(t, err)
	signed, err := agg.Finalize()
	require.NoError(t, err)
	require.NoError(t, e.chain.SubmitSnapshot(context.Background(), signed))
	require.NoError(t, l.Pin(signed.StateRoot))
	return signed
}

func TestRecoveryStateBeforeAndAfterSnapshot(t *testing.T) {
	e := newEnv(t)
	l, err := ledger.Open(storage.NewMemDB())
	require.NoError(t, err)
	svc := NewService(l, e.chain)
	ctx := context.Background()

	state, err := svc.GetRecoveryState(ctx)
	require.NoError(t, err)
	want := &RecoveryState{
		StateRoot: trie.EmptyRoot(),
		Balances:  map[types.AccountAsset]types.Balance{},
		AccountIDs: map[types.AccountID][]types.AccountID{
			e.alice: {e.proxy},
			e.bob:   {},
		},
	}
	if diff := cmp.Diff(want, state, balanceEqual); diff != "" {
		t.Fatalf("pre-snapshot state mismatch (-want +got):\n%s", diff)
	}

	e.apply(t, l, 1, types.Action{Type: types.ActionBlockImport, BlockImport: &types.BlockImport{
		Block: 1,
		Deposits: []types.Deposit{
			{Main: e.alice, Asset: types.NativeAsset, Amount: types.NewBalance(10)},
			{Main: e.alice, Asset: "1", Amount: types.NewBalance(5)},
		},
	}})
	summary := e.finalize(t, l, 1)

	// Applied after the snapshot, so invisible to recovery.
	e.apply(t, l, 2, types.Action{Type: types.ActionWithdraw, Withdraw: &types.Withdraw{
		Main: e.alice, Asset: types.NativeAsset, Amount: types.NewBalance(3),
	}})

	state, err = svc.GetRecoveryState(ctx)
	require.NoError(t, err)
	want = &RecoveryState{
		SnapshotID:         1,
		StateChangeID:      1,
		WorkerNonce:        1,
		LastProcessedBlock: 1,
		StateRoot:          summary.StateRoot,
		Balances: map[types.AccountAsset]types.Balance{
			{Main: e.alice, Asset: types.NativeAsset}: types.NewBalance(10),
			{Main: e.alice, Asset: "1"}:               types.NewBalance(5),
		},
		AccountIDs: map[types.AccountID][]types.AccountID{
			e.alice: {e.proxy},
			e.bob:   {},
		},
	}
	if diff := cmp.Diff(want, state, balanceEqual); diff != "" {
		t.Fatalf("post-snapshot state mismatch (-want +got):\n%s", diff)
	}
}

func TestRecoveryStateUnavailableWhileBehind(t *testing.T) {
	e := newEnv(t)
	ahead, err := ledger.Open(storage.NewMemDB())
	require.NoError(t, err)
	e.apply(t, ahead, 1, types.Action{Type: types.ActionBlockImport, BlockImport: &types.BlockImport{
		Block:    1,
		Deposits: []types.Deposit{{Main: e.bob, Asset: types.NativeAsset, Amount: types.NewBalance(1)}},
	}})
	e.finalize(t, ahead, 1)

	behind, err := ledger.Open(storage.NewMemDB())
	require.NoError(t, err)
	_, err = NewService(behind, e.chain).GetRecoveryState(context.Background())
	require.ErrorIs(t, err, ErrStateUnavailable)
}

func TestExportParquet(t *testing.T) {
	e := newEnv(t)
	state := &RecoveryState{
		SnapshotID:  4,
		WorkerNonce: 40,
		Balances: map[types.AccountAsset]types.Balance{
			{Main: e.alice, Asset: types.NativeAsset}: types.NewBalance(10),
			{Main: e.alice, Asset: "1"}:               types.NewBalance(5),
			{Main: e.bob, Asset: "1"}:                 types.MustParseBalance("0.5"),
		},
		AccountIDs: map[types.AccountID][]types.AccountID{e.alice: {e.proxy}, e.bob: nil},
	}
	path := filepath.Join(t.TempDir(), "recovery.parquet")
	n, err := ExportParquet(state, path)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(balanceRow), 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	require.EqualValues(t, 3, pr.GetNumRows())

	rows := make([]balanceRow, 3)
	require.NoError(t, pr.Read(&rows))
	got := make(map[string]string, len(rows))
	for _, row := range rows {
		require.EqualValues(t, 4, row.SnapshotID)
		require.EqualValues(t, 40, row.WorkerNonce)
		got[row.Main+":"+row.Asset] = row.Balance
	}
	require.Equal(t, map[string]string{
		e.alice.String() + ":" + string(types.NativeAsset): "10",
		e.alice.String() + ":1":                            "5",
		e.bob.String() + ":1":                              "0.5",
	}, got)
}
