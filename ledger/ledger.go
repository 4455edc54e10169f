package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Polkadex-Substrate/Polkadex-sub004/core/types"
	"github.com/Polkadex-Substrate/Polkadex-sub004/storage"
	"github.com/Polkadex-Substrate/Polkadex-sub004/storage/trie"
)

var (
	ErrInsufficientBalance    = errors.New("ledger: insufficient balance")
	ErrAccountBalanceNotFound = errors.New("ledger: account balance not found")
	// ErrStaleNonce guards against applying the same position twice.
	ErrStaleNonce = errors.New("ledger: nonce not ahead of head")
	// ErrRootMismatch means rebuilt state does not hash to the expected root.
	ErrRootMismatch = errors.New("ledger: state root mismatch")
	ErrNotEmpty     = errors.New("ledger: bulk load into non-empty ledger")
)

var headKey = []byte("ledger/head")

// Progress is the position of the ledger in the ordered stream.
type Progress struct {
	WorkerNonce        uint64 `json:"workerNonce"`
	Stid               uint64 `json:"stid"`
	LastProcessedBlock uint64 `json:"lastProcessedBlock"`
}

type head struct {
	Root        common.Hash        `json:"root"`
	Progress    Progress           `json:"progress"`
	Withdrawals []types.Withdrawal `json:"withdrawals,omitempty"`
}

// Ledger is the content-addressed balance store. A single goroutine mutates
// it; readers use View, which pins a root in the arena instead of holding the
// lock.
type Ledger struct {
	mu     sync.RWMutex
	db     storage.Database
	arena  *trie.Arena
	trie   *trie.Trie
	head   head
	pinned map[common.Hash]int
	logger *slog.Logger
}

// Open loads the ledger head and node arena from db.
func Open(db storage.Database) (*Ledger, error) {
	arena, err := trie.NewArena(db)
	if err != nil {
		return nil, err
	}
	h := head{Root: trie.EmptyRoot()}
	raw, err := db.Get(headKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("ledger: read head: %w", err)
	default:
		if err := json.Unmarshal(raw, &h); err != nil {
			return nil, fmt.Errorf("%w: ledger head: %v", trie.ErrCorrupt, err)
		}
	}
	tr, err := trie.New(arena, h.Root)
	if err != nil {
		return nil, fmt.Errorf("%w: open head root: %v", trie.ErrCorrupt, err)
	}
	return &Ledger{
		db:     db,
		arena:  arena,
		trie:   tr,
		head:   h,
		pinned: make(map[common.Hash]int),
		logger: slog.Default().With(slog.String("component", "ledger")),
	}, nil
}

// Root returns the current state root.
func (l *Ledger) Root() common.Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head.Root
}

// Progress returns the current stream position.
func (l *Ledger) Progress() Progress {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head.Progress
}

// IsEmpty reports whether nothing was ever applied.
func (l *Ledger) IsEmpty() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head.Root == trie.EmptyRoot() && l.head.Progress == (Progress{})
}

// PendingWithdrawals returns withdrawals queued since the last snapshot cut.
func (l *Ledger) PendingWithdrawals() []types.Withdrawal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]types.Withdrawal(nil), l.head.Withdrawals...)
}

// ClearWithdrawals drops queued withdrawals with stid <= upTo.
func (l *Ledger) ClearWithdrawals(upTo uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.head.Withdrawals[:0]
	for _, w := range l.head.Withdrawals {
		if w.Stid > upTo {
			kept = append(kept, w)
		}
	}
	l.head.Withdrawals = kept
	return l.persistHeadLocked()
}

// GetBalance returns the balance for key, zero when absent. Errors only
// report a damaged store.
func (l *Ledger) GetBalance(key types.AccountAsset) (types.Balance, error) {
	balances, err := l.account(key.Main)
	if err != nil {
		return types.Balance{}, err
	}
	return balances[key.Asset], nil
}

// AddBalance credits key and commits. Overflow saturates.
func (l *Ledger) AddBalance(key types.AccountAsset, amount types.Balance) error {
	tx := l.Begin()
	if err := tx.Add(key, amount); err != nil {
		return err
	}
	_, err := tx.Commit(nil)
	return err
}

// SubBalance debits key and commits. A missing entry or a debit larger than
// the balance leaves state unchanged.
func (l *Ledger) SubBalance(key types.AccountAsset, amount types.Balance) error {
	tx := l.Begin()
	if err := tx.Sub(key, amount); err != nil {
		return err
	}
	_, err := tx.Commit(nil)
	return err
}

func (l *Ledger) account(main types.AccountID) (accountBalances, error) {
	raw, err := l.trie.Get(accountKey(main))
	if err != nil {
		return nil, fmt.Errorf("%w: read account %s: %v", trie.ErrCorrupt, main, err)
	}
	return decodeAccount(raw)
}

// Begin stages mutations that are committed together or not at all.
func (l *Ledger) Begin() *Tx {
	return &Tx{ledger: l, staged: make(map[types.AccountID]accountBalances)}
}

func (l *Ledger) commit(tx *Tx, progress *Progress) (common.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if progress != nil && progress.WorkerNonce <= l.head.Progress.WorkerNonce && l.head.Progress.WorkerNonce != 0 {
		return common.Hash{}, fmt.Errorf("%w: %d <= %d", ErrStaleNonce, progress.WorkerNonce, l.head.Progress.WorkerNonce)
	}
	for _, main := range tx.order {
		raw, err := tx.staged[main].encode()
		if err != nil {
			return common.Hash{}, fmt.Errorf("ledger: encode account %s: %w", main, err)
		}
		if err := l.trie.Update(accountKey(main), raw); err != nil {
			return common.Hash{}, fmt.Errorf("%w: update account %s: %v", trie.ErrCorrupt, main, err)
		}
	}
	oldRoot := l.head.Root
	newRoot, err := l.trie.Commit()
	if err != nil {
		return common.Hash{}, err
	}
	if newRoot != oldRoot {
		l.arena.Reference(newRoot)
		l.arena.Dereference(oldRoot)
	}
	l.head.Root = newRoot
	if progress != nil {
		l.head.Progress = *progress
	}
	l.head.Withdrawals = append(l.head.Withdrawals, tx.withdrawals...)
	if err := l.arena.Flush(); err != nil {
		return common.Hash{}, err
	}
	if err := l.persistHeadLocked(); err != nil {
		return common.Hash{}, err
	}
	return newRoot, nil
}

// Advance moves the stream position without touching balances.
func (l *Ledger) Advance(progress Progress) error {
	_, err := l.Begin().Commit(&progress)
	return err
}

func (l *Ledger) persistHeadLocked() error {
	if l.db == nil {
		return nil
	}
	raw, err := json.Marshal(l.head)
	if err != nil {
		return err
	}
	if err := l.db.Put(headKey, raw); err != nil {
		return fmt.Errorf("ledger: persist head: %w", err)
	}
	return nil
}

// Pin keeps root resident until Unpin, e.g. the latest finalized snapshot
// root served to syncing peers.
func (l *Ledger) Pin(root common.Hash) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if root == trie.EmptyRoot() {
		return nil
	}
	if !l.arena.Has(root) {
		return fmt.Errorf("%w: %x", trie.ErrMissingNode, root)
	}
	l.arena.Reference(root)
	l.pinned[root]++
	return nil
}

// Unpin releases a root pinned with Pin.
func (l *Ledger) Unpin(root common.Hash) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pinned[root] == 0 {
		return
	}
	l.pinned[root]--
	if l.pinned[root] == 0 {
		delete(l.pinned, root)
	}
	l.arena.Dereference(root)
}

// Prune frees nodes no longer reachable from any pinned root.
func (l *Ledger) Prune() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	freed := l.arena.Prune()
	if err := l.arena.Flush(); err != nil {
		return freed, err
	}
	if freed > 0 {
		l.logger.Debug("Pruned trie nodes", slog.Int("freed", freed), slog.Int("resident", l.arena.Len()))
	}
	return freed, nil
}

// Export returns the node map reachable from root.
func (l *Ledger) Export(root common.Hash) (map[common.Hash][]byte, error) {
	return l.arena.Reachable(root)
}

// Load installs state received from a peer. Every node must hash to its key,
// every leaf must be reachable, and a trie rebuilt from the leaves must hash
// to root. On failure the ledger is left unchanged.
func (l *Ledger) Load(nodes map[common.Hash][]byte, root common.Hash, progress Progress, withdrawals []types.Withdrawal) error {
	if !l.IsEmpty() {
		return ErrNotEmpty
	}
	if err := l.arena.Import(nodes); err != nil {
		return err
	}
	rebuilt, err := l.verifyRoot(root)
	if err != nil {
		l.arena.Prune()
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.arena.Reference(root)
	l.trie = rebuilt
	l.head = head{Root: root, Progress: progress, Withdrawals: withdrawals}
	if err := l.arena.Flush(); err != nil {
		return err
	}
	if err := l.persistHeadLocked(); err != nil {
		return err
	}
	l.logger.Info("Loaded bulk state",
		slog.String("root", root.Hex()),
		slog.Uint64("worker_nonce", progress.WorkerNonce),
		slog.Uint64("stid", progress.Stid))
	return nil
}

func (l *Ledger) verifyRoot(root common.Hash) (*trie.Trie, error) {
	loaded, err := trie.New(l.arena, root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRootMismatch, err)
	}
	scratchArena, err := trie.NewArena(nil)
	if err != nil {
		return nil, err
	}
	scratch, err := trie.New(scratchArena, common.Hash{})
	if err != nil {
		return nil, err
	}
	var updateErr error
	if err := loaded.Iterate(func(key, value []byte) bool {
		updateErr = scratch.Update(key, value)
		return updateErr == nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRootMismatch, err)
	}
	if updateErr != nil {
		return nil, updateErr
	}
	if computed := scratch.Hash(); computed != root {
		return nil, fmt.Errorf("%w: expected %x computed %x", ErrRootMismatch, root, computed)
	}
	return loaded, nil
}

// Replay re-executes actions on top of an older resident root without moving
// the head. visit sees the position before and after every action and the
// root it produced; roots visit does not Pin are freed by the next Prune. A
// replay that reaches the head nonce must also reach the head root.
func (l *Ledger) Replay(root common.Hash, from Progress, actions []*types.OrderedAction, visit func(before, after Progress, root common.Hash) error) error {
	if root == (common.Hash{}) {
		root = trie.EmptyRoot()
	}
	l.mu.RLock()
	if root != trie.EmptyRoot() && !l.arena.Has(root) {
		l.mu.RUnlock()
		return fmt.Errorf("%w: replay base %x", trie.ErrMissingNode, root)
	}
	l.arena.Reference(root)
	l.mu.RUnlock()

	tr, err := trie.New(l.arena, root)
	if err != nil {
		l.arena.Dereference(root)
		return fmt.Errorf("%w: replay base: %v", trie.ErrCorrupt, err)
	}
	fork := &Ledger{
		arena:  l.arena,
		trie:   tr,
		head:   head{Root: root, Progress: from},
		pinned: make(map[common.Hash]int),
		logger: l.logger,
	}
	defer func() { l.arena.Dereference(fork.Root()) }()

	for _, a := range actions {
		before := fork.Progress()
		if _, err := fork.Apply(a); err != nil && !IsRejection(err) {
			return fmt.Errorf("ledger: replay nonce %d: %w", a.Nonce, err)
		}
		if err := visit(before, fork.Progress(), fork.Root()); err != nil {
			return err
		}
	}
	current := l.Progress()
	if reached := fork.Progress(); reached.WorkerNonce == current.WorkerNonce && fork.Root() != l.Root() {
		return fmt.Errorf("%w: replay ended at %x, head %x", ErrRootMismatch, fork.Root(), l.Root())
	}
	return nil
}

// View pins the current root and returns a read-only handle on it.
func (l *Ledger) View() (*View, error) {
	l.mu.RLock()
	root := l.head.Root
	progress := l.head.Progress
	l.arena.Reference(root)
	l.mu.RUnlock()
	return l.openView(root, progress)
}

// ViewAt pins an older root that is still resident, typically the latest
// finalized snapshot root. The zero hash means the empty state. The view's
// Progress is zero.
func (l *Ledger) ViewAt(root common.Hash) (*View, error) {
	if root == (common.Hash{}) {
		root = trie.EmptyRoot()
	}
	l.mu.RLock()
	if root != trie.EmptyRoot() && !l.arena.Has(root) {
		l.mu.RUnlock()
		return nil, fmt.Errorf("%w: %x", trie.ErrMissingNode, root)
	}
	l.arena.Reference(root)
	l.mu.RUnlock()
	return l.openView(root, Progress{})
}

func (l *Ledger) openView(root common.Hash, progress Progress) (*View, error) {
	tr, err := trie.New(l.arena, root)
	if err != nil {
		l.arena.Dereference(root)
		return nil, fmt.Errorf("%w: open view: %v", trie.ErrCorrupt, err)
	}
	return &View{ledger: l, root: root, progress: progress, trie: tr}, nil
}

// View is a point-in-time read handle. Release must be called when done.
type View struct {
	ledger   *Ledger
	root     common.Hash
	progress Progress
	trie     *trie.Trie
	once     sync.Once
}

func (v *View) Root() common.Hash   { return v.root }
func (v *View) Progress() Progress { return v.progress }

// Balance returns the balance and whether the account holds an entry for the
// asset.
func (v *View) Balance(key types.AccountAsset) (types.Balance, bool, error) {
	raw, err := v.trie.Get(accountKey(key.Main))
	if err != nil {
		return types.Balance{}, false, fmt.Errorf("%w: %v", trie.ErrCorrupt, err)
	}
	balances, err := decodeAccount(raw)
	if err != nil {
		return types.Balance{}, false, err
	}
	amount, ok := balances[key.Asset]
	return amount, ok, nil
}

// Release unpins the view's root.
func (v *View) Release() {
	v.once.Do(func() {
		v.ledger.arena.Dereference(v.root)
	})
}
