package trie

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethtrie "github.com/ethereum/go-ethereum/trie"
)

var emptyRoot = gethtypes.EmptyRootHash

// EmptyRoot is the root hash of a trie without entries.
func EmptyRoot() common.Hash { return emptyRoot }

// Trie wraps go-ethereum's trie implementation on top of an Arena.
//
// The wrapper keeps track of the last committed root and recreates the
// underlying trie after each commit so the instance can be reused across
// actions. Keys passed into Get/Update are expected to be hashed already.
//
// Trie is not safe for concurrent use.
type Trie struct {
	arena *Arena
	trie  *gethtrie.Trie
	root  common.Hash
}

// New opens the trie at root. A zero root denotes the empty trie.
func New(arena *Arena, root common.Hash) (*Trie, error) {
	if root == (common.Hash{}) {
		root = emptyRoot
	}
	underlying, err := gethtrie.New(gethtrie.TrieID(root), arena)
	if err != nil {
		return nil, fmt.Errorf("trie: open %x: %w", root, err)
	}
	return &Trie{arena: arena, trie: underlying, root: root}, nil
}

// Get retrieves a value from the trie for the provided key. Missing keys
// return nil without error.
func (t *Trie) Get(key []byte) ([]byte, error) {
	return t.trie.Get(key)
}

// Update inserts or updates a value in the trie for the provided key.
func (t *Trie) Update(key, value []byte) error {
	return t.trie.Update(key, value)
}

// Delete removes key from the trie.
func (t *Trie) Delete(key []byte) error {
	return t.trie.Delete(key)
}

// Hash returns the root hash of the trie reflecting all in-memory mutations.
func (t *Trie) Hash() common.Hash {
	return t.trie.Hash()
}

// Root returns the last committed root hash.
func (t *Trie) Root() common.Hash {
	return t.root
}

// Commit hashes pending mutations, inserts the resulting nodes into the arena
// and reopens the trie at the new root. Reference counting of the root itself
// is left to the caller.
func (t *Trie) Commit() (common.Hash, error) {
	root, set := t.trie.Commit(false)
	if err := t.arena.Update(set); err != nil {
		return common.Hash{}, err
	}
	reopened, err := gethtrie.New(gethtrie.TrieID(root), t.arena)
	if err != nil {
		return common.Hash{}, fmt.Errorf("trie: reopen %x: %w", root, err)
	}
	t.trie = reopened
	t.root = root
	return root, nil
}

// Copy returns an independent trie sharing the arena.
func (t *Trie) Copy() *Trie {
	return &Trie{arena: t.arena, trie: t.trie.Copy(), root: t.root}
}

// Iterate visits every leaf in key order.
func (t *Trie) Iterate(fn func(key, value []byte) bool) error {
	nodeIt, err := t.trie.NodeIterator(nil)
	if err != nil {
		return err
	}
	it := gethtrie.NewIterator(nodeIt)
	for it.Next() {
		if !fn(it.Key, it.Value) {
			return nil
		}
	}
	return it.Err
}
