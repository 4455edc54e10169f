package trie

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/trie/trienode"
	"github.com/ethereum/go-ethereum/triedb/database"

	"github.com/Polkadex-Substrate/Polkadex-sub004/storage"
)

var (
	// ErrCorrupt reports a node whose content does not hash to its key, a node
	// that cannot be decoded, or a dangling child reference.
	ErrCorrupt = errors.New("trie: corrupt node store")
	// ErrMissingNode is returned when a node is not present in the arena.
	ErrMissingNode = errors.New("trie: missing node")
)

var nodePrefix = []byte("t/")

type arenaNode struct {
	blob     []byte
	refs     uint32
	children []common.Hash
}

// Arena is the hash-keyed node store backing the ledger trie. Every node
// carries an integer reference count: parents count towards their children and
// holders of a root (the ledger head, pinned readers) count towards the root.
// Dereference never frees memory; nodes whose count reached zero are released
// by Prune, which walks them with an explicit worklist.
//
// When backed by a storage.Database the arena writes through on Flush, so a
// restarted node finds the same nodes and counts.
type Arena struct {
	mu    sync.RWMutex
	db    storage.Database
	nodes map[common.Hash]*arenaNode
	dirty map[common.Hash]struct{}
	freed map[common.Hash]struct{}
}

// NewArena loads any nodes persisted in db. A nil db keeps the arena purely in
// memory.
func NewArena(db storage.Database) (*Arena, error) {
	a := &Arena{
		db:    db,
		nodes: make(map[common.Hash]*arenaNode),
		dirty: make(map[common.Hash]struct{}),
		freed: make(map[common.Hash]struct{}),
	}
	if db == nil {
		return a, nil
	}
	var loadErr error
	err := db.Iterate(nodePrefix, func(key, value []byte) bool {
		if len(key) != len(nodePrefix)+common.HashLength || len(value) < 4 {
			loadErr = fmt.Errorf("%w: malformed record %x", ErrCorrupt, key)
			return false
		}
		hash := common.BytesToHash(key[len(nodePrefix):])
		blob := value[4:]
		children, err := childHashes(blob)
		if err != nil {
			loadErr = fmt.Errorf("%w: node %x: %v", ErrCorrupt, hash, err)
			return false
		}
		a.nodes[hash] = &arenaNode{
			blob:     blob,
			refs:     binary.BigEndian.Uint32(value[:4]),
			children: children,
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("trie: load arena: %w", err)
	}
	if loadErr != nil {
		return nil, loadErr
	}
	return a, nil
}

// NodeReader implements database.NodeDatabase. Every root shares the same
// arena so the reader is not bound to stateRoot.
func (a *Arena) NodeReader(stateRoot common.Hash) (database.NodeReader, error) {
	return arenaReader{arena: a}, nil
}

type arenaReader struct {
	arena *Arena
}

func (r arenaReader) Node(owner common.Hash, path []byte, hash common.Hash) ([]byte, error) {
	return r.arena.Node(hash)
}

// Node returns the blob stored under hash after checking that it hashes to
// hash.
func (a *Arena) Node(hash common.Hash) ([]byte, error) {
	a.mu.RLock()
	n, ok := a.nodes[hash]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %x", ErrMissingNode, hash)
	}
	if crypto.Keccak256Hash(n.blob) != hash {
		return nil, fmt.Errorf("%w: node %x hashes to %x", ErrCorrupt, hash, crypto.Keccak256Hash(n.blob))
	}
	return n.blob, nil
}

// Has reports whether hash is resident, regardless of its count.
func (a *Arena) Has(hash common.Hash) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.nodes[hash]
	return ok
}

// Refs returns the reference count of hash, or zero if absent.
func (a *Arena) Refs(hash common.Hash) uint32 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if n, ok := a.nodes[hash]; ok {
		return n.refs
	}
	return 0
}

// Len returns the number of resident nodes.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.nodes)
}

// Update inserts the nodes produced by a trie commit. New nodes start at zero
// and increment every child they point at; nodes already resident are left
// untouched since their children are counted.
func (a *Arena) Update(set *trienode.NodeSet) error {
	if set == nil {
		return nil
	}
	blobs := make(map[common.Hash][]byte, len(set.Nodes))
	for _, n := range set.Nodes {
		if n == nil || n.IsDeleted() {
			continue
		}
		blobs[n.Hash] = n.Blob
	}
	return a.insert(blobs, false)
}

// Import inserts raw nodes received from a peer. Each blob must hash to its
// key.
func (a *Arena) Import(nodes map[common.Hash][]byte) error {
	return a.insert(nodes, true)
}

func (a *Arena) insert(blobs map[common.Hash][]byte, check bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	added := make([]common.Hash, 0, len(blobs))
	for hash, blob := range blobs {
		if _, ok := a.nodes[hash]; ok {
			continue
		}
		if check && crypto.Keccak256Hash(blob) != hash {
			a.rollbackLocked(added)
			return fmt.Errorf("%w: imported node %x has wrong hash", ErrCorrupt, hash)
		}
		children, err := childHashes(blob)
		if err != nil {
			a.rollbackLocked(added)
			return fmt.Errorf("%w: node %x: %v", ErrCorrupt, hash, err)
		}
		a.nodes[hash] = &arenaNode{blob: bytes.Clone(blob), children: children}
		added = append(added, hash)
	}
	for _, hash := range added {
		for _, child := range a.nodes[hash].children {
			if _, ok := a.nodes[child]; !ok {
				a.rollbackLocked(added)
				return fmt.Errorf("%w: node %x references missing child %x", ErrCorrupt, hash, child)
			}
		}
	}
	for _, hash := range added {
		for _, child := range a.nodes[hash].children {
			a.nodes[child].refs++
			a.dirty[child] = struct{}{}
		}
		a.dirty[hash] = struct{}{}
		delete(a.freed, hash)
	}
	return nil
}

func (a *Arena) rollbackLocked(added []common.Hash) {
	for _, hash := range added {
		delete(a.nodes, hash)
	}
}

// Reference pins hash, typically a root, by incrementing its count.
func (a *Arena) Reference(hash common.Hash) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n, ok := a.nodes[hash]; ok {
		n.refs++
		a.dirty[hash] = struct{}{}
	}
}

// Dereference releases one pin on hash. The node stays resident until Prune.
func (a *Arena) Dereference(hash common.Hash) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n, ok := a.nodes[hash]; ok && n.refs > 0 {
		n.refs--
		a.dirty[hash] = struct{}{}
	}
}

// Prune frees every node whose count is zero, cascading to children that drop
// to zero as a result. It returns the number of freed nodes.
func (a *Arena) Prune() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	var work []common.Hash
	for hash, n := range a.nodes {
		if n.refs == 0 {
			work = append(work, hash)
		}
	}
	freed := 0
	for len(work) > 0 {
		hash := work[len(work)-1]
		work = work[:len(work)-1]
		n, ok := a.nodes[hash]
		if !ok || n.refs > 0 {
			continue
		}
		delete(a.nodes, hash)
		delete(a.dirty, hash)
		a.freed[hash] = struct{}{}
		freed++
		for _, child := range n.children {
			c, ok := a.nodes[child]
			if !ok || c.refs == 0 {
				continue
			}
			c.refs--
			a.dirty[child] = struct{}{}
			if c.refs == 0 {
				work = append(work, child)
			}
		}
	}
	return freed
}

// Flush persists counts and blobs touched since the last flush.
func (a *Arena) Flush() error {
	if a.db == nil {
		a.mu.Lock()
		a.dirty = make(map[common.Hash]struct{})
		a.freed = make(map[common.Hash]struct{})
		a.mu.Unlock()
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	batch := a.db.NewBatch()
	for hash := range a.dirty {
		n, ok := a.nodes[hash]
		if !ok {
			continue
		}
		value := make([]byte, 4+len(n.blob))
		binary.BigEndian.PutUint32(value[:4], n.refs)
		copy(value[4:], n.blob)
		batch.Put(nodeKey(hash), value)
	}
	for hash := range a.freed {
		batch.Delete(nodeKey(hash))
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("trie: flush arena: %w", err)
	}
	a.dirty = make(map[common.Hash]struct{})
	a.freed = make(map[common.Hash]struct{})
	return nil
}

// Reachable returns every node reachable from root, keyed by hash.
func (a *Arena) Reachable(root common.Hash) (map[common.Hash][]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[common.Hash][]byte)
	if root == (common.Hash{}) || root == emptyRoot {
		return out, nil
	}
	work := []common.Hash{root}
	for len(work) > 0 {
		hash := work[len(work)-1]
		work = work[:len(work)-1]
		if _, seen := out[hash]; seen {
			continue
		}
		n, ok := a.nodes[hash]
		if !ok {
			return nil, fmt.Errorf("%w: %x", ErrMissingNode, hash)
		}
		out[hash] = bytes.Clone(n.blob)
		work = append(work, n.children...)
	}
	return out, nil
}

func nodeKey(hash common.Hash) []byte {
	key := make([]byte, 0, len(nodePrefix)+common.HashLength)
	key = append(key, nodePrefix...)
	return append(key, hash[:]...)
}

// childHashes decodes an encoded trie node and returns the hashes of the
// nodes it references, descending into embedded children.
func childHashes(blob []byte) ([]common.Hash, error) {
	var out []common.Hash
	if err := collectRefs(blob, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func collectRefs(raw []byte, out *[]common.Hash) error {
	elems, _, err := rlp.SplitList(raw)
	if err != nil {
		return err
	}
	count, err := rlp.CountValues(elems)
	if err != nil {
		return err
	}
	switch count {
	case 2:
		key, rest, err := rlp.SplitString(elems)
		if err != nil {
			return err
		}
		if len(key) > 0 && key[0]>>4 >= 2 {
			// leaf: the value is payload, not a reference
			return nil
		}
		return collectRef(rest, out)
	case 17:
		for i := 0; i < 16; i++ {
			_, _, rest, err := rlp.Split(elems)
			if err != nil {
				return err
			}
			if err := collectRef(elems[:len(elems)-len(rest)], out); err != nil {
				return err
			}
			elems = rest
		}
		return nil
	default:
		return fmt.Errorf("unexpected node with %d elements", count)
	}
}

func collectRef(raw []byte, out *[]common.Hash) error {
	kind, content, _, err := rlp.Split(raw)
	if err != nil {
		return err
	}
	switch {
	case kind == rlp.List:
		return collectRefs(raw, out)
	case kind == rlp.String && len(content) == common.HashLength:
		*out = append(*out, common.BytesToHash(content))
	case kind == rlp.String && len(content) == 0:
	default:
		return fmt.Errorf("invalid child reference of %d bytes", len(content))
	}
	return nil
}
