package gossip

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/orderedcode"
	lru "github.com/hashicorp/golang-lru"

	"github.com/Polkadex-Substrate/Polkadex-sub004/core/types"
	"github.com/Polkadex-Substrate/Polkadex-sub004/storage"
)

const (
	actionPrefix = "gossip/action"
	stidPrefix   = "gossip/stid"

	defaultActionCacheSize = 4096
)

// ActionStore is the persistent log of applied ordered actions served to
// peers that are behind.
type ActionStore struct {
	db    storage.Database
	cache *lru.Cache
}

func NewActionStore(db storage.Database, cacheSize int) (*ActionStore, error) {
	if cacheSize <= 0 {
		cacheSize = defaultActionCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &ActionStore{db: db, cache: cache}, nil
}

func actionKey(nonce uint64) []byte {
	key, err := orderedcode.Append(nil, actionPrefix, nonce)
	if err != nil {
		panic(err)
	}
	return key
}

func stidKey(stid uint64, nonce ...uint64) []byte {
	items := []interface{}{stidPrefix, stid}
	for _, n := range nonce {
		items = append(items, n)
	}
	key, err := orderedcode.Append(nil, items...)
	if err != nil {
		panic(err)
	}
	return key
}

// Put records a; rewriting the same nonce is allowed.
func (s *ActionStore) Put(a *types.OrderedAction) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("gossip: encode action %d: %w", a.Nonce, err)
	}
	batch := s.db.NewBatch()
	batch.Put(actionKey(a.Nonce), raw)
	batch.Put(stidKey(a.Stid, a.Nonce), nil)
	if err := batch.Write(); err != nil {
		return fmt.Errorf("gossip: store action %d: %w", a.Nonce, err)
	}
	s.cache.Add(a.Nonce, a)
	return nil
}

// Get returns the action at nonce or storage.ErrNotFound.
func (s *ActionStore) Get(nonce uint64) (*types.OrderedAction, error) {
	if v, ok := s.cache.Get(nonce); ok {
		return v.(*types.OrderedAction), nil
	}
	raw, err := s.db.Get(actionKey(nonce))
	if err != nil {
		return nil, err
	}
	var a types.OrderedAction
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("gossip: decode action %d: %w", nonce, err)
	}
	s.cache.Add(nonce, &a)
	return &a, nil
}

// Range returns the contiguous run of stored actions starting at from and
// ending at to or at the first gap.
func (s *ActionStore) Range(from, to uint64) ([]*types.OrderedAction, error) {
	var out []*types.OrderedAction
	for n := from; n <= to && len(out) < MaxRange; n++ {
		a, err := s.Get(n)
		if errors.Is(err, storage.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// RangeByStid returns the actions whose state change id lies in [from, to],
// in nonce order.
func (s *ActionStore) RangeByStid(from, to uint64) ([]*types.OrderedAction, error) {
	var out []*types.OrderedAction
	for stid := from; stid <= to && len(out) < MaxRange; stid++ {
		var nonces []uint64
		err := s.db.Iterate(stidKey(stid), func(key, _ []byte) bool {
			var (
				prefix  string
				id, nce uint64
			)
			if _, err := orderedcode.Parse(string(key), &prefix, &id, &nce); err == nil {
				nonces = append(nonces, nce)
			}
			return true
		})
		if err != nil {
			return nil, err
		}
		if len(nonces) == 0 {
			break
		}
		for _, n := range nonces {
			a, err := s.Get(n)
			if err != nil {
				return nil, err
			}
			out = append(out, a)
		}
		if stid == ^uint64(0) {
			break
		}
	}
	return out, nil
}
