package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/golang/snappy"
	"lukechampine.com/blake3"
)

var (
	// ErrMalformed reports an encoding that is not a strictly ordered entry list.
	ErrMalformed = errors.New("snapshot: malformed encoding")
	// ErrChunk reports a missing, duplicated or tampered chunk.
	ErrChunk = errors.New("snapshot: invalid chunk")
)

// DefaultChunkSize bounds a single bulk state message.
const DefaultChunkSize = 256 * 1024

// Entry is one key/value pair of the serialized state.
type Entry struct {
	Key   []byte
	Value []byte
}

// OrderedMap holds entries sorted by key with unique keys.
type OrderedMap struct {
	entries []Entry
}

// NewOrderedMap sorts kv into an OrderedMap. Map iteration order never leaks
// into the result.
func NewOrderedMap(kv map[string][]byte) *OrderedMap {
	entries := make([]Entry, 0, len(kv))
	for k, v := range kv {
		entries = append(entries, Entry{Key: []byte(k), Value: v})
	}
	sort.Slice(entries, func(i, j int) bool { return bytes.Compare(entries[i].Key, entries[j].Key) < 0 })
	return &OrderedMap{entries: entries}
}

// NodeMap converts an arena export into an OrderedMap keyed by node hash.
func NodeMap(nodes map[common.Hash][]byte) *OrderedMap {
	kv := make(map[string][]byte, len(nodes))
	for h, blob := range nodes {
		kv[string(h.Bytes())] = blob
	}
	return NewOrderedMap(kv)
}

func (m *OrderedMap) Len() int { return len(m.entries) }

// Entries returns the sorted entries. Callers must not modify them.
func (m *OrderedMap) Entries() []Entry { return m.entries }

// Get looks up key by binary search.
func (m *OrderedMap) Get(key []byte) ([]byte, bool) {
	i := sort.Search(len(m.entries), func(i int) bool { return bytes.Compare(m.entries[i].Key, key) >= 0 })
	if i < len(m.entries) && bytes.Equal(m.entries[i].Key, key) {
		return m.entries[i].Value, true
	}
	return nil, false
}

// Nodes interprets the map as trie nodes keyed by 32-byte hashes.
func (m *OrderedMap) Nodes() (map[common.Hash][]byte, error) {
	out := make(map[common.Hash][]byte, len(m.entries))
	for _, e := range m.entries {
		if len(e.Key) != common.HashLength {
			return nil, fmt.Errorf("%w: node key of %d bytes", ErrMalformed, len(e.Key))
		}
		out[common.BytesToHash(e.Key)] = e.Value
	}
	return out, nil
}

// Serialize encodes the map. Equal content always yields identical bytes.
func Serialize(m *OrderedMap) ([]byte, error) {
	return rlp.EncodeToBytes(m.entries)
}

// Deserialize decodes data produced by Serialize, rejecting unsorted or
// duplicate keys so every accepted encoding is canonical.
func Deserialize(data []byte) (*OrderedMap, error) {
	var entries []Entry
	if err := rlp.DecodeBytes(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for i := 1; i < len(entries); i++ {
		if bytes.Compare(entries[i-1].Key, entries[i].Key) >= 0 {
			return nil, fmt.Errorf("%w: entry %d out of order", ErrMalformed, i)
		}
	}
	return &OrderedMap{entries: entries}, nil
}

// Chunk is one bounded piece of a serialized state.
type Chunk struct {
	Index int
	Hash  [32]byte
	Data  []byte
}

// Split cuts data into chunks of at most size bytes. Empty data still yields
// one empty chunk so the receiver learns the total.
func Split(data []byte, size int) []Chunk {
	if size <= 0 {
		size = DefaultChunkSize
	}
	var chunks []Chunk
	for start := 0; start < len(data) || len(chunks) == 0; start += size {
		end := start + size
		if end > len(data) {
			end = len(data)
		}
		piece := data[start:end]
		chunks = append(chunks, Chunk{Index: len(chunks), Hash: blake3.Sum256(piece), Data: piece})
	}
	return chunks
}

// Join verifies and concatenates a complete chunk set in any order.
func Join(chunks []Chunk) ([]byte, error) {
	ordered := make([]*Chunk, len(chunks))
	size := 0
	for i := range chunks {
		c := &chunks[i]
		if c.Index < 0 || c.Index >= len(chunks) || ordered[c.Index] != nil {
			return nil, fmt.Errorf("%w: index %d of %d", ErrChunk, c.Index, len(chunks))
		}
		if blake3.Sum256(c.Data) != c.Hash {
			return nil, fmt.Errorf("%w: hash mismatch at %d", ErrChunk, c.Index)
		}
		ordered[c.Index] = c
		size += len(c.Data)
	}
	out := make([]byte, 0, size)
	for _, c := range ordered {
		out = append(out, c.Data...)
	}
	return out, nil
}

// Compress returns the snappy block form of the chunk data for the wire.
func (c Chunk) Compress() []byte {
	return snappy.Encode(nil, c.Data)
}

// DecompressChunk restores a chunk received from the wire and checks its hash.
func DecompressChunk(index int, hash [32]byte, compressed []byte) (Chunk, error) {
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return Chunk{}, fmt.Errorf("%w: decompress %d: %v", ErrChunk, index, err)
	}
	if blake3.Sum256(data) != hash {
		return Chunk{}, fmt.Errorf("%w: hash mismatch at %d", ErrChunk, index)
	}
	return Chunk{Index: index, Hash: hash, Data: data}, nil
}
