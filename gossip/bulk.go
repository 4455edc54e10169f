package gossip

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Polkadex-Substrate/Polkadex-sub004/snapshot"
)

// BulkResponses serializes the node map of a finalized state and cuts it into
// wire responses for request id.
func BulkResponses(id string, summary snapshot.Summary, nodes map[common.Hash][]byte, chunkSize int) ([]*BulkStateResponse, error) {
	data, err := snapshot.Serialize(snapshot.NodeMap(nodes))
	if err != nil {
		return nil, fmt.Errorf("gossip: serialize bulk state: %w", err)
	}
	chunks := snapshot.Split(data, chunkSize)
	out := make([]*BulkStateResponse, len(chunks))
	for i, c := range chunks {
		out[i] = &BulkStateResponse{
			ID:      id,
			Summary: summary,
			Index:   c.Index,
			Total:   len(chunks),
			Hash:    common.Hash(c.Hash),
			Chunk:   c.Compress(),
		}
	}
	return out, nil
}

// BulkAssembly collects the chunks answering one BulkStateRequest.
type BulkAssembly struct {
	id      string
	summary *snapshot.Summary
	digest  common.Hash
	total   int
	chunks  map[int]snapshot.Chunk
}

func NewBulkAssembly(id string) *BulkAssembly {
	return &BulkAssembly{id: id, chunks: make(map[int]snapshot.Chunk)}
}

func (b *BulkAssembly) ID() string { return b.id }

// Add stores one chunk and reports whether the set is complete. Every chunk
// must describe the same summary and total.
func (b *BulkAssembly) Add(resp *BulkStateResponse) (bool, error) {
	if resp.ID != b.id {
		return false, fmt.Errorf("%w: response %s for assembly %s", ErrMalformed, resp.ID, b.id)
	}
	digest, err := resp.Summary.Digest()
	if err != nil {
		return false, fmt.Errorf("%w: summary digest: %v", ErrMalformed, err)
	}
	if b.summary == nil {
		summary := resp.Summary
		b.summary, b.digest, b.total = &summary, digest, resp.Total
	}
	if digest != b.digest || resp.Total != b.total {
		return false, fmt.Errorf("%w: chunk %d describes another state", ErrMalformed, resp.Index)
	}
	if _, dup := b.chunks[resp.Index]; !dup {
		chunk, err := snapshot.DecompressChunk(resp.Index, resp.Hash, resp.Chunk)
		if err != nil {
			return false, err
		}
		b.chunks[resp.Index] = chunk
	}
	return len(b.chunks) == b.total, nil
}

// Result joins and decodes the complete chunk set. The caller still has to
// check the nodes against the summary's state root.
func (b *BulkAssembly) Result() (snapshot.Summary, map[common.Hash][]byte, error) {
	if b.summary == nil || len(b.chunks) != b.total {
		return snapshot.Summary{}, nil, fmt.Errorf("gossip: bulk state %s incomplete: %d of %d chunks", b.id, len(b.chunks), b.total)
	}
	chunks := make([]snapshot.Chunk, 0, len(b.chunks))
	for _, c := range b.chunks {
		chunks = append(chunks, c)
	}
	data, err := snapshot.Join(chunks)
	if err != nil {
		return snapshot.Summary{}, nil, err
	}
	m, err := snapshot.Deserialize(data)
	if err != nil {
		return snapshot.Summary{}, nil, err
	}
	nodes, err := m.Nodes()
	if err != nil {
		return snapshot.Summary{}, nil, err
	}
	return *b.summary, nodes, nil
}
