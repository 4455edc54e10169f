package runtime

import (
	"context"
	"sort"
	"sync"

	"github.com/Polkadex-Substrate/Polkadex-sub004/core/types"
	"github.com/Polkadex-Substrate/Polkadex-sub004/snapshot"
)

const notificationBuffer = 256

// Memory is an in-process chain. Tests and single-host devnets drive it with
// Finalize; it enforces the same snapshot rules as a real chain.
type Memory struct {
	mu        sync.RWMutex
	operator  types.AccountID
	set       types.ValidatorSet
	accounts  map[types.AccountID][]types.AccountID
	assets    []types.AssetID
	intervals types.SnapshotIntervals
	snapshots []snapshot.Summary
	ingress   map[uint64][]types.IngressMessage
	finalized uint64
	notify    chan types.FinalityNotification
	followers []chan types.FinalityNotification
	closed    bool
}

// NewMemory seeds a chain from genesis.
func NewMemory(genesis *Genesis) *Memory {
	m := &Memory{
		operator:  genesis.Operator,
		set:       genesis.ValidatorSet,
		accounts:  make(map[types.AccountID][]types.AccountID),
		assets:    append([]types.AssetID(nil), genesis.Assets...),
		intervals: genesis.Intervals,
		ingress:   make(map[uint64][]types.IngressMessage),
		notify:    make(chan types.FinalityNotification, notificationBuffer),
	}
	for _, a := range genesis.Accounts {
		m.accounts[a.Main] = append([]types.AccountID(nil), a.Proxies...)
	}
	return m
}

func (m *Memory) ValidatorSet(context.Context) (types.ValidatorSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.set, nil
}

func (m *Memory) Operator(context.Context) (types.AccountID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.operator, nil
}

func (m *Memory) GetLatestSnapshot(context.Context) (snapshot.Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latestLocked(), nil
}

func (m *Memory) latestLocked() snapshot.Summary {
	if len(m.snapshots) == 0 {
		return snapshot.Summary{}
	}
	return m.snapshots[len(m.snapshots)-1]
}

func (m *Memory) GetSnapshotByID(_ context.Context, id uint64) (*snapshot.Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byIDLocked(id), nil
}

func (m *Memory) byIDLocked(id uint64) *snapshot.Summary {
	if id == 0 || id > uint64(len(m.snapshots)) {
		return nil
	}
	s := m.snapshots[id-1]
	return &s
}

func (m *Memory) SubmitSnapshot(_ context.Context, summary snapshot.Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	duplicate, err := checkSubmission(m.latestLocked(), m.byIDLocked(summary.SnapshotID), summary, m.set)
	if err != nil || duplicate {
		return err
	}
	m.snapshots = append(m.snapshots, summary)
	return nil
}

func (m *Memory) GetAllAccountsAndProxies(context.Context) ([]types.AccountProxies, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.AccountProxies, 0, len(m.accounts))
	for main, proxies := range m.accounts {
		out = append(out, types.AccountProxies{Main: main, Proxies: append([]types.AccountID(nil), proxies...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Main.String() < out[j].Main.String() })
	return out, nil
}

func (m *Memory) GetAllowlistedAssets(context.Context) ([]types.AssetID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.AssetID(nil), m.assets...), nil
}

func (m *Memory) GetSnapshotGenerationIntervals(context.Context) (types.SnapshotIntervals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.intervals, nil
}

func (m *Memory) IngressMessages(_ context.Context, block uint64) ([]types.IngressMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.IngressMessage(nil), m.ingress[block]...), nil
}

func (m *Memory) FinalityNotifications() <-chan types.FinalityNotification { return m.notify }

// Subscribe returns an additional notification stream, letting several
// workers follow one chain.
func (m *Memory) Subscribe() <-chan types.FinalityNotification {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan types.FinalityNotification, notificationBuffer)
	if m.closed {
		close(ch)
		return ch
	}
	m.followers = append(m.followers, ch)
	return ch
}

// Finalize appends the next block carrying msgs and announces it. Registration
// messages update the account registry immediately. The announcement is
// dropped when the buffer is full; the next one covers it.
func (m *Memory) Finalize(msgs ...types.IngressMessage) uint64 {
	m.mu.Lock()
	m.finalized++
	block := m.finalized
	m.ingress[block] = append([]types.IngressMessage(nil), msgs...)
	for _, msg := range msgs {
		m.applyRegistryLocked(msg)
	}
	if !m.closed {
		for _, ch := range append([]chan types.FinalityNotification{m.notify}, m.followers...) {
			select {
			case ch <- types.FinalityNotification{Block: block}:
			default:
			}
		}
	}
	m.mu.Unlock()
	return block
}

func (m *Memory) applyRegistryLocked(msg types.IngressMessage) {
	switch msg.Kind {
	case types.IngressRegisterMain:
		if _, ok := m.accounts[msg.Main]; !ok {
			m.accounts[msg.Main] = nil
		}
		if !msg.Proxy.IsZero() {
			m.accounts[msg.Main] = appendProxy(m.accounts[msg.Main], msg.Proxy)
		}
	case types.IngressAddProxy:
		if _, ok := m.accounts[msg.Main]; ok {
			m.accounts[msg.Main] = appendProxy(m.accounts[msg.Main], msg.Proxy)
		}
	}
}

func appendProxy(proxies []types.AccountID, proxy types.AccountID) []types.AccountID {
	for _, p := range proxies {
		if p == proxy {
			return proxies
		}
	}
	return append(proxies, proxy)
}

// SetValidatorSet rotates the active set.
func (m *Memory) SetValidatorSet(set types.ValidatorSet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set = set
}

// Close stops notifications.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.notify)
		for _, ch := range m.followers {
			close(ch)
		}
	}
	return nil
}
