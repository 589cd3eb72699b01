package utilization

import (
	"bytes"
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type epochTotals struct {
	system *big.Int
	actors map[common.Address]*big.Int
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	epochs  map[uint64]*epochTotals
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{epochs: make(map[uint64]*epochTotals)}
}

func (m *MemoryStore) Append(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	totals, ok := m.epochs[entry.Epoch]
	if !ok {
		totals = &epochTotals{system: new(big.Int), actors: make(map[common.Address]*big.Int)}
		m.epochs[entry.Epoch] = totals
	}
	totals.system.Add(totals.system, entry.Delta)
	actor, ok := totals.actors[entry.Actor]
	if !ok {
		actor = new(big.Int)
		totals.actors[entry.Actor] = actor
	}
	actor.Add(actor, entry.Delta)
	m.entries = append(m.entries, entry)
	return nil
}

func (m *MemoryStore) ActorTotal(_ context.Context, epoch uint64, actor common.Address) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	totals, ok := m.epochs[epoch]
	if !ok {
		return new(big.Int), nil
	}
	if v, ok := totals.actors[actor]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (m *MemoryStore) SystemTotal(_ context.Context, epoch uint64) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if totals, ok := m.epochs[epoch]; ok {
		return new(big.Int).Set(totals.system), nil
	}
	return new(big.Int), nil
}

func (m *MemoryStore) ActorTotals(_ context.Context, epoch uint64) ([]ActorTotal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	totals, ok := m.epochs[epoch]
	if !ok {
		return nil, nil
	}
	out := make([]ActorTotal, 0, len(totals.actors))
	for actor, total := range totals.actors {
		out = append(out, ActorTotal{Actor: actor, Total: new(big.Int).Set(total)})
	}
	sortActors(out)
	return out, nil
}

func (m *MemoryStore) Epochs(context.Context) ([]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uint64, 0, len(m.epochs))
	for epoch := range m.epochs {
		out = append(out, epoch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Entries returns a copy of every stored entry in arrival order.
func (m *MemoryStore) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Entry(nil), m.entries...)
}

func sortActors(list []ActorTotal) {
	sort.Slice(list, func(i, j int) bool {
		return bytes.Compare(list[i].Actor[:], list[j].Actor[:]) < 0
	})
}
