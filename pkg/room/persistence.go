package room

import (
	"context"
	"sync"
)

// Persistence is the update log rooms load from and append to.
type Persistence interface {
	// LoadUpdates returns the stored updates in order and a position to
	// pass to CompactUpdates.
	LoadUpdates(ctx context.Context, objectID string) ([][]byte, int64, error)
	AppendUpdate(ctx context.Context, objectID string, update []byte) error
	// CompactUpdates replaces the updates up to position through with state.
	CompactUpdates(ctx context.Context, objectID string, state []byte, through int64) error
}

type memEntry struct {
	pos  int64
	data []byte
}

// MemoryPersistence keeps update logs in memory, for tests and single
// process setups.
type MemoryPersistence struct {
	mu   sync.Mutex
	next int64
	logs map[string][]memEntry
}

func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{logs: map[string][]memEntry{}}
}

func (m *MemoryPersistence) LoadUpdates(_ context.Context, objectID string) ([][]byte, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		out  [][]byte
		last int64
	)
	for _, e := range m.logs[objectID] {
		out = append(out, append([]byte(nil), e.data...))
		last = e.pos
	}
	return out, last, nil
}

func (m *MemoryPersistence) AppendUpdate(_ context.Context, objectID string, update []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	m.logs[objectID] = append(m.logs[objectID], memEntry{pos: m.next, data: append([]byte(nil), update...)})
	return nil
}

func (m *MemoryPersistence) CompactUpdates(_ context.Context, objectID string, state []byte, through int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []memEntry
	for _, e := range m.logs[objectID] {
		if e.pos > through {
			kept = append(kept, e)
		}
	}
	m.next++
	m.logs[objectID] = append(kept, memEntry{pos: m.next, data: append([]byte(nil), state...)})
	return nil
}

// Len returns the number of stored entries for objectID.
func (m *MemoryPersistence) Len(objectID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs[objectID])
}
