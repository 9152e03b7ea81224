package audit

import (
	"context"
	"fmt"
	"sync"
)

// Store is the append-only row store behind a Chain. It only needs
// insert-by-row and read-in-insertion-order.
type Store interface {
	// Last returns the most recently inserted entry, or nil for an empty log.
	Last(ctx context.Context) (*Entry, error)

	// Insert persists e as the new tail. It must fail with
	// ErrChainWriteConflict, writing nothing, when e.Seq is not the next
	// position or e.PrevHash is not the current tail's hash.
	Insert(ctx context.Context, e Entry) error

	// EntriesAfter returns entries with Seq > afterSeq in insertion order.
	EntriesAfter(ctx context.Context, afterSeq uint64) ([]Entry, error)
}

// MemoryStore is an in-process Store. Used by tests and by the "memory"
// storage driver.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Last(_ context.Context) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.entries) == 0 {
		return nil, nil
	}
	e := m.entries[len(m.entries)-1]
	return &e, nil
}

func (m *MemoryStore) Insert(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wantSeq, wantPrev := uint64(1), GenesisHash
	if n := len(m.entries); n > 0 {
		wantSeq = m.entries[n-1].Seq + 1
		wantPrev = m.entries[n-1].Hash
	}
	if e.Seq != wantSeq || e.PrevHash != wantPrev {
		return fmt.Errorf("%w: entry seq %d does not extend tail seq %d", ErrChainWriteConflict, e.Seq, wantSeq-1)
	}

	m.entries = append(m.entries, e)
	return nil
}

func (m *MemoryStore) EntriesAfter(_ context.Context, afterSeq uint64) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Entry
	for _, e := range m.entries {
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out, nil
}
