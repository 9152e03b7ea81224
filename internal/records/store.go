package records

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound means no patient has the requested ID.
	ErrNotFound = errors.New("patient not found")
	// ErrDeleted means the patient was retired and can no longer be changed.
	ErrDeleted = errors.New("patient record deleted")
	// ErrInvalidInput means required identifying fields are missing.
	ErrInvalidInput = errors.New("invalid patient input")
)

// Patient is a stored record: plaintext identifying fields plus one sealed
// blob holding the clinical fields.
type Patient struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	DOB       string    `json:"dob"`
	Gender    string    `json:"gender"`
	Address   string    `json:"address"`
	Phone     string    `json:"phone"`
	Sealed    []byte    `json:"sealed"`
	Deleted   bool      `json:"deleted"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clinical holds the sensitive fields that are only ever stored sealed.
type Clinical struct {
	Diagnosis string `json:"diagnosis"`
	Treatment string `json:"treatment"`
}

// Store persists patient rows. Records are never physically removed.
type Store interface {
	Insert(ctx context.Context, p Patient) error
	// Update replaces the row with p.ID, failing with ErrNotFound if absent.
	Update(ctx context.Context, p Patient) error
	// Get fails with ErrNotFound if no row has id.
	Get(ctx context.Context, id string) (Patient, error)
	// List returns every row, deleted ones included, oldest first.
	List(ctx context.Context) ([]Patient, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	patients map[string]Patient
	order    []string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{patients: make(map[string]Patient)}
}

func (m *MemoryStore) Insert(_ context.Context, p Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.patients[p.ID]; ok {
		return fmt.Errorf("patient %s already exists", p.ID)
	}
	m.patients[p.ID] = clonePatient(p)
	m.order = append(m.order, p.ID)
	return nil
}

func (m *MemoryStore) Update(_ context.Context, p Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.patients[p.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, p.ID)
	}
	m.patients[p.ID] = clonePatient(p)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.patients[id]
	if !ok {
		return Patient{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return clonePatient(p), nil
}

func (m *MemoryStore) List(_ context.Context) ([]Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Patient, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, clonePatient(m.patients[id]))
	}
	return out, nil
}

// clonePatient copies the sealed blob so callers never share it with the
// store.
func clonePatient(p Patient) Patient {
	p.Sealed = append([]byte(nil), p.Sealed...)
	return p
}

// SortByCreation orders patients oldest first, breaking ties by ID.
func SortByCreation(ps []Patient) {
	sort.SliceStable(ps, func(i, j int) bool {
		if !ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].CreatedAt.Before(ps[j].CreatedAt)
		}
		return ps[i].ID < ps[j].ID
	})
}
