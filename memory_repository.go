package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/btree"
)

// MemoryRepository is an in-memory Repository for tests and single-process
// use. Sagas are stored in encoded form, so every Get returns a detached copy
// exactly as a durable store would.
type MemoryRepository struct {
	mu    sync.RWMutex
	sagas *btree.Map[string, []byte]
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sagas: btree.NewMap[string, []byte](32),
	}
}

// Get implements Repository.
func (m *MemoryRepository) Get(_ context.Context, id string) (*Saga, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.sagas.Get(id)
	if !ok {
		return nil, fmt.Errorf("saga %s: %w", id, ErrNotFound)
	}
	return Decode(data)
}

// Upsert implements Repository.
func (m *MemoryRepository) Upsert(_ context.Context, s *Saga) (*Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.put(s); err != nil {
		return nil, err
	}
	return s, nil
}

// UpsertStep implements Repository.
func (m *MemoryRepository) UpsertStep(_ context.Context, s *Saga, step *Step) (*Step, error) {
	if err := CheckStep(s, step); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sagas.Get(s.ID); !ok {
		return nil, fmt.Errorf("upsert step %s without a parent saga %s: %w", step.ID, s.ID, ErrNotFound)
	}
	if err := m.put(s); err != nil {
		return nil, err
	}
	return step, nil
}

// put writes s if its revision matches the stored one. Callers hold mu.
func (m *MemoryRepository) put(s *Saga) error {
	var stored int64
	if data, ok := m.sagas.Get(s.ID); ok {
		current, err := Decode(data)
		if err != nil {
			return err
		}
		stored = current.Revision
	}
	if stored != s.Revision {
		return fmt.Errorf("saga %s at revision %d, stored %d: %w", s.ID, s.Revision, stored, ErrRevisionConflict)
	}

	prevRevision, prevUpdated := s.Revision, s.UpdatedAt
	s.Revision++
	s.UpdatedAt = time.Now().UTC()
	data, err := Encode(s)
	if err != nil {
		s.Revision, s.UpdatedAt = prevRevision, prevUpdated
		return err
	}
	m.sagas.Set(s.ID, data)
	return nil
}

// List implements Lister.
func (m *MemoryRepository) List(_ context.Context, criteria ListCriteria) (ListResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return criteria.Page(func(yield func(*Saga) bool) error {
		var decodeErr error
		iter := func(id string, data []byte) bool {
			if criteria.NextToken != "" && id == criteria.NextToken {
				return true
			}
			s, err := Decode(data)
			if err != nil {
				decodeErr = err
				return false
			}
			return yield(s)
		}
		if criteria.NextToken == "" {
			m.sagas.Scan(iter)
		} else {
			m.sagas.Ascend(criteria.NextToken, iter)
		}
		return decodeErr
	})
}

// Len returns the number of stored sagas.
func (m *MemoryRepository) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sagas.Len()
}
