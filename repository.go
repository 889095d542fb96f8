package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrNotFound is returned by Repository.Get when no saga has the id.
	ErrNotFound = errors.New("saga not found")

	// ErrRevisionConflict is returned when a write is based on a stale
	// revision, meaning another process updated the saga in the meantime.
	ErrRevisionConflict = errors.New("saga revision conflict")
)

// Repository is the durable storage the engine resumes sagas from.
//
// Implementations must serialize concurrent writers of the same saga: writes
// succeed only when the saga's Revision matches the stored one, and bump it
// on success. Both calls must be durable on return.
type Repository interface {
	// Get loads a saga by id, or returns ErrNotFound.
	Get(ctx context.Context, id string) (*Saga, error)

	// Upsert persists the whole aggregate.
	Upsert(ctx context.Context, s *Saga) (*Saga, error)

	// UpsertStep persists the state history of one step of s.
	UpsertStep(ctx context.Context, s *Saga, step *Step) (*Step, error)
}

// ListCriteria selects sagas for Lister.List.
type ListCriteria struct {
	// Statuses restricts results to sagas in one of these statuses.
	Statuses []Status
	// NextToken resumes a listing after the saga with this id.
	NextToken string
	// Count bounds the page size; defaults to 100.
	Count int
}

// ListResult is one page of a listing.
type ListResult struct {
	Sagas     []*Saga
	NextToken string
}

// Lister is implemented by repositories able to enumerate sagas in id order.
type Lister interface {
	List(ctx context.Context, criteria ListCriteria) (ListResult, error)
}

const defaultListCount = 100

func (c ListCriteria) count() int {
	if c.Count <= 0 {
		return defaultListCount
	}
	return c.Count
}

func (c ListCriteria) matches(s *Saga) bool {
	return len(c.Statuses) == 0 || slices.Contains(c.Statuses, s.Status)
}

// Page applies criteria to sagas already ordered by id and positioned after
// the NextToken. It is shared by the repository implementations.
func (c ListCriteria) Page(ordered func(yield func(*Saga) bool) error) (ListResult, error) {
	limit := c.count()
	result := ListResult{Sagas: []*Saga{}}
	more := false
	err := ordered(func(s *Saga) bool {
		if !c.matches(s) {
			return true
		}
		if len(result.Sagas) == limit {
			more = true
			return false
		}
		result.Sagas = append(result.Sagas, s)
		return true
	})
	if err != nil {
		return ListResult{}, err
	}
	if more {
		result.NextToken = result.Sagas[len(result.Sagas)-1].ID
	}
	return result, nil
}

// Encode serializes a saga for storage. Step functions are not included.
func Encode(s *Saga) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode saga %s: %w", s.ID, err)
	}
	return data, nil
}

// Decode restores a saga written by Encode. Steps come back without
// functions attached.
func Decode(data []byte) (*Saga, error) {
	var s Saga
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode saga: %w", err)
	}
	if s.Inputs == nil {
		s.Inputs = map[string]any{}
	}
	for _, step := range s.Steps {
		if step.States == nil {
			step.States = []*State{}
		}
	}
	return &s, nil
}

// CheckStep verifies that step belongs to s, for UpsertStep implementations.
func CheckStep(s *Saga, step *Step) error {
	if s.Step(step.ID) != step {
		return fmt.Errorf("step %s does not belong to saga %s", step.ID, s.ID)
	}
	return nil
}
