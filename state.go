package saga

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sync/atomic"
	"time"
)

// lastVersion holds the UnixNano of the most recently issued state version.
var lastVersion atomic.Int64

// newVersion returns a timestamp strictly after every previously issued one,
// so snapshots created within the same clock tick still order correctly.
func newVersion() time.Time {
	for {
		now := time.Now().UnixNano()
		last := lastVersion.Load()
		if now <= last {
			now = last + 1
		}
		if lastVersion.CompareAndSwap(last, now) {
			return time.Unix(0, now).UTC()
		}
	}
}

// StateError records a failure captured in a state snapshot.
type StateError struct {
	Cause           string `json:"cause"`
	UserMessage     string `json:"user_message"`
	OperatorMessage string `json:"operator_message"`
}

// State is a versioned snapshot of a saga's durable key/value store.
//
// Merge and Copy always return new snapshots. The only in-place change the
// engine makes is finalizing the status and error of the attempt snapshot it
// opened when that attempt fails.
type State struct {
	Version        time.Time      `json:"version"`
	PersistedStore map[string]any `json:"persisted_store"`
	Logs           []string       `json:"logs"`
	Status         Status         `json:"status"`
	Error          *StateError    `json:"error,omitempty"`
}

// NewState creates a RUNNING state seeded with a copy of the given values.
func NewState(values map[string]any) *State {
	return newStateWith(StatusRunning, maps.Clone(values), nil)
}

func newStateWith(status Status, store map[string]any, logs []string) *State {
	if store == nil {
		store = make(map[string]any)
	}
	if logs == nil {
		logs = []string{}
	}
	return &State{
		Version:        newVersion(),
		PersistedStore: store,
		Logs:           logs,
		Status:         status,
	}
}

// Merge returns a new state whose store is this state's store overlaid with
// the result's outputs, along with the receiver as the prior state. A nil
// result produces a plain fresh-versioned copy. Error information is not
// carried forward.
func (s *State) Merge(result *StepResult) (next *State, prev *State) {
	store := maps.Clone(s.PersistedStore)
	if store == nil {
		store = make(map[string]any)
	}
	logs := slices.Clone(s.Logs)
	if result != nil {
		maps.Copy(store, result.Outputs)
		logs = append(logs, result.Logs...)
	}
	return newStateWith(s.Status, store, logs), s
}

// Copy clones the state into a fresh version and applies customize to it.
func (s *State) Copy(customize func(*State)) *State {
	state := newStateWith(s.Status, maps.Clone(s.PersistedStore), slices.Clone(s.Logs))
	if customize != nil {
		customize(state)
	}
	return state
}

// Get returns the raw value stored under key.
func (s *State) Get(key string) (any, bool) {
	v, ok := s.PersistedStore[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Required returns the raw value stored under key, or a StateAccessError if
// it is absent.
func (s *State) Required(key string) (any, error) {
	v, ok := s.Get(key)
	if !ok {
		return nil, &StateAccessError{Key: key, Kind: KeyNotFound}
	}
	return v, nil
}

// Lookup retrieves the value under key as a T. It returns false when the key
// is absent and a StateAccessError when the value cannot be read as a T.
//
// Values that went through a repository come back in their JSON shape
// (float64, map[string]any, ...). Only those are re-decoded into T, strictly:
// a fractional or out-of-range number never becomes an integer and unknown
// object fields are rejected. Any other value must already be a T.
func Lookup[T any](s *State, key string) (T, bool, error) {
	var zero T
	value, found := s.Get(key)
	if !found {
		return zero, false, nil
	}

	if typed, ok := value.(T); ok {
		return typed, true, nil
	}
	if !decoded(value) {
		return zero, true, mismatch[T](key, value)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return zero, true, mismatch[T](key, value)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var result T
	if err := dec.Decode(&result); err != nil {
		return zero, true, mismatch[T](key, value)
	}
	return result, true, nil
}

// decoded reports whether v has one of the shapes encoding/json produces for
// an any.
func decoded(v any) bool {
	switch v.(type) {
	case float64, string, bool, map[string]any, []any:
		return true
	}
	return false
}

// Require is Lookup for keys that must be present.
func Require[T any](s *State, key string) (T, error) {
	v, found, err := Lookup[T](s, key)
	if err != nil {
		return v, err
	}
	if !found {
		return v, &StateAccessError{Key: key, Kind: KeyNotFound}
	}
	return v, nil
}

func mismatch[T any](key string, value any) error {
	return &StateAccessError{
		Key:  key,
		Kind: TypeMismatch,
		Want: reflect.TypeFor[T]().String(),
		Got:  fmt.Sprintf("%T", value),
	}
}

// after reports whether s was created after other.
func (s *State) after(other *State) bool {
	return s.Version.After(other.Version)
}
