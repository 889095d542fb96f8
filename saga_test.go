package saga

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(id string) *Step {
	return NewStep(id, id, nil)
}

func TestNewValidatesSteps(t *testing.T) {
	_, err := New("", nil, nil)
	require.Error(t, err)

	_, err = New("dup", nil, []*Step{noop("a"), noop("a")})
	require.ErrorContains(t, err, "duplicate step: a")

	_, err = New("blank", nil, []*Step{noop("")})
	require.Error(t, err)

	s, err := New("ok", map[string]any{"app": "foo"}, []*Step{noop("a")}, WithOwner("clouddriver"))
	require.NoError(t, err)
	assert.Equal(t, StatusNotStarted, s.Status)
	assert.Equal(t, DirectionForward, s.Direction)
	assert.Equal(t, "clouddriver", s.Owner)
	assert.NotEmpty(t, s.Checksum)
}

func TestChecksumIgnoresKeyOrder(t *testing.T) {
	a, err := Checksum(map[string]any{"x": 1, "y": "two", "z": []any{1, 2}})
	require.NoError(t, err)
	b, err := Checksum(map[string]any{"z": []any{1, 2}, "y": "two", "x": 1})
	require.NoError(t, err)
	c, err := Checksum(map[string]any{"x": 2, "y": "two", "z": []any{1, 2}})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)

	empty, err := Checksum(nil)
	require.NoError(t, err)
	emptyMap, err := Checksum(map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, empty, emptyMap)
}

func TestNewClonesInputs(t *testing.T) {
	inputs := map[string]any{"app": "foo"}
	s, err := New("clone", inputs, nil)
	require.NoError(t, err)

	inputs["app"] = "bar"
	assert.Equal(t, "foo", s.Inputs["app"])
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusNotStarted, StatusRunning, true},
		{StatusNotStarted, StatusSucceeded, false},
		{StatusRunning, StatusSucceeded, true},
		{StatusRunning, StatusTerminal, true},
		{StatusRunning, StatusTerminalFatal, true},
		{StatusTerminal, StatusRunning, true},
		{StatusTerminal, StatusSucceeded, false},
		{StatusSucceeded, StatusSucceeded, true},
		{StatusSucceeded, StatusRunning, false},
		{StatusTerminalFatal, StatusRunning, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			s := &Saga{ID: "t", Status: tt.from}
			err := s.transition(tt.to)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.to, s.Status)
			} else {
				require.ErrorContains(t, err, "illegal saga status transition")
				assert.Equal(t, tt.from, s.Status)
			}
		})
	}
}

func TestSagaLatestState(t *testing.T) {
	first, second := noop("first"), noop("second")
	s, err := New("latest", map[string]any{"app": "foo"}, []*Step{first, second})
	require.NoError(t, err)

	fresh := s.LatestState()
	assert.Equal(t, StatusRunning, fresh.Status)
	assert.Equal(t, "foo", fresh.PersistedStore["app"])

	older := NewState(map[string]any{"n": 1})
	newer := NewState(map[string]any{"n": 2})
	newest := NewState(map[string]any{"n": 3})
	second.append(newer)
	first.append(newest)
	first.append(older)

	assert.Same(t, newest, s.LatestState())
	assert.Same(t, newest, first.LatestState(nil))

	// On a version tie the first step's snapshot wins.
	tie := newest.Copy(nil)
	tie.Version = newest.Version
	second.append(tie)
	assert.Same(t, newest, s.LatestState())
}

func TestNewID(t *testing.T) {
	a, b := NewID(), NewID()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
}

func TestSagaNextStepAndRestart(t *testing.T) {
	first, second := noop("first"), noop("second")
	s, err := New("restart", nil, []*Step{first, second})
	require.NoError(t, err)
	assert.Same(t, first, s.NextStep())

	first.append(NewState(nil).Copy(func(st *State) { st.Status = StatusSucceeded }))
	assert.Same(t, second, s.NextStep())

	// Never attempted: restarting leaves the step alone.
	s.Status = StatusTerminal
	require.NoError(t, s.Restart())
	assert.Equal(t, StatusRunning, s.Status)
	assert.Empty(t, second.States)
	assert.Equal(t, 0, second.Attempt)

	second.append(NewState(nil).Copy(func(st *State) { st.Status = StatusTerminal }))
	s.Status = StatusTerminal
	require.NoError(t, s.Restart())
	assert.Equal(t, 1, second.Attempt)
	require.Len(t, second.States, 2)
	assert.Equal(t, StatusRunning, second.Status())
	assert.Equal(t, 0, first.Attempt, "only the next step is restarted")

	second.append(NewState(nil).Copy(func(st *State) { st.Status = StatusSucceeded }))
	assert.Nil(t, s.NextStep())
}

func TestStatusJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		Status    Status    `json:"status"`
		Direction Direction `json:"direction"`
	}{StatusTerminalFatal, DirectionForward})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"TERMINAL_FATAL","direction":"FORWARD"}`, string(data))

	var decoded Status
	require.NoError(t, json.Unmarshal([]byte(`"SUCCEEDED"`), &decoded))
	assert.Equal(t, StatusSucceeded, decoded)
	require.Error(t, json.Unmarshal([]byte(`"DONE"`), &decoded))

	parsed, err := ParseStatus("RUNNING")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, parsed)
}

func TestStepRegistry(t *testing.T) {
	registry := NewStepRegistry()
	fn := func(_ context.Context, _ StepContext) (*StepResult, error) { return nil, nil }

	require.NoError(t, registry.Register("bake", fn))
	require.ErrorContains(t, registry.Register("bake", fn), "already registered")
	require.Error(t, registry.Register("nil", nil))
	assert.Equal(t, 1, registry.Len())

	got, err := registry.Get("bake")
	require.NoError(t, err)
	assert.NotNil(t, got)

	_, err = registry.Get("launch")
	require.Error(t, err)
}

func TestIsRetryable(t *testing.T) {
	stepErr := &StepExecutionError{SagaID: "s", StepID: "a", Err: assert.AnError}
	assert.True(t, IsRetryable(stepErr))
	assert.False(t, IsRetryable(&StepExecutionError{Err: Permanent(assert.AnError)}))
	assert.False(t, IsRetryable(&StepExecutionError{Err: &StateAccessError{Key: "k"}}))
	assert.False(t, IsRetryable(&ChecksumMismatchError{}))
	assert.False(t, IsRetryable(&FatalPolicyError{}))
	assert.False(t, IsRetryable(nil))
	assert.Nil(t, Permanent(nil))
	assert.ErrorIs(t, Permanent(assert.AnError), assert.AnError)
}
