// Package sagatest provides a conformance suite for saga.Repository
// implementations.
package sagatest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortressi/saga"
)

// Repository is what the suite needs from the store under test.
type Repository interface {
	saga.Repository
	saga.Lister
}

// NewSaga builds a stored-shape saga with the given step ids.
func NewSaga(t *testing.T, id string, steps ...string) *saga.Saga {
	t.Helper()
	list := make([]*saga.Step, 0, len(steps))
	for _, stepID := range steps {
		list = append(list, saga.NewStep(stepID, stepID, nil))
	}
	s, err := saga.New(id, map[string]any{"id": id}, list, saga.WithOwner("sagatest"))
	require.NoError(t, err)
	return s
}

// RunRepositoryTests exercises the Repository and Lister contracts. newRepo
// must return an empty store on every call.
func RunRepositoryTests(t *testing.T, newRepo func(t *testing.T) Repository) {
	t.Run("GetMissing", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Get(context.Background(), "missing")
		require.ErrorIs(t, err, saga.ErrNotFound)
	})

	t.Run("UpsertAndGet", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		s := NewSaga(t, "s-1", "bake", "launch")

		saved, err := repo.Upsert(ctx, s)
		require.NoError(t, err)
		assert.Equal(t, int64(1), saved.Revision)

		loaded, err := repo.Get(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, s.ID, loaded.ID)
		assert.Equal(t, s.Checksum, loaded.Checksum)
		assert.Equal(t, s.Owner, loaded.Owner)
		assert.Equal(t, s.Status, loaded.Status)
		assert.Equal(t, int64(1), loaded.Revision)
		require.Len(t, loaded.Steps, 2)
		assert.Equal(t, "bake", loaded.Steps[0].ID)
		assert.Nil(t, loaded.Steps[0].Func())
		assert.Nil(t, loaded.Steps[0].Output)
	})

	t.Run("UpsertStep", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		s := NewSaga(t, "s-2", "bake")
		_, err := repo.Upsert(ctx, s)
		require.NoError(t, err)

		step := s.Step("bake")
		state, _ := saga.NewState(map[string]any{"ami": "ami-1"}).Merge(nil)
		state.Status = saga.StatusSucceeded
		step.States = append(step.States, state)
		step.Output = map[string]any{"ami": "ami-1"}

		_, err = repo.UpsertStep(ctx, s, step)
		require.NoError(t, err)
		assert.Equal(t, int64(2), s.Revision)

		loaded, err := repo.Get(ctx, "s-2")
		require.NoError(t, err)
		loadedStep := loaded.Step("bake")
		require.Len(t, loadedStep.States, 1)
		assert.Equal(t, saga.StatusSucceeded, loadedStep.Status())
		assert.Equal(t, "ami-1", loadedStep.Output["ami"])
		assert.True(t, state.Version.Equal(loadedStep.States[0].Version))

		foreign := saga.NewStep("other", "other", nil)
		_, err = repo.UpsertStep(ctx, s, foreign)
		require.Error(t, err)
	})

	t.Run("UpsertStepWithoutSaga", func(t *testing.T) {
		repo := newRepo(t)
		s := NewSaga(t, "orphan", "bake")
		_, err := repo.UpsertStep(context.Background(), s, s.Step("bake"))
		require.ErrorIs(t, err, saga.ErrNotFound)
	})

	t.Run("RevisionConflict", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		_, err := repo.Upsert(ctx, NewSaga(t, "s-3"))
		require.NoError(t, err)

		a, err := repo.Get(ctx, "s-3")
		require.NoError(t, err)
		b, err := repo.Get(ctx, "s-3")
		require.NoError(t, err)

		a.Owner = "a"
		_, err = repo.Upsert(ctx, a)
		require.NoError(t, err)

		b.Owner = "b"
		_, err = repo.Upsert(ctx, b)
		require.ErrorIs(t, err, saga.ErrRevisionConflict)
		assert.Equal(t, int64(1), b.Revision, "a rejected write leaves the revision alone")

		loaded, err := repo.Get(ctx, "s-3")
		require.NoError(t, err)
		assert.Equal(t, "a", loaded.Owner)

		_, err = repo.Upsert(ctx, NewSaga(t, "s-3"))
		require.ErrorIs(t, err, saga.ErrRevisionConflict, "a fresh saga must not overwrite a stored one")
	})

	t.Run("List", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		for i := range 5 {
			s := NewSaga(t, fmt.Sprintf("list-%d", i))
			if i%2 == 0 {
				s.Status = saga.StatusRunning
			}
			_, err := repo.Upsert(ctx, s)
			require.NoError(t, err)
		}

		page, err := repo.List(ctx, saga.ListCriteria{Count: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"list-0", "list-1"}, ids(page.Sagas))
		assert.Equal(t, "list-1", page.NextToken)

		page, err = repo.List(ctx, saga.ListCriteria{Count: 2, NextToken: page.NextToken})
		require.NoError(t, err)
		assert.Equal(t, []string{"list-2", "list-3"}, ids(page.Sagas))

		page, err = repo.List(ctx, saga.ListCriteria{Count: 2, NextToken: page.NextToken})
		require.NoError(t, err)
		assert.Equal(t, []string{"list-4"}, ids(page.Sagas))
		assert.Empty(t, page.NextToken)

		running, err := repo.List(ctx, saga.ListCriteria{Statuses: []saga.Status{saga.StatusRunning}})
		require.NoError(t, err)
		assert.Equal(t, []string{"list-0", "list-2", "list-4"}, ids(running.Sagas))
		assert.Empty(t, running.NextToken)

		none, err := repo.List(ctx, saga.ListCriteria{Statuses: []saga.Status{saga.StatusTerminalFatal}})
		require.NoError(t, err)
		assert.Empty(t, none.Sagas)
	})

	t.Run("Engine", func(t *testing.T) {
		repo := newRepo(t)
		calls := 0
		step := saga.NewStep("only", "Only", func(context.Context, saga.StepContext) (*saga.StepResult, error) {
			calls++
			return saga.NewStepResult(map[string]any{"n": calls}), nil
		})
		s, err := saga.New("engine", map[string]any{"k": "v"}, []*saga.Step{step})
		require.NoError(t, err)

		engine := saga.NewEngine(repo, saga.WithInterceptors(saga.SkipCompletedSteps()))
		lookup := func(state *saga.State) (int, error) {
			return saga.Require[int](state, "n")
		}
		first := saga.Process(context.Background(), engine, s, lookup)
		require.NoError(t, first.Err)

		again, err := saga.New("engine", map[string]any{"k": "v"}, []*saga.Step{step})
		require.NoError(t, err)
		second := saga.Process(context.Background(), engine, again, lookup)
		require.NoError(t, second.Err)
		assert.Equal(t, 1, second.Value)
		assert.Equal(t, 1, calls)
	})
}

func ids(sagas []*saga.Saga) []string {
	out := make([]string, 0, len(sagas))
	for _, s := range sagas {
		out = append(out, s.ID)
	}
	return out
}
