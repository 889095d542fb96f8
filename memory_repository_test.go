package saga_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortressi/saga"
	"github.com/fortressi/saga/sagatest"
)

func TestMemoryRepository(t *testing.T) {
	sagatest.RunRepositoryTests(t, func(*testing.T) sagatest.Repository {
		return saga.NewMemoryRepository()
	})
}

func TestMemoryRepositoryReturnsDetachedCopies(t *testing.T) {
	ctx := context.Background()
	repo := saga.NewMemoryRepository()
	_, err := repo.Upsert(ctx, sagatest.NewSaga(t, "detached", "bake"))
	require.NoError(t, err)

	a, err := repo.Get(ctx, "detached")
	require.NoError(t, err)
	a.Owner = "mutated"

	b, err := repo.Get(ctx, "detached")
	require.NoError(t, err)
	assert.Equal(t, "sagatest", b.Owner)
	assert.Equal(t, 1, repo.Len())
}

func TestMemoryRepositoryConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	repo := saga.NewMemoryRepository()
	_, err := repo.Upsert(ctx, sagatest.NewSaga(t, "contended"))
	require.NoError(t, err)

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	start := make(chan struct{})
	for range writers {
		s, err := repo.Get(ctx, "contended")
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := repo.Upsert(ctx, s); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, succeeded, "only one writer may win a revision")
}
