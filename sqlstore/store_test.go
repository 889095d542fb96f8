package sqlstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortressi/saga"
	"github.com/fortressi/saga/sagatest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), SQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore(t *testing.T) {
	sagatest.RunRepositoryTests(t, func(t *testing.T) sagatest.Repository {
		return newTestStore(t)
	})
}

func TestStoreStatusColumn(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	s := sagatest.NewSaga(t, "indexed")
	_, err := store.Upsert(ctx, s)
	require.NoError(t, err)

	s.Status = saga.StatusRunning
	_, err = store.Upsert(ctx, s)
	require.NoError(t, err)

	var status string
	var revision int64
	require.NoError(t, store.db.QueryRowContext(ctx,
		`SELECT status, revision FROM sagas WHERE id = ?`, "indexed").Scan(&status, &revision))
	assert.Equal(t, "RUNNING", status)
	assert.Equal(t, int64(2), revision)
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Migrate(context.Background()))
}

func TestRebind(t *testing.T) {
	query := `UPDATE sagas SET revision = ? WHERE id = ? AND revision = ?`
	assert.Equal(t, query, SQLite.rebind(query))
	assert.Equal(t, `UPDATE sagas SET revision = $1 WHERE id = $2 AND revision = $3`, Postgres.rebind(query))
}

func TestOpenRejectsUnknownDialect(t *testing.T) {
	_, err := Open(context.Background(), Dialect("oracle"), "dsn")
	require.ErrorContains(t, err, "unsupported sql dialect")
}
