// Package sqlstore provides a saga.Repository backed by database/sql. SQLite
// (modernc.org/sqlite) serves single-node and local use, PostgreSQL (pgx)
// serves multi-node deployments where several engines share one store.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/fortressi/saga"
)

//go:embed schema.sql
var schema string

// Dialect selects the SQL driver and placeholder style.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

func (d Dialect) driver() (string, error) {
	switch d {
	case SQLite:
		return "sqlite", nil
	case Postgres:
		return "pgx", nil
	default:
		return "", fmt.Errorf("unsupported sql dialect %q", string(d))
	}
}

// rebind rewrites ? placeholders into the dialect's form.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Store implements saga.Repository and saga.Lister on a SQL database.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to dsn with the driver for dialect and applies the schema.
// For SQLite, ":memory:" gives a private in-memory database.
func Open(ctx context.Context, dialect Dialect, dsn string) (*Store, error) {
	driver, err := dialect.driver()
	if err != nil {
		return nil, err
	}
	if dialect == SQLite && dsn != ":memory:" {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == SQLite {
		// One connection serializes writes and keeps :memory: databases alive.
		db.SetMaxOpenConns(1)
	}

	store := New(db, dialect)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// New wraps an existing connection pool. Call Migrate before first use.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Migrate creates the sagas table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get implements saga.Repository.
func (s *Store) Get(ctx context.Context, id string) (*saga.Saga, error) {
	var body string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT body FROM sagas WHERE id = ?`), id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("saga %s: %w", id, saga.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get saga %s: %w", id, err)
	}
	return saga.Decode([]byte(body))
}

// Upsert implements saga.Repository.
func (s *Store) Upsert(ctx context.Context, sg *saga.Saga) (*saga.Saga, error) {
	if err := s.write(ctx, sg); err != nil {
		return nil, err
	}
	return sg, nil
}

// UpsertStep implements saga.Repository. The whole aggregate is written so
// the stored body always matches the revision.
func (s *Store) UpsertStep(ctx context.Context, sg *saga.Saga, step *saga.Step) (*saga.Step, error) {
	if err := saga.CheckStep(sg, step); err != nil {
		return nil, err
	}
	if sg.Revision == 0 {
		return nil, fmt.Errorf("upsert step %s without a parent saga %s: %w", step.ID, sg.ID, saga.ErrNotFound)
	}
	if err := s.write(ctx, sg); err != nil {
		return nil, err
	}
	return step, nil
}

func (s *Store) write(ctx context.Context, sg *saga.Saga) error {
	prevRevision, prevUpdated := sg.Revision, sg.UpdatedAt
	sg.Revision++
	sg.UpdatedAt = time.Now().UTC()
	restore := func() {
		sg.Revision, sg.UpdatedAt = prevRevision, prevUpdated
	}

	body, err := saga.Encode(sg)
	if err != nil {
		restore()
		return err
	}

	var res sql.Result
	if prevRevision == 0 {
		res, err = s.db.ExecContext(ctx, s.dialect.rebind(`
			INSERT INTO sagas (id, revision, status, checksum, body, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING
		`), sg.ID, sg.Revision, sg.Status.String(), sg.Checksum, string(body),
			sg.CreatedAt.Format(time.RFC3339Nano), sg.UpdatedAt.Format(time.RFC3339Nano))
	} else {
		res, err = s.db.ExecContext(ctx, s.dialect.rebind(`
			UPDATE sagas SET revision = ?, status = ?, body = ?, updated_at = ?
			WHERE id = ? AND revision = ?
		`), sg.Revision, sg.Status.String(), string(body), sg.UpdatedAt.Format(time.RFC3339Nano),
			sg.ID, prevRevision)
	}
	if err != nil {
		restore()
		return fmt.Errorf("write saga %s: %w", sg.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		restore()
		return fmt.Errorf("write saga %s: %w", sg.ID, err)
	}
	if n == 0 {
		restore()
		return s.conflict(ctx, sg)
	}
	return nil
}

// conflict explains a write that matched no row.
func (s *Store) conflict(ctx context.Context, sg *saga.Saga) error {
	var stored int64
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT revision FROM sagas WHERE id = ?`), sg.ID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("saga %s: %w", sg.ID, saga.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("write saga %s: %w", sg.ID, err)
	}
	return fmt.Errorf("saga %s at revision %d, stored %d: %w", sg.ID, sg.Revision, stored, saga.ErrRevisionConflict)
}

// List implements saga.Lister.
func (s *Store) List(ctx context.Context, criteria saga.ListCriteria) (saga.ListResult, error) {
	var (
		where []string
		args  []any
	)
	if criteria.NextToken != "" {
		where = append(where, "id > ?")
		args = append(args, criteria.NextToken)
	}
	if len(criteria.Statuses) > 0 {
		marks := make([]string, len(criteria.Statuses))
		for i, status := range criteria.Statuses {
			marks[i] = "?"
			args = append(args, status.String())
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := "SELECT body FROM sagas"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return saga.ListResult{}, fmt.Errorf("list sagas: %w", err)
	}
	defer rows.Close()

	result, err := criteria.Page(func(yield func(*saga.Saga) bool) error {
		for rows.Next() {
			var body string
			if err := rows.Scan(&body); err != nil {
				return err
			}
			sg, err := saga.Decode([]byte(body))
			if err != nil {
				return err
			}
			if !yield(sg) {
				return nil
			}
		}
		return rows.Err()
	})
	if err != nil {
		return saga.ListResult{}, fmt.Errorf("list sagas: %w", err)
	}
	return result, nil
}
