package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// FileRepository persists each saga as an indented JSON file in a directory.
// Writes go through a temporary file and a rename, so a crash never leaves a
// half-written saga behind. Revision checks are serialized within a process;
// the directory must not be shared between processes.
type FileRepository struct {
	basePath string
	mu       sync.Mutex
}

// NewFileRepository creates a file repository rooted at basePath, creating
// the directory if needed.
func NewFileRepository(basePath string) (*FileRepository, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileRepository{basePath: basePath}, nil
}

// Get implements Repository.
func (f *FileRepository) Get(_ context.Context, id string) (*Saga, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load(id)
}

// Upsert implements Repository.
func (f *FileRepository) Upsert(_ context.Context, s *Saga) (*Saga, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.save(s); err != nil {
		return nil, err
	}
	return s, nil
}

// UpsertStep implements Repository.
func (f *FileRepository) UpsertStep(_ context.Context, s *Saga, step *Step) (*Step, error) {
	if err := CheckStep(s, step); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := os.Stat(f.filename(s.ID)); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("upsert step %s without a parent saga %s: %w", step.ID, s.ID, ErrNotFound)
	}
	if err := f.save(s); err != nil {
		return nil, err
	}
	return step, nil
}

// List implements Lister.
func (f *FileRepository) List(_ context.Context, criteria ListCriteria) (ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.basePath)
	if err != nil {
		return ListResult{}, fmt.Errorf("failed to read saga directory: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), ".json")
		if entry.IsDir() || !ok {
			continue
		}
		id, err := url.PathUnescape(name)
		if err != nil {
			continue
		}
		if criteria.NextToken == "" || id > criteria.NextToken {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	return criteria.Page(func(yield func(*Saga) bool) error {
		for _, id := range ids {
			s, err := f.load(id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if !yield(s) {
				return nil
			}
		}
		return nil
	})
}

func (f *FileRepository) load(id string) (*Saga, error) {
	data, err := os.ReadFile(f.filename(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("saga %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read saga file: %w", err)
	}
	return Decode(data)
}

// save writes s if its revision matches the stored one. Callers hold mu.
func (f *FileRepository) save(s *Saga) error {
	var stored int64
	current, err := f.load(s.ID)
	switch {
	case err == nil:
		stored = current.Revision
	case !errors.Is(err, ErrNotFound):
		return err
	}
	if stored != s.Revision {
		return fmt.Errorf("saga %s at revision %d, stored %d: %w", s.ID, s.Revision, stored, ErrRevisionConflict)
	}

	prevRevision, prevUpdated := s.Revision, s.UpdatedAt
	s.Revision++
	s.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		s.Revision, s.UpdatedAt = prevRevision, prevUpdated
		return fmt.Errorf("failed to marshal saga: %w", err)
	}
	if err := f.writeAtomic(f.filename(s.ID), data); err != nil {
		s.Revision, s.UpdatedAt = prevRevision, prevUpdated
		return err
	}
	return nil
}

func (f *FileRepository) writeAtomic(filename string, data []byte) error {
	tmp, err := os.CreateTemp(f.basePath, ".saga-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write saga file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync saga file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close saga file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filename); err != nil {
		return fmt.Errorf("failed to replace saga file: %w", err)
	}
	return nil
}

// filename returns the full path for a saga's file.
func (f *FileRepository) filename(id string) string {
	return filepath.Join(f.basePath, url.PathEscape(id)+".json")
}
