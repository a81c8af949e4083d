// Package session persists per-session mode state as one JSON file per
// session. Writes go to a temp file in the same directory followed by a
// rename, so a reader never sees a partially written record.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/joescharf/modeguard/internal/errors"
	"github.com/joescharf/modeguard/internal/models"
)

// Store is the persistence interface for session records.
type Store interface {
	// Load returns the record for id, or nil with no error when none exists.
	Load(ctx context.Context, id string) (*models.SessionState, error)
	// Save reads the current record (or a fresh one), applies mutate to a copy
	// and persists the result. If mutate returns an error nothing is written.
	Save(ctx context.Context, id string, mutate MutateFunc) (*models.SessionState, error)
	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, id string) error
	// List returns all readable records, most recently updated first.
	List(ctx context.Context) ([]*models.SessionState, error)
	// IDs returns the id of every stored record, readable or not, sorted.
	IDs(ctx context.Context) ([]string, error)
}

// MutateFunc transforms a session record before it is written.
type MutateFunc func(s *models.SessionState) (*models.SessionState, error)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateSessionID rejects ids that could escape the sessions directory.
func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", errors.ErrInvalidSessionID, id)
	}
	return nil
}

// FileStore keeps records in <dir>/<session_id>.json.
type FileStore struct {
	dir string

	mu sync.Mutex
	// rename is swapped in tests to simulate a crash between write and rename.
	rename func(oldpath, newpath string) error
	now    func() time.Time
}

// NewFileStore creates a FileStore rooted at dir. The directory is created
// lazily on first write.
func NewFileStore(dir string) *FileStore {
	return &FileStore{
		dir:    dir,
		rename: os.Rename,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Load implements Store.
func (s *FileStore) Load(ctx context.Context, id string) (*models.SessionState, error) {
	if err := ValidateSessionID(id); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.read(id)
}

func (s *FileStore) read(id string) (*models.SessionState, error) {
	p := s.path(id)
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}

	var st models.SessionState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, &errors.StateCorruptionError{SessionID: id, Path: p, Err: err}
	}
	if st.SessionID != id {
		return nil, &errors.StateCorruptionError{
			SessionID: id,
			Path:      p,
			Err:       fmt.Errorf("record belongs to session %q", st.SessionID),
		}
	}
	if st.ModeHistory == nil {
		st.ModeHistory = []models.ModeHistoryEntry{}
	}
	return &st, nil
}

// Save implements Store.
func (s *FileStore) Save(ctx context.Context, id string, mutate MutateFunc) (*models.SessionState, error) {
	if err := ValidateSessionID(id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	current, err := s.read(id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		current = models.NewSessionState(id)
	}

	next := current.Clone()
	if mutate != nil {
		next, err = mutate(next)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, fmt.Errorf("session %s: mutation returned no record", id)
		}
	}
	next.SessionID = id
	next.UpdatedAt = s.now()
	if next.ModeHistory == nil {
		next.ModeHistory = []models.ModeHistoryEntry{}
	}

	if err := s.write(id, next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

func (s *FileStore) write(id string, st *models.SessionState) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %s: %w", id, err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+id+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write session %s: %w", id, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync session %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close session %s: %w", id, err)
	}
	if err := s.rename(tmpName, s.path(id)); err != nil {
		cleanup()
		return fmt.Errorf("commit session %s: %w", id, err)
	}
	return nil
}

// Delete implements Store.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := ValidateSessionID(id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// IDs implements Store.
func (s *FileStore) IDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if id, ok := recordID(e); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// recordID returns the session id a directory entry stores, skipping temp
// files and names that are not valid ids.
func recordID(e os.DirEntry) (string, bool) {
	name := e.Name()
	if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
		return "", false
	}
	id := strings.TrimSuffix(name, ".json")
	if ValidateSessionID(id) != nil {
		return "", false
	}
	return id, true
}

// List implements Store. Corrupted records are returned as errors joined
// together after the readable ones so one bad file does not hide the rest.
func (s *FileStore) List(ctx context.Context) ([]*models.SessionState, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var (
		out  []*models.SessionState
		errs []error
	)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id, ok := recordID(e)
		if !ok {
			continue
		}
		st, err := s.read(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if st != nil {
			out = append(out, st)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, errors.Join(errs...)
}
