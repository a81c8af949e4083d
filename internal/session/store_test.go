package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/modeguard/internal/errors"
	"github.com/joescharf/modeguard/internal/models"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	return NewFileStore(filepath.Join(t.TempDir(), "sessions"))
}

func enterMode(mode, workflow string) MutateFunc {
	return func(s *models.SessionState) (*models.SessionState, error) {
		s.CurrentMode = models.StringPtr(mode)
		s.WorkflowID = models.StringPtr(workflow)
		s.ModeHistory = append(s.ModeHistory, models.ModeHistoryEntry{
			Mode: mode, WorkflowID: workflow, EnteredAt: time.Now().UTC(),
		})
		return s, nil
	}
}

func TestLoad_Missing(t *testing.T) {
	s := newTestStore(t)
	st, err := s.Load(context.Background(), "abc")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestSave_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	saved, err := s.Save(ctx, "sess-1", enterMode("planning", "planning-20260101-abc"))
	require.NoError(t, err)
	assert.Equal(t, "planning", saved.Mode())

	loaded, err := s.Load(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "sess-1", loaded.SessionID)
	assert.Equal(t, "planning", loaded.Mode())
	assert.Equal(t, "planning-20260101-abc", loaded.Workflow())
	require.Len(t, loaded.ModeHistory, 1)
	assert.Nil(t, loaded.ModeHistory[0].ExitedAt)
}

func TestSave_WireFormat(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Save(context.Background(), "sess-1", nil)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(s.dir, "sess-1.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"sessionId": "sess-1"`)
	assert.Contains(t, string(data), `"currentMode": null`)
	assert.Contains(t, string(data), `"modeHistory": []`)
}

func TestSave_MutateErrorWritesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Save(ctx, "sess-1", enterMode("task", "wf-1"))
	require.NoError(t, err)

	_, err = s.Save(ctx, "sess-1", func(st *models.SessionState) (*models.SessionState, error) {
		st.CurrentMode = models.StringPtr("review")
		return nil, fmt.Errorf("nope")
	})
	require.Error(t, err)

	loaded, err := s.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "task", loaded.Mode())
}

func TestSave_CrashBeforeRenameKeepsPriorRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Save(ctx, "sess-1", enterMode("task", "wf-1"))
	require.NoError(t, err)

	s.rename = func(oldpath, newpath string) error {
		return fmt.Errorf("simulated crash")
	}
	_, err = s.Save(ctx, "sess-1", enterMode("review", "wf-2"))
	require.Error(t, err)

	loaded, err := s.Load(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "task", loaded.Mode())
	assert.Equal(t, "wf-1", loaded.Workflow())

	// No temp files linger.
	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sess-1.json", entries[0].Name())
}

func TestSave_ReturnedRecordIsDetached(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	saved, err := s.Save(ctx, "sess-1", enterMode("task", "wf-1"))
	require.NoError(t, err)

	saved.CurrentMode = models.StringPtr("mutated")
	loaded, err := s.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "task", loaded.Mode())
}

func TestLoad_Corrupted(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.MkdirAll(s.dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.dir, "bad.json"), []byte("{not json"), 0o644))

	_, err := s.Load(context.Background(), "bad")
	require.Error(t, err)
	assert.True(t, errors.IsStateCorruption(err))
	assert.True(t, errors.IsFatal(err))
	assert.Contains(t, err.Error(), "teardown --session bad")

	// Save refuses to overwrite a corrupted record.
	_, err = s.Save(context.Background(), "bad", nil)
	assert.True(t, errors.IsStateCorruption(err))
}

func TestLoad_MismatchedSessionID(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.MkdirAll(s.dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.dir, "a.json"), []byte(`{"sessionId":"b"}`), 0o644))

	_, err := s.Load(context.Background(), "a")
	assert.True(t, errors.IsStateCorruption(err))
}

func TestValidateSessionID(t *testing.T) {
	valid := []string{"abc", "0f9e-11aa", "sess_1.2", "A"}
	for _, id := range valid {
		assert.NoError(t, ValidateSessionID(id), id)
	}

	invalid := []string{"", "../etc", "a/b", `a\b`, ".hidden", "a..b", "has space"}
	for _, id := range invalid {
		err := ValidateSessionID(id)
		assert.ErrorIs(t, err, errors.ErrInvalidSessionID, id)
	}

	s := newTestStore(t)
	_, err := s.Save(context.Background(), "../escape", nil)
	assert.ErrorIs(t, err, errors.ErrInvalidSessionID)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Save(ctx, "sess-1", nil)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "sess-1"))
	require.NoError(t, s.Delete(ctx, "sess-1"))

	st, err := s.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := base
	s.now = func() time.Time { tick = tick.Add(time.Minute); return tick }

	_, err := s.Save(ctx, "older", nil)
	require.NoError(t, err)
	_, err = s.Save(ctx, "newer", enterMode("task", "wf"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.dir, "broken.json"), []byte("]"), 0o644))

	list, err := s.List(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsStateCorruption(err))
	require.Len(t, list, 2)
	assert.Equal(t, "newer", list[0].SessionID)
	assert.Equal(t, "older", list[1].SessionID)
}

func TestList_EmptyDir(t *testing.T) {
	list, err := newTestStore(t).List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestIDs_IncludesCorruptedRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ids, err := s.IDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = s.Save(ctx, "b-good", nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.dir, "a-broken.json"), []byte("]"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(s.dir, ".c.123.tmp"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(s.dir, "notes.txt"), []byte("x"), 0o644))

	ids, err = s.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a-broken", "b-good"}, ids)
}
