package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/modeguard/internal/errors"
	"github.com/joescharf/modeguard/internal/models"
)

func readTaskFile(t *testing.T, dir, session, id string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "tasks", session, id+".json"))
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestClaude_CreateWritesNativeFormat(t *testing.T) {
	dir := t.TempDir()
	s := NewClaudeStore(dir, "sess-1")
	ctx := context.Background()

	first, err := s.CreateTask(ctx, CreateTaskRequest{WorkflowID: "wf", PhaseID: "p0", Title: "First"})
	require.NoError(t, err)
	assert.Equal(t, "1", first.ID)
	assert.Equal(t, "sess-1", first.SessionID)

	second, err := s.CreateTask(ctx, CreateTaskRequest{WorkflowID: "wf", PhaseID: "p1", Title: "Second", DependsOn: []string{first.ID}})
	require.NoError(t, err)
	assert.Equal(t, "2", second.ID)

	raw := readTaskFile(t, dir, "sess-1", "2")
	assert.Equal(t, "Second", raw["subject"])
	assert.Equal(t, "pending", raw["status"])
	assert.Equal(t, []any{"1"}, raw["blockedBy"])
	meta := raw["metadata"].(map[string]any)
	assert.Equal(t, "wf", meta["workflowId"])
	assert.Equal(t, "p1", meta["phaseId"])

	parent := readTaskFile(t, dir, "sess-1", "1")
	assert.Equal(t, []any{"2"}, parent["blocks"])
}

func TestClaude_ContinuesAfterExistingIDs(t *testing.T) {
	dir := t.TempDir()
	sessDir := filepath.Join(dir, "tasks", "sess-1")
	require.NoError(t, os.MkdirAll(sessDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sessDir, "7.json"),
		[]byte(`{"id":"7","subject":"agent's own task","description":"","status":"completed"}`), 0o644))

	s := NewClaudeStore(dir, "sess-1")
	task, err := s.CreateTask(context.Background(), CreateTaskRequest{WorkflowID: "wf", Title: "Ours"})
	require.NoError(t, err)
	assert.Equal(t, "8", task.ID)

	// Tasks the agent created itself carry no workflow id.
	tasks, err := s.ListTasks(context.Background(), TaskFilter{WorkflowID: "wf"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Ours", tasks[0].Title)
}

func TestClaude_StatusMapping(t *testing.T) {
	dir := t.TempDir()
	s := NewClaudeStore(dir, "sess-1")
	ctx := context.Background()

	task, err := s.CreateTask(ctx, CreateTaskRequest{WorkflowID: "wf", Title: "Do it"})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusOpen, task.Status)

	_, err = s.UpdateTaskStatus(ctx, task.ID, models.TaskStatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, "in_progress", readTaskFile(t, dir, "sess-1", task.ID)["status"])

	closed, err := s.UpdateTaskStatus(ctx, task.ID, models.TaskStatusClosed)
	require.NoError(t, err)
	assert.True(t, closed.Closed())
	assert.NotNil(t, closed.ClosedAt)
	assert.Equal(t, "completed", readTaskFile(t, dir, "sess-1", task.ID)["status"])

	status, err := s.TaskStatus(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusClosed, status)
}

func TestClaude_UnknownStatusBlocks(t *testing.T) {
	assert.Equal(t, models.TaskStatusOpen, fromClaudeStatus("deleted-ish"))
	assert.Equal(t, models.TaskStatusOpen, fromClaudeStatus("pending"))
	assert.Equal(t, models.TaskStatusClosed, fromClaudeStatus("completed"))
}

func TestClaude_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := NewClaudeStore(t.TempDir(), "").CreateTask(ctx, CreateTaskRequest{Title: "x"})
	assert.True(t, errors.IsStore(err))

	s := NewClaudeStore(t.TempDir(), "sess-1")
	_, err = s.GetTask(ctx, "42")
	assert.True(t, errors.IsNotFound(err))

	_, err = s.GetTask(ctx, "../escape")
	assert.True(t, errors.IsNotFound(err))

	_, err = s.CreateTask(ctx, CreateTaskRequest{Title: "x", DependsOn: []string{"9"}})
	assert.True(t, errors.IsStore(err))
}

func TestClaude_MalformedFileIsStoreError(t *testing.T) {
	dir := t.TempDir()
	sessDir := filepath.Join(dir, "tasks", "sess-1")
	require.NoError(t, os.MkdirAll(sessDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sessDir, "1.json"), []byte("{"), 0o644))

	_, err := NewClaudeStore(dir, "sess-1").ListTasks(context.Background(), TaskFilter{})
	require.Error(t, err)
	assert.True(t, errors.IsStore(err))
}

func TestClaude_UnscopedLookup(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	_, err := NewClaudeStore(dir, "sess-a").CreateTask(ctx, CreateTaskRequest{WorkflowID: "wf", Title: "A"})
	require.NoError(t, err)

	unscoped := NewClaudeStore(dir, "")
	task, err := unscoped.GetTask(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "sess-a", task.SessionID)

	all, err := unscoped.ListTasks(ctx, TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestClaude_ForSessionResolvesIDsPerSession(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	unscoped := NewClaudeStore(dir, "")

	for _, sess := range []string{"aaa", "zzz"} {
		task, err := unscoped.CreateTask(ctx, CreateTaskRequest{WorkflowID: "wf-" + sess, SessionID: sess, Title: "Task of " + sess})
		require.NoError(t, err)
		assert.Equal(t, "1", task.ID)
	}

	updated, err := unscoped.ForSession("zzz").UpdateTaskStatus(ctx, "1", models.TaskStatusClosed)
	require.NoError(t, err)
	assert.Equal(t, "zzz", updated.SessionID)
	assert.Equal(t, "wf-zzz", updated.WorkflowID)

	assert.Equal(t, "completed", readTaskFile(t, dir, "zzz", "1")["status"])
	assert.Equal(t, "pending", readTaskFile(t, dir, "aaa", "1")["status"])

	_, err = unscoped.ForSession("nobody").GetTask(ctx, "1")
	assert.True(t, errors.IsNotFound(err))

	assert.Same(t, unscoped, unscoped.ForSession(""))
}

func TestClaude_CreateNeverOverwritesTakenID(t *testing.T) {
	dir := t.TempDir()
	s := NewClaudeStore(dir, "sess-1")
	sessDir := filepath.Join(dir, "tasks", "sess-1")
	require.NoError(t, os.MkdirAll(sessDir, 0o755))

	// Another writer took ids 1 and 2 after our directory scan.
	for _, id := range []string{"1", "2"} {
		require.NoError(t, os.WriteFile(filepath.Join(sessDir, id+".json"),
			[]byte(`{"id":"`+id+`","subject":"theirs","description":"","status":"pending"}`), 0o644))
	}

	ct := &claudeTask{ID: "1", Subject: "ours", Status: claudePending}
	require.NoError(t, s.createTask("sess-1", ct, 1))
	assert.Equal(t, "3", ct.ID)

	assert.Equal(t, "theirs", readTaskFile(t, dir, "sess-1", "1")["subject"])
	assert.Equal(t, "theirs", readTaskFile(t, dir, "sess-1", "2")["subject"])
	assert.Equal(t, "ours", readTaskFile(t, dir, "sess-1", "3")["subject"])

	entries, err := os.ReadDir(sessDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, ".json", filepath.Ext(e.Name()), "leftover temp file %s", e.Name())
	}
}
