package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joescharf/modeguard/internal/errors"
	"github.com/joescharf/modeguard/internal/models"
)

// claudeTask is the task format Claude Code stores in
// <claude_dir>/tasks/<session_id>/<task_id>.json.
type claudeTask struct {
	ID          string         `json:"id"`
	Subject     string         `json:"subject"`
	Description string         `json:"description"`
	ActiveForm  string         `json:"activeForm,omitempty"`
	Status      string         `json:"status"`
	Blocks      []string       `json:"blocks,omitempty"`
	BlockedBy   []string       `json:"blockedBy,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

const (
	claudePending    = "pending"
	claudeInProgress = "in_progress"
	claudeCompleted  = "completed"
)

func toClaudeStatus(s models.TaskStatus) string {
	switch s {
	case models.TaskStatusInProgress:
		return claudeInProgress
	case models.TaskStatusClosed:
		return claudeCompleted
	default:
		return claudePending
	}
}

// fromClaudeStatus maps Claude's status names. Anything unrecognised is open,
// so it keeps blocking exit.
func fromClaudeStatus(s string) models.TaskStatus {
	st, err := models.ParseTaskStatus(s)
	if err != nil {
		return models.TaskStatusOpen
	}
	return st
}

// ClaudeStore implements TaskStore on top of Claude Code's native task files,
// so workflow tasks show up in the agent's own task list.
type ClaudeStore struct {
	dir       string
	sessionID string

	// mu is shared with the views returned by ForSession.
	mu  *sync.Mutex
	now func() time.Time
}

// NewClaudeStore creates a store rooted at claudeDir (usually ~/.claude).
// Task ids are only unique within a session; sessionID scopes lookups by id.
func NewClaudeStore(claudeDir, sessionID string) *ClaudeStore {
	return &ClaudeStore{
		dir:       claudeDir,
		sessionID: sessionID,
		mu:        &sync.Mutex{},
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ForSession implements TaskStore. Ids such as "1" exist in every session, so
// lookups by id must name the session they belong to.
func (s *ClaudeStore) ForSession(sessionID string) TaskStore {
	if sessionID == "" || sessionID == s.sessionID {
		return s
	}
	return &ClaudeStore{dir: s.dir, sessionID: sessionID, mu: s.mu, now: s.now}
}

func (s *ClaudeStore) tasksDir() string { return filepath.Join(s.dir, "tasks") }

func (s *ClaudeStore) sessionDir(sessionID string) string {
	return filepath.Join(s.tasksDir(), sessionID)
}

// Close implements TaskStore.
func (s *ClaudeStore) Close() error { return nil }

// CreateTask implements TaskStore. Ids are the next integer in the session
// directory, matching the ids Claude Code assigns itself.
func (s *ClaudeStore) CreateTask(ctx context.Context, req CreateTaskRequest) (*models.Task, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = s.sessionID
	}
	if sessionID == "" {
		return nil, errors.NewStoreError("create task", errors.New("claude backend requires a session id"))
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, errors.NewStoreError("create task", errors.New("title is required"))
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.NewStoreError("create task", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.NewStoreError("create task", err)
	}

	existing, err := s.readSession(sessionID)
	if err != nil {
		return nil, errors.NewStoreError("create task", err)
	}
	byID := make(map[string]*claudeTask, len(existing))
	next := 1
	for _, ct := range existing {
		byID[ct.ID] = ct
		if n, err := strconv.Atoi(ct.ID); err == nil && n >= next {
			next = n + 1
		}
	}
	for _, dep := range req.DependsOn {
		if _, ok := byID[dep]; !ok {
			return nil, errors.NewStoreError("create task", fmt.Errorf("dependency %s: %w", dep, errors.NewNotFoundError("task", dep)))
		}
	}

	now := s.now()
	ct := &claudeTask{
		ID:          strconv.Itoa(next),
		Subject:     req.Title,
		Description: req.Description,
		ActiveForm:  req.Title,
		Status:      claudePending,
		BlockedBy:   append([]string(nil), req.DependsOn...),
		Metadata: map[string]any{
			"source":     "modeguard",
			"workflowId": req.WorkflowID,
			"sessionId":  sessionID,
			"phaseId":    req.PhaseID,
			"createdAt":  now.Format(time.RFC3339Nano),
			"updatedAt":  now.Format(time.RFC3339Nano),
		},
	}
	if err := s.createTask(sessionID, ct, next); err != nil {
		return nil, errors.NewStoreError("create task", err)
	}

	for _, dep := range req.DependsOn {
		parent := byID[dep]
		parent.Blocks = append(parent.Blocks, ct.ID)
		if err := s.writeTask(sessionID, parent); err != nil {
			return nil, errors.NewStoreError("create task", err)
		}
	}

	return toTask(sessionID, ct, now), nil
}

// GetTask implements TaskStore.
func (s *ClaudeStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewStoreError("get task", err)
	}
	sessionID, ct, modTime, err := s.find(id)
	if err != nil {
		return nil, err
	}
	return toTask(sessionID, ct, modTime), nil
}

// TaskStatus implements TaskStore.
func (s *ClaudeStore) TaskStatus(ctx context.Context, id string) (models.TaskStatus, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return "", err
	}
	return t.Status, nil
}

// ListTasks implements TaskStore.
func (s *ClaudeStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error) {
	sessions, err := s.sessionsFor(filter.SessionID)
	if err != nil {
		return nil, errors.NewStoreError("list tasks", err)
	}

	var out []*models.Task
	for _, sessionID := range sessions {
		if err := ctx.Err(); err != nil {
			return nil, errors.NewStoreError("list tasks", err)
		}
		cts, err := s.readSession(sessionID)
		if err != nil {
			return nil, errors.NewStoreError("list tasks", err)
		}
		for _, ct := range cts {
			t := toTask(sessionID, ct, time.Time{})
			if matches(t, filter) {
				out = append(out, t)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return lessNumeric(out[i].ID, out[j].ID)
	})
	return out, nil
}

// UpdateTaskStatus implements TaskStore.
func (s *ClaudeStore) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) (*models.Task, error) {
	if err := validStatus(status); err != nil {
		return nil, errors.NewStoreError("update task", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.NewStoreError("update task", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID, ct, _, err := s.find(id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	ct.Status = toClaudeStatus(status)
	if ct.Metadata == nil {
		ct.Metadata = map[string]any{}
	}
	ct.Metadata["updatedAt"] = now.Format(time.RFC3339Nano)
	if status == models.TaskStatusClosed {
		ct.Metadata["closedAt"] = now.Format(time.RFC3339Nano)
	} else {
		delete(ct.Metadata, "closedAt")
	}

	if err := s.writeTask(sessionID, ct); err != nil {
		return nil, errors.NewStoreError("update task", err)
	}
	return toTask(sessionID, ct, now), nil
}

// find locates a task by id in the scoped session, or in any session when
// the store is unscoped.
func (s *ClaudeStore) find(id string) (string, *claudeTask, time.Time, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", nil, time.Time{}, errors.NewNotFoundError("task", id)
	}
	sessions, err := s.sessionsFor("")
	if err != nil {
		return "", nil, time.Time{}, errors.NewStoreError("get task", err)
	}
	for _, sessionID := range sessions {
		p := filepath.Join(s.sessionDir(sessionID), id+".json")
		ct, info, err := readClaudeTask(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return "", nil, time.Time{}, errors.NewStoreError("get task", err)
		}
		return sessionID, ct, info.ModTime(), nil
	}
	return "", nil, time.Time{}, errors.NewNotFoundError("task", id)
}

func (s *ClaudeStore) sessionsFor(sessionID string) ([]string, error) {
	if sessionID == "" {
		sessionID = s.sessionID
	}
	if sessionID != "" {
		return []string{sessionID}, nil
	}
	entries, err := os.ReadDir(s.tasksDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func (s *ClaudeStore) readSession(sessionID string) ([]*claudeTask, error) {
	dir := s.sessionDir(sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []*claudeTask
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		ct, _, err := readClaudeTask(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, ct)
	}
	return out, nil
}

func readClaudeTask(path string) (*claudeTask, os.FileInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, err
	}
	var ct claudeTask
	if err := json.Unmarshal(data, &ct); err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if ct.ID == "" {
		ct.ID = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	return &ct, info, nil
}

// maxCreateAttempts bounds the id retries when another writer (another
// modeguard process or Claude Code itself) takes the id we picked.
const maxCreateAttempts = 64

// createTask writes ct under the first free id starting at next. The file is
// staged under a unique temp name and linked into place, which fails if the
// id already exists, so a concurrent writer's task is never overwritten.
func (s *ClaudeStore) createTask(sessionID string, ct *claudeTask, next int) error {
	dir := s.sessionDir(sessionID)
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		ct.ID = strconv.Itoa(next + attempt)
		tmp, err := s.stage(dir, ct)
		if err != nil {
			return err
		}
		err = os.Link(tmp, filepath.Join(dir, ct.ID+".json"))
		_ = os.Remove(tmp)
		if err == nil {
			return nil
		}
		if !os.IsExist(err) {
			return err
		}
	}
	return fmt.Errorf("no free task id after %d attempts starting at %d", maxCreateAttempts, next)
}

func (s *ClaudeStore) writeTask(sessionID string, ct *claudeTask) error {
	dir := s.sessionDir(sessionID)
	tmp, err := s.stage(dir, ct)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(dir, ct.ID+".json")); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// stage writes ct to a uniquely named temp file in dir. Temp names do not
// end in .json, so readers skip them.
func (s *ClaudeStore) stage(dir string, ct *claudeTask) (string, error) {
	data, err := json.MarshalIndent(ct, "", "  ")
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, "."+ct.ID+".*.tmp")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func toTask(sessionID string, ct *claudeTask, fallback time.Time) *models.Task {
	t := &models.Task{
		ID:          ct.ID,
		SessionID:   sessionID,
		Title:       ct.Subject,
		Description: ct.Description,
		Status:      fromClaudeStatus(ct.Status),
		DependsOn:   append([]string(nil), ct.BlockedBy...),
		CreatedAt:   fallback,
		UpdatedAt:   fallback,
	}
	if len(t.DependsOn) == 0 {
		t.DependsOn = nil
	}
	t.WorkflowID = metaString(ct.Metadata, "workflowId")
	t.PhaseID = metaString(ct.Metadata, "phaseId")
	if ts, ok := metaTime(ct.Metadata, "createdAt"); ok {
		t.CreatedAt = ts
	}
	if ts, ok := metaTime(ct.Metadata, "updatedAt"); ok {
		t.UpdatedAt = ts
	}
	if t.Status == models.TaskStatusClosed {
		if ts, ok := metaTime(ct.Metadata, "closedAt"); ok {
			t.ClosedAt = &ts
		}
	}
	return t
}

func metaString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func metaTime(m map[string]any, key string) (time.Time, bool) {
	v := metaString(m, key)
	if v == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func lessNumeric(a, b string) bool {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}
