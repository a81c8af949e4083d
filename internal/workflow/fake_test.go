package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/joescharf/modeguard/internal/errors"
	"github.com/joescharf/modeguard/internal/models"
	"github.com/joescharf/modeguard/internal/modes"
	"github.com/joescharf/modeguard/internal/session"
	"github.com/joescharf/modeguard/internal/store"
)

// fakeTaskStore is an in-memory store.TaskStore.
type fakeTaskStore struct {
	mu      sync.Mutex
	tasks   []*models.Task
	creates int

	failCreateAt int // 1-based create call that fails; 0 never
	listErr      error
}

func (f *fakeTaskStore) CreateTask(_ context.Context, req store.CreateTaskRequest) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.failCreateAt != 0 && f.creates == f.failCreateAt {
		return nil, errors.NewStoreError("create task", fmt.Errorf("tracker unavailable"))
	}
	t := &models.Task{
		ID:          fmt.Sprintf("t%d", len(f.tasks)+1),
		WorkflowID:  req.WorkflowID,
		SessionID:   req.SessionID,
		PhaseID:     req.PhaseID,
		Title:       req.Title,
		Description: req.Description,
		Status:      models.TaskStatusOpen,
		DependsOn:   append([]string(nil), req.DependsOn...),
		CreatedAt:   time.Now().UTC(),
	}
	f.tasks = append(f.tasks, t)
	c := *t
	return &c, nil
}

func (f *fakeTaskStore) find(id string) (*models.Task, error) {
	for _, t := range f.tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, errors.NewNotFoundError("task", id)
}

func (f *fakeTaskStore) ForSession(string) store.TaskStore { return f }

func (f *fakeTaskStore) GetTask(_ context.Context, id string) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.find(id)
	if err != nil {
		return nil, err
	}
	c := *t
	return &c, nil
}

func (f *fakeTaskStore) TaskStatus(ctx context.Context, id string) (models.TaskStatus, error) {
	t, err := f.GetTask(ctx, id)
	if err != nil {
		return "", err
	}
	return t.Status, nil
}

func (f *fakeTaskStore) ListTasks(_ context.Context, filter store.TaskFilter) ([]*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*models.Task
	for _, t := range f.tasks {
		if filter.WorkflowID != "" && t.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		c := *t
		out = append(out, &c)
	}
	return out, nil
}

func (f *fakeTaskStore) UpdateTaskStatus(_ context.Context, id string, status models.TaskStatus) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.find(id)
	if err != nil {
		return nil, err
	}
	t.Status = status
	c := *t
	return &c, nil
}

func (f *fakeTaskStore) Close() error { return nil }

// closeAll closes every task of a workflow.
func (f *fakeTaskStore) closeAll(workflowID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tasks {
		if t.WorkflowID == workflowID {
			t.Status = models.TaskStatusClosed
		}
	}
}

type testEngine struct {
	*Engine
	tasks       *fakeTaskStore
	sessions    *session.FileStore
	sessionsDir string
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	tasks := &fakeTaskStore{}
	dir := filepath.Join(t.TempDir(), "sessions")
	sessions := session.NewFileStore(dir)
	return &testEngine{
		Engine: &Engine{
			Modes:    modes.NewStore(""),
			Sessions: sessions,
			Tasks:    tasks,
		},
		tasks:       tasks,
		sessions:    sessions,
		sessionsDir: dir,
	}
}

func phase(id string, deps ...string) models.Phase {
	return models.Phase{ID: id, TaskConfig: models.TaskConfig{Title: "Task " + id, DependsOn: deps}}
}

// staticModes resolves from a fixed list.
type staticModes []models.ModeDefinition

func (s staticModes) Resolve(name string) (models.ModeDefinition, error) {
	for _, d := range s {
		if d.ID == name {
			return d, nil
		}
	}
	return models.ModeDefinition{}, errors.NewNotFoundError("mode", name)
}
