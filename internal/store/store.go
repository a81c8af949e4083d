package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/joescharf/modeguard/internal/models"
)

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendClaude = "claude"
)

// CreateTaskRequest describes a task to create for one workflow phase.
type CreateTaskRequest struct {
	WorkflowID  string
	SessionID   string
	PhaseID     string
	Title       string
	Description string
	DependsOn   []string // concrete task ids
}

// TaskFilter specifies filters for listing tasks. Empty fields match all.
type TaskFilter struct {
	WorkflowID string
	SessionID  string
	Status     models.TaskStatus
}

// TaskStore is the external task tracker modeguard creates workflow tasks in.
// Missing tasks are reported as NotFoundError; backend failures as StoreError.
type TaskStore interface {
	CreateTask(ctx context.Context, req CreateTaskRequest) (*models.Task, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	TaskStatus(ctx context.Context, id string) (models.TaskStatus, error)
	// ListTasks returns tasks in creation order.
	ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) (*models.Task, error)
	// ForSession returns a view that resolves task ids within sessionID.
	// Backends with globally unique ids return themselves.
	ForSession(sessionID string) TaskStore
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend   string
	DBPath    string
	ClaudeDir string
	// SessionID scopes the claude backend, whose task ids are per session.
	SessionID string
}

// Open creates the configured backend. The sqlite backend is migrated before
// it is returned.
func Open(ctx context.Context, opts Options) (TaskStore, error) {
	switch strings.ToLower(opts.Backend) {
	case "", BackendSQLite:
		s, err := NewSQLiteStore(opts.DBPath)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	case BackendClaude:
		return NewClaudeStore(opts.ClaudeDir, opts.SessionID), nil
	default:
		return nil, fmt.Errorf("unknown task backend %q (want %s or %s)", opts.Backend, BackendSQLite, BackendClaude)
	}
}

// validStatus accepts only the canonical status names; aliases are resolved
// by models.ParseTaskStatus at the edges.
func validStatus(status models.TaskStatus) error {
	switch status {
	case models.TaskStatusOpen, models.TaskStatusInProgress, models.TaskStatusClosed:
		return nil
	}
	return fmt.Errorf("invalid status %q", status)
}

func matches(t *models.Task, f TaskFilter) bool {
	if f.WorkflowID != "" && t.WorkflowID != f.WorkflowID {
		return false
	}
	if f.SessionID != "" && t.SessionID != f.SessionID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	return true
}
