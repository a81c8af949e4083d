package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/joescharf/modeguard/internal/errors"
	"github.com/joescharf/modeguard/internal/logging"
	"github.com/joescharf/modeguard/internal/models"
	"github.com/joescharf/modeguard/internal/modes"
	"github.com/joescharf/modeguard/internal/session"
	"github.com/joescharf/modeguard/internal/store"
)

// ModeResolver looks up merged mode definitions by id.
type ModeResolver interface {
	Resolve(name string) (models.ModeDefinition, error)
}

// Engine ties the mode store, session store and task store together. Every
// call takes the session id explicitly; the engine keeps no per-session state.
type Engine struct {
	Modes    ModeResolver
	Sessions session.Store
	Tasks    store.TaskStore
	Logger   *slog.Logger
	Now      func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) log(sessionID string) *slog.Logger {
	return logging.WithSession(e.Logger, sessionID)
}

func (e *Engine) evaluator() *Evaluator {
	return &Evaluator{Sessions: e.Sessions, Tasks: e.Tasks}
}

// EnterOptions controls mode entry.
type EnterOptions struct {
	Mode string
	// TemplatePath enters an ad-hoc mode parsed from this file instead of Mode.
	TemplatePath string
	// Force switches modes even when the current workflow has open tasks.
	Force bool
}

// Status is a snapshot of a session for display.
type Status struct {
	Session *models.SessionState `json:"session"`
	Tasks   []*models.Task       `json:"tasks"`
	Report  *ExitReport          `json:"exit"`
}

// Init creates the session record if it does not exist. Calling it again
// leaves an existing record's mode untouched.
func (e *Engine) Init(ctx context.Context, sessionID string) (*models.SessionState, error) {
	state, err := e.Sessions.Save(ctx, sessionID, func(s *models.SessionState) (*models.SessionState, error) {
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	e.log(sessionID).Debug("session initialized")
	return state, nil
}

// ResolveMode returns the definition EnterOptions refers to.
func (e *Engine) ResolveMode(opts EnterOptions) (models.ModeDefinition, error) {
	if opts.TemplatePath != "" {
		return modes.ResolveTemplate(opts.TemplatePath)
	}
	if opts.Mode == "" {
		return models.ModeDefinition{}, errors.New("mode name or template path is required")
	}
	return e.Modes.Resolve(opts.Mode)
}

// Enter resolves the mode, creates its tasks and records the entry. Entering
// while the current workflow still has open tasks requires Force.
func (e *Engine) Enter(ctx context.Context, sessionID string, opts EnterOptions) (*Materialized, error) {
	if err := session.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	// Load first: a corrupted record must stop us before any task is created.
	state, err := e.Sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	def, err := e.ResolveMode(opts)
	if err != nil {
		return nil, err
	}

	if state != nil && state.Workflow() != "" && !opts.Force {
		report, err := e.evaluator().evaluate(ctx, state)
		if err != nil {
			return nil, err
		}
		if !report.Allowed {
			return nil, &BlockedError{Report: report}
		}
	}

	f := &Factory{Tasks: e.Tasks, Sessions: e.Sessions, Now: e.Now}
	m, err := f.Materialize(ctx, sessionID, def)
	if err != nil {
		e.log(sessionID).Error("enter mode failed", "mode", def.ID, "error", err)
		return nil, err
	}
	e.log(sessionID).Info("entered mode", "mode", def.ID, "workflow_id", m.WorkflowID, "tasks", len(m.TaskIDs))
	return m, nil
}

// Status returns the session record, its workflow's tasks and the exit report.
// A missing record is reported as NotFoundError.
func (e *Engine) Status(ctx context.Context, sessionID string) (*Status, error) {
	state, err := e.Sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, errors.NewNotFoundError("session", sessionID)
	}

	st := &Status{
		Session: state,
		Tasks:   []*models.Task{},
		Report:  &ExitReport{SessionID: sessionID, Allowed: true, Blocking: []models.TaskSummary{}},
	}
	if state.Workflow() == "" {
		return st, nil
	}

	tasks, err := e.Tasks.ListTasks(ctx, store.TaskFilter{WorkflowID: state.Workflow()})
	if err != nil {
		return nil, err
	}
	st.Tasks = tasks
	st.Report = buildReport(state, tasks)
	return st, nil
}

// CanExit evaluates exit readiness without side effects.
func (e *Engine) CanExit(ctx context.Context, sessionID string) (*ExitReport, error) {
	return e.evaluator().CanExit(ctx, sessionID)
}

// Exit leaves the active mode: the open history entry is closed and the
// current mode cleared. Without force, open tasks block with a BlockedError.
// Tasks are never modified.
func (e *Engine) Exit(ctx context.Context, sessionID string, force bool) (*ExitReport, error) {
	report, err := e.CanExit(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if report.WorkflowID == "" {
		return report, nil
	}
	if !report.Allowed && !force {
		return report, &BlockedError{Report: report}
	}

	now := e.now()
	_, err = e.Sessions.Save(ctx, sessionID, func(s *models.SessionState) (*models.SessionState, error) {
		s.CloseHistory(now)
		s.ClearMode()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	e.log(sessionID).Info("exited mode", "mode", report.Mode, "workflow_id", report.WorkflowID,
		"forced", !report.Allowed, "open_tasks", len(report.Blocking))
	return report, nil
}

// Teardown removes the session record. Tasks stay in the task store.
func (e *Engine) Teardown(ctx context.Context, sessionID string) error {
	if err := e.Sessions.Delete(ctx, sessionID); err != nil {
		return err
	}
	e.log(sessionID).Info("session torn down")
	return nil
}

// TeardownAll removes every session record, including ones that can no
// longer be parsed, and returns how many were removed.
func (e *Engine) TeardownAll(ctx context.Context) (int, error) {
	ids, err := e.Sessions.IDs(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if err := e.Teardown(ctx, id); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// RefreshPhase moves currentPhase to the phase of the first task, in
// creation order, that is not closed. When every task is closed the phase is
// left as it was. The record is only written when the phase changes.
func (e *Engine) RefreshPhase(ctx context.Context, sessionID string) (*models.SessionState, error) {
	state, err := e.Sessions.Load(ctx, sessionID)
	if err != nil || state == nil || state.Workflow() == "" {
		return state, err
	}

	tasks, err := e.Tasks.ListTasks(ctx, store.TaskFilter{WorkflowID: state.Workflow()})
	if err != nil {
		return nil, err
	}
	next := ""
	for _, t := range tasks {
		if !t.Closed() {
			next = t.PhaseID
			break
		}
	}
	if next == "" || next == state.Phase() {
		return state, nil
	}

	workflowID := state.Workflow()
	updated, err := e.Sessions.Save(ctx, sessionID, func(s *models.SessionState) (*models.SessionState, error) {
		// Another invocation may have switched modes since we loaded.
		if s.Workflow() != workflowID {
			return s, nil
		}
		s.CurrentPhase = models.StringPtr(next)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	e.log(sessionID).Debug("phase advanced", "workflow_id", workflowID, "phase", next)
	return updated, nil
}

// ListTasks lists tasks in the task store.
func (e *Engine) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*models.Task, error) {
	return e.Tasks.ListTasks(ctx, filter)
}

// UpdateTask sets a task's status. A non-empty sessionID resolves taskID
// within that session, and a task that belongs to another session is
// reported as not found.
func (e *Engine) UpdateTask(ctx context.Context, sessionID, taskID string, status models.TaskStatus) (*models.Task, error) {
	tasks := e.Tasks
	if sessionID != "" {
		tasks = e.Tasks.ForSession(sessionID)
		t, err := tasks.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if t.SessionID != sessionID {
			return nil, fmt.Errorf("task %s belongs to session %s: %w", taskID, t.SessionID, errors.NewNotFoundError("task", taskID))
		}
	}

	t, err := tasks.UpdateTaskStatus(ctx, taskID, status)
	if err != nil {
		return nil, err
	}
	e.log(t.SessionID).Info("task updated", "task_id", t.ID, "workflow_id", t.WorkflowID, "status", string(t.Status))
	return t, nil
}
