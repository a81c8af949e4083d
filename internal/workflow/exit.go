package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/joescharf/modeguard/internal/errors"
	"github.com/joescharf/modeguard/internal/models"
	"github.com/joescharf/modeguard/internal/session"
	"github.com/joescharf/modeguard/internal/store"
)

// ExitReport explains whether a session may end and, if not, which tasks
// are in the way.
type ExitReport struct {
	SessionID  string               `json:"sessionId"`
	Mode       string               `json:"mode,omitempty"`
	WorkflowID string               `json:"workflowId,omitempty"`
	Allowed    bool                 `json:"allowed"`
	Blocking   []models.TaskSummary `json:"blocking"`
	Total      int                  `json:"total"`
	Closed     int                  `json:"closed"`
}

// Message renders the report for an agent or a terminal.
func (r *ExitReport) Message() string {
	if r.WorkflowID == "" {
		return "No active mode; nothing blocks exit."
	}
	if r.Allowed {
		return fmt.Sprintf("All %d task(s) for %s mode (workflow %s) are closed; exit allowed.", r.Total, r.Mode, r.WorkflowID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Cannot exit %s mode: %d of %d task(s) for workflow %s are not closed:\n",
		r.Mode, len(r.Blocking), r.Total, r.WorkflowID)
	for _, t := range r.Blocking {
		fmt.Fprintf(&b, "  - [%s] %s (id %s)\n", t.Status, t.Title, t.ID)
	}
	b.WriteString("Close them with 'modeguard task close <id>' or leave the mode with 'modeguard exit --force'.")
	return b.String()
}

// BlockedError is returned when an operation requires an exitable session.
type BlockedError struct {
	Report *ExitReport
}

func (e *BlockedError) Error() string { return e.Report.Message() }

// IsBlocked reports whether err is a BlockedError.
func IsBlocked(err error) bool {
	var be *BlockedError
	return errors.As(err, &be)
}

// Evaluator answers whether a session's active workflow is complete. It is
// read-only.
type Evaluator struct {
	Sessions session.Store
	Tasks    store.TaskStore
}

// CanExit loads the session and lists the tasks tagged with its workflow id.
// Every task that is not closed blocks, in creation order. A session with no
// record or no active workflow is allowed to exit.
func (e *Evaluator) CanExit(ctx context.Context, sessionID string) (*ExitReport, error) {
	state, err := e.Sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	report := &ExitReport{SessionID: sessionID, Allowed: true, Blocking: []models.TaskSummary{}}
	if state == nil || state.Workflow() == "" {
		return report, nil
	}
	return e.evaluate(ctx, state)
}

func (e *Evaluator) evaluate(ctx context.Context, state *models.SessionState) (*ExitReport, error) {
	tasks, err := e.Tasks.ListTasks(ctx, store.TaskFilter{WorkflowID: state.Workflow()})
	if err != nil {
		if errors.IsStore(err) {
			return nil, err
		}
		return nil, errors.NewStoreError("list tasks", err)
	}
	return buildReport(state, tasks), nil
}

// buildReport counts the workflow's tasks. A task recorded in the session
// but absent from the store (a recreated database, a cleaned task directory)
// blocks as missing: an empty listing never means the work is done.
func buildReport(state *models.SessionState, tasks []*models.Task) *ExitReport {
	report := &ExitReport{
		SessionID:  state.SessionID,
		Mode:       state.Mode(),
		WorkflowID: state.Workflow(),
		Blocking:   []models.TaskSummary{},
	}
	listed := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		listed[t.ID] = true
		if t.Closed() {
			report.Closed++
			continue
		}
		report.Blocking = append(report.Blocking, t.Summary())
	}

	phases := make([]string, 0, len(state.Tasks))
	for phase, id := range state.Tasks {
		if !listed[id] {
			phases = append(phases, phase)
		}
	}
	sort.Strings(phases)
	for _, phase := range phases {
		report.Blocking = append(report.Blocking, models.TaskSummary{
			ID:      state.Tasks[phase],
			Title:   "phase " + phase + " (not found in the task store)",
			Status:  models.TaskStatusMissing,
			PhaseID: phase,
		})
	}

	report.Total = len(tasks) + len(phases)
	report.Allowed = len(report.Blocking) == 0
	return report
}
