package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/joescharf/modeguard/internal/errors"
	"github.com/joescharf/modeguard/internal/models"
	"github.com/joescharf/modeguard/internal/session"
	"github.com/joescharf/modeguard/internal/store"
	"github.com/joescharf/modeguard/internal/template"
)

// Materialized is the result of entering a mode.
type Materialized struct {
	WorkflowID string
	Mode       models.ModeDefinition
	TaskIDs    map[string]string // phase id -> task id
	Order      []string          // phase ids in creation order
	State      *models.SessionState
}

// MaterializeError reports a task creation failure part way through a
// workflow. Tasks already created are left in place; the session record is
// not touched.
type MaterializeError struct {
	WorkflowID  string
	Created     map[string]string // phase id -> task id
	FailedPhase string
	Pending     []string
	Err         error
}

func (e *MaterializeError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "workflow %s: create task for phase %s: %v", e.WorkflowID, e.FailedPhase, e.Err)
	if len(e.Created) > 0 {
		phases := make([]string, 0, len(e.Created))
		for p := range e.Created {
			phases = append(phases, p)
		}
		sort.Strings(phases)
		b.WriteString("; already created:")
		for _, p := range phases {
			fmt.Fprintf(&b, " %s=%s", p, e.Created[p])
		}
	}
	if len(e.Pending) > 0 {
		fmt.Fprintf(&b, "; not created: %s", strings.Join(e.Pending, ", "))
	}
	return b.String()
}

func (e *MaterializeError) Unwrap() error { return e.Err }

func (e *MaterializeError) Is(target error) bool { return target == errors.ErrStore }

// Factory creates the tasks for a mode entry and records the entry in the
// session state.
type Factory struct {
	Tasks    store.TaskStore
	Sessions session.Store
	Now      func() time.Time
}

func (f *Factory) now() time.Time {
	if f.Now != nil {
		return f.Now().UTC()
	}
	return time.Now().UTC()
}

// Materialize creates one task per phase in dependency order, wiring each
// task's dependencies to the concrete ids of the tasks created before it,
// then saves the session as having entered the mode.
func (f *Factory) Materialize(ctx context.Context, sessionID string, mode models.ModeDefinition) (*Materialized, error) {
	ordered, err := template.TopologicalOrder(mode.Phases)
	if err != nil {
		return nil, errors.NewConfigError("mode "+mode.ID, "order phases", err)
	}
	first, ok := template.FirstReady(mode.Phases, nil)
	if !ok {
		return nil, errors.NewConfigError("mode "+mode.ID, "order phases", errors.New("no phase without dependencies"))
	}

	now := f.now()
	workflowID := NewWorkflowID(mode.ID, now)
	created := make(map[string]string, len(ordered))
	order := make([]string, 0, len(ordered))

	for i, p := range ordered {
		deps := make([]string, 0, len(p.TaskConfig.DependsOn))
		for _, d := range p.TaskConfig.DependsOn {
			deps = append(deps, created[d])
		}

		task, err := f.Tasks.CreateTask(ctx, store.CreateTaskRequest{
			WorkflowID:  workflowID,
			SessionID:   sessionID,
			PhaseID:     p.ID,
			Title:       p.TaskConfig.Title,
			Description: p.TaskConfig.Description,
			DependsOn:   deps,
		})
		if err != nil {
			pending := make([]string, 0, len(ordered)-i-1)
			for _, rest := range ordered[i+1:] {
				pending = append(pending, rest.ID)
			}
			return nil, &MaterializeError{
				WorkflowID:  workflowID,
				Created:     created,
				FailedPhase: p.ID,
				Pending:     pending,
				Err:         err,
			}
		}
		created[p.ID] = task.ID
		order = append(order, p.ID)
	}

	state, err := f.Sessions.Save(ctx, sessionID, func(s *models.SessionState) (*models.SessionState, error) {
		s.CloseHistory(now)
		s.CurrentMode = models.StringPtr(mode.ID)
		s.WorkflowID = models.StringPtr(workflowID)
		s.CurrentPhase = models.StringPtr(first.ID)
		s.Tasks = make(map[string]string, len(created))
		for k, v := range created {
			s.Tasks[k] = v
		}
		s.ModeHistory = append(s.ModeHistory, models.ModeHistoryEntry{
			Mode:       mode.ID,
			WorkflowID: workflowID,
			EnteredAt:  now,
		})
		return s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("workflow %s: tasks created but session not saved: %w", workflowID, err)
	}

	return &Materialized{
		WorkflowID: workflowID,
		Mode:       mode,
		TaskIDs:    created,
		Order:      order,
		State:      state,
	}, nil
}
