package hook

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/joescharf/modeguard/internal/errors"
	"github.com/joescharf/modeguard/internal/logging"
	"github.com/joescharf/modeguard/internal/models"
	"github.com/joescharf/modeguard/internal/workflow"
)

// Engine is the part of the workflow engine the dispatcher needs.
type Engine interface {
	Status(ctx context.Context, sessionID string) (*workflow.Status, error)
	CanExit(ctx context.Context, sessionID string) (*workflow.ExitReport, error)
	RefreshPhase(ctx context.Context, sessionID string) (*models.SessionState, error)
	ResolveMode(opts workflow.EnterOptions) (models.ModeDefinition, error)
}

// Dispatcher routes hook events to the engine.
type Dispatcher struct {
	Engine Engine
	Logger *slog.Logger
}

// Dispatch never returns an error: every failure becomes a decision.
// Configuration problems and corrupted state block where the event can be
// blocked; a failing task store blocks Stop but only warns elsewhere.
func (d *Dispatcher) Dispatch(ctx context.Context, p Payload) Decision {
	log := logging.WithSession(d.Logger, p.SessionID).With("event", p.HookEventName)

	if p.SessionID == "" {
		log.Warn("hook payload has no session id; allowing")
		return AllowDecision()
	}

	switch p.HookEventName {
	case EventSessionStart:
		return d.sessionStart(ctx, p, log)
	case EventUserPromptSubmit:
		return d.userPromptSubmit(ctx, p, log)
	case EventStop, EventSubagentStop:
		return d.stop(ctx, p, log)
	default:
		log.Debug("unhandled hook event; allowing")
		return AllowDecision()
	}
}

func (d *Dispatcher) sessionStart(ctx context.Context, p Payload, log *slog.Logger) Decision {
	st, err := d.Engine.Status(ctx, p.SessionID)
	if err != nil {
		if errors.IsNotFound(err) {
			return AllowDecision()
		}
		log.Error("session start: load status", "error", err)
		// SessionStart cannot be blocked; surface the problem to the agent instead.
		if errors.IsFatal(err) {
			return InjectDecision("modeguard error: " + err.Error())
		}
		return AllowDecision()
	}
	if !st.Session.Active() {
		return AllowDecision()
	}
	return InjectDecision(d.modeContext(st, log))
}

func (d *Dispatcher) userPromptSubmit(ctx context.Context, p Payload, log *slog.Logger) Decision {
	if _, err := d.Engine.RefreshPhase(ctx, p.SessionID); err != nil {
		if errors.IsFatal(err) {
			log.Error("prompt submit: refresh phase", "error", err)
			return BlockDecision(err.Error())
		}
		log.Warn("prompt submit: refresh phase", "error", err)
	}

	st, err := d.Engine.Status(ctx, p.SessionID)
	if err != nil {
		if errors.IsNotFound(err) {
			return AllowDecision()
		}
		if errors.IsFatal(err) {
			log.Error("prompt submit: load status", "error", err)
			return BlockDecision(err.Error())
		}
		log.Warn("prompt submit: load status", "error", err)
		return AllowDecision()
	}
	if !st.Session.Active() {
		return AllowDecision()
	}
	return InjectDecision(Reminder(st))
}

func (d *Dispatcher) stop(ctx context.Context, p Payload, log *slog.Logger) Decision {
	report, err := d.Engine.CanExit(ctx, p.SessionID)
	if err != nil {
		switch {
		case errors.IsNotFound(err), errors.Is(err, errors.ErrInvalidSessionID):
			log.Warn("stop: nothing to enforce", "error", err)
			return AllowDecision()
		default:
			// Fatal and store errors both block: an unreadable task list is
			// never treated as an empty one.
			log.Error("stop: evaluate exit", "error", err)
			return BlockDecision(fmt.Sprintf("modeguard could not verify that this session may end: %v", err))
		}
	}
	if report.Allowed {
		log.Debug("stop allowed", "workflow_id", report.WorkflowID)
		return AllowDecision()
	}
	log.Info("stop blocked", "workflow_id", report.WorkflowID, "open_tasks", len(report.Blocking),
		"stop_hook_active", p.StopHookActive)
	return BlockDecision(report.Message())
}

// modeContext renders the SessionStart context: mode, phase, instructions
// and the open tasks.
func (d *Dispatcher) modeContext(st *workflow.Status, log *slog.Logger) string {
	s := st.Session
	var b strings.Builder
	fmt.Fprintf(&b, "modeguard: this session is in %s mode (workflow %s)", s.Mode(), s.Workflow())
	if s.Phase() != "" {
		fmt.Fprintf(&b, ", current phase %s", s.Phase())
	}
	b.WriteString(".\n")

	if def, err := d.Engine.ResolveMode(workflow.EnterOptions{Mode: s.Mode()}); err == nil {
		if body := strings.TrimSpace(def.Body); body != "" {
			b.WriteString("\n")
			b.WriteString(body)
			b.WriteString("\n")
		}
	} else {
		log.Debug("mode instructions unavailable", "mode", s.Mode(), "error", err)
	}

	writeTaskList(&b, st)
	return b.String()
}

// Reminder renders the one-line-per-task reminder injected on each prompt.
func Reminder(st *workflow.Status) string {
	s := st.Session
	var b strings.Builder
	fmt.Fprintf(&b, "modeguard: %s mode", s.Mode())
	if s.Phase() != "" {
		fmt.Fprintf(&b, ", phase %s", s.Phase())
	}
	if st.Report.Allowed {
		b.WriteString(". All tasks are closed; run 'modeguard exit' to leave the mode.")
		return b.String()
	}
	b.WriteString(".")
	writeTaskList(&b, st)
	return b.String()
}

func writeTaskList(b *strings.Builder, st *workflow.Status) {
	r := st.Report
	if len(r.Blocking) == 0 {
		return
	}
	fmt.Fprintf(b, "\nOpen tasks (%d of %d):\n", len(r.Blocking), r.Total)
	for _, t := range r.Blocking {
		fmt.Fprintf(b, "- [%s] %s (id %s)\n", t.Status, t.Title, t.ID)
	}
	fmt.Fprintf(b, "The session cannot end until these are closed: modeguard task close <id> --session %s", st.Session.SessionID)
}
