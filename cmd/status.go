package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/modeguard/internal/errors"
	"github.com/joescharf/modeguard/internal/models"
	"github.com/joescharf/modeguard/internal/output"
	"github.com/joescharf/modeguard/internal/workflow"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the session's mode, phase and tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sid, err := resolveSession()
		if err != nil {
			return err
		}
		return statusRun(sid)
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the session record, tasks and exit report as JSON")
	rootCmd.AddCommand(statusCmd)
}

func statusRun(sessionID string) error {
	eng, err := getEngine(sessionID)
	if err != nil {
		return err
	}

	st, err := eng.Status(context.Background(), sessionID)
	if errors.IsNotFound(err) {
		if statusJSON {
			return ui.JSON(map[string]any{"sessionId": sessionID, "currentMode": nil})
		}
		ui.Info("No record for session %s. Use 'modeguard enter <mode>' to start.", sessionID)
		return nil
	}
	if err != nil {
		return err
	}

	if statusJSON {
		return ui.JSON(st)
	}

	s := st.Session
	fmt.Fprintf(ui.Out, "Session:  %s\n", s.SessionID)
	if !s.Active() {
		fmt.Fprintf(ui.Out, "Mode:     %s\n", "(none)")
		printHistory(st)
		return nil
	}
	fmt.Fprintf(ui.Out, "Mode:     %s\n", output.Cyan(s.Mode()))
	fmt.Fprintf(ui.Out, "Phase:    %s\n", s.Phase())
	fmt.Fprintf(ui.Out, "Workflow: %s\n", s.Workflow())
	fmt.Fprintf(ui.Out, "Progress: %s tasks closed\n", output.ProgressColor(st.Report.Closed, st.Report.Total))
	fmt.Fprintln(ui.Out)

	printTasks(st)
	printMissing(st)
	printHistory(st)
	fmt.Fprintln(ui.Out)

	if st.Report.Allowed {
		ui.Success("All tasks closed; the session may end")
	} else {
		ui.Warning("%d task(s) open; the session cannot end yet", len(st.Report.Blocking))
	}
	return nil
}

func printTasks(st *workflow.Status) {
	if len(st.Tasks) == 0 {
		return
	}
	table := ui.Table([]string{"Task", "Phase", "Title", "Depends On", "Status"})
	for _, t := range st.Tasks {
		deps := "-"
		if len(t.DependsOn) > 0 {
			deps = joinIDs(t.DependsOn)
		}
		_ = table.Append([]string{t.ID, t.PhaseID, t.Title, deps, output.StatusColor(string(t.Status))})
	}
	table.Render()
}

// printMissing lists tasks the session recorded that the store no longer has.
func printMissing(st *workflow.Status) {
	for _, b := range st.Report.Blocking {
		if b.Status == models.TaskStatusMissing {
			ui.Warning("Task %s (phase %s) is not in the task store; use 'modeguard exit --force' to leave the mode", b.ID, b.PhaseID)
		}
	}
}

func printHistory(st *workflow.Status) {
	if !verbose || len(st.Session.ModeHistory) == 0 {
		return
	}
	fmt.Fprintln(ui.Out)
	fmt.Fprintln(ui.Out, "History:")
	for _, h := range st.Session.ModeHistory {
		exited := "active"
		if h.ExitedAt != nil {
			exited = h.ExitedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(ui.Out, "  %-16s %s  %s -> %s\n", h.Mode, h.WorkflowID, h.EnteredAt.Local().Format(time.DateTime), exited)
	}
}

func joinIDs(ids []string) string { return strings.Join(ids, ", ") }
