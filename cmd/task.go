package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joescharf/modeguard/internal/models"
	"github.com/joescharf/modeguard/internal/output"
	"github.com/joescharf/modeguard/internal/store"
)

var (
	taskListWorkflow string
	taskListStatus   string
	taskListAll      bool
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "List and update workflow tasks in the task store",
}

var taskListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tasks of the session's workflow",
	Long: `List tasks. By default, the tasks of the session's active workflow.
Use --workflow to pick another workflow or --all for every task in the store.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskListRun()
	},
}

var taskStartCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Mark a task in progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskSetStatusRun(args[0], models.TaskStatusInProgress)
	},
}

var taskCloseCmd = &cobra.Command{
	Use:     "close <id>",
	Aliases: []string{"done"},
	Short:   "Close a task",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskSetStatusRun(args[0], models.TaskStatusClosed)
	},
}

var taskReopenCmd = &cobra.Command{
	Use:   "reopen <id>",
	Short: "Reopen a closed task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskSetStatusRun(args[0], models.TaskStatusOpen)
	},
}

func init() {
	taskListCmd.Flags().StringVar(&taskListWorkflow, "workflow", "", "Workflow id (default: the session's active workflow)")
	taskListCmd.Flags().StringVar(&taskListStatus, "status", "", "Filter by status (open, in_progress, closed)")
	taskListCmd.Flags().BoolVar(&taskListAll, "all", false, "List every task in the store")

	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskStartCmd)
	taskCmd.AddCommand(taskCloseCmd)
	taskCmd.AddCommand(taskReopenCmd)
	rootCmd.AddCommand(taskCmd)
}

// optionalSession returns the session id if one was given; task commands
// work without it.
func optionalSession() (string, error) {
	if sessionFlag == "" && os.Getenv("MODEGUARD_SESSION_ID") == "" {
		return "", nil
	}
	return resolveSession()
}

func taskListRun() error {
	sid, err := optionalSession()
	if err != nil {
		return err
	}
	eng, err := getEngine(sid)
	if err != nil {
		return err
	}
	ctx := context.Background()

	filter := store.TaskFilter{WorkflowID: taskListWorkflow}
	if taskListStatus != "" {
		status, err := models.ParseTaskStatus(taskListStatus)
		if err != nil {
			return err
		}
		filter.Status = status
	}

	if filter.WorkflowID == "" && !taskListAll {
		if sid == "" {
			return fmt.Errorf("pass --session, --workflow or --all")
		}
		state, err := eng.Sessions.Load(ctx, sid)
		if err != nil {
			return err
		}
		if state == nil || state.Workflow() == "" {
			ui.Info("Session %s has no active workflow", sid)
			return nil
		}
		filter.WorkflowID = state.Workflow()
	}

	tasks, err := eng.ListTasks(ctx, filter)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		ui.Info("No tasks found")
		return nil
	}

	table := ui.Table([]string{"Task", "Workflow", "Phase", "Title", "Status"})
	for _, t := range tasks {
		_ = table.Append([]string{t.ID, t.WorkflowID, t.PhaseID, t.Title, output.StatusColor(string(t.Status))})
	}
	table.Render()
	return nil
}

func taskSetStatusRun(taskID string, status models.TaskStatus) error {
	sid, err := optionalSession()
	if err != nil {
		return err
	}
	eng, err := getEngine(sid)
	if err != nil {
		return err
	}
	ctx := context.Background()

	if dryRun {
		ui.DryRunMsg("Would set task %s to %s", taskID, status)
		return nil
	}

	t, err := eng.UpdateTask(ctx, sid, taskID, status)
	if err != nil {
		return err
	}
	ui.Success("Task %s (%s) is now %s", t.ID, t.Title, output.StatusColor(string(t.Status)))

	// Advance the session's phase so the next reminder is current.
	if sid == "" {
		sid = t.SessionID
	}
	if sid == "" {
		return nil
	}
	state, err := eng.RefreshPhase(ctx, sid)
	if err != nil {
		ui.Warning("Could not refresh phase for session %s: %v", sid, err)
		return nil
	}
	if state != nil && state.Workflow() == t.WorkflowID {
		report, err := eng.CanExit(ctx, sid)
		if err == nil && report.Allowed {
			ui.Info("All tasks of %s are closed; the session may end", t.WorkflowID)
		} else if err == nil {
			ui.VerboseLog("Phase %s, %d task(s) open", state.Phase(), len(report.Blocking))
		}
	}
	return nil
}
