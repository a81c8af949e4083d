package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/modeguard/internal/output"
	"github.com/joescharf/modeguard/internal/workflow"
)

var (
	enterTemplate string
	enterForce    bool
)

var enterCmd = &cobra.Command{
	Use:   "enter [mode]",
	Short: "Enter a workflow mode and create its phase tasks",
	Long: `Enter a workflow mode for the session.

One task is created per phase, wired with the phase dependencies, and the
session's Stop hook is blocked until all of them are closed. Use --template
to enter an ad-hoc mode from a template file instead of a named mode.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := workflow.EnterOptions{TemplatePath: enterTemplate, Force: enterForce}
		if len(args) == 1 {
			opts.Mode = args[0]
		}
		if opts.Mode == "" && opts.TemplatePath == "" {
			return fmt.Errorf("mode name or --template is required (see 'modeguard mode list')")
		}
		sid, err := resolveSession()
		if err != nil {
			return err
		}
		return enterRun(sid, opts)
	},
}

func init() {
	enterCmd.Flags().StringVarP(&enterTemplate, "template", "t", "", "Enter an ad-hoc mode from a template file")
	enterCmd.Flags().BoolVarP(&enterForce, "force", "f", false, "Switch modes even if the current workflow has open tasks")
	rootCmd.AddCommand(enterCmd)
}

func enterRun(sessionID string, opts workflow.EnterOptions) error {
	eng, err := getEngine(sessionID)
	if err != nil {
		return err
	}
	ctx := context.Background()

	if dryRun {
		def, err := eng.ResolveMode(opts)
		if err != nil {
			return err
		}
		ui.DryRunMsg("Would enter %s mode for session %s with %d task(s)", def.ID, sessionID, len(def.Phases))
		return nil
	}

	m, err := eng.Enter(ctx, sessionID, opts)
	if err != nil {
		if workflow.IsBlocked(err) {
			return fmt.Errorf("%w\nUse --force to switch modes anyway", err)
		}
		return err
	}

	ui.Success("Entered %s mode (workflow %s)", output.Cyan(m.Mode.ID), m.WorkflowID)
	fmt.Fprintln(ui.Out)

	table := ui.Table([]string{"Task", "Phase", "Title", "Depends On", "Status"})
	for _, phase := range m.Order {
		t, err := eng.Tasks.ForSession(sessionID).GetTask(ctx, m.TaskIDs[phase])
		if err != nil {
			return fmt.Errorf("load task for phase %s: %w", phase, err)
		}
		deps := "-"
		if len(t.DependsOn) > 0 {
			deps = joinIDs(t.DependsOn)
		}
		_ = table.Append([]string{t.ID, t.PhaseID, t.Title, deps, output.StatusColor(string(t.Status))})
	}
	table.Render()

	fmt.Fprintln(ui.Out)
	ui.Info("Close tasks with: modeguard task close <id> --session %s", sessionID)
	return nil
}
