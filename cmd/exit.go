package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/modeguard/internal/workflow"
)

// exitCodeBlocked is returned by can-exit when open tasks remain.
const exitCodeBlocked = 2

var (
	canExitJSON bool
	exitForce   bool
)

var canExitCmd = &cobra.Command{
	Use:   "can-exit",
	Short: "Check whether the session may end (exit 0 allowed, exit 2 blocked)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sid, err := resolveSession()
		if err != nil {
			return err
		}
		return canExitRun(sid)
	},
}

var exitCmd = &cobra.Command{
	Use:   "exit",
	Short: "Leave the current mode",
	Long: `Leave the session's current mode.

Refused while any task of the workflow is open, unless --force is given.
Tasks are never modified; a forced exit leaves them open in the task store.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sid, err := resolveSession()
		if err != nil {
			return err
		}
		return exitRun(sid)
	},
}

func init() {
	canExitCmd.Flags().BoolVar(&canExitJSON, "json", false, "Print the exit report as JSON")
	exitCmd.Flags().BoolVarP(&exitForce, "force", "f", false, "Leave the mode even with open tasks")
	rootCmd.AddCommand(canExitCmd)
	rootCmd.AddCommand(exitCmd)
}

func canExitRun(sessionID string) error {
	eng, err := getEngine(sessionID)
	if err != nil {
		return err
	}
	report, err := eng.CanExit(context.Background(), sessionID)
	if err != nil {
		return err
	}

	if canExitJSON {
		if err := ui.JSON(report); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(ui.Out, report.Message())
	}
	if !report.Allowed {
		return &exitError{code: exitCodeBlocked}
	}
	return nil
}

func exitRun(sessionID string) error {
	eng, err := getEngine(sessionID)
	if err != nil {
		return err
	}

	if dryRun {
		report, err := eng.CanExit(context.Background(), sessionID)
		if err != nil {
			return err
		}
		ui.DryRunMsg("Would exit %s mode (allowed: %v)", report.Mode, report.Allowed || exitForce)
		return nil
	}

	report, err := eng.Exit(context.Background(), sessionID, exitForce)
	if err != nil {
		if workflow.IsBlocked(err) {
			return &exitError{code: exitCodeBlocked, err: fmt.Errorf("%w\nUse --force to leave the mode anyway", err)}
		}
		return err
	}
	if report.WorkflowID == "" {
		ui.Info("No active mode")
		return nil
	}
	if !report.Allowed {
		ui.Warning("Left %s mode with %d open task(s); they remain in the task store", report.Mode, len(report.Blocking))
		return nil
	}
	ui.Success("Exited %s mode (workflow %s)", report.Mode, report.WorkflowID)
	return nil
}
