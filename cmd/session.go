package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/modeguard/internal/output"
)

var teardownAll bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the session record and state directories",
	Long: `Create the session record (with no mode) and the state directories.

Safe to run repeatedly: an existing record keeps its mode and history.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sid, err := resolveSession()
		if err != nil {
			return err
		}
		return initRun(sid)
	},
}

var teardownCmd = &cobra.Command{
	Use:   "teardown",
	Short: "Remove the session record (tasks are kept)",
	Long: `Remove the session record so the session starts fresh.

This is also the way out of a corrupted record. Tasks stay in the task
store. With --all, every session record in the state directory is removed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if teardownAll {
			return teardownAllRun()
		}
		sid, err := resolveSession()
		if err != nil {
			return err
		}
		return teardownRun(sid)
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List known session records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsRun()
	},
}

func init() {
	teardownCmd.Flags().BoolVar(&teardownAll, "all", false, "Remove every session record")
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(teardownCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func initRun(sessionID string) error {
	if dryRun {
		ui.DryRunMsg("Would create session record %s in %s", sessionID, sessionsDir())
		return nil
	}
	eng, err := getEngine(sessionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(stateDir(), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	st, err := eng.Init(context.Background(), sessionID)
	if err != nil {
		return err
	}
	if st.Active() {
		ui.Info("Session %s already in %s mode", sessionID, st.Mode())
		return nil
	}
	ui.Success("Session %s initialized", sessionID)
	return nil
}

func teardownRun(sessionID string) error {
	if dryRun {
		ui.DryRunMsg("Would remove session record %s", sessionID)
		return nil
	}
	eng, err := getEngine(sessionID)
	if err != nil {
		return err
	}
	if err := eng.Teardown(context.Background(), sessionID); err != nil {
		return err
	}
	ui.Success("Session %s torn down", sessionID)
	return nil
}

func teardownAllRun() error {
	if dryRun {
		ui.DryRunMsg("Would remove every session record in %s", sessionsDir())
		return nil
	}
	eng, err := getEngine("")
	if err != nil {
		return err
	}
	n, err := eng.TeardownAll(context.Background())
	if err != nil {
		return fmt.Errorf("removed %d session record(s) before failing: %w", n, err)
	}
	ui.Success("Removed %d session record(s)", n)
	return nil
}

func sessionsRun() error {
	eng, err := getEngine("")
	if err != nil {
		return err
	}
	states, listErr := eng.Sessions.List(context.Background())

	if len(states) == 0 && listErr == nil {
		ui.Info("No session records in %s", sessionsDir())
		return nil
	}

	table := ui.Table([]string{"Session", "Mode", "Phase", "Workflow", "Updated"})
	for _, s := range states {
		mode, phase, wf := "-", "-", "-"
		if s.Active() {
			mode, phase, wf = output.Cyan(s.Mode()), s.Phase(), s.Workflow()
		}
		_ = table.Append([]string{s.SessionID, mode, phase, wf, s.UpdatedAt.Local().Format(time.DateTime)})
	}
	table.Render()

	if listErr != nil {
		fmt.Fprintln(ui.Out)
		ui.Warning("%v", listErr)
	}
	return nil
}
