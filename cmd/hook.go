package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/modeguard/internal/git"
	"github.com/joescharf/modeguard/internal/hook"
	"github.com/joescharf/modeguard/internal/logging"
)

var hookCmd = &cobra.Command{
	Use:   "hook <event>",
	Short: "Handle a Claude Code hook event (reads JSON on stdin)",
	Long: `Handle one Claude Code hook event.

The hook payload is read from stdin and the decision is written to stdout as
JSON. The exit code is always 0; Claude Code acts on the JSON decision.
Diagnostics go to the log file. Use 'modeguard hook install' for the
settings snippet that registers the hooks.`,
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		event := ""
		if len(args) == 1 {
			event = args[0]
		}
		hookRun(cmd, event)
		return nil
	},
}

var hookInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Print the Claude Code settings snippet that registers modeguard hooks",
	Long: `Print a hooks block for .claude/settings.json that routes SessionStart,
UserPromptSubmit, Stop and SubagentStop to 'modeguard hook'. Merge it into
the project's settings by hand.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := json.MarshalIndent(hookSettings(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(ui.Out, string(data))
		return nil
	},
}

func init() {
	hookCmd.AddCommand(hookInstallCmd)
	rootCmd.AddCommand(hookCmd)
}

type hookCommand struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

type hookMatcher struct {
	Hooks []hookCommand `json:"hooks"`
}

func hookSettings() map[string]any {
	hooks := make(map[string][]hookMatcher, len(hook.Events))
	for _, ev := range hook.Events {
		hooks[ev] = []hookMatcher{{Hooks: []hookCommand{{Type: "command", Command: "modeguard hook " + ev}}}}
	}
	return map[string]any{"hooks": hooks}
}

// hookRun never fails: every problem becomes a decision on stdout.
func hookRun(cmd *cobra.Command, event string) {
	p, err := hook.Decode(cmd.InOrStdin())
	if err != nil {
		getLogger().Error("hook payload unreadable; allowing", "event", event, "error", err)
		writeDecision(hook.Payload{HookEventName: event}, hook.AllowDecision())
		return
	}
	if p.HookEventName == "" {
		p.HookEventName = event
	}
	// Hooks may fire from a subdirectory; anchor state at the payload's project.
	if viper.GetString("project_dir") == "" && p.CWD != "" {
		viper.Set("project_dir", git.ProjectRoot(gitClient, p.CWD))
	}
	log := logging.WithSession(getLogger(), p.SessionID).With("event", p.HookEventName)

	eng, err := getEngine(p.SessionID)
	if err != nil {
		log.Error("hook: open engine", "error", err)
		writeDecision(p, engineFailureDecision(p, err))
		return
	}

	d := &hook.Dispatcher{Engine: eng, Logger: getLogger()}
	dec := d.Dispatch(context.Background(), p)
	log.Debug("hook decision", "action", dec.Action.String())
	writeDecision(p, dec)
}

// engineFailureDecision handles a task store that cannot be opened: Stop is
// refused since open tasks cannot be ruled out; other events only report.
func engineFailureDecision(p hook.Payload, err error) hook.Decision {
	msg := fmt.Sprintf("modeguard could not open its task store: %v", err)
	switch p.HookEventName {
	case hook.EventStop, hook.EventSubagentStop:
		if p.SessionID == "" {
			return hook.AllowDecision()
		}
		return hook.BlockDecision(msg)
	case hook.EventSessionStart:
		return hook.InjectDecision(msg)
	default:
		return hook.AllowDecision()
	}
}

func writeDecision(p hook.Payload, d hook.Decision) {
	if err := hook.Encode(ui.Out, p, d); err != nil {
		fmt.Fprintf(os.Stderr, "modeguard: write hook decision: %v\n", err)
	}
}
