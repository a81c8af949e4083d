package cmd

import (
	"github.com/spf13/cobra"

	"github.com/joescharf/modeguard/internal/mcp"
	"github.com/joescharf/modeguard/internal/modes"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for Claude Code integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets the agent enter modes, inspect its tasks and close them without
shelling out. Configure in Claude Code with:

  {
    "mcpServers": {
      "modeguard": { "command": "modeguard", "args": ["mcp"] }
    }
  }

Available tools: modeguard_list_modes, modeguard_enter_mode,
modeguard_status, modeguard_can_exit, modeguard_exit_mode,
modeguard_list_tasks, modeguard_update_task

Every session-scoped tool takes the session id as an argument, so one
server can serve any session.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := getEngine("")
		if err != nil {
			return err
		}
		getLogger().Info("mcp server starting", "version", buildVersion)
		srv := mcp.NewServer(eng, modes.NewStore(overrideFile()), buildVersion)
		return srv.ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
