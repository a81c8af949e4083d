package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/modeguard/internal/llm"
	"github.com/joescharf/modeguard/internal/models"
	"github.com/joescharf/modeguard/internal/modes"
	"github.com/joescharf/modeguard/internal/output"
	tmpl "github.com/joescharf/modeguard/internal/template"
)

var (
	modeDraftOut   string
	modeDraftID    string
	modeDraftLike  string
	modeDraftForce bool
)

var modeCmd = &cobra.Command{
	Use:   "mode",
	Short: "Inspect, validate and draft mode definitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return modeListRun()
	},
}

var modeListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List built-in and project modes",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return modeListRun()
	},
}

var modeShowCmd = &cobra.Command{
	Use:   "show <mode>",
	Short: "Show a mode's phases, dependencies and instructions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return modeShowRun(args[0])
	},
}

var modeValidateCmd = &cobra.Command{
	Use:   "validate <path>",
	Short: "Parse and validate a template document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return modeValidateRun(args[0])
	},
}

var modeDraftCmd = &cobra.Command{
	Use:   "draft <description>",
	Short: "Draft a template from a description using the Anthropic API",
	Long: `Draft a mode template from a plain-language description.

The generated document is parsed and validated before it is written; an
invalid draft is reported and nothing is written. Requires anthropic.api_key
in config or ANTHROPIC_API_KEY. Enter the result with
'modeguard enter --template <path>'.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return modeDraftRun(cmd.Context(), strings.Join(args, " "))
	},
}

func init() {
	modeDraftCmd.Flags().StringVarP(&modeDraftOut, "output", "o", "", "Write the template to this file (default: stdout)")
	modeDraftCmd.Flags().StringVar(&modeDraftID, "id", "", "Mode id the template should use")
	modeDraftCmd.Flags().StringVar(&modeDraftLike, "like", "", "Existing mode to show the model as an example")
	modeDraftCmd.Flags().BoolVar(&modeDraftForce, "force", false, "Overwrite an existing output file")

	modeCmd.AddCommand(modeListCmd)
	modeCmd.AddCommand(modeShowCmd)
	modeCmd.AddCommand(modeValidateCmd)
	modeCmd.AddCommand(modeDraftCmd)
	rootCmd.AddCommand(modeCmd)
}

func modeStore() *modes.Store {
	return modes.NewStore(overrideFile())
}

func modeListRun() error {
	defs, err := modeStore().List()
	if err != nil {
		return err
	}

	table := ui.Table([]string{"Mode", "Name", "Source", "Phases", "Description"})
	for _, d := range defs {
		_ = table.Append([]string{
			d.ID,
			d.DisplayName(),
			output.SourceColor(string(d.Source)),
			strings.Join(d.PhaseIDs(), ", "),
			d.Description,
		})
	}
	table.Render()
	return nil
}

func modeShowRun(name string) error {
	def, err := modeStore().Resolve(name)
	if err != nil {
		return err
	}
	return printDefinition(def)
}

func printDefinition(def models.ModeDefinition) error {
	fmt.Fprintf(ui.Out, "Mode:   %s (%s)\n", output.Cyan(def.ID), def.DisplayName())
	fmt.Fprintf(ui.Out, "Source: %s", output.SourceColor(string(def.Source)))
	if def.Path != "" {
		fmt.Fprintf(ui.Out, "  %s", def.Path)
	}
	fmt.Fprintln(ui.Out)
	if def.Description != "" {
		fmt.Fprintf(ui.Out, "        %s\n", def.Description)
	}
	fmt.Fprintln(ui.Out)

	ordered, err := tmpl.TopologicalOrder(def.Phases)
	if err != nil {
		return err
	}
	table := ui.Table([]string{"#", "Phase", "Task Title", "Depends On"})
	for i, p := range ordered {
		deps := "-"
		if len(p.TaskConfig.DependsOn) > 0 {
			deps = joinIDs(p.TaskConfig.DependsOn)
		}
		_ = table.Append([]string{fmt.Sprintf("%d", i+1), p.ID, p.TaskConfig.Title, deps})
	}
	table.Render()

	if body := strings.TrimSpace(def.Body); body != "" {
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, body)
	}
	return nil
}

func modeValidateRun(path string) error {
	t, err := tmpl.ParseFile(path)
	if err != nil {
		return err
	}
	ui.Success("%s is a valid template for mode %s (%d phases)", path, t.Metadata.ID, len(t.Phases))
	if verbose {
		fmt.Fprintln(ui.Out)
		return printDefinition(t.Definition(models.ModeSourceAdhoc, path))
	}
	return nil
}

func modeDraftRun(ctx context.Context, description string) error {
	client := newLLMClient()
	if client == nil {
		return fmt.Errorf("no Anthropic API key: set anthropic.api_key in config or ANTHROPIC_API_KEY")
	}

	req := llm.DraftRequest{Description: description, ModeID: modeDraftID}
	if modeDraftLike != "" {
		example, err := modeStore().Resolve(modeDraftLike)
		if err != nil {
			return err
		}
		req.Example = &example
	}

	if modeDraftOut != "" && !modeDraftForce {
		if _, err := os.Stat(modeDraftOut); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", modeDraftOut)
		}
	}

	ui.VerboseLog("Drafting template with %s", modeDraftModel())
	draft, err := client.DraftTemplate(ctx, req)
	if err != nil {
		return err
	}
	getLogger().Info("template drafted", "mode", draft.Template.Metadata.ID, "phases", len(draft.Template.Phases))

	if modeDraftOut == "" {
		_, err := ui.Out.Write(draft.Document)
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would write %s", modeDraftOut)
		_, err := ui.Out.Write(draft.Document)
		return err
	}
	if err := os.WriteFile(modeDraftOut, draft.Document, 0o644); err != nil {
		return fmt.Errorf("write template: %w", err)
	}
	ui.Success("Wrote %s (mode %s, %d phases)", modeDraftOut, draft.Template.Metadata.ID, len(draft.Template.Phases))
	ui.Info("Enter it with: modeguard enter --template %s --session <id>", modeDraftOut)
	return nil
}
