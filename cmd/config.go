package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "modeguard"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage modeguard configuration.

Running bare 'modeguard config' is the same as 'modeguard config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# modeguard configuration
# See: modeguard config show (for effective values and sources)

# Project root; holds .modeguard/ (default: git root of the current directory)
# project_dir: {{ .ProjectDir }}

# Session records, task database and log (default: <project_dir>/.modeguard/state)
# state_dir: {{ .StateDir }}

# Mode definitions
modes:
  # Project override file (default: <project_dir>/.modeguard/modes.yaml)
  # override_file: {{ .OverrideFile }}

# Task store
tasks:
  # "sqlite" or "claude" (Claude Code's native task files)
  backend: "{{ .TasksBackend }}"

  # SQLite database path (default: <state_dir>/tasks.db)
  # db_path: {{ .DBPath }}

  # Claude Code config directory for the claude backend
  claude_dir: "{{ .ClaudeDir }}"

# Diagnostics (hooks never log to stdout)
log:
  # debug, info, warn or error
  level: "{{ .LogLevel }}"

  # Log file (default: <state_dir>/modeguard.log)
  # file: {{ .LogFile }}

# Anthropic API, used by 'modeguard mode draft'
anthropic:
  # api_key: ""   # or set ANTHROPIC_API_KEY
  model: "{{ .AnthropicModel }}"
`

type configTemplateData struct {
	ProjectDir     string
	StateDir       string
	OverrideFile   string
	TasksBackend   string
	DBPath         string
	ClaudeDir      string
	LogLevel       string
	LogFile        string
	AnthropicModel string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		ProjectDir:     projectDir(),
		StateDir:       stateDir(),
		OverrideFile:   overrideFile(),
		TasksBackend:   viper.GetString("tasks.backend"),
		DBPath:         dbPath(),
		ClaudeDir:      viper.GetString("tasks.claude_dir"),
		LogLevel:       viper.GetString("log.level"),
		LogFile:        logFile(),
		AnthropicModel: viper.GetString("anthropic.model"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "project_dir", EnvVar: "MODEGUARD_PROJECT_DIR"},
	{Key: "state_dir", EnvVar: "MODEGUARD_STATE_DIR"},
	{Key: "modes.override_file", EnvVar: "MODEGUARD_MODES_OVERRIDE_FILE"},
	{Key: "tasks.backend", EnvVar: "MODEGUARD_TASKS_BACKEND"},
	{Key: "tasks.db_path", EnvVar: "MODEGUARD_TASKS_DB_PATH"},
	{Key: "tasks.claude_dir", EnvVar: "MODEGUARD_TASKS_CLAUDE_DIR"},
	{Key: "log.level", EnvVar: "MODEGUARD_LOG_LEVEL"},
	{Key: "log.file", EnvVar: "MODEGUARD_LOG_FILE"},
	{Key: "anthropic.model", EnvVar: "MODEGUARD_ANTHROPIC_MODEL"},
}

// effectiveValue resolves keys whose defaults derive from other keys.
func effectiveValue(key string) any {
	switch key {
	case "project_dir":
		return projectDir()
	case "state_dir":
		return stateDir()
	case "modes.override_file":
		return overrideFile()
	case "tasks.db_path":
		return dbPath()
	case "log.file":
		return logFile()
	default:
		return viper.Get(key)
	}
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := effectiveValue(k.Key)
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-22s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'modeguard config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
