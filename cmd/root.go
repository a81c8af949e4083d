package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/modeguard/internal/errors"
	"github.com/joescharf/modeguard/internal/git"
	"github.com/joescharf/modeguard/internal/logging"
	"github.com/joescharf/modeguard/internal/modes"
	"github.com/joescharf/modeguard/internal/output"
	"github.com/joescharf/modeguard/internal/session"
	"github.com/joescharf/modeguard/internal/store"
	"github.com/joescharf/modeguard/internal/workflow"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	taskStore store.TaskStore
	engine    *workflow.Engine
	logger    *slog.Logger
	logClose  func() error
	gitClient git.Client = git.NewClient()

	verbose     bool
	dryRun      bool
	sessionFlag string
)

var rootCmd = &cobra.Command{
	Use:   "modeguard",
	Short: "Workflow modes with enforced exit for AI coding agents",
	Long: `modeguard puts an AI coding agent session into a named workflow mode.
Entering a mode creates one task per phase in the task store, and the
agent's Stop hook is refused until every one of those tasks is closed.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// exitError carries a process exit code other than 1. A nil err means the
// command already reported its outcome.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	err := rootCmd.Execute()
	closeDeps()
	if err == nil {
		return
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", ee.err)
		}
		os.Exit(ee.code)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/modeguard/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&sessionFlag, "session", "s", "", "Agent session id (default $MODEGUARD_SESSION_ID)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		dir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(dir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("MODEGUARD")
	viper.AutomaticEnv()

	setDefaults()

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers defaults that do not depend on other keys. Paths
// derived from project_dir or state_dir are resolved by the accessors below
// so that overriding the parent moves the children with it.
func setDefaults() {
	home, _ := os.UserHomeDir()

	viper.SetDefault("project_dir", "")
	viper.SetDefault("state_dir", "")
	viper.SetDefault("modes.override_file", "")
	viper.SetDefault("tasks.backend", store.BackendSQLite)
	viper.SetDefault("tasks.db_path", "")
	viper.SetDefault("tasks.claude_dir", filepath.Join(home, ".claude"))
	viper.SetDefault("log.level", logging.LevelInfo)
	viper.SetDefault("log.file", "")
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	// Stores are opened lazily, only when commands actually need them.
	// This allows config/version commands to run without a state dir.
}

// projectDir is the configured project_dir, else the repository root
// containing the working directory.
func projectDir() string {
	if dir := viper.GetString("project_dir"); dir != "" {
		return dir
	}
	cwd, _ := os.Getwd()
	return git.ProjectRoot(gitClient, cwd)
}

func stateDir() string {
	if dir := viper.GetString("state_dir"); dir != "" {
		return dir
	}
	return filepath.Join(projectDir(), ".modeguard", "state")
}

func sessionsDir() string { return filepath.Join(stateDir(), "sessions") }

func overrideFile() string {
	if p := viper.GetString("modes.override_file"); p != "" {
		return p
	}
	return filepath.Join(projectDir(), modes.DefaultOverrideFile)
}

func dbPath() string {
	if p := viper.GetString("tasks.db_path"); p != "" {
		return p
	}
	return filepath.Join(stateDir(), "tasks.db")
}

func logFile() string {
	if p := viper.GetString("log.file"); p != "" {
		return p
	}
	return filepath.Join(stateDir(), "modeguard.log")
}

// resolveSession returns the session id from --session or
// MODEGUARD_SESSION_ID. It is called once per command; everything below the
// command receives the id explicitly.
func resolveSession() (string, error) {
	id := sessionFlag
	if id == "" {
		id = os.Getenv("MODEGUARD_SESSION_ID")
	}
	if id == "" {
		return "", fmt.Errorf("session id required: pass --session or set MODEGUARD_SESSION_ID")
	}
	if err := session.ValidateSessionID(id); err != nil {
		return "", err
	}
	return id, nil
}

// getLogger returns the shared logger, opening the log file on first call.
// If the file cannot be opened, diagnostics go to stderr.
func getLogger() *slog.Logger {
	if logger != nil {
		return logger
	}
	l, closeFn, err := logging.New(logFile(), viper.GetString("log.level"))
	if err != nil {
		ui.Warning("logging to stderr: %v", err)
		l = logging.NewWithWriter(os.Stderr, viper.GetString("log.level"))
		closeFn = func() error { return nil }
	}
	logger, logClose = l, closeFn
	return logger
}

// getTaskStore returns the shared task store, initializing it on first call.
// The claude backend is scoped to sessionID, which may be empty for
// commands that address tasks across sessions.
func getTaskStore(sessionID string) (store.TaskStore, error) {
	if taskStore != nil {
		return taskStore, nil
	}

	s, err := store.Open(context.Background(), store.Options{
		Backend:   viper.GetString("tasks.backend"),
		DBPath:    dbPath(),
		ClaudeDir: viper.GetString("tasks.claude_dir"),
		SessionID: sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}

	taskStore = s
	return taskStore, nil
}

// getEngine returns the shared workflow engine, initializing it on first call.
func getEngine(sessionID string) (*workflow.Engine, error) {
	if engine != nil {
		return engine, nil
	}

	tasks, err := getTaskStore(sessionID)
	if err != nil {
		return nil, err
	}

	engine = &workflow.Engine{
		Modes:    modes.NewStore(overrideFile()),
		Sessions: session.NewFileStore(sessionsDir()),
		Tasks:    tasks,
		Logger:   getLogger(),
	}
	return engine, nil
}

func closeDeps() {
	if taskStore != nil {
		_ = taskStore.Close()
		taskStore = nil
	}
	engine = nil
	if logClose != nil {
		_ = logClose()
		logClose = nil
	}
	logger = nil
}
