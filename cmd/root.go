package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/codebot/internal/output"
	"github.com/joescharf/codebot/internal/store"
	"github.com/joescharf/codebot/internal/tracker"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui *output.UI

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "codebot",
	Short: "Turn labelled Linear issues into pull requests",
	Long: `codebot polls Linear for issues carrying a trigger label, runs a coding
agent in a container against a fresh branch of the target repository, and
opens a GitHub pull request or posts feedback on the issue.

Each issue version is processed exactly once; editing the title or
description makes codebot pick it up again.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/codebot/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		configDir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("CODEBOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	defaultConfigDir, _ := configDirFunc()
	setDefaults(defaultConfigDir)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers every key so env vars resolve without a config file.
func setDefaults(stateDir string) {
	viper.SetDefault("state_dir", stateDir)
	viper.SetDefault("working_dir", "./repo")

	viper.SetDefault("tracker.label", "AI")
	viper.SetDefault("tracker.required_state", "")
	viper.SetDefault("tracker.states.in_progress", "In Progress")
	viper.SetDefault("tracker.states.todo", "Todo")
	viper.SetDefault("tracker.states.review", "Ready for Review")
	viper.SetDefault("tracker.page_size", 50)
	viper.SetDefault("tracker.acknowledge", true)

	viper.SetDefault("linear.api_key", "")
	viper.SetDefault("linear.url", tracker.DefaultURL)

	viper.SetDefault("github.token", "")
	viper.SetDefault("github.repo", "")
	viper.SetDefault("github.api_url", "")

	viper.SetDefault("git.main_branch", "main")
	viper.SetDefault("git.author_name", "codebot")
	viper.SetDefault("git.author_email", "codebot@users.noreply.github.com")

	viper.SetDefault("poll.interval", "60s")
	viper.SetDefault("poll.lookback_days", 7)

	viper.SetDefault("agent.image", "")
	viper.SetDefault("agent.timeout", "30m")
	viper.SetDefault("agent.config_path", "")
	viper.SetDefault("agent.docker", "docker")

	viper.SetDefault("prompt.token_budget", 4000)
	viper.SetDefault("feedback.max_output", 4000)

	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")

	viper.SetDefault("ledger.backend", "file")
	viper.SetDefault("ledger.path", "")

	viper.SetDefault("metrics.addr", "")
	viper.SetDefault("log.format", "text")
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun
}

// newLogger builds the structured logger used by long-running commands.
func newLogger(w io.Writer, format string, debug bool) (*clog.Logger, error) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q (want text or json)", format)
	}
	return clog.New(handler), nil
}

// loggerContext returns ctx carrying the configured logger.
func loggerContext(ctx context.Context) (context.Context, error) {
	log, err := newLogger(os.Stderr, viper.GetString("log.format"), verbose)
	if err != nil {
		return ctx, err
	}
	return clog.WithLogger(ctx, log), nil
}

// stateDir returns the directory holding the PID file and default ledger.
func stateDir() string {
	return viper.GetString("state_dir")
}

// ledgerPath returns the configured ledger location, defaulting by backend.
func ledgerPath() string {
	if p := viper.GetString("ledger.path"); p != "" {
		return p
	}
	if viper.GetString("ledger.backend") == store.BackendSQLite {
		return filepath.Join(stateDir(), "ledger.db")
	}
	return filepath.Join(stateDir(), "ledger.json")
}
