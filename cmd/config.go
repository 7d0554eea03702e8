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
	return filepath.Join(home, ".config", "codebot"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage codebot configuration.

Running bare 'codebot config' is the same as 'codebot config show'.
Every key can also be set through a CODEBOT_ environment variable, with
dots replaced by underscores (tracker.label -> CODEBOT_TRACKER_LABEL).`,
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
// Credentials are left out on purpose; set them through the environment.
const configTemplate = `# codebot configuration
# See: codebot config show (for effective values and sources)
#
# Credentials are best supplied as environment variables:
#   CODEBOT_LINEAR_API_KEY, CODEBOT_GITHUB_TOKEN, CODEBOT_ANTHROPIC_API_KEY

# State directory for the PID file and default ledger (default: ~/.config/codebot)
# state_dir: {{ .StateDir }}

# Working copy and agent run artifacts (default: ./repo)
working_dir: "{{ .WorkingDir }}"

# Issue tracker
tracker:
  # Issues need this label to be picked up
  label: "{{ .Label }}"

  # Only process issues in this workflow state ("" = any)
  required_state: "{{ .RequiredState }}"

  # Post a comment when work on an issue starts
  acknowledge: {{ .Acknowledge }}

  # Workflow states issues are moved through ("" leaves the state alone)
  states:
    in_progress: "{{ .StateInProgress }}"
    todo: "{{ .StateTodo }}"
    review: "{{ .StateReview }}"

# GitHub repository the agent works on ("owner/repo" or URL)
github:
  repo: "{{ .GitHubRepo }}"

git:
  main_branch: "{{ .MainBranch }}"

poll:
  interval: "{{ .PollInterval }}"
  # Only issues updated in the last N days (0 = since codebot started)
  lookback_days: {{ .LookbackDays }}

# Coding agent container
agent:
  image: "{{ .AgentImage }}"
  timeout: "{{ .AgentTimeout }}"

# Processed-issue ledger: "file" (JSON) or "sqlite"
ledger:
  backend: "{{ .LedgerBackend }}"
`

type configTemplateData struct {
	StateDir        string
	WorkingDir      string
	Label           string
	RequiredState   string
	Acknowledge     bool
	StateInProgress string
	StateTodo       string
	StateReview     string
	GitHubRepo      string
	MainBranch      string
	PollInterval    string
	LookbackDays    int
	AgentImage      string
	AgentTimeout    string
	LedgerBackend   string
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
		StateDir:        viper.GetString("state_dir"),
		WorkingDir:      viper.GetString("working_dir"),
		Label:           viper.GetString("tracker.label"),
		RequiredState:   viper.GetString("tracker.required_state"),
		Acknowledge:     viper.GetBool("tracker.acknowledge"),
		StateInProgress: viper.GetString("tracker.states.in_progress"),
		StateTodo:       viper.GetString("tracker.states.todo"),
		StateReview:     viper.GetString("tracker.states.review"),
		GitHubRepo:      viper.GetString("github.repo"),
		MainBranch:      viper.GetString("git.main_branch"),
		PollInterval:    viper.GetString("poll.interval"),
		LookbackDays:    viper.GetInt("poll.lookback_days"),
		AgentImage:      viper.GetString("agent.image"),
		AgentTimeout:    viper.GetString("agent.timeout"),
		LedgerBackend:   viper.GetString("ledger.backend"),
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
	Secret bool
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "CODEBOT_STATE_DIR"},
	{Key: "working_dir", EnvVar: "CODEBOT_WORKING_DIR"},
	{Key: "tracker.label", EnvVar: "CODEBOT_TRACKER_LABEL"},
	{Key: "tracker.required_state", EnvVar: "CODEBOT_TRACKER_REQUIRED_STATE"},
	{Key: "tracker.acknowledge", EnvVar: "CODEBOT_TRACKER_ACKNOWLEDGE"},
	{Key: "tracker.states.in_progress", EnvVar: "CODEBOT_TRACKER_STATES_IN_PROGRESS"},
	{Key: "tracker.states.todo", EnvVar: "CODEBOT_TRACKER_STATES_TODO"},
	{Key: "tracker.states.review", EnvVar: "CODEBOT_TRACKER_STATES_REVIEW"},
	{Key: "tracker.page_size", EnvVar: "CODEBOT_TRACKER_PAGE_SIZE"},
	{Key: "linear.api_key", EnvVar: "CODEBOT_LINEAR_API_KEY", Secret: true},
	{Key: "linear.url", EnvVar: "CODEBOT_LINEAR_URL"},
	{Key: "github.token", EnvVar: "CODEBOT_GITHUB_TOKEN", Secret: true},
	{Key: "github.repo", EnvVar: "CODEBOT_GITHUB_REPO"},
	{Key: "github.api_url", EnvVar: "CODEBOT_GITHUB_API_URL"},
	{Key: "git.main_branch", EnvVar: "CODEBOT_GIT_MAIN_BRANCH"},
	{Key: "git.author_name", EnvVar: "CODEBOT_GIT_AUTHOR_NAME"},
	{Key: "git.author_email", EnvVar: "CODEBOT_GIT_AUTHOR_EMAIL"},
	{Key: "poll.interval", EnvVar: "CODEBOT_POLL_INTERVAL"},
	{Key: "poll.lookback_days", EnvVar: "CODEBOT_POLL_LOOKBACK_DAYS"},
	{Key: "agent.image", EnvVar: "CODEBOT_AGENT_IMAGE"},
	{Key: "agent.timeout", EnvVar: "CODEBOT_AGENT_TIMEOUT"},
	{Key: "agent.config_path", EnvVar: "CODEBOT_AGENT_CONFIG_PATH"},
	{Key: "agent.docker", EnvVar: "CODEBOT_AGENT_DOCKER"},
	{Key: "prompt.token_budget", EnvVar: "CODEBOT_PROMPT_TOKEN_BUDGET"},
	{Key: "feedback.max_output", EnvVar: "CODEBOT_FEEDBACK_MAX_OUTPUT"},
	{Key: "anthropic.api_key", EnvVar: "CODEBOT_ANTHROPIC_API_KEY", Secret: true},
	{Key: "anthropic.model", EnvVar: "CODEBOT_ANTHROPIC_MODEL"},
	{Key: "ledger.backend", EnvVar: "CODEBOT_LEDGER_BACKEND"},
	{Key: "ledger.path", EnvVar: "CODEBOT_LEDGER_PATH"},
	{Key: "metrics.addr", EnvVar: "CODEBOT_METRICS_ADDR"},
	{Key: "log.format", EnvVar: "CODEBOT_LOG_FORMAT"},
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
		val := viper.Get(k.Key)
		if k.Secret {
			val = maskSecret(viper.GetString(k.Key))
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-28s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// maskSecret hides all but the last four characters of a credential.
func maskSecret(v string) string {
	switch {
	case v == "":
		return "(unset)"
	case len(v) <= 8:
		return "****"
	}
	return "****" + v[len(v)-4:]
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
		return fmt.Errorf("config file not found: %s (run 'codebot config init' first)", cfgPath)
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
