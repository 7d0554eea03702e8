package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/codebot/internal/daemon"
	"github.com/joescharf/codebot/internal/git"
	"github.com/joescharf/codebot/internal/ledger"
	"github.com/joescharf/codebot/internal/models"
	"github.com/joescharf/codebot/internal/orchestrator"
	"github.com/joescharf/codebot/internal/runner"
	"github.com/joescharf/codebot/internal/store"
	"github.com/joescharf/codebot/internal/tracker"
)

var runOnce bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll Linear and process labelled issues",
	Long: `Poll Linear for issues carrying the trigger label and process each new
issue version: branch, run the agent, then open a pull request or post
feedback on the issue.

The first SIGINT/SIGTERM lets the issue in progress finish and be recorded;
a second one exits immediately. Use --once to run a single poll.
With --dry-run, list the issues that would be processed and exit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRun(cmd.Context())
	},
}

func init() {
	runCmd.Flags().BoolVar(&runOnce, "once", false, "Run a single poll and exit")
	runCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	_ = viper.BindPFlag("metrics.addr", runCmd.Flags().Lookup("metrics-addr"))
	rootCmd.AddCommand(runCmd)
}

// runConfig is the resolved configuration for `codebot run`.
type runConfig struct {
	LinearAPIKey string
	LinearURL    string
	PageSize     int

	GitHubToken  string
	GitHubRepo   string
	GitHubAPIURL string
	AuthorName   string
	AuthorEmail  string

	WorkingDir string

	AgentImage      string
	AgentDocker     string
	AgentTimeout    time.Duration
	AgentConfigPath string

	AnthropicModel string

	LedgerBackend string
	LedgerPath    string
	MetricsAddr   string

	Orchestrator orchestrator.Config
}

// loadRunConfig reads and validates the settings `codebot run` needs.
func loadRunConfig() (*runConfig, error) {
	cfg := &runConfig{
		LinearAPIKey:    viper.GetString("linear.api_key"),
		LinearURL:       viper.GetString("linear.url"),
		PageSize:        viper.GetInt("tracker.page_size"),
		GitHubToken:     viper.GetString("github.token"),
		GitHubRepo:      viper.GetString("github.repo"),
		GitHubAPIURL:    viper.GetString("github.api_url"),
		AuthorName:      viper.GetString("git.author_name"),
		AuthorEmail:     viper.GetString("git.author_email"),
		AgentImage:      viper.GetString("agent.image"),
		AgentDocker:     viper.GetString("agent.docker"),
		AgentTimeout:    viper.GetDuration("agent.timeout"),
		AgentConfigPath: viper.GetString("agent.config_path"),
		AnthropicModel:  viper.GetString("anthropic.model"),
		LedgerBackend:   viper.GetString("ledger.backend"),
		LedgerPath:      ledgerPath(),
		MetricsAddr:     viper.GetString("metrics.addr"),
		Orchestrator: orchestrator.Config{
			Label:         viper.GetString("tracker.label"),
			RequiredState: viper.GetString("tracker.required_state"),
			States: orchestrator.WorkflowStates{
				InProgress: viper.GetString("tracker.states.in_progress"),
				Todo:       viper.GetString("tracker.states.todo"),
				Review:     viper.GetString("tracker.states.review"),
			},
			Acknowledge:  viper.GetBool("tracker.acknowledge"),
			MainBranch:   viper.GetString("git.main_branch"),
			PollInterval: viper.GetDuration("poll.interval"),
			LookbackDays: viper.GetInt("poll.lookback_days"),
			TokenBudget:  viper.GetInt("prompt.token_budget"),
			MaxOutput:    viper.GetInt("feedback.max_output"),
		},
	}

	var missing []string
	for _, req := range []struct{ key, val string }{
		{"linear.api_key", cfg.LinearAPIKey},
		{"github.token", cfg.GitHubToken},
		{"github.repo", cfg.GitHubRepo},
		{"agent.image", cfg.AgentImage},
	} {
		if strings.TrimSpace(req.val) == "" {
			missing = append(missing, req.key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required configuration: %s (set them in the config file or as CODEBOT_ environment variables)", strings.Join(missing, ", "))
	}
	if _, _, err := git.ExtractOwnerRepo(cfg.GitHubRepo); err != nil {
		return nil, fmt.Errorf("github.repo: %w", err)
	}
	if cfg.Orchestrator.PollInterval <= 0 {
		return nil, fmt.Errorf("poll.interval must be positive, got %q", viper.GetString("poll.interval"))
	}
	if cfg.AgentTimeout <= 0 {
		return nil, fmt.Errorf("agent.timeout must be positive, got %q", viper.GetString("agent.timeout"))
	}

	wd, err := filepath.Abs(viper.GetString("working_dir"))
	if err != nil {
		return nil, fmt.Errorf("working_dir: %w", err)
	}
	cfg.WorkingDir = wd
	return cfg, nil
}

// app holds the wired collaborators of a run.
type app struct {
	store  store.Store
	state  *orchestrator.State
	runner *runner.Docker
}

func (a *app) Close() error {
	return a.store.Close()
}

// buildApp opens the ledger and wires the tracker, working copy, agent runner
// and optional LLM helper into an orchestrator.
func buildApp(ctx context.Context, cfg *runConfig) (*app, error) {
	log := clog.FromContext(ctx)

	st, err := store.Open(ctx, cfg.LedgerBackend, cfg.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	l, err := ledger.Load(ctx, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	log.Infof("ledger %s (%s): %d entries", cfg.LedgerPath, cfg.LedgerBackend, l.Len())

	lin := tracker.NewLinear(tracker.Options{
		URL:           cfg.LinearURL,
		APIKey:        cfg.LinearAPIKey,
		PageSize:      cfg.PageSize,
		RequiredState: cfg.Orchestrator.RequiredState,
	})

	scm, err := git.NewClient(ctx, git.Options{
		Repo:        cfg.GitHubRepo,
		Token:       cfg.GitHubToken,
		Dir:         filepath.Join(cfg.WorkingDir, "code"),
		APIURL:      cfg.GitHubAPIURL,
		AuthorName:  cfg.AuthorName,
		AuthorEmail: cfg.AuthorEmail,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	agent, err := runner.New(runner.Options{
		Docker:     cfg.AgentDocker,
		Image:      cfg.AgentImage,
		WorkDir:    cfg.WorkingDir,
		ConfigPath: cfg.AgentConfigPath,
		Timeout:    cfg.AgentTimeout,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var opts []orchestrator.Option
	if writer := newLLMClient(); writer != nil {
		opts = append(opts, orchestrator.WithContentWriter(writer))
		log.Infof("using %s for prompt formatting and pull request text", cfg.AnthropicModel)
	}

	state, err := orchestrator.New(cfg.Orchestrator, l, lin, scm, agent, opts...)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &app{store: st, state: state, runner: agent}, nil
}

func runRun(parent context.Context) error {
	cfg, err := loadRunConfig()
	if err != nil {
		return err
	}
	ctx, err := loggerContext(parent)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	watchSignals(ctx, cancel, done)

	if !dryRun {
		pf := pidFile()
		if err := pf.Acquire(); err != nil {
			return fmt.Errorf("codebot is %w", err)
		}
		defer func() { _ = pf.Remove() }()
	}

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if dryRun {
		return previewRun(ctx, a.state)
	}
	if err := a.runner.Check(ctx); err != nil {
		return err
	}
	// A previous instance killed mid-run leaves its container behind.
	if _, err := a.runner.Sweep(ctx); err != nil {
		clog.FromContext(ctx).Warnf("sweep leftover containers: %v", err)
	}

	if cfg.MetricsAddr != "" {
		srv, err := serveMetrics(ctx, cfg.MetricsAddr)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if runOnce {
		sum, err := a.state.RunOnce(ctx)
		printSummary(sum)
		return err
	}
	return a.state.Run(ctx)
}

// watchSignals cancels ctx on the first shutdown signal so the issue in
// flight can finish. A second signal exits immediately.
func watchSignals(ctx context.Context, cancel context.CancelFunc, done <-chan struct{}) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, shutdownSignals()...)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			clog.FromContext(ctx).Infof("received %s, finishing the current issue (signal again to exit now)", sig)
			cancel()
		case <-done:
			return
		}
		select {
		case sig := <-sigCh:
			clog.FromContext(ctx).Warnf("received %s again, exiting", sig)
			os.Exit(1)
		case <-done:
		}
	}()
}

// serveMetrics exposes the Prometheus registry on addr until shut down.
func serveMetrics(ctx context.Context, addr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	log := clog.FromContext(ctx)
	log.Infof("serving metrics at http://%s/metrics", ln.Addr())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics server: %v", err)
		}
	}()
	return srv, nil
}

// previewRun lists the issues the next poll would process.
func previewRun(ctx context.Context, state *orchestrator.State) error {
	sum := &orchestrator.Summary{}
	issues, err := state.Candidates(ctx, sum)
	if err != nil {
		return err
	}

	ui.DryRunMsg("%d of %d fetched issues would be processed", len(issues), sum.Fetched)
	if len(issues) == 0 {
		return nil
	}

	table := ui.Table([]string{"Issue", "Title", "State", "Updated", "Branch"})
	for _, issue := range issues {
		_ = table.Append([]string{
			issue.Key(),
			truncate(issue.Title, 50),
			issue.State,
			issue.UpdatedAt.Local().Format("2006-01-02 15:04"),
			issue.SuggestedBranch(),
		})
	}
	return table.Render()
}

func printSummary(sum *orchestrator.Summary) {
	if sum == nil {
		return
	}
	ui.Info("Fetched %d issues, %d candidates, %d processed", sum.Fetched, sum.Candidates, sum.Processed)
	for _, o := range []models.Outcome{models.OutcomePullRequestCreated, models.OutcomeFeedbackPosted, models.OutcomeFailed} {
		if n := sum.Outcomes[o]; n > 0 {
			fmt.Fprintf(ui.Out, "  %-22s %d\n", string(o), n)
		}
	}
	if n := sum.Outcomes[models.OutcomeFailed]; n > 0 {
		ui.Error("%d issues failed; see `codebot ledger list --outcome failed`", n)
	}
}

// pidFile returns the PID file of the running poller.
func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(stateDir(), "codebot.pid"))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
