package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/codebot/internal/ledger"
	"github.com/joescharf/codebot/internal/models"
	"github.com/joescharf/codebot/internal/output"
	"github.com/joescharf/codebot/internal/store"
)

var (
	stopNow     bool
	stopTimeout time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the poller is running and a ledger summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		return statusRun(cmd.Context())
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running poller",
	Long: `Send SIGTERM to the running poller. It finishes the issue in progress,
records it, and exits. Use --now to kill it immediately instead; the
agent container of the issue in progress is then left running until the
next 'codebot run' kills it at startup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopRun()
	},
}

func init() {
	stopCmd.Flags().BoolVar(&stopNow, "now", false, "Kill immediately without finishing the current issue")
	stopCmd.Flags().DurationVar(&stopTimeout, "wait", 0, "Wait up to this long for the poller to exit")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
}

func statusRun(ctx context.Context) error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		ui.Info("codebot is %s (pid %d)", output.Green("running"), pid)
	} else {
		ui.Info("codebot is %s", output.Yellow("not running"))
	}
	ui.VerboseLog("PID file: %s", pf.Path)

	path := ledgerPath()
	if _, err := os.Stat(path); err != nil {
		ui.Info("Ledger: %s (empty)", path)
		return nil
	}

	st, err := store.Open(ctx, viper.GetString("ledger.backend"), path)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer func() { _ = st.Close() }()

	l, err := ledger.Load(ctx, st)
	if err != nil {
		return err
	}

	entries := l.Entries()
	ui.Info("Ledger: %s (%d entries)", path, len(entries))
	counts := map[models.Outcome]int{}
	var last time.Time
	for _, e := range entries {
		counts[e.Outcome]++
		if e.ProcessedAt.After(last) {
			last = e.ProcessedAt
		}
	}
	for _, o := range []models.Outcome{models.OutcomePullRequestCreated, models.OutcomeFeedbackPosted, models.OutcomeFailed} {
		fmt.Fprintf(ui.Out, "  %-22s %d\n", output.OutcomeColor(string(o)), counts[o])
	}
	if !last.IsZero() {
		fmt.Fprintf(ui.Out, "  %-22s %s\n", "last processed", last.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

func stopRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		return fmt.Errorf("codebot is not running")
	}

	sig := sigTERM()
	if stopNow {
		sig = sigKILL()
	}
	if dryRun {
		ui.DryRunMsg("Would send %s to pid %d", sig, pid)
		return nil
	}
	if err := pf.Signal(sig); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	ui.Success("Sent %s to codebot (pid %d)", sig, pid)

	if stopTimeout <= 0 {
		return nil
	}
	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		if _, running := pf.IsRunning(); !running {
			ui.Success("codebot stopped")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	return fmt.Errorf("codebot (pid %d) still running after %s", pid, stopTimeout)
}
