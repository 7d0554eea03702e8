package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/codebot/internal/ledger"
	"github.com/joescharf/codebot/internal/models"
	"github.com/joescharf/codebot/internal/output"
	"github.com/joescharf/codebot/internal/store"
)

var (
	ledgerOutcome string
	ledgerIssue   string
	ledgerLimit   int
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the processed-issue ledger",
}

var ledgerListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List processed issues, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return ledgerListRun(cmd.Context())
	},
}

func init() {
	ledgerListCmd.Flags().StringVar(&ledgerOutcome, "outcome", "", "Filter by outcome (pull_request_created, feedback_posted, failed)")
	ledgerListCmd.Flags().StringVar(&ledgerIssue, "issue", "", "Filter by issue identifier or ID")
	ledgerListCmd.Flags().IntVar(&ledgerLimit, "limit", 50, "Maximum entries to show (0 = all)")
	ledgerCmd.AddCommand(ledgerListCmd)
	rootCmd.AddCommand(ledgerCmd)
}

func ledgerListRun(ctx context.Context) error {
	if ledgerOutcome != "" && !models.Outcome(ledgerOutcome).Valid() {
		return fmt.Errorf("unknown outcome %q (want pull_request_created, feedback_posted or failed)", ledgerOutcome)
	}

	path := ledgerPath()
	if _, err := os.Stat(path); err != nil {
		ui.Info("No ledger at %s", path)
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

	entries := filterEntries(l.Entries(), ledgerOutcome, ledgerIssue)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].ProcessedAt.After(entries[j].ProcessedAt)
	})
	if ledgerLimit > 0 && len(entries) > ledgerLimit {
		entries = entries[:ledgerLimit]
	}

	if len(entries) == 0 {
		ui.Info("No matching ledger entries")
		return nil
	}

	table := ui.Table([]string{"Processed", "Issue", "Fingerprint", "Outcome", "Detail"})
	for _, e := range entries {
		_ = table.Append([]string{
			e.ProcessedAt.Local().Format("2006-01-02 15:04"),
			entryKey(e),
			e.Fingerprint,
			output.OutcomeColor(string(e.Outcome)),
			entryDetail(e),
		})
	}
	return table.Render()
}

func filterEntries(entries []models.LedgerEntry, outcome, issue string) []models.LedgerEntry {
	var out []models.LedgerEntry
	for _, e := range entries {
		if outcome != "" && string(e.Outcome) != outcome {
			continue
		}
		if issue != "" && !strings.EqualFold(e.Identifier, issue) && e.IssueID != issue {
			continue
		}
		out = append(out, e)
	}
	return out
}

func entryKey(e models.LedgerEntry) string {
	if e.Identifier != "" {
		return e.Identifier
	}
	return e.IssueID
}

// entryDetail is the PR link for successes and the colored reason otherwise.
func entryDetail(e models.LedgerEntry) string {
	if e.PullRequestURL != "" && e.Outcome == models.OutcomePullRequestCreated {
		return output.Cyan(e.PullRequestURL)
	}
	reason := truncate(e.Reason, 60)
	if e.PullRequestURL != "" {
		reason = e.PullRequestURL + " " + reason
	}
	if e.Outcome == models.OutcomeFailed {
		return output.Red(reason)
	}
	return output.Yellow(reason)
}
