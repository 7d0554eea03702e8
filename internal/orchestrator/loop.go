package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/joescharf/codebot/internal/models"
)

// Summary describes one poll tick.
type Summary struct {
	Fetched    int
	Candidates int
	Processed  int
	Outcomes   map[models.Outcome]int
}

// Run polls until ctx is cancelled. Once cancelled, the issue in flight is
// finished and recorded before Run returns nil.
func (s *State) Run(ctx context.Context) error {
	log := clog.FromContext(ctx)
	log.Infof("polling every %s for label %q", s.Config.PollInterval, s.Config.Label)

	ticker := time.NewTicker(s.Config.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil {
			log.Errorf("tick: %v", err)
		}

		select {
		case <-ctx.Done():
			log.Info("poll loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs a single poll: fetch, filter, then process candidates in tracker
// order. A tracker failure skips the tick without recording anything.
func (s *State) Tick(ctx context.Context) (*Summary, error) {
	log := clog.FromContext(ctx)
	sum := &Summary{Outcomes: map[models.Outcome]int{}}

	issues, err := s.Candidates(ctx, sum)
	if err != nil {
		ticksTotal.WithLabelValues("tracker_error").Inc()
		return sum, err
	}
	if len(issues) > 0 {
		log.Infof("%d of %d fetched issues need processing", len(issues), sum.Fetched)
	}

	for _, issue := range issues {
		if ctx.Err() != nil {
			log.Infof("shutdown requested, leaving %d issues for the next run", sum.Candidates-sum.Processed)
			break
		}

		// The issue is finished even if shutdown is requested meanwhile.
		entry, err := s.Process(context.WithoutCancel(ctx), issue)
		if err != nil {
			ticksTotal.WithLabelValues("ledger_error").Inc()
			return sum, err
		}
		sum.Processed++
		sum.Outcomes[entry.Outcome]++
	}

	ticksTotal.WithLabelValues("ok").Inc()
	return sum, nil
}

// RunOnce executes one tick, for `codebot run --once`.
func (s *State) RunOnce(ctx context.Context) (*Summary, error) {
	return s.Tick(ctx)
}

// Since is the lower bound on UpdatedAt for candidate issues.
func (s *State) Since() time.Time {
	if s.Config.LookbackDays > 0 {
		return s.now().Add(-time.Duration(s.Config.LookbackDays) * 24 * time.Hour)
	}
	return s.StartedAt
}

// Candidates fetches issues and returns the ones that still need processing.
// The tracker's filtering is re-checked locally.
func (s *State) Candidates(ctx context.Context, sum *Summary) ([]models.Issue, error) {
	log := clog.FromContext(ctx)
	since := s.Since()

	issues, err := s.tracker.ListIssues(ctx, s.Config.Label, since)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	if sum != nil {
		sum.Fetched = len(issues)
	}

	seen := make(map[string]struct{}, len(issues))
	var out []models.Issue
	for _, issue := range issues {
		switch {
		case issue.ID == "":
			log.Warnf("skipping issue without id: %q", issue.Title)
			continue
		case issue.UpdatedAt.Before(since):
			continue
		case !issue.HasLabel(s.Config.Label):
			continue
		case s.Config.RequiredState != "" && !strings.EqualFold(issue.State, s.Config.RequiredState):
			log.Debugf("skipping %s in state %q", issue.Key(), issue.State)
			continue
		}
		if _, dup := seen[issue.ID]; dup {
			continue
		}
		seen[issue.ID] = struct{}{}

		if s.Ledger.IsProcessed(issue.ID, issue.Fingerprint()) {
			continue
		}
		out = append(out, issue)
	}
	if sum != nil {
		sum.Candidates = len(out)
	}
	return out, nil
}
