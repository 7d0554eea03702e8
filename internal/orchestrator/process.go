package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/chainguard-dev/clog"

	"github.com/joescharf/codebot/internal/git"
	"github.com/joescharf/codebot/internal/llm"
	"github.com/joescharf/codebot/internal/models"
	"github.com/joescharf/codebot/internal/runner"
)

// result is what one pass through the state machine produced.
type result struct {
	state   models.State
	outcome models.Outcome
	reason  string
	prURL   string
}

// Process drives one issue to RECORDED and returns the ledger entry. The
// only error returned is a failure to persist that entry.
func (s *State) Process(ctx context.Context, issue models.Issue) (models.LedgerEntry, error) {
	fp := issue.Fingerprint()
	log := clog.FromContext(ctx).With("issue", issue.Key(), "fingerprint", fp)
	ctx = clog.WithLogger(ctx, log)

	log.Infof("processing %q", issue.Title)
	res := s.handle(ctx, issue)

	entry := models.LedgerEntry{
		IssueID:        issue.ID,
		Identifier:     issue.Identifier,
		Fingerprint:    fp,
		Outcome:        res.outcome,
		Reason:         res.reason,
		PullRequestURL: res.prURL,
		ProcessedAt:    s.now().UTC(),
	}
	if _, err := s.Ledger.Record(ctx, entry); err != nil {
		log.Errorf("record outcome %s: %v", res.outcome, err)
		return entry, err
	}
	issuesTotal.WithLabelValues(string(res.outcome)).Inc()
	ledgerEntries.Set(float64(s.Ledger.Len()))

	log.With("state", models.StateRecorded).Infof("recorded %s (from %s)", res.outcome, res.state)
	return entry, nil
}

// handle runs the transitions. A panic anywhere is turned into a failure
// comment so the issue still reaches RECORDED.
func (s *State) handle(ctx context.Context, issue models.Issue) (res result) {
	log := clog.FromContext(ctx)
	defer func() {
		if p := recover(); p != nil {
			log.Errorf("panic while processing: %v\n%s", p, debug.Stack())
			res = s.failAfterPanic(ctx, issue, fmt.Sprint(p))
		}
	}()

	s.acknowledge(ctx, issue)

	// FETCHED -> BRANCHED
	wc, err := s.scm.EnsureBranch(ctx, issue.SuggestedBranch(), s.Config.MainBranch)
	if err != nil {
		log.Errorf("prepare branch: %v", err)
		return s.fail(ctx, issue, reasonBranch, err.Error(), nil)
	}
	log.With("state", models.StateBranched).Infof("on branch %s at %.7s", wc.Branch, wc.Head)

	// BRANCHED -> AGENT_RUNNING
	prompt := s.buildPrompt(ctx, issue)
	log.With("state", models.StateAgentRunning).Infof("running agent (%d char prompt)", len(prompt))
	run, err := s.runner.Run(ctx, wc, runner.Request{
		IssueID:             issue.ID,
		IssueKey:            issue.Key(),
		Prompt:              prompt,
		OriginalDescription: issue.Description,
	})
	if err != nil {
		agentRunsTotal.WithLabelValues("error").Inc()
		log.Errorf("run agent: %v", err)
		return s.fail(ctx, issue, reasonRunner, err.Error(), nil)
	}
	agentRunsTotal.WithLabelValues(string(run.ExitStatus)).Inc()
	agentRunSeconds.Observe(run.Duration.Seconds())

	if run.ExitStatus == models.ExitSuccess {
		changes, err := s.scm.Changes(ctx, wc)
		if err != nil {
			log.Errorf("inspect working copy: %v", err)
			return s.fail(ctx, issue, reasonInternal, err.Error(), run)
		}
		run.ChangedFiles = changes
	}

	switch {
	case run.ExitStatus == models.ExitTimeout:
		log.With("state", models.StateAgentTimedOut).Warn("agent timed out")
		return s.feedback(ctx, issue, reasonTimeout, run)
	case run.ExitStatus != models.ExitSuccess:
		log.With("state", models.StateAgentFailed).Warnf("agent failed with exit code %d", run.ExitCode)
		return s.feedback(ctx, issue, reasonAgentFailed, run)
	case len(run.ChangedFiles) == 0:
		log.With("state", models.StateAgentFailed).Warn("agent produced no changes")
		return s.feedback(ctx, issue, reasonNoChanges, run)
	}

	log.With("state", models.StateAgentSucceeded).Infof("agent changed %d files", len(run.ChangedFiles))
	return s.publish(ctx, issue, wc, run)
}

// failAfterPanic reports a recovered panic. If reporting panics too, the
// issue is still recorded as failed without a comment.
func (s *State) failAfterPanic(ctx context.Context, issue models.Issue, detail string) (res result) {
	res = result{
		state:   models.StateFetched,
		outcome: models.OutcomeFailed,
		reason:  reasonText(reasonInternal, detail) + "; feedback comment not posted",
	}
	defer func() {
		if p := recover(); p != nil {
			clog.FromContext(ctx).Errorf("panic while reporting failure: %v", p)
		}
	}()
	return s.fail(ctx, issue, reasonInternal, detail, nil)
}

// acknowledge tells the issue's watchers that work started. Best effort.
func (s *State) acknowledge(ctx context.Context, issue models.Issue) {
	log := clog.FromContext(ctx)
	if s.Config.Acknowledge {
		if err := s.tracker.PostComment(ctx, issue.ID, ackComment(issue)); err != nil {
			log.Warnf("post acknowledgement: %v", err)
		}
	}
	s.moveTo(ctx, issue, s.Config.States.InProgress)
}

func (s *State) moveTo(ctx context.Context, issue models.Issue, state string) {
	if state == "" {
		return
	}
	if err := s.tracker.SetState(ctx, issue, state); err != nil {
		clog.FromContext(ctx).Warnf("move to %q: %v", state, err)
	}
}

// publish is AGENT_SUCCEEDED -> PR_CREATED. Failures after the agent run
// are reported on the issue and recorded as failed.
func (s *State) publish(ctx context.Context, issue models.Issue, wc *git.WorkingCopy, run *models.RunResult) result {
	log := clog.FromContext(ctx)

	title := fmt.Sprintf("%s: %s", issue.Key(), issue.Title)
	commitMsg, body := s.pullRequestText(ctx, issue, run)

	if err := s.scm.CommitAndPush(ctx, wc, commitMsg); err != nil {
		log.Errorf("commit and push: %v", err)
		return s.fail(ctx, issue, reasonPublish, err.Error(), run)
	}
	pr, err := s.scm.OpenPullRequest(ctx, wc, title, body)
	if err != nil {
		log.Errorf("open pull request: %v", err)
		return s.fail(ctx, issue, reasonPublish, err.Error(), run)
	}
	log.With("state", models.StatePRCreated).Infof("pull request #%d: %s", pr.Number, pr.URL)

	res := result{
		state:   models.StatePRCreated,
		outcome: models.OutcomePullRequestCreated,
		prURL:   pr.URL,
	}
	if err := s.tracker.PostComment(ctx, issue.ID, pullRequestComment(issue, pr)); err != nil {
		log.Errorf("post pull request link: %v", err)
		res.outcome = models.OutcomeFailed
		res.reason = "pull request created but the tracker comment failed: " + err.Error()
		return res
	}
	s.moveTo(ctx, issue, s.Config.States.Review)
	return res
}

// feedback is AGENT_FAILED | AGENT_TIMED_OUT -> FEEDBACK_POSTED.
func (s *State) feedback(ctx context.Context, issue models.Issue, reason failureReason, run *models.RunResult) result {
	res := s.comment(ctx, issue, reason, "", run)
	if res.outcome == models.OutcomeFeedbackPosted {
		s.moveTo(ctx, issue, s.Config.States.Todo)
	}
	return res
}

// fail reports an infrastructure failure. The outcome is always failed, but
// a diagnostic comment is still attempted.
func (s *State) fail(ctx context.Context, issue models.Issue, reason failureReason, detail string, run *models.RunResult) result {
	res := s.comment(ctx, issue, reason, detail, run)
	if res.outcome == models.OutcomeFeedbackPosted {
		s.moveTo(ctx, issue, s.Config.States.Todo)
	}
	res.outcome = models.OutcomeFailed
	return res
}

func (s *State) comment(ctx context.Context, issue models.Issue, reason failureReason, detail string, run *models.RunResult) result {
	res := result{
		state:   models.StateFeedbackPosted,
		outcome: models.OutcomeFeedbackPosted,
		reason:  reasonText(reason, detail),
	}
	body := failureComment(issue, reason, detail, run, s.Config.MaxOutput)
	if err := s.tracker.PostComment(ctx, issue.ID, body); err != nil {
		clog.FromContext(ctx).Errorf("post feedback: %v", err)
		res.state = stateOf(reason)
		res.outcome = models.OutcomeFailed
		res.reason = fmt.Sprintf("%s; feedback comment failed: %v", res.reason, err)
	}
	return res
}

// buildPrompt formats the issue for the agent, falling back to the raw text
// when the content writer is absent or fails, then applies the token budget.
func (s *State) buildPrompt(ctx context.Context, issue models.Issue) string {
	prompt := rawPrompt(issue)
	if s.writer != nil {
		formatted, err := s.writer.FormatIssue(ctx, issue.Title, issue.Description)
		switch {
		case err != nil:
			clog.FromContext(ctx).Warnf("format issue, using raw text: %v", err)
		case formatted != "":
			prompt = formatted
		}
	}
	return truncatePrompt(prompt, s.Config.TokenBudget)
}

// pullRequestText returns the commit message and PR body, from the content
// writer when available and a template otherwise.
func (s *State) pullRequestText(ctx context.Context, issue models.Issue, run *models.RunResult) (string, string) {
	if s.writer != nil {
		content, err := s.writer.PullRequestContent(ctx, llm.PullRequestInput{
			Key:          issue.Key(),
			Title:        issue.Title,
			Description:  issue.Description,
			AgentOutput:  tail(run.Output, s.Config.MaxOutput),
			ChangedFiles: run.ChangedFiles,
		})
		if err == nil {
			return fmt.Sprintf("%s: %s", issue.Key(), content.CommitMessage), withIssueLink(issue, content.Body)
		}
		clog.FromContext(ctx).Warnf("generate pull request text, using template: %v", err)
	}
	return fmt.Sprintf("%s: %s", issue.Key(), issue.Title), pullRequestBody(issue, run, s.Config.MaxOutput)
}

func stateOf(reason failureReason) models.State {
	switch reason {
	case reasonTimeout:
		return models.StateAgentTimedOut
	case reasonAgentFailed, reasonNoChanges:
		return models.StateAgentFailed
	}
	return models.StateFetched
}
