// Package orchestrator drives the poll loop: it fetches labelled issues,
// filters them against the ledger, runs the agent for each new one and turns
// the result into a pull request or a tracker comment.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/joescharf/codebot/internal/git"
	"github.com/joescharf/codebot/internal/ledger"
	"github.com/joescharf/codebot/internal/llm"
	"github.com/joescharf/codebot/internal/models"
	"github.com/joescharf/codebot/internal/runner"
)

// Tracker is the subset of the issue tracker the loop needs.
type Tracker interface {
	ListIssues(ctx context.Context, label string, since time.Time) ([]models.Issue, error)
	PostComment(ctx context.Context, issueID, body string) error
	SetState(ctx context.Context, issue models.Issue, stateName string) error
}

// SourceControl manages the working copy and pull requests.
type SourceControl interface {
	EnsureBranch(ctx context.Context, name, base string) (*git.WorkingCopy, error)
	Changes(ctx context.Context, wc *git.WorkingCopy) ([]string, error)
	CommitAndPush(ctx context.Context, wc *git.WorkingCopy, message string) error
	OpenPullRequest(ctx context.Context, wc *git.WorkingCopy, title, body string) (*git.PullRequestRef, error)
}

// Runner executes the coding agent against a working copy.
type Runner interface {
	Run(ctx context.Context, wc *git.WorkingCopy, req runner.Request) (*models.RunResult, error)
}

// ContentWriter optionally rewrites prompts and writes pull request text.
type ContentWriter interface {
	FormatIssue(ctx context.Context, title, description string) (string, error)
	PullRequestContent(ctx context.Context, in llm.PullRequestInput) (*llm.PullRequestContent, error)
}

// WorkflowStates names the tracker states issues are moved through. An empty
// name leaves the state untouched.
type WorkflowStates struct {
	InProgress string
	Todo       string
	Review     string
}

// Config holds the loop settings.
type Config struct {
	Label         string
	RequiredState string
	States        WorkflowStates
	Acknowledge   bool
	MainBranch    string
	PollInterval  time.Duration
	// LookbackDays of 0 means only issues updated after process start.
	LookbackDays int
	// TokenBudget caps the prompt at roughly four characters per token.
	TokenBudget int
	// MaxOutput caps the agent output quoted in comments, in bytes.
	MaxOutput int
}

const (
	DefaultLabel        = "AI"
	DefaultMainBranch   = "main"
	DefaultPollInterval = 60 * time.Second
	DefaultTokenBudget  = 4000
	DefaultMaxOutput    = 4000
)

func (c Config) withDefaults() Config {
	if c.Label == "" {
		c.Label = DefaultLabel
	}
	if c.MainBranch == "" {
		c.MainBranch = DefaultMainBranch
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LookbackDays < 0 {
		c.LookbackDays = 0
	}
	if c.TokenBudget <= 0 {
		c.TokenBudget = DefaultTokenBudget
	}
	if c.MaxOutput <= 0 {
		c.MaxOutput = DefaultMaxOutput
	}
	return c
}

// State is the orchestrator's working state: configuration, the loaded
// ledger and its collaborators. It is passed by pointer through the loop.
type State struct {
	Config    Config
	Ledger    *ledger.Ledger
	StartedAt time.Time

	tracker Tracker
	scm     SourceControl
	runner  Runner
	writer  ContentWriter
	now     func() time.Time
}

// Option configures optional State behavior.
type Option func(*State)

// WithContentWriter enables LLM prompt formatting and PR text.
func WithContentWriter(w ContentWriter) Option {
	return func(s *State) { s.writer = w }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *State) { s.now = now }
}

// New builds a State. StartedAt is taken from the clock at construction.
func New(cfg Config, l *ledger.Ledger, t Tracker, scm SourceControl, r Runner, opts ...Option) (*State, error) {
	if l == nil || t == nil || scm == nil || r == nil {
		return nil, errors.New("orchestrator: ledger, tracker, source control and runner are required")
	}
	s := &State{
		Config:  cfg.withDefaults(),
		Ledger:  l,
		tracker: t,
		scm:     scm,
		runner:  r,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.StartedAt = s.now()
	ledgerEntries.Set(float64(l.Len()))
	return s, nil
}
