package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joescharf/codebot/internal/git"
	"github.com/joescharf/codebot/internal/ledger"
	"github.com/joescharf/codebot/internal/llm"
	"github.com/joescharf/codebot/internal/models"
	"github.com/joescharf/codebot/internal/runner"
	"github.com/joescharf/codebot/internal/store"
	"github.com/joescharf/codebot/internal/tracker"
)

type comment struct {
	IssueID string
	Body    string
}

type stateMove struct {
	IssueID string
	State   string
}

type fakeTracker struct {
	mu         sync.Mutex
	issues     []models.Issue
	listErr    error
	commentErr func(body string) error
	lists      int
	since      time.Time
	comments   []comment
	moves      []stateMove
}

func (f *fakeTracker) ListIssues(_ context.Context, _ string, since time.Time) ([]models.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	f.since = since
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]models.Issue(nil), f.issues...), nil
}

func (f *fakeTracker) PostComment(_ context.Context, issueID, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commentErr != nil {
		if err := f.commentErr(body); err != nil {
			return err
		}
	}
	f.comments = append(f.comments, comment{issueID, body})
	return nil
}

func (f *fakeTracker) SetState(_ context.Context, issue models.Issue, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves = append(f.moves, stateMove{issue.ID, state})
	return nil
}

// commentsFor returns the bodies posted on issueID, acknowledgements excluded.
func (f *fakeTracker) commentsFor(issueID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.comments {
		if c.IssueID == issueID && !strings.HasPrefix(c.Body, "codebot picked up") {
			out = append(out, c.Body)
		}
	}
	return out
}

type fakeSCM struct {
	mu        sync.Mutex
	ensureErr error
	pushErr   error
	prErr     error
	// changes maps branch name to the files the agent "changed".
	changes  map[string][]string
	branches []string
	commits  []string
	prTitles []string
	prBodies []string
}

func (f *fakeSCM) EnsureBranch(_ context.Context, name, base string) (*git.WorkingCopy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.branches = append(f.branches, name)
	if f.ensureErr != nil {
		return nil, f.ensureErr
	}
	return &git.WorkingCopy{Path: "/work/code", Branch: name, Base: base, Head: "0123456789abcdef"}, nil
}

func (f *fakeSCM) Changes(_ context.Context, wc *git.WorkingCopy) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.changes[wc.Branch], nil
}

func (f *fakeSCM) CommitAndPush(_ context.Context, wc *git.WorkingCopy, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.commits = append(f.commits, wc.Branch+": "+message)
	return nil
}

func (f *fakeSCM) OpenPullRequest(_ context.Context, wc *git.WorkingCopy, title, body string) (*git.PullRequestRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prErr != nil {
		return nil, f.prErr
	}
	f.prTitles = append(f.prTitles, title)
	f.prBodies = append(f.prBodies, body)
	n := len(f.prTitles)
	return &git.PullRequestRef{Number: n, URL: fmt.Sprintf("https://github.com/acme/widgets/pull/%d", n)}, nil
}

type fakeRunner struct {
	mu sync.Mutex
	// results maps issue key to the run result; missing keys succeed.
	results map[string]*models.RunResult
	errs    map[string]error
	panics  map[string]string
	onRun   func(req runner.Request)
	calls   []runner.Request
}

func (f *fakeRunner) Run(_ context.Context, _ *git.WorkingCopy, req runner.Request) (*models.RunResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	hook := f.onRun
	f.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if msg, ok := f.panics[req.IssueKey]; ok {
		panic(msg)
	}
	if err, ok := f.errs[req.IssueKey]; ok {
		return nil, err
	}
	if res, ok := f.results[req.IssueKey]; ok {
		cp := *res
		return &cp, nil
	}
	return &models.RunResult{ExitStatus: models.ExitSuccess, Output: "done", Duration: time.Minute}, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeWriter struct {
	formatted  string
	formatErr  error
	content    *llm.PullRequestContent
	contentErr error
}

func (f *fakeWriter) FormatIssue(context.Context, string, string) (string, error) {
	return f.formatted, f.formatErr
}

func (f *fakeWriter) PullRequestContent(context.Context, llm.PullRequestInput) (*llm.PullRequestContent, error) {
	return f.content, f.contentErr
}

type failingStore struct{}

func (failingStore) Load(context.Context) ([]models.LedgerEntry, error) { return nil, nil }
func (failingStore) Save(context.Context, []models.LedgerEntry) error {
	return errors.New("disk full")
}
func (failingStore) Close() error { return nil }

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	state   *State
	tracker *fakeTracker
	scm     *fakeSCM
	runner  *fakeRunner
	ledger  *ledger.Ledger
	path    string
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.json")
	l, err := ledger.Load(context.Background(), store.NewFileStore(path))
	require.NoError(t, err)
	return newHarnessWithLedger(t, cfg, l, path, opts...)
}

func newHarnessWithLedger(t *testing.T, cfg Config, l *ledger.Ledger, path string, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		tracker: &fakeTracker{},
		scm:     &fakeSCM{changes: map[string][]string{}},
		runner:  &fakeRunner{results: map[string]*models.RunResult{}, errs: map[string]error{}, panics: map[string]string{}},
		ledger:  l,
		path:    path,
	}
	opts = append([]Option{WithClock(func() time.Time { return t0 })}, opts...)
	s, err := New(cfg, l, h.tracker, h.scm, h.runner, opts...)
	require.NoError(t, err)
	h.state = s
	return h
}

func newIssue(id, key, title string) models.Issue {
	return models.Issue{
		ID:          id,
		Identifier:  key,
		Title:       title,
		Description: "Please " + strings.ToLower(title),
		Labels:      []string{"AI"},
		State:       "Todo",
		TeamID:      "team-1",
		URL:         "https://linear.app/acme/issue/" + key,
		UpdatedAt:   t0.Add(5 * time.Second),
	}
}

var errTrackerDown = fmt.Errorf("%w: 503 Service Unavailable", tracker.ErrUnavailable)
