package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/codebot/internal/models"
)

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

// fakeLinear is a minimal GraphQL endpoint that dispatches on the operation
// text and records every request.
type fakeLinear struct {
	mu       sync.Mutex
	requests []gqlRequest
	auth     []string
	handler  func(req gqlRequest) (int, string)
}

func (f *fakeLinear) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req gqlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	f.mu.Unlock()

	status, body := f.handler(req)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func newTestLinear(t *testing.T, handler func(req gqlRequest) (int, string), opts Options) (*Linear, *fakeLinear) {
	t.Helper()
	fake := &fakeLinear{handler: handler}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	opts.URL = srv.URL
	if opts.APIKey == "" {
		opts.APIKey = "lin_api_test"
	}
	return NewLinear(opts), fake
}

const issuesPage1 = `{"data":{"issues":{
  "nodes":[
    {"id":"uuid-1","identifier":"ENG-1","title":"Add dark mode","description":"toggle in settings",
     "url":"https://linear.app/acme/issue/ENG-1","branchName":"joe/eng-1-add-dark-mode",
     "updatedAt":"2026-10-18T10:00:00.000Z","state":{"name":"Todo"},"team":{"id":"team-1"},
     "labels":{"nodes":[{"name":"AI"},{"name":"ui"}]}}
  ],
  "pageInfo":{"hasNextPage":true,"endCursor":"c1"}}}}`

const issuesPage2 = `{"data":{"issues":{
  "nodes":[
    {"id":"uuid-2","identifier":"ENG-2","title":"Fix typo","description":null,
     "url":"https://linear.app/acme/issue/ENG-2","branchName":null,
     "updatedAt":"2026-10-18T11:00:00.000Z","state":{"name":"Todo"},"team":{"id":"team-1"},
     "labels":{"nodes":[{"name":"AI"}]}}
  ],
  "pageInfo":{"hasNextPage":false,"endCursor":"c2"}}}}`

func TestLinear_ListIssues_Paginates(t *testing.T) {
	c, fake := newTestLinear(t, func(req gqlRequest) (int, string) {
		if req.Variables["after"] == nil {
			return http.StatusOK, issuesPage1
		}
		return http.StatusOK, issuesPage2
	}, Options{PageSize: 1})

	since := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)
	issues, err := c.ListIssues(context.Background(), "AI", since)
	require.NoError(t, err)
	require.Len(t, issues, 2)

	first := issues[0]
	assert.Equal(t, "uuid-1", first.ID)
	assert.Equal(t, "ENG-1", first.Identifier)
	assert.Equal(t, "Add dark mode", first.Title)
	assert.Equal(t, "toggle in settings", first.Description)
	assert.Equal(t, "joe/eng-1-add-dark-mode", first.BranchName)
	assert.Equal(t, "team-1", first.TeamID)
	assert.Equal(t, "Todo", first.State)
	assert.Equal(t, []string{"AI", "ui"}, first.Labels)
	assert.True(t, first.UpdatedAt.Equal(time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)))

	second := issues[1]
	assert.Empty(t, second.Description)
	assert.Equal(t, "ai/eng-2", second.SuggestedBranch())

	require.Len(t, fake.requests, 2)
	assert.Contains(t, fake.requests[0].Query, "issues(first: $first, after: $after, filter: $filter)")
	assert.Contains(t, fake.requests[0].Query, "$filter:IssueFilter!")
	assert.Equal(t, "c1", fake.requests[1].Variables["after"])

	filter, ok := fake.requests[0].Variables["filter"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"name": map[string]any{"eqIgnoreCase": "AI"}}, filter["labels"])
	assert.Equal(t, map[string]any{"gte": "2026-10-18T00:00:00Z"}, filter["updatedAt"])
	assert.NotContains(t, filter, "state")

	assert.Equal(t, "lin_api_test", fake.auth[0], "personal API keys are sent without a scheme")
}

func TestLinear_ListIssues_PageLimitWarns(t *testing.T) {
	c, fake := newTestLinear(t, func(gqlRequest) (int, string) {
		return http.StatusOK, issuesPage1
	}, Options{PageSize: 1})

	var logs bytes.Buffer
	ctx := clog.WithLogger(context.Background(), clog.New(slog.NewTextHandler(&logs, nil)))

	issues, err := c.ListIssues(ctx, "AI", time.Time{})
	require.NoError(t, err)
	assert.Len(t, issues, maxPages)
	assert.Len(t, fake.requests, maxPages)
	assert.Contains(t, logs.String(), "level=WARN")
	assert.Contains(t, logs.String(), "more than 20 issues")
}

func TestLinear_ListIssues_RequiredState(t *testing.T) {
	c, fake := newTestLinear(t, func(req gqlRequest) (int, string) {
		return http.StatusOK, `{"data":{"issues":{"nodes":[],"pageInfo":{"hasNextPage":false,"endCursor":null}}}}`
	}, Options{RequiredState: "Todo"})

	issues, err := c.ListIssues(context.Background(), "AI", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, issues)

	filter := fake.requests[0].Variables["filter"].(map[string]any)
	assert.Equal(t, map[string]any{"name": map[string]any{"eqIgnoreCase": "Todo"}}, filter["state"])
	assert.NotContains(t, filter, "updatedAt", "zero since means no date filter")
}

func TestLinear_ListIssues_Unavailable(t *testing.T) {
	c, _ := newTestLinear(t, func(req gqlRequest) (int, string) {
		return http.StatusUnauthorized, `{"errors":[{"message":"Authentication required"}]}`
	}, Options{})

	_, err := c.ListIssues(context.Background(), "AI", time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestLinear_PostComment(t *testing.T) {
	c, fake := newTestLinear(t, func(req gqlRequest) (int, string) {
		return http.StatusOK, `{"data":{"commentCreate":{"success":true}}}`
	}, Options{})

	err := c.PostComment(context.Background(), "uuid-1", "hello **world**")
	require.NoError(t, err)

	require.Len(t, fake.requests, 1)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(fake.requests[0].Query), "mutation"))
	assert.Contains(t, fake.requests[0].Query, "commentCreate(input: $input)")
	assert.Equal(t, map[string]any{"issueId": "uuid-1", "body": "hello **world**"}, fake.requests[0].Variables["input"])
}

func TestLinear_PostComment_NotSuccessful(t *testing.T) {
	c, _ := newTestLinear(t, func(req gqlRequest) (int, string) {
		return http.StatusOK, `{"data":{"commentCreate":{"success":false}}}`
	}, Options{})

	err := c.PostComment(context.Background(), "uuid-1", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reported failure")
}

func TestLinear_SetState(t *testing.T) {
	c, fake := newTestLinear(t, func(req gqlRequest) (int, string) {
		if strings.Contains(req.Query, "team(id: $teamId)") {
			return http.StatusOK, `{"data":{"team":{"states":{"nodes":[
				{"id":"st-todo","name":"Todo"},{"id":"st-prog","name":"In Progress"}]}}}}`
		}
		return http.StatusOK, `{"data":{"issueUpdate":{"success":true}}}`
	}, Options{})

	issue := models.Issue{ID: "uuid-1", Identifier: "ENG-1", TeamID: "team-1"}
	require.NoError(t, c.SetState(context.Background(), issue, "in progress"))
	require.NoError(t, c.SetState(context.Background(), issue, "Todo"))

	// states are fetched once per team
	require.Len(t, fake.requests, 3)
	assert.Contains(t, fake.requests[1].Query, "issueUpdate(id: $id, input: $input)")
	assert.Equal(t, map[string]any{"stateId": "st-prog"}, fake.requests[1].Variables["input"])
	assert.Equal(t, map[string]any{"stateId": "st-todo"}, fake.requests[2].Variables["input"])

	err := c.SetState(context.Background(), issue, "Ready for Review")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestLinear_SetState_NoTeam(t *testing.T) {
	c, _ := newTestLinear(t, func(req gqlRequest) (int, string) {
		return http.StatusOK, `{}`
	}, Options{})

	err := c.SetState(context.Background(), models.Issue{ID: "uuid-1"}, "Todo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no team")
}
