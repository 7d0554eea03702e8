package tracker

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/shurcooL/graphql"

	"github.com/joescharf/codebot/internal/models"
)

// maxPages bounds a single ListIssues call.
const maxPages = 20

// Options configures a Linear client.
type Options struct {
	URL           string
	APIKey        string
	PageSize      int
	RequiredState string // only list issues in this workflow state; empty = any
	HTTPClient    *http.Client
}

// Linear implements the tracker operations against Linear.
type Linear struct {
	gql           *graphql.Client
	pageSize      int
	requiredState string

	mu     sync.Mutex
	states map[string]map[string]string // team id -> lower(state name) -> state id
}

// NewLinear returns a Linear client authenticated with opts.APIKey.
func NewLinear(opts Options) *Linear {
	url := opts.URL
	if url == "" {
		url = DefaultURL
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	base := http.DefaultTransport
	timeout := 30 * time.Second
	if opts.HTTPClient != nil {
		if opts.HTTPClient.Transport != nil {
			base = opts.HTTPClient.Transport
		}
		if opts.HTTPClient.Timeout != 0 {
			timeout = opts.HTTPClient.Timeout
		}
	}
	hc := &http.Client{
		Timeout:   timeout,
		Transport: &apiKeyTransport{key: opts.APIKey, base: base},
	}
	return &Linear{
		gql:           graphql.NewClient(url, hc),
		pageSize:      pageSize,
		requiredState: opts.RequiredState,
		states:        make(map[string]map[string]string),
	}
}

// apiKeyTransport sets Linear's personal API key header, which is sent bare
// rather than as a bearer token.
type apiKeyTransport struct {
	key  string
	base http.RoundTripper
}

func (t *apiKeyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.Header.Set("Authorization", t.key)
	return t.base.RoundTrip(r)
}

// GraphQL input types. The Go type names are sent as the variable types, so
// they must match Linear's schema names.

type StringComparator struct {
	Eq           string `json:"eq,omitempty"`
	EqIgnoreCase string `json:"eqIgnoreCase,omitempty"`
}

type DateComparator struct {
	Gte string `json:"gte,omitempty"`
}

type IssueLabelCollectionFilter struct {
	Name *StringComparator `json:"name,omitempty"`
}

type WorkflowStateFilter struct {
	Name *StringComparator `json:"name,omitempty"`
}

type IssueFilter struct {
	Labels    *IssueLabelCollectionFilter `json:"labels,omitempty"`
	UpdatedAt *DateComparator             `json:"updatedAt,omitempty"`
	State     *WorkflowStateFilter        `json:"state,omitempty"`
}

type CommentCreateInput struct {
	IssueID string `json:"issueId"`
	Body    string `json:"body"`
}

type IssueUpdateInput struct {
	StateID string `json:"stateId"`
}

type issueNode struct {
	ID          graphql.String
	Identifier  graphql.String
	Title       graphql.String
	Description *graphql.String
	URL         graphql.String
	BranchName  *graphql.String
	UpdatedAt   time.Time
	State       struct {
		Name graphql.String
	}
	Team struct {
		ID graphql.String
	}
	Labels struct {
		Nodes []struct {
			Name graphql.String
		}
	} `graphql:"labels(first: 50)"`
}

func (n *issueNode) toModel() models.Issue {
	issue := models.Issue{
		ID:         string(n.ID),
		Identifier: string(n.Identifier),
		Title:      string(n.Title),
		URL:        string(n.URL),
		State:      string(n.State.Name),
		TeamID:     string(n.Team.ID),
		UpdatedAt:  n.UpdatedAt,
	}
	if n.Description != nil {
		issue.Description = string(*n.Description)
	}
	if n.BranchName != nil {
		issue.BranchName = string(*n.BranchName)
	}
	for _, l := range n.Labels.Nodes {
		issue.Labels = append(issue.Labels, string(l.Name))
	}
	return issue
}

// ListIssues returns issues carrying label that were updated at or after
// since, in the order Linear returns them.
func (c *Linear) ListIssues(ctx context.Context, label string, since time.Time) ([]models.Issue, error) {
	filter := IssueFilter{
		Labels: &IssueLabelCollectionFilter{Name: &StringComparator{EqIgnoreCase: label}},
	}
	if !since.IsZero() {
		filter.UpdatedAt = &DateComparator{Gte: since.UTC().Format(time.RFC3339)}
	}
	if c.requiredState != "" {
		filter.State = &WorkflowStateFilter{Name: &StringComparator{EqIgnoreCase: c.requiredState}}
	}

	var q struct {
		Issues struct {
			Nodes    []issueNode
			PageInfo struct {
				HasNextPage graphql.Boolean
				EndCursor   *graphql.String
			}
		} `graphql:"issues(first: $first, after: $after, filter: $filter)"`
	}

	var issues []models.Issue
	var after *graphql.String
	for page := 0; page < maxPages; page++ {
		vars := map[string]any{
			"first":  graphql.Int(c.pageSize),
			"after":  after,
			"filter": filter,
		}
		if err := c.gql.Query(ctx, &q, vars); err != nil {
			return nil, fmt.Errorf("%w: list issues with label %q: %w", ErrUnavailable, label, err)
		}
		for i := range q.Issues.Nodes {
			issues = append(issues, q.Issues.Nodes[i].toModel())
		}
		if !q.Issues.PageInfo.HasNextPage || q.Issues.PageInfo.EndCursor == nil {
			break
		}
		if page == maxPages-1 {
			clog.FromContext(ctx).Warnf("label %q matches more than %d issues; the rest are picked up on later polls", label, len(issues))
			break
		}
		cursor := *q.Issues.PageInfo.EndCursor
		after = &cursor
		q.Issues.Nodes = nil
	}
	return issues, nil
}

// PostComment adds a markdown comment to an issue.
func (c *Linear) PostComment(ctx context.Context, issueID, body string) error {
	var m struct {
		CommentCreate struct {
			Success graphql.Boolean
		} `graphql:"commentCreate(input: $input)"`
	}
	vars := map[string]any{
		"input": CommentCreateInput{IssueID: issueID, Body: body},
	}
	if err := c.gql.Mutate(ctx, &m, vars); err != nil {
		return fmt.Errorf("post comment on %s: %w", issueID, err)
	}
	if !m.CommentCreate.Success {
		return fmt.Errorf("post comment on %s: linear reported failure", issueID)
	}
	return nil
}

// SetState moves an issue to the team workflow state with the given name
// (case-insensitive). An unknown state name is an error.
func (c *Linear) SetState(ctx context.Context, issue models.Issue, stateName string) error {
	stateID, err := c.stateID(ctx, issue.TeamID, stateName)
	if err != nil {
		return err
	}

	var m struct {
		IssueUpdate struct {
			Success graphql.Boolean
		} `graphql:"issueUpdate(id: $id, input: $input)"`
	}
	vars := map[string]any{
		"id":    graphql.String(issue.ID),
		"input": IssueUpdateInput{StateID: stateID},
	}
	if err := c.gql.Mutate(ctx, &m, vars); err != nil {
		return fmt.Errorf("update state of %s: %w", issue.Key(), err)
	}
	if !m.IssueUpdate.Success {
		return fmt.Errorf("update state of %s: linear reported failure", issue.Key())
	}
	return nil
}

func (c *Linear) stateID(ctx context.Context, teamID, name string) (string, error) {
	if teamID == "" {
		return "", fmt.Errorf("resolve state %q: issue has no team", name)
	}

	c.mu.Lock()
	cached, ok := c.states[teamID]
	c.mu.Unlock()

	if !ok {
		var q struct {
			Team struct {
				States struct {
					Nodes []struct {
						ID   graphql.String
						Name graphql.String
					}
				}
			} `graphql:"team(id: $teamId)"`
		}
		if err := c.gql.Query(ctx, &q, map[string]any{"teamId": graphql.String(teamID)}); err != nil {
			return "", fmt.Errorf("list workflow states for team %s: %w", teamID, err)
		}
		cached = make(map[string]string, len(q.Team.States.Nodes))
		for _, s := range q.Team.States.Nodes {
			cached[strings.ToLower(string(s.Name))] = string(s.ID)
		}
		c.mu.Lock()
		c.states[teamID] = cached
		c.mu.Unlock()
	}

	id, ok := cached[strings.ToLower(name)]
	if !ok {
		return "", fmt.Errorf("workflow state %q not found in team %s", name, teamID)
	}
	return id, nil
}
