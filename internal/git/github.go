package git

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v84/github"
)

// PullRequestRef identifies a pull request opened for a working copy.
type PullRequestRef struct {
	Number int
	URL    string
	// Existing is set when the branch already had an open pull request.
	Existing bool
}

type pullRequestAPI interface {
	Create(ctx context.Context, owner, repo string, pull *github.NewPullRequest) (*github.PullRequest, *github.Response, error)
	List(ctx context.Context, owner, repo string, opts *github.PullRequestListOptions) ([]*github.PullRequest, *github.Response, error)
}

// OpenPullRequest opens a pull request from the working copy branch into its
// base. When one is already open for the branch it is returned instead.
func (c *Client) OpenPullRequest(ctx context.Context, wc *WorkingCopy, title, body string) (*PullRequestRef, error) {
	if wc == nil {
		return nil, fmt.Errorf("%w: no working copy", ErrVCS)
	}

	pr, resp, err := c.prs.Create(ctx, c.owner, c.repo, &github.NewPullRequest{
		Title: github.Ptr(title),
		Body:  github.Ptr(body),
		Head:  github.Ptr(wc.Branch),
		Base:  github.Ptr(wc.Base),
	})
	if err == nil {
		return &PullRequestRef{Number: pr.GetNumber(), URL: pr.GetHTMLURL()}, nil
	}
	if !alreadyExists(resp, err) {
		return nil, fmt.Errorf("%w: create pull request: %w", ErrVCS, err)
	}

	existing, _, listErr := c.prs.List(ctx, c.owner, c.repo, &github.PullRequestListOptions{
		State: "open",
		Head:  c.owner + ":" + wc.Branch,
		Base:  wc.Base,
	})
	if listErr != nil {
		return nil, fmt.Errorf("%w: find existing pull request: %w", ErrVCS, listErr)
	}
	if len(existing) == 0 {
		return nil, fmt.Errorf("%w: create pull request: %w", ErrVCS, err)
	}
	return &PullRequestRef{
		Number:   existing[0].GetNumber(),
		URL:      existing[0].GetHTMLURL(),
		Existing: true,
	}, nil
}

func alreadyExists(resp *github.Response, err error) bool {
	if resp == nil || resp.StatusCode != http.StatusUnprocessableEntity {
		return false
	}
	var ghErr *github.ErrorResponse
	if !errors.As(err, &ghErr) {
		return false
	}
	for _, e := range ghErr.Errors {
		if strings.Contains(e.Message, "already exists") {
			return true
		}
	}
	return strings.Contains(ghErr.Message, "already exists")
}

// ExtractOwnerRepo parses "owner/repo" or a GitHub remote URL and returns
// owner and repo.
func ExtractOwnerRepo(remoteURL string) (owner, repo string, err error) {
	remoteURL = strings.TrimSpace(remoteURL)

	// Handle SSH: git@github.com:owner/repo.git
	if strings.HasPrefix(remoteURL, "git@") {
		parts := strings.SplitN(remoteURL, ":", 2)
		if len(parts) != 2 {
			return "", "", fmt.Errorf("cannot parse SSH remote: %s", remoteURL)
		}
		path := strings.TrimSuffix(parts[1], ".git")
		segments := strings.SplitN(path, "/", 2)
		if len(segments) != 2 || segments[0] == "" || segments[1] == "" {
			return "", "", fmt.Errorf("cannot parse owner/repo from: %s", remoteURL)
		}
		return segments[0], segments[1], nil
	}

	// Handle HTTPS: https://github.com/owner/repo.git
	trimmed := strings.TrimSuffix(strings.TrimSuffix(remoteURL, "/"), ".git")
	trimmed = strings.TrimPrefix(trimmed, "https://github.com/")
	trimmed = strings.TrimPrefix(trimmed, "http://github.com/")
	segments := strings.Split(trimmed, "/")
	if len(segments) != 2 || segments[0] == "" || segments[1] == "" || strings.Contains(segments[0], ":") {
		return "", "", fmt.Errorf("cannot parse owner/repo from: %s", remoteURL)
	}
	return segments[0], segments[1], nil
}
