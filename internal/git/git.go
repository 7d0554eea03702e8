package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	gogit "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/google/go-github/v84/github"
	"golang.org/x/oauth2"
)

// ErrVCS is wrapped by every error returned from the source control client.
var ErrVCS = errors.New("source control error")

const remoteName = "origin"

// WorkingCopy is the local clone checked out on an issue branch.
type WorkingCopy struct {
	Path   string
	Branch string
	Base   string
	// Head is the base commit the branch was reset to.
	Head string

	repo *gogit.Repository
}

// Options configures a Client.
type Options struct {
	// Repo is "owner/repo" or a GitHub URL.
	Repo  string
	Token string
	// Dir is where the working copy is cloned.
	Dir string
	// RemoteURL overrides the clone URL derived from Repo.
	RemoteURL string
	// APIURL overrides the GitHub REST endpoint.
	APIURL      string
	AuthorName  string
	AuthorEmail string
}

// Client manages a single working copy and opens pull requests on GitHub.
type Client struct {
	dir         string
	remoteURL   string
	owner       string
	repo        string
	tokens      oauth2.TokenSource
	authorName  string
	authorEmail string
	prs         pullRequestAPI
	now         func() time.Time
}

// NewClient returns a Client for the repository described by opts.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	owner, repo, err := ExtractOwnerRepo(opts.Repo)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVCS, err)
	}
	if opts.Dir == "" {
		return nil, fmt.Errorf("%w: working directory is required", ErrVCS)
	}

	remote := opts.RemoteURL
	if remote == "" {
		remote = fmt.Sprintf("https://github.com/%s/%s.git", owner, repo)
	}

	var tokens oauth2.TokenSource
	if opts.Token != "" {
		tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token})
	}

	gh := github.NewClient(nil)
	if tokens != nil {
		gh = github.NewClient(oauth2.NewClient(ctx, tokens))
	}
	if opts.APIURL != "" {
		gh, err = gh.WithEnterpriseURLs(opts.APIURL, opts.APIURL)
		if err != nil {
			return nil, fmt.Errorf("%w: github api url: %w", ErrVCS, err)
		}
	}

	return &Client{
		dir:         opts.Dir,
		remoteURL:   remote,
		owner:       owner,
		repo:        repo,
		tokens:      tokens,
		authorName:  opts.AuthorName,
		authorEmail: opts.AuthorEmail,
		prs:         gh.PullRequests,
		now:         time.Now,
	}, nil
}

// Owner returns the repository owner.
func (c *Client) Owner() string { return c.owner }

// Repo returns the repository name.
func (c *Client) Repo() string { return c.repo }

// Dir returns the working copy path.
func (c *Client) Dir() string { return c.dir }

func (c *Client) auth() (transport.AuthMethod, error) {
	if c.tokens == nil {
		return nil, nil
	}
	tok, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}
	return &githttp.BasicAuth{
		Username: "x-access-token",
		Password: tok.AccessToken,
	}, nil
}

// openOrClone opens the working copy, cloning it on first use.
func (c *Client) openOrClone(ctx context.Context, base string, auth transport.AuthMethod) (*gogit.Repository, error) {
	repo, err := gogit.PlainOpen(c.dir)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, gogit.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open %s: %w", c.dir, err)
	}

	if entries, readErr := os.ReadDir(c.dir); readErr == nil && len(entries) > 0 {
		return nil, fmt.Errorf("%s exists and is not a git repository", c.dir)
	}
	if err := os.MkdirAll(filepath.Dir(c.dir), 0o755); err != nil {
		return nil, fmt.Errorf("create parent of %s: %w", c.dir, err)
	}

	repo, err = gogit.PlainCloneContext(ctx, c.dir, false, &gogit.CloneOptions{
		URL:           c.remoteURL,
		Auth:          auth,
		RemoteName:    remoteName,
		ReferenceName: plumbing.NewBranchReferenceName(base),
	})
	if err != nil {
		_ = os.RemoveAll(c.dir)
		return nil, fmt.Errorf("clone %s: %w", c.remoteURL, err)
	}
	return repo, nil
}

// EnsureBranch brings the working copy to a clean checkout of name, reset to
// the tip of origin/base. An existing local branch is discarded.
func (c *Client) EnsureBranch(ctx context.Context, name, base string) (*WorkingCopy, error) {
	if name == "" || base == "" {
		return nil, fmt.Errorf("%w: branch and base are required", ErrVCS)
	}

	auth, err := c.auth()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVCS, err)
	}

	repo, err := c.openOrClone(ctx, base, auth)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVCS, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("%w: worktree: %w", ErrVCS, err)
	}

	// Leftovers from an interrupted run must not leak into this branch.
	if err := wt.Reset(&gogit.ResetOptions{Mode: gogit.HardReset}); err != nil {
		return nil, fmt.Errorf("%w: reset: %w", ErrVCS, err)
	}
	if err := wt.Clean(&gogit.CleanOptions{Dir: true}); err != nil {
		return nil, fmt.Errorf("%w: clean: %w", ErrVCS, err)
	}

	refSpec := gitconfig.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/%s/%s", base, remoteName, base))
	err = repo.FetchContext(ctx, &gogit.FetchOptions{
		RemoteName: remoteName,
		RefSpecs:   []gitconfig.RefSpec{refSpec},
		Auth:       auth,
		Force:      true,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return nil, fmt.Errorf("%w: fetch %s: %w", ErrVCS, base, err)
	}

	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName(remoteName, base), true)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s/%s: %w", ErrVCS, remoteName, base, err)
	}

	branchRef := plumbing.NewBranchReferenceName(name)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRef, remoteRef.Hash())); err != nil {
		return nil, fmt.Errorf("%w: set %s: %w", ErrVCS, name, err)
	}
	if err := wt.Checkout(&gogit.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return nil, fmt.Errorf("%w: checkout %s: %w", ErrVCS, name, err)
	}
	if err := wt.Clean(&gogit.CleanOptions{Dir: true}); err != nil {
		return nil, fmt.Errorf("%w: clean: %w", ErrVCS, err)
	}

	return &WorkingCopy{
		Path:   c.dir,
		Branch: name,
		Base:   base,
		Head:   remoteRef.Hash().String(),
		repo:   repo,
	}, nil
}

func (c *Client) repoFor(wc *WorkingCopy) (*gogit.Repository, error) {
	if wc == nil {
		return nil, errors.New("no working copy")
	}
	if wc.repo != nil {
		return wc.repo, nil
	}
	repo, err := gogit.PlainOpen(wc.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", wc.Path, err)
	}
	wc.repo = repo
	return repo, nil
}

// Changes lists the paths that differ from the branch head, including
// untracked files. An empty result means the agent changed nothing.
func (c *Client) Changes(_ context.Context, wc *WorkingCopy) ([]string, error) {
	repo, err := c.repoFor(wc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVCS, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("%w: worktree: %w", ErrVCS, err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("%w: status: %w", ErrVCS, err)
	}

	var paths []string
	for path, s := range status {
		if s.Staging == gogit.Unmodified && s.Worktree == gogit.Unmodified {
			continue
		}
		paths = append(paths, path)
	}
	slices.Sort(paths)
	return paths, nil
}

// CommitAndPush stages everything, commits it and force-pushes the branch.
func (c *Client) CommitAndPush(ctx context.Context, wc *WorkingCopy, message string) error {
	repo, err := c.repoFor(wc)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVCS, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("%w: worktree: %w", ErrVCS, err)
	}

	if err := wt.AddWithOptions(&gogit.AddOptions{All: true}); err != nil {
		return fmt.Errorf("%w: stage changes: %w", ErrVCS, err)
	}
	hash, err := wt.Commit(message, &gogit.CommitOptions{
		Author: &object.Signature{
			Name:  c.authorName,
			Email: c.authorEmail,
			When:  c.now(),
		},
	})
	if err != nil {
		return fmt.Errorf("%w: commit: %w", ErrVCS, err)
	}

	auth, err := c.auth()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVCS, err)
	}
	refSpec := gitconfig.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/heads/%s", wc.Branch, wc.Branch))
	err = repo.PushContext(ctx, &gogit.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []gitconfig.RefSpec{refSpec},
		Auth:       auth,
		Force:      true,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return fmt.Errorf("%w: push %s (%s): %w", ErrVCS, wc.Branch, hash.String()[:7], err)
	}
	return nil
}
