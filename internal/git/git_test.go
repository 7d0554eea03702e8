package git

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initRemote creates a repository on master with a README to clone from.
func initRemote(t *testing.T) (string, *gogit.Repository) {
	t.Helper()
	dir := t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	require.NoError(t, err)
	require.NoError(t, repo.Storer.SetReference(
		plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("master"))))
	commitFile(t, repo, dir, "README.md", "# widgets\n", "initial")
	return dir, repo
}

func commitFile(t *testing.T, repo *gogit.Repository, dir, name, content, msg string) plumbing.Hash {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(name)
	require.NoError(t, err)
	hash, err := wt.Commit(msg, &gogit.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return hash
}

func newTestClient(t *testing.T, remote string) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), Options{
		Repo:        "acme/widgets",
		Dir:         filepath.Join(t.TempDir(), "code"),
		RemoteURL:   remote,
		AuthorName:  "codebot",
		AuthorEmail: "codebot@example.com",
	})
	require.NoError(t, err)
	c.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return c
}

func TestNewClient_InvalidRepo(t *testing.T) {
	_, err := NewClient(context.Background(), Options{Repo: "not-a-repo", Dir: t.TempDir()})
	assert.ErrorIs(t, err, ErrVCS)
}

func TestNewClient_RequiresDir(t *testing.T) {
	_, err := NewClient(context.Background(), Options{Repo: "acme/widgets"})
	assert.ErrorIs(t, err, ErrVCS)
}

func TestNewClient_DefaultRemote(t *testing.T) {
	c, err := NewClient(context.Background(), Options{Repo: "acme/widgets", Dir: t.TempDir(), Token: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/widgets.git", c.remoteURL)
	assert.Equal(t, "acme", c.Owner())
	assert.Equal(t, "widgets", c.Repo())

	auth, err := c.auth()
	require.NoError(t, err)
	assert.NotNil(t, auth)
}

func TestEnsureBranch_ClonesAndChecksOut(t *testing.T) {
	remote, remoteRepo := initRemote(t)
	c := newTestClient(t, remote)

	wc, err := c.EnsureBranch(context.Background(), "ai/iss-1", "master")
	require.NoError(t, err)
	assert.Equal(t, c.Dir(), wc.Path)
	assert.Equal(t, "ai/iss-1", wc.Branch)
	assert.Equal(t, "master", wc.Base)

	remoteHead, err := remoteRepo.Head()
	require.NoError(t, err)
	assert.Equal(t, remoteHead.Hash().String(), wc.Head)

	local, err := gogit.PlainOpen(wc.Path)
	require.NoError(t, err)
	head, err := local.Head()
	require.NoError(t, err)
	assert.Equal(t, plumbing.NewBranchReferenceName("ai/iss-1"), head.Name())
	assert.FileExists(t, filepath.Join(wc.Path, "README.md"))
}

func TestEnsureBranch_RefusesForeignDirectory(t *testing.T) {
	remote, _ := initRemote(t)
	c := newTestClient(t, remote)
	require.NoError(t, os.MkdirAll(c.Dir(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(c.Dir(), "stray.txt"), []byte("x"), 0o644))

	_, err := c.EnsureBranch(context.Background(), "ai/iss-1", "master")
	assert.ErrorIs(t, err, ErrVCS)
	assert.FileExists(t, filepath.Join(c.Dir(), "stray.txt"))
}

func TestEnsureBranch_BadRemote(t *testing.T) {
	c := newTestClient(t, filepath.Join(t.TempDir(), "missing"))
	_, err := c.EnsureBranch(context.Background(), "ai/iss-1", "master")
	assert.ErrorIs(t, err, ErrVCS)
	assert.NoDirExists(t, c.Dir())
}

func TestEnsureBranch_RequiresNames(t *testing.T) {
	c := newTestClient(t, t.TempDir())
	_, err := c.EnsureBranch(context.Background(), "", "master")
	assert.ErrorIs(t, err, ErrVCS)
}

func TestChanges(t *testing.T) {
	remote, _ := initRemote(t)
	c := newTestClient(t, remote)
	ctx := context.Background()

	wc, err := c.EnsureBranch(ctx, "ai/iss-1", "master")
	require.NoError(t, err)

	changes, err := c.Changes(ctx, wc)
	require.NoError(t, err)
	assert.Empty(t, changes)

	require.NoError(t, os.WriteFile(filepath.Join(wc.Path, "README.md"), []byte("# widgets v2\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(wc.Path, "new.txt"), []byte("hello\n"), 0o644))

	changes, err = c.Changes(ctx, wc)
	require.NoError(t, err)
	assert.Equal(t, []string{"README.md", "new.txt"}, changes)
}

func TestChanges_ReopensWorkingCopy(t *testing.T) {
	remote, _ := initRemote(t)
	c := newTestClient(t, remote)
	ctx := context.Background()

	wc, err := c.EnsureBranch(ctx, "ai/iss-1", "master")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(wc.Path, "new.txt"), []byte("hello\n"), 0o644))

	changes, err := c.Changes(ctx, &WorkingCopy{Path: wc.Path, Branch: wc.Branch, Base: wc.Base})
	require.NoError(t, err)
	assert.Equal(t, []string{"new.txt"}, changes)
}

func TestCommitAndPush(t *testing.T) {
	remote, remoteRepo := initRemote(t)
	c := newTestClient(t, remote)
	ctx := context.Background()

	wc, err := c.EnsureBranch(ctx, "ai/iss-1", "master")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(wc.Path, "hello.go"), []byte("package hello\n"), 0o644))

	require.NoError(t, c.CommitAndPush(ctx, wc, "ISS-1: Add hello"))

	ref, err := remoteRepo.Reference(plumbing.NewBranchReferenceName("ai/iss-1"), true)
	require.NoError(t, err)
	commit, err := remoteRepo.CommitObject(ref.Hash())
	require.NoError(t, err)
	assert.Equal(t, "ISS-1: Add hello", commit.Message)
	assert.Equal(t, "codebot", commit.Author.Name)
	assert.Equal(t, "codebot@example.com", commit.Author.Email)

	_, err = commit.File("hello.go")
	assert.NoError(t, err)

	changes, err := c.Changes(ctx, wc)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestEnsureBranch_ResetsExistingBranch(t *testing.T) {
	remote, remoteRepo := initRemote(t)
	c := newTestClient(t, remote)
	ctx := context.Background()

	wc, err := c.EnsureBranch(ctx, "ai/iss-1", "master")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(wc.Path, "first.txt"), []byte("1\n"), 0o644))
	require.NoError(t, c.CommitAndPush(ctx, wc, "first attempt"))

	// Main moves on and a stray file is left behind.
	newHead := commitFile(t, remoteRepo, remote, "CHANGELOG.md", "v2\n", "second")
	require.NoError(t, os.WriteFile(filepath.Join(wc.Path, "stray.txt"), []byte("x"), 0o644))

	wc, err = c.EnsureBranch(ctx, "ai/iss-1", "master")
	require.NoError(t, err)
	assert.Equal(t, newHead.String(), wc.Head)
	assert.NoFileExists(t, filepath.Join(wc.Path, "first.txt"))
	assert.NoFileExists(t, filepath.Join(wc.Path, "stray.txt"))
	assert.FileExists(t, filepath.Join(wc.Path, "CHANGELOG.md"))

	changes, err := c.Changes(ctx, wc)
	require.NoError(t, err)
	assert.Empty(t, changes)

	// The force push replaces the earlier attempt.
	require.NoError(t, os.WriteFile(filepath.Join(wc.Path, "second.txt"), []byte("2\n"), 0o644))
	require.NoError(t, c.CommitAndPush(ctx, wc, "second attempt"))

	ref, err := remoteRepo.Reference(plumbing.NewBranchReferenceName("ai/iss-1"), true)
	require.NoError(t, err)
	commit, err := remoteRepo.CommitObject(ref.Hash())
	require.NoError(t, err)
	assert.Equal(t, "second attempt", commit.Message)
	require.Equal(t, 1, commit.NumParents())
	assert.Equal(t, newHead, commit.ParentHashes[0])
}

func TestExtractOwnerRepo_SSH(t *testing.T) {
	owner, repo, err := ExtractOwnerRepo("git@github.com:acme/widgets.git")
	assert.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "widgets", repo)
}

func TestExtractOwnerRepo_HTTPS(t *testing.T) {
	owner, repo, err := ExtractOwnerRepo("https://github.com/acme/widgets.git")
	assert.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "widgets", repo)
}

func TestExtractOwnerRepo_HTTPSNoGit(t *testing.T) {
	owner, repo, err := ExtractOwnerRepo("https://github.com/acme/widgets/")
	assert.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "widgets", repo)
}

func TestExtractOwnerRepo_Short(t *testing.T) {
	owner, repo, err := ExtractOwnerRepo("acme/widgets")
	assert.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "widgets", repo)
}

func TestExtractOwnerRepo_Invalid(t *testing.T) {
	for _, in := range []string{"not-a-url", "", "https://gitlab.com/acme/widgets", "acme/"} {
		_, _, err := ExtractOwnerRepo(in)
		assert.Error(t, err, in)
	}
}
