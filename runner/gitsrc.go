package runner

import (
	"context"
	"os"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"

	"github.com/nightwatchci/nightwatch/errors"
)

// NormalizeRepoURL ensures the URL is in a format go-git can clone.
// Adds .git suffix if missing for HTTPS URLs to known hosts.
func NormalizeRepoURL(url string) string {
	if strings.HasSuffix(url, ".git") {
		return url
	}

	url = strings.TrimSuffix(url, "/")

	if strings.HasPrefix(url, "https://") || strings.HasPrefix(url, "http://") {
		if isGitHostURL(url) {
			return url + ".git"
		}
	}
	return url
}

func isGitHostURL(url string) bool {
	knownHosts := []string{
		"github.com",
		"gitlab.com",
		"bitbucket.org",
		"codeberg.org",
		"sr.ht",
		"gitea.com",
	}

	lowered := strings.ToLower(url)
	for _, host := range knownHosts {
		if strings.Contains(lowered, host) {
			return true
		}
	}
	return strings.HasSuffix(url, ".git")
}

// Checkout makes dir contain a clean working tree of the branch head and
// returns the commit SHA that was checked out.
//
// First run clones shallow; later runs fetch and hard-reset, so local state
// from a previous build never leaks into the next one.
func Checkout(ctx context.Context, repoURL, branch, dir string, logger *zap.SugaredLogger) (string, error) {
	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return clone(ctx, repoURL, branch, dir, logger)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to open repository at %s", dir)
	}

	return update(ctx, repo, repoURL, branch, logger)
}

func clone(ctx context.Context, repoURL, branch, dir string, logger *zap.SugaredLogger) (string, error) {
	normalizedURL := NormalizeRepoURL(repoURL)

	logger.Infow("Cloning repository",
		"url", normalizedURL,
		"branch", branch,
		"destination", dir,
		"depth", 1)

	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:           normalizedURL,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Depth:         1,
	})
	if err != nil {
		os.RemoveAll(dir)
		return "", errors.Wrapf(err, "failed to clone %s", normalizedURL)
	}

	head, err := repo.Head()
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve HEAD after clone")
	}
	return head.Hash().String(), nil
}

func update(ctx context.Context, repo *git.Repository, repoURL, branch string, logger *zap.SugaredLogger) (string, error) {
	err := repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return "", errors.Wrapf(err, "failed to fetch %s", repoURL)
	}

	ref, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		return "", errors.Wrapf(err, "failed to resolve origin/%s", branch)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", errors.Wrap(err, "failed to get worktree")
	}

	// Hard reset discards any residue a previous build left behind.
	if err := wt.Reset(&git.ResetOptions{Mode: git.HardReset, Commit: ref.Hash()}); err != nil {
		return "", errors.Wrapf(err, "failed to reset to %s", ref.Hash())
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return "", errors.Wrap(err, "failed to clean worktree")
	}

	logger.Infow("Updated repository",
		"branch", branch,
		"commit", ref.Hash().String())

	return ref.Hash().String(), nil
}
