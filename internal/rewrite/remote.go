package rewrite

import (
	"context"
	"log/slog"

	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/rancher/git-rewrite/internal/git"
	gh "github.com/rancher/git-rewrite/internal/github"
	"github.com/rancher/git-rewrite/internal/refs"
)

// RemoteChecker answers whether a commit is already published on a remote branch.
type RemoteChecker interface {
	IsPushed(ctx context.Context, commit *object.Commit, branch string) (bool, error)
}

// NewRemoteChecker checks the local remote-tracking ref first and, when a GitHub client
// and slug are supplied, asks GitHub about commits the tracking ref does not contain.
func NewRemoteChecker(repo *git.Repository, remote string, client gh.Client, slug refs.Slug, logger *slog.Logger) RemoteChecker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &remoteChecker{repo: repo, remote: remote, gh: client, slug: slug, log: logger}
}

type remoteChecker struct {
	repo   *git.Repository
	remote string
	gh     gh.Client
	slug   refs.Slug
	log    *slog.Logger
}

func (c *remoteChecker) IsPushed(ctx context.Context, commit *object.Commit, branch string) (bool, error) {
	if branch == "" {
		return false, nil
	}

	pushed, err := c.repo.ReachableFromRemote(c.remote, branch, commit)
	if err != nil {
		return false, err
	}
	if pushed || c.gh == nil || c.slug.IsZero() {
		return pushed, nil
	}

	pushed, err = c.gh.CommitExistsOnBranch(ctx, c.slug.Owner, c.slug.Name, commit.Hash.String(), branch)
	if err != nil {
		return false, err
	}
	c.log.Debug("remote reachability from github", "commit", commit.Hash.String(), "branch", branch, "pushed", pushed)
	return pushed, nil
}
