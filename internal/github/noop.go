package gh

import (
	"context"
	"fmt"
)

// NewNoopFactory returns a Factory that builds noop clients. It is used when no token
// is configured, so remote checks fall back to local tracking refs.
func NewNoopFactory() Factory {
	return noopFactory{}
}

type noopFactory struct{}

func (noopFactory) New(ctx context.Context, token string) (Client, error) {
	return noopClient{}, nil
}

type noopClient struct{}

func (noopClient) GetPullRequest(ctx context.Context, owner, repo string, number int) (PRMetadata, error) {
	return PRMetadata{}, fmt.Errorf("github access is not configured")
}

func (noopClient) CommitExistsOnBranch(ctx context.Context, owner, repo, commitSHA, branch string) (bool, error) {
	return false, nil
}

func (noopClient) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	return "", ErrBranchNotFound
}
