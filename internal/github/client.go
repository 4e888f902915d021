package gh

import (
	"context"
	"errors"
	"fmt"
)

// PRMetadata contains the pull request details needed to pick its changes locally.
type PRMetadata struct {
	Owner      string
	Repo       string
	Number     int
	Title      string
	MergeSHA   string
	HeadSHA    string
	HeadRef    string
	BaseRef    string
	HeadOwner  string
	IsMerged   bool
	IsFromFork bool
}

// PickSHA returns the commit a pick should apply: the merge commit for merged pull
// requests, the head commit otherwise.
func (p PRMetadata) PickSHA() string {
	if p.IsMerged && p.MergeSHA != "" {
		return p.MergeSHA
	}
	return p.HeadSHA
}

// PickRef returns the remote ref that carries PickSHA.
func (p PRMetadata) PickRef() string {
	if p.IsMerged && p.BaseRef != "" {
		return p.BaseRef
	}
	return fmt.Sprintf("pull/%d/head", p.Number)
}

// Client exposes the GitHub operations the rewrite engine consults.
type Client interface {
	GetPullRequest(ctx context.Context, owner, repo string, number int) (PRMetadata, error)
	CommitExistsOnBranch(ctx context.Context, owner, repo, commitSHA, branch string) (bool, error)
	DefaultBranch(ctx context.Context, owner, repo string) (string, error)
}

// Factory builds concrete GitHub clients (e.g., REST-backed).
type Factory interface {
	New(ctx context.Context, token string) (Client, error)
}

// ErrBranchNotFound indicates the requested branch does not exist.
var ErrBranchNotFound = errors.New("github: branch not found")

// retryableError marks an error that may succeed if the operation is retried.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	if e == nil || e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// IsRetryable reports whether the supplied error resulted from a retryable GitHub
// API failure (for example, a transient network problem or rate-limited request).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var target *retryableError
	return errors.As(err, &target)
}
