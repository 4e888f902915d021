package git

import "context"

// Stasher saves and restores uncommitted work around destructive operations.
type Stasher interface {
	IsDirty(ctx context.Context) (bool, error)
	Push(ctx context.Context, message string) (bool, error)
	Pop(ctx context.Context) error
}

// Transport moves objects between the local repository and a remote.
type Transport interface {
	Fetch(ctx context.Context, remote, ref string) error
	ForcePush(ctx context.Context, remote, branch string) error
}

var (
	_ Stasher   = (*ShellExecutor)(nil)
	_ Transport = (*ShellExecutor)(nil)
)
