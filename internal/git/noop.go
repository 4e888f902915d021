package git

import (
	"context"
)

// NewNoopStasher returns a Stasher that always reports a clean tree and never stashes.
// Used when auto-stash is disabled.
func NewNoopStasher() Stasher {
	return noopStasher{}
}

type noopStasher struct{}

func (noopStasher) IsDirty(ctx context.Context) (bool, error) {
	return false, nil
}

func (noopStasher) Push(ctx context.Context, message string) (bool, error) {
	return false, nil
}

func (noopStasher) Pop(ctx context.Context) error {
	return nil
}

// NewNoopTransport returns a Transport whose operations succeed without side effects,
// for dry runs.
func NewNoopTransport() Transport {
	return noopTransport{}
}

type noopTransport struct{}

func (noopTransport) Fetch(ctx context.Context, remote, ref string) error {
	return nil
}

func (noopTransport) ForcePush(ctx context.Context, remote, branch string) error {
	return nil
}
