package rewrite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rancher/git-rewrite/internal/git"
)

var errStashHeld = errors.New("an auto-stash is already held by this operation")

// Safety saves uncommitted work before destructive operations and puts it back
// afterwards. A push is always matched by exactly one restore before the next push.
type Safety struct {
	stasher git.Stasher
	log     *slog.Logger
	held    bool
}

// NewSafety returns a coordinator around stasher.
func NewSafety(stasher git.Stasher, logger *slog.Logger) *Safety {
	if stasher == nil {
		stasher = git.NewNoopStasher()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Safety{stasher: stasher, log: logger}
}

// Dirty reports whether the working tree has uncommitted changes.
func (s *Safety) Dirty(ctx context.Context) (bool, error) {
	return s.stasher.IsDirty(ctx)
}

// MaybeStash stashes only when autoStash is set and the tree is dirty.
func (s *Safety) MaybeStash(ctx context.Context, autoStash bool, reason string) (bool, error) {
	if !autoStash {
		return false, nil
	}
	if s.held {
		return false, errStashHeld
	}

	dirty, err := s.stasher.IsDirty(ctx)
	if err != nil {
		return false, fmt.Errorf("check working tree: %w", err)
	}
	if !dirty {
		return false, nil
	}

	created, err := s.stasher.Push(ctx, "git-rewrite: auto-stash before "+reason)
	if err != nil {
		return false, fmt.Errorf("auto-stash: %w", err)
	}
	s.held = created
	if created {
		s.log.Info("stashed uncommitted changes", "reason", reason)
	}
	return created, nil
}

// Restore pops the stash when wasStashed is set. Failures are logged, never returned,
// so they cannot mask the outcome of the operation itself.
func (s *Safety) Restore(ctx context.Context, wasStashed bool) {
	if !wasStashed {
		return
	}
	s.held = false

	// a cancelled caller must still get its changes back
	if err := s.stasher.Pop(context.WithoutCancel(ctx)); err != nil {
		s.log.Warn("failed to restore auto-stash; recover it with 'git stash pop'", "error", err)
		return
	}
	s.log.Info("restored stashed changes")
}

// Release forgets a held stash without popping it, for stashes that must outlive
// the current process (a pick paused on conflicts).
func (s *Safety) Release() {
	s.held = false
}
