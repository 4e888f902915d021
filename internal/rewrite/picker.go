package rewrite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/rancher/git-rewrite/internal/git"
)

// errEmptyPick marks a pick whose changes are already present on HEAD.
var errEmptyPick = errors.New("changes are already present on HEAD")

// Picker applies commits from elsewhere onto HEAD and manages the paused state a
// conflicting pick leaves behind.
type Picker struct {
	repo   *git.Repository
	safety *Safety
	log    *slog.Logger
}

// NewPicker returns a Picker for repo.
func NewPicker(repo *git.Repository, stasher git.Stasher, logger *slog.Logger) *Picker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Picker{repo: repo, safety: NewSafety(stasher, logger), log: logger.With("component", "cherry-pick")}
}

// InProgress reports whether a paused pick is waiting for continue or abort. Only
// the marker is consulted.
func (p *Picker) InProgress() (bool, error) {
	_, ok, err := p.repo.PendingPick()
	return ok, err
}

// Pick applies opts.Commit onto HEAD. With NoCommit the merged result is left in the
// working tree and index and the pick stays in progress until continued or aborted.
// Conflicts leave the pick in progress and return a *git.ConflictError.
func (p *Picker) Pick(ctx context.Context, opts PickOptions) (PickResult, error) {
	if err := p.repo.EnsureIdle(); err != nil {
		return PickResult{}, err
	}
	source, err := p.repo.Resolve(opts.Commit)
	if err != nil {
		return PickResult{}, err
	}
	if source.NumParents() > 1 {
		return PickResult{}, fmt.Errorf("%s: %w", shortSHA(source.Hash.String()), git.ErrMergeCommit)
	}

	stashed, err := p.prepare(ctx, opts.AutoStash)
	if err != nil {
		return PickResult{}, err
	}

	res := PickResult{Source: source.Hash.String(), WasStashed: stashed}
	head, err := p.repo.Head()
	if err != nil {
		p.safety.Restore(ctx, stashed)
		return res, err
	}
	res.NewHead = head.Hash.String()

	if opts.NoCommit {
		err = p.applyNoCommit(head, source)
	} else {
		var newHead plumbing.Hash
		newHead, err = p.applyCommit(head, source)
		if err == nil {
			res.NewHead = newHead.String()
		}
	}

	return p.settle(ctx, res, err)
}

// PickNoCommit is Pick with NoCommit set.
func (p *Picker) PickNoCommit(ctx context.Context, commit string, autoStash bool) (PickResult, error) {
	return p.Pick(ctx, PickOptions{Commit: commit, NoCommit: true, AutoStash: autoStash})
}

// PickRange picks every commit reachable from source but not from HEAD, oldest
// first. Commits whose changes are already present are skipped. The first conflict
// stops the range with the pick in progress.
func (p *Picker) PickRange(ctx context.Context, source string, autoStash bool) (RangeResult, error) {
	if err := p.repo.EnsureIdle(); err != nil {
		return RangeResult{}, err
	}
	tip, err := p.repo.Resolve(source)
	if err != nil {
		return RangeResult{}, err
	}
	head, err := p.repo.Head()
	if err != nil {
		return RangeResult{}, err
	}
	commits, err := p.repo.Unpicked(head, tip)
	if err != nil {
		return RangeResult{}, err
	}
	if len(commits) == 0 {
		return RangeResult{}, fmt.Errorf("%s has nothing HEAD lacks: %w", source, git.ErrEmptyRange)
	}
	if err := rejectMerges(commits); err != nil {
		return RangeResult{}, err
	}

	stashed, err := p.prepare(ctx, autoStash)
	if err != nil {
		return RangeResult{}, err
	}
	res := RangeResult{WasStashed: stashed, NewHead: head.Hash.String()}

	for _, c := range commits {
		newHead, err := p.applyCommit(head, c)
		if errors.Is(err, errEmptyPick) {
			p.log.Info("skipping commit already present on HEAD", "commit", shortSHA(c.Hash.String()))
			res.Skipped = append(res.Skipped, c.Hash.String())
			continue
		}
		if err != nil {
			res.Stopped = c.Hash.String()
			pr, err := p.settle(ctx, PickResult{Source: c.Hash.String(), WasStashed: stashed}, err)
			res.HasConflicts = pr.HasConflicts
			return res, err
		}
		res.Picked = append(res.Picked, c.Hash.String())
		res.NewHead = newHead.String()
		if head, err = p.repo.Head(); err != nil {
			p.safety.Restore(ctx, stashed)
			return res, err
		}
	}

	p.safety.Restore(ctx, stashed)
	p.log.Info("picked range", "source", source, "picked", len(res.Picked), "skipped", len(res.Skipped))
	return res, nil
}

// Continue commits the resolved index using the paused source commit's message and
// author, then clears the marker.
func (p *Picker) Continue(ctx context.Context) (PickResult, error) {
	sourceHash, ok, err := p.repo.PendingPick()
	if err != nil {
		return PickResult{}, err
	}
	if !ok {
		return PickResult{}, git.ErrNoOperationInProgress
	}

	source, err := p.repo.Resolve(sourceHash.String())
	if err != nil {
		return PickResult{}, err
	}
	head, err := p.repo.Head()
	if err != nil {
		return PickResult{}, err
	}
	res := PickResult{Source: source.Hash.String(), NewHead: head.Hash.String()}

	tree, err := p.repo.IndexTree()
	if err != nil {
		if errors.Is(err, git.ErrUnresolvedConflicts) {
			res.HasConflicts = true
			res.Conflicts, _ = p.repo.UnmergedPaths()
		}
		return res, err
	}

	if tree == head.TreeHash {
		p.log.Info("nothing to commit after resolution; finishing without a commit", "source", shortSHA(source.Hash.String()))
	} else {
		newHead, err := p.commitPick(head, source, tree)
		if err != nil {
			return res, err
		}
		res.NewHead = newHead.String()
	}

	if err := p.repo.ClearPendingPick(); err != nil {
		return res, err
	}
	res.Success = true
	res.WasStashed = p.restorePaused(ctx)
	p.log.Info("cherry-pick continued", "source", shortSHA(source.Hash.String()), "head", shortSHA(res.NewHead))
	return res, nil
}

// Abort resets the index and working tree to HEAD, which a paused pick never moved,
// and clears the marker.
func (p *Picker) Abort(ctx context.Context) error {
	sourceHash, ok, err := p.repo.PendingPick()
	if err != nil {
		return err
	}
	if !ok {
		return git.ErrNoOperationInProgress
	}

	head, err := p.repo.Head()
	if err != nil {
		return err
	}
	if err := p.repo.CheckoutCommit(head); err != nil {
		return fmt.Errorf("reset to %s: %w", shortSHA(head.Hash.String()), err)
	}
	if err := p.repo.ClearPendingPick(); err != nil {
		return err
	}
	p.restorePaused(ctx)
	p.log.Info("cherry-pick aborted", "source", shortSHA(sourceHash.String()), "head", shortSHA(head.Hash.String()))
	return nil
}

// prepare refuses to pick onto a dirty tree unless it can be stashed.
func (p *Picker) prepare(ctx context.Context, autoStash bool) (bool, error) {
	if !autoStash {
		dirty, err := p.safety.Dirty(ctx)
		if err != nil {
			return false, fmt.Errorf("check working tree: %w", err)
		}
		if dirty {
			return false, fmt.Errorf("commit or stash your changes, or enable auto-stash: %w", git.ErrDirtyWorktree)
		}
		return false, nil
	}
	return p.safety.MaybeStash(ctx, true, "cherry-pick")
}

// settle finishes a pick attempt. A conflict keeps the stash for continue/abort;
// anything else restores it now.
func (p *Picker) settle(ctx context.Context, res PickResult, err error) (PickResult, error) {
	var conflict *git.ConflictError
	if errors.As(err, &conflict) {
		res.HasConflicts = true
		res.Conflicts = conflict.Paths
		if res.WasStashed {
			if markErr := p.repo.MarkAutostash(); markErr != nil {
				p.log.Warn("could not record auto-stash; restore it with 'git stash pop' after finishing", "error", markErr)
			}
			p.safety.Release()
		}
		p.log.Info("cherry-pick stopped on conflicts", "source", shortSHA(res.Source), "paths", conflict.Paths)
		return res, err
	}

	p.safety.Restore(ctx, res.WasStashed)
	if err != nil {
		return res, fmt.Errorf("cherry-pick %s: %w", shortSHA(res.Source), err)
	}
	res.Success = true
	return res, nil
}

// applyCommit merges source onto head and commits the result. On conflict the
// working tree and index hold the conflicted state and the marker is written.
func (p *Picker) applyCommit(head, source *object.Commit) (plumbing.Hash, error) {
	result, err := p.merge(head, source)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if result.HasConflicts() {
		return plumbing.ZeroHash, p.pause(source, result)
	}

	tree, err := p.repo.WriteTree(result.Entries)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if tree == head.TreeHash {
		return plumbing.ZeroHash, fmt.Errorf("%s: %w", shortSHA(source.Hash.String()), errEmptyPick)
	}

	if err := p.repo.Checkout(result.Entries, nil); err != nil {
		if resetErr := p.repo.CheckoutCommit(head); resetErr != nil {
			p.log.Error("failed to reset working tree", "error", resetErr)
		}
		return plumbing.ZeroHash, err
	}
	newHead, err := p.commitPick(head, source, tree)
	if err != nil {
		if resetErr := p.repo.CheckoutCommit(head); resetErr != nil {
			p.log.Error("failed to reset working tree", "error", resetErr)
		}
		return plumbing.ZeroHash, err
	}
	p.log.Info("picked commit", "source", shortSHA(source.Hash.String()), "new", shortSHA(newHead.String()))
	return newHead, nil
}

// applyNoCommit leaves the merged result checked out and always writes the marker.
func (p *Picker) applyNoCommit(head, source *object.Commit) error {
	result, err := p.merge(head, source)
	if err != nil {
		return err
	}
	if result.HasConflicts() {
		return p.pause(source, result)
	}
	if err := p.repo.Checkout(result.Entries, nil); err != nil {
		return err
	}
	return p.repo.SetPendingPick(source.Hash)
}

func (p *Picker) merge(head, source *object.Commit) (*git.MergeResult, error) {
	base := plumbing.ZeroHash
	if source.NumParents() > 0 {
		parent, err := p.repo.ParentOf(source)
		if err != nil {
			return nil, err
		}
		base = parent.TreeHash
	}
	return p.repo.MergeTrees(base, head.TreeHash, source.TreeHash, mergeLabels(source))
}

func (p *Picker) pause(source *object.Commit, result *git.MergeResult) error {
	if err := p.repo.Checkout(result.Entries, result.Conflicts); err != nil {
		return err
	}
	if err := p.repo.SetPendingPick(source.Hash); err != nil {
		return err
	}
	return conflictError("cherry-pick", source, result.ConflictPaths())
}

// commitPick writes a commit of tree on head carrying source's message and author.
func (p *Picker) commitPick(head, source *object.Commit, tree plumbing.Hash) (plumbing.Hash, error) {
	hash, err := p.repo.WriteCommit(git.CommitSpec{
		Parents:   []plumbing.Hash{head.Hash},
		Tree:      tree,
		Message:   source.Message,
		Author:    source.Author,
		Committer: p.repo.Identity().Signature(),
	})
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if err := p.repo.MoveHead(head.Hash, hash); err != nil {
		return plumbing.ZeroHash, err
	}
	return hash, nil
}

// restorePaused pops a stash left by a pick that stopped on conflicts.
func (p *Picker) restorePaused(ctx context.Context) bool {
	stashed, err := p.repo.TakeAutostash()
	if err != nil {
		p.log.Warn("could not read auto-stash marker", "error", err)
		return false
	}
	p.safety.Restore(ctx, stashed)
	return stashed
}
