package rewrite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/rancher/git-rewrite/internal/git"
)

// Rewriter rewords, amends and squashes commits on the checked out branch.
type Rewriter struct {
	cfg    Config
	repo   *git.Repository
	safety *Safety
	remote RemoteChecker
	log    *slog.Logger
}

// New returns a configured Rewriter. remote may be nil, in which case nothing is
// reported as published.
func New(cfg Config, repo *git.Repository, stasher git.Stasher, remote RemoteChecker, logger *slog.Logger) *Rewriter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Rewriter{
		cfg:    cfg,
		repo:   repo,
		safety: NewSafety(stasher, logger),
		remote: remote,
		log:    logger.With("component", "rewrite"),
	}
}

// PreviewReword describes a reword without changing anything.
func (r *Rewriter) PreviewReword(ctx context.Context, opts RewriteOptions) (RewritePreview, error) {
	if strings.TrimSpace(opts.NewMessage) == "" {
		return RewritePreview{}, errors.New("a new commit message is required")
	}
	target, err := r.repo.Resolve(opts.Commit)
	if err != nil {
		return RewritePreview{}, err
	}
	return r.createPreview(ctx, target, opts.NewMessage, nil)
}

// PreviewAmend describes amending the tip with opts.NewMessage and opts.FilesToAdd.
func (r *Rewriter) PreviewAmend(ctx context.Context, opts RewriteOptions) (RewritePreview, error) {
	head, err := r.repo.Head()
	if err != nil {
		return RewritePreview{}, err
	}
	return r.createPreview(ctx, head, opts.NewMessage, opts.FilesToAdd)
}

// createPreview classifies the operation as amend when target is the tip and as a
// rebase reword otherwise. Reachability failures leave IsPushed false.
func (r *Rewriter) createPreview(ctx context.Context, target *object.Commit, newMessage string, files []string) (RewritePreview, error) {
	head, err := r.repo.Head()
	if err != nil {
		return RewritePreview{}, err
	}
	branch, err := r.repo.CurrentBranch()
	if err != nil {
		return RewritePreview{}, err
	}

	preview := RewritePreview{
		OriginalSHA:     target.Hash.String(),
		OriginalMessage: target.Message,
		NewMessage:      newMessage,
		FilesToAdd:      slices.Clone(files),
		Branch:          branch,
		Remote:          r.cfg.remote(),
	}

	switch {
	case target.Hash != head.Hash:
		if len(files) > 0 {
			return RewritePreview{}, errors.New("files can only be added when amending HEAD")
		}
		preview.OperationType = OperationRebaseReword
	case newMessage == "":
		preview.OperationType = OperationAmendFilesOnly
	default:
		preview.OperationType = OperationAmend
	}

	preview.IsPushed = r.isPushed(ctx, branch, target)
	return preview, nil
}

// PreviewSquash describes a squash without changing anything.
func (r *Rewriter) PreviewSquash(ctx context.Context, opts SquashOptions) (SquashPreview, error) {
	plan, err := r.planSquash(opts)
	if err != nil {
		return SquashPreview{}, err
	}

	preview := SquashPreview{
		NewMessage: opts.NewMessage,
		BaseSHA:    plan.parent.Hash.String(),
		Replayed:   len(plan.after),
		Branch:     plan.branch,
		Remote:     r.cfg.remote(),
	}
	for _, c := range plan.selected {
		preview.Commits = append(preview.Commits, git.NewCommitRecord(c))
	}
	// an ancestor of a published commit is published too
	preview.IsPushed = r.isPushed(ctx, plan.branch, plan.selected[0])
	return preview, nil
}

func (r *Rewriter) isPushed(ctx context.Context, branch string, c *object.Commit) bool {
	if r.remote == nil || branch == "" {
		return false
	}
	pushed, err := r.remote.IsPushed(ctx, c, branch)
	if err != nil {
		r.log.Warn("could not determine whether commit is published; assuming it is not", "commit", shortSHA(c.Hash.String()), "error", err)
		return false
	}
	return pushed
}

// Reword changes the message of opts.Commit. The tip is amended in place; older
// commits are rewritten by replaying history from their parent.
func (r *Rewriter) Reword(ctx context.Context, opts RewriteOptions) (RewriteResult, error) {
	message := opts.NewMessage
	if strings.TrimSpace(message) == "" {
		return RewriteResult{}, errors.New("a new commit message is required")
	}

	if err := r.repo.EnsureIdle(); err != nil {
		return RewriteResult{}, err
	}
	head, err := r.repo.Head()
	if err != nil {
		return RewriteResult{}, err
	}
	target, err := r.repo.Resolve(opts.Commit)
	if err != nil {
		return RewriteResult{}, err
	}
	parent, err := r.repo.ParentOf(target)
	if err != nil {
		return RewriteResult{}, fmt.Errorf("cannot reword %s: %w", shortSHA(target.Hash.String()), err)
	}
	if err := r.checkProtected(); err != nil {
		return RewriteResult{}, err
	}

	if target.Hash == head.Hash {
		newHead, err := r.amendTip(head, head.TreeHash, message)
		if err != nil {
			return RewriteResult{}, fmt.Errorf("reword %s: %w", shortSHA(head.Hash.String()), err)
		}
		r.log.Info("reworded HEAD", "old", shortSHA(head.Hash.String()), "new", shortSHA(newHead.String()))
		return RewriteResult{
			Success: true,
			NewHead: newHead.String(),
			Steps:   []StepResult{{Kind: StepSubstituted, Original: []string{head.Hash.String()}, New: newHead.String()}},
		}, nil
	}

	chain, err := r.repo.FirstParentRange(parent, head)
	if err != nil {
		return RewriteResult{}, err
	}
	if len(chain) == 0 {
		return RewriteResult{}, fmt.Errorf("%s..HEAD: %w", shortSHA(parent.Hash.String()), git.ErrEmptyRange)
	}
	if chain[0].Hash != target.Hash {
		return RewriteResult{}, fmt.Errorf("%s: %w", shortSHA(target.Hash.String()), git.ErrNotOnBranch)
	}
	if err := rejectMerges(chain); err != nil {
		return RewriteResult{}, err
	}

	steps := make([]step, 0, len(chain))
	steps = append(steps, step{kind: StepSubstituted, commits: chain[:1], message: message})
	for _, c := range chain[1:] {
		steps = append(steps, step{kind: StepReplayed, commits: []*object.Commit{c}})
	}

	out, err := r.replay(ctx, "reword", opts.AutoStash, head, parent, steps)
	res := RewriteResult{
		Success:      err == nil,
		HasConflicts: git.IsConflict(err),
		WasStashed:   out.stashed,
		NewHead:      out.head,
		Steps:        out.steps,
	}
	if err != nil {
		return res, fmt.Errorf("reword %s: %w", shortSHA(target.Hash.String()), err)
	}
	return res, nil
}

// Amend folds opts.FilesToAdd and anything already staged into the tip, optionally
// replacing its message. The working tree is never stashed: its staged state is the
// input.
func (r *Rewriter) Amend(ctx context.Context, opts RewriteOptions) (RewriteResult, error) {
	if err := r.repo.EnsureIdle(); err != nil {
		return RewriteResult{}, err
	}
	head, err := r.repo.Head()
	if err != nil {
		return RewriteResult{}, err
	}
	if err := r.checkProtected(); err != nil {
		return RewriteResult{}, err
	}

	if len(opts.FilesToAdd) > 0 {
		if err := r.repo.Stage(opts.FilesToAdd...); err != nil {
			return RewriteResult{}, fmt.Errorf("stage files: %w", err)
		}
	}
	tree, err := r.repo.IndexTree()
	if err != nil {
		return RewriteResult{}, err
	}

	message := opts.NewMessage
	if message == "" {
		message = head.Message
	}

	newHead, err := r.amendTip(head, tree, message)
	if err != nil {
		return RewriteResult{}, fmt.Errorf("amend %s: %w", shortSHA(head.Hash.String()), err)
	}
	r.log.Info("amended HEAD", "old", shortSHA(head.Hash.String()), "new", shortSHA(newHead.String()), "files", len(opts.FilesToAdd))
	return RewriteResult{
		Success: true,
		NewHead: newHead.String(),
		Steps:   []StepResult{{Kind: StepSubstituted, Original: []string{head.Hash.String()}, New: newHead.String()}},
	}, nil
}

// amendTip replaces head with a commit on the same parents. The author is kept.
func (r *Rewriter) amendTip(head *object.Commit, tree plumbing.Hash, message string) (plumbing.Hash, error) {
	hash, err := r.repo.WriteCommit(git.CommitSpec{
		Parents:   head.ParentHashes,
		Tree:      tree,
		Message:   message,
		Author:    head.Author,
		Committer: r.repo.Identity().Signature(),
	})
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if err := r.repo.MoveHead(head.Hash, hash); err != nil {
		return plumbing.ZeroHash, err
	}
	return hash, nil
}

// Squash collapses the selected contiguous run into one commit carrying
// opts.NewMessage. Commits after the run are replayed unchanged.
func (r *Rewriter) Squash(ctx context.Context, opts SquashOptions) (SquashResult, error) {
	if strings.TrimSpace(opts.NewMessage) == "" {
		return SquashResult{}, errors.New("a commit message for the squashed commit is required")
	}
	if err := r.repo.EnsureIdle(); err != nil {
		return SquashResult{}, err
	}
	plan, err := r.planSquash(opts)
	if err != nil {
		return SquashResult{}, err
	}
	if err := r.checkProtected(); err != nil {
		return SquashResult{}, err
	}

	steps := []step{{kind: StepCollapsed, commits: plan.selected, message: opts.NewMessage}}
	for _, c := range plan.after {
		steps = append(steps, step{kind: StepReplayed, commits: []*object.Commit{c}})
	}

	out, err := r.replay(ctx, "squash", opts.AutoStash, plan.head, plan.parent, steps)
	res := SquashResult{
		Success:      err == nil,
		HasConflicts: git.IsConflict(err),
		WasStashed:   out.stashed,
		NewHead:      out.head,
		Squashed:     len(plan.selected),
		Steps:        out.steps,
	}
	if err != nil {
		return res, fmt.Errorf("squash %d commits onto %s: %w", len(plan.selected), shortSHA(plan.parent.Hash.String()), err)
	}
	return res, nil
}

type squashPlan struct {
	head     *object.Commit
	parent   *object.Commit
	selected []*object.Commit
	after    []*object.Commit
	branch   string
}

func (r *Rewriter) planSquash(opts SquashOptions) (squashPlan, error) {
	if len(opts.Commits) == 0 {
		return squashPlan{}, fmt.Errorf("no commits selected: %w", git.ErrEmptyRange)
	}

	head, err := r.repo.Head()
	if err != nil {
		return squashPlan{}, err
	}
	branch, err := r.repo.CurrentBranch()
	if err != nil {
		return squashPlan{}, err
	}

	wanted := make(map[plumbing.Hash]struct{}, len(opts.Commits))
	for _, rev := range opts.Commits {
		c, err := r.repo.Resolve(rev)
		if err != nil {
			return squashPlan{}, err
		}
		wanted[c.Hash] = struct{}{}
	}

	// walk first parents from the tip until every selected commit is found
	var walked []*object.Commit
	found := 0
	cur := head
	for {
		walked = append(walked, cur)
		if _, ok := wanted[cur.Hash]; ok {
			found++
			if found == len(wanted) {
				break
			}
		}
		if cur.NumParents() == 0 {
			return squashPlan{}, fmt.Errorf("selected commits are not all on HEAD's history: %w", git.ErrNotOnBranch)
		}
		if cur, err = r.repo.ParentOf(cur); err != nil {
			return squashPlan{}, err
		}
	}
	slices.Reverse(walked)

	// walked now starts at the oldest selected commit
	selected := walked[:len(wanted)]
	for _, c := range selected {
		if _, ok := wanted[c.Hash]; !ok {
			return squashPlan{}, fmt.Errorf("%s is inside the selection but not selected: %w", shortSHA(c.Hash.String()), git.ErrNotContiguous)
		}
	}

	parent, err := r.repo.ParentOf(selected[0])
	if err != nil {
		return squashPlan{}, fmt.Errorf("cannot squash %s: %w", shortSHA(selected[0].Hash.String()), err)
	}

	after := walked[len(wanted):]
	if err := rejectMerges(selected); err != nil {
		return squashPlan{}, err
	}
	if err := rejectMerges(after); err != nil {
		return squashPlan{}, err
	}

	return squashPlan{head: head, parent: parent, selected: selected, after: after, branch: branch}, nil
}

type replayOutcome struct {
	stashed bool
	head    string
	steps   []StepResult
}

// replay runs a rebase of steps onto onto and moves the branch from head to the new
// tip. Any failure leaves the branch at head and restores the stash.
func (r *Rewriter) replay(ctx context.Context, op string, autoStash bool, head, onto *object.Commit, steps []step) (replayOutcome, error) {
	out := replayOutcome{head: head.Hash.String()}

	stashed, err := r.safety.MaybeStash(ctx, autoStash, op)
	if err != nil {
		return out, err
	}
	out.stashed = stashed
	defer r.safety.Restore(ctx, stashed)

	rb := newRebase(r.repo, onto, steps, r.repo.Identity(), r.log)
	newHead, err := rb.run()
	if err != nil {
		return out, err
	}

	newCommit, err := r.repo.Resolve(newHead.String())
	if err != nil {
		rb.abort()
		return out, err
	}

	if newCommit.TreeHash != head.TreeHash {
		dirty, err := r.safety.Dirty(ctx)
		if err != nil {
			rb.abort()
			return out, err
		}
		if dirty {
			rb.abort()
			return out, fmt.Errorf("the rewritten tip changes files: %w", git.ErrDirtyWorktree)
		}
	}

	if err := r.repo.MoveHead(head.Hash, newHead); err != nil {
		rb.abort()
		return out, err
	}

	if newCommit.TreeHash != head.TreeHash {
		if err := r.repo.CheckoutCommit(newCommit); err != nil {
			rb.abort()
			if rbErr := r.repo.MoveHead(newHead, head.Hash); rbErr != nil {
				r.log.Error("failed to restore branch after checkout error", "error", rbErr)
			} else if coErr := r.repo.CheckoutCommit(head); coErr != nil {
				r.log.Error("failed to restore working tree after checkout error", "error", coErr)
			}
			return out, err
		}
	}

	rb.finish()
	out.head = newHead.String()
	out.steps = rb.results
	r.log.Info("rewrote history", "operation", op, "old", shortSHA(head.Hash.String()), "new", shortSHA(newHead.String()), "commits", len(rb.results))
	return out, nil
}

// checkProtected refuses rewrites on the remote's default branch.
func (r *Rewriter) checkProtected() error {
	if !r.cfg.ProtectDefaultBranch {
		return nil
	}
	branch, err := r.repo.CurrentBranch()
	if err != nil || branch == "" {
		return err
	}
	def := r.cfg.DefaultBranch
	if def == "" {
		def = r.repo.DefaultBranch(r.cfg.remote())
	}
	if def != "" && branch == def {
		return fmt.Errorf("%s is the default branch of %s; create a feature branch first: %w", branch, r.cfg.remote(), git.ErrProtectedBranch)
	}
	return nil
}

func rejectMerges(commits []*object.Commit) error {
	for _, c := range commits {
		if c.NumParents() > 1 {
			return fmt.Errorf("%s (%s): %w", shortSHA(c.Hash.String()), subject(c.Message), git.ErrMergeCommit)
		}
	}
	return nil
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func subject(msg string) string {
	msg = strings.TrimSpace(msg)
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		return strings.TrimSpace(msg[:i])
	}
	return msg
}
