package rewrite

import (
	"fmt"
	"log/slog"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/rancher/git-rewrite/internal/git"
)

// State tracks a synthetic rebase: Idle, Started, Applying, then Finished or Aborted.
type State int

const (
	StateIdle State = iota
	StateStarted
	StateApplying
	StateFinished
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarted:
		return "started"
	case StateApplying:
		return "applying"
	case StateFinished:
		return "finished"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StepKind says how a planned step turns original commits into a new one.
type StepKind int

const (
	// StepReplayed re-applies a commit with its message and author.
	StepReplayed StepKind = iota
	// StepSubstituted re-applies a commit under a new message.
	StepSubstituted
	// StepCollapsed folds a run of commits into one commit with a new message.
	StepCollapsed
)

func (k StepKind) String() string {
	switch k {
	case StepReplayed:
		return "replayed"
	case StepSubstituted:
		return "substituted"
	case StepCollapsed:
		return "collapsed"
	default:
		return fmt.Sprintf("step(%d)", int(k))
	}
}

type step struct {
	kind    StepKind
	commits []*object.Commit
	message string
}

// StepResult records the commit a step produced.
type StepResult struct {
	Kind     StepKind
	Original []string
	New      string
}

// rebase replays planned steps onto a base commit entirely in the object store.
// Nothing outside the object store changes until the caller moves the branch.
type rebase struct {
	repo      *git.Repository
	log       *slog.Logger
	committer git.Identity

	state   State
	onto    *object.Commit
	steps   []step
	results []StepResult
}

func newRebase(repo *git.Repository, onto *object.Commit, steps []step, committer git.Identity, logger *slog.Logger) *rebase {
	return &rebase{repo: repo, log: logger, committer: committer, onto: onto, steps: steps, state: StateIdle}
}

func (rb *rebase) transition(next State) {
	rb.log.Debug("rebase state", "from", rb.state.String(), "to", next.String())
	rb.state = next
}

// run applies every step and returns the new tip. On failure the state is Aborted
// and the returned error names the step that failed.
func (rb *rebase) run() (plumbing.Hash, error) {
	rb.transition(StateStarted)

	parent := rb.onto.Hash
	tree := rb.onto.TreeHash

	for i, s := range rb.steps {
		rb.transition(StateApplying)

		for _, c := range s.commits {
			next, err := rb.apply(tree, c)
			if err != nil {
				rb.transition(StateAborted)
				return plumbing.ZeroHash, err
			}
			tree = next
		}

		spec := git.CommitSpec{
			Parents:   []plumbing.Hash{parent},
			Tree:      tree,
			Committer: rb.committer.Signature(),
		}
		original := s.commits[0]
		switch s.kind {
		case StepReplayed:
			spec.Message = original.Message
			spec.Author = original.Author
		case StepSubstituted:
			spec.Message = s.message
			spec.Author = original.Author
		case StepCollapsed:
			spec.Message = s.message
			spec.Author = rb.committer.Signature()
		}

		hash, err := rb.repo.WriteCommit(spec)
		if err != nil {
			rb.transition(StateAborted)
			return plumbing.ZeroHash, fmt.Errorf("step %d (%s %s): %w", i+1, s.kind, shortSHA(original.Hash.String()), err)
		}

		res := StepResult{Kind: s.kind, New: hash.String()}
		for _, c := range s.commits {
			res.Original = append(res.Original, c.Hash.String())
		}
		rb.results = append(rb.results, res)
		rb.log.Debug("applied step", "kind", s.kind.String(), "original", shortSHA(original.Hash.String()), "new", shortSHA(hash.String()))

		parent = hash
	}

	return parent, nil
}

// finish marks the rebase as complete once the branch points at the new tip.
func (rb *rebase) finish() {
	rb.transition(StateFinished)
}

func (rb *rebase) abort() {
	rb.transition(StateAborted)
}

// apply re-applies the change c introduced onto tree.
func (rb *rebase) apply(tree plumbing.Hash, c *object.Commit) (plumbing.Hash, error) {
	if c.NumParents() == 0 {
		return plumbing.ZeroHash, fmt.Errorf("%s is the root commit: %w", shortSHA(c.Hash.String()), git.ErrNoParent)
	}
	parent, err := rb.repo.ParentOf(c)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return applyChange(rb.repo, "rebase", parent.TreeHash, tree, c)
}

// applyChange merges the change from base to c's tree into ours. Conflicts are
// reported as *git.ConflictError without touching the working tree.
func applyChange(repo *git.Repository, op string, base, ours plumbing.Hash, c *object.Commit) (plumbing.Hash, error) {
	switch {
	case ours == base:
		return c.TreeHash, nil
	case c.TreeHash == base:
		return ours, nil
	}

	result, err := repo.MergeTrees(base, ours, c.TreeHash, mergeLabels(c))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("merge %s: %w", shortSHA(c.Hash.String()), err)
	}
	if result.HasConflicts() {
		return plumbing.ZeroHash, conflictError(op, c, result.ConflictPaths())
	}
	return repo.WriteTree(result.Entries)
}

func mergeLabels(c *object.Commit) git.MergeLabels {
	return git.MergeLabels{Ours: "HEAD", Theirs: shortSHA(c.Hash.String()) + " (" + subject(c.Message) + ")"}
}

func conflictError(op string, c *object.Commit, paths []string) *git.ConflictError {
	return &git.ConflictError{Op: op, Commit: c.Hash.String(), Subject: subject(c.Message), Paths: paths}
}
