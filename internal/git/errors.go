package git

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotARepository is returned when no repository can be found at or above the path.
	ErrNotARepository = errors.New("not a git repository")
	// ErrRefNotFound is returned when a revision cannot be resolved to a commit.
	ErrRefNotFound = errors.New("reference not found")
	// ErrNoParent is returned when a root commit would have to be rewound.
	ErrNoParent = errors.New("commit has no parent")
	// ErrEmptyRange is returned when there is nothing between the rebase base and the tip.
	ErrEmptyRange = errors.New("no commits to rewrite")
	// ErrConflict is matched by every *ConflictError.
	ErrConflict = errors.New("merge conflict")
	// ErrNoOperationInProgress is returned by continue/abort with no paused cherry-pick.
	ErrNoOperationInProgress = errors.New("no cherry-pick in progress")
	// ErrUnresolvedConflicts is returned by continue while unmerged index entries remain.
	ErrUnresolvedConflicts = errors.New("unresolved conflicts remain staged")
	// ErrObjectStore wraps all other object database failures.
	ErrObjectStore = errors.New("object store error")
	// ErrOperationInProgress is returned when another git operation, such as a paused
	// cherry-pick, is already under way.
	ErrOperationInProgress = errors.New("another operation is in progress")
	// ErrDirtyWorktree is returned when local changes block a rewrite and auto-stash is off.
	ErrDirtyWorktree = errors.New("working tree has uncommitted changes")
	// ErrNotOnBranch is returned when a target commit is not a first-parent ancestor of HEAD.
	ErrNotOnBranch = errors.New("commit is not on the current branch")
	// ErrMergeCommit is returned when a rewrite or pick would have to replay a merge.
	ErrMergeCommit = errors.New("merge commits cannot be rewritten")
	// ErrNotContiguous is returned when squash targets leave gaps in the first-parent chain.
	ErrNotContiguous = errors.New("commits are not contiguous")
	// ErrProtectedBranch is returned when a rewrite targets the remote's default branch.
	ErrProtectedBranch = errors.New("branch is protected")
)

// ConflictError reports the commit whose application stopped on conflicting paths.
type ConflictError struct {
	Op      string
	Commit  string
	Subject string
	Paths   []string
}

func (e *ConflictError) Error() string {
	if e == nil {
		return ""
	}
	short := e.Commit
	if len(short) > 8 {
		short = short[:8]
	}
	msg := fmt.Sprintf("%s: could not apply %s", e.Op, short)
	if e.Subject != "" {
		msg += fmt.Sprintf(" (%s)", e.Subject)
	}
	if len(e.Paths) > 0 {
		msg += ": conflict in " + strings.Join(e.Paths, ", ")
	}
	return msg
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// IsConflict classifies err as a recoverable conflict. Structured errors win; the
// message match covers failures reported by the git binary.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConflict) {
		return true
	}
	msg := strings.ToLower(err.Error())
	var gitErr *GitError
	if errors.As(err, &gitErr) {
		msg += "\n" + strings.ToLower(gitErr.Output)
	}
	return strings.Contains(msg, "conflict") || strings.Contains(msg, "could not apply")
}

func objectStoreError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrObjectStore, err)
}
