package rewrite

import "github.com/rancher/git-rewrite/internal/git"

// OperationType classifies how a rewrite reaches its target.
type OperationType string

const (
	// OperationAmend rewrites the tip in place with a new message.
	OperationAmend OperationType = "amend"
	// OperationAmendFilesOnly folds staged files into the tip and keeps its message.
	OperationAmendFilesOnly OperationType = "amend_files_only"
	// OperationRebaseReword replays history from the target's parent.
	OperationRebaseReword OperationType = "rebase_reword"
)

// Label returns a human-readable description of the operation.
func (o OperationType) Label() string {
	switch o {
	case OperationAmend:
		return "Reword HEAD (amend)"
	case OperationAmendFilesOnly:
		return "Amend HEAD (files only)"
	case OperationRebaseReword:
		return "Reword history commit (rebase)"
	default:
		return string(o)
	}
}

// RewritePreview describes a reword or amend before anything changes.
type RewritePreview struct {
	OriginalSHA     string
	OriginalMessage string
	// NewMessage is empty when the message is kept.
	NewMessage    string
	FilesToAdd    []string
	OperationType OperationType
	IsPushed      bool
	Branch        string
	Remote        string
}

// SquashPreview describes a squash before anything changes.
type SquashPreview struct {
	// Commits are ordered oldest to newest.
	Commits    []git.CommitRecord
	NewMessage string
	// BaseSHA is the parent the squashed commit will be built on.
	BaseSHA string
	// Replayed counts the commits after the selection that are replayed unchanged.
	Replayed int
	IsPushed bool
	Branch   string
	Remote   string
}

// RewriteOptions captures a reword or amend request.
type RewriteOptions struct {
	Commit     string
	NewMessage string
	// FilesToAdd is only honoured when amending the tip.
	FilesToAdd []string
	AutoStash  bool
}

// SquashOptions captures a squash request. Commits may be given in any order but
// must form a contiguous run on the current branch.
type SquashOptions struct {
	Commits    []string
	NewMessage string
	AutoStash  bool
}

// RewriteResult is the outcome of a reword or amend. HasConflicts implies !Success.
type RewriteResult struct {
	Success      bool
	HasConflicts bool
	WasStashed   bool
	NewHead      string
	Steps        []StepResult
}

// SquashResult is the outcome of a squash. HasConflicts implies !Success.
type SquashResult struct {
	Success      bool
	HasConflicts bool
	WasStashed   bool
	NewHead      string
	Squashed     int
	Steps        []StepResult
}

// PickOptions captures a cherry-pick request.
type PickOptions struct {
	Commit    string
	NoCommit  bool
	AutoStash bool
}

// PickResult is the outcome of a single pick, continue or abort.
type PickResult struct {
	Success      bool
	HasConflicts bool
	WasStashed   bool
	Source       string
	NewHead      string
	// Conflicts lists the unmerged paths when HasConflicts is set.
	Conflicts []string
}

// RangeResult is the outcome of picking every missing commit from another ref.
type RangeResult struct {
	Picked       []string
	Skipped      []string
	Stopped      string
	HasConflicts bool
	WasStashed   bool
	NewHead      string
}
