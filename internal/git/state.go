package git

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5/plumbing"
)

const (
	cherryPickHead plumbing.ReferenceName = "CHERRY_PICK_HEAD"
	origHead       plumbing.ReferenceName = "ORIG_HEAD"

	autostashFile = "rewrite-autostash"
)

// PendingPick returns the source commit of a paused cherry-pick. The marker is the
// only thing consulted; the working tree is never inspected.
func (r *Repository) PendingPick() (plumbing.Hash, bool, error) {
	ref, err := r.repo.Storer.Reference(cherryPickHead)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return plumbing.ZeroHash, false, nil
		}
		return plumbing.ZeroHash, false, objectStoreError("read "+cherryPickHead.String(), err)
	}
	return ref.Hash(), true, nil
}

// SetPendingPick writes the cherry-pick marker. At most one marker exists.
func (r *Repository) SetPendingPick(source plumbing.Hash) error {
	if err := r.repo.Storer.SetReference(plumbing.NewHashReference(cherryPickHead, source)); err != nil {
		return objectStoreError("write "+cherryPickHead.String(), err)
	}
	return nil
}

// ClearPendingPick removes the cherry-pick marker.
func (r *Repository) ClearPendingPick() error {
	if err := r.repo.Storer.RemoveReference(cherryPickHead); err != nil && !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return objectStoreError("remove "+cherryPickHead.String(), err)
	}
	return nil
}

// OperationInProgress names a pending git operation that makes rewriting unsafe, or
// returns "" when there is none.
func (r *Repository) OperationInProgress() (string, error) {
	if _, ok, err := r.PendingPick(); err != nil {
		return "", err
	} else if ok {
		return "cherry-pick", nil
	}

	checks := []struct {
		path string
		name string
	}{
		{"rebase-merge", "rebase"},
		{"rebase-apply", "rebase"},
		{"MERGE_HEAD", "merge"},
		{"REVERT_HEAD", "revert"},
		{"BISECT_LOG", "bisect"},
	}
	for _, c := range checks {
		if _, err := os.Stat(filepath.Join(r.gitDir, c.path)); err == nil {
			return c.name, nil
		}
	}
	return "", nil
}

// EnsureIdle fails with ErrOperationInProgress when another operation is pending.
func (r *Repository) EnsureIdle() error {
	op, err := r.OperationInProgress()
	if err != nil {
		return err
	}
	if op != "" {
		return fmt.Errorf("%s in progress: %w", op, ErrOperationInProgress)
	}
	return nil
}

// MarkAutostash records that a stash must be restored when the paused operation ends.
func (r *Repository) MarkAutostash() error {
	if err := os.WriteFile(filepath.Join(r.gitDir, autostashFile), []byte("1\n"), 0o644); err != nil {
		return fmt.Errorf("write autostash marker: %w", err)
	}
	return nil
}

// TakeAutostash reports and clears the autostash marker.
func (r *Repository) TakeAutostash() (bool, error) {
	err := os.Remove(filepath.Join(r.gitDir, autostashFile))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("remove autostash marker: %w", err)
	}
	return true, nil
}
