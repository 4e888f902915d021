package git

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// stageMerged is the stage git records resolved entries at. go-git's index.Merged
// shares its value with index.AncestorMode and must not be written.
const stageMerged index.Stage = 0

// Checkout makes the index and the tracked files of the working tree match entries,
// writing conflicts as unmerged stage 1/2/3 index entries with their marker content on
// disk. Untracked files are left alone.
func (r *Repository) Checkout(entries map[string]object.TreeEntry, conflicts []Conflict) error {
	current, err := r.readIndex()
	if err != nil {
		return err
	}

	staged := make(map[string]*index.Entry, len(current.Entries))
	tracked := make(map[string]struct{}, len(current.Entries))
	for _, e := range current.Entries {
		tracked[e.Name] = struct{}{}
		if e.Stage == stageMerged {
			staged[e.Name] = e
		}
	}

	conflicted := make(map[string]struct{}, len(conflicts))
	for _, c := range conflicts {
		conflicted[c.Path] = struct{}{}
	}

	for name := range tracked {
		if _, keep := entries[name]; keep {
			continue
		}
		if _, keep := conflicted[name]; keep {
			continue
		}
		if err := r.removeWorktreeFile(name); err != nil {
			return err
		}
	}

	for _, c := range conflicts {
		if c.Displaced == "" {
			continue
		}
		info, err := os.Lstat(filepath.Join(r.root, filepath.FromSlash(c.Path)))
		if err == nil && !info.IsDir() {
			if err := r.removeWorktreeFile(c.Path); err != nil {
				return err
			}
		}
	}

	idx := &index.Index{Version: 2}

	for name, entry := range entries {
		prev, ok := staged[name]
		unchanged := ok && prev.Hash == entry.Hash && prev.Mode == entry.Mode && r.worktreeMatches(prev)
		if !unchanged {
			if err := r.writeWorktreeEntry(name, entry); err != nil {
				return err
			}
		}
		ie, err := r.indexEntry(name, entry.Hash, entry.Mode, stageMerged)
		if err != nil {
			return err
		}
		idx.Entries = append(idx.Entries, ie)
	}

	for _, c := range conflicts {
		target := c.Path
		if c.Displaced != "" {
			target = c.Displaced
		}
		if err := r.writeWorktreeFile(target, c.Content, c.Mode); err != nil {
			return err
		}
		for _, side := range []struct {
			entry *object.TreeEntry
			stage index.Stage
		}{{c.Base, index.AncestorMode}, {c.Ours, index.OurMode}, {c.Theirs, index.TheirMode}} {
			if side.entry == nil {
				continue
			}
			ie, err := r.indexEntry(c.Path, side.entry.Hash, side.entry.Mode, side.stage)
			if err != nil {
				return err
			}
			idx.Entries = append(idx.Entries, ie)
		}
	}

	return r.writeIndex(idx)
}

// CheckoutCommit resets the index and tracked files to c's tree.
func (r *Repository) CheckoutCommit(c *object.Commit) error {
	entries, err := r.TreeEntries(c.TreeHash)
	if err != nil {
		return err
	}
	return r.Checkout(entries, nil)
}

// UnmergedPaths lists paths that still have stage 1/2/3 entries in the index.
func (r *Repository) UnmergedPaths() ([]string, error) {
	idx, err := r.readIndex()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var paths []string
	for _, e := range idx.Entries {
		if e.Stage == stageMerged {
			continue
		}
		if _, ok := seen[e.Name]; ok {
			continue
		}
		seen[e.Name] = struct{}{}
		paths = append(paths, e.Name)
	}
	sort.Strings(paths)
	return paths, nil
}

// Stage records the working tree state of paths in the index, collapsing any
// unmerged entries. A path missing from the working tree is removed from the index.
func (r *Repository) Stage(paths ...string) error {
	idx, err := r.readIndex()
	if err != nil {
		return err
	}

	names := make([]string, 0, len(paths))
	drop := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		name := filepath.ToSlash(filepath.Clean(p))
		names = append(names, name)
		drop[name] = struct{}{}
	}

	kept := idx.Entries[:0]
	for _, e := range idx.Entries {
		if _, ok := drop[e.Name]; !ok {
			kept = append(kept, e)
		}
	}
	idx.Entries = kept
	if err := r.writeIndex(idx); err != nil {
		return err
	}

	wt, err := r.repo.Worktree()
	if err != nil {
		return objectStoreError("open worktree", err)
	}
	for _, name := range names {
		if !r.worktreeFileExists(name) {
			continue
		}
		if _, err := wt.Add(name); err != nil {
			return fmt.Errorf("stage %s: %w", name, err)
		}
	}
	return nil
}

// IndexTree writes the staged index as a tree. Unmerged entries fail with
// ErrUnresolvedConflicts.
func (r *Repository) IndexTree() (plumbing.Hash, error) {
	idx, err := r.readIndex()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	entries := make(map[string]object.TreeEntry, len(idx.Entries))
	var unmerged []string
	for _, e := range idx.Entries {
		if e.Stage != stageMerged {
			unmerged = append(unmerged, e.Name)
			continue
		}
		entries[e.Name] = object.TreeEntry{Name: e.Name, Mode: e.Mode, Hash: e.Hash}
	}
	if len(unmerged) > 0 {
		return plumbing.ZeroHash, fmt.Errorf("%s: %w", strings.Join(dedupe(unmerged), ", "), ErrUnresolvedConflicts)
	}
	return r.WriteTree(entries)
}

func (r *Repository) readIndex() (*index.Index, error) {
	idx, err := r.repo.Storer.Index()
	if err != nil {
		return nil, objectStoreError("read index", err)
	}
	return idx, nil
}

// writeIndex orders entries by path then stage before storing.
func (r *Repository) writeIndex(idx *index.Index) error {
	sort.SliceStable(idx.Entries, func(i, j int) bool {
		if idx.Entries[i].Name != idx.Entries[j].Name {
			return idx.Entries[i].Name < idx.Entries[j].Name
		}
		return idx.Entries[i].Stage < idx.Entries[j].Stage
	})
	idx.Cache = nil
	idx.ResolveUndo = nil
	if err := r.repo.Storer.SetIndex(idx); err != nil {
		return objectStoreError("write index", err)
	}
	return nil
}

func (r *Repository) indexEntry(name string, hash plumbing.Hash, mode filemode.FileMode, stage index.Stage) (*index.Entry, error) {
	e := &index.Entry{Name: name, Hash: hash, Mode: mode, Stage: stage}
	if stage != stageMerged {
		return e, nil
	}
	info, err := os.Lstat(filepath.Join(r.root, filepath.FromSlash(name)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return e, nil
		}
		return nil, fmt.Errorf("stat %s: %w", name, err)
	}
	e.ModifiedAt = info.ModTime()
	e.CreatedAt = info.ModTime()
	e.Size = uint32(info.Size())
	return e, nil
}

func (r *Repository) writeWorktreeEntry(name string, entry object.TreeEntry) error {
	if entry.Mode == filemode.Submodule {
		return os.MkdirAll(filepath.Join(r.root, filepath.FromSlash(name)), 0o755)
	}
	data, err := r.ReadBlob(entry.Hash)
	if err != nil {
		return err
	}
	return r.writeWorktreeFile(name, data, entry.Mode)
}

func (r *Repository) writeWorktreeFile(name string, data []byte, mode filemode.FileMode) error {
	abs := filepath.Join(r.root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(name), err)
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("replace %s: %w", name, err)
	}

	if mode == filemode.Symlink {
		if err := os.Symlink(string(data), abs); err != nil {
			return fmt.Errorf("symlink %s: %w", name, err)
		}
		return nil
	}

	perm := os.FileMode(0o644)
	if mode == filemode.Executable {
		perm = 0o755
	}
	if err := os.WriteFile(abs, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (r *Repository) removeWorktreeFile(name string) error {
	abs := filepath.Join(r.root, filepath.FromSlash(name))
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	for dir := filepath.Dir(abs); dir != r.root && strings.HasPrefix(dir, r.root); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			break
		}
	}
	return nil
}

// worktreeMatches reports whether the file still carries the size and mtime the
// index recorded for it.
func (r *Repository) worktreeMatches(e *index.Entry) bool {
	info, err := os.Lstat(filepath.Join(r.root, filepath.FromSlash(e.Name)))
	if err != nil || info.IsDir() {
		return false
	}
	return uint32(info.Size()) == e.Size && info.ModTime().Equal(e.ModifiedAt)
}

func (r *Repository) worktreeFileExists(name string) bool {
	_, err := os.Lstat(filepath.Join(r.root, filepath.FromSlash(name)))
	return err == nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
