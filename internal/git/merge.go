package git

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Conflict is a path that could not be merged automatically. Absent sides are nil.
type Conflict struct {
	Path    string
	Base    *object.TreeEntry
	Ours    *object.TreeEntry
	Theirs  *object.TreeEntry
	Content []byte
	Mode    filemode.FileMode
	// Displaced is set when another merged path needs Path as a directory; the
	// file's content is written there instead.
	Displaced string
}

// MergeResult is the outcome of a three-way tree merge: the cleanly merged entries
// and the conflicting paths, which are absent from Entries.
type MergeResult struct {
	Entries   map[string]object.TreeEntry
	Conflicts []Conflict
}

// HasConflicts reports whether any path conflicted.
func (m *MergeResult) HasConflicts() bool {
	return len(m.Conflicts) > 0
}

// ConflictPaths lists conflicting paths in order.
func (m *MergeResult) ConflictPaths() []string {
	paths := make([]string, 0, len(m.Conflicts))
	for _, c := range m.Conflicts {
		paths = append(paths, c.Path)
	}
	return paths
}

// MergeLabels names the sides in conflict markers.
type MergeLabels struct {
	Ours   string
	Theirs string
}

// MergeTrees merges the changes from base to theirs into ours.
func (r *Repository) MergeTrees(base, ours, theirs plumbing.Hash, labels MergeLabels) (*MergeResult, error) {
	baseMap, err := r.TreeEntries(base)
	if err != nil {
		return nil, err
	}
	oursMap, err := r.TreeEntries(ours)
	if err != nil {
		return nil, err
	}
	theirsMap, err := r.TreeEntries(theirs)
	if err != nil {
		return nil, err
	}

	result := &MergeResult{Entries: make(map[string]object.TreeEntry)}

	for _, path := range collectAllPaths(baseMap, oursMap, theirsMap) {
		b, inBase := baseMap[path]
		o, inOurs := oursMap[path]
		t, inTheirs := theirsMap[path]

		switch {
		case inOurs && inTheirs && sameEntry(o, t):
			result.Entries[path] = o

		case inBase && inOurs && inTheirs:
			if sameEntry(o, b) {
				result.Entries[path] = t
				continue
			}
			if sameEntry(t, b) {
				result.Entries[path] = o
				continue
			}
			if err := r.mergeContent(result, path, &b, &o, &t, labels); err != nil {
				return nil, err
			}

		case !inBase && inOurs && inTheirs:
			// added on both sides with different content
			if err := r.mergeContent(result, path, nil, &o, &t, labels); err != nil {
				return nil, err
			}

		case inBase && inOurs && !inTheirs:
			if sameEntry(o, b) {
				continue
			}
			if err := r.deleteModifyConflict(result, path, &b, &o, nil, labels); err != nil {
				return nil, err
			}

		case inBase && !inOurs && inTheirs:
			if sameEntry(t, b) {
				continue
			}
			if err := r.deleteModifyConflict(result, path, &b, nil, &t, labels); err != nil {
				return nil, err
			}

		case !inBase && inOurs:
			result.Entries[path] = o

		case !inBase && inTheirs:
			result.Entries[path] = t

		default:
			// deleted on both sides
		}
	}

	if err := r.markDirectoryClashes(result, baseMap, oursMap, theirsMap, labels); err != nil {
		return nil, err
	}
	return result, nil
}

// markDirectoryClashes turns every file whose path another result path needs as a
// directory into a conflict.
func (r *Repository) markDirectoryClashes(result *MergeResult, base, ours, theirs map[string]object.TreeEntry, labels MergeLabels) error {
	dirs := make(map[string]struct{})
	addParents := func(p string) {
		for i := strings.LastIndexByte(p, '/'); i > 0; i = strings.LastIndexByte(p[:i], '/') {
			dirs[p[:i]] = struct{}{}
		}
	}
	for p := range result.Entries {
		addParents(p)
	}
	for _, c := range result.Conflicts {
		addParents(c.Path)
	}
	if len(dirs) == 0 {
		return nil
	}

	for i := range result.Conflicts {
		c := &result.Conflicts[i]
		if _, clash := dirs[c.Path]; clash {
			c.Displaced = displacedPath(c.Path, c.Ours != nil, labels)
		}
	}

	var clashes []string
	for p := range result.Entries {
		if _, clash := dirs[p]; clash {
			clashes = append(clashes, p)
		}
	}
	if len(clashes) == 0 {
		return nil
	}
	sort.Strings(clashes)

	for _, p := range clashes {
		e := result.Entries[p]
		delete(result.Entries, p)

		c := Conflict{Path: p, Mode: e.Mode}
		if b, ok := base[p]; ok {
			c.Base = &b
		}
		if o, ok := ours[p]; ok {
			c.Ours = &o
		}
		if t, ok := theirs[p]; ok {
			c.Theirs = &t
		}
		if e.Mode != filemode.Submodule {
			data, err := r.ReadBlob(e.Hash)
			if err != nil {
				return fmt.Errorf("merge %s: %w", p, err)
			}
			c.Content = data
		}
		c.Displaced = displacedPath(p, c.Ours != nil && sameEntry(*c.Ours, e), labels)
		result.Conflicts = append(result.Conflicts, c)
	}

	sort.Slice(result.Conflicts, func(i, j int) bool {
		return result.Conflicts[i].Path < result.Conflicts[j].Path
	})
	return nil
}

// displacedPath names the file moved aside by a file/directory clash, e.g.
// "docs~HEAD".
func displacedPath(path string, ours bool, labels MergeLabels) string {
	label, fallback := labels.Theirs, "theirs"
	if ours {
		label, fallback = labels.Ours, "ours"
	}
	if fields := strings.Fields(label); len(fields) > 0 {
		label = strings.ReplaceAll(fields[0], "/", "_")
	} else {
		label = fallback
	}
	return path + "~" + label
}

func (r *Repository) mergeContent(result *MergeResult, path string, base, ours, theirs *object.TreeEntry, labels MergeLabels) error {
	mode := ours.Mode
	if base != nil && ours.Mode == base.Mode {
		mode = theirs.Mode
	}

	oursData, err := r.ReadBlob(ours.Hash)
	if err != nil {
		return fmt.Errorf("merge %s: %w", path, err)
	}
	theirsData, err := r.ReadBlob(theirs.Hash)
	if err != nil {
		return fmt.Errorf("merge %s: %w", path, err)
	}
	var baseData []byte
	if base != nil {
		baseData, err = r.ReadBlob(base.Hash)
		if err != nil {
			return fmt.Errorf("merge %s: %w", path, err)
		}
	}

	if !mergeableMode(ours.Mode) || !mergeableMode(theirs.Mode) || isBinary(oursData) || isBinary(theirsData) || isBinary(baseData) {
		result.Conflicts = append(result.Conflicts, Conflict{Path: path, Base: base, Ours: ours, Theirs: theirs, Content: oursData, Mode: ours.Mode})
		return nil
	}

	merged, conflicts := MergeText(baseData, oursData, theirsData, labels.Ours, labels.Theirs)
	if conflicts > 0 {
		result.Conflicts = append(result.Conflicts, Conflict{Path: path, Base: base, Ours: ours, Theirs: theirs, Content: merged, Mode: mode})
		return nil
	}

	hash, err := r.WriteBlob(merged)
	if err != nil {
		return err
	}
	result.Entries[path] = object.TreeEntry{Name: path, Mode: mode, Hash: hash}
	return nil
}

// deleteModifyConflict keeps the surviving side in the worktree.
func (r *Repository) deleteModifyConflict(result *MergeResult, path string, base, ours, theirs *object.TreeEntry, labels MergeLabels) error {
	survivor := ours
	if survivor == nil {
		survivor = theirs
	}
	data, err := r.ReadBlob(survivor.Hash)
	if err != nil {
		return fmt.Errorf("merge %s: %w", path, err)
	}
	result.Conflicts = append(result.Conflicts, Conflict{Path: path, Base: base, Ours: ours, Theirs: theirs, Content: data, Mode: survivor.Mode})
	return nil
}

func sameEntry(a, b object.TreeEntry) bool {
	return a.Hash == b.Hash && a.Mode == b.Mode
}

func mergeableMode(m filemode.FileMode) bool {
	return m == filemode.Regular || m == filemode.Executable || m == filemode.Deprecated
}

func collectAllPaths(maps ...map[string]object.TreeEntry) []string {
	seen := make(map[string]struct{})
	for _, m := range maps {
		for p := range m {
			seen[p] = struct{}{}
		}
	}
	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
