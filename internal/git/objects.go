package git

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// CommitSpec describes a commit to be written.
type CommitSpec struct {
	Parents   []plumbing.Hash
	Tree      plumbing.Hash
	Message   string
	Author    object.Signature
	Committer object.Signature
}

// WriteCommit encodes and stores a new commit object, signing it when a signer is set.
func (r *Repository) WriteCommit(spec CommitSpec) (plumbing.Hash, error) {
	commit := &object.Commit{
		Author:       spec.Author,
		Committer:    spec.Committer,
		Message:      spec.Message,
		TreeHash:     spec.Tree,
		ParentHashes: spec.Parents,
	}

	if r.signer != nil {
		sig, err := r.signer.Sign(commit)
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("sign commit: %w", err)
		}
		commit.PGPSignature = sig
	}

	obj := r.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, objectStoreError("encode commit", err)
	}
	hash, err := r.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, objectStoreError("store commit", err)
	}
	return hash, nil
}

// Signature builds a signature for id stamped now.
func (id Identity) Signature() object.Signature {
	return object.Signature{Name: id.Name, Email: id.Email, When: time.Now()}
}

// WriteBlob stores content as a blob.
func (r *Repository) WriteBlob(content []byte) (plumbing.Hash, error) {
	obj := r.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(content)))

	writer, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, objectStoreError("open blob writer", err)
	}
	if _, err := writer.Write(content); err != nil {
		_ = writer.Close()
		return plumbing.ZeroHash, objectStoreError("write blob", err)
	}
	if err := writer.Close(); err != nil {
		return plumbing.ZeroHash, objectStoreError("close blob writer", err)
	}

	hash, err := r.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, objectStoreError("store blob", err)
	}
	return hash, nil
}

// ReadBlob returns the content of a blob.
func (r *Repository) ReadBlob(hash plumbing.Hash) ([]byte, error) {
	blob, err := r.repo.BlobObject(hash)
	if err != nil {
		return nil, objectStoreError("read blob "+shortHash(hash.String()), err)
	}
	rd, err := blob.Reader()
	if err != nil {
		return nil, objectStoreError("open blob "+shortHash(hash.String()), err)
	}
	defer rd.Close()

	data, err := io.ReadAll(rd)
	if err != nil {
		return nil, objectStoreError("read blob "+shortHash(hash.String()), err)
	}
	return data, nil
}

// TreeEntries flattens the tree with the given hash into full path -> entry. The zero
// hash yields an empty map.
func (r *Repository) TreeEntries(hash plumbing.Hash) (map[string]object.TreeEntry, error) {
	entries := make(map[string]object.TreeEntry)
	if hash.IsZero() {
		return entries, nil
	}
	tree, err := r.repo.TreeObject(hash)
	if err != nil {
		return nil, objectStoreError("read tree "+shortHash(hash.String()), err)
	}
	if err := r.flattenTree(tree, "", entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *Repository) flattenTree(tree *object.Tree, prefix string, entries map[string]object.TreeEntry) error {
	for _, entry := range tree.Entries {
		fullPath := entry.Name
		if prefix != "" {
			fullPath = prefix + "/" + entry.Name
		}

		if entry.Mode == filemode.Dir {
			subtree, err := r.repo.TreeObject(entry.Hash)
			if err != nil {
				return objectStoreError("read subtree "+fullPath, err)
			}
			if err := r.flattenTree(subtree, fullPath, entries); err != nil {
				return err
			}
			continue
		}

		entries[fullPath] = object.TreeEntry{Name: fullPath, Mode: entry.Mode, Hash: entry.Hash}
	}
	return nil
}

type treeNode struct {
	dirs  map[string]*treeNode
	files []object.TreeEntry
}

func newTreeNode() *treeNode {
	return &treeNode{dirs: make(map[string]*treeNode)}
}

// WriteTree builds nested tree objects from flattened path -> entry pairs.
func (r *Repository) WriteTree(entries map[string]object.TreeEntry) (plumbing.Hash, error) {
	root := newTreeNode()
	for fullPath, entry := range entries {
		insertIntoTree(root, strings.Split(fullPath, "/"), entry)
	}
	return r.writeTreeNode(root)
}

func insertIntoTree(node *treeNode, parts []string, entry object.TreeEntry) {
	if len(parts) == 1 {
		node.files = append(node.files, object.TreeEntry{Name: parts[0], Mode: entry.Mode, Hash: entry.Hash})
		return
	}
	child, ok := node.dirs[parts[0]]
	if !ok {
		child = newTreeNode()
		node.dirs[parts[0]] = child
	}
	insertIntoTree(child, parts[1:], entry)
}

func (r *Repository) writeTreeNode(node *treeNode) (plumbing.Hash, error) {
	entries := append([]object.TreeEntry(nil), node.files...)
	for name, child := range node.dirs {
		hash, err := r.writeTreeNode(child)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entries = append(entries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: hash})
	}
	sortTreeEntries(entries)

	tree := &object.Tree{Entries: entries}
	obj := r.repo.Storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, objectStoreError("encode tree", err)
	}
	hash, err := r.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, objectStoreError("store tree", err)
	}
	return hash, nil
}

// sortTreeEntries orders entries the way git does: directories compare as name + "/".
func sortTreeEntries(entries []object.TreeEntry) {
	key := func(e object.TreeEntry) string {
		if e.Mode == filemode.Dir {
			return e.Name + "/"
		}
		return e.Name
	}
	sort.Slice(entries, func(i, j int) bool {
		return key(entries[i]) < key(entries[j])
	})
}
