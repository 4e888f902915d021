package git

import (
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/filesystem"
)

// Repository is a handle on a local repository with a working tree. All object
// reads and writes go through go-git; nothing here shells out.
type Repository struct {
	repo   *gogit.Repository
	root   string
	gitDir string
	signer *Signer
}

// CommitRecord is a read-only snapshot of a commit.
type CommitRecord struct {
	SHA     string
	Message string
	Author  string
	Date    string
}

// Subject returns the first line of the message.
func (c CommitRecord) Subject() string {
	return firstLine(c.Message)
}

// Short returns the abbreviated hash.
func (c CommitRecord) Short() string {
	return shortHash(c.SHA)
}

// Identity is a name/email pair used for authors and committers.
type Identity struct {
	Name  string
	Email string
}

// Open locates the repository containing path.
func Open(path string) (*Repository, error) {
	if path == "" {
		path = "."
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}

	repo, err := gogit.PlainOpenWithOptions(absPath, &gogit.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		if errors.Is(err, gogit.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%s: %w", absPath, ErrNotARepository)
		}
		return nil, objectStoreError("open repository", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		if errors.Is(err, gogit.ErrIsBareRepository) {
			return nil, fmt.Errorf("%s is a bare repository: %w", absPath, ErrNotARepository)
		}
		return nil, objectStoreError("open worktree", err)
	}

	root := wt.Filesystem.Root()
	gitDir := filepath.Join(root, ".git")
	if st, ok := repo.Storer.(*filesystem.Storage); ok {
		gitDir = st.Filesystem().Root()
	}

	return &Repository{repo: repo, root: root, gitDir: gitDir}, nil
}

// Root returns the working tree root.
func (r *Repository) Root() string {
	return r.root
}

// GitDir returns the path of the repository's git directory.
func (r *Repository) GitDir() string {
	return r.gitDir
}

// SetSigner enables signing of every commit written through this handle.
func (r *Repository) SetSigner(s *Signer) {
	r.signer = s
}

// Head returns the commit HEAD points at.
func (r *Repository) Head() (*object.Commit, error) {
	ref, err := r.repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, fmt.Errorf("HEAD: %w", ErrRefNotFound)
		}
		return nil, objectStoreError("read HEAD", err)
	}
	return r.commit(ref.Hash())
}

// CurrentBranch returns the short name of the checked out branch, or "" when HEAD
// is detached.
func (r *Repository) CurrentBranch() (string, error) {
	ref, err := r.repo.Storer.Reference(plumbing.HEAD)
	if err != nil {
		return "", objectStoreError("read HEAD", err)
	}
	if ref.Type() != plumbing.SymbolicReference || !ref.Target().IsBranch() {
		return "", nil
	}
	return ref.Target().Short(), nil
}

// DefaultBranch returns the branch the remote's HEAD points at, or "" when the
// remote has no symbolic HEAD recorded locally.
func (r *Repository) DefaultBranch(remote string) string {
	ref, err := r.repo.Storer.Reference(plumbing.NewRemoteHEADReferenceName(remote))
	if err != nil || ref.Type() != plumbing.SymbolicReference {
		return ""
	}
	return strings.TrimPrefix(ref.Target().String(), "refs/remotes/"+remote+"/")
}

// Resolve turns a revision (hash, abbreviated hash, branch, tag, HEAD~n) into a commit.
func (r *Repository) Resolve(rev string) (*object.Commit, error) {
	rev = strings.TrimSpace(rev)
	if rev == "" {
		return nil, fmt.Errorf("empty revision: %w", ErrRefNotFound)
	}

	hash, err := r.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		prefixHash, prefixErr := r.resolvePrefix(rev)
		if prefixErr != nil {
			return nil, fmt.Errorf("%s: %w", rev, ErrRefNotFound)
		}
		hash = &prefixHash
	}
	return r.commit(*hash)
}

// Record resolves rev and returns its snapshot.
func (r *Repository) Record(rev string) (CommitRecord, error) {
	c, err := r.Resolve(rev)
	if err != nil {
		return CommitRecord{}, err
	}
	return NewCommitRecord(c), nil
}

// NewCommitRecord captures the user-facing fields of c.
func NewCommitRecord(c *object.Commit) CommitRecord {
	return CommitRecord{
		SHA:     c.Hash.String(),
		Message: c.Message,
		Author:  fmt.Sprintf("%s <%s>", c.Author.Name, c.Author.Email),
		Date:    c.Author.When.Format(time.RFC3339),
	}
}

func (r *Repository) resolvePrefix(prefix string) (plumbing.Hash, error) {
	if len(prefix) < 4 || len(prefix) >= 40 {
		return plumbing.ZeroHash, ErrRefNotFound
	}
	if _, err := hex.DecodeString(prefix + strings.Repeat("0", len(prefix)%2)); err != nil {
		return plumbing.ZeroHash, ErrRefNotFound
	}

	iter, err := r.repo.CommitObjects()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	defer iter.Close()

	var found []plumbing.Hash
	prefix = strings.ToLower(prefix)
	if err := iter.ForEach(func(c *object.Commit) error {
		if strings.HasPrefix(c.Hash.String(), prefix) {
			found = append(found, c.Hash)
		}
		return nil
	}); err != nil {
		return plumbing.ZeroHash, err
	}
	if len(found) != 1 {
		return plumbing.ZeroHash, ErrRefNotFound
	}
	return found[0], nil
}

func (r *Repository) commit(hash plumbing.Hash) (*object.Commit, error) {
	c, err := r.repo.CommitObject(hash)
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, fmt.Errorf("%s: %w", shortHash(hash.String()), ErrRefNotFound)
		}
		return nil, objectStoreError("read commit "+shortHash(hash.String()), err)
	}
	return c, nil
}

// ParentOf returns the first parent of c.
func (r *Repository) ParentOf(c *object.Commit) (*object.Commit, error) {
	if c.NumParents() == 0 {
		return nil, fmt.Errorf("%s is the root commit: %w", shortHash(c.Hash.String()), ErrNoParent)
	}
	return r.commit(c.ParentHashes[0])
}

// FirstParentRange returns the commits strictly after base up to and including tip,
// oldest first, following first parents. ErrNotOnBranch is returned when base is not
// on tip's first-parent chain.
func (r *Repository) FirstParentRange(base, tip *object.Commit) ([]*object.Commit, error) {
	var chain []*object.Commit
	cur := tip
	for cur.Hash != base.Hash {
		chain = append(chain, cur)
		if cur.NumParents() == 0 {
			return nil, fmt.Errorf("%s is not an ancestor of %s: %w", shortHash(base.Hash.String()), shortHash(tip.Hash.String()), ErrNotOnBranch)
		}
		next, err := r.commit(cur.ParentHashes[0])
		if err != nil {
			return nil, err
		}
		cur = next
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Unpicked returns commits reachable from source but not from head, oldest first,
// following first parents from source.
func (r *Repository) Unpicked(head, source *object.Commit) ([]*object.Commit, error) {
	bases, err := source.MergeBase(head)
	if err != nil {
		return nil, objectStoreError("merge base", err)
	}
	if len(bases) == 0 {
		return nil, fmt.Errorf("%s and %s share no history: %w", shortHash(head.Hash.String()), shortHash(source.Hash.String()), ErrNotOnBranch)
	}
	return r.FirstParentRange(bases[0], source)
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (r *Repository) IsAncestor(ancestor, descendant *object.Commit) (bool, error) {
	if ancestor.Hash == descendant.Hash {
		return true, nil
	}
	ok, err := ancestor.IsAncestor(descendant)
	if err != nil {
		return false, objectStoreError("ancestry walk", err)
	}
	return ok, nil
}

// ReachableFromRemote reports whether c is contained in the remote-tracking branch
// remote/branch. A missing tracking ref yields false.
func (r *Repository) ReachableFromRemote(remote, branch string, c *object.Commit) (bool, error) {
	ref, err := r.repo.Reference(plumbing.NewRemoteReferenceName(remote, branch), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return false, nil
		}
		return false, objectStoreError("read remote ref", err)
	}
	tip, err := r.commit(ref.Hash())
	if err != nil {
		return false, err
	}
	return r.IsAncestor(c, tip)
}

// RemoteURL returns the first configured URL of remote.
func (r *Repository) RemoteURL(remote string) (string, error) {
	rem, err := r.repo.Remote(remote)
	if err != nil {
		return "", fmt.Errorf("remote %s: %w", remote, ErrRefNotFound)
	}
	urls := rem.Config().URLs
	if len(urls) == 0 {
		return "", fmt.Errorf("remote %s has no url", remote)
	}
	return urls[0], nil
}

// Identity returns user.name/user.email from local and global config.
func (r *Repository) Identity() Identity {
	var id Identity
	if cfg, err := r.repo.ConfigScoped(config.GlobalScope); err == nil {
		id.Name = cfg.User.Name
		id.Email = cfg.User.Email
	}
	if id.Name == "" {
		id.Name = "Unknown"
	}
	if id.Email == "" {
		id.Email = "unknown@local"
	}
	return id
}

// MoveHead points the checked out branch (or a detached HEAD) at next, failing when
// it no longer points at prev. The previous tip is recorded in ORIG_HEAD.
func (r *Repository) MoveHead(prev, next plumbing.Hash) error {
	head, err := r.repo.Storer.Reference(plumbing.HEAD)
	if err != nil {
		return objectStoreError("read HEAD", err)
	}

	name := plumbing.HEAD
	if head.Type() == plumbing.SymbolicReference {
		name = head.Target()
	}

	old := plumbing.NewHashReference(name, prev)
	if err := r.repo.Storer.CheckAndSetReference(plumbing.NewHashReference(name, next), old); err != nil {
		return objectStoreError("update "+name.String(), err)
	}
	if err := r.repo.Storer.SetReference(plumbing.NewHashReference(origHead, prev)); err != nil {
		return objectStoreError("write ORIG_HEAD", err)
	}
	return nil
}

func firstLine(msg string) string {
	msg = strings.TrimSpace(msg)
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		return strings.TrimSpace(msg[:i])
	}
	return msg
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
