package rewrite_test

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"

	"github.com/go-git/go-git/v5/plumbing/object"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rancher/git-rewrite/internal/git"
	"github.com/rancher/git-rewrite/internal/refs"
	"github.com/rancher/git-rewrite/internal/rewrite"
)

var _ = Describe("Rewriter", func() {
	var (
		ctx        context.Context
		sb         *sandbox
		a, b, c, d string
	)

	newRewriter := func(cfg rewrite.Config, remote rewrite.RemoteChecker) (*rewrite.Rewriter, *git.Repository) {
		repo := sb.open()
		return rewrite.New(cfg, repo, sb.shell(), remote, nil), repo
	}

	commitOf := func(repo *git.Repository, rev string) *object.Commit {
		GinkgoHelper()
		commit, err := repo.Resolve(rev)
		Expect(err).NotTo(HaveOccurred())
		return commit
	}

	BeforeEach(func() {
		ctx = context.Background()
		sb = newSandbox()
		a = sb.commit("a.txt", "a\n", "add a")
		b = sb.commitAs("Alice", "alice@example.com", "b.txt", "b\n", "add b")
		c = sb.commitAs("Bob", "bob@example.com", "c.txt", "c\n", "add c\n\nwith a body")
		d = sb.commitAs("Carol", "carol@example.com", "a.txt", "a\nd\n", "extend a")
	})

	Describe("previews", func() {
		It("classifies the tip as an amend and older commits as a rebase reword", func() {
			rw, _ := newRewriter(rewrite.Config{}, nil)

			tip, err := rw.PreviewReword(ctx, rewrite.RewriteOptions{Commit: "HEAD", NewMessage: "new"})
			Expect(err).NotTo(HaveOccurred())
			Expect(tip.OperationType).To(Equal(rewrite.OperationAmend))
			Expect(tip.OriginalSHA).To(Equal(d))
			Expect(tip.Branch).To(Equal("main"))

			old, err := rw.PreviewReword(ctx, rewrite.RewriteOptions{Commit: b, NewMessage: "new"})
			Expect(err).NotTo(HaveOccurred())
			Expect(old.OperationType).To(Equal(rewrite.OperationRebaseReword))
			Expect(old.OriginalMessage).To(Equal("add b\n"))
			Expect(old.IsPushed).To(BeFalse())
		})

		It("classifies an amend without a message as files only", func() {
			rw, _ := newRewriter(rewrite.Config{}, nil)
			preview, err := rw.PreviewAmend(ctx, rewrite.RewriteOptions{FilesToAdd: []string{"x.txt"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(preview.OperationType).To(Equal(rewrite.OperationAmendFilesOnly))
			Expect(preview.FilesToAdd).To(Equal([]string{"x.txt"}))
		})

		It("returns identical previews for unchanged state", func() {
			rw, _ := newRewriter(rewrite.Config{}, nil)
			opts := rewrite.RewriteOptions{Commit: b, NewMessage: "reworded b"}

			first, err := rw.PreviewReword(ctx, opts)
			Expect(err).NotTo(HaveOccurred())
			second, err := rw.PreviewReword(ctx, opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(Equal(first))
			Expect(rewrite.FormatRewritePreview(second)).To(Equal(rewrite.FormatRewritePreview(first)))

			squashOpts := rewrite.SquashOptions{Commits: []string{b, c, d}, NewMessage: "all"}
			s1, err := rw.PreviewSquash(ctx, squashOpts)
			Expect(err).NotTo(HaveOccurred())
			s2, err := rw.PreviewSquash(ctx, squashOpts)
			Expect(err).NotTo(HaveOccurred())
			Expect(rewrite.FormatSquashPreview(s2)).To(Equal(rewrite.FormatSquashPreview(s1)))
			Expect(s1.BaseSHA).To(Equal(a))
			Expect(s1.Commits).To(HaveLen(3))
			Expect(s1.Commits[0].SHA).To(Equal(b))
			Expect(s1.Replayed).To(BeZero())
		})

		It("warns about force-pushing commits the remote already has", func() {
			bare := filepath.Join(GinkgoT().TempDir(), "origin.git")
			out, err := exec.Command("git", "init", "--bare", "-q", bare).CombinedOutput()
			Expect(err).NotTo(HaveOccurred(), string(out))
			sb.git("remote", "add", "origin", bare)
			sb.git("push", "-q", "origin", "main")
			sb.git("fetch", "-q", "origin")
			e := sb.commit("e.txt", "e\n", "local only")

			repo := sb.open()
			rw := rewrite.New(rewrite.Config{}, repo, sb.shell(), rewrite.NewRemoteChecker(repo, "origin", nil, refs.Slug{}, nil), nil)

			pushed, err := rw.PreviewReword(ctx, rewrite.RewriteOptions{Commit: b, NewMessage: "x"})
			Expect(err).NotTo(HaveOccurred())
			Expect(pushed.IsPushed).To(BeTrue())
			Expect(rewrite.FormatRewritePreview(pushed)).To(ContainSubstring("git push --force-with-lease origin main"))

			local, err := rw.PreviewReword(ctx, rewrite.RewriteOptions{Commit: e, NewMessage: "x"})
			Expect(err).NotTo(HaveOccurred())
			Expect(local.IsPushed).To(BeFalse())
			Expect(rewrite.FormatRewritePreview(local)).NotTo(ContainSubstring("force-with-lease"))
		})

		It("treats reachability failures as unpublished", func() {
			rw, _ := newRewriter(rewrite.Config{}, failingChecker{})
			preview, err := rw.PreviewReword(ctx, rewrite.RewriteOptions{Commit: b, NewMessage: "x"})
			Expect(err).NotTo(HaveOccurred())
			Expect(preview.IsPushed).To(BeFalse())
		})
	})

	Describe("Reword", func() {
		It("rewrites a buried commit and preserves everything after it", func() {
			rw, repo := newRewriter(rewrite.Config{}, nil)

			res, err := rw.Reword(ctx, rewrite.RewriteOptions{Commit: b, NewMessage: "reworded b\n"})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Success).To(BeTrue())
			Expect(res.HasConflicts).To(BeFalse())
			Expect(res.Steps).To(HaveLen(3))
			Expect(res.Steps[0].Kind).To(Equal(rewrite.StepSubstituted))
			Expect(res.Steps[1].Kind).To(Equal(rewrite.StepReplayed))
			Expect(sb.head()).To(Equal(res.NewHead))

			newD := commitOf(repo, "HEAD")
			newC := commitOf(repo, "HEAD~1")
			newB := commitOf(repo, "HEAD~2")
			Expect(commitOf(repo, "HEAD~3").Hash.String()).To(Equal(a))

			Expect(newB.Message).To(Equal("reworded b\n"))
			Expect(newB.Author.Name).To(Equal("Alice"))
			Expect(newB.TreeHash).To(Equal(commitOf(repo, b).TreeHash))

			for _, pair := range [][2]*object.Commit{{newC, commitOf(repo, c)}, {newD, commitOf(repo, d)}} {
				rewritten, original := pair[0], pair[1]
				Expect(rewritten.Hash).NotTo(Equal(original.Hash))
				Expect(rewritten.Message).To(Equal(original.Message))
				Expect(rewritten.Author.Name).To(Equal(original.Author.Name))
				Expect(rewritten.Author.Email).To(Equal(original.Author.Email))
				Expect(rewritten.Author.When.Unix()).To(Equal(original.Author.When.Unix()))
				Expect(rewritten.TreeHash).To(Equal(original.TreeHash))
			}

			Expect(sb.git("rev-parse", "ORIG_HEAD")).To(Equal(d))
			Expect(sb.git("status", "--porcelain")).To(BeEmpty())
		})

		It("amends the tip in place", func() {
			rw, repo := newRewriter(rewrite.Config{}, nil)
			res, err := rw.Reword(ctx, rewrite.RewriteOptions{Commit: "HEAD", NewMessage: "tip reworded\n"})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Success).To(BeTrue())

			tip := commitOf(repo, "HEAD")
			Expect(tip.Message).To(Equal("tip reworded\n"))
			Expect(tip.Author.Name).To(Equal("Carol"))
			Expect(tip.ParentHashes[0].String()).To(Equal(c))
		})

		It("refuses to reword the root commit", func() {
			rw, _ := newRewriter(rewrite.Config{}, nil)
			_, err := rw.Reword(ctx, rewrite.RewriteOptions{Commit: a, NewMessage: "new root"})
			Expect(err).To(MatchError(git.ErrNoParent))
			Expect(sb.head()).To(Equal(d))
		})

		It("requires a message", func() {
			rw, _ := newRewriter(rewrite.Config{}, nil)
			_, err := rw.Reword(ctx, rewrite.RewriteOptions{Commit: b, NewMessage: "  "})
			Expect(err).To(HaveOccurred())
			Expect(sb.head()).To(Equal(d))
		})

		It("refuses commits that are not on the current branch", func() {
			sb.git("checkout", "-q", "-b", "side", b)
			side := sb.commit("side.txt", "side\n", "side commit")
			sb.git("checkout", "-q", "main")

			rw, _ := newRewriter(rewrite.Config{}, nil)
			_, err := rw.Reword(ctx, rewrite.RewriteOptions{Commit: side, NewMessage: "x"})
			Expect(err).To(MatchError(git.ErrNotOnBranch))
			Expect(sb.head()).To(Equal(d))
		})

		It("refuses to rewrite the protected default branch", func() {
			rw, _ := newRewriter(rewrite.Config{ProtectDefaultBranch: true, DefaultBranch: "main"}, nil)
			_, err := rw.Reword(ctx, rewrite.RewriteOptions{Commit: b, NewMessage: "x"})
			Expect(err).To(MatchError(git.ErrProtectedBranch))
			Expect(sb.head()).To(Equal(d))

			sb.git("checkout", "-q", "-b", "feature")
			_, err = rw.Reword(ctx, rewrite.RewriteOptions{Commit: b, NewMessage: "x"})
			Expect(err).NotTo(HaveOccurred())
		})

		It("refuses to run while a cherry-pick is paused", func() {
			repo := sb.open()
			Expect(repo.SetPendingPick(commitOf(repo, c).Hash)).To(Succeed())

			rw := rewrite.New(rewrite.Config{}, repo, sb.shell(), nil, nil)
			_, err := rw.Reword(ctx, rewrite.RewriteOptions{Commit: b, NewMessage: "x"})
			Expect(err).To(MatchError(git.ErrOperationInProgress))
		})

		It("keeps uncommitted work when auto-stashing", func() {
			sb.write("a.txt", "dirty a\n")
			sb.write("scratch.txt", "untracked\n")

			rw, _ := newRewriter(rewrite.Config{}, nil)
			res, err := rw.Reword(ctx, rewrite.RewriteOptions{Commit: b, NewMessage: "x", AutoStash: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.WasStashed).To(BeTrue())

			Expect(sb.read("a.txt")).To(Equal("dirty a\n"))
			Expect(sb.read("scratch.txt")).To(Equal("untracked\n"))
			Expect(sb.stashCount()).To(BeZero())
		})
	})

	Describe("Squash", func() {
		It("collapses a run ending at the tip into one commit", func() {
			rw, repo := newRewriter(rewrite.Config{}, nil)

			res, err := rw.Squash(ctx, rewrite.SquashOptions{Commits: []string{d, b, c}, NewMessage: "combined\n\nb, c and d"})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Success).To(BeTrue())
			Expect(res.Squashed).To(Equal(3))

			e := commitOf(repo, "HEAD")
			Expect(e.Message).To(Equal("combined\n\nb, c and d"))
			Expect(e.TreeHash).To(Equal(commitOf(repo, d).TreeHash))
			Expect(e.ParentHashes).To(HaveLen(1))
			Expect(e.ParentHashes[0].String()).To(Equal(a))
			Expect(e.Author.Name).To(Equal("Rewrite Tester"))
			Expect(rewrite.FormatSquashResult(res)).To(ContainSubstring("Squashed 3 commits"))
		})

		It("replays commits after a run in the middle", func() {
			rw, repo := newRewriter(rewrite.Config{}, nil)

			res, err := rw.Squash(ctx, rewrite.SquashOptions{Commits: []string{b, c}, NewMessage: "b and c"})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Steps).To(HaveLen(2))
			Expect(res.Steps[0].Kind).To(Equal(rewrite.StepCollapsed))
			Expect(res.Steps[0].Original).To(Equal([]string{b, c}))

			tip := commitOf(repo, "HEAD")
			Expect(tip.Message).To(Equal("extend a\n"))
			Expect(tip.Author.Name).To(Equal("Carol"))
			Expect(tip.TreeHash).To(Equal(commitOf(repo, d).TreeHash))

			squashed := commitOf(repo, "HEAD~1")
			Expect(squashed.Message).To(Equal("b and c"))
			Expect(squashed.TreeHash).To(Equal(commitOf(repo, c).TreeHash))
			Expect(squashed.ParentHashes[0].String()).To(Equal(a))
		})

		It("rejects selections with gaps", func() {
			rw, _ := newRewriter(rewrite.Config{}, nil)
			_, err := rw.Squash(ctx, rewrite.SquashOptions{Commits: []string{b, d}, NewMessage: "gap"})
			Expect(err).To(MatchError(git.ErrNotContiguous))
			Expect(sb.head()).To(Equal(d))
		})

		It("rejects ranges that include the root commit", func() {
			rw, _ := newRewriter(rewrite.Config{}, nil)
			_, err := rw.Squash(ctx, rewrite.SquashOptions{Commits: []string{a, b}, NewMessage: "root"})
			Expect(err).To(MatchError(git.ErrNoParent))
			Expect(sb.head()).To(Equal(d))

			_, err = rw.PreviewSquash(ctx, rewrite.SquashOptions{Commits: []string{a, b, c, d}, NewMessage: "root"})
			Expect(err).To(MatchError(git.ErrNoParent))
		})

		It("rejects an empty selection", func() {
			rw, _ := newRewriter(rewrite.Config{}, nil)
			_, err := rw.PreviewSquash(ctx, rewrite.SquashOptions{NewMessage: "nothing"})
			Expect(err).To(MatchError(git.ErrEmptyRange))
		})

		It("stashes and restores a dirty tree", func() {
			sb.write("b.txt", "dirty b\n")

			rw, _ := newRewriter(rewrite.Config{}, nil)
			res, err := rw.Squash(ctx, rewrite.SquashOptions{Commits: []string{c, d}, NewMessage: "c+d", AutoStash: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.WasStashed).To(BeTrue())
			Expect(sb.read("b.txt")).To(Equal("dirty b\n"))
			Expect(sb.stashCount()).To(BeZero())
		})
	})

	Describe("Amend", func() {
		It("folds listed files into the tip and keeps the message", func() {
			sb.write("new.txt", "fresh\n")
			rw, repo := newRewriter(rewrite.Config{}, nil)

			res, err := rw.Amend(ctx, rewrite.RewriteOptions{FilesToAdd: []string{"new.txt"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Success).To(BeTrue())

			tip := commitOf(repo, "HEAD")
			Expect(tip.Message).To(Equal("extend a\n"))
			Expect(tip.ParentHashes[0].String()).To(Equal(c))
			Expect(sb.git("show", "HEAD:new.txt")).To(Equal("fresh"))
			Expect(sb.git("status", "--porcelain")).To(BeEmpty())
			Expect(sb.indexStages()).To(ConsistOf("0"))
		})

		It("replaces the message when one is given", func() {
			rw, repo := newRewriter(rewrite.Config{}, nil)
			_, err := rw.Amend(ctx, rewrite.RewriteOptions{NewMessage: "amended\n"})
			Expect(err).NotTo(HaveOccurred())
			Expect(commitOf(repo, "HEAD").Message).To(Equal("amended\n"))
			Expect(commitOf(repo, "HEAD").TreeHash).To(Equal(commitOf(repo, d).TreeHash))
			Expect(sb.git("status", "--porcelain")).To(BeEmpty())
		})
	})
})

type failingChecker struct{}

func (failingChecker) IsPushed(context.Context, *object.Commit, string) (bool, error) {
	return false, errors.New("remote unavailable")
}
