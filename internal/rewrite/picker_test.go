package rewrite_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rancher/git-rewrite/internal/git"
	"github.com/rancher/git-rewrite/internal/rewrite"
)

var _ = Describe("Picker", func() {
	var (
		ctx     context.Context
		sb      *sandbox
		base    string
		clean   string
		clash   string
		mainTip string
	)

	newPicker := func() *rewrite.Picker {
		return rewrite.NewPicker(sb.open(), sb.shell(), nil)
	}

	inProgress := func(p *rewrite.Picker) bool {
		GinkgoHelper()
		ok, err := p.InProgress()
		Expect(err).NotTo(HaveOccurred())
		return ok
	}

	BeforeEach(func() {
		ctx = context.Background()
		sb = newSandbox()
		base = sb.commit("shared.txt", "one\ntwo\nthree\n", "base")

		sb.git("checkout", "-q", "-b", "feature")
		clean = sb.commitAs("Dana", "dana@example.com", "feature.txt", "feature\n", "add feature file")
		clash = sb.commitAs("Dana", "dana@example.com", "shared.txt", "one\nfeature\nthree\n", "feature edit\n\nchanges line two")

		sb.git("checkout", "-q", "main")
		mainTip = sb.commit("shared.txt", "one\nmain\nthree\n", "main edit")
	})

	It("commits a clean pick with the source message and author", func() {
		p := newPicker()
		res, err := p.Pick(ctx, rewrite.PickOptions{Commit: clean})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Success).To(BeTrue())
		Expect(res.Source).To(Equal(clean))
		Expect(inProgress(p)).To(BeFalse())

		Expect(sb.head()).To(Equal(res.NewHead))
		Expect(sb.git("log", "-1", "--format=%s|%an|%cn")).To(Equal("add feature file|Dana|Rewrite Tester"))
		Expect(sb.git("rev-parse", "HEAD~1")).To(Equal(mainTip))
		Expect(sb.read("feature.txt")).To(Equal("feature\n"))
		Expect(sb.git("status", "--porcelain")).To(BeEmpty())
		Expect(sb.indexStages()).To(ConsistOf("0"))
	})

	It("pauses on conflicts and finishes after continue", func() {
		sb.write("notes.txt", "keep me\n")

		p := newPicker()
		res, err := p.Pick(ctx, rewrite.PickOptions{Commit: clash, AutoStash: true})
		Expect(err).To(MatchError(git.ErrConflict))
		Expect(res.HasConflicts).To(BeTrue())
		Expect(res.Success).To(BeFalse())
		Expect(res.WasStashed).To(BeTrue())
		Expect(res.Conflicts).To(ConsistOf("shared.txt"))

		var conflict *git.ConflictError
		Expect(errors.As(err, &conflict)).To(BeTrue())
		Expect(conflict.Commit).To(Equal(clash))
		Expect(rewrite.ConflictInstructions(conflict, res.WasStashed)).To(ContainSubstring("git-rewrite pick --continue"))

		Expect(inProgress(p)).To(BeTrue())
		Expect(sb.head()).To(Equal(mainTip))
		Expect(sb.read("shared.txt")).To(ContainSubstring("<<<<<<< HEAD"))
		Expect(sb.exists("notes.txt")).To(BeFalse())

		_, err = p.Continue(ctx)
		Expect(err).To(MatchError(git.ErrUnresolvedConflicts))
		Expect(inProgress(p)).To(BeTrue())

		sb.write("shared.txt", "one\nmain and feature\nthree\n")
		sb.git("add", "shared.txt")

		cont, err := p.Continue(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(cont.Success).To(BeTrue())
		Expect(cont.WasStashed).To(BeTrue())
		Expect(inProgress(newPicker())).To(BeFalse())

		Expect(sb.git("log", "-1", "--format=%B")).To(Equal("feature edit\n\nchanges line two"))
		Expect(sb.git("rev-parse", "HEAD~1")).To(Equal(mainTip))
		Expect(sb.git("show", "HEAD:shared.txt")).To(Equal("one\nmain and feature\nthree"))
		Expect(sb.read("notes.txt")).To(Equal("keep me\n"))
		Expect(sb.stashCount()).To(BeZero())
		Expect(sb.git("status", "--porcelain")).To(Equal("?? notes.txt"))
		Expect(sb.indexStages()).To(ConsistOf("0"))
	})

	It("restores the tip and clears the marker on abort", func() {
		sb.write("notes.txt", "keep me\n")

		p := newPicker()
		_, err := p.Pick(ctx, rewrite.PickOptions{Commit: clash, AutoStash: true})
		Expect(git.IsConflict(err)).To(BeTrue())

		Expect(p.Abort(ctx)).To(Succeed())
		Expect(inProgress(p)).To(BeFalse())
		Expect(sb.head()).To(Equal(mainTip))
		Expect(sb.read("shared.txt")).To(Equal("one\nmain\nthree\n"))
		Expect(sb.read("notes.txt")).To(Equal("keep me\n"))
		Expect(sb.stashCount()).To(BeZero())
		Expect(sb.git("status", "--porcelain")).To(Equal("?? notes.txt"))
		Expect(sb.indexStages()).To(ConsistOf("0"))
	})

	It("keeps untracked files through abort without auto-stash", func() {
		p := newPicker()
		_, err := p.Pick(ctx, rewrite.PickOptions{Commit: clash})
		Expect(git.IsConflict(err)).To(BeTrue())
		Expect(sb.indexStages()).To(ConsistOf("1", "2", "3"))

		sb.write("scratch.txt", "untracked\n")
		Expect(p.Abort(ctx)).To(Succeed())
		Expect(sb.read("scratch.txt")).To(Equal("untracked\n"))
		Expect(sb.git("status", "--porcelain")).To(Equal("?? scratch.txt"))
	})

	It("restores the auto-stash when a conflicting no-commit pick is aborted", func() {
		sb.write("notes.txt", "keep me\n")

		p := newPicker()
		res, err := p.PickNoCommit(ctx, clash, true)
		Expect(err).To(MatchError(git.ErrConflict))
		Expect(res.WasStashed).To(BeTrue())
		Expect(sb.exists("notes.txt")).To(BeFalse())
		Expect(sb.stashCount()).To(Equal(1))

		Expect(p.Abort(ctx)).To(Succeed())
		Expect(inProgress(p)).To(BeFalse())
		Expect(sb.head()).To(Equal(mainTip))
		Expect(sb.read("notes.txt")).To(Equal("keep me\n"))
		Expect(sb.stashCount()).To(BeZero())
		Expect(sb.git("status", "--porcelain")).To(Equal("?? notes.txt"))
		Expect(sb.indexStages()).To(ConsistOf("0"))
	})

	It("discards a clean no-commit pick on abort", func() {
		sb.write("notes.txt", "keep me\n")

		p := newPicker()
		res, err := p.PickNoCommit(ctx, clean, true)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.WasStashed).To(BeTrue())
		Expect(sb.read("notes.txt")).To(Equal("keep me\n"))
		Expect(sb.git("status", "--porcelain")).To(Equal("A  feature.txt\n?? notes.txt"))

		Expect(p.Abort(ctx)).To(Succeed())
		Expect(sb.exists("feature.txt")).To(BeFalse())
		Expect(sb.read("notes.txt")).To(Equal("keep me\n"))
		Expect(sb.git("status", "--porcelain")).To(Equal("?? notes.txt"))
		Expect(sb.indexStages()).To(ConsistOf("0"))
	})

	It("reports a file/directory clash as a conflict", func() {
		sb.git("checkout", "-q", "-b", "nested", base)
		nested := sb.commit("docs/guide.md", "guide\n", "add docs dir")
		sb.git("checkout", "-q", "main")
		sb.commit("docs", "flat docs\n", "add docs file")

		p := newPicker()
		res, err := p.Pick(ctx, rewrite.PickOptions{Commit: nested})
		Expect(err).To(MatchError(git.ErrConflict))
		Expect(res.Conflicts).To(ConsistOf("docs"))
		Expect(inProgress(p)).To(BeTrue())
		Expect(sb.read("docs/guide.md")).To(Equal("guide\n"))
		Expect(sb.read("docs~HEAD")).To(Equal("flat docs\n"))

		Expect(p.Abort(ctx)).To(Succeed())
		Expect(sb.read("docs")).To(Equal("flat docs\n"))
		Expect(sb.exists("docs~HEAD")).To(BeTrue())
	})

	It("leaves a no-commit pick staged and in progress", func() {
		p := newPicker()
		res, err := p.PickNoCommit(ctx, clean, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Success).To(BeTrue())
		Expect(res.NewHead).To(Equal(mainTip))
		Expect(rewrite.FormatPickResult(res, true)).To(ContainSubstring("without committing"))

		Expect(inProgress(p)).To(BeTrue())
		Expect(sb.head()).To(Equal(mainTip))
		Expect(sb.read("feature.txt")).To(Equal("feature\n"))

		_, err = p.Pick(ctx, rewrite.PickOptions{Commit: clash})
		Expect(err).To(MatchError(git.ErrOperationInProgress))

		cont, err := p.Continue(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(cont.NewHead).NotTo(Equal(mainTip))
		Expect(sb.git("log", "-1", "--format=%s")).To(Equal("add feature file"))
		Expect(inProgress(p)).To(BeFalse())
		Expect(sb.git("status", "--porcelain")).To(BeEmpty())
		Expect(sb.indexStages()).To(ConsistOf("0"))
	})

	It("refuses a dirty tree without auto-stash", func() {
		sb.write("shared.txt", "local edit\n")

		p := newPicker()
		_, err := p.Pick(ctx, rewrite.PickOptions{Commit: clean})
		Expect(err).To(MatchError(git.ErrDirtyWorktree))
		Expect(sb.head()).To(Equal(mainTip))
		Expect(sb.read("shared.txt")).To(Equal("local edit\n"))
	})

	It("reports continue and abort without a paused pick", func() {
		p := newPicker()
		_, err := p.Continue(ctx)
		Expect(err).To(MatchError(git.ErrNoOperationInProgress))
		Expect(p.Abort(ctx)).To(MatchError(git.ErrNoOperationInProgress))
	})

	It("reports picks whose changes are already present", func() {
		p := newPicker()
		_, err := p.Pick(ctx, rewrite.PickOptions{Commit: clean})
		Expect(err).NotTo(HaveOccurred())

		_, err = p.Pick(ctx, rewrite.PickOptions{Commit: clean})
		Expect(err).To(HaveOccurred())
		Expect(git.IsConflict(err)).To(BeFalse())
		Expect(inProgress(p)).To(BeFalse())
	})

	Describe("PickRange", func() {
		It("picks missing commits oldest first and stops at the first conflict", func() {
			p := newPicker()
			res, err := p.PickRange(ctx, "feature", false)
			Expect(err).To(MatchError(git.ErrConflict))
			Expect(res.Picked).To(HaveLen(1))
			Expect(res.Stopped).To(Equal(clash))
			Expect(res.HasConflicts).To(BeTrue())
			Expect(inProgress(p)).To(BeTrue())
			Expect(sb.git("log", "-1", "--format=%s")).To(Equal("add feature file"))

			Expect(p.Abort(ctx)).To(Succeed())
			Expect(sb.head()).To(Equal(res.NewHead))
		})

		It("picks everything when nothing conflicts", func() {
			sb.git("checkout", "-q", "-b", "topic", base)
			sb.commit("t1.txt", "1\n", "topic one")
			sb.commit("t2.txt", "2\n", "topic two")
			sb.git("checkout", "-q", "main")

			p := newPicker()
			res, err := p.PickRange(ctx, "topic", false)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Picked).To(HaveLen(2))
			Expect(res.Stopped).To(BeEmpty())
			Expect(sb.git("log", "-2", "--format=%s")).To(Equal("topic two\ntopic one"))
			Expect(rewrite.FormatRangeResult(res)).To(ContainSubstring("Picked 2 commit(s)"))
		})

		It("fails when the source has nothing new", func() {
			p := newPicker()
			_, err := p.PickRange(ctx, base, false)
			Expect(err).To(MatchError(git.ErrEmptyRange))
		})
	})
})
