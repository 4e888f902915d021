package rewrite_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rancher/git-rewrite/internal/rewrite"
)

type fakeStasher struct {
	dirty   bool
	pushes  int
	pops    int
	popErr  error
	pushErr error
	message string
}

func (f *fakeStasher) IsDirty(context.Context) (bool, error) { return f.dirty, nil }

func (f *fakeStasher) Push(_ context.Context, message string) (bool, error) {
	if f.pushErr != nil {
		return false, f.pushErr
	}
	f.pushes++
	f.message = message
	return true, nil
}

func (f *fakeStasher) Pop(context.Context) error {
	f.pops++
	return f.popErr
}

var _ = Describe("Safety", func() {
	var (
		ctx     context.Context
		stasher *fakeStasher
		safety  *rewrite.Safety
	)

	BeforeEach(func() {
		ctx = context.Background()
		stasher = &fakeStasher{dirty: true}
		safety = rewrite.NewSafety(stasher, nil)
	})

	It("does nothing unless auto-stash is requested", func() {
		stashed, err := safety.MaybeStash(ctx, false, "reword")
		Expect(err).NotTo(HaveOccurred())
		Expect(stashed).To(BeFalse())
		Expect(stasher.pushes).To(BeZero())
	})

	It("does nothing for a clean tree", func() {
		stasher.dirty = false
		stashed, err := safety.MaybeStash(ctx, true, "reword")
		Expect(err).NotTo(HaveOccurred())
		Expect(stashed).To(BeFalse())
		Expect(stasher.pushes).To(BeZero())
	})

	It("pairs every push with one pop", func() {
		stashed, err := safety.MaybeStash(ctx, true, "squash")
		Expect(err).NotTo(HaveOccurred())
		Expect(stashed).To(BeTrue())
		Expect(stasher.message).To(ContainSubstring("squash"))

		_, err = safety.MaybeStash(ctx, true, "squash")
		Expect(err).To(HaveOccurred())
		Expect(stasher.pushes).To(Equal(1))

		safety.Restore(ctx, stashed)
		Expect(stasher.pops).To(Equal(1))

		stashed, err = safety.MaybeStash(ctx, true, "squash")
		Expect(err).NotTo(HaveOccurred())
		Expect(stashed).To(BeTrue())
		Expect(stasher.pushes).To(Equal(2))
	})

	It("never escalates a failed restore", func() {
		stasher.popErr = errors.New("conflict popping stash")
		stashed, err := safety.MaybeStash(ctx, true, "reword")
		Expect(err).NotTo(HaveOccurred())

		safety.Restore(ctx, stashed)
		Expect(stasher.pops).To(Equal(1))
	})

	It("skips the pop when nothing was stashed", func() {
		safety.Restore(ctx, false)
		Expect(stasher.pops).To(BeZero())
	})

	It("restores even when the caller was cancelled", func() {
		stashed, err := safety.MaybeStash(ctx, true, "reword")
		Expect(err).NotTo(HaveOccurred())

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		safety.Restore(cancelled, stashed)
		Expect(stasher.pops).To(Equal(1))
	})

	It("surfaces push failures", func() {
		stasher.pushErr = errors.New("cannot stash")
		_, err := safety.MaybeStash(ctx, true, "reword")
		Expect(err).To(MatchError(ContainSubstring("cannot stash")))
	})
})
