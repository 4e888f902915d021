package rewrite

import (
	"fmt"
	"strings"

	"github.com/rancher/git-rewrite/internal/git"
)

const rule = "────────────────────────────────────────────────────────────"

// FormatRewritePreview renders p for display before a reword or amend. Published
// commits get a force-push warning.
func FormatRewritePreview(p RewritePreview) string {
	var b strings.Builder

	b.WriteString(rule + "\n")
	fmt.Fprintf(&b, "%s\n", p.OperationType.Label())
	b.WriteString(rule + "\n")
	fmt.Fprintf(&b, "Commit:   %s\n", shortSHA(p.OriginalSHA))
	if p.Branch != "" {
		fmt.Fprintf(&b, "Branch:   %s\n", p.Branch)
	}

	b.WriteString("\nCurrent message:\n")
	writeIndented(&b, p.OriginalMessage)

	if p.NewMessage != "" {
		b.WriteString("\nNew message:\n")
		writeIndented(&b, p.NewMessage)
	} else {
		b.WriteString("\nMessage unchanged.\n")
	}

	if len(p.FilesToAdd) > 0 {
		b.WriteString("\nFiles to add:\n")
		for _, f := range p.FilesToAdd {
			fmt.Fprintf(&b, "  + %s\n", f)
		}
	}

	if p.OperationType == OperationRebaseReword {
		b.WriteString("\nEvery commit after this one will be rewritten with a new hash.\n")
	}

	if p.IsPushed {
		writePushWarning(&b, p.Remote, p.Branch)
	}
	b.WriteString(rule + "\n")
	return b.String()
}

// FormatSquashPreview renders p for display before a squash.
func FormatSquashPreview(p SquashPreview) string {
	var b strings.Builder

	b.WriteString(rule + "\n")
	fmt.Fprintf(&b, "Squash %d commits\n", len(p.Commits))
	b.WriteString(rule + "\n")
	fmt.Fprintf(&b, "Onto:     %s\n", shortSHA(p.BaseSHA))
	if p.Branch != "" {
		fmt.Fprintf(&b, "Branch:   %s\n", p.Branch)
	}

	b.WriteString("\nCommits (oldest first):\n")
	for _, c := range p.Commits {
		fmt.Fprintf(&b, "  %s %s\n", c.Short(), c.Subject())
	}

	b.WriteString("\nNew message:\n")
	writeIndented(&b, p.NewMessage)

	if p.Replayed > 0 {
		noun := "commits"
		if p.Replayed == 1 {
			noun = "commit"
		}
		fmt.Fprintf(&b, "\n%d later %s will be replayed unchanged.\n", p.Replayed, noun)
	}

	if p.IsPushed {
		writePushWarning(&b, p.Remote, p.Branch)
	}
	b.WriteString(rule + "\n")
	return b.String()
}

func writePushWarning(b *strings.Builder, remote, branch string) {
	if remote == "" {
		remote = "origin"
	}
	if branch == "" {
		branch = "<branch>"
	}
	b.WriteString("\nWARNING: this commit has already been pushed.\n")
	b.WriteString("Rewriting it changes published history. You will need to force-push:\n")
	fmt.Fprintf(b, "  git push --force-with-lease %s %s\n", remote, branch)
	b.WriteString("Anyone who already fetched the branch will have to reset onto the new history.\n")
}

func writeIndented(b *strings.Builder, msg string) {
	msg = strings.TrimRight(msg, "\n")
	if msg == "" {
		b.WriteString("  (empty)\n")
		return
	}
	for _, line := range strings.Split(msg, "\n") {
		b.WriteString("  " + line + "\n")
	}
}

// FormatRewriteResult summarises a finished reword or amend.
func FormatRewriteResult(res RewriteResult) string {
	var b strings.Builder
	if res.Success {
		fmt.Fprintf(&b, "Rewrote history; HEAD is now %s", shortSHA(res.NewHead))
		if n := len(res.Steps); n > 1 {
			fmt.Fprintf(&b, " (%d commits rewritten)", n)
		}
		b.WriteString(".\n")
	} else {
		b.WriteString("History was not changed.\n")
	}
	if res.WasStashed {
		b.WriteString("Uncommitted changes were stashed and restored.\n")
	}
	return b.String()
}

// FormatSquashResult summarises a finished squash.
func FormatSquashResult(res SquashResult) string {
	var b strings.Builder
	if res.Success {
		fmt.Fprintf(&b, "Squashed %d commits into %s.\n", res.Squashed, shortSHA(squashedCommit(res)))
		fmt.Fprintf(&b, "HEAD is now %s.\n", shortSHA(res.NewHead))
	} else {
		b.WriteString("History was not changed.\n")
	}
	if res.WasStashed {
		b.WriteString("Uncommitted changes were stashed and restored.\n")
	}
	return b.String()
}

func squashedCommit(res SquashResult) string {
	for _, s := range res.Steps {
		if s.Kind == StepCollapsed {
			return s.New
		}
	}
	return res.NewHead
}

// FormatPickResult summarises a pick, continue or paused no-commit pick.
func FormatPickResult(res PickResult, noCommit bool) string {
	var b strings.Builder
	switch {
	case res.HasConflicts:
		fmt.Fprintf(&b, "Cherry-pick of %s stopped on conflicts.\n", shortSHA(res.Source))
	case noCommit:
		fmt.Fprintf(&b, "Applied %s to the working tree without committing.\n", shortSHA(res.Source))
		b.WriteString("Run 'git-rewrite pick --continue' to commit or 'git-rewrite pick --abort' to discard.\n")
	case res.Success:
		fmt.Fprintf(&b, "Picked %s; HEAD is now %s.\n", shortSHA(res.Source), shortSHA(res.NewHead))
	}
	if res.WasStashed && !res.HasConflicts {
		b.WriteString("Uncommitted changes were stashed and restored.\n")
	}
	return b.String()
}

// FormatRangeResult summarises a range pick.
func FormatRangeResult(res RangeResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Picked %d commit(s)", len(res.Picked))
	if len(res.Skipped) > 0 {
		fmt.Fprintf(&b, ", skipped %d already present", len(res.Skipped))
	}
	b.WriteString(".\n")
	if res.Stopped != "" {
		fmt.Fprintf(&b, "Stopped at %s.\n", shortSHA(res.Stopped))
	} else {
		fmt.Fprintf(&b, "HEAD is now %s.\n", shortSHA(res.NewHead))
	}
	return b.String()
}

// ConflictInstructions explains how to finish or abandon the operation that
// stopped on err.
func ConflictInstructions(err *git.ConflictError, stashed bool) string {
	var b strings.Builder
	subjectSuffix := ""
	if err.Subject != "" {
		subjectSuffix = " (" + err.Subject + ")"
	}
	fmt.Fprintf(&b, "Could not apply %s%s.\n", shortSHA(err.Commit), subjectSuffix)

	if len(err.Paths) > 0 {
		b.WriteString("\nConflicting paths:\n")
		for _, p := range err.Paths {
			fmt.Fprintf(&b, "  %s\n", p)
		}
	}

	if err.Op != "cherry-pick" {
		b.WriteString("\nThe branch was left unchanged.\n")
		return b.String()
	}

	b.WriteString("\nTo finish:\n")
	b.WriteString("  1. Edit the files above and resolve the conflict markers.\n")
	b.WriteString("  2. Stage them with 'git add <path>'.\n")
	b.WriteString("  3. Run 'git-rewrite pick --continue'.\n")
	b.WriteString("\nTo give up and restore HEAD, run 'git-rewrite pick --abort'.\n")
	if stashed {
		b.WriteString("Your stashed changes are restored after continue or abort.\n")
	}
	return b.String()
}
