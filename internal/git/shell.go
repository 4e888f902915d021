package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ShellExecutor shells out to the system git binary for the operations go-git does not
// provide: stash, porcelain status and network transport.
type ShellExecutor struct {
	// Dir is the working tree the commands run in.
	Dir string

	// Git is the git binary to execute. Defaults to "git" when empty.
	Git string

	// NetworkRetries controls how many additional attempts should be made for network
	// oriented git commands (fetch, push). When zero, a default of 2 retries is used.
	NetworkRetries int

	// NetworkRetryDelay controls the initial backoff delay between retries. When zero,
	// a default of 1 second is used. Backoff grows exponentially per attempt.
	NetworkRetryDelay time.Duration

	// NetworkTimeout bounds network commands that would otherwise inherit an unbounded
	// context. When zero, a default of 2 minutes is used.
	NetworkTimeout time.Duration
}

// NewShellExecutor returns a ShellExecutor bound to dir.
func NewShellExecutor(dir string) *ShellExecutor {
	return &ShellExecutor{Dir: dir}
}

func (e *ShellExecutor) gitBinary() string {
	if e.Git == "" {
		return "git"
	}
	return e.Git
}

// IsDirty reports whether tracked or untracked changes exist.
func (e *ShellExecutor) IsDirty(ctx context.Context) (bool, error) {
	out, err := e.capture(ctx, "status", "--porcelain", "--untracked-files=normal")
	if err != nil {
		return false, fmt.Errorf("git status: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

// Push stashes tracked and untracked changes under message. It reports whether an
// entry was actually created.
func (e *ShellExecutor) Push(ctx context.Context, message string) (bool, error) {
	before := e.stashTip(ctx)
	if err := e.exec(ctx, "stash", "push", "--include-untracked", "-m", message); err != nil {
		return false, fmt.Errorf("git stash push: %w", err)
	}
	return e.stashTip(ctx) != before, nil
}

// Pop restores the most recent stash entry. On conflict git keeps the entry.
func (e *ShellExecutor) Pop(ctx context.Context) error {
	if err := e.exec(ctx, "stash", "pop"); err != nil {
		return fmt.Errorf("git stash pop: %w", err)
	}
	return nil
}

func (e *ShellExecutor) stashTip(ctx context.Context) string {
	out, err := e.capture(ctx, "rev-parse", "-q", "--verify", "refs/stash")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// Fetch retrieves ref from remote. A missing remote ref is reported as ErrRefNotFound.
func (e *ShellExecutor) Fetch(ctx context.Context, remote, ref string) error {
	if err := e.exec(ctx, "fetch", remote, ref); err != nil {
		if isMissingRemoteBranch(err) {
			return fmt.Errorf("%s/%s: %w", remote, ref, ErrRefNotFound)
		}
		return fmt.Errorf("git fetch %s %s: %w", remote, ref, err)
	}
	return nil
}

// ForcePush publishes branch to remote with --force-with-lease.
func (e *ShellExecutor) ForcePush(ctx context.Context, remote, branch string) error {
	if err := e.exec(ctx, "push", remote, "--force-with-lease", fmt.Sprintf("%s:%s", branch, branch)); err != nil {
		return fmt.Errorf("git push %s: %w", branch, err)
	}
	return nil
}

func (e *ShellExecutor) exec(ctx context.Context, args ...string) error {
	return e.runGit(ctx, e.withDir(args)...)
}

func (e *ShellExecutor) withDir(args []string) []string {
	if e.Dir == "" {
		return args
	}
	return append([]string{"-C", e.Dir}, args...)
}

func (e *ShellExecutor) capture(ctx context.Context, args ...string) (string, error) {
	args = e.withDir(args)
	cmd := exec.CommandContext(ctx, e.gitBinary(), args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", &GitError{Args: args, Output: string(output), Err: err}
	}
	return string(output), nil
}

func (e *ShellExecutor) runGit(ctx context.Context, args ...string) error {
	primary := primaryGitCommand(args)
	isNetwork := isNetworkCommand(primary)

	retries := 0
	if isNetwork {
		retries = e.networkRetriesValue()
	}

	delay := e.networkRetryDelayValue()
	var lastErr error

	for attempt := 0; attempt <= retries; attempt++ {
		attemptCtx, cancel := e.applyNetworkTimeout(ctx, isNetwork)
		err := e.runGitOnce(attemptCtx, args...)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		if !isNetwork {
			break
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}
		if isMissingRemoteBranch(err) || attempt == retries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay < time.Second {
			delay = time.Second
		}
		delay *= 2
	}

	return lastErr
}

func (e *ShellExecutor) runGitOnce(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, e.gitBinary(), args...)
	setProcessGroup(cmd)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Start(); err != nil {
		return &GitError{Args: args, Output: output.String(), Err: err}
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		terminateProcessGroup(cmd)
		<-done
		return ctx.Err()
	case err := <-done:
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return &GitError{Args: args, Output: output.String(), Err: err}
		}
	}

	return nil
}

func primaryGitCommand(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			if i+1 < len(args) {
				return args[i+1]
			}
			return ""
		}
		if strings.HasPrefix(arg, "-") {
			switch arg {
			case "-C", "--git-dir", "-c":
				i++
			}
			continue
		}
		return arg
	}
	return ""
}

func isNetworkCommand(cmd string) bool {
	switch cmd {
	case "fetch", "push", "pull", "remote":
		return true
	default:
		return false
	}
}

func (e *ShellExecutor) networkRetriesValue() int {
	if e.NetworkRetries < 0 {
		return 0
	}
	if e.NetworkRetries == 0 {
		return 2
	}
	return e.NetworkRetries
}

func (e *ShellExecutor) networkRetryDelayValue() time.Duration {
	if e.NetworkRetryDelay <= 0 {
		return time.Second
	}
	return e.NetworkRetryDelay
}

func (e *ShellExecutor) networkTimeoutValue() time.Duration {
	if e.NetworkTimeout <= 0 {
		return 2 * time.Minute
	}
	return e.NetworkTimeout
}

func (e *ShellExecutor) applyNetworkTimeout(ctx context.Context, network bool) (context.Context, context.CancelFunc) {
	if !network {
		return ctx, func() {}
	}
	if deadline, ok := ctx.Deadline(); ok && !deadline.IsZero() {
		return ctx, func() {}
	}
	timeout := e.networkTimeoutValue()
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// GitError wraps failures when invoking the git binary.
type GitError struct {
	Args   []string
	Output string
	Err    error
}

func (e *GitError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("git %s: %v\n%s", strings.Join(e.Args, " "), e.Err, e.Output)
}

func (e *GitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func isMissingRemoteBranch(err error) bool {
	var gitErr *GitError
	if !errors.As(err, &gitErr) {
		return false
	}
	out := gitErr.Output
	return strings.Contains(out, "couldn't find remote ref") ||
		strings.Contains(out, "invalid refspec") ||
		strings.Contains(out, "unknown revision")
}
