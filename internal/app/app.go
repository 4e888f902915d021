package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rancher/git-rewrite/internal/git"
	gh "github.com/rancher/git-rewrite/internal/github"
	"github.com/rancher/git-rewrite/internal/refs"
	"github.com/rancher/git-rewrite/internal/rewrite"
)

// errConfirmationRequired is returned when a rewrite needs confirmation but nobody
// can be asked.
var errConfirmationRequired = errors.New("confirmation required in a non-interactive session; re-run with --yes")

// Runner glues together the rewrite engines and supporting services for each command.
type Runner struct {
	cfg       Config
	dir       string
	log       *slog.Logger
	ghFactory gh.Factory
	out       *Renderer
	prompt    Prompter

	// only set for testing via NewRunnerWithDeps
	stasher   git.Stasher
	transport git.Transport
}

// Deps are the collaborators NewRunnerWithDeps injects.
type Deps struct {
	Log       *slog.Logger
	GitHub    gh.Factory
	Stasher   git.Stasher
	Transport git.Transport
	Out       io.Writer
	Prompt    Prompter
}

// NewRunner constructs a Runner for the repository containing dir.
func NewRunner(cfg Config, dir string) (*Runner, error) {
	logger, err := NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	var prompt Prompter
	if interactive() {
		prompt = huhPrompter{}
	}

	return &Runner{
		cfg:       cfg,
		dir:       dir,
		log:       logger,
		ghFactory: gh.NewRESTFactory(cfg.GitHubBaseURL, cfg.GitHubUploadURL),
		out:       NewRenderer(os.Stdout),
		prompt:    prompt,
	}, nil
}

// NewRunnerWithDeps constructs a Runner with injected dependencies for testing.
func NewRunnerWithDeps(cfg Config, dir string, deps Deps) *Runner {
	logger := deps.Log
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	factory := deps.GitHub
	if factory == nil {
		factory = gh.NewNoopFactory()
	}
	out := deps.Out
	if out == nil {
		out = io.Discard
	}
	return &Runner{
		cfg:       cfg,
		dir:       dir,
		log:       logger,
		ghFactory: factory,
		out:       NewRenderer(out),
		prompt:    deps.Prompt,
		stasher:   deps.Stasher,
		transport: deps.Transport,
	}
}

// session is everything one command needs from the opened repository.
type session struct {
	repo      *git.Repository
	stasher   git.Stasher
	transport git.Transport
	slug      refs.Slug
	client    gh.Client
}

func (r *Runner) open(ctx context.Context) (*session, error) {
	repo, err := git.Open(r.dir)
	if err != nil {
		return nil, err
	}

	if r.cfg.SigningKey != "" {
		signer, err := git.NewSigner(r.cfg.SigningKey, r.cfg.SigningPassphrase)
		if err != nil {
			return nil, fmt.Errorf("configure commit signing: %w", err)
		}
		repo.SetSigner(signer)
	}

	shell := git.NewShellExecutor(repo.Root())
	shell.Git = r.cfg.GitBinary
	shell.NetworkRetries = r.cfg.NetworkRetries

	s := &session{repo: repo, stasher: shell, transport: shell}
	if r.stasher != nil {
		s.stasher = r.stasher
	}
	if r.transport != nil {
		s.transport = r.transport
	}

	if url, err := repo.RemoteURL(r.cfg.Remote); err == nil {
		if slug, err := refs.ParseRemoteURL(url); err == nil {
			s.slug = slug
		} else {
			r.log.Debug("remote url is not a hosted repository", "remote", r.cfg.Remote, "error", err)
		}
	}

	if r.cfg.GitHubToken != "" && !s.slug.IsZero() && (s.slug.IsGitHub() || r.cfg.GitHubBaseURL != "") {
		client, err := r.ghFactory.New(ctx, r.cfg.GitHubToken)
		if err != nil {
			r.log.Warn("github access disabled", "error", err)
		} else {
			s.client = client
		}
	}

	return s, nil
}

func (r *Runner) rewriter(ctx context.Context, s *session) *rewrite.Rewriter {
	cfg := rewrite.Config{
		Remote:               r.cfg.Remote,
		ProtectDefaultBranch: r.cfg.ProtectDefaultBranch,
		DefaultBranch:        r.cfg.DefaultBranch,
	}

	// the local remote HEAD is preferred; GitHub only fills the gap
	if cfg.ProtectDefaultBranch && cfg.DefaultBranch == "" && s.repo.DefaultBranch(cfg.Remote) == "" && s.client != nil {
		def, err := s.client.DefaultBranch(ctx, s.slug.Owner, s.slug.Name)
		if err != nil {
			r.log.Debug("could not look up default branch", "repository", s.slug.String(), "error", err)
		} else {
			cfg.DefaultBranch = refs.NormalizeBranch(def, cfg.Remote)
		}
	}

	checker := rewrite.NewRemoteChecker(s.repo, r.cfg.Remote, s.client, s.slug, r.log)
	return rewrite.New(cfg, s.repo, s.stasher, checker, r.log)
}

func (r *Runner) picker(s *session) *rewrite.Picker {
	return rewrite.NewPicker(s.repo, s.stasher, r.log)
}

// Reword changes the message of commit after showing a preview and asking for
// confirmation.
func (r *Runner) Reword(ctx context.Context, commit, message string) error {
	s, err := r.open(ctx)
	if err != nil {
		return err
	}
	rw := r.rewriter(ctx, s)

	opts := rewrite.RewriteOptions{Commit: commit, NewMessage: refs.CleanMessage(message), AutoStash: r.cfg.AutoStash}
	preview, err := rw.PreviewReword(ctx, opts)
	if err != nil {
		return err
	}
	r.out.Block(rewrite.FormatRewritePreview(preview))

	if ok, err := r.confirm("Rewrite this commit?", ""); err != nil || !ok {
		return err
	}

	res, err := rw.Reword(ctx, opts)
	if err != nil {
		return r.failure(err, res.WasStashed)
	}
	r.out.Success(rewrite.FormatRewriteResult(res))
	return r.offerPush(ctx, s, preview.IsPushed, preview.Branch)
}

// Amend folds files into HEAD and optionally replaces its message. Relative paths
// are taken from the runner's directory.
func (r *Runner) Amend(ctx context.Context, files []string, message string) error {
	s, err := r.open(ctx)
	if err != nil {
		return err
	}
	rw := r.rewriter(ctx, s)

	paths, err := repoPaths(s.repo.Root(), r.dir, files)
	if err != nil {
		return err
	}
	opts := rewrite.RewriteOptions{NewMessage: refs.CleanMessage(message), FilesToAdd: paths}
	preview, err := rw.PreviewAmend(ctx, opts)
	if err != nil {
		return err
	}
	r.out.Block(rewrite.FormatRewritePreview(preview))

	if ok, err := r.confirm("Amend HEAD?", ""); err != nil || !ok {
		return err
	}

	res, err := rw.Amend(ctx, opts)
	if err != nil {
		return r.failure(err, false)
	}
	r.out.Success(rewrite.FormatRewriteResult(res))
	return r.offerPush(ctx, s, preview.IsPushed, preview.Branch)
}

// Squash collapses commits, or every commit from from up to HEAD when from is set,
// into one commit carrying message.
func (r *Runner) Squash(ctx context.Context, commits []string, from, message string) error {
	s, err := r.open(ctx)
	if err != nil {
		return err
	}
	rw := r.rewriter(ctx, s)

	if from != "" {
		if len(commits) > 0 {
			return errors.New("pass either commits or --from, not both")
		}
		if commits, err = commitsSince(s.repo, from); err != nil {
			return err
		}
	}

	opts := rewrite.SquashOptions{Commits: commits, NewMessage: refs.CleanMessage(message), AutoStash: r.cfg.AutoStash}
	preview, err := rw.PreviewSquash(ctx, opts)
	if err != nil {
		return err
	}
	r.out.Block(rewrite.FormatSquashPreview(preview))

	if ok, err := r.confirm(fmt.Sprintf("Squash %d commits?", len(preview.Commits)), ""); err != nil || !ok {
		return err
	}

	res, err := rw.Squash(ctx, opts)
	if err != nil {
		return r.failure(err, res.WasStashed)
	}
	r.out.Success(rewrite.FormatSquashResult(res))
	return r.offerPush(ctx, s, preview.IsPushed, preview.Branch)
}

// Pick applies commit onto HEAD.
func (r *Runner) Pick(ctx context.Context, commit string, noCommit bool) error {
	s, err := r.open(ctx)
	if err != nil {
		return err
	}
	return r.pick(ctx, s, commit, noCommit)
}

func (r *Runner) pick(ctx context.Context, s *session, commit string, noCommit bool) error {
	res, err := r.picker(s).Pick(ctx, rewrite.PickOptions{Commit: commit, NoCommit: noCommit, AutoStash: r.cfg.AutoStash})
	if err != nil {
		return r.failure(err, res.WasStashed)
	}
	r.out.Success(rewrite.FormatPickResult(res, noCommit))
	return nil
}

// PickPullRequest fetches the commit a GitHub pull request produced and picks it.
func (r *Runner) PickPullRequest(ctx context.Context, number int, noCommit bool) error {
	s, err := r.open(ctx)
	if err != nil {
		return err
	}
	if s.client == nil {
		return fmt.Errorf("picking pull requests needs a GitHub remote %q and a token (GIT_REWRITE_GITHUB_TOKEN or GITHUB_TOKEN)", r.cfg.Remote)
	}

	pr, err := s.client.GetPullRequest(ctx, s.slug.Owner, s.slug.Name, number)
	if err != nil {
		return fmt.Errorf("look up pull request #%d: %w", number, err)
	}
	r.log.Info("picking pull request", "number", pr.Number, "title", pr.Title, "merged", pr.IsMerged, "commit", pr.PickSHA())

	if _, err := s.repo.Resolve(pr.PickSHA()); err != nil {
		if err := s.transport.Fetch(ctx, r.cfg.Remote, pr.PickRef()); err != nil {
			return fmt.Errorf("fetch %s: %w", pr.PickRef(), err)
		}
	}
	return r.pick(ctx, s, pr.PickSHA(), noCommit)
}

// PickRange picks every commit on source that HEAD lacks.
func (r *Runner) PickRange(ctx context.Context, source string) error {
	s, err := r.open(ctx)
	if err != nil {
		return err
	}
	res, err := r.picker(s).PickRange(ctx, source, r.cfg.AutoStash)
	if len(res.Picked) > 0 || res.Stopped != "" {
		r.out.Info(rewrite.FormatRangeResult(res))
	}
	if err != nil {
		return r.failure(err, res.WasStashed)
	}
	return nil
}

// Continue commits a paused pick once its conflicts are resolved and staged.
func (r *Runner) Continue(ctx context.Context) error {
	s, err := r.open(ctx)
	if err != nil {
		return err
	}
	res, err := r.picker(s).Continue(ctx)
	if err != nil {
		if errors.Is(err, git.ErrUnresolvedConflicts) {
			r.out.Warn("Resolve and stage these paths first:\n  " + strings.Join(res.Conflicts, "\n  "))
		}
		return err
	}
	r.out.Success(rewrite.FormatPickResult(res, false))
	return nil
}

// Abort abandons a paused pick and restores HEAD.
func (r *Runner) Abort(ctx context.Context) error {
	s, err := r.open(ctx)
	if err != nil {
		return err
	}
	if err := r.picker(s).Abort(ctx); err != nil {
		return err
	}
	r.out.Success("Cherry-pick aborted; HEAD restored.")
	return nil
}

// Status reports the branch, tip and any paused operation.
func (r *Runner) Status(ctx context.Context) error {
	s, err := r.open(ctx)
	if err != nil {
		return err
	}

	head, err := s.repo.Head()
	if err != nil {
		return err
	}
	branch, err := s.repo.CurrentBranch()
	if err != nil {
		return err
	}
	if branch == "" {
		branch = "(detached)"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Branch:  %s\n", branch)
	fmt.Fprintf(&b, "HEAD:    %s %s\n", git.NewCommitRecord(head).Short(), git.NewCommitRecord(head).Subject())

	op, err := s.repo.OperationInProgress()
	if err != nil {
		return err
	}
	switch op {
	case "":
		b.WriteString("No operation in progress.\n")
	case "cherry-pick":
		source, _, err := s.repo.PendingPick()
		if err != nil {
			return err
		}
		fmt.Fprintf(&b, "Cherry-pick of %s in progress.\n", source.String()[:8])
		if paths, err := s.repo.UnmergedPaths(); err == nil && len(paths) > 0 {
			b.WriteString("Unresolved:\n  " + strings.Join(paths, "\n  ") + "\n")
		}
		b.WriteString("Run 'git-rewrite pick --continue' or 'git-rewrite pick --abort'.\n")
	default:
		fmt.Fprintf(&b, "A %s is in progress; finish it with git first.\n", op)
	}
	r.out.Info(b.String())
	return nil
}

// confirm asks before a rewrite. assume_yes skips the question.
func (r *Runner) confirm(title, description string) (bool, error) {
	if r.cfg.AssumeYes {
		return true, nil
	}
	if r.prompt == nil {
		return false, errConfirmationRequired
	}
	ok, err := r.prompt.Confirm(title, description)
	if err != nil {
		return false, err
	}
	if !ok {
		r.out.Info("Nothing changed.")
	}
	return ok, nil
}

// offerPush offers to force-push after rewriting published commits. It only asks
// interactively; --yes never pushes on its own.
func (r *Runner) offerPush(ctx context.Context, s *session, pushed bool, branch string) error {
	if !pushed || branch == "" {
		return nil
	}
	hint := fmt.Sprintf("git push --force-with-lease %s %s", r.cfg.Remote, branch)
	if r.prompt == nil {
		r.out.Warn("The rewritten commits were already pushed. Update the remote with:\n  " + hint)
		return nil
	}

	ok, err := r.prompt.Confirm(fmt.Sprintf("Force-push %s to %s now?", branch, r.cfg.Remote), hint)
	if err != nil {
		return err
	}
	if !ok {
		r.out.Info("Skipped pushing. Run '" + hint + "' when ready.")
		return nil
	}
	if err := s.transport.ForcePush(ctx, r.cfg.Remote, branch); err != nil {
		return fmt.Errorf("force-push %s: %w", branch, err)
	}
	r.out.Success(fmt.Sprintf("Pushed %s to %s.", branch, r.cfg.Remote))
	return nil
}

// failure renders conflict instructions for err and passes it through.
func (r *Runner) failure(err error, stashed bool) error {
	var conflict *git.ConflictError
	if errors.As(err, &conflict) {
		r.out.Block(rewrite.ConflictInstructions(conflict, stashed))
	}
	return err
}

// commitsSince lists from and every first-parent descendant up to HEAD.
func commitsSince(repo *git.Repository, from string) ([]string, error) {
	start, err := repo.Resolve(from)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, err
	}
	parent, err := repo.ParentOf(start)
	if err != nil {
		return nil, fmt.Errorf("cannot squash from %s: %w", from, err)
	}
	chain, err := repo.FirstParentRange(parent, head)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(chain))
	for _, c := range chain {
		out = append(out, c.Hash.String())
	}
	return out, nil
}

// repoPaths turns paths relative to base into repository paths.
func repoPaths(root, base string, files []string) ([]string, error) {
	base, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", base, err)
	}
	out := make([]string, 0, len(files))
	for _, f := range files {
		abs := f
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(base, f)
		}
		rel, err := filepath.Rel(root, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("%s is outside the repository", f)
		}
		out = append(out, filepath.ToSlash(rel))
	}
	return out, nil
}
