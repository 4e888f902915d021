package app

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"

	"github.com/spf13/cobra"
)

// Version information (can be set at build time)
var (
	Version = "dev"
	Commit  = "unknown"
)

// RunnerBuilder creates the Runner a command executes with.
type RunnerBuilder func(cfg Config, dir string) (*Runner, error)

// NewRootCmd returns the git-rewrite command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(NewRunner)
}

func newRootCmd(build RunnerBuilder) *cobra.Command {
	v := NewViper()
	var (
		configFile string
		dir        string
		runner     *Runner
	)

	cmd := &cobra.Command{
		Use:   "git-rewrite",
		Short: "Reword, squash and cherry-pick commits safely",
		Long: `git-rewrite edits commit history in place: reword any commit on the current
branch, squash a run of commits, amend HEAD, or cherry-pick commits with a
resumable conflict workflow. Uncommitted work is stashed and restored around
every rewrite.`,
		// Let main.go handle error printing to avoid duplication
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := LoadConfig(v, configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			runner, err = build(cfg, dir)
			return err
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default $XDG_CONFIG_HOME/git-rewrite/config.yaml)")
	flags.StringVarP(&dir, "repo", "C", ".", "run as if started in this directory")
	flags.String("log-level", defaultLogLevel, "log level: debug, info, warn, error")
	flags.String("log-format", defaultLogFormat, "log format: text or json")
	flags.String("log-file", "", "also write debug logs to this rotating file")
	flags.BoolP("verbose", "v", false, "shorthand for --log-level=debug")
	flags.String("remote", defaultRemote, "remote consulted for published commits")
	flags.Bool("auto-stash", true, "stash uncommitted changes around rewrites")
	flags.Bool("protect-default-branch", true, "refuse to rewrite the remote's default branch")
	flags.String("default-branch", "", "default branch name when the remote does not record one")
	flags.BoolP("yes", "y", false, "do not ask for confirmation")
	if err := BindFlags(v, flags); err != nil {
		panic(err)
	}

	get := func() *Runner { return runner }
	cmd.AddCommand(newRewordCmd(get))
	cmd.AddCommand(newAmendCmd(get))
	cmd.AddCommand(newSquashCmd(get))
	cmd.AddCommand(newPickCmd(get))
	cmd.AddCommand(newStatusCmd(get))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newRewordCmd(runner func() *Runner) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "reword <commit> -m <message>",
		Short: "Change the message of a commit on the current branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if message == "" {
				return errors.New("a new message is required (-m)")
			}
			return runner().Reword(cmd.Context(), args[0], message)
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "new commit message")
	return cmd
}

func newAmendCmd(runner func() *Runner) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "amend [file...]",
		Short: "Fold files and staged changes into HEAD",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runner().Amend(cmd.Context(), args, message)
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "replace the message of HEAD")
	return cmd
}

func newSquashCmd(runner func() *Runner) *cobra.Command {
	var message, from string
	cmd := &cobra.Command{
		Use:   "squash [<commit>...] -m <message>",
		Short: "Combine a contiguous run of commits into one",
		Example: `  git-rewrite squash --from HEAD~2 -m "Add parser"
  git-rewrite squash 1a2b3c4 5d6e7f8 -m "Fix flaky test"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if message == "" {
				return errors.New("a message for the squashed commit is required (-m)")
			}
			if from == "" && len(args) < 2 {
				return errors.New("select at least two commits, or use --from")
			}
			return runner().Squash(cmd.Context(), args, from, message)
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "message of the squashed commit")
	cmd.Flags().StringVar(&from, "from", "", "squash this commit and everything after it up to HEAD")
	return cmd
}

func newPickCmd(runner func() *Runner) *cobra.Command {
	var (
		noCommit   bool
		doContinue bool
		doAbort    bool
		pr         string
		rangeFrom  string
	)
	cmd := &cobra.Command{
		Use:   "pick [<commit>]",
		Short: "Cherry-pick a commit, a pull request or a range onto HEAD",
		Example: `  git-rewrite pick 1a2b3c4
  git-rewrite pick --pr 42
  git-rewrite pick --range feature
  git-rewrite pick --continue`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			switch {
			case doContinue:
				return runner().Continue(ctx)
			case doAbort:
				return runner().Abort(ctx)
			case pr != "":
				number, err := parsePullRequest(pr)
				if err != nil {
					return err
				}
				return runner().PickPullRequest(ctx, number, noCommit)
			case rangeFrom != "":
				return runner().PickRange(ctx, rangeFrom)
			case len(args) == 1:
				return runner().Pick(ctx, args[0], noCommit)
			default:
				return errors.New("a commit, --pr, --range, --continue or --abort is required")
			}
		},
	}
	flags := cmd.Flags()
	flags.BoolVarP(&noCommit, "no-commit", "n", false, "apply the changes without committing")
	flags.BoolVar(&doContinue, "continue", false, "commit a paused pick after resolving conflicts")
	flags.BoolVar(&doAbort, "abort", false, "abandon a paused pick and restore HEAD")
	flags.StringVar(&pr, "pr", "", "pick the commit produced by this GitHub pull request (42 or #42)")
	flags.StringVar(&rangeFrom, "range", "", "pick every commit on this ref that HEAD lacks")
	cmd.MarkFlagsMutuallyExclusive("continue", "abort", "pr", "range")
	cmd.MarkFlagsMutuallyExclusive("no-commit", "continue")
	cmd.MarkFlagsMutuallyExclusive("no-commit", "abort")
	cmd.MarkFlagsMutuallyExclusive("no-commit", "range")
	return cmd
}

func newStatusCmd(runner func() *Runner) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current branch and any paused operation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runner().Status(cmd.Context())
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "git-rewrite %s (%s)\n", Version, Commit)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

// parsePullRequest accepts "42" or "#42".
func parsePullRequest(raw string) (int, error) {
	if len(raw) > 0 && raw[0] == '#' {
		raw = raw[1:]
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid pull request number %q", raw)
	}
	return n, nil
}
