package refs

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Slug identifies a hosted repository.
type Slug struct {
	Host  string
	Owner string
	Name  string
}

// IsZero reports whether the slug carries no repository.
func (s Slug) IsZero() bool {
	return s.Owner == "" || s.Name == ""
}

func (s Slug) String() string {
	return s.Owner + "/" + s.Name
}

// IsGitHub reports whether the slug points at github.com.
func (s Slug) IsGitHub() bool {
	return strings.EqualFold(s.Host, "github.com") || strings.EqualFold(s.Host, "www.github.com")
}

var errEmptyURL = errors.New("remote url cannot be empty")

// ParseRemoteURL extracts host, owner and repository from https, ssh and scp-like
// remote URLs:
//
//	https://github.com/owner/repo.git
//	ssh://git@github.com/owner/repo
//	git@github.com:owner/repo.git
func ParseRemoteURL(raw string) (Slug, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Slug{}, errEmptyURL
	}

	var host, path string
	if strings.Contains(raw, "://") {
		parsed, err := url.Parse(raw)
		if err != nil {
			return Slug{}, fmt.Errorf("parse remote url: %w", err)
		}
		host = parsed.Hostname()
		path = parsed.Path
	} else {
		// scp-like syntax: [user@]host:path
		at := strings.Index(raw, "@")
		colon := strings.Index(raw, ":")
		if colon < 0 || colon < at {
			return Slug{}, fmt.Errorf("unsupported remote url %q", raw)
		}
		host = raw[at+1 : colon]
		path = raw[colon+1:]
	}

	if host == "" {
		return Slug{}, fmt.Errorf("remote url %q has no host", raw)
	}

	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[len(parts)-2] == "" || parts[len(parts)-1] == "" {
		return Slug{}, fmt.Errorf("remote url %q has no owner/repo path", raw)
	}

	return Slug{
		Host:  host,
		Owner: strings.Join(parts[:len(parts)-1], "/"),
		Name:  parts[len(parts)-1],
	}, nil
}

// ValidateBranchName ensures branch conforms to simple safety checks.
func ValidateBranchName(branch string) error {
	if branch == "" {
		return errors.New("branch cannot be empty")
	}

	if strings.ContainsAny(branch, " \t\n\r") {
		return errors.New("branch cannot contain whitespace")
	}

	if strings.Contains(branch, "..") {
		return errors.New("branch cannot contain '..'")
	}

	if strings.ContainsAny(branch, "~^:?*[]@{\\") {
		return errors.New("branch contains forbidden git characters")
	}

	if strings.HasSuffix(branch, ".lock") || strings.HasSuffix(branch, ".") {
		return errors.New("branch cannot end with '.lock' or '.'")
	}

	return nil
}

// NormalizeBranch trims whitespace, removes leading/trailing slashes, and strips
// refs/heads and refs/remotes/<remote> prefixes from a branch name. It returns an
// empty string when the normalized branch would otherwise be empty.
func NormalizeBranch(branch, remote string) string {
	branch = strings.TrimSpace(branch)
	branch = strings.TrimLeft(branch, "/")

	// prefixes are matched before the trailing slash goes so "refs/heads/" empties
	for _, prefix := range []string{"refs/heads/", "refs/remotes/" + remote + "/"} {
		if len(branch) >= len(prefix) && strings.EqualFold(branch[:len(prefix)], prefix) {
			branch = branch[len(prefix):]
			break
		}
	}

	branch = strings.TrimSpace(branch)
	branch = strings.Trim(branch, "/")

	return strings.TrimSpace(branch)
}

// CleanMessage normalises a commit message the way git does for -m: surrounding
// blank lines and trailing whitespace are dropped and the message ends with a
// single newline. An empty result stays empty.
func CleanMessage(msg string) string {
	lines := strings.Split(strings.ReplaceAll(msg, "\r\n", "\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	out := strings.Trim(strings.Join(lines, "\n"), "\n")
	if out == "" {
		return ""
	}
	return out + "\n"
}
