package gh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	github "github.com/google/go-github/v55/github"
	"golang.org/x/oauth2"
)

const (
	defaultUserAgent  = "git-rewrite"
	defaultRetries    = 2
	defaultRetryDelay = time.Second
)

// NewRESTFactory returns a GitHub client factory backed by the go-github REST client. When
// base and upload URLs are provided, the factory targets a GitHub Enterprise instance.
func NewRESTFactory(baseURL, uploadURL string) Factory {
	return &restFactory{
		userAgent: defaultUserAgent,
		baseURL:   strings.TrimSpace(baseURL),
		uploadURL: strings.TrimSpace(uploadURL),
	}
}

type restFactory struct {
	userAgent string
	baseURL   string
	uploadURL string
}

type restClient struct {
	client     *github.Client
	retries    int
	retryDelay time.Duration
}

func (f *restFactory) New(ctx context.Context, token string) (Client, error) {
	if token == "" {
		return nil, fmt.Errorf("github token is required")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)

	if f.baseURL == "" && f.uploadURL != "" {
		return nil, fmt.Errorf("github upload url cannot be set without base url")
	}

	var ghClient *github.Client
	if f.baseURL != "" {
		baseURLNormalized, err := normalizeGitHubURL(f.baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}

		uploadURL := f.uploadURL
		if uploadURL == "" {
			return nil, fmt.Errorf("github upload url must be provided when base url is set")
		}

		uploadURLNormalized, err := normalizeGitHubURL(uploadURL)
		if err != nil {
			return nil, fmt.Errorf("parse github upload url: %w", err)
		}

		ghClient, err = github.NewClient(tc).WithEnterpriseURLs(baseURLNormalized, uploadURLNormalized)
		if err != nil {
			return nil, fmt.Errorf("construct enterprise github client: %w", err)
		}
	} else {
		ghClient = github.NewClient(tc)
	}

	if f.userAgent != "" {
		ghClient.UserAgent = f.userAgent
	}

	return &restClient{client: ghClient, retries: defaultRetries, retryDelay: defaultRetryDelay}, nil
}

func normalizeGitHubURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("url cannot be empty")
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	if parsed.Scheme == "" {
		return "", fmt.Errorf("url must include scheme (e.g. https://)")
	}

	if parsed.Host == "" {
		return "", fmt.Errorf("url must include host")
	}

	if parsed.Path == "" {
		parsed.Path = "/"
	} else if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}

	parsed.RawQuery = ""
	parsed.Fragment = ""

	return parsed.String(), nil
}

func (c *restClient) GetPullRequest(ctx context.Context, owner, repo string, number int) (PRMetadata, error) {
	var pr *github.PullRequest
	err := c.withRetry(ctx, func() error {
		var err error
		pr, _, err = c.client.PullRequests.Get(ctx, owner, repo, number)
		return classifyGitHubError(err)
	})
	if err != nil {
		return PRMetadata{}, fmt.Errorf("get pull request: %w", err)
	}

	metadata := PRMetadata{
		Owner:    owner,
		Repo:     repo,
		Number:   pr.GetNumber(),
		Title:    pr.GetTitle(),
		MergeSHA: pr.GetMergeCommitSHA(),
		IsMerged: pr.GetMerged(),
	}

	if base := pr.GetBase(); base != nil {
		metadata.BaseRef = base.GetRef()
	}
	if head := pr.GetHead(); head != nil {
		metadata.HeadSHA = head.GetSHA()
		metadata.HeadRef = head.GetRef()
		if headRepo := head.GetRepo(); headRepo != nil {
			if headOwner := headRepo.GetOwner(); headOwner != nil {
				metadata.HeadOwner = headOwner.GetLogin()
			}
			if !strings.EqualFold(headRepo.GetName(), repo) {
				metadata.IsFromFork = true
			}
		}
	}

	if metadata.HeadOwner != "" && !strings.EqualFold(metadata.HeadOwner, owner) {
		metadata.IsFromFork = true
	}

	return metadata, nil
}

func (c *restClient) CommitExistsOnBranch(ctx context.Context, owner, repo, commitSHA, branch string) (bool, error) {
	var comp *github.CommitsComparison
	var notFound bool
	err := c.withRetry(ctx, func() error {
		var resp *github.Response
		var err error
		comp, resp, err = c.client.Repositories.CompareCommits(ctx, owner, repo, branch, commitSHA, nil)
		if err != nil && isNotFound(resp, err) {
			notFound = true
			return nil
		}
		return classifyGitHubError(err)
	})
	if err != nil {
		return false, fmt.Errorf("compare commits %s..%s: %w", branch, commitSHA, err)
	}
	if notFound {
		return false, nil
	}

	switch comp.GetStatus() {
	case "behind", "identical":
		return true, nil
	default:
		return false, nil
	}
}

func (c *restClient) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	var repository *github.Repository
	var notFound bool
	err := c.withRetry(ctx, func() error {
		var resp *github.Response
		var err error
		repository, resp, err = c.client.Repositories.Get(ctx, owner, repo)
		if err != nil && isNotFound(resp, err) {
			notFound = true
			return nil
		}
		return classifyGitHubError(err)
	})
	if err != nil {
		return "", fmt.Errorf("get repository: %w", err)
	}
	if notFound || repository.GetDefaultBranch() == "" {
		return "", ErrBranchNotFound
	}
	return repository.GetDefaultBranch(), nil
}

// withRetry retries fn while it fails with a retryable error, backing off between
// attempts.
func (c *restClient) withRetry(ctx context.Context, fn func() error) error {
	delay := c.retryDelay
	var err error
	for attempt := 0; attempt <= c.retries; attempt++ {
		err = fn()
		if err == nil || !IsRetryable(err) || attempt == c.retries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func isNotFound(resp *github.Response, err error) bool {
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return true
	}
	var githubErr *github.ErrorResponse
	if errors.As(err, &githubErr) {
		if githubErr.Response != nil && githubErr.Response.StatusCode == http.StatusNotFound {
			return true
		}
	}
	return false
}

func classifyGitHubError(err error) error {
	if err == nil {
		return nil
	}
	if isRetryableGitHubError(err) {
		return &retryableError{err: err}
	}
	return err
}

func isRetryableGitHubError(err error) bool {
	if err == nil {
		return false
	}

	var rateLimitErr *github.RateLimitError
	if errors.As(err, &rateLimitErr) {
		return true
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return true
	}

	var acceptedErr *github.AcceptedError
	if errors.As(err, &acceptedErr) {
		return true
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) {
		if respErr.Response != nil {
			code := respErr.Response.StatusCode
			if code == http.StatusTooManyRequests || (code >= 500 && code <= 599) {
				return true
			}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
	}

	return false
}
