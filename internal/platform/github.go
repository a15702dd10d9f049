package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	github "github.com/google/go-github/v55/github"
	"golang.org/x/oauth2"
)

// NewGitHubFactory returns a Factory whose clients treat a GitHub repository as
// the hosted project and its deployment environments as platform environments.
// When base and upload URLs are provided, the factory targets a GitHub
// Enterprise instance.
func NewGitHubFactory(baseURL, uploadURL string) Factory {
	return &githubFactory{
		userAgent: defaultUserAgent,
		baseURL:   strings.TrimSpace(baseURL),
		uploadURL: strings.TrimSpace(uploadURL),
	}
}

type githubFactory struct {
	userAgent string
	baseURL   string
	uploadURL string
}

type githubClient struct {
	client *github.Client
}

func (f *githubFactory) New(ctx context.Context, token string) (Client, error) {
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

		if f.uploadURL == "" {
			return nil, fmt.Errorf("github upload url must be provided when base url is set")
		}

		uploadURLNormalized, err := normalizeGitHubURL(f.uploadURL)
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

	return &githubClient{client: ghClient}, nil
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

// splitProjectID parses an "owner/repo" project identifier.
func splitProjectID(projectID string) (string, string, error) {
	owner, repo, ok := strings.Cut(strings.TrimSpace(projectID), "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", fmt.Errorf("github project id must be in owner/repo form, got %q", projectID)
	}
	return owner, repo, nil
}

func (c *githubClient) GetProject(ctx context.Context, projectID string) (Project, error) {
	owner, repo, err := splitProjectID(projectID)
	if err != nil {
		return Project{}, err
	}

	r, resp, err := c.client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		if isNotFound(resp, err) {
			return Project{}, ErrProjectNotFound
		}
		return Project{}, fmt.Errorf("get repository: %w", classifyGitHubError(err))
	}

	return Project{
		ID:            r.GetFullName(),
		Title:         r.GetName(),
		GitURL:        r.GetSSHURL(),
		DefaultBranch: r.GetDefaultBranch(),
	}, nil
}

// GetEnvironment reports a configured deployment environment as active, and a
// branch that was pushed but never given an environment as inactive.
func (c *githubClient) GetEnvironment(ctx context.Context, projectID, environmentID string) (Environment, error) {
	owner, repo, err := splitProjectID(projectID)
	if err != nil {
		return Environment{}, err
	}

	env, resp, err := c.client.Repositories.GetEnvironment(ctx, owner, repo, environmentID)
	if err == nil {
		return Environment{ID: env.GetName(), Name: env.GetName(), Status: StatusActive}, nil
	}
	if !isNotFound(resp, err) {
		return Environment{}, fmt.Errorf("get environment %s: %w", environmentID, classifyGitHubError(err))
	}

	_, resp, err = c.client.Repositories.GetBranch(ctx, owner, repo, environmentID, false)
	if err != nil {
		if isNotFound(resp, err) {
			return Environment{}, ErrEnvironmentNotFound
		}
		return Environment{}, fmt.Errorf("get branch %s: %w", environmentID, classifyGitHubError(err))
	}

	return Environment{ID: environmentID, Name: environmentID, Status: StatusInactive}, nil
}

func (c *githubClient) ListEnvironments(ctx context.Context, projectID string) ([]Environment, error) {
	owner, repo, err := splitProjectID(projectID)
	if err != nil {
		return nil, err
	}

	opts := &github.EnvironmentListOptions{ListOptions: github.ListOptions{PerPage: 100}}
	var results []Environment
	for {
		page, resp, err := c.client.Repositories.ListEnvironments(ctx, owner, repo, opts)
		if err != nil {
			if isNotFound(resp, err) {
				return nil, ErrProjectNotFound
			}
			return nil, fmt.Errorf("list environments: %w", classifyGitHubError(err))
		}

		if page != nil {
			for _, env := range page.Environments {
				if env == nil || env.GetName() == "" {
					continue
				}
				results = append(results, Environment{ID: env.GetName(), Name: env.GetName(), Status: StatusActive})
			}
		}

		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return results, nil
}

// UpdateEnvironmentParent is a no-op: GitHub environments have no hierarchy.
func (c *githubClient) UpdateEnvironmentParent(ctx context.Context, projectID, environmentID, parentID string) error {
	_, _, err := splitProjectID(projectID)
	return err
}

func (c *githubClient) ActivateEnvironment(ctx context.Context, projectID, environmentID string) ([]Activity, error) {
	owner, repo, err := splitProjectID(projectID)
	if err != nil {
		return nil, err
	}

	if _, _, err := c.client.Repositories.CreateUpdateEnvironment(ctx, owner, repo, environmentID, &github.CreateUpdateEnvironment{}); err != nil {
		return nil, fmt.Errorf("create environment %s: %w", environmentID, classifyGitHubError(err))
	}

	deployment, resp, err := c.client.Repositories.CreateDeployment(ctx, owner, repo, &github.DeploymentRequest{
		Ref:              github.String(environmentID),
		Environment:      github.String(environmentID),
		AutoMerge:        github.Bool(false),
		RequiredContexts: &[]string{},
		Description:      github.String("Activate environment " + environmentID),
	})
	if err != nil {
		if isNotFound(resp, err) {
			return nil, ErrEnvironmentNotFound
		}
		return nil, fmt.Errorf("create deployment for %s: %w", environmentID, classifyGitHubError(err))
	}

	return []Activity{{
		ID:          strconv.FormatInt(deployment.GetID(), 10),
		State:       ActivityStatePending,
		Description: deployment.GetDescription(),
	}}, nil
}

// GetActivity maps the latest status of a deployment onto an activity.
func (c *githubClient) GetActivity(ctx context.Context, projectID, activityID string) (Activity, error) {
	owner, repo, err := splitProjectID(projectID)
	if err != nil {
		return Activity{}, err
	}

	deploymentID, err := strconv.ParseInt(activityID, 10, 64)
	if err != nil {
		return Activity{}, fmt.Errorf("invalid deployment id %q: %w", activityID, err)
	}

	statuses, _, err := c.client.Repositories.ListDeploymentStatuses(ctx, owner, repo, deploymentID, &github.ListOptions{PerPage: 1})
	if err != nil {
		return Activity{}, fmt.Errorf("list deployment statuses: %w", classifyGitHubError(err))
	}

	activity := Activity{ID: activityID, State: ActivityStatePending}
	if len(statuses) == 0 || statuses[0] == nil {
		return activity, nil
	}

	latest := statuses[0]
	activity.Description = latest.GetDescription()
	switch latest.GetState() {
	case "success", "inactive":
		activity.State = ActivityStateComplete
		activity.Result = ActivityResultSuccess
	case "failure", "error":
		activity.State = ActivityStateComplete
		activity.Result = ActivityResultFailure
	case "in_progress", "queued":
		activity.State = ActivityStateInProgress
	}
	return activity, nil
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
