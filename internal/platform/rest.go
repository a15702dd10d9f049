package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	defaultUserAgent  = "rancher-envpush"
	defaultRetries    = 2
	defaultRetryDelay = 500 * time.Millisecond
)

// NewRESTFactory returns a Factory backed by the platform's JSON REST API rooted at baseURL.
func NewRESTFactory(baseURL string) *RESTFactory {
	return &RESTFactory{
		BaseURL:   strings.TrimSpace(baseURL),
		UserAgent: defaultUserAgent,
	}
}

// RESTFactory builds REST clients. Zero-valued retry settings fall back to defaults.
type RESTFactory struct {
	BaseURL   string
	UserAgent string

	// Retries controls how many additional attempts are made for idempotent
	// requests that fail with a retryable error. Negative disables retries.
	Retries int

	// RetryDelay is the initial backoff between attempts; it doubles per attempt.
	RetryDelay time.Duration
}

type restClient struct {
	http       *http.Client
	baseURL    *url.URL
	userAgent  string
	retries    int
	retryDelay time.Duration
}

func (f *RESTFactory) New(ctx context.Context, token string) (Client, error) {
	if token == "" {
		return nil, fmt.Errorf("api token is required")
	}

	base, err := normalizeBaseURL(f.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})

	retries := f.Retries
	switch {
	case retries < 0:
		retries = 0
	case retries == 0:
		retries = defaultRetries
	}

	delay := f.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	return &restClient{
		http:       oauth2.NewClient(ctx, ts),
		baseURL:    base,
		userAgent:  f.UserAgent,
		retries:    retries,
		retryDelay: delay,
	}, nil
}

func normalizeBaseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("url cannot be empty")
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}

	if parsed.Scheme == "" {
		return nil, fmt.Errorf("url must include scheme (e.g. https://)")
	}

	if parsed.Host == "" {
		return nil, fmt.Errorf("url must include host")
	}

	parsed.Path = strings.TrimRight(parsed.Path, "/")
	parsed.RawQuery = ""
	parsed.Fragment = ""

	return parsed, nil
}

type projectPayload struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	DefaultBranch string `json:"default_branch"`
	Repository    struct {
		URL string `json:"url"`
	} `json:"repository"`
}

type link struct {
	Href string `json:"href"`
}

type environmentPayload struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Status string          `json:"status"`
	Parent *string         `json:"parent"`
	Links  map[string]link `json:"_links"`
}

func (p environmentPayload) toEnvironment() Environment {
	env := Environment{
		ID:     p.ID,
		Name:   p.Name,
		Status: p.Status,
	}
	if p.Parent != nil {
		env.Parent = *p.Parent
	}
	if ssh, ok := p.Links["ssh"]; ok {
		env.SSHLink = ssh.Href
	}
	return env
}

type activityPayload struct {
	ID          string `json:"id"`
	State       string `json:"state"`
	Result      string `json:"result"`
	Description string `json:"description"`
}

func (p activityPayload) toActivity() Activity {
	return Activity{ID: p.ID, State: p.State, Result: p.Result, Description: p.Description}
}

func (c *restClient) GetProject(ctx context.Context, projectID string) (Project, error) {
	var payload projectPayload
	if err := c.doJSON(ctx, http.MethodGet, projectPath(projectID), nil, &payload); err != nil {
		if isNotFoundErr(err) {
			return Project{}, ErrProjectNotFound
		}
		return Project{}, fmt.Errorf("get project %s: %w", projectID, err)
	}

	return Project{
		ID:            payload.ID,
		Title:         payload.Title,
		GitURL:        payload.Repository.URL,
		DefaultBranch: payload.DefaultBranch,
	}, nil
}

func (c *restClient) GetEnvironment(ctx context.Context, projectID, environmentID string) (Environment, error) {
	var payload environmentPayload
	if err := c.doJSON(ctx, http.MethodGet, environmentPath(projectID, environmentID), nil, &payload); err != nil {
		if isNotFoundErr(err) {
			return Environment{}, ErrEnvironmentNotFound
		}
		return Environment{}, fmt.Errorf("get environment %s: %w", environmentID, err)
	}
	return payload.toEnvironment(), nil
}

func (c *restClient) ListEnvironments(ctx context.Context, projectID string) ([]Environment, error) {
	var payload []environmentPayload
	if err := c.doJSON(ctx, http.MethodGet, projectPath(projectID)+"/environments", nil, &payload); err != nil {
		if isNotFoundErr(err) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("list environments: %w", err)
	}

	envs := make([]Environment, 0, len(payload))
	for _, p := range payload {
		envs = append(envs, p.toEnvironment())
	}
	return envs, nil
}

func (c *restClient) UpdateEnvironmentParent(ctx context.Context, projectID, environmentID, parentID string) error {
	body := map[string]string{"parent": parentID}
	if err := c.doJSON(ctx, http.MethodPatch, environmentPath(projectID, environmentID), body, nil); err != nil {
		if isNotFoundErr(err) {
			return ErrEnvironmentNotFound
		}
		return fmt.Errorf("update parent of %s: %w", environmentID, err)
	}
	return nil
}

func (c *restClient) ActivateEnvironment(ctx context.Context, projectID, environmentID string) ([]Activity, error) {
	var payload struct {
		Embedded struct {
			Activities []activityPayload `json:"activities"`
		} `json:"_embedded"`
	}
	if err := c.doJSON(ctx, http.MethodPost, environmentPath(projectID, environmentID)+"/activate", struct{}{}, &payload); err != nil {
		if isNotFoundErr(err) {
			return nil, ErrEnvironmentNotFound
		}
		return nil, fmt.Errorf("activate environment %s: %w", environmentID, err)
	}

	activities := make([]Activity, 0, len(payload.Embedded.Activities))
	for _, a := range payload.Embedded.Activities {
		activities = append(activities, a.toActivity())
	}
	return activities, nil
}

func (c *restClient) GetActivity(ctx context.Context, projectID, activityID string) (Activity, error) {
	var payload activityPayload
	path := projectPath(projectID) + "/activities/" + url.PathEscape(activityID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return Activity{}, fmt.Errorf("get activity %s: %w", activityID, err)
	}
	return payload.toActivity(), nil
}

func projectPath(projectID string) string {
	return "/projects/" + url.PathEscape(projectID)
}

func environmentPath(projectID, environmentID string) string {
	return projectPath(projectID) + "/environments/" + url.PathEscape(environmentID)
}

// apiError is returned for any non-2xx API response.
type apiError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

func isNotFoundErr(err error) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func (c *restClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	retries := 0
	if method == http.MethodGet {
		retries = c.retries
	}

	delay := c.retryDelay
	var lastErr error

	for attempt := 0; attempt <= retries; attempt++ {
		err := c.doOnce(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) || attempt == retries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	return lastErr
}

func (c *restClient) doOnce(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	endpoint := c.baseURL.String() + path

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: readErrorMessage(resp.Body)}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return &retryableError{err: apiErr}
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 64*1024))
	if err != nil || len(data) == 0 {
		return ""
	}

	var payload struct {
		Message string `json:"message"`
		Title   string `json:"title"`
	}
	if json.Unmarshal(data, &payload) == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Title != "" {
			return payload.Title
		}
	}
	return strings.TrimSpace(string(data))
}

func classifyTransportError(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &retryableError{err: err}
	}
	return err
}
