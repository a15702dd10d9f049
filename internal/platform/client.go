package platform

import (
	"context"
	"errors"
	"strings"
)

// Environment status values reported by the platform.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusPaused   = "paused"
	StatusDirty    = "dirty"
)

// Activity states and results.
const (
	ActivityStatePending    = "pending"
	ActivityStateInProgress = "in_progress"
	ActivityStateComplete   = "complete"

	ActivityResultSuccess = "success"
	ActivityResultFailure = "failure"
)

// Project is the subset of hosted-project metadata the CLI relies on.
type Project struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	GitURL        string `json:"git_url"`
	DefaultBranch string `json:"default_branch"`
}

// Environment is a point-in-time snapshot of a remote environment.
type Environment struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Status  string `json:"status"`
	Parent  string `json:"parent,omitempty"`
	SSHLink string `json:"ssh_link,omitempty"`
}

// IsActive reports whether the environment is provisioned.
func (e Environment) IsActive() bool {
	return e.Status == StatusActive
}

// SSHURL returns the environment SSH endpoint in user@host form.
func (e Environment) SSHURL() (string, error) {
	link := strings.TrimSpace(e.SSHLink)
	if link == "" {
		return "", ErrNoSSHURL
	}
	return strings.TrimPrefix(link, "ssh://"), nil
}

// Activity tracks a long-running remote operation such as an activation.
type Activity struct {
	ID          string `json:"id"`
	State       string `json:"state"`
	Result      string `json:"result"`
	Description string `json:"description"`
}

// IsComplete reports whether the activity reached a terminal state.
func (a Activity) IsComplete() bool {
	return a.State == ActivityStateComplete
}

// Client exposes the remote platform operations used by the push workflow.
type Client interface {
	GetProject(ctx context.Context, projectID string) (Project, error)
	GetEnvironment(ctx context.Context, projectID, environmentID string) (Environment, error)
	ListEnvironments(ctx context.Context, projectID string) ([]Environment, error)
	UpdateEnvironmentParent(ctx context.Context, projectID, environmentID, parentID string) error
	ActivateEnvironment(ctx context.Context, projectID, environmentID string) ([]Activity, error)
	GetActivity(ctx context.Context, projectID, activityID string) (Activity, error)
}

// Factory builds concrete platform clients.
type Factory interface {
	New(ctx context.Context, token string) (Client, error)
}

var (
	// ErrProjectNotFound indicates the requested project does not exist or is not visible.
	ErrProjectNotFound = errors.New("platform: project not found")

	// ErrEnvironmentNotFound indicates the requested environment does not exist.
	ErrEnvironmentNotFound = errors.New("platform: environment not found")

	// ErrNoSSHURL indicates the environment has no reachable SSH endpoint.
	ErrNoSSHURL = errors.New("platform: environment has no SSH URL")
)

// retryableError marks an error that may succeed if the operation is retried.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	if e == nil || e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// IsRetryable reports whether the supplied error resulted from a retryable API
// failure (for example, a transient network problem or rate-limited request).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var target *retryableError
	return errors.As(err, &target)
}
