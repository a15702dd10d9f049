// Package platformtest provides an in-memory platform.Client for tests.
package platformtest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rancher/envpush/internal/platform"
)

// Client is an in-memory platform.Client that records the calls it receives.
type Client struct {
	mu sync.Mutex

	Projects     map[string]platform.Project
	Environments map[string]map[string]platform.Environment
	Activities   map[string][]platform.Activity

	// ActivationActivities is returned by ActivateEnvironment.
	ActivationActivities []platform.Activity

	// Errors keyed by method name are returned instead of a result.
	Errors map[string]error

	Calls []string
}

// NewClient returns an empty Client.
func NewClient() *Client {
	return &Client{
		Projects:     make(map[string]platform.Project),
		Environments: make(map[string]map[string]platform.Environment),
		Activities:   make(map[string][]platform.Activity),
		Errors:       make(map[string]error),
	}
}

// Factory returns a platform.Factory that always yields c.
func (c *Client) Factory() platform.Factory {
	return factory{client: c}
}

type factory struct {
	client *Client
}

func (f factory) New(context.Context, string) (platform.Client, error) {
	return f.client, nil
}

// AddEnvironment registers env under project.
func (c *Client) AddEnvironment(projectID string, env platform.Environment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Environments[projectID] == nil {
		c.Environments[projectID] = make(map[string]platform.Environment)
	}
	c.Environments[projectID][env.ID] = env
}

// CallCount returns how many times method was invoked.
func (c *Client) CallCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for _, call := range c.Calls {
		if call == method {
			count++
		}
	}
	return count
}

func (c *Client) record(method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Calls = append(c.Calls, method)
	return c.Errors[method]
}

func (c *Client) GetProject(_ context.Context, projectID string) (platform.Project, error) {
	if err := c.record("GetProject"); err != nil {
		return platform.Project{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	project, ok := c.Projects[projectID]
	if !ok {
		return platform.Project{}, fmt.Errorf("%w: %s", platform.ErrProjectNotFound, projectID)
	}
	return project, nil
}

func (c *Client) GetEnvironment(_ context.Context, projectID, environmentID string) (platform.Environment, error) {
	if err := c.record("GetEnvironment"); err != nil {
		return platform.Environment{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	env, ok := c.Environments[projectID][environmentID]
	if !ok {
		return platform.Environment{}, fmt.Errorf("%w: %s", platform.ErrEnvironmentNotFound, environmentID)
	}
	return env, nil
}

func (c *Client) ListEnvironments(_ context.Context, projectID string) ([]platform.Environment, error) {
	if err := c.record("ListEnvironments"); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	envs := make([]platform.Environment, 0, len(c.Environments[projectID]))
	for _, env := range c.Environments[projectID] {
		envs = append(envs, env)
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i].ID < envs[j].ID })
	return envs, nil
}

func (c *Client) UpdateEnvironmentParent(_ context.Context, projectID, environmentID, parentID string) error {
	if err := c.record("UpdateEnvironmentParent"); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	env, ok := c.Environments[projectID][environmentID]
	if !ok {
		return fmt.Errorf("%w: %s", platform.ErrEnvironmentNotFound, environmentID)
	}
	env.Parent = parentID
	c.Environments[projectID][environmentID] = env
	return nil
}

func (c *Client) ActivateEnvironment(_ context.Context, projectID, environmentID string) ([]platform.Activity, error) {
	if err := c.record("ActivateEnvironment"); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	env, ok := c.Environments[projectID][environmentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", platform.ErrEnvironmentNotFound, environmentID)
	}
	env.Status = platform.StatusActive
	c.Environments[projectID][environmentID] = env
	return c.ActivationActivities, nil
}

// GetActivity returns the next queued state for the activity, repeating the
// last one once the queue is drained.
func (c *Client) GetActivity(_ context.Context, _ string, activityID string) (platform.Activity, error) {
	if err := c.record("GetActivity"); err != nil {
		return platform.Activity{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	states := c.Activities[activityID]
	if len(states) == 0 {
		return platform.Activity{}, fmt.Errorf("unknown activity %s", activityID)
	}
	next := states[0]
	if len(states) > 1 {
		c.Activities[activityID] = states[1:]
	}
	return next, nil
}

var _ platform.Client = (*Client)(nil)
