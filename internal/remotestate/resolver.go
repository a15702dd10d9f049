// Package remotestate resolves remote environment snapshots for a project,
// caching them across invocations until a mutation invalidates them.
package remotestate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/rancher/envpush/internal/cache"
	"github.com/rancher/envpush/internal/platform"
)

// Store persists cache entries across processes.
type Store interface {
	Get(key string, out any) error
	Set(key string, value any) error
	Delete(key string) error
}

// Resolver answers environment lookups from cache, falling back to the API.
type Resolver struct {
	client platform.Client
	store  Store
	log    *slog.Logger

	memory map[string][]platform.Environment
}

// New returns a Resolver. store may be nil to disable persistent caching.
func New(client platform.Client, store Store, logger *slog.Logger) *Resolver {
	return &Resolver{
		client: client,
		store:  store,
		log:    logger,
		memory: make(map[string][]platform.Environment),
	}
}

func environmentsKey(projectID string) string {
	return "environments:" + projectID
}

func relationshipsKey(sshURL string) string {
	return "relationships:" + sshURL
}

// environments returns the environment list for a project and whether it was
// served from a cache.
func (r *Resolver) environments(ctx context.Context, project platform.Project, refresh bool) ([]platform.Environment, bool, error) {
	key := environmentsKey(project.ID)

	if !refresh {
		if envs, ok := r.memory[project.ID]; ok {
			return envs, true, nil
		}

		if r.store != nil {
			var envs []platform.Environment
			if err := r.store.Get(key, &envs); err == nil {
				r.memory[project.ID] = envs
				return envs, true, nil
			}
		}
	}

	envs, err := r.client.ListEnvironments(ctx, project.ID)
	if err != nil {
		return nil, false, fmt.Errorf("list environments for %s: %w", project.ID, err)
	}

	r.memory[project.ID] = envs
	if r.store != nil {
		if err := r.store.Set(key, envs); err != nil && r.log != nil {
			r.log.Warn("failed to persist environment cache", "project", project.ID, "error", err)
		}
	}
	return envs, false, nil
}

// GetEnvironment returns the snapshot for id, or nil when the environment does
// not exist. An id missing from a cached list triggers one refresh so that a
// freshly created environment is not reported as new.
func (r *Resolver) GetEnvironment(ctx context.Context, project platform.Project, id string) (*platform.Environment, error) {
	envs, cached, err := r.environments(ctx, project, false)
	if err != nil {
		return nil, err
	}

	if env := find(envs, id); env != nil {
		return env, nil
	}

	if cached {
		if r.log != nil {
			r.log.Debug("environment missing from cached list, refreshing", "project", project.ID, "environment", id)
		}
		envs, _, err = r.environments(ctx, project, true)
		if err != nil {
			return nil, err
		}
		if env := find(envs, id); env != nil {
			return env, nil
		}
	}

	// Some backends (pushed branches without an environment) only surface
	// through a direct lookup.
	env, err := r.client.GetEnvironment(ctx, project.ID, id)
	if err != nil {
		if errors.Is(err, platform.ErrEnvironmentNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get environment %s: %w", id, err)
	}
	return &env, nil
}

// ListEnvironments returns the project's environments keyed by id.
func (r *Resolver) ListEnvironments(ctx context.Context, project platform.Project) (map[string]platform.Environment, error) {
	envs, _, err := r.environments(ctx, project, false)
	if err != nil {
		return nil, err
	}

	result := make(map[string]platform.Environment, len(envs))
	for _, env := range envs {
		result[env.ID] = env
	}
	return result, nil
}

// InvalidateEnvironments drops every cached snapshot for the project.
func (r *Resolver) InvalidateEnvironments(projectID string) error {
	delete(r.memory, projectID)
	if r.store == nil {
		return nil
	}
	if err := r.store.Delete(environmentsKey(projectID)); err != nil {
		return fmt.Errorf("invalidate environments for %s: %w", projectID, err)
	}
	if r.log != nil {
		r.log.Debug("invalidated environment cache", "project", projectID)
	}
	return nil
}

// ClearRelationships drops relationship data cached for an SSH endpoint. The
// cache directory is shared with other tools that write these entries.
func (r *Resolver) ClearRelationships(sshURL string) error {
	if r.store == nil {
		return nil
	}
	return r.store.Delete(relationshipsKey(sshURL))
}

// EnvironmentIDs returns the sorted ids of the given environments.
func EnvironmentIDs(envs map[string]platform.Environment) []string {
	ids := make([]string, 0, len(envs))
	for id := range envs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func find(envs []platform.Environment, id string) *platform.Environment {
	for i := range envs {
		if envs[i].ID == id {
			env := envs[i]
			return &env
		}
	}
	return nil
}

var _ Store = (*cache.Store)(nil)
