// Package activation provisions inactive environments and waits for the
// resulting activities.
package activation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/fatih/color"

	"github.com/rancher/envpush/internal/platform"
)

var (
	successColor = color.New(color.FgGreen)
	failureColor = color.New(color.FgRed, color.Bold)
	nameColor    = color.New(color.FgGreen, color.Bold)
)

// Request describes one activation.
type Request struct {
	Project       platform.Project
	EnvironmentID string
	// ParentID, when set and different, replaces the environment parent
	// before activation.
	ParentID string
	// AssumeYes skips the confirmation question.
	AssumeYes bool
	// NoWait returns once activation is triggered.
	NoWait bool
}

// Confirmer asks yes/no questions.
type Confirmer interface {
	Confirm(text string, def bool) bool
}

// EnvironmentCache is invalidated whenever activation changes remote state.
type EnvironmentCache interface {
	InvalidateEnvironments(projectID string) error
}

// Waiter blocks on remote activities.
type Waiter interface {
	Wait(ctx context.Context, projectID string, activities []platform.Activity) (bool, error)
}

// Activator activates environments.
type Activator struct {
	client  platform.Client
	cache   EnvironmentCache
	confirm Confirmer
	waiter  Waiter
	out     io.Writer
	log     *slog.Logger
}

// New constructs an Activator. cache and waiter may be nil.
func New(client platform.Client, cache EnvironmentCache, confirm Confirmer, waiter Waiter, out io.Writer, logger *slog.Logger) *Activator {
	if out == nil {
		out = io.Discard
	}
	return &Activator{
		client:  client,
		cache:   cache,
		confirm: confirm,
		waiter:  waiter,
		out:     out,
		log:     logger,
	}
}

// Activate runs the activation workflow and returns a process exit code.
func (a *Activator) Activate(ctx context.Context, req Request) int {
	if err := a.activate(ctx, req); err != nil {
		if errors.Is(err, errDeclined) {
			return 1
		}
		_, _ = fmt.Fprintln(a.out, err)
		if a.log != nil {
			a.log.Debug("activation failed", "environment", req.EnvironmentID, "error", err)
		}
		return 1
	}
	return 0
}

var errDeclined = errors.New("activation declined")

func (a *Activator) activate(ctx context.Context, req Request) error {
	projectID := req.Project.ID
	a.invalidate(projectID)

	env, err := a.client.GetEnvironment(ctx, projectID, req.EnvironmentID)
	if err != nil {
		if errors.Is(err, platform.ErrEnvironmentNotFound) {
			return fmt.Errorf("environment not found: %s", req.EnvironmentID)
		}
		return fmt.Errorf("get environment %s: %w", req.EnvironmentID, err)
	}

	if env.IsActive() {
		_, _ = fmt.Fprintf(a.out, "The environment %s is already active.\n", nameColor.Sprint(env.ID))
		return nil
	}

	if !req.AssumeYes && a.confirm != nil {
		question := fmt.Sprintf("Are you sure you want to activate the environment %s?", nameColor.Sprint(env.ID))
		if !a.confirm.Confirm(question, true) {
			return errDeclined
		}
	}

	if req.ParentID != "" && req.ParentID != env.Parent {
		_, _ = fmt.Fprintf(a.out, "Setting parent of environment %s to %s\n", nameColor.Sprint(env.ID), nameColor.Sprint(req.ParentID))
		if err := a.client.UpdateEnvironmentParent(ctx, projectID, env.ID, req.ParentID); err != nil {
			return fmt.Errorf("set parent of %s: %w", env.ID, err)
		}
	}

	_, _ = fmt.Fprintf(a.out, "Activating environment %s\n", nameColor.Sprint(env.ID))
	activities, err := a.client.ActivateEnvironment(ctx, projectID, env.ID)
	a.invalidate(projectID)
	if err != nil {
		return fmt.Errorf("activate %s: %w", env.ID, err)
	}

	if req.NoWait || a.waiter == nil || len(activities) == 0 {
		return nil
	}

	ok, err := a.waiter.Wait(ctx, projectID, activities)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("activation of %s failed", env.ID)
	}
	return nil
}

func (a *Activator) invalidate(projectID string) {
	if a.cache == nil {
		return
	}
	if err := a.cache.InvalidateEnvironments(projectID); err != nil && a.log != nil {
		a.log.Debug("failed to invalidate environment cache", "project", projectID, "error", err)
	}
}
