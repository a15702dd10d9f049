package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/fatih/color"

	"github.com/rancher/envpush/internal/activation"
	"github.com/rancher/envpush/internal/git"
	"github.com/rancher/envpush/internal/platform"
	"github.com/rancher/envpush/internal/remotestate"
	"github.com/rancher/envpush/internal/ssh"
)

var (
	infoColor    = color.New(color.FgGreen)
	commentColor = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed, color.Bold)
)

// Repository is the local working copy being pushed.
type Repository interface {
	ResolveRevision(ctx context.Context, ref string) (string, bool)
	CurrentBranch(ctx context.Context) (string, bool)
	SetSSHCommand(cmd string)
	Push(ctx context.Context, args []string, env map[string]string) error
	EnsureRemote(ctx context.Context, url string) error
}

// EnvironmentResolver reads and invalidates cached remote state.
type EnvironmentResolver interface {
	GetEnvironment(ctx context.Context, project platform.Project, id string) (*platform.Environment, error)
	ListEnvironments(ctx context.Context, project platform.Project) (map[string]platform.Environment, error)
	InvalidateEnvironments(projectID string) error
	ClearRelationships(sshURL string) error
}

// Prompter asks the operator questions.
type Prompter interface {
	IsInteractive() bool
	Confirm(text string, def bool) bool
	AskInput(text, def string, choices []string) (string, error)
}

// TransportBuilder builds the remote-shell command git pushes over.
type TransportBuilder interface {
	Command(extra map[string]string) string
}

// Activator activates environments and returns a process exit code.
type Activator interface {
	Activate(ctx context.Context, req activation.Request) int
}

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Repository   Repository
	Environments EnvironmentResolver
	Prompter     Prompter
	Transport    TransportBuilder
	Activator    Activator
}

// Selection is the project context resolved before the push starts.
type Selection struct {
	Project platform.Project
	// Environment is the environment selected on the command line, if any.
	Environment *platform.Environment
}

// HasEnvironment reports whether an environment was selected.
func (s Selection) HasEnvironment() bool {
	return s.Environment != nil
}

// Orchestrator sequences a push of local code to a remote environment.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
	out  io.Writer
}

// New returns a configured Orchestrator. Human-readable progress is written to
// out.
func New(cfg Config, deps Deps, logger *slog.Logger, out io.Writer) *Orchestrator {
	if out == nil {
		out = io.Discard
	}
	return &Orchestrator{cfg: cfg.withDefaults(), deps: deps, log: logger, out: out}
}

// Execute pushes opts.Source to the target environment and returns the process
// exit code: 0 on success, 1 on any validation failure, declined confirmation
// or push failure, or the activation exit code when activation follows.
func (o *Orchestrator) Execute(ctx context.Context, sel Selection, opts Options) int {
	repo := o.deps.Repository

	source := opts.Source
	if source == "" {
		o.printf("The %s argument cannot be specified as an empty string.\n", errorColor.Sprint("<source>"))
		return 1
	}
	if strings.Contains(source, ":") {
		o.printf("Invalid source ref: %s\n", errorColor.Sprint(source))
		return 1
	}
	revision, ok := repo.ResolveRevision(ctx, source)
	if !ok {
		o.printf("Invalid source ref: %s\n", errorColor.Sprint(source))
		return 1
	}
	if o.log != nil {
		o.log.Debug("resolved source revision", "source", source, "revision", revision)
	}

	target, ok := o.resolveTarget(ctx, sel, opts)
	if !ok {
		o.printf("Could not determine target environment name.\n")
		return 1
	}

	production := o.cfg.ProductionBranch
	if target == production {
		question := fmt.Sprintf("Are you sure you want to push to the %s (production) branch?", commentColor.Sprint(production))
		if !o.deps.Prompter.Confirm(question, true) {
			return 1
		}
	}

	project := sel.Project
	existing, err := o.deps.Environments.GetEnvironment(ctx, project, target)
	if err != nil {
		o.printf("Failed to look up environment %s: %v\n", target, err)
		return 1
	}

	state := "new"
	if existing != nil {
		state = "existing"
	}
	o.printf("Pushing %s to the %s environment %s\n", infoColor.Sprint(source), state, infoColor.Sprint(target))

	activate, parent, err := o.planActivation(ctx, project, target, existing, opts)
	if err != nil {
		o.printf("%v\n", err)
		return 1
	}

	if err := repo.EnsureRemote(ctx, project.GitURL); err != nil {
		o.printf("Failed to configure the %s git remote: %v\n", o.cfg.RemoteName, err)
		return 1
	}

	args := git.PushArgs(o.cfg.RemoteName, source, target, git.PushOptions{
		Force:          opts.Force,
		ForceWithLease: opts.ForceWithLease,
		SetUpstream:    opts.SetUpstream,
	})

	var sshOptions map[string]string
	var env map[string]string
	if opts.NoWait {
		sshOptions = ssh.ForwardEnv(o.cfg.NoWaitEnvVar)
		env = map[string]string{o.cfg.NoWaitEnvVar: "1"}
	}
	repo.SetSSHCommand(o.deps.Transport.Command(sshOptions))

	if o.log != nil {
		o.log.Debug("pushing", "args", args, "no_wait", opts.NoWait)
	}
	if err := repo.Push(ctx, args, env); err != nil {
		if o.log != nil {
			o.log.Debug("push failed", "target", target, "error", err)
		}
		o.printf("Failed to push to the environment %s\n", target)
		return 1
	}

	cleanup := o.cleanup(sel)
	if err := cleanup.criticalErr(); err != nil {
		o.printf("Pushed, but %v\n", err)
		return 1
	}

	if !activate {
		return 0
	}

	return o.deps.Activator.Activate(ctx, activation.Request{
		Project:       project,
		EnvironmentID: target,
		ParentID:      parent,
		AssumeYes:     true,
		NoWait:        opts.NoWait,
	})
}

// resolveTarget applies the precedence --target, selected environment,
// current branch.
func (o *Orchestrator) resolveTarget(ctx context.Context, sel Selection, opts Options) (string, bool) {
	if opts.Target != "" {
		return opts.Target, true
	}
	if sel.HasEnvironment() && sel.Environment.ID != "" {
		return sel.Environment.ID, true
	}
	return o.deps.Repository.CurrentBranch(ctx)
}

// planActivation decides whether the target is activated after the push and
// under which parent.
func (o *Orchestrator) planActivation(ctx context.Context, project platform.Project, target string, existing *platform.Environment, opts Options) (bool, string, error) {
	production := o.cfg.ProductionBranch
	if target == production {
		return false, "", nil
	}
	if existing != nil && existing.Status != platform.StatusInactive {
		return false, "", nil
	}

	activate := opts.Activate
	if !activate && o.deps.Prompter.IsInteractive() {
		activate = o.deps.Prompter.Confirm(fmt.Sprintf("Activate %s after pushing?", infoColor.Sprint(target)), true)
	}
	if !activate {
		return false, "", nil
	}

	if opts.Parent != "" {
		return true, opts.Parent, nil
	}

	envs, err := o.deps.Environments.ListEnvironments(ctx, project)
	if err != nil {
		return false, "", fmt.Errorf("list environments: %w", err)
	}
	ids := remotestate.EnvironmentIDs(envs)
	if len(ids) == 1 && ids[0] == production {
		return true, production, nil
	}

	parent, err := o.deps.Prompter.AskInput("Parent environment", production, ids)
	if err != nil {
		return false, "", err
	}
	return true, parent, nil
}

type cleanupStep struct {
	name     string
	critical bool
	err      error
}

// cleanupResult collects the outcome of post-push invalidation. Best-effort
// failures are logged and never change the exit code.
type cleanupResult struct {
	steps []cleanupStep
}

func (r *cleanupResult) add(name string, critical bool, err error) {
	r.steps = append(r.steps, cleanupStep{name: name, critical: critical, err: err})
}

func (r cleanupResult) criticalErr() error {
	var errs []error
	for _, step := range r.steps {
		if step.critical && step.err != nil {
			errs = append(errs, fmt.Errorf("%s failed: %w", step.name, step.err))
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) cleanup(sel Selection) cleanupResult {
	var result cleanupResult

	result.add("clearing the environment cache", true, o.deps.Environments.InvalidateEnvironments(sel.Project.ID))

	if sel.HasEnvironment() {
		sshURL, err := sel.Environment.SSHURL()
		if err == nil {
			err = o.deps.Environments.ClearRelationships(sshURL)
		}
		result.add("clearing the relationships cache", false, err)
	}

	for _, step := range result.steps {
		if step.err == nil || step.critical || o.log == nil {
			continue
		}
		o.log.Debug("ignoring cleanup failure", "step", step.name, "error", step.err)
	}
	return result
}

func (o *Orchestrator) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(o.out, format, args...)
}
