package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/rancher/envpush/internal/activation"
	"github.com/rancher/envpush/internal/cache"
	"github.com/rancher/envpush/internal/git"
	"github.com/rancher/envpush/internal/localproject"
	"github.com/rancher/envpush/internal/orchestrator"
	"github.com/rancher/envpush/internal/platform"
	"github.com/rancher/envpush/internal/questions"
	"github.com/rancher/envpush/internal/remotestate"
	"github.com/rancher/envpush/internal/ssh"
)

// ErrEnvironmentNotFound is returned when the selected environment does not
// exist.
var ErrEnvironmentNotFound = errors.New("specified environment not found")

// ErrNoProject is returned when no project id is given or configured locally.
var ErrNoProject = errors.New("no project specified: use --project or run inside a project directory")

// Interaction carries the global answer flags and whether an operator is
// present.
type Interaction struct {
	Yes           bool
	No            bool
	NoInteraction bool
	// Terminal is true when stdin is a terminal.
	Terminal bool
}

// Interactive reports whether questions should reach the operator. Assume-yes
// and assume-no imply a non-interactive session.
func (i Interaction) Interactive() bool {
	return i.Terminal && !i.NoInteraction && !i.Yes && !i.No
}

// Streams are the process standard streams.
type Streams struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

// Target selects the project and environment a command operates on.
type Target struct {
	// Dir is where project root detection starts.
	Dir         string
	ProjectID   string
	Environment string
}

// PushRequest is the input of Runner.Push.
type PushRequest struct {
	Target       Target
	Options      orchestrator.Options
	IdentityFile string
	Interaction  Interaction
}

// ActivateRequest is the input of Runner.Activate.
type ActivateRequest struct {
	Target      Target
	Parent      string
	NoWait      bool
	Interaction Interaction
}

// Runner glues together the orchestrator and supporting services to execute
// commands.
type Runner struct {
	cfg     Config
	log     *slog.Logger
	factory platform.Factory
	clock   clockwork.Clock
	streams Streams
}

// NewRunner constructs a Runner with the supplied configuration.
func NewRunner(cfg Config, log *slog.Logger, streams Streams) *Runner {
	return NewRunnerWithDeps(cfg, log, newFactory(cfg), clockwork.NewRealClock(), streams)
}

// NewRunnerWithDeps constructs a Runner with injected dependencies for testing.
func NewRunnerWithDeps(cfg Config, log *slog.Logger, factory platform.Factory, clock clockwork.Clock, streams Streams) *Runner {
	if streams.In == nil {
		streams.In = os.Stdin
	}
	if streams.Out == nil {
		streams.Out = os.Stdout
	}
	if streams.Err == nil {
		streams.Err = os.Stderr
	}
	return &Runner{cfg: cfg, log: log, factory: factory, clock: clock, streams: streams}
}

func newFactory(cfg Config) platform.Factory {
	if cfg.Backend == BackendGitHub {
		return platform.NewGitHubFactory(cfg.APIBaseURL, cfg.APIUploadURL)
	}

	factory := platform.NewRESTFactory(cfg.APIBaseURL)
	factory.Retries = cfg.APIRetries
	if cfg.APIRetries == 0 {
		factory.Retries = -1
	}
	return factory
}

// services are the collaborators shared by every command of one invocation.
type services struct {
	root      string
	client    platform.Client
	project   platform.Project
	resolver  *remotestate.Resolver
	gate      *questions.Gate
	activator *activation.Activator
}

func (r *Runner) setup(ctx context.Context, target Target, interaction Interaction) (*services, error) {
	dir := target.Dir
	if dir == "" {
		dir = "."
	}
	root, err := localproject.FindRoot(dir)
	if err != nil {
		return nil, err
	}

	projectID := strings.TrimSpace(target.ProjectID)
	if projectID == "" {
		local, err := localproject.LoadConfig(root)
		if err != nil {
			return nil, err
		}
		projectID = local.ID
	}
	if projectID == "" {
		return nil, ErrNoProject
	}

	client, err := r.factory.New(ctx, r.cfg.APIToken)
	if err != nil {
		return nil, fmt.Errorf("initialize api client: %w", err)
	}

	project, err := client.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", projectID, err)
	}

	store := cache.NewStore(r.cfg.CacheDir, r.cfg.CacheTTL, r.clock, r.log)
	resolver := remotestate.New(client, store, r.log)

	gate := &questions.Gate{
		In:          r.streams.In,
		Out:         r.streams.Err,
		Interactive: interaction.Interactive(),
		Yes:         interaction.Yes,
		No:          interaction.No,
	}

	monitor := activation.NewMonitor(client, r.clock, r.cfg.PollInterval, r.cfg.ActivityTimeout, r.streams.Err, r.log)
	activator := activation.New(client, resolver, gate, monitor, r.streams.Err, r.log)

	if r.log != nil {
		r.log.Debug("resolved project", "project", project.ID, "root", root, "backend", r.cfg.Backend)
	}

	return &services{
		root:      root,
		client:    client,
		project:   project,
		resolver:  resolver,
		gate:      gate,
		activator: activator,
	}, nil
}

func (r *Runner) selectEnvironment(ctx context.Context, svc *services, id string) (*platform.Environment, error) {
	if id == "" {
		return nil, nil
	}
	env, err := svc.resolver.GetEnvironment(ctx, svc.project, id)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, fmt.Errorf("%w: %s", ErrEnvironmentNotFound, id)
	}
	return env, nil
}

// Push runs the push workflow and returns the process exit code. Errors are
// reserved for failures before the push workflow starts.
func (r *Runner) Push(ctx context.Context, req PushRequest) (int, error) {
	svc, err := r.setup(ctx, req.Target, req.Interaction)
	if err != nil {
		return 1, err
	}

	env, err := r.selectEnvironment(ctx, svc, req.Target.Environment)
	if err != nil {
		return 1, err
	}

	repo := &git.Repository{
		Binary:     r.cfg.GitBinary,
		Dir:        svc.root,
		RemoteName: r.cfg.GitRemoteName,
		Stdin:      r.streams.In,
		Stdout:     r.streams.Out,
		Stderr:     r.streams.Err,
		Logger:     r.log,
	}

	transport := r.transport().WithIdentityFile(req.IdentityFile)

	orch := orchestrator.New(orchestrator.Config{
		ProductionBranch: r.cfg.ProductionBranch,
		RemoteName:       r.cfg.GitRemoteName,
		NoWaitEnvVar:     r.cfg.NoWaitEnvVar,
	}, orchestrator.Deps{
		Repository:   repo,
		Environments: svc.resolver,
		Prompter:     svc.gate,
		Transport:    transport,
		Activator:    svc.activator,
	}, r.log, r.streams.Err)

	return orch.Execute(ctx, orchestrator.Selection{Project: svc.project, Environment: env}, req.Options), nil
}

// Activate runs the activation workflow and returns the process exit code.
func (r *Runner) Activate(ctx context.Context, req ActivateRequest) (int, error) {
	if req.Target.Environment == "" {
		return 1, errors.New("an environment is required")
	}

	svc, err := r.setup(ctx, req.Target, req.Interaction)
	if err != nil {
		return 1, err
	}

	return svc.activator.Activate(ctx, activation.Request{
		Project:       svc.project,
		EnvironmentID: req.Target.Environment,
		ParentID:      req.Parent,
		NoWait:        req.NoWait,
	}), nil
}

// ShouldWait resolves the wait preference from the --wait and --no-wait flags,
// falling back to push.wait.
func (r *Runner) ShouldWait(wait, noWait bool) bool {
	switch {
	case noWait:
		return false
	case wait:
		return true
	default:
		return r.cfg.Wait
	}
}

func (r *Runner) transport() ssh.Builder {
	return ssh.Builder{
		Binary:       r.cfg.SSHBinary,
		Options:      r.cfg.SSHOptions,
		IdentityFile: r.cfg.SSHIdentityFile,
	}
}
