package orchestrator

import "github.com/rancher/envpush/internal/git"

const (
	// DefaultProductionBranch is the protected branch when none is configured.
	DefaultProductionBranch = "master"

	// DefaultNoWaitEnvVar is forwarded to the remote to skip waiting for the
	// deployment.
	DefaultNoWaitEnvVar = "PLATFORMSH_PUSH_NO_WAIT"
)

// Config captures the runtime controls the orchestrator needs.
type Config struct {
	ProductionBranch string
	RemoteName       string
	NoWaitEnvVar     string
}

func (c Config) withDefaults() Config {
	if c.ProductionBranch == "" {
		c.ProductionBranch = DefaultProductionBranch
	}
	if c.RemoteName == "" {
		c.RemoteName = git.DefaultRemoteName
	}
	if c.NoWaitEnvVar == "" {
		c.NoWaitEnvVar = DefaultNoWaitEnvVar
	}
	return c
}

// Options are the per-invocation push flags. They are resolved once before
// Execute and never modified by it.
type Options struct {
	// Source is the local commit-ish to push. The CLI defaults it to HEAD.
	Source string
	// Target overrides the environment name derived from the selection or
	// the current branch.
	Target string

	Force          bool
	ForceWithLease bool
	SetUpstream    bool

	// Activate requests activation of a new or inactive environment without
	// asking.
	Activate bool
	// Parent is the parent of an activated environment.
	Parent string

	// NoWait asks the remote not to block on the deployment.
	NoWait bool
}
