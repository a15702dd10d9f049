package orchestrator_test

import (
	"bytes"
	"context"
	"errors"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rancher/envpush/internal/activation"
	"github.com/rancher/envpush/internal/orchestrator"
	"github.com/rancher/envpush/internal/platform"
	"github.com/rancher/envpush/internal/ssh"
)

// journal records calls across fakes so tests can assert ordering.
type journal struct {
	entries []string
}

func (j *journal) add(entry string) {
	j.entries = append(j.entries, entry)
}

func (j *journal) count(prefix string) int {
	n := 0
	for _, e := range j.entries {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

func (j *journal) index(prefix string) int {
	for i, e := range j.entries {
		if strings.HasPrefix(e, prefix) {
			return i
		}
	}
	return -1
}

type fakeRepository struct {
	j          *journal
	revisions  map[string]string
	branch     string
	sshCommand string
	pushArgs   []string
	pushEnv    map[string]string
	pushErr    error
	remoteURL  string
	remoteErr  error
}

func (f *fakeRepository) ResolveRevision(_ context.Context, ref string) (string, bool) {
	f.j.add("resolve " + ref)
	rev, ok := f.revisions[ref]
	return rev, ok
}

func (f *fakeRepository) CurrentBranch(context.Context) (string, bool) {
	f.j.add("current-branch")
	return f.branch, f.branch != ""
}

func (f *fakeRepository) SetSSHCommand(cmd string) {
	f.sshCommand = cmd
}

func (f *fakeRepository) Push(_ context.Context, args []string, env map[string]string) error {
	f.j.add("push")
	f.pushArgs = args
	f.pushEnv = env
	return f.pushErr
}

func (f *fakeRepository) EnsureRemote(_ context.Context, url string) error {
	f.j.add("ensure-remote")
	f.remoteURL = url
	return f.remoteErr
}

type fakeResolver struct {
	j               *journal
	envs            map[string]platform.Environment
	getErr          error
	invalidateErr   error
	relationshipErr error
	cleared         []string
}

func (f *fakeResolver) GetEnvironment(_ context.Context, _ platform.Project, id string) (*platform.Environment, error) {
	f.j.add("get-environment " + id)
	if f.getErr != nil {
		return nil, f.getErr
	}
	env, ok := f.envs[id]
	if !ok {
		return nil, nil
	}
	return &env, nil
}

func (f *fakeResolver) ListEnvironments(context.Context, platform.Project) (map[string]platform.Environment, error) {
	f.j.add("list-environments")
	return f.envs, nil
}

func (f *fakeResolver) InvalidateEnvironments(projectID string) error {
	f.j.add("invalidate " + projectID)
	return f.invalidateErr
}

func (f *fakeResolver) ClearRelationships(sshURL string) error {
	f.j.add("clear-relationships")
	f.cleared = append(f.cleared, sshURL)
	return f.relationshipErr
}

type fakePrompter struct {
	j           *journal
	interactive bool
	confirm     map[string]bool
	answer      string
	askErr      error
	choices     []string
}

func (f *fakePrompter) IsInteractive() bool {
	return f.interactive
}

func (f *fakePrompter) Confirm(text string, def bool) bool {
	f.j.add("confirm " + text)
	for prefix, answer := range f.confirm {
		if strings.HasPrefix(text, prefix) {
			return answer
		}
	}
	return def
}

func (f *fakePrompter) AskInput(text, def string, choices []string) (string, error) {
	f.j.add("ask " + text)
	f.choices = choices
	if f.askErr != nil {
		return "", f.askErr
	}
	if f.answer == "" {
		return def, nil
	}
	return f.answer, nil
}

type fakeActivator struct {
	j        *journal
	code     int
	requests []activation.Request
}

func (f *fakeActivator) Activate(_ context.Context, req activation.Request) int {
	f.j.add("activate " + req.EnvironmentID)
	f.requests = append(f.requests, req)
	return f.code
}

var _ = Describe("Orchestrator", func() {
	var (
		ctx       context.Context
		j         *journal
		repo      *fakeRepository
		resolver  *fakeResolver
		prompter  *fakePrompter
		activator *fakeActivator
		out       *bytes.Buffer
		sel       orchestrator.Selection
		opts      orchestrator.Options
	)

	newOrchestrator := func() *orchestrator.Orchestrator {
		return orchestrator.New(orchestrator.Config{}, orchestrator.Deps{
			Repository:   repo,
			Environments: resolver,
			Prompter:     prompter,
			Transport:    ssh.Builder{},
			Activator:    activator,
		}, nil, out)
	}

	execute := func() int {
		return newOrchestrator().Execute(ctx, sel, opts)
	}

	BeforeEach(func() {
		ctx = context.Background()
		j = &journal{}
		repo = &fakeRepository{
			j:         j,
			revisions: map[string]string{"HEAD": "abc123def", "feature-x": "abc123def"},
			branch:    "feature-x",
		}
		resolver = &fakeResolver{
			j: j,
			envs: map[string]platform.Environment{
				"master": {ID: "master", Status: platform.StatusActive},
			},
		}
		prompter = &fakePrompter{j: j}
		activator = &fakeActivator{j: j}
		out = &bytes.Buffer{}
		sel = orchestrator.Selection{Project: platform.Project{ID: "proj1", GitURL: "proj1@git.example.com:proj1.git"}}
		opts = orchestrator.Options{Source: "HEAD"}
	})

	Describe("source validation", func() {
		It("rejects an empty source without any subprocess or remote calls", func() {
			opts.Source = ""

			Expect(execute()).To(Equal(1))
			Expect(j.entries).To(BeEmpty())
			Expect(out.String()).To(ContainSubstring("cannot be specified as an empty string"))
		})

		It("rejects a source containing a colon before resolving it", func() {
			opts.Source = "HEAD:refs/heads/x"

			Expect(execute()).To(Equal(1))
			Expect(j.entries).To(BeEmpty())
			Expect(out.String()).To(ContainSubstring("Invalid source ref: HEAD:refs/heads/x"))
		})

		It("rejects a source that does not resolve", func() {
			opts.Source = "nope"

			Expect(execute()).To(Equal(1))
			Expect(j.entries).To(Equal([]string{"resolve nope"}))
			Expect(out.String()).To(ContainSubstring("Invalid source ref: nope"))
		})
	})

	Describe("target resolution", func() {
		It("uses the current branch when nothing else names a target", func() {
			Expect(execute()).To(Equal(0))
			Expect(repo.pushArgs).To(Equal([]string{"platform", "HEAD:refs/heads/feature-x"}))
		})

		It("prefers the selected environment over the current branch", func() {
			sel.Environment = &platform.Environment{ID: "staging", Status: platform.StatusActive}
			resolver.envs["staging"] = *sel.Environment

			Expect(execute()).To(Equal(0))
			Expect(repo.pushArgs[1]).To(Equal("HEAD:refs/heads/staging"))
			Expect(j.count("current-branch")).To(Equal(0))
		})

		It("prefers --target over everything", func() {
			sel.Environment = &platform.Environment{ID: "staging"}
			opts.Target = "hotfix"

			Expect(execute()).To(Equal(0))
			Expect(repo.pushArgs[1]).To(Equal("HEAD:refs/heads/hotfix"))
		})

		It("fails when no target can be determined", func() {
			repo.branch = ""

			Expect(execute()).To(Equal(1))
			Expect(out.String()).To(ContainSubstring("Could not determine target environment name."))
			Expect(j.count("get-environment")).To(Equal(0))
			Expect(j.count("push")).To(Equal(0))
		})
	})

	Describe("production guard", func() {
		BeforeEach(func() {
			opts.Target = "master"
		})

		It("aborts without side effects when the push to production is declined", func() {
			prompter.confirm = map[string]bool{"Are you sure you want to push to the master": false}

			Expect(execute()).To(Equal(1))
			Expect(j.count("get-environment")).To(Equal(0))
			Expect(j.count("ensure-remote")).To(Equal(0))
			Expect(j.count("push")).To(Equal(0))
		})

		It("pushes to production once confirmed and never offers activation", func() {
			prompter.interactive = true

			Expect(execute()).To(Equal(0))
			Expect(j.count("confirm Are you sure")).To(Equal(1))
			Expect(j.count("confirm Activate")).To(Equal(0))
			Expect(j.count("activate")).To(Equal(0))
			Expect(out.String()).To(ContainSubstring("Pushing HEAD to the existing environment master"))
		})

		It("honours a configured production branch", func() {
			opts.Target = "main"
			prompter.confirm = map[string]bool{"Are you sure you want to push to the main": false}

			o := orchestrator.New(orchestrator.Config{ProductionBranch: "main"}, orchestrator.Deps{
				Repository:   repo,
				Environments: resolver,
				Prompter:     prompter,
				Transport:    ssh.Builder{},
				Activator:    activator,
			}, nil, out)

			Expect(o.Execute(ctx, sel, opts)).To(Equal(1))
			Expect(j.count("push")).To(Equal(0))
		})
	})

	Describe("push", func() {
		It("reports a new environment and pushes to it", func() {
			Expect(execute()).To(Equal(0))
			Expect(out.String()).To(ContainSubstring("Pushing HEAD to the new environment feature-x"))
			Expect(repo.pushArgs).To(Equal([]string{"platform", "HEAD:refs/heads/feature-x"}))
			Expect(repo.remoteURL).To(Equal("proj1@git.example.com:proj1.git"))
		})

		It("passes only the transport flags that were set", func() {
			opts.ForceWithLease = true

			Expect(execute()).To(Equal(0))
			Expect(repo.pushArgs).To(ContainElement("--force-with-lease"))
			Expect(repo.pushArgs).NotTo(ContainElement("--set-upstream"))
			Expect(repo.pushArgs).NotTo(ContainElement("--force"))
		})

		It("passes every transport flag when all are set", func() {
			opts.Force = true
			opts.ForceWithLease = true
			opts.SetUpstream = true

			Expect(execute()).To(Equal(0))
			Expect(repo.pushArgs[2:]).To(ConsistOf("--force", "--force-with-lease", "--set-upstream"))
		})

		It("forwards the no-wait signal through the transport allow-list", func() {
			opts.NoWait = true

			Expect(execute()).To(Equal(0))
			Expect(repo.pushEnv).To(Equal(map[string]string{"PLATFORMSH_PUSH_NO_WAIT": "1"}))
			Expect(repo.sshCommand).To(Equal("ssh -o SendEnv=PLATFORMSH_PUSH_NO_WAIT"))
		})

		It("does not forward the signal when waiting", func() {
			Expect(execute()).To(Equal(0))
			Expect(repo.pushEnv).To(BeEmpty())
			Expect(repo.sshCommand).To(Equal("ssh"))
		})

		It("ensures the remote before pushing", func() {
			Expect(execute()).To(Equal(0))
			Expect(j.index("ensure-remote")).To(BeNumerically("<", j.index("push")))
		})

		It("stops when the remote cannot be configured", func() {
			repo.remoteErr = errors.New("bad remote")

			Expect(execute()).To(Equal(1))
			Expect(j.count("push")).To(Equal(0))
		})

		It("stops when the remote lookup fails", func() {
			resolver.getErr = errors.New("api down")

			Expect(execute()).To(Equal(1))
			Expect(out.String()).To(ContainSubstring("api down"))
			Expect(j.count("push")).To(Equal(0))
		})
	})

	Describe("post-push invalidation", func() {
		It("invalidates the environment cache exactly once after the push", func() {
			Expect(execute()).To(Equal(0))
			Expect(j.count("invalidate proj1")).To(Equal(1))
			Expect(j.index("invalidate")).To(BeNumerically(">", j.index("push")))
		})

		It("neither invalidates nor activates after a failed push", func() {
			repo.pushErr = errors.New("rejected")
			opts.Activate = true

			Expect(execute()).To(Equal(1))
			Expect(j.count("invalidate")).To(Equal(0))
			Expect(j.count("activate")).To(Equal(0))
		})

		It("clears the relationship cache of the selected environment", func() {
			sel.Environment = &platform.Environment{ID: "staging", Status: platform.StatusActive, SSHLink: "ssh://proj1-staging@ssh.example.com"}
			resolver.envs["staging"] = *sel.Environment

			Expect(execute()).To(Equal(0))
			Expect(resolver.cleared).To(Equal([]string{"proj1-staging@ssh.example.com"}))
		})

		It("ignores a selected environment without an ssh endpoint", func() {
			sel.Environment = &platform.Environment{ID: "staging", Status: platform.StatusActive}
			resolver.envs["staging"] = *sel.Environment

			Expect(execute()).To(Equal(0))
			Expect(j.count("clear-relationships")).To(Equal(0))
		})

		It("ignores relationship cache failures", func() {
			sel.Environment = &platform.Environment{ID: "staging", Status: platform.StatusActive, SSHLink: "ssh://proj1-staging@ssh.example.com"}
			resolver.envs["staging"] = *sel.Environment
			resolver.relationshipErr = errors.New("permission denied")

			Expect(execute()).To(Equal(0))
		})

		It("reports a failure to invalidate the environment cache", func() {
			resolver.invalidateErr = errors.New("read-only cache")

			Expect(execute()).To(Equal(1))
			Expect(out.String()).To(ContainSubstring("read-only cache"))
		})
	})

	Describe("activation", func() {
		It("activates with --activate, defaulting the parent to production without prompting", func() {
			opts.Activate = true
			activator.code = 0

			Expect(execute()).To(Equal(0))
			Expect(j.count("ask")).To(Equal(0))
			Expect(activator.requests).To(HaveLen(1))
			Expect(activator.requests[0]).To(Equal(activation.Request{
				Project:       sel.Project,
				EnvironmentID: "feature-x",
				ParentID:      "master",
				AssumeYes:     true,
			}))
			Expect(j.index("activate")).To(BeNumerically(">", j.index("invalidate")))
		})

		It("asks for a parent among all environments when there are several", func() {
			opts.Activate = true
			resolver.envs["staging"] = platform.Environment{ID: "staging", Status: platform.StatusActive}
			prompter.answer = "staging"

			Expect(execute()).To(Equal(0))
			Expect(prompter.choices).To(Equal([]string{"master", "staging"}))
			Expect(activator.requests[0].ParentID).To(Equal("staging"))
		})

		It("uses an explicit parent without listing environments", func() {
			opts.Activate = true
			opts.Parent = "develop"

			Expect(execute()).To(Equal(0))
			Expect(j.count("list-environments")).To(Equal(0))
			Expect(activator.requests[0].ParentID).To(Equal("develop"))
		})

		It("propagates the activation exit code", func() {
			opts.Activate = true
			activator.code = 7

			Expect(execute()).To(Equal(7))
		})

		It("passes the no-wait preference to the activator", func() {
			opts.Activate = true
			opts.NoWait = true

			Expect(execute()).To(Equal(0))
			Expect(activator.requests[0].NoWait).To(BeTrue())
		})

		It("asks whether to activate only in interactive sessions", func() {
			Expect(execute()).To(Equal(0))
			Expect(j.count("confirm")).To(Equal(0))
			Expect(activator.requests).To(BeEmpty())

			prompter.interactive = true
			Expect(execute()).To(Equal(0))
			Expect(j.count("confirm Activate")).To(Equal(1))
			Expect(activator.requests).To(HaveLen(1))
		})

		It("does not activate when the operator declines", func() {
			prompter.interactive = true
			prompter.confirm = map[string]bool{"Activate": false}

			Expect(execute()).To(Equal(0))
			Expect(activator.requests).To(BeEmpty())
		})

		It("offers activation for an existing inactive environment", func() {
			resolver.envs["feature-x"] = platform.Environment{ID: "feature-x", Status: platform.StatusInactive}
			opts.Activate = true

			Expect(execute()).To(Equal(0))
			Expect(out.String()).To(ContainSubstring("Pushing HEAD to the existing environment feature-x"))
			Expect(activator.requests).To(HaveLen(1))
		})

		It("never activates an environment that is already active", func() {
			resolver.envs["feature-x"] = platform.Environment{ID: "feature-x", Status: platform.StatusActive}
			opts.Activate = true

			Expect(execute()).To(Equal(0))
			Expect(activator.requests).To(BeEmpty())
		})

		It("aborts before pushing when no parent can be chosen", func() {
			opts.Activate = true
			resolver.envs["staging"] = platform.Environment{ID: "staging"}
			prompter.askErr = errors.New("too many attempts")

			Expect(execute()).To(Equal(1))
			Expect(j.count("push")).To(Equal(0))
		})
	})
})
