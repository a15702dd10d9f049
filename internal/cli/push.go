package cli

import (
	"github.com/spf13/cobra"

	"github.com/rancher/envpush/internal/app"
	"github.com/rancher/envpush/internal/orchestrator"
)

type pushOptions struct {
	root *rootOptions

	target         string
	force          bool
	forceWithLease bool
	setUpstream    bool
	activate       bool
	parent         string
	project        string
	environment    string
	noWait         bool
	wait           bool
	identityFile   string
}

func (o *pushOptions) AddFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(
		&o.target,
		"target",
		"",
		"the target branch name (defaults to the current branch)",
	)

	cmd.Flags().BoolVarP(
		&o.force,
		"force",
		"f",
		false,
		"allow non-fast-forward updates",
	)

	cmd.Flags().BoolVar(
		&o.forceWithLease,
		"force-with-lease",
		false,
		"allow non-fast-forward updates, if the remote-tracking branch is up to date",
	)

	cmd.Flags().BoolVarP(
		&o.setUpstream,
		"set-upstream",
		"u",
		false,
		"set the target environment as the upstream for the source branch",
	)

	cmd.Flags().BoolVar(
		&o.activate,
		"activate",
		false,
		"activate the environment after pushing",
	)

	cmd.Flags().StringVar(
		&o.parent,
		"parent",
		"",
		"set a new environment parent (only used with --activate)",
	)

	cmd.Flags().StringVarP(
		&o.project,
		"project",
		"p",
		"",
		"the project ID",
	)

	cmd.Flags().StringVarP(
		&o.environment,
		"environment",
		"e",
		"",
		"the environment ID",
	)

	cmd.Flags().BoolVarP(
		&o.noWait,
		"no-wait",
		"W",
		false,
		"do not wait for the push or activation to complete",
	)

	cmd.Flags().BoolVar(
		&o.wait,
		"wait",
		false,
		"wait for the push or activation to complete",
	)

	cmd.Flags().StringVarP(
		&o.identityFile,
		"identity-file",
		"i",
		"",
		"an SSH identity (private key) to use",
	)
}

func (o *pushOptions) Run(cmd *cobra.Command, args []string) error {
	runner, err := o.root.runner(cmd)
	if err != nil {
		return err
	}

	source := "HEAD"
	if len(args) > 0 {
		source = args[0]
	}

	code, err := runner.Push(cmd.Context(), app.PushRequest{
		Target: app.Target{
			ProjectID:   o.project,
			Environment: o.environment,
		},
		Options: orchestrator.Options{
			Source:         source,
			Target:         o.target,
			Force:          o.force,
			ForceWithLease: o.forceWithLease,
			SetUpstream:    o.setUpstream,
			Activate:       o.activate,
			Parent:         o.parent,
			NoWait:         !runner.ShouldWait(o.wait, o.noWait),
		},
		IdentityFile: o.identityFile,
		Interaction:  o.root.interaction(cmd),
	})
	if err != nil {
		return err
	}
	return exitWith(code)
}

func newPushCommand(root *rootOptions) *cobra.Command {
	o := &pushOptions{root: root}
	cmd := &cobra.Command{
		Use:     "push [source]",
		Aliases: []string{"environment:push"},
		Short:   "Push code to an environment",
		Long: `Push a local git revision to an environment.

The source defaults to HEAD. The target defaults to the selected environment,
then to the current branch. Pushing to a branch without an environment creates
a new, inactive environment which can be activated with --activate.`,
		Example: `  # Push code to the current environment
  envpush push

  # Push code, without waiting for deployment
  envpush push --no-wait

  # Push code and activate the environment as a child of 'develop'
  envpush push --activate --parent develop`,
		Args: cobra.MaximumNArgs(1),
		RunE: o.Run,
	}
	o.AddFlags(cmd)
	cmd.MarkFlagsMutuallyExclusive("wait", "no-wait")

	return cmd
}
