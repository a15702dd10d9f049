package cli

import (
	"github.com/spf13/cobra"

	"github.com/rancher/envpush/internal/app"
)

type activateOptions struct {
	root *rootOptions

	project     string
	environment string
	parent      string
	noWait      bool
	wait        bool
}

func (o *activateOptions) AddFlags(cmd *cobra.Command) {
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
	cmd.MarkFlagRequired("environment") //nolint:errcheck

	cmd.Flags().StringVar(
		&o.parent,
		"parent",
		"",
		"set a new environment parent before activating",
	)

	cmd.Flags().BoolVarP(
		&o.noWait,
		"no-wait",
		"W",
		false,
		"do not wait for the activation to complete",
	)

	cmd.Flags().BoolVar(
		&o.wait,
		"wait",
		false,
		"wait for the activation to complete",
	)
}

func (o *activateOptions) Run(cmd *cobra.Command, _ []string) error {
	runner, err := o.root.runner(cmd)
	if err != nil {
		return err
	}

	code, err := runner.Activate(cmd.Context(), app.ActivateRequest{
		Target: app.Target{
			ProjectID:   o.project,
			Environment: o.environment,
		},
		Parent:      o.parent,
		NoWait:      !runner.ShouldWait(o.wait, o.noWait),
		Interaction: o.root.interaction(cmd),
	})
	if err != nil {
		return err
	}
	return exitWith(code)
}

func newActivateCommand(root *rootOptions) *cobra.Command {
	o := &activateOptions{root: root}
	cmd := &cobra.Command{
		Use:   "environment:activate",
		Short: "Activate an environment",
		Example: `  # Activate an environment as a child of 'develop'
  envpush environment:activate -e feature-x --parent develop`,
		Args: cobra.NoArgs,
		RunE: o.Run,
	}
	o.AddFlags(cmd)
	cmd.MarkFlagsMutuallyExclusive("wait", "no-wait")

	return cmd
}
