// Package cli implements the envpush command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/rancher/envpush/internal/app"
	"github.com/rancher/envpush/internal/questions"
)

// ExitError carries a process exit code out of a command. It is returned when
// a workflow finished with a non-zero code after reporting its own messages.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}

func exitWith(code int) error {
	if code == 0 {
		return nil
	}
	return &ExitError{Code: code}
}

type runnerFunc func(cfg app.Config, log *slog.Logger, streams app.Streams) *app.Runner

type rootOptions struct {
	configFile    string
	verbose       bool
	logFormat     string
	yes           bool
	no            bool
	noInteraction bool

	newRunner runnerFunc
}

func (o *rootOptions) AddFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(
		&o.configFile,
		"config",
		"",
		"config file (default is $HOME/.envpush.yaml)",
	)

	cmd.PersistentFlags().BoolVarP(
		&o.verbose,
		"verbose",
		"v",
		false,
		"enable debug logging",
	)

	cmd.PersistentFlags().StringVar(
		&o.logFormat,
		"log-format",
		"",
		"log format: text or json",
	)

	cmd.PersistentFlags().BoolVarP(
		&o.yes,
		"yes",
		"y",
		false,
		"answer yes to all questions",
	)

	cmd.PersistentFlags().BoolVar(
		&o.no,
		"no",
		false,
		"answer no to all questions",
	)

	cmd.PersistentFlags().BoolVar(
		&o.noInteraction,
		"no-interaction",
		false,
		"do not ask any interactive questions",
	)
}

// runner loads configuration and builds an app.Runner bound to the command's
// streams.
func (o *rootOptions) runner(cmd *cobra.Command) (*app.Runner, error) {
	v := app.NewViper()
	if err := app.ReadConfigFile(v, o.configFile); err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("verbose") {
		v.Set(app.KeyVerbose, o.verbose)
	}
	if o.logFormat != "" {
		v.Set(app.KeyLogFormat, o.logFormat)
	}

	cfg, err := app.LoadConfig(v)
	if err != nil {
		return nil, err
	}

	streams := app.Streams{
		In:  cmd.InOrStdin(),
		Out: cmd.OutOrStdout(),
		Err: cmd.ErrOrStderr(),
	}

	if f, ok := streams.Err.(*os.File); ok {
		color.NoColor = !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
	}

	logger, err := app.NewLogger(cfg.LogLevel, cfg.LogFormat, streams.Err)
	if err != nil {
		return nil, err
	}
	logger.Debug("configuration loaded", "config_file", v.ConfigFileUsed(), "backend", cfg.Backend)

	return o.newRunner(cfg, logger, streams), nil
}

func (o *rootOptions) interaction(cmd *cobra.Command) app.Interaction {
	terminal := false
	if f, ok := cmd.InOrStdin().(*os.File); ok {
		terminal = questions.DetectInteractive(f)
	}
	return app.Interaction{
		Yes:           o.yes,
		No:            o.no,
		NoInteraction: o.noInteraction,
		Terminal:      terminal,
	}
}

// New returns the root envpush command.
func New(version string) *cobra.Command {
	return newRootCommand(version, app.NewRunner)
}

func newRootCommand(version string, newRunner runnerFunc) *cobra.Command {
	if version == "" {
		version = "dev"
	}

	o := &rootOptions{newRunner: newRunner}
	cmd := &cobra.Command{
		Use:   "envpush",
		Short: "Push code to hosted project environments",
		Long: `envpush pushes local git revisions to the environments of a hosted project.

Pushing to a branch that has no environment yet creates one, which can be
activated straight after the push.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	o.AddFlags(cmd)

	cmd.AddCommand(newPushCommand(o))
	cmd.AddCommand(newActivateCommand(o))
	cmd.AddCommand(newVersionCommand(version))

	return cmd
}

// Execute runs the root command with the process arguments and returns the
// exit code.
func Execute(version string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd := New(version)
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		var exitErr *ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintln(cmd.ErrOrStderr(), color.RedString("%v", err))
		}
	}
	return ExitCode(err)
}
