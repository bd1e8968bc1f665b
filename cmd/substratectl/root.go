package main

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

type cliState struct {
	logLevel string
	level    slog.LevelVar
	logger   *slog.Logger
}

func buildRootCmd() *cobra.Command {
	state := &cliState{logLevel: "info"}

	root := &cobra.Command{
		Use:           "substratectl",
		Short:         "Inspect and exercise the substrate memory layer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&state.logLevel, "log-level", state.logLevel, "Log level: debug|info|warn|error")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		err := state.level.UnmarshalText([]byte(state.logLevel))
		if err != nil {
			return errors.Wrapf(err, "invalid --log-level %q", state.logLevel)
		}

		state.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: &state.level}))
		return nil
	}

	root.AddCommand(buildProbeCmd(state), buildConfigCmd(state), buildSimulateCmd(state))
	return root
}
