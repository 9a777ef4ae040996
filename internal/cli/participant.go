package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fent/clusterhub/internal/fabric"
	"github.com/fent/clusterhub/internal/hub"
)

// NewParticipantCommand creates the hidden command "run" spawns. Its
// stdin and stdout are the channel to the coordinator, so it never writes
// to stdout itself.
func NewParticipantCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "participant",
		Short:         "Run as a participant of a coordinator (internal)",
		Hidden:        true,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runParticipant(cmd, rootOpts, fabric.ParentChannel())
		},
	}
}

func runParticipant(cmd *cobra.Command, opts *RootOptions, parent fabric.Channel) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger := setupLogging(opts, cfg, cmd.ErrOrStderr())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := hub.NewParticipant(parent, hubOptions(cfg, logger)...)
	defer reg.Close()
	registerDemoParticipant(reg)

	logger.Debug("participant starting", "participant", reg.ID())
	if err := reg.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "participant failed", err)
	}
	return nil
}
