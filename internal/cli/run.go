package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fent/clusterhub/internal/fabric"
	"github.com/fent/clusterhub/internal/hub"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Participants int
	Timeout      time.Duration

	// Entry overrides the participant command line (for testing). It
	// defaults to this executable's "participant" subcommand.
	Entry string

	// ExtraEnv is added to every participant's environment (for testing).
	ExtraEnv []string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a coordinator with participant processes",
		Long: `Start a coordinator, spawn participant processes running this same
binary, and run a demo round: the coordinator pings every participant with
a reply function, each participant bumps a counter in the coordinator's
store and replies.

Example:
  clusterhub run -n 4
  clusterhub run --config clusterhub.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCoordinator(cmd, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.Participants, "participants", "n", 0, "number of participants (default from config)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "give up after this long")

	return cmd
}

func runCoordinator(cmd *cobra.Command, opts *RunOptions) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if cmd.Flags().Changed("participants") {
		cfg.Participants = opts.Participants
	}
	if cfg.Participants < 0 {
		return NewExitError(ExitCommandError, "participants must be non-negative")
	}
	logger := setupLogging(opts.RootOptions, cfg, cmd.ErrOrStderr())

	entry := opts.Entry
	if entry == "" {
		exe, err := os.Executable()
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to locate executable", err)
		}
		entry = exe + " participant"
		if opts.Verbose {
			entry += " --verbose"
		}
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithTimeout(parentCtx, opts.Timeout)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	reg := hub.NewCoordinator(hubOptions(cfg, logger)...)
	fab := &fabric.Exec{Env: append(childEnv(cfg), opts.ExtraEnv...)}

	var children []*fabric.Child
	for i := 0; i < cfg.Participants; i++ {
		child, err := reg.Spawn(ctx, fab, entry, nil)
		if err != nil {
			reg.Close()
			return WrapExitError(ExitFailure, "failed to spawn participant", err)
		}
		formatter.VerboseLog("spawned participant %s", child.ID)
		children = append(children, child)
	}

	runErr := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		runErr <- reg.Run(ctx)
	}()

	summary, demoErr := runDemo(ctx, reg, cfg.Participants, runErr)

	reg.Stop()
	<-stopped
	if demoErr == nil {
		select {
		case err := <-runErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				demoErr = err
			}
		default:
		}
	}
	// Closing the channels tells every participant to exit.
	if err := reg.Close(); err != nil {
		logger.Warn("error closing coordinator", "error", err)
	}
	waitChildren(logger, children, 5*time.Second)

	if demoErr != nil {
		_ = formatter.Error(ErrCodeRun, demoErr.Error(), nil)
		return WrapExitError(ExitFailure, "demo failed", demoErr)
	}
	return formatter.Success(summary)
}

func waitChildren(logger *slog.Logger, children []*fabric.Child, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, c := range children {
		if err := c.Wait(ctx); err != nil {
			logger.Warn("participant did not exit cleanly", "participant", c.ID, "error", err)
		}
	}
}
