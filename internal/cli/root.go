package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/fent/clusterhub/internal/config"
	"github.com/fent/clusterhub/internal/hub"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the clusterhub CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "clusterhub",
		Short: "clusterhub - an event bus across a coordinator and its workers",
		Long: `clusterhub connects one coordinator process to the participant
processes it spawns. Named hubs carry events between them, and a
key-value store owned by the coordinator is reachable from every
participant.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to a YAML config file")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewParticipantCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))

	return cmd
}

// loadConfig reads --config when given, otherwise defaults plus the
// environment.
func loadConfig(opts *RootOptions) (config.Config, error) {
	if opts.ConfigPath != "" {
		return config.Load(opts.ConfigPath)
	}
	cfg := config.Default()
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// setupLogging installs a text handler on w as the default logger. The
// level comes from the config, lowered to Debug by --verbose.
func setupLogging(opts *RootOptions, cfg config.Config, w io.Writer) *slog.Logger {
	level := cfg.SlogLevel()
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// hubOptions turns the config into registry options.
func hubOptions(cfg config.Config, logger *slog.Logger) []hub.Option {
	return []hub.Option{
		hub.WithOriginTag(cfg.OriginTag),
		hub.WithMaxRetainedFunctions(cfg.MaxRetainedFunctions),
		hub.WithStoreDSN(cfg.StoreDSN),
		hub.WithLogger(logger),
	}
}

// childEnv passes the coordinator's effective config to participants.
func childEnv(cfg config.Config) []string {
	return []string{
		config.EnvOriginTag + "=" + cfg.OriginTag,
		config.EnvLogLevel + "=" + cfg.LogLevel,
		fmt.Sprintf("%s=%d", config.EnvMaxRetainedFunctions, cfg.MaxRetainedFunctions),
	}
}
