package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fent/clusterhub/internal/harness"
)

// ScenarioOptions holds flags for the scenario command.
type ScenarioOptions struct {
	*RootOptions
	Trace bool
}

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scenario <file.yaml>...",
		Short: "Run YAML scenarios against an in-process group",
		Long: `Run scenario files against a coordinator and in-process participants
and check their assertions. Exits 1 if any scenario fails.

Example:
  clusterhub scenario testdata/scenarios/*.yaml
  clusterhub scenario --trace --format json ping.yaml`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(cmd, opts, args)
		},
	}

	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "include each run's canonical trace")

	return cmd
}

// ScenarioReport is the outcome of one scenario file.
type ScenarioReport struct {
	File   string          `json:"file"`
	Name   string          `json:"name"`
	Pass   bool            `json:"pass"`
	Errors []string        `json:"errors,omitempty"`
	Trace  json.RawMessage `json:"trace,omitempty"`
}

// ScenarioReports renders as one line per scenario in text output.
type ScenarioReports []ScenarioReport

func (r ScenarioReports) Text() string {
	var b strings.Builder
	for _, rep := range r {
		status := "PASS"
		if !rep.Pass {
			status = "FAIL"
		}
		fmt.Fprintf(&b, "%s %s (%s)\n", status, rep.Name, rep.File)
		for _, e := range rep.Errors {
			fmt.Fprintf(&b, "  - %s\n", e)
		}
		if len(rep.Trace) > 0 {
			fmt.Fprintf(&b, "  trace: %s\n", rep.Trace)
		}
	}
	return b.String()
}

func runScenarios(cmd *cobra.Command, opts *ScenarioOptions, files []string) error {
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
	logger := setupLogging(opts.RootOptions, cfg, cmd.ErrOrStderr())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	reports := make(ScenarioReports, 0, len(files))
	failed := 0
	for _, file := range files {
		scenario, err := harness.LoadScenario(file)
		if err != nil {
			_ = formatter.Error(ErrCodeScenario, err.Error(), map[string]string{"file": file})
			return WrapExitError(ExitCommandError, "failed to load scenario "+file, err)
		}
		formatter.VerboseLog("running %s (%d participants)", scenario.Name, scenario.Participants)

		result, err := harness.RunWithOptions(ctx, scenario, harness.Options{
			Logger:          logger,
			RegistryOptions: hubOptions(cfg, logger),
		})
		if err != nil {
			_ = formatter.Error(ErrCodeRun, err.Error(), map[string]string{"file": file})
			return WrapExitError(ExitFailure, "scenario "+scenario.Name+" did not run", err)
		}

		rep := ScenarioReport{File: file, Name: scenario.Name, Pass: result.Pass, Errors: result.Errors}
		if opts.Trace {
			data, err := result.Trace.Canonical()
			if err != nil {
				return WrapExitError(ExitFailure, "failed to render trace", err)
			}
			rep.Trace = data
		}
		if !rep.Pass {
			failed++
		}
		reports = append(reports, rep)
	}

	if err := formatter.Success(reports); err != nil {
		return err
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", failed, len(reports)))
	}
	return nil
}
