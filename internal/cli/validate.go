package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rampgate/rampgate/internal/performance/config"
	"github.com/rampgate/rampgate/internal/performance/engine"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a scenario without sending requests",
		Long: `Validate resolves the scenario exactly as run would, reports every
configuration problem at once and prints the resolved plan.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := bindFlags(cmd)
			if err != nil {
				return &ExitError{Code: ExitFailure, Err: err}
			}

			cfg, err := resolveConfig(v)
			if err != nil {
				return &ExitError{Code: ExitFailure, Err: err}
			}

			eng, err := engine.NewEngine(cfg)
			if err != nil {
				return &ExitError{Code: ExitFailure, Err: err}
			}

			printPlan(cmd, eng)
			return nil
		},
	}

	addScenarioFlags(cmd)
	return cmd
}

func printPlan(cmd *cobra.Command, eng *engine.Engine) {
	out := cmd.OutOrStdout()
	cfg := eng.GetConfig()
	target := eng.Target()

	fmt.Fprintf(out, "Scenario:      %s\n", cfg.Name)
	fmt.Fprintf(out, "Target:        %s\n", target.URL)
	fmt.Fprintf(out, "Timeout:       %s\n", target.Timeout)
	if cfg.Target.ListField != "" {
		fmt.Fprintf(out, "List field:    %s\n", cfg.Target.ListField)
	}
	fmt.Fprintf(out, "Graceful stop: %s\n", cfg.GracefulStop.GetDuration(config.DefaultGracefulStop))

	fmt.Fprintf(out, "Stages:        %d (%s)\n", len(cfg.Stages), eng.TotalDuration())
	var at time.Duration
	for i, s := range cfg.Stages {
		d := s.Duration.GetDuration(0)
		fmt.Fprintf(out, "  %2d. %-14s %8s -> %5d VUs  (at %s)\n", i+1, s.Name, d, s.Target, at)
		at += d
	}

	rules := eng.Evaluator().Rules()
	fmt.Fprintf(out, "Thresholds:    %d\n", len(rules))
	for _, r := range rules {
		line := "  " + r.Source
		if r.AbortOnFail {
			line += fmt.Sprintf(" [abortOnFail, delay %s]", r.DelayAbortEval)
		}
		fmt.Fprintln(out, line)
	}
}

func newDefaultConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "default-config",
		Short: "Print the built-in breakpoint scenario as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := cmd.OutOrStdout().Write(config.DefaultYAML())
			return err
		},
	}
}
