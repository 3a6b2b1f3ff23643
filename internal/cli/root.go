package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

// Process exit codes.
const (
	ExitPass            = 0
	ExitFailure         = 1
	ExitThresholdFailed = 99
)

// ExitError carries the exit code a command wants the process to end with.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit code %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitPass
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// NewRootCmd builds the command tree. Output goes to stdout, logs and errors
// to stderr.
func NewRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:     "rampgate",
		Short:   "Ramp virtual users against one HTTP endpoint and gate on thresholds",
		Version: version,
		Long: `rampgate drives a staged population of virtual users against a single
HTTP endpoint, records latency, status and error metrics, and exits non-zero
when any threshold is crossed.

Run the built-in breakpoint scenario:
  rampgate run

Run a scenario file:
  rampgate run --config breakpoint.yaml

Quick mode:
  rampgate run --url http://localhost:8080/health \
    --stages "30s:10,1m:50,30s:0" \
    --threshold 'error_rate=rate<0.01'`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(newRunCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newDefaultConfigCmd())

	return root
}

// Execute runs the command line against os.Args. Errors other than a
// threshold failure are printed to stderr.
func Execute(ctx context.Context) error {
	root := NewRootCmd(os.Stdout, os.Stderr)
	err := root.ExecuteContext(ctx)
	if err != nil && ExitCode(err) != ExitThresholdFailed {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}
