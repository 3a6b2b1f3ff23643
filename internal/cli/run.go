package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rampgate/rampgate/internal/logging"
	"github.com/rampgate/rampgate/internal/performance/config"
	"github.com/rampgate/rampgate/internal/performance/engine"
	"github.com/rampgate/rampgate/internal/performance/output"
)

// Flag names double as viper keys and, upper-cased with RAMPGATE_, as
// environment variables.
const (
	keyConfig       = "config"
	keyName         = "name"
	keyURL          = "url"
	keyTimeout      = "timeout"
	keyListField    = "list-field"
	keyStages       = "stages"
	keyGracefulStop = "graceful-stop"
	keyThreshold    = "threshold"
	keyLogLevel     = "log-level"
	keyLogFormat    = "log-format"
	keyMetricsAddr  = "metrics-addr"
	keyQuiet        = "quiet"
)

const envPrefix = "RAMPGATE"

// progressInterval is how often the live display refreshes.
var progressInterval = time.Second

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a ramp and gate on its thresholds",
		Long: `Run executes the staged ramp, prints live progress and a final summary,
and exits 0 when every threshold passes, 99 when any threshold fails and 1 on
configuration or runtime errors.

Without --config and --url the built-in breakpoint scenario is used. Flags and
RAMPGATE_* environment variables override values from the file.

The first SIGINT or SIGTERM stops the ramp; in-flight requests drain and the
verdict is still computed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := bindFlags(cmd)
			if err != nil {
				return &ExitError{Code: ExitFailure, Err: err}
			}
			return runTest(cmd, v)
		},
	}

	addScenarioFlags(cmd)
	cmd.Flags().String(keyLogLevel, "warn", "Log level: none, error, warn, info, debug")
	cmd.Flags().String(keyLogFormat, "logfmt", "Log format: logfmt, json")
	cmd.Flags().String(keyMetricsAddr, "", "Serve Prometheus metrics on this address during the run (e.g. :9464)")
	cmd.Flags().BoolP(keyQuiet, "q", false, "Disable live progress, print only PASSED or FAILED")

	return cmd
}

// addScenarioFlags registers the flags that shape the scenario itself.
func addScenarioFlags(cmd *cobra.Command) {
	cmd.Flags().StringP(keyConfig, "c", "", "Scenario file (YAML or JSON)")
	cmd.Flags().String(keyName, "", "Run name")
	cmd.Flags().StringP(keyURL, "u", "", "Target URL")
	cmd.Flags().StringP(keyTimeout, "t", "", "Per-request timeout (e.g. 5s, or bare milliseconds)")
	cmd.Flags().String(keyListField, "", "Top-level JSON field that must hold an array")
	cmd.Flags().String(keyStages, "", "Stages as 'duration:target,...' (e.g. 30s:10,1m:50,30s:0)")
	cmd.Flags().String(keyGracefulStop, "", "How long in-flight requests may drain after the ramp")
	cmd.Flags().StringSlice(keyThreshold, nil, "Threshold as 'metric=expr', repeatable (e.g. 'error_rate=rate<0.05'); RAMPGATE_THRESHOLD separates rules with ';'")
}

// bindFlags layers environment variables under the command's flags.
func bindFlags(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}
	return v, nil
}

// resolveConfig builds the scenario from the file, the built-in default or
// the URL given, then applies overrides.
func resolveConfig(v *viper.Viper) (*config.TestConfig, error) {
	var cfg *config.TestConfig

	path := v.GetString(keyConfig)
	switch {
	case path != "":
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	case v.GetString(keyURL) != "":
		// quick mode keeps the default ramp and thresholds but checks only
		// the status of an arbitrary endpoint
		cfg = config.Default()
		cfg.Name = config.DefaultName
		cfg.Description = ""
		cfg.Target = config.TargetConfig{}
	default:
		cfg = config.Default()
	}

	if v.IsSet(keyName) {
		cfg.Name = v.GetString(keyName)
	}
	if v.IsSet(keyURL) {
		cfg.Target.URL = v.GetString(keyURL)
	}
	if v.IsSet(keyListField) {
		cfg.Target.ListField = v.GetString(keyListField)
	}
	if v.IsSet(keyTimeout) {
		d, err := config.ParseTimeoutString(v.GetString(keyTimeout))
		if err != nil {
			return nil, fmt.Errorf("invalid --%s: %w", keyTimeout, err)
		}
		cfg.Target.Timeout = config.Timeout(d)
	}
	if v.IsSet(keyStages) {
		stages, err := config.ParseStages(v.GetString(keyStages))
		if err != nil {
			return nil, fmt.Errorf("invalid --%s: %w", keyStages, err)
		}
		cfg.Stages = stages
	}
	if v.IsSet(keyGracefulStop) {
		d, err := config.ParseDurationString(v.GetString(keyGracefulStop))
		if err != nil {
			return nil, fmt.Errorf("invalid --%s: %w", keyGracefulStop, err)
		}
		cfg.GracefulStop = config.Duration(d)
	}

	for _, flag := range thresholdFlags(v) {
		key, rule, err := config.ParseThresholdFlag(flag)
		if err != nil {
			return nil, fmt.Errorf("invalid --%s: %w", keyThreshold, err)
		}
		if cfg.Thresholds == nil {
			cfg.Thresholds = make(map[string]config.ThresholdList)
		}
		cfg.Thresholds[key] = append(cfg.Thresholds[key], rule)
	}

	return cfg, nil
}

// thresholdFlags returns the --threshold values. RAMPGATE_THRESHOLD holds
// several rules separated by ';', since expressions may contain spaces.
func thresholdFlags(v *viper.Viper) []string {
	raw, ok := v.Get(keyThreshold).(string)
	if !ok {
		return v.GetStringSlice(keyThreshold)
	}
	var flags []string
	for _, part := range strings.Split(raw, ";") {
		if part = strings.TrimSpace(part); part != "" {
			flags = append(flags, part)
		}
	}
	return flags
}

func newLogger(v *viper.Viper, w io.Writer) (log.Logger, error) {
	format := logging.Format(v.GetString(keyLogFormat))
	return logging.New(logging.Options{
		Level:  v.GetString(keyLogLevel),
		Format: format,
		Writer: w,
		Color:  format != logging.FormatJSON && isTerminal(w),
	})
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// runTest runs the engine with a live display and maps the outcome to an
// exit code.
func runTest(cmd *cobra.Command, v *viper.Viper) error {
	cfg, err := resolveConfig(v)
	if err != nil {
		return &ExitError{Code: ExitFailure, Err: err}
	}

	logger, err := newLogger(v, cmd.ErrOrStderr())
	if err != nil {
		return &ExitError{Code: ExitFailure, Err: err}
	}

	opts := []engine.Option{engine.WithLogger(logger)}
	if addr := v.GetString(keyMetricsAddr); addr != "" {
		opts = append(opts, engine.WithMetricsAddr(addr))
	}

	eng, err := engine.NewEngine(cfg, opts...)
	if err != nil {
		return &ExitError{Code: ExitFailure, Err: err}
	}

	quiet := v.GetBool(keyQuiet)
	console := output.NewConsoleOutput(output.ConsoleOutputConfig{
		TestName:      cfg.Name,
		TargetURL:     eng.Target().URL,
		TotalDuration: eng.TotalDuration(),
		TotalStages:   len(cfg.Stages),
		Writer:        cmd.OutOrStdout(),
		Quiet:         quiet,
	})
	console.PrintHeader()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var result *engine.TestResult
	var runErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		result, runErr = eng.Run(ctx)
	}()

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

progressLoop:
	for {
		select {
		case <-done:
			break progressLoop
		case <-ctx.Done():
			// restore default signal handling so a second signal kills the process
			stop()
			<-done
			break progressLoop
		case <-ticker.C:
			if !eng.IsRunning() {
				continue
			}
			stats := output.StatsFromBucket(eng.LatestBucket(), eng.GetStats(), eng.GetProgress())
			if console.IsTTY() {
				console.Update(stats)
			} else if !quiet {
				console.PrintNonInteractiveUpdate(stats)
			}
		}
	}

	console.PrintSummary(result)

	return exitError(result, runErr)
}

// exitError maps a run outcome to nil or an ExitError.
func exitError(result *engine.TestResult, runErr error) error {
	if runErr != nil {
		return &ExitError{Code: ExitFailure, Err: fmt.Errorf("run failed: %w", runErr)}
	}
	if result == nil {
		return &ExitError{Code: ExitFailure, Err: fmt.Errorf("run produced no result")}
	}
	if result.Passed {
		return nil
	}

	failed := result.Verdict.Failed()
	sources := make([]string, 0, len(failed))
	for _, r := range failed {
		sources = append(sources, r.Source)
	}
	return &ExitError{
		Code: ExitThresholdFailed,
		Err:  fmt.Errorf("thresholds failed: %s", strings.Join(sources, "; ")),
	}
}
