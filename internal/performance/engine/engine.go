// Package engine wires a validated configuration into one ramp run: the
// collector, the VU scheduler, the ramp executor, live threshold aborts and
// the optional telemetry endpoint.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rampgate/rampgate/internal/logging"
	"github.com/rampgate/rampgate/internal/performance"
	"github.com/rampgate/rampgate/internal/performance/config"
	"github.com/rampgate/rampgate/internal/performance/executor"
	"github.com/rampgate/rampgate/internal/performance/metrics"
	"github.com/rampgate/rampgate/internal/performance/threshold"
	"github.com/rampgate/rampgate/internal/telemetry"
)

// DefaultAbortCheckInterval is how often abortOnFail thresholds are evaluated
// while the run is in progress.
const DefaultAbortCheckInterval = time.Second

// Engine is the orchestrator for a ramp run.
//
// Example usage:
//
//	cfg, _ := config.LoadConfig("run.yaml")
//	eng, _ := engine.NewEngine(cfg)
//	result, _ := eng.Run(context.Background())
//	fmt.Printf("passed: %v\n", result.Passed)
type Engine struct {
	config     *config.TestConfig
	target     *performance.Target
	execConfig *executor.Config
	httpConfig performance.HTTPClientConfig
	evaluator  *threshold.Evaluator

	logger             log.Logger
	metricsAddr        string
	collectorConfig    metrics.CollectorConfig
	abortCheckInterval time.Duration

	mu          sync.RWMutex
	running     bool
	runID       string
	collector   *metrics.Collector
	executor    *executor.RampingVUs
	abortReason string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetricsAddr serves Prometheus metrics on addr while the run lasts.
func WithMetricsAddr(addr string) Option {
	return func(e *Engine) {
		e.metricsAddr = addr
	}
}

// WithCollectorConfig overrides the collector settings.
func WithCollectorConfig(cfg metrics.CollectorConfig) Option {
	return func(e *Engine) {
		e.collectorConfig = cfg
	}
}

// WithAbortCheckInterval sets how often abort thresholds are checked.
func WithAbortCheckInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.abortCheckInterval = d
	}
}

// NewEngine validates cfg and prepares everything a run needs. Every
// configuration problem is reported here, before any request is sent.
func NewEngine(cfg *config.TestConfig, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("invalid configuration: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	config.ApplyDefaults(cfg)

	target, err := cfg.BuildTarget()
	if err != nil {
		return nil, fmt.Errorf("invalid target: %w", err)
	}

	execConfig := cfg.ExecutorConfig()
	if err := execConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stages: %w", err)
	}

	evaluator, err := threshold.NewEvaluator(cfg.ThresholdDefinitions())
	if err != nil {
		return nil, fmt.Errorf("invalid thresholds: %w", err)
	}

	e := &Engine{
		config:             cfg,
		target:             target,
		execConfig:         execConfig,
		httpConfig:         cfg.HTTPClientConfig(),
		evaluator:          evaluator,
		logger:             logging.Nop(),
		collectorConfig:    metrics.DefaultCollectorConfig(),
		abortCheckInterval: DefaultAbortCheckInterval,
	}
	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// Run executes the ramp and returns the result. The verdict is computed once,
// from the snapshot taken after the drain.
//
// Cancelling ctx aborts the run: the executor drains and the verdict is still
// computed from what was recorded.
func (e *Engine) Run(ctx context.Context) (*TestResult, error) {
	runID := uuid.NewString()
	logger := log.With(e.logger, logging.KeyRunID, runID)

	exec, err := executor.NewRampingVUs(e.execConfig, executor.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}

	collector := metrics.NewCollectorWithConfig(e.collectorConfig)

	var srv *telemetry.Server
	if e.metricsAddr != "" {
		srv, err = telemetry.NewServer(e.metricsAddr, collector, logging.With(logger, "telemetry"))
		if err != nil {
			collector.Stop()
			return nil, err
		}
	}

	scheduler := performance.NewVUScheduler(e.target, collector, e.httpConfig)

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		collector.Stop()
		return nil, fmt.Errorf("engine is already running")
	}
	e.running = true
	e.runID = runID
	e.collector = collector
	e.executor = exec
	e.abortReason = ""
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	startTime := time.Now()
	_ = level.Info(logger).Log(
		"msg", "starting run",
		"name", e.config.Name,
		"url", e.target.URL,
		"stages", len(e.execConfig.Profile),
		"duration", e.execConfig.Profile.TotalDuration(),
		"thresholds", len(e.evaluator.Rules()),
	)

	g, gctx := errgroup.WithContext(ctx)
	auxCtx, cancelAux := context.WithCancel(gctx)
	defer cancelAux()

	g.Go(func() error {
		defer cancelAux()
		return exec.Run(gctx, scheduler, collector)
	})

	if e.evaluator.HasAbortRules() {
		g.Go(func() error {
			e.watchAbort(auxCtx, collector, exec, logger)
			return nil
		})
	}

	if srv != nil {
		g.Go(func() error {
			return srv.Run(auxCtx)
		})
	}

	runErr := g.Wait()

	collector.Stop()
	snap := collector.Snapshot()
	verdict := e.evaluator.Evaluate(snap)
	endTime := time.Now()

	result := &TestResult{
		RunID:       runID,
		Name:        e.config.Name,
		Description: e.config.Description,
		TargetURL:   e.target.URL,
		StartTime:   startTime,
		EndTime:     endTime,
		Duration:    endTime.Sub(startTime),
		Metrics:     snap,
		Summary:     NewSummary(snap, collector.PeakRPS(), e.target.Check.Names()),
		TimeSeries:  collector.GetTimeSeries(),
		Phases:      collector.GetPhaseHistory(),
		Verdict:     verdict,
		Passed:      verdict.Passed,
		Aborted:     exec.Aborted(),
		AbortReason: e.finalAbortReason(ctx, exec),
		Stats:       exec.GetStats(),
		Error:       runErr,
	}

	kv := []interface{}{
		"msg", "run finished",
		"passed", result.Passed,
		"aborted", result.Aborted,
		"requests", result.Summary.TotalRequests,
		"duration", result.Duration,
	}
	if result.AbortReason != "" {
		kv = append(kv, "abort_reason", result.AbortReason)
	}
	_ = level.Info(logger).Log(kv...)

	for _, r := range verdict.Failed() {
		_ = level.Warn(logger).Log("msg", "threshold failed", "threshold", r.Source, "observed", r.Value)
	}

	if runErr != nil {
		_ = level.Error(logger).Log("msg", "run error", "err", runErr)
	}

	return result, runErr
}

// watchAbort evaluates abortOnFail rules until ctx is done and stops the
// executor on the first crossing.
func (e *Engine) watchAbort(ctx context.Context, collector *metrics.Collector, exec *executor.RampingVUs, logger log.Logger) {
	ticker := time.NewTicker(e.abortCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, abort := e.evaluator.ShouldAbort(collector.Snapshot())
			if !abort {
				continue
			}

			reason := "threshold " + res.Source + " crossed"
			e.setAbortReason(reason)
			_ = level.Warn(logger).Log("msg", "aborting run", "reason", reason, "observed", res.Value)
			exec.Stop()
			return
		}
	}
}

func (e *Engine) setAbortReason(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.abortReason == "" {
		e.abortReason = reason
	}
}

func (e *Engine) finalAbortReason(ctx context.Context, exec *executor.RampingVUs) string {
	e.mu.RLock()
	reason := e.abortReason
	e.mu.RUnlock()

	if reason != "" || !exec.Aborted() {
		return reason
	}
	if err := ctx.Err(); err != nil {
		return "interrupted: " + err.Error()
	}
	return "stopped"
}

// Stop aborts a running test. The executor drains and Run returns normally.
func (e *Engine) Stop() {
	e.mu.RLock()
	running := e.running
	exec := e.executor
	e.mu.RUnlock()

	if !running || exec == nil {
		return
	}
	e.setAbortReason("stopped by user")
	exec.Stop()
}

// GetConfig returns the test configuration.
func (e *Engine) GetConfig() *config.TestConfig {
	return e.config
}

// Target returns the resolved endpoint.
func (e *Engine) Target() *performance.Target {
	return e.target
}

// Evaluator returns the parsed thresholds.
func (e *Engine) Evaluator() *threshold.Evaluator {
	return e.evaluator
}

// TotalDuration returns the planned length of the ramp, without the drain.
func (e *Engine) TotalDuration() time.Duration {
	return e.execConfig.Profile.TotalDuration()
}

// IsRunning returns true if the engine is currently running.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// RunID returns the id of the current or last run.
func (e *Engine) RunID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runID
}

// GetProgress returns the run progress (0.0 to 1.0).
func (e *Engine) GetProgress() float64 {
	e.mu.RLock()
	exec := e.executor
	e.mu.RUnlock()

	if exec == nil {
		return 0.0
	}
	return exec.GetProgress()
}

// GetStats returns the executor statistics, or nil before the first run.
func (e *Engine) GetStats() *executor.Stats {
	e.mu.RLock()
	exec := e.executor
	e.mu.RUnlock()

	if exec == nil {
		return nil
	}
	return exec.GetStats()
}

// LatestBucket returns the most recent live time bucket, or nil.
func (e *Engine) LatestBucket() *metrics.TimeBucket {
	e.mu.RLock()
	collector := e.collector
	e.mu.RUnlock()

	if collector == nil {
		return nil
	}
	return collector.LatestBucket()
}
