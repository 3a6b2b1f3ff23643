package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/rampgate/rampgate/internal/logging"
	"github.com/rampgate/rampgate/internal/performance"
	"github.com/rampgate/rampgate/internal/performance/metrics"
)

// RampingVUs ramps the VU count up and down according to a profile.
//
// A controller goroutine recomputes the target every AdjustInterval and
// spawns or stops VUs to match it, so the population follows a continuous
// ramp instead of stepping at stage boundaries. Stopped VUs drain: they
// finish their in-flight request before exiting.
//
// Example profile:
//
//	stages:
//	  - duration: 30s
//	    target: 10     # Ramp from 0 to 10 VUs over 30s
//	  - duration: 2m
//	    target: 10     # Stay at 10 VUs for 2 minutes
//	  - duration: 30s
//	    target: 0      # Ramp down to 0 VUs over 30s
type RampingVUs struct {
	config *Config
	logger log.Logger

	scheduler *performance.VUScheduler
	metrics   *metrics.Collector

	started   atomic.Bool
	startTime atomic.Pointer[time.Time]
	targetVUs atomic.Int32
	aborted   atomic.Bool
	straggled atomic.Int32

	stopCh   chan struct{}
	stopOnce sync.Once

	mu      sync.RWMutex
	state   RunState
	history []StageTransition
}

// Option configures a RampingVUs.
type Option func(*RampingVUs)

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(e *RampingVUs) {
		e.logger = logger
	}
}

// NewRampingVUs validates cfg and creates the executor. An invalid profile
// fails here, before anything runs.
func NewRampingVUs(cfg *Config, opts ...Option) (*RampingVUs, error) {
	if cfg == nil {
		return nil, &ValidationError{Field: "config", Message: "config is required"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &RampingVUs{
		config: cfg,
		logger: logging.Nop(),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.With(e.logger, "executor")

	return e, nil
}

// Run executes the profile and blocks until it completes.
func (e *RampingVUs) Run(ctx context.Context, scheduler *performance.VUScheduler, collector *metrics.Collector) error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("executor already started")
	}

	e.mu.Lock()
	e.scheduler = scheduler
	e.metrics = collector
	e.mu.Unlock()

	profile := e.config.Profile
	scheduler.SetMaxVUs(profile.MaxTarget())

	start := time.Now()
	e.startTime.Store(&start)

	runCtx, cancel := context.WithTimeout(ctx, profile.TotalDuration())
	defer cancel()

	go func() {
		select {
		case <-e.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	_ = level.Info(e.logger).Log(
		"msg", "run started",
		"stages", len(profile),
		"duration", profile.TotalDuration(),
		"max_vus", profile.MaxTarget(),
	)

	e.controller(runCtx, start)

	select {
	case <-e.stopCh:
		e.aborted.Store(true)
	default:
		if ctx.Err() != nil {
			e.aborted.Store(true)
		}
	}
	e.drain(start)

	return nil
}

// controller adjusts the VU count until runCtx is done.
func (e *RampingVUs) controller(runCtx context.Context, start time.Time) {
	ticker := time.NewTicker(e.config.adjustInterval())
	defer ticker.Stop()

	e.adjust(runCtx, start)

	for {
		select {
		case <-runCtx.Done():
			return
		case <-ticker.C:
			e.adjust(runCtx, start)
		}
	}
}

func (e *RampingVUs) adjust(ctx context.Context, start time.Time) {
	if ctx.Err() != nil {
		return
	}

	elapsed := time.Since(start)
	target, stage := e.config.Profile.TargetAt(elapsed)

	// The deadline may not have fired yet; never begin a stage early or
	// scale past the end of the profile.
	if stage >= len(e.config.Profile) {
		return
	}

	e.enterStage(stage, elapsed)

	e.targetVUs.Store(int32(target))
	e.scheduler.ScaleVUs(ctx, target)
}

// enterStage records every stage from the current one up to stage.
func (e *RampingVUs) enterStage(stage int, elapsed time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Kind == StateRamping && e.state.Stage >= stage {
		return
	}

	from := 0
	if e.state.Kind == StateRamping {
		from = e.state.Stage + 1
	}
	for i := from; i <= stage; i++ {
		next := RunState{Kind: StateRamping, Stage: i}
		if !e.state.next(next) {
			return
		}
		e.state = next
		e.history = append(e.history, StageTransition{
			Stage:   i,
			Name:    e.config.Profile[i].Name,
			At:      time.Now(),
			Elapsed: elapsed,
		})
		_ = level.Debug(e.logger).Log("msg", "stage started", "stage", i, "target", e.config.Profile[i].Target, "elapsed", elapsed)
	}

	e.metrics.SetPhase(e.config.Profile.phaseFor(stage))
}

// drain stops every VU and waits up to GracefulStop.
func (e *RampingVUs) drain(start time.Time) {
	elapsed := time.Since(start)

	e.mu.Lock()
	e.state = RunState{Kind: StateDraining}
	e.history = append(e.history, StageTransition{
		Stage:   len(e.config.Profile),
		Name:    "end",
		At:      time.Now(),
		Elapsed: elapsed,
	})
	e.mu.Unlock()

	e.targetVUs.Store(0)
	e.metrics.SetPhase(metrics.PhaseDraining)

	if e.aborted.Load() {
		_ = level.Warn(e.logger).Log("msg", "run aborted, draining", "elapsed", elapsed)
	}

	stragglers := e.scheduler.Shutdown(e.config.gracefulStop())
	e.straggled.Store(int32(stragglers))
	if stragglers > 0 {
		_ = level.Warn(e.logger).Log("msg", "graceful stop timed out", "stragglers", stragglers, "timeout", e.config.gracefulStop())
	}

	e.mu.Lock()
	e.state = RunState{Kind: StateCompleted}
	e.mu.Unlock()

	e.metrics.SetPhase(metrics.PhaseDone)
	_ = level.Info(e.logger).Log("msg", "run completed", "elapsed", time.Since(start), "aborted", e.aborted.Load())
}

// Stop aborts the run: the executor goes straight to draining. Safe to call
// at any time, including before Run.
func (e *RampingVUs) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// State returns the current run state.
func (e *RampingVUs) State() RunState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Aborted reports whether the run ended before its profile completed.
func (e *RampingVUs) Aborted() bool {
	return e.aborted.Load()
}

// GetProgress returns current progress (0.0 to 1.0).
func (e *RampingVUs) GetProgress() float64 {
	start := e.startTime.Load()
	if start == nil {
		return 0.0
	}
	if e.State().Kind == StateCompleted {
		return 1.0
	}

	progress := float64(time.Since(*start)) / float64(e.config.Profile.TotalDuration())
	if progress > 1.0 {
		progress = 1.0
	}
	return progress
}

// GetStats returns executor statistics.
func (e *RampingVUs) GetStats() *Stats {
	e.mu.RLock()
	state := e.state
	scheduler := e.scheduler
	history := make([]StageTransition, len(e.history))
	copy(history, e.history)
	e.mu.RUnlock()

	stats := &Stats{
		CurrentTime:   time.Now(),
		TotalDuration: e.config.Profile.TotalDuration(),
		TargetVUs:     int(e.targetVUs.Load()),
		MaxVUs:        e.config.Profile.MaxTarget(),
		State:         state,
		TotalStages:   len(e.config.Profile),
		StageHistory:  history,
		Aborted:       e.aborted.Load(),
		Stragglers:    int(e.straggled.Load()),
	}

	if start := e.startTime.Load(); start != nil {
		stats.StartTime = *start
		stats.Elapsed = time.Since(*start)
	}
	if scheduler != nil {
		stats.ActiveVUs = scheduler.GetActiveVUCount()
	}
	if state.Kind == StateRamping {
		stats.CurrentStage = state.Stage
		stats.CurrentStageName = e.config.Profile[state.Stage].Name
	}

	return stats
}

var _ Executor = (*RampingVUs)(nil)
