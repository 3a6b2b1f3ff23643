// Package executor realizes a staged virtual-user population over time.
package executor

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rampgate/rampgate/internal/performance"
	"github.com/rampgate/rampgate/internal/performance/metrics"
)

// Executor drives virtual users for the length of a run.
type Executor interface {
	// Run blocks until the run completes, the context is cancelled or Stop
	// is called. VUs have drained (or timed out) when it returns.
	Run(ctx context.Context, scheduler *performance.VUScheduler, collector *metrics.Collector) error

	// Stop aborts the run. It does not wait.
	Stop()

	// State returns the current run state.
	State() RunState

	// GetProgress returns current progress (0.0 to 1.0).
	GetProgress() float64

	// GetStats returns executor statistics.
	GetStats() *Stats
}

// Stage is one segment of the profile: ramp linearly from the previous
// stage's target (0 for the first) to Target over Duration.
type Stage struct {
	Duration time.Duration `json:"duration" yaml:"duration"`
	Target   int           `json:"target" yaml:"target"`
	Name     string        `json:"name,omitempty" yaml:"name,omitempty"`
}

// Profile is the ordered list of stages of a run.
type Profile []Stage

// Validate checks the profile is non-empty, every duration is positive and
// every target is non-negative.
func (p Profile) Validate() error {
	if len(p) == 0 {
		return &ValidationError{Field: "stages", Message: "at least one stage is required"}
	}
	for i, s := range p {
		if s.Duration <= 0 {
			return &ValidationError{Field: fmt.Sprintf("stages[%d].duration", i), Message: "duration must be > 0"}
		}
		if s.Target < 0 {
			return &ValidationError{Field: fmt.Sprintf("stages[%d].target", i), Message: "target must be >= 0"}
		}
	}
	return nil
}

// TotalDuration is the sum of all stage durations.
func (p Profile) TotalDuration() time.Duration {
	var total time.Duration
	for _, s := range p {
		total += s.Duration
	}
	return total
}

// MaxTarget is the largest target of any stage.
func (p Profile) MaxTarget() int {
	max := 0
	for _, s := range p {
		if s.Target > max {
			max = s.Target
		}
	}
	return max
}

// TargetAt returns the interpolated population at elapsed, rounded to the
// nearest integer, and the index of the stage containing elapsed. Past the
// end it returns the last target and len(p).
func (p Profile) TargetAt(elapsed time.Duration) (int, int) {
	if elapsed < 0 {
		elapsed = 0
	}

	var stageStart time.Duration
	prevTarget := 0

	for i, stage := range p {
		stageEnd := stageStart + stage.Duration
		if elapsed < stageEnd {
			progress := float64(elapsed-stageStart) / float64(stage.Duration)
			target := float64(prevTarget) + float64(stage.Target-prevTarget)*progress
			return int(math.Round(target)), i
		}
		prevTarget = stage.Target
		stageStart = stageEnd
	}

	return prevTarget, len(p)
}

// StageStart returns the offset at which stage i begins.
func (p Profile) StageStart(i int) time.Duration {
	var start time.Duration
	for j := 0; j < i && j < len(p); j++ {
		start += p[j].Duration
	}
	return start
}

// phaseFor maps a stage to the collector phase it represents.
func (p Profile) phaseFor(i int) metrics.Phase {
	if i >= len(p) {
		return metrics.PhaseDraining
	}
	prev := 0
	if i > 0 {
		prev = p[i-1].Target
	}
	switch {
	case p[i].Target > prev:
		return metrics.PhaseRampUp
	case p[i].Target < prev:
		return metrics.PhaseRampDown
	default:
		return metrics.PhaseSteady
	}
}

// Config contains configuration for the ramping executor.
type Config struct {
	Name    string  `json:"name" yaml:"name"`
	Profile Profile `json:"stages" yaml:"stages"`

	// GracefulStop bounds how long draining VUs may take (default: 30s)
	GracefulStop time.Duration `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// AdjustInterval is the controller tick (default: 100ms)
	AdjustInterval time.Duration `json:"adjustInterval,omitempty" yaml:"adjustInterval,omitempty"`
}

// Default timings.
const (
	DefaultGracefulStop   = 30 * time.Second
	DefaultAdjustInterval = 100 * time.Millisecond
)

// Validate validates the executor configuration.
func (c *Config) Validate() error {
	if err := c.Profile.Validate(); err != nil {
		return err
	}
	if c.GracefulStop < 0 {
		return &ValidationError{Field: "gracefulStop", Message: "gracefulStop must be >= 0"}
	}
	if c.AdjustInterval < 0 {
		return &ValidationError{Field: "adjustInterval", Message: "adjustInterval must be >= 0"}
	}
	return nil
}

func (c *Config) gracefulStop() time.Duration {
	if c.GracefulStop == 0 {
		return DefaultGracefulStop
	}
	return c.GracefulStop
}

func (c *Config) adjustInterval() time.Duration {
	if c.AdjustInterval == 0 {
		return DefaultAdjustInterval
	}
	return c.AdjustInterval
}

// StageTransition records when the controller first observed a stage.
// Stage == len(profile) marks the end of the last stage.
type StageTransition struct {
	Stage   int           `json:"stage"`
	Name    string        `json:"name,omitempty"`
	At      time.Time     `json:"at"`
	Elapsed time.Duration `json:"elapsed"`
}

// Stats contains real-time executor statistics.
type Stats struct {
	StartTime     time.Time     `json:"startTime"`
	CurrentTime   time.Time     `json:"currentTime"`
	Elapsed       time.Duration `json:"elapsed"`
	TotalDuration time.Duration `json:"totalDuration"`

	ActiveVUs int `json:"activeVUs"`
	TargetVUs int `json:"targetVUs"`
	MaxVUs    int `json:"maxVUs"`

	State            RunState          `json:"state"`
	CurrentStage     int               `json:"currentStage"`
	CurrentStageName string            `json:"currentStageName"`
	TotalStages      int               `json:"totalStages"`
	StageHistory     []StageTransition `json:"stageHistory,omitempty"`

	Aborted    bool `json:"aborted"`
	Stragglers int  `json:"stragglers"`
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error on field '" + e.Field + "': " + e.Message
}
