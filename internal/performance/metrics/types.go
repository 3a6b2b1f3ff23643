package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Built-in metric names recorded by virtual users.
const (
	// HTTPReqs counts completed request cycles, tagged by status.
	HTTPReqs = "http_reqs"

	// Iterations counts VU loop iterations.
	Iterations = "iterations"

	// TimeoutsTotal counts requests that produced no response.
	TimeoutsTotal = "timeouts_total"

	// ErrorRate is the fraction of requests whose status was not 200.
	ErrorRate = "error_rate"

	// Checks is the pass rate of the per-request body and status checks.
	Checks = "checks"

	// HTTPReqDuration is the request latency distribution, tagged by status.
	HTTPReqDuration = "http_req_duration"
)

// Type identifies the kind of a metric series.
type Type int

const (
	// TypeCounter is a monotonic, increment-only integer.
	TypeCounter Type = iota
	// TypeRate is the fraction of true events among all recorded events.
	TypeRate
	// TypeDistribution is a multiset of observed durations.
	TypeDistribution
)

func (t Type) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeRate:
		return "rate"
	case TypeDistribution:
		return "distribution"
	default:
		return "unknown"
	}
}

// BuiltinTypes maps every metric name a VU records to its series type.
var BuiltinTypes = map[string]Type{
	HTTPReqs:        TypeCounter,
	Iterations:      TypeCounter,
	TimeoutsTotal:   TypeCounter,
	ErrorRate:       TypeRate,
	Checks:          TypeRate,
	HTTPReqDuration: TypeDistribution,
}

// Phase represents a phase of the load test.
type Phase string

const (
	PhaseInit     Phase = "init"
	PhaseRampUp   Phase = "ramp-up"
	PhaseSteady   Phase = "steady"
	PhaseRampDown Phase = "ramp-down"
	PhaseDraining Phase = "draining"
	PhaseDone     Phase = "done"
)

// Tag is a single key:value label attached to a series.
type Tag struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// String renders the tag as "key:value".
func (t Tag) String() string {
	return t.Key + ":" + t.Value
}

// IsZero reports whether the tag is empty.
func (t Tag) IsZero() bool {
	return t.Key == "" && t.Value == ""
}

// StatusTag tags a series with an HTTP status code. Zero means no response.
func StatusTag(code int) Tag {
	if code == 0 {
		return Tag{Key: "status", Value: "none"}
	}
	return Tag{Key: "status", Value: strconv.Itoa(code)}
}

// ParseTag parses a single "key:value" tag.
func ParseTag(s string) (Tag, error) {
	key, value, ok := strings.Cut(strings.TrimSpace(s), ":")
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if !ok || key == "" || value == "" {
		return Tag{}, fmt.Errorf("invalid tag %q: expected key:value", s)
	}
	if strings.ContainsAny(key, ",:") || strings.ContainsAny(value, ",:") {
		return Tag{}, fmt.Errorf("invalid tag %q: exactly one key:value tag is supported", s)
	}
	return Tag{Key: key, Value: value}, nil
}

// seriesKey builds the map key for a name and its tag set.
func seriesKey(name string, tags []Tag) string {
	if len(tags) == 0 {
		return name
	}
	parts := make([]string, 0, len(tags))
	for _, t := range tags {
		if !t.IsZero() {
			parts = append(parts, t.String())
		}
	}
	if len(parts) == 0 {
		return name
	}
	sort.Strings(parts)
	return name + "{" + strings.Join(parts, ",") + "}"
}

// hasTag reports whether tags contains sel. A nil selector matches everything.
func hasTag(tags []Tag, sel *Tag) bool {
	if sel == nil {
		return true
	}
	for _, t := range tags {
		if t == *sel {
			return true
		}
	}
	return false
}

// SeriesInfo describes one series present in a snapshot.
type SeriesInfo struct {
	Name string `json:"name"`
	Tags []Tag  `json:"tags,omitempty"`
	Type Type   `json:"type"`
}

// Key returns the canonical "name{k:v}" form of the series.
func (s SeriesInfo) Key() string {
	return seriesKey(s.Name, s.Tags)
}

// TimeBucket represents metrics for a 1-second interval.
type TimeBucket struct {
	Timestamp time.Time `json:"timestamp"`

	// Cumulative totals since the run started
	TotalRequests int64 `json:"totalRequests"`
	TotalErrors   int64 `json:"totalErrors"`
	TotalTimeouts int64 `json:"totalTimeouts"`

	// Interval metrics (this bucket only)
	IntervalRequests  int64   `json:"intervalRequests"`
	IntervalRPS       float64 `json:"intervalRPS"`
	IntervalErrorRate float64 `json:"intervalErrorRate"`

	// Latency percentiles from the live HDR histograms
	LatencyP50 time.Duration `json:"latencyP50"`
	LatencyP95 time.Duration `json:"latencyP95"`
	LatencyP99 time.Duration `json:"latencyP99"`

	ActiveVUs int   `json:"activeVUs"`
	Phase     Phase `json:"phase"`
}

// PhaseChange records when a phase transition occurred.
type PhaseChange struct {
	Phase     Phase
	Timestamp time.Time
	Requests  int64
}

// CollectorConfig contains configuration for the metrics collector.
type CollectorConfig struct {
	// BucketInterval is the interval for live time-series buckets (default: 1s)
	BucketInterval time.Duration

	// MaxBuckets is the maximum number of buckets to retain (default: 3600)
	MaxBuckets int

	// HistogramMin is the minimum recordable live value in microseconds (default: 1)
	HistogramMin int64

	// HistogramMax is the maximum recordable live value in microseconds (default: 1 hour)
	HistogramMax int64

	// HistogramSigFigs is the number of significant figures (default: 3)
	HistogramSigFigs int
}

// DefaultCollectorConfig returns the default configuration.
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		BucketInterval:   time.Second,
		MaxBuckets:       3600,
		HistogramMin:     1,
		HistogramMax:     3600000000, // 1 hour in microseconds
		HistogramSigFigs: 3,
	}
}
