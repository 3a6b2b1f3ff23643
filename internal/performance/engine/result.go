package engine

import (
	"sort"
	"time"

	"github.com/rampgate/rampgate/internal/performance/executor"
	"github.com/rampgate/rampgate/internal/performance/metrics"
	"github.com/rampgate/rampgate/internal/performance/threshold"
)

// TestResult contains the complete outcome of a run.
type TestResult struct {
	RunID       string        `json:"runId"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	TargetURL   string        `json:"targetUrl"`
	StartTime   time.Time     `json:"startTime"`
	EndTime     time.Time     `json:"endTime"`
	Duration    time.Duration `json:"duration"`

	// Metrics is the final snapshot the verdict was computed from
	Metrics    *metrics.Snapshot     `json:"-"`
	Summary    Summary               `json:"summary"`
	TimeSeries []*metrics.TimeBucket `json:"timeSeries,omitempty"`
	Phases     []metrics.PhaseChange `json:"phases,omitempty"`

	Verdict threshold.Verdict `json:"verdict"`
	Passed  bool              `json:"passed"`

	Aborted     bool   `json:"aborted"`
	AbortReason string `json:"abortReason,omitempty"`

	Stats *executor.Stats `json:"stats,omitempty"`

	// Error if the run failed outside the target's behavior
	Error error `json:"-"`
}

// Summary holds the headline figures of a snapshot.
type Summary struct {
	TotalRequests   int64   `json:"totalRequests"`
	Iterations      int64   `json:"iterations"`
	Timeouts        int64   `json:"timeouts"`
	TransportErrors int64   `json:"transportErrors"`
	Errors          int64   `json:"errors"`
	ErrorRate       float64 `json:"errorRate"`
	RequestRate     float64 `json:"requestRate"`
	PeakRPS         float64 `json:"peakRps"`

	// Latency covers every request, LatencyOK only 200 responses
	Latency   metrics.LatencyStats `json:"latency"`
	LatencyOK metrics.LatencyStats `json:"latencyOk"`

	StatusCounts map[string]int64 `json:"statusCounts"`
	Checks       []CheckSummary   `json:"checks,omitempty"`
}

// CheckSummary is the pass tally of one named check.
type CheckSummary struct {
	Name   string  `json:"name"`
	Passes int64   `json:"passes"`
	Fails  int64   `json:"fails"`
	Rate   float64 `json:"rate"`
}

// NewSummary computes the headline figures. checkNames fixes the order of
// the check tallies.
func NewSummary(snap *metrics.Snapshot, peakRPS float64, checkNames []string) Summary {
	errs := snap.Rate(metrics.ErrorRate, nil)
	ok := metrics.StatusTag(200)

	s := Summary{
		TotalRequests:   snap.Counter(metrics.HTTPReqs, nil),
		Iterations:      snap.Counter(metrics.Iterations, nil),
		Timeouts:        snap.Counter(metrics.TimeoutsTotal, &metrics.Tag{Key: "reason", Value: "timeout"}),
		TransportErrors: snap.Counter(metrics.TimeoutsTotal, &metrics.Tag{Key: "reason", Value: "transport"}),
		Errors:          errs.Trues,
		ErrorRate:       errs.Value(),
		RequestRate:     snap.RequestRate(),
		PeakRPS:         peakRPS,
		Latency:         snap.Distribution(metrics.HTTPReqDuration, nil).Summary(),
		LatencyOK:       snap.Distribution(metrics.HTTPReqDuration, &ok).Summary(),
		StatusCounts:    make(map[string]int64),
	}

	for _, info := range snap.Series() {
		if info.Name != metrics.HTTPReqs {
			continue
		}
		for _, t := range info.Tags {
			if t.Key == "status" {
				s.StatusCounts[t.Value] = snap.Counter(metrics.HTTPReqs, &t)
			}
		}
	}

	for _, name := range checkNames {
		rv := snap.Rate(metrics.Checks, &metrics.Tag{Key: "check", Value: name})
		s.Checks = append(s.Checks, CheckSummary{
			Name:   name,
			Passes: rv.Trues,
			Fails:  rv.Total - rv.Trues,
			Rate:   rv.Value(),
		})
	}

	return s
}

// SortedStatuses returns the status keys in display order.
func (s Summary) SortedStatuses() []string {
	keys := make([]string, 0, len(s.StatusCounts))
	for k := range s.StatusCounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
