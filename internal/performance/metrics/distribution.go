package metrics

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// distributionSeries holds every observed duration of one series.
//
// Exact samples back threshold evaluation. The HDR histogram mirrors them at
// microsecond resolution so the once-per-second live buckets can read
// percentiles without copying or sorting the sample slice.
//
// NOTE: HDR histogram RecordValue is NOT thread-safe, so mu guards both.
type distributionSeries struct {
	tags []Tag

	mu      sync.Mutex
	samples []time.Duration
	live    *hdrhistogram.Histogram

	histMin int64
	histMax int64
}

func newDistributionSeries(tags []Tag, cfg CollectorConfig) *distributionSeries {
	return &distributionSeries{
		tags:    tags,
		live:    hdrhistogram.New(cfg.HistogramMin, cfg.HistogramMax, cfg.HistogramSigFigs),
		histMin: cfg.HistogramMin,
		histMax: cfg.HistogramMax,
	}
}

func (d *distributionSeries) record(v time.Duration) {
	if v < 0 {
		v = 0
	}

	micros := v.Microseconds()
	if micros < d.histMin {
		micros = d.histMin
	}
	if micros > d.histMax {
		micros = d.histMax
	}

	d.mu.Lock()
	d.samples = append(d.samples, v)
	_ = d.live.RecordValue(micros)
	d.mu.Unlock()
}

// copySamples returns an unsorted copy of the samples.
func (d *distributionSeries) copySamples() []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]time.Duration, len(d.samples))
	copy(out, d.samples)
	return out
}

// mergeLiveInto adds this series' live histogram to dst.
func (d *distributionSeries) mergeLiveInto(dst *hdrhistogram.Histogram) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dst.Merge(d.live)
}

// DistributionStats is a frozen, sorted view of a distribution.
//
// Percentile uses linear interpolation between the closest ranks with
// rank = p/100 * (n-1), so a fixed sample set always yields the same value.
type DistributionStats struct {
	sorted []time.Duration
	sum    time.Duration
}

// NewDistributionStats freezes samples. The input slice is not modified.
func NewDistributionStats(samples []time.Duration) DistributionStats {
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	return newSortedStats(sorted)
}

// newSortedStats takes ownership of samples and sorts it in place.
func newSortedStats(samples []time.Duration) DistributionStats {
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	var sum time.Duration
	for _, s := range samples {
		sum += s
	}
	return DistributionStats{sorted: samples, sum: sum}
}

// Count returns the number of samples.
func (d DistributionStats) Count() int64 {
	return int64(len(d.sorted))
}

// Min returns the smallest sample, or 0 when empty.
func (d DistributionStats) Min() time.Duration {
	if len(d.sorted) == 0 {
		return 0
	}
	return d.sorted[0]
}

// Max returns the largest sample, or 0 when empty.
func (d DistributionStats) Max() time.Duration {
	if len(d.sorted) == 0 {
		return 0
	}
	return d.sorted[len(d.sorted)-1]
}

// Mean returns the arithmetic mean, or 0 when empty.
func (d DistributionStats) Mean() time.Duration {
	if len(d.sorted) == 0 {
		return 0
	}
	return d.sum / time.Duration(len(d.sorted))
}

// Sum returns the total of all samples.
func (d DistributionStats) Sum() time.Duration {
	return d.sum
}

// Median is Percentile(50).
func (d DistributionStats) Median() time.Duration {
	return d.Percentile(50)
}

// Percentile returns the p-th percentile (0-100), or 0 when empty.
func (d DistributionStats) Percentile(p float64) time.Duration {
	n := len(d.sorted)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return d.sorted[0]
	}
	if p >= 100 {
		return d.sorted[n-1]
	}

	rank := p / 100 * float64(n-1)
	lower := int(math.Floor(rank))
	upper := lower + 1
	if upper >= n {
		return d.sorted[lower]
	}

	frac := rank - float64(lower)
	span := float64(d.sorted[upper] - d.sorted[lower])
	return d.sorted[lower] + time.Duration(math.Round(frac*span))
}

// Summary returns the usual latency statistics in one struct.
func (d DistributionStats) Summary() LatencyStats {
	return LatencyStats{
		Min:   d.Min(),
		Max:   d.Max(),
		Mean:  d.Mean(),
		P50:   d.Percentile(50),
		P90:   d.Percentile(90),
		P95:   d.Percentile(95),
		P99:   d.Percentile(99),
		Count: d.Count(),
	}
}

// LatencyStats contains latency statistics.
type LatencyStats struct {
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P90   time.Duration `json:"p90"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Count int64         `json:"count"`
}
