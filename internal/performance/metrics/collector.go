// Package metrics aggregates counters, rates and latency distributions
// recorded concurrently by virtual users.
package metrics

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

type counterSeries struct {
	tags  []Tag
	value atomic.Int64
}

type rateSeries struct {
	tags  []Tag
	trues atomic.Int64
	total atomic.Int64
}

// Collector owns every metric series of one run.
//
// Series are created lazily on first observation. Updates are lock-free
// atomics (counters, rates) or a per-series mutex (distributions), and all of
// them hold the shared side of applyMu. Snapshot takes the exclusive side, so
// every snapshot sees a set of fully applied updates and nothing in between.
//
// # Thread Safety
//
// Collector is safe for concurrent use. The background emitter that fills
// the live time buckets runs in its own goroutine until Stop is called.
type Collector struct {
	applyMu sync.RWMutex

	seriesMu      sync.RWMutex
	counters      map[string]*counterSeries
	rates         map[string]*rateSeries
	distributions map[string]*distributionSeries

	activeVUs atomic.Int32

	phaseMu      sync.RWMutex
	currentPhase Phase
	phaseHistory []PhaseChange

	bucketStore *TimeBucketStore
	startTime   time.Time

	emitterCtx    context.Context
	emitterCancel context.CancelFunc
	emitterWg     sync.WaitGroup
	stopOnce      sync.Once

	config CollectorConfig
}

// NewCollector creates a collector with the default configuration.
func NewCollector() *Collector {
	return NewCollectorWithConfig(DefaultCollectorConfig())
}

// NewCollectorWithConfig creates a collector and starts its bucket emitter.
func NewCollectorWithConfig(config CollectorConfig) *Collector {
	defaults := DefaultCollectorConfig()
	if config.BucketInterval <= 0 {
		config.BucketInterval = defaults.BucketInterval
	}
	if config.HistogramMin <= 0 {
		config.HistogramMin = defaults.HistogramMin
	}
	if config.HistogramMax <= config.HistogramMin {
		config.HistogramMax = defaults.HistogramMax
	}
	if config.HistogramSigFigs <= 0 {
		config.HistogramSigFigs = defaults.HistogramSigFigs
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Collector{
		counters:      make(map[string]*counterSeries),
		rates:         make(map[string]*rateSeries),
		distributions: make(map[string]*distributionSeries),
		currentPhase:  PhaseInit,
		bucketStore:   NewTimeBucketStore(config.MaxBuckets),
		startTime:     time.Now(),
		emitterCtx:    ctx,
		emitterCancel: cancel,
		config:        config,
	}

	c.emitterWg.Add(1)
	go c.runEmitter()

	return c
}

// IncrementCounter adds one to the counter series name{tags}.
func (c *Collector) IncrementCounter(name string, tags ...Tag) {
	c.applyMu.RLock()
	defer c.applyMu.RUnlock()

	c.counter(name, tags).value.Add(1)
}

// RecordRateEvent records one boolean event in the rate series name{tags}.
func (c *Collector) RecordRateEvent(name string, value bool, tags ...Tag) {
	c.applyMu.RLock()
	defer c.applyMu.RUnlock()

	s := c.rate(name, tags)
	if value {
		s.trues.Add(1)
	}
	s.total.Add(1)
}

// RecordSample adds a duration to the distribution series name{tags}.
func (c *Collector) RecordSample(name string, d time.Duration, tags ...Tag) {
	c.applyMu.RLock()
	defer c.applyMu.RUnlock()

	c.distribution(name, tags).record(d)
}

// Recorder is the write side of a collector.
type Recorder interface {
	IncrementCounter(name string, tags ...Tag)
	RecordRateEvent(name string, value bool, tags ...Tag)
	RecordSample(name string, d time.Duration, tags ...Tag)
}

// Batch runs fn with a recorder whose updates are applied as one unit:
// a snapshot sees all of them or none. fn must not call back into c.
func (c *Collector) Batch(fn func(r Recorder)) {
	c.applyMu.RLock()
	defer c.applyMu.RUnlock()

	fn(batchRecorder{c: c})
}

type batchRecorder struct {
	c *Collector
}

func (b batchRecorder) IncrementCounter(name string, tags ...Tag) {
	b.c.counter(name, tags).value.Add(1)
}

func (b batchRecorder) RecordRateEvent(name string, value bool, tags ...Tag) {
	s := b.c.rate(name, tags)
	if value {
		s.trues.Add(1)
	}
	s.total.Add(1)
}

func (b batchRecorder) RecordSample(name string, d time.Duration, tags ...Tag) {
	b.c.distribution(name, tags).record(d)
}

func (c *Collector) counter(name string, tags []Tag) *counterSeries {
	key := seriesKey(name, tags)

	c.seriesMu.RLock()
	s, ok := c.counters[key]
	c.seriesMu.RUnlock()
	if ok {
		return s
	}

	c.seriesMu.Lock()
	defer c.seriesMu.Unlock()
	if s, ok = c.counters[key]; !ok {
		s = &counterSeries{tags: cloneTags(tags)}
		c.counters[key] = s
	}
	return s
}

func (c *Collector) rate(name string, tags []Tag) *rateSeries {
	key := seriesKey(name, tags)

	c.seriesMu.RLock()
	s, ok := c.rates[key]
	c.seriesMu.RUnlock()
	if ok {
		return s
	}

	c.seriesMu.Lock()
	defer c.seriesMu.Unlock()
	if s, ok = c.rates[key]; !ok {
		s = &rateSeries{tags: cloneTags(tags)}
		c.rates[key] = s
	}
	return s
}

func (c *Collector) distribution(name string, tags []Tag) *distributionSeries {
	key := seriesKey(name, tags)

	c.seriesMu.RLock()
	s, ok := c.distributions[key]
	c.seriesMu.RUnlock()
	if ok {
		return s
	}

	c.seriesMu.Lock()
	defer c.seriesMu.Unlock()
	if s, ok = c.distributions[key]; !ok {
		s = newDistributionSeries(cloneTags(tags), c.config)
		c.distributions[key] = s
	}
	return s
}

func cloneTags(tags []Tag) []Tag {
	out := make([]Tag, 0, len(tags))
	for _, t := range tags {
		if !t.IsZero() {
			out = append(out, t)
		}
	}
	return out
}

// nameOf strips the "{...}" tag suffix of a series key.
func nameOf(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == '{' {
			return key[:i]
		}
	}
	return key
}

// SetPhase updates the current test phase.
func (c *Collector) SetPhase(phase Phase) {
	c.phaseMu.Lock()
	defer c.phaseMu.Unlock()

	if c.currentPhase == phase {
		return
	}

	c.currentPhase = phase
	c.phaseHistory = append(c.phaseHistory, PhaseChange{
		Phase:     phase,
		Timestamp: time.Now(),
		Requests:  c.liveCounterTotal(HTTPReqs),
	})
}

// GetPhase returns the current test phase.
func (c *Collector) GetPhase() Phase {
	c.phaseMu.RLock()
	defer c.phaseMu.RUnlock()
	return c.currentPhase
}

// GetPhaseHistory returns the history of phase changes.
func (c *Collector) GetPhaseHistory() []PhaseChange {
	c.phaseMu.RLock()
	defer c.phaseMu.RUnlock()

	result := make([]PhaseChange, len(c.phaseHistory))
	copy(result, c.phaseHistory)
	return result
}

// SetActiveVUs updates the live VU count.
func (c *Collector) SetActiveVUs(count int) {
	c.activeVUs.Store(int32(count))
}

// GetActiveVUs returns the live VU count.
func (c *Collector) GetActiveVUs() int {
	return int(c.activeVUs.Load())
}

// liveCounterTotal sums every tag variant of a counter without the snapshot
// barrier. Only used for best-effort live figures.
func (c *Collector) liveCounterTotal(name string) int64 {
	c.seriesMu.RLock()
	defer c.seriesMu.RUnlock()

	var total int64
	for key, s := range c.counters {
		if nameOf(key) == name {
			total += s.value.Load()
		}
	}
	return total
}

func (c *Collector) liveRateCounts(name string) (trues, total int64) {
	c.seriesMu.RLock()
	defer c.seriesMu.RUnlock()

	for key, s := range c.rates {
		if nameOf(key) == name {
			trues += s.trues.Load()
			total += s.total.Load()
		}
	}
	return trues, total
}

// liveLatency merges the live histograms of every http_req_duration series.
func (c *Collector) liveLatency() *hdrhistogram.Histogram {
	merged := hdrhistogram.New(c.config.HistogramMin, c.config.HistogramMax, c.config.HistogramSigFigs)

	c.seriesMu.RLock()
	defer c.seriesMu.RUnlock()

	for key, s := range c.distributions {
		if nameOf(key) == HTTPReqDuration {
			s.mergeLiveInto(merged)
		}
	}
	return merged
}

// runEmitter runs the background time-bucket emitter.
func (c *Collector) runEmitter() {
	defer c.emitterWg.Done()

	ticker := time.NewTicker(c.config.BucketInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.emitterCtx.Done():
			return
		case <-ticker.C:
			c.emitBucket()
		}
	}
}

// emitBucket appends a live bucket built from the current totals.
func (c *Collector) emitBucket() {
	hist := c.liveLatency()
	errors, requests := c.liveRateCounts(ErrorRate)

	c.bucketStore.CreateBucket(bucketInput{
		totalRequests: requests,
		totalErrors:   errors,
		totalTimeouts: c.liveCounterTotal(TimeoutsTotal),
		p50:           time.Duration(hist.ValueAtQuantile(50)) * time.Microsecond,
		p95:           time.Duration(hist.ValueAtQuantile(95)) * time.Microsecond,
		p99:           time.Duration(hist.ValueAtQuantile(99)) * time.Microsecond,
		activeVUs:     c.GetActiveVUs(),
		phase:         c.GetPhase(),
	})
}

// GetTimeSeries returns all live buckets in chronological order.
func (c *Collector) GetTimeSeries() []*TimeBucket {
	return c.bucketStore.GetBuckets()
}

// LatestBucket returns the most recent live bucket, or nil.
func (c *Collector) LatestBucket() *TimeBucket {
	return c.bucketStore.GetLatestBucket()
}

// Stop stops the emitter and emits a final bucket. Safe to call twice.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		c.emitterCancel()
		c.emitterWg.Wait()
		c.emitBucket()
	})
}

// Snapshot returns a consistent, read-only view of every series.
func (c *Collector) Snapshot() *Snapshot {
	c.applyMu.Lock()

	c.seriesMu.RLock()
	snap := &Snapshot{
		counters:      make(map[string]counterValue, len(c.counters)),
		rates:         make(map[string]rateValue, len(c.rates)),
		distributions: make(map[string]distributionValue, len(c.distributions)),
	}
	for key, s := range c.counters {
		snap.counters[key] = counterValue{name: nameOf(key), tags: s.tags, value: s.value.Load()}
	}
	for key, s := range c.rates {
		snap.rates[key] = rateValue{name: nameOf(key), tags: s.tags, trues: s.trues.Load(), total: s.total.Load()}
	}
	raw := make(map[string][]time.Duration, len(c.distributions))
	for key, s := range c.distributions {
		raw[key] = s.copySamples()
		snap.distributions[key] = distributionValue{name: nameOf(key), tags: s.tags}
	}
	c.seriesMu.RUnlock()

	c.applyMu.Unlock()

	// Sorting happens outside the barrier so writers are not held up.
	for key, samples := range raw {
		dv := snap.distributions[key]
		dv.samples = samples
		snap.distributions[key] = dv
	}

	now := time.Now()
	snap.Timestamp = now
	snap.StartTime = c.startTime
	snap.Elapsed = now.Sub(c.startTime)
	snap.ActiveVUs = c.GetActiveVUs()
	snap.Phase = c.GetPhase()

	return snap
}

// Series lists every series currently known, sorted by key.
func (c *Collector) Series() []SeriesInfo {
	c.seriesMu.RLock()
	defer c.seriesMu.RUnlock()

	infos := make([]SeriesInfo, 0, len(c.counters)+len(c.rates)+len(c.distributions))
	for key, s := range c.counters {
		infos = append(infos, SeriesInfo{Name: nameOf(key), Tags: s.tags, Type: TypeCounter})
	}
	for key, s := range c.rates {
		infos = append(infos, SeriesInfo{Name: nameOf(key), Tags: s.tags, Type: TypeRate})
	}
	for key, s := range c.distributions {
		infos = append(infos, SeriesInfo{Name: nameOf(key), Tags: s.tags, Type: TypeDistribution})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Key() < infos[j].Key() })
	return infos
}

// PeakRPS returns the highest per-interval request rate seen so far.
func (c *Collector) PeakRPS() float64 {
	return c.bucketStore.PeakRPS()
}
