package metrics

import (
	"sync"
	"time"
)

// TimeBucketStore keeps the live per-interval buckets in a ring buffer.
//
// Buckets are emitted even when no request completed in the interval, so the
// series has no gaps. Once full, the oldest bucket is overwritten.
type TimeBucketStore struct {
	buckets    []*TimeBucket
	head       int // next write position
	count      int
	maxBuckets int
	mu         sync.RWMutex

	lastBucketTime     time.Time
	lastBucketRequests int64
	lastBucketErrors   int64
}

// bucketInput carries the cumulative figures a bucket is derived from.
type bucketInput struct {
	totalRequests int64
	totalErrors   int64
	totalTimeouts int64
	p50, p95, p99 time.Duration
	activeVUs     int
	phase         Phase
}

// NewTimeBucketStore creates a store holding at most maxBuckets buckets.
func NewTimeBucketStore(maxBuckets int) *TimeBucketStore {
	if maxBuckets <= 0 {
		maxBuckets = 3600
	}

	return &TimeBucketStore{
		buckets:        make([]*TimeBucket, maxBuckets),
		maxBuckets:     maxBuckets,
		lastBucketTime: time.Now(),
	}
}

// CreateBucket appends a bucket. Interval figures are the difference between
// the given cumulative totals and those of the previous bucket.
func (tbs *TimeBucketStore) CreateBucket(in bucketInput) *TimeBucket {
	tbs.mu.Lock()
	defer tbs.mu.Unlock()

	now := time.Now()

	intervalRequests := in.totalRequests - tbs.lastBucketRequests
	intervalErrors := in.totalErrors - tbs.lastBucketErrors

	elapsed := now.Sub(tbs.lastBucketTime).Seconds()
	if elapsed <= 0 {
		elapsed = 1.0
	}

	intervalErrorRate := 0.0
	if intervalRequests > 0 {
		intervalErrorRate = float64(intervalErrors) / float64(intervalRequests)
	}

	bucket := &TimeBucket{
		Timestamp:         now,
		TotalRequests:     in.totalRequests,
		TotalErrors:       in.totalErrors,
		TotalTimeouts:     in.totalTimeouts,
		IntervalRequests:  intervalRequests,
		IntervalRPS:       float64(intervalRequests) / elapsed,
		IntervalErrorRate: intervalErrorRate,
		LatencyP50:        in.p50,
		LatencyP95:        in.p95,
		LatencyP99:        in.p99,
		ActiveVUs:         in.activeVUs,
		Phase:             in.phase,
	}

	tbs.buckets[tbs.head] = bucket
	tbs.head = (tbs.head + 1) % tbs.maxBuckets
	if tbs.count < tbs.maxBuckets {
		tbs.count++
	}

	tbs.lastBucketTime = now
	tbs.lastBucketRequests = in.totalRequests
	tbs.lastBucketErrors = in.totalErrors

	return bucket
}

// GetBuckets returns all buckets in chronological order.
func (tbs *TimeBucketStore) GetBuckets() []*TimeBucket {
	tbs.mu.RLock()
	defer tbs.mu.RUnlock()

	if tbs.count == 0 {
		return nil
	}

	result := make([]*TimeBucket, tbs.count)
	start := 0
	if tbs.count == tbs.maxBuckets {
		start = tbs.head
	}
	for i := 0; i < tbs.count; i++ {
		result[i] = tbs.buckets[(start+i)%tbs.maxBuckets]
	}

	return result
}

// GetLatestBucket returns the most recent bucket, or nil if none.
func (tbs *TimeBucketStore) GetLatestBucket() *TimeBucket {
	tbs.mu.RLock()
	defer tbs.mu.RUnlock()

	if tbs.count == 0 {
		return nil
	}

	idx := (tbs.head - 1 + tbs.maxBuckets) % tbs.maxBuckets
	return tbs.buckets[idx]
}

// PeakRPS returns the highest interval RPS seen.
func (tbs *TimeBucketStore) PeakRPS() float64 {
	peak := 0.0
	for _, b := range tbs.GetBuckets() {
		if b.IntervalRPS > peak {
			peak = b.IntervalRPS
		}
	}
	return peak
}
