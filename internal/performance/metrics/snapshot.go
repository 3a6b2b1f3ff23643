package metrics

import (
	"sort"
	"time"
)

type counterValue struct {
	name  string
	tags  []Tag
	value int64
}

type rateValue struct {
	name  string
	tags  []Tag
	trues int64
	total int64
}

type distributionValue struct {
	name    string
	tags    []Tag
	samples []time.Duration
}

// RateValue is the aggregate of one or more rate series.
type RateValue struct {
	Trues int64 `json:"trues"`
	Total int64 `json:"total"`
}

// Value returns Trues/Total, or 0 when nothing was recorded.
func (r RateValue) Value() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Trues) / float64(r.Total)
}

// Snapshot is an immutable view of a collector at one instant.
//
// Every query takes an optional selector. A nil selector aggregates all tag
// variants of the metric; a non-nil one keeps only series carrying that tag.
type Snapshot struct {
	Timestamp time.Time
	StartTime time.Time
	Elapsed   time.Duration
	ActiveVUs int
	Phase     Phase

	counters      map[string]counterValue
	rates         map[string]rateValue
	distributions map[string]distributionValue
}

// Counter sums the matching counter series.
func (s *Snapshot) Counter(name string, sel *Tag) int64 {
	var total int64
	for _, c := range s.counters {
		if c.name == name && hasTag(c.tags, sel) {
			total += c.value
		}
	}
	return total
}

// Rate sums the matching rate series.
func (s *Snapshot) Rate(name string, sel *Tag) RateValue {
	var rv RateValue
	for _, r := range s.rates {
		if r.name == name && hasTag(r.tags, sel) {
			rv.Trues += r.trues
			rv.Total += r.total
		}
	}
	return rv
}

// Distribution merges the matching distribution series.
func (s *Snapshot) Distribution(name string, sel *Tag) DistributionStats {
	var n int
	for _, d := range s.distributions {
		if d.name == name && hasTag(d.tags, sel) {
			n += len(d.samples)
		}
	}

	merged := make([]time.Duration, 0, n)
	for _, d := range s.distributions {
		if d.name == name && hasTag(d.tags, sel) {
			merged = append(merged, d.samples...)
		}
	}
	return newSortedStats(merged)
}

// Series lists the series captured by the snapshot, sorted by key.
func (s *Snapshot) Series() []SeriesInfo {
	infos := make([]SeriesInfo, 0, len(s.counters)+len(s.rates)+len(s.distributions))
	for _, c := range s.counters {
		infos = append(infos, SeriesInfo{Name: c.name, Tags: c.tags, Type: TypeCounter})
	}
	for _, r := range s.rates {
		infos = append(infos, SeriesInfo{Name: r.name, Tags: r.tags, Type: TypeRate})
	}
	for _, d := range s.distributions {
		infos = append(infos, SeriesInfo{Name: d.name, Tags: d.tags, Type: TypeDistribution})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key() < infos[j].Key() })
	return infos
}

// RequestRate returns completed requests per second over the elapsed time.
func (s *Snapshot) RequestRate() float64 {
	secs := s.Elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(s.Counter(HTTPReqs, nil)) / secs
}

// SeriesValue is the state of one series inside a snapshot.
type SeriesValue struct {
	SeriesInfo

	// Counter value for counters
	Value int64

	// Rate tallies for rates
	Rate RateValue

	// Frozen samples for distributions
	Distribution DistributionStats
}

// Values returns every series with its value, sorted by key.
func (s *Snapshot) Values() []SeriesValue {
	out := make([]SeriesValue, 0, len(s.counters)+len(s.rates)+len(s.distributions))
	for _, c := range s.counters {
		out = append(out, SeriesValue{
			SeriesInfo: SeriesInfo{Name: c.name, Tags: c.tags, Type: TypeCounter},
			Value:      c.value,
		})
	}
	for _, r := range s.rates {
		out = append(out, SeriesValue{
			SeriesInfo: SeriesInfo{Name: r.name, Tags: r.tags, Type: TypeRate},
			Rate:       RateValue{Trues: r.trues, Total: r.total},
		})
	}
	for _, d := range s.distributions {
		out = append(out, SeriesValue{
			SeriesInfo:   SeriesInfo{Name: d.name, Tags: d.tags, Type: TypeDistribution},
			Distribution: NewDistributionStats(d.samples),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}
