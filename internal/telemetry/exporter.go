// Package telemetry exposes a running collector in the Prometheus text format.
package telemetry

import (
	"regexp"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rampgate/rampgate/internal/performance/metrics"
)

const namespace = "rampgate"

// Summary quantiles published for distributions.
var quantiles = []float64{0.5, 0.9, 0.95, 0.99}

// Source is anything that can produce a consistent snapshot.
type Source interface {
	Snapshot() *metrics.Snapshot
}

// Exporter is a prometheus.Collector that translates one collector snapshot
// per scrape.
//
// Counters become <name>_total counters, rates become a ratio gauge plus an
// events counter, and distributions become summaries in seconds. Tag keys
// turn into labels.
type Exporter struct {
	source Source

	activeVUs *prometheus.Desc
	elapsed   *prometheus.Desc
}

// NewExporter wraps source.
func NewExporter(source Source) *Exporter {
	return &Exporter{
		source: source,
		activeVUs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "active_vus"),
			"Virtual users currently running or draining.",
			nil, nil,
		),
		elapsed: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "elapsed_seconds"),
			"Seconds since the run started.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector. Series appear while the run
// discovers new status codes, so the exporter is unchecked.
func (e *Exporter) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	snap := e.source.Snapshot()

	ch <- prometheus.MustNewConstMetric(e.activeVUs, prometheus.GaugeValue, float64(snap.ActiveVUs))
	ch <- prometheus.MustNewConstMetric(e.elapsed, prometheus.GaugeValue, snap.Elapsed.Seconds())

	values := snap.Values()
	labelKeys := labelKeysByName(values)

	for _, v := range values {
		keys := labelKeys[v.Name]
		labels := labelValues(v.Tags, keys)

		switch v.Type {
		case metrics.TypeCounter:
			desc := prometheus.NewDesc(counterName(v.Name), "Counter "+v.Name+".", keys, nil)
			ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v.Value), labels...)

		case metrics.TypeRate:
			ratio := prometheus.NewDesc(metricName(v.Name), "Fraction of true events of rate "+v.Name+".", keys, nil)
			ch <- prometheus.MustNewConstMetric(ratio, prometheus.GaugeValue, v.Rate.Value(), labels...)

			events := prometheus.NewDesc(metricName(v.Name)+"_events_total", "Events recorded into rate "+v.Name+".", keys, nil)
			ch <- prometheus.MustNewConstMetric(events, prometheus.CounterValue, float64(v.Rate.Total), labels...)

		case metrics.TypeDistribution:
			d := v.Distribution
			q := make(map[float64]float64, len(quantiles))
			for _, p := range quantiles {
				q[p] = d.Percentile(p * 100).Seconds()
			}
			desc := prometheus.NewDesc(metricName(v.Name)+"_seconds", "Distribution "+v.Name+" in seconds.", keys, nil)
			ch <- prometheus.MustNewConstSummary(desc, uint64(d.Count()), d.Sum().Seconds(), q, labels...)
		}
	}
}

var invalidChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

func sanitize(s string) string {
	s = invalidChars.ReplaceAllString(s, "_")
	if s != "" && s[0] >= '0' && s[0] <= '9' {
		s = "_" + s
	}
	return s
}

func metricName(name string) string {
	return prometheus.BuildFQName(namespace, "", sanitize(name))
}

func counterName(name string) string {
	n := metricName(name)
	if strings.HasSuffix(n, "_total") {
		return n
	}
	return n + "_total"
}

// labelKeysByName collects the union of tag keys per metric name so every
// series of a name carries the same label set.
func labelKeysByName(values []metrics.SeriesValue) map[string][]string {
	sets := make(map[string]map[string]struct{})
	for _, v := range values {
		set, ok := sets[v.Name]
		if !ok {
			set = make(map[string]struct{})
			sets[v.Name] = set
		}
		for _, t := range v.Tags {
			set[sanitize(t.Key)] = struct{}{}
		}
	}

	out := make(map[string][]string, len(sets))
	for name, set := range sets {
		keys := make([]string, 0, len(set))
		for k := range set {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out[name] = keys
	}
	return out
}

func labelValues(tags []metrics.Tag, keys []string) []string {
	values := make([]string, len(keys))
	for i, k := range keys {
		for _, t := range tags {
			if sanitize(t.Key) == k {
				values[i] = t.Value
				break
			}
		}
	}
	return values
}
