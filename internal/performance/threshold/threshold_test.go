package threshold_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rampgate/rampgate/internal/performance/metrics"
	"github.com/rampgate/rampgate/internal/performance/threshold"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		expr    string
		metric  string
		sel     *metrics.Tag
		agg     threshold.Aggregation
		pct     float64
		op      string
		value   float64
		wantErr bool
	}{
		{
			name: "percentile with selector", key: "http_req_duration{status:200}", expr: "p(95)<3000",
			metric: "http_req_duration", sel: &metrics.Tag{Key: "status", Value: "200"},
			agg: threshold.AggPercentile, pct: 95, op: "<", value: 3000,
		},
		{
			name: "short percentile with duration literal", key: "http_req_duration", expr: "p95 < 3s",
			metric: "http_req_duration", agg: threshold.AggPercentile, pct: 95, op: "<", value: 3000,
		},
		{
			name: "fractional percentile", key: "http_req_duration", expr: "p(99.9)<=500ms",
			metric: "http_req_duration", agg: threshold.AggPercentile, pct: 99.9, op: "<=", value: 500,
		},
		{
			name: "rate", key: "error_rate", expr: "rate<0.05",
			metric: "error_rate", agg: threshold.AggRate, op: "<", value: 0.05,
		},
		{
			name: "counter count", key: "timeouts_total", expr: "count == 0",
			metric: "timeouts_total", agg: threshold.AggCount, op: "==", value: 0,
		},
		{
			name: "distribution avg", key: "http_req_duration", expr: "avg<=200",
			metric: "http_req_duration", agg: threshold.AggAvg, op: "<=", value: 200,
		},
		{name: "unknown metric", key: "nope", expr: "rate<1", wantErr: true},
		{name: "percentile on rate", key: "error_rate", expr: "p(95)<1", wantErr: true},
		{name: "avg on counter", key: "http_reqs", expr: "avg<1", wantErr: true},
		{name: "bad operator", key: "error_rate", expr: "rate<<0.05", wantErr: true},
		{name: "bad value", key: "error_rate", expr: "rate<abc", wantErr: true},
		{name: "percentile out of range", key: "http_req_duration", expr: "p(150)<1", wantErr: true},
		{name: "bad selector", key: "http_req_duration{status}", expr: "p(95)<1", wantErr: true},
		{name: "multi-tag selector", key: "http_req_duration{status:200,method:GET}", expr: "p(95)<3000", wantErr: true},
		{name: "nested colon selector", key: "http_req_duration{status:200:201}", expr: "p(95)<3000", wantErr: true},
		{name: "garbage", key: "error_rate", expr: "whatever", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, err := threshold.Parse(tt.key, threshold.Definition{Threshold: tt.expr})
			if tt.wantErr {
				require.Error(t, err)
				var pe *threshold.ParseError
				assert.True(t, errors.As(err, &pe), "expected *ParseError, got %T", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.metric, rule.Metric)
			assert.Equal(t, tt.sel, rule.Selector)
			assert.Equal(t, tt.agg, rule.Aggregation)
			assert.Equal(t, tt.pct, rule.Percentile)
			assert.Equal(t, tt.op, rule.Operator)
			assert.InDelta(t, tt.value, rule.Value, 1e-9)
		})
	}
}

func TestNewEvaluator_CollectsErrors(t *testing.T) {
	_, err := threshold.NewEvaluator(map[string][]threshold.Definition{
		"error_rate": {{Threshold: "rate<0.05"}, {Threshold: "p(95)<1"}},
		"bogus":      {{Threshold: "count<1"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "p(95)<1")
	assert.Contains(t, err.Error(), "bogus")
}

func TestNewEvaluator_RejectsMultiTagSelector(t *testing.T) {
	_, err := threshold.NewEvaluator(map[string][]threshold.Definition{
		"http_req_duration{status:200,method:GET}": {{Threshold: "p(95)<3000"}},
	})
	require.Error(t, err)

	var pe *threshold.ParseError
	require.True(t, errors.As(err, &pe))
	assert.Contains(t, pe.Message, "exactly one key:value tag")
}

func errorRateSnapshot(t *testing.T, failures, total int) *metrics.Snapshot {
	t.Helper()
	c := metrics.NewCollector()
	t.Cleanup(c.Stop)
	for i := 0; i < total; i++ {
		c.RecordRateEvent(metrics.ErrorRate, i < failures)
	}
	return c.Snapshot()
}

func TestEvaluate_RateBoundary(t *testing.T) {
	ev, err := threshold.NewEvaluator(map[string][]threshold.Definition{
		"error_rate": {{Threshold: "rate<0.05"}},
	})
	require.NoError(t, err)

	tests := []struct {
		failures, total int
		pass            bool
	}{
		{0, 10, true},
		{1, 21, true},
		{1, 20, false}, // exactly 0.05
		{1, 10, false},
		{0, 0, true},
	}

	for _, tt := range tests {
		v := ev.Evaluate(errorRateSnapshot(t, tt.failures, tt.total))
		assert.Equal(t, tt.pass, v.Passed, "%d/%d", tt.failures, tt.total)
		require.Len(t, v.Results, 1)
		if !tt.pass {
			assert.NotEmpty(t, v.Results[0].Message)
			assert.Len(t, v.Failed(), 1)
		}
	}
}

func TestEvaluate_SelectorFiltersSamples(t *testing.T) {
	c := metrics.NewCollector()
	defer c.Stop()

	for i := 0; i < 20; i++ {
		c.RecordSample(metrics.HTTPReqDuration, 100*time.Millisecond, metrics.StatusTag(200))
	}
	// Timeouts are tagged status:none and must not leak into the 200 series.
	for i := 0; i < 20; i++ {
		c.RecordSample(metrics.HTTPReqDuration, 5*time.Second, metrics.StatusTag(0))
	}

	ev, err := threshold.NewEvaluator(map[string][]threshold.Definition{
		"http_req_duration{status:200}": {{Threshold: "p(95)<3000"}},
		"http_req_duration":             {{Threshold: "p(95)<3000"}},
	})
	require.NoError(t, err)

	v := ev.Evaluate(c.Snapshot())
	assert.False(t, v.Passed)
	require.Len(t, v.Results, 2)

	// Sorted by metric key: unfiltered first.
	assert.False(t, v.Results[0].Passed)
	assert.InDelta(t, 5000, v.Results[0].Observed, 0.001)
	assert.True(t, v.Results[1].Passed)
	assert.InDelta(t, 100, v.Results[1].Observed, 0.001)
}

func TestEvaluate_PercentileIsDeterministic(t *testing.T) {
	c := metrics.NewCollector()
	defer c.Stop()
	for i := 1; i <= 37; i++ {
		c.RecordSample(metrics.HTTPReqDuration, time.Duration(i*13)*time.Millisecond, metrics.StatusTag(200))
	}
	snap := c.Snapshot()

	rule, err := threshold.Parse("http_req_duration", threshold.Definition{Threshold: "p(95)<3000"})
	require.NoError(t, err)

	first := threshold.EvaluateRule(rule, snap)
	second := threshold.EvaluateRule(rule, snap)
	assert.Equal(t, first.Observed, second.Observed)
}

func TestEvaluate_EmptyRuleSetPasses(t *testing.T) {
	ev, err := threshold.NewEvaluator(nil)
	require.NoError(t, err)
	assert.True(t, ev.Evaluate(errorRateSnapshot(t, 5, 5)).Passed)
}

func TestEvaluate_CounterRate(t *testing.T) {
	c := metrics.NewCollector()
	defer c.Stop()
	c.IncrementCounter(metrics.HTTPReqs, metrics.StatusTag(200))

	rule, err := threshold.Parse("http_reqs", threshold.Definition{Threshold: "rate>0"})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	res := threshold.EvaluateRule(rule, c.Snapshot())
	assert.True(t, res.Passed)
	assert.Greater(t, res.Observed, 0.0)
}

func TestShouldAbort(t *testing.T) {
	snap := errorRateSnapshot(t, 5, 10)

	delayed, err := threshold.NewEvaluator(map[string][]threshold.Definition{
		"error_rate": {{Threshold: "rate<0.05", AbortOnFail: true, DelayAbortEval: time.Hour}},
	})
	require.NoError(t, err)
	_, abort := delayed.ShouldAbort(snap)
	assert.False(t, abort, "delayAbortEval has not elapsed")

	passive, err := threshold.NewEvaluator(map[string][]threshold.Definition{
		"error_rate": {{Threshold: "rate<0.05"}},
	})
	require.NoError(t, err)
	_, abort = passive.ShouldAbort(snap)
	assert.False(t, abort, "rule without abortOnFail")
	assert.False(t, passive.HasAbortRules())

	immediate, err := threshold.NewEvaluator(map[string][]threshold.Definition{
		"error_rate": {{Threshold: "rate<0.05", AbortOnFail: true}},
	})
	require.NoError(t, err)
	res, abort := immediate.ShouldAbort(snap)
	assert.True(t, abort)
	assert.Equal(t, "error_rate: rate<0.05", res.Source)
	assert.True(t, immediate.HasAbortRules())
}
