package threshold

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rampgate/rampgate/internal/performance/metrics"
)

// RuleResult is the outcome of one rule.
type RuleResult struct {
	Rule     *Rule   `json:"-"`
	Source   string  `json:"source"`
	Passed   bool    `json:"passed"`
	Observed float64 `json:"observed"`
	Value    string  `json:"value"`
	Message  string  `json:"message,omitempty"`
}

// Verdict is the AND of every rule result.
type Verdict struct {
	Passed  bool         `json:"passed"`
	Results []RuleResult `json:"results,omitempty"`
}

// Failed returns the results that did not pass.
func (v Verdict) Failed() []RuleResult {
	var out []RuleResult
	for _, r := range v.Results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

// Evaluator holds an immutable rule set.
type Evaluator struct {
	rules []*Rule
}

// NewEvaluator parses every definition, keyed by metric key. All parse
// errors are reported together. Rules are ordered by metric key.
func NewEvaluator(defs map[string][]Definition) (*Evaluator, error) {
	keys := make([]string, 0, len(defs))
	for k := range defs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var rules []*Rule
	var errs []error
	for _, key := range keys {
		for _, def := range defs[key] {
			rule, err := Parse(key, def)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			rules = append(rules, rule)
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &Evaluator{rules: rules}, nil
}

// Rules returns the rule set.
func (e *Evaluator) Rules() []*Rule {
	return e.rules
}

// HasAbortRules reports whether any rule can abort the run early.
func (e *Evaluator) HasAbortRules() bool {
	for _, r := range e.rules {
		if r.AbortOnFail {
			return true
		}
	}
	return false
}

// Evaluate checks every rule against snap. A rule set with no rules passes.
func (e *Evaluator) Evaluate(snap *metrics.Snapshot) Verdict {
	v := Verdict{Passed: true, Results: make([]RuleResult, 0, len(e.rules))}
	for _, r := range e.rules {
		res := EvaluateRule(r, snap)
		if !res.Passed {
			v.Passed = false
		}
		v.Results = append(v.Results, res)
	}
	return v
}

// ShouldAbort evaluates the abortOnFail rules whose delay has elapsed and
// returns the first failing one.
func (e *Evaluator) ShouldAbort(snap *metrics.Snapshot) (RuleResult, bool) {
	for _, r := range e.rules {
		if !r.AbortOnFail || snap.Elapsed < r.DelayAbortEval {
			continue
		}
		if res := EvaluateRule(r, snap); !res.Passed {
			return res, true
		}
	}
	return RuleResult{}, false
}

// EvaluateRule applies one rule to the series matching its selector.
func EvaluateRule(r *Rule, snap *metrics.Snapshot) RuleResult {
	observed, display := observe(r, snap)

	res := RuleResult{
		Rule:     r,
		Source:   r.Source,
		Observed: observed,
		Value:    display,
		Passed:   compareValues(observed, r.Operator, r.Value),
	}
	if !res.Passed {
		res.Message = fmt.Sprintf("%s is %s, threshold: %s %s", r.label(), display, r.Operator, r.formatValue(r.Value))
	}
	return res
}

func observe(r *Rule, snap *metrics.Snapshot) (float64, string) {
	switch r.Type {
	case metrics.TypeCounter:
		count := snap.Counter(r.Metric, r.Selector)
		if r.Aggregation == AggRate {
			perSec := 0.0
			if secs := snap.Elapsed.Seconds(); secs > 0 {
				perSec = float64(count) / secs
			}
			return perSec, fmt.Sprintf("%.2f/s", perSec)
		}
		return float64(count), fmt.Sprintf("%d", count)

	case metrics.TypeRate:
		rv := snap.Rate(r.Metric, r.Selector)
		return rv.Value(), fmt.Sprintf("%.4f (%d/%d)", rv.Value(), rv.Trues, rv.Total)

	case metrics.TypeDistribution:
		stats := snap.Distribution(r.Metric, r.Selector)
		var d time.Duration
		switch r.Aggregation {
		case AggCount:
			return float64(stats.Count()), fmt.Sprintf("%d", stats.Count())
		case AggPercentile:
			d = stats.Percentile(r.Percentile)
		case AggAvg:
			d = stats.Mean()
		case AggMed:
			d = stats.Median()
		case AggMin:
			d = stats.Min()
		case AggMax:
			d = stats.Max()
		}
		return toMillis(d), d.String()
	}

	return 0, "n/a"
}

func toMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// label is the aggregation as written, e.g. "p(95)".
func (r *Rule) label() string {
	if r.Aggregation == AggPercentile {
		return fmt.Sprintf("p(%g)", r.Percentile)
	}
	return string(r.Aggregation)
}

func (r *Rule) formatValue(v float64) string {
	if isDuration(r.Type, r.Aggregation) {
		return time.Duration(v * float64(time.Millisecond)).String()
	}
	return fmt.Sprintf("%g", v)
}
