// Package threshold parses declarative pass/fail rules and evaluates them
// against metric snapshots.
package threshold

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rampgate/rampgate/internal/performance/metrics"
)

// Aggregation is the statistic a rule reads from its metric.
type Aggregation string

const (
	AggPercentile Aggregation = "p"
	AggAvg        Aggregation = "avg"
	AggMed        Aggregation = "med"
	AggMin        Aggregation = "min"
	AggMax        Aggregation = "max"
	AggCount      Aggregation = "count"
	AggRate       Aggregation = "rate"
)

// allowed lists the aggregations each metric type supports.
var allowed = map[metrics.Type][]Aggregation{
	metrics.TypeCounter:      {AggCount, AggRate},
	metrics.TypeRate:         {AggRate},
	metrics.TypeDistribution: {AggPercentile, AggAvg, AggMed, AggMin, AggMax, AggCount},
}

// Rule is one parsed threshold.
type Rule struct {
	Metric      string
	Selector    *metrics.Tag
	Type        metrics.Type
	Aggregation Aggregation
	Percentile  float64 // only for AggPercentile
	Operator    string
	// Value is milliseconds for duration aggregations of a distribution,
	// the raw number otherwise.
	Value float64

	AbortOnFail    bool
	DelayAbortEval time.Duration

	// Source is "metric{tag:value}: expression", used in reports.
	Source string
}

// Definition is the unparsed form of a threshold as written in config.
type Definition struct {
	Threshold      string
	AbortOnFail    bool
	DelayAbortEval time.Duration
}

// ParseError reports an invalid threshold.
type ParseError struct {
	Metric     string
	Expression string
	Message    string
}

func (e *ParseError) Error() string {
	if e.Expression == "" {
		return fmt.Sprintf("invalid threshold on %q: %s", e.Metric, e.Message)
	}
	return fmt.Sprintf("invalid threshold %q on %q: %s", e.Expression, e.Metric, e.Message)
}

var (
	metricKeyRe  = regexp.MustCompile(`^\s*(\w+)\s*(?:\{\s*([^{}]*?)\s*\})?\s*$`)
	expressionRe = regexp.MustCompile(`^([\w().\s]+?)\s*([<>=!]+)\s*(.+)$`)
	percentileRe = regexp.MustCompile(`^p\(?\s*(\d+(?:\.\d+)?)\s*\)?$`)
)

// ParseMetricKey splits "name{tag:value}" into the metric name and selector.
func ParseMetricKey(key string) (string, *metrics.Tag, error) {
	m := metricKeyRe.FindStringSubmatch(key)
	if m == nil {
		return "", nil, &ParseError{Metric: key, Message: "expected name or name{tag:value}"}
	}
	if m[2] == "" {
		return m[1], nil, nil
	}

	tag, err := metrics.ParseTag(m[2])
	if err != nil {
		return "", nil, &ParseError{Metric: key, Message: err.Error()}
	}
	return m[1], &tag, nil
}

// Parse builds a rule for the built-in metrics.
func Parse(metricKey string, def Definition) (*Rule, error) {
	return ParseWithTypes(metricKey, def, metrics.BuiltinTypes)
}

// ParseWithTypes builds a rule, resolving the metric against types.
func ParseWithTypes(metricKey string, def Definition, types map[string]metrics.Type) (*Rule, error) {
	name, sel, err := ParseMetricKey(metricKey)
	if err != nil {
		return nil, err
	}

	typ, ok := types[name]
	if !ok {
		return nil, &ParseError{Metric: metricKey, Expression: def.Threshold, Message: "unknown metric"}
	}

	agg, pct, op, value, err := parseExpression(def.Threshold, typ)
	if err != nil {
		return nil, &ParseError{Metric: metricKey, Expression: def.Threshold, Message: err.Error()}
	}

	if def.DelayAbortEval < 0 {
		return nil, &ParseError{Metric: metricKey, Expression: def.Threshold, Message: "delayAbortEval must not be negative"}
	}

	return &Rule{
		Metric:         name,
		Selector:       sel,
		Type:           typ,
		Aggregation:    agg,
		Percentile:     pct,
		Operator:       op,
		Value:          value,
		AbortOnFail:    def.AbortOnFail,
		DelayAbortEval: def.DelayAbortEval,
		Source:         strings.TrimSpace(metricKey) + ": " + strings.TrimSpace(def.Threshold),
	}, nil
}

// parseExpression parses "p(95)<3000", "p95 < 3s", "rate<0.05" and friends.
func parseExpression(expr string, typ metrics.Type) (Aggregation, float64, string, float64, error) {
	expr = strings.TrimSpace(expr)

	m := expressionRe.FindStringSubmatch(expr)
	if m == nil {
		return "", 0, "", 0, fmt.Errorf("expected <aggregation> <operator> <value>")
	}
	aggText := strings.ReplaceAll(m[1], " ", "")
	op := m[2]
	valueText := strings.TrimSpace(m[3])

	if !validOperator(op) {
		return "", 0, "", 0, fmt.Errorf("unsupported operator %q", op)
	}

	var agg Aggregation
	var pct float64
	if pm := percentileRe.FindStringSubmatch(aggText); pm != nil {
		p, err := strconv.ParseFloat(pm[1], 64)
		if err != nil || p < 0 || p > 100 {
			return "", 0, "", 0, fmt.Errorf("percentile must be between 0 and 100")
		}
		agg, pct = AggPercentile, p
	} else {
		agg = Aggregation(aggText)
	}

	if !supports(typ, agg) {
		return "", 0, "", 0, fmt.Errorf("aggregation %q is not valid for a %s metric", aggText, typ)
	}

	value, err := parseValue(valueText, typ, agg)
	if err != nil {
		return "", 0, "", 0, err
	}

	return agg, pct, op, value, nil
}

func supports(typ metrics.Type, agg Aggregation) bool {
	for _, a := range allowed[typ] {
		if a == agg {
			return true
		}
	}
	return false
}

// isDuration reports whether an aggregation on typ yields a duration.
func isDuration(typ metrics.Type, agg Aggregation) bool {
	return typ == metrics.TypeDistribution && agg != AggCount
}

// parseValue reads the literal. Durations accept a bare number of
// milliseconds or a Go duration literal.
func parseValue(s string, typ metrics.Type, agg Aggregation) (float64, error) {
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}

	if isDuration(typ, agg) {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return float64(d) / float64(time.Millisecond), nil
	}

	return 0, fmt.Errorf("invalid number %q", s)
}

func validOperator(op string) bool {
	switch op {
	case "<", "<=", ">", ">=", "==", "=", "!=":
		return true
	default:
		return false
	}
}

// compareValues compares two values using the given operator.
func compareValues(actual float64, op string, threshold float64) bool {
	switch op {
	case "<":
		return actual < threshold
	case "<=":
		return actual <= threshold
	case ">":
		return actual > threshold
	case ">=":
		return actual >= threshold
	case "==", "=":
		return actual == threshold
	case "!=":
		return actual != threshold
	default:
		return false
	}
}
