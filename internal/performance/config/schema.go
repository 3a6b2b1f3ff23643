// Package config provides configuration parsing and validation for a rampgate run.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// TestConfig is the root configuration for a ramp run.
//
// Example YAML:
//
//	name: tweets-breakpoint
//	target:
//	  url: http://localhost:8080/tweets
//	  query: {count: "20"}
//	  timeout: 5000ms
//	  listField: tweets
//	stages:
//	  - {duration: 15s, target: 10}
//	  - {duration: 20s, target: 0}
//	thresholds:
//	  "http_req_duration{status:200}": ["p(95)<3000"]
//	  error_rate:
//	    - threshold: rate<0.05
//	      abortOnFail: true
//	      delayAbortEval: 10s
type TestConfig struct {
	// Name of the run (for reporting)
	Name string `json:"name" yaml:"name"`

	// Description of the run (optional)
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Target is the endpoint every VU hits
	Target TargetConfig `json:"target" yaml:"target"`

	// HTTP tunes the shared client
	HTTP HTTPSettings `json:"http,omitempty" yaml:"http,omitempty"`

	// Stages is the ramp profile
	Stages []StageConfig `json:"stages" yaml:"stages"`

	// GracefulStop bounds the drain after the last stage
	GracefulStop Duration `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// AdjustInterval is the scheduler tick
	AdjustInterval Duration `json:"adjustInterval,omitempty" yaml:"adjustInterval,omitempty"`

	// Thresholds maps a metric key ("name" or "name{tag:value}") to its rules
	Thresholds map[string]ThresholdList `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
}

// TargetConfig describes the request each iteration issues.
type TargetConfig struct {
	// URL of the endpoint, with or without a query string
	URL string `json:"url" yaml:"url"`

	// Query parameters merged into the URL
	Query map[string]string `json:"query,omitempty" yaml:"query,omitempty"`

	// Timeout is the per-request deadline
	Timeout Timeout `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// ListField is the JSON path of the array a 200 body must carry.
	// Empty disables the body check.
	ListField string `json:"listField,omitempty" yaml:"listField,omitempty"`

	// Schema is an optional JSON Schema file applied to 200 bodies
	Schema string `json:"schema,omitempty" yaml:"schema,omitempty"`

	// Headers sent with every request
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// HTTPSettings contains connection pool settings for the shared client.
type HTTPSettings struct {
	MaxIdleConns        int      `json:"maxIdleConns,omitempty" yaml:"maxIdleConns,omitempty"`
	MaxIdleConnsPerHost int      `json:"maxIdleConnsPerHost,omitempty" yaml:"maxIdleConnsPerHost,omitempty"`
	MaxConnsPerHost     int      `json:"maxConnsPerHost,omitempty" yaml:"maxConnsPerHost,omitempty"`
	IdleConnTimeout     Duration `json:"idleConnTimeout,omitempty" yaml:"idleConnTimeout,omitempty"`
	DisableKeepAlives   bool     `json:"disableKeepAlives,omitempty" yaml:"disableKeepAlives,omitempty"`
	InsecureSkipVerify  bool     `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`
}

// StageConfig defines a single stage of the ramp.
type StageConfig struct {
	// Duration of this stage (e.g., "30s", "2m")
	Duration Duration `json:"duration" yaml:"duration"`

	// Target VU count reached at the end of the stage
	Target int `json:"target" yaml:"target"`

	// Name is an optional name for this stage (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// ThresholdConfig is one threshold rule. It can be written as a bare
// expression string or as an object carrying abort options.
type ThresholdConfig struct {
	Threshold      string   `json:"threshold" yaml:"threshold"`
	AbortOnFail    bool     `json:"abortOnFail,omitempty" yaml:"abortOnFail,omitempty"`
	DelayAbortEval Duration `json:"delayAbortEval,omitempty" yaml:"delayAbortEval,omitempty"`
}

// thresholdObject avoids recursing into the custom unmarshalers.
type thresholdObject ThresholdConfig

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *ThresholdConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*t = ThresholdConfig{Threshold: value.Value}
		return nil
	}
	var obj thresholdObject
	if err := value.Decode(&obj); err != nil {
		return err
	}
	*t = ThresholdConfig(obj)
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *ThresholdConfig) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = ThresholdConfig{Threshold: s}
		return nil
	}
	var obj thresholdObject
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*t = ThresholdConfig(obj)
	return nil
}

// ThresholdList is the rule list of one metric key. A single rule may be
// written without the surrounding list.
type ThresholdList []ThresholdConfig

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *ThresholdList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		var one ThresholdConfig
		if err := value.Decode(&one); err != nil {
			return err
		}
		*l = ThresholdList{one}
		return nil
	}
	var many []ThresholdConfig
	if err := value.Decode(&many); err != nil {
		return err
	}
	*l = many
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *ThresholdList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] != '[' {
		var one ThresholdConfig
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		*l = ThresholdList{one}
		return nil
	}
	var many []ThresholdConfig
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

// Duration is a time.Duration that can be unmarshaled from JSON/YAML strings.
// Bare integers are read as seconds.
type Duration time.Duration

// GetDuration returns the duration or a default if empty.
func (d Duration) GetDuration(defaultValue time.Duration) time.Duration {
	if d == 0 {
		return defaultValue
	}
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	return d.set(unquote(b))
}

// unquote strips the quotes of a JSON string and maps null to "".
func unquote(b []byte) string {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "null" {
		s = ""
	}
	return s
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	return d.set(value.Value)
}

func (d *Duration) set(s string) error {
	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// Timeout is a Duration whose bare integers are read as milliseconds, so
// "timeout: 5000" is five seconds.
type Timeout Duration

// GetDuration returns the timeout or a default if empty.
func (t Timeout) GetDuration(defaultValue time.Duration) time.Duration {
	return Duration(t).GetDuration(defaultValue)
}

// MarshalJSON implements json.Marshaler.
func (t Timeout) MarshalJSON() ([]byte, error) {
	return Duration(t).MarshalJSON()
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timeout) UnmarshalJSON(b []byte) error {
	return t.set(unquote(b))
}

// MarshalYAML implements yaml.Marshaler.
func (t Timeout) MarshalYAML() (interface{}, error) {
	return Duration(t).MarshalYAML()
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *Timeout) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: timeout must be a scalar", value.Line)
	}
	return t.set(value.Value)
}

func (t *Timeout) set(s string) error {
	dur, err := ParseTimeoutString(s)
	if err != nil {
		return err
	}
	*t = Timeout(dur)
	return nil
}

// String returns the timeout as a string.
func (t Timeout) String() string {
	return time.Duration(t).String()
}

// ParseTimeoutString parses a request timeout. It accepts every Go duration
// and reads a bare integer as milliseconds.
func ParseTimeoutString(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(s)
	if err == nil {
		return d, nil
	}

	ms, convErr := strconv.Atoi(s)
	if convErr == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}

	return 0, fmt.Errorf("invalid timeout format: %s", s)
}

// ParseDurationString parses a duration string with support for common formats.
//
// Supported formats:
//   - Standard Go duration: "30s", "2m", "1h30m", "5000ms"
//   - Seconds as integer: "30" (treated as 30 seconds)
func ParseDurationString(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(s)
	if err == nil {
		return d, nil
	}

	seconds, convErr := strconv.Atoi(s)
	if convErr == nil {
		return time.Duration(seconds) * time.Second, nil
	}

	return 0, fmt.Errorf("invalid duration format: %s", s)
}
