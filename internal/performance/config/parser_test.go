package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseDurationString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{name: "standard seconds", input: "30s", expected: 30 * time.Second},
		{name: "standard minutes", input: "2m", expected: 2 * time.Minute},
		{name: "milliseconds", input: "5000ms", expected: 5 * time.Second},
		{name: "combined duration", input: "1h30m", expected: 90 * time.Minute},
		{name: "integer as seconds", input: "30", expected: 30 * time.Second},
		{name: "empty string", input: "", expected: 0},
		{name: "invalid format", input: "abc", wantErr: true},
		{name: "trailing garbage", input: "30abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDurationString(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseDurationString() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.expected {
				t.Errorf("ParseDurationString() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestParseTimeoutString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{name: "standard seconds", input: "5s", expected: 5 * time.Second},
		{name: "standard milliseconds", input: "250ms", expected: 250 * time.Millisecond},
		{name: "integer as milliseconds", input: "5000", expected: 5 * time.Second},
		{name: "empty string", input: "", expected: 0},
		{name: "invalid format", input: "soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimeoutString(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseTimeoutString() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.expected {
				t.Errorf("ParseTimeoutString() = %v, want %v", got, tt.expected)
			}
		})
	}
}

// A bare number for target.timeout is milliseconds while other durations
// keep reading bare numbers as seconds.
func TestParseConfig_BareTimeoutIsMilliseconds(t *testing.T) {
	yamlConfig := `
target:
  url: http://localhost:8080/tweets
  timeout: 5000
gracefulStop: 3
`
	cfg, err := ParseConfig([]byte(yamlConfig), "test.yaml")
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	if time.Duration(cfg.Target.Timeout) != 5*time.Second {
		t.Errorf("Target.Timeout = %v, want 5s", cfg.Target.Timeout)
	}
	if time.Duration(cfg.GracefulStop) != 3*time.Second {
		t.Errorf("GracefulStop = %v, want 3s", cfg.GracefulStop)
	}

	jsonConfig := `{"target": {"url": "http://localhost:8080/tweets", "timeout": 1500}}`
	cfg, err = ParseConfig([]byte(jsonConfig), "test.json")
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	if time.Duration(cfg.Target.Timeout) != 1500*time.Millisecond {
		t.Errorf("Target.Timeout = %v, want 1.5s", cfg.Target.Timeout)
	}

	if _, err := ParseConfig([]byte("target:
  timeout: later
"), "test.yaml"); err == nil {
		t.Error("expected error for invalid timeout")
	}
}

func TestParseConfig_YAML(t *testing.T) {
	yamlConfig := `
name: "tweets"
target:
  url: http://localhost:8080/tweets
  query:
    count: "20"
  timeout: 5000ms
  listField: tweets
  headers:
    Accept: application/json
http:
  maxConnsPerHost: 50
  insecureSkipVerify: true
stages:
  - duration: 15s
    target: 10
  - {duration: 20s, target: 0, name: cooldown}
gracefulStop: 10s
thresholds:
  "http_req_duration{status:200}": ["p(95)<3000"]
  error_rate:
    - threshold: rate<0.05
      abortOnFail: true
      delayAbortEval: 10s
  http_reqs: "count>100"
`

	cfg, err := ParseConfig([]byte(yamlConfig), "test.yaml")
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}

	if cfg.Name != "tweets" {
		t.Errorf("Name = %q, want %q", cfg.Name, "tweets")
	}
	if cfg.Target.URL != "http://localhost:8080/tweets" {
		t.Errorf("Target.URL = %q", cfg.Target.URL)
	}
	if cfg.Target.Query["count"] != "20" {
		t.Errorf("Target.Query[count] = %q, want 20", cfg.Target.Query["count"])
	}
	if time.Duration(cfg.Target.Timeout) != 5*time.Second {
		t.Errorf("Target.Timeout = %v, want 5s", cfg.Target.Timeout)
	}
	if cfg.Target.Headers["Accept"] != "application/json" {
		t.Errorf("Target.Headers = %v", cfg.Target.Headers)
	}
	if cfg.HTTP.MaxConnsPerHost != 50 || !cfg.HTTP.InsecureSkipVerify {
		t.Errorf("HTTP = %+v", cfg.HTTP)
	}

	if len(cfg.Stages) != 2 {
		t.Fatalf("len(Stages) = %d, want 2", len(cfg.Stages))
	}
	if time.Duration(cfg.Stages[0].Duration) != 15*time.Second || cfg.Stages[0].Target != 10 {
		t.Errorf("Stages[0] = %+v", cfg.Stages[0])
	}
	if cfg.Stages[1].Name != "cooldown" {
		t.Errorf("Stages[1].Name = %q, want cooldown", cfg.Stages[1].Name)
	}
	if time.Duration(cfg.GracefulStop) != 10*time.Second {
		t.Errorf("GracefulStop = %v, want 10s", cfg.GracefulStop)
	}

	if len(cfg.Thresholds) != 3 {
		t.Fatalf("len(Thresholds) = %d, want 3", len(cfg.Thresholds))
	}
	if got := cfg.Thresholds["http_req_duration{status:200}"]; len(got) != 1 || got[0].Threshold != "p(95)<3000" {
		t.Errorf("duration thresholds = %+v", got)
	}
	er := cfg.Thresholds["error_rate"]
	if len(er) != 1 || er[0].Threshold != "rate<0.05" || !er[0].AbortOnFail || time.Duration(er[0].DelayAbortEval) != 10*time.Second {
		t.Errorf("error_rate thresholds = %+v", er)
	}
	if got := cfg.Thresholds["http_reqs"]; len(got) != 1 || got[0].Threshold != "count>100" {
		t.Errorf("http_reqs thresholds = %+v", got)
	}
}

func TestParseConfig_JSON(t *testing.T) {
	jsonConfig := `{
		"name": "tweets",
		"target": {"url": "http://localhost:8080/tweets", "timeout": "2s"},
		"stages": [{"duration": "1m", "target": 5}],
		"thresholds": {
			"error_rate": ["rate<0.05", {"threshold": "rate<0.5", "abortOnFail": true}],
			"http_reqs": "count>1"
		}
	}`

	cfg, err := ParseConfig([]byte(jsonConfig), "test.json")
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}

	if time.Duration(cfg.Target.Timeout) != 2*time.Second {
		t.Errorf("Target.Timeout = %v, want 2s", cfg.Target.Timeout)
	}
	if len(cfg.Stages) != 1 || time.Duration(cfg.Stages[0].Duration) != time.Minute {
		t.Errorf("Stages = %+v", cfg.Stages)
	}
	er := cfg.Thresholds["error_rate"]
	if len(er) != 2 || er[0].Threshold != "rate<0.05" || er[0].AbortOnFail || !er[1].AbortOnFail {
		t.Errorf("error_rate thresholds = %+v", er)
	}
	if got := cfg.Thresholds["http_reqs"]; len(got) != 1 || got[0].Threshold != "count>1" {
		t.Errorf("http_reqs thresholds = %+v", got)
	}
}

func TestParseConfig_Invalid(t *testing.T) {
	if _, err := ParseConfig([]byte("stages: [\n"), "bad.yaml"); err == nil {
		t.Error("expected error for malformed YAML")
	}
	if _, err := ParseConfig([]byte("{"), "bad.json"); err == nil {
		t.Error("expected error for malformed JSON")
	}
	if _, err := ParseConfig([]byte("gracefulStop: soon"), "bad.yaml"); err == nil {
		t.Error("expected error for bad duration")
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yml")
	content := `
target:
  url: http://localhost:8080/tweets
  listField: tweets
  schema: tweets.schema.json
stages:
  - {duration: 1s, target: 1}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if want := filepath.Join(dir, "tweets.schema.json"); cfg.Target.Schema != want {
		t.Errorf("Target.Schema = %q, want %q", cfg.Target.Schema, want)
	}

	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &TestConfig{
		Target: TargetConfig{URL: "http://localhost:8080/tweets"},
		Stages: []StageConfig{{Duration: Duration(time.Second), Target: 1}},
	}
	ApplyDefaults(cfg)

	if cfg.Name != DefaultName {
		t.Errorf("Name = %q, want %q", cfg.Name, DefaultName)
	}
	if time.Duration(cfg.Target.Timeout) != DefaultTimeout {
		t.Errorf("Target.Timeout = %v, want %v", cfg.Target.Timeout, DefaultTimeout)
	}
	if time.Duration(cfg.GracefulStop) != DefaultGracefulStop {
		t.Errorf("GracefulStop = %v", cfg.GracefulStop)
	}
	if time.Duration(cfg.AdjustInterval) != DefaultAdjustInterval {
		t.Errorf("AdjustInterval = %v", cfg.AdjustInterval)
	}
	if cfg.HTTP.MaxIdleConnsPerHost != DefaultMaxIdleConnsPerHost {
		t.Errorf("HTTP.MaxIdleConnsPerHost = %d", cfg.HTTP.MaxIdleConnsPerHost)
	}
	if cfg.Stages[0].Name != "stage-1" {
		t.Errorf("Stages[0].Name = %q, want stage-1", cfg.Stages[0].Name)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default scenario invalid: %v", err)
	}

	wantTargets := []int{10, 50, 150, 300, 600, 1000, 1500, 1500, 0}
	if len(cfg.Stages) != len(wantTargets) {
		t.Fatalf("len(Stages) = %d, want %d", len(cfg.Stages), len(wantTargets))
	}
	for i, want := range wantTargets {
		if cfg.Stages[i].Target != want {
			t.Errorf("Stages[%d].Target = %d, want %d", i, cfg.Stages[i].Target, want)
		}
	}
	if got := cfg.TotalDuration(); got != 305*time.Second {
		t.Errorf("TotalDuration() = %v, want 5m5s", got)
	}
	if time.Duration(cfg.Target.Timeout) != 5*time.Second {
		t.Errorf("Target.Timeout = %v, want 5s", cfg.Target.Timeout)
	}

	target, err := cfg.BuildTarget()
	if err != nil {
		t.Fatalf("BuildTarget() error = %v", err)
	}
	if target.URL != "http://localhost:8080/tweets?count=20" {
		t.Errorf("target URL = %q", target.URL)
	}

	defs := cfg.ThresholdDefinitions()
	if len(defs["http_req_duration{status:200}"]) != 1 || len(defs["error_rate"]) != 1 {
		t.Errorf("thresholds = %+v", defs)
	}

	// Callers get their own copy.
	a, b := Default(), Default()
	a.Stages[0].Target = 99
	if b.Stages[0].Target == 99 {
		t.Error("Default() returned shared state")
	}
	if !strings.Contains(string(DefaultYAML()), "tweets-breakpoint") {
		t.Error("DefaultYAML() missing scenario name")
	}
}

func TestParseStages(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []StageConfig
		wantErr bool
	}{
		{
			name:  "three stages",
			input: "15s:10, 30s:50,20s:0",
			want: []StageConfig{
				{Duration: Duration(15 * time.Second), Target: 10, Name: "stage-1"},
				{Duration: Duration(30 * time.Second), Target: 50, Name: "stage-2"},
				{Duration: Duration(20 * time.Second), Target: 0, Name: "stage-3"},
			},
		},
		{name: "missing colon", input: "15s", wantErr: true},
		{name: "bad duration", input: "soon:10", wantErr: true},
		{name: "bad target", input: "15s:many", wantErr: true},
		{name: "empty", input: " , ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStages(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseStages() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("stage %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestParseThresholdFlag(t *testing.T) {
	key, tc, err := ParseThresholdFlag("http_req_duration{status:200}=p(95)<3000")
	if err != nil {
		t.Fatalf("ParseThresholdFlag() error = %v", err)
	}
	if key != "http_req_duration{status:200}" || tc.Threshold != "p(95)<3000" {
		t.Errorf("got %q %+v", key, tc)
	}

	key, tc, err = ParseThresholdFlag("http_reqs=count==5")
	if err != nil || key != "http_reqs" || tc.Threshold != "count==5" {
		t.Errorf("got %q %+v %v", key, tc, err)
	}

	for _, bad := range []string{"error_rate", "=rate<0.05", "error_rate="} {
		if _, _, err := ParseThresholdFlag(bad); err == nil {
			t.Errorf("ParseThresholdFlag(%q) expected error", bad)
		}
	}
}
