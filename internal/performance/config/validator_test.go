package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rampgate/rampgate/internal/performance/check"
)

func validConfig() *TestConfig {
	return &TestConfig{
		Name: "valid",
		Target: TargetConfig{
			URL:       "http://localhost:8080/tweets",
			Query:     map[string]string{"count": "20"},
			Timeout:   Timeout(5 * time.Second),
			ListField: "tweets",
		},
		Stages: []StageConfig{
			{Duration: Duration(15 * time.Second), Target: 10},
			{Duration: Duration(20 * time.Second), Target: 0},
		},
		Thresholds: map[string]ThresholdList{
			"error_rate": {{Threshold: "rate<0.05"}},
		},
	}
}

func TestValidate_Valid(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TestConfig)
		field  string
	}{
		{name: "missing url", mutate: func(c *TestConfig) { c.Target.URL = "" }, field: "target.url"},
		{name: "bad scheme", mutate: func(c *TestConfig) { c.Target.URL = "ftp://host/x" }, field: "target.url"},
		{name: "no host", mutate: func(c *TestConfig) { c.Target.URL = "http:///tweets" }, field: "target.url"},
		{name: "negative timeout", mutate: func(c *TestConfig) { c.Target.Timeout = Timeout(-time.Second) }, field: "target.timeout"},
		{name: "schema without list field", mutate: func(c *TestConfig) { c.Target.ListField = ""; c.Target.Schema = "s.json" }, field: "target.schema"},
		{name: "no stages", mutate: func(c *TestConfig) { c.Stages = nil }, field: "stages"},
		{name: "zero duration", mutate: func(c *TestConfig) { c.Stages[0].Duration = 0 }, field: "stages[0].duration"},
		{name: "negative target", mutate: func(c *TestConfig) { c.Stages[1].Target = -1 }, field: "stages[1].target"},
		{name: "negative graceful stop", mutate: func(c *TestConfig) { c.GracefulStop = Duration(-time.Second) }, field: "gracefulStop"},
		{name: "negative pool size", mutate: func(c *TestConfig) { c.HTTP.MaxConnsPerHost = -1 }, field: "http.maxConnsPerHost"},
		{
			name:   "unknown metric",
			mutate: func(c *TestConfig) { c.Thresholds["nope"] = ThresholdList{{Threshold: "count>1"}} },
			field:  "thresholds[nope][0]",
		},
		{
			name: "aggregation not valid for type",
			mutate: func(c *TestConfig) {
				c.Thresholds["error_rate"] = ThresholdList{{Threshold: "p(95)<3000"}}
			},
			field: "thresholds[error_rate][0]",
		},
		{
			name: "multi-tag selector",
			mutate: func(c *TestConfig) {
				c.Thresholds["http_req_duration{status:200,method:GET}"] = ThresholdList{{Threshold: "p(95)<3000"}}
			},
			field: "thresholds[http_req_duration{status:200,method:GET}][0]",
		},
		{
			name:   "empty expression",
			mutate: func(c *TestConfig) { c.Thresholds["error_rate"] = ThresholdList{{}} },
			field:  "thresholds[error_rate][0]",
		},
		{
			name:   "empty rule list",
			mutate: func(c *TestConfig) { c.Thresholds["error_rate"] = ThresholdList{} },
			field:  "thresholds[error_rate]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() expected error")
			}

			var verrs *ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("error type = %T, want *ValidationErrors", err)
			}
			found := false
			for _, e := range verrs.Errors {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("no error for field %q in %v", tt.field, err)
			}
		})
	}
}

func TestValidate_CollectsAll(t *testing.T) {
	cfg := validConfig()
	cfg.Target.URL = ""
	cfg.Stages = nil
	cfg.Thresholds["nope"] = ThresholdList{{Threshold: "count>1"}}

	err := cfg.Validate()
	var verrs *ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("error type = %T", err)
	}
	if len(verrs.Errors) != 3 {
		t.Errorf("len(Errors) = %d, want 3: %v", len(verrs.Errors), err)
	}
	if !strings.HasPrefix(err.Error(), "3 validation errors") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestValidationError_Error(t *testing.T) {
	e := &ValidationError{Field: "stages", Message: "at least one stage is required"}
	if got := e.Error(); got != "validation error on field 'stages': at least one stage is required" {
		t.Errorf("Error() = %q", got)
	}
	e = &ValidationError{Message: "broken"}
	if got := e.Error(); got != "validation error: broken" {
		t.Errorf("Error() = %q", got)
	}
}

func TestBuild(t *testing.T) {
	cfg := validConfig()
	cfg.HTTP.MaxConnsPerHost = 7
	cfg.HTTP.InsecureSkipVerify = true
	ApplyDefaults(cfg)

	ec := cfg.ExecutorConfig()
	if len(ec.Profile) != 2 || ec.Profile[0].Duration != 15*time.Second || ec.Profile[0].Target != 10 {
		t.Errorf("Profile = %+v", ec.Profile)
	}
	if ec.GracefulStop != DefaultGracefulStop || ec.AdjustInterval != DefaultAdjustInterval {
		t.Errorf("executor timings = %v / %v", ec.GracefulStop, ec.AdjustInterval)
	}
	if err := ec.Validate(); err != nil {
		t.Errorf("executor config invalid: %v", err)
	}

	hc := cfg.HTTPClientConfig()
	if hc.Timeout != 5*time.Second || hc.MaxConnsPerHost != 7 || !hc.InsecureSkipVerify {
		t.Errorf("HTTPClientConfig = %+v", hc)
	}

	target, err := cfg.BuildTarget()
	if err != nil {
		t.Fatalf("BuildTarget() error = %v", err)
	}
	if _, ok := target.Check.(*check.ListField); !ok {
		t.Errorf("Check = %T, want *check.ListField", target.Check)
	}

	cfg.Target.ListField = ""
	bc, err := cfg.BodyCheck()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := bc.(check.StatusOnly); !ok {
		t.Errorf("Check = %T, want check.StatusOnly", bc)
	}
}

func TestBodyCheck_Schema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tweets.schema.json")
	schema := `{"type":"object","required":["tweets"],"properties":{"tweets":{"type":"array"}}}`
	if err := os.WriteFile(path, []byte(schema), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := validConfig()
	cfg.Target.Schema = path
	bc, err := cfg.BodyCheck()
	if err != nil {
		t.Fatalf("BodyCheck() error = %v", err)
	}

	results := bc.Check(200, []byte(`{"tweets":[]}`))
	if !check.Shape(results) {
		t.Errorf("valid body rejected: %+v", results)
	}

	cfg.Target.Schema = filepath.Join(dir, "missing.json")
	if _, err := cfg.BodyCheck(); err == nil {
		t.Error("expected error for missing schema file")
	}
}
