package config

import (
	"fmt"
	"time"

	"github.com/rampgate/rampgate/internal/performance"
	"github.com/rampgate/rampgate/internal/performance/check"
	"github.com/rampgate/rampgate/internal/performance/executor"
	"github.com/rampgate/rampgate/internal/performance/threshold"
	"github.com/rampgate/rampgate/pkg/jsonschema"
)

// ExecutorConfig converts the stages and drain settings.
func (c *TestConfig) ExecutorConfig() *executor.Config {
	profile := make(executor.Profile, len(c.Stages))
	for i, s := range c.Stages {
		profile[i] = executor.Stage{
			Duration: time.Duration(s.Duration),
			Target:   s.Target,
			Name:     s.Name,
		}
	}
	return &executor.Config{
		Name:           c.Name,
		Profile:        profile,
		GracefulStop:   time.Duration(c.GracefulStop),
		AdjustInterval: time.Duration(c.AdjustInterval),
	}
}

// HTTPClientConfig converts the connection pool settings.
func (c *TestConfig) HTTPClientConfig() performance.HTTPClientConfig {
	hc := performance.DefaultHTTPClientConfig()
	hc.Timeout = c.Target.Timeout.GetDuration(DefaultTimeout)
	if c.HTTP.MaxIdleConns > 0 {
		hc.MaxIdleConns = c.HTTP.MaxIdleConns
	}
	if c.HTTP.MaxIdleConnsPerHost > 0 {
		hc.MaxIdleConnsPerHost = c.HTTP.MaxIdleConnsPerHost
	}
	hc.MaxConnsPerHost = c.HTTP.MaxConnsPerHost
	hc.IdleConnTimeout = c.HTTP.IdleConnTimeout.GetDuration(DefaultIdleConnTimeout)
	hc.DisableKeepAlives = c.HTTP.DisableKeepAlives
	hc.InsecureSkipVerify = c.HTTP.InsecureSkipVerify
	return hc
}

// BodyCheck builds the per-request check. Without a list field only the
// status is checked.
func (c *TestConfig) BodyCheck() (check.BodyCheck, error) {
	if c.Target.ListField == "" {
		return check.StatusOnly{}, nil
	}

	var schema *jsonschema.Schema
	if c.Target.Schema != "" {
		s, err := jsonschema.CompileFile(c.Target.Schema)
		if err != nil {
			return nil, fmt.Errorf("failed to load body schema: %w", err)
		}
		schema = s
	}

	return check.NewListField(c.Target.ListField, schema)
}

// BuildTarget resolves the endpoint and its check.
func (c *TestConfig) BuildTarget() (*performance.Target, error) {
	bc, err := c.BodyCheck()
	if err != nil {
		return nil, err
	}
	return performance.NewTarget(
		c.Target.URL,
		c.Target.Query,
		c.Target.Headers,
		c.Target.Timeout.GetDuration(DefaultTimeout),
		bc,
	)
}

// ThresholdDefinitions converts the thresholds block for threshold.NewEvaluator.
func (c *TestConfig) ThresholdDefinitions() map[string][]threshold.Definition {
	defs := make(map[string][]threshold.Definition, len(c.Thresholds))
	for key, list := range c.Thresholds {
		for _, tc := range list {
			defs[key] = append(defs[key], tc.definition())
		}
	}
	return defs
}

func (t ThresholdConfig) definition() threshold.Definition {
	return threshold.Definition{
		Threshold:      t.Threshold,
		AbortOnFail:    t.AbortOnFail,
		DelayAbortEval: time.Duration(t.DelayAbortEval),
	}
}
