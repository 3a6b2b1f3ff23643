package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/rampgate/rampgate/internal/performance/threshold"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Validate validates the entire test configuration.
//
// Returns nil if valid, or a *ValidationErrors containing every problem found.
func (c *TestConfig) Validate() error {
	errs := &ValidationErrors{}

	validateTarget(&c.Target, errs)
	validateHTTP(&c.HTTP, errs)

	if len(c.Stages) == 0 {
		errs.Add("stages", "at least one stage is required")
	}
	for i, stage := range c.Stages {
		validateStage(fmt.Sprintf("stages[%d]", i), &stage, errs)
	}

	if c.GracefulStop < 0 {
		errs.Add("gracefulStop", "gracefulStop must not be negative")
	}
	if c.AdjustInterval < 0 {
		errs.Add("adjustInterval", "adjustInterval must not be negative")
	}

	validateThresholds(c.Thresholds, errs)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateTarget(t *TargetConfig, errs *ValidationErrors) {
	if t.URL == "" {
		errs.Add("target.url", "url is required")
	} else if u, err := url.Parse(t.URL); err != nil {
		errs.Add("target.url", fmt.Sprintf("invalid URL: %v", err))
	} else {
		if u.Scheme != "http" && u.Scheme != "https" {
			errs.Add("target.url", fmt.Sprintf("unsupported scheme %q (use http or https)", u.Scheme))
		}
		if u.Host == "" {
			errs.Add("target.url", "URL has no host")
		}
	}

	if t.Timeout < 0 {
		errs.Add("target.timeout", "timeout must not be negative")
	}
	if t.Schema != "" && t.ListField == "" {
		errs.Add("target.schema", "schema requires listField")
	}
}

func validateHTTP(h *HTTPSettings, errs *ValidationErrors) {
	if h.MaxIdleConns < 0 {
		errs.Add("http.maxIdleConns", "must not be negative")
	}
	if h.MaxIdleConnsPerHost < 0 {
		errs.Add("http.maxIdleConnsPerHost", "must not be negative")
	}
	if h.MaxConnsPerHost < 0 {
		errs.Add("http.maxConnsPerHost", "must not be negative")
	}
	if h.IdleConnTimeout < 0 {
		errs.Add("http.idleConnTimeout", "must not be negative")
	}
}

func validateStage(prefix string, stage *StageConfig, errs *ValidationErrors) {
	if stage.Duration <= 0 {
		errs.Add(prefix+".duration", "duration must be greater than 0")
	}
	if stage.Target < 0 {
		errs.Add(prefix+".target", "target must not be negative")
	}
}

// validateThresholds parses every rule so bad expressions fail before the run.
func validateThresholds(thresholds map[string]ThresholdList, errs *ValidationErrors) {
	keys := make([]string, 0, len(thresholds))
	for k := range thresholds {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		field := fmt.Sprintf("thresholds[%s]", key)
		if len(thresholds[key]) == 0 {
			errs.Add(field, "at least one rule is required")
			continue
		}
		for i, tc := range thresholds[key] {
			if strings.TrimSpace(tc.Threshold) == "" {
				errs.Add(fmt.Sprintf("%s[%d]", field, i), "threshold expression is required")
				continue
			}
			if _, err := threshold.Parse(key, tc.definition()); err != nil {
				var pe *threshold.ParseError
				if errors.As(err, &pe) {
					errs.Add(fmt.Sprintf("%s[%d]", field, i), pe.Message)
				} else {
					errs.Add(fmt.Sprintf("%s[%d]", field, i), err.Error())
				}
			}
		}
	}
}
