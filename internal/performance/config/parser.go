package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultScenario []byte

// Defaults applied by ApplyDefaults.
const (
	DefaultName                = "rampgate"
	DefaultTimeout             = 5 * time.Second
	DefaultGracefulStop        = 30 * time.Second
	DefaultAdjustInterval      = 100 * time.Millisecond
	DefaultMaxIdleConns        = 1000
	DefaultMaxIdleConnsPerHost = 100
	DefaultIdleConnTimeout     = 90 * time.Second
)

// Default returns the built-in breakpoint scenario with defaults applied.
func Default() *TestConfig {
	cfg, err := ParseConfig(defaultScenario, "default.yaml")
	if err != nil {
		panic(fmt.Sprintf("embedded default scenario: %v", err))
	}
	ApplyDefaults(cfg)
	return cfg
}

// DefaultYAML returns the raw built-in scenario.
func DefaultYAML() []byte {
	out := make([]byte, len(defaultScenario))
	copy(out, defaultScenario)
	return out
}

// LoadConfig loads a test configuration from a file.
//
// The file format is determined by extension:
//   - .yaml, .yml -> YAML
//   - .json -> JSON
func LoadConfig(path string) (*TestConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := ParseConfig(data, path)
	if err != nil {
		return nil, err
	}

	// Schema paths are relative to the config file.
	if cfg.Target.Schema != "" && !filepath.IsAbs(cfg.Target.Schema) {
		cfg.Target.Schema = filepath.Join(filepath.Dir(path), cfg.Target.Schema)
	}
	return cfg, nil
}

// ParseConfig parses configuration data.
//
// The format is determined by the file extension in path, or defaults to YAML
// if the path is empty or has an unknown extension.
func ParseConfig(data []byte, path string) (*TestConfig, error) {
	var config TestConfig

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config (unknown format %s): %w", ext, err)
		}
	}

	return &config, nil
}

// ApplyDefaults fills every unset field that has a default.
func ApplyDefaults(config *TestConfig) {
	if config.Name == "" {
		config.Name = DefaultName
	}
	if config.Target.Timeout == 0 {
		config.Target.Timeout = Timeout(DefaultTimeout)
	}
	if config.GracefulStop == 0 {
		config.GracefulStop = Duration(DefaultGracefulStop)
	}
	if config.AdjustInterval == 0 {
		config.AdjustInterval = Duration(DefaultAdjustInterval)
	}

	if config.HTTP.MaxIdleConns == 0 {
		config.HTTP.MaxIdleConns = DefaultMaxIdleConns
	}
	if config.HTTP.MaxIdleConnsPerHost == 0 {
		config.HTTP.MaxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
	}
	if config.HTTP.IdleConnTimeout == 0 {
		config.HTTP.IdleConnTimeout = Duration(DefaultIdleConnTimeout)
	}

	for i, stage := range config.Stages {
		if stage.Name == "" {
			config.Stages[i].Name = fmt.Sprintf("stage-%d", i+1)
		}
	}
}

// TotalDuration sums the stage durations.
func (c *TestConfig) TotalDuration() time.Duration {
	var total time.Duration
	for _, s := range c.Stages {
		total += time.Duration(s.Duration)
	}
	return total
}

// ParseStages parses the command line stage syntax "15s:10,30s:50,20s:0".
func ParseStages(stagesStr string) ([]StageConfig, error) {
	var stages []StageConfig

	parts := strings.Split(stagesStr, ",")
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		colonIdx := strings.LastIndex(part, ":")
		if colonIdx == -1 {
			return nil, fmt.Errorf("stage %d: expected 'duration:target' format, got '%s'", i+1, part)
		}

		durationStr := strings.TrimSpace(part[:colonIdx])
		targetStr := strings.TrimSpace(part[colonIdx+1:])

		d, err := ParseDurationString(durationStr)
		if err != nil {
			return nil, fmt.Errorf("stage %d: invalid duration '%s': %w", i+1, durationStr, err)
		}

		target, err := strconv.Atoi(targetStr)
		if err != nil {
			return nil, fmt.Errorf("stage %d: invalid target '%s': %w", i+1, targetStr, err)
		}

		stages = append(stages, StageConfig{
			Duration: Duration(d),
			Target:   target,
			Name:     fmt.Sprintf("stage-%d", i+1),
		})
	}

	if len(stages) == 0 {
		return nil, fmt.Errorf("at least one stage is required")
	}

	return stages, nil
}

// ParseThresholdFlag splits "metric{tag:value}=expression" at the first '='.
func ParseThresholdFlag(s string) (string, ThresholdConfig, error) {
	key, expr, ok := strings.Cut(s, "=")
	key = strings.TrimSpace(key)
	expr = strings.TrimSpace(expr)
	if !ok || key == "" || expr == "" {
		return "", ThresholdConfig{}, fmt.Errorf("invalid threshold %q: expected metric=expression", s)
	}
	return key, ThresholdConfig{Threshold: expr}, nil
}
