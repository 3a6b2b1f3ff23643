package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rampgate/rampgate/internal/performance/config"
	"github.com/rampgate/rampgate/internal/performance/engine"
	"github.com/rampgate/rampgate/internal/performance/threshold"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	var out, errOut bytes.Buffer
	root := NewRootCmd(&out, &errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func resolve(t *testing.T, args ...string) (*config.TestConfig, error) {
	t.Helper()

	cmd := newRunCmd()
	require.NoError(t, cmd.Flags().Parse(args))
	v, err := bindFlags(cmd)
	require.NoError(t, err)
	return resolveConfig(v)
}

func statusServer(t *testing.T, status int) *httptest.Server {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, `{"tweets":[]}`)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitPass},
		{"threshold", &ExitError{Code: ExitThresholdFailed}, ExitThresholdFailed},
		{"wrapped", fmt.Errorf("outer: %w", &ExitError{Code: ExitThresholdFailed}), ExitThresholdFailed},
		{"plain", errors.New("boom"), ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestExitError(t *testing.T) {
	inner := errors.New("bad config")
	err := &ExitError{Code: ExitFailure, Err: inner}

	assert.Equal(t, "bad config", err.Error())
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "exit code 99", (&ExitError{Code: 99}).Error())
}

func TestExitErrorFromResult(t *testing.T) {
	assert.NoError(t, exitError(&engine.TestResult{Passed: true}, nil))

	err := exitError(&engine.TestResult{Passed: true}, errors.New("listen failed"))
	assert.Equal(t, ExitFailure, ExitCode(err))

	assert.Equal(t, ExitFailure, ExitCode(exitError(nil, nil)))

	failed := &engine.TestResult{
		Verdict: threshold.Verdict{Results: []threshold.RuleResult{
			{Source: "error_rate: rate<0.05", Passed: false},
			{Source: "http_reqs: count>0", Passed: true},
		}},
	}
	err = exitError(failed, nil)
	assert.Equal(t, ExitThresholdFailed, ExitCode(err))
	assert.EqualError(t, err, "thresholds failed: error_rate: rate<0.05")
}

func TestResolveConfig_Default(t *testing.T) {
	cfg, err := resolve(t)
	require.NoError(t, err)

	assert.Equal(t, "tweets-breakpoint", cfg.Name)
	assert.Equal(t, "tweets", cfg.Target.ListField)
	assert.Len(t, cfg.Stages, 9)
}

func TestResolveConfig_QuickMode(t *testing.T) {
	cfg, err := resolve(t,
		"--url", "http://example.com/health",
		"--stages", "1s:2,500ms:0",
		"--timeout", "2000",
		"--threshold", "error_rate=rate<0.01",
		"--threshold", "http_reqs=count>0",
	)
	require.NoError(t, err)

	assert.Equal(t, config.DefaultName, cfg.Name)
	assert.Equal(t, "http://example.com/health", cfg.Target.URL)
	assert.Empty(t, cfg.Target.ListField)
	assert.Empty(t, cfg.Target.Query)
	assert.Equal(t, 2*time.Second, time.Duration(cfg.Target.Timeout))
	require.Len(t, cfg.Stages, 2)
	assert.Equal(t, 2, cfg.Stages[0].Target)

	assert.Len(t, cfg.Thresholds["error_rate"], 2)
	require.Len(t, cfg.Thresholds["http_reqs"], 1)
	assert.Equal(t, "count>0", cfg.Thresholds["http_reqs"][0].Threshold)
}

func TestResolveConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: from-file
target:
  url: http://localhost:9000/items
  timeout: 1s
stages:
  - {duration: 10s, target: 5}
thresholds:
  error_rate: rate<0.1
`), 0o644))

	cfg, err := resolve(t, "--config", path, "--timeout", "3s", "--name", "renamed")
	require.NoError(t, err)

	assert.Equal(t, "renamed", cfg.Name)
	assert.Equal(t, "http://localhost:9000/items", cfg.Target.URL)
	assert.Equal(t, 3*time.Second, time.Duration(cfg.Target.Timeout))
	assert.Len(t, cfg.Stages, 1)
	assert.Len(t, cfg.Thresholds["error_rate"], 1)
}

func TestResolveConfig_Env(t *testing.T) {
	t.Setenv("RAMPGATE_URL", "http://env.example.com/")
	t.Setenv("RAMPGATE_GRACEFUL_STOP", "3s")
	t.Setenv("RAMPGATE_STAGES", "2s:4")

	cfg, err := resolve(t)
	require.NoError(t, err)

	assert.Equal(t, "http://env.example.com/", cfg.Target.URL)
	assert.Equal(t, 3*time.Second, time.Duration(cfg.GracefulStop))
	require.Len(t, cfg.Stages, 1)
	assert.Equal(t, 4, cfg.Stages[0].Target)

	// flags win over the environment
	cfg, err = resolve(t, "--url", "http://flag.example.com/")
	require.NoError(t, err)
	assert.Equal(t, "http://flag.example.com/", cfg.Target.URL)
}

func TestResolveConfig_EnvThresholds(t *testing.T) {
	t.Setenv("RAMPGATE_URL", "http://env.example.com/")
	t.Setenv("RAMPGATE_THRESHOLD", "error_rate=rate < 0.01; http_reqs=count > 0;")

	cfg, err := resolve(t)
	require.NoError(t, err)

	require.Len(t, cfg.Thresholds["http_reqs"], 1)
	assert.Equal(t, "count > 0", cfg.Thresholds["http_reqs"][0].Threshold)
	rules := cfg.Thresholds["error_rate"]
	require.NotEmpty(t, rules)
	assert.Equal(t, "rate < 0.01", rules[len(rules)-1].Threshold)

	// flags win over the environment
	cfg, err = resolve(t, "--threshold", "http_reqs=count>5")
	require.NoError(t, err)
	require.Len(t, cfg.Thresholds["http_reqs"], 1)
	assert.Equal(t, "count>5", cfg.Thresholds["http_reqs"][0].Threshold)
}

func TestResolveConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing file", []string{"--config", filepath.Join(t.TempDir(), "nope.yaml")}},
		{"bad stages", []string{"--stages", "10s"}},
		{"bad timeout", []string{"--timeout", "soon"}},
		{"bad graceful stop", []string{"--graceful-stop", "later"}},
		{"bad threshold", []string{"--threshold", "error_rate"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolve(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestRunCommand_Pass(t *testing.T) {
	ts := statusServer(t, http.StatusOK)

	out, _, err := execute(t, "run",
		"--url", ts.URL,
		"--stages", "300ms:2,200ms:0",
		"--graceful-stop", "1s",
		"--quiet",
	)
	require.NoError(t, err)
	assert.Contains(t, out, "PASSED")
}

func TestRunCommand_ThresholdFailure(t *testing.T) {
	ts := statusServer(t, http.StatusInternalServerError)

	out, _, err := execute(t, "run",
		"--url", ts.URL,
		"--stages", "300ms:2,200ms:0",
		"--graceful-stop", "1s",
		"--quiet",
	)
	require.Error(t, err)
	assert.Equal(t, ExitThresholdFailed, ExitCode(err))
	assert.Contains(t, err.Error(), "error_rate")
	assert.Contains(t, out, "FAILED")
}

func TestRunCommand_InvalidConfig(t *testing.T) {
	_, _, err := execute(t, "run", "--url", "ftp://example.com", "--quiet")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, ExitCode(err))
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestRunCommand_BadLogFormat(t *testing.T) {
	_, _, err := execute(t, "run", "--log-format", "xml", "--quiet")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, ExitCode(err))
}

func TestRunCommand_ProgressAndSummary(t *testing.T) {
	prev := progressInterval
	progressInterval = 50 * time.Millisecond
	t.Cleanup(func() { progressInterval = prev })

	ts := statusServer(t, http.StatusOK)

	out, _, err := execute(t, "run",
		"--url", ts.URL,
		"--name", "smoke",
		"--stages", "400ms:2,200ms:0",
		"--graceful-stop", "1s",
	)
	require.NoError(t, err)

	assert.Contains(t, out, "smoke - Running")
	assert.Contains(t, out, "Progress:")
	assert.Contains(t, out, "smoke - Completed ✓")
	assert.Contains(t, out, "Thresholds:")
	assert.Contains(t, out, "Run ID:")
}

func TestValidateCommand(t *testing.T) {
	out, _, err := execute(t, "validate")
	require.NoError(t, err)

	assert.Contains(t, out, "Scenario:      tweets-breakpoint")
	assert.Contains(t, out, "http://localhost:8080/tweets?count=20")
	assert.Contains(t, out, "Stages:        9")
	assert.Contains(t, out, "warmup")
	assert.Contains(t, out, "Thresholds:    2")
}

func TestValidateCommand_Invalid(t *testing.T) {
	_, _, err := execute(t, "validate", "--stages", "10s:-1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, ExitCode(err))
}

func TestDefaultConfigCommand(t *testing.T) {
	out, _, err := execute(t, "default-config")
	require.NoError(t, err)
	assert.Equal(t, string(config.DefaultYAML()), out)
}
