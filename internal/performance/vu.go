// Package performance runs virtual users against a single HTTP target.
package performance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/rampgate/rampgate/internal/performance/check"
	"github.com/rampgate/rampgate/internal/performance/metrics"
)

// VUState represents the lifecycle state of a Virtual User.
type VUState int32

const (
	// VUStateIdle indicates the VU is ready but not currently running.
	VUStateIdle VUState = iota
	// VUStateRunning indicates the VU is actively running iterations.
	VUStateRunning
	// VUStateStopping indicates the VU has been requested to stop.
	VUStateStopping
	// VUStateStopped indicates the VU has fully stopped.
	VUStateStopped
)

func (s VUState) String() string {
	switch s {
	case VUStateIdle:
		return "idle"
	case VUStateRunning:
		return "running"
	case VUStateStopping:
		return "stopping"
	case VUStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// OutcomeClass classifies one request cycle.
type OutcomeClass int

const (
	OutcomeOK OutcomeClass = iota
	// OutcomeTransportTimeout: no response before the request deadline.
	OutcomeTransportTimeout
	// OutcomeTransportError: connection-level failure, no response.
	OutcomeTransportError
	// OutcomeApplicationError: a response with a status other than 200.
	OutcomeApplicationError
	// OutcomeShapeError: a 200 whose body failed the body check.
	OutcomeShapeError
)

func (c OutcomeClass) String() string {
	switch c {
	case OutcomeOK:
		return "ok"
	case OutcomeTransportTimeout:
		return "timeout"
	case OutcomeTransportError:
		return "transport"
	case OutcomeApplicationError:
		return "application"
	case OutcomeShapeError:
		return "shape"
	default:
		return "unknown"
	}
}

// NoResponse reports whether the class carries no status code.
func (c OutcomeClass) NoResponse() bool {
	return c == OutcomeTransportTimeout || c == OutcomeTransportError
}

// RequestOutcome is what one request cycle produced. StatusCode is 0 when no
// response was received.
type RequestOutcome struct {
	StatusCode int
	Latency    time.Duration
	BodyValid  bool
	Class      OutcomeClass
	Checks     []check.Result
	Err        error
}

// Target is the endpoint every iteration requests.
type Target struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
	Check   check.BodyCheck
}

// NewTarget joins rawURL with query and validates the result.
func NewTarget(rawURL string, query map[string]string, headers map[string]string, timeout time.Duration, bc check.BodyCheck) (*Target, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid target URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid target URL %q: scheme must be http or https", rawURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid target URL %q: missing host", rawURL)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("request timeout must be positive, got %s", timeout)
	}

	if len(query) > 0 {
		q := u.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	if bc == nil {
		bc = check.StatusOnly{}
	}

	return &Target{URL: u.String(), Headers: headers, Timeout: timeout, Check: bc}, nil
}

// VirtualUser is one simulated client running an unthrottled request loop.
//
// It keeps no state between iterations besides its counters.
type VirtualUser struct {
	// Unique identifier for this VU
	ID int

	Target     *Target
	HTTPClient *http.Client
	Metrics    *metrics.Collector

	// Lifecycle state (atomic for lock-free reads)
	state atomic.Int32

	// Stop signal
	stopCh chan struct{}

	// Done signal (closed when VU fully stops)
	doneCh chan struct{}

	iteration atomic.Int64
}

// NewVirtualUser creates a new Virtual User.
func NewVirtualUser(id int, target *Target, httpClient *http.Client, collector *metrics.Collector) *VirtualUser {
	return &VirtualUser{
		ID:         id,
		Target:     target,
		HTTPClient: httpClient,
		Metrics:    collector,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// GetState returns the current VU state.
func (vu *VirtualUser) GetState() VUState {
	return VUState(vu.state.Load())
}

// GetIteration returns the number of iterations started.
func (vu *VirtualUser) GetIteration() int64 {
	return vu.iteration.Load()
}

// RunIteration performs one request cycle and records it.
//
// It returns an error only when the VU is stopping or stopped; request
// failures are outcomes, not errors.
func (vu *VirtualUser) RunIteration(ctx context.Context) (RequestOutcome, error) {
	if !vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateRunning)) {
		return RequestOutcome{}, fmt.Errorf("VU %d is %s", vu.ID, vu.GetState())
	}
	vu.iteration.Add(1)

	outcome := vu.Execute(ctx)
	vu.Record(outcome)

	vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateIdle))
	return outcome, nil
}

// Execute issues one GET and classifies the result.
//
// The request is detached from ctx cancellation so an aborting run never
// cuts a request short; the target timeout still bounds it.
func (vu *VirtualUser) Execute(ctx context.Context) RequestOutcome {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), vu.Target.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, vu.Target.URL, nil)
	if err != nil {
		return vu.noResponse(time.Since(start), fmt.Errorf("failed to build request: %w", err))
	}
	for k, v := range vu.Target.Headers {
		req.Header.Set(k, v)
	}

	resp, err := vu.HTTPClient.Do(req)
	if err != nil {
		return vu.noResponse(time.Since(start), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	latency := time.Since(start)
	if err != nil {
		return vu.noResponse(latency, fmt.Errorf("failed to read response body: %w", err))
	}

	return Classify(resp.StatusCode, body, latency, vu.Target.Check)
}

// Classify turns a received response into an outcome. It is a pure
// function of its inputs.
func Classify(statusCode int, body []byte, latency time.Duration, bc check.BodyCheck) RequestOutcome {
	checks := bc.Check(statusCode, body)
	valid := check.Shape(checks)

	class := OutcomeOK
	switch {
	case statusCode != http.StatusOK:
		class = OutcomeApplicationError
	case !valid:
		class = OutcomeShapeError
	}

	return RequestOutcome{
		StatusCode: statusCode,
		Latency:    latency,
		BodyValid:  valid,
		Class:      class,
		Checks:     checks,
	}
}

func (vu *VirtualUser) noResponse(latency time.Duration, err error) RequestOutcome {
	return RequestOutcome{
		Latency: latency,
		Class:   classifyError(err),
		Checks:  vu.Target.Check.Check(0, nil),
		Err:     err,
	}
}

func classifyError(err error) OutcomeClass {
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTransportTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeTransportTimeout
	}
	return OutcomeTransportError
}

// Record writes an outcome into the collector as one unit.
func (vu *VirtualUser) Record(o RequestOutcome) {
	RecordOutcome(vu.Metrics, o)
}

// RecordOutcome writes every metric an outcome produces.
func RecordOutcome(c *metrics.Collector, o RequestOutcome) {
	status := metrics.StatusTag(o.StatusCode)

	c.Batch(func(r metrics.Recorder) {
		r.IncrementCounter(metrics.Iterations)
		r.IncrementCounter(metrics.HTTPReqs, status)
		r.RecordRateEvent(metrics.ErrorRate, o.StatusCode != http.StatusOK)
		r.RecordSample(metrics.HTTPReqDuration, o.Latency, status)

		if o.Class.NoResponse() {
			r.IncrementCounter(metrics.TimeoutsTotal, metrics.Tag{Key: "reason", Value: o.Class.String()})
		}

		for _, cr := range o.Checks {
			r.RecordRateEvent(metrics.Checks, cr.Passed, metrics.Tag{Key: "check", Value: cr.Name})
		}
	})
}

// RequestStop asks the VU to stop after its current iteration.
func (vu *VirtualUser) RequestStop() {
	if vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateStopping)) ||
		vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateStopping)) {
		close(vu.stopCh)
	}
}

// StopRequested returns a channel closed once RequestStop was called.
func (vu *VirtualUser) StopRequested() <-chan struct{} {
	return vu.stopCh
}

// WaitForStop waits for the VU to stop with a timeout.
//
// Returns true if the VU stopped within the timeout, false otherwise.
func (vu *VirtualUser) WaitForStop(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-vu.doneCh:
		return true
	case <-timer.C:
		return false
	}
}

// MarkStopped marks the VU as fully stopped.
// Should be called by the scheduler when the VU goroutine exits.
func (vu *VirtualUser) MarkStopped() {
	prev := VUState(vu.state.Swap(int32(VUStateStopped)))
	if prev == VUStateStopped {
		return
	}
	close(vu.doneCh)
}
