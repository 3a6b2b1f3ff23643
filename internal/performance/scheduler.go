package performance

import (
	"context"
	"crypto/tls"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rampgate/rampgate/internal/performance/metrics"
)

// VUScheduler manages the lifecycle of Virtual Users.
//
// It owns the VU pool and the shared HTTP client, starts and stops VU
// goroutines, and enforces the population cap. Executors use it to move the
// live VU count towards a target.
type VUScheduler struct {
	target *Target

	metrics *metrics.Collector

	httpClientConfig HTTPClientConfig

	vus   map[int]*VirtualUser
	vusMu sync.RWMutex

	nextVUID atomic.Int32

	// maxVUs caps live VUs, draining ones included. Zero means no cap.
	maxVUs atomic.Int32

	sharedClient *http.Client

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	shutdownWg   sync.WaitGroup
}

// HTTPClientConfig contains HTTP client configuration.
type HTTPClientConfig struct {
	// Timeout for HTTP requests
	Timeout time.Duration

	// MaxIdleConns controls the maximum number of idle connections
	MaxIdleConns int

	// MaxIdleConnsPerHost controls the maximum idle connections per host
	MaxIdleConnsPerHost int

	// MaxConnsPerHost limits the total connections per host
	MaxConnsPerHost int

	// IdleConnTimeout is how long idle connections are kept alive
	IdleConnTimeout time.Duration

	// DisableKeepAlives disables HTTP keep-alives
	DisableKeepAlives bool

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool
}

// DefaultHTTPClientConfig returns sensible defaults for load testing.
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		Timeout:             5 * time.Second,
		MaxIdleConns:        1000,
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     0, // Unlimited
		IdleConnTimeout:     90 * time.Second,
	}
}

// NewVUScheduler creates a new VU scheduler.
func NewVUScheduler(target *Target, collector *metrics.Collector, httpConfig HTTPClientConfig) *VUScheduler {
	s := &VUScheduler{
		target:           target,
		metrics:          collector,
		httpClientConfig: httpConfig,
		vus:              make(map[int]*VirtualUser),
		shutdownCh:       make(chan struct{}),
	}
	s.sharedClient = s.createHTTPClient()
	return s
}

func (s *VUScheduler) createHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        s.httpClientConfig.MaxIdleConns,
		MaxIdleConnsPerHost: s.httpClientConfig.MaxIdleConnsPerHost,
		MaxConnsPerHost:     s.httpClientConfig.MaxConnsPerHost,
		IdleConnTimeout:     s.httpClientConfig.IdleConnTimeout,
		DisableKeepAlives:   s.httpClientConfig.DisableKeepAlives,
	}
	if s.httpClientConfig.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in flag
	}

	// Client.Timeout backs up the per-request context deadline.
	return &http.Client{
		Transport: transport,
		Timeout:   s.httpClientConfig.Timeout,
	}
}

// Client returns the HTTP client shared by all VUs.
func (s *VUScheduler) Client() *http.Client {
	return s.sharedClient
}

// SetMaxVUs sets the population cap.
func (s *VUScheduler) SetMaxVUs(n int) {
	s.maxVUs.Store(int32(n))
}

// SpawnVU creates and registers a new Virtual User without starting it.
func (s *VUScheduler) SpawnVU() *VirtualUser {
	id := int(s.nextVUID.Add(1))
	vu := NewVirtualUser(id, s.target, s.sharedClient, s.metrics)

	s.vusMu.Lock()
	s.vus[id] = vu
	s.vusMu.Unlock()

	return vu
}

// StartVU runs vu in its own goroutine, tracked for Shutdown.
func (s *VUScheduler) StartVU(ctx context.Context, vu *VirtualUser) {
	s.shutdownWg.Add(1)
	go func() {
		defer s.shutdownWg.Done()
		s.RunVU(ctx, vu)
	}()
}

// GetVU returns a VU by ID, or nil if not found.
func (s *VUScheduler) GetVU(id int) *VirtualUser {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()
	return s.vus[id]
}

// GetActiveVUCount returns the number of live VUs, draining ones included.
func (s *VUScheduler) GetActiveVUCount() int {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	count := 0
	for _, vu := range s.vus {
		if vu.GetState() != VUStateStopped {
			count++
		}
	}
	return count
}

// GetRunningVUCount returns the number of live VUs not asked to stop.
func (s *VUScheduler) GetRunningVUCount() int {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	count := 0
	for _, vu := range s.vus {
		if st := vu.GetState(); st == VUStateIdle || st == VUStateRunning {
			count++
		}
	}
	return count
}

// StopAllVUs requests all VUs to stop.
func (s *VUScheduler) StopAllVUs() {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	for _, vu := range s.vus {
		vu.RequestStop()
	}
}

// RemoveVU marks a VU stopped and forgets it.
func (s *VUScheduler) RemoveVU(id int) {
	s.vusMu.Lock()
	vu, exists := s.vus[id]
	delete(s.vus, id)
	s.vusMu.Unlock()

	if exists {
		vu.MarkStopped()
	}
}

// RunVU runs iterations back to back until the VU is asked to stop, ctx is
// cancelled or the scheduler shuts down. The stop conditions are checked
// only between iterations.
func (s *VUScheduler) RunVU(ctx context.Context, vu *VirtualUser) {
	defer s.RemoveVU(vu.ID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdownCh:
			return
		case <-vu.StopRequested():
			return
		default:
		}

		if _, err := vu.RunIteration(ctx); err != nil {
			return
		}
	}
}

// ScaleVUs moves the number of running VUs towards target.
//
// New VUs are started under ctx but never beyond the cap, which counts
// draining VUs too. Excess VUs are asked to stop newest first; they finish
// their in-flight request before exiting. It returns the live VU count.
func (s *VUScheduler) ScaleVUs(ctx context.Context, target int) int {
	if target < 0 {
		target = 0
	}

	running := s.GetRunningVUCount()

	switch {
	case target > running:
		want := target - running
		if maxVUs := int(s.maxVUs.Load()); maxVUs > 0 {
			if room := maxVUs - s.GetActiveVUCount(); want > room {
				want = room
			}
		}
		for i := 0; i < want; i++ {
			s.StartVU(ctx, s.SpawnVU())
		}

	case target < running:
		s.stopNewest(running - target)
	}

	s.UpdateMetrics()
	return s.GetActiveVUCount()
}

// stopNewest asks the n most recently spawned running VUs to stop.
func (s *VUScheduler) stopNewest(n int) {
	s.vusMu.RLock()
	candidates := make([]*VirtualUser, 0, len(s.vus))
	for _, vu := range s.vus {
		if st := vu.GetState(); st == VUStateIdle || st == VUStateRunning {
			candidates = append(candidates, vu)
		}
	}
	s.vusMu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID > candidates[j].ID })
	if n > len(candidates) {
		n = len(candidates)
	}
	for _, vu := range candidates[:n] {
		vu.RequestStop()
	}
}

// UpdateMetrics publishes the live VU count to the collector.
func (s *VUScheduler) UpdateMetrics() {
	s.metrics.SetActiveVUs(s.GetActiveVUCount())
}

// Shutdown stops every VU and waits up to timeout for them to finish their
// in-flight request. It returns how many VUs were still running when the
// timeout expired. Safe to call more than once.
func (s *VUScheduler) Shutdown(timeout time.Duration) int {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
	s.StopAllVUs()

	done := make(chan struct{})
	go func() {
		s.shutdownWg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	stragglers := 0
	select {
	case <-done:
	case <-timer.C:
		stragglers = s.GetActiveVUCount()
	}

	s.UpdateMetrics()
	s.sharedClient.CloseIdleConnections()
	return stragglers
}
