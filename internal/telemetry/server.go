package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// Server serves /metrics for the duration of a run.
type Server struct {
	addr     string
	registry *prometheus.Registry
	logger   log.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewServer registers an exporter for source on a private registry.
func NewServer(addr string, source Source, logger log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	registry := prometheus.NewRegistry()
	if err := registry.Register(NewExporter(source)); err != nil {
		return nil, fmt.Errorf("failed to register exporter: %w", err)
	}
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("failed to register go collector: %w", err)
	}

	return &Server{addr: addr, registry: registry, logger: logger}, nil
}

// Handler returns the HTTP handler serving /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		ErrorLog: promLogger{s.logger},
	}))
	return mux
}

// Addr returns the bound address once Run is listening, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Run listens and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	_ = level.Info(s.logger).Log("msg", "telemetry listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("telemetry server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = level.Warn(s.logger).Log("msg", "telemetry shutdown", "err", err)
	}
	return nil
}

// promLogger adapts the go-kit logger to promhttp.Logger.
type promLogger struct {
	logger log.Logger
}

func (l promLogger) Println(v ...interface{}) {
	_ = level.Error(l.logger).Log("msg", fmt.Sprint(v...))
}
