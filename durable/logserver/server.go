// Package logserver serves an oplog.Log over HTTP.
//
// Routes:
//
//	POST /start                                  start an execution
//	POST /invocations/{arn}/start                start another invocation
//	POST /invocations/{arn}/complete             report an invocation outcome
//	GET  /executions                             list executions (?status=)
//	GET  /executions/{arn}/poll                  long-poll for changed operations
//	GET  /executions/{arn}/history               execution, invocations and operations
//	POST /executions/{arn}/operations/{opId}     resolve an operation
//	GET  /{arn}/state                            read a page of operations
//	POST /{arn}/checkpoint                       append checkpoint updates
//	POST /callbacks/{id}/succeed                 complete a callback (raw body)
//	POST /callbacks/{id}/fail                    fail a callback
//	POST /callbacks/{id}/heartbeat               heartbeat a callback
//	GET  /metrics                                Prometheus metrics
//
// Errors are returned as {"message": "..."} with status 500, or 400 for a
// malformed request. checkpoint.Client maps the message back onto sentinel
// errors.
package logserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/durable-go/durable/oplog"
	"github.com/dshills/durable-go/durable/store"
)

// Defaults.
const (
	DefaultPollTimeout   = 20 * time.Second
	DefaultSweepInterval = time.Second
	DefaultMaxBodyBytes  = 8 << 20
)

// Server exposes a durable log over HTTP.
type Server struct {
	log      *oplog.Log
	logger   *slog.Logger
	gatherer prometheus.Gatherer

	pollTimeout   time.Duration
	sweepInterval time.Duration
	maxBodyBytes  int64

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request and sweep logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRegistry registers the server's request metrics on reg and serves reg
// on /metrics. Without it /metrics serves the default registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		if reg != nil {
			s.gatherer = reg
			s.registerMetrics(reg)
		}
	}
}

// WithPollTimeout bounds a long poll. An elapsed poll returns no operations.
func WithPollTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pollTimeout = d
		}
	}
}

// WithSweepInterval sets how often Serve fires due timers of running
// executions.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// New creates a server for l.
func New(l *oplog.Log, opts ...Option) *Server {
	s := &Server{
		log:           l,
		logger:        slog.New(slog.DiscardHandler),
		pollTimeout:   DefaultPollTimeout,
		sweepInterval: DefaultSweepInterval,
		maxBodyBytes:  DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	return s
}

func (s *Server) registerMetrics(reg prometheus.Registerer) {
	factory := promauto.With(reg)
	s.requests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "durable",
		Subsystem: "logserver",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status code",
	}, []string{"route", "code"})
	s.latency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "durable",
		Subsystem: "logserver",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /start", s.startExecution)
	s.route(mux, "POST /invocations/{arn}/start", s.startInvocation)
	s.route(mux, "POST /invocations/{arn}/complete", s.completeInvocation)
	s.route(mux, "GET /executions", s.listExecutions)
	s.route(mux, "GET /executions/{arn}/poll", s.poll)
	s.route(mux, "GET /executions/{arn}/history", s.history)
	s.route(mux, "POST /executions/{arn}/operations/{opId}", s.updateOperation)
	s.route(mux, "GET /{arn}/state", s.state)
	s.route(mux, "POST /{arn}/checkpoint", s.checkpoint)
	s.route(mux, "POST /callbacks/{id}/succeed", s.succeedCallback)
	s.route(mux, "POST /callbacks/{id}/fail", s.failCallback)
	s.route(mux, "POST /callbacks/{id}/heartbeat", s.heartbeatCallback)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody("Not found"))
	})
	return s.logRequests(mux)
}

// Serve serves on ln and fires due timers every sweep interval until ctx is
// done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go s.sweep(sweepCtx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	s.logger.Info("durable log server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("durable log server stopped")
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) sweep(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep fires the due timers of every running execution.
func (s *Server) Sweep(ctx context.Context) {
	running, err := s.log.ListExecutions(ctx, store.ExecutionRunning)
	if err != nil {
		s.logger.Warn("sweep failed to list executions", "error", err)
		return
	}
	for _, exec := range running {
		if _, err := s.log.Advance(ctx, exec.Arn); err != nil && ctx.Err() == nil {
			s.logger.Warn("sweep failed to advance execution", "execution_arn", exec.Arn, "error", err)
		}
	}
}
