package durable

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dshills/durable-go/durable/emit"
)

// Defaults for invocation handling.
const (
	// DefaultMaxResultSize is the largest execution result returned inline.
	// Larger results are checkpointed on the EXECUTION operation instead.
	DefaultMaxResultSize = 6 * 1024 * 1024

	// DefaultSettleDelay is how long a suspended operation lets sibling
	// operations start before deciding whether the invocation may suspend.
	DefaultSettleDelay = 50 * time.Millisecond

	// childPayloadLimit is the largest child context result stored inline.
	childPayloadLimit = 256 * 1024
)

// Option configures a durable handler built by WithDurableExecution.
//
// Options are applied in order and validated when the handler is built:
//
//	handler, err := durable.WithDurableExecution(fn,
//		durable.WithLogClient(log),
//		durable.WithLogger(logger),
//		durable.WithTerminationWarmup(time.Second),
//	)
type Option func(*runConfig) error

type runConfig struct {
	client        LogClient
	logger        *slog.Logger
	emitter       emit.Emitter
	metrics       *PrometheusMetrics
	clock         Clock
	warmup        time.Duration
	pollInterval  time.Duration
	settleDelay   time.Duration
	codec         Codec
	modeAware     bool
	maxResultSize int
}

func defaultRunConfig() *runConfig {
	return &runConfig{
		logger:        slog.New(slog.DiscardHandler),
		emitter:       emit.NewNullEmitter(),
		clock:         SystemClock{},
		warmup:        DefaultTerminationWarmup,
		pollInterval:  DefaultPollInterval,
		settleDelay:   DefaultSettleDelay,
		codec:         JSONCodec{},
		modeAware:     true,
		maxResultSize: DefaultMaxResultSize,
	}
}

// WithLogClient sets the durable log the handler checkpoints to. Required.
func WithLogClient(client LogClient) Option {
	return func(cfg *runConfig) error {
		if client == nil {
			return errors.New("log client cannot be nil")
		}
		cfg.client = client
		return nil
	}
}

// WithLogger sets the logger handed to every operation. The default discards
// all records.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *runConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithEmitter sets the observability event sink. Default: emit.NullEmitter.
func WithEmitter(emitter emit.Emitter) Option {
	return func(cfg *runConfig) error {
		if emitter == nil {
			return errors.New("emitter cannot be nil")
		}
		cfg.emitter = emitter
		return nil
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(metrics *PrometheusMetrics) Option {
	return func(cfg *runConfig) error {
		cfg.metrics = metrics
		return nil
	}
}

// WithClock overrides the clock used for scheduling decisions.
func WithClock(clock Clock) Option {
	return func(cfg *runConfig) error {
		if clock == nil {
			return errors.New("clock cannot be nil")
		}
		cfg.clock = clock
		return nil
	}
}

// WithTerminationWarmup sets the grace window between the last resolver
// going away and the invocation being suspended.
//
// Default: 2s.
func WithTerminationWarmup(d time.Duration) Option {
	return func(cfg *runConfig) error {
		if d <= 0 {
			return fmt.Errorf("termination warmup must be positive, got %v", d)
		}
		cfg.warmup = d
		return nil
	}
}

// WithPollInterval sets how often callbacks and chained invokes refresh
// state while other work keeps the invocation alive.
//
// Default: 5s.
func WithPollInterval(d time.Duration) Option {
	return func(cfg *runConfig) error {
		if d <= 0 {
			return fmt.Errorf("poll interval must be positive, got %v", d)
		}
		cfg.pollInterval = d
		return nil
	}
}

// WithSettleDelay sets how long a suspending operation waits for sibling
// operations to start. Zero disables the delay.
func WithSettleDelay(d time.Duration) Option {
	return func(cfg *runConfig) error {
		if d < 0 {
			return fmt.Errorf("settle delay must not be negative, got %v", d)
		}
		cfg.settleDelay = d
		return nil
	}
}

// WithSerdes sets the codec behind every default serdes. Default: JSON.
func WithSerdes(codec Codec) Option {
	return func(cfg *runConfig) error {
		if codec == nil {
			return errors.New("codec cannot be nil")
		}
		cfg.codec = codec
		return nil
	}
}

// WithModeAwareLogging toggles suppression of records below Warn while
// operations are being replayed. Default: enabled.
func WithModeAwareLogging(enabled bool) Option {
	return func(cfg *runConfig) error {
		cfg.modeAware = enabled
		return nil
	}
}

// WithMaxResultSize sets the largest serialized result returned inline.
func WithMaxResultSize(n int) Option {
	return func(cfg *runConfig) error {
		if n <= 0 {
			return fmt.Errorf("max result size must be positive, got %d", n)
		}
		cfg.maxResultSize = n
		return nil
	}
}
