package durable

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"regexp"
	"strings"
)

// RetryDecision is returned by a RetryStrategy after a failed attempt.
type RetryDecision struct {
	// ShouldRetry reports whether another attempt is scheduled.
	ShouldRetry bool

	// Delay is the wait before the next attempt. It is checkpointed in whole
	// seconds; a zero delay is recorded as one second.
	Delay Duration
}

// RetryStrategy decides whether a failed attempt is retried.
//
// attemptsMade is the 1-based number of the attempt that just failed. The
// value comes from the durable log, so it keeps counting across invocations.
type RetryStrategy func(err error, attemptsMade int) RetryDecision

// JitterStrategy randomizes retry delays to avoid synchronized retry storms.
type JitterStrategy string

const (
	// JitterNone uses the computed delay as is.
	JitterNone JitterStrategy = "NONE"
	// JitterFull picks a delay uniformly in [0, delay).
	JitterFull JitterStrategy = "FULL"
	// JitterHalf picks a delay uniformly in [delay/2, delay).
	JitterHalf JitterStrategy = "HALF"
)

// RetryConfig configures the exponential backoff strategy built by
// NewRetryStrategy.
//
// The delay before attempt n+1 is:
//
//	delay = min(InitialDelay * BackoffRate^(n-1), MaxDelay)
//
// then jitter is applied and the result is rounded to whole seconds with a
// floor of one second. No retry is scheduled once attemptsMade reaches
// MaxAttempts.
//
// Example:
//
//	strategy, err := durable.NewRetryStrategy(durable.RetryConfig{
//	    MaxAttempts:     5,
//	    InitialDelay:    durable.Seconds(2),
//	    MaxDelay:        durable.Minutes(1),
//	    BackoffRate:     2,
//	    Jitter:          durable.JitterHalf,
//	    RetryableErrors: []string{"timeout", "connection reset"},
//	})
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	// Default 3.
	MaxAttempts int

	// InitialDelay before the first retry. Default 5 seconds.
	InitialDelay Duration

	// MaxDelay caps the exponential growth. Default 300 seconds.
	MaxDelay Duration

	// BackoffRate multiplies the delay after each attempt. Default 2.
	BackoffRate float64

	// Jitter strategy. Default JitterFull.
	Jitter JitterStrategy

	// RetryableErrors are substrings matched against the error message.
	RetryableErrors []string

	// RetryablePatterns are regular expressions matched against the error
	// message.
	RetryablePatterns []*regexp.Regexp

	// RetryableErrorTargets are matched with errors.Is.
	RetryableErrorTargets []error

	// Rand returns a float in [0, 1) for jitter. Defaults to math/rand.
	Rand func() float64
}

// DefaultRetryConfig holds the defaults applied to zero-valued fields.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:  3,
	InitialDelay: Seconds(5),
	MaxDelay:     Seconds(300),
	BackoffRate:  2,
	Jitter:       JitterFull,
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultRetryConfig.MaxAttempts
	}
	if c.InitialDelay.TotalSeconds() == 0 {
		c.InitialDelay = DefaultRetryConfig.InitialDelay
	}
	if c.MaxDelay.TotalSeconds() == 0 {
		c.MaxDelay = DefaultRetryConfig.MaxDelay
	}
	if c.BackoffRate == 0 {
		c.BackoffRate = DefaultRetryConfig.BackoffRate
	}
	if c.Jitter == "" {
		c.Jitter = DefaultRetryConfig.Jitter
	}
	if c.Rand == nil {
		c.Rand = rand.Float64 // #nosec G404 -- jitter for retry timing, not security
	}
	return c
}

// Validate checks the configuration after defaults are applied.
func (c RetryConfig) Validate() error {
	c = c.withDefaults()
	if c.MaxAttempts < 0 {
		return fmt.Errorf("%w: MaxAttempts must be >= 0", ErrInvalidRetryConfig)
	}
	if c.InitialDelay.TotalSeconds() < 0 || c.MaxDelay.TotalSeconds() < 0 {
		return fmt.Errorf("%w: delays must be >= 0", ErrInvalidRetryConfig)
	}
	if c.MaxDelay.TotalSeconds() < c.InitialDelay.TotalSeconds() {
		return fmt.Errorf("%w: MaxDelay must be >= InitialDelay", ErrInvalidRetryConfig)
	}
	if c.BackoffRate < 1 {
		return fmt.Errorf("%w: BackoffRate must be >= 1", ErrInvalidRetryConfig)
	}
	switch c.Jitter {
	case JitterNone, JitterFull, JitterHalf:
	default:
		return fmt.Errorf("%w: unknown jitter strategy %q", ErrInvalidRetryConfig, c.Jitter)
	}
	return nil
}

// NewRetryStrategy builds an exponential backoff RetryStrategy.
func NewRetryStrategy(cfg RetryConfig) (RetryStrategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	return func(err error, attemptsMade int) RetryDecision {
		if attemptsMade >= cfg.MaxAttempts {
			return RetryDecision{}
		}
		if !cfg.retryable(err) {
			return RetryDecision{}
		}
		return RetryDecision{ShouldRetry: true, Delay: Seconds(cfg.delaySeconds(attemptsMade))}
	}, nil
}

// MustRetryStrategy is NewRetryStrategy for configurations known to be valid.
func MustRetryStrategy(cfg RetryConfig) RetryStrategy {
	s, err := NewRetryStrategy(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

// retryable reports whether err matches the configured filters. With no
// filters configured every error is retryable.
func (c RetryConfig) retryable(err error) bool {
	if len(c.RetryableErrors) == 0 && len(c.RetryablePatterns) == 0 && len(c.RetryableErrorTargets) == 0 {
		return true
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	for _, s := range c.RetryableErrors {
		if strings.Contains(msg, s) {
			return true
		}
	}
	for _, re := range c.RetryablePatterns {
		if re.MatchString(msg) {
			return true
		}
	}
	for _, target := range c.RetryableErrorTargets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// delaySeconds computes the jittered delay after attemptsMade attempts.
func (c RetryConfig) delaySeconds(attemptsMade int) int {
	exp := attemptsMade - 1
	if exp < 0 {
		exp = 0
	}
	base := math.Min(
		float64(c.InitialDelay.TotalSeconds())*math.Pow(c.BackoffRate, float64(exp)),
		float64(c.MaxDelay.TotalSeconds()),
	)

	var delay float64
	switch c.Jitter {
	case JitterFull:
		delay = c.Rand() * base
	case JitterHalf:
		delay = base/2 + c.Rand()*(base/2)
	default:
		delay = base
	}
	return int(math.Max(1, math.Round(delay)))
}

// RetryPresets are ready-made strategies.
var RetryPresets = struct {
	// Default retries up to 3 attempts with 5s initial delay, 60s cap,
	// doubling and full jitter.
	Default RetryStrategy
	// NoRetry never retries.
	NoRetry RetryStrategy
}{
	Default: MustRetryStrategy(RetryConfig{
		MaxAttempts:  3,
		InitialDelay: Seconds(5),
		MaxDelay:     Seconds(60),
		BackoffRate:  2,
		Jitter:       JitterFull,
	}),
	NoRetry: func(error, int) RetryDecision { return RetryDecision{} },
}
