package durable

import (
	"errors"
	"io"
	"regexp"
	"testing"
)

func TestRetryStrategyBackoff(t *testing.T) {
	s := MustRetryStrategy(RetryConfig{
		MaxAttempts:  5,
		InitialDelay: Seconds(2),
		MaxDelay:     Seconds(10),
		BackoffRate:  2,
		Jitter:       JitterNone,
	})

	want := []int{2, 4, 8, 10}
	for i, w := range want {
		d := s(errors.New("x"), i+1)
		if !d.ShouldRetry {
			t.Fatalf("attempt %d: expected a retry", i+1)
		}
		if got := d.Delay.TotalSeconds(); got != w {
			t.Errorf("attempt %d: delay %ds, want %ds", i+1, got, w)
		}
	}
	if d := s(errors.New("x"), 5); d.ShouldRetry {
		t.Error("retried after MaxAttempts")
	}
}

func TestRetryStrategyJitter(t *testing.T) {
	half := func() float64 { return 0.5 }

	full := MustRetryStrategy(RetryConfig{MaxAttempts: 3, InitialDelay: Seconds(10), Jitter: JitterFull, Rand: half})
	if got := full(nil, 1).Delay.TotalSeconds(); got != 5 {
		t.Errorf("full jitter delay %d, want 5", got)
	}

	halfJitter := MustRetryStrategy(RetryConfig{MaxAttempts: 3, InitialDelay: Seconds(10), Jitter: JitterHalf, Rand: half})
	if got := halfJitter(nil, 1).Delay.TotalSeconds(); got != 8 {
		t.Errorf("half jitter delay %d, want 8", got)
	}

	zero := MustRetryStrategy(RetryConfig{MaxAttempts: 3, InitialDelay: Seconds(10), Jitter: JitterFull, Rand: func() float64 { return 0 }})
	if got := zero(nil, 1).Delay.TotalSeconds(); got != 1 {
		t.Errorf("delay floor %d, want 1", got)
	}
}

func TestRetryStrategyFilters(t *testing.T) {
	s := MustRetryStrategy(RetryConfig{
		MaxAttempts:           3,
		RetryableErrors:       []string{"timeout"},
		RetryablePatterns:     []*regexp.Regexp{regexp.MustCompile(`^5\d\d `)},
		RetryableErrorTargets: []error{io.ErrUnexpectedEOF},
	})

	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("read timeout"), true},
		{errors.New("503 unavailable"), true},
		{errors.New("wrapped: " + io.ErrUnexpectedEOF.Error()), false},
		{errors.Join(errors.New("read"), io.ErrUnexpectedEOF), true},
		{errors.New("404 not found"), false},
	}
	for _, tt := range tests {
		if got := s(tt.err, 1).ShouldRetry; got != tt.want {
			t.Errorf("%q: ShouldRetry = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRetryConfigValidate(t *testing.T) {
	bad := []RetryConfig{
		{MaxAttempts: -1},
		{InitialDelay: Seconds(10), MaxDelay: Seconds(5)},
		{BackoffRate: 0.5},
		{Jitter: "SOMETIMES"},
	}
	for _, c := range bad {
		if _, err := NewRetryStrategy(c); !errors.Is(err, ErrInvalidRetryConfig) {
			t.Errorf("%+v: err = %v, want ErrInvalidRetryConfig", c, err)
		}
	}
	if err := (RetryConfig{}).Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestRetryPresets(t *testing.T) {
	if RetryPresets.NoRetry(errors.New("x"), 1).ShouldRetry {
		t.Error("NoRetry retried")
	}
	if !RetryPresets.Default(errors.New("x"), 1).ShouldRetry {
		t.Error("Default did not retry the first failure")
	}
	if RetryPresets.Default(errors.New("x"), 3).ShouldRetry {
		t.Error("Default retried after 3 attempts")
	}
}

func TestWaitStrategy(t *testing.T) {
	s := NewWaitStrategy(WaitStrategyConfig[int]{
		ShouldContinuePolling: func(n int) bool { return n < 3 },
		MaxAttempts:           4,
		InitialDelay:          Seconds(1),
		BackoffRate:           2,
	})

	d, err := s(1, 1)
	if err != nil || !d.ShouldContinue || d.Delay.TotalSeconds() != 1 {
		t.Fatalf("first check: %+v, %v", d, err)
	}
	d, err = s(2, 2)
	if err != nil || d.Delay.TotalSeconds() != 2 {
		t.Fatalf("second check: %+v, %v", d, err)
	}
	d, err = s(3, 3)
	if err != nil || d.ShouldContinue {
		t.Fatalf("condition met: %+v, %v", d, err)
	}
	if _, err := s(0, 4); !errors.Is(err, ErrWaitExhausted) {
		t.Errorf("err = %v, want ErrWaitExhausted", err)
	}
}
