package durable

import (
	"fmt"
	"math"
	"time"
)

// Duration is a calendar-free span expressed in whole units. It converts to
// whole seconds before it is checkpointed.
type Duration struct {
	Days    int `json:"days,omitempty" yaml:"days,omitempty"`
	Hours   int `json:"hours,omitempty" yaml:"hours,omitempty"`
	Minutes int `json:"minutes,omitempty" yaml:"minutes,omitempty"`
	Seconds int `json:"seconds,omitempty" yaml:"seconds,omitempty"`
}

// TotalSeconds returns the total number of seconds.
func (d Duration) TotalSeconds() int {
	return d.Days*86400 + d.Hours*3600 + d.Minutes*60 + d.Seconds
}

// Std converts to a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d.TotalSeconds()) * time.Second
}

// Validate rejects negative spans.
func (d Duration) Validate() error {
	if d.TotalSeconds() < 0 {
		return fmt.Errorf("%w: %+v", ErrInvalidDuration, d)
	}
	return nil
}

// Seconds builds a Duration of n seconds.
func Seconds(n int) Duration { return Duration{Seconds: n} }

// Minutes builds a Duration of n minutes.
func Minutes(n int) Duration { return Duration{Minutes: n} }

// Hours builds a Duration of n hours.
func Hours(n int) Duration { return Duration{Hours: n} }

// Days builds a Duration of n days.
func Days(n int) Duration { return Duration{Days: n} }

// FromStd rounds a time.Duration up to whole seconds.
func FromStd(d time.Duration) Duration {
	if d <= 0 {
		return Duration{}
	}
	return Duration{Seconds: int(math.Ceil(d.Seconds()))}
}

// SecondsUntil converts an absolute end time into whole seconds from now,
// rounded up. An end time in the past yields zero.
func SecondsUntil(end, now time.Time) int {
	diff := end.Sub(now)
	if diff <= 0 {
		return 0
	}
	return int(math.Ceil(diff.Seconds()))
}
