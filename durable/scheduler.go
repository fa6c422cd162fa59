package durable

import (
	"sync"
	"time"
)

// Scheduler defaults.
const (
	DefaultTerminationWarmup = 2 * time.Second
	DefaultPollInterval      = 5 * time.Second
)

// resolver is one suspended operation waiting on the scheduler.
type resolver struct {
	handlerID   string
	ch          chan struct{}
	scheduledAt time.Time
	timer       *time.Timer
	poller      *time.Ticker
	stopPoll    chan struct{}
	metadata    map[string]any
}

// scheduler is the centralized promise-resolution manager. It owns every
// in-memory resolver of the invocation, keyed by handler id (the hashed
// operation id), and watches for the moment when none is left.
//
// Lifecycle of a resolver:
//
//	SCHEDULED -> RESOLVED   timer fired, or Resolve was called
//	SCHEDULED -> (removed)  Cancel or Cleanup; the waiter is never woken
//
// When the number of resolvers drops to zero a warmup window starts. New
// work scheduled inside the window cancels it; otherwise onIdle runs when it
// elapses.
type scheduler struct {
	mu        sync.Mutex
	clock     Clock
	resolvers map[string]*resolver
	warmup    *time.Timer
	closed    bool

	warmupDur    time.Duration
	pollInterval time.Duration

	// poll is called by pollers to refresh state from the durable log.
	poll func()
	// onIdle runs when a warmup window elapses with no resolver left.
	onIdle func()
	// onWarmup observes the outcome of each warmup ("terminated" or
	// "cancelled").
	onWarmup func(outcome string)
	// onPending observes the resolver count.
	onPending func(int)
}

func newScheduler(clock Clock, warmup, pollInterval time.Duration) *scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	if warmup <= 0 {
		warmup = DefaultTerminationWarmup
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &scheduler{
		clock:        clock,
		resolvers:    make(map[string]*resolver),
		warmupDur:    warmup,
		pollInterval: pollInterval,
	}
}

// ScheduleResume registers a resolver for handlerID that fires at at. A zero
// or past time resolves immediately. Scheduling a handler that already has a
// resolver replaces it: the previous timer is stopped and its channel is
// never closed.
func (s *scheduler) ScheduleResume(handlerID string, at time.Time, metadata map[string]any) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &resolver{
		handlerID:   handlerID,
		ch:          make(chan struct{}),
		scheduledAt: at,
		metadata:    metadata,
	}
	if s.closed {
		return r.ch
	}

	s.replaceLocked(r)
	s.cancelWarmupLocked()

	delay := time.Duration(0)
	if !at.IsZero() {
		delay = at.Sub(s.clock.Now())
	}
	if delay <= 0 {
		s.resolveLocked(handlerID)
		return r.ch
	}
	r.timer = time.AfterFunc(delay, func() { s.Resolve(handlerID) })
	return r.ch
}

// SchedulePolling registers a resolver with no known completion time and
// refreshes state every poll interval until it is resolved or cancelled.
func (s *scheduler) SchedulePolling(handlerID string, metadata map[string]any) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &resolver{
		handlerID: handlerID,
		ch:        make(chan struct{}),
		metadata:  metadata,
	}
	if s.closed {
		return r.ch
	}

	s.replaceLocked(r)
	s.cancelWarmupLocked()

	r.poller = time.NewTicker(s.pollInterval)
	r.stopPoll = make(chan struct{})
	go func(t *time.Ticker, stop chan struct{}) {
		for {
			select {
			case <-t.C:
				if s.poll != nil {
					s.poll()
				}
			case <-stop:
				return
			}
		}
	}(r.poller, r.stopPoll)
	return r.ch
}

// Resolve wakes the waiter of handlerID and removes its resolver.
func (s *scheduler) Resolve(handlerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolveLocked(handlerID)
}

// Cancel removes the resolver of handlerID without waking its waiter.
func (s *scheduler) Cancel(handlerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resolvers[handlerID]
	if !ok {
		return
	}
	s.stopLocked(r)
	delete(s.resolvers, handlerID)
	s.countChangedLocked()
}

// Pending returns the number of registered resolvers.
func (s *scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resolvers)
}

// WarmupActive reports whether a warmup window is running.
func (s *scheduler) WarmupActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.warmup != nil
}

// Cleanup stops every timer, poller and the warmup window and forgets all
// resolvers without waking their waiters.
func (s *scheduler) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.resolvers {
		s.stopLocked(r)
		delete(s.resolvers, id)
	}
	if s.warmup != nil {
		s.warmup.Stop()
		s.warmup = nil
	}
	s.closed = true
	if s.onPending != nil {
		s.onPending(0)
	}
}

func (s *scheduler) replaceLocked(r *resolver) {
	if prev, ok := s.resolvers[r.handlerID]; ok {
		s.stopLocked(prev)
	}
	s.resolvers[r.handlerID] = r
	if s.onPending != nil {
		s.onPending(len(s.resolvers))
	}
}

func (s *scheduler) resolveLocked(handlerID string) {
	r, ok := s.resolvers[handlerID]
	if !ok {
		return
	}
	s.stopLocked(r)
	delete(s.resolvers, handlerID)
	close(r.ch)
	s.countChangedLocked()
}

func (s *scheduler) stopLocked(r *resolver) {
	if r.timer != nil {
		r.timer.Stop()
	}
	if r.poller != nil {
		r.poller.Stop()
		close(r.stopPoll)
		r.poller = nil
	}
}

func (s *scheduler) countChangedLocked() {
	if s.onPending != nil {
		s.onPending(len(s.resolvers))
	}
	if len(s.resolvers) == 0 && !s.closed {
		s.startWarmupLocked()
	}
}

func (s *scheduler) startWarmupLocked() {
	if s.warmup != nil {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(s.warmupDur, func() {
		s.mu.Lock()
		if s.warmup != t {
			s.mu.Unlock()
			return
		}
		s.warmup = nil
		idle := len(s.resolvers) == 0 && !s.closed
		onIdle, onWarmup := s.onIdle, s.onWarmup
		s.mu.Unlock()

		if !idle {
			return
		}
		if onWarmup != nil {
			onWarmup("terminated")
		}
		if onIdle != nil {
			onIdle()
		}
	})
	s.warmup = t
}

func (s *scheduler) cancelWarmupLocked() {
	if s.warmup == nil {
		return
	}
	s.warmup.Stop()
	s.warmup = nil
	if s.onWarmup != nil {
		s.onWarmup("cancelled")
	}
}
