package durable

import (
	"encoding/json"
	"errors"

	"golang.org/x/sync/errgroup"
)

// combinatorStep records the outcome of a combinator as a step with no retry.
// The step only waits on other operations, so it is not counted as running
// work and a replay returns the recorded outcome without awaiting the inputs.
func combinatorStep[T any](dc *Context, name string, sub OperationSubType, serdes Serdes[T], fn StepFunc[T]) *Future[T] {
	if serdes == nil {
		serdes = defaultSerdes[T](dc.exec.cfg.codec)
	}
	return step(dc, name, sub, fn, stepOptions[T]{
		retry:     RetryPresets.NoRetry,
		semantics: AtLeastOncePerRetry,
		serdes:    serdes,
	}, false)
}

// All waits for every future and returns their values in order. The first
// failure fails the combinator.
func All[T any](dc *Context, name string, futures ...*Future[T]) *Future[[]T] {
	return combinatorStep(dc, name, SubTypePromiseAll, nil, func(sc StepContext) ([]T, error) {
		out := make([]T, len(futures))
		g, gctx := errgroup.WithContext(sc)
		for i, f := range futures {
			g.Go(func() error {
				r := f.result(gctx)
				if r.Kind != Completed {
					return r.Err
				}
				out[i] = r.Value
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return out, nil
	})
}

// SettledStatus is the state of one input of AllSettled.
type SettledStatus string

// Settled statuses.
const (
	SettledFulfilled SettledStatus = "fulfilled"
	SettledRejected  SettledStatus = "rejected"
)

// Settled is one result of AllSettled.
type Settled[T any] struct {
	Status SettledStatus
	Value  T
	Err    error
}

// AllSettled waits for every future and reports each outcome. It fails only
// when the invocation is suspended.
func AllSettled[T any](dc *Context, name string, futures ...*Future[T]) *Future[[]Settled[T]] {
	return combinatorStep(dc, name, SubTypePromiseAllSettled, settledSerdes[T]{codec: dc.exec.cfg.codec}, func(sc StepContext) ([]Settled[T], error) {
		out := make([]Settled[T], len(futures))
		var g errgroup.Group
		for i, f := range futures {
			g.Go(func() error {
				r := f.result(sc)
				switch r.Kind {
				case Completed:
					out[i] = Settled[T]{Status: SettledFulfilled, Value: r.Value}
				case Failed:
					out[i] = Settled[T]{Status: SettledRejected, Err: r.Err}
				default:
					return r.Err
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return out, nil
	})
}

// Any returns the value of the first future to complete. When every future
// fails it fails with an *AggregateError holding all errors in input order.
func Any[T any](dc *Context, name string, futures ...*Future[T]) *Future[T] {
	return combinatorStep(dc, name, SubTypePromiseAny, nil, func(sc StepContext) (T, error) {
		var zero T
		if len(futures) == 0 {
			return zero, &AggregateError{}
		}
		results := launch(sc, futures)
		errs := make([]error, len(futures))
		var suspension error
		for range futures {
			r := <-results
			switch r.out.Kind {
			case Completed:
				return r.out.Value, nil
			case Failed:
				errs[r.index] = r.out.Err
			default:
				suspension = r.out.Err
			}
		}
		if suspension != nil {
			return zero, suspension
		}
		return zero, &AggregateError{Errors: errs}
	})
}

// Race returns the outcome of the first future to complete or fail.
func Race[T any](dc *Context, name string, futures ...*Future[T]) *Future[T] {
	return combinatorStep(dc, name, SubTypePromiseRace, nil, func(sc StepContext) (T, error) {
		var zero T
		if len(futures) == 0 {
			return zero, errors.New("race requires at least one future")
		}
		results := launch(sc, futures)
		var suspension error
		for range futures {
			r := <-results
			if r.out.Kind != Suspended {
				return r.out.Value, r.out.Err
			}
			suspension = r.out.Err
		}
		return zero, suspension
	})
}

type indexedOutcome[T any] struct {
	index int
	out   Outcome[T]
}

// launch awaits every future concurrently. The channel is buffered so that
// losers never block once the caller stopped reading.
func launch[T any](sc StepContext, futures []*Future[T]) <-chan indexedOutcome[T] {
	results := make(chan indexedOutcome[T], len(futures))
	for i, f := range futures {
		go func() {
			results <- indexedOutcome[T]{index: i, out: f.result(sc)}
		}()
	}
	return results
}

// settledSerdes stores AllSettled results. Errors are flattened to their
// message, kind name and stack and restored as operation errors.
type settledSerdes[T any] struct {
	codec Codec
}

type settledWire struct {
	Status SettledStatus   `json:"status"`
	Value  json.RawMessage `json:"value,omitempty"`
	Reason *flatError      `json:"reason,omitempty"`
}

func (s settledSerdes[T]) Serialize(_ SerdesContext, v []Settled[T]) (*string, error) {
	codec := s.codec
	if codec == nil {
		codec = JSONCodec{}
	}
	wire := make([]settledWire, len(v))
	for i, item := range v {
		wire[i].Status = item.Status
		if item.Status == SettledRejected {
			wire[i].Reason = flattenError(item.Err)
			continue
		}
		b, err := codec.Marshal(item.Value)
		if err != nil {
			return nil, err
		}
		wire[i].Value = json.RawMessage(mustJSONString(b))
	}
	b, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	out := string(b)
	return &out, nil
}

func (s settledSerdes[T]) Deserialize(_ SerdesContext, data *string) ([]Settled[T], error) {
	if data == nil {
		return nil, nil
	}
	codec := s.codec
	if codec == nil {
		codec = JSONCodec{}
	}
	var wire []settledWire
	if err := json.Unmarshal([]byte(*data), &wire); err != nil {
		return nil, err
	}
	out := make([]Settled[T], len(wire))
	for i, w := range wire {
		out[i].Status = w.Status
		if w.Status == SettledRejected {
			out[i].Err = w.Reason.restore()
			continue
		}
		raw, err := fromJSONString(w.Value)
		if err != nil {
			return nil, err
		}
		if err := codec.Unmarshal(raw, &out[i].Value); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// mustJSONString quotes b as a JSON string so values from any codec can be
// embedded.
func mustJSONString(b []byte) []byte {
	q, _ := json.Marshal(string(b))
	return q
}

func fromJSONString(raw json.RawMessage) ([]byte, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return []byte(s), nil
}
