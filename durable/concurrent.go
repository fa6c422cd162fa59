package durable

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// CompletionConfig ends a Map or Parallel before every item finished. With
// no criteria set every launched item runs to completion.
type CompletionConfig struct {
	// MinSuccessful stops once this many items succeeded.
	MinSuccessful int
	// ToleratedFailureCount stops once more items than this failed.
	ToleratedFailureCount *int
	// ToleratedFailurePercentage stops once the failed share of all items
	// exceeds this percentage.
	ToleratedFailurePercentage *float64
}

// check reports whether the batch is complete after succeeded and failed of
// total items finished, and why.
func (c *CompletionConfig) check(succeeded, failed, total int) (bool, CompletionReason) {
	if c != nil {
		if c.MinSuccessful > 0 && succeeded >= c.MinSuccessful {
			return true, CompletionMinSuccessfulReached
		}
		if c.ToleratedFailureCount != nil && failed > *c.ToleratedFailureCount {
			return true, CompletionFailureToleranceExceeded
		}
		if c.ToleratedFailurePercentage != nil && total > 0 &&
			float64(failed)*100/float64(total) > *c.ToleratedFailurePercentage {
			return true, CompletionFailureToleranceExceeded
		}
	}
	if succeeded+failed >= total {
		return true, CompletionAllCompleted
	}
	return false, ""
}

// MapFunc processes one item in its own child context.
type MapFunc[I, O any] func(dc *Context, item I, index int) (O, error)

// MapConfig configures Map.
type MapConfig[O any] struct {
	// MaxConcurrency bounds the items running at once. Zero means no bound.
	MaxConcurrency int
	Completion     *CompletionConfig
	// ItemSerdes converts item results. Default: the handler's codec.
	ItemSerdes Serdes[O]
	// ItemName names the child context of each item. Default: "<name>-<index>".
	ItemName func(index int) string
}

// Map runs fn over items concurrently, each item in its own child context.
// Item operations get their ids in index order, whatever order they run in.
func Map[I, O any](dc *Context, name string, items []I, fn MapFunc[I, O], cfg ...MapConfig[O]) *Future[*BatchResult[O]] {
	var c MapConfig[O]
	if len(cfg) > 0 {
		c = cfg[0]
	}
	nameOf := c.ItemName
	if nameOf == nil {
		nameOf = func(i int) string { return indexedName(name, i) }
	}
	return runBatch(dc, name, SubTypeMap, SubTypeMapIteration, batchOptions[O]{
		count:       len(items),
		nameOf:      nameOf,
		run:         func(child *Context, i int) (O, error) { return fn(child, items[i], i) },
		concurrency: c.MaxConcurrency,
		completion:  c.Completion,
		serdes:      c.ItemSerdes,
	})
}

// ParallelBranch is one branch of Parallel.
type ParallelBranch[T any] struct {
	Name string
	Func func(dc *Context) (T, error)
}

// ParallelConfig configures Parallel.
type ParallelConfig[T any] struct {
	MaxConcurrency int
	Completion     *CompletionConfig
	ItemSerdes     Serdes[T]
}

// Parallel runs branches concurrently, each in its own child context.
func Parallel[T any](dc *Context, name string, branches []ParallelBranch[T], cfg ...ParallelConfig[T]) *Future[*BatchResult[T]] {
	var c ParallelConfig[T]
	if len(cfg) > 0 {
		c = cfg[0]
	}
	return runBatch(dc, name, SubTypeParallel, SubTypeParallelBranch, batchOptions[T]{
		count: len(branches),
		nameOf: func(i int) string {
			if branches[i].Name != "" {
				return branches[i].Name
			}
			return indexedName(name, i)
		},
		run:         func(child *Context, i int) (T, error) { return branches[i].Func(child) },
		concurrency: c.MaxConcurrency,
		completion:  c.Completion,
		serdes:      c.ItemSerdes,
	})
}

func indexedName(name string, i int) string {
	if name == "" {
		return ""
	}
	return fmt.Sprintf("%s-%d", name, i)
}

type batchOptions[T any] struct {
	count       int
	nameOf      func(int) string
	run         func(*Context, int) (T, error)
	concurrency int
	completion  *CompletionConfig
	serdes      Serdes[T]
}

func runBatch[T any](dc *Context, name string, sub, itemSub OperationSubType, o batchOptions[T]) *Future[*BatchResult[T]] {
	if o.serdes == nil {
		o.serdes = defaultSerdes[T](dc.exec.cfg.codec)
	}
	return runInChildContext(dc, name, func(top *Context) (*BatchResult[T], error) {
		return executeBatch(top, itemSub, o)
	}, childOptions[*BatchResult[T]]{subType: sub, serdes: batchSerdes[T]{item: o.serdes}})
}

// executeBatch launches the items and collects outcomes until the completion
// criteria are met. Items still running at that point keep running; they are
// reported as STARTED and their later outcomes are ignored.
func executeBatch[T any](top *Context, itemSub OperationSubType, o batchOptions[T]) (*BatchResult[T], error) {
	n := o.count
	futures := make([]*Future[T], n)
	for i := 0; i < n; i++ {
		futures[i] = runInChildContext(top, o.nameOf(i), func(child *Context) (T, error) {
			return o.run(child, i)
		}, childOptions[T]{subType: itemSub, serdes: o.serdes})
	}

	var (
		mu       sync.Mutex
		stopped  bool
		launched = make([]bool, n)
		results  = make(chan indexedOutcome[T], n)
	)
	go func() {
		var g errgroup.Group
		if o.concurrency > 0 {
			g.SetLimit(o.concurrency)
		}
		for i := 0; i < n; i++ {
			g.Go(func() error {
				mu.Lock()
				if stopped {
					mu.Unlock()
					return nil
				}
				launched[i] = true
				mu.Unlock()
				results <- indexedOutcome[T]{index: i, out: futures[i].result(top)}
				return nil
			})
		}
		_ = g.Wait()
	}()

	outcomes := make([]*Outcome[T], n)
	succeeded, failedCount := 0, 0
	reason := CompletionAllCompleted
	for received := 0; received < n; received++ {
		if done, why := o.completion.check(succeeded, failedCount, n); done && received > 0 {
			reason = why
			break
		}
		var r indexedOutcome[T]
		select {
		case r = <-results:
		case <-top.exec.term.Done():
			mu.Lock()
			stopped = true
			mu.Unlock()
			return nil, top.suspendedOutcome()
		}
		if r.out.Kind == Suspended {
			mu.Lock()
			stopped = true
			mu.Unlock()
			return nil, r.out.Err
		}
		out := r.out
		outcomes[r.index] = &out
		if out.Kind == Completed {
			succeeded++
		} else {
			failedCount++
		}
		if received+1 == n {
			_, reason = o.completion.check(succeeded, failedCount, n)
		}
	}

	mu.Lock()
	stopped = true
	started := append([]bool(nil), launched...)
	mu.Unlock()

	b := &BatchResult[T]{CompletionReason: reason, All: make([]BatchItem[T], 0, n)}
	for i := 0; i < n; i++ {
		switch {
		case outcomes[i] != nil && outcomes[i].Kind == Completed:
			b.All = append(b.All, BatchItem[T]{Index: i, Status: BatchItemSucceeded, Result: outcomes[i].Value})
		case outcomes[i] != nil:
			b.All = append(b.All, BatchItem[T]{Index: i, Status: BatchItemFailed, Err: outcomes[i].Err})
		case started[i]:
			b.All = append(b.All, BatchItem[T]{Index: i, Status: BatchItemStarted})
		}
	}
	return b, nil
}
