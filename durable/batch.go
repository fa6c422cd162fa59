package durable

import (
	"encoding/json"
)

// BatchItemStatus is the state of one item of a Map or Parallel.
type BatchItemStatus string

// Batch item statuses.
const (
	BatchItemSucceeded BatchItemStatus = "SUCCEEDED"
	BatchItemFailed    BatchItemStatus = "FAILED"
	// BatchItemStarted items were still running when the completion criteria
	// were met.
	BatchItemStarted BatchItemStatus = "STARTED"
)

// CompletionReason says why a Map or Parallel stopped.
type CompletionReason string

// Completion reasons.
const (
	CompletionAllCompleted             CompletionReason = "ALL_COMPLETED"
	CompletionMinSuccessfulReached     CompletionReason = "MIN_SUCCESSFUL_REACHED"
	CompletionFailureToleranceExceeded CompletionReason = "FAILURE_TOLERANCE_EXCEEDED"
)

// BatchItem is the outcome of one item.
type BatchItem[T any] struct {
	Index  int
	Status BatchItemStatus
	Result T
	Err    error
}

// BatchResult is the outcome of a Map or Parallel. Items that were never
// launched are absent from All.
type BatchResult[T any] struct {
	All              []BatchItem[T]
	CompletionReason CompletionReason
}

// Succeeded returns the items that succeeded.
func (b *BatchResult[T]) Succeeded() []BatchItem[T] { return b.filter(BatchItemSucceeded) }

// Failed returns the items that failed.
func (b *BatchResult[T]) Failed() []BatchItem[T] { return b.filter(BatchItemFailed) }

// Started returns the items that were still running.
func (b *BatchResult[T]) Started() []BatchItem[T] { return b.filter(BatchItemStarted) }

func (b *BatchResult[T]) filter(s BatchItemStatus) []BatchItem[T] {
	var out []BatchItem[T]
	for _, it := range b.All {
		if it.Status == s {
			out = append(out, it)
		}
	}
	return out
}

// HasFailure reports whether any item failed.
func (b *BatchResult[T]) HasFailure() bool { return b.FailureCount() > 0 }

// Status is FAILED when any item failed and SUCCEEDED otherwise.
func (b *BatchResult[T]) Status() BatchItemStatus {
	if b.HasFailure() {
		return BatchItemFailed
	}
	return BatchItemSucceeded
}

// ThrowIfError returns the error of the first failed item.
func (b *BatchResult[T]) ThrowIfError() error {
	for _, it := range b.All {
		if it.Status == BatchItemFailed {
			return it.Err
		}
	}
	return nil
}

// Results returns the values of the succeeded items in index order.
func (b *BatchResult[T]) Results() []T {
	var out []T
	for _, it := range b.Succeeded() {
		out = append(out, it.Result)
	}
	return out
}

// Errors returns the errors of the failed items in index order.
func (b *BatchResult[T]) Errors() []error {
	var out []error
	for _, it := range b.Failed() {
		out = append(out, it.Err)
	}
	return out
}

// SuccessCount is the number of succeeded items.
func (b *BatchResult[T]) SuccessCount() int { return len(b.Succeeded()) }

// FailureCount is the number of failed items.
func (b *BatchResult[T]) FailureCount() int { return len(b.Failed()) }

// StartedCount is the number of items still running.
func (b *BatchResult[T]) StartedCount() int { return len(b.Started()) }

// TotalCount is the number of launched items.
func (b *BatchResult[T]) TotalCount() int { return len(b.All) }

// batchSerdes stores a BatchResult as
// {"all":[{"index","status","result","error"}],"completionReason"}. Item
// results are encoded with the item serdes.
type batchSerdes[T any] struct {
	item Serdes[T]
}

type batchItemWire struct {
	Index  int             `json:"index"`
	Status BatchItemStatus `json:"status"`
	Result *string         `json:"result,omitempty"`
	Error  *ErrorObject    `json:"error,omitempty"`
}

type batchWire struct {
	All              []batchItemWire  `json:"all"`
	CompletionReason CompletionReason `json:"completionReason"`
}

func (s batchSerdes[T]) Serialize(sc SerdesContext, b *BatchResult[T]) (*string, error) {
	w := batchWire{All: make([]batchItemWire, 0, len(b.All)), CompletionReason: b.CompletionReason}
	for _, it := range b.All {
		iw := batchItemWire{Index: it.Index, Status: it.Status}
		switch it.Status {
		case BatchItemSucceeded:
			r, err := s.item.Serialize(sc, it.Result)
			if err != nil {
				return nil, err
			}
			iw.Result = r
		case BatchItemFailed:
			iw.Error = ToErrorObject(it.Err, ErrorKindChildContext)
		}
		w.All = append(w.All, iw)
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	out := string(data)
	return &out, nil
}

func (s batchSerdes[T]) Deserialize(sc SerdesContext, data *string) (*BatchResult[T], error) {
	if data == nil {
		return &BatchResult[T]{CompletionReason: CompletionAllCompleted}, nil
	}
	var w batchWire
	if err := json.Unmarshal([]byte(*data), &w); err != nil {
		return nil, err
	}
	b := &BatchResult[T]{All: make([]BatchItem[T], 0, len(w.All)), CompletionReason: w.CompletionReason}
	for _, iw := range w.All {
		it := BatchItem[T]{Index: iw.Index, Status: iw.Status}
		switch iw.Status {
		case BatchItemSucceeded:
			v, err := s.item.Deserialize(sc, iw.Result)
			if err != nil {
				return nil, err
			}
			it.Result = v
		case BatchItemFailed:
			it.Err = ErrorFromObject(iw.Error, ErrorKindChildContext, "Batch item failed")
		}
		b.All = append(b.All, it)
	}
	return b, nil
}
