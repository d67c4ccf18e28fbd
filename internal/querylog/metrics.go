package querylog

import (
	"context"
	"time"
)

// Metrics is an interface that is used for the collection of the query log
// statistics.
type Metrics interface {
	// IncrementItemsCount increments the total number of query log entries
	// written.
	IncrementItemsCount(ctx context.Context)

	// ObserveFlushSize stores the entry count of a flushed batch.
	ObserveFlushSize(ctx context.Context, count int)

	// ObserveFlushDuration stores the duration of a storage flush.
	ObserveFlushDuration(ctx context.Context, dur time.Duration)
}

// EmptyMetrics is the implementation of the [Metrics] interface that does
// nothing.
type EmptyMetrics struct{}

// type check
var _ Metrics = EmptyMetrics{}

// IncrementItemsCount implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) IncrementItemsCount(_ context.Context) {}

// ObserveFlushSize implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) ObserveFlushSize(_ context.Context, _ int) {}

// ObserveFlushDuration implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) ObserveFlushDuration(_ context.Context, _ time.Duration) {}
