package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/AdguardTeam/golibs/container"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/WardenTeam/WardenDNS/internal/querylog"
	"github.com/prometheus/client_golang/prometheus"
)

// QueryLog is the Prometheus-based implementation of the [querylog.Metrics]
// interface.
type QueryLog struct {
	itemsTotal    prometheus.Counter
	flushSize     prometheus.Histogram
	flushDuration prometheus.Histogram
}

// NewQueryLog creates a new Prometheus-based query log metrics collector.
func NewQueryLog(namespace string, reg prometheus.Registerer) (m *QueryLog, err error) {
	const (
		itemsTotal    = "items_total"
		flushSize     = "flush_size_entries"
		flushDuration = "flush_duration_seconds"
	)

	m = &QueryLog{
		itemsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:      itemsTotal,
			Namespace: namespace,
			Subsystem: subsystemQueryLog,
			Help:      "The total number of query log items written.",
		}),
		flushSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:      flushSize,
			Namespace: namespace,
			Subsystem: subsystemQueryLog,
			Help:      "A histogram of the sizes of flushed query log batches.",
			Buckets:   []float64{1, 10, 50, 100, 250, 500, 1000},
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:      flushDuration,
			Namespace: namespace,
			Subsystem: subsystemQueryLog,
			Help:      "A histogram of the durations of query log flushes.",
			Buckets:   []float64{0.001, 0.01, 0.1, 1, 10},
		}),
	}

	var errs []error
	collectors := container.KeyValues[string, prometheus.Collector]{{
		Key:   itemsTotal,
		Value: m.itemsTotal,
	}, {
		Key:   flushSize,
		Value: m.flushSize,
	}, {
		Key:   flushDuration,
		Value: m.flushDuration,
	}}

	for _, c := range collectors {
		err = reg.Register(c.Value)
		if err != nil {
			errs = append(errs, fmt.Errorf("registering metrics %q: %w", c.Key, err))
		}
	}

	if err = errors.Join(errs...); err != nil {
		return nil, err
	}

	return m, nil
}

// type check
var _ querylog.Metrics = (*QueryLog)(nil)

// IncrementItemsCount implements the [querylog.Metrics] interface for
// *QueryLog.
func (m *QueryLog) IncrementItemsCount(_ context.Context) {
	m.itemsTotal.Inc()
}

// ObserveFlushSize implements the [querylog.Metrics] interface for *QueryLog.
func (m *QueryLog) ObserveFlushSize(_ context.Context, count int) {
	m.flushSize.Observe(float64(count))
}

// ObserveFlushDuration implements the [querylog.Metrics] interface for
// *QueryLog.
func (m *QueryLog) ObserveFlushDuration(_ context.Context, dur time.Duration) {
	m.flushDuration.Observe(dur.Seconds())
}
