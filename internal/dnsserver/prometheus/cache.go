package prometheus

import (
	"context"

	"github.com/WardenTeam/WardenDNS/internal/dnsserver/cache"
	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
)

// defaultCacheType is a "type" label value for the default LRU cache.
// In the future there might be a separate ECS cache.
const defaultCacheType = "default"

// CacheMetricsListener implements the [cache.MetricsListener] interface and
// increments prom counters.
type CacheMetricsListener struct {
	cacheSize   prometheus.Gauge
	hitsTotal   prometheus.Counter
	missesTotal prometheus.Counter
}

// NewCacheMetricsListener returns a new properly initialized
// *CacheMetricsListener.  As long as this function registers prometheus
// counters it must be called only once.
func NewCacheMetricsListener(
	namespace string,
	reg prometheus.Registerer,
) (l *CacheMetricsListener, err error) {
	cacheSize := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:      "size",
		Namespace: namespace,
		Subsystem: subsystemCache,
		Help:      "The total number items in the cache.",
	}, []string{"type"})

	hitsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "hits_total",
		Namespace: namespace,
		Subsystem: subsystemCache,
		Help:      "The total number of cache hits.",
	}, []string{"type"})

	missesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "misses_total",
		Namespace: namespace,
		Subsystem: subsystemCache,
		Help:      "The total number of cache misses.",
	}, []string{"type"})

	var collectors = []namedCollector{{
		collector: cacheSize,
		name:      "size",
	}, {
		collector: hitsTotal,
		name:      "hits_total",
	}, {
		collector: missesTotal,
		name:      "misses_total",
	}}

	err = register(reg, collectors)
	if err != nil {
		return nil, err
	}

	return &CacheMetricsListener{
		cacheSize:   cacheSize.WithLabelValues(defaultCacheType),
		hitsTotal:   hitsTotal.WithLabelValues(defaultCacheType),
		missesTotal: missesTotal.WithLabelValues(defaultCacheType),
	}, nil
}

// type check
var _ cache.MetricsListener = (*CacheMetricsListener)(nil)

// OnCacheItemAdded implements the [cache.MetricsListener] interface for
// [*CacheMetricsListener].
func (l *CacheMetricsListener) OnCacheItemAdded(_ context.Context, _ *dns.Msg, cacheLen int) {
	l.cacheSize.Set(float64(cacheLen))
}

// OnCacheHit implements the [cache.MetricsListener] interface for
// [*CacheMetricsListener].
func (l *CacheMetricsListener) OnCacheHit(_ context.Context, _ *dns.Msg) {
	l.hitsTotal.Inc()
}

// OnCacheMiss implements the [cache.MetricsListener] interface for
// [*CacheMetricsListener].
func (l *CacheMetricsListener) OnCacheMiss(_ context.Context, _ *dns.Msg) {
	l.missesTotal.Inc()
}
