package prometheus

import (
	"context"

	"github.com/WardenTeam/WardenDNS/internal/dnsserver"
	"github.com/WardenTeam/WardenDNS/internal/dnsserver/ratelimit"
	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
)

// RateLimitMetricsListener implements the [ratelimit.MetricsListener]
// interface and increments prom counters.
type RateLimitMetricsListener struct {
	droppedCounters     *initSyncMap[reqLabelMetricKey, prometheus.Counter]
	allowlistedCounters *initSyncMap[reqLabelMetricKey, prometheus.Counter]
}

// NewRateLimitMetricsListener returns a new properly initialized
// *RateLimitMetricsListener.  As long as this function registers prometheus
// counters it must be called only once.
func NewRateLimitMetricsListener(
	namespace string,
	reg prometheus.Registerer,
) (l *RateLimitMetricsListener, err error) {
	droppedTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "dropped_total",
		Namespace: namespace,
		Subsystem: subsystemRateLimit,
		Help:      "The total number of rate-limited DNS queries.",
	}, []string{"name", "proto", "addr", "network", "type", "family"})

	allowlistedTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "allowlisted_total",
		Namespace: namespace,
		Subsystem: subsystemRateLimit,
		Help:      "The total number of allowlisted DNS queries.",
	}, []string{"name", "proto", "addr", "network", "type", "family"})

	var collectors = []namedCollector{{
		collector: droppedTotal,
		name:      "dropped_total",
	}, {
		collector: allowlistedTotal,
		name:      "allowlisted_total",
	}}

	err = register(reg, collectors)
	if err != nil {
		return nil, err
	}

	return &RateLimitMetricsListener{
		droppedCounters: newInitSyncMap(func(k reqLabelMetricKey) (c prometheus.Counter) {
			return k.withLabelValues(droppedTotal)
		}),
		allowlistedCounters: newInitSyncMap(func(k reqLabelMetricKey) (c prometheus.Counter) {
			return k.withLabelValues(allowlistedTotal)
		}),
	}, nil
}

// type check
var _ ratelimit.MetricsListener = (*RateLimitMetricsListener)(nil)

// OnRateLimited implements the [ratelimit.MetricsListener] interface for
// [*RateLimitMetricsListener].
func (l *RateLimitMetricsListener) OnRateLimited(
	ctx context.Context,
	req *dns.Msg,
	rw dnsserver.ResponseWriter,
) {
	l.droppedCounters.get(newReqLabelMetricKey(ctx, req, rw)).Inc()
}

// OnAllowlisted implements the [ratelimit.MetricsListener] interface for
// [*RateLimitMetricsListener].
func (l *RateLimitMetricsListener) OnAllowlisted(
	ctx context.Context,
	req *dns.Msg,
	rw dnsserver.ResponseWriter,
) {
	l.allowlistedCounters.get(newReqLabelMetricKey(ctx, req, rw)).Inc()
}
