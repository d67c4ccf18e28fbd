package prometheus

import (
	"context"
	"time"

	"github.com/WardenTeam/WardenDNS/internal/dnsserver"
	"github.com/prometheus/client_golang/prometheus"
)

// ServerMetricsListener implements the [dnsserver.MetricsListener] interface
// and increments prom counters.
type ServerMetricsListener struct {
	quicAddrValidationCacheLookupsHits   prometheus.Counter
	quicAddrValidationCacheLookupsMisses prometheus.Counter

	errorTotalCounters      *initSyncMap[dnsserver.ServerInfo, prometheus.Counter]
	invalidMsgTotalCounters *initSyncMap[dnsserver.ServerInfo, prometheus.Counter]
	panicTotalCounters      *initSyncMap[dnsserver.ServerInfo, prometheus.Counter]

	reqDurationHistograms *initSyncMap[dnsserver.ServerInfo, prometheus.Observer]
	reqSizeHistograms     *initSyncMap[dnsserver.ServerInfo, prometheus.Observer]
	respSizeHistograms    *initSyncMap[dnsserver.ServerInfo, prometheus.Observer]

	reqTotalCounters *initSyncMap[reqLabelMetricKey, prometheus.Counter]

	respRCodeCounters *initSyncMap[rcodeMetricKey, prometheus.Counter]
}

// rcodeMetricKey is the key for the per-rcode response counters.
type rcodeMetricKey struct {
	srvInfo dnsserver.ServerInfo
	rcode   string
}

// NewServerMetricsListener returns a new properly initialized
// *ServerMetricsListener.  As long as this function registers prometheus
// counters it must be called only once.
func NewServerMetricsListener(
	namespace string,
	reg prometheus.Registerer,
) (l *ServerMetricsListener, err error) {
	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "request_total",
		Namespace: namespace,
		Subsystem: subsystemServer,
		Help:      "The number of processed DNS requests.",
	}, []string{"name", "proto", "addr", "network", "type", "family"})

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "request_duration_seconds",
		Namespace: namespace,
		Subsystem: subsystemServer,
		Help:      "Time elapsed on processing a DNS query.",
	}, []string{"name", "proto", "addr"})

	requestSize := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "request_size_bytes",
		Namespace: namespace,
		Subsystem: subsystemServer,
		Help:      "The size of a processed DNS query.",
		Buckets: []float64{
			0, 50, 100, 200, 300, 511, 1023, 4095, 8291,
		},
	}, []string{"name", "proto", "addr"})

	responseSize := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "response_size_bytes",
		Namespace: namespace,
		Subsystem: subsystemServer,
		Help:      "The size of a DNS response.",
		Buckets: []float64{
			0, 50, 100, 200, 300, 511, 1023, 4095, 8291,
		},
	}, []string{"name", "proto", "addr"})

	responseRCode := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "response_rcode_total",
		Namespace: namespace,
		Subsystem: subsystemServer,
		Help:      "The counter for DNS response codes.",
	}, []string{"name", "proto", "addr", "rcode"})

	errorTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "error_total",
		Namespace: namespace,
		Subsystem: subsystemServer,
		Help:      "The number of errors occurred in the DNS server.",
	}, []string{"name", "proto", "addr"})

	panicTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "panic_total",
		Namespace: namespace,
		Subsystem: subsystemServer,
		Help:      "The number of panics occurred in the DNS server.",
	}, []string{"name", "proto", "addr"})

	invalidMsgTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "invalid_msg_total",
		Namespace: namespace,
		Subsystem: subsystemServer,
		Help:      "The number of invalid DNS messages processed by the DNS server.",
	}, []string{"name", "proto", "addr"})

	quicAddrValidationCacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "quic_addr_validation_lookups",
		Namespace: namespace,
		Subsystem: subsystemServer,
		Help: "The number of QUIC address validation lookups." +
			"hit=1 means that a cached item was found.",
	}, []string{"hit"})

	var collectors = []namedCollector{{
		collector: requestTotal,
		name:      "request_total",
	}, {
		collector: requestDuration,
		name:      "request_duration_seconds",
	}, {
		collector: requestSize,
		name:      "request_size_bytes",
	}, {
		collector: responseSize,
		name:      "response_size_bytes",
	}, {
		collector: responseRCode,
		name:      "response_rcode_total",
	}, {
		collector: errorTotal,
		name:      "error_total",
	}, {
		collector: panicTotal,
		name:      "panic_total",
	}, {
		collector: invalidMsgTotal,
		name:      "invalid_msg_total",
	}, {
		collector: quicAddrValidationCacheLookups,
		name:      "quic_addr_validation_lookups",
	}}

	err = register(reg, collectors)
	if err != nil {
		return nil, err
	}

	return &ServerMetricsListener{
		quicAddrValidationCacheLookupsHits:   quicAddrValidationCacheLookups.WithLabelValues("1"),
		quicAddrValidationCacheLookupsMisses: quicAddrValidationCacheLookups.WithLabelValues("0"),

		errorTotalCounters: newInitSyncMap(func(k dnsserver.ServerInfo) (c prometheus.Counter) {
			return errorTotal.WithLabelValues(srvInfoLabelValues(k)...)
		}),
		invalidMsgTotalCounters: newInitSyncMap(
			func(k dnsserver.ServerInfo) (c prometheus.Counter) {
				return invalidMsgTotal.WithLabelValues(srvInfoLabelValues(k)...)
			},
		),
		panicTotalCounters: newInitSyncMap(func(k dnsserver.ServerInfo) (c prometheus.Counter) {
			return panicTotal.WithLabelValues(srvInfoLabelValues(k)...)
		}),

		reqDurationHistograms: newInitSyncMap(
			func(k dnsserver.ServerInfo) (o prometheus.Observer) {
				return requestDuration.WithLabelValues(srvInfoLabelValues(k)...)
			},
		),
		reqSizeHistograms: newInitSyncMap(func(k dnsserver.ServerInfo) (o prometheus.Observer) {
			return requestSize.WithLabelValues(srvInfoLabelValues(k)...)
		}),
		respSizeHistograms: newInitSyncMap(func(k dnsserver.ServerInfo) (o prometheus.Observer) {
			return responseSize.WithLabelValues(srvInfoLabelValues(k)...)
		}),

		reqTotalCounters: newInitSyncMap(func(k reqLabelMetricKey) (c prometheus.Counter) {
			return k.withLabelValues(requestTotal)
		}),

		respRCodeCounters: newInitSyncMap(func(k rcodeMetricKey) (c prometheus.Counter) {
			lvs := append(srvInfoLabelValues(k.srvInfo), k.rcode)

			return responseRCode.WithLabelValues(lvs...)
		}),
	}, nil
}

// type check
var _ dnsserver.MetricsListener = (*ServerMetricsListener)(nil)

// OnRequest implements the [dnsserver.MetricsListener] interface for
// [*ServerMetricsListener].
func (l *ServerMetricsListener) OnRequest(
	ctx context.Context,
	info *dnsserver.QueryInfo,
	rw dnsserver.ResponseWriter,
) {
	srvInfo := *dnsserver.MustServerInfoFromContext(ctx)

	l.reqTotalCounters.get(newReqLabelMetricKey(ctx, info.Request, rw)).Inc()

	ri := dnsserver.MustRequestInfoFromContext(ctx)
	l.reqDurationHistograms.get(srvInfo).Observe(time.Since(ri.StartTime).Seconds())
	l.reqSizeHistograms.get(srvInfo).Observe(float64(info.RequestSize))

	if resp := info.Response; resp != nil {
		l.respSizeHistograms.get(srvInfo).Observe(float64(info.ResponseSize))
		l.respRCodeCounters.get(rcodeMetricKey{
			srvInfo: srvInfo,
			rcode:   rCodeToString(resp.Rcode),
		}).Inc()
	} else {
		// If resp is nil, increment the counter with a special "rcode" label
		// value ("DROPPED").
		l.respRCodeCounters.get(rcodeMetricKey{
			srvInfo: srvInfo,
			rcode:   "DROPPED",
		}).Inc()
	}
}

// OnInvalidMsg implements the [dnsserver.MetricsListener] interface for
// [*ServerMetricsListener].
func (l *ServerMetricsListener) OnInvalidMsg(ctx context.Context) {
	l.invalidMsgTotalCounters.get(*dnsserver.MustServerInfoFromContext(ctx)).Inc()
}

// OnError implements the [dnsserver.MetricsListener] interface for
// [*ServerMetricsListener].
func (l *ServerMetricsListener) OnError(ctx context.Context, _ error) {
	l.errorTotalCounters.get(*dnsserver.MustServerInfoFromContext(ctx)).Inc()
}

// OnPanic implements the [dnsserver.MetricsListener] interface for
// [*ServerMetricsListener].
func (l *ServerMetricsListener) OnPanic(ctx context.Context, _ any) {
	l.panicTotalCounters.get(*dnsserver.MustServerInfoFromContext(ctx)).Inc()
}

// OnQUICAddressValidation implements the [dnsserver.MetricsListener] interface
// for [*ServerMetricsListener].
func (l *ServerMetricsListener) OnQUICAddressValidation(hit bool) {
	if hit {
		l.quicAddrValidationCacheLookupsHits.Inc()
	} else {
		l.quicAddrValidationCacheLookupsMisses.Inc()
	}
}
