package prometheus

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/WardenTeam/WardenDNS/internal/dnsserver/forward"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
)

// ForwardMetricsListener implements the [forward.MetricsListener] interface
// and increments prom counters.
type ForwardMetricsListener struct {
	// mu protects statusGauges.
	mu *sync.Mutex

	// statusGauges stores the gauges corresponding to the upstream to avoid
	// allocating the labels each time the upstream status changes.
	statusGauges map[forward.Upstream]prometheus.Gauge

	requestTotal    *prometheus.CounterVec
	responseRCode   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	errorTotal      *prometheus.CounterVec
	upstreamStatus  *prometheus.GaugeVec
}

// NewForwardMetricsListener returns a new properly initialized
// *ForwardMetricsListener expecting to track upsNumHint upstreams.  As long as
// this function registers prometheus counters it must be called only once.
func NewForwardMetricsListener(
	namespace string,
	reg prometheus.Registerer,
	upsNumHint int,
) (l *ForwardMetricsListener, err error) {
	l = &ForwardMetricsListener{
		mu:           &sync.Mutex{},
		statusGauges: make(map[forward.Upstream]prometheus.Gauge, upsNumHint),

		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:      "request_total",
			Namespace: namespace,
			Subsystem: subsystemForward,
			Help:      "The number of processed DNS requests.",
		}, []string{"to", "network"}),

		responseRCode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:      "response_rcode_total",
			Namespace: namespace,
			Subsystem: subsystemForward,
			Help:      "The counter for DNS response codes.",
		}, []string{"to", "rcode"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:      "request_duration_seconds",
			Namespace: namespace,
			Subsystem: subsystemForward,
			Help:      "Time elapsed on processing a DNS query.",
		}, []string{"to", "network"}),

		errorTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:      "error_total",
			Namespace: namespace,
			Subsystem: subsystemForward,
			Help:      "The number of errors occurred when processing a DNS query.",
		}, []string{"to", "type"}),

		upstreamStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:      "upstream_status",
			Namespace: namespace,
			Subsystem: subsystemForward,
			Help:      "Status of the upstream. 1 is okay, 0 the upstream is disabled.",
		}, []string{"to", "type"}),
	}

	var collectors = []namedCollector{{
		collector: l.requestTotal,
		name:      "request_total",
	}, {
		collector: l.responseRCode,
		name:      "response_rcode_total",
	}, {
		collector: l.requestDuration,
		name:      "request_duration_seconds",
	}, {
		collector: l.errorTotal,
		name:      "error_total",
	}, {
		collector: l.upstreamStatus,
		name:      "upstream_status",
	}}

	err = register(reg, collectors)
	if err != nil {
		return nil, err
	}

	return l, nil
}

// type check
var _ forward.MetricsListener = (*ForwardMetricsListener)(nil)

// OnForwardRequest implements the [forward.MetricsListener] interface for
// [*ForwardMetricsListener].
func (l *ForwardMetricsListener) OnForwardRequest(
	_ context.Context,
	ups forward.Upstream,
	_, resp *dns.Msg,
	nw forward.Network,
	startTime time.Time,
	err error,
) {
	to, network := ups.String(), string(nw)

	l.requestTotal.WithLabelValues(to, network).Inc()
	l.requestDuration.WithLabelValues(to, network).Observe(time.Since(startTime).Seconds())

	if resp != nil {
		l.responseRCode.WithLabelValues(to, rCodeToString(resp.Rcode)).Inc()
	}

	if err != nil {
		l.errorTotal.WithLabelValues(to, errorType(err)).Inc()
	}
}

// statusGaugeByUpstream returns the gauge corresponding to the ups.  It's safe
// for concurrent use.
func (l *ForwardMetricsListener) statusGaugeByUpstream(
	ups forward.Upstream,
	isMain bool,
) (gauge prometheus.Gauge) {
	l.mu.Lock()
	defer l.mu.Unlock()

	gauge, ok := l.statusGauges[ups]
	if !ok {
		typ := "upstream"
		if !isMain {
			typ = "fallback"
		}

		gauge = l.upstreamStatus.WithLabelValues(ups.String(), typ)
		l.statusGauges[ups] = gauge
	}

	return gauge
}

// OnUpstreamStatusChanged implements the [forward.MetricsListener] interface
// for [*ForwardMetricsListener].
func (l *ForwardMetricsListener) OnUpstreamStatusChanged(
	ups forward.Upstream,
	isMain bool,
	status bool,
) {
	setBoolGauge(l.statusGaugeByUpstream(ups, isMain), status)
}

// errorType returns the human-readable type of error for the metrics.
func errorType(err error) (typ string) {
	var netErr net.Error

	isNet := errors.As(err, &netErr)
	if errors.Is(err, context.DeadlineExceeded) || (isNet && netErr.Timeout()) {
		return "timeout"
	}

	if isNet {
		return "network"
	}

	return "other"
}
