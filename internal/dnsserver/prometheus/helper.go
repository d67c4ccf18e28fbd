package prometheus

import (
	"context"
	"net"

	"github.com/WardenTeam/WardenDNS/internal/dnsserver"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
)

// reqLabelMetricKey contains the information for a request label.
type reqLabelMetricKey struct {
	srvInfo dnsserver.ServerInfo
	network string
	qType   string
	family  string
}

// newReqLabelMetricKey returns a new metric key from the given data.
func newReqLabelMetricKey(
	ctx context.Context,
	req *dns.Msg,
	rw dnsserver.ResponseWriter,
) (k reqLabelMetricKey) {
	return reqLabelMetricKey{
		network: string(dnsserver.NetworkFromAddr(rw.LocalAddr())),
		qType:   typeToString(req),
		family:  addrFamily(rw.RemoteAddr()),
		srvInfo: *dnsserver.MustServerInfoFromContext(ctx),
	}
}

// withLabelValues returns a counter with the label values from k.  The labels
// of vec must be: "name", "proto", "addr", "network", "type", and "family", in
// that order.
func (k reqLabelMetricKey) withLabelValues(vec *prometheus.CounterVec) (c prometheus.Counter) {
	return vec.WithLabelValues(
		k.srvInfo.Name,
		k.srvInfo.Proto.String(),
		k.srvInfo.Addr,
		k.network,
		k.qType,
		k.family,
	)
}

// srvInfoLabelValues returns the label values corresponding to srvInfo.  The
// labels of the metric vector must be: "name", "proto", and "addr", in that
// order.
func srvInfoLabelValues(srvInfo dnsserver.ServerInfo) (lvs []string) {
	return []string{srvInfo.Name, srvInfo.Proto.String(), srvInfo.Addr}
}

// addrFamily returns the address family label value for addr: "1" for IPv4,
// "2" for IPv6, and "0" if it cannot be determined.
func addrFamily(addr net.Addr) (family string) {
	ip, _ := netutil.IPAndPortFromAddr(addr)
	if ip == nil {
		return "0"
	}

	if ip.To4() != nil {
		return "1"
	}

	return "2"
}

// setBoolGauge sets gauge to the numeric value corresponding to the val.
func setBoolGauge(gauge prometheus.Gauge, val bool) {
	if val {
		gauge.Set(1)
	} else {
		gauge.Set(0)
	}
}
