package prometheus_test

import (
	"context"
	"testing"

	"github.com/WardenTeam/WardenDNS/internal/dnsserver"
	"github.com/WardenTeam/WardenDNS/internal/dnsserver/dnsservertest"
	dnssrvprom "github.com/WardenTeam/WardenDNS/internal/dnsserver/prometheus"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// Note that prometheus metrics are global by their nature so this is not a
// normal unit test, we run a DNS server, send a DNS query, and then check that
// prom metrics were incremented.
func TestServerMetricsListener_integration_requestLifetime(t *testing.T) {
	reg := prometheus.NewRegistry()
	mtrcListener, err := dnssrvprom.NewServerMetricsListener(testNamespace, reg)
	require.NoError(t, err)

	// Initialize the test server and supply the metrics listener.
	conf := &dnsserver.ConfigDNS{
		Base: &dnsserver.ConfigBase{
			BaseLogger: testLogger,
			Name:       "test",
			Addr:       "127.0.0.1:0",
			Handler:    dnsservertest.NewDefaultHandler(),
			Metrics:    mtrcListener,
			Network:    dnsserver.NetworkUDP,
		},
	}
	srv := dnsserver.NewServerDNS(conf)

	// Start the server.
	err = srv.Start(context.Background())
	require.NoError(t, err)
	testutil.CleanupAndRequireSuccess(t, func() (err error) {
		return srv.Shutdown(context.Background())
	})

	// Create a test message.
	req := dnsservertest.CreateMessage(testReqDomain, dns.TypeA)

	c := &dns.Client{Net: "udp", Timeout: testTimeout}

	// Send a test DNS query.
	addr := srv.LocalUDPAddr().String()

	// Pass several requests to make the request duration and size metrics
	// non-empty.
	for range 10 {
		res, _, exchErr := c.Exchange(req, addr)
		require.NoError(t, exchErr)
		require.NotNil(t, res)
		require.Equal(t, dns.RcodeSuccess, res.Rcode)
	}

	// Now make sure that prometheus metrics were incremented properly.
	requireMetrics(
		t,
		reg,
		"dns_server_request_total",
		"dns_server_request_duration_seconds",
		"dns_server_request_size_bytes",
		"dns_server_response_size_bytes",
		"dns_server_response_rcode_total",
	)
}
