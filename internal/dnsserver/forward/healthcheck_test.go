package forward_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/WardenTeam/WardenDNS/internal/dnsserver"
	"github.com/WardenTeam/WardenDNS/internal/dnsserver/dnsservertest"
	"github.com/WardenTeam/WardenDNS/internal/dnsserver/forward"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_Refresh(t *testing.T) {
	var upstreamIsUp atomic.Bool
	var upstreamRequestsCount atomic.Int64

	defaultHandler := dnsservertest.NewDefaultHandler()

	// This handler writes an empty message if upstreamUp flag is false.
	handlerFunc := dnsserver.HandlerFunc(func(
		ctx context.Context,
		rw dnsserver.ResponseWriter,
		req *dns.Msg,
	) (err error) {
		upstreamRequestsCount.Add(1)

		nrw := dnsserver.NewNonWriterResponseWriter(rw.LocalAddr(), rw.RemoteAddr())
		err = defaultHandler.ServeDNS(ctx, nrw, req)
		if err != nil {
			return err
		}

		if !upstreamIsUp.Load() {
			return rw.WriteMsg(ctx, req, &dns.Msg{})
		}

		return rw.WriteMsg(ctx, req, nrw.Msg())
	})

	upstream, _ := dnsservertest.RunDNSServer(t, handlerFunc)
	fallback, _ := dnsservertest.RunDNSServer(t, defaultHandler)
	handler, err := forward.NewHandler(&forward.HandlerConfig{
		Logger: slogutil.NewDiscardLogger(),
		Upstreams: []*forward.UpstreamConfig{{
			Address: upstream.LocalUDPAddr().String(),
			Timeout: testTimeout,
		}},
		Fallbacks: []*forward.UpstreamConfig{{
			Address: fallback.LocalUDPAddr().String(),
			Timeout: testTimeout,
		}},
		Healthcheck: &forward.HealthcheckConfig{
			DomainTempalate: "${RANDOM}.upstream-check.example",
			// Make sure that the handler routes queries back to the main
			// upstream immediately.
			BackoffDuration: 0,
			Enabled:         true,
		},
	})
	require.NoError(t, err)

	req := dnsservertest.CreateMessage("example.org.", dns.TypeA)
	rw := dnsserver.NewNonWriterResponseWriter(fallback.LocalUDPAddr(), fallback.LocalUDPAddr())

	err = handler.ServeDNS(testutil.ContextWithTimeout(t, testTimeout), rw, req)
	require.Error(t, err)
	assert.Equal(t, int64(2), upstreamRequestsCount.Load())

	err = handler.Refresh(testutil.ContextWithTimeout(t, testTimeout))
	require.Error(t, err)
	assert.Equal(t, int64(4), upstreamRequestsCount.Load())

	err = handler.ServeDNS(testutil.ContextWithTimeout(t, testTimeout), rw, req)
	require.NoError(t, err)
	assert.Equal(t, int64(4), upstreamRequestsCount.Load())

	// Now, set upstream up.
	upstreamIsUp.Store(true)

	err = handler.ServeDNS(testutil.ContextWithTimeout(t, testTimeout), rw, req)
	require.NoError(t, err)
	assert.Equal(t, int64(4), upstreamRequestsCount.Load())

	err = handler.Refresh(testutil.ContextWithTimeout(t, testTimeout))
	require.NoError(t, err)
	assert.Equal(t, int64(5), upstreamRequestsCount.Load())

	err = handler.ServeDNS(testutil.ContextWithTimeout(t, testTimeout), rw, req)
	require.NoError(t, err)
	assert.Equal(t, int64(6), upstreamRequestsCount.Load())
}
