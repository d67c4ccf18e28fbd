package ratelimit_test

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/testutil"
	"github.com/WardenTeam/WardenDNS/internal/dnsserver/dnsservertest"
	"github.com/WardenTeam/WardenDNS/internal/dnsserver/ratelimit"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTimeout is the timeout for tests.
const testTimeout = 1 * time.Second

func TestTokenBucket_IsRateLimited(t *testing.T) {
	const count = 10

	allowedAddr := netip.MustParseAddr("192.168.1.1")
	limitedAddr := netip.MustParseAddr("10.0.0.1")

	allowlist := ratelimit.NewDynamicAllowlist([]netip.Prefix{
		netip.MustParsePrefix("192.168.0.0/16"),
	}, nil)

	tb := ratelimit.NewTokenBucket(&ratelimit.TokenBucketConfig{
		Allowlist: allowlist,
		Count:     count,
		Window:    1 * time.Minute,
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	req := dnsservertest.CreateMessage("example.org.", dns.TypeA)

	t.Run("allowlisted", func(t *testing.T) {
		limited, allowlisted, err := tb.IsRateLimited(ctx, req, allowedAddr)
		require.NoError(t, err)

		assert.False(t, limited)
		assert.True(t, allowlisted)
	})

	t.Run("burst_over_limit", func(t *testing.T) {
		var gotLimited int
		for range count * 2 {
			limited, _, err := tb.IsRateLimited(ctx, req, limitedAddr)
			require.NoError(t, err)

			if limited {
				gotLimited++
			}
		}

		// The first count requests pass, the rest are refused.
		assert.Equal(t, count, gotLimited)
	})

	t.Run("other_client_unaffected", func(t *testing.T) {
		otherAddr := netip.MustParseAddr("10.0.0.2")
		limited, _, err := tb.IsRateLimited(ctx, req, otherAddr)
		require.NoError(t, err)

		assert.False(t, limited)
	})
}

func TestTokenBucket_IsRateLimited_concurrent(t *testing.T) {
	const workers = 16

	tb := ratelimit.NewTokenBucket(&ratelimit.TokenBucketConfig{
		Count:  1,
		Window: 1 * time.Minute,
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	req := dnsservertest.CreateMessage("example.org.", dns.TypeA)
	addr := netip.MustParseAddr("10.0.0.1")

	// All the first queries of one client must share a single bucket, so
	// with a count of one exactly one of them passes.
	allowed := &atomic.Int32{}
	wg := &sync.WaitGroup{}
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			limited, _, err := tb.IsRateLimited(ctx, req, addr)
			assert.NoError(t, err)

			if !limited {
				allowed.Add(1)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), allowed.Load())
}

func TestTokenBucket_refuseANY(t *testing.T) {
	tb := ratelimit.NewTokenBucket(&ratelimit.TokenBucketConfig{
		RefuseANY: true,
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	addr := netip.MustParseAddr("10.0.0.1")

	anyReq := dnsservertest.CreateMessage("example.org.", dns.TypeANY)
	limited, _, err := tb.IsRateLimited(ctx, anyReq, addr)
	require.NoError(t, err)

	assert.True(t, limited)

	aReq := dnsservertest.CreateMessage("example.org.", dns.TypeA)
	limited, _, err = tb.IsRateLimited(ctx, aReq, addr)
	require.NoError(t, err)

	assert.False(t, limited)
}
