package filter_test

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/WardenTeam/WardenDNS/internal/filter"
	"github.com/WardenTeam/WardenDNS/internal/wardentest"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/AdguardTeam/golibs/testutil/faketime"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	testutil.DiscardLogOutput(m)
}

// testTimeout is the common timeout for tests.
const testTimeout = 1 * time.Second

// Common test clients.
var (
	testClientIP         = netip.MustParseAddr("192.0.2.1")
	testClientUnfiltered = netip.MustParseAddr("192.0.2.2")
	testClientOther      = netip.MustParseAddr("192.0.2.3")
)

// newTestEngine returns a refreshed engine that serves conf.
func newTestEngine(
	tb testing.TB,
	conf *filter.FilterConfig,
	clock timeutil.Clock,
) (e *filter.Engine) {
	tb.Helper()

	if clock == nil {
		clock = timeutil.SystemClock{}
	}

	e = filter.NewEngine(&filter.EngineConfig{
		Logger: slogutil.NewDiscardLogger(),
		Storage: &wardentest.FilterStorage{
			OnFilterConfig: func(_ context.Context) (c *filter.FilterConfig, err error) {
				return conf, nil
			},
		},
		Metrics: filter.EmptyMetrics{},
		Clock:   clock,
	})

	ctx := testutil.ContextWithTimeout(tb, testTimeout)
	require.NoError(tb, e.Refresh(ctx))

	return e
}

// newTestConfig returns the filtering configuration used by the precedence
// tests.
func newTestConfig() (conf *filter.FilterConfig) {
	return &filter.FilterConfig{
		BlocklistEntries: []string{
			"ads.example.com",
			"*.track.example.com",
			"good.example.com",
		},
		AllowlistEntries: []string{"good.example.com"},
		RuleTexts: []string{
			"||rules.example.org^",
			"@@||allowed.example.org^",
		},
		RegexFilters: []*filter.RegexFilter{{
			Pattern: `video-ads\d+`,
		}},
		ClientPolicies: []*filter.ClientPolicy{{
			ClientIP:         testClientIP,
			Allow:            []string{"ads.example.com"},
			Block:            []string{"mail.example.com"},
			Upstream:         "9.9.9.9:53",
			FilteringEnabled: true,
		}, {
			ClientIP:         testClientUnfiltered,
			FilteringEnabled: false,
		}},
	}
}

func TestEngine_FilterRequest(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, newTestConfig(), nil)
	ctx := testutil.ContextWithTimeout(t, testTimeout)

	testCases := []struct {
		want filter.Result
		name string
		host string
		cli  netip.Addr
	}{{
		want: &filter.ResultBlocked{List: filter.IDBlocklist, Rule: "ads.example.com"},
		name: "blocked",
		host: "ads.example.com",
		cli:  testClientOther,
	}, {
		want: &filter.ResultBlocked{List: filter.IDBlocklist, Rule: "*.track.example.com"},
		name: "blocked_wildcard",
		host: "pixel.track.example.com",
		cli:  testClientOther,
	}, {
		want: &filter.ResultAllowed{List: filter.IDAllowlist, Rule: "good.example.com"},
		name: "allowlist_over_blocklist",
		host: "good.example.com",
		cli:  testClientOther,
	}, {
		want: &filter.ResultBlocked{List: filter.IDRules, Rule: "||rules.example.org^"},
		name: "rule_blocked",
		host: "rules.example.org",
		cli:  testClientOther,
	}, {
		want: &filter.ResultAllowed{List: filter.IDRules, Rule: "@@||allowed.example.org^"},
		name: "rule_allowed",
		host: "allowed.example.org",
		cli:  testClientOther,
	}, {
		want: &filter.ResultBlocked{List: filter.IDRules, Rule: `/video-ads\d+/`},
		name: "regex_blocked",
		host: "video-ads42.example.net",
		cli:  testClientOther,
	}, {
		want: nil,
		name: "not_filtered",
		host: "plain.example.net",
		cli:  testClientOther,
	}, {
		want: &filter.ResultAllowed{List: filter.IDClientAllowlist, Rule: "ads.example.com"},
		name: "client_allow_over_global_block",
		host: "ads.example.com",
		cli:  testClientIP,
	}, {
		want: &filter.ResultBlocked{List: filter.IDClientBlocklist, Rule: "mail.example.com"},
		name: "client_blocked",
		host: "mail.example.com",
		cli:  testClientIP,
	}, {
		want: nil,
		name: "client_unfiltered",
		host: "ads.example.com",
		cli:  testClientUnfiltered,
	}, {
		want: &filter.ResultBlocked{List: filter.IDBlocklist, Rule: "ads.example.com"},
		name: "blocked_mixed_case_fqdn",
		host: "Ads.Example.COM.",
		cli:  testClientOther,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := e.FilterRequest(ctx, tc.cli, tc.host, dns.TypeA)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEngine_Disable(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &faketime.Clock{
		OnNow: func() (n time.Time) { return now },
	}

	e := newTestEngine(t, newTestConfig(), clock)
	ctx := testutil.ContextWithTimeout(t, testTimeout)

	const host = "ads.example.com"

	require.NotNil(t, e.FilterRequest(ctx, testClientOther, host, dns.TypeA))

	until := now.Add(30 * time.Second)
	e.Disable(until)

	assert.Nil(t, e.FilterRequest(ctx, testClientOther, host, dns.TypeA))

	disabled, gotUntil := e.Disabled()
	assert.True(t, disabled)
	assert.Equal(t, until, gotUntil)

	// The deadline passes, the switch flips back on the next read.
	now = until.Add(1 * time.Second)

	require.NotNil(t, e.FilterRequest(ctx, testClientOther, host, dns.TypeA))

	disabled, _ = e.Disabled()
	assert.False(t, disabled)

	// No deadline means disabled until explicitly enabled.
	e.Disable(time.Time{})
	now = now.Add(24 * time.Hour)

	assert.Nil(t, e.FilterRequest(ctx, testClientOther, host, dns.TypeA))

	e.Enable()

	assert.NotNil(t, e.FilterRequest(ctx, testClientOther, host, dns.TypeA))
}

func TestEngine_Override(t *testing.T) {
	t.Parallel()

	conf := &filter.FilterConfig{
		Overrides: []*filter.Override{{
			Name:  "router.lan",
			RData: "10.0.0.1",
			TTL:   300 * time.Second,
			QType: dns.TypeA,
		}},
	}

	e := newTestEngine(t, conf, nil)

	rrs, ok := e.Override("Router.LAN.", dns.TypeA)
	require.True(t, ok)
	require.Len(t, rrs, 1)

	a := testutil.RequireTypeAssert[*dns.A](t, rrs[0])
	assert.Equal(t, "router.lan.", a.Hdr.Name)
	assert.Equal(t, uint32(300), a.Hdr.Ttl)
	assert.Equal(t, "10.0.0.1", a.A.String())

	// The returned records are copies, so the caller may modify them.
	a.Hdr.Ttl = 1

	rrs, ok = e.Override("router.lan", dns.TypeA)
	require.True(t, ok)
	require.Len(t, rrs, 1)

	assert.Equal(t, uint32(300), rrs[0].Header().Ttl)

	_, ok = e.Override("router.lan", dns.TypeAAAA)
	assert.False(t, ok)

	_, ok = e.Override("printer.lan", dns.TypeA)
	assert.False(t, ok)
}

func TestEngine_ClientUpstream(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, newTestConfig(), nil)

	addr, ok := e.ClientUpstream(testClientIP)
	assert.True(t, ok)
	assert.Equal(t, "9.9.9.9:53", addr)

	_, ok = e.ClientUpstream(testClientOther)
	assert.False(t, ok)

	_, ok = e.ClientUpstream(testClientUnfiltered)
	assert.False(t, ok)
}

func TestEngine_Refresh_error(t *testing.T) {
	t.Parallel()

	confErr := errors.Error("test storage error")

	var returnErr bool
	strg := &wardentest.FilterStorage{
		OnFilterConfig: func(_ context.Context) (c *filter.FilterConfig, err error) {
			if returnErr {
				return nil, confErr
			}

			return newTestConfig(), nil
		},
	}

	e := filter.NewEngine(&filter.EngineConfig{
		Logger:  slogutil.NewDiscardLogger(),
		Storage: strg,
		Metrics: filter.EmptyMetrics{},
		Clock:   timeutil.SystemClock{},
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	// Before the first refresh nothing is filtered.
	assert.Nil(t, e.FilterRequest(ctx, testClientOther, "ads.example.com", dns.TypeA))

	require.NoError(t, e.Refresh(ctx))

	require.NotNil(t, e.FilterRequest(ctx, testClientOther, "ads.example.com", dns.TypeA))

	// A failed refresh keeps the previous snapshot active.
	returnErr = true

	err := e.Refresh(ctx)
	assert.ErrorIs(t, err, confErr)

	assert.NotNil(t, e.FilterRequest(ctx, testClientOther, "ads.example.com", dns.TypeA))
}
