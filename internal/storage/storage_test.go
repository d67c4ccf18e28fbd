package storage_test

import (
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/WardenTeam/WardenDNS/internal/filter"
	"github.com/WardenTeam/WardenDNS/internal/querylog"
	"github.com/WardenTeam/WardenDNS/internal/storage"
	"github.com/WardenTeam/WardenDNS/internal/zone"
	"github.com/WardenTeam/WardenDNS/internal/zone/xfer"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	testutil.DiscardLogOutput(m)
}

// testTimeout is the common timeout for tests.
const testTimeout = 5 * time.Second

// newTestStore returns a store over a fresh temporary database.
func newTestStore(tb testing.TB) (s *storage.Store) {
	tb.Helper()

	s, err := storage.New(&storage.Config{
		Logger: slogutil.NewDiscardLogger(),
		Path:   filepath.Join(tb.TempDir(), "warden.db"),
	})
	require.NoError(tb, err)
	testutil.CleanupAndRequireSuccess(tb, s.Close)

	return s
}

func TestStore_settings(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := testutil.ContextWithTimeout(t, testTimeout)

	got, err := s.Setting(ctx, storage.SettingAnonymizerSecret)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.SetSetting(ctx, storage.SettingAnonymizerSecret, "abc"))
	require.NoError(t, s.SetSetting(ctx, storage.SettingAnonymizerSecret, "def"))

	got, err = s.Setting(ctx, storage.SettingAnonymizerSecret)
	require.NoError(t, err)
	assert.Equal(t, "def", got)
}

func TestStore_filterConfig(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := testutil.ContextWithTimeout(t, testTimeout)

	require.NoError(t, s.AddBlocklistEntry(ctx, "ads.example.com"))
	require.NoError(t, s.AddBlocklistEntry(ctx, "tracker.example.net"))
	require.NoError(t, s.DeleteBlocklistEntry(ctx, "tracker.example.net"))

	require.NoError(t, s.AddAllowlistEntry(ctx, "good.example.com", "keep"))
	require.NoError(t, s.AddRegexFilter(ctx, `.*\.ads\..*`, false))

	require.NoError(t, s.AddOverride(ctx, &filter.Override{
		Name:  "nas.home.arpa.",
		QType: dns.TypeA,
		RData: "10.0.0.15",
		TTL:   5 * time.Minute,
	}))

	conf, err := s.FilterConfig(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"ads.example.com"}, conf.BlocklistEntries)
	assert.Equal(t, []string{"good.example.com"}, conf.AllowlistEntries)

	require.Len(t, conf.RegexFilters, 1)
	assert.Equal(t, `.*\.ads\..*`, conf.RegexFilters[0].Pattern)
	assert.False(t, conf.RegexFilters[0].Allow)

	require.Len(t, conf.Overrides, 1)
	assert.Equal(t, "nas.home.arpa.", conf.Overrides[0].Name)
	assert.Equal(t, 5*time.Minute, conf.Overrides[0].TTL)
}

func TestStore_filterConfig_sources(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := testutil.ContextWithTimeout(t, testTimeout)

	onID, err := s.AddBlocklistSource(ctx, "https://adlists.example/on.txt")
	require.NoError(t, err)

	offID, err := s.AddBlocklistSource(ctx, "https://adlists.example/off.txt")
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	require.NoError(t, s.ReplaceSourceEntries(ctx, onID, []string{"||ads.example^"}, now))
	require.NoError(t, s.ReplaceSourceEntries(ctx, offID, []string{"||junk.example^"}, now))

	require.NoError(t, s.SetBlocklistSourceEnabled(ctx, offID, false))

	conf, err := s.FilterConfig(ctx)
	require.NoError(t, err)

	// Only the enabled source contributes rules.
	assert.Equal(t, []string{"||ads.example^"}, conf.RuleTexts)

	srcs, err := s.BlocklistSources(ctx)
	require.NoError(t, err)
	require.Len(t, srcs, 2)
	assert.Equal(t, now.Unix(), srcs[0].LastUpdated.Unix())

	require.NoError(t, s.DeleteBlocklistSource(ctx, onID))

	conf, err = s.FilterConfig(ctx)
	require.NoError(t, err)
	assert.Empty(t, conf.RuleTexts)
}

func TestStore_clientPolicies(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := testutil.ContextWithTimeout(t, testTimeout)

	ip := netip.MustParseAddr("192.0.2.33")
	require.NoError(t, s.SetClientPolicy(ctx, &filter.ClientPolicy{
		ClientIP:         ip,
		Upstream:         "10.0.0.1:53",
		Allow:            []string{"allowed.example.com"},
		Block:            []string{"blocked.example.com"},
		FilteringEnabled: true,
	}))

	// Replacing shrinks the pattern sets and clears the upstream.
	require.NoError(t, s.SetClientPolicy(ctx, &filter.ClientPolicy{
		ClientIP:         ip,
		Block:            []string{"other.example.com"},
		FilteringEnabled: false,
	}))

	conf, err := s.FilterConfig(ctx)
	require.NoError(t, err)
	require.Len(t, conf.ClientPolicies, 1)

	p := conf.ClientPolicies[0]
	assert.Equal(t, ip, p.ClientIP)
	assert.Empty(t, p.Upstream)
	assert.Empty(t, p.Allow)
	assert.Equal(t, []string{"other.example.com"}, p.Block)
	assert.False(t, p.FilteringEnabled)

	require.NoError(t, s.DeleteClientPolicy(ctx, ip))

	conf, err = s.FilterConfig(ctx)
	require.NoError(t, err)
	assert.Empty(t, conf.ClientPolicies)
}

// addTestZone creates a small zone and returns its ID.
func addTestZone(tb testing.TB, s *storage.Store) (id int64) {
	tb.Helper()

	ctx := testutil.ContextWithTimeout(tb, testTimeout)
	id, err := s.AddZone(ctx, &zone.Config{
		Name:        "example.org.",
		TransferACL: []netip.Prefix{netip.MustParsePrefix("192.0.2.0/28")},
		TSIGKeys:    []string{"transfer-key.example.org."},
		Enabled:     true,
	})
	require.NoError(tb, err)

	for _, r := range []*zone.Record{{
		Name:    zone.Apex,
		Data:    "ns1.example.org. hostmaster.example.org. 1 3600 900 604800 300",
		TTL:     1 * time.Hour,
		Type:    dns.TypeSOA,
		Enabled: true,
	}, {
		Name:    "www",
		Data:    "192.0.2.10",
		TTL:     5 * time.Minute,
		Type:    dns.TypeA,
		Enabled: true,
	}} {
		_, err = s.AddZoneRecord(ctx, id, r)
		require.NoError(tb, err)
	}

	return id
}

func TestStore_zoneData(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	id := addTestZone(t, s)

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	zones, err := s.ZoneData(ctx)
	require.NoError(t, err)
	require.Len(t, zones, 1)

	d := zones[0]
	assert.Equal(t, id, d.Conf.ID)
	assert.Equal(t, "example.org.", d.Conf.Name)
	assert.Equal(t, uint32(1), d.Conf.Serial)
	assert.True(t, d.Conf.Enabled)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("192.0.2.0/28")}, d.Conf.TransferACL)
	assert.Equal(t, []string{"transfer-key.example.org."}, d.Conf.TSIGKeys)

	require.Len(t, d.Records, 2)
	assert.Empty(t, d.Changes)
}

func TestStore_saveChange(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	id := addTestZone(t, s)

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	add, err := dns.NewRR("api.example.org. 300 IN A 192.0.2.11")
	require.NoError(t, err)

	del, err := dns.NewRR("www.example.org. 0 IN A 192.0.2.10")
	require.NoError(t, err)

	require.NoError(t, s.SaveChange(ctx, id, &zone.Change{
		Serial: 2,
		Ops: []zone.Op{
			{RR: add},
			{RR: del, Del: true},
		},
	}))

	zones, err := s.ZoneData(ctx)
	require.NoError(t, err)
	require.Len(t, zones, 1)

	d := zones[0]
	assert.Equal(t, uint32(2), d.Conf.Serial)

	// The record table follows the change: www is gone, api is there.
	names := make([]string, 0, len(d.Records))
	for _, r := range d.Records {
		names = append(names, r.Name)
	}
	assert.ElementsMatch(t, []string{zone.Apex, "api"}, names)

	require.Len(t, d.Changes, 1)
	ch := d.Changes[0]
	assert.Equal(t, uint32(2), ch.Serial)
	require.Len(t, ch.Ops, 2)
	assert.False(t, ch.Ops[0].Del)
	assert.Equal(t, "api.example.org.", ch.Ops[0].RR.Header().Name)
	assert.True(t, ch.Ops[1].Del)
	assert.Equal(t, "www.example.org.", ch.Ops[1].RR.Header().Name)
}

func TestStore_saveChange_trim(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	id := addTestZone(t, s)

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	old, err := dns.NewRR("old.example.org. 300 IN A 192.0.2.11")
	require.NoError(t, err)

	require.NoError(t, s.SaveChange(ctx, id, &zone.Change{
		Serial: 10,
		Ops:    []zone.Op{{RR: old}},
	}))

	// A save far enough ahead must trim the old change rows.
	recent, err := dns.NewRR("recent.example.org. 300 IN A 192.0.2.12")
	require.NoError(t, err)

	require.NoError(t, s.SaveChange(ctx, id, &zone.Change{
		Serial: 10 + zone.MaxChangeHistory + 1,
		Ops:    []zone.Op{{RR: recent}},
	}))

	zones, err := s.ZoneData(ctx)
	require.NoError(t, err)
	require.Len(t, zones, 1)

	d := zones[0]
	require.Len(t, d.Changes, 1)
	assert.Equal(t, uint32(10+zone.MaxChangeHistory+1), d.Changes[0].Serial)
}

func TestStore_queries(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := testutil.ContextWithTimeout(t, testTimeout)

	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	batch := []*querylog.Entry{{
		Time:         base,
		ClientIP:     netip.MustParseAddr("192.0.2.1"),
		Client:       "192.0.2.1",
		Domain:       "example.com.",
		Upstream:     "94.140.14.140:53",
		Elapsed:      5 * time.Millisecond,
		RequestType:  dns.TypeA,
		ResponseCode: dns.RcodeSuccess,
	}, {
		Time:         base.Add(1 * time.Minute),
		Client:       "anon-1",
		Domain:       "ads.example.net.",
		BlockReason:  "blocklist",
		Elapsed:      1 * time.Millisecond,
		RequestType:  dns.TypeAAAA,
		ResponseCode: dns.RcodeNameError,
		Blocked:      true,
	}}
	require.NoError(t, s.SaveQueries(ctx, batch))

	// Newest first.
	got, err := s.Queries(ctx, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "ads.example.net.", got[0].Domain)
	assert.Equal(t, "example.com.", got[1].Domain)
	assert.Equal(t, netip.MustParseAddr("192.0.2.1"), got[1].ClientIP)

	got, err = s.Queries(ctx, &storage.QueryFilter{BlockedOnly: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "blocklist", got[0].BlockReason)
	assert.False(t, got[0].ClientIP.IsValid())

	got, err = s.Queries(ctx, &storage.QueryFilter{Domain: "EXAMPLE.COM"})
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = s.Queries(ctx, &storage.QueryFilter{Since: base.Add(30 * time.Second)})
	require.NoError(t, err)
	require.Len(t, got, 1)

	n, err := s.PruneQueries(ctx, base.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err = s.Queries(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestStore_tsigKeys(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := testutil.ContextWithTimeout(t, testTimeout)

	_, err := s.AddTSIGKey(ctx, &xfer.Key{
		Name:      "transfer-key.example.org.",
		Algorithm: xfer.AlgorithmHMACSHA256,
		Secret:    "d2FyZGVuLXRlc3Qtc2VjcmV0",
	})
	require.NoError(t, err)

	keys, err := s.TSIGKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, xfer.AlgorithmHMACSHA256, keys[0].Algorithm)

	// The keys load straight into a keyring.
	_, err = xfer.NewKeyring(keys)
	require.NoError(t, err)

	require.NoError(t, s.DeleteTSIGKey(ctx, "transfer-key.example.org."))

	keys, err = s.TSIGKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStore_forwardingRules(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := testutil.ContextWithTimeout(t, testTimeout)

	_, err := s.AddForwardingRule(ctx, &storage.ForwardingRule{
		Match:     "corp.example.com.",
		Upstreams: []string{"10.0.0.1:53", "10.0.0.2:53"},
		Enabled:   true,
	})
	require.NoError(t, err)

	hiID, err := s.AddForwardingRule(ctx, &storage.ForwardingRule{
		Match:     "example.com.",
		Upstreams: []string{"10.0.1.1:53"},
		Priority:  10,
		Enabled:   true,
	})
	require.NoError(t, err)

	rules, err := s.ForwardingRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	// Higher priority first.
	assert.Equal(t, "example.com.", rules[0].Match)
	assert.Equal(t, []string{"10.0.0.1:53", "10.0.0.2:53"}, rules[1].Upstreams)

	require.NoError(t, s.DeleteForwardingRule(ctx, hiID))

	rules, err = s.ForwardingRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "corp.example.com.", rules[0].Match)
}
