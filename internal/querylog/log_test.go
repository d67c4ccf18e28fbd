package querylog_test

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/WardenTeam/WardenDNS/internal/querylog"
	"github.com/WardenTeam/WardenDNS/internal/wardentest"
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

// testClientIP is the client address used in tests.
var testClientIP = netip.MustParseAddr("192.0.2.1")

// newTestEntry returns an entry for tests.
func newTestEntry() (e *querylog.Entry) {
	return &querylog.Entry{
		Time:         time.Unix(123, 0),
		ClientIP:     testClientIP,
		Domain:       "example.com.",
		Upstream:     "94.140.14.140:53",
		Elapsed:      5 * time.Millisecond,
		RequestType:  dns.TypeA,
		ResponseCode: dns.RcodeSuccess,
	}
}

// newTestLog returns a log flushing to saved.  anon may be nil, in which
// case privacy mode is off.
func newTestLog(
	tb testing.TB,
	saved *[][]*querylog.Entry,
	anon *querylog.Anonymizer,
) (l *querylog.Log) {
	tb.Helper()

	if anon == nil {
		anon = querylog.NewAnonymizer(timeutil.SystemClock{}, nil, false)
	}

	return querylog.New(&querylog.Config{
		Logger:  slogutil.NewDiscardLogger(),
		Metrics: querylog.EmptyMetrics{},
		Storage: &wardentest.QueryLogStorage{
			OnSaveQueries: func(_ context.Context, batch []*querylog.Entry) (err error) {
				*saved = append(*saved, batch)

				return nil
			},
		},
		Anonymizer:  anon,
		Stream:      querylog.NewStream(16),
		Stats:       querylog.NewStats(),
		MaxBuffered: 4,
	})
}

func TestLog_Write_flush(t *testing.T) {
	t.Parallel()

	var saved [][]*querylog.Entry
	l := newTestLog(t, &saved, nil)

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	require.NoError(t, l.Write(ctx, newTestEntry()))
	require.NoError(t, l.Write(ctx, newTestEntry()))

	require.NoError(t, l.Refresh(ctx))
	require.Len(t, saved, 1)
	require.Len(t, saved[0], 2)

	got := saved[0][0]
	assert.Equal(t, testClientIP.String(), got.Client)
	assert.Equal(t, testClientIP, got.ClientIP)
	assert.Equal(t, "example.com.", got.Domain)

	// An empty buffer flushes to nothing.
	require.NoError(t, l.Refresh(ctx))
	assert.Len(t, saved, 1)
}

func TestLog_Write_privacy(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	clock := &faketime.Clock{OnNow: func() (t time.Time) { return now }}
	anon := querylog.NewAnonymizer(clock, []byte("warden-secret"), true)

	var saved [][]*querylog.Entry
	l := newTestLog(t, &saved, anon)

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	require.NoError(t, l.Write(ctx, newTestEntry()))
	require.NoError(t, l.Write(ctx, newTestEntry()))

	now = now.Add(24 * time.Hour)
	require.NoError(t, l.Write(ctx, newTestEntry()))

	require.NoError(t, l.Refresh(ctx))
	require.Len(t, saved, 1)
	require.Len(t, saved[0], 3)

	first, second, third := saved[0][0], saved[0][1], saved[0][2]

	// The raw address never reaches storage.
	assert.Zero(t, first.ClientIP)
	assert.NotEqual(t, testClientIP.String(), first.Client)

	// Stable within a day, rotated across days.
	assert.Equal(t, first.Client, second.Client)
	assert.NotEqual(t, first.Client, third.Client)
}

func TestLog_Refresh_error(t *testing.T) {
	t.Parallel()

	var saved [][]*querylog.Entry
	fail := true
	l := querylog.New(&querylog.Config{
		Logger:  slogutil.NewDiscardLogger(),
		Metrics: querylog.EmptyMetrics{},
		Storage: &wardentest.QueryLogStorage{
			OnSaveQueries: func(_ context.Context, batch []*querylog.Entry) (err error) {
				if fail {
					return assert.AnError
				}

				saved = append(saved, batch)

				return nil
			},
		},
		Anonymizer:  querylog.NewAnonymizer(timeutil.SystemClock{}, nil, false),
		Stream:      querylog.NewStream(16),
		Stats:       querylog.NewStats(),
		MaxBuffered: 4,
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	require.NoError(t, l.Write(ctx, newTestEntry()))

	assert.ErrorIs(t, l.Refresh(ctx), assert.AnError)
	assert.Empty(t, saved)

	// The batch is kept and flushed by a later refresh.
	fail = false
	require.NoError(t, l.Refresh(ctx))
	require.Len(t, saved, 1)
	assert.Len(t, saved[0], 1)
}

func TestLog_Write_overflow(t *testing.T) {
	t.Parallel()

	var saved [][]*querylog.Entry
	l := newTestLog(t, &saved, nil)

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	// MaxBuffered is 4, the oldest entries are dropped.
	for i := range 6 {
		e := newTestEntry()
		e.Elapsed = time.Duration(i) * time.Millisecond
		require.NoError(t, l.Write(ctx, e))
	}

	require.NoError(t, l.Refresh(ctx))
	require.Len(t, saved, 1)
	require.Len(t, saved[0], 4)

	assert.Equal(t, 2*time.Millisecond, saved[0][0].Elapsed)
	assert.Equal(t, 5*time.Millisecond, saved[0][3].Elapsed)
}

func TestStream(t *testing.T) {
	t.Parallel()

	s := querylog.NewStream(2)

	ch, cancel := s.Subscribe()
	assert.Equal(t, 1, s.SubscriberCount())

	var saved [][]*querylog.Entry
	l := querylog.New(&querylog.Config{
		Logger:      slogutil.NewDiscardLogger(),
		Metrics:     querylog.EmptyMetrics{},
		Storage:     &wardentest.QueryLogStorage{OnSaveQueries: func(_ context.Context, b []*querylog.Entry) error { saved = append(saved, b); return nil }},
		Anonymizer:  querylog.NewAnonymizer(timeutil.SystemClock{}, nil, false),
		Stream:      s,
		Stats:       querylog.NewStats(),
		MaxBuffered: 16,
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	for i := range 3 {
		e := newTestEntry()
		e.Elapsed = time.Duration(i) * time.Millisecond
		require.NoError(t, l.Write(ctx, e))
	}

	// The buffer holds two entries, the oldest was dropped.
	got := <-ch
	assert.Equal(t, 1*time.Millisecond, got.Elapsed)

	got = <-ch
	assert.Equal(t, 2*time.Millisecond, got.Elapsed)

	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, s.SubscriberCount())
}

func TestStats(t *testing.T) {
	t.Parallel()

	stats := querylog.NewStats()

	var saved [][]*querylog.Entry
	l := querylog.New(&querylog.Config{
		Logger:      slogutil.NewDiscardLogger(),
		Metrics:     querylog.EmptyMetrics{},
		Storage:     &wardentest.QueryLogStorage{OnSaveQueries: func(_ context.Context, b []*querylog.Entry) error { saved = append(saved, b); return nil }},
		Anonymizer:  querylog.NewAnonymizer(timeutil.SystemClock{}, nil, false),
		Stream:      querylog.NewStream(16),
		Stats:       stats,
		MaxBuffered: 16,
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	blocked := newTestEntry()
	blocked.Blocked = true
	blocked.BlockReason = "blocklist"
	blocked.ResponseCode = dns.RcodeNameError
	require.NoError(t, l.Write(ctx, blocked))

	cached := newTestEntry()
	cached.Cached = true
	cached.ClientIP = netip.MustParseAddr("192.0.2.2")
	require.NoError(t, l.Write(ctx, cached))

	snap := stats.Snapshot()
	assert.Equal(t, uint64(2), snap.Total)
	assert.Equal(t, uint64(1), snap.Blocked)
	assert.Equal(t, uint64(1), snap.Cached)
	assert.Equal(t, uint64(1), snap.RcodeCounts[dns.RcodeNameError])
	assert.Equal(t, uint64(2), snap.UniqueClients)
}
