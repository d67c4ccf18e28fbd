package xfer_test

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"testing"
	"time"

	"github.com/WardenTeam/WardenDNS/internal/wardentest"
	"github.com/WardenTeam/WardenDNS/internal/zone"
	"github.com/WardenTeam/WardenDNS/internal/zone/xfer"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/google/go-cmp/cmp"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	testutil.DiscardLogOutput(m)
}

// testTimeout is the common timeout for tests.
const testTimeout = 1 * time.Second

// Test zone constants.
const (
	testZoneName = "example.org."
	testSerial   = 5
)

// Test peers inside and outside the transfer ACL.
var (
	testPeerAllowed = &net.TCPAddr{IP: net.ParseIP("192.0.2.5"), Port: 40000}
	testPeerDenied  = &net.TCPAddr{IP: net.ParseIP("198.51.100.9"), Port: 40000}
)

// fakeWriter is a [dns.ResponseWriter] that records written messages.
type fakeWriter struct {
	msgs    []*dns.Msg
	remote  net.Addr
	tsigErr error
	closed  bool
}

// type check
var _ dns.ResponseWriter = (*fakeWriter)(nil)

func (w *fakeWriter) LocalAddr() (a net.Addr) {
	return &net.TCPAddr{IP: net.IPv4zero, Port: 53}
}

func (w *fakeWriter) RemoteAddr() (a net.Addr) { return w.remote }

func (w *fakeWriter) WriteMsg(m *dns.Msg) (err error) {
	w.msgs = append(w.msgs, m)

	return nil
}

func (w *fakeWriter) Write(b []byte) (n int, err error) { return len(b), nil }

func (w *fakeWriter) Close() (err error) {
	w.closed = true

	return nil
}

func (w *fakeWriter) TsigStatus() (err error) { return w.tsigErr }
func (w *fakeWriter) TsigTimersOnly(_ bool)   {}
func (w *fakeWriter) Hijack()                 {}

// newTestZoneData returns the zone data used by the transfer tests.
func newTestZoneData() (d *zone.Data) {
	return &zone.Data{
		Conf: &zone.Config{
			Name:        testZoneName,
			TransferACL: []netip.Prefix{netip.MustParsePrefix("192.0.2.0/28")},
			TSIGKeys:    []string{testKeyName},
			ID:          1,
			Serial:      testSerial,
			Enabled:     true,
		},
		Records: []*zone.Record{{
			Name:    zone.Apex,
			Data:    "ns1.example.org. hostmaster.example.org. 1 3600 900 604800 300",
			TTL:     1 * time.Hour,
			Type:    dns.TypeSOA,
			Enabled: true,
		}, {
			Name:    zone.Apex,
			Data:    "ns1.example.org.",
			TTL:     1 * time.Hour,
			Type:    dns.TypeNS,
			Enabled: true,
		}, {
			Name:    "www",
			Data:    "192.0.2.10",
			TTL:     5 * time.Minute,
			Type:    dns.TypeA,
			Enabled: true,
		}, {
			Name:    "mail",
			Data:    "10 mx.example.org.",
			TTL:     5 * time.Minute,
			Type:    dns.TypeMX,
			Enabled: true,
		}},
	}
}

// newTestHandler returns a handler serving the test zone.
func newTestHandler(tb testing.TB) (h *xfer.Handler, z *zone.Zone) {
	tb.Helper()

	e := zone.NewEngine(&zone.EngineConfig{
		Logger: slogutil.NewDiscardLogger(),
		Storage: &wardentest.ZoneStorage{
			OnZoneData: func(_ context.Context) (zones []*zone.Data, err error) {
				return []*zone.Data{newTestZoneData()}, nil
			},
			OnSaveChange: func(_ context.Context, _ int64, _ *zone.Change) (err error) {
				return nil
			},
		},
	})

	ctx := testutil.ContextWithTimeout(tb, testTimeout)
	require.NoError(tb, e.Refresh(ctx))

	z, ok := e.Zone(testZoneName)
	require.True(tb, ok)

	h = xfer.NewHandler(&xfer.HandlerConfig{
		Logger: slogutil.NewDiscardLogger(),
		Zones:  e,
		Keys:   newTestKeyring(tb),
	})

	return h, z
}

// allAnswers flattens the answer sections of the written messages.
func allAnswers(msgs []*dns.Msg) (rrs []dns.RR) {
	for _, m := range msgs {
		rrs = append(rrs, m.Answer...)
	}

	return rrs
}

func TestHandler_axfr(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t)

	req := &dns.Msg{}
	req.SetAxfr(testZoneName)

	w := &fakeWriter{remote: testPeerAllowed}
	h.ServeDNS(w, req)

	require.NotEmpty(t, w.msgs)
	assert.True(t, w.closed)

	rrs := allAnswers(w.msgs)

	// The stream opens and closes with the SOA and carries every enabled
	// record exactly once in between.
	require.GreaterOrEqual(t, len(rrs), 5)
	assert.Equal(t, dns.TypeSOA, rrs[0].Header().Rrtype)
	assert.Equal(t, dns.TypeSOA, rrs[len(rrs)-1].Header().Rrtype)

	var mids []string
	for _, rr := range rrs[1 : len(rrs)-1] {
		mids = append(mids, rr.Header().Name+" "+dns.TypeToString[rr.Header().Rrtype])
	}
	slices.Sort(mids)

	assert.Equal(t, []string{
		"example.org. NS",
		"mail.example.org. MX",
		"www.example.org. A",
	}, mids)
}

func TestHandler_axfr_unauthenticated(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t)

	req := &dns.Msg{}
	req.SetAxfr(testZoneName)

	// Neither a TSIG signature nor an allowed peer address: the connection
	// is dropped without an answer.
	w := &fakeWriter{remote: testPeerDenied}
	h.ServeDNS(w, req)

	assert.Empty(t, w.msgs)
	assert.True(t, w.closed)
}

func TestHandler_axfr_unknownZone(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t)

	req := &dns.Msg{}
	req.SetAxfr("example.net.")

	w := &fakeWriter{remote: testPeerAllowed}
	h.ServeDNS(w, req)

	require.Len(t, w.msgs, 1)
	assert.Equal(t, dns.RcodeRefused, w.msgs[0].Rcode)
}

// newIXFRReq returns an IXFR query reporting serial in the authority
// section.
func newIXFRReq(serial uint32) (req *dns.Msg) {
	req = &dns.Msg{}
	req.SetIxfr(testZoneName, serial, "ns1.example.org.", "hostmaster.example.org.")

	return req
}

func TestHandler_ixfr_current(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t)

	w := &fakeWriter{remote: testPeerAllowed}
	h.ServeDNS(w, newIXFRReq(testSerial))

	// A current client gets a single message with two identical SOAs.
	require.Len(t, w.msgs, 1)

	ans := w.msgs[0].Answer
	require.Len(t, ans, 2)

	for _, rr := range ans {
		soa := testutil.RequireTypeAssert[*dns.SOA](t, rr)
		assert.Equal(t, uint32(testSerial), soa.Serial)
	}
}

func TestHandler_ixfr_changes(t *testing.T) {
	t.Parallel()

	h, z := newTestHandler(t)

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	addRR, err := dns.NewRR("api.example.org. 300 IN A 192.0.2.20")
	require.NoError(t, err)
	_, err = z.Apply(ctx, []zone.Op{{RR: addRR}})
	require.NoError(t, err)

	delRR, err := dns.NewRR("www.example.org. 300 IN A 192.0.2.10")
	require.NoError(t, err)
	_, err = z.Apply(ctx, []zone.Op{{RR: delRR, Del: true}})
	require.NoError(t, err)

	w := &fakeWriter{remote: testPeerAllowed}
	h.ServeDNS(w, newIXFRReq(testSerial))

	rrs := allAnswers(w.msgs)

	// start-SOA(7); old-SOA(5), addition, new-SOA(6); old-SOA(6),
	// deletion, new-SOA(7); end-SOA(7).
	var got []string
	for _, rr := range rrs {
		if soa, ok := rr.(*dns.SOA); ok {
			got = append(got, fmt.Sprintf("SOA %d", soa.Serial))
		} else {
			got = append(got, rr.Header().Name+" "+dns.TypeToString[rr.Header().Rrtype])
		}
	}

	want := []string{
		"SOA 7",
		"SOA 5",
		"api.example.org. A",
		"SOA 6",
		"SOA 6",
		"www.example.org. A",
		"SOA 7",
		"SOA 7",
	}
	assert.Empty(t, cmp.Diff(want, got))
}

func TestHandler_ixfr_tooOld(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t)

	// The history does not reach back to serial 1, so the client gets a
	// full stream.
	w := &fakeWriter{remote: testPeerAllowed}
	h.ServeDNS(w, newIXFRReq(1))

	rrs := allAnswers(w.msgs)
	require.GreaterOrEqual(t, len(rrs), 5)

	assert.Equal(t, dns.TypeSOA, rrs[0].Header().Rrtype)
	assert.Equal(t, dns.TypeSOA, rrs[len(rrs)-1].Header().Rrtype)
	assert.True(t, w.closed)
}

func TestHandler_notify(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t)

	req := &dns.Msg{}
	req.SetNotify(testZoneName)

	w := &fakeWriter{remote: testPeerDenied}
	h.ServeDNS(w, req)

	require.Len(t, w.msgs, 1)
	assert.Equal(t, dns.RcodeSuccess, w.msgs[0].Rcode)

	req = &dns.Msg{}
	req.SetNotify("example.net.")

	w = &fakeWriter{remote: testPeerDenied}
	h.ServeDNS(w, req)

	require.Len(t, w.msgs, 1)
	assert.Equal(t, dns.RcodeRefused, w.msgs[0].Rcode)
}

func TestHandler_update(t *testing.T) {
	t.Parallel()

	h, z := newTestHandler(t)

	newRR, err := dns.NewRR("api.example.org. 300 IN A 192.0.2.20")
	require.NoError(t, err)

	req := &dns.Msg{}
	req.SetUpdate(testZoneName)
	req.Ns = []dns.RR{newRR}

	// Updates from an ACL peer without a TSIG signature are refused.
	w := &fakeWriter{remote: testPeerAllowed}
	h.ServeDNS(w, req)

	require.Len(t, w.msgs, 1)
	assert.Equal(t, dns.RcodeNotAuth, w.msgs[0].Rcode)
	assert.Equal(t, uint32(testSerial), z.Serial())

	// The same update with a verified signature is applied.
	req.SetTsig(testKeyName, dns.HmacSHA256, 300, time.Now().Unix())

	w = &fakeWriter{remote: testPeerDenied}
	h.ServeDNS(w, req)

	require.Len(t, w.msgs, 1)
	assert.Equal(t, dns.RcodeSuccess, w.msgs[0].Rcode)
	assert.Equal(t, uint32(testSerial+1), z.Serial())

	// The response to a signed request is signed with the same key.
	respTsig := w.msgs[0].IsTsig()
	require.NotNil(t, respTsig)
	assert.Equal(t, testKeyName, respTsig.Hdr.Name)

	// Replaying the captured message is refused.
	w = &fakeWriter{remote: testPeerDenied}
	h.ServeDNS(w, req)

	require.Len(t, w.msgs, 1)
	assert.Equal(t, dns.RcodeNotAuth, w.msgs[0].Rcode)
	assert.Equal(t, uint32(testSerial+1), z.Serial())
}
