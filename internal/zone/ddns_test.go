package zone_test

import (
	"testing"

	"github.com/WardenTeam/WardenDNS/internal/dnsserver/dnsservertest"
	"github.com/WardenTeam/WardenDNS/internal/zone"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newUpdateMsg returns an RFC 2136 update message for the test zone with the
// given prerequisite and update sections.
func newUpdateMsg(tb testing.TB, prereqs, updates []string) (req *dns.Msg) {
	tb.Helper()

	req = &dns.Msg{}
	req.SetUpdate(testZoneName)

	for _, s := range prereqs {
		rr, err := dns.NewRR(s)
		require.NoError(tb, err)

		req.Answer = append(req.Answer, rr)
	}

	for _, s := range updates {
		rr, err := dns.NewRR(s)
		require.NoError(tb, err)

		req.Ns = append(req.Ns, rr)
	}

	return req
}

// classNoneRR parses s and rewrites its class to NONE, since the zone-file
// syntax cannot express it.
func classNoneRR(tb testing.TB, s string) (rr dns.RR) {
	tb.Helper()

	rr, err := dns.NewRR(s)
	require.NoError(tb, err)

	rr.Header().Class = dns.ClassNONE
	rr.Header().Ttl = 0

	return rr
}

// classAnyRR returns an empty-RDATA record of class ANY, as used by the
// existence prerequisites and the RRset deletions.
func classAnyRR(tb testing.TB, name string, rrType uint16) (rr dns.RR) {
	tb.Helper()

	return &dns.ANY{Hdr: dns.RR_Header{
		Name:   name,
		Rrtype: rrType,
		Class:  dns.ClassANY,
	}}
}

func TestZone_ApplyUpdate_prereqs(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		prereqs   []dns.RR
		wantRcode int
	}{{
		name:      "name_in_use_ok",
		prereqs:   []dns.RR{classAnyRR(t, "www.example.org.", dns.TypeANY)},
		wantRcode: dns.RcodeSuccess,
	}, {
		name:      "name_in_use_fail",
		prereqs:   []dns.RR{classAnyRR(t, "missing.example.org.", dns.TypeANY)},
		wantRcode: dns.RcodeNameError,
	}, {
		name:      "rrset_exists_ok",
		prereqs:   []dns.RR{classAnyRR(t, "www.example.org.", dns.TypeA)},
		wantRcode: dns.RcodeSuccess,
	}, {
		name:      "rrset_exists_fail",
		prereqs:   []dns.RR{classAnyRR(t, "www.example.org.", dns.TypeAAAA)},
		wantRcode: dns.RcodeNXRrset,
	}, {
		name: "name_not_in_use_ok",
		prereqs: []dns.RR{&dns.ANY{Hdr: dns.RR_Header{
			Name:   "missing.example.org.",
			Rrtype: dns.TypeANY,
			Class:  dns.ClassNONE,
		}}},
		wantRcode: dns.RcodeSuccess,
	}, {
		name: "name_not_in_use_fail",
		prereqs: []dns.RR{&dns.ANY{Hdr: dns.RR_Header{
			Name:   "www.example.org.",
			Rrtype: dns.TypeANY,
			Class:  dns.ClassNONE,
		}}},
		wantRcode: dns.RcodeYXDomain,
	}, {
		name: "rrset_not_exists_fail",
		prereqs: []dns.RR{&dns.ANY{Hdr: dns.RR_Header{
			Name:   "www.example.org.",
			Rrtype: dns.TypeA,
			Class:  dns.ClassNONE,
		}}},
		wantRcode: dns.RcodeYXRrset,
	}, {
		name:      "value_match_ok",
		prereqs:   []dns.RR{mustRR(t, "www.example.org. 0 IN A 192.0.2.10")},
		wantRcode: dns.RcodeSuccess,
	}, {
		name:      "value_match_fail",
		prereqs:   []dns.RR{mustRR(t, "www.example.org. 0 IN A 192.0.2.99")},
		wantRcode: dns.RcodeNXRrset,
	}, {
		name:      "out_of_zone",
		prereqs:   []dns.RR{classAnyRR(t, "www.example.net.", dns.TypeANY)},
		wantRcode: dns.RcodeNotZone,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			z := mustZone(t, newTestEngine(t, []*zone.Data{newTestData()}, nil))

			req := &dns.Msg{}
			req.SetUpdate(testZoneName)
			req.Answer = tc.prereqs
			req.Ns = []dns.RR{mustRR(t, "api.example.org. 300 IN A 192.0.2.20")}

			ctx := testutil.ContextWithTimeout(t, testTimeout)
			rcode := z.ApplyUpdate(ctx, req)
			assert.Equal(t, tc.wantRcode, rcode)

			if tc.wantRcode == dns.RcodeSuccess {
				assert.Equal(t, uint32(testSerial+1), z.Serial())
			} else {
				// A refused update must not touch the zone.
				assert.Equal(t, uint32(testSerial), z.Serial())

				resp := z.Answer(dnsservertest.NewReq("api.example.org.", dns.TypeA, dns.ClassINET))
				assert.Equal(t, dns.RcodeNameError, resp.Rcode)
			}
		})
	}
}

// mustRR parses s or fails the test.
func mustRR(tb testing.TB, s string) (rr dns.RR) {
	tb.Helper()

	rr, err := dns.NewRR(s)
	require.NoError(tb, err)

	return rr
}

func TestZone_ApplyUpdate_add(t *testing.T) {
	t.Parallel()

	var saved []*zone.Change
	z := mustZone(t, newTestEngine(t, []*zone.Data{newTestData()}, &saved))

	req := newUpdateMsg(t, nil, []string{
		"api.example.org. 300 IN A 192.0.2.20",
		"api.example.org. 300 IN A 192.0.2.21",
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	rcode := z.ApplyUpdate(ctx, req)
	require.Equal(t, dns.RcodeSuccess, rcode)

	// One update burns exactly one serial and one change group.
	assert.Equal(t, uint32(testSerial+1), z.Serial())
	require.Len(t, saved, 1)
	assert.Len(t, saved[0].Ops, 2)

	resp := z.Answer(dnsservertest.NewReq("api.example.org.", dns.TypeA, dns.ClassINET))
	assert.Len(t, resp.Answer, 2)
}

func TestZone_ApplyUpdate_deleteRRSet(t *testing.T) {
	t.Parallel()

	z := mustZone(t, newTestEngine(t, []*zone.Data{newTestData()}, nil))

	req := &dns.Msg{}
	req.SetUpdate(testZoneName)
	req.Ns = []dns.RR{classAnyRR(t, "www.example.org.", dns.TypeA)}

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	require.Equal(t, dns.RcodeSuccess, z.ApplyUpdate(ctx, req))

	assert.Equal(t, uint32(testSerial+1), z.Serial())

	resp := z.Answer(dnsservertest.NewReq("www.example.org.", dns.TypeA, dns.ClassINET))
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
}

func TestZone_ApplyUpdate_deleteName(t *testing.T) {
	t.Parallel()

	z := mustZone(t, newTestEngine(t, []*zone.Data{newTestData()}, nil))

	// Deleting everything at the apex must keep the SOA.
	req := &dns.Msg{}
	req.SetUpdate(testZoneName)
	req.Ns = []dns.RR{classAnyRR(t, testZoneName, dns.TypeANY)}

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	require.Equal(t, dns.RcodeSuccess, z.ApplyUpdate(ctx, req))

	resp := z.Answer(dnsservertest.NewReq(testZoneName, dns.TypeSOA, dns.ClassINET))
	require.Len(t, resp.Answer, 1)

	resp = z.Answer(dnsservertest.NewReq(testZoneName, dns.TypeNS, dns.ClassINET))
	assert.Empty(t, resp.Answer)
}

func TestZone_ApplyUpdate_deleteSpecific(t *testing.T) {
	t.Parallel()

	z := mustZone(t, newTestEngine(t, []*zone.Data{newTestData()}, nil))

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	addReq := newUpdateMsg(t, nil, []string{
		"api.example.org. 300 IN A 192.0.2.20",
		"api.example.org. 300 IN A 192.0.2.21",
	})
	require.Equal(t, dns.RcodeSuccess, z.ApplyUpdate(ctx, addReq))

	delReq := &dns.Msg{}
	delReq.SetUpdate(testZoneName)
	delReq.Ns = []dns.RR{classNoneRR(t, "api.example.org. 300 IN A 192.0.2.20")}

	require.Equal(t, dns.RcodeSuccess, z.ApplyUpdate(ctx, delReq))

	resp := z.Answer(dnsservertest.NewReq("api.example.org.", dns.TypeA, dns.ClassINET))
	require.Len(t, resp.Answer, 1)

	a := testutil.RequireTypeAssert[*dns.A](t, resp.Answer[0])
	assert.Equal(t, "192.0.2.21", a.A.String())
}

func TestZone_ApplyUpdate_noop(t *testing.T) {
	t.Parallel()

	var saved []*zone.Change
	z := mustZone(t, newTestEngine(t, []*zone.Data{newTestData()}, &saved))

	// Deleting a missing RRset expands to nothing, so no serial is burnt.
	req := &dns.Msg{}
	req.SetUpdate(testZoneName)
	req.Ns = []dns.RR{classAnyRR(t, "missing.example.org.", dns.TypeA)}

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	require.Equal(t, dns.RcodeSuccess, z.ApplyUpdate(ctx, req))

	assert.Equal(t, uint32(testSerial), z.Serial())
	assert.Empty(t, saved)
}

func TestZone_ApplyUpdate_badRequest(t *testing.T) {
	t.Parallel()

	z := mustZone(t, newTestEngine(t, []*zone.Data{newTestData()}, nil))

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	// Wrong zone.
	req := &dns.Msg{}
	req.SetUpdate("example.net.")
	assert.Equal(t, dns.RcodeNotZone, z.ApplyUpdate(ctx, req))

	// Zone section must hold a single SOA question.
	req = &dns.Msg{}
	req.SetQuestion(testZoneName, dns.TypeA)
	assert.Equal(t, dns.RcodeFormatError, z.ApplyUpdate(ctx, req))

	// Adding a TypeANY record is malformed.
	req = &dns.Msg{}
	req.SetUpdate(testZoneName)
	req.Ns = []dns.RR{&dns.ANY{Hdr: dns.RR_Header{
		Name:   "www.example.org.",
		Rrtype: dns.TypeANY,
		Class:  dns.ClassINET,
	}}}
	assert.Equal(t, dns.RcodeFormatError, z.ApplyUpdate(ctx, req))

	assert.Equal(t, uint32(testSerial), z.Serial())
}
