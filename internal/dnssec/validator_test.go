package dnssec_test

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"fmt"
	"testing"
	"time"

	"github.com/WardenTeam/WardenDNS/internal/dnsmsg"
	"github.com/WardenTeam/WardenDNS/internal/dnssec"
	"github.com/WardenTeam/WardenDNS/internal/wardentest"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/AdguardTeam/golibs/testutil/faketime"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	testutil.DiscardLogOutput(m)
}

// testTimeout is the common timeout for tests.
const testTimeout = 1 * time.Second

// testNow is the fixed validation time used in tests.
var testNow = time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

// testZone is the signed zone used in tests.
const testZone = "example.org."

// signer is a test signing key together with its private half.
type signer struct {
	key  *dns.DNSKEY
	priv crypto.Signer
}

// newSigner generates an ECDSA P-256 key for zone.  flags is [dns.ZONE] for
// a ZSK, [dns.ZONE] | [dns.SEP] for a KSK.
func newSigner(tb testing.TB, zone string, flags uint16) (s *signer) {
	tb.Helper()

	key := &dns.DNSKEY{
		Hdr: dns.RR_Header{
			Name:   zone,
			Rrtype: dns.TypeDNSKEY,
			Class:  dns.ClassINET,
			Ttl:    3600,
		},
		Flags:     flags,
		Protocol:  3,
		Algorithm: dns.ECDSAP256SHA256,
	}

	priv, err := key.Generate(256)
	require.NoError(tb, err)

	return &signer{
		key:  key,
		priv: priv.(*ecdsa.PrivateKey),
	}
}

// sign produces an RRSIG over rrs valid around [testNow].
func (s *signer) sign(tb testing.TB, rrs []dns.RR) (sig *dns.RRSIG) {
	tb.Helper()

	hdr := rrs[0].Header()
	sig = &dns.RRSIG{
		Hdr: dns.RR_Header{
			Name:   hdr.Name,
			Rrtype: dns.TypeRRSIG,
			Class:  dns.ClassINET,
			Ttl:    hdr.Ttl,
		},
		TypeCovered: hdr.Rrtype,
		Algorithm:   s.key.Algorithm,
		OrigTtl:     hdr.Ttl,
		Expiration:  uint32(testNow.Add(1 * time.Hour).Unix()),
		Inception:   uint32(testNow.Add(-1 * time.Hour).Unix()),
		KeyTag:      s.key.KeyTag(),
		SignerName:  s.key.Hdr.Name,
	}

	require.NoError(tb, sig.Sign(s.priv, rrs))

	return sig
}

// newValidator returns a validator with a fixed clock.  fetcher and anchors
// may be nil.
func newValidator(
	tb testing.TB,
	fetcher dnssec.Fetcher,
	anchors []*dns.DS,
	chain bool,
) (v *dnssec.Validator) {
	tb.Helper()

	if fetcher == nil {
		fetcher = &wardentest.DNSSECFetcher{
			OnLookup: func(
				_ context.Context,
				name string,
				qtype dnsmsg.RRType,
			) (rrs []dns.RR, err error) {
				return nil, fmt.Errorf("unexpected lookup of %s %s", name, dns.TypeToString[qtype])
			},
		}
	}

	if anchors == nil {
		anchors = dnssec.RootAnchors()
	}

	return dnssec.New(&dnssec.Config{
		Logger:  slogutil.NewDiscardLogger(),
		Fetcher: fetcher,
		Clock: &faketime.Clock{
			OnNow: func() (now time.Time) { return testNow },
		},
		Anchors:         anchors,
		ChainValidation: chain,
	})
}

// mustRR parses s into a resource record.
func mustRR(tb testing.TB, s string) (rr dns.RR) {
	tb.Helper()

	rr, err := dns.NewRR(s)
	require.NoError(tb, err)

	return rr
}

// newAnswer builds a response carrying one signed A RRset.
func newAnswer(tb testing.TB, s *signer) (resp *dns.Msg, a dns.RR) {
	tb.Helper()

	a = mustRR(tb, "www.example.org. 300 IN A 192.0.2.10")
	sig := s.sign(tb, []dns.RR{a})

	req := (&dns.Msg{}).SetQuestion("www.example.org.", dns.TypeA)
	resp = (&dns.Msg{}).SetReply(req)
	resp.Answer = []dns.RR{a, sig}
	resp.Extra = append(resp.Extra, s.key)

	return resp, a
}

func TestValidator_Validate_secure(t *testing.T) {
	t.Parallel()

	zsk := newSigner(t, testZone, dns.ZONE)
	resp, _ := newAnswer(t, zsk)

	v := newValidator(t, nil, nil, false)
	ctx := testutil.ContextWithTimeout(t, testTimeout)

	res := v.Validate(ctx, resp)
	assert.Equal(t, dnssec.VerdictSecure, res.Verdict)
	assert.Empty(t, res.Reason)
}

func TestValidator_Validate_bogus(t *testing.T) {
	t.Parallel()

	zsk := newSigner(t, testZone, dns.ZONE)
	v := newValidator(t, nil, nil, false)
	ctx := testutil.ContextWithTimeout(t, testTimeout)

	t.Run("tampered", func(t *testing.T) {
		resp, a := newAnswer(t, zsk)
		a.(*dns.A).A = []byte{192, 0, 2, 66}

		res := v.Validate(ctx, resp)
		assert.Equal(t, dnssec.VerdictBogus, res.Verdict)
		assert.Equal(t, "signature verification failed", res.Reason)
	})

	t.Run("expired", func(t *testing.T) {
		resp, _ := newAnswer(t, zsk)
		sig := resp.Answer[1].(*dns.RRSIG)
		sig.Expiration = uint32(testNow.Add(-30 * time.Minute).Unix())

		res := v.Validate(ctx, resp)
		assert.Equal(t, dnssec.VerdictBogus, res.Verdict)
		assert.Equal(t, "signature outside validity period", res.Reason)
	})

	t.Run("future_inception", func(t *testing.T) {
		resp, _ := newAnswer(t, zsk)
		sig := resp.Answer[1].(*dns.RRSIG)
		sig.Inception = uint32(testNow.Add(30 * time.Minute).Unix())

		res := v.Validate(ctx, resp)
		assert.Equal(t, dnssec.VerdictBogus, res.Verdict)
		assert.Equal(t, "signature outside validity period", res.Reason)
	})

	t.Run("keytag_mismatch", func(t *testing.T) {
		resp, _ := newAnswer(t, zsk)
		sig := resp.Answer[1].(*dns.RRSIG)
		sig.KeyTag++

		res := v.Validate(ctx, resp)
		assert.Equal(t, dnssec.VerdictBogus, res.Verdict)
		assert.Equal(t, "no matching dnskey", res.Reason)
	})
}

func TestValidator_Validate_insecureAlgo(t *testing.T) {
	t.Parallel()

	zsk := newSigner(t, testZone, dns.ZONE)
	resp, _ := newAnswer(t, zsk)
	resp.Answer[1].(*dns.RRSIG).Algorithm = dns.ED448

	v := newValidator(t, nil, nil, false)
	ctx := testutil.ContextWithTimeout(t, testTimeout)

	res := v.Validate(ctx, resp)
	assert.Equal(t, dnssec.VerdictInsecure, res.Verdict)
	assert.Equal(t, dnssec.ReasonInsecureAlgo, res.Reason)
}

func TestValidator_Validate_unsigned(t *testing.T) {
	t.Parallel()

	req := (&dns.Msg{}).SetQuestion("www.example.org.", dns.TypeA)
	resp := (&dns.Msg{}).SetReply(req)
	resp.Answer = []dns.RR{mustRR(t, "www.example.org. 300 IN A 192.0.2.10")}

	v := newValidator(t, nil, nil, false)
	ctx := testutil.ContextWithTimeout(t, testTimeout)

	res := v.Validate(ctx, resp)
	assert.Equal(t, dnssec.VerdictIndeterminate, res.Verdict)
	assert.Equal(t, "answer not signed", res.Reason)
}

func TestValidator_Validate_fetchedKeys(t *testing.T) {
	t.Parallel()

	zsk := newSigner(t, testZone, dns.ZONE)
	keySet := []dns.RR{zsk.key}
	keySig := zsk.sign(t, keySet)

	lookups := 0
	fetcher := &wardentest.DNSSECFetcher{
		OnLookup: func(
			_ context.Context,
			name string,
			qtype dnsmsg.RRType,
		) (rrs []dns.RR, err error) {
			lookups++
			require.Equal(t, testZone, name)
			require.Equal(t, dns.TypeDNSKEY, qtype)

			return []dns.RR{zsk.key, keySig}, nil
		},
	}

	v := newValidator(t, fetcher, nil, false)
	ctx := testutil.ContextWithTimeout(t, testTimeout)

	resp, _ := newAnswer(t, zsk)
	resp.Extra = nil

	res := v.Validate(ctx, resp)
	assert.Equal(t, dnssec.VerdictSecure, res.Verdict)

	// The validated key set is cached.
	resp, _ = newAnswer(t, zsk)
	resp.Extra = nil

	res = v.Validate(ctx, resp)
	assert.Equal(t, dnssec.VerdictSecure, res.Verdict)
	assert.Equal(t, 1, lookups)
}

func TestValidator_Validate_chain(t *testing.T) {
	t.Parallel()

	ksk := newSigner(t, testZone, dns.ZONE|dns.SEP)
	zoneKeySet := []dns.RR{ksk.key}
	zoneKeySig := ksk.sign(t, zoneKeySet)

	newFetcher := func(dsAnswer []dns.RR) (f dnssec.Fetcher) {
		return &wardentest.DNSSECFetcher{
			OnLookup: func(
				_ context.Context,
				name string,
				qtype dnsmsg.RRType,
			) (rrs []dns.RR, err error) {
				switch qtype {
				case dns.TypeDNSKEY:
					require.Equal(t, testZone, name)

					return []dns.RR{ksk.key, zoneKeySig}, nil
				case dns.TypeDS:
					return dsAnswer, nil
				default:
					return nil, fmt.Errorf("unexpected qtype %d", qtype)
				}
			},
		}
	}

	t.Run("anchored", func(t *testing.T) {
		t.Parallel()

		anchors := []*dns.DS{ksk.key.ToDS(dns.SHA256)}
		v := newValidator(t, newFetcher(nil), anchors, true)
		ctx := testutil.ContextWithTimeout(t, testTimeout)

		resp, _ := newAnswer(t, ksk)
		res := v.Validate(ctx, resp)
		assert.Equal(t, dnssec.VerdictSecure, res.Verdict)
	})

	t.Run("unsigned_delegation", func(t *testing.T) {
		t.Parallel()

		// No anchor for the zone and an empty DS answer: provably insecure.
		v := newValidator(t, newFetcher(nil), dnssec.RootAnchors(), true)
		ctx := testutil.ContextWithTimeout(t, testTimeout)

		resp, _ := newAnswer(t, ksk)
		res := v.Validate(ctx, resp)
		assert.Equal(t, dnssec.VerdictInsecure, res.Verdict)
	})

	t.Run("ds_mismatch", func(t *testing.T) {
		t.Parallel()

		badDS := ksk.key.ToDS(dns.SHA256)
		badDS.Digest = "00" + badDS.Digest[2:]

		v := newValidator(t, newFetcher([]dns.RR{badDS}), dnssec.RootAnchors(), true)
		ctx := testutil.ContextWithTimeout(t, testTimeout)

		resp, _ := newAnswer(t, ksk)
		res := v.Validate(ctx, resp)
		assert.Equal(t, dnssec.VerdictBogus, res.Verdict)
	})
}

func TestValidator_Validate_denial(t *testing.T) {
	t.Parallel()

	zsk := newSigner(t, testZone, dns.ZONE)
	v := newValidator(t, nil, nil, false)
	ctx := testutil.ContextWithTimeout(t, testTimeout)

	newDenial := func(tb testing.TB, rcode int, nsecs ...dns.RR) (resp *dns.Msg) {
		tb.Helper()

		req := (&dns.Msg{}).SetQuestion("m.example.org.", dns.TypeA)
		resp = (&dns.Msg{}).SetReply(req)
		resp.Rcode = rcode
		resp.Ns = nsecs

		return resp
	}

	t.Run("nxdomain_covered", func(t *testing.T) {
		nsec := mustRR(t, "a.example.org. 300 IN NSEC z.example.org. A RRSIG NSEC")
		sig := zsk.sign(t, []dns.RR{nsec})

		resp := newDenial(t, dns.RcodeNameError, nsec, sig)
		resp.Extra = append(resp.Extra, zsk.key)

		res := v.Validate(ctx, resp)
		assert.Equal(t, dnssec.VerdictSecure, res.Verdict)
	})

	t.Run("nxdomain_not_covered", func(t *testing.T) {
		nsec := mustRR(t, "n.example.org. 300 IN NSEC z.example.org. A RRSIG NSEC")
		sig := zsk.sign(t, []dns.RR{nsec})

		resp := newDenial(t, dns.RcodeNameError, nsec, sig)
		resp.Extra = append(resp.Extra, zsk.key)

		res := v.Validate(ctx, resp)
		assert.Equal(t, dnssec.VerdictBogus, res.Verdict)
		assert.Equal(t, "denial proof does not cover qname", res.Reason)
	})

	t.Run("nodata_matched", func(t *testing.T) {
		nsec := mustRR(t, "m.example.org. 300 IN NSEC z.example.org. TXT RRSIG NSEC")
		sig := zsk.sign(t, []dns.RR{nsec})

		resp := newDenial(t, dns.RcodeSuccess, nsec, sig)
		resp.Extra = append(resp.Extra, zsk.key)

		res := v.Validate(ctx, resp)
		assert.Equal(t, dnssec.VerdictSecure, res.Verdict)
	})

	t.Run("no_proof", func(t *testing.T) {
		resp := newDenial(t, dns.RcodeNameError)

		res := v.Validate(ctx, resp)
		assert.Equal(t, dnssec.VerdictInsecure, res.Verdict)
		assert.Equal(t, "no denial proof", res.Reason)
	})
}

func TestValidator_Validate_wildcard(t *testing.T) {
	t.Parallel()

	zsk := newSigner(t, testZone, dns.ZONE)
	v := newValidator(t, nil, nil, false)
	ctx := testutil.ContextWithTimeout(t, testTimeout)

	// A wildcard-expanded answer: the signature covers fewer labels than the
	// owner name has, and no proof of the qname's absence is attached.
	wild := mustRR(t, "*.example.org. 300 IN A 192.0.2.20")
	sig := zsk.sign(t, []dns.RR{wild})

	// Expansion renames the owner; the label count stays that of the
	// wildcard.
	sig.Hdr.Name = "host.example.org."

	a := mustRR(t, "host.example.org. 300 IN A 192.0.2.20")

	req := (&dns.Msg{}).SetQuestion("host.example.org.", dns.TypeA)
	resp := (&dns.Msg{}).SetReply(req)
	resp.Answer = []dns.RR{a, sig}
	resp.Extra = append(resp.Extra, zsk.key)

	res := v.Validate(ctx, resp)
	assert.Equal(t, dnssec.VerdictBogus, res.Verdict)
	assert.Equal(t, "missing wildcard proof", res.Reason)
}
