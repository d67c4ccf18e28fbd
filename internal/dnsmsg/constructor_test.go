package dnsmsg_test

import (
	"strings"
	"testing"

	"github.com/WardenTeam/WardenDNS/internal/dnsmsg"
	"github.com/WardenTeam/WardenDNS/internal/dnsserver/dnsservertest"
	"github.com/WardenTeam/WardenDNS/internal/wardentest"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTXTExtra is a helper constructor of the expected extra data.
func newTXTExtra(ttl uint32, strs ...string) (extra []dns.RR) {
	return []dns.RR{&dns.TXT{
		Hdr: dns.RR_Header{
			Rrtype: dns.TypeTXT,
			Class:  dns.ClassCHAOS,
			Ttl:    ttl,
		},
		Txt: strs,
	}}
}

func TestConstructor_noAnswerMethods(t *testing.T) {
	t.Parallel()

	msgs := wardentest.NewConstructor(t)

	req := dnsservertest.NewReq(testFQDN, dns.TypeA, dns.ClassINET)

	testCases := []struct {
		method func(req *dns.Msg) (resp *dns.Msg)
		name   string
		want   dnsmsg.RCode
	}{{
		method: msgs.NewMsgFORMERR,
		name:   "formerr",
		want:   dns.RcodeFormatError,
	}, {
		method: msgs.NewMsgNXDOMAIN,
		name:   "nxdomain",
		want:   dns.RcodeNameError,
	}, {
		method: msgs.NewMsgREFUSED,
		name:   "refused",
		want:   dns.RcodeRefused,
	}, {
		method: msgs.NewMsgSERVFAIL,
		name:   "servfail",
		want:   dns.RcodeServerFailure,
	}, {
		method: msgs.NewMsgNOTIMP,
		name:   "notimp",
		want:   dns.RcodeNotImplemented,
	}, {
		method: msgs.NewMsgNOTAUTH,
		name:   "notauth",
		want:   dns.RcodeNotAuth,
	}, {
		method: msgs.NewMsgNODATA,
		name:   "nodata",
		want:   dns.RcodeSuccess,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			resp := tc.method(req)
			require.NotNil(t, resp)
			require.Len(t, resp.Ns, 1)

			assert.Empty(t, resp.Answer)
			assert.Equal(t, tc.want, dnsmsg.RCode(resp.Rcode))

			ns := resp.Ns[0]
			assert.Equal(t, uint32(wardentest.FilteredResponseTTLSec), ns.Header().Ttl)
		})
	}
}

func TestConstructor_NewCNAMEWithIPs(t *testing.T) {
	t.Parallel()

	msgs := wardentest.NewConstructor(t)

	const cname = "cname.example"

	req := dnsservertest.NewReq(testFQDN, dns.TypeA, dns.ClassINET)
	resp, err := msgs.NewCNAMEWithIPs(req, cname, testIPv4)
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Len(t, resp.Answer, 2)

	c := testutil.RequireTypeAssert[*dns.CNAME](t, resp.Answer[0])
	assert.Equal(t, dns.Fqdn(cname), c.Target)
	assert.Equal(t, testFQDN, c.Hdr.Name)

	a := testutil.RequireTypeAssert[*dns.A](t, resp.Answer[1])
	assert.Equal(t, dns.Fqdn(cname), a.Hdr.Name)
	assert.Equal(t, testIPv4.AsSlice(), []byte(a.A))
}

func TestConstructor_AppendDebugExtra(t *testing.T) {
	t.Parallel()

	msgs := wardentest.NewConstructorWithTTL(t, testFltRespTTL)

	shortText := "This is a short test text"
	longText := strings.Repeat("a", 2*dnsmsg.MaxTXTStringLen)

	testCases := []struct {
		name       string
		text       string
		wantErrMsg string
		wantExtra  []dns.RR
		qt         uint16
	}{{
		name:       "short_text",
		text:       shortText,
		qt:         dns.TypeTXT,
		wantExtra:  newTXTExtra(testFltRespTTLSec, shortText),
		wantErrMsg: "",
	}, {
		name: "long_text",
		text: longText,
		qt:   dns.TypeTXT,
		wantExtra: newTXTExtra(
			testFltRespTTLSec,
			longText[:dnsmsg.MaxTXTStringLen],
			longText[dnsmsg.MaxTXTStringLen:],
		),
		wantErrMsg: "",
	}, {
		name:       "error_type",
		text:       "Type A",
		qt:         dns.TypeA,
		wantExtra:  nil,
		wantErrMsg: "bad qtype for txt resp: A",
	}, {
		name:       "empty_text",
		text:       "",
		qt:         dns.TypeTXT,
		wantExtra:  newTXTExtra(testFltRespTTLSec, ""),
		wantErrMsg: "",
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			req := &dns.Msg{
				MsgHdr: dns.MsgHdr{
					Id: dns.Id(),
				},
				Question: []dns.Question{{
					Name:   testFQDN,
					Qtype:  tc.qt,
					Qclass: dns.ClassCHAOS,
				}},
			}

			resp := &dns.Msg{}
			resp = resp.SetReply(req)

			err := msgs.AppendDebugExtra(req, resp, tc.text)
			testutil.AssertErrorMsg(t, tc.wantErrMsg, err)

			wantExtra := tc.wantExtra
			if len(wantExtra) > 0 {
				wantExtra[0].Header().Name = testFQDN
			}

			assert.Equal(t, resp.Extra, tc.wantExtra)
		})
	}
}
