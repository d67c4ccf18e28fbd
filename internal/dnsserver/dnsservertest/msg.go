package dnsservertest

import (
	"net"
	"net/netip"
	"testing"

	"github.com/AdguardTeam/golibs/testutil"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// CreateMessage returns a recursion-desired DNS query for the specified
// hostname and qtype.
func CreateMessage(hostname string, qtype uint16) (m *dns.Msg) {
	m = NewReq(hostname, qtype, dns.ClassINET)
	m.RecursionDesired = true

	return m
}

// RequireResponse fails the test unless resp looks like a well-formed reply
// to req with the wanted answer length, response code, and TC bit.
func RequireResponse(
	t *testing.T,
	req *dns.Msg,
	resp *dns.Msg,
	wantAnsLen int,
	wantRCode int,
	wantTruncated bool,
) {
	t.Helper()

	require.NotNil(t, req)
	require.NotNil(t, resp)

	// The opcode must survive into the response whatever the status.
	require.Equal(t, req.Opcode, resp.Opcode)
	require.Equal(t, wantRCode, resp.Rcode)
	require.Equal(t, wantTruncated, resp.Truncated)
	require.True(t, resp.Response)
	// The Z flag must stay clear even when the query had it set.  See
	// https://github.com/miekg/dns/issues/975.
	require.False(t, resp.Zero)
	require.Len(t, resp.Answer, wantAnsLen)

	// An EDNS query must get an OPT record back.
	if len(req.Extra) > 0 {
		require.NotEmpty(t, resp.Extra)
	}

	if wantAnsLen > 0 {
		a := testutil.RequireTypeAssert[*dns.A](t, resp.Answer[0])
		require.Equal(t, req.Question[0].Name, a.Hdr.Name)
	}
}

// RRSection is a resource record set destined for one section of a message
// built by [NewReq] or [NewResp].  The implementations are [SectionAnswer],
// [SectionNs], and [SectionExtra].
type RRSection interface {
	// appendTo adds the resource record set to the right section of m.
	appendTo(m *dns.Msg)
}

// type check
var (
	_ RRSection = SectionAnswer{}
	_ RRSection = SectionNs{}
	_ RRSection = SectionExtra{}
)

// SectionAnswer wraps a resource record set for the answer section.
type SectionAnswer []dns.RR

// appendTo implements the [RRSection] interface for SectionAnswer.
func (rrs SectionAnswer) appendTo(m *dns.Msg) { m.Answer = append(m.Answer, ([]dns.RR)(rrs)...) }

// SectionNs wraps a resource record set for the authority section.
type SectionNs []dns.RR

// appendTo implements the [RRSection] interface for SectionNs.
func (rrs SectionNs) appendTo(m *dns.Msg) { m.Ns = append(m.Ns, ([]dns.RR)(rrs)...) }

// SectionExtra wraps a resource record set for the additional section.
type SectionExtra []dns.RR

// appendTo implements the [RRSection] interface for SectionExtra.
func (rrs SectionExtra) appendTo(m *dns.Msg) { m.Extra = append(m.Extra, ([]dns.RR)(rrs)...) }

// NewReq returns a DNS request with one question for name, qtype, and
// qclass, plus any rrs.
func NewReq(name string, qtype, qclass uint16, rrs ...RRSection) (req *dns.Msg) {
	req = &dns.Msg{
		MsgHdr: dns.MsgHdr{
			Id: dns.Id(),
		},
		Question: []dns.Question{{
			Name:   dns.Fqdn(name),
			Qtype:  qtype,
			Qclass: qclass,
		}},
	}

	for _, rr := range rrs {
		rr.appendTo(req)
	}

	return req
}

// NewResp returns a DNS response to req with the given rcode and any rrs.
func NewResp(rcode int, req *dns.Msg, rrs ...RRSection) (resp *dns.Msg) {
	resp = (&dns.Msg{}).SetRcode(req, rcode)
	resp.RecursionAvailable = true
	resp.Compress = true

	for _, rr := range rrs {
		rr.appendTo(resp)
	}

	return resp
}

// NewA returns a new A record.  a must be an IPv4 address.
func NewA(name string, ttl uint32, a netip.Addr) (rr dns.RR) {
	data := a.As4()

	return &dns.A{
		Hdr: dns.RR_Header{
			Name:   dns.Fqdn(name),
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		A: data[:],
	}
}

// NewAAAA returns a new AAAA record.  aaaa must be an IPv6 address.
func NewAAAA(name string, ttl uint32, aaaa netip.Addr) (rr dns.RR) {
	data := aaaa.As16()

	return &dns.AAAA{
		Hdr: dns.RR_Header{
			Name:   dns.Fqdn(name),
			Rrtype: dns.TypeAAAA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		AAAA: data[:],
	}
}

// NewCNAME returns a new CNAME record pointing at target.
func NewCNAME(name string, ttl uint32, target string) (rr dns.RR) {
	return &dns.CNAME{
		Hdr: dns.RR_Header{
			Name:   dns.Fqdn(name),
			Rrtype: dns.TypeCNAME,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		Target: dns.Fqdn(target),
	}
}

// NewPTR returns a new PTR record pointing at target.
func NewPTR(name string, ttl uint32, target string) (rr dns.RR) {
	return &dns.PTR{
		Hdr: dns.RR_Header{
			Name:   dns.Fqdn(name),
			Rrtype: dns.TypePTR,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		Ptr: dns.Fqdn(target),
	}
}

// NewSRV returns a new SRV record.
func NewSRV(name string, ttl uint32, target string, prio, weight, port uint16) (rr dns.RR) {
	return &dns.SRV{
		Hdr: dns.RR_Header{
			Name:   dns.Fqdn(name),
			Rrtype: dns.TypeSRV,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		Priority: prio,
		Weight:   weight,
		Port:     port,
		Target:   target,
	}
}

// NewTXT returns a new TXT record carrying txts verbatim.
func NewTXT(name string, ttl uint32, txts ...string) (rr dns.RR) {
	return &dns.TXT{
		Hdr: dns.RR_Header{
			Name:   dns.Fqdn(name),
			Rrtype: dns.TypeTXT,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		Txt: txts,
	}
}

// NewSOA returns a new SOA record with the given primary server and mailbox.
func NewSOA(name string, ttl uint32, ns, mbox string) (rr dns.RR) {
	return &dns.SOA{
		Hdr: dns.RR_Header{
			Name:   dns.Fqdn(name),
			Rrtype: dns.TypeSOA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		Ns:   dns.Fqdn(ns),
		Mbox: dns.Fqdn(mbox),
	}
}

// NewNS returns a new NS record.
func NewNS(name string, ttl uint32, ns string) (rr dns.RR) {
	return &dns.NS{
		Hdr: dns.RR_Header{
			Name:   dns.Fqdn(name),
			Rrtype: dns.TypeNS,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		Ns: dns.Fqdn(ns),
	}
}

// NewOPT returns a new OPT pseudo-record with the DO bit and UDP buffer size
// set.
func NewOPT(do bool, udpSize uint16, opts ...dns.EDNS0) (rr dns.RR) {
	opt := &dns.OPT{
		Hdr: dns.RR_Header{
			Name:   ".",
			Rrtype: dns.TypeOPT,
		},
		Option: opts,
	}

	opt.SetDo(do)
	opt.SetUDPSize(udpSize)

	return opt
}

// NewECSExtra returns an OPT record carrying an EDNS client subnet option.
func NewECSExtra(ip net.IP, fam uint16, mask, scope uint8) (extra dns.RR) {
	return &dns.OPT{
		Hdr: dns.RR_Header{
			Name:   ".",
			Rrtype: dns.TypeOPT,
		},
		Option: []dns.EDNS0{&dns.EDNS0_SUBNET{
			Code:          dns.EDNS0SUBNET,
			Family:        fam,
			SourceNetmask: mask,
			SourceScope:   scope,
			Address:       ip,
		}},
	}
}

// requestPaddingBlockSize is the RFC 8467 recommended padding block size for
// queries over encrypted transports.
const requestPaddingBlockSize = 128

// NewEDNS0Padding returns an OPT record padding the query up to the RFC 8467
// block size.
func NewEDNS0Padding(msgLen int, UDPBufferSize uint16) (extra dns.RR) {
	padLen := requestPaddingBlockSize - msgLen%requestPaddingBlockSize

	// Keep the padded message within the UDP buffer.
	if bufSzInt := int(UDPBufferSize); msgLen+padLen > bufSzInt {
		padLen = max(bufSzInt-msgLen, 0)
	}

	return &dns.OPT{
		Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT, Class: UDPBufferSize},
		Option: []dns.EDNS0{
			&dns.EDNS0_PADDING{Padding: make([]byte, padLen)},
		},
	}
}

// FindEDNS0Option returns the first EDNS0 option of type T found in the OPT
// record of msg, or the zero value when there is none.
func FindEDNS0Option[T dns.EDNS0](msg *dns.Msg) (o T) {
	rr := msg.IsEdns0()
	if rr == nil {
		return o
	}

	for _, opt := range rr.Option {
		var ok bool
		if o, ok = opt.(T); ok {
			return o
		}
	}

	return o
}
