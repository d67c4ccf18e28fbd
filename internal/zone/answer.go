package zone

import (
	"strings"

	"github.com/miekg/dns"
)

// maxCNAMEChase is the maximum number of CNAME hops followed within one
// zone while answering a query.
const maxCNAMEChase = 8

// answer builds the authoritative response to req from the snapshot.  The
// returned message carries copies of the records, so callers may rewrite
// TTLs.
func (snap *snapshot) answer(req *dns.Msg) (resp *dns.Msg) {
	resp = (&dns.Msg{}).SetReply(req)
	resp.Authoritative = true

	q := req.Question[0]
	name := strings.ToLower(q.Name)

	for range maxCNAMEChase {
		if !snap.nameExists(name) {
			resp.Rcode = dns.RcodeNameError
			snap.appendSOA(resp)

			return resp
		}

		if rrs := snap.lookup(name, q.Qtype); len(rrs) > 0 {
			appendCopies(resp, rrs)

			return resp
		}

		cnames := snap.lookup(name, dns.TypeCNAME)
		if len(cnames) == 0 {
			// NODATA.
			snap.appendSOA(resp)

			return resp
		}

		appendCopies(resp, cnames)

		target := strings.ToLower(cnames[0].(*dns.CNAME).Target)
		if !dns.IsSubDomain(snap.name, target) {
			// The chain leaves the zone, answer with what has been
			// collected and let the client chase the rest.
			return resp
		}

		name = target
	}

	return resp
}

// appendSOA appends a copy of the zone SOA to the authority section of
// resp.
func (snap *snapshot) appendSOA(resp *dns.Msg) {
	resp.Ns = append(resp.Ns, dns.Copy(snap.soa))
}

// appendCopies appends copies of rrs to the answer section of resp.
func appendCopies(resp *dns.Msg, rrs []dns.RR) {
	for _, rr := range rrs {
		resp.Answer = append(resp.Answer, dns.Copy(rr))
	}
}
