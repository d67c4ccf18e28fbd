package dnssec

import (
	"bytes"
	"slices"
	"strings"

	"github.com/miekg/dns"
)

// CanonicalRRset returns a copy of rrs in the canonical form used for
// signing and verification: owner names lower-cased, TTLs replaced with
// originalTTL, and records sorted by canonical RDATA byte order.  See RFC
// 4034, section 6.
func CanonicalRRset(rrs []dns.RR, originalTTL uint32) (canon []dns.RR) {
	canon = make([]dns.RR, 0, len(rrs))
	for _, rr := range rrs {
		c := dns.Copy(rr)
		hdr := c.Header()
		hdr.Name = strings.ToLower(hdr.Name)
		hdr.Ttl = originalTTL

		canon = append(canon, c)
	}

	slices.SortStableFunc(canon, func(a, b dns.RR) (cmp int) {
		return bytes.Compare(rdataWire(a), rdataWire(b))
	})

	return canon
}

// rdataWire returns the wire-form RDATA of rr, nil on pack errors.
func rdataWire(rr dns.RR) (wire []byte) {
	buf := make([]byte, dns.Len(rr))
	off, err := dns.PackRR(rr, buf, 0, nil, false)
	if err != nil {
		return nil
	}

	// Skip the owner name, the fixed header fields (type, class, TTL), and
	// the RDLENGTH.
	hdrEnd := packedNameLen(rr.Header().Name) + 2 + 2 + 4 + 2
	if hdrEnd > off {
		return nil
	}

	return buf[hdrEnd:off]
}

// packedNameLen returns the wire length of the domain name s.
func packedNameLen(s string) (n int) {
	buf := make([]byte, 256)
	off, err := dns.PackDomainName(dns.Fqdn(s), buf, 0, nil, false)
	if err != nil {
		return 0
	}

	return off
}
