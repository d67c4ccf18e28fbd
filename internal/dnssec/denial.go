package dnssec

import (
	"bytes"
	"context"
	"strings"

	"github.com/WardenTeam/WardenDNS/internal/dnsmsg"
	"github.com/miekg/dns"
)

// validateDenial judges an empty answer: NXDOMAIN and NODATA responses need
// an NSEC or NSEC3 proof, which in turn must carry a valid signature.
func (v *Validator) validateDenial(ctx context.Context, resp *dns.Msg) (res *Result) {
	if len(resp.Question) == 0 {
		return &Result{Verdict: VerdictIndeterminate, Reason: "no question"}
	}

	q := resp.Question[0]
	nxdomain := resp.Rcode == dns.RcodeNameError

	proof := findDenialProof(resp.Ns, q.Name, q.Qtype, nxdomain)
	if proof == nil {
		if !hasDenialRecords(resp.Ns) {
			// Unsigned zones answer without any proof material.
			return &Result{Verdict: VerdictInsecure, Reason: "no denial proof"}
		}

		return &Result{Verdict: VerdictBogus, Reason: "denial proof does not cover qname"}
	}

	_, sigs := groupAnswer(resp.Ns)
	res = v.validateSet(ctx, resp, rrset{proof}, sigs[rrsetKey(proof)], keysIn(resp.Ns, resp.Extra))
	if res.Verdict != VerdictSecure {
		return res
	}

	return &Result{Verdict: VerdictSecure}
}

// hasDenialRecords reports whether rrs contains any NSEC or NSEC3 record.
func hasDenialRecords(rrs []dns.RR) (ok bool) {
	for _, rr := range rrs {
		switch rr.(type) {
		case *dns.NSEC, *dns.NSEC3:
			return true
		}
	}

	return false
}

// findDenialProof returns the NSEC or NSEC3 record proving the denial of
// qname, nil when none does.  For NXDOMAIN the record must cover qname; for
// NODATA it must match qname with qtype absent from the type bitmap.
func findDenialProof(rrs []dns.RR, qname string, qtype dnsmsg.RRType, nxdomain bool) (proof dns.RR) {
	for _, rr := range rrs {
		switch rr := rr.(type) {
		case *dns.NSEC:
			if nsecProves(rr, qname, qtype, nxdomain) {
				return rr
			}
		case *dns.NSEC3:
			if nsec3Proves(rr, qname, qtype, nxdomain) {
				return rr
			}
		}
	}

	return nil
}

// denialProofPresent reports whether rrs proves the denial of qname.  Used
// for wildcard closest-encloser checks, where the expanded qname must be
// proven absent.
func denialProofPresent(rrs []dns.RR, qname string, qtype dnsmsg.RRType, nxdomain bool) (ok bool) {
	return findDenialProof(rrs, qname, qtype, nxdomain) != nil
}

// nsecProves reports whether nsec proves the denial of qname.
func nsecProves(nsec *dns.NSEC, qname string, qtype dnsmsg.RRType, nxdomain bool) (ok bool) {
	if nxdomain {
		return nsecCovers(nsec, qname)
	}

	if !strings.EqualFold(nsec.Hdr.Name, qname) {
		return false
	}

	for _, t := range nsec.TypeBitMap {
		if t == qtype {
			return false
		}
	}

	return true
}

// nsecCovers reports whether qname sorts canonically between the NSEC owner
// and its next-owner name.  The last NSEC of a zone wraps around to the
// apex.
func nsecCovers(nsec *dns.NSEC, qname string) (ok bool) {
	owner, next := nsec.Hdr.Name, nsec.NextDomain

	wraps := canonicalCmp(next, owner) <= 0
	if wraps {
		return canonicalCmp(qname, owner) > 0 || canonicalCmp(qname, next) < 0
	}

	return canonicalCmp(qname, owner) > 0 && canonicalCmp(qname, next) < 0
}

// nsec3Proves reports whether nsec3 proves the denial of qname within its
// own hash parameters.
func nsec3Proves(nsec3 *dns.NSEC3, qname string, qtype dnsmsg.RRType, nxdomain bool) (ok bool) {
	if nxdomain {
		return nsec3.Cover(qname)
	}

	if !nsec3.Match(qname) {
		return false
	}

	for _, t := range nsec3.TypeBitMap {
		if t == qtype {
			return false
		}
	}

	return true
}

// canonicalCmp compares two domain names in DNSSEC canonical order: label
// by label from the root, each label lower-cased and compared bytewise.
// See RFC 4034, section 6.1.
func canonicalCmp(a, b string) (cmp int) {
	al := canonicalLabels(a)
	bl := canonicalLabels(b)

	for i := 1; i <= len(al) && i <= len(bl); i++ {
		c := bytes.Compare(al[len(al)-i], bl[len(bl)-i])
		if c != 0 {
			return c
		}
	}

	switch {
	case len(al) < len(bl):
		return -1
	case len(al) > len(bl):
		return 1
	default:
		return 0
	}
}

// canonicalLabels splits name into lower-cased labels.
func canonicalLabels(name string) (labels [][]byte) {
	for _, l := range dns.SplitDomainName(dns.Fqdn(name)) {
		labels = append(labels, bytes.ToLower([]byte(l)))
	}

	return labels
}
