// Package dnssec implements the validating side of DNSSEC: RRSIG
// verification of answered RRsets, chain-of-trust walks up to a configured
// trust anchor, and NSEC/NSEC3 authenticated denial of existence.  The
// validator consumes responses that have already been parsed and produces a
// verdict that the resolution pipeline maps onto the AD bit and SERVFAIL.
package dnssec

import (
	"github.com/miekg/dns"
)

// Verdict is the outcome of validating one response.
type Verdict uint8

// Verdict values, from best to worst.
const (
	// VerdictSecure means every answered RRset verified up to a trust
	// anchor.  The pipeline sets AD=1.
	VerdictSecure Verdict = iota

	// VerdictInsecure means the response is provably outside signed space,
	// through DS absence or an unsupported algorithm.  The response is
	// served without AD.
	VerdictInsecure

	// VerdictIndeterminate means there was no relevant DNSSEC material to
	// judge by.  The response is served without AD.
	VerdictIndeterminate

	// VerdictBogus means validation failed.  The pipeline converts the
	// response to SERVFAIL.
	VerdictBogus
)

// String implements the [fmt.Stringer] interface for Verdict.
func (v Verdict) String() (s string) {
	switch v {
	case VerdictSecure:
		return "secure"
	case VerdictInsecure:
		return "insecure"
	case VerdictIndeterminate:
		return "indeterminate"
	case VerdictBogus:
		return "bogus"
	default:
		return "unknown"
	}
}

// Result is the validation outcome together with the human-readable reason
// recorded in the query log.
type Result struct {
	// Reason explains verdicts other than secure.
	Reason string

	// Verdict is the validation outcome.
	Verdict Verdict
}

// ReasonInsecureAlgo is the reason reported when the only signatures over an
// RRset use an algorithm the validator does not implement.  Such responses
// are insecure, never bogus.
const ReasonInsecureAlgo = "insecure-algo"

// supportedAlgo reports whether the validator implements signature
// algorithm a.
func supportedAlgo(a uint8) (ok bool) {
	switch a {
	case
		dns.RSASHA1,
		dns.RSASHA1NSEC3SHA1,
		dns.RSASHA256,
		dns.RSASHA512,
		dns.ECDSAP256SHA256,
		dns.ECDSAP384SHA384,
		dns.ED25519:
		return true
	default:
		return false
	}
}

// combine folds the verdict of one RRset into the verdict of the whole
// response.  The worst verdict wins and secure requires unanimity.
func combine(a, b Verdict) (worst Verdict) {
	return max(a, b)
}
