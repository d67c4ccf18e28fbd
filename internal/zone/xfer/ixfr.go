package xfer

import (
	"github.com/WardenTeam/WardenDNS/internal/zone"
	"github.com/miekg/dns"
)

// ixfrClientSerial extracts the serial the client reports in the authority
// section of an IXFR query.
func ixfrClientSerial(req *dns.Msg) (serial uint32, ok bool) {
	for _, rr := range req.Ns {
		if soa, isSOA := rr.(*dns.SOA); isSOA {
			return soa.Serial, true
		}
	}

	return 0, false
}

// serialLess reports whether a < b in RFC 1982 serial arithmetic.
func serialLess(a, b uint32) (ok bool) {
	return int32(a-b) < 0
}

// soaWithSerial returns a copy of soa with its serial set to serial.
func soaWithSerial(soa *dns.SOA, serial uint32) (rr *dns.SOA) {
	rr = dns.Copy(soa).(*dns.SOA)
	rr.Serial = serial

	return rr
}

// ixfrRRs builds the record sequence of an incremental transfer: the current
// SOA, then per change group the preceding SOA, its deletions, its
// additions, and the SOA at that serial, and finally the current SOA again.
// Deletions and additions keep the order in which the operations were
// applied.
func ixfrRRs(soa *dns.SOA, changes []*zone.Change) (rrs []dns.RR) {
	rrs = append(rrs, soaWithSerial(soa, soa.Serial))

	for _, change := range changes {
		rrs = append(rrs, soaWithSerial(soa, change.Serial-1))

		for _, op := range change.Ops {
			if op.Del {
				rrs = append(rrs, op.RR)
			}
		}

		for _, op := range change.Ops {
			if !op.Del {
				rrs = append(rrs, op.RR)
			}
		}

		rrs = append(rrs, soaWithSerial(soa, change.Serial))
	}

	return append(rrs, soaWithSerial(soa, soa.Serial))
}
