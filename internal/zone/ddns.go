package zone

import (
	"context"
	"maps"
	"slices"
	"strings"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/miekg/dns"
)

// ApplyUpdate processes the RFC 2136 dynamic update req against the zone.
// The whole batch is applied atomically or refused; rcode is the response
// code for the client.  Authentication must have been performed by the
// caller.
func (z *Zone) ApplyUpdate(ctx context.Context, req *dns.Msg) (rcode int) {
	// In an update message the question section carries the zone, the
	// answer section the prerequisites, and the authority section the
	// updates.
	if len(req.Question) != 1 || req.Question[0].Qtype != dns.TypeSOA {
		return dns.RcodeFormatError
	}

	if strings.ToLower(req.Question[0].Name) != z.name {
		return dns.RcodeNotZone
	}

	z.mu.Lock()
	defer z.mu.Unlock()

	snap := z.snap.Load()

	rcode = checkPrereqs(snap, req.Answer)
	if rcode != dns.RcodeSuccess {
		return rcode
	}

	ops, rcode := updateOps(snap, req.Ns)
	if rcode != dns.RcodeSuccess {
		return rcode
	}

	if len(ops) == 0 {
		// Nothing to change, do not burn a serial.
		return dns.RcodeSuccess
	}

	serial, err := z.applyLocked(ctx, ops)
	if err != nil {
		z.logger.ErrorContext(ctx, "applying update", slogutil.KeyError, err)

		return dns.RcodeServerFailure
	}

	z.logger.InfoContext(ctx, "dynamic update applied", "serial", serial, "ops", len(ops))

	return dns.RcodeSuccess
}

// checkPrereqs verifies the RFC 2136 prerequisite section against the
// snapshot.
func checkPrereqs(snap *snapshot, prereqs []dns.RR) (rcode int) {
	// Value-dependent "RRset exists" prerequisites are gathered per owner
	// and type and compared as whole sets.
	type rrsetKey struct {
		name string
		qt   uint16
	}
	wantSets := map[rrsetKey][]dns.RR{}

	for _, rr := range prereqs {
		hdr := rr.Header()
		name := strings.ToLower(hdr.Name)

		if !dns.IsSubDomain(snap.name, name) {
			return dns.RcodeNotZone
		}

		switch hdr.Class {
		case dns.ClassANY:
			if hdr.Rrtype == dns.TypeANY {
				if !snap.nameExists(name) {
					return dns.RcodeNameError
				}
			} else if len(snap.lookup(name, hdr.Rrtype)) == 0 {
				return dns.RcodeNXRrset
			}
		case dns.ClassNONE:
			if hdr.Rrtype == dns.TypeANY {
				if snap.nameExists(name) {
					return dns.RcodeYXDomain
				}
			} else if len(snap.lookup(name, hdr.Rrtype)) != 0 {
				return dns.RcodeYXRrset
			}
		case dns.ClassINET:
			key := rrsetKey{name: name, qt: hdr.Rrtype}
			wantSets[key] = append(wantSets[key], rr)
		default:
			return dns.RcodeFormatError
		}
	}

	for key, want := range wantSets {
		have := snap.lookup(key.name, key.qt)
		if !sameRRSet(have, want) {
			return dns.RcodeNXRrset
		}
	}

	return dns.RcodeSuccess
}

// sameRRSet reports whether have and want contain the same records,
// ignoring TTLs and order.
func sameRRSet(have, want []dns.RR) (ok bool) {
	if len(have) != len(want) {
		return false
	}

	matched := make([]bool, len(have))
	for _, w := range want {
		found := false
		for i, h := range have {
			if !matched[i] && sameRData(h, w) {
				matched[i], found = true, true

				break
			}
		}

		if !found {
			return false
		}
	}

	return true
}

// updateOps validates the RFC 2136 update section and expands it into
// concrete record operations against the snapshot.  Deletions that match
// nothing expand to nothing; SOA records are never deleted.
func updateOps(snap *snapshot, updates []dns.RR) (ops []Op, rcode int) {
	for _, rr := range updates {
		hdr := rr.Header()
		name := strings.ToLower(hdr.Name)

		if !dns.IsSubDomain(snap.name, name) {
			return nil, dns.RcodeNotZone
		}

		switch hdr.Class {
		case dns.ClassINET:
			if hdr.Rrtype == dns.TypeANY {
				return nil, dns.RcodeFormatError
			}

			ops = append(ops, Op{RR: dns.Copy(rr)})
		case dns.ClassANY:
			if hdr.Rrtype == dns.TypeANY {
				ops = append(ops, deleteName(snap, name)...)
			} else {
				ops = append(ops, deleteRRSet(snap, name, hdr.Rrtype)...)
			}
		case dns.ClassNONE:
			del := dns.Copy(rr)
			delHdr := del.Header()
			delHdr.Class = dns.ClassINET

			for _, cur := range snap.lookup(name, hdr.Rrtype) {
				if cur.Header().Rrtype == dns.TypeSOA {
					continue
				}

				if sameRData(cur, del) {
					ops = append(ops, Op{RR: dns.Copy(cur), Del: true})
				}
			}
		default:
			return nil, dns.RcodeFormatError
		}
	}

	return ops, dns.RcodeSuccess
}

// deleteName expands the deletion of every RRset at name, keeping the apex
// SOA.  The expansion is ordered by type to keep the change history
// deterministic.
func deleteName(snap *snapshot, name string) (ops []Op) {
	for _, rrType := range slices.Sorted(maps.Keys(snap.owners[name])) {
		if name == snap.name && rrType == dns.TypeSOA {
			continue
		}

		ops = append(ops, deleteRRSet(snap, name, rrType)...)
	}

	return ops
}

// deleteRRSet expands the deletion of the whole RRset of rrType at name,
// keeping the apex SOA.
func deleteRRSet(snap *snapshot, name string, rrType uint16) (ops []Op) {
	if name == snap.name && rrType == dns.TypeSOA {
		return nil
	}

	for _, rr := range snap.lookup(name, rrType) {
		ops = append(ops, Op{RR: dns.Copy(rr), Del: true})
	}

	return ops
}
