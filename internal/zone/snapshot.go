package zone

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/miekg/dns"
)

// snapshot is an immutable compiled view of one zone at one serial.  Readers
// share snapshots freely; mutations build a new snapshot and swap the
// pointer.
type snapshot struct {
	// owners maps lower-case owner FQDNs to their records by type.
	owners map[string]map[uint16][]dns.RR

	// soa is the apex SOA with the serial already set.
	soa *dns.SOA

	// changes is the gap-free change history ordered by serial.
	changes []*Change

	// name is the lower-case FQDN of the apex.
	name string

	// serial is the current SOA serial.
	serial uint32
}

// newSnapshot compiles conf and records into a snapshot.  Records that do
// not parse are skipped with a warning.  It returns an error if the zone has
// no SOA record.
func newSnapshot(
	ctx context.Context,
	logger *slog.Logger,
	conf *Config,
	records []*Record,
	changes []*Change,
) (snap *snapshot, err error) {
	snap = &snapshot{
		owners:  map[string]map[uint16][]dns.RR{},
		changes: changes,
		name:    conf.Name,
		serial:  conf.Serial,
	}

	for _, rec := range records {
		if !rec.Enabled {
			continue
		}

		rr, rrErr := rec.RR(conf.Name)
		if rrErr != nil {
			logger.WarnContext(ctx, "skipping record", "zone", conf.Name, slogutil.KeyError, rrErr)

			continue
		}

		snap.add(rr)
	}

	soaSet := snap.lookup(conf.Name, dns.TypeSOA)
	if len(soaSet) == 0 {
		return nil, fmt.Errorf("zone %q: no soa record", conf.Name)
	}

	snap.soa = soaSet[0].(*dns.SOA)
	snap.soa.Serial = conf.Serial

	return snap, nil
}

// add inserts rr into the snapshot.  Adding a record that is already present,
// by owner, type, and RDATA, replaces it, so a repeated add only refreshes
// the TTL.
func (snap *snapshot) add(rr dns.RR) {
	name := strings.ToLower(rr.Header().Name)
	rrType := rr.Header().Rrtype

	types := snap.owners[name]
	if types == nil {
		types = map[uint16][]dns.RR{}
		snap.owners[name] = types
	}

	set := types[rrType]
	for i, cur := range set {
		if sameRData(cur, rr) {
			set[i] = rr

			return
		}
	}

	types[rrType] = append(set, rr)
}

// remove deletes the record equal to rr, by owner, type, and textual RDATA,
// from the snapshot.
func (snap *snapshot) remove(rr dns.RR) {
	name := strings.ToLower(rr.Header().Name)
	rrType := rr.Header().Rrtype

	types, ok := snap.owners[name]
	if !ok {
		return
	}

	kept := types[rrType][:0]
	for _, cur := range types[rrType] {
		if !sameRData(cur, rr) {
			kept = append(kept, cur)
		}
	}

	if len(kept) == 0 {
		delete(types, rrType)
		if len(types) == 0 {
			delete(snap.owners, name)
		}
	} else {
		types[rrType] = kept
	}
}

// sameRData reports whether a and b have the same owner, type, and RDATA,
// ignoring the TTL.
func sameRData(a, b dns.RR) (ok bool) {
	ca, cb := dns.Copy(a), dns.Copy(b)
	ca.Header().Ttl, cb.Header().Ttl = 0, 0

	return ca.String() == cb.String()
}

// nameExists reports whether any record exists at the lower-case FQDN name.
func (snap *snapshot) nameExists(name string) (ok bool) {
	_, ok = snap.owners[name]

	return ok
}

// lookup returns the records of type rrType at the lower-case FQDN name.
func (snap *snapshot) lookup(name string, rrType uint16) (rrs []dns.RR) {
	return snap.owners[name][rrType]
}

// allRecords returns every record of the zone with the apex SOA first.  The
// result is a fresh slice, but the records are shared with the snapshot and
// must not be modified.
func (snap *snapshot) allRecords() (rrs []dns.RR) {
	rrs = []dns.RR{snap.soa}
	for name, types := range snap.owners {
		for rrType, set := range types {
			if name == snap.name && rrType == dns.TypeSOA {
				continue
			}

			rrs = append(rrs, set...)
		}
	}

	return rrs
}

// changesSince returns the change groups with serials greater than serial,
// ordered by serial, and ok is true when the history reaches back far
// enough, that is, when the first returned group has serial+1.
func (snap *snapshot) changesSince(serial uint32) (changes []*Change, ok bool) {
	i := 0
	for ; i < len(snap.changes); i++ {
		if snap.changes[i].Serial > serial {
			break
		}
	}

	changes = snap.changes[i:]
	if len(changes) == 0 {
		return nil, false
	}

	return changes, changes[0].Serial == serial+1
}

// clone returns a deep enough copy of snap for a subsequent mutation: the
// owner maps are copied, the records themselves are shared.
func (snap *snapshot) clone() (c *snapshot) {
	c = &snapshot{
		owners:  make(map[string]map[uint16][]dns.RR, len(snap.owners)),
		soa:     dns.Copy(snap.soa).(*dns.SOA),
		changes: snap.changes,
		name:    snap.name,
		serial:  snap.serial,
	}

	for name, types := range snap.owners {
		ctypes := make(map[uint16][]dns.RR, len(types))
		for rrType, set := range types {
			ctypes[rrType] = append([]dns.RR{}, set...)
		}

		c.owners[name] = ctypes
	}

	// Keep the apex SOA in the owner map and the soa field the same object,
	// so that serial bumps are visible through both.
	c.owners[c.name][dns.TypeSOA] = []dns.RR{c.soa}

	return c
}
