// Package zone implements the authoritative zone engine: store-backed zones
// answered from immutable snapshots, per-zone serialised mutations with a
// gap-free change history, RFC 2136 dynamic updates, and master-file export.
package zone

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/WardenTeam/WardenDNS/internal/dnsmsg"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/miekg/dns"
)

// Apex is the record name that denotes the zone apex.
const Apex = "@"

// ErrZoneNotFound is returned by engine lookups for names outside any
// configured zone.
const ErrZoneNotFound errors.Error = "zone not found"

// ErrRecordNotFound is returned by record mutations when the target record
// does not exist.
const ErrRecordNotFound errors.Error = "record not found"

// MaxChangeHistory is the number of most recent change groups retained per
// zone.  Incremental transfers reaching further back fall back to a full
// transfer.
const MaxChangeHistory = 1024

// Config is the stored configuration of a single authoritative zone.
type Config struct {
	// Name is the apex name of the zone, as a lower-case FQDN.
	Name string

	// TransferACL is the set of peer prefixes allowed to transfer the zone
	// without a TSIG signature.
	TransferACL []netip.Prefix

	// TSIGKeys are the names of the TSIG keys accepted for transfers and
	// dynamic updates of this zone.
	TSIGKeys []string

	// ID is the identifier of the zone in the store.
	ID int64

	// Serial is the current SOA serial.
	Serial uint32

	// Enabled is whether the zone is served.
	Enabled bool
}

// Record is a single stored resource record of a zone.
type Record struct {
	// Name is the owner name, either [Apex] or a name relative to the zone
	// apex or a FQDN within the zone.
	Name string

	// Data is the textual record data.
	Data string

	// ID is the identifier of the record in the store.
	ID int64

	// TTL is the TTL of the record.
	TTL time.Duration

	// Type is the record type.
	Type dnsmsg.RRType

	// Enabled is whether the record is served.
	Enabled bool
}

// RR parses r into a resource record.  origin must be the FQDN of the zone
// apex.
func (r *Record) RR(origin string) (rr dns.RR, err error) {
	defer func() { err = errors.Annotate(err, "record %q %s: %w", r.Name, dns.TypeToString[r.Type]) }()

	typeStr, ok := dns.TypeToString[r.Type]
	if !ok {
		return nil, fmt.Errorf("unknown type %d", r.Type)
	}

	rr, err = dns.NewRR(fmt.Sprintf(
		"$ORIGIN %s\n%s %d IN %s %s",
		origin,
		r.Name,
		int(r.TTL.Seconds()),
		typeStr,
		r.Data,
	))
	if err != nil {
		// Don't wrap the error, the deferred annotation is enough.
		return nil, err
	}

	return rr, nil
}

// AbsName returns the lower-case FQDN of the record's owner name within the
// zone with the apex origin.
func (r *Record) AbsName(origin string) (name string) {
	return AbsName(r.Name, origin)
}

// AbsName expands name, which is either [Apex], relative, or fully
// qualified, into a lower-case FQDN under origin.
func AbsName(name, origin string) (abs string) {
	name = strings.ToLower(name)
	if name == Apex || name == "" {
		return origin
	}

	if strings.HasSuffix(name, ".") {
		return name
	}

	return name + "." + origin
}

// Op is a single record operation within a change.
type Op struct {
	// RR is the record added or deleted.
	RR dns.RR

	// Del is true when the operation deletes RR.
	Del bool
}

// Change is the group of record operations that produced one serial bump.
// Ops keep the original operation order.
type Change struct {
	Ops    []Op
	Serial uint32
}

// Data is a zone together with its records and change history, as loaded
// from the store.
type Data struct {
	Conf    *Config
	Records []*Record
	Changes []*Change
}

// Storage is the persistence interface of the zone engine.
type Storage interface {
	// ZoneData returns all configured zones with their records and change
	// histories.
	ZoneData(ctx context.Context) (zones []*Data, err error)

	// SaveChange persists atomically the record mutations of one serial
	// bump: the zone's new serial, the change group, and the corresponding
	// record row updates.
	SaveChange(ctx context.Context, zoneID int64, change *Change) (err error)
}
