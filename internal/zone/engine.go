package zone

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/miekg/dns"
)

// EngineConfig is the configuration of the zone engine.
type EngineConfig struct {
	// Logger is used for logging the operation of the engine.  It must not
	// be nil.
	Logger *slog.Logger

	// Storage provides the zone data.  It must not be nil.
	Storage Storage

	// ExportDir, if not empty, is the directory into which every zone is
	// exported as a master file after each mutation.
	ExportDir string
}

// Engine is the authoritative zone engine.
type Engine struct {
	logger    *slog.Logger
	storage   Storage
	exportDir string

	// mu protects zones.
	mu    *sync.RWMutex
	zones map[string]*Zone
}

// NewEngine returns a new zone engine.  c must not be nil and must be valid.
// The engine serves no zones until the first call to [Engine.Refresh].
func NewEngine(c *EngineConfig) (e *Engine) {
	return &Engine{
		logger:    c.Logger,
		storage:   c.Storage,
		exportDir: c.ExportDir,
		mu:        &sync.RWMutex{},
		zones:     map[string]*Zone{},
	}
}

// type check
var _ service.Refresher = (*Engine)(nil)

// Refresh implements the [service.Refresher] interface for *Engine.  It
// reloads all zones from storage.  Zones that fail to compile are skipped
// with a warning; queries in flight keep the zone objects they started
// with.
func (e *Engine) Refresh(ctx context.Context) (err error) {
	defer func() { err = errors.Annotate(err, "refreshing zones: %w") }()

	data, err := e.storage.ZoneData(ctx)
	if err != nil {
		return fmt.Errorf("reading zone data: %w", err)
	}

	zones := make(map[string]*Zone, len(data))
	for _, d := range data {
		if !d.Conf.Enabled {
			continue
		}

		z, zoneErr := e.newZone(ctx, d)
		if zoneErr != nil {
			e.logger.WarnContext(ctx, "skipping zone", "zone", d.Conf.Name, slogutil.KeyError, zoneErr)

			continue
		}

		zones[z.name] = z
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.zones = zones

	e.logger.InfoContext(ctx, "zones refreshed", "num", len(zones))

	return nil
}

// newZone compiles d into a served zone.
func (e *Engine) newZone(ctx context.Context, d *Data) (z *Zone, err error) {
	name := strings.ToLower(dns.Fqdn(d.Conf.Name))

	conf := *d.Conf
	conf.Name = name

	snap, err := newSnapshot(ctx, e.logger, &conf, d.Records, d.Changes)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return nil, err
	}

	z = &Zone{
		logger:      e.logger.With("zone", name),
		storage:     e.storage,
		exportDir:   e.exportDir,
		mu:          &sync.Mutex{},
		name:        name,
		transferACL: conf.TransferACL,
		tsigKeys:    conf.TSIGKeys,
		id:          conf.ID,
	}

	z.snap.Store(snap)

	return z, nil
}

// Match returns the zone with the longest apex name that qname falls under.
func (e *Engine) Match(qname string) (z *Zone, ok bool) {
	qname = strings.ToLower(dns.Fqdn(qname))

	e.mu.RLock()
	defer e.mu.RUnlock()

	best := -1
	for name, cand := range e.zones {
		if !dns.IsSubDomain(name, qname) {
			continue
		}

		if n := dns.CountLabel(name); n > best {
			best, z = n, cand
		}
	}

	return z, z != nil
}

// Zone returns the zone with the exact apex name.
func (e *Engine) Zone(name string) (z *Zone, ok bool) {
	name = strings.ToLower(dns.Fqdn(name))

	e.mu.RLock()
	defer e.mu.RUnlock()

	z, ok = e.zones[name]

	return z, ok
}

// Zone is a single served authoritative zone.  Reads go through an immutable
// snapshot; mutations are serialised by the zone mutex, bump the serial by
// exactly one, and append one change group.
type Zone struct {
	logger    *slog.Logger
	storage   Storage
	exportDir string

	// mu serialises mutations.
	mu *sync.Mutex

	snap atomic.Pointer[snapshot]

	name        string
	transferACL []netip.Prefix
	tsigKeys    []string
	id          int64
}

// Name returns the lower-case FQDN of the zone apex.
func (z *Zone) Name() (name string) { return z.name }

// Serial returns the current SOA serial.
func (z *Zone) Serial() (serial uint32) { return z.snap.Load().serial }

// SOA returns a copy of the zone SOA.
func (z *Zone) SOA() (soa *dns.SOA) {
	return dns.Copy(z.snap.Load().soa).(*dns.SOA)
}

// Answer builds the authoritative response to req.  req must have exactly
// one question the name of which falls under the zone.
func (z *Zone) Answer(req *dns.Msg) (resp *dns.Msg) {
	return z.snap.Load().answer(req)
}

// AllRecords returns every record of the zone at the current serial, apex
// SOA first.  The records are shared and must not be modified.
func (z *Zone) AllRecords() (rrs []dns.RR) {
	return z.snap.Load().allRecords()
}

// ChangesSince returns the change groups after serial, in serial order.  ok
// is false when the history does not reach back to serial, in which case
// the caller should fall back to a full transfer.
func (z *Zone) ChangesSince(serial uint32) (changes []*Change, ok bool) {
	return z.snap.Load().changesSince(serial)
}

// AllowedPeer reports whether ip is covered by the zone's transfer ACL.
func (z *Zone) AllowedPeer(ip netip.Addr) (ok bool) {
	for _, p := range z.transferACL {
		if p.Contains(ip) {
			return true
		}
	}

	return false
}

// HasTSIGKey reports whether the TSIG key named keyName is accepted for
// transfers and updates of the zone.
func (z *Zone) HasTSIGKey(keyName string) (ok bool) {
	keyName = strings.ToLower(dns.Fqdn(keyName))
	for _, k := range z.tsigKeys {
		if strings.ToLower(dns.Fqdn(k)) == keyName {
			return true
		}
	}

	return false
}

// Apply performs one mutation of the zone: the serial is bumped by one, ops
// are applied in order, and the change group is persisted before the new
// snapshot becomes visible.
func (z *Zone) Apply(ctx context.Context, ops []Op) (serial uint32, err error) {
	z.mu.Lock()
	defer z.mu.Unlock()

	return z.applyLocked(ctx, ops)
}

// applyLocked is the locked part of [Zone.Apply].  z.mu must be held.
func (z *Zone) applyLocked(ctx context.Context, ops []Op) (serial uint32, err error) {
	defer func() { err = errors.Annotate(err, "zone %s: applying change: %w", z.name) }()

	cur := z.snap.Load()
	next := cur.clone()
	next.serial = cur.serial + 1
	next.soa.Serial = next.serial

	for _, op := range ops {
		if op.Del {
			next.remove(op.RR)
		} else {
			next.add(op.RR)
		}
	}

	change := &Change{
		Ops:    ops,
		Serial: next.serial,
	}
	next.changes = append(append([]*Change{}, cur.changes...), change)
	if n := len(next.changes); n > MaxChangeHistory {
		next.changes = next.changes[n-MaxChangeHistory:]
	}

	err = z.storage.SaveChange(ctx, z.id, change)
	if err != nil {
		return 0, fmt.Errorf("persisting serial %d: %w", next.serial, err)
	}

	z.snap.Store(next)

	if z.exportDir != "" {
		expErr := z.export(next)
		if expErr != nil {
			z.logger.WarnContext(ctx, "exporting zone", slogutil.KeyError, expErr)
		}
	}

	return next.serial, nil
}
