package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/WardenTeam/WardenDNS/internal/zone"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/miekg/dns"
)

// type check
var _ zone.Storage = (*Store)(nil)

// ZoneData implements the [zone.Storage] interface for *Store.
func (s *Store) ZoneData(ctx context.Context) (zones []*zone.Data, err error) {
	defer func() { err = errors.Annotate(err, "reading zones: %w") }()

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, name, serial, enabled, transfer_acl, tsig_keys FROM zones`,
	)
	if err != nil {
		return nil, err
	}
	defer func() { err = errors.WithDeferred(err, rows.Close()) }()

	for rows.Next() {
		conf := &zone.Config{}

		var enabled int64
		var acl, keys string
		err = rows.Scan(&conf.ID, &conf.Name, &conf.Serial, &enabled, &acl, &keys)
		if err != nil {
			return nil, fmt.Errorf("scanning zone: %w", err)
		}

		conf.Enabled = enabled != 0
		conf.TransferACL = s.parseACL(ctx, conf.Name, acl)
		conf.TSIGKeys = splitList(keys)

		zones = append(zones, &zone.Data{Conf: conf})
	}

	err = rows.Err()
	if err != nil {
		return nil, err
	}

	for _, d := range zones {
		d.Records, err = s.zoneRecords(ctx, d.Conf.ID)
		if err != nil {
			return nil, fmt.Errorf("zone %s: %w", d.Conf.Name, err)
		}

		d.Changes, err = s.zoneChanges(ctx, d.Conf.ID)
		if err != nil {
			return nil, fmt.Errorf("zone %s: %w", d.Conf.Name, err)
		}
	}

	return zones, nil
}

// zoneRecords reads the records of one zone.
func (s *Store) zoneRecords(ctx context.Context, zoneID int64) (recs []*zone.Record, err error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, name, type, ttl_seconds, data, enabled
		FROM zone_records WHERE zone_id = ?`,
		zoneID,
	)
	if err != nil {
		return nil, fmt.Errorf("reading records: %w", err)
	}
	defer func() { err = errors.WithDeferred(err, rows.Close()) }()

	for rows.Next() {
		r := &zone.Record{}

		var ttl, enabled int64
		err = rows.Scan(&r.ID, &r.Name, &r.Type, &ttl, &r.Data, &enabled)
		if err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}

		r.TTL = time.Duration(ttl) * time.Second
		r.Enabled = enabled != 0

		recs = append(recs, r)
	}

	return recs, rows.Err()
}

// zoneChanges reads the change history of one zone, grouped by serial in
// serial order.
func (s *Store) zoneChanges(ctx context.Context, zoneID int64) (changes []*zone.Change, err error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT serial, del, rr FROM zone_changes
		WHERE zone_id = ? ORDER BY serial, seq`,
		zoneID,
	)
	if err != nil {
		return nil, fmt.Errorf("reading changes: %w", err)
	}
	defer func() { err = errors.WithDeferred(err, rows.Close()) }()

	var cur *zone.Change
	for rows.Next() {
		var serial uint32
		var del int64
		var rrText string
		err = rows.Scan(&serial, &del, &rrText)
		if err != nil {
			return nil, fmt.Errorf("scanning change: %w", err)
		}

		rr, rrErr := dns.NewRR(rrText)
		if rrErr != nil || rr == nil {
			s.logger.WarnContext(
				ctx,
				"skipping bad change record",
				"serial", serial,
				slogutil.KeyError, rrErr,
			)

			continue
		}

		if cur == nil || cur.Serial != serial {
			cur = &zone.Change{Serial: serial}
			changes = append(changes, cur)
		}

		cur.Ops = append(cur.Ops, zone.Op{RR: rr, Del: del != 0})
	}

	return changes, rows.Err()
}

// SaveChange implements the [zone.Storage] interface for *Store.  The
// change rows, the zone serial, and the record table are updated in one
// transaction.
func (s *Store) SaveChange(ctx context.Context, zoneID int64, change *zone.Change) (err error) {
	defer func() { err = errors.Annotate(err, "saving change for zone %d: %w", zoneID) }()

	return s.inTx(func(tx *sql.Tx) (txErr error) {
		var zoneName string
		txErr = tx.QueryRowContext(
			ctx,
			`SELECT name FROM zones WHERE id = ?`,
			zoneID,
		).Scan(&zoneName)
		if txErr != nil {
			return fmt.Errorf("reading zone name: %w", txErr)
		}

		zoneName = strings.ToLower(dns.Fqdn(zoneName))

		_, txErr = tx.ExecContext(
			ctx,
			`UPDATE zones SET serial = ? WHERE id = ?`,
			change.Serial,
			zoneID,
		)
		if txErr != nil {
			return fmt.Errorf("updating serial: %w", txErr)
		}

		for i, op := range change.Ops {
			_, txErr = tx.ExecContext(
				ctx,
				`INSERT INTO zone_changes (zone_id, serial, seq, del, rr)
				VALUES (?, ?, ?, ?, ?)`,
				zoneID,
				change.Serial,
				i,
				op.Del,
				op.RR.String(),
			)
			if txErr != nil {
				return fmt.Errorf("inserting change op %d: %w", i, txErr)
			}

			if op.Del {
				txErr = deleteRecordRows(ctx, tx, zoneID, zoneName, op.RR)
			} else {
				txErr = insertRecordRow(ctx, tx, zoneID, zoneName, op.RR)
			}
			if txErr != nil {
				return fmt.Errorf("applying change op %d: %w", i, txErr)
			}
		}

		if change.Serial > zone.MaxChangeHistory {
			cutoff := change.Serial - zone.MaxChangeHistory
			_, txErr = tx.ExecContext(
				ctx,
				`DELETE FROM zone_changes WHERE zone_id = ? AND serial <= ?`,
				zoneID,
				cutoff,
			)
			if txErr != nil {
				return fmt.Errorf("trimming change history: %w", txErr)
			}
		}

		return nil
	})
}

// insertRecordRow adds the record row for rr.
func insertRecordRow(
	ctx context.Context,
	tx *sql.Tx,
	zoneID int64,
	zoneName string,
	rr dns.RR,
) (err error) {
	hdr := rr.Header()

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO zone_records (zone_id, name, type, ttl_seconds, data, enabled)
		VALUES (?, ?, ?, ?, ?, 1)`,
		zoneID,
		relName(hdr.Name, zoneName),
		hdr.Rrtype,
		hdr.Ttl,
		rrData(rr),
	)

	return err
}

// deleteRecordRows removes the record rows matching rr.  Rows are compared
// through the wire types, so spelling differences between the stored text
// and the operation do not matter.
func deleteRecordRows(
	ctx context.Context,
	tx *sql.Tx,
	zoneID int64,
	zoneName string,
	rr dns.RR,
) (err error) {
	hdr := rr.Header()
	rel := relName(hdr.Name, zoneName)

	rows, err := tx.QueryContext(
		ctx,
		`SELECT id, name, ttl_seconds, data FROM zone_records
		WHERE zone_id = ? AND type = ?`,
		zoneID,
		hdr.Rrtype,
	)
	if err != nil {
		return fmt.Errorf("reading candidates: %w", err)
	}

	var ids []int64
	for rows.Next() {
		r := &zone.Record{Type: hdr.Rrtype}

		var ttl int64
		err = rows.Scan(&r.ID, &r.Name, &ttl, &r.Data)
		if err != nil {
			return errors.WithDeferred(fmt.Errorf("scanning candidate: %w", err), rows.Close())
		}

		if !strings.EqualFold(r.Name, rel) {
			continue
		}

		r.TTL = time.Duration(ttl) * time.Second
		cand, rrErr := r.RR(zoneName)
		if rrErr != nil {
			continue
		}

		if rrEqual(cand, rr) {
			ids = append(ids, r.ID)
		}
	}

	err = errors.Join(rows.Err(), rows.Close())
	if err != nil {
		return err
	}

	for _, id := range ids {
		_, err = tx.ExecContext(ctx, `DELETE FROM zone_records WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting record %d: %w", id, err)
		}
	}

	return nil
}

// AddZone creates a zone and returns its ID.  conf.Serial zero means the
// initial serial 1.
func (s *Store) AddZone(ctx context.Context, conf *zone.Config) (id int64, err error) {
	defer func() { err = errors.Annotate(err, "adding zone %q: %w", conf.Name) }()

	serial := conf.Serial
	if serial == 0 {
		serial = 1
	}

	acls := make([]string, 0, len(conf.TransferACL))
	for _, p := range conf.TransferACL {
		acls = append(acls, p.String())
	}

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO zones (name, serial, enabled, transfer_acl, tsig_keys)
		VALUES (?, ?, ?, ?, ?)`,
		strings.ToLower(dns.Fqdn(conf.Name)),
		serial,
		conf.Enabled,
		strings.Join(acls, ","),
		strings.Join(conf.TSIGKeys, ","),
	)
	if err != nil {
		return 0, err
	}

	return res.LastInsertId()
}

// DeleteZone removes a zone together with its records and change history.
func (s *Store) DeleteZone(ctx context.Context, id int64) (err error) {
	_, err = s.db.ExecContext(ctx, `DELETE FROM zones WHERE id = ?`, id)

	return errors.Annotate(err, "deleting zone %d: %w", id)
}

// SetZoneEnabled flips the enabled flag of a zone.
func (s *Store) SetZoneEnabled(ctx context.Context, id int64, enabled bool) (err error) {
	_, err = s.db.ExecContext(ctx, `UPDATE zones SET enabled = ? WHERE id = ?`, enabled, id)

	return errors.Annotate(err, "updating zone %d: %w", id)
}

// AddZoneRecord inserts a record row directly, bypassing the serial
// discipline.  It is meant for seeding new zones; mutations of served zones
// go through the zone engine.
func (s *Store) AddZoneRecord(ctx context.Context, zoneID int64, r *zone.Record) (id int64, err error) {
	defer func() { err = errors.Annotate(err, "adding record to zone %d: %w", zoneID) }()

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO zone_records (zone_id, name, type, ttl_seconds, data, enabled)
		VALUES (?, ?, ?, ?, ?, ?)`,
		zoneID,
		r.Name,
		r.Type,
		int64(r.TTL/time.Second),
		r.Data,
		r.Enabled,
	)
	if err != nil {
		return 0, err
	}

	return res.LastInsertId()
}

// parseACL parses the comma-separated prefix list, skipping bad entries
// with a warning.
func (s *Store) parseACL(ctx context.Context, zoneName, acl string) (prefixes []netip.Prefix) {
	for _, part := range splitList(acl) {
		p, err := netip.ParsePrefix(part)
		if err != nil {
			s.logger.WarnContext(
				ctx,
				"skipping bad acl entry",
				"zone", zoneName,
				"entry", part,
				slogutil.KeyError, err,
			)

			continue
		}

		prefixes = append(prefixes, p)
	}

	return prefixes
}

// splitList splits a comma-separated list, trimming whitespace and dropping
// empty elements.
func splitList(list string) (parts []string) {
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			parts = append(parts, part)
		}
	}

	return parts
}

// joinList is the inverse of [splitList].
func joinList(parts []string) (list string) {
	return strings.Join(parts, ",")
}

// relName converts the FQDN owner name to the form stored in zone_records:
// relative to the zone, with "@" for the apex.
func relName(owner, zoneName string) (rel string) {
	owner = strings.ToLower(dns.Fqdn(owner))
	if owner == zoneName {
		return zone.Apex
	}

	return strings.TrimSuffix(owner, "."+zoneName)
}

// rrData returns the textual RDATA of rr.
func rrData(rr dns.RR) (data string) {
	s := rr.String()
	hdr := rr.Header().String()

	return strings.TrimPrefix(s, hdr)
}

// rrEqual reports whether a and b are the same record, ignoring TTLs and
// owner name case.
func rrEqual(a, b dns.RR) (ok bool) {
	ca, cb := dns.Copy(a), dns.Copy(b)
	ca.Header().Ttl, cb.Header().Ttl = 0, 0
	ca.Header().Name = strings.ToLower(ca.Header().Name)
	cb.Header().Name = strings.ToLower(cb.Header().Name)

	return ca.String() == cb.String()
}
