package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"
	"time"

	"github.com/WardenTeam/WardenDNS/internal/filter"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
)

// Blocklist entry kinds stored in the kind column of blocklist_entries.
const (
	blocklistKindDomain = 0
	blocklistKindRule   = 1
)

// manualSourceID is the source_id of entries added by hand rather than
// pulled from an adlist source.
const manualSourceID = 0

// type check
var _ filter.Storage = (*Store)(nil)

// FilterConfig implements the [filter.Storage] interface for *Store.
func (s *Store) FilterConfig(ctx context.Context) (conf *filter.FilterConfig, err error) {
	defer func() { err = errors.Annotate(err, "reading filter config: %w") }()

	conf = &filter.FilterConfig{}

	conf.BlocklistEntries, conf.RuleTexts, err = s.blocklist(ctx)
	if err != nil {
		return nil, err
	}

	conf.AllowlistEntries, err = s.stringColumn(
		ctx,
		`SELECT pattern FROM allowlist ORDER BY pattern`,
	)
	if err != nil {
		return nil, fmt.Errorf("reading allowlist: %w", err)
	}

	conf.RegexFilters, err = s.regexFilters(ctx)
	if err != nil {
		return nil, err
	}

	conf.ClientPolicies, err = s.clientPolicies(ctx)
	if err != nil {
		return nil, err
	}

	conf.Overrides, err = s.overrides(ctx)
	if err != nil {
		return nil, err
	}

	return conf, nil
}

// blocklist reads the enabled blocklist entries.  Manual entries are always
// included; adlist-sourced ones only while their source is enabled.
func (s *Store) blocklist(ctx context.Context) (domains, rules []string, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.pattern, e.kind FROM blocklist_entries e
		LEFT JOIN blocklist_sources s ON e.source_id = s.id
		WHERE e.enabled = 1 AND (e.source_id = 0 OR s.enabled = 1)
		ORDER BY e.id`)
	if err != nil {
		return nil, nil, fmt.Errorf("reading blocklist: %w", err)
	}
	defer func() { err = errors.WithDeferred(err, rows.Close()) }()

	for rows.Next() {
		var pattern string
		var kind int64
		err = rows.Scan(&pattern, &kind)
		if err != nil {
			return nil, nil, fmt.Errorf("scanning blocklist entry: %w", err)
		}

		if kind == blocklistKindRule {
			rules = append(rules, pattern)
		} else {
			domains = append(domains, pattern)
		}
	}

	return domains, rules, rows.Err()
}

// regexFilters reads the enabled regex tier filters.
func (s *Store) regexFilters(ctx context.Context) (filters []*filter.RegexFilter, err error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT pattern, allow FROM regex_filters WHERE enabled = 1 ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("reading regex filters: %w", err)
	}
	defer func() { err = errors.WithDeferred(err, rows.Close()) }()

	for rows.Next() {
		f := &filter.RegexFilter{}

		var allow int64
		err = rows.Scan(&f.Pattern, &allow)
		if err != nil {
			return nil, fmt.Errorf("scanning regex filter: %w", err)
		}

		f.Allow = allow != 0
		filters = append(filters, f)
	}

	return filters, rows.Err()
}

// clientPolicies reads the per-client policies with their pattern sets and
// upstream overrides.
func (s *Store) clientPolicies(ctx context.Context) (policies []*filter.ClientPolicy, err error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, client_ip, filtering_enabled FROM client_policies ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("reading client policies: %w", err)
	}
	defer func() { err = errors.WithDeferred(err, rows.Close()) }()

	ids := []int64{}
	for rows.Next() {
		p := &filter.ClientPolicy{}

		var id, enabled int64
		var ipStr string
		err = rows.Scan(&id, &ipStr, &enabled)
		if err != nil {
			return nil, fmt.Errorf("scanning client policy: %w", err)
		}

		p.ClientIP, err = netip.ParseAddr(ipStr)
		if err != nil {
			s.logger.WarnContext(
				ctx,
				"skipping policy with bad client address",
				"client_ip", ipStr,
				slogutil.KeyError, err,
			)

			continue
		}

		p.FilteringEnabled = enabled != 0
		policies = append(policies, p)
		ids = append(ids, id)
	}

	err = rows.Err()
	if err != nil {
		return nil, err
	}

	for i, p := range policies {
		err = s.fillPolicy(ctx, ids[i], p)
		if err != nil {
			return nil, fmt.Errorf("policy for %s: %w", p.ClientIP, err)
		}
	}

	return policies, nil
}

// fillPolicy loads the pattern sets and the upstream override of one policy.
func (s *Store) fillPolicy(ctx context.Context, id int64, p *filter.ClientPolicy) (err error) {
	p.Allow, err = s.stringColumn(
		ctx,
		`SELECT pattern FROM client_allow WHERE policy_id = ? ORDER BY pattern`,
		id,
	)
	if err != nil {
		return fmt.Errorf("reading allow patterns: %w", err)
	}

	p.Block, err = s.stringColumn(
		ctx,
		`SELECT pattern FROM client_block WHERE policy_id = ? ORDER BY pattern`,
		id,
	)
	if err != nil {
		return fmt.Errorf("reading block patterns: %w", err)
	}

	err = s.db.QueryRowContext(
		ctx,
		`SELECT upstream FROM client_upstream WHERE policy_id = ?`,
		id,
	).Scan(&p.Upstream)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("reading upstream: %w", err)
	}

	return nil
}

// overrides reads the local DNS overrides.
func (s *Store) overrides(ctx context.Context) (overrides []*filter.Override, err error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT name, qtype, rdata, ttl_seconds FROM local_dns ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("reading local dns: %w", err)
	}
	defer func() { err = errors.WithDeferred(err, rows.Close()) }()

	for rows.Next() {
		o := &filter.Override{}

		var ttl int64
		err = rows.Scan(&o.Name, &o.QType, &o.RData, &ttl)
		if err != nil {
			return nil, fmt.Errorf("scanning local dns entry: %w", err)
		}

		o.TTL = time.Duration(ttl) * time.Second
		overrides = append(overrides, o)
	}

	return overrides, rows.Err()
}

// stringColumn reads a single-column query into a slice.
func (s *Store) stringColumn(
	ctx context.Context,
	query string,
	args ...any,
) (vals []string, err error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { err = errors.WithDeferred(err, rows.Close()) }()

	for rows.Next() {
		var v string
		err = rows.Scan(&v)
		if err != nil {
			return nil, err
		}

		vals = append(vals, v)
	}

	return vals, rows.Err()
}

// AddBlocklistEntry adds a manual blocklist domain pattern.
func (s *Store) AddBlocklistEntry(ctx context.Context, pattern string) (err error) {
	_, err = s.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO blocklist_entries (pattern, kind, source_id)
		VALUES (?, ?, ?)`,
		pattern,
		blocklistKindDomain,
		manualSourceID,
	)

	return errors.Annotate(err, "adding blocklist entry %q: %w", pattern)
}

// DeleteBlocklistEntry removes a manual blocklist entry.
func (s *Store) DeleteBlocklistEntry(ctx context.Context, pattern string) (err error) {
	_, err = s.db.ExecContext(
		ctx,
		`DELETE FROM blocklist_entries WHERE pattern = ? AND source_id = ?`,
		pattern,
		manualSourceID,
	)

	return errors.Annotate(err, "deleting blocklist entry %q: %w", pattern)
}

// ReplaceSourceEntries replaces all entries of an adlist source in one
// transaction and stamps its last update time.  Used by the blocklist
// refresher after a successful download.
func (s *Store) ReplaceSourceEntries(
	ctx context.Context,
	sourceID int64,
	rules []string,
	now time.Time,
) (err error) {
	defer func() { err = errors.Annotate(err, "replacing entries of source %d: %w", sourceID) }()

	return s.inTx(func(tx *sql.Tx) (txErr error) {
		_, txErr = tx.ExecContext(
			ctx,
			`DELETE FROM blocklist_entries WHERE source_id = ?`,
			sourceID,
		)
		if txErr != nil {
			return fmt.Errorf("clearing old entries: %w", txErr)
		}

		for _, r := range rules {
			_, txErr = tx.ExecContext(
				ctx,
				`INSERT OR IGNORE INTO blocklist_entries (pattern, kind, source_id)
				VALUES (?, ?, ?)`,
				r,
				blocklistKindRule,
				sourceID,
			)
			if txErr != nil {
				return fmt.Errorf("inserting rule: %w", txErr)
			}
		}

		_, txErr = tx.ExecContext(
			ctx,
			`UPDATE blocklist_sources SET last_updated = ? WHERE id = ?`,
			now.Unix(),
			sourceID,
		)

		return txErr
	})
}

// BlocklistSource is an adlist source row.
type BlocklistSource struct {
	// LastUpdated is the time of the last successful refresh, zero if the
	// source has never been refreshed.
	LastUpdated time.Time

	// URL is the address the adlist is downloaded from.
	URL string

	// ID is the identifier of the source in the store.
	ID int64

	// Enabled is false when the source's entries are excluded from the
	// compiled blocklist.
	Enabled bool
}

// BlocklistSources returns all adlist sources.
func (s *Store) BlocklistSources(ctx context.Context) (sources []*BlocklistSource, err error) {
	defer func() { err = errors.Annotate(err, "reading blocklist sources: %w") }()

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, url, enabled, last_updated FROM blocklist_sources ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer func() { err = errors.WithDeferred(err, rows.Close()) }()

	for rows.Next() {
		src := &BlocklistSource{}

		var enabled int64
		var updated sql.NullInt64
		err = rows.Scan(&src.ID, &src.URL, &enabled, &updated)
		if err != nil {
			return nil, fmt.Errorf("scanning source: %w", err)
		}

		src.Enabled = enabled != 0
		if updated.Valid {
			src.LastUpdated = time.Unix(updated.Int64, 0)
		}

		sources = append(sources, src)
	}

	return sources, rows.Err()
}

// AddBlocklistSource registers an adlist source and returns its ID.
func (s *Store) AddBlocklistSource(ctx context.Context, url string) (id int64, err error) {
	defer func() { err = errors.Annotate(err, "adding blocklist source %q: %w", url) }()

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO blocklist_sources (url) VALUES (?)`,
		url,
	)
	if err != nil {
		return 0, err
	}

	return res.LastInsertId()
}

// SetBlocklistSourceEnabled flips the enabled flag of an adlist source.
func (s *Store) SetBlocklistSourceEnabled(ctx context.Context, id int64, enabled bool) (err error) {
	_, err = s.db.ExecContext(
		ctx,
		`UPDATE blocklist_sources SET enabled = ? WHERE id = ?`,
		enabled,
		id,
	)

	return errors.Annotate(err, "updating blocklist source %d: %w", id)
}

// DeleteBlocklistSource removes an adlist source together with its entries.
func (s *Store) DeleteBlocklistSource(ctx context.Context, id int64) (err error) {
	defer func() { err = errors.Annotate(err, "deleting blocklist source %d: %w", id) }()

	return s.inTx(func(tx *sql.Tx) (txErr error) {
		_, txErr = tx.ExecContext(
			ctx,
			`DELETE FROM blocklist_entries WHERE source_id = ?`,
			id,
		)
		if txErr != nil {
			return txErr
		}

		_, txErr = tx.ExecContext(ctx, `DELETE FROM blocklist_sources WHERE id = ?`, id)

		return txErr
	})
}

// AddAllowlistEntry adds an allowlist pattern.
func (s *Store) AddAllowlistEntry(ctx context.Context, pattern, comment string) (err error) {
	_, err = s.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO allowlist (pattern, comment) VALUES (?, ?)`,
		pattern,
		comment,
	)

	return errors.Annotate(err, "adding allowlist entry %q: %w", pattern)
}

// DeleteAllowlistEntry removes an allowlist pattern.
func (s *Store) DeleteAllowlistEntry(ctx context.Context, pattern string) (err error) {
	_, err = s.db.ExecContext(ctx, `DELETE FROM allowlist WHERE pattern = ?`, pattern)

	return errors.Annotate(err, "deleting allowlist entry %q: %w", pattern)
}

// AddRegexFilter adds a regex tier filter.
func (s *Store) AddRegexFilter(ctx context.Context, pattern string, allow bool) (err error) {
	_, err = s.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO regex_filters (pattern, allow) VALUES (?, ?)`,
		pattern,
		allow,
	)

	return errors.Annotate(err, "adding regex filter %q: %w", pattern)
}

// DeleteRegexFilter removes a regex tier filter.
func (s *Store) DeleteRegexFilter(ctx context.Context, pattern string) (err error) {
	_, err = s.db.ExecContext(ctx, `DELETE FROM regex_filters WHERE pattern = ?`, pattern)

	return errors.Annotate(err, "deleting regex filter %q: %w", pattern)
}

// SetClientPolicy creates or replaces the policy of p.ClientIP together with
// its pattern sets and upstream override.
func (s *Store) SetClientPolicy(ctx context.Context, p *filter.ClientPolicy) (err error) {
	defer func() { err = errors.Annotate(err, "saving policy for %s: %w", p.ClientIP) }()

	return s.inTx(func(tx *sql.Tx) (txErr error) {
		ipStr := p.ClientIP.String()

		_, txErr = tx.ExecContext(
			ctx,
			`INSERT INTO client_policies (client_ip, filtering_enabled) VALUES (?, ?)
			ON CONFLICT (client_ip) DO UPDATE SET filtering_enabled = excluded.filtering_enabled`,
			ipStr,
			p.FilteringEnabled,
		)
		if txErr != nil {
			return fmt.Errorf("upserting policy: %w", txErr)
		}

		var id int64
		txErr = tx.QueryRowContext(
			ctx,
			`SELECT id FROM client_policies WHERE client_ip = ?`,
			ipStr,
		).Scan(&id)
		if txErr != nil {
			return fmt.Errorf("reading policy id: %w", txErr)
		}

		for _, q := range []string{
			`DELETE FROM client_allow WHERE policy_id = ?`,
			`DELETE FROM client_block WHERE policy_id = ?`,
			`DELETE FROM client_upstream WHERE policy_id = ?`,
		} {
			_, txErr = tx.ExecContext(ctx, q, id)
			if txErr != nil {
				return fmt.Errorf("clearing policy details: %w", txErr)
			}
		}

		for _, pat := range p.Allow {
			_, txErr = tx.ExecContext(
				ctx,
				`INSERT INTO client_allow (policy_id, pattern) VALUES (?, ?)`,
				id,
				pat,
			)
			if txErr != nil {
				return fmt.Errorf("inserting allow pattern: %w", txErr)
			}
		}

		for _, pat := range p.Block {
			_, txErr = tx.ExecContext(
				ctx,
				`INSERT INTO client_block (policy_id, pattern) VALUES (?, ?)`,
				id,
				pat,
			)
			if txErr != nil {
				return fmt.Errorf("inserting block pattern: %w", txErr)
			}
		}

		if p.Upstream != "" {
			_, txErr = tx.ExecContext(
				ctx,
				`INSERT INTO client_upstream (policy_id, upstream) VALUES (?, ?)`,
				id,
				p.Upstream,
			)
			if txErr != nil {
				return fmt.Errorf("inserting upstream: %w", txErr)
			}
		}

		return nil
	})
}

// DeleteClientPolicy removes the policy of clientIP, if any.
func (s *Store) DeleteClientPolicy(ctx context.Context, clientIP netip.Addr) (err error) {
	_, err = s.db.ExecContext(
		ctx,
		`DELETE FROM client_policies WHERE client_ip = ?`,
		clientIP.String(),
	)

	return errors.Annotate(err, "deleting policy for %s: %w", clientIP)
}

// AddOverride adds a local DNS override.
func (s *Store) AddOverride(ctx context.Context, o *filter.Override) (err error) {
	_, err = s.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO local_dns (name, qtype, rdata, ttl_seconds)
		VALUES (?, ?, ?, ?)`,
		o.Name,
		o.QType,
		o.RData,
		int64(o.TTL/time.Second),
	)

	return errors.Annotate(err, "adding override for %q: %w", o.Name)
}

// DeleteOverride removes a local DNS override.
func (s *Store) DeleteOverride(ctx context.Context, o *filter.Override) (err error) {
	_, err = s.db.ExecContext(
		ctx,
		`DELETE FROM local_dns WHERE name = ? AND qtype = ? AND rdata = ?`,
		o.Name,
		o.QType,
		o.RData,
	)

	return errors.Annotate(err, "deleting override for %q: %w", o.Name)
}
