package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/WardenTeam/WardenDNS/internal/querylog"
	"github.com/AdguardTeam/golibs/errors"
)

// type check
var _ querylog.Storage = (*Store)(nil)

// SaveQueries implements the [querylog.Storage] interface for *Store.  The
// batch is written in one transaction.
func (s *Store) SaveQueries(ctx context.Context, batch []*querylog.Entry) (err error) {
	defer func() { err = errors.Annotate(err, "saving %d queries: %w", len(batch)) }()

	return s.inTx(func(tx *sql.Tx) (txErr error) {
		for _, e := range batch {
			var ipStr string
			if e.ClientIP.IsValid() {
				ipStr = e.ClientIP.String()
			}

			_, txErr = tx.ExecContext(
				ctx,
				`INSERT INTO queries (
					ts, client, client_ip, domain, qtype, rcode,
					blocked, block_reason, cached, elapsed_ms, upstream
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				e.Time.UnixMilli(),
				e.Client,
				ipStr,
				e.Domain,
				e.RequestType,
				e.ResponseCode,
				e.Blocked,
				e.BlockReason,
				e.Cached,
				e.Elapsed.Milliseconds(),
				e.Upstream,
			)
			if txErr != nil {
				return txErr
			}
		}

		return nil
	})
}

// QueryFilter narrows a query-log search.  Zero values mean no constraint.
type QueryFilter struct {
	// Since and Until bound the entry time.
	Since time.Time
	Until time.Time

	// Client matches the stored client identity exactly.
	Client string

	// Domain matches domains containing the substring, case-insensitively.
	Domain string

	// BlockedOnly keeps only blocked queries.
	BlockedOnly bool

	// Limit caps the number of returned entries.  Zero means the default of
	// 100.
	Limit int
}

// defaultQueryLimit is the query search limit applied when the filter does
// not set one.
const defaultQueryLimit = 100

// Queries searches the persisted query log, newest first.  f may be nil.
func (s *Store) Queries(ctx context.Context, f *QueryFilter) (entries []*querylog.Entry, err error) {
	defer func() { err = errors.Annotate(err, "searching queries: %w") }()

	if f == nil {
		f = &QueryFilter{}
	}

	var conds []string
	var args []any
	if !f.Since.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, f.Since.UnixMilli())
	}

	if !f.Until.IsZero() {
		conds = append(conds, "ts < ?")
		args = append(args, f.Until.UnixMilli())
	}

	if f.Client != "" {
		conds = append(conds, "client = ?")
		args = append(args, f.Client)
	}

	if f.Domain != "" {
		conds = append(conds, "domain LIKE ?")
		args = append(args, "%"+strings.ToLower(f.Domain)+"%")
	}

	if f.BlockedOnly {
		conds = append(conds, "blocked = 1")
	}

	query := `SELECT ts, client, client_ip, domain, qtype, rcode,
		blocked, block_reason, cached, elapsed_ms, upstream FROM queries`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	query += " ORDER BY ts DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { err = errors.WithDeferred(err, rows.Close()) }()

	for rows.Next() {
		e := &querylog.Entry{}

		var ts, elapsedMS int64
		var blocked, cached int64
		var ipStr string
		err = rows.Scan(
			&ts,
			&e.Client,
			&ipStr,
			&e.Domain,
			&e.RequestType,
			&e.ResponseCode,
			&blocked,
			&e.BlockReason,
			&cached,
			&elapsedMS,
			&e.Upstream,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning query: %w", err)
		}

		e.Time = time.UnixMilli(ts)
		e.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		e.Blocked = blocked != 0
		e.Cached = cached != 0
		if ipStr != "" {
			// Best effort, entries written in privacy mode have no address.
			e.ClientIP, _ = netip.ParseAddr(ipStr)
		}

		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// PruneQueries deletes query-log entries older than cutoff and returns the
// number removed.
func (s *Store) PruneQueries(ctx context.Context, cutoff time.Time) (n int64, err error) {
	defer func() { err = errors.Annotate(err, "pruning queries: %w") }()

	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM queries WHERE ts < ?`,
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}
