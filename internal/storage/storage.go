// Package storage implements the SQLite-backed repository behind the
// resolver: zones and their change history, filtering configuration, TSIG
// keys, conditional forwarding, the query log, and free-form settings.  The
// rest of the code consumes the narrow per-package storage interfaces that
// *Store implements, never *sql.DB.
package storage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/AdguardTeam/golibs/errors"

	// Register the pure-Go SQLite driver.
	_ "modernc.org/sqlite"
)

// schema is the idempotent database schema, applied on every open.
const schema = `
CREATE TABLE IF NOT EXISTS settings (
	name  TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS queries (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	ts           INTEGER NOT NULL,
	client       TEXT NOT NULL,
	client_ip    TEXT,
	domain       TEXT NOT NULL,
	qtype        INTEGER NOT NULL,
	rcode        INTEGER NOT NULL,
	blocked      INTEGER NOT NULL DEFAULT 0,
	block_reason TEXT,
	cached       INTEGER NOT NULL DEFAULT 0,
	elapsed_ms   INTEGER NOT NULL,
	upstream     TEXT
);
CREATE INDEX IF NOT EXISTS idx_queries_ts ON queries(ts);
CREATE INDEX IF NOT EXISTS idx_queries_domain ON queries(domain);
CREATE INDEX IF NOT EXISTS idx_queries_client ON queries(client);

CREATE TABLE IF NOT EXISTS zones (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	name         TEXT NOT NULL UNIQUE,
	serial       INTEGER NOT NULL DEFAULT 1,
	enabled      INTEGER NOT NULL DEFAULT 1,
	transfer_acl TEXT NOT NULL DEFAULT '',
	tsig_keys    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS zone_records (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	zone_id     INTEGER NOT NULL REFERENCES zones(id) ON DELETE CASCADE,
	name        TEXT NOT NULL,
	type        INTEGER NOT NULL,
	ttl_seconds INTEGER NOT NULL,
	data        TEXT NOT NULL,
	enabled     INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_zone_records_zone ON zone_records(zone_id);

CREATE TABLE IF NOT EXISTS zone_changes (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	zone_id INTEGER NOT NULL REFERENCES zones(id) ON DELETE CASCADE,
	serial  INTEGER NOT NULL,
	seq     INTEGER NOT NULL,
	del     INTEGER NOT NULL DEFAULT 0,
	rr      TEXT NOT NULL,
	UNIQUE (zone_id, serial, seq)
);

CREATE TABLE IF NOT EXISTS tsig_keys (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	name      TEXT NOT NULL UNIQUE,
	algorithm TEXT NOT NULL,
	secret    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS blocklist_sources (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	url          TEXT NOT NULL UNIQUE,
	enabled      INTEGER NOT NULL DEFAULT 1,
	last_updated INTEGER
);

CREATE TABLE IF NOT EXISTS blocklist_entries (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	pattern   TEXT NOT NULL,
	kind      INTEGER NOT NULL DEFAULT 0,
	source_id INTEGER NOT NULL DEFAULT 0,
	enabled   INTEGER NOT NULL DEFAULT 1,
	UNIQUE (pattern, source_id)
);

CREATE TABLE IF NOT EXISTS allowlist (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	pattern TEXT NOT NULL UNIQUE,
	comment TEXT
);

CREATE TABLE IF NOT EXISTS regex_filters (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	pattern TEXT NOT NULL UNIQUE,
	allow   INTEGER NOT NULL DEFAULT 0,
	enabled INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS client_policies (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	client_ip         TEXT NOT NULL UNIQUE,
	filtering_enabled INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS client_allow (
	policy_id INTEGER NOT NULL REFERENCES client_policies(id) ON DELETE CASCADE,
	pattern   TEXT NOT NULL,
	PRIMARY KEY (policy_id, pattern)
);

CREATE TABLE IF NOT EXISTS client_block (
	policy_id INTEGER NOT NULL REFERENCES client_policies(id) ON DELETE CASCADE,
	pattern   TEXT NOT NULL,
	PRIMARY KEY (policy_id, pattern)
);

CREATE TABLE IF NOT EXISTS client_upstream (
	policy_id INTEGER PRIMARY KEY REFERENCES client_policies(id) ON DELETE CASCADE,
	upstream  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS conditional_forwarding (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	match     TEXT NOT NULL,
	upstreams TEXT NOT NULL,
	priority  INTEGER NOT NULL DEFAULT 0,
	enabled   INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS local_dns (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	name        TEXT NOT NULL,
	qtype       INTEGER NOT NULL,
	rdata       TEXT NOT NULL,
	ttl_seconds INTEGER NOT NULL DEFAULT 300,
	UNIQUE (name, qtype, rdata)
);
`

// Config is the configuration of the store.
type Config struct {
	// Logger is used for logging the operation of the store.  It must not
	// be nil.
	Logger *slog.Logger

	// Path is the path to the database file.
	Path string
}

// Store is the SQLite repository.  It is safe for concurrent use.
type Store struct {
	logger *slog.Logger
	db     *sql.DB
}

// New opens or creates the database at c.Path and applies the schema.  c
// must not be nil and must be valid.
func New(c *Config) (s *Store, err error) {
	defer func() { err = errors.Annotate(err, "opening storage: %w") }()

	err = os.MkdirAll(filepath.Dir(c.Path), 0o700)
	if err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", c.Path)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", c.Path, err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL;")
	if err != nil {
		return nil, errors.WithDeferred(fmt.Errorf("applying pragmas: %w", err), db.Close())
	}

	_, err = db.Exec(schema)
	if err != nil {
		return nil, errors.WithDeferred(fmt.Errorf("applying schema: %w", err), db.Close())
	}

	return &Store{
		logger: c.Logger,
		db:     db,
	}, nil
}

// Close closes the database.
func (s *Store) Close() (err error) {
	return s.db.Close()
}

// inTx runs f inside a transaction, committing on nil and rolling back
// otherwise.
func (s *Store) inTx(f func(tx *sql.Tx) (err error)) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}

	err = f(tx)
	if err != nil {
		return errors.WithDeferred(err, tx.Rollback())
	}

	return tx.Commit()
}
