package storage

import (
	"context"
	"database/sql"

	"github.com/AdguardTeam/golibs/errors"
)

// Well-known setting names.
const (
	// SettingBlockingDisabledUntil holds the RFC 3339 time until which
	// blocklist filtering is paused, empty or absent when filtering is
	// active.
	SettingBlockingDisabledUntil = "blocking_disabled_until"

	// SettingAnonymizerSecret holds the base64 secret used to salt the
	// client identity hash.
	SettingAnonymizerSecret = "anonymizer_secret"
)

// Setting returns the value of a named setting.  Missing settings return an
// empty value and no error.
func (s *Store) Setting(ctx context.Context, name string) (value string, err error) {
	err = s.db.QueryRowContext(
		ctx,
		`SELECT value FROM settings WHERE name = ?`,
		name,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	return value, errors.Annotate(err, "reading setting %q: %w", name)
}

// SetSetting creates or replaces a named setting.
func (s *Store) SetSetting(ctx context.Context, name, value string) (err error) {
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO settings (name, value) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value`,
		name,
		value,
	)

	return errors.Annotate(err, "writing setting %q: %w", name)
}
