package storage

import (
	"context"
	"fmt"

	"github.com/WardenTeam/WardenDNS/internal/zone/xfer"
	"github.com/AdguardTeam/golibs/errors"
)

// TSIGKeys returns all configured TSIG keys.
func (s *Store) TSIGKeys(ctx context.Context) (keys []*xfer.Key, err error) {
	defer func() { err = errors.Annotate(err, "reading tsig keys: %w") }()

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, name, algorithm, secret FROM tsig_keys ORDER BY name`,
	)
	if err != nil {
		return nil, err
	}
	defer func() { err = errors.WithDeferred(err, rows.Close()) }()

	for rows.Next() {
		k := &xfer.Key{}
		err = rows.Scan(&k.ID, &k.Name, &k.Algorithm, &k.Secret)
		if err != nil {
			return nil, fmt.Errorf("scanning tsig key: %w", err)
		}

		keys = append(keys, k)
	}

	return keys, rows.Err()
}

// AddTSIGKey stores a TSIG key and returns its ID.  The secret is kept as
// given, base64-encoded.
func (s *Store) AddTSIGKey(ctx context.Context, k *xfer.Key) (id int64, err error) {
	defer func() { err = errors.Annotate(err, "adding tsig key %q: %w", k.Name) }()

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO tsig_keys (name, algorithm, secret) VALUES (?, ?, ?)`,
		k.Name,
		k.Algorithm,
		k.Secret,
	)
	if err != nil {
		return 0, err
	}

	return res.LastInsertId()
}

// DeleteTSIGKey removes a TSIG key by name.
func (s *Store) DeleteTSIGKey(ctx context.Context, name string) (err error) {
	_, err = s.db.ExecContext(ctx, `DELETE FROM tsig_keys WHERE name = ?`, name)

	return errors.Annotate(err, "deleting tsig key %q: %w", name)
}
