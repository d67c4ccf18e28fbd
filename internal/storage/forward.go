package storage

import (
	"context"
	"fmt"

	"github.com/AdguardTeam/golibs/errors"
)

// ForwardingRule routes queries for a domain suffix to a dedicated upstream
// set instead of the default one.
type ForwardingRule struct {
	// Match is the domain suffix the rule applies to.
	Match string

	// Upstreams are the upstream addresses for matching queries, in
	// failover order.
	Upstreams []string

	// ID is the identifier of the rule in the store.
	ID int64

	// Priority orders overlapping rules, higher wins.
	Priority int

	// Enabled is false when the rule is ignored.
	Enabled bool
}

// ForwardingRules returns all conditional forwarding rules, most specific
// first within equal priorities.
func (s *Store) ForwardingRules(ctx context.Context) (rules []*ForwardingRule, err error) {
	defer func() { err = errors.Annotate(err, "reading forwarding rules: %w") }()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, match, upstreams, priority, enabled FROM conditional_forwarding
		ORDER BY priority DESC, length(match) DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { err = errors.WithDeferred(err, rows.Close()) }()

	for rows.Next() {
		r := &ForwardingRule{}

		var upstreams string
		var enabled int64
		err = rows.Scan(&r.ID, &r.Match, &upstreams, &r.Priority, &enabled)
		if err != nil {
			return nil, fmt.Errorf("scanning forwarding rule: %w", err)
		}

		r.Upstreams = splitList(upstreams)
		r.Enabled = enabled != 0

		rules = append(rules, r)
	}

	return rules, rows.Err()
}

// AddForwardingRule stores a conditional forwarding rule and returns its ID.
func (s *Store) AddForwardingRule(ctx context.Context, r *ForwardingRule) (id int64, err error) {
	defer func() { err = errors.Annotate(err, "adding forwarding rule %q: %w", r.Match) }()

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO conditional_forwarding (match, upstreams, priority, enabled)
		VALUES (?, ?, ?, ?)`,
		r.Match,
		joinList(r.Upstreams),
		r.Priority,
		r.Enabled,
	)
	if err != nil {
		return 0, err
	}

	return res.LastInsertId()
}

// DeleteForwardingRule removes a conditional forwarding rule.
func (s *Store) DeleteForwardingRule(ctx context.Context, id int64) (err error) {
	_, err = s.db.ExecContext(ctx, `DELETE FROM conditional_forwarding WHERE id = ?`, id)

	return errors.Annotate(err, "deleting forwarding rule %d: %w", id)
}
