package wardensvc

import (
	"context"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/WardenTeam/WardenDNS/internal/storage"
)

// ForwardingRules returns the conditional-forwarding table, highest priority
// first.
func (svc *Service) ForwardingRules(
	ctx context.Context,
) (rules []*storage.ForwardingRule, err error) {
	return svc.store.ForwardingRules(ctx)
}

// AddForwardingRule persists a conditional-forwarding rule.  The running
// forwarder picks the change up on its next rebuild.
func (svc *Service) AddForwardingRule(
	ctx context.Context,
	r *storage.ForwardingRule,
) (id int64, err error) {
	defer func() { err = errors.Annotate(err, "adding forwarding rule: %w") }()

	return svc.store.AddForwardingRule(ctx, r)
}

// DeleteForwardingRule removes a conditional-forwarding rule.
func (svc *Service) DeleteForwardingRule(ctx context.Context, id int64) (err error) {
	defer func() { err = errors.Annotate(err, "deleting forwarding rule: %w") }()

	return svc.store.DeleteForwardingRule(ctx, id)
}
