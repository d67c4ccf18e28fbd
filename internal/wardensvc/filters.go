package wardensvc

import (
	"context"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/WardenTeam/WardenDNS/internal/filter"
	"github.com/WardenTeam/WardenDNS/internal/storage"
)

// applyFilters recompiles the filtering engine and flushes the cache.  Every
// filter mutation funnels through here so that a successful write is always
// followed by the same apply step.
func (svc *Service) applyFilters(ctx context.Context) (err error) {
	err = svc.filter.Refresh(ctx)
	if err != nil {
		return err
	}

	svc.ClearCache()

	return nil
}

// AddBlocklistEntry adds a manual blocklist pattern.
func (svc *Service) AddBlocklistEntry(ctx context.Context, pattern string) (err error) {
	defer func() { err = errors.Annotate(err, "adding blocklist entry: %w") }()

	err = svc.store.AddBlocklistEntry(ctx, pattern)
	if err != nil {
		return err
	}

	return svc.applyFilters(ctx)
}

// DeleteBlocklistEntry removes a manual blocklist pattern.
func (svc *Service) DeleteBlocklistEntry(ctx context.Context, pattern string) (err error) {
	defer func() { err = errors.Annotate(err, "deleting blocklist entry: %w") }()

	err = svc.store.DeleteBlocklistEntry(ctx, pattern)
	if err != nil {
		return err
	}

	return svc.applyFilters(ctx)
}

// BlocklistSources returns the configured blocklist sources.
func (svc *Service) BlocklistSources(
	ctx context.Context,
) (sources []*storage.BlocklistSource, err error) {
	return svc.store.BlocklistSources(ctx)
}

// AddBlocklistSource registers a blocklist source by URL.  The source serves
// no rules until its entries are replaced for the first time.
func (svc *Service) AddBlocklistSource(ctx context.Context, url string) (id int64, err error) {
	return svc.store.AddBlocklistSource(ctx, url)
}

// ReplaceSourceEntries replaces the rules of a blocklist source with a newly
// fetched set.
func (svc *Service) ReplaceSourceEntries(
	ctx context.Context,
	id int64,
	rules []string,
) (err error) {
	defer func() { err = errors.Annotate(err, "replacing source entries: %w") }()

	err = svc.store.ReplaceSourceEntries(ctx, id, rules, svc.clock.Now())
	if err != nil {
		return err
	}

	return svc.applyFilters(ctx)
}

// SetBlocklistSourceEnabled switches a blocklist source on or off.
func (svc *Service) SetBlocklistSourceEnabled(
	ctx context.Context,
	id int64,
	enabled bool,
) (err error) {
	defer func() { err = errors.Annotate(err, "toggling blocklist source: %w") }()

	err = svc.store.SetBlocklistSourceEnabled(ctx, id, enabled)
	if err != nil {
		return err
	}

	return svc.applyFilters(ctx)
}

// DeleteBlocklistSource removes a blocklist source and its rules.
func (svc *Service) DeleteBlocklistSource(ctx context.Context, id int64) (err error) {
	defer func() { err = errors.Annotate(err, "deleting blocklist source: %w") }()

	err = svc.store.DeleteBlocklistSource(ctx, id)
	if err != nil {
		return err
	}

	return svc.applyFilters(ctx)
}

// AddAllowlistEntry adds an allowlist pattern.
func (svc *Service) AddAllowlistEntry(ctx context.Context, pattern, comment string) (err error) {
	defer func() { err = errors.Annotate(err, "adding allowlist entry: %w") }()

	err = svc.store.AddAllowlistEntry(ctx, pattern, comment)
	if err != nil {
		return err
	}

	return svc.applyFilters(ctx)
}

// DeleteAllowlistEntry removes an allowlist pattern.
func (svc *Service) DeleteAllowlistEntry(ctx context.Context, pattern string) (err error) {
	defer func() { err = errors.Annotate(err, "deleting allowlist entry: %w") }()

	err = svc.store.DeleteAllowlistEntry(ctx, pattern)
	if err != nil {
		return err
	}

	return svc.applyFilters(ctx)
}

// AddRegexFilter adds a regex filter.  allow makes it an exception rule.
func (svc *Service) AddRegexFilter(ctx context.Context, pattern string, allow bool) (err error) {
	defer func() { err = errors.Annotate(err, "adding regex filter: %w") }()

	err = svc.store.AddRegexFilter(ctx, pattern, allow)
	if err != nil {
		return err
	}

	return svc.applyFilters(ctx)
}

// DeleteRegexFilter removes a regex filter.
func (svc *Service) DeleteRegexFilter(ctx context.Context, pattern string) (err error) {
	defer func() { err = errors.Annotate(err, "deleting regex filter: %w") }()

	err = svc.store.DeleteRegexFilter(ctx, pattern)
	if err != nil {
		return err
	}

	return svc.applyFilters(ctx)
}

// SetClientPolicy creates or replaces the filtering policy of a client.
func (svc *Service) SetClientPolicy(ctx context.Context, p *filter.ClientPolicy) (err error) {
	defer func() { err = errors.Annotate(err, "setting client policy: %w") }()

	err = svc.store.SetClientPolicy(ctx, p)
	if err != nil {
		return err
	}

	return svc.applyFilters(ctx)
}

// DeleteClientPolicy removes the filtering policy of a client.
func (svc *Service) DeleteClientPolicy(ctx context.Context, clientIP netip.Addr) (err error) {
	defer func() { err = errors.Annotate(err, "deleting client policy: %w") }()

	err = svc.store.DeleteClientPolicy(ctx, clientIP)
	if err != nil {
		return err
	}

	return svc.applyFilters(ctx)
}

// AddOverride adds a local DNS override.
func (svc *Service) AddOverride(ctx context.Context, o *filter.Override) (err error) {
	defer func() { err = errors.Annotate(err, "adding override: %w") }()

	err = svc.store.AddOverride(ctx, o)
	if err != nil {
		return err
	}

	return svc.applyFilters(ctx)
}

// DeleteOverride removes a local DNS override.
func (svc *Service) DeleteOverride(ctx context.Context, o *filter.Override) (err error) {
	defer func() { err = errors.Annotate(err, "deleting override: %w") }()

	err = svc.store.DeleteOverride(ctx, o)
	if err != nil {
		return err
	}

	return svc.applyFilters(ctx)
}
