package wardensvc

import (
	"context"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/WardenTeam/WardenDNS/internal/zone"
	"github.com/WardenTeam/WardenDNS/internal/zone/xfer"
)

// AddZone persists a new authoritative zone and starts serving it.
func (svc *Service) AddZone(ctx context.Context, conf *zone.Config) (id int64, err error) {
	defer func() { err = errors.Annotate(err, "adding zone: %w") }()

	id, err = svc.store.AddZone(ctx, conf)
	if err != nil {
		return 0, err
	}

	return id, svc.zones.Refresh(ctx)
}

// DeleteZone removes a zone, its records, and its change history, and stops
// serving it.
func (svc *Service) DeleteZone(ctx context.Context, id int64) (err error) {
	defer func() { err = errors.Annotate(err, "deleting zone: %w") }()

	err = svc.store.DeleteZone(ctx, id)
	if err != nil {
		return err
	}

	return svc.zones.Refresh(ctx)
}

// SetZoneEnabled switches serving of a zone on or off without touching its
// data.
func (svc *Service) SetZoneEnabled(ctx context.Context, id int64, enabled bool) (err error) {
	defer func() { err = errors.Annotate(err, "toggling zone: %w") }()

	err = svc.store.SetZoneEnabled(ctx, id, enabled)
	if err != nil {
		return err
	}

	return svc.zones.Refresh(ctx)
}

// AddZoneRecord seeds a record into a zone.  Mutations of zones already
// being served should go through DDNS or the zone engine instead, so that
// the serial discipline holds.
func (svc *Service) AddZoneRecord(
	ctx context.Context,
	zoneID int64,
	r *zone.Record,
) (id int64, err error) {
	defer func() { err = errors.Annotate(err, "adding zone record: %w") }()

	id, err = svc.store.AddZoneRecord(ctx, zoneID, r)
	if err != nil {
		return 0, err
	}

	return id, svc.zones.Refresh(ctx)
}

// TSIGKeys returns all configured TSIG keys.
func (svc *Service) TSIGKeys(ctx context.Context) (keys []*xfer.Key, err error) {
	return svc.store.TSIGKeys(ctx)
}

// AddTSIGKey persists a TSIG key and reloads the transfer keyring.
func (svc *Service) AddTSIGKey(ctx context.Context, k *xfer.Key) (id int64, err error) {
	defer func() { err = errors.Annotate(err, "adding tsig key: %w") }()

	id, err = svc.store.AddTSIGKey(ctx, k)
	if err != nil {
		return 0, err
	}

	return id, svc.reloadKeyring(ctx)
}

// DeleteTSIGKey removes a TSIG key by name and reloads the transfer keyring.
func (svc *Service) DeleteTSIGKey(ctx context.Context, name string) (err error) {
	defer func() { err = errors.Annotate(err, "deleting tsig key: %w") }()

	err = svc.store.DeleteTSIGKey(ctx, name)
	if err != nil {
		return err
	}

	return svc.reloadKeyring(ctx)
}

// reloadKeyring rebuilds the transfer keyring from storage, if the service
// holds one.
func (svc *Service) reloadKeyring(ctx context.Context) (err error) {
	if svc.keys == nil {
		return nil
	}

	keys, err := svc.store.TSIGKeys(ctx)
	if err != nil {
		return err
	}

	return svc.keys.Reload(keys)
}
