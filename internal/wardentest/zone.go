package wardentest

import (
	"context"

	"github.com/WardenTeam/WardenDNS/internal/zone"
)

// ZoneStorage is a [zone.Storage] implementation for tests.
type ZoneStorage struct {
	OnZoneData   func(ctx context.Context) (zones []*zone.Data, err error)
	OnSaveChange func(ctx context.Context, zoneID int64, change *zone.Change) (err error)
}

// type check
var _ zone.Storage = (*ZoneStorage)(nil)

// ZoneData implements the [zone.Storage] interface for *ZoneStorage.
func (s *ZoneStorage) ZoneData(ctx context.Context) (zones []*zone.Data, err error) {
	return s.OnZoneData(ctx)
}

// SaveChange implements the [zone.Storage] interface for *ZoneStorage.
func (s *ZoneStorage) SaveChange(
	ctx context.Context,
	zoneID int64,
	change *zone.Change,
) (err error) {
	return s.OnSaveChange(ctx, zoneID, change)
}
