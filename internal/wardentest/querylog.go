package wardentest

import (
	"context"

	"github.com/WardenTeam/WardenDNS/internal/querylog"
)

// QueryLogStorage is a [querylog.Storage] implementation for tests.
type QueryLogStorage struct {
	OnSaveQueries func(ctx context.Context, batch []*querylog.Entry) (err error)
}

// type check
var _ querylog.Storage = (*QueryLogStorage)(nil)

// SaveQueries implements the [querylog.Storage] interface for
// *QueryLogStorage.
func (s *QueryLogStorage) SaveQueries(
	ctx context.Context,
	batch []*querylog.Entry,
) (err error) {
	return s.OnSaveQueries(ctx, batch)
}
