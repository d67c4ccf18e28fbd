package wardentest

import (
	"context"

	"github.com/WardenTeam/WardenDNS/internal/filter"
)

// FilterStorage is a [filter.Storage] implementation for tests.
type FilterStorage struct {
	OnFilterConfig func(ctx context.Context) (conf *filter.FilterConfig, err error)
}

// type check
var _ filter.Storage = (*FilterStorage)(nil)

// FilterConfig implements the [filter.Storage] interface for *FilterStorage.
func (s *FilterStorage) FilterConfig(
	ctx context.Context,
) (conf *filter.FilterConfig, err error) {
	return s.OnFilterConfig(ctx)
}
