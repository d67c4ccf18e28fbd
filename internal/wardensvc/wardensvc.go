// Package wardensvc contains the admin-facing operations surface.  It is the
// single place through which management clients reload filters, flush the
// cache, pause blocking, inspect the query log, and edit the persisted
// configuration.  Mutations go to storage first and are then applied to the
// running engines, so a crash between the two leaves storage authoritative.
package wardensvc

import (
	"log/slog"

	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/WardenTeam/WardenDNS/internal/dnsserver/cache"
	"github.com/WardenTeam/WardenDNS/internal/dnssvc"
	"github.com/WardenTeam/WardenDNS/internal/filter"
	"github.com/WardenTeam/WardenDNS/internal/querylog"
	"github.com/WardenTeam/WardenDNS/internal/storage"
	"github.com/WardenTeam/WardenDNS/internal/zone"
	"github.com/WardenTeam/WardenDNS/internal/zone/xfer"
)

// Config is the configuration of the admin service.
type Config struct {
	// Logger is used for logging the operation of the service.  It must not
	// be nil.
	Logger *slog.Logger

	// Store is the persistent storage.  It must not be nil.
	Store *storage.Store

	// Filter is the running filtering engine.  It must not be nil.
	Filter *filter.Engine

	// Zones is the running zone engine.  It must not be nil.
	Zones *zone.Engine

	// DNS is the resolving pipeline, used by [Service.TestQuery].  It must
	// not be nil.
	DNS *dnssvc.Service

	// Cache is the response cache.  If nil, cache operations are no-ops.
	Cache *cache.Middleware

	// Keys is the TSIG keyring of the transfer server.  If nil, key edits
	// only take effect after a restart.
	Keys *xfer.Keyring

	// Stream is the live query stream.  It must not be nil.
	Stream *querylog.Stream

	// Stats are the running query statistics.  It must not be nil.
	Stats *querylog.Stats

	// Clock is used for the blocking-disable deadline.  It must not be nil.
	Clock timeutil.Clock
}

// Service is the admin operations service.
type Service struct {
	logger *slog.Logger
	store  *storage.Store
	filter *filter.Engine
	zones  *zone.Engine
	dns    *dnssvc.Service
	cache  *cache.Middleware
	keys   *xfer.Keyring
	stream *querylog.Stream
	stats  *querylog.Stats
	clock  timeutil.Clock
}

// New creates a new admin service.  c must not be nil.
func New(c *Config) (svc *Service) {
	return &Service{
		logger: c.Logger,
		store:  c.Store,
		filter: c.Filter,
		zones:  c.Zones,
		dns:    c.DNS,
		cache:  c.Cache,
		keys:   c.Keys,
		stream: c.Stream,
		stats:  c.Stats,
		clock:  c.Clock,
	}
}
