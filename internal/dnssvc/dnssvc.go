// Package dnssvc contains the DNS resolving pipeline.  It composes the
// authoritative zones, the filtering engine, the cache, the DNSSEC validator,
// and the forwarding handler into a single [dnsserver.Handler] that every
// listener shares.
package dnssvc

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/WardenTeam/WardenDNS/internal/dnsmsg"
	"github.com/WardenTeam/WardenDNS/internal/dnsserver"
	"github.com/WardenTeam/WardenDNS/internal/dnsserver/cache"
	"github.com/WardenTeam/WardenDNS/internal/dnsserver/forward"
	"github.com/WardenTeam/WardenDNS/internal/dnsserver/ratelimit"
	"github.com/WardenTeam/WardenDNS/internal/dnssec"
	"github.com/WardenTeam/WardenDNS/internal/errcoll"
	"github.com/WardenTeam/WardenDNS/internal/filter"
	"github.com/WardenTeam/WardenDNS/internal/querylog"
	"github.com/WardenTeam/WardenDNS/internal/zone"
)

// DefaultTimeout is the default deadline for handling a single query,
// covering every pipeline stage including upstream retries.
const DefaultTimeout = 5 * time.Second

// Config is the configuration of the DNS service.
type Config struct {
	// Logger is used for logging the operation of the service.  It must not
	// be nil.
	Logger *slog.Logger

	// Messages is used to construct DNS responses.  It must not be nil.
	Messages *dnsmsg.Constructor

	// Filter is the filtering engine.  It must not be nil.
	Filter *filter.Engine

	// Zones is the authoritative zone engine.  It must not be nil.
	Zones *zone.Engine

	// Validator is the DNSSEC validator for forwarded responses.  If nil,
	// validation is disabled.
	Validator *dnssec.Validator

	// QueryLog receives an entry for every handled query.  It must not be
	// nil; use [querylog.Empty] to disable logging.
	QueryLog querylog.Interface

	// Upstream is the handler resolving queries that no authoritative zone
	// covers, usually a [forward.Handler].  If nil, such queries are refused.
	Upstream dnsserver.Handler

	// Cache caches upstream responses.  If nil, caching is disabled.
	Cache *cache.Middleware

	// RateLimiter refuses clients that exceed the query rate.  If nil, rate
	// limiting is disabled.
	RateLimiter *ratelimit.Middleware

	// ErrColl collects errors arising during resolving.  It must not be nil.
	ErrColl errcoll.Interface

	// NewClientUpstream builds a handler forwarding to the given per-client
	// upstream address.  If nil, a plain [forward.Handler] with a single
	// upstream is used.
	NewClientUpstream func(addr string) (h dnsserver.Handler, err error)

	// Timeout is the deadline for handling a single query.  If not positive,
	// [DefaultTimeout] is used.
	Timeout time.Duration
}

// Service is the DNS resolving service.  Use [New] to create one.
type Service struct {
	logger    *slog.Logger
	messages  *dnsmsg.Constructor
	filter    *filter.Engine
	zones     *zone.Engine
	validator *dnssec.Validator
	querylog  querylog.Interface
	errColl   errcoll.Interface

	// upstreamLeg is the fully assembled handler for forwarded queries:
	// cache over validation over the upstream.  It is nil when no upstream
	// is configured.
	upstreamLeg dnsserver.Handler

	// newClientUpstream builds per-client upstream handlers.
	newClientUpstream func(addr string) (h dnsserver.Handler, err error)

	// clientLegsMu protects clientLegs.
	clientLegsMu *sync.Mutex

	// clientLegs caches per-client upstream handlers by address.  The
	// handlers are wrapped with validation but not with the cache, so that
	// answers from a client's private upstream never leak to other clients.
	clientLegs map[string]*clientLeg

	ratelimiter *ratelimit.Middleware
	timeout     time.Duration
}

// New creates a new DNS service from c.  c must not be nil.
func New(c *Config) (svc *Service) {
	svc = &Service{
		logger:            c.Logger,
		messages:          c.Messages,
		filter:            c.Filter,
		zones:             c.Zones,
		validator:         c.Validator,
		querylog:          c.QueryLog,
		errColl:           c.ErrColl,
		newClientUpstream: c.NewClientUpstream,
		clientLegsMu:      &sync.Mutex{},
		clientLegs:        map[string]*clientLeg{},
		ratelimiter:       c.RateLimiter,
		timeout:           c.Timeout,
	}

	if svc.timeout <= 0 {
		svc.timeout = DefaultTimeout
	}

	if svc.newClientUpstream == nil {
		svc.newClientUpstream = newClientForward
	}

	if c.Upstream != nil {
		leg := svc.wrapValidate(c.Upstream)
		if c.Cache != nil {
			leg = c.Cache.Wrap(leg)
		}

		svc.upstreamLeg = leg
	}

	return svc
}

// Handler returns the complete handler chain served to clients: the logging
// and deadline layer, the rate limiter, and the resolving pipeline.
func (svc *Service) Handler() (h dnsserver.Handler) {
	h = dnsserver.Handler(svc)
	if svc.ratelimiter != nil {
		h = svc.ratelimiter.Wrap(h)
	}

	return svc.wrapServe(h)
}

// clientLeg is a cached per-client upstream handler.
type clientLeg struct {
	// handler is the validation-wrapped upstream handler.
	handler dnsserver.Handler

	// raw is the unwrapped handler, kept so that it can be closed.
	raw dnsserver.Handler
}

// Close releases the per-client upstream handlers.
func (svc *Service) Close() (err error) {
	svc.clientLegsMu.Lock()
	defer svc.clientLegsMu.Unlock()

	var errs []error
	for addr, leg := range svc.clientLegs {
		if c, ok := leg.raw.(io.Closer); ok {
			if cerr := c.Close(); cerr != nil {
				errs = append(errs, fmt.Errorf("closing upstream for %q: %w", addr, cerr))
			}
		}
	}

	clear(svc.clientLegs)

	return errors.Join(errs...)
}

// clientHandler returns the handler forwarding to the per-client upstream at
// addr, creating it on first use.
func (svc *Service) clientHandler(addr string) (h dnsserver.Handler, err error) {
	svc.clientLegsMu.Lock()
	defer svc.clientLegsMu.Unlock()

	if leg, ok := svc.clientLegs[addr]; ok {
		return leg.handler, nil
	}

	raw, err := svc.newClientUpstream(addr)
	if err != nil {
		return nil, fmt.Errorf("client upstream %q: %w", addr, err)
	}

	h = svc.wrapValidate(raw)
	svc.clientLegs[addr] = &clientLeg{
		handler: h,
		raw:     raw,
	}

	return h, nil
}

// newClientForward is the default per-client upstream constructor.
func newClientForward(addr string) (h dnsserver.Handler, err error) {
	return forward.NewHandler(&forward.HandlerConfig{
		Upstreams: []*forward.UpstreamConfig{{
			Address: addr,
		}},
	})
}
