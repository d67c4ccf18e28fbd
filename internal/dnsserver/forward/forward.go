// Package forward implements a [dnsserver.Handler] that forwards DNS queries
// to the configured upstream servers.
//
// The easiest way to use it is to create a new handler using NewHandler and
// then use it in your DNS server:
//
//	handler, err := forward.NewHandler(&forward.HandlerConfig{
//	    Upstreams: []*forward.UpstreamConfig{{
//	        Address: "94.140.14.140:53",
//	    }},
//	    Fallbacks: []*forward.UpstreamConfig{{
//	        Address: "1.1.1.1:53",
//	    }},
//	})
//	conf.Handler = handler
//	srv := dnsserver.NewServerDNS(conf)
//	err = srv.Start(context.Background())
//
// That's it, you now have a working DNS forwarder.
package forward

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/WardenTeam/WardenDNS/internal/dnsserver"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/mathutil/randutil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/miekg/dns"
)

// Failover defaults.
const (
	// DefaultAttemptTimeout is the default per-attempt exchange timeout.
	DefaultAttemptTimeout = 2 * time.Second

	// DefaultMaxRetries is the default number of additional exchange attempts
	// after the first one has failed.
	DefaultMaxRetries = 2

	// DefaultDisableThreshold is the default number of consecutive failures
	// after which an upstream is temporarily taken out of rotation.
	DefaultDisableThreshold = 5

	// DefaultDisableDuration is the default duration for which a failing
	// upstream stays out of rotation.
	DefaultDisableDuration = 1 * time.Minute
)

// HandlerConfig is the configuration structure for [NewHandler].
type HandlerConfig struct {
	// Logger is used for logging the operation of the forwarding handler.  If
	// Logger is nil, [slog.Default] is used.
	Logger *slog.Logger

	// MetricsListener is the optional listener for the handler events.  Set it
	// if you want to keep track of what the handler does and record performance
	// metrics.  If not set, EmptyMetricsListener is used.
	MetricsListener MetricsListener

	// RandSource is used for randomized fallback selection and other
	// non-sensitive tasks.  If it is nil, [rand.ChaCha8] is used.
	RandSource rand.Source

	// Healthcheck is the handler's health checking configuration.  Nil
	// healthcheck is treated as disabled.
	Healthcheck *HealthcheckConfig

	// Upstreams is a list of upstream configurations of the main upstreams
	// where the handler forwards DNS queries.  Items must not be nil.
	Upstreams []*UpstreamConfig

	// Fallbacks are the optional fallback upstream configurations.  A
	// fallback server is used when the main upstreams fail with a network
	// error.
	Fallbacks []*UpstreamConfig

	// Routes is the optional conditional-forwarding table.  Queries matching
	// a route are forwarded to the route's upstreams instead of Upstreams.
	Routes []*RouteConfig

	// AttemptTimeout is the per-attempt exchange timeout.  If not positive,
	// [DefaultAttemptTimeout] is used.
	AttemptTimeout time.Duration

	// MaxRetries is the number of additional attempts after the first failed
	// one.  If zero, [DefaultMaxRetries] is used.
	MaxRetries int

	// DisableThreshold is the number of consecutive failures after which an
	// upstream is temporarily disabled.  If not positive,
	// [DefaultDisableThreshold] is used.
	DisableThreshold int

	// DisableDuration is for how long a failing upstream stays disabled.  If
	// not positive, [DefaultDisableDuration] is used.
	DisableDuration time.Duration
}

// HealthcheckConfig is the configuration for the [Handler]'s healthcheck.
type HealthcheckConfig struct {
	// DomainTempalate is the template for domains used to perform healthcheck
	// queries.  If it contains the substring "${RANDOM}", all its occurrences
	// are replaced with a random string on every healthcheck query.  Queries to
	// the resulting domains must return a NOERROR response.
	DomainTempalate string

	// NetworkOverride is the network used for healthcheck queries.  If not
	// empty, it overrides the network type of the upstream for healthcheck
	// queries.
	NetworkOverride Network

	// BackoffDuration is the healthcheck query backoff duration.  If the main
	// upstream is down, queries will not be routed there until this time has
	// passed.  If the healthcheck is still performed, each failed check
	// advances the backoff.  If the value is not positive, the backoff is
	// disabled.
	BackoffDuration time.Duration

	// InitDuration is the time duration for initial upstream healthcheck.  The
	// initial healthcheck is performed only if it's positive.
	InitDuration time.Duration

	// Enabled enables healthcheck, if true.
	Enabled bool
}

// Handler implements [dnsserver.Handler] and forwards DNS queries to the
// configured upstreams.  It also implements [io.Closer], allowing resource
// reuse.
type Handler struct {
	// logger is used for logging the operation of the forwarding handler.
	logger *slog.Logger

	// metrics is a listener for the handler events.
	metrics MetricsListener

	// rand is a random-number generator that is not cryptographically secure
	// and is used for randomized fallback selection and other non-sensitive
	// tasks.
	rand *rand.Rand

	// activeUpstreamsMu protects activeUpstreams.
	activeUpstreamsMu *sync.RWMutex

	// hcDomainTmpl is the template for domains used to perform healthcheck
	// requests.
	hcDomainTmpl string

	// hcNetworkOverride is the enforced network type used for healthcheck
	// queries, if not empty.
	hcNetworkOverride Network

	// upstreams is a list of all main upstreams with their failure state.
	upstreams []*upstreamStatus

	// activeUpstreams is a list of main upstreams that have passed the last
	// healthcheck probe.  This slice is updated by healthcheck mechanics.
	activeUpstreams []Upstream

	// fallbacks is a list of fallback DNS servers.
	fallbacks []Upstream

	// routes is the compiled conditional-forwarding table.
	routes []*route

	// hcBackoff specifies the delay before returning to the main upstream
	// after failed healthcheck probe.
	hcBackoff time.Duration

	// attemptTimeout is the per-attempt exchange timeout.
	attemptTimeout time.Duration

	// maxAttempts is the total number of exchange attempts per query.
	maxAttempts int

	// disableThreshold is the number of consecutive failures after which an
	// upstream is temporarily disabled.
	disableThreshold int

	// disableDuration is for how long a failing upstream stays disabled.
	disableDuration time.Duration
}

// upstreamStatus contains an upstream with its availability state.
type upstreamStatus struct {
	// mu protects all fields below.
	mu *sync.Mutex

	// upstream is an upstream where the handler can forward DNS queries.
	upstream Upstream

	// lastFailedHealthcheck contains the time of the last failed healthcheck
	// or zero if the last healthcheck succeeded.
	lastFailedHealthcheck time.Time

	// disabledUntil is the time until which the upstream is skipped after too
	// many consecutive failures, or zero.
	disabledUntil time.Time

	// consecutiveFailures is the number of exchange failures since the last
	// success.
	consecutiveFailures int
}

// newUpstreamStatus returns a new upstream status for u.
func newUpstreamStatus(u Upstream) (s *upstreamStatus) {
	return &upstreamStatus{
		mu:       &sync.Mutex{},
		upstream: u,
	}
}

// isAvailable returns false if the upstream is currently out of rotation,
// either due to consecutive exchange failures or a failed healthcheck probe.
func (s *upstreamStatus) isAvailable(now time.Time) (ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Before(s.disabledUntil) {
		return false
	}

	return s.lastFailedHealthcheck.IsZero()
}

// reportResult records the result of an exchange attempt.  After threshold
// consecutive failures the upstream is disabled for d.
func (s *upstreamStatus) reportResult(err error, threshold int, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		s.consecutiveFailures = 0
		s.disabledUntil = time.Time{}

		return
	}

	s.consecutiveFailures++
	if s.consecutiveFailures >= threshold {
		s.disabledUntil = time.Now().Add(d)
	}
}

// resetFailures clears the failure state, returning the upstream to rotation.
func (s *upstreamStatus) resetFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.consecutiveFailures = 0
	s.disabledUntil = time.Time{}
}

// lastFailedHC returns the time of the last failed healthcheck probe.
func (s *upstreamStatus) lastFailedHC() (t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastFailedHealthcheck
}

// setLastFailedHC records the time of the last failed healthcheck probe.
func (s *upstreamStatus) setLastFailedHC(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastFailedHealthcheck = t
}

// ErrNoResponse is returned from Handler's methods when the desired response
// isn't received and no incidental errors occurred.  In theory, this must not
// happen, but we prefer to return an error instead of panicking.
const ErrNoResponse errors.Error = "no response"

// NewHandler initializes a new instance of Handler.  It also performs an
// initial health check afterwards if c.Healthcheck.InitDuration is positive.
// c must not be nil.
func NewHandler(c *HandlerConfig) (h *Handler, err error) {
	src := c.RandSource
	if src == nil {
		// Do not initialize through [cmp.Or], as the default value could panic.
		src = rand.NewChaCha8(randutil.MustNewSeed())
	}

	hcConf := c.Healthcheck
	if hcConf == nil {
		hcConf = &HealthcheckConfig{}
	}

	h = &Handler{
		logger: cmp.Or(c.Logger, slog.Default()),
		// #nosec G404 -- We don't need a real random, pseudorandom is enough.
		rand:              rand.New(randutil.NewLockedSource(src)),
		activeUpstreamsMu: &sync.RWMutex{},

		attemptTimeout:   cmp.Or(c.AttemptTimeout, DefaultAttemptTimeout),
		maxAttempts:      cmp.Or(c.MaxRetries, DefaultMaxRetries) + 1,
		disableThreshold: cmp.Or(c.DisableThreshold, DefaultDisableThreshold),
		disableDuration:  cmp.Or(c.DisableDuration, DefaultDisableDuration),
	}

	if hcConf.Enabled {
		h.hcDomainTmpl = hcConf.DomainTempalate
		h.hcNetworkOverride = hcConf.NetworkOverride
		h.hcBackoff = hcConf.BackoffDuration
	}

	if l := c.MetricsListener; l != nil {
		h.metrics = l
	} else {
		h.metrics = &EmptyMetricsListener{}
	}

	err = h.initUpstreams(c)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return nil, err
	}

	if hcConf.Enabled && hcConf.InitDuration > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), hcConf.InitDuration)
		defer cancel()

		// Ignore the error since it's considered non-critical and also should
		// have been logged already.
		_ = h.refresh(ctx, true)
	}

	return h, nil
}

// initUpstreams creates the main, fallback, and route upstreams from the
// configuration.
func (h *Handler) initUpstreams(c *HandlerConfig) (err error) {
	h.upstreams = make([]*upstreamStatus, 0, len(c.Upstreams))
	h.activeUpstreams = make([]Upstream, 0, len(c.Upstreams))
	for i, uc := range c.Upstreams {
		u, upsErr := NewUpstream(uc)
		if upsErr != nil {
			return fmt.Errorf("upstream at index %d: %w", i, upsErr)
		}

		h.activeUpstreams = append(h.activeUpstreams, u)
		h.upstreams = append(h.upstreams, newUpstreamStatus(u))
	}

	h.fallbacks = make([]Upstream, 0, len(c.Fallbacks))
	for i, uc := range c.Fallbacks {
		u, upsErr := NewUpstream(uc)
		if upsErr != nil {
			return fmt.Errorf("fallback at index %d: %w", i, upsErr)
		}

		h.fallbacks = append(h.fallbacks, u)
	}

	h.routes, err = compileRoutes(c.Routes)

	return err
}

// type check
var _ io.Closer = &Handler{}

// Close implements the [io.Closer] interface for *Handler.
func (h *Handler) Close() (err error) {
	var errs []error

	for _, u := range h.upstreams {
		errs = append(errs, u.upstream.Close())
	}

	for _, f := range h.fallbacks {
		errs = append(errs, f.Close())
	}

	for _, r := range h.routes {
		for _, u := range r.upstreams {
			errs = append(errs, u.upstream.Close())
		}
	}

	err = errors.Join(errs...)
	if err != nil {
		return fmt.Errorf("closing forward handler: %w", err)
	}

	return nil
}

// type check
var _ dnsserver.Handler = &Handler{}

// ServeDNS implements the [dnsserver.Handler] interface for *Handler.
func (h *Handler) ServeDNS(
	ctx context.Context,
	rw dnsserver.ResponseWriter,
	req *dns.Msg,
) (err error) {
	var ups, fallbackUps Upstream
	defer func() { err = annotate(err, ups, fallbackUps) }()

	var resp *dns.Msg
	resp, ups, err = h.exchangeWithFailover(ctx, req)

	var netErr net.Error
	// Network error means that something is wrong with the upstreams, we
	// definitely should use the fallback.
	useFallbacks := resp == nil && (err == nil || errors.As(err, &netErr))
	if useFallbacks && len(h.fallbacks) > 0 {
		i := h.rand.IntN(len(h.fallbacks))
		fallbackUps = h.fallbacks[i]
		resp, err = h.exchange(ctx, fallbackUps, nil, req)
	}

	if err != nil {
		return fmt.Errorf("forwarding: %w", err)
	}

	if resp == nil {
		return ErrNoResponse
	}

	if ri, ok := dnsserver.ResolutionInfoFromContext(ctx); ok {
		if fallbackUps != nil {
			ri.Upstream = fallbackUps.String()
		} else if ups != nil {
			ri.Upstream = ups.String()
		}
	}

	err = rw.WriteMsg(ctx, req, resp)
	if err != nil {
		return fmt.Errorf("writing response: %w", err)
	}

	return nil
}

// exchangeWithFailover tries the candidate upstreams for req in order,
// skipping the ones that are currently out of rotation.  The total number of
// attempts is limited by the handler's retry configuration.
func (h *Handler) exchangeWithFailover(
	ctx context.Context,
	req *dns.Msg,
) (resp *dns.Msg, ups Upstream, err error) {
	candidates := h.candidates(req)

	now := time.Now()
	attempts := h.maxAttempts
	for _, status := range candidates {
		if attempts == 0 {
			break
		}

		if !status.isAvailable(now) {
			continue
		}

		attempts--
		ups = status.upstream

		resp, err = h.exchange(ctx, ups, status, req)
		if err == nil {
			return resp, ups, nil
		}
	}

	return nil, ups, err
}

// candidates returns the upstreams to try for req: the matching route's
// upstreams, if any, and the main upstreams otherwise.
func (h *Handler) candidates(req *dns.Msg) (statuses []*upstreamStatus) {
	if len(h.routes) > 0 && len(req.Question) == 1 {
		if ups, ok := lookupRoute(h.routes, req.Question[0].Name); ok {
			return ups
		}
	}

	return h.upstreams
}

// exchange sends a DNS message using the specified upstream with the
// per-attempt timeout applied.  status may be nil for fallback upstreams.
func (h *Handler) exchange(
	ctx context.Context,
	u Upstream,
	status *upstreamStatus,
	req *dns.Msg,
) (resp *dns.Msg, err error) {
	if h.attemptTimeout > 0 {
		var cancel func()
		ctx, cancel = context.WithTimeout(ctx, h.attemptTimeout)
		defer cancel()
	}

	startTime := time.Now()
	nw := NetworkAny
	defer func() {
		h.metrics.OnForwardRequest(ctx, u, req, resp, nw, startTime, err)
	}()

	resp, nw, err = u.Exchange(ctx, req)

	if status != nil {
		status.reportResult(err, h.disableThreshold, h.disableDuration)
	}

	return resp, err
}

// type check
var _ service.Refresher = (*Handler)(nil)

// Refresh implements the [service.Refresher] interface for *Handler.  It checks
// the accessibility of main upstreams and updates handler's list of active
// upstreams.  In case all main upstreams are down, it returns an error and when
// all requests are redirected to the fallbacks.  When any of the main upstreams
// is detected to be up again, requests are redirected back to the main
// upstreams.
func (h *Handler) Refresh(ctx context.Context) (err error) {
	h.logger.Log(ctx, slogutil.LevelTrace, "healthcheck refresh started")
	defer h.logger.Log(ctx, slogutil.LevelTrace, "healthcheck refresh finished")

	return h.refresh(ctx, false)
}
