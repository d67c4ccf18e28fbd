// Package cache implements the DNS response cache that is used as a
// dnsserver.Middleware.  It also exposes the MetricsListener interface that
// can be used to gather its performance metrics.
//
// The cache is a bounded LRU keyed by (DO bit, qtype, qclass, lowered qname).
// Entries honour the lowest TTL of the stored RRs, negative answers are
// cached per RFC 2308, and simultaneous misses for the same key coalesce on
// a single in-flight resolution.
package cache

import (
	"cmp"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/WardenTeam/WardenDNS/internal/dnsserver"
	"github.com/bluele/gcache"
	"github.com/miekg/dns"
)

// Default TTL bounds.  Positive answers are clamped into
// [DefaultMinTTL, DefaultMaxTTL], negative answers are capped by
// [DefaultNegativeTTL] and use it as the fallback when the authority section
// carries no SOA.
const (
	DefaultMinTTL      = 60 * time.Second
	DefaultMaxTTL      = 24 * time.Hour
	DefaultNegativeTTL = 300 * time.Second
)

// Middleware is the caching dnsserver.Middleware with no ECS support.
type Middleware struct {
	logger  *slog.Logger
	metrics MetricsListener
	cache   gcache.Cache

	// inflight maps cache keys to broadcast channels of in-progress
	// resolutions.  The first resolver of a key stores the answer and closes
	// the channel, waiters then read the answer from the cache.
	inflight   map[string]chan struct{}
	inflightMu *sync.Mutex

	minTTL      time.Duration
	maxTTL      time.Duration
	negativeTTL time.Duration

	overrideTTL bool
}

// MiddlewareConfig is the configuration structure for NewMiddleware.
type MiddlewareConfig struct {
	// Logger is used to log the operation of the middleware.  If Logger is
	// nil, [slog.Default] is used.
	Logger *slog.Logger

	// MetricsListener is the optional listener for the middleware events.
	// Set it if you want to keep track of what the middleware does and record
	// performance metrics.  If not set, EmptyMetricsListener is used.
	MetricsListener MetricsListener

	// Count is the number of entities to hold in the cache.  It must be
	// positive.
	Count int

	// MinTTL is the minimum TTL for positive cache items.  If not set,
	// [DefaultMinTTL] is used.
	MinTTL time.Duration

	// MaxTTL is the maximum TTL for positive cache items.  If not set,
	// [DefaultMaxTTL] is used.
	MaxTTL time.Duration

	// NegativeTTL is the maximum TTL for cached negative answers, and also
	// the fallback expiry for negative answers without a SOA record.  If not
	// set, [DefaultNegativeTTL] is used.
	NegativeTTL time.Duration

	// OverrideTTL shows if the TTLs of the response RRs should be rewritten
	// to the clamped value.
	OverrideTTL bool
}

// NewMiddleware initializes a new LRU caching middleware.  c must not be nil.
func NewMiddleware(c *MiddlewareConfig) (m *Middleware) {
	return &Middleware{
		logger:      cmp.Or(c.Logger, slog.Default()),
		metrics:     cmp.Or[MetricsListener](c.MetricsListener, EmptyMetricsListener{}),
		cache:       gcache.New(c.Count).LRU().Build(),
		inflight:    map[string]chan struct{}{},
		inflightMu:  &sync.Mutex{},
		minTTL:      cmp.Or(c.MinTTL, DefaultMinTTL),
		maxTTL:      cmp.Or(c.MaxTTL, DefaultMaxTTL),
		negativeTTL: cmp.Or(c.NegativeTTL, DefaultNegativeTTL),
		overrideTTL: c.OverrideTTL,
	}
}

// type check
var _ dnsserver.Middleware = (*Middleware)(nil)

// Wrap implements the dnsserver.Middleware interface for *Middleware.
func (m *Middleware) Wrap(handler dnsserver.Handler) (wrapped dnsserver.Handler) {
	f := func(ctx context.Context, rw dnsserver.ResponseWriter, req *dns.Msg) (err error) {
		defer func() { err = errors.Annotate(err, "cache: %w") }()

		key := toCacheKey(req)

		resp, ok := m.get(ctx, key, req)
		if ok {
			m.metrics.OnCacheHit(ctx, req)
			markCached(ctx)

			err = rw.WriteMsg(ctx, req, resp)

			return errors.Annotate(err, "writing cached response: %w")
		}

		if ch, leader := m.join(key); !leader {
			// Somebody else is already resolving this key.  Wait for the
			// leader and serve its answer from the cache.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ch:
				// Go on.
			}

			if resp, ok = m.get(ctx, key, req); ok {
				m.metrics.OnCacheHit(ctx, req)
				markCached(ctx)

				err = rw.WriteMsg(ctx, req, resp)

				return errors.Annotate(err, "writing coalesced response: %w")
			}

			// The leader failed to produce a cacheable answer.  Fall through
			// and resolve on our own.
		}

		m.metrics.OnCacheMiss(ctx, req)

		resp, err = m.resolve(ctx, key, rw, handler, req)
		if err != nil {
			return err
		}

		if resp == nil {
			return nil
		}

		err = rw.WriteMsg(ctx, req, resp)

		return errors.Annotate(err, "writing response: %w")
	}

	return dnsserver.HandlerFunc(f)
}

// resolve calls the wrapped handler and stores the cacheable result.  It
// always leaves the in-flight entry for key, whether the resolution
// succeeded or not.
func (m *Middleware) resolve(
	ctx context.Context,
	key string,
	rw dnsserver.ResponseWriter,
	handler dnsserver.Handler,
	req *dns.Msg,
) (resp *dns.Msg, err error) {
	defer m.leave(key)

	nrw := dnsserver.NewNonWriterResponseWriter(rw.LocalAddr(), rw.RemoteAddr())
	err = handler.ServeDNS(ctx, nrw, req)
	if err != nil {
		return nil, fmt.Errorf("request processing: %w", err)
	}

	resp = nrw.Msg()
	if resp == nil {
		return nil, nil
	}

	err = m.set(key, resp)
	m.metrics.OnCacheItemAdded(ctx, resp, m.cache.Len(false))
	if err != nil {
		return nil, fmt.Errorf("adding cache item: %w", err)
	}

	return resp, nil
}

// join registers the caller's interest in key.  leader is true if the caller
// is the first one and must resolve the key; otherwise ch is the broadcast
// channel closed by the leader once it's done.
func (m *Middleware) join(key string) (ch chan struct{}, leader bool) {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()

	if ch, ok := m.inflight[key]; ok {
		return ch, false
	}

	ch = make(chan struct{})
	m.inflight[key] = ch

	return ch, true
}

// leave removes the in-flight entry for key and wakes up all waiters.
func (m *Middleware) leave(key string) {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()

	if ch, ok := m.inflight[key]; ok {
		delete(m.inflight, key)
		close(ch)
	}
}

// Clear removes all items from the cache.  It's called on blocklist reloads
// and by the admin cache-flush operation.
func (m *Middleware) Clear() {
	m.cache.Purge()
}

// markCached sets the cached flag on the [dnsserver.ResolutionInfo] attached
// to ctx, if any.
func markCached(ctx context.Context) {
	if ri, ok := dnsserver.ResolutionInfoFromContext(ctx); ok {
		ri.Cached = true
	}
}

// get retrieves a DNS message for the specified request from the cache.
func (m *Middleware) get(
	ctx context.Context,
	key string,
	req *dns.Msg,
) (resp *dns.Msg, found bool) {
	ciVal, err := m.cache.Get(key)
	if err != nil {
		if !errors.Is(err, gcache.KeyNotFoundError) {
			// Shouldn't happen, since we don't set a serialization function.
			m.logger.ErrorContext(ctx, "retrieving from cache", slogutil.KeyError, err)
		}

		return nil, false
	}

	item, ok := ciVal.(cacheItem)
	if !ok {
		m.logger.ErrorContext(
			ctx,
			"bad type in cache",
			"type", fmt.Sprintf("%T", ciVal),
			"target", req.Question[0].Name,
		)

		return nil, false
	}

	return m.fromCacheItem(item, req), true
}

// set saves msg to the cache if it's cacheable.  If msg cannot be cached, it
// is ignored.
func (m *Middleware) set(key string, msg *dns.Msg) (err error) {
	ttl := findLowestTTL(msg)
	if !isCacheable(msg) {
		return nil
	}

	exp := time.Duration(ttl) * time.Second
	if isNegative(msg) {
		// Negative answers use min(SOA MINIMUM, negativeTTL) and fall back
		// to negativeTTL when the authority has no SOA at all.  See RFC 2308,
		// Section 5.
		if exp == 0 || exp > m.negativeTTL {
			exp = m.negativeTTL
		}
	} else {
		if ttl == 0 {
			return nil
		}

		exp = min(max(exp, m.minTTL), m.maxTTL)
		if m.overrideTTL && msg.Rcode != dns.RcodeServerFailure {
			setMinTTL(msg, uint32(exp.Seconds()))
		}
	}

	i := m.toCacheItem(msg)

	return m.cache.SetWithExpire(key, i, exp)
}

// isNegative returns true if msg is a cached negative answer, that is an
// NXDOMAIN or a NODATA response.
func isNegative(msg *dns.Msg) (ok bool) {
	if msg.Rcode == dns.RcodeNameError {
		return true
	}

	return msg.Rcode == dns.RcodeSuccess && len(msg.Answer) == 0
}

// toCacheKey returns the cache key for msg.  msg must have one question
// record.
func toCacheKey(msg *dns.Msg) (k string) {
	q := msg.Question[0]

	// This is a byte array from which we'll make a string key.  It is filled
	// with the following:
	//
	//  - uint8(do)
	//  - uint16(qtype)
	//  - uint16(qclass)
	//  - domain name
	b := make([]byte, 1+2+2+len(q.Name))

	// Put the DO flag.
	if opt := msg.IsEdns0(); opt != nil && opt.Do() {
		b[0] = 1
	}

	// Put qtype, qclass, name.
	binary.BigEndian.PutUint16(b[1:], q.Qtype)
	binary.BigEndian.PutUint16(b[3:], q.Qclass)
	name := strings.ToLower(q.Name)
	copy(b[5:], name)

	return string(b)
}

// isCacheable checks if the DNS message can be cached.  It doesn't consider
// the TTL values of the records.
func isCacheable(msg *dns.Msg) (ok bool) {
	if msg.Truncated || len(msg.Question) != 1 {
		// Don't cache truncated messages and the ones with a wrong number of
		// questions.
		return false
	}

	switch msg.Rcode {
	case dns.RcodeSuccess:
		return isCacheableNOERROR(msg)
	case
		dns.RcodeNameError,
		dns.RcodeServerFailure:
		return true
	default:
		// Don't cache if msg is neither a NOERROR, nor NXDOMAIN, nor
		// SERVFAIL.
		return false
	}
}

// isCacheableNOERROR returns true if resp is cacheable.  resp should be a
// NOERROR response.  resp is considered cacheable if either of the following
// is true:
//
//   - it's a response to a request with the corresponding records present in
//     the answer section; or
//
//   - it's a valid NODATA response with an SOA record in the authority
//     section.
func isCacheableNOERROR(resp *dns.Msg) (ok bool) {
	// Iterate through the answer section to find relevant records.  Skip
	// CNAME and SIG records, because a NODATA response may have either no
	// records in the answer section at all or have only these types.  Any
	// other type of record means that this is neither a real response nor a
	// NODATA response.
	//
	// See https://datatracker.ietf.org/doc/html/rfc2308#section-2.2.
	qt := resp.Question[0].Qtype
	for _, rr := range resp.Answer {
		rrType := rr.Header().Rrtype
		switch rrType {
		case qt:
			// This is a normal response to a question.  Cache it.
			return true
		case dns.TypeCNAME, dns.TypeSIG:
			// This could still be a NODATA response.  Go on.
		default:
			// This is a weird, non-NODATA response.  Don't cache it.
			return false
		}
	}

	// Find the SOA record in the authority section if there is one.  If
	// there isn't, this is not a cacheable NODATA response.
	//
	// See https://datatracker.ietf.org/doc/html/rfc2308#section-5.
	for _, rr := range resp.Ns {
		if _, ok = rr.(*dns.SOA); ok {
			return true
		}
	}

	return false
}

// setMinTTL overrides TTL values of all answer records according to the min
// TTL.
func setMinTTL(r *dns.Msg, minTTL uint32) {
	for _, rr := range r.Answer {
		h := rr.Header()

		h.Ttl = max(h.Ttl, minTTL)
	}
}

// findLowestTTL gets the lowest TTL among all DNS message's RRs.
func findLowestTTL(msg *dns.Msg) (ttl uint32) {
	// servFailMaxCacheTTL is the maximum time-to-live value for caching
	// SERVFAIL responses in seconds.  It's consistent with the upper
	// constraint of 5 minutes given by RFC 2308.
	//
	// See https://datatracker.ietf.org/doc/html/rfc2308#section-7.1.
	const servFailMaxCacheTTL = 30

	// Use the maximum value as a guard value.  If the inner loop is entered,
	// it's going to be rewritten with an actual TTL value that is lower than
	// MaxUint32.  If the inner loop isn't entered, catch that and return
	// zero.
	ttl = math.MaxUint32
	for _, rrs := range [][]dns.RR{msg.Answer, msg.Ns, msg.Extra} {
		for _, rr := range rrs {
			ttl = getTTLIfLower(rr, ttl)
			if ttl == 0 {
				return 0
			}
		}
	}

	switch {
	case msg.Rcode == dns.RcodeServerFailure && ttl > servFailMaxCacheTTL:
		return servFailMaxCacheTTL
	case ttl == math.MaxUint32:
		return 0
	default:
		return ttl
	}
}

// getTTLIfLower is a helper function that checks the TTL of the specified RR
// and returns it if it's lower than the one passed in the arguments.
func getTTLIfLower(r dns.RR, ttl uint32) (res uint32) {
	switch r := r.(type) {
	case *dns.OPT:
		// Don't even consider the OPT RRs TTL.
		return ttl
	case *dns.SOA:
		if r.Minttl > 0 && r.Minttl < ttl {
			// Per RFC 2308, the TTL of a SOA RR is the minimum of SOA.MINIMUM
			// field and the header's value.
			ttl = r.Minttl
		}
	default:
		// Go on.
	}

	if httl := r.Header().Ttl; httl < ttl {
		return httl
	}

	return ttl
}

// cacheItem represents an item that we will store in the cache.
type cacheItem struct {
	// when is the time when msg was cached.
	when time.Time

	// msg is the cached DNS message.
	msg *dns.Msg
}

// toCacheItem creates a cacheItem from a DNS message.
func (m *Middleware) toCacheItem(msg *dns.Msg) (item cacheItem) {
	return cacheItem{
		msg:  msg.Copy(),
		when: time.Now(),
	}
}

// fromCacheItem creates a response from the cached item.  The TTLs of the
// stored RRs are rewritten to the remaining time, clamped at one second so
// that the records never leave the cache already expired.
func (m *Middleware) fromCacheItem(item cacheItem, req *dns.Msg) (msg *dns.Msg) {
	msg = &dns.Msg{}
	msg.SetReply(req)

	msg.AuthenticatedData = item.msg.AuthenticatedData
	msg.RecursionAvailable = item.msg.RecursionAvailable
	msg.Compress = item.msg.Compress
	msg.Rcode = item.msg.Rcode

	// Update the TTLs of all records depending on when the item was cached.
	newTTL := findLowestTTL(item.msg)
	if timeLeft := math.Round(float64(newTTL) - time.Since(item.when).Seconds()); timeLeft > 1 {
		newTTL = uint32(timeLeft)
	} else {
		newTTL = 1
	}

	for _, r := range item.msg.Answer {
		answer := dns.Copy(r)
		answer.Header().Ttl = newTTL
		msg.Answer = append(msg.Answer, answer)
	}

	for _, r := range item.msg.Ns {
		ns := dns.Copy(r)
		ns.Header().Ttl = newTTL
		msg.Ns = append(msg.Ns, ns)
	}

	for _, r := range item.msg.Extra {
		// Don't return OPT records as these are hop-by-hop.
		if r.Header().Rrtype == dns.TypeOPT {
			continue
		}

		extra := dns.Copy(r)
		extra.Header().Ttl = newTTL
		msg.Extra = append(msg.Extra, extra)
	}

	return msg
}
