package ratelimit

import (
	"context"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// Default token-bucket parameters.
const (
	// DefaultCount is the default number of requests allowed per window.
	DefaultCount = 1000

	// DefaultWindow is the default token-bucket refill window.
	DefaultWindow = 1 * time.Minute

	// DefaultIdleTimeout is how long an unused client bucket is retained.
	DefaultIdleTimeout = 10 * time.Minute
)

// TokenBucketConfig is the configuration structure for a token-bucket rate
// limiter.
type TokenBucketConfig struct {
	// Allowlist defines which IP networks are excluded from rate limiting.
	Allowlist Allowlist

	// Count is how many requests a client is allowed to make per Window.  If
	// zero, [DefaultCount] is used.
	Count uint

	// Window is the period over which Count tokens are refilled.  If zero,
	// [DefaultWindow] is used.
	Window time.Duration

	// IdleTimeout is the duration after which a client's bucket is dropped
	// if it has not been used.  If zero, [DefaultIdleTimeout] is used.
	IdleTimeout time.Duration

	// RefuseANY tells the rate limiter to refuse DNS requests with the ANY
	// query type (aka *).
	RefuseANY bool
}

// TokenBucket is an [Interface] implementation keeping a token bucket per
// client IP address.  Buckets expire after an idle period, so the memory
// usage is bounded by the number of recently active clients.
type TokenBucket struct {
	allowlist Allowlist

	// clients maps the string form of a client IP to its *rate.Limiter.  The
	// expiring store drops buckets that have not been touched for the idle
	// timeout.
	clients *gocache.Cache

	limit       rate.Limit
	burst       int
	idleTimeout time.Duration
	refuseANY   bool
}

// type check
var _ Interface = (*TokenBucket)(nil)

// NewTokenBucket returns a new token-bucket rate limiter.  c must not be nil.
func NewTokenBucket(c *TokenBucketConfig) (l *TokenBucket) {
	count := c.Count
	if count == 0 {
		count = DefaultCount
	}

	window := c.Window
	if window == 0 {
		window = DefaultWindow
	}

	idle := c.IdleTimeout
	if idle == 0 {
		idle = DefaultIdleTimeout
	}

	return &TokenBucket{
		allowlist:   c.Allowlist,
		clients:     gocache.New(idle, idle),
		limit:       rate.Limit(float64(count) / window.Seconds()),
		burst:       int(count),
		idleTimeout: idle,
		refuseANY:   c.RefuseANY,
	}
}

// IsRateLimited implements the [Interface] interface for *TokenBucket.
func (l *TokenBucket) IsRateLimited(
	ctx context.Context,
	req *dns.Msg,
	ip netip.Addr,
) (limited, allowlisted bool, err error) {
	if l.allowlist != nil {
		allowlisted, err = l.allowlist.IsAllowed(ctx, ip)
		if err != nil {
			return false, false, err
		} else if allowlisted {
			return false, true, nil
		}
	}

	if l.refuseANY && len(req.Question) == 1 && req.Question[0].Qtype == dns.TypeANY {
		return true, false, nil
	}

	return !l.bucket(ip).Allow(), false, nil
}

// bucket returns the token bucket for ip, creating it if necessary.  Each
// call also refreshes the bucket's idle expiry.
func (l *TokenBucket) bucket(ip netip.Addr) (lim *rate.Limiter) {
	key := ip.String()
	if v, ok := l.clients.Get(key); ok {
		lim = v.(*rate.Limiter)
		l.clients.Set(key, lim, l.idleTimeout)

		return lim
	}

	lim = rate.NewLimiter(l.limit, l.burst)
	err := l.clients.Add(key, lim, l.idleTimeout)
	if err != nil {
		// A concurrent first query from the same client created the bucket
		// between the get and the add.  Use the winner's bucket so no token
		// accounting is lost.
		if v, ok := l.clients.Get(key); ok {
			return v.(*rate.Limiter)
		}
	}

	return lim
}
