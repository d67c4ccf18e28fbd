package cmd

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/AdguardTeam/golibs/validate"
	"github.com/WardenTeam/WardenDNS/internal/dnsserver/ratelimit"
)

// rateLimitConfig is the configuration of the rate limiting.  The token
// count and the refill window come from the environment.
type rateLimitConfig struct {
	// Allowlist are the networks excluded from rate limiting.
	Allowlist []string `yaml:"allowlist"`

	// IdleTimeout is the duration after which an idle client bucket is
	// dropped.
	IdleTimeout timeutil.Duration `yaml:"idle_timeout"`

	// RefuseANY, if true, makes the server refuse DNS * queries.
	RefuseANY bool `yaml:"refuse_any"`
}

// type check
var _ validate.Interface = (*rateLimitConfig)(nil)

// Validate implements the [validate.Interface] interface for
// *rateLimitConfig.
func (c *rateLimitConfig) Validate() (err error) {
	if c == nil {
		return nil
	}

	errs := []error{
		validate.NotNegative("idle_timeout", c.IdleTimeout),
	}

	for i, s := range c.Allowlist {
		_, prefErr := netip.ParsePrefix(s)
		if prefErr != nil {
			errs = append(errs, fmt.Errorf("allowlist: at index %d: %w", i, prefErr))
		}
	}

	return errors.Join(errs...)
}

// toInternal converts c to the token bucket configuration.  c may be nil and
// must be valid.
func (c *rateLimitConfig) toInternal(envs *environment) (conf *ratelimit.TokenBucketConfig) {
	var prefixes []netip.Prefix
	var idle time.Duration
	refuseANY := false
	if c != nil {
		for _, s := range c.Allowlist {
			prefixes = append(prefixes, errors.Must(netip.ParsePrefix(s)))
		}

		idle = time.Duration(c.IdleTimeout)
		refuseANY = c.RefuseANY
	}

	return &ratelimit.TokenBucketConfig{
		Allowlist:   ratelimit.NewDynamicAllowlist(prefixes, nil),
		Count:       envs.RateLimitMax,
		Window:      time.Duration(envs.RateLimitWindowMS) * time.Millisecond,
		IdleTimeout: idle,
		RefuseANY:   refuseANY,
	}
}
