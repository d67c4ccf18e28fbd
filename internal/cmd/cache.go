package cmd

import (
	"log/slog"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/AdguardTeam/golibs/validate"
	"github.com/WardenTeam/WardenDNS/internal/dnsserver/cache"
)

// cacheConfig is the configuration of the response cache.  The capacity and
// the enabled switch come from the environment.
type cacheConfig struct {
	// MinTTL is the minimum TTL for positive cached answers.
	MinTTL timeutil.Duration `yaml:"min_ttl"`

	// MaxTTL is the maximum TTL for positive cached answers.
	MaxTTL timeutil.Duration `yaml:"max_ttl"`

	// NegativeTTL is the maximum TTL for cached negative answers, and the
	// fallback expiry for negative answers without a SOA record.
	NegativeTTL timeutil.Duration `yaml:"negative_ttl"`

	// OverrideTTL, if true, rewrites the TTLs of the response records to
	// the clamped value.
	OverrideTTL bool `yaml:"override_ttl"`
}

// type check
var _ validate.Interface = (*cacheConfig)(nil)

// Validate implements the [validate.Interface] interface for *cacheConfig.
func (c *cacheConfig) Validate() (err error) {
	if c == nil {
		return nil
	}

	errs := []error{
		validate.NotNegative("min_ttl", c.MinTTL),
		validate.NotNegative("max_ttl", c.MaxTTL),
		validate.NotNegative("negative_ttl", c.NegativeTTL),
	}

	if c.MaxTTL > 0 && c.MinTTL > c.MaxTTL {
		errs = append(errs, errors.Error("min_ttl: must not be greater than max_ttl"))
	}

	return errors.Join(errs...)
}

// toInternal converts c to the cache middleware configuration.  c may be nil.
func (c *cacheConfig) toInternal(
	logger *slog.Logger,
	mtrcListener cache.MetricsListener,
	envs *environment,
) (conf *cache.MiddlewareConfig) {
	conf = &cache.MiddlewareConfig{
		Logger:          logger,
		MetricsListener: mtrcListener,
		Count:           envs.CacheMaxEntries,
	}

	if c == nil {
		return conf
	}

	conf.MinTTL = time.Duration(c.MinTTL)
	conf.MaxTTL = time.Duration(c.MaxTTL)
	conf.NegativeTTL = time.Duration(c.NegativeTTL)
	conf.OverrideTTL = c.OverrideTTL

	return conf
}
