package cmd

import (
	"fmt"
	"os"

	"github.com/AdguardTeam/golibs/container"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/validate"
	"gopkg.in/yaml.v2"
)

// configuration represents the on-disk configuration of Warden DNS.  The
// environment carries the flat settings, see [environment]; the file carries
// the structured ones.  Every section is optional and has sensible defaults.
type configuration struct {
	// DNS is the listener and query handling tuning.
	DNS *dnsConfig `yaml:"dns"`

	// Upstream is the configuration of the upstream servers and the
	// conditional-forwarding routes.
	Upstream *upstreamConfig `yaml:"upstream"`

	// Cache is the response cache configuration.
	Cache *cacheConfig `yaml:"cache"`

	// RateLimit is the rate limiting configuration.
	RateLimit *rateLimitConfig `yaml:"ratelimit"`

	// Filtering is the blocking behavior configuration.
	Filtering *filteringConfig `yaml:"filtering"`

	// QueryLog is the query log configuration.
	QueryLog *queryLogConfig `yaml:"query_log"`

	// Zones is the zone maintenance configuration: transfers, dynamic
	// updates, and master-file export.  The zone data itself lives in
	// storage.
	Zones *zonesConfig `yaml:"zones"`

	// DNSCrypt is the optional DNSCrypt listener configuration.
	DNSCrypt *dnsCryptConfig `yaml:"dnscrypt"`

	// AdditionalMetricsInfo is extra information, which is exposed by metrics.
	AdditionalMetricsInfo additionalInfo `yaml:"additional_metrics_info"`
}

// type check
var _ validate.Interface = (*configuration)(nil)

// Validate implements the [validate.Interface] interface for *configuration.
func (c *configuration) Validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	}

	// Keep this in the same order as the fields in the config.
	validators := container.KeyValues[string, validate.Interface]{{
		Key:   "dns",
		Value: c.DNS,
	}, {
		Key:   "upstream",
		Value: c.Upstream,
	}, {
		Key:   "cache",
		Value: c.Cache,
	}, {
		Key:   "ratelimit",
		Value: c.RateLimit,
	}, {
		Key:   "filtering",
		Value: c.Filtering,
	}, {
		Key:   "query_log",
		Value: c.QueryLog,
	}, {
		Key:   "zones",
		Value: c.Zones,
	}, {
		Key:   "dnscrypt",
		Value: c.DNSCrypt,
	}, {
		Key:   "additional_metrics_info",
		Value: c.AdditionalMetricsInfo,
	}}

	var errs []error
	for _, kv := range validators {
		errs = validate.Append(errs, kv.Key, kv.Value)
	}

	return errors.Join(errs...)
}

// parseConfig reads the configuration.  A missing file is not an error, since
// the environment alone is enough to run the server; the sections then keep
// their defaults.
func parseConfig(confPath string) (c *configuration, err error) {
	c = &configuration{}

	// #nosec G304 -- Trust the path to the configuration file that is given
	// from the environment.
	yamlFile, err := os.ReadFile(confPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, nil
		}

		return nil, fmt.Errorf("reading config file: %w", err)
	}

	err = yaml.Unmarshal(yamlFile, c)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return c, nil
}
