package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/AdguardTeam/golibs/validate"
	"github.com/WardenTeam/WardenDNS/internal/dnsserver/forward"
	"github.com/WardenTeam/WardenDNS/internal/storage"
)

// upstreamConfig is the configuration of the upstream servers and the
// conditional-forwarding routes.  The main upstream addresses come from the
// UPSTREAM_DNS environment variable.
type upstreamConfig struct {
	// Healthcheck is the healthcheck configuration of the upstreams.
	Healthcheck *upstreamHealthcheckConfig `yaml:"healthcheck"`

	// Fallback are the addresses of the fallback servers, tried when the
	// main upstreams fail with a network error.
	Fallback []string `yaml:"fallback"`

	// Routes is the conditional-forwarding table from the configuration
	// file.  Rules stored in the database are merged in at run time.
	Routes []*upstreamRouteConfig `yaml:"routes"`

	// Timeout is the per-attempt exchange timeout.
	Timeout timeutil.Duration `yaml:"timeout"`

	// MaxRetries is the number of additional attempts after the first
	// failed one.
	MaxRetries int `yaml:"max_retries"`

	// InsecureSkipVerify disables TLS certificate verification for the
	// encrypted upstreams.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// upstreamHealthcheckConfig is the healthcheck configuration of the
// upstreams.
type upstreamHealthcheckConfig struct {
	// DomainTemplate is the template for domains used to perform
	// healthcheck requests.
	DomainTemplate string `yaml:"domain_template"`

	// BackoffDuration is the healthcheck query backoff duration.
	BackoffDuration timeutil.Duration `yaml:"backoff_duration"`

	// Enabled enables the healthcheck.
	Enabled bool `yaml:"enabled"`
}

// upstreamRouteConfig is a single conditional-forwarding rule in the
// configuration file.
type upstreamRouteConfig struct {
	// Domain is either an exact domain name or a "*.suffix" wildcard.
	Domain string `yaml:"domain"`

	// Upstreams are the addresses of the servers for this rule.
	Upstreams []string `yaml:"upstreams"`

	// Priority orders the rules.  A higher priority wins.
	Priority int `yaml:"priority"`
}

// type check
var _ validate.Interface = (*upstreamConfig)(nil)

// Validate implements the [validate.Interface] interface for *upstreamConfig.
func (c *upstreamConfig) Validate() (err error) {
	if c == nil {
		return nil
	}

	errs := []error{
		validate.NotNegative("timeout", c.Timeout),
		validate.NotNegative("max_retries", c.MaxRetries),
	}

	if c.Healthcheck != nil && c.Healthcheck.Enabled {
		errs = append(errs, validate.NotEmpty(
			"healthcheck: domain_template",
			c.Healthcheck.DomainTemplate,
		))
	}

	for i, r := range c.Routes {
		if r.Domain == "" {
			errs = append(errs, fmt.Errorf("routes: at index %d: domain: %w", i, errors.ErrEmptyValue))
		}

		if len(r.Upstreams) == 0 {
			errs = append(errs, fmt.Errorf(
				"routes: at index %d: upstreams: %w",
				i,
				errors.ErrEmptyValue,
			))
		}
	}

	return errors.Join(errs...)
}

// toInternal converts c to the forwarding handler configuration.  c may be
// nil.  The main upstream addresses are taken from envs, the stored rules
// from rules.
func (c *upstreamConfig) toInternal(
	logger *slog.Logger,
	mtrcListener forward.MetricsListener,
	envs *environment,
	rules []*storage.ForwardingRule,
) (fwdConf *forward.HandlerConfig) {
	fwdConf = &forward.HandlerConfig{
		Logger:          logger,
		MetricsListener: mtrcListener,
		Upstreams:       upstreamConfigs(envs.UpstreamDNS, c),
		Routes:          upstreamRoutes(c, rules),
	}

	if c == nil {
		return fwdConf
	}

	fwdConf.Fallbacks = upstreamConfigs(c.Fallback, c)
	fwdConf.AttemptTimeout = time.Duration(c.Timeout)
	fwdConf.MaxRetries = c.MaxRetries

	if hc := c.Healthcheck; hc != nil && hc.Enabled {
		fwdConf.Healthcheck = &forward.HealthcheckConfig{
			Enabled:         true,
			DomainTempalate: hc.DomainTemplate,
			BackoffDuration: time.Duration(hc.BackoffDuration),
		}
	}

	return fwdConf
}

// upstreamConfigs converts the addresses to upstream configurations.  c may
// be nil.
func upstreamConfigs(addrs []string, c *upstreamConfig) (confs []*forward.UpstreamConfig) {
	confs = make([]*forward.UpstreamConfig, 0, len(addrs))
	for _, addr := range addrs {
		u := &forward.UpstreamConfig{
			Address: addr,
		}

		if c != nil {
			u.Timeout = time.Duration(c.Timeout)
			u.InsecureSkipVerify = c.InsecureSkipVerify
		}

		confs = append(confs, u)
	}

	return confs
}

// upstreamRoutes merges the configured routes with the enabled stored rules.
// c may be nil.
func upstreamRoutes(
	c *upstreamConfig,
	rules []*storage.ForwardingRule,
) (routes []*forward.RouteConfig) {
	if c != nil {
		for _, r := range c.Routes {
			routes = append(routes, &forward.RouteConfig{
				Match:     r.Domain,
				Upstreams: upstreamConfigs(r.Upstreams, c),
				Priority:  r.Priority,
			})
		}
	}

	for _, r := range rules {
		if !r.Enabled {
			continue
		}

		routes = append(routes, &forward.RouteConfig{
			Match:     r.Match,
			Upstreams: upstreamConfigs(r.Upstreams, c),
			Priority:  r.Priority,
		})
	}

	return routes
}

// storedForwardingRules reads the conditional-forwarding rules from the
// store.  A read failure is not fatal, since the routes can be rebuilt later
// through the admin surface; the error is returned for collection.
func storedForwardingRules(
	ctx context.Context,
	store *storage.Store,
) (rules []*storage.ForwardingRule, err error) {
	rules, err = store.ForwardingRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading forwarding rules: %w", err)
	}

	return rules, nil
}
