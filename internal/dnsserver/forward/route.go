package forward

import (
	"fmt"
	"slices"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/miekg/dns"
)

// RouteConfig is a single conditional-forwarding rule.  Queries whose names
// match the rule are forwarded to the rule's upstreams instead of the global
// list.
type RouteConfig struct {
	// Match is either an exact domain name or a "*.suffix" wildcard.  A
	// wildcard matches the suffix itself and any of its subdomains.
	Match string

	// Upstreams are the upstream configurations for this rule.  Must not be
	// empty.
	Upstreams []*UpstreamConfig

	// Priority orders the rules.  A higher priority wins; ties are broken by
	// the longest match.
	Priority int
}

// route is a compiled conditional-forwarding rule.
type route struct {
	// match is the lowercased FQDN form of the rule's domain, without the
	// wildcard label.
	match string

	// upstreams are the upstream statuses of this rule.
	upstreams []*upstreamStatus

	// priority is the rule's priority.
	priority int

	// wildcard is true if the rule matches subdomains as well.
	wildcard bool
}

// compileRoutes converts the configuration rules into a lookup table sorted
// so that the first matching route is the winning one.
func compileRoutes(confs []*RouteConfig) (routes []*route, err error) {
	routes = make([]*route, 0, len(confs))
	for i, rc := range confs {
		r, compErr := compileRoute(rc)
		if compErr != nil {
			return nil, fmt.Errorf("route at index %d: %w", i, compErr)
		}

		routes = append(routes, r)
	}

	// Highest priority first, longest (most specific) match first within the
	// same priority.
	slices.SortStableFunc(routes, func(a, b *route) (res int) {
		if a.priority != b.priority {
			if a.priority > b.priority {
				return -1
			}

			return 1
		}

		return len(b.match) - len(a.match)
	})

	return routes, nil
}

// compileRoute compiles a single rule.
func compileRoute(rc *RouteConfig) (r *route, err error) {
	if len(rc.Upstreams) == 0 {
		return nil, errors.Error("no upstreams")
	}

	match, wildcard := strings.CutPrefix(rc.Match, "*.")
	if match == "" {
		return nil, fmt.Errorf("match: %w", errors.ErrEmptyValue)
	}

	r = &route{
		match:    strings.ToLower(dns.Fqdn(match)),
		priority: rc.Priority,
		wildcard: wildcard,
	}

	for _, uc := range rc.Upstreams {
		u, upsErr := NewUpstream(uc)
		if upsErr != nil {
			// Don't wrap the error, because it's informative enough as is.
			return nil, upsErr
		}

		r.upstreams = append(r.upstreams, newUpstreamStatus(u))
	}

	return r, nil
}

// matches returns true if the route matches name, which must be a lowercased
// FQDN.
func (r *route) matches(name string) (ok bool) {
	if name == r.match {
		return true
	}

	return r.wildcard && strings.HasSuffix(name, "."+r.match)
}

// lookupRoute returns the upstreams of the first route matching name, if any.
func lookupRoute(routes []*route, name string) (upstreams []*upstreamStatus, ok bool) {
	name = strings.ToLower(dns.Fqdn(name))
	for _, r := range routes {
		if r.matches(name) {
			return r.upstreams, true
		}
	}

	return nil, false
}
