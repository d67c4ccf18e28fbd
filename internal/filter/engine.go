package filter

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/WardenTeam/WardenDNS/internal/dnsmsg"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/miekg/dns"
)

// Storage is the interface for reading the filtering configuration from the
// persistent store.
type Storage interface {
	// FilterConfig returns the current filtering configuration.  conf must
	// not be nil if err is nil.
	FilterConfig(ctx context.Context) (conf *FilterConfig, err error)
}

// FilterConfig is the snapshot of the persisted filtering configuration that
// the engine compiles on every refresh.
type FilterConfig struct {
	// BlocklistEntries are exact and wildcard-suffix domain patterns to
	// block, both manual and adlist-sourced.
	BlocklistEntries []string

	// AllowlistEntries are exact and wildcard-suffix domain patterns that
	// must never be blocked.
	AllowlistEntries []string

	// RuleTexts are raw adlist-style rules, one rule per element.
	RuleTexts []string

	// RegexFilters are the regex tier filters.
	RegexFilters []*RegexFilter

	// ClientPolicies are the per-client filtering policies.
	ClientPolicies []*ClientPolicy

	// Overrides are the local DNS overrides.
	Overrides []*Override
}

// RegexFilter is a single regex filter.
type RegexFilter struct {
	// Pattern is the regular expression matched against the hostname.
	Pattern string

	// Allow, if true, makes the filter an exception rather than a block.
	Allow bool
}

// ClientPolicy is the filtering policy of a single client.
type ClientPolicy struct {
	// ClientIP is the address of the client.
	ClientIP netip.Addr

	// Upstream, if not empty, is the upstream address used for this client
	// instead of the global upstream set.
	Upstream string

	// Allow and Block are the per-client domain pattern sets.  They take
	// precedence over the global tiers.
	Allow []string
	Block []string

	// FilteringEnabled, if false, disables all blocklist matching for the
	// client.
	FilteringEnabled bool
}

// Override is a single local DNS override.  A query that matches an override
// by name and type is answered authoritatively without consulting the
// upstreams.
type Override struct {
	// Name is the domain name of the override.
	Name string

	// RData is the textual record data, for example "10.0.0.15".
	RData string

	// TTL is the TTL of the synthesised record.
	TTL time.Duration

	// QType is the record type.
	QType dnsmsg.RRType
}

// EngineConfig is the configuration of the blocklist engine.
type EngineConfig struct {
	// Logger is used for logging the operation of the engine.  It must not be
	// nil.
	Logger *slog.Logger

	// Storage provides the filtering configuration.  It must not be nil.
	Storage Storage

	// Metrics collects the statistics of the engine.  It must not be nil.
	Metrics Metrics

	// Clock is used to check the disable deadline.  It must not be nil.
	Clock timeutil.Clock
}

// Engine is the blocklist engine.  Queries are matched against an immutable
// snapshot that is rebuilt from storage by [Engine.Refresh] and swapped
// atomically, so queries in flight keep the snapshot they started with.
type Engine struct {
	logger  *slog.Logger
	storage Storage
	metrics Metrics
	clock   timeutil.Clock

	snap  atomic.Pointer[snapshot]
	pause atomic.Pointer[pauseState]
}

// pauseState describes the disabled state of the engine.  A zero until means
// that filtering is disabled until explicitly enabled again.
type pauseState struct {
	until time.Time
}

// snapshot is an immutable compiled view of the filtering configuration.
type snapshot struct {
	allow     *domainTrie
	block     *domainTrie
	rules     *ruleList
	policies  map[netip.Addr]*clientPolicy
	overrides map[overrideKey][]dns.RR
}

// clientPolicy is the compiled filtering policy of a single client.
type clientPolicy struct {
	allow            *domainTrie
	block            *domainTrie
	upstream         string
	filteringEnabled bool
}

// overrideKey is the lookup key of a local DNS override.
type overrideKey struct {
	host string
	qt   dnsmsg.RRType
}

// NewEngine returns a new blocklist engine.  c must not be nil and must be
// valid.  The engine matches nothing until the first call to
// [Engine.Refresh].
func NewEngine(c *EngineConfig) (e *Engine) {
	e = &Engine{
		logger:  c.Logger,
		storage: c.Storage,
		metrics: c.Metrics,
		clock:   c.Clock,
	}

	e.snap.Store(emptySnapshot())

	return e
}

// emptySnapshot returns a snapshot that matches nothing.
func emptySnapshot() (snap *snapshot) {
	return &snapshot{
		allow: newDomainTrie(),
		block: newDomainTrie(),
		rules: errors.Must(newRuleList("")),
	}
}

// type check
var _ service.Refresher = (*Engine)(nil)

// Refresh implements the [service.Refresher] interface for *Engine.  It reads
// the filtering configuration from storage, compiles a new snapshot, and
// swaps it in.  On error the previous snapshot stays active.
func (e *Engine) Refresh(ctx context.Context) (err error) {
	defer func() { err = errors.Annotate(err, "refreshing blocklist engine: %w") }()

	conf, err := e.storage.FilterConfig(ctx)
	if err != nil {
		e.metrics.SetFilterStatus(ctx, IDBlocklist, time.Time{}, 0, err)

		return fmt.Errorf("reading filter config: %w", err)
	}

	snap, err := e.newSnapshot(ctx, conf)
	if err != nil {
		e.metrics.SetFilterStatus(ctx, IDRules, time.Time{}, 0, err)

		return err
	}

	now := e.clock.Now()
	e.metrics.SetFilterStatus(ctx, IDAllowlist, now, snap.allow.count(), nil)
	e.metrics.SetFilterStatus(ctx, IDBlocklist, now, snap.block.count(), nil)
	e.metrics.SetFilterStatus(ctx, IDRules, now, snap.rules.rulesCount(), nil)

	e.snap.Store(snap)

	e.logger.InfoContext(
		ctx,
		"engine refreshed",
		"allow", snap.allow.count(),
		"block", snap.block.count(),
		"rules", snap.rules.rulesCount(),
		"policies", len(snap.policies),
		"overrides", len(snap.overrides),
	)

	return nil
}

// newSnapshot compiles conf into a snapshot.
func (e *Engine) newSnapshot(ctx context.Context, conf *FilterConfig) (snap *snapshot, err error) {
	snap = &snapshot{
		allow:     newDomainTrie(),
		block:     newDomainTrie(),
		policies:  map[netip.Addr]*clientPolicy{},
		overrides: map[overrideKey][]dns.RR{},
	}

	for _, p := range conf.AllowlistEntries {
		snap.allow.add(p)
	}

	for _, p := range conf.BlocklistEntries {
		snap.block.add(p)
	}

	snap.rules, err = newRuleList(e.rulesText(ctx, conf))
	if err != nil {
		return nil, fmt.Errorf("compiling rules: %w", err)
	}

	for _, p := range conf.ClientPolicies {
		snap.policies[p.ClientIP] = newClientPolicy(p)
	}

	for _, o := range conf.Overrides {
		err = addOverride(snap.overrides, o)
		if err != nil {
			e.logger.WarnContext(ctx, "skipping override", "name", o.Name, slogutil.KeyError, err)
		}
	}

	return snap, nil
}

// rulesText joins the adlist rules and the compiled regex filters into a
// single rule list text.  Regex filters that do not compile are skipped with
// a warning.
func (e *Engine) rulesText(ctx context.Context, conf *FilterConfig) (text string) {
	b := &strings.Builder{}
	for _, r := range conf.RuleTexts {
		_, _ = b.WriteString(r)
		_, _ = b.WriteString("\n")
	}

	for _, f := range conf.RegexFilters {
		_, err := regexp.Compile(f.Pattern)
		if err != nil {
			e.logger.WarnContext(ctx, "skipping regex", "pattern", f.Pattern, slogutil.KeyError, err)

			continue
		}

		if f.Allow {
			_, _ = b.WriteString("@@")
		}

		_, _ = b.WriteString("/")
		_, _ = b.WriteString(f.Pattern)
		_, _ = b.WriteString("/\n")
	}

	return b.String()
}

// newClientPolicy compiles p into a clientPolicy.
func newClientPolicy(p *ClientPolicy) (compiled *clientPolicy) {
	compiled = &clientPolicy{
		allow:            newDomainTrie(),
		block:            newDomainTrie(),
		upstream:         p.Upstream,
		filteringEnabled: p.FilteringEnabled,
	}

	for _, pat := range p.Allow {
		compiled.allow.add(pat)
	}

	for _, pat := range p.Block {
		compiled.block.add(pat)
	}

	return compiled
}

// addOverride parses o and adds the resulting resource record to overrides.
func addOverride(overrides map[overrideKey][]dns.RR, o *Override) (err error) {
	typeStr, ok := dns.TypeToString[o.QType]
	if !ok {
		return fmt.Errorf("override %q: unknown qtype %d", o.Name, o.QType)
	}

	rr, err := dns.NewRR(fmt.Sprintf(
		"%s %d IN %s %s",
		dns.Fqdn(o.Name),
		int(o.TTL.Seconds()),
		typeStr,
		o.RData,
	))
	if err != nil {
		return fmt.Errorf("override %q: %w", o.Name, err)
	}

	key := overrideKey{
		host: canonicalHost(o.Name),
		qt:   o.QType,
	}
	overrides[key] = append(overrides[key], rr)

	return nil
}

// FilterRequest matches host against the compiled filtering tiers and
// returns the verdict, in the precedence order: client allow, client block,
// global allow, global block, rule engine.  It returns nil if the request is
// not filtered, if filtering is currently disabled, or if the client's
// policy has filtering disabled.
func (e *Engine) FilterRequest(
	ctx context.Context,
	cliIP netip.Addr,
	host string,
	rrType dnsmsg.RRType,
) (r Result) {
	if e.blockingDisabled() {
		return nil
	}

	host = canonicalHost(host)
	snap := e.snap.Load()

	if p, ok := snap.policies[cliIP]; ok {
		if !p.filteringEnabled {
			return nil
		}

		if pat, matched := p.allow.match(host); matched {
			return &ResultAllowed{List: IDClientAllowlist, Rule: RuleText(pat)}
		}

		if pat, matched := p.block.match(host); matched {
			return &ResultBlocked{List: IDClientBlocklist, Rule: RuleText(pat)}
		}
	}

	if pat, matched := snap.allow.match(host); matched {
		return &ResultAllowed{List: IDAllowlist, Rule: RuleText(pat)}
	}

	if pat, matched := snap.block.match(host); matched {
		return &ResultBlocked{List: IDBlocklist, Rule: RuleText(pat)}
	}

	if rule, allowed, matched := snap.rules.match(cliIP, host, rrType); matched {
		if allowed {
			return &ResultAllowed{List: IDRules, Rule: rule}
		}

		return &ResultBlocked{List: IDRules, Rule: rule}
	}

	return nil
}

// Override returns the local DNS override records for host and qt, if any.
// The returned records are deep copies, so callers may modify them.
func (e *Engine) Override(host string, qt dnsmsg.RRType) (rrs []dns.RR, ok bool) {
	snap := e.snap.Load()

	key := overrideKey{
		host: canonicalHost(host),
		qt:   qt,
	}

	orig, ok := snap.overrides[key]
	if !ok {
		return nil, false
	}

	rrs = make([]dns.RR, 0, len(orig))
	for _, rr := range orig {
		rrs = append(rrs, dns.Copy(rr))
	}

	return rrs, true
}

// ClientUpstream returns the per-client upstream address for cliIP, if the
// client has a policy with one.
func (e *Engine) ClientUpstream(cliIP netip.Addr) (addr string, ok bool) {
	p, ok := e.snap.Load().policies[cliIP]
	if !ok || p.upstream == "" {
		return "", false
	}

	return p.upstream, true
}

// RulesCount returns the total number of compiled patterns and rules in the
// active snapshot.
func (e *Engine) RulesCount() (n int) {
	snap := e.snap.Load()

	return snap.allow.count() + snap.block.count() + snap.rules.rulesCount()
}

// Disable turns blocklist matching off.  If until is not the zero time,
// matching re-enables itself once the deadline passes; otherwise it stays
// off until [Engine.Enable] is called.
func (e *Engine) Disable(until time.Time) {
	e.pause.Store(&pauseState{until: until})
}

// Enable turns blocklist matching back on.
func (e *Engine) Enable() {
	e.pause.Store(nil)
}

// Disabled reports whether blocklist matching is currently disabled and, if
// it is, the deadline after which it re-enables itself.  A zero until means
// that no deadline is set.
func (e *Engine) Disabled() (disabled bool, until time.Time) {
	p := e.pause.Load()
	if p == nil {
		return false, time.Time{}
	}

	if !p.until.IsZero() && e.clock.Now().After(p.until) {
		// The deadline has passed, flip back to enabled.  A racing Disable
		// wins over the flip.
		e.pause.CompareAndSwap(p, nil)

		return false, time.Time{}
	}

	return true, p.until
}

// blockingDisabled is like [Engine.Disabled] but only reports the flag.
func (e *Engine) blockingDisabled() (disabled bool) {
	disabled, _ = e.Disabled()

	return disabled
}
