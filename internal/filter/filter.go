// Package filter implements the blocklist engine: a label trie for exact and
// wildcard domain patterns, an urlfilter-based rule engine for adlist and
// regex rules, per-client policies, local DNS overrides, and the global
// disable switch.
package filter

import (
	"context"
	"time"
)

// ID is the identifier of the filtering tier that produced a result.  It is
// used in the query log and in metrics.
type ID string

// ID values, from the highest precedence tier to the lowest.
const (
	IDClientAllowlist ID = "client-allowlist"
	IDClientBlocklist ID = "client-blocklist"
	IDAllowlist       ID = "allowlist"
	IDBlocklist       ID = "blocklist"
	IDRules           ID = "rules"
)

// RuleText is the text of a single matched rule or domain pattern.
type RuleText string

// Result is a sum type of all possible filtering verdicts.  See the following
// types as implementations:
//
//   - [*ResultAllowed]
//   - [*ResultBlocked]
type Result interface {
	// MatchedRule returns data about the matched rule and its tier.
	MatchedRule() (id ID, text RuleText)

	// isResult is a marker method.
	isResult()
}

// ResultAllowed means that this request was explicitly allowed by an
// allowlist entry or rule within the given tier.
type ResultAllowed struct {
	List ID
	Rule RuleText
}

// type check
var _ Result = (*ResultAllowed)(nil)

// MatchedRule implements the [Result] interface for *ResultAllowed.
func (a *ResultAllowed) MatchedRule() (id ID, text RuleText) {
	return a.List, a.Rule
}

// isResult implements the [Result] interface for *ResultAllowed.
func (*ResultAllowed) isResult() {}

// ResultBlocked means that this request was blocked by a blocklist entry or
// rule within the given tier.
type ResultBlocked struct {
	List ID
	Rule RuleText
}

// type check
var _ Result = (*ResultBlocked)(nil)

// MatchedRule implements the [Result] interface for *ResultBlocked.
func (b *ResultBlocked) MatchedRule() (id ID, text RuleText) {
	return b.List, b.Rule
}

// isResult implements the [Result] interface for *ResultBlocked.
func (*ResultBlocked) isResult() {}

// Metrics is the interface for metrics of the blocklist engine.
type Metrics interface {
	// SetFilterStatus sets the status of a filtering tier by its id.  If err
	// is not nil, updTime and ruleCount are ignored.
	SetFilterStatus(ctx context.Context, id ID, updTime time.Time, ruleCount int, err error)
}

// EmptyMetrics is the implementation of the [Metrics] interface that does
// nothing.
type EmptyMetrics struct{}

// type check
var _ Metrics = EmptyMetrics{}

// SetFilterStatus implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) SetFilterStatus(_ context.Context, _ ID, _ time.Time, _ int, _ error) {}
