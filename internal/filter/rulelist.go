package filter

import (
	"fmt"
	"math/rand"
	"net/netip"

	"github.com/AdguardTeam/urlfilter"
	"github.com/AdguardTeam/urlfilter/filterlist"
	"github.com/AdguardTeam/urlfilter/rules"
	"github.com/WardenTeam/WardenDNS/internal/dnsmsg"
)

// ruleList is the urlfilter-based rule engine tier.  It compiles adlist rules
// and regex filters into a single DNS filtering engine.  Within the engine,
// allow ("@@") rules take precedence over block rules.
type ruleList struct {
	engine      *urlfilter.DNSEngine
	urlFilterID int
}

// newRuleList compiles rulesText, the concatenated rules separated by
// newlines, into a rule list.
func newRuleList(rulesText string) (rl *ruleList, err error) {
	id := newURLFilterID()
	lists := []filterlist.Interface{
		filterlist.NewString(&filterlist.StringConfig{
			ID:             rules.ListID(id),
			RulesText:      rulesText,
			IgnoreCosmetic: true,
		}),
	}

	s, err := filterlist.NewRuleStorage(lists)
	if err != nil {
		return nil, fmt.Errorf("compiling rule storage: %w", err)
	}

	return &ruleList{
		engine:      urlfilter.NewDNSEngine(s),
		urlFilterID: id,
	}, nil
}

// newURLFilterID returns a new random ID for the urlfilter DNS engine to use.
func newURLFilterID() (id int) {
	// Do not use cryptographically random ID generation, since the IDs are
	// only used to distinguish rule lists within one engine.
	//
	// Despite the fact that the type of integer filter list IDs in module
	// urlfilter is int, the module actually assumes that the ID is
	// a non-negative integer, or at least not a largely negative one.
	return int(rand.Int31())
}

// match reports whether host matches a rule in the engine.  allowed
// distinguishes allow rules from block rules.  cliIP may be the zero value
// when the client address is unknown.  host must already be canonicalised
// with canonicalHost.
func (rl *ruleList) match(
	cliIP netip.Addr,
	host string,
	rrType dnsmsg.RRType,
) (rule RuleText, allowed, ok bool) {
	dnsReq := &urlfilter.DNSRequest{
		Hostname: host,
		ClientIP: cliIP,
		DNSType:  rrType,
	}

	dr, ok := rl.engine.MatchRequest(dnsReq)
	if !ok {
		return "", false, false
	}

	if nr := dr.NetworkRule; nr != nil {
		return RuleText(nr.Text()), nr.Whitelist, true
	}

	// A host-rules-only match, e.g. an etc-hosts style adlist entry.  Treat
	// it as a block, since host rules have no allow form.
	if len(dr.HostRulesV4) > 0 {
		return RuleText(dr.HostRulesV4[0].Text()), false, true
	} else if len(dr.HostRulesV6) > 0 {
		return RuleText(dr.HostRulesV6[0].Text()), false, true
	}

	return "", false, false
}

// rulesCount returns the number of rules in the engine.
func (rl *ruleList) rulesCount() (n int) {
	return rl.engine.RulesCount
}
