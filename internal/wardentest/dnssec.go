package wardentest

import (
	"context"

	"github.com/WardenTeam/WardenDNS/internal/dnsmsg"
	"github.com/WardenTeam/WardenDNS/internal/dnssec"
	"github.com/miekg/dns"
)

// DNSSECFetcher is a [dnssec.Fetcher] implementation for tests.
type DNSSECFetcher struct {
	OnLookup func(ctx context.Context, name string, qtype dnsmsg.RRType) (rrs []dns.RR, err error)
}

// type check
var _ dnssec.Fetcher = (*DNSSECFetcher)(nil)

// Lookup implements the [dnssec.Fetcher] interface for *DNSSECFetcher.
func (f *DNSSECFetcher) Lookup(
	ctx context.Context,
	name string,
	qtype dnsmsg.RRType,
) (rrs []dns.RR, err error) {
	return f.OnLookup(ctx, name, qtype)
}
