package dnssvc

import (
	"context"
	"fmt"

	"github.com/WardenTeam/WardenDNS/internal/dnsmsg"
	"github.com/WardenTeam/WardenDNS/internal/dnsserver"
	"github.com/WardenTeam/WardenDNS/internal/dnssec"
	"github.com/miekg/dns"
)

// fetcherUDPSize is the advertised EDNS0 buffer size of key-fetch queries.
const fetcherUDPSize = 1232

// handlerFetcher is a [dnssec.Fetcher] that resolves DNSKEY and DS RRsets
// through a [dnsserver.Handler], normally the raw forwarding handler.  The
// validator verifies the fetched material itself, so the handler does not
// need to be validation-wrapped.
type handlerFetcher struct {
	handler dnsserver.Handler
}

// NewHandlerFetcher returns a [dnssec.Fetcher] that queries h.  h must not be
// nil.
func NewHandlerFetcher(h dnsserver.Handler) (f dnssec.Fetcher) {
	return &handlerFetcher{
		handler: h,
	}
}

// type check
var _ dnssec.Fetcher = (*handlerFetcher)(nil)

// Lookup implements the [dnssec.Fetcher] interface for *handlerFetcher.
func (f *handlerFetcher) Lookup(
	ctx context.Context,
	name string,
	qtype dnsmsg.RRType,
) (rrs []dns.RR, err error) {
	req := (&dns.Msg{}).SetQuestion(dns.Fqdn(name), qtype)
	req.RecursionDesired = true
	req.SetEdns0(fetcherUDPSize, true)

	rw := dnsserver.NewNonWriterResponseWriter(nil, nil)
	err = f.handler.ServeDNS(ctx, rw, req)
	if err != nil {
		return nil, fmt.Errorf("dnssvc: fetching %s %s: %w", name, dns.TypeToString[qtype], err)
	}

	resp := rw.Msg()
	if resp == nil || resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dnssvc: fetching %s %s: no answer", name, dns.TypeToString[qtype])
	}

	return resp.Answer, nil
}
