package dnssvc

import (
	"context"
	"net"
	"net/netip"

	"github.com/WardenTeam/WardenDNS/internal/dnsserver"
	"github.com/miekg/dns"
)

// ExchangeResult is the result of a direct pipeline exchange.
type ExchangeResult struct {
	// Resp is the response that would have been sent to the client.
	Resp *dns.Msg

	// Upstream is the upstream that produced the response, if any.
	Upstream string

	// BlockReason names the tier that blocked the query, if it was blocked.
	BlockReason string

	// Blocked is true when a filter tier blocked the query.
	Blocked bool

	// Cached is true when the response came from the cache.
	Cached bool
}

// Exchange resolves req through the pipeline without a network listener,
// bypassing the rate limiter and the query log.  cliIP identifies the client
// for the per-client policies; a zero value means no client.
func (svc *Service) Exchange(
	ctx context.Context,
	req *dns.Msg,
	cliIP netip.Addr,
) (res *ExchangeResult, err error) {
	ctx, cancel := context.WithTimeout(ctx, svc.timeout)
	defer cancel()

	state := &queryState{}
	ctx = context.WithValue(ctx, ctxKeyQueryState, state)

	ri := &dnsserver.ResolutionInfo{}
	ctx = dnsserver.ContextWithResolutionInfo(ctx, ri)

	if !cliIP.IsValid() {
		cliIP = netip.AddrFrom4([4]byte{127, 0, 0, 1})
	}

	addr := &net.UDPAddr{IP: cliIP.AsSlice(), Port: 1}
	nrw := dnsserver.NewNonWriterResponseWriter(addr, addr)

	err = svc.ServeDNS(ctx, nrw, req)
	if err != nil {
		return nil, err
	}

	return &ExchangeResult{
		Resp:        nrw.Msg(),
		Upstream:    ri.Upstream,
		BlockReason: state.blockReason,
		Blocked:     state.blocked,
		Cached:      ri.Cached,
	}, nil
}
