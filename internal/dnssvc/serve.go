package dnssvc

import (
	"context"
	"net"
	"net/netip"

	"github.com/WardenTeam/WardenDNS/internal/dnsserver"
	"github.com/WardenTeam/WardenDNS/internal/errcoll"
	"github.com/WardenTeam/WardenDNS/internal/filter"
	"github.com/miekg/dns"
)

// type check
var _ dnsserver.Handler = (*Service)(nil)

// ServeDNS implements the [dnsserver.Handler] interface for *Service.  It
// resolves a single query through the pipeline: authoritative zones, local
// overrides, filtering, and finally the upstream leg.
func (svc *Service) ServeDNS(
	ctx context.Context,
	rw dnsserver.ResponseWriter,
	req *dns.Msg,
) (err error) {
	state := stateFromContext(ctx)
	state.visited = true

	if len(req.Question) != 1 {
		return rw.WriteMsg(ctx, req, svc.messages.NewMsgFORMERR(req))
	}

	if req.Opcode != dns.OpcodeQuery {
		return rw.WriteMsg(ctx, req, svc.messages.NewMsgNOTIMP(req))
	}

	q := req.Question[0]
	cliIP := clientAddr(rw.RemoteAddr())

	// Authoritative data wins over everything and is never cached.
	if z, ok := svc.zones.Match(q.Name); ok {
		return rw.WriteMsg(ctx, req, z.Answer(req))
	}

	if rrs, ok := svc.filter.Override(q.Name, q.Qtype); ok {
		resp := svc.messages.NewResp(req)
		resp.Authoritative = true
		resp.Answer = rrs

		return rw.WriteMsg(ctx, req, resp)
	}

	res := svc.filter.FilterRequest(ctx, cliIP, q.Name, q.Qtype)
	if blocked, ok := res.(*filter.ResultBlocked); ok {
		return svc.writeBlocked(ctx, rw, req, state, blocked)
	}

	h := svc.upstreamLeg
	if addr, hasUps := svc.filter.ClientUpstream(cliIP); hasUps {
		h, err = svc.clientHandler(addr)
		if err != nil {
			errcoll.Collect(ctx, svc.errColl, svc.logger, "building client upstream", err)

			return rw.WriteMsg(ctx, req, svc.messages.NewMsgSERVFAIL(req))
		}
	}

	if h == nil {
		// Nothing left that could answer the query.
		return rw.WriteMsg(ctx, req, svc.messages.NewMsgREFUSED(req))
	}

	err = h.ServeDNS(ctx, rw, req)
	if err != nil {
		errcoll.Collect(ctx, svc.errColl, svc.logger, "resolving "+q.Name, err)

		return rw.WriteMsg(ctx, req, svc.messages.NewMsgSERVFAIL(req))
	}

	return nil
}

// writeBlocked synthesizes and writes the blocked response for req.
func (svc *Service) writeBlocked(
	ctx context.Context,
	rw dnsserver.ResponseWriter,
	req *dns.Msg,
	state *queryState,
	blocked *filter.ResultBlocked,
) (err error) {
	state.blocked = true
	state.blockReason = string(blocked.List)

	resp, err := svc.messages.NewBlockedResp(req, nil)
	if err != nil {
		errcoll.Collect(ctx, svc.errColl, svc.logger, "synthesizing blocked response", err)

		return rw.WriteMsg(ctx, req, svc.messages.NewMsgSERVFAIL(req))
	}

	return rw.WriteMsg(ctx, req, resp)
}

// clientAddr returns the IP address of the client behind addr, unmapping
// 4-in-6 addresses.  It returns a zero value when addr carries no IP.
func clientAddr(addr net.Addr) (ip netip.Addr) {
	ap, ok := addr.(interface{ AddrPort() (a netip.AddrPort) })
	if !ok {
		return netip.Addr{}
	}

	ip = ap.AddrPort().Addr()
	if ip.Is4In6() {
		ip = netip.AddrFrom4(ip.As4())
	}

	return ip
}
