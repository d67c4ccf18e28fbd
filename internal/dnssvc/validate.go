package dnssvc

import (
	"context"

	"github.com/WardenTeam/WardenDNS/internal/dnsserver"
	"github.com/WardenTeam/WardenDNS/internal/dnssec"
	"github.com/miekg/dns"
)

// wrapValidate wraps h with DNSSEC validation of its responses.  Bogus
// responses are replaced with SERVFAIL, secure ones get the AD bit.  Queries
// with the CD bit set pass through unvalidated, as do all queries when
// validation is disabled.
func (svc *Service) wrapValidate(h dnsserver.Handler) (wrapped dnsserver.Handler) {
	if svc.validator == nil {
		return h
	}

	f := func(ctx context.Context, rw dnsserver.ResponseWriter, req *dns.Msg) (err error) {
		if req.CheckingDisabled {
			return h.ServeDNS(ctx, rw, req)
		}

		nrw := dnsserver.NewNonWriterResponseWriter(rw.LocalAddr(), rw.RemoteAddr())
		err = h.ServeDNS(ctx, nrw, req)
		if err != nil {
			return err
		}

		resp := nrw.Msg()
		if resp == nil {
			return nil
		}

		res := svc.validator.Validate(ctx, resp)
		switch res.Verdict {
		case dnssec.VerdictSecure:
			resp.AuthenticatedData = true
		case dnssec.VerdictBogus:
			svc.logger.WarnContext(
				ctx,
				"validation failed",
				"qname", req.Question[0].Name,
				"reason", res.Reason,
			)

			resp = svc.messages.NewMsgSERVFAIL(req)
		default:
			svc.logger.DebugContext(
				ctx,
				"validation inconclusive",
				"qname", req.Question[0].Name,
				"verdict", res.Verdict,
				"reason", res.Reason,
			)

			resp.AuthenticatedData = false
		}

		return rw.WriteMsg(ctx, req, resp)
	}

	return dnsserver.HandlerFunc(f)
}
