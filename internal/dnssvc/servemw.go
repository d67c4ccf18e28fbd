package dnssvc

import (
	"context"
	"fmt"
	"time"

	"github.com/WardenTeam/WardenDNS/internal/dnsmsg"
	"github.com/WardenTeam/WardenDNS/internal/dnsserver"
	"github.com/WardenTeam/WardenDNS/internal/errcoll"
	"github.com/WardenTeam/WardenDNS/internal/querylog"
	"github.com/miekg/dns"
)

// blockReasonRatelimit is the block reason recorded for queries refused by
// the rate limiter.
const blockReasonRatelimit = "ratelimit"

// ctxKey is the type of context keys of this package.
type ctxKey int

// ctxKeyQueryState is the context key for *queryState.
const ctxKeyQueryState ctxKey = 0

// queryState carries per-query facts between the pipeline stages and the
// logging layer.
type queryState struct {
	// blockReason names the tier that blocked the query.
	blockReason string

	// blocked is true when the query was refused or sinkholed by a filter
	// tier.
	blocked bool

	// visited is true once the resolving pipeline has seen the query.  A
	// refused response without this flag came from the rate limiter.
	visited bool
}

// stateFromContext returns the queryState attached to ctx, or a throwaway
// one so that the pipeline never has to check for its presence.
func stateFromContext(ctx context.Context) (state *queryState) {
	state, ok := ctx.Value(ctxKeyQueryState).(*queryState)
	if !ok {
		return &queryState{}
	}

	return state
}

// wrapServe wraps the whole handler chain with the outer serving layer: the
// per-query deadline, panic isolation, and query logging.
func (svc *Service) wrapServe(h dnsserver.Handler) (wrapped dnsserver.Handler) {
	f := func(ctx context.Context, rw dnsserver.ResponseWriter, req *dns.Msg) (err error) {
		ctx, cancel := context.WithTimeout(ctx, svc.timeout)
		defer cancel()

		state := &queryState{}
		ctx = context.WithValue(ctx, ctxKeyQueryState, state)

		ri := &dnsserver.ResolutionInfo{}
		ctx = dnsserver.ContextWithResolutionInfo(ctx, ri)

		start := time.Now()
		if reqInfo, ok := dnsserver.RequestInfoFromContext(ctx); ok {
			start = reqInfo.StartTime
		}

		rec := dnsserver.NewRecorderResponseWriter(rw)
		err = svc.serveWithRecovery(ctx, h, rec, req)

		svc.logQuery(ctx, rec.Resp, req, rw, state, ri, start)

		return err
	}

	return dnsserver.HandlerFunc(f)
}

// serveWithRecovery calls the inner chain, turning panics into SERVFAIL
// responses so that one bad query cannot take the listener down.
func (svc *Service) serveWithRecovery(
	ctx context.Context,
	h dnsserver.Handler,
	rw dnsserver.ResponseWriter,
	req *dns.Msg,
) (err error) {
	defer func() {
		v := recover()
		if v == nil {
			return
		}

		errcoll.Collect(
			ctx,
			svc.errColl,
			svc.logger,
			"panic serving query",
			fmt.Errorf("recovered: %v", v),
		)

		err = rw.WriteMsg(ctx, req, svc.messages.NewMsgSERVFAIL(req))
	}()

	return h.ServeDNS(ctx, rw, req)
}

// logQuery writes the query log entry for a handled request.
func (svc *Service) logQuery(
	ctx context.Context,
	resp *dns.Msg,
	req *dns.Msg,
	rw dnsserver.ResponseWriter,
	state *queryState,
	ri *dnsserver.ResolutionInfo,
	start time.Time,
) {
	e := &querylog.Entry{
		Time:        start,
		ClientIP:    clientAddr(rw.RemoteAddr()),
		Upstream:    ri.Upstream,
		BlockReason: state.blockReason,
		Elapsed:     time.Since(start),
		Blocked:     state.blocked,
		Cached:      ri.Cached,
	}

	if len(req.Question) > 0 {
		q := req.Question[0]
		e.Domain = q.Name
		e.RequestType = q.Qtype
	}

	if resp != nil {
		e.ResponseCode = dnsmsg.RCode(resp.Rcode)

		if resp.Rcode == dns.RcodeRefused && !state.visited {
			e.Blocked = true
			e.BlockReason = blockReasonRatelimit
		}
	}

	err := svc.querylog.Write(ctx, e)
	if err != nil {
		errcoll.Collect(ctx, svc.errColl, svc.logger, "writing query log", err)
	}
}
