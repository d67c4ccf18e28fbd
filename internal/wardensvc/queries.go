package wardensvc

import (
	"context"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/WardenTeam/WardenDNS/internal/dnsmsg"
	"github.com/WardenTeam/WardenDNS/internal/dnssvc"
	"github.com/WardenTeam/WardenDNS/internal/querylog"
	"github.com/WardenTeam/WardenDNS/internal/storage"
	"github.com/miekg/dns"
)

// testQueryUDPSize is the advertised EDNS0 buffer size for test queries.
const testQueryUDPSize = 1232

// ListQueries returns stored query log entries matching f, newest first.
func (svc *Service) ListQueries(
	ctx context.Context,
	f *storage.QueryFilter,
) (entries []*querylog.Entry, err error) {
	return svc.store.Queries(ctx, f)
}

// PruneQueries removes stored entries older than cutoff and returns the
// number of removed rows.
func (svc *Service) PruneQueries(ctx context.Context, cutoff time.Time) (n int64, err error) {
	return svc.store.PruneQueries(ctx, cutoff)
}

// SubscribeQueries subscribes to the live query stream.  cancel must be
// called once the subscriber is done.
func (svc *Service) SubscribeQueries() (ch <-chan *querylog.Entry, cancel func()) {
	return svc.stream.Subscribe()
}

// Stats returns a snapshot of the running query counters.
func (svc *Service) Stats() (snap *querylog.StatsSnapshot) {
	return svc.stats.Snapshot()
}

// TestQuery runs domain through the resolving pipeline synchronously and
// returns the structured result.  The query is neither rate limited nor
// logged.  If dnssecOK is true, the query advertises EDNS0 with the DO bit.
func (svc *Service) TestQuery(
	ctx context.Context,
	domain string,
	qtype dnsmsg.RRType,
	dnssecOK bool,
) (res *dnssvc.ExchangeResult, err error) {
	defer func() { err = errors.Annotate(err, "test query for %q: %w", domain) }()

	req := (&dns.Msg{}).SetQuestion(dns.Fqdn(domain), qtype)
	req.RecursionDesired = true
	if dnssecOK {
		req.SetEdns0(testQueryUDPSize, true)
	}

	return svc.dns.Exchange(ctx, req, netip.Addr{})
}
