package xfer

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/WardenTeam/WardenDNS/internal/zone"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/miekg/dns"
)

// maxIXFRChanges is the largest change-group count served incrementally.
// Longer histories fall back to a full transfer.
const maxIXFRChanges = 1000

// maxEnvelopeRRs is the record count after which a transfer message is
// flushed to the peer.
const maxEnvelopeRRs = 500

// reqTimeout is the time budget of a single maintenance request.
const reqTimeout = 5 * time.Second

// HandlerConfig is the configuration of the zone-maintenance handler.
type HandlerConfig struct {
	// Logger is used for logging the operation of the handler.  It must
	// not be nil.
	Logger *slog.Logger

	// Zones is the authoritative engine.  It must not be nil.
	Zones *zone.Engine

	// Keys is the TSIG keyring shared with the server.  It must not be
	// nil.
	Keys *Keyring
}

// Handler serves zone transfers, NOTIFY, and dynamic updates.  It must run
// behind a server that verifies TSIG signatures with the same keyring, see
// [NewServer].
type Handler struct {
	logger *slog.Logger
	zones  *zone.Engine
	keys   *Keyring
	replay *replayCache
}

// NewHandler returns a new zone-maintenance handler.  c must not be nil and
// must be valid.
func NewHandler(c *HandlerConfig) (h *Handler) {
	return &Handler{
		logger: c.Logger,
		zones:  c.Zones,
		keys:   c.Keys,
		replay: newReplayCache(),
	}
}

// type check
var _ dns.Handler = (*Handler)(nil)

// ServeDNS implements the [dns.Handler] interface for *Handler.
func (h *Handler) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), reqTimeout)
	defer cancel()

	if len(req.Question) != 1 {
		h.respond(w, req, dns.RcodeFormatError)

		return
	}

	switch req.Opcode {
	case dns.OpcodeQuery:
		h.serveTransfer(ctx, w, req)
	case dns.OpcodeNotify:
		h.serveNotify(ctx, w, req)
	case dns.OpcodeUpdate:
		h.serveUpdate(ctx, w, req)
	default:
		h.respond(w, req, dns.RcodeNotImplemented)
	}
}

// serveTransfer serves AXFR and IXFR queries.  An unauthenticated transfer
// drops the connection without a DNS answer.
func (h *Handler) serveTransfer(ctx context.Context, w dns.ResponseWriter, req *dns.Msg) {
	q := req.Question[0]
	if q.Qtype != dns.TypeAXFR && q.Qtype != dns.TypeIXFR {
		h.respond(w, req, dns.RcodeRefused)

		return
	}

	z, ok := h.zones.Zone(q.Name)
	if !ok {
		h.respond(w, req, dns.RcodeRefused)

		return
	}

	if _, ok = h.authTSIG(ctx, w, req, z); !ok && !z.AllowedPeer(peerAddr(w)) {
		h.logger.InfoContext(
			ctx,
			"dropping unauthenticated transfer",
			"zone", z.Name(),
			"peer", w.RemoteAddr(),
		)

		_ = w.Close()

		return
	}

	switch q.Qtype {
	case dns.TypeAXFR:
		h.serveAXFR(ctx, w, req, z)
	default:
		h.serveIXFR(ctx, w, req, z)
	}
}

// serveAXFR streams the whole zone.
func (h *Handler) serveAXFR(ctx context.Context, w dns.ResponseWriter, req *dns.Msg, z *zone.Zone) {
	rrs := z.AllRecords()
	rrs = append(rrs, z.SOA())

	h.logger.InfoContext(ctx, "axfr", "zone", z.Name(), "rrs", len(rrs), "peer", w.RemoteAddr())

	h.stream(ctx, w, req, rrs)
}

// serveIXFR streams the changes since the serial the client reports in the
// authority section, or falls back to a full transfer when the history
// cannot serve the request.
func (h *Handler) serveIXFR(ctx context.Context, w dns.ResponseWriter, req *dns.Msg, z *zone.Zone) {
	soa := z.SOA()

	clientSerial, ok := ixfrClientSerial(req)
	if ok && !serialLess(clientSerial, soa.Serial) {
		// The client is current.
		resp := (&dns.Msg{}).SetReply(req)
		resp.Authoritative = true
		resp.Answer = []dns.RR{soaWithSerial(soa, soa.Serial), soaWithSerial(soa, soa.Serial)}

		h.writeMsg(ctx, w, req, resp)

		return
	}

	var changes []*zone.Change
	if ok {
		changes, ok = z.ChangesSince(clientSerial)
	}

	if !ok || len(changes) > maxIXFRChanges {
		h.serveAXFR(ctx, w, req, z)

		return
	}

	h.logger.InfoContext(
		ctx,
		"ixfr",
		"zone", z.Name(),
		"from", clientSerial,
		"to", soa.Serial,
		"changes", len(changes),
	)

	h.stream(ctx, w, req, ixfrRRs(soa, changes))
}

// serveNotify acknowledges NOTIFY messages for known zones.  The engine is
// primary-only, so no transfer is scheduled.
func (h *Handler) serveNotify(ctx context.Context, w dns.ResponseWriter, req *dns.Msg) {
	q := req.Question[0]

	rcode := dns.RcodeRefused
	if _, ok := h.zones.Zone(q.Name); ok {
		rcode = dns.RcodeSuccess
	}

	h.logger.DebugContext(ctx, "notify", "zone", q.Name, "rcode", rcode)

	h.respond(w, req, rcode)
}

// serveUpdate serves RFC 2136 dynamic updates.  A valid TSIG is mandatory;
// the transfer ACL alone does not authorise updates.
func (h *Handler) serveUpdate(ctx context.Context, w dns.ResponseWriter, req *dns.Msg) {
	q := req.Question[0]

	z, ok := h.zones.Zone(q.Name)
	if !ok {
		h.respond(w, req, dns.RcodeNotZone)

		return
	}

	if _, ok = h.authTSIG(ctx, w, req, z); !ok {
		h.respond(w, req, dns.RcodeNotAuth)

		return
	}

	h.respond(w, req, z.ApplyUpdate(ctx, req))
}

// authTSIG reports whether req carries a TSIG signature that the server
// verified, belongs to a key the zone accepts, and has not been replayed.
func (h *Handler) authTSIG(
	ctx context.Context,
	w dns.ResponseWriter,
	req *dns.Msg,
	z *zone.Zone,
) (keyName string, ok bool) {
	tsig := req.IsTsig()
	if tsig == nil {
		return "", false
	}

	if err := w.TsigStatus(); err != nil {
		h.logger.InfoContext(ctx, "tsig verification failed", slogutil.KeyError, err)

		return "", false
	}

	keyName = tsig.Hdr.Name
	if !z.HasTSIGKey(keyName) || !h.keys.Has(keyName) {
		h.logger.InfoContext(ctx, "tsig key not accepted", "zone", z.Name(), "key", keyName)

		return "", false
	}

	if h.replay.seen(keyName, tsig.MAC) {
		h.logger.WarnContext(ctx, "tsig replay", "key", keyName)

		return "", false
	}

	return keyName, true
}

// stream writes rrs to the peer as a sequence of transfer messages.  The
// server signs the messages when the request carried a valid TSIG.
func (h *Handler) stream(ctx context.Context, w dns.ResponseWriter, req *dns.Msg, rrs []dns.RR) {
	ch := make(chan *dns.Envelope)
	tr := &dns.Transfer{}

	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()

		err := tr.Out(w, req, ch)
		if err != nil {
			h.logger.WarnContext(ctx, "writing transfer", slogutil.KeyError, err)
		}
	}()

	for len(rrs) > 0 {
		n := min(len(rrs), maxEnvelopeRRs)
		ch <- &dns.Envelope{RR: rrs[:n]}
		rrs = rrs[n:]
	}

	close(ch)
	wg.Wait()

	_ = w.Close()
}

// respond answers req with an empty message carrying rcode, signed when the
// request carried a valid TSIG.
func (h *Handler) respond(w dns.ResponseWriter, req *dns.Msg, rcode int) {
	resp := (&dns.Msg{}).SetRcode(req, rcode)

	h.writeMsg(context.Background(), w, req, resp)
}

// writeMsg writes resp, attaching a TSIG RR when the request was signed
// and verified so that the server signs the response with the same key.
func (h *Handler) writeMsg(ctx context.Context, w dns.ResponseWriter, req *dns.Msg, resp *dns.Msg) {
	if tsig := req.IsTsig(); tsig != nil && w.TsigStatus() == nil && h.keys.Has(tsig.Hdr.Name) {
		resp.SetTsig(tsig.Hdr.Name, tsig.Algorithm, tsigFudge, time.Now().Unix())
	}

	err := w.WriteMsg(resp)
	if err != nil {
		h.logger.WarnContext(ctx, "writing response", slogutil.KeyError, err)
	}
}

// peerAddr returns the IP address of the peer, or the zero [netip.Addr] if
// it cannot be determined.
func peerAddr(w dns.ResponseWriter) (ip netip.Addr) {
	switch addr := w.RemoteAddr().(type) {
	case *net.TCPAddr:
		return addr.AddrPort().Addr().Unmap()
	case *net.UDPAddr:
		return addr.AddrPort().Addr().Unmap()
	default:
		ap, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.Addr{}
		}

		return ap.Addr().Unmap()
	}
}
