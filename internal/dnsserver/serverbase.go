package dnsserver

import (
	"context"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/AdguardTeam/golibs/contextutil"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/osutil"
	"github.com/WardenTeam/WardenDNS/internal/dnsserver/netext"
	"github.com/miekg/dns"
)

// ConfigBase contains the necessary minimum that every [Server] needs to be
// initialized.
type ConfigBase struct {
	// BaseLogger is used to create loggers with custom prefixes for servers.
	// It must not be nil.
	BaseLogger *slog.Logger

	// Handler is a handler that processes incoming DNS messages.  If not set,
	// the default handler, which returns error response to any query, is
	// used.
	Handler Handler

	// Metrics is the object we use for collecting performance metrics.  If
	// not set, [EmptyMetricsListener] is used.
	Metrics MetricsListener

	// Disposer is used to help module users reuse parts of DNS responses.  If
	// not set, [EmptyDisposer] is used.
	Disposer Disposer

	// RequestContext constructs contexts for requests.  If not set,
	// [contextutil.EmptyConstructor] is used.
	RequestContext contextutil.Constructor

	// ListenConfig, when set, is used to set options of connections used by
	// the DNS server.  If nil, an appropriate default ListenConfig is used.
	ListenConfig netext.ListenConfig

	// Network is the network this server listens to.  If empty, the server
	// will listen to all networks that are supposed to be used by the
	// server's protocol.  Note, that it only makes sense for [ServerDNS],
	// [ServerDNSCrypt], and [ServerHTTPS].
	Network Network

	// Name is used for logging, and it may be used for perf counters
	// reporting.  It should be unique among all servers.
	Name string

	// Addr is the address the server listens to.  See [net.Dial] for the
	// documentation on the address format.
	Addr string
}

// ServerBase implements base methods that every [Server] implementation uses.
type ServerBase struct {
	// baseLogger is used as the base logger for the server and all its
	// helpers.
	baseLogger *slog.Logger

	// handler is a handler that processes incoming DNS messages.
	handler Handler

	// reqCtx constructs contexts for requests.
	reqCtx contextutil.Constructor

	// metrics is the object we use for collecting performance metrics.
	metrics MetricsListener

	// disposer is used to help module users reuse parts of DNS responses.
	disposer Disposer

	// listenConfig is used to set tcpListener and udpListener.
	listenConfig netext.ListenConfig

	// tcpListener is used to accept new TCP connections.  It is nil for
	// servers that don't use TCP.
	tcpListener net.Listener

	// udpListener is used to accept new UDP messages.  It is nil for servers
	// that don't use UDP.
	udpListener net.PacketConn

	// mu protects started, tcpListener, and udpListener.
	mu *sync.Mutex

	// activeTaskWG tracks active workers, that is listeners and queries that
	// are being processed.  Shutdown won't finish until there's at least one
	// active worker.
	activeTaskWG *sync.WaitGroup

	// name is used for logging, and it may be used for perf counters
	// reporting.
	name string

	// addr is the address the server listens to.
	addr string

	// network is the network to listen to.  It only makes sense for the
	// following protocols: [ProtoDNS], [ProtoDNSCrypt], [ProtoDoH].
	network Network

	// proto is the server protocol.
	proto Protocol

	// started shows if the server has already been started.
	started bool
}

// newServerBase creates a new instance of ServerBase and initializes some of
// its internal properties.  conf must not be nil.
func newServerBase(proto Protocol, conf *ConfigBase) (s *ServerBase) {
	s = &ServerBase{
		baseLogger:   conf.BaseLogger.With(slogutil.KeyPrefix, conf.Name),
		handler:      conf.Handler,
		reqCtx:       conf.RequestContext,
		metrics:      conf.Metrics,
		disposer:     conf.Disposer,
		listenConfig: conf.ListenConfig,
		mu:           &sync.Mutex{},
		activeTaskWG: &sync.WaitGroup{},
		name:         conf.Name,
		addr:         conf.Addr,
		network:      conf.Network,
		proto:        proto,
	}

	if s.reqCtx == nil {
		s.reqCtx = contextutil.EmptyConstructor{}
	}

	if s.metrics == nil {
		s.metrics = EmptyMetricsListener{}
	}

	if s.disposer == nil {
		s.disposer = EmptyDisposer{}
	}

	if s.handler == nil {
		s.handler = notImplementedHandlerFunc
	}

	return s
}

// Name implements the [Server] interface for *ServerBase.
func (s *ServerBase) Name() (name string) {
	return s.name
}

// Proto implements the [Server] interface for *ServerBase.
func (s *ServerBase) Proto() (proto Protocol) {
	return s.proto
}

// Network implements the [Server] interface for *ServerBase.
func (s *ServerBase) Network() (network Network) {
	return s.network
}

// Addr implements the [Server] interface for *ServerBase.
func (s *ServerBase) Addr() (addr string) {
	return s.addr
}

// LocalTCPAddr implements the [Server] interface for *ServerBase.
func (s *ServerBase) LocalTCPAddr() (addr net.Addr) {
	if s.tcpListener != nil {
		return s.tcpListener.Addr()
	}

	return nil
}

// LocalUDPAddr implements the [Server] interface for *ServerBase.
func (s *ServerBase) LocalUDPAddr() (addr net.Addr) {
	if s.udpListener != nil {
		return s.udpListener.LocalAddr()
	}

	return nil
}

// serverInfo returns the server information for attaching to contexts.
func (s *ServerBase) serverInfo() (si *ServerInfo) {
	return &ServerInfo{
		Name:  s.name,
		Addr:  s.addr,
		Proto: s.proto,
	}
}

// requestContext returns a context for one request derived from parent and
// adds server information to it.
func (s *ServerBase) requestContext(
	parent context.Context,
) (ctx context.Context, cancel context.CancelFunc) {
	ctx, cancel = s.reqCtx.New(parent)
	ctx = ContextWithServerInfo(ctx, s.serverInfo())

	return ctx, cancel
}

// serveDNS processes the incoming DNS query and writes the response to the
// specified ResponseWriter.  written is false if no response was written.
func (s *ServerBase) serveDNS(ctx context.Context, buf []byte, rw ResponseWriter) (written bool) {
	req := &dns.Msg{}
	if err := req.Unpack(buf); err != nil {
		// Ignore the incoming message and let the connection hang as it may
		// be used to amplify.
		s.metrics.OnInvalidMsg(ctx)

		return false
	}

	return s.serveDNSMsg(ctx, req, rw)
}

// serveDNSMsg processes the incoming DNS query and writes the response to the
// specified ResponseWriter.  written is false if no response was written.
func (s *ServerBase) serveDNSMsg(
	ctx context.Context,
	req *dns.Msg,
	rw ResponseWriter,
) (written bool) {
	s.baseLogger.DebugContext(ctx, "started processing", "req_id", req.Id)

	recW := NewRecorderResponseWriter(rw)
	s.serveDNSMsgInternal(ctx, req, recW)

	resp := recW.Resp
	written = resp != nil

	var respLen int
	if written {
		// TODO: Use the real number of bytes written by
		// [ResponseWriter] to the socket.
		respLen = resp.Len()
	}

	s.metrics.OnRequest(ctx, &QueryInfo{
		Request:      req,
		Response:     resp,
		RequestSize:  req.Len(),
		ResponseSize: respLen,
	}, rw)

	s.baseLogger.DebugContext(ctx, "finished processing", "req_id", req.Id)

	s.dispose(rw, resp)

	return written
}

// dispose is a helper for disposing a DNS response right after writing it to
// a connection.  Disposal of a response is only safe assuming that there is
// no further processing up the stack.  Currently, this is only true for plain
// DNS and DoT at this point in the code.
func (s *ServerBase) dispose(rw ResponseWriter, resp *dns.Msg) {
	switch rw.(type) {
	case
		*tcpResponseWriter,
		*udpResponseWriter:
		s.disposer.Dispose(resp)
	default:
		// Go on.
	}
}

// serveDNSMsgInternal serves the DNS request and uses recorder as a
// ResponseWriter.  This method is supposed to be called from serveDNSMsg, the
// recorded response is used for counting metrics.
func (s *ServerBase) serveDNSMsgInternal(
	ctx context.Context,
	req *dns.Msg,
	rw *RecorderResponseWriter,
) {
	var resp *dns.Msg

	// Check if we can accept this message.
	switch action := s.acceptMsg(req); action {
	case dns.MsgReject:
		resp = genErrorResponse(req, dns.RcodeFormatError)
	case dns.MsgRejectNotImplemented:
		resp = genErrorResponse(req, dns.RcodeNotImplemented)
	case dns.MsgIgnore:
		s.metrics.OnInvalidMsg(ctx)

		return
	}

	// If resp is not empty at this stage, the request is invalid, and we
	// should simply exit here.
	if resp != nil {
		err := rw.WriteMsg(ctx, req, resp)
		if err != nil {
			s.baseLogger.DebugContext(
				ctx,
				"writing rejection response",
				"req_id", req.Id,
				slogutil.KeyError, err,
			)
		}

		return
	}

	err := s.handler.ServeDNS(ctx, rw, req)
	if err != nil {
		s.baseLogger.DebugContext(
			ctx,
			"handler returned an error",
			"req_id", req.Id,
			slogutil.KeyError, err,
		)

		s.metrics.OnError(ctx, err)

		resp = genErrorResponse(req, dns.RcodeServerFailure)
		err = rw.WriteMsg(ctx, req, resp)
		if err != nil {
			s.baseLogger.DebugContext(
				ctx,
				"writing servfail response",
				"req_id", req.Id,
				slogutil.KeyError, err,
			)
		}
	}
}

// acceptMsg checks if the incoming DNS message should be processed.  Queries,
// zone transfers, notifies, and dynamic updates are accepted, anything else
// is rejected.
func (s *ServerBase) acceptMsg(m *dns.Msg) (action dns.MsgAcceptAction) {
	if m.Response {
		return dns.MsgIgnore
	}

	switch m.Opcode {
	case dns.OpcodeQuery, dns.OpcodeNotify:
		// Go on.
	case dns.OpcodeUpdate:
		// Dynamic updates carry prerequisite and update RRs in the sections
		// that are limited for plain queries, so only the zone section is
		// validated here.  See RFC 2136, Section 2.
		if len(m.Question) != 1 {
			return dns.MsgReject
		}

		return dns.MsgAccept
	default:
		return dns.MsgRejectNotImplemented
	}

	// There can only be one question in a request, unless DNS Cookies are
	// involved.
	if len(m.Question) != 1 {
		return dns.MsgReject
	}

	// NOTIFY requests can have a SOA in the answer section.  See RFC 1996,
	// Sections 3.7 and 3.11.
	if len(m.Answer) > 1 {
		return dns.MsgReject
	}

	// IXFR requests have one SOA RR in the authority section.  See RFC 1995,
	// Section 3.
	if len(m.Ns) > 1 {
		return dns.MsgReject
	}

	return dns.MsgAccept
}

// handlePanicAndExit writes panic info to log, reports it to the registered
// MetricsListener and calls os.Exit with a failure exit code.
func (s *ServerBase) handlePanicAndExit(ctx context.Context) {
	v := recover()
	if v == nil {
		return
	}

	s.metrics.OnPanic(ctx, v)

	s.baseLogger.ErrorContext(ctx, "listener panic", slogutil.KeyError, v)
	slogutil.PrintStack(ctx, s.baseLogger, slog.LevelError)

	os.Exit(osutil.ExitCodeFailure)
}

// handlePanicAndRecover writes panic info to log and reports it to the
// registered MetricsListener.
func (s *ServerBase) handlePanicAndRecover(ctx context.Context) {
	v := recover()
	if v == nil {
		return
	}

	s.metrics.OnPanic(ctx, v)

	s.baseLogger.ErrorContext(ctx, "request panic", slogutil.KeyError, v)
	slogutil.PrintStack(ctx, s.baseLogger, slog.LevelError)
}

// listenUDP initializes and starts s.udpListener using s.addr.  If the TCP
// listener is already running, its address is used instead to properly handle
// the case when port 0 is used as both listeners should use the same port,
// and we only learn it after the first one was started.
func (s *ServerBase) listenUDP(ctx context.Context) (err error) {
	addr := s.addr
	if s.tcpListener != nil {
		addr = s.tcpListener.Addr().String()
	}

	conn, err := s.listenConfig.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return err
	}

	s.udpListener = conn

	return nil
}

// listenTCP initializes and starts s.tcpListener using s.addr.  If the UDP
// listener is already running, its address is used instead to properly handle
// the case when port 0 is used as both listeners should use the same port,
// and we only learn it after the first one was started.
func (s *ServerBase) listenTCP(ctx context.Context) (err error) {
	addr := s.addr
	if s.udpListener != nil {
		addr = s.udpListener.LocalAddr().String()
	}

	l, err := s.listenConfig.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	s.tcpListener = l

	return nil
}

// closeListeners stops UDP and TCP listeners.
func (s *ServerBase) closeListeners(ctx context.Context) {
	if s.udpListener != nil {
		err := s.udpListener.Close()
		if err != nil {
			s.baseLogger.WarnContext(ctx, "closing udp listener", slogutil.KeyError, err)
		}
	}

	if s.tcpListener != nil {
		err := s.tcpListener.Close()
		if err != nil {
			s.baseLogger.WarnContext(ctx, "closing tcp listener", slogutil.KeyError, err)
		}
	}
}

// waitShutdown waits either until context deadline or until all active
// workers have finished.
func (s *ServerBase) waitShutdown(ctx context.Context) (err error) {
	// Using this channel to wait until all goroutines finish their work.
	closed := make(chan struct{})
	go func() {
		defer slogutil.RecoverAndLog(ctx, s.baseLogger)

		// Wait until all queries are processed.
		s.activeTaskWG.Wait()
		close(closed)
	}()

	var ctxErr error
	select {
	case <-closed:
		// Do nothing here.
	case <-ctx.Done():
		ctxErr = ctx.Err()
	}

	return ctxErr
}

// isStarted returns true if the server is started.
func (s *ServerBase) isStarted() (started bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.started
}
