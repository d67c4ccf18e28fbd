package dnsserver

import (
	"cmp"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/WardenTeam/WardenDNS/internal/dnsserver/netext"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/httphdr"
	"github.com/AdguardTeam/golibs/ioutil"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/AdguardTeam/golibs/netutil/urlutil"
	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
)

const (
	// MimeTypeDoH is the Content-Type of DoH wireformat requests and
	// responses.
	MimeTypeDoH = "application/dns-message"
	// MimeTypeJSON is the Content-Type of DoH JSON requests and responses.
	MimeTypeJSON = "application/x-javascript"
	// PathDoH is the default path serving DoH wireformat requests.
	PathDoH = "/dns-query"
	// PathJSON is the default path serving DoH JSON requests.
	PathJSON = "/resolve"

	httpReadTimeout  = 5 * time.Second
	httpWriteTimeout = 5 * time.Second
	httpIdleTimeout  = 120 * time.Second
)

// NextProtoDoH is the default ALPN protocol list set on the server's
// *tls.Config when none is given.  HTTP/2 comes before HTTP/1.1, so it wins
// during negotiation.
var NextProtoDoH = []string{http2.NextProtoTLS, "http/1.1"}

// NextProtoDoH3 is the default ALPN protocol list for servers that also
// speak DoH3.  As in [NextProtoDoH], HTTP/2 is preferred to HTTP/1.1.
var NextProtoDoH3 = []string{http3.NextProtoH3, http2.NextProtoTLS, "http/1.1"}

// ConfigHTTPS is the configuration for [NewServerHTTPS].  [Base.Network]
// selects the protocols: NetworkAny serves both HTTP/2 and HTTP/3,
// NetworkTCP serves HTTP/2 only, and NetworkUDP serves HTTP/3 only.
type ConfigHTTPS struct {
	// TLSConfDefault is the TLS configuration for HTTPS.  If nil and
	// [Base.Network] is NetworkTCP, the server falls back to plain HTTP.
	// When set, its NextProtos must be [NextProtoDoH].
	TLSConfDefault *tls.Config

	// TLSConfH3 is the TLS configuration for DoH3.  When set, its NextProtos
	// must be [NextProtoDoH3].
	TLSConfH3 *tls.Config

	// NonDNSHandler serves requests whose path is not the DoH path.  If nil,
	// such requests get a 404.
	NonDNSHandler http.Handler

	// Base is the base configuration for this server.  It must not be nil and
	// must be valid.
	Base *ConfigBase

	// Path is the path at which DoH wireformat requests are accepted.  If
	// empty, [PathDoH] is used.
	Path string

	// MaxStreamsPerPeer is the maximum number of concurrent streams that a peer
	// is allowed to open.  If not set, 100 is used.
	MaxStreamsPerPeer int

	// QUICLimitsEnabled, if true, enables QUIC limiting.
	QUICLimitsEnabled bool
}

// ServerHTTPS is a DoH server implementation serving both DNS wireformat, at
// the configured path, and the JSON format, at "/resolve".
type ServerHTTPS struct {
	*ServerBase

	// httpServer handles HTTP/1.1 and HTTP/2 requests.
	httpServer *http.Server

	// h3Server handles HTTP/3 requests.
	h3Server *http3.Server

	// quicListener accepts the QUIC connections serving DoH3 requests.
	quicListener *quic.EarlyListener

	// quicTransport is kept so that shutdown can close it.
	quicTransport *quic.Transport

	tlsConfDefault *tls.Config
	tlsConfH3      *tls.Config

	nonDNSHandler http.Handler

	// path is the location serving DoH wireformat requests.
	path string

	maxStreamsPerPeer int

	quicLimitsEnabled bool
}

// type check
var _ Server = (*ServerHTTPS)(nil)

// NewServerHTTPS returns a new properly initialized *ServerHTTPS.  c must
// not be nil and must be valid.
func NewServerHTTPS(c *ConfigHTTPS) (s *ServerHTTPS) {
	// Do not enable OOB here, because ListenPacket is only used by HTTP/3, and
	// quic-go sets the necessary flags.
	c.Base.ListenConfig = cmp.Or(c.Base.ListenConfig, netext.DefaultListenConfig(nil))

	return &ServerHTTPS{
		ServerBase:     newServerBase(ProtoDoH, c.Base),
		tlsConfDefault: c.TLSConfDefault,
		tlsConfH3:      c.TLSConfH3,
		nonDNSHandler:  c.NonDNSHandler,
		path:           cmp.Or(c.Path, PathDoH),
		// NOTE:  100 is the current default in package quic, but set it
		// explicitly in case that changes in the future.
		maxStreamsPerPeer: cmp.Or(c.MaxStreamsPerPeer, 100),
		quicLimitsEnabled: c.QUICLimitsEnabled,
	}
}

// Start implements the dnsserver.Server interface for *ServerHTTPS.
func (s *ServerHTTPS) Start(ctx context.Context) (err error) {
	defer func() { err = errors.Annotate(err, "starting doh server: %w") }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrServerAlreadyStarted
	}

	s.baseLogger.InfoContext(ctx, "starting server")

	ctx = ContextWithServerInfo(ctx, &ServerInfo{
		Name:  s.name,
		Addr:  s.addr,
		Proto: s.proto,
	})

	if s.proto != ProtoDoH {
		return ErrInvalidArgument
	}

	if s.network.CanTCP() {
		err = s.startHTTPSServer(ctx)
		if err != nil {
			return err
		}
	}

	if s.network.CanUDP() {
		err = s.startH3Server(ctx)
		if err != nil {
			return err
		}
	}

	s.started = true

	s.baseLogger.InfoContext(ctx, "server has been started")

	return nil
}

// Shutdown implements the dnsserver.Server interface for *ServerHTTPS.
func (s *ServerHTTPS) Shutdown(ctx context.Context) (err error) {
	defer func() { err = errors.Annotate(err, "shutting down doh server: %w") }()

	s.baseLogger.InfoContext(ctx, "shutting down server")

	err = s.shutdown(ctx)
	if err != nil {
		s.baseLogger.WarnContext(ctx, "error while shutting down", slogutil.KeyError, err)

		return err
	}

	err = s.waitShutdown(ctx)

	s.baseLogger.InfoContext(ctx, "server has been shut down")

	return err
}

// startHTTPSServer starts the listener and worker goroutine serving HTTP/1.1
// and HTTP/2.
func (s *ServerHTTPS) startHTTPSServer(ctx context.Context) (err error) {
	err = s.listenTLS(ctx)
	if err != nil {
		return err
	}

	handler := &httpHandler{
		srv:       s,
		localAddr: s.tcpListener.Addr(),
	}

	s.httpServer = &http.Server{
		Handler:           handler,
		ReadTimeout:       httpReadTimeout,
		ReadHeaderTimeout: httpReadTimeout,
		WriteTimeout:      httpWriteTimeout,
		IdleTimeout:       httpIdleTimeout,
		ErrorLog:          slog.NewLogLogger(s.baseLogger.Handler(), slog.LevelDebug),
	}

	s.activeTaskWG.Go(func() {
		s.serveHTTPS(ctx, s.httpServer, s.tcpListener)
	})

	return nil
}

// startH3Server starts the QUIC listener and worker goroutine serving
// HTTP/3.
func (s *ServerHTTPS) startH3Server(ctx context.Context) (err error) {
	err = s.listenQUIC(ctx)
	if err != nil {
		return err
	}

	handler := &httpHandler{
		srv:       s,
		localAddr: s.quicListener.Addr(),
	}

	s.h3Server = &http3.Server{
		Handler: handler,
	}

	s.activeTaskWG.Go(func() {
		s.serveH3(ctx, s.h3Server, s.quicListener)
	})

	return nil
}

// shutdown marks the server as stopped and closes active listeners.
func (s *ServerHTTPS) shutdown(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return ErrServerNotStarted
	}

	s.started = false

	// Close the TCP listener right away.  The UDP one, if any, is closed
	// together with the QUIC listener below.
	if s.tcpListener != nil {
		err = s.tcpListener.Close()
		if err != nil {
			s.baseLogger.WarnContext(ctx, "closing tcp listener", slogutil.KeyError, err)
		}
	}

	// Shut down the HTTP server.
	err = s.httpServer.Shutdown(ctx)
	if err != nil {
		s.baseLogger.WarnContext(ctx, "shutting down http server", slogutil.KeyError, err)
	}

	// Shut down the HTTP/3 server, if any.
	s.shutdownH3(ctx)

	return nil
}

// shutdownH3 shuts down the HTTP/3 server, if enabled, and logs all errors.
func (s *ServerHTTPS) shutdownH3(ctx context.Context) {
	if s.h3Server == nil {
		return
	}

	err := s.quicListener.Close()
	if err != nil {
		s.baseLogger.WarnContext(ctx, "closing quic listener", slogutil.KeyError, err)
	}

	err = s.quicTransport.Close()
	if err != nil {
		s.baseLogger.WarnContext(ctx, "closing quic transport", slogutil.KeyError, err)
	}

	err = s.h3Server.Close()
	if err != nil {
		s.baseLogger.WarnContext(ctx, "shutting down http/3 server", slogutil.KeyError, err)
	}
}

// serveHTTPS runs in a worker goroutine and serves HTTP/1.1 and HTTP/2
// requests.  All arguments must not be nil.
func (s *ServerHTTPS) serveHTTPS(ctx context.Context, hs *http.Server, l net.Listener) {
	// A panic here is fatal for DoH serving, so it is not recovered.
	defer s.handlePanicAndExit(ctx)

	scheme := urlutil.SchemeHTTPS
	if s.tlsConfDefault == nil {
		scheme = urlutil.SchemeHTTP
	}

	s.baseLogger.InfoContext(ctx, "starting serving http", "scheme", scheme)

	err := hs.Serve(l)
	if err != nil {
		s.baseLogger.WarnContext(ctx, "serving http failed", "scheme", scheme, slogutil.KeyError, err)
	}
}

// serveH3 runs in a worker goroutine and serves HTTP/3 requests.  All
// arguments must not be nil.
func (s *ServerHTTPS) serveH3(ctx context.Context, hs *http3.Server, ql *quic.EarlyListener) {
	// A panic here is fatal for DoH serving, so it is not recovered.
	defer s.handlePanicAndExit(ctx)

	s.baseLogger.InfoContext(ctx, "starting serving http/3")

	err := hs.ServeListener(ql)
	if err != nil {
		s.baseLogger.WarnContext(ctx, "serving http/3 failed", slogutil.KeyError, err)
	}
}

// httpHandler implements [http.Handler] on behalf of a *ServerHTTPS bound to
// one local address.
type httpHandler struct {
	srv       *ServerHTTPS
	localAddr net.Addr
}

// type check
var _ http.Handler = (*httpHandler)(nil)

// remoteAddr returns the HTTP request's remote address.
func (h *httpHandler) remoteAddr(r *http.Request) (addr net.Addr) {
	// http.Request.RemoteAddr documents itself as a valid ip:port value, so
	// panic if it is not.
	ipStr, port, err := netutil.SplitHostPort(r.RemoteAddr)
	if err != nil {
		panic(fmt.Sprintf("failed to split host:port %s: %v", r.RemoteAddr, err))
	}

	ip, err := netutil.ParseIP(ipStr)
	if err != nil {
		panic(fmt.Sprintf("failed to parse IP %s: %v", ipStr, err))
	}

	if NetworkFromAddr(h.localAddr) == NetworkUDP {
		// The request came in over HTTP/3.
		return &net.UDPAddr{IP: ip, Port: int(port)}
	}

	return &net.TCPAddr{IP: ip, Port: int(port)}
}

// ServeHTTP implements the http.Handler interface for *httpHandler.  It
// decodes the DNS query from the request, resolves it, and writes the
// response back.
func (h *httpHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, cancel := h.srv.requestContext(ctx)
	defer cancel()

	defer h.srv.handlePanicAndRecover(ctx)

	isDNS, _, _ := isDoH(r, h.srv.path)
	if isDNS {
		h.serveDoH(ctx, w, r)

		return
	}

	if hdlr := h.srv.nonDNSHandler; hdlr != nil {
		hdlr.ServeHTTP(w, r)
	} else {
		h.srv.metrics.OnInvalidMsg(ctx)
		http.Error(w, "", http.StatusNotFound)
	}
}

// serveDoH resolves the decoded DNS query and writes the result back to the
// HTTP client.
func (h *httpHandler) serveDoH(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	m, err := httpRequestToMsg(r, h.srv.path)
	if err != nil {
		h.srv.metrics.OnInvalidMsg(ctx)
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	rAddr := h.remoteAddr(r)
	lAddr := h.localAddr
	rw := NewNonWriterResponseWriter(lAddr, rAddr)
	ctx = addRequestInfo(ctx, r)

	written := h.srv.serveDNS(ctx, m, rw)

	// No response written means an internal failure.
	if !written {
		http.Error(w, "No response", http.StatusInternalServerError)

		return
	}

	resp := rw.Msg()
	req := rw.req

	err = h.writeResponse(req, resp, r, w)
	if err != nil {
		// Make an attempt to report the failure to the client.
		http.Error(w, "Internal error", http.StatusInternalServerError)

		return
	}

	h.srv.disposer.Dispose(resp)
}

// writeResponse serializes the DNS response into the format the client asked
// for, wireformat or JSON, and writes it out.
func (h *httpHandler) writeResponse(
	req *dns.Msg,
	resp *dns.Msg,
	r *http.Request,
	w http.ResponseWriter,
) (err error) {
	normalizeTCP(ProtoDoH, req, resp)

	isDNS, _, ct := isDoH(r, h.srv.path)
	if !isDNS {
		return fmt.Errorf("invalid request path: %s", r.URL.Path)
	}

	var buf []byte
	switch ct {
	case MimeTypeDoH:
		buf, err = resp.Pack()
		w.Header().Set(httphdr.ContentType, MimeTypeDoH)
	case MimeTypeJSON:
		buf, err = dnsMsgToJSON(resp)
		w.Header().Set(httphdr.ContentType, MimeTypeJSON)
	default:
		err = fmt.Errorf("invalid content type: %q", ct)
	}
	if err != nil {
		return err
	}

	// Per RFC 8484, Section 5.1, a DoH server SHOULD assign an explicit HTTP
	// freshness lifetime so that clients keep their DNS data fresh.
	maxAge := minimalTTL(resp)
	w.Header().Set(httphdr.CacheControl, fmt.Sprintf("max-age=%f", maxAge.Seconds()))
	w.Header().Set(httphdr.ContentLength, strconv.Itoa(len(buf)))
	w.WriteHeader(http.StatusOK)

	_, err = w.Write(buf)

	return err
}

// listenTCP starts the TCP listener, wrapping it with TLS when a TLS
// configuration is present.
func (s *ServerHTTPS) listenTLS(ctx context.Context) (err error) {
	err = s.listenTCP(ctx)
	if err != nil {
		return err
	}

	tlsConf := s.tlsConfDefault
	if tlsConf == nil {
		return nil
	}

	s.tcpListener = tls.NewListener(s.tcpListener, tlsConf)

	return nil
}

// listenQUIC starts the QUIC listener backing the HTTP/3 server.
func (s *ServerHTTPS) listenQUIC(ctx context.Context) (err error) {
	tlsConf := s.tlsConfH3

	conn, err := s.listenConfig.ListenPacket(ctx, "udp", s.addr)
	if err != nil {
		return fmt.Errorf("listening udp for quic: %w", err)
	}

	v := newQUICAddrValidator(quicAddrValidatorCacheSize, s.metrics, quicAddrValidatorCacheTTL)
	transport := &quic.Transport{
		Conn:                conn,
		VerifySourceAddress: v.requiresValidation,
	}

	qConf := newServerQUICConfig(s.quicLimitsEnabled, s.maxStreamsPerPeer)
	ql, err := transport.ListenEarly(tlsConf, qConf)
	if err != nil {
		return fmt.Errorf("listening quic: %w", err)
	}

	s.udpListener = conn
	s.quicTransport = transport
	s.quicListener = ql

	return nil
}

// addRequestInfo attaches the request metadata to the context.
func addRequestInfo(parent context.Context, r *http.Request) (ctx context.Context) {
	ctx = parent

	ri := &RequestInfo{
		StartTime: time.Now(),
		URL:       netutil.CloneURL(r.URL),
	}

	if r.TLS != nil {
		ri.TLSServerName = r.TLS.ServerName
	}

	if username, pass, ok := r.BasicAuth(); ok {
		ri.Userinfo = url.UserPassword(username, pass)
	}

	return ContextWithRequestInfo(ctx, ri)
}

// httpRequestToMsg extracts the DNS message from an http.Request.
func httpRequestToMsg(req *http.Request, dohPath string) (b []byte, err error) {
	_, isJSON, _ := isDoH(req, dohPath)
	if isJSON {
		return httpRequestToMsgJSON(req)
	}

	switch req.Method {
	case http.MethodGet:
		return httpRequestToMsgGet(req)
	case http.MethodPost:
		return httpRequestToMsgPost(req)
	default:
		return nil, fmt.Errorf("method not allowed: %s", req.Method)
	}
}

// httpRequestToMsgPost extracts the DNS message from a request body.  req must
// not be nil.
func httpRequestToMsgPost(req *http.Request) (b []byte, err error) {
	// TODO:  Make the limit configurable.
	r := ioutil.LimitReader(req.Body, dns.MaxMsgSize)
	buf, err := io.ReadAll(r)
	err = errors.WithDeferred(err, req.Body.Close())

	return buf, err
}

// httpRequestToMsgGet extracts the DNS message from a GET request.
func httpRequestToMsgGet(req *http.Request) (b []byte, err error) {
	values := req.URL.Query()
	b64, ok := values["dns"]
	if !ok {
		return nil, fmt.Errorf("no 'dns' query parameter found")
	}
	if len(b64) != 1 {
		return nil, fmt.Errorf("multiple 'dns' query values found")
	}

	return base64.RawURLEncoding.DecodeString(b64[0])
}

// isDoH returns true if r.URL.Path contains DNS-over-HTTP paths, and also what
// content type is desired by the user.  isJSON is true if the user uses the
// JSON API.  ct can be either MimeTypeDoH or MimeTypeJSON.  dohPath is the
// wireformat path of the server.
func isDoH(r *http.Request, dohPath string) (ok, isJSON bool, ct string) {
	parts := strings.Split(path.Clean(r.URL.Path), "/")
	if parts[0] == "" {
		parts = parts[1:]
	}

	switch {
	case parts[0] == "":
		return false, false, ""
	case strings.HasSuffix(dohPath, parts[0]):
		return true, false, MimeTypeDoH
	case strings.HasSuffix(PathJSON, parts[0]):
		desiredCt := r.URL.Query().Get("ct")
		if desiredCt == MimeTypeDoH {
			return true, true, MimeTypeDoH
		}

		return true, true, MimeTypeJSON
	default:
		return false, false, ""
	}
}
