package dnsserver

import (
	"cmp"
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/syncutil"
	"github.com/WardenTeam/WardenDNS/internal/dnsserver/netext"
	"github.com/bluele/gcache"
	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
)

const (
	// nextProtoDoQ is an ALPN token to use for DNS-over-QUIC (DoQ).  During
	// connection establishment, DoQ support is indicated by selecting the ALPN
	// token "doq" in the crypto handshake.
	nextProtoDoQ = "doq"

	// maxQUICIdleTimeout is the maximum QUIC idle timeout.  The default value
	// in quic-go is 30 s, but our tests show that a higher value works better
	// for clients written with ngtcp2.
	maxQUICIdleTimeout = 5 * time.Minute

	// quicAddrValidatorCacheSize is the size of the cache that we use in the
	// QUIC address validator.
	quicAddrValidatorCacheSize = 10_000

	// quicAddrValidatorCacheTTL is time-to-live for cache items in the QUIC
	// address validator.
	quicAddrValidatorCacheTTL = 30 * time.Minute
)

const (
	// DOQCodeNoError is used when the connection or stream needs to be closed,
	// but there is no error to signal.
	DOQCodeNoError = quic.ApplicationErrorCode(0)

	// DOQCodeProtocolError signals that the DoQ implementation encountered a
	// protocol error and is forcibly aborting the connection.
	DOQCodeProtocolError = quic.ApplicationErrorCode(2)
)

// compatProtoDQ are ALPNs for backwards compatibility.
var compatProtoDQ = []string{"doq-i00", "doq-i02", "doq-i03", "dq"}

// ConfigQUIC is a struct that needs to be passed to NewServerQUIC to
// initialize a new ServerQUIC instance.
type ConfigQUIC struct {
	// TLSConfig is the TLS configuration for QUIC.  It must not be nil.
	TLSConfig *tls.Config

	// Base is the base configuration for this server.  It must not be nil and
	// must be valid.
	Base *ConfigBase

	// MaxStreamsPerPeer is the maximum number of concurrent streams that a
	// peer is allowed to open.  If not set, 100 is used.
	MaxStreamsPerPeer int

	// QUICLimitsEnabled, if true, enables QUIC limiting.
	QUICLimitsEnabled bool
}

// ServerQUIC is a DNS-over-QUIC server implementation.
//
// TODO:  Consider unembedding ServerBase.
type ServerQUIC struct {
	*ServerBase

	// taskPool is a goroutine pool used to process queries.  It is used to
	// prevent excessive growth of goroutine stacks.
	taskPool *taskPool

	// bytesPool is a pool of buffers used to read DNS packets.
	bytesPool *syncutil.Pool[[]byte]

	// quicListener is a listener that we use to accept DoQ connections.
	quicListener *quic.Listener

	// quicTransport is saved here to close it later.
	quicTransport *quic.Transport

	tlsConf *tls.Config

	maxStreamsPerPeer int

	quicLimitsEnabled bool
}

// type check
var _ Server = (*ServerQUIC)(nil)

// NewServerQUIC creates a new ServerQUIC instance.  c must not be nil and must
// be valid.
func NewServerQUIC(c *ConfigQUIC) (s *ServerQUIC) {
	// Make sure DoQ ALPNs are enabled in the TLS config.
	tlsConf := c.TLSConfig
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = append([]string{nextProtoDoQ}, compatProtoDQ...)
	}

	// Do not enable OOB here as quic-go will do that on its own.
	c.Base.ListenConfig = cmp.Or(c.Base.ListenConfig, netext.DefaultListenConfig(nil))

	s = &ServerQUIC{
		ServerBase: newServerBase(ProtoDoQ, c.Base),
		bytesPool:  syncutil.NewSlicePool[byte](dns.MaxMsgSize),
		tlsConf:    tlsConf,
		// NOTE:  100 is the current default in package quic, but set it
		// explicitly in case that changes in the future.
		maxStreamsPerPeer: cmp.Or(c.MaxStreamsPerPeer, 100),
		quicLimitsEnabled: c.QUICLimitsEnabled,
	}

	s.taskPool = mustNewTaskPool(&taskPoolConfig{
		logger: s.baseLogger,
	})

	return s
}

// Start implements the dnsserver.Server interface for *ServerQUIC.
func (s *ServerQUIC) Start(ctx context.Context) (err error) {
	defer func() { err = errors.Annotate(err, "starting doq server: %w") }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrServerAlreadyStarted
	}

	s.baseLogger.InfoContext(ctx, "starting server")

	ctx = ContextWithServerInfo(ctx, s.serverInfo())

	if s.proto != ProtoDoQ {
		return ErrInvalidArgument
	}

	err = s.listenQUIC(ctx)
	if err != nil {
		return err
	}

	l := s.quicListener
	s.activeTaskWG.Go(func() {
		defer s.handlePanicAndExit(ctx)

		serveErr := s.serveQUIC(ctx, l)
		if serveErr != nil {
			s.baseLogger.WarnContext(ctx, "quic serving loop", slogutil.KeyError, serveErr)
		}
	})

	s.started = true

	s.baseLogger.InfoContext(ctx, "server has been started")

	return nil
}

// Shutdown implements the dnsserver.Server interface for *ServerQUIC.
func (s *ServerQUIC) Shutdown(ctx context.Context) (err error) {
	defer func() { err = errors.Annotate(err, "shutting down doq server: %w") }()

	s.baseLogger.InfoContext(ctx, "shutting down server")

	err = s.shutdown(ctx)
	if err != nil {
		s.baseLogger.WarnContext(ctx, "error while shutting down", slogutil.KeyError, err)

		return err
	}

	err = s.waitShutdown(ctx)

	// Close the taskPool and release all workers.
	s.taskPool.Release()

	s.baseLogger.InfoContext(ctx, "server has been shut down")

	return err
}

// shutdown marks the server as stopped and closes active listeners.
func (s *ServerQUIC) shutdown(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return ErrServerNotStarted
	}

	s.started = false

	err = s.quicListener.Close()
	if err != nil {
		s.baseLogger.WarnContext(ctx, "closing quic listener", slogutil.KeyError, err)
	}

	err = s.quicTransport.Close()
	if err != nil {
		s.baseLogger.WarnContext(ctx, "closing quic transport", slogutil.KeyError, err)
	}

	s.closeListeners(ctx)

	return nil
}

// serveQUIC listens for incoming QUIC connections.
func (s *ServerQUIC) serveQUIC(ctx context.Context, l *quic.Listener) (err error) {
	for s.isStarted() {
		var conn *quic.Conn
		conn, err = l.Accept(ctx)
		if err != nil {
			if !s.isStarted() || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}

			if isNonCriticalNetError(err) {
				continue
			}

			return err
		}

		s.activeTaskWG.Go(func() {
			s.serveQUICConnAsync(ctx, conn)
		})
	}

	return nil
}

// serveQUICConnAsync wraps serveQUICConn and handles all possible errors that
// might happen there.
func (s *ServerQUIC) serveQUICConnAsync(ctx context.Context, conn *quic.Conn) {
	defer s.handlePanicAndRecover(ctx)

	err := s.serveQUICConn(ctx, conn)
	if !isExpectedQUICErr(err) {
		s.metrics.OnError(ctx, err)
		s.baseLogger.DebugContext(ctx, "serving quic conn", slogutil.KeyError, err)
	}
}

// serveQUICConn handles a new QUIC connection.  It waits for new streams and
// passes them to serveQUICStream.
func (s *ServerQUIC) serveQUICConn(ctx context.Context, conn *quic.Conn) (err error) {
	defer func() {
		// Close the connection to make sure resources are freed.
		closeQUICConn(ctx, s.baseLogger, conn, DOQCodeNoError)
	}()

	for s.isStarted() {
		// The stub to resolver DNS traffic follows a simple pattern in which
		// the client sends a query, and the server provides a response.  For
		// each subsequent query on a QUIC connection the client MUST select
		// the next available client-initiated bidirectional stream.
		var stream *quic.Stream
		acceptCtx, cancel := context.WithTimeout(ctx, maxQUICIdleTimeout)
		stream, err = conn.AcceptStream(acceptCtx)
		cancel()
		if err != nil {
			return err
		}

		reqCtx, reqCancel := s.requestContext(ctx)
		reqCtx = ContextWithRequestInfo(reqCtx, &RequestInfo{
			StartTime:     time.Now(),
			TLSServerName: strings.ToLower(conn.ConnectionState().TLS.ServerName),
		})

		err = s.taskPool.submitWG(s.activeTaskWG, func() {
			defer reqCancel()

			s.serveQUICStreamAsync(reqCtx, stream, conn)
		})
		if err != nil {
			// The task pool is closed, exit.  Make sure that the stream is
			// closed just in case.
			reqCancel()
			_ = stream.Close()

			return err
		}
	}

	return nil
}

// serveQUICStreamAsync wraps serveQUICStream and handles all possible errors
// that might happen there.
func (s *ServerQUIC) serveQUICStreamAsync(ctx context.Context, stream *quic.Stream, conn *quic.Conn) {
	defer s.handlePanicAndRecover(ctx)

	err := s.serveQUICStream(ctx, stream, conn)
	if !isExpectedQUICErr(err) {
		s.metrics.OnError(ctx, err)
		s.baseLogger.DebugContext(ctx, "serving quic stream", slogutil.KeyError, err)
	}
}

// serveQUICStream reads a DNS query from the stream, processes it, and writes
// back the response.
func (s *ServerQUIC) serveQUICStream(
	ctx context.Context,
	stream *quic.Stream,
	conn *quic.Conn,
) (err error) {
	// The server MUST send the response on the same stream, and MUST indicate
	// through the STREAM FIN mechanism that no further data will be sent on
	// that stream.
	defer slogutil.CloseAndLog(ctx, s.baseLogger, stream, slog.LevelDebug)

	msg, doqDraft, err := s.readQUICMsg(ctx, stream)
	if err != nil {
		closeQUICConn(ctx, s.baseLogger, conn, DOQCodeProtocolError)

		return err
	}

	if !validQUICMsg(msg) {
		// If a peer encounters such an error condition, it is considered a
		// fatal error.  It SHOULD forcibly abort the connection using QUIC's
		// CONNECTION_CLOSE mechanism and SHOULD use the DoQ error code
		// DOQ_PROTOCOL_ERROR.
		closeQUICConn(ctx, s.baseLogger, conn, DOQCodeProtocolError)

		return ErrProtocol
	}

	rw := NewNonWriterResponseWriter(conn.LocalAddr(), conn.RemoteAddr())

	var resp *dns.Msg
	written := s.serveDNSMsg(ctx, msg, rw)
	if !written {
		// Make sure that at least some response has been written.
		resp = genErrorResponse(msg, dns.RcodeServerFailure)
	} else {
		resp = rw.Msg()
	}

	// Note that for QUIC we can normalize as if it was TCP.
	normalizeTCP(ProtoDoQ, msg, resp)

	// Depending on the DoQ version we either write a 2-byte prefixed message
	// or just write the message (for old draft versions).
	bufPtr := s.bytesPool.Get()
	defer s.bytesPool.Put(bufPtr)

	var buf []byte
	if doqDraft {
		buf, err = resp.PackBuffer(*bufPtr)
	} else {
		buf, err = packWithPrefix(resp, *bufPtr)
	}
	if err != nil {
		closeQUICConn(ctx, s.baseLogger, conn, DOQCodeProtocolError)

		return err
	}

	*bufPtr = buf

	_, err = stream.Write(buf)

	return err
}

// readQUICMsg reads a DNS query from the QUIC stream and returns an error if
// anything went wrong.
func (s *ServerQUIC) readQUICMsg(
	ctx context.Context,
	stream *quic.Stream,
) (m *dns.Msg, doqDraft bool, err error) {
	bufPtr := s.bytesPool.Get()
	defer s.bytesPool.Put(bufPtr)

	buf := (*bufPtr)[:dns.MaxMsgSize]

	// One query - one stream.  The client MUST send the DNS query over the
	// selected stream, and MUST indicate through the STREAM FIN mechanism that
	// no further data will be sent on that stream.
	_ = stream.SetReadDeadline(time.Now().Add(DefaultReadTimeout))

	// Read the stream data until io.EOF, i.e. until FIN is received.
	var n int
	n, err = readAll(stream, buf)

	// err is not checked here because STREAM FIN sent by the client is
	// indicated as an error here.  Instead, check the number of bytes
	// received.
	if n < DNSHeaderSize {
		if err != nil {
			return nil, false, fmt.Errorf("reading quic message: %w", err)
		}

		s.metrics.OnInvalidMsg(ctx)

		return nil, false, dns.ErrShortRead
	}

	m = &dns.Msg{}

	// Check if the first two bytes contain the length of the message.
	// According to the spec, the DNS message ID is 0, so the first two bytes
	// will be zero in the case of an old draft implementation, which makes
	// this check reliable.
	packetLen := binary.BigEndian.Uint16(buf[:2])
	if packetLen == uint16(n-2) {
		err = m.Unpack(buf[2:n])
	} else {
		err = m.Unpack(buf[:n])
		doqDraft = true
	}
	if err != nil {
		s.metrics.OnInvalidMsg(ctx)

		return nil, false, err
	}

	return m, doqDraft, nil
}

// readAll reads from r until an error or io.EOF into the specified buffer buf.
// A successful call returns err == nil, not err == io.EOF.  If the buffer is
// too small, it returns error io.ErrShortBuffer.  Unlike io.ReadAll, it reads
// into the specified buffer and does not allocate a new one.
func readAll(r io.Reader, buf []byte) (n int, err error) {
	for {
		if n == len(buf) {
			return n, io.ErrShortBuffer
		}

		var read int
		read, err = r.Read(buf[n:])
		n += read

		if err != nil {
			if err == io.EOF {
				err = nil
			}

			return n, err
		}
	}
}

// listenQUIC creates the UDP listener for s.addr and also starts the QUIC
// listener.
func (s *ServerQUIC) listenQUIC(ctx context.Context) (err error) {
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
	ql, err := transport.Listen(s.tlsConf, qConf)
	if err != nil {
		return fmt.Errorf("listening quic: %w", err)
	}

	s.udpListener = conn
	s.quicTransport = transport
	s.quicListener = ql

	return nil
}

// isExpectedQUICErr checks if the error signals closing a QUIC connection,
// stream, or server, and whether it's expected and does not require any
// recovery or additional processing.
func isExpectedQUICErr(err error) (ok bool) {
	if err == nil {
		return true
	}

	// Expected to be returned by all streams and connection method calls when
	// the server is closed.
	if errors.Is(err, quic.ErrServerClosed) {
		return true
	}

	// Catch quic-go's IdleTimeoutError.  This error is returned from
	// quic.Conn.AcceptStream calls, and this is an expected outcome that
	// happens all the time with different QUIC clients.
	var qErr *quic.IdleTimeoutError
	if errors.As(err, &qErr) {
		return true
	}

	// Catch quic-go's ApplicationError with error code 0.  This error is
	// returned from quic-go methods when the client closes the connection.
	var qAppErr *quic.ApplicationError
	if errors.As(err, &qAppErr) && qAppErr.ErrorCode == 0 {
		return true
	}

	// Catch a network timeout error.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Catch EOF, which is returned when the client sends the stream FIN
	// alongside the data.  It just means that the stream is closed.
	if errors.Is(err, io.EOF) {
		return true
	}

	// Catch some common close and cancellation errors.
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, net.ErrClosed)
}

// validQUICMsg validates the incoming DNS message and returns false if
// something is wrong with the message.
func validQUICMsg(req *dns.Msg) (ok bool) {
	// See https://www.rfc-editor.org/rfc/rfc9250.html#name-protocol-errors
	//
	// Non-zero message IDs are consciously not validated, since there are
	// stub proxies that use them.  An edns-tcp-keepalive EDNS(0) option,
	// however, is a hard protocol error.  See RFC 9250, Section 5.5.2.
	if opt := req.IsEdns0(); opt != nil {
		for _, option := range opt.Option {
			if option.Option() == dns.EDNS0TCPKEEPALIVE {
				return false
			}
		}
	}

	return true
}

// closeQUICConn quietly closes the QUIC connection with the specified error
// code and logs if it fails to close the connection.
func closeQUICConn(
	ctx context.Context,
	logger *slog.Logger,
	conn *quic.Conn,
	code quic.ApplicationErrorCode,
) {
	err := conn.CloseWithError(code, "")
	if err != nil {
		logger.DebugContext(ctx, "closing quic conn", slogutil.KeyError, err)
	}
}

// newServerQUICConfig creates *quic.Config populated with the default
// settings.  This function is for both DoQ and DoH3 servers.
func newServerQUICConfig(quicLimitsEnabled bool, maxStreamsPerPeer int) (conf *quic.Config) {
	maxIncoming := int64(math.MaxUint16)
	if quicLimitsEnabled {
		maxIncoming = int64(maxStreamsPerPeer)
	}

	return &quic.Config{
		MaxIdleTimeout:        maxQUICIdleTimeout,
		MaxIncomingStreams:    maxIncoming,
		MaxIncomingUniStreams: maxIncoming,
		// Enable 0-RTT by default for all connections on the server-side.
		Allow0RTT: true,
	}
}

// quicAddrValidator is a helper struct that holds a small LRU cache of
// addresses for which we do not require address validation.
type quicAddrValidator struct {
	cache   gcache.Cache
	metrics MetricsListener
	ttl     time.Duration
}

// newQUICAddrValidator initializes a new instance of *quicAddrValidator.
func newQUICAddrValidator(
	cacheSize int,
	metrics MetricsListener,
	ttl time.Duration,
) (v *quicAddrValidator) {
	return &quicAddrValidator{
		cache:   gcache.New(cacheSize).LRU().Build(),
		metrics: metrics,
		ttl:     ttl,
	}
}

// requiresValidation determines if a QUIC Retry packet should be sent by the
// client.  This allows the server to verify the client's address but increases
// the latency.
func (v *quicAddrValidator) requiresValidation(addr net.Addr) (ok bool) {
	// NOTE:  The typed nil check is required in case the metrics listener is
	// not set.
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		// Report this as an error, as this is not the expected behavior.
		v.metrics.OnError(
			context.Background(),
			fmt.Errorf("not a udp address: %v", addr),
		)

		return false
	}

	key := udpAddr.IP.String()
	if v.cache.Has(key) {
		v.metrics.OnQUICAddressValidation(true)

		return false
	}

	v.metrics.OnQUICAddressValidation(false)

	err := v.cache.SetWithExpire(key, true, v.ttl)
	if err != nil {
		// Shouldn't happen, since we don't set a serialization function.
		panic(fmt.Errorf("quic validator: setting cache item: %w", err))
	}

	// The address was not found in the cache, so return true to make sure
	// the server requires address validation for it.
	return true
}
