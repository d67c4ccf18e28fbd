package dnsserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/syncutil"
	"github.com/WardenTeam/WardenDNS/internal/dnsserver/netext"
	"github.com/miekg/dns"
)

// serveUDP runs the UDP serving loop.
func (s *ServerDNS) serveUDP(ctx context.Context, conn net.PacketConn) (err error) {
	defer func() { err = errors.Annotate(err, "listening udp: %w") }()

	defer slogutil.CloseAndLog(ctx, s.baseLogger, conn, slog.LevelDebug)

	for s.isStarted() {
		err = s.acceptUDPMsg(ctx, conn)
		if err != nil {
			if !s.isStarted() {
				return nil
			}

			return err
		}
	}

	return nil
}

// acceptUDPMsg reads and starts processing a single UDP message.
func (s *ServerDNS) acceptUDPMsg(ctx context.Context, conn net.PacketConn) (err error) {
	bufPtr := s.udpPool.Get()
	n, sess, err := s.readUDPMsg(ctx, conn, *bufPtr)
	if err != nil {
		s.udpPool.Put(bufPtr)

		if isNonCriticalNetError(err) || errors.Is(err, dns.ErrShortRead) {
			// Non-critical errors, do not register in the metrics or log
			// anywhere.
			return nil
		}

		return err
	}

	// Save the start time here, but create the context inside the task, since
	// the context constructor can be slow.
	startTime := time.Now()

	return s.taskPool.submitWG(s.activeTaskWG, func() {
		reqCtx, reqCancel := s.requestContext(ctx)
		defer reqCancel()

		buf := (*bufPtr)[:n]
		reqCtx = ContextWithRequestInfo(reqCtx, &RequestInfo{
			StartTime: startTime,
			RawMsg:    buf,
		})

		s.serveUDPPacket(reqCtx, buf, conn, sess)
		s.udpPool.Put(bufPtr)
	})
}

// serveUDPPacket serves a new UDP request.
func (s *ServerDNS) serveUDPPacket(
	ctx context.Context,
	buf []byte,
	conn net.PacketConn,
	sess netext.PacketSession,
) {
	defer s.handlePanicAndRecover(ctx)

	rw := &udpResponseWriter{
		respPool:     s.respPool,
		udpSession:   sess,
		conn:         conn,
		writeTimeout: s.writeTimeout,
		maxRespSize:  s.maxUDPRespSize,
	}
	s.serveDNS(ctx, buf, rw)
}

// readUDPMsg reads the next incoming DNS message.
func (s *ServerDNS) readUDPMsg(
	ctx context.Context,
	conn net.PacketConn,
	buf []byte,
) (n int, sess netext.PacketSession, err error) {
	err = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	if err != nil {
		return 0, nil, err
	}

	n, sess, err = netext.ReadFromSession(conn, buf)
	if err != nil {
		return 0, nil, err
	}

	if n < DNSHeaderSize {
		s.metrics.OnInvalidMsg(ctx)

		return 0, nil, dns.ErrShortRead
	}

	return n, sess, nil
}

// udpResponseWriter is a ResponseWriter implementation for DNS-over-UDP.
type udpResponseWriter struct {
	respPool     *syncutil.Pool[[]byte]
	udpSession   netext.PacketSession
	conn         net.PacketConn
	writeTimeout time.Duration
	maxRespSize  uint16
}

// type check
var _ ResponseWriter = (*udpResponseWriter)(nil)

// LocalAddr implements the ResponseWriter interface for *udpResponseWriter.
func (r *udpResponseWriter) LocalAddr() (addr net.Addr) {
	// Don't use r.conn.LocalAddr(), since udpSession may actually contain the
	// decoded OOB data, including the real local (dst) address.
	return r.udpSession.LocalAddr()
}

// RemoteAddr implements the ResponseWriter interface for *udpResponseWriter.
func (r *udpResponseWriter) RemoteAddr() (addr net.Addr) {
	// Don't use r.conn.RemoteAddr(), since udpSession may actually contain
	// the decoded OOB data, including the real remote (src) address.
	return r.udpSession.RemoteAddr()
}

// WriteMsg implements the ResponseWriter interface for *udpResponseWriter.
func (r *udpResponseWriter) WriteMsg(ctx context.Context, req, resp *dns.Msg) (err error) {
	normalize(NetworkUDP, ProtoDNS, req, resp, r.maxRespSize)

	bufPtr := r.respPool.Get()
	defer r.respPool.Put(bufPtr)

	b, err := resp.PackBuffer(*bufPtr)
	if err != nil {
		return fmt.Errorf("udp: packing response: %w", err)
	}

	// The packed message may have been reallocated, keep the larger buffer.
	*bufPtr = b

	withWriteDeadline(ctx, r.writeTimeout, r.conn, func() {
		_, err = netext.WriteToSession(r.conn, b, r.udpSession)
	})

	if err != nil {
		return &WriteError{
			Err:      err,
			Protocol: "udp",
		}
	}

	return nil
}
