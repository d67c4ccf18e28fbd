package dnsserver

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/miekg/dns"
)

// serveTCP runs the TCP serving loop.  network is the name of the network to
// use in errors, either "tcp" or "tls".
func (s *ServerDNS) serveTCP(ctx context.Context, l net.Listener, network string) (err error) {
	defer func() { err = errors.Annotate(err, "listening %s: %w", network) }()

	defer slogutil.CloseAndLog(ctx, s.baseLogger, l, slog.LevelDebug)

	for s.isStarted() {
		var conn net.Conn
		conn, err = l.Accept()
		if err != nil {
			if !s.isStarted() {
				return nil
			}

			if isNonCriticalNetError(err) {
				// Non-critical errors, do not register in the metrics or log
				// anywhere.
				continue
			}

			return err
		}

		s.tcpConnsMu.Lock()
		// Track the connection to allow unblocking reads on shutdown.
		s.tcpConns.Add(conn)
		s.tcpConnsMu.Unlock()

		s.activeTaskWG.Go(func() {
			s.serveTCPConn(ctx, conn)
		})
	}

	return nil
}

// serveTCPConn serves a single TCP connection.
func (s *ServerDNS) serveTCPConn(ctx context.Context, conn net.Conn) {
	// Use this WaitGroup to wait until all queries from this connection have
	// been processed before closing it.
	connWG := &sync.WaitGroup{}
	defer func() {
		connWG.Wait()

		slogutil.CloseAndLog(ctx, s.baseLogger, conn, slog.LevelDebug)

		s.tcpConnsMu.Lock()
		s.tcpConns.Delete(conn)
		s.tcpConnsMu.Unlock()
	}()

	defer s.handlePanicAndRecover(ctx)

	// pipelineSem limits the number of simultaneously processing queries per
	// one connection, as per RFC 7766 recommendations on pipelining.
	var pipelineSem chan struct{}
	if s.maxPipelineEnabled {
		pipelineSem = make(chan struct{}, s.maxPipelineCount)
	}

	timeout := s.readTimeout
	for s.isStarted() {
		m, err := s.readTCPMsg(conn, timeout)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				// Don't even log these.
				return
			}

			// No need to read further.
			s.baseLogger.DebugContext(ctx, "reading from conn", slogutil.KeyError, err)

			return
		}

		if pipelineSem != nil {
			pipelineSem <- struct{}{}
		}

		reqCtx, reqCancel := s.requestContext(ctx)

		ri := &RequestInfo{
			StartTime: time.Now(),
			RawMsg:    m,
		}
		if cs, ok := conn.(tlsConnectionStater); ok {
			ri.TLSServerName = strings.ToLower(cs.ConnectionState().ServerName)
		}

		reqCtx = ContextWithRequestInfo(reqCtx, ri)

		// RFC 7766 recommends implementing query pipelining, i.e. processing
		// all incoming queries concurrently and writing responses out of
		// order.
		connWG.Add(1)

		go func() {
			defer reqCancel()

			s.serveTCPMessage(reqCtx, connWG, m, conn)

			if pipelineSem != nil {
				<-pipelineSem
			}
		}()

		// Use the idle timeout for further queries.
		timeout = s.tcpIdleTimeout
	}
}

// tlsConnectionStater is a common interface for connections that can return
// a TLS connection state.
type tlsConnectionStater interface {
	ConnectionState() tls.ConnectionState
}

// serveTCPMessage processes a single TCP message.
func (s *ServerDNS) serveTCPMessage(
	ctx context.Context,
	wg *sync.WaitGroup,
	m []byte,
	conn net.Conn,
) {
	defer wg.Done()
	defer s.handlePanicAndRecover(ctx)

	rw := &tcpResponseWriter{
		conn:         conn,
		writeTimeout: s.writeTimeout,
		proto:        s.proto,
	}
	written := s.serveDNS(ctx, m, rw)
	s.putTCPBuffer(m)

	if !written {
		// Nothing has been written, we should close the connection in order
		// to avoid hanging connections.  That might happen if the handler
		// rate-limited connections or if we received garbage data instead of
		// a DNS query.
		slogutil.CloseAndLog(ctx, s.baseLogger, conn, slog.LevelDebug)
	}
}

// readTCPMsg reads the next incoming DNS message.
func (s *ServerDNS) readTCPMsg(conn net.Conn, timeout time.Duration) (m []byte, err error) {
	err = conn.SetReadDeadline(time.Now().Add(timeout))
	if err != nil {
		return nil, err
	}

	var length uint16
	if err = binary.Read(conn, binary.BigEndian, &length); err != nil {
		return nil, err
	}

	m = s.getTCPBuffer(int(length))
	if _, err = io.ReadFull(conn, m); err != nil {
		s.putTCPBuffer(m)

		return nil, err
	}

	return m, nil
}

// getTCPBuffer gets a TCP buffer to be used to read the incoming DNS query.
// length is the desired buffer length.
func (s *ServerDNS) getTCPBuffer(length int) (buf []byte) {
	if length > s.tcpSize {
		// If the query is larger than the buffer size, don't use the pool at
		// all, just allocate a new slice.
		return make([]byte, length)
	}

	bufPtr := s.tcpPool.Get()

	return (*bufPtr)[:length]
}

// putTCPBuffer puts the TCP buffer back to the pool.
func (s *ServerDNS) putTCPBuffer(m []byte) {
	if cap(m) != s.tcpSize {
		// This slice was allocated outside of the pool, ignore it.
		return
	}

	m = m[:s.tcpSize]
	s.tcpPool.Put(&m)
}

// tcpResponseWriter implements ResponseWriter interface for a DNS-over-TCP or
// a DNS-over-TLS server.
type tcpResponseWriter struct {
	conn           net.Conn
	writeTimeout   time.Duration
	idleTimeout    time.Duration
	proto          Protocol
	maxUDPRespSize uint16
}

// type check
var _ ResponseWriter = (*tcpResponseWriter)(nil)

// LocalAddr implements the ResponseWriter interface for *tcpResponseWriter.
func (r *tcpResponseWriter) LocalAddr() (addr net.Addr) {
	return r.conn.LocalAddr()
}

// RemoteAddr implements the ResponseWriter interface for *tcpResponseWriter.
func (r *tcpResponseWriter) RemoteAddr() (addr net.Addr) {
	return r.conn.RemoteAddr()
}

// WriteMsg implements the ResponseWriter interface for *tcpResponseWriter.
// It may be called multiple times within a single request, which is how zone
// transfer responses are streamed over one connection.
func (r *tcpResponseWriter) WriteMsg(ctx context.Context, req, resp *dns.Msg) (err error) {
	normalizeTCP(r.proto, req, resp)

	var msg []byte
	msg, err = packWithPrefix(resp, nil)
	if err != nil {
		return fmt.Errorf("tcp: packing response: %w", err)
	}

	withWriteDeadline(ctx, r.writeTimeout, r.conn, func() {
		_, err = r.conn.Write(msg)
	})

	if err != nil {
		return &WriteError{
			Err:      err,
			Protocol: "tcp",
		}
	}

	return nil
}
