package forward

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/WardenTeam/WardenDNS/internal/dnsserver/pool"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/syncutil"
	"github.com/miekg/dns"
)

// UpstreamTLSConfig is the configuration structure for a DNS-over-TLS
// upstream.
type UpstreamTLSConfig struct {
	// TLSConfig is the TLS configuration for connecting to the upstream.  It
	// must not be nil and must have ServerName set.
	TLSConfig *tls.Config

	// Address is the address of the upstream in the "host:port" format.
	Address string

	// Timeout is the optional query timeout for the upstream.
	Timeout time.Duration
}

// UpstreamTLS is a DNS-over-TLS client.  It keeps a pool of persistent TLS
// connections to the upstream so that the handshake cost is only paid once in
// a while.
type UpstreamTLS struct {
	conns *pool.Pool
	bufs  *syncutil.Pool[[]byte]

	addr    string
	timeout time.Duration
}

// type check
var _ Upstream = (*UpstreamTLS)(nil)

// NewUpstreamTLS returns a new properly initialized *UpstreamTLS.  c must not
// be nil.
func NewUpstreamTLS(c *UpstreamTLSConfig) (ups *UpstreamTLS) {
	ups = &UpstreamTLS{
		bufs:    syncutil.NewSlicePool[byte](tcpBufSize),
		addr:    c.Address,
		timeout: c.Timeout,
	}

	tlsConf := c.TLSConfig.Clone()
	ups.conns = pool.NewPool(
		poolMaxCapacity,
		func(ctx context.Context) (conn net.Conn, err error) {
			d := &tls.Dialer{Config: tlsConf}

			return d.DialContext(ctx, "tcp", ups.addr)
		},
	)
	ups.conns.IdleTimeout = poolIdleTimeout

	return ups
}

// Exchange implements the [Upstream] interface for *UpstreamTLS.
func (u *UpstreamTLS) Exchange(
	ctx context.Context,
	req *dns.Msg,
) (resp *dns.Msg, nw Network, err error) {
	defer func() { err = errors.Annotate(err, "upstreamtls: %w") }()

	nw = NetworkTCP

	if u.timeout > 0 {
		var cancel func()
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}

	bufPtr := u.bufs.Get()
	defer u.bufs.Put(bufPtr)

	buf := *bufPtr
	bufLen, err := packMsgTCP(req, buf)
	if err != nil {
		return nil, nw, fmt.Errorf("packing request: %w", err)
	}

	conn, err := u.conns.Get(ctx)
	if err != nil {
		return nil, nw, fmt.Errorf("getting connection: %w", err)
	}

	resp, err = u.processConn(ctx, conn, req, buf, bufLen)
	if isExpectedConnErr(err) {
		// The pooled connection has probably been closed by the server while
		// idle.  Try again over a fresh one.
		conn, err = u.conns.Create(ctx)
		if err != nil {
			return nil, nw, fmt.Errorf("creating connection: %w", err)
		}

		resp, err = u.processConn(ctx, conn, req, buf, bufLen)
	}

	return resp, nw, err
}

// processConn writes the query to the connection and reads the response from
// it.  The connection is returned to the pool on success and closed on error.
func (u *UpstreamTLS) processConn(
	ctx context.Context,
	conn *pool.Conn,
	req *dns.Msg,
	buf []byte,
	bufLen int,
) (resp *dns.Msg, err error) {
	defer func() {
		if err != nil {
			err = errors.WithDeferred(err, conn.Close())
		} else {
			err = u.conns.Put(conn)
		}
	}()

	if deadline, ok := ctx.Deadline(); ok {
		err = conn.SetDeadline(deadline)
		if err != nil {
			return nil, fmt.Errorf("setting deadline: %w", err)
		}
	}

	_, err = conn.Write(buf[:bufLen])
	if err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	resp, err = readMsgTCP(conn, buf)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return nil, err
	}

	err = validatePlainResponse(req, resp)
	if err != nil {
		return resp, fmt.Errorf("validating response: %w", err)
	}

	return resp, nil
}

// Close implements the [io.Closer] interface for *UpstreamTLS.
func (u *UpstreamTLS) Close() (err error) {
	return errors.Annotate(u.conns.Close(), "closing upstream: %w")
}

// String implements the [fmt.Stringer] interface for *UpstreamTLS.
func (u *UpstreamTLS) String() (str string) {
	return "tls://" + u.addr
}

// packMsgTCP packs req into buf using the TCP framing with the two-byte
// length prefix and returns the total frame length.
func packMsgTCP(req *dns.Msg, buf []byte) (n int, err error) {
	reqLen := req.Len()
	if reqLen > dns.MaxMsgSize || reqLen > len(buf)-2 {
		return 0, dns.ErrBuf
	}

	binary.BigEndian.PutUint16(buf, uint16(reqLen))
	_, err = req.PackBuffer(buf[2:])

	return reqLen + 2, err
}

// readMsgTCP reads a single length-prefixed DNS message from r into buf and
// parses it.
func readMsgTCP(r io.Reader, buf []byte) (resp *dns.Msg, err error) {
	var length uint16
	err = binary.Read(r, binary.BigEndian, &length)
	if err != nil {
		return nil, fmt.Errorf("reading length prefix: %w", err)
	}

	n, err := io.ReadFull(r, buf[:length])
	if err != nil {
		return nil, fmt.Errorf("reading message: %w", err)
	}

	if n < minDNSMessageSize {
		return nil, fmt.Errorf("invalid msg: %w", dns.ErrShortRead)
	}

	resp = &dns.Msg{}
	err = resp.Unpack(buf[:n])
	if err != nil {
		return nil, fmt.Errorf("unpacking msg: %w", err)
	}

	return resp, nil
}
