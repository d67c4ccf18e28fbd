package forward

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
)

// nextProtoDoQUpstream is the ALPN token for DNS-over-QUIC per RFC 9250.
const nextProtoDoQUpstream = "doq"

// UpstreamQUICConfig is the configuration structure for a DNS-over-QUIC
// upstream.
type UpstreamQUICConfig struct {
	// TLSConfig is the TLS configuration for connecting to the upstream.  It
	// must not be nil and must have ServerName set.  The "doq" ALPN is added
	// automatically.
	TLSConfig *tls.Config

	// Address is the address of the upstream in the "host:port" format.
	Address string

	// Timeout is the optional query timeout for the upstream.
	Timeout time.Duration
}

// UpstreamQUIC is a DNS-over-QUIC client per RFC 9250.  A single QUIC
// connection is shared between queries, each query opens its own
// bidirectional stream.
type UpstreamQUIC struct {
	// mu protects conn.
	mu   *sync.Mutex
	conn *quic.Conn

	tlsConf  *tls.Config
	quicConf *quic.Config

	addr    string
	timeout time.Duration
}

// type check
var _ Upstream = (*UpstreamQUIC)(nil)

// NewUpstreamQUIC returns a new properly initialized *UpstreamQUIC.  c must
// not be nil.
func NewUpstreamQUIC(c *UpstreamQUICConfig) (ups *UpstreamQUIC) {
	tlsConf := c.TLSConfig.Clone()
	tlsConf.NextProtos = []string{nextProtoDoQUpstream}

	return &UpstreamQUIC{
		mu:      &sync.Mutex{},
		tlsConf: tlsConf,
		quicConf: &quic.Config{
			KeepAlivePeriod: poolIdleTimeout / 2,
		},
		addr:    c.Address,
		timeout: c.Timeout,
	}
}

// Exchange implements the [Upstream] interface for *UpstreamQUIC.
func (u *UpstreamQUIC) Exchange(
	ctx context.Context,
	req *dns.Msg,
) (resp *dns.Msg, nw Network, err error) {
	defer func() { err = errors.Annotate(err, "upstreamquic: %w") }()

	nw = NetworkUDP

	if u.timeout > 0 {
		var cancel func()
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}

	// RFC 9250 requires the zero message ID on the wire.  Restore the
	// original one afterwards.
	id := req.Id
	req.Id = 0
	defer func() {
		req.Id = id
		if resp != nil {
			resp.Id = id
		}
	}()

	resp, err = u.exchangeQUIC(ctx, req)
	if err != nil {
		// The connection might have been closed while idle.  Reconnect and
		// try again once.
		u.resetConn()

		resp, err = u.exchangeQUIC(ctx, req)
	}

	if err != nil {
		return nil, nw, err
	}

	err = validatePlainResponse(req, resp)
	if err != nil {
		return resp, nw, fmt.Errorf("validating response: %w", err)
	}

	return resp, nw, nil
}

// exchangeQUIC performs a single query attempt over a QUIC stream.
func (u *UpstreamQUIC) exchangeQUIC(ctx context.Context, req *dns.Msg) (resp *dns.Msg, err error) {
	conn, err := u.getConn(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening stream: %w", err)
	}
	defer func() {
		if err != nil {
			stream.CancelRead(0)
		}
	}()

	if deadline, ok := ctx.Deadline(); ok {
		err = stream.SetDeadline(deadline)
		if err != nil {
			return nil, fmt.Errorf("setting deadline: %w", err)
		}
	}

	wire, err := req.Pack()
	if err != nil {
		return nil, fmt.Errorf("packing request: %w", err)
	}

	var prefix [2]byte
	binary.BigEndian.PutUint16(prefix[:], uint16(len(wire)))

	_, err = stream.Write(append(prefix[:], wire...))
	if err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	// Close the write side to signal the end of the query per RFC 9250.
	_ = stream.Close()

	return readQUICMsg(stream)
}

// readQUICMsg reads a single length-prefixed DNS message from the stream.
func readQUICMsg(r io.Reader) (resp *dns.Msg, err error) {
	var length uint16
	err = binary.Read(r, binary.BigEndian, &length)
	if err != nil {
		return nil, fmt.Errorf("reading length prefix: %w", err)
	}

	if length < minDNSMessageSize {
		return nil, fmt.Errorf("invalid msg: %w", dns.ErrShortRead)
	}

	buf := make([]byte, length)
	_, err = io.ReadFull(r, buf)
	if err != nil {
		return nil, fmt.Errorf("reading message: %w", err)
	}

	resp = &dns.Msg{}
	err = resp.Unpack(buf)
	if err != nil {
		return nil, fmt.Errorf("unpacking msg: %w", err)
	}

	return resp, nil
}

// getConn returns the active QUIC connection, dialing a new one if needed.
func (u *UpstreamQUIC) getConn(ctx context.Context) (conn *quic.Conn, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.conn != nil {
		select {
		case <-u.conn.Context().Done():
			// The connection has been closed, dial a new one below.
			u.conn = nil
		default:
			return u.conn, nil
		}
	}

	conn, err = quic.DialAddr(ctx, u.addr, u.tlsConf, u.quicConf)
	if err != nil {
		return nil, err
	}

	u.conn = conn

	return conn, nil
}

// resetConn closes the current connection, if any, so that the next exchange
// dials a fresh one.  Closing errors are ignored.
func (u *UpstreamQUIC) resetConn() {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.conn != nil {
		_ = u.conn.CloseWithError(quic.ApplicationErrorCode(0), "")
		u.conn = nil
	}
}

// Close implements the [io.Closer] interface for *UpstreamQUIC.
func (u *UpstreamQUIC) Close() (err error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.conn != nil {
		err = u.conn.CloseWithError(quic.ApplicationErrorCode(0), "")
		u.conn = nil
	}

	return errors.Annotate(err, "closing upstream: %w")
}

// String implements the [fmt.Stringer] interface for *UpstreamQUIC.
func (u *UpstreamQUIC) String() (str string) {
	return "quic://" + u.addr
}
