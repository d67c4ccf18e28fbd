package dnsserver

import (
	"context"
	"net"

	"github.com/miekg/dns"
)

// Server represents a DNS server.
type Server interface {
	// Name returns the server name.
	Name() (name string)
	// Proto returns the protocol of the server.
	Proto() (proto Protocol)
	// Network is a network (tcp, udp or empty) this server listens to.  If it
	// is empty, the server listens to all networks that are supposed to be
	// used by its protocol.
	Network() (network Network)
	// Addr returns the address the server was configured to listen to.
	Addr() (addr string)
	// Start starts the server, exits immediately if it failed to start
	// listening.  Start returns once all servers are considered up.
	Start(ctx context.Context) (err error)
	// Shutdown stops the server and waits for all active connections to close.
	Shutdown(ctx context.Context) (err error)
	// LocalTCPAddr returns the TCP address the server listens to at the moment
	// or nil if it does not listen to TCP.  Depending on the server protocol
	// it may correspond to DNS-over-TCP, DNS-over-TLS, HTTP2, DNSCrypt (TCP).
	LocalTCPAddr() (addr net.Addr)
	// LocalUDPAddr returns the UDP address the server listens to at the moment
	// or nil if it does not listen to UDP.  Depending on the server protocol
	// it may correspond to DNS-over-UDP, HTTP3, QUIC, DNSCrypt (UDP).
	LocalUDPAddr() (addr net.Addr)
}

// A ResponseWriter interface is used by a DNS handler to construct a DNS
// response.
type ResponseWriter interface {
	// LocalAddr returns the net.Addr of the server.
	LocalAddr() net.Addr

	// RemoteAddr returns the net.Addr of the client that sent the current
	// request.
	RemoteAddr() net.Addr

	// WriteMsg writes a reply back to the client.
	//
	// Handlers must not modify req and resp after the call to WriteMsg, since
	// their ResponseWriter implementation may be a recorder.
	WriteMsg(ctx context.Context, req, resp *dns.Msg) error
}
