package forward

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/miekg/dns"
)

// Upstream is the interface for a DNS client.  Exchange reports the network
// that was actually used for the query, which matters for upstreams that are
// able to fall back from UDP to TCP.
type Upstream interface {
	Exchange(ctx context.Context, req *dns.Msg) (resp *dns.Msg, nw Network, err error)
	io.Closer
	fmt.Stringer
}

// Upstream URL schemes.  Addresses without a scheme are treated as plain-DNS
// upstreams with the UDP-to-TCP fallback.
const (
	schemeTCP   = "tcp"
	schemeTLS   = "tls"
	schemeHTTPS = "https"
	schemeQUIC  = "quic"
)

// Default ports for upstream protocols.
const (
	defaultPortPlain = 53
	defaultPortDoT   = 853
	defaultPortDoQ   = 853
)

// UpstreamConfig describes a single upstream server of any supported
// protocol.
type UpstreamConfig struct {
	// Address is the upstream address.  A bare "ip" or "ip:port" means plain
	// DNS, "tcp://ip:port" plain DNS over TCP only, "tls://host[:port]" DoT,
	// "https://host/path" DoH, and "quic://host[:port]" DoQ.
	Address string

	// Network restricts the network for plain-DNS upstreams.  It is ignored
	// for the encrypted protocols.
	Network Network

	// Timeout is the optional query timeout for the upstream.
	Timeout time.Duration

	// InsecureSkipVerify disables the verification of the upstream's TLS
	// certificate chain.
	InsecureSkipVerify bool
}

// NewUpstream creates an upstream of the protocol indicated by the address
// scheme.  c must not be nil.
func NewUpstream(c *UpstreamConfig) (u Upstream, err error) {
	defer func() { err = errors.Annotate(err, "upstream %q: %w", c.Address) }()

	if !strings.Contains(c.Address, "://") {
		return newUpstreamPlainAddr(c.Address, c.Network, c.Timeout)
	}

	addrURL, err := url.Parse(c.Address)
	if err != nil {
		return nil, fmt.Errorf("parsing address: %w", err)
	}

	switch addrURL.Scheme {
	case schemeTCP:
		return newUpstreamPlainAddr(addrURL.Host, NetworkTCP, c.Timeout)
	case schemeTLS:
		return NewUpstreamTLS(&UpstreamTLSConfig{
			TLSConfig: newUpstreamTLSConfig(addrURL.Hostname(), c.InsecureSkipVerify),
			Address:   hostPortWithDefault(addrURL, defaultPortDoT),
			Timeout:   c.Timeout,
		}), nil
	case schemeHTTPS:
		return NewUpstreamHTTPS(&UpstreamHTTPSConfig{
			URL:       addrURL,
			TLSConfig: newUpstreamTLSConfig(addrURL.Hostname(), c.InsecureSkipVerify),
			Timeout:   c.Timeout,
		}), nil
	case schemeQUIC:
		return NewUpstreamQUIC(&UpstreamQUICConfig{
			TLSConfig: newUpstreamTLSConfig(addrURL.Hostname(), c.InsecureSkipVerify),
			Address:   hostPortWithDefault(addrURL, defaultPortDoQ),
			Timeout:   c.Timeout,
		}), nil
	default:
		return nil, fmt.Errorf("scheme: %w: %q", errors.ErrBadEnumValue, addrURL.Scheme)
	}
}

// newUpstreamPlainAddr creates a plain-DNS upstream from the "ip[:port]"
// address form.
func newUpstreamPlainAddr(
	addr string,
	network Network,
	timeout time.Duration,
) (u Upstream, err error) {
	addrPort, err := parsePlainAddr(addr)
	if err != nil {
		return nil, fmt.Errorf("parsing address: %w", err)
	}

	return NewUpstreamPlain(&UpstreamPlainConfig{
		Network: network,
		Address: addrPort,
		Timeout: timeout,
	}), nil
}

// parsePlainAddr parses an "ip:port" or bare "ip" address, adding the default
// plain-DNS port in the latter case.
func parsePlainAddr(addr string) (addrPort netip.AddrPort, err error) {
	addrPort, err = netip.ParseAddrPort(addr)
	if err == nil {
		return addrPort, nil
	}

	ip, ipErr := netip.ParseAddr(addr)
	if ipErr != nil {
		// Return the original error since the address likely did contain a
		// port part.
		return netip.AddrPort{}, err
	}

	return netip.AddrPortFrom(ip, defaultPortPlain), nil
}

// newUpstreamTLSConfig returns a client TLS configuration with the SNI set to
// host.
func newUpstreamTLSConfig(host string, insecureSkipVerify bool) (conf *tls.Config) {
	return &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: insecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
}

// hostPortWithDefault returns the "host:port" form of the URL host, adding
// defaultPort if the URL has no explicit port.
func hostPortWithDefault(addrURL *url.URL, defaultPort uint16) (hostPort string) {
	port := addrURL.Port()
	if port == "" {
		return net.JoinHostPort(addrURL.Hostname(), fmt.Sprint(defaultPort))
	}

	return addrURL.Host
}
