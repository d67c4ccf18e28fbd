package cmd

import (
	"fmt"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/AdguardTeam/golibs/validate"
	"github.com/WardenTeam/WardenDNS/internal/dnsserver"
	"github.com/c2h5oh/datasize"
	"github.com/miekg/dns"
)

// dnsConfig is the tuning of the plain and encrypted listeners and of query
// handling.
type dnsConfig struct {
	// ReadTimeout is the timeout for reading a query from a UDP or TCP/TLS
	// connection.
	ReadTimeout timeutil.Duration `yaml:"read_timeout"`

	// TCPIdleTimeout is the timeout for consecutive reads from a TCP/TLS
	// connection.
	TCPIdleTimeout timeutil.Duration `yaml:"tcp_idle_timeout"`

	// WriteTimeout is the timeout for writing a response to a UDP or TCP/TLS
	// connection.
	WriteTimeout timeutil.Duration `yaml:"write_timeout"`

	// HandleTimeout is the deadline for the entire handling of a single
	// query.
	HandleTimeout timeutil.Duration `yaml:"handle_timeout"`

	// MaxUDPResponseSize is the maximum size of a DNS response sent over the
	// UDP protocol.
	MaxUDPResponseSize datasize.ByteSize `yaml:"max_udp_response_size"`
}

// type check
var _ validate.Interface = (*dnsConfig)(nil)

// Validate implements the [validate.Interface] interface for *dnsConfig.
func (c *dnsConfig) Validate() (err error) {
	if c == nil {
		return nil
	}

	errs := []error{
		validate.NotNegative("read_timeout", c.ReadTimeout),
		validate.NotNegative("tcp_idle_timeout", c.TCPIdleTimeout),
		validate.NotNegative("write_timeout", c.WriteTimeout),
		validate.NotNegative("handle_timeout", c.HandleTimeout),
	}

	if time.Duration(c.TCPIdleTimeout) > dnsserver.MaxTCPIdleTimeout {
		errs = append(errs, fmt.Errorf(
			"tcp_idle_timeout: %w: must be no greater than %s, got %s",
			errors.ErrOutOfRange,
			dnsserver.MaxTCPIdleTimeout,
			c.TCPIdleTimeout,
		))
	}

	if c.MaxUDPResponseSize.Bytes() > dns.MaxMsgSize {
		errs = append(errs, fmt.Errorf(
			"max_udp_response_size: %w: must be no greater than %s, got %s",
			errors.ErrOutOfRange,
			datasize.ByteSize(dns.MaxMsgSize),
			c.MaxUDPResponseSize,
		))
	}

	return errors.Join(errs...)
}

// handleTimeout returns the per-query deadline.  c may be nil; zero means the
// default deadline.
func (c *dnsConfig) handleTimeout() (d time.Duration) {
	if c == nil {
		return 0
	}

	return time.Duration(c.HandleTimeout)
}

// toServerConf returns the listener configuration built on base.  c may be
// nil; zero fields keep the listener defaults.
func (c *dnsConfig) toServerConf(base *dnsserver.ConfigBase) (conf *dnsserver.ConfigDNS) {
	conf = &dnsserver.ConfigDNS{
		Base: base,
	}

	if c == nil {
		return conf
	}

	conf.ReadTimeout = time.Duration(c.ReadTimeout)
	conf.WriteTimeout = time.Duration(c.WriteTimeout)
	conf.TCPIdleTimeout = time.Duration(c.TCPIdleTimeout)
	conf.MaxUDPRespSize = uint16(c.MaxUDPResponseSize.Bytes())

	return conf
}
