package cmd

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/AdguardTeam/golibs/validate"
	"github.com/WardenTeam/WardenDNS/internal/dnsmsg"
)

// Valid blocking mode strings for the configuration file.
const (
	blockingModeNXDOMAIN = "nxdomain"
	blockingModeNullIP   = "null_ip"
	blockingModeREFUSED  = "refused"
	blockingModeSinkhole = "sinkhole"
)

// defaultBlockedRespTTL is the TTL of synthesized blocked responses when the
// configuration does not set one.
const defaultBlockedRespTTL = 60 * time.Second

// filteringConfig is the configuration of the blocking behavior.
type filteringConfig struct {
	// BlockingMode is how blocked queries are answered: "nxdomain",
	// "null_ip", "refused", or "sinkhole".
	BlockingMode string `yaml:"blocking_mode"`

	// SinkholeIPv4 are the A records of sinkhole responses.
	SinkholeIPv4 []netip.Addr `yaml:"sinkhole_ipv4"`

	// SinkholeIPv6 are the AAAA records of sinkhole responses.
	SinkholeIPv6 []netip.Addr `yaml:"sinkhole_ipv6"`

	// BlockedResponseTTL is the TTL of synthesized blocked responses.
	BlockedResponseTTL timeutil.Duration `yaml:"blocked_response_ttl"`
}

// type check
var _ validate.Interface = (*filteringConfig)(nil)

// Validate implements the [validate.Interface] interface for
// *filteringConfig.
func (c *filteringConfig) Validate() (err error) {
	if c == nil {
		return nil
	}

	errs := []error{
		validate.NotNegative("blocked_response_ttl", c.BlockedResponseTTL),
	}

	switch c.BlockingMode {
	case "", blockingModeNXDOMAIN, blockingModeNullIP, blockingModeREFUSED:
		// Go on.
	case blockingModeSinkhole:
		if len(c.SinkholeIPv4) == 0 && len(c.SinkholeIPv6) == 0 {
			errs = append(errs, errors.Error(
				"blocking_mode: sinkhole requires sinkhole_ipv4 or sinkhole_ipv6",
			))
		}
	default:
		errs = append(errs, fmt.Errorf(
			"blocking_mode: %w: %q",
			errors.ErrBadEnumValue,
			c.BlockingMode,
		))
	}

	for i, a := range c.SinkholeIPv4 {
		if !a.Is4() {
			errs = append(errs, fmt.Errorf("sinkhole_ipv4: at index %d: not an ipv4 address", i))
		}
	}

	for i, a := range c.SinkholeIPv6 {
		if !a.Is6() || a.Is4In6() {
			errs = append(errs, fmt.Errorf("sinkhole_ipv6: at index %d: not an ipv6 address", i))
		}
	}

	return errors.Join(errs...)
}

// toInternal converts c to the message constructor configuration.  c may be
// nil and must be valid.
func (c *filteringConfig) toInternal(cloner *dnsmsg.Cloner) (conf *dnsmsg.ConstructorConfig) {
	mode := dnsmsg.BlockingMode(&dnsmsg.BlockingModeNXDOMAIN{})
	ttl := defaultBlockedRespTTL

	if c != nil {
		switch c.BlockingMode {
		case blockingModeNullIP:
			mode = &dnsmsg.BlockingModeNullIP{}
		case blockingModeREFUSED:
			mode = &dnsmsg.BlockingModeREFUSED{}
		case blockingModeSinkhole:
			mode = &dnsmsg.BlockingModeCustomIP{
				IPv4: c.SinkholeIPv4,
				IPv6: c.SinkholeIPv6,
			}
		default:
			// NXDOMAIN stays.
		}

		if time.Duration(c.BlockedResponseTTL) > 0 {
			ttl = time.Duration(c.BlockedResponseTTL)
		}
	}

	return &dnsmsg.ConstructorConfig{
		Cloner:              cloner,
		BlockingMode:        mode,
		StructuredErrors:    &dnsmsg.StructuredDNSErrorsConfig{},
		FilteredResponseTTL: ttl,
	}
}
