package cmd

import (
	"fmt"
	"os"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/validate"
	"github.com/ameshkov/dnscrypt/v2"
	"gopkg.in/yaml.v2"
)

// dnsCryptConfig are the optional DNSCrypt listener settings.
type dnsCryptConfig struct {
	// Inline is the inline resolver configuration.  Must be empty if
	// ConfigPath is not empty.
	Inline *dnscrypt.ResolverConfig `yaml:"inline"`

	// ConfigPath is the path to the DNSCrypt resolver configuration file.
	// Must be empty if Inline is not empty.
	ConfigPath string `yaml:"config_path"`

	// Addr is the address the DNSCrypt listener binds to.
	Addr string `yaml:"addr"`

	// Enabled enables the listener.
	Enabled bool `yaml:"enabled"`
}

// dnsCryptServerConfig is the run-time form of the DNSCrypt settings.
type dnsCryptServerConfig struct {
	// Cert is the DNSCrypt server certificate.
	Cert *dnscrypt.Cert

	// ProviderName is the DNSCrypt provider name.
	ProviderName string

	// Addr is the address the listener binds to.
	Addr string
}

// type check
var _ validate.Interface = (*dnsCryptConfig)(nil)

// Validate implements the [validate.Interface] interface for
// *dnsCryptConfig.
func (c *dnsCryptConfig) Validate() (err error) {
	if c == nil || !c.Enabled {
		return nil
	}

	errs := []error{
		validate.NotEmpty("addr", c.Addr),
	}

	if (c.ConfigPath == "") == (c.Inline == nil) {
		errs = append(errs, errors.Error("must provide either config_path or inline"))
	}

	if c.Inline != nil {
		err = validateDNSCrypt(c.Inline)
		if err != nil {
			errs = append(errs, fmt.Errorf("inline: %w", err))
		}
	}

	return errors.Join(errs...)
}

// toInternal converts c to the DNSCrypt configuration for a DNS server.  c
// must be valid.  conf is nil if the listener is disabled.
func (c *dnsCryptConfig) toInternal() (conf *dnsCryptServerConfig, err error) {
	if c == nil || !c.Enabled {
		return nil, nil
	}

	rc := c.Inline
	if rc == nil {
		var f *os.File
		f, err = os.Open(c.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("opening dnscrypt config: %w", err)
		}
		defer func() { err = errors.WithDeferred(err, f.Close()) }()

		rc = &dnscrypt.ResolverConfig{}
		err = yaml.NewDecoder(f).Decode(rc)
		if err != nil {
			return nil, fmt.Errorf("decoding dnscrypt config: %w", err)
		}

		err = validateDNSCrypt(rc)
		if err != nil {
			return nil, fmt.Errorf("validating dnscrypt config: %w", err)
		}
	}

	var cert *dnscrypt.Cert
	cert, err = rc.CreateCert()
	if err != nil {
		return nil, fmt.Errorf("creating dnscrypt cert: %w", err)
	}

	return &dnsCryptServerConfig{
		Cert:         cert,
		ProviderName: rc.ProviderName,
		Addr:         c.Addr,
	}, nil
}

// validateDNSCrypt validates DNSCrypt resolver configuration.  rc must not be
// nil.
func validateDNSCrypt(rc *dnscrypt.ResolverConfig) (err error) {
	errs := []error{
		validate.NotEmpty("provider_name", rc.ProviderName),
		validate.NotEmpty("public_key", rc.PublicKey),
		validate.NotEmpty("private_key", rc.PrivateKey),
	}

	if rc.EsVersion != dnscrypt.XChacha20Poly1305 && rc.EsVersion != dnscrypt.XSalsa20Poly1305 {
		errs = append(errs, fmt.Errorf("es_version: %w: %d", errors.ErrBadEnumValue, rc.EsVersion))
	}

	return errors.Join(errs...)
}
