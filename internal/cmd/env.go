package cmd

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/AdguardTeam/golibs/validate"
	"github.com/WardenTeam/WardenDNS/internal/debugsvc"
	"github.com/WardenTeam/WardenDNS/internal/errcoll"
	"github.com/WardenTeam/WardenDNS/internal/version"
	"github.com/caarlos0/env/v7"
	"github.com/getsentry/sentry-go"
)

// environment represents the configuration that is kept in the environment.
type environment struct {
	ConfPath    string `env:"CONFIG_PATH" envDefault:"./config.yaml"`
	DoHPath     string `env:"DOH_PATH" envDefault:"/dns-query"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"text"`
	QueryDump   string `env:"QUERY_DUMP_PATH"`
	SentryDSN   string `env:"SENTRY_DSN" envDefault:"stderr"`
	StoragePath string `env:"STORAGE_PATH" envDefault:"./warden.db"`
	TLSCertPath string `env:"TLS_CERT_PATH"`
	TLSKeyPath  string `env:"TLS_KEY_PATH"`

	UpstreamDNS []string `env:"UPSTREAM_DNS" envSeparator:"," envDefault:"9.9.9.9"`

	ListenAddr net.IP `env:"LISTEN_ADDR" envDefault:"127.0.0.1"`

	CacheMaxEntries int `env:"CACHE_MAX_ENTRIES" envDefault:"100000"`

	RateLimitMax      uint `env:"RATE_LIMIT_MAX" envDefault:"1000"`
	RateLimitWindowMS uint `env:"RATE_LIMIT_WINDOW_MS" envDefault:"60000"`

	DNSPort    uint16 `env:"DNS_PORT" envDefault:"53"`
	DoHPort    uint16 `env:"DOH_PORT" envDefault:"443"`
	DoTPort    uint16 `env:"DOT_PORT" envDefault:"853"`
	DoQPort    uint16 `env:"DOQ_PORT" envDefault:"853"`
	ListenPort uint16 `env:"LISTEN_PORT" envDefault:"8181"`

	Verbosity uint8 `env:"VERBOSE" envDefault:"0"`

	CacheEnabled          strictBool `env:"CACHE_ENABLED" envDefault:"1"`
	DNSSECValidation      strictBool `env:"DNSSEC_VALIDATION" envDefault:"1"`
	DNSSECChainValidation strictBool `env:"DNSSEC_CHAIN_VALIDATION" envDefault:"0"`
	LogTimestamp          strictBool `env:"LOG_TIMESTAMP" envDefault:"1"`
	PrivacyMode           strictBool `env:"PRIVACY_MODE" envDefault:"0"`
}

// parseEnvironment reads the configuration.
func parseEnvironment() (envs *environment, err error) {
	envs = &environment{}
	err = env.Parse(envs)
	if err != nil {
		return nil, fmt.Errorf("parsing environments: %w", err)
	}

	return envs, nil
}

// type check
var _ validate.Interface = (*environment)(nil)

// Validate implements the [validate.Interface] interface for *environment.
func (envs *environment) Validate() (err error) {
	errs := []error{
		validate.NotEmpty("STORAGE_PATH", envs.StoragePath),
		validate.NotEmptySlice("UPSTREAM_DNS", envs.UpstreamDNS),
		validate.Positive("DNS_PORT", envs.DNSPort),
		validate.Positive("RATE_LIMIT_MAX", envs.RateLimitMax),
		validate.Positive("RATE_LIMIT_WINDOW_MS", envs.RateLimitWindowMS),
	}

	if !strings.HasPrefix(envs.DoHPath, "/") {
		errs = append(errs, fmt.Errorf("DOH_PATH: %q: must be absolute", envs.DoHPath))
	}

	if envs.CacheEnabled {
		errs = append(errs, validate.Positive("CACHE_MAX_ENTRIES", envs.CacheMaxEntries))
	}

	if (envs.TLSCertPath == "") != (envs.TLSKeyPath == "") {
		errs = append(errs, errors.Error(
			"TLS_CERT_PATH and TLS_KEY_PATH: must be set together",
		))
	}

	_, err = slogutil.NewFormat(envs.LogFormat)
	if err != nil {
		errs = append(errs, fmt.Errorf("LOG_FORMAT: %w", err))
	}

	_, err = slogutil.VerbosityToLevel(envs.Verbosity)
	if err != nil {
		errs = append(errs, fmt.Errorf("VERBOSE: %w", err))
	}

	return errors.Join(errs...)
}

// isTLSConfigured returns true if the encrypted listeners should be started.
func (envs *environment) isTLSConfigured() (ok bool) {
	return envs.TLSCertPath != "" && envs.TLSKeyPath != ""
}

// buildErrColl builds and returns an error collector from environment.
// baseLogger must not be nil.
func (envs *environment) buildErrColl(
	baseLogger *slog.Logger,
) (errColl errcoll.Interface, err error) {
	dsn := envs.SentryDSN
	if dsn == "stderr" {
		return errcoll.NewWriterErrorCollector(os.Stderr), nil
	}

	cli, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:              dsn,
		AttachStacktrace: true,
		Release:          version.Version(),
	})
	if err != nil {
		return nil, err
	}

	l := baseLogger.With(slogutil.KeyPrefix, "sentry_errcoll")

	return errcoll.NewSentryErrorCollector(cli, l), nil
}

// debugConf returns a debug HTTP service configuration from environment.  The
// cache and refresher handlers are set by the builder.
func (envs *environment) debugConf(logger *slog.Logger) (conf *debugsvc.Config) {
	addr := netutil.JoinHostPort(envs.ListenAddr.String(), envs.ListenPort)

	return &debugsvc.Config{
		Logger:         logger.With(slogutil.KeyPrefix, "debugsvc"),
		APIAddr:        addr,
		PprofAddr:      addr,
		PrometheusAddr: addr,
	}
}

// strictBool is a type for booleans that are parsed from the environment more
// strictly than the usual bool.  It only accepts "0" and "1" as valid values.
type strictBool bool

// UnmarshalText implements the encoding.TextUnmarshaler interface for
// *strictBool.
func (sb *strictBool) UnmarshalText(b []byte) (err error) {
	if len(b) == 1 {
		switch b[0] {
		case '0':
			*sb = false

			return nil
		case '1':
			*sb = true

			return nil
		default:
			// Go on and return an error.
		}
	}

	return fmt.Errorf("invalid value %q, supported: %q, %q", b, "0", "1")
}
