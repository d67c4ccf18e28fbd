package cmd

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/WardenTeam/WardenDNS/internal/dnsserver"
	dnssvcprom "github.com/WardenTeam/WardenDNS/internal/dnsserver/prometheus"
	dnssrvlog "github.com/WardenTeam/WardenDNS/internal/dnsserver/querylog"
)

// Names of the DNS listeners, used for logging and metrics.
const (
	srvNamePlain    = "dns"
	srvNameDoT      = "dot"
	srvNameDoQ      = "doq"
	srvNameDoH      = "doh"
	srvNameDNSCrypt = "dnscrypt"
)

// startDNSServers builds the listener set from the environment and the
// configuration file and starts every listener.  An error from this method is
// a bind failure.
//
// [builder.initDNSService] and [builder.initDNSCrypt] must be called before
// this method.
func (b *builder) startDNSServers(ctx context.Context) (err error) {
	b.srvMtrc, err = dnssvcprom.NewServerMetricsListener(b.mtrcNamespace, b.promRegisterer)
	if err != nil {
		return fmt.Errorf("registering server metrics: %w", err)
	}

	handler, err := b.serverHandler()
	if err != nil {
		return fmt.Errorf("building server handler: %w", err)
	}

	srvs := []dnsserver.Server{
		dnsserver.NewServerDNS(
			b.conf.DNS.toServerConf(b.serverConfBase(srvNamePlain, b.env.DNSPort, handler)),
		),
	}

	if b.env.isTLSConfigured() {
		var encrypted []dnsserver.Server
		encrypted, err = b.encryptedServers(handler)
		if err != nil {
			return fmt.Errorf("building encrypted servers: %w", err)
		}

		srvs = append(srvs, encrypted...)
	}

	if b.dcSrvConf != nil {
		srvs = append(srvs, dnsserver.NewServerDNSCrypt(&dnsserver.ConfigDNSCrypt{
			Base: &dnsserver.ConfigBase{
				BaseLogger: b.baseLogger,
				Handler:    handler,
				Metrics:    b.srvMtrc,
				Name:       srvNameDNSCrypt,
				Addr:       b.dcSrvConf.Addr,
			},
			ResolverCert: b.dcSrvConf.Cert,
			ProviderName: b.dcSrvConf.ProviderName,
		}))
	}

	for _, srv := range srvs {
		err = srv.Start(context.WithoutCancel(ctx))
		if err != nil {
			return fmt.Errorf("starting %s server: %w", srv.Name(), err)
		}

		b.sigHdlr.AddService(srv)

		b.logger.InfoContext(ctx, "listener started", "name", srv.Name(), "addr", srv.Addr())
	}

	return nil
}

// encryptedServers returns the DoT, DoQ, and DoH listeners.
func (b *builder) encryptedServers(
	handler dnsserver.Handler,
) (srvs []dnsserver.Server, err error) {
	cert, err := tls.LoadX509KeyPair(b.env.TLSCertPath, b.env.TLSKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading tls certificate: %w", err)
	}

	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	tlsConfDoH := tlsConf.Clone()
	tlsConfDoH.NextProtos = dnsserver.NextProtoDoH

	tlsConfH3 := tlsConf.Clone()
	tlsConfH3.NextProtos = dnsserver.NextProtoDoH3

	return []dnsserver.Server{
		dnsserver.NewServerTLS(&dnsserver.ConfigTLS{
			TLSConfig: tlsConf.Clone(),
			DNS:       b.conf.DNS.toServerConf(b.serverConfBase(srvNameDoT, b.env.DoTPort, handler)),
		}),
		dnsserver.NewServerQUIC(&dnsserver.ConfigQUIC{
			TLSConfig: tlsConf.Clone(),
			Base:      b.serverConfBase(srvNameDoQ, b.env.DoQPort, handler),
		}),
		dnsserver.NewServerHTTPS(&dnsserver.ConfigHTTPS{
			TLSConfDefault: tlsConfDoH,
			TLSConfH3:      tlsConfH3,
			Base:           b.serverConfBase(srvNameDoH, b.env.DoHPort, handler),
			Path:           b.env.DoHPath,
		}),
	}, nil
}

// serverConfBase returns the base configuration for a listener on the given
// port.
func (b *builder) serverConfBase(
	name string,
	port uint16,
	handler dnsserver.Handler,
) (conf *dnsserver.ConfigBase) {
	return &dnsserver.ConfigBase{
		BaseLogger: b.baseLogger,
		Handler:    handler,
		Metrics:    b.srvMtrc,
		Name:       name,
		Addr:       netutil.JoinHostPort(b.env.ListenAddr.String(), port),
	}
}

// serverHandler returns the handler chain served to clients, optionally
// wrapped with the plain-text query dump.
func (b *builder) serverHandler() (h dnsserver.Handler, err error) {
	h = b.dnsSvc.Handler()
	if b.env.QueryDump == "" {
		return h, nil
	}

	f, err := os.OpenFile(b.env.QueryDump, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening query dump: %w", err)
	}

	// The dump file stays open for the lifetime of the process.
	mw := dnssrvlog.NewLogMiddleware(f, b.baseLogger.With(slogutil.KeyPrefix, "querydump"))

	return mw.Wrap(h), nil
}
