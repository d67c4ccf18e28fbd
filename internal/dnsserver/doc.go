/*
Package dnsserver implements the server side of all DNS protocols that Warden
DNS serves:

  - Plain DNS
  - DNS-over-TLS
  - DNS-over-HTTPS
  - DNS-over-QUIC
  - DNSCrypt

The dnsserver package is responsible for accepting DNS queries and for writing
and properly normalizing responses.  It does not contain any resolving or
forwarding functionality, that is implemented elsewhere.

All servers implement the [Server] interface which provides basic
functionality.

# Handlers

You need to pass a [Handler] to the server constructor.  Here is an example of
a simple handler function that forwards queries to Google Public DNS:

	handler := dnsserver.HandlerFunc(
		func(ctx context.Context, rw dnsserver.ResponseWriter, req *dns.Msg) error {
			// Forward the request to Google Public DNS.
			res, err := dns.Exchange(req, "8.8.8.8:53")
			if err != nil {
				// The server writes a SERVFAIL response if a handler
				// returns an error.
				return err
			}

			return rw.WriteMsg(ctx, req, res)
		},
	)

Alternatively, you can use forward.NewHandler to create a DNS forwarding
handler (see below).

# Plain DNS

By default, a plain DNS server listens to both TCP and UDP unless Network is
specified in the configuration.  Here is how to create a simple plain DNS
server:

	conf := &dnsserver.ConfigDNS{
		Base: &dnsserver.ConfigBase{
			BaseLogger: logger,
			Name:       "test",
			Addr:       "127.0.0.1:0",
			Handler:    handler,
		},
	}
	srv := dnsserver.NewServerDNS(conf)
	err := srv.Start(context.Background())

# DNS-over-TLS

In order to use a DoT server, you also need to supply a [*tls.Config] with the
certificate and its private key.

	conf := &dnsserver.ConfigTLS{
		DNS: &dnsserver.ConfigDNS{
			Base: &dnsserver.ConfigBase{
				BaseLogger: logger,
				Name:       "test",
				Addr:       "127.0.0.1:0",
				Handler:    handler,
			},
		},
		TLSConfig: tlsConfig,
	}
	s := dnsserver.NewServerTLS(conf)
	err := s.Start(context.Background())

# DNS-over-HTTPS

A DoH server uses an [*http.Server] and/or [*http3.Server] internally.  There
are a couple of things to note:

 1. The TLS configurations can be omitted, but you must set
    [ConfigBase.Network] to NetworkTCP.  In this case the server will work
    simply as a plain HTTP server.  This might be useful if you're running a
    reverse proxy in front of your DoH server.  If you do specify them, the
    server will listen to both DoH2 and DoH3 by default.

 2. In the configuration you can specify an optional [http.Handler] that
    processes non-DNS requests, i.e. requests to paths different from
    "/dns-query" and "/resolve".

Example:

	conf := &dnsserver.ConfigHTTPS{
		Base: &dnsserver.ConfigBase{
			BaseLogger: logger,
			Name:       "test",
			Addr:       "127.0.0.1:0",
			Handler:    handler,
		},
		TLSConfDefault: tlsConfig,
		TLSConfH3:      tlsConfigH3,
		NonDNSHandler:  nonDNSHandler,
	}
	s := dnsserver.NewServerHTTPS(conf)
	err := s.Start(context.Background())

# DNS-over-QUIC

A DoQ server uses the [quic-go module].  Just like DoH and DoT, it requires a
[*tls.Config] to encrypt the data.

	conf := &dnsserver.ConfigQUIC{
		Base: &dnsserver.ConfigBase{
			BaseLogger: logger,
			Name:       "test",
			Addr:       "127.0.0.1:0",
			Handler:    handler,
		},
		TLSConfig: tlsConfig,
	}
	s := dnsserver.NewServerQUIC(conf)
	err := s.Start(context.Background())

# DNSCrypt

DNSCrypt servers use the [dnscrypt module].  In order to run a DNSCrypt server
you need to supply a DNSCrypt resolver certificate.  Read the [module
documentation] about how to initialize it.

	conf := &dnsserver.ConfigDNSCrypt{
		Base: &dnsserver.ConfigBase{
			BaseLogger: logger,
			Name:       "test",
			Addr:       "127.0.0.1:0",
			Handler:    handler,
		},
		ProviderName: providerName,
		ResolverCert: cert,
	}
	s := dnsserver.NewServerDNSCrypt(conf)
	err := s.Start(context.Background())

# Middlewares

Package dnsserver supports customizing server behavior using middlewares.  All
you need to do is implement the [Middleware] interface and use it this way:

	forwarder := forward.NewHandler(fwdConf)
	handler := dnsserver.WithMiddlewares(forwarder, middleware)

After that you can use the resulting handler when creating server instances.

# Metrics And Error Reporting

Package dnsserver allows you to register custom listeners which are called
when a DNS request has been processed or when an error has occurred.  In order
to use them, you need to implement the [MetricsListener] interface and set it
in the server configuration.  For instance, you can use
prometheus.ServerMetricsListener to make it record prometheus metrics.

[quic-go module]: https://github.com/quic-go/quic-go
[dnscrypt module]: https://github.com/ameshkov/dnscrypt
[module documentation]: https://github.com/ameshkov/dnscrypt#server
*/
package dnsserver
