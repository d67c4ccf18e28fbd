package dnsservertest

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/WardenTeam/WardenDNS/internal/dnsserver"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/ameshkov/dnscrypt/v2"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// RunDNSServer starts a plain DNS test server with the given handler and
// shuts it down when the test finishes.  addr is where clients can reach
// it.
func RunDNSServer(t testing.TB, h dnsserver.Handler) (s *dnsserver.ServerDNS, addr string) {
	t.Helper()

	conf := &dnsserver.ConfigDNS{
		Base: &dnsserver.ConfigBase{
			BaseLogger: slogutil.NewDiscardLogger(),
			Name:       "test",
			Addr:       "127.0.0.1:0",
			Handler:    h,
		},
		MaxUDPRespSize: dns.MaxMsgSize,
	}
	s = dnsserver.NewServerDNS(conf)
	require.Equal(t, dnsserver.ProtoDNS, s.Proto())

	err := runWithRetry(func() error { return s.Start(context.Background()) })
	require.NoError(t, err)

	testutil.CleanupAndRequireSuccess(t, func() (err error) {
		return s.Shutdown(context.Background())
	})

	localAddr := s.LocalTCPAddr()
	if localAddr == nil {
		localAddr = s.LocalUDPAddr()
	}

	return s, localAddr.String()
}

// RunTLSServer starts a DoT test server with the given handler and shuts it
// down when the test finishes.  addr is where clients can reach it.
func RunTLSServer(t testing.TB, h dnsserver.Handler, tlsConfig *tls.Config) (addr *net.TCPAddr) {
	t.Helper()

	conf := &dnsserver.ConfigTLS{
		DNS: &dnsserver.ConfigDNS{
			Base: &dnsserver.ConfigBase{
				BaseLogger: slogutil.NewDiscardLogger(),
				Name:       "test",
				Addr:       "127.0.0.1:0",
				Handler:    h,
			},
		},
		TLSConfig: tlsConfig,
	}

	s := dnsserver.NewServerTLS(conf)
	require.Equal(t, dnsserver.ProtoDoT, s.Proto())

	err := runWithRetry(func() error { return s.Start(context.Background()) })
	require.NoError(t, err)

	testutil.CleanupAndRequireSuccess(t, func() (err error) {
		return s.Shutdown(context.Background())
	})

	return testutil.RequireTypeAssert[*net.TCPAddr](t, s.LocalTCPAddr())
}

// TestDNSCryptServer bundles a running DNSCrypt test server with the client
// parameters needed to query it.
type TestDNSCryptServer struct {
	Srv          *dnsserver.ServerDNSCrypt
	ProviderName string
	ServerAddr   string
	ResolverPk   ed25519.PublicKey
}

// RunDNSCryptServer starts a DNSCrypt test server with the given handler
// and shuts it down when the test finishes.
func RunDNSCryptServer(t testing.TB, h dnsserver.Handler) (s *TestDNSCryptServer) {
	t.Helper()

	s = &TestDNSCryptServer{
		ProviderName: "example.org",
	}

	rc, err := dnscrypt.GenerateResolverConfig(s.ProviderName, nil)
	require.NoError(t, err)

	cert, err := rc.CreateCert()
	require.NoError(t, err)

	// The client needs the resolver's public key.
	var privateKey []byte
	privateKey, err = dnscrypt.HexDecodeKey(rc.PrivateKey)
	require.NoError(t, err)

	pk := ed25519.PrivateKey(privateKey).Public()

	s.ResolverPk = testutil.RequireTypeAssert[ed25519.PublicKey](t, pk)

	conf := &dnsserver.ConfigDNSCrypt{
		Base: &dnsserver.ConfigBase{
			BaseLogger: slogutil.NewDiscardLogger(),
			Name:       "test",
			Addr:       "127.0.0.1:0",
			Handler:    h,
		},
		ProviderName: s.ProviderName,
		ResolverCert: cert,
	}

	s.Srv = dnsserver.NewServerDNSCrypt(conf)
	require.Equal(t, dnsserver.ProtoDNSCrypt, s.Srv.Proto())

	err = runWithRetry(func() error { return s.Srv.Start(context.Background()) })
	require.NoError(t, err)

	testutil.CleanupAndRequireSuccess(t, func() (err error) {
		return s.Srv.Shutdown(context.Background())
	})

	// UDP and TCP listen on the same address, either string form works.
	s.ServerAddr = s.Srv.LocalUDPAddr().String()

	return s
}

// RunLocalHTTPSServer starts a DoH test server with the given handler.
// addr is where clients can reach it.
func RunLocalHTTPSServer(
	h dnsserver.Handler,
	tlsConfig *tls.Config,
	nonDNSHandler http.Handler,
) (s *dnsserver.ServerHTTPS, err error) {
	network := dnsserver.NetworkAny
	if tlsConfig == nil {
		network = dnsserver.NetworkTCP
	}

	var tlsConfigH3 *tls.Config
	if tlsConfig != nil {
		tlsConfigH3 = tlsConfig.Clone()

		tlsConfig.NextProtos = dnsserver.NextProtoDoH
		tlsConfigH3.NextProtos = dnsserver.NextProtoDoH3
	}

	conf := &dnsserver.ConfigHTTPS{
		Base: &dnsserver.ConfigBase{
			BaseLogger: slogutil.NewDiscardLogger(),
			Name:       "test",
			Addr:       "127.0.0.1:0",
			Handler:    h,
			Network:    network,
		},
		TLSConfDefault: tlsConfig,
		TLSConfH3:      tlsConfigH3,
		NonDNSHandler:  nonDNSHandler,
	}

	s = dnsserver.NewServerHTTPS(conf)
	if s.Proto() != dnsserver.ProtoDoH {
		return nil, errors.Error("invalid protocol")
	}

	err = s.Start(context.Background())
	if err != nil {
		return nil, err
	}

	return s, nil
}

// RunLocalQUICServer starts a DoQ test server with the given handler.  addr
// is where clients can reach it.
func RunLocalQUICServer(
	h dnsserver.Handler,
	tlsConfig *tls.Config,
) (s *dnsserver.ServerQUIC, addr *net.UDPAddr, err error) {
	conf := &dnsserver.ConfigQUIC{
		TLSConfig: tlsConfig,
		Base: &dnsserver.ConfigBase{
			BaseLogger: slogutil.NewDiscardLogger(),
			Name:       "test",
			Addr:       "127.0.0.1:0",
			Handler:    h,
		},
	}

	s = dnsserver.NewServerQUIC(conf)
	if s.Proto() != dnsserver.ProtoDoQ {
		return nil, nil, errors.Error("invalid protocol")
	}

	err = s.Start(context.Background())
	if err != nil {
		return nil, nil, err
	}

	addr, ok := s.LocalUDPAddr().(*net.UDPAddr)
	if !ok {
		return nil, nil, fmt.Errorf("invalid listen addr: %T(%[1]v)", s.LocalUDPAddr())
	}

	return s, addr, nil
}

// runWithRetry calls exec, retrying a few times when the picked port turns
// out to be already in use.
func runWithRetry(exec func() error) (err error) {
	err = exec()
	if err != nil {
		if errorIsAddrInUse(err) {
			// Give system time to release sockets.
			time.Sleep(200 * time.Millisecond)

			err = exec()
			if err != nil {
				err = fmt.Errorf("after one retry: %w", err)
			}
		}
	}

	return err
}
