package xfer

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/miekg/dns"
)

// ServerConfig is the configuration of the zone-maintenance server.
type ServerConfig struct {
	// Logger is used for logging the operation of the server.  It must not
	// be nil.
	Logger *slog.Logger

	// Handler serves the requests.  It must not be nil.
	Handler dns.Handler

	// Keys is the TSIG keyring used to verify and sign messages.  It must
	// not be nil.
	Keys *Keyring

	// Addr is the TCP address to listen on.
	Addr string
}

// Server is the TCP server for zone transfers, NOTIFY, and dynamic updates.
// Transfers are TCP-only, so no UDP listener is bound.
type Server struct {
	logger *slog.Logger
	keys   *Keyring
	srv    *dns.Server
	addr   string
}

// NewServer returns a new zone-maintenance server.  c must not be nil and
// must be valid.
func NewServer(c *ServerConfig) (s *Server) {
	return &Server{
		logger: c.Logger,
		keys:   c.Keys,
		srv: &dns.Server{
			Net:          "tcp",
			Handler:      c.Handler,
			TsigProvider: c.Keys,
		},
		addr: c.Addr,
	}
}

// type check
var _ service.Interface = (*Server)(nil)

// Start implements the [service.Interface] interface for *Server.  It binds
// the listener and starts serving in a separate goroutine.
func (s *Server) Start(ctx context.Context) (err error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("zone maintenance server: binding %s: %w", s.addr, err)
	}

	s.srv.Listener = ln

	go func() {
		serveErr := s.srv.ActivateAndServe()
		if serveErr != nil {
			s.logger.ErrorContext(ctx, "serving", slogutil.KeyError, serveErr)
		}
	}()

	s.logger.InfoContext(ctx, "listening", "addr", ln.Addr())

	return nil
}

// Shutdown implements the [service.Interface] interface for *Server.
func (s *Server) Shutdown(ctx context.Context) (err error) {
	err = s.srv.ShutdownContext(ctx)
	if err != nil {
		return fmt.Errorf("zone maintenance server: shutdown: %w", err)
	}

	return nil
}
