package dnsserver

import (
	"context"

	"github.com/miekg/dns"
)

// MetricsListener is an interface that is used for monitoring the server's
// state.  The dnsserver package user may supply a MetricsListener
// implementation that would increment different kinds of metrics (for
// instance, prometheus metrics).  Every method accepts a context.Context as a
// parameter.  This context has server information attached to it that can be
// retrieved using [ServerInfoFromContext] or [MustServerInfoFromContext].
//
// Implementations must be safe for concurrent use.
type MetricsListener interface {
	// OnRequest is called when the server has finished processing a request,
	// and it knows what response has been written.
	//
	// ctx is the context of the DNS request.  Besides the server info, it
	// also contains the request info (see [MustRequestInfoFromContext]).
	//
	// info contains the request and response messages along with their
	// wire-format sizes.  Note that if the request was discarded (BadFormat
	// or NotImplemented) this method is still called, so the request message
	// may be incorrect (i.e. have no question section or whatever).  rw is
	// the ResponseWriter that was used to write the response.
	OnRequest(ctx context.Context, info *QueryInfo, rw ResponseWriter)

	// OnInvalidMsg is called when the server encounters an invalid DNS
	// message.  It may be simply crap bytes that cannot be unpacked or a
	// message that the server cannot accept (i.e. a request with a "response"
	// flag, etc).  ctx is the context of the DNS request.
	OnInvalidMsg(ctx context.Context)

	// OnError is called when any error (expected or unexpected) happened.
	// Besides incrementing metrics it can also be used for error reporting.
	// ctx is the context of the DNS request.
	OnError(ctx context.Context, err error)

	// OnPanic is called when a panic happened in a goroutine.  ctx is the
	// context of the DNS request.  v is the object returned by the recover()
	// method.
	OnPanic(ctx context.Context, v any)

	// OnQUICAddressValidation is called when a QUIC connection needs to
	// determine whether it's required or not to send the retry packet.  This
	// metric allows to keep an eye on how the addresses cache performs.
	OnQUICAddressValidation(hit bool)
}

// QueryInfo contains the request and response data passed to
// [MetricsListener.OnRequest].
type QueryInfo struct {
	// Request is the DNS request.  It must not be nil.
	Request *dns.Msg

	// Response is the DNS response.  It must not be nil.
	Response *dns.Msg

	// RequestSize is the size of the request in bytes as it was received
	// over the wire.
	RequestSize int

	// ResponseSize is the size of the response in bytes as it was written
	// to the client, zero if no response has actually been written.
	ResponseSize int
}

// EmptyMetricsListener implements MetricsListener with empty functions.  This
// implementation is used by default if the user does not supply a custom one.
type EmptyMetricsListener struct{}

// type check
var _ MetricsListener = EmptyMetricsListener{}

// OnRequest implements the [MetricsListener] interface for
// EmptyMetricsListener.
func (EmptyMetricsListener) OnRequest(_ context.Context, _ *QueryInfo, _ ResponseWriter) {}

// OnInvalidMsg implements the [MetricsListener] interface for
// EmptyMetricsListener.
func (EmptyMetricsListener) OnInvalidMsg(_ context.Context) {}

// OnError implements the [MetricsListener] interface for EmptyMetricsListener.
func (EmptyMetricsListener) OnError(_ context.Context, _ error) {}

// OnPanic implements the [MetricsListener] interface for EmptyMetricsListener.
func (EmptyMetricsListener) OnPanic(_ context.Context, _ any) {}

// OnQUICAddressValidation implements the [MetricsListener] interface for
// EmptyMetricsListener.
func (EmptyMetricsListener) OnQUICAddressValidation(_ bool) {}
