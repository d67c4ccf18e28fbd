package querylog

import (
	"net/netip"
	"time"

	"github.com/WardenTeam/WardenDNS/internal/dnsmsg"
)

// Entry is a single query log entry.
type Entry struct {
	// Time is the time of receiving the request.
	Time time.Time

	// ClientIP is the address of the client.  It is cleared by the log when
	// privacy mode is on, before the entry reaches storage or subscribers.
	ClientIP netip.Addr

	// Client identifies the client in stored and streamed entries: the
	// textual address, or its keyed daily hash in privacy mode.
	Client string

	// Domain is the fully-qualified name of the requested resource.
	Domain string

	// Upstream is the address of the upstream that served the query, if
	// any.
	Upstream string

	// BlockReason names the tier that blocked the query, for example
	// "blocklist" or "ratelimit".  It is empty when Blocked is false.
	BlockReason string

	// Elapsed is the time spent processing the request.
	Elapsed time.Duration

	// RequestType is the type of the resource record of the query.
	RequestType dnsmsg.RRType

	// ResponseCode is the response code sent to the client.
	ResponseCode dnsmsg.RCode

	// Blocked is true when the query was refused or sinkholed by a filter
	// tier.
	Blocked bool

	// Cached is true when the response was served from the cache.
	Cached bool
}

// clone returns a deep copy of e.
func (e *Entry) clone() (c *Entry) {
	cc := *e

	return &cc
}
