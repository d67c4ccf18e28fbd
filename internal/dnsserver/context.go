package dnsserver

import (
	"context"
	"net/url"
	"time"
)

// ctxKey is the type for all the keys of the context values in this package.
type ctxKey int

// Constants for the context values.
const (
	ctxKeyServerInfo ctxKey = iota
	ctxKeyRequestInfo
	ctxKeyResolutionInfo
)

// ServerInfo is a structure that contains basic server information.  It is
// attached to every context.Context created inside dnsserver.
type ServerInfo struct {
	// Name is the name of the server (Server.Name).
	Name string

	// Addr is the address that the server is configured to listen on.
	Addr string

	// Proto is the protocol of the server (Server.Proto).
	Proto Protocol
}

// ContextWithServerInfo attaches ServerInfo to the specified context.  si
// must not be nil.
func ContextWithServerInfo(parent context.Context, si *ServerInfo) (ctx context.Context) {
	return context.WithValue(parent, ctxKeyServerInfo, si)
}

// ServerInfoFromContext gets ServerInfo attached to the context.
func ServerInfoFromContext(ctx context.Context) (si *ServerInfo, found bool) {
	si, found = ctx.Value(ctxKeyServerInfo).(*ServerInfo)

	return si, found
}

// MustServerInfoFromContext gets ServerInfo attached to the context and panics
// if it is not found.
func MustServerInfoFromContext(ctx context.Context) (si *ServerInfo) {
	si, found := ServerInfoFromContext(ctx)
	if !found {
		panic("server info not found in the context")
	}

	return si
}

// RequestInfo is a structure that contains basic request information.  It is
// attached to every context.Context created inside dnsserver before the
// handler is called.
type RequestInfo struct {
	// StartTime is the time when the server has started processing the
	// request.
	StartTime time.Time

	// URL is the request URL.  It is set only if the protocol of the server
	// is DoH.
	URL *url.URL

	// Userinfo is the userinfo from the basic authentication header of the
	// request.  It is set only if the protocol of the server is DoH.
	Userinfo *url.Userinfo

	// TLSServerName is the server name field of the client's TLS hello
	// request.  It is set only if the protocol of the server is either DoQ,
	// DoT, or DoH.  Note that the original SNI is transformed to lower-case.
	TLSServerName string

	// RawMsg is the original wire-format request as it was read from the
	// client, before unpacking.  Handlers that verify TSIG signatures require
	// the untouched bytes.  It must not be modified and must not be retained
	// after the request has been processed.
	RawMsg []byte
}

// ContextWithRequestInfo attaches RequestInfo to the specified context.  ri
// must not be nil, and ri.StartTime must be set.
func ContextWithRequestInfo(parent context.Context, ri *RequestInfo) (ctx context.Context) {
	return context.WithValue(parent, ctxKeyRequestInfo, ri)
}

// RequestInfoFromContext gets RequestInfo attached to the context.
func RequestInfoFromContext(ctx context.Context) (ri *RequestInfo, found bool) {
	ri, found = ctx.Value(ctxKeyRequestInfo).(*RequestInfo)

	return ri, found
}

// MustRequestInfoFromContext gets RequestInfo attached to the context and
// panics if it is not found.
func MustRequestInfoFromContext(ctx context.Context) (ri *RequestInfo) {
	ri, found := RequestInfoFromContext(ctx)
	if !found {
		panic("request info not found in the context")
	}

	return ri
}

// ResolutionInfo accumulates details about how a query was resolved.  The
// outer layer of a handler chain attaches an empty ResolutionInfo before
// serving; the inner parts fill it in as they go.
type ResolutionInfo struct {
	// Upstream is the string representation of the upstream that produced
	// the response, if the query was forwarded.
	Upstream string

	// Cached is true if the response was served from the cache.
	Cached bool
}

// ContextWithResolutionInfo attaches ResolutionInfo to the specified context.
// ri must not be nil.
func ContextWithResolutionInfo(parent context.Context, ri *ResolutionInfo) (ctx context.Context) {
	return context.WithValue(parent, ctxKeyResolutionInfo, ri)
}

// ResolutionInfoFromContext gets ResolutionInfo attached to the context.
func ResolutionInfoFromContext(ctx context.Context) (ri *ResolutionInfo, found bool) {
	ri, found = ctx.Value(ctxKeyResolutionInfo).(*ResolutionInfo)

	return ri, found
}
