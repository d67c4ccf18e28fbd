package forward

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/WardenTeam/WardenDNS/internal/dnsserver"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/miekg/dns"
)

// UpstreamHTTPSConfig is the configuration structure for a DNS-over-HTTPS
// upstream.
type UpstreamHTTPSConfig struct {
	// URL is the full DoH resolver endpoint, e.g.
	// "https://dns.example.org/dns-query".  It must not be nil.
	URL *url.URL

	// TLSConfig is the optional TLS configuration for connecting to the
	// upstream.
	TLSConfig *tls.Config

	// Timeout is the optional query timeout for the upstream.
	Timeout time.Duration

	// UseGET makes the client send queries with the GET method and the
	// base64url-encoded "dns" query parameter instead of POST.
	UseGET bool
}

// UpstreamHTTPS is a DNS-over-HTTPS client.  Servers responding with the
// Google JSON API format are supported in addition to the RFC 8484 wire
// format.
type UpstreamHTTPS struct {
	client *http.Client
	url    *url.URL
	useGET bool
}

// type check
var _ Upstream = (*UpstreamHTTPS)(nil)

// NewUpstreamHTTPS returns a new properly initialized *UpstreamHTTPS.  c must
// not be nil.
func NewUpstreamHTTPS(c *UpstreamHTTPSConfig) (ups *UpstreamHTTPS) {
	transport := &http.Transport{
		TLSClientConfig:   c.TLSConfig.Clone(),
		ForceAttemptHTTP2: true,
		IdleConnTimeout:   poolIdleTimeout,
		MaxIdleConns:      poolMaxCapacity,
	}

	return &UpstreamHTTPS{
		client: &http.Client{
			Transport: transport,
			Timeout:   c.Timeout,
		},
		url:    c.URL,
		useGET: c.UseGET,
	}
}

// Exchange implements the [Upstream] interface for *UpstreamHTTPS.
func (u *UpstreamHTTPS) Exchange(
	ctx context.Context,
	req *dns.Msg,
) (resp *dns.Msg, nw Network, err error) {
	defer func() { err = errors.Annotate(err, "upstreamhttps: %w") }()

	nw = NetworkTCP

	// Use the zero message ID on the wire as RFC 8484 suggests for cache
	// friendliness, and restore the original one afterwards.
	id := req.Id
	req.Id = 0
	defer func() {
		req.Id = id
		if resp != nil {
			resp.Id = id
		}
	}()

	wire, err := req.Pack()
	if err != nil {
		return nil, nw, fmt.Errorf("packing request: %w", err)
	}

	httpReq, err := u.newHTTPRequest(ctx, wire)
	if err != nil {
		return nil, nw, fmt.Errorf("creating http request: %w", err)
	}

	httpResp, err := u.client.Do(httpReq)
	if err != nil {
		return nil, nw, fmt.Errorf("sending request: %w", err)
	}
	defer func() { err = errors.WithDeferred(err, httpResp.Body.Close()) }()

	if httpResp.StatusCode != http.StatusOK {
		return nil, nw, fmt.Errorf("unexpected status: %d", httpResp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, dns.MaxMsgSize))
	if err != nil {
		return nil, nw, fmt.Errorf("reading response: %w", err)
	}

	resp, err = unpackHTTPSResponse(httpResp.Header.Get("Content-Type"), body)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return nil, nw, err
	}

	err = validatePlainResponse(req, resp)
	if err != nil {
		return resp, nw, fmt.Errorf("validating response: %w", err)
	}

	return resp, nw, nil
}

// newHTTPRequest creates a GET or POST request for the DNS query in wire
// format.
func (u *UpstreamHTTPS) newHTTPRequest(
	ctx context.Context,
	wire []byte,
) (httpReq *http.Request, err error) {
	if u.useGET {
		reqURL := *u.url
		q := reqURL.Query()
		q.Set("dns", base64.RawURLEncoding.EncodeToString(wire))
		reqURL.RawQuery = q.Encode()

		httpReq, err = http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	} else {
		httpReq, err = http.NewRequestWithContext(
			ctx,
			http.MethodPost,
			u.url.String(),
			bytes.NewReader(wire),
		)
	}

	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", dnsserver.MimeTypeDoH)
	httpReq.Header.Set("Accept", dnsserver.MimeTypeDoH)

	return httpReq, nil
}

// unpackHTTPSResponse parses the response body depending on its content type.
// Both the RFC 8484 wire format and the JSON API format are supported.
func unpackHTTPSResponse(contentType string, body []byte) (resp *dns.Msg, err error) {
	isJSON := strings.HasPrefix(contentType, dnsserver.MimeTypeJSON) ||
		strings.HasPrefix(contentType, "application/dns-json")
	if isJSON {
		jm := &dnsserver.JSONMsg{}
		err = json.Unmarshal(body, jm)
		if err != nil {
			return nil, fmt.Errorf("decoding json response: %w", err)
		}

		resp, err = dnsserver.JSONMsgToDNSMsg(jm)
		if err != nil {
			return nil, fmt.Errorf("converting json response: %w", err)
		}

		return resp, nil
	}

	resp = &dns.Msg{}
	err = resp.Unpack(body)
	if err != nil {
		return nil, fmt.Errorf("unpacking response: %w", err)
	}

	return resp, nil
}

// Close implements the [io.Closer] interface for *UpstreamHTTPS.
func (u *UpstreamHTTPS) Close() (err error) {
	u.client.CloseIdleConnections()

	return nil
}

// String implements the [fmt.Stringer] interface for *UpstreamHTTPS.
func (u *UpstreamHTTPS) String() (str string) {
	return u.url.String()
}
