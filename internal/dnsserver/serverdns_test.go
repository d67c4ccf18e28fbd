package dnsserver_test

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/WardenTeam/WardenDNS/internal/dnsserver"
	"github.com/WardenTeam/WardenDNS/internal/dnsserver/dnsservertest"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerDNS_StartShutdown(t *testing.T) {
	_, _ = dnsservertest.RunDNSServer(t, dnsservertest.NewDefaultHandler())
}

func TestServerDNS_integration_query(t *testing.T) {
	testCases := []struct {
		handler          dnsserver.Handler
		req              *dns.Msg
		wantMsg          func(t *testing.T, m *dns.Msg)
		name             string
		network          dnsserver.Network
		wantRecordsCount int
		wantRCode        int
		wantTruncated    bool
	}{{
		name:    "valid_udp_msg",
		network: dnsserver.NetworkUDP,
		req: &dns.Msg{
			MsgHdr: dns.MsgHdr{Id: dns.Id(), RecursionDesired: true},
			Question: []dns.Question{
				{Name: "warden.example.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
			},
		},
		handler:          dnsservertest.NewDefaultHandler(),
		wantRecordsCount: 1,
		wantRCode:        dns.RcodeSuccess,
	}, {
		name:    "valid_tcp_msg",
		network: dnsserver.NetworkTCP,
		req: &dns.Msg{
			MsgHdr: dns.MsgHdr{Id: dns.Id(), RecursionDesired: true},
			Question: []dns.Question{
				{Name: "warden.example.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
			},
		},
		handler:          dnsservertest.NewDefaultHandler(),
		wantRecordsCount: 1,
		wantRCode:        dns.RcodeSuccess,
	}, {
		// Unsupported EDNS0 options must not survive into the response.
		name:    "udp_edns0_supported_options",
		network: dnsserver.NetworkUDP,
		req: &dns.Msg{
			MsgHdr: dns.MsgHdr{Id: dns.Id(), RecursionDesired: true},
			Question: []dns.Question{
				{Name: "warden.example.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
			},
			Extra: []dns.RR{
				&dns.OPT{
					Hdr: dns.RR_Header{
						Name:   ".",
						Rrtype: dns.TypeOPT,
						Class:  2000,
					},
					Option: []dns.EDNS0{
						&dns.EDNS0_EXPIRE{
							Code:   dns.EDNS0EXPIRE,
							Expire: 1,
						},
						// Must be stripped from the response.
						&dns.EDNS0_LOCAL{
							Code: dns.EDNS0LOCALSTART,
							Data: []byte{1, 2, 3},
						},
					},
				},
			},
		},
		handler: dnsservertest.NewDefaultHandler(),
		wantMsg: func(t *testing.T, m *dns.Msg) {
			opt := m.IsEdns0()
			require.NotNil(t, opt)
			require.Len(t, opt.Option, 1)
			require.Equal(t, uint16(dns.EDNS0EXPIRE), opt.Option[0].Option())
		},
		wantRecordsCount: 1,
		wantRCode:        dns.RcodeSuccess,
	}, {
		// Malformed queries, here one with two questions, must be refused.
		name:    "reject_msg",
		network: dnsserver.NetworkUDP,
		req: &dns.Msg{
			MsgHdr: dns.MsgHdr{Id: dns.Id(), RecursionDesired: true},
			Question: []dns.Question{
				{Name: "warden.example.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
				{Name: "warden.example.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
			},
		},
		handler:          dnsservertest.NewDefaultHandler(),
		wantRecordsCount: 0,
		wantRCode:        dns.RcodeFormatError,
	}, {
		// Mixed-case names must be answered with the case preserved.
		name:    "udp_mixed_case",
		network: dnsserver.NetworkUDP,
		req: &dns.Msg{
			MsgHdr: dns.MsgHdr{Id: dns.Id(), RecursionDesired: true},
			Question: []dns.Question{
				{Name: "eXaMplE.oRg.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
			},
		},
		handler:          dnsservertest.NewDefaultHandler(),
		wantRecordsCount: 1,
		wantRCode:        dns.RcodeSuccess,
	}, {
		// OpcodeStatus gets NOTIMP, and the opcode itself must be echoed
		// back unchanged.
		name:    "not_implemented_msg",
		network: dnsserver.NetworkUDP,
		req: &dns.Msg{
			MsgHdr: dns.MsgHdr{Id: dns.Id(), RecursionDesired: true, Opcode: dns.OpcodeStatus},
			Question: []dns.Question{
				{Name: "warden.example.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
			},
		},
		handler:          dnsservertest.NewDefaultHandler(),
		wantRecordsCount: 0,
		wantRCode:        dns.RcodeNotImplemented,
	}, {
		// A handler error must surface to the client as SERVFAIL.
		name:    "handler_failure",
		network: dnsserver.NetworkUDP,
		req: &dns.Msg{
			MsgHdr: dns.MsgHdr{Id: dns.Id(), RecursionDesired: true},
			Question: []dns.Question{
				{Name: "warden.example.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
			},
		},
		handler: dnsserver.HandlerFunc(func(
			_ context.Context,
			_ dnsserver.ResponseWriter,
			_ *dns.Msg,
		) (err error) {
			return errors.Error("something went wrong")
		}),
		wantRecordsCount: 0,
		wantRCode:        dns.RcodeServerFailure,
	}, {
		// The Z flag must come back clear even when the query set it.  See
		// https://github.com/miekg/dns/issues/975.
		name:    "msg_with_zflag",
		network: dnsserver.NetworkUDP,
		req: &dns.Msg{
			MsgHdr: dns.MsgHdr{Id: dns.Id(), RecursionDesired: true, Zero: true},
			Question: []dns.Question{
				{Name: "warden.example.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
			},
		},
		handler:          dnsservertest.NewDefaultHandler(),
		wantRecordsCount: 1,
		wantRCode:        dns.RcodeSuccess,
	}, {
		// A response too large for the default UDP size must come back
		// truncated.
		name:    "udp_truncate_response",
		network: dnsserver.NetworkUDP,
		req: &dns.Msg{
			MsgHdr: dns.MsgHdr{Id: dns.Id(), RecursionDesired: true},
			Question: []dns.Question{
				{Name: "warden.example.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
			},
		},
		// The handler produces an oversized answer.
		handler:          dnsservertest.NewDefaultHandlerWithCount(64),
		wantRecordsCount: 0,
		wantRCode:        dns.RcodeSuccess,
		wantTruncated:    true,
	}, {
		// With a large enough advertised UDP size the same response fits
		// untruncated.
		name:    "udp_edns0_no_truncate",
		network: dnsserver.NetworkUDP,
		req: &dns.Msg{
			MsgHdr: dns.MsgHdr{Id: dns.Id(), RecursionDesired: true},
			Question: []dns.Question{
				{Name: "warden.example.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
			},
			Extra: []dns.RR{
				&dns.OPT{
					Hdr: dns.RR_Header{
						Name:   ".",
						Rrtype: dns.TypeOPT,
						Class:  2000, // Set maximum UDPSize here
					},
				},
			},
		},
		// The handler produces an oversized answer.
		handler:          dnsservertest.NewDefaultHandlerWithCount(64),
		wantRecordsCount: 64,
		wantRCode:        dns.RcodeSuccess,
		wantTruncated:    false,
	}, {
		// TCP has no size limit, so the large response must arrive whole.
		name:    "tcp_no_truncate_response",
		network: dnsserver.NetworkTCP,
		req: &dns.Msg{
			MsgHdr: dns.MsgHdr{Id: dns.Id(), RecursionDesired: true},
			Question: []dns.Question{
				{Name: "warden.example.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
			},
		},
		// The handler produces an oversized answer.
		handler: dnsservertest.NewDefaultHandlerWithCount(64),
		wantRecordsCount: 64,
		wantRCode:        dns.RcodeSuccess,
		wantTruncated:    false,
	}, {
		// The server must answer an edns-tcp-keepalive option with its own
		// configured timeout.
		name:    "tcp_edns0_tcp_keep-alive",
		network: dnsserver.NetworkTCP,
		req: &dns.Msg{
			MsgHdr: dns.MsgHdr{Id: dns.Id(), RecursionDesired: true},
			Question: []dns.Question{
				{Name: "warden.example.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
			},
			Extra: []dns.RR{
				&dns.OPT{
					Hdr: dns.RR_Header{
						Name:   ".",
						Rrtype: dns.TypeOPT,
						Class:  2000, // Set maximum UDPSize here
					},
					Option: []dns.EDNS0{
						&dns.EDNS0_TCP_KEEPALIVE{
							Code:    dns.EDNS0TCPKEEPALIVE,
							Timeout: 100,
						},
					},
				},
			},
		},
		handler:          dnsservertest.NewDefaultHandler(),
		wantRecordsCount: 1,
		wantRCode:        dns.RcodeSuccess,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, addr := dnsservertest.RunDNSServer(t, tc.handler)

			// Exercise the case over UDP.
			c := new(dns.Client)
			c.Net = string(tc.network)
			c.UDPSize = 7000 // need to be set to read large responses

			resp, _, err := c.Exchange(tc.req, addr)
			require.NoError(t, err)
			require.NotNil(t, resp)
			if tc.wantMsg != nil {
				tc.wantMsg(t, resp)
			}

			dnsservertest.RequireResponse(
				t,
				tc.req,
				resp,
				tc.wantRecordsCount,
				tc.wantRCode,
				tc.wantTruncated,
			)

			reqKeepAliveOpt := dnsservertest.FindEDNS0Option[*dns.EDNS0_TCP_KEEPALIVE](tc.req)
			respKeepAliveOpt := dnsservertest.FindEDNS0Option[*dns.EDNS0_TCP_KEEPALIVE](resp)
			if tc.network == dnsserver.NetworkTCP && reqKeepAliveOpt != nil {
				require.NotNil(t, respKeepAliveOpt)
				expectedTimeout := uint16(dnsserver.DefaultTCPIdleTimeout.Milliseconds() / 100)
				require.Equal(t, expectedTimeout, respKeepAliveOpt.Timeout)
			} else {
				require.Nil(t, respKeepAliveOpt)
			}
		})
	}
}

func TestServerDNS_integration_tcpQueriesPipelining(t *testing.T) {
	// RFC 7766 requires TCP query pipelining.  The server must process
	// queries from one connection in parallel and may answer them out of
	// order.
	_, addr := dnsservertest.RunDNSServer(t, dnsservertest.NewDefaultHandler())

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	testutil.CleanupAndRequireSuccess(t, conn.Close)

	// Send a burst of queries, remembering their IDs.
	const queriesNum = 100

	sentIDs := make(map[uint16]string, queriesNum)
	for i := range queriesNum {
		name := fmt.Sprintf("host%d.org", i)
		req := dnsservertest.CreateMessage(name, dns.TypeA)
		req.Id = uint16(i + 1)

		var b []byte
		b, err = req.Pack()
		require.NoError(t, err)

		msg := make([]byte, 2+len(b))
		binary.BigEndian.PutUint16(msg, uint16(len(b)))
		copy(msg[2:], b)

		var n int
		n, err = conn.Write(msg)
		require.NoError(t, err)
		require.Equal(t, len(msg), n)

		sentIDs[req.Id] = dns.Fqdn(name)
	}

	// Every ID must come back, in whatever order.
	receivedIDs := make(map[uint16]string, queriesNum)
	for range queriesNum {
		err = conn.SetReadDeadline(time.Now().Add(time.Second))
		require.NoError(t, err)

		var length uint16
		err = binary.Read(conn, binary.BigEndian, &length)
		require.NoError(t, err)

		buf := make([]byte, length)
		_, err = io.ReadFull(conn, buf)
		require.NoError(t, err)

		res := &dns.Msg{}
		err = res.Unpack(buf)
		require.NoError(t, err)

		require.True(t, res.Response)
		require.Equal(t, dns.RcodeSuccess, res.Rcode)

		require.NotEmpty(t, res.Question)
		receivedIDs[res.Id] = res.Question[0].Name
	}

	assert.Equal(t, sentIDs, receivedIDs)
}

func TestServerDNS_integration_udpMsgIgnore(t *testing.T) {
	_, addr := dnsservertest.RunDNSServer(t, dnsservertest.NewDefaultHandler())
	conn, err := net.Dial("udp", addr)
	require.Nil(t, err)

	testutil.CleanupAndRequireSuccess(t, conn.Close)

	_, err = conn.Write([]byte{1, 3, 1, 52, 12, 5, 32, 12})
	require.NoError(t, err)

	// Garbage input gets no response, only a read timeout.
	err = conn.SetReadDeadline(time.Now().Add(time.Millisecond * 100))
	require.NoError(t, err)

	buf := make([]byte, 500)
	n, err := conn.Read(buf)
	require.Error(t, err)
	require.Equal(t, 0, n)

	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	require.True(t, netErr.Timeout())

	// Check that the server is capable of processing messages after it

	// Create a test message
	req := new(dns.Msg)
	req.Id = dns.Id()
	req.RecursionDesired = true
	name := "warden.example."
	req.Question = []dns.Question{
		{Name: name, Qtype: dns.TypeA, Qclass: dns.ClassINET},
	}

	// Send this test message to our server over UDP
	c := new(dns.Client)
	c.Net = "udp"
	res, _, err := c.Exchange(req, addr)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.True(t, res.Response)
}

func TestServerDNS_integration_tcpMsgIgnore(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		expectedError func(err error)
		name          string
		buf           []byte
		timeout       time.Duration
	}{
		{
			name: "invalid_input_timeout",
			// First test: write some crap with 2-bytes "length" larger than
			// the data actually sent. Check that it times out if the timeout
			// is small.
			buf:     []byte{1, 3, 1, 52, 12, 5, 32, 12},
			timeout: time.Millisecond * 100,
			expectedError: func(err error) {
				var netErr net.Error
				require.ErrorAs(t, err, &netErr)
				require.True(t, netErr.Timeout())
			},
		},
		{
			name: "invalid_input_closed_after_timeout",
			// Check that the TCP connection will be closed if it cannot
			// read the full DNS query
			buf:     []byte{1, 3, 1, 52, 12, 5, 32, 12},
			timeout: dnsserver.DefaultTCPIdleTimeout * 2,
			expectedError: func(err error) {
				require.Equal(t, io.EOF, err)
			},
		},
		{
			name: "invalid_input_closed_immediately",
			// Packet length is short so we can quickly detect that
			// this is a crap message, check that the connection is closed
			// immediately
			buf:     []byte{0, 1, 1, 52, 12, 5, 32, 12},
			timeout: dnsserver.DefaultTCPIdleTimeout / 2,
			expectedError: func(err error) {
				var netErr net.Error
				if errors.As(err, &netErr) {
					require.False(t, netErr.Timeout())
				} else {
					require.Equal(t, io.EOF, err)
				}
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, addr := dnsservertest.RunDNSServer(t, dnsservertest.NewDefaultHandler())
			conn, err := net.Dial("tcp", addr)
			require.Nil(t, err)

			testutil.CleanupAndRequireSuccess(t, conn.Close)

			// Write the invalid request
			_, err = conn.Write(tc.buf)
			require.NoError(t, err)

			// Garbage input gets no response, only a read timeout.
			_ = conn.SetReadDeadline(time.Now().Add(tc.timeout))
			buf := make([]byte, 500)
			n, err := conn.Read(buf)
			require.Error(t, err)
			require.Equal(t, 0, n)
			tc.expectedError(err)
		})
	}
}
