package filter

import (
	"net/netip"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRemoteIP is the client IP for tests.
var testRemoteIP = netip.MustParseAddr("1.2.3.4")

func TestRuleList_match(t *testing.T) {
	t.Parallel()

	const rulesText = "||blocked.example^\n" +
		"@@||allowed.example^\n" +
		"||client-only.example^$client=1.2.3.4\n" +
		"0.0.0.0 hosts-style.example\n"

	rl, err := newRuleList(rulesText)
	require.NoError(t, err)

	assert.Equal(t, 4, rl.rulesCount())

	testCases := []struct {
		name        string
		host        string
		cliIP       netip.Addr
		wantRule    RuleText
		wantAllowed bool
		wantOK      bool
	}{{
		name:     "blocked",
		host:     "blocked.example",
		cliIP:    testRemoteIP,
		wantRule: "||blocked.example^",
		wantOK:   true,
	}, {
		name:        "allowed",
		host:        "allowed.example",
		cliIP:       testRemoteIP,
		wantRule:    "@@||allowed.example^",
		wantAllowed: true,
		wantOK:      true,
	}, {
		name:     "client_match",
		host:     "client-only.example",
		cliIP:    testRemoteIP,
		wantRule: "||client-only.example^$client=1.2.3.4",
		wantOK:   true,
	}, {
		name:   "client_mismatch",
		host:   "client-only.example",
		cliIP:  netip.MustParseAddr("5.6.7.8"),
		wantOK: false,
	}, {
		name:     "hosts_style",
		host:     "hosts-style.example",
		cliIP:    testRemoteIP,
		wantRule: "0.0.0.0 hosts-style.example",
		wantOK:   true,
	}, {
		name:     "no_client_ip",
		host:     "blocked.example",
		cliIP:    netip.Addr{},
		wantRule: "||blocked.example^",
		wantOK:   true,
	}, {
		name:   "other",
		host:   "other.example",
		cliIP:  testRemoteIP,
		wantOK: false,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			rule, allowed, ok := rl.match(tc.cliIP, tc.host, dns.TypeA)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.wantAllowed, allowed)
			assert.Equal(t, tc.wantRule, rule)
		})
	}
}
