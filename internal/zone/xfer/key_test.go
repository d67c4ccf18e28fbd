package xfer_test

import (
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/WardenTeam/WardenDNS/internal/zone/xfer"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testKeyName is the TSIG key accepted by the test zone.
const testKeyName = "transfer-key.example.org."

// testSecret is a base64 test secret.
var testSecret = base64.StdEncoding.EncodeToString([]byte("warden-test-secret"))

// newTestKeyring returns a keyring holding the test key.
func newTestKeyring(tb testing.TB) (kr *xfer.Keyring) {
	tb.Helper()

	kr, err := xfer.NewKeyring([]*xfer.Key{{
		Name:      testKeyName,
		Algorithm: xfer.AlgorithmHMACSHA256,
		Secret:    testSecret,
	}})
	require.NoError(tb, err)

	return kr
}

func TestNewKeyring_errors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		keys []*xfer.Key
	}{{
		name: "bad_algorithm",
		keys: []*xfer.Key{{
			Name:      testKeyName,
			Algorithm: "hmac-sha224",
			Secret:    testSecret,
		}},
	}, {
		name: "bad_secret",
		keys: []*xfer.Key{{
			Name:      testKeyName,
			Algorithm: xfer.AlgorithmHMACSHA256,
			Secret:    "not base64!",
		}},
	}, {
		name: "duplicate",
		keys: []*xfer.Key{{
			Name:      testKeyName,
			Algorithm: xfer.AlgorithmHMACSHA256,
			Secret:    testSecret,
		}, {
			Name:      "Transfer-Key.example.org",
			Algorithm: xfer.AlgorithmHMACSHA512,
			Secret:    testSecret,
		}},
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := xfer.NewKeyring(tc.keys)
			assert.Error(t, err)
		})
	}
}

func TestKeyring_roundtrip(t *testing.T) {
	t.Parallel()

	kr := newTestKeyring(t)

	msg := []byte("not a real wire message, the hmac does not care")
	tsig := &dns.TSIG{
		Hdr:       dns.RR_Header{Name: testKeyName, Rrtype: dns.TypeTSIG},
		Algorithm: dns.HmacSHA256,
	}

	mac, err := kr.Generate(msg, tsig)
	require.NoError(t, err)
	require.NotEmpty(t, mac)

	tsig.MAC = hex.EncodeToString(mac)
	require.NoError(t, kr.Verify(msg, tsig))

	// A tampered message must not verify.
	assert.ErrorIs(t, kr.Verify(append(msg, 'x'), tsig), dns.ErrSig)

	// Algorithm must match the key.
	tsig.Algorithm = dns.HmacSHA512
	assert.ErrorIs(t, kr.Verify(msg, tsig), dns.ErrKeyAlg)

	// Unknown keys are refused.
	tsig.Hdr.Name = "other-key.example.org."
	tsig.Algorithm = dns.HmacSHA256
	assert.ErrorIs(t, kr.Verify(msg, tsig), xfer.ErrUnknownKey)
}

func TestKeyring_Has(t *testing.T) {
	t.Parallel()

	kr := newTestKeyring(t)

	assert.True(t, kr.Has(testKeyName))
	assert.True(t, kr.Has("Transfer-Key.example.org"))
	assert.False(t, kr.Has("other-key.example.org."))
}
