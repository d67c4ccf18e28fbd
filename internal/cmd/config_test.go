package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/AdguardTeam/golibs/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	testutil.DiscardLogOutput(m)
}

// testYAML is a valid configuration file for tests.
const testYAML = `
upstream:
  fallback:
    - 1.1.1.1
  routes:
    - domain: corp.example.
      upstreams:
        - 10.0.0.1
cache:
  min_ttl: 10s
  max_ttl: 1h
ratelimit:
  allowlist:
    - 192.0.2.0/24
  refuse_any: true
filtering:
  blocking_mode: null_ip
query_log:
  flush_interval: 10s
zones:
  transfer:
    enabled: true
    addr: 127.0.0.1:5353
`

func TestParseConfig(t *testing.T) {
	confPath := filepath.Join(t.TempDir(), "config.yaml")
	err := os.WriteFile(confPath, []byte(testYAML), 0o600)
	require.NoError(t, err)

	c, err := parseConfig(confPath)
	require.NoError(t, err)

	require.NoError(t, c.Validate())

	require.NotNil(t, c.Upstream)
	assert.Equal(t, []string{"1.1.1.1"}, c.Upstream.Fallback)

	require.NotNil(t, c.Filtering)
	assert.Equal(t, blockingModeNullIP, c.Filtering.BlockingMode)

	require.NotNil(t, c.Zones)
	addr, ok := c.Zones.transferEnabled()
	assert.True(t, ok)
	assert.Equal(t, "127.0.0.1:5353", addr)
}

func TestParseConfig_missing(t *testing.T) {
	c, err := parseConfig(filepath.Join(t.TempDir(), "does_not_exist.yaml"))
	require.NoError(t, err)

	// The environment alone is enough, so the sections keep their defaults.
	assert.NoError(t, c.Validate())
	assert.Nil(t, c.Upstream)
}

func TestConfiguration_Validate(t *testing.T) {
	testCases := []struct {
		conf       *configuration
		name       string
		wantErrMsg string
	}{{
		conf:       &configuration{},
		name:       "empty",
		wantErrMsg: "",
	}, {
		conf: &configuration{
			Filtering: &filteringConfig{
				BlockingMode: "bad_mode",
			},
		},
		name:       "bad_blocking_mode",
		wantErrMsg: `filtering: blocking_mode: bad enum value: "bad_mode"`,
	}, {
		conf: &configuration{
			RateLimit: &rateLimitConfig{
				Allowlist: []string{"not-a-cidr"},
			},
		},
		name: "bad_allowlist",
		wantErrMsg: `ratelimit: allowlist: at index 0: ` +
			`netip.ParsePrefix("not-a-cidr"): no '/'`,
	}, {
		conf: &configuration{
			Zones: &zonesConfig{
				Transfer: &zoneTransferConfig{
					Enabled: true,
				},
			},
		},
		name:       "transfer_no_addr",
		wantErrMsg: "zones: transfer: addr: empty value",
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			testutil.AssertErrorMsg(t, tc.wantErrMsg, tc.conf.Validate())
		})
	}
}

func TestStrictBool_UnmarshalText(t *testing.T) {
	var sb strictBool
	require.NoError(t, sb.UnmarshalText([]byte("1")))
	assert.True(t, bool(sb))

	require.NoError(t, sb.UnmarshalText([]byte("0")))
	assert.False(t, bool(sb))

	assert.Error(t, sb.UnmarshalText([]byte("true")))
	assert.Error(t, sb.UnmarshalText([]byte("")))
}
