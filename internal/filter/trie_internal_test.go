package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainTrie_match(t *testing.T) {
	t.Parallel()

	tr := newDomainTrie()
	tr.add("Ads.Example.COM")
	tr.add("*.tracker.example.org")
	tr.add("exact.example.net.")

	assert.Equal(t, 3, tr.count())

	testCases := []struct {
		name        string
		host        string
		wantPattern string
		want        bool
	}{{
		name:        "exact",
		host:        "ads.example.com",
		wantPattern: "ads.example.com",
		want:        true,
	}, {
		name:        "exact_case",
		host:        "ADS.example.Com",
		wantPattern: "ads.example.com",
		want:        true,
	}, {
		name:        "exact_no_subdomain",
		host:        "sub.ads.example.com",
		wantPattern: "",
		want:        false,
	}, {
		name:        "wildcard_base",
		host:        "tracker.example.org",
		wantPattern: "*.tracker.example.org",
		want:        true,
	}, {
		name:        "wildcard_subdomain",
		host:        "a.b.tracker.example.org",
		wantPattern: "*.tracker.example.org",
		want:        true,
	}, {
		name:        "wildcard_parent",
		host:        "example.org",
		wantPattern: "",
		want:        false,
	}, {
		name:        "trailing_dot",
		host:        "exact.example.net.",
		wantPattern: "exact.example.net",
		want:        true,
	}, {
		name:        "miss",
		host:        "other.example.com",
		wantPattern: "",
		want:        false,
	}, {
		name:        "empty",
		host:        "",
		wantPattern: "",
		want:        false,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			pattern, ok := tr.match(canonicalHost(tc.host))
			assert.Equal(t, tc.want, ok)
			assert.Equal(t, tc.wantPattern, pattern)
		})
	}
}

func TestDomainTrie_empty(t *testing.T) {
	t.Parallel()

	tr := newDomainTrie()

	pattern, ok := tr.match("anything.example")
	assert.False(t, ok)
	assert.Empty(t, pattern)
	assert.Equal(t, 0, tr.count())
}
