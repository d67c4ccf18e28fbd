package dnssec

import (
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/miekg/dns"
)

// Root KSK DS records, published at
// https://data.iana.org/root-anchors/root-anchors.xml.
const (
	rootAnchor20326 = ". 0 IN DS 20326 8 2 " +
		"E06D44B80B8F1D39A95C0B0D7C65D08458E880409BBC683457104237C7F8EC8D"
	rootAnchor38696 = ". 0 IN DS 38696 8 2 " +
		"683D2D0ACB8C9B712A1948B27F741219298D0A450D612C483AF444A4C0FB2B16"
)

// RootAnchors returns the built-in trust anchors for the root zone.
func RootAnchors() (anchors []*dns.DS) {
	for _, s := range []string{rootAnchor20326, rootAnchor38696} {
		rr := errors.Must(dns.NewRR(s))

		anchors = append(anchors, rr.(*dns.DS))
	}

	return anchors
}

// anchorMatch reports whether key is covered by one of the configured
// anchors: same owner name and key tag, and a digest that matches the
// recomputed DS.
func anchorMatch(anchors []*dns.DS, key *dns.DNSKEY) (ok bool) {
	name := strings.ToLower(key.Header().Name)
	tag := key.KeyTag()

	for _, a := range anchors {
		if a.KeyTag != tag || !strings.EqualFold(a.Hdr.Name, name) {
			continue
		}

		computed := key.ToDS(a.DigestType)
		if computed != nil && strings.EqualFold(computed.Digest, a.Digest) {
			return true
		}
	}

	return false
}
