package dnssec

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/WardenTeam/WardenDNS/internal/dnsmsg"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/bluele/gcache"
	"github.com/miekg/dns"
)

// Fetcher resolves the DNSKEY and DS material the validator needs for
// responses that do not carry it.  Implementations query the upstreams and
// return the answer section, signatures included.
type Fetcher interface {
	Lookup(ctx context.Context, name string, qtype dnsmsg.RRType) (rrs []dns.RR, err error)
}

// maxChainDepth is the limit on the number of delegation steps walked
// towards a trust anchor.  Exceeding it makes the response bogus.
const maxChainDepth = 10

// keyCacheSize is the number of validated DNSKEY RRsets kept in memory.
const keyCacheSize = 1024

// errKeysNotValidated is returned by the key fetch when a zone's DNSKEY
// RRset does not verify with its own keys.
const errKeysNotValidated errors.Error = "dnskey rrset not validated"

// Config is the configuration of the validator.
type Config struct {
	// Logger is used for logging the operation of the validator.  It must
	// not be nil.
	Logger *slog.Logger

	// Fetcher retrieves missing DNSKEY and DS RRsets.  It must not be nil.
	Fetcher Fetcher

	// Clock is used to check signature validity periods.  It must not be
	// nil.
	Clock timeutil.Clock

	// Anchors are the trust anchors the chain walk terminates at.  Use
	// [RootAnchors] unless an override is configured.  It must not be
	// empty.
	Anchors []*dns.DS

	// ChainValidation enables the walk from the signer zone up to an
	// anchor.  When false a verified RRSIG alone yields a secure verdict.
	ChainValidation bool
}

// Validator checks responses against the DNSSEC material they carry and the
// configured trust anchors.  It is safe for concurrent use.
type Validator struct {
	logger  *slog.Logger
	fetcher Fetcher
	clock   timeutil.Clock

	// keyCache maps a lower-case zone name to its validated []*dns.DNSKEY.
	keyCache gcache.Cache

	anchors []*dns.DS
	chain   bool
}

// New returns a new validator.  c must not be nil and must be valid.
func New(c *Config) (v *Validator) {
	return &Validator{
		logger:   c.Logger,
		fetcher:  c.Fetcher,
		clock:    c.Clock,
		keyCache: gcache.New(keyCacheSize).LRU().Build(),
		anchors:  c.Anchors,
		chain:    c.ChainValidation,
	}
}

// Validate judges resp.  resp must not be nil and must have exactly one
// question.  The returned result is never nil.
func (v *Validator) Validate(ctx context.Context, resp *dns.Msg) (res *Result) {
	sets, sigs := groupAnswer(resp.Answer)
	if len(sets) == 0 {
		return v.validateDenial(ctx, resp)
	}

	msgKeys := keysIn(resp.Answer, resp.Extra)

	res = &Result{Verdict: VerdictSecure}
	for _, set := range sets {
		setRes := v.validateSet(ctx, resp, set, sigs[rrsetKey(set[0])], msgKeys)
		if w := combine(res.Verdict, setRes.Verdict); w != res.Verdict {
			res = setRes
		}
	}

	return res
}

// rrset is one RRset of the answer section, in arrival order.
type rrset = []dns.RR

// setKey identifies an RRset within one message.
type setKey struct {
	name  string
	rrTyp dnsmsg.RRType
}

// rrsetKey returns the key of the RRset rr belongs to.
func rrsetKey(rr dns.RR) (k setKey) {
	return setKey{
		name:  strings.ToLower(rr.Header().Name),
		rrTyp: rr.Header().Rrtype,
	}
}

// groupAnswer splits the answer section into RRsets and their covering
// signatures.
func groupAnswer(answer []dns.RR) (sets []rrset, sigs map[setKey][]*dns.RRSIG) {
	sigs = map[setKey][]*dns.RRSIG{}
	idx := map[setKey]int{}

	for _, rr := range answer {
		if sig, ok := rr.(*dns.RRSIG); ok {
			k := setKey{
				name:  strings.ToLower(sig.Hdr.Name),
				rrTyp: sig.TypeCovered,
			}
			sigs[k] = append(sigs[k], sig)

			continue
		}

		k := rrsetKey(rr)
		i, ok := idx[k]
		if !ok {
			i = len(sets)
			idx[k] = i
			sets = append(sets, nil)
		}

		sets[i] = append(sets[i], rr)
	}

	return sets, sigs
}

// keysIn collects the DNSKEYs carried by the message itself.
func keysIn(sections ...[]dns.RR) (keys []*dns.DNSKEY) {
	for _, rrs := range sections {
		for _, rr := range rrs {
			if k, ok := rr.(*dns.DNSKEY); ok {
				keys = append(keys, k)
			}
		}
	}

	return keys
}

// validateSet validates one answered RRset.  One successfully verified
// signature suffices; an RRset signed only with unimplemented algorithms is
// insecure, not bogus.
func (v *Validator) validateSet(
	ctx context.Context,
	resp *dns.Msg,
	set rrset,
	sigs []*dns.RRSIG,
	msgKeys []*dns.DNSKEY,
) (res *Result) {
	if len(sigs) == 0 {
		return &Result{
			Verdict: VerdictIndeterminate,
			Reason:  "answer not signed",
		}
	}

	now := v.clock.Now().UTC()
	insecureAlgo := false
	reason := "no verifiable signature"

	for _, sig := range sigs {
		if !supportedAlgo(sig.Algorithm) {
			insecureAlgo = true

			continue
		}

		if !sig.ValidityPeriod(now) {
			reason = "signature outside validity period"

			continue
		}

		key := v.signingKey(ctx, sig, msgKeys)
		if key == nil {
			reason = "no matching dnskey"

			continue
		}

		err := sig.Verify(key, set)
		if err != nil {
			reason = "signature verification failed"
			v.logger.DebugContext(
				ctx,
				"rrsig did not verify",
				"signer", sig.SignerName,
				"key_tag", sig.KeyTag,
				slogutil.KeyError, err,
			)

			continue
		}

		return v.verifiedSetResult(ctx, resp, set, sig)
	}

	if insecureAlgo {
		return &Result{Verdict: VerdictInsecure, Reason: ReasonInsecureAlgo}
	}

	return &Result{Verdict: VerdictBogus, Reason: reason}
}

// verifiedSetResult finishes the validation of a set whose signature
// verified: wildcard-expanded answers additionally need a covering denial
// proof, and the signer chain must reach an anchor when chain validation is
// on.
func (v *Validator) verifiedSetResult(
	ctx context.Context,
	resp *dns.Msg,
	set rrset,
	sig *dns.RRSIG,
) (res *Result) {
	owner := set[0].Header().Name
	if int(sig.Labels) < dns.CountLabel(owner) {
		// Wildcard expansion, the qname itself must be proven absent.
		if !denialProofPresent(resp.Ns, owner, 0, true) {
			return &Result{
				Verdict: VerdictBogus,
				Reason:  "missing wildcard proof",
			}
		}
	}

	if !v.chain {
		return &Result{Verdict: VerdictSecure}
	}

	return v.chainResult(ctx, sig.SignerName)
}

// signingKey returns the DNSKEY matching sig by name, key tag, and
// algorithm, from the message or from the signer zone.
func (v *Validator) signingKey(
	ctx context.Context,
	sig *dns.RRSIG,
	msgKeys []*dns.DNSKEY,
) (key *dns.DNSKEY) {
	key = matchKey(msgKeys, sig)
	if key != nil {
		return key
	}

	zoneKeys, err := v.zoneKeys(ctx, sig.SignerName)
	if err != nil {
		v.logger.DebugContext(
			ctx,
			"fetching signer keys",
			"signer", sig.SignerName,
			slogutil.KeyError, err,
		)

		return nil
	}

	return matchKey(zoneKeys, sig)
}

// matchKey finds the key matching sig among keys.
func matchKey(keys []*dns.DNSKEY, sig *dns.RRSIG) (key *dns.DNSKEY) {
	for _, k := range keys {
		if k.Algorithm != sig.Algorithm || k.KeyTag() != sig.KeyTag {
			continue
		}

		if strings.EqualFold(k.Header().Name, sig.SignerName) {
			return k
		}
	}

	return nil
}

// zoneKeys returns the validated DNSKEY RRset of zone, fetching and
// self-verifying it on a cache miss.  The cached copy expires with the
// RRset TTL.
func (v *Validator) zoneKeys(ctx context.Context, zone string) (keys []*dns.DNSKEY, err error) {
	zone = strings.ToLower(dns.Fqdn(zone))

	cached, err := v.keyCache.Get(zone)
	if err == nil {
		return cached.([]*dns.DNSKEY), nil
	} else if !errors.Is(err, gcache.KeyNotFoundError) {
		return nil, fmt.Errorf("key cache: %w", err)
	}

	rrs, err := v.fetcher.Lookup(ctx, zone, dns.TypeDNSKEY)
	if err != nil {
		return nil, fmt.Errorf("fetching dnskeys of %q: %w", zone, err)
	}

	var sigs []*dns.RRSIG
	var set rrset
	minTTL := ^uint32(0)
	for _, rr := range rrs {
		switch rr := rr.(type) {
		case *dns.DNSKEY:
			keys = append(keys, rr)
			set = append(set, rr)
			minTTL = min(minTTL, rr.Hdr.Ttl)
		case *dns.RRSIG:
			if rr.TypeCovered == dns.TypeDNSKEY {
				sigs = append(sigs, rr)
			}
		}
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("no dnskeys for %q", zone)
	}

	err = v.verifyKeySet(set, keys, sigs)
	if err != nil {
		return nil, err
	}

	err = v.keyCache.SetWithExpire(zone, keys, time.Duration(minTTL)*time.Second)
	if err != nil {
		return nil, fmt.Errorf("key cache: %w", err)
	}

	return keys, nil
}

// verifyKeySet checks that the DNSKEY RRset verifies with one of its own
// keys.
func (v *Validator) verifyKeySet(set rrset, keys []*dns.DNSKEY, sigs []*dns.RRSIG) (err error) {
	now := v.clock.Now().UTC()
	for _, sig := range sigs {
		if !supportedAlgo(sig.Algorithm) || !sig.ValidityPeriod(now) {
			continue
		}

		key := matchKey(keys, sig)
		if key == nil {
			continue
		}

		if sig.Verify(key, set) == nil {
			return nil
		}
	}

	return errKeysNotValidated
}

// chainResult walks from zone towards the root, checking each delegation
// step against the parent DS RRset, until a trust anchor or the root is
// reached.
func (v *Validator) chainResult(ctx context.Context, zone string) (res *Result) {
	cur := strings.ToLower(dns.Fqdn(zone))

	for range maxChainDepth {
		keys, err := v.zoneKeys(ctx, cur)
		if err != nil {
			if errors.Is(err, errKeysNotValidated) {
				return &Result{
					Verdict: VerdictBogus,
					Reason:  fmt.Sprintf("dnskeys of %q did not validate", cur),
				}
			}

			return &Result{
				Verdict: VerdictIndeterminate,
				Reason:  fmt.Sprintf("no key material for %q", cur),
			}
		}

		for _, k := range keys {
			if anchorMatch(v.anchors, k) {
				return &Result{Verdict: VerdictSecure}
			}
		}

		if cur == "." {
			// Root reached without a configured anchor match.
			return &Result{Verdict: VerdictSecure}
		}

		res = v.checkDelegation(ctx, cur, keys)
		if res != nil {
			return res
		}

		cur = parentName(cur)
	}

	return &Result{Verdict: VerdictBogus, Reason: "chain depth exceeded"}
}

// checkDelegation verifies the DS RRset of zone against its keys.  A nil
// result means the step is fine and the walk continues at the parent.
func (v *Validator) checkDelegation(
	ctx context.Context,
	zone string,
	keys []*dns.DNSKEY,
) (res *Result) {
	rrs, err := v.fetcher.Lookup(ctx, zone, dns.TypeDS)
	if err != nil {
		return &Result{
			Verdict: VerdictIndeterminate,
			Reason:  fmt.Sprintf("no ds material for %q", zone),
		}
	}

	var dsSet []*dns.DS
	for _, rr := range rrs {
		if ds, ok := rr.(*dns.DS); ok {
			dsSet = append(dsSet, ds)
		}
	}

	if len(dsSet) == 0 {
		// Proven unsigned delegation.
		return &Result{
			Verdict: VerdictInsecure,
			Reason:  fmt.Sprintf("unsigned delegation at %q", zone),
		}
	}

	for _, ds := range dsSet {
		for _, k := range keys {
			if k.Flags&dns.SEP == 0 || k.KeyTag() != ds.KeyTag {
				continue
			}

			computed := k.ToDS(ds.DigestType)
			if computed != nil && strings.EqualFold(computed.Digest, ds.Digest) {
				return nil
			}
		}
	}

	return &Result{
		Verdict: VerdictBogus,
		Reason:  fmt.Sprintf("no ds match for %q", zone),
	}
}

// parentName returns the parent of the FQDN name, "." for single-label
// names.
func parentName(name string) (parent string) {
	idx, end := dns.NextLabel(name, 0)
	if end {
		return "."
	}

	return name[idx:]
}
