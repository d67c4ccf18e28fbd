// Package xfer serves the zone-maintenance surface of the authoritative
// engine over a dedicated TCP listener: full and incremental zone transfers,
// NOTIFY, and RFC 2136 dynamic updates, all guarded by TSIG and per-zone
// ACLs.
package xfer

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
	"sync/atomic"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/miekg/dns"
)

// TSIG algorithm names as they appear in configuration and storage.
const (
	AlgorithmHMACSHA1   = "hmac-sha1"
	AlgorithmHMACSHA256 = "hmac-sha256"
	AlgorithmHMACSHA512 = "hmac-sha512"
	AlgorithmHMACMD5    = "hmac-md5"
)

// ErrUnknownKey is returned when a message is signed with a key the keyring
// does not hold.
const ErrUnknownKey errors.Error = "unknown tsig key"

// Key is a shared TSIG secret as stored by the administrator.
type Key struct {
	// Name is the key name.  It is canonicalised to a lower-case FQDN.
	Name string

	// Algorithm is one of the Algorithm* constants.
	Algorithm string

	// Secret is the base64-encoded shared secret.
	Secret string

	// ID is the storage identifier of the key.
	ID int64
}

// tsigKey is a compiled keyring entry.
type tsigKey struct {
	name    string
	wireAlg string
	secret  []byte
}

// wireAlgorithm maps a configured algorithm name to the DNS wire algorithm
// name.
func wireAlgorithm(alg string) (wireAlg string, err error) {
	switch strings.ToLower(alg) {
	case AlgorithmHMACSHA1:
		return dns.HmacSHA1, nil
	case AlgorithmHMACSHA256:
		return dns.HmacSHA256, nil
	case AlgorithmHMACSHA512:
		return dns.HmacSHA512, nil
	case AlgorithmHMACMD5:
		return dns.HmacMD5, nil
	default:
		return "", fmt.Errorf("unsupported tsig algorithm %q", alg)
	}
}

// hashNew returns the hash constructor for the DNS wire algorithm name.
func hashNew(wireAlg string) (newHash func() hash.Hash, ok bool) {
	switch wireAlg {
	case dns.HmacSHA1:
		return sha1.New, true
	case dns.HmacSHA256:
		return sha256.New, true
	case dns.HmacSHA512:
		return sha512.New, true
	case dns.HmacMD5:
		return md5.New, true
	default:
		return nil, false
	}
}

// Keyring holds the compiled TSIG keys and performs the HMAC computations
// for the DNS server.  The md5 algorithm is carried for interoperability
// with old secondaries, which is why the ring does not delegate to the
// default provider.  The key set can be swapped at runtime with
// [Keyring.Reload].
type Keyring struct {
	keys atomic.Pointer[map[string]*tsigKey]
}

// NewKeyring compiles keys into a keyring.  Key names are canonicalised to
// lower-case FQDNs; duplicate names and undecodable secrets are errors.
func NewKeyring(keys []*Key) (kr *Keyring, err error) {
	kr = &Keyring{}

	err = kr.Reload(keys)
	if err != nil {
		return nil, err
	}

	return kr, nil
}

// Reload atomically replaces the key set.  On error the previous set stays
// in effect.
func (kr *Keyring) Reload(keys []*Key) (err error) {
	compiled, err := compileKeys(keys)
	if err != nil {
		return err
	}

	kr.keys.Store(&compiled)

	return nil
}

// compileKeys compiles the stored keys into their run-time form.
func compileKeys(keys []*Key) (compiled map[string]*tsigKey, err error) {
	compiled = make(map[string]*tsigKey, len(keys))

	var errs []error
	for _, k := range keys {
		name := strings.ToLower(dns.Fqdn(k.Name))

		if _, dup := compiled[name]; dup {
			errs = append(errs, fmt.Errorf("key %q: duplicate name", name))

			continue
		}

		wireAlg, algErr := wireAlgorithm(k.Algorithm)
		if algErr != nil {
			errs = append(errs, fmt.Errorf("key %q: %w", name, algErr))

			continue
		}

		secret, decErr := base64.StdEncoding.DecodeString(k.Secret)
		if decErr != nil {
			errs = append(errs, fmt.Errorf("key %q: decoding secret: %w", name, decErr))

			continue
		}

		compiled[name] = &tsigKey{
			name:    name,
			wireAlg: wireAlg,
			secret:  secret,
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return compiled, nil
}

// type check
var _ dns.TsigProvider = (*Keyring)(nil)

// Generate implements the [dns.TsigProvider] interface for *Keyring.  msg is
// the wire form of the message up to, but not including, the TSIG RR.
func (kr *Keyring) Generate(msg []byte, t *dns.TSIG) (mac []byte, err error) {
	k, ok := (*kr.keys.Load())[strings.ToLower(t.Hdr.Name)]
	if !ok {
		return nil, ErrUnknownKey
	}

	if !strings.EqualFold(t.Algorithm, k.wireAlg) {
		return nil, dns.ErrKeyAlg
	}

	newHash, ok := hashNew(k.wireAlg)
	if !ok {
		return nil, dns.ErrKeyAlg
	}

	h := hmac.New(newHash, k.secret)
	_, _ = h.Write(msg)

	return h.Sum(nil), nil
}

// Verify implements the [dns.TsigProvider] interface for *Keyring.  The time
// checks on the signature are performed by the caller.
func (kr *Keyring) Verify(msg []byte, t *dns.TSIG) (err error) {
	want, err := kr.Generate(msg, t)
	if err != nil {
		return err
	}

	got, err := hex.DecodeString(t.MAC)
	if err != nil {
		return fmt.Errorf("decoding mac: %w", err)
	}

	if !hmac.Equal(want, got) {
		return dns.ErrSig
	}

	return nil
}

// Has reports whether the keyring holds a key named name.
func (kr *Keyring) Has(name string) (ok bool) {
	_, ok = (*kr.keys.Load())[strings.ToLower(dns.Fqdn(name))]

	return ok
}
