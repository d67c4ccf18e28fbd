package querylog

import (
	"encoding/hex"
	"net/netip"

	"github.com/AdguardTeam/golibs/timeutil"
	"golang.org/x/crypto/blake2b"
)

// Anonymizer produces the stored client identity.  In privacy mode the
// client address is replaced by a keyed one-way hash salted with the current
// day, so stored entries cannot be correlated across days or reversed
// without the secret.
type Anonymizer struct {
	clock   timeutil.Clock
	secret  []byte
	enabled bool
}

// NewAnonymizer returns a new anonymizer.  clock must not be nil.  secret is
// the hashing key; it must not be empty and must be at most 64 bytes long
// when enabled is true.
func NewAnonymizer(clock timeutil.Clock, secret []byte, enabled bool) (a *Anonymizer) {
	return &Anonymizer{
		clock:   clock,
		secret:  secret,
		enabled: enabled,
	}
}

// Client returns the identity to store for ip.
func (a *Anonymizer) Client(ip netip.Addr) (client string) {
	if !a.enabled {
		return ip.String()
	}

	// The key length is valid, so no error is possible.
	h, _ := blake2b.New256(a.secret)
	_, _ = h.Write([]byte(a.clock.Now().UTC().Format("2006-01-02")))

	b := ip.As16()
	_, _ = h.Write(b[:])

	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Enabled reports whether privacy mode is on.
func (a *Anonymizer) Enabled() (ok bool) { return a.enabled }
