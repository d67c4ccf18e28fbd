package xfer

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// tsigFudge is the allowed clock skew on signed messages, in seconds, and
// also the lifetime of remembered MACs.
const tsigFudge = 300

// replayCache remembers recently seen TSIG MACs per key so that a captured
// signed message cannot be replayed within the fudge window.
type replayCache struct {
	seenMACs *gocache.Cache
}

// newReplayCache returns a replay cache with the TSIG fudge window as its
// expiry.
func newReplayCache() (c *replayCache) {
	const win = tsigFudge * time.Second

	return &replayCache{
		seenMACs: gocache.New(win, 2*win),
	}
}

// seen records the MAC for keyName and reports whether it had already been
// seen within the window.
func (c *replayCache) seen(keyName, mac string) (ok bool) {
	err := c.seenMACs.Add(keyName+"/"+mac, struct{}{}, gocache.DefaultExpiration)

	return err != nil
}
