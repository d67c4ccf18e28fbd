//go:build unix

package dnsservertest

import (
	"github.com/AdguardTeam/golibs/errors"
	"golang.org/x/sys/unix"
)

// errorIsAddrInUse returns true when err means the address is already taken.
func errorIsAddrInUse(err error) (ok bool) {
	return errors.Is(err, unix.EADDRINUSE)
}
