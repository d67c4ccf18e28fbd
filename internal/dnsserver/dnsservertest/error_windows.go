//go:build windows

package dnsservertest

import (
	"github.com/AdguardTeam/golibs/errors"
	"golang.org/x/sys/windows"
)

// errorIsAddrInUse returns true when err means the address is already taken.
func errorIsAddrInUse(err error) (ok bool) {
	return errors.Is(err, windows.WSAEADDRINUSE)
}
