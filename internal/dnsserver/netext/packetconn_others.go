//go:build !linux

package netext

import "net"

// wrapPacketConn turns c into a [SessionPacketConn] on platforms that support
// it.
func wrapPacketConn(c net.PacketConn) (wrapped net.PacketConn) {
	return c
}
