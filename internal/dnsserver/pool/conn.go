package pool

import (
	"net"
	"time"
)

// Conn wraps a net.Conn with the bookkeeping that the Pool
// needs.  It can be used directly in place of a net.Conn, or the
// underlying Conn.Conn may be used instead.
type Conn struct {
	net.Conn

	// lastTimeUsed is the last time when this connection was used, i.e.
	// requested from the pool.
	lastTimeUsed time.Time
}

// wrapConn returns a Conn for conn, marking it as just used.
func wrapConn(conn net.Conn) (c *Conn) {
	return &Conn{
		Conn:         conn,
		lastTimeUsed: time.Now(),
	}
}

// isExpired returns true if the connection has been idle for too long.
func isExpired(conn *Conn, timeout time.Duration) (exp bool) {
	return timeout > 0 &&
		time.Since(conn.lastTimeUsed) > timeout
}
