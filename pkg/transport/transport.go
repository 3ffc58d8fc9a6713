// Package transport provides the byte-stream connection primitive used by
// the collector publisher: connect, write, poll-read, liveness, close.
package transport

import (
	"context"
	"errors"
)

// ErrWouldBlock is returned by Conn.Read when no bytes arrived within the
// connection's poll window. It is a flow signal, not a failure.
var ErrWouldBlock = errors.New("transport: no data available")

// Conn is a single outbound byte-stream session. It is owned by exactly
// one caller; none of the methods are safe for concurrent use.
type Conn interface {
	Write(p []byte) (int, error)

	// Read fills p with whatever bytes are available, returning
	// ErrWouldBlock when none arrive in time. Any other error means the
	// session is no longer usable.
	Read(p []byte) (int, error)

	// Live reports whether the session looked healthy at the last
	// read/write. A false result is sticky until the Conn is replaced.
	Live() bool

	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}
