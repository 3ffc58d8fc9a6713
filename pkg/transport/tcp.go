package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const defaultPollWindow = 20 * time.Millisecond

// TCP dials plain TCP connections whose Read polls with a short deadline
// instead of blocking indefinitely.
type TCP struct {
	// PollWindow bounds how long a single Read waits for bytes before
	// reporting ErrWouldBlock. Zero means a small default.
	PollWindow time.Duration
}

func (d TCP) Dial(ctx context.Context, addr string) (Conn, error) {
	var nd net.Dialer
	c, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	poll := d.PollWindow
	if poll <= 0 {
		poll = defaultPollWindow
	}
	return &tcpConn{c: c, poll: poll, alive: true}, nil
}

type tcpConn struct {
	c     net.Conn
	poll  time.Duration
	alive bool
}

func (t *tcpConn) Write(p []byte) (int, error) {
	n, err := t.c.Write(p)
	if err != nil {
		t.alive = false
	}
	return n, err
}

func (t *tcpConn) Read(p []byte) (int, error) {
	if err := t.c.SetReadDeadline(time.Now().Add(t.poll)); err != nil {
		t.alive = false
		return 0, err
	}
	n, err := t.c.Read(p)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return n, ErrWouldBlock
		}
		t.alive = false
		if errors.Is(err, io.EOF) {
			return n, io.EOF
		}
		return n, err
	}
	return n, nil
}

func (t *tcpConn) Live() bool { return t.alive }

func (t *tcpConn) Close() error {
	t.alive = false
	return t.c.Close()
}
