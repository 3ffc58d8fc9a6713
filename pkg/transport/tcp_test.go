package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPDialReadWrite(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	d := TCP{PollWindow: 10 * time.Millisecond}
	conn, err := d.Dial(context.Background(), ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	assert.True(t, conn.Live())

	server := <-accepted
	defer server.Close()

	// nothing sent yet: poll must report would-block, not an error
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, ErrWouldBlock)
	assert.True(t, conn.Live())

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	got := make([]byte, 4)
	_, err = server.Read(got)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))

	_, err = server.Write([]byte("pong"))
	require.NoError(t, err)
	deadline := time.Now().Add(time.Second)
	total := 0
	for total < 4 && time.Now().Before(deadline) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil && !errors.Is(err, ErrWouldBlock) {
			t.Fatalf("read: %v", err)
		}
	}
	assert.Equal(t, "pong", string(buf[:total]))
}

func TestTCPLivenessAfterPeerClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	d := TCP{PollWindow: 10 * time.Millisecond}
	conn, err := d.Dial(context.Background(), ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	server := <-accepted
	require.NoError(t, server.Close())

	// EOF must flip liveness; it may take a poll or two to surface
	buf := make([]byte, 8)
	deadline := time.Now().Add(time.Second)
	for conn.Live() && time.Now().Before(deadline) {
		_, _ = conn.Read(buf)
	}
	assert.False(t, conn.Live())
}

func TestTCPDialFailure(t *testing.T) {
	d := TCP{}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	// port 1 on loopback is almost certainly closed
	_, err := d.Dial(ctx, "127.0.0.1:1")
	assert.Error(t, err)
}
