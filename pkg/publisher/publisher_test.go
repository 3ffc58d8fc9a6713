package publisher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MCMike0399/monitor-calidad-agua-iot/pkg/sensor"
	"github.com/MCMike0399/monitor-calidad-agua-iot/pkg/transport"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time        { return c.now }
func (c *fakeClock) Sleep(d time.Duration) { c.now = c.now.Add(d) }

type fakeConn struct {
	rd     bytes.Buffer
	wr     bytes.Buffer
	live   bool
	closed bool
}

func (c *fakeConn) Write(p []byte) (int, error) {
	if !c.live || c.closed {
		return 0, errors.New("broken pipe")
	}
	return c.wr.Write(p)
}

func (c *fakeConn) Read(p []byte) (int, error) {
	if c.rd.Len() == 0 {
		if !c.live || c.closed {
			return 0, io.EOF
		}
		return 0, transport.ErrWouldBlock
	}
	return c.rd.Read(p)
}

func (c *fakeConn) Live() bool { return c.live && !c.closed }

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type fakeDialer struct {
	conns []*fakeConn
	err   error
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	if len(d.conns) == 0 {
		return nil, errors.New("no session scripted")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func respondingConn(raw string) *fakeConn {
	c := &fakeConn{live: true}
	c.rd.WriteString(raw)
	return c
}

const resp200 = "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\n\r\n"

func fixedSource() Source {
	return SourceFunc(func() (sensor.Reading, error) {
		return sensor.Reading{Turbidity: 712.345, PH: 6.995, Conductivity: 233.1}, nil
	})
}

// testOptions sizes the budgets so one tick makes exactly one connect
// attempt and the response budget spans ten polls.
func testOptions(clk *fakeClock) Options {
	return Options{
		Host:               "collector.local",
		Port:               8000,
		Path:               "/water-monitor/publish",
		ConnectTimeout:     100 * time.Millisecond,
		ConnectRetry:       100 * time.Millisecond,
		ResponseTimeout:    500 * time.Millisecond,
		ReadPoll:           50 * time.Millisecond,
		TimeoutCloseMargin: 100 * time.Millisecond,
		ReconnectInterval:  120 * time.Second,
		TimeoutThreshold:   3,
		DrainLimit:         512,
		Clock:              clk,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTickSuccess(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	conn := respondingConn(resp200)
	d := &fakeDialer{conns: []*fakeConn{conn}}
	p := New(testOptions(clk), fixedSource(), d, quietLogger(), nil)

	res, err := p.Tick(context.Background(), clk.Now())
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, res)
	assert.Equal(t, StateConnected, p.State())

	h := p.Health()
	assert.True(t, h.LastSuccess.Equal(time.Unix(1000, 0)))
	assert.True(t, h.LastActivity.Equal(time.Unix(1000, 0)))
	assert.Zero(t, h.ConsecutiveTimeouts)
	assert.False(t, conn.closed)

	req := conn.wr.String()
	body := `{"T":712.35,"PH":7,"C":233.1}`
	assert.True(t, strings.HasPrefix(req, "POST /water-monitor/publish HTTP/1.1\r\n"), "request line: %q", req)
	assert.Contains(t, req, "Host: collector.local\r\n")
	assert.Contains(t, req, "User-Agent: water-monitor-agent\r\n")
	assert.Contains(t, req, "Connection: keep-alive\r\n")
	assert.Contains(t, req, "Content-Type: application/json\r\n")
	assert.Contains(t, req, fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body)))
	assert.True(t, strings.HasSuffix(req, body), "request body: %q", req)
}

func TestTickSessionReuse(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	conn := respondingConn(resp200)
	d := &fakeDialer{conns: []*fakeConn{conn}}
	p := New(testOptions(clk), fixedSource(), d, quietLogger(), nil)

	_, err := p.Tick(context.Background(), clk.Now())
	require.NoError(t, err)

	clk.now = clk.now.Add(time.Second)
	conn.rd.WriteString(resp200)
	res, err := p.Tick(context.Background(), clk.Now())
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, res)
	assert.Equal(t, 1, d.dials, "keep-alive must reuse the session")
}

func TestTickResponseTimeout(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	conn := &fakeConn{live: true} // never answers
	d := &fakeDialer{conns: []*fakeConn{conn}}
	p := New(testOptions(clk), fixedSource(), d, quietLogger(), nil)

	res, err := p.Tick(context.Background(), clk.Now())
	assert.Equal(t, ResultTimeout, res)
	assert.ErrorIs(t, err, ErrReadTimeout)
	assert.Equal(t, 1, p.Health().ConsecutiveTimeouts)
	// a silence spanning the whole budget reads as a dead link
	assert.Equal(t, StateDisconnected, p.State())
	assert.True(t, conn.closed)
}

func TestCooldownAfterThresholdTimeouts(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	d := &fakeDialer{conns: []*fakeConn{
		{live: true}, {live: true}, {live: true},
	}}
	p := New(testOptions(clk), fixedSource(), d, quietLogger(), nil)

	for i := 1; i <= 3; i++ {
		res, _ := p.Tick(context.Background(), clk.Now())
		assert.Equal(t, ResultTimeout, res, "tick %d", i)
		assert.Equal(t, i, p.Health().ConsecutiveTimeouts, "tick %d", i)
		clk.now = clk.now.Add(time.Second)
	}

	dialsBefore := d.dials
	res, err := p.Tick(context.Background(), clk.Now())
	require.NoError(t, err)
	assert.Equal(t, ResultCooldown, res)
	assert.Equal(t, dialsBefore, d.dials, "cool-down tick must not connect")
	assert.Zero(t, p.Health().ConsecutiveTimeouts, "counter reset after cool-down")
	assert.Equal(t, StateDisconnected, p.State())
}

// Scenario: threshold 3, three consecutive connect failures, then a
// cool-down tick with no connect attempt.
func TestCooldownAfterConnectFailures(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	d := &fakeDialer{err: errors.New("connection refused")}
	p := New(testOptions(clk), fixedSource(), d, quietLogger(), nil)

	for i := 1; i <= 3; i++ {
		res, err := p.Tick(context.Background(), clk.Now())
		assert.Equal(t, ResultConnectFailed, res, "tick %d", i)
		assert.ErrorIs(t, err, ErrConnect, "tick %d", i)
		assert.Equal(t, i, p.Health().ConsecutiveTimeouts, "tick %d", i)
		clk.now = clk.now.Add(time.Second)
	}
	assert.Equal(t, 3, d.dials)

	res, err := p.Tick(context.Background(), clk.Now())
	require.NoError(t, err)
	assert.Equal(t, ResultCooldown, res)
	assert.Equal(t, 3, d.dials, "no connect attempt during cool-down")
	assert.Zero(t, p.Health().ConsecutiveTimeouts)
}

func TestServerErrorResetsTimeoutCounter(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	d := &fakeDialer{conns: []*fakeConn{
		{live: true}, // tick 1: times out
		respondingConn("HTTP/1.1 500 Internal Server Error\r\n\r\n"),
	}}
	p := New(testOptions(clk), fixedSource(), d, quietLogger(), nil)

	res, _ := p.Tick(context.Background(), clk.Now())
	assert.Equal(t, ResultTimeout, res)
	assert.Equal(t, 1, p.Health().ConsecutiveTimeouts)

	clk.now = clk.now.Add(time.Second)
	res, err := p.Tick(context.Background(), clk.Now())
	assert.Equal(t, ResultServerError, res)
	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 500, se.Code)
	// the server did respond, so the link is fine
	assert.Zero(t, p.Health().ConsecutiveTimeouts)
	assert.Equal(t, StateConnected, p.State())
	assert.True(t, p.Health().LastSuccess.IsZero(), "an error response is not a successful send")
}

// Scenario: 202 means the collector got the data but is ignoring sensor
// input; neither the timeout counter nor the success timestamp moves.
func TestAcceptedLeavesHealthUntouched(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	d := &fakeDialer{conns: []*fakeConn{
		{live: true}, // tick 1: times out, counter -> 1
		respondingConn("HTTP/1.1 202 Accepted\r\n\r\n"),
	}}
	p := New(testOptions(clk), fixedSource(), d, quietLogger(), nil)

	res, _ := p.Tick(context.Background(), clk.Now())
	assert.Equal(t, ResultTimeout, res)

	clk.now = clk.now.Add(time.Second)
	res, err := p.Tick(context.Background(), clk.Now())
	require.NoError(t, err)
	assert.Equal(t, ResultAccepted, res)
	assert.Equal(t, 1, p.Health().ConsecutiveTimeouts, "202 must not touch the timeout counter")
	assert.True(t, p.Health().LastSuccess.IsZero(), "202 must not count as a successful send")
	assert.Equal(t, StateConnected, p.State())
}

func TestKeepAliveDisabledClosesEveryTick(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	conn1 := respondingConn(resp200)
	conn2 := respondingConn("HTTP/1.1 500 Oops\r\n\r\n")
	d := &fakeDialer{conns: []*fakeConn{conn1, conn2}}
	opts := testOptions(clk)
	opts.DisableKeepAlive = true
	p := New(opts, fixedSource(), d, quietLogger(), nil)

	res, err := p.Tick(context.Background(), clk.Now())
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, res)
	assert.Equal(t, StateDisconnected, p.State())
	assert.True(t, conn1.closed)
	assert.Contains(t, conn1.wr.String(), "Connection: close\r\n")

	clk.now = clk.now.Add(time.Second)
	res, _ = p.Tick(context.Background(), clk.Now())
	assert.Equal(t, ResultServerError, res)
	assert.Equal(t, StateDisconnected, p.State(), "every tick ends disconnected with keep-alive off")
	assert.True(t, conn2.closed)
	assert.Equal(t, 2, d.dials)
}

// Scenario: the reconnect interval elapses while connected and idle; the
// next tick closes the stale session before sending anything on it.
func TestProactiveRenewalAfterReconnectInterval(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	conn1 := respondingConn(resp200)
	conn2 := respondingConn(resp200)
	d := &fakeDialer{conns: []*fakeConn{conn1, conn2}}
	p := New(testOptions(clk), fixedSource(), d, quietLogger(), nil)

	_, err := p.Tick(context.Background(), clk.Now())
	require.NoError(t, err)
	sentOnFirst := conn1.wr.Len()

	clk.now = clk.now.Add(120 * time.Second)
	res, err := p.Tick(context.Background(), clk.Now())
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, res)
	assert.True(t, conn1.closed, "stale session must be closed proactively")
	assert.Equal(t, sentOnFirst, conn1.wr.Len(), "no send on the stale session")
	assert.Equal(t, 2, d.dials)
	assert.Positive(t, conn2.wr.Len())
}

func TestDeadTransportReconnectsBeforeSend(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	conn1 := respondingConn(resp200)
	conn2 := respondingConn(resp200)
	d := &fakeDialer{conns: []*fakeConn{conn1, conn2}}
	p := New(testOptions(clk), fixedSource(), d, quietLogger(), nil)

	_, err := p.Tick(context.Background(), clk.Now())
	require.NoError(t, err)

	conn1.live = false // link died between ticks
	clk.now = clk.now.Add(time.Second)
	res, err := p.Tick(context.Background(), clk.Now())
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, res)
	assert.True(t, conn1.closed)
	assert.Equal(t, 2, d.dials)
}

func TestMalformedResponseCountsAsTimeout(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	conn := respondingConn("<html>definitely not http</html>\r\n\r\n")
	d := &fakeDialer{conns: []*fakeConn{conn}}
	p := New(testOptions(clk), fixedSource(), d, quietLogger(), nil)

	res, err := p.Tick(context.Background(), clk.Now())
	assert.Equal(t, ResultTimeout, res)
	assert.ErrorIs(t, err, ErrReadTimeout)
	assert.Equal(t, 1, p.Health().ConsecutiveTimeouts)
}

func TestServerConnectionCloseEndsSession(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	conn := respondingConn("HTTP/1.1 200 OK\r\nConnection: close\r\n\r\n")
	d := &fakeDialer{conns: []*fakeConn{conn}}
	p := New(testOptions(clk), fixedSource(), d, quietLogger(), nil)

	res, err := p.Tick(context.Background(), clk.Now())
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, res)
	assert.Equal(t, StateDisconnected, p.State())
	assert.True(t, conn.closed)
}

func TestDrainCapsLeftoverBytes(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	p := New(testOptions(clk), fixedSource(), &fakeDialer{}, quietLogger(), nil)

	conn := &fakeConn{live: true}
	conn.rd.WriteString(strings.Repeat("x", 600))
	p.conn = conn

	n := p.drain()
	assert.Equal(t, 512, n)
	assert.Equal(t, 88, conn.rd.Len())
}

func TestSourceErrorSkipsSend(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	conn := respondingConn(resp200)
	d := &fakeDialer{conns: []*fakeConn{conn}}
	src := SourceFunc(func() (sensor.Reading, error) {
		return sensor.Reading{}, errors.New("i2c bus stuck")
	})
	p := New(testOptions(clk), src, d, quietLogger(), nil)

	res, err := p.Tick(context.Background(), clk.Now())
	assert.Equal(t, ResultSourceError, res)
	assert.Error(t, err)
	assert.Zero(t, conn.wr.Len(), "nothing may be sent without a reading")
	assert.Equal(t, StateConnected, p.State(), "a sensor fault is not a link fault")
}
