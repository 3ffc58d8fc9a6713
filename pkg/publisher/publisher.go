// Package publisher implements the resilient keep-alive HTTP session that
// pushes water quality readings to the collector. It is a two-state
// machine (disconnected/connected) driven by a periodic tick; every
// blocking step is bounded by a timeout budget, and every failure path
// leads back to a reconnect attempt on a later tick.
package publisher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/MCMike0399/monitor-calidad-agua-iot/pkg/metrics"
	"github.com/MCMike0399/monitor-calidad-agua-iot/pkg/sensor"
	"github.com/MCMike0399/monitor-calidad-agua-iot/pkg/transport"
)

var (
	ErrConnect     = errors.New("publisher: connect failed")
	ErrReadTimeout = errors.New("publisher: response timeout")
)

// ServerError is a non-fatal error response from the collector. The
// session stays up: a server that answers is a server that is reachable.
type ServerError struct {
	Code int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("publisher: collector returned %d", e.Code)
}

type State int

const (
	StateDisconnected State = iota
	StateConnected
)

func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

// Result classifies one tick for logging and metrics.
type Result int

const (
	ResultCooldown Result = iota
	ResultConnectFailed
	ResultSourceError
	ResultSuccess
	ResultAccepted
	ResultServerError
	ResultTimeout
)

func (r Result) String() string {
	switch r {
	case ResultCooldown:
		return "cooldown"
	case ResultConnectFailed:
		return "connect_failed"
	case ResultSourceError:
		return "source_error"
	case ResultSuccess:
		return "success"
	case ResultAccepted:
		return "accepted"
	case ResultServerError:
		return "server_error"
	case ResultTimeout:
		return "timeout"
	}
	return "unknown"
}

// Source produces one fresh reading per publish cycle.
type Source interface {
	Sample() (sensor.Reading, error)
}

type SourceFunc func() (sensor.Reading, error)

func (f SourceFunc) Sample() (sensor.Reading, error) { return f() }

// Clock abstracts time so session timing is testable.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

type Options struct {
	Host      string
	Port      int
	Path      string
	UserAgent string

	// ConnectTimeout bounds one tick's whole connect phase; ConnectRetry
	// spaces the attempts inside that budget.
	ConnectTimeout time.Duration
	ConnectRetry   time.Duration

	// ResponseTimeout bounds the wait for response headers; ReadPoll
	// spaces the availability polls inside that budget.
	ResponseTimeout time.Duration
	ReadPoll        time.Duration

	// A timeout that silently consumed at least ResponseTimeout minus
	// this margin is read as a dead link, not a slow server, and
	// force-closes the session.
	TimeoutCloseMargin time.Duration

	// ReconnectInterval bounds the lifetime of one keep-alive session.
	ReconnectInterval time.Duration

	// TimeoutThreshold is how many consecutive timeouts trigger a
	// cool-down tick with no send attempted.
	TimeoutThreshold int

	DisableKeepAlive bool

	// DrainLimit caps how many response bytes past the header block are
	// discarded before the next cycle.
	DrainLimit int

	Clock Clock
}

func (o Options) withDefaults() Options {
	if o.Path == "" {
		o.Path = "/"
	}
	if o.UserAgent == "" {
		o.UserAgent = "water-monitor-agent"
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.ConnectRetry <= 0 {
		o.ConnectRetry = 100 * time.Millisecond
	}
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = 5 * time.Second
	}
	if o.ReadPoll <= 0 {
		o.ReadPoll = 50 * time.Millisecond
	}
	if o.TimeoutCloseMargin <= 0 {
		o.TimeoutCloseMargin = 100 * time.Millisecond
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 120 * time.Second
	}
	if o.TimeoutThreshold <= 0 {
		o.TimeoutThreshold = 3
	}
	if o.DrainLimit <= 0 {
		o.DrainLimit = 512
	}
	if o.Clock == nil {
		o.Clock = systemClock{}
	}
	return o
}

// Health is the publisher's connection-quality bookkeeping.
type Health struct {
	ConsecutiveTimeouts int
	LastSuccess         time.Time
	LastActivity        time.Time
}

type Publisher struct {
	opts    Options
	source  Source
	dialer  transport.Dialer
	clock   Clock
	log     *slog.Logger
	metrics *metrics.Publisher

	state  State
	conn   transport.Conn
	health Health

	lastSuccessLog time.Time
}

// successes happen every cycle; keep them at debug and surface one info
// line per interval so the log stays readable on a 1s cadence.
const successLogEvery = 30 * time.Second

func New(opts Options, src Source, dialer transport.Dialer, log *slog.Logger, m *metrics.Publisher) *Publisher {
	opts = opts.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	p := &Publisher{
		opts:    opts,
		source:  src,
		dialer:  dialer,
		clock:   opts.Clock,
		metrics: m,
	}
	p.log = log.With("component", "publisher", "collector", p.addr())
	return p
}

func (p *Publisher) State() State   { return p.state }
func (p *Publisher) Health() Health { return p.health }

// Close drops the current session, if any.
func (p *Publisher) Close() error {
	p.closeSession("shutdown")
	return nil
}

func (p *Publisher) addr() string {
	return net.JoinHostPort(p.opts.Host, strconv.Itoa(p.opts.Port))
}

// Tick runs one publish cycle: ensure a session, sample, send, classify
// the response, update health. Callers must not invoke it re-entrantly.
func (p *Publisher) Tick(ctx context.Context, now time.Time) (Result, error) {
	// Too many consecutive timeouts: the link or the server is gone.
	// Skip the whole cycle so retries cannot storm.
	if p.health.ConsecutiveTimeouts >= p.opts.TimeoutThreshold {
		p.closeSession("cool-down")
		p.health.ConsecutiveTimeouts = 0
		p.metrics.SetConsecutiveTimeouts(0)
		p.metrics.Result(ResultCooldown.String())
		p.log.Warn("cooling down after repeated timeouts", "threshold", p.opts.TimeoutThreshold)
		return ResultCooldown, nil
	}

	// Bound the lifetime of a keep-alive session so the server's idle
	// timeout cannot race a send.
	if p.state == StateConnected && now.Sub(p.health.LastActivity) >= p.opts.ReconnectInterval {
		p.closeSession("keep-alive renewal")
	}

	// Connected implies the transport looked live at the last check.
	if p.state == StateConnected && !p.conn.Live() {
		p.closeSession("transport dead")
	}

	if p.state == StateDisconnected {
		if err := p.connect(ctx); err != nil {
			p.health.ConsecutiveTimeouts++
			p.metrics.SetConsecutiveTimeouts(p.health.ConsecutiveTimeouts)
			p.metrics.Result(ResultConnectFailed.String())
			p.log.Warn("collector unreachable", "error", err)
			return ResultConnectFailed, err
		}
		p.health.LastActivity = now
	}

	reading, err := p.source.Sample()
	if err != nil {
		p.metrics.Result(ResultSourceError.String())
		p.log.Error("sensor sample failed", "error", err)
		return ResultSourceError, err
	}
	body, err := encodeBody(reading)
	if err != nil {
		p.metrics.Result(ResultSourceError.String())
		p.log.Error("reading not serializable", "error", err)
		return ResultSourceError, err
	}

	start := p.clock.Now()
	if _, err := p.conn.Write(buildRequest(p.opts, body)); err != nil {
		// the link died under us; same bookkeeping as a timeout
		p.health.ConsecutiveTimeouts++
		p.metrics.SetConsecutiveTimeouts(p.health.ConsecutiveTimeouts)
		p.metrics.Result(ResultTimeout.String())
		p.closeSession("write failed")
		p.log.Warn("send failed", "error", err)
		return ResultTimeout, fmt.Errorf("write request: %w", err)
	}

	info, elapsed, readErr := p.readResponse(ctx)
	p.drain()
	p.metrics.ObserveDuration(p.clock.Now().Sub(start).Seconds())

	var result Result
	var tickErr error
	switch {
	case readErr != nil:
		result = ResultTimeout
		tickErr = readErr
		p.health.ConsecutiveTimeouts++
		p.metrics.SetConsecutiveTimeouts(p.health.ConsecutiveTimeouts)
		// silence spanning nearly the whole budget is a dead link, not a
		// slow server
		if elapsed >= p.opts.ResponseTimeout-p.opts.TimeoutCloseMargin {
			p.closeSession("response timeout")
		}
		p.log.Warn("no response from collector", "elapsed", elapsed, "error", readErr)
	case info.Code == 200:
		result = ResultSuccess
		p.health.LastSuccess = now
		p.health.ConsecutiveTimeouts = 0
		p.metrics.SetConsecutiveTimeouts(0)
		p.metrics.SetLastSuccess(now)
		p.logSuccess(now, reading)
	case info.Code == 202:
		// the collector received the reading but is not trusting sensor
		// data right now; distinct from both success and failure
		result = ResultAccepted
		p.log.Info("collector accepted but ignored reading", "code", info.Code)
	default:
		result = ResultServerError
		tickErr = &ServerError{Code: info.Code}
		p.health.ConsecutiveTimeouts = 0
		p.metrics.SetConsecutiveTimeouts(0)
		p.log.Warn("collector error response", "code", info.Code)
	}
	p.metrics.Result(result.String())

	// Session disposition for the next cycle.
	switch {
	case p.state == StateDisconnected:
		// already closed above
	case info.ConnClose:
		p.closeSession("server requested close")
	case p.opts.DisableKeepAlive:
		p.closeSession("keep-alive disabled")
	case !p.conn.Live():
		p.closeSession("transport dead")
	default:
		p.health.LastActivity = now
	}

	return result, tickErr
}

// connect opens a fresh session, retrying inside the connect budget.
func (p *Publisher) connect(ctx context.Context) error {
	deadline := p.clock.Now().Add(p.opts.ConnectTimeout)
	addr := p.addr()
	var lastErr error
	for {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return fmt.Errorf("%w: %v", ErrConnect, lastErr)
		}
		attemptCtx, cancel := context.WithDeadline(ctx, deadline)
		conn, err := p.dialer.Dial(attemptCtx, addr)
		cancel()
		if err == nil {
			p.conn = conn
			p.state = StateConnected
			p.metrics.Connect()
			p.log.Info("collector session established")
			return nil
		}
		lastErr = err
		if !p.clock.Now().Add(p.opts.ConnectRetry).Before(deadline) {
			return fmt.Errorf("%w: %v", ErrConnect, lastErr)
		}
		p.clock.Sleep(p.opts.ConnectRetry)
	}
}

// readResponse polls the transport until the header block is complete or
// the response budget runs out. The body is never read.
func (p *Publisher) readResponse(ctx context.Context) (statusInfo, time.Duration, error) {
	start := p.clock.Now()
	parser := &responseParser{}
	buf := make([]byte, 256)
	for {
		if err := ctx.Err(); err != nil {
			return statusInfo{}, p.clock.Now().Sub(start), err
		}
		n, err := p.conn.Read(buf)
		if n > 0 {
			if perr := parser.feed(buf[:n]); perr != nil {
				// a malformed response is handled like silence
				return statusInfo{}, p.clock.Now().Sub(start), fmt.Errorf("%w: %v", ErrReadTimeout, perr)
			}
			if parser.complete() {
				return parser.info, p.clock.Now().Sub(start), nil
			}
		}
		if err != nil && !errors.Is(err, transport.ErrWouldBlock) {
			return statusInfo{}, p.clock.Now().Sub(start), fmt.Errorf("%w: %v", ErrReadTimeout, err)
		}
		elapsed := p.clock.Now().Sub(start)
		if elapsed >= p.opts.ResponseTimeout {
			return statusInfo{}, elapsed, ErrReadTimeout
		}
		if err != nil {
			p.clock.Sleep(p.opts.ReadPoll)
		}
	}
}

// drain discards whatever the server sent past the header block, up to
// DrainLimit bytes, so stale bytes cannot leak into the next cycle.
func (p *Publisher) drain() int {
	if p.conn == nil {
		return 0
	}
	buf := make([]byte, 128)
	total := 0
	for total < p.opts.DrainLimit {
		chunk := len(buf)
		if rem := p.opts.DrainLimit - total; rem < chunk {
			chunk = rem
		}
		n, err := p.conn.Read(buf[:chunk])
		total += n
		if err != nil || n == 0 {
			break
		}
	}
	return total
}

func (p *Publisher) closeSession(reason string) {
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			p.log.Debug("session close failed", "error", err)
		}
		p.conn = nil
	}
	if p.state != StateDisconnected {
		p.log.Debug("collector session closed", "reason", reason)
	}
	p.state = StateDisconnected
}

func (p *Publisher) logSuccess(now time.Time, r sensor.Reading) {
	if now.Sub(p.lastSuccessLog) >= successLogEvery {
		p.lastSuccessLog = now
		p.log.Info("readings publishing",
			"turbidity_ntu", Round2(r.Turbidity),
			"ph", Round2(r.PH),
			"conductivity_us_cm", Round2(r.Conductivity),
		)
		return
	}
	p.log.Debug("reading published")
}

func buildRequest(o Options, body []byte) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "POST %s HTTP/1.1\r\n", o.Path)
	fmt.Fprintf(&b, "Host: %s\r\n", o.Host)
	fmt.Fprintf(&b, "User-Agent: %s\r\n", o.UserAgent)
	if o.DisableKeepAlive {
		b.WriteString("Connection: close\r\n")
	} else {
		b.WriteString("Connection: keep-alive\r\n")
	}
	b.WriteString("Content-Type: application/json\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(body))
	b.Write(body)
	return b.Bytes()
}
