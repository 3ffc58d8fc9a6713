// Package collector adapts the keep-alive HTTP publisher to the output
// fan-out: every published reading becomes one publish cycle against the
// collector endpoint.
package collector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MCMike0399/monitor-calidad-agua-iot/pkg/config"
	"github.com/MCMike0399/monitor-calidad-agua-iot/pkg/metrics"
	"github.com/MCMike0399/monitor-calidad-agua-iot/pkg/output"
	"github.com/MCMike0399/monitor-calidad-agua-iot/pkg/publisher"
	"github.com/MCMike0399/monitor-calidad-agua-iot/pkg/sensor"
	"github.com/MCMike0399/monitor-calidad-agua-iot/pkg/transport"
)

type CollectorOutput struct {
	pub *publisher.Publisher

	mu      sync.Mutex
	reading sensor.Reading
}

func NewCollector(cfg config.CollectorConfig, log *slog.Logger, m *metrics.Publisher) output.Output {
	c := &CollectorOutput{}
	c.pub = publisher.New(optionsFromConfig(cfg), publisher.SourceFunc(c.latest), &transport.TCP{}, log, m)
	return c
}

// Publish stages the reading and runs one publish cycle. Failed cycles
// surface as errors; the session recovers on a later cycle.
func (c *CollectorOutput) Publish(ctx context.Context, r sensor.Reading) error {
	c.mu.Lock()
	c.reading = r
	c.mu.Unlock()
	_, err := c.pub.Tick(ctx, time.Now())
	return err
}

func (c *CollectorOutput) Close() error {
	return c.pub.Close()
}

func (c *CollectorOutput) latest() (sensor.Reading, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reading, nil
}

func optionsFromConfig(cfg config.CollectorConfig) publisher.Options {
	return publisher.Options{
		Host:              cfg.Host,
		Port:              cfg.Port,
		Path:              cfg.Path,
		UserAgent:         cfg.UserAgent,
		ConnectTimeout:    time.Duration(cfg.ConnectTimeoutMs) * time.Millisecond,
		ConnectRetry:      time.Duration(cfg.ConnectRetryMs) * time.Millisecond,
		ResponseTimeout:   time.Duration(cfg.ResponseTimeoutMs) * time.Millisecond,
		ReadPoll:          time.Duration(cfg.ReadPollMs) * time.Millisecond,
		ReconnectInterval: time.Duration(cfg.ReconnectIntervalMs) * time.Millisecond,
		TimeoutThreshold:  cfg.TimeoutThreshold,
		DisableKeepAlive:  !cfg.KeepAliveEnabled(),
		DrainLimit:        cfg.DrainLimit,
	}
}
