package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MCMike0399/monitor-calidad-agua-iot/pkg/config"
	"github.com/MCMike0399/monitor-calidad-agua-iot/pkg/logging"
	"github.com/MCMike0399/monitor-calidad-agua-iot/pkg/metrics"
	"github.com/MCMike0399/monitor-calidad-agua-iot/pkg/output"
	"github.com/MCMike0399/monitor-calidad-agua-iot/pkg/output/collector"
	"github.com/MCMike0399/monitor-calidad-agua-iot/pkg/output/console"
	"github.com/MCMike0399/monitor-calidad-agua-iot/pkg/output/mqtt"
	"github.com/MCMike0399/monitor-calidad-agua-iot/pkg/sensor"
)

// set via -ldflags "-X main.version=..."
var version = "dev"

const appName = "water-monitor-agent"

func main() {
	cfg, err := config.LoadFromFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.AppEnv, cfg.LogLevel, version, appName)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("agent exited", "error", err)
		os.Exit(1)
	}
	log.Info("agent stopped")
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	m := metrics.NewPublisher(nil)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			log.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	s, err := newSensor(cfg.Sensor)
	if err != nil {
		return fmt.Errorf("sensor init: %w", err)
	}
	defer s.Close()

	outputs, err := initOutputs(cfg, log, m)
	if err != nil {
		return fmt.Errorf("output init: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if err := o.Close(); err != nil {
				log.Warn("output close failed", "error", err)
			}
		}
	}()

	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	log.Info("agent started", "sensor", cfg.Sensor.Type, "outputs", len(outputs), "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			reading, err := s.Read()
			if err != nil {
				log.Error("sensor read failed", "error", err)
				continue
			}
			for _, o := range outputs {
				if err := o.Publish(ctx, reading); err != nil && ctx.Err() == nil {
					log.Warn("publish failed", "error", err)
				}
			}
		}
	}
}

func newSensor(cfg config.SensorConfig) (sensor.Sensor, error) {
	switch cfg.Type {
	case "fake":
		return sensor.NewFakeSensor(cfg)
	case "", "ads1115":
		return sensor.NewADS1115Sensor(cfg)
	default:
		return nil, fmt.Errorf("unknown sensor type %q", cfg.Type)
	}
}

func initOutputs(cfg config.Config, log *slog.Logger, m *metrics.Publisher) ([]output.Output, error) {
	outputs := make([]output.Output, 0, len(cfg.Outputs))
	for _, oc := range cfg.Outputs {
		switch oc.Type {
		case "console":
			outputs = append(outputs, console.NewConsole())
		case "mqtt":
			mc := config.MQTTConfig{}
			if oc.MQTT != nil {
				mc = *oc.MQTT
			}
			o, err := mqtt.NewMQTT(mc)
			if err != nil {
				return nil, err
			}
			outputs = append(outputs, o)
		case "collector":
			cc := config.CollectorConfig{}
			if oc.Collector != nil {
				cc = *oc.Collector
			}
			config.DefaultCollector(&cc)
			outputs = append(outputs, collector.NewCollector(cc, log, m))
		default:
			return nil, fmt.Errorf("unknown output type %q", oc.Type)
		}
	}
	return outputs, nil
}
