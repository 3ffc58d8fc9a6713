package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

type MQTTConfig struct {
	Server   string `json:"server"`
	Username string `json:"username"`
	Password string `json:"password"`
	ClientID string `json:"client_id"`
	Topic    string `json:"topic"`
}

// CollectorConfig describes the HTTP collector endpoint and the session
// policy of the keep-alive publisher. All durations are milliseconds.
type CollectorConfig struct {
	Host                string `json:"host"`
	Port                int    `json:"port"`
	Path                string `json:"path"`
	UserAgent           string `json:"user_agent,omitempty"`
	ConnectTimeoutMs    int    `json:"connect_timeout_ms,omitempty"`
	ConnectRetryMs      int    `json:"connect_retry_ms,omitempty"`
	ResponseTimeoutMs   int    `json:"response_timeout_ms,omitempty"`
	ReadPollMs          int    `json:"read_poll_ms,omitempty"`
	ReconnectIntervalMs int    `json:"reconnect_interval_ms,omitempty"`
	TimeoutThreshold    int    `json:"timeout_threshold,omitempty"`
	KeepAlive           *bool  `json:"keep_alive,omitempty"`
	DrainLimit          int    `json:"drain_limit,omitempty"`
}

// KeepAliveEnabled treats an absent keep_alive key as enabled.
func (c CollectorConfig) KeepAliveEnabled() bool {
	return c.KeepAlive == nil || *c.KeepAlive
}

type OutputConfig struct {
	Type      string           `json:"type"`
	MQTT      *MQTTConfig      `json:"mqtt,omitempty"`
	Collector *CollectorConfig `json:"collector,omitempty"`
}

// ProbeConfig maps one water quality parameter to an ADC channel with a
// linear calibration applied after unit conversion.
type ProbeConfig struct {
	Channel           int     `json:"channel"`
	CalibrationScale  float64 `json:"calibration_scale"`
	CalibrationOffset float64 `json:"calibration_offset"`
}

type SensorConfig struct {
	Type         string      `json:"type"`
	I2CBus       string      `json:"i2c_bus"`
	I2CAddress   int         `json:"i2c_address"`
	SampleRate   int         `json:"sample_rate"`
	Samples      int         `json:"samples"`
	Turbidity    ProbeConfig `json:"turbidity"`
	PH           ProbeConfig `json:"ph"`
	Conductivity ProbeConfig `json:"conductivity"`
}

type Config struct {
	AppEnv      string         `json:"app_env"`
	LogLevel    string         `json:"log_level"`
	IntervalMs  int            `json:"interval_ms"`
	MetricsAddr string         `json:"metrics_addr,omitempty"`
	Sensor      SensorConfig   `json:"sensor"`
	Outputs     []OutputConfig `json:"outputs"`
}

func DefaultConfig() Config {
	return Config{
		AppEnv:     "dev",
		LogLevel:   "info",
		IntervalMs: 1000,
		Sensor: SensorConfig{
			Type:         "ads1115",
			I2CBus:       "2",
			I2CAddress:   0x48,
			SampleRate:   128,
			Samples:      10,
			Turbidity:    ProbeConfig{Channel: 0, CalibrationScale: 1.0},
			PH:           ProbeConfig{Channel: 1, CalibrationScale: 1.0},
			Conductivity: ProbeConfig{Channel: 2, CalibrationScale: 1.0},
		},
		Outputs: []OutputConfig{
			{Type: "collector", Collector: &CollectorConfig{}},
		},
	}
}

// DefaultCollector fills unset collector fields. Defaults follow the
// collector contract: 1s cadence is the agent-wide interval, the session
// itself uses a 5s connect budget with 100ms retry spacing, a 5s response
// budget, a 120s keep-alive lifetime and a 3-strike timeout threshold.
func DefaultCollector(c *CollectorConfig) {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 8000
	}
	if c.Path == "" {
		c.Path = "/water-monitor/publish"
	}
	if c.UserAgent == "" {
		c.UserAgent = "water-monitor-agent"
	}
	if c.ConnectTimeoutMs == 0 {
		c.ConnectTimeoutMs = 5000
	}
	if c.ConnectRetryMs == 0 {
		c.ConnectRetryMs = 100
	}
	if c.ResponseTimeoutMs == 0 {
		c.ResponseTimeoutMs = 5000
	}
	if c.ReadPollMs == 0 {
		c.ReadPollMs = 50
	}
	if c.ReconnectIntervalMs == 0 {
		c.ReconnectIntervalMs = 120000
	}
	if c.TimeoutThreshold == 0 {
		c.TimeoutThreshold = 3
	}
	if c.DrainLimit == 0 {
		c.DrainLimit = 512
	}
}

// LoadFromFlags loads configuration from a JSON file (optional) and flags.
// Flags override values present in the JSON file.
func LoadFromFlags() (Config, error) {
	cfgPath := flag.String("config", "", "Path to JSON config file")
	flagAppEnv := flag.String("app-env", "", "Environment: dev|prod")
	flagLogLevel := flag.String("log-level", "", "Log level: debug|info|warn|error")
	flagInterval := flag.Int("interval-ms", -1, "Publish interval in ms")
	flagMetricsAddr := flag.String("metrics-addr", "", "Prometheus listen address (e.g. :9090)")

	flagSensorType := flag.String("sensor-type", "", "sensor type: ads1115|fake")
	flagI2CBus := flag.String("i2c-bus", "", "I2C bus (e.g., '2' -> /dev/i2c-2)")
	flagI2CAddStr := flag.String("i2c-address", "", "I2C address (decimal or 0x hex)")
	flagSampleRate := flag.Int("sample-rate", -1, "ADS1115 sample rate (SPS)")
	flagSamples := flag.Int("samples", -1, "Samples averaged per reading")
	flagTurbidityCal := flag.String("turbidity-cal", "", "Turbidity calibration 'scale,offset'")
	flagPHCal := flag.String("ph-cal", "", "pH calibration 'scale,offset'")
	flagConductivityCal := flag.String("conductivity-cal", "", "Conductivity calibration 'scale,offset'")

	flagOutputs := flag.String("outputs", "", "Comma-separated outputs (console,mqtt,collector)")

	flagServerHost := flag.String("server-host", "", "Collector host")
	flagServerPort := flag.Int("server-port", -1, "Collector port")
	flagServerPath := flag.String("server-path", "", "Collector URL path")
	flagConnectTimeout := flag.Int("connect-timeout-ms", -1, "Collector connect timeout budget")
	flagConnectRetry := flag.Int("connect-retry-ms", -1, "Spacing between connect attempts")
	flagResponseTimeout := flag.Int("response-timeout-ms", -1, "Collector response timeout budget")
	flagReconnect := flag.Int("reconnect-interval-ms", -1, "Max lifetime of a keep-alive session")
	flagThreshold := flag.Int("timeout-threshold", -1, "Consecutive timeouts before cool-down")
	flagKeepAlive := flag.String("keep-alive", "", "HTTP keep-alive (true|false)")
	flagDrainLimit := flag.Int("drain-limit", -1, "Max response bytes drained after headers")

	flagMQTTServer := flag.String("mqtt-server", "", "MQTT server (tcp://host:port)")
	flagMQTTUser := flag.String("mqtt-user", "", "MQTT username")
	flagMQTTPass := flag.String("mqtt-pass", "", "MQTT password")
	flagClientID := flag.String("mqtt-client-id", "", "MQTT client id")
	flagTopic := flag.String("mqtt-topic", "", "MQTT topic")

	flag.Parse()

	cfg := DefaultConfig()

	if *cfgPath != "" {
		b, err := os.ReadFile(*cfgPath)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if *flagAppEnv != "" {
		cfg.AppEnv = *flagAppEnv
	}
	if *flagLogLevel != "" {
		cfg.LogLevel = *flagLogLevel
	}
	if *flagInterval != -1 {
		cfg.IntervalMs = *flagInterval
	}
	if *flagMetricsAddr != "" {
		cfg.MetricsAddr = *flagMetricsAddr
	}
	if *flagSensorType != "" {
		cfg.Sensor.Type = *flagSensorType
	}
	if *flagI2CBus != "" {
		cfg.Sensor.I2CBus = *flagI2CBus
	}
	if *flagI2CAddStr != "" {
		v, err := parseIntOrHex(*flagI2CAddStr)
		if err != nil {
			return cfg, fmt.Errorf("i2c-address: %w", err)
		}
		cfg.Sensor.I2CAddress = v
	}
	if *flagSampleRate != -1 {
		cfg.Sensor.SampleRate = *flagSampleRate
	}
	if *flagSamples != -1 {
		cfg.Sensor.Samples = *flagSamples
	}
	for _, cal := range []struct {
		raw   string
		probe *ProbeConfig
	}{
		{*flagTurbidityCal, &cfg.Sensor.Turbidity},
		{*flagPHCal, &cfg.Sensor.PH},
		{*flagConductivityCal, &cfg.Sensor.Conductivity},
	} {
		if cal.raw == "" {
			continue
		}
		scale, offset, err := parseCalibration(cal.raw)
		if err != nil {
			return cfg, err
		}
		cal.probe.CalibrationScale = scale
		cal.probe.CalibrationOffset = offset
	}

	if *flagOutputs != "" {
		parts := parseCSV(*flagOutputs)
		outs := make([]OutputConfig, 0, len(parts))
		for _, p := range parts {
			outs = append(outs, OutputConfig{Type: p})
		}
		cfg.Outputs = outs
	}

	collectorFlagged := *flagServerHost != "" || *flagServerPort != -1 || *flagServerPath != "" ||
		*flagConnectTimeout != -1 || *flagConnectRetry != -1 || *flagResponseTimeout != -1 ||
		*flagReconnect != -1 || *flagThreshold != -1 || *flagKeepAlive != "" || *flagDrainLimit != -1
	if collectorFlagged {
		applied := false
		for i := range cfg.Outputs {
			if strings.ToLower(cfg.Outputs[i].Type) != "collector" {
				continue
			}
			if cfg.Outputs[i].Collector == nil {
				cfg.Outputs[i].Collector = &CollectorConfig{}
			}
			if err := applyCollectorFlags(cfg.Outputs[i].Collector,
				*flagServerHost, *flagServerPort, *flagServerPath,
				*flagConnectTimeout, *flagConnectRetry, *flagResponseTimeout,
				*flagReconnect, *flagThreshold, *flagKeepAlive, *flagDrainLimit); err != nil {
				return cfg, err
			}
			applied = true
		}
		if !applied {
			col := &CollectorConfig{}
			if err := applyCollectorFlags(col,
				*flagServerHost, *flagServerPort, *flagServerPath,
				*flagConnectTimeout, *flagConnectRetry, *flagResponseTimeout,
				*flagReconnect, *flagThreshold, *flagKeepAlive, *flagDrainLimit); err != nil {
				return cfg, err
			}
			cfg.Outputs = append(cfg.Outputs, OutputConfig{Type: "collector", Collector: col})
		}
	}

	if *flagMQTTServer != "" || *flagMQTTUser != "" || *flagMQTTPass != "" || *flagClientID != "" || *flagTopic != "" {
		applied := false
		for i := range cfg.Outputs {
			if strings.ToLower(cfg.Outputs[i].Type) != "mqtt" {
				continue
			}
			if cfg.Outputs[i].MQTT == nil {
				cfg.Outputs[i].MQTT = &MQTTConfig{}
			}
			applyMQTTFlags(cfg.Outputs[i].MQTT, *flagMQTTServer, *flagMQTTUser, *flagMQTTPass, *flagClientID, *flagTopic)
			applied = true
		}
		if !applied {
			m := &MQTTConfig{}
			applyMQTTFlags(m, *flagMQTTServer, *flagMQTTUser, *flagMQTTPass, *flagClientID, *flagTopic)
			cfg.Outputs = append(cfg.Outputs, OutputConfig{Type: "mqtt", MQTT: m})
		}
	}

	for i := range cfg.Outputs {
		if strings.ToLower(cfg.Outputs[i].Type) == "collector" {
			if cfg.Outputs[i].Collector == nil {
				cfg.Outputs[i].Collector = &CollectorConfig{}
			}
			DefaultCollector(cfg.Outputs[i].Collector)
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.IntervalMs <= 0 {
		return errors.New("interval-ms must be > 0")
	}
	if c.Sensor.SampleRate <= 0 {
		return errors.New("sample-rate must be > 0")
	}
	if c.Sensor.Samples <= 0 {
		return errors.New("samples must be > 0")
	}
	switch c.Sensor.Type {
	case "ads1115", "fake":
	default:
		return fmt.Errorf("unknown sensor type %q", c.Sensor.Type)
	}
	for _, out := range c.Outputs {
		switch strings.ToLower(out.Type) {
		case "console", "mqtt", "collector":
		default:
			return fmt.Errorf("unknown output type %q", out.Type)
		}
	}
	return nil
}

func applyCollectorFlags(c *CollectorConfig, host string, port int, path string,
	connectTimeout, connectRetry, responseTimeout, reconnect, threshold int,
	keepAlive string, drainLimit int) error {
	if host != "" {
		c.Host = host
	}
	if port != -1 {
		c.Port = port
	}
	if path != "" {
		c.Path = path
	}
	if connectTimeout != -1 {
		c.ConnectTimeoutMs = connectTimeout
	}
	if connectRetry != -1 {
		c.ConnectRetryMs = connectRetry
	}
	if responseTimeout != -1 {
		c.ResponseTimeoutMs = responseTimeout
	}
	if reconnect != -1 {
		c.ReconnectIntervalMs = reconnect
	}
	if threshold != -1 {
		c.TimeoutThreshold = threshold
	}
	if keepAlive != "" {
		v, err := strconv.ParseBool(keepAlive)
		if err != nil {
			return fmt.Errorf("keep-alive: %w", err)
		}
		c.KeepAlive = &v
	}
	if drainLimit != -1 {
		c.DrainLimit = drainLimit
	}
	return nil
}

func applyMQTTFlags(m *MQTTConfig, server, user, pass, clientID, topic string) {
	if server != "" {
		m.Server = server
	}
	if user != "" {
		m.Username = user
	}
	if pass != "" {
		m.Password = pass
	}
	if clientID != "" {
		m.ClientID = clientID
	}
	if topic != "" {
		m.Topic = topic
	}
}

func parseIntOrHex(s string) (int, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseInt(s[2:], 16, 0)
		return int(v), err
	}
	v, err := strconv.Atoi(s)
	return v, err
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// parseCalibration parses "scale,offset" used by per-probe calibration flags.
func parseCalibration(s string) (float64, float64, error) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("calibration %q: want scale,offset", s)
	}
	scale, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil || math.IsNaN(scale) {
		return 0, 0, fmt.Errorf("calibration scale %q invalid", parts[0])
	}
	offset, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil || math.IsNaN(offset) {
		return 0, 0, fmt.Errorf("calibration offset %q invalid", parts[1])
	}
	return scale, offset, nil
}
