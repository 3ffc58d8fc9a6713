package sensor

import (
	"fmt"
	"time"

	"github.com/MCMike0399/monitor-calidad-agua-iot/pkg/config"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

const (
	pointerConv   = 0x00
	pointerConfig = 0x01

	// positive single-ended full scale of the 16-bit converter
	adcFullScale = 32767.0
)

type ADS1115Sensor struct {
	dev        *i2c.Dev
	bus        i2c.BusCloser
	probes     []probe
	sampleRate int
	samples    int
}

func NewADS1115Sensor(cfg config.SensorConfig) (Sensor, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	bus, err := i2creg.Open(cfg.I2CBus)
	if err != nil {
		return nil, fmt.Errorf("open i2c: %w", err)
	}
	dev := &i2c.Dev{Addr: uint16(cfg.I2CAddress), Bus: bus}
	return &ADS1115Sensor{
		dev:        dev,
		bus:        bus,
		probes:     probesFromConfig(cfg),
		sampleRate: cfg.SampleRate,
		samples:    cfg.Samples,
	}, nil
}

func (s *ADS1115Sensor) Close() error {
	if s.bus != nil {
		return s.bus.Close()
	}
	return nil
}

// Read samples every probe, averaging s.samples conversions per channel to
// reduce noise, and converts each average to its engineering unit.
func (s *ADS1115Sensor) Read() (Reading, error) {
	r := Reading{Timestamp: time.Now()}
	for _, p := range s.probes {
		raw, err := s.readAveraged(p.channel)
		if err != nil {
			return Reading{}, fmt.Errorf("%s probe: %w", p.name, err)
		}
		norm := float64(raw) / adcFullScale
		p.assign(&r, p.convert(norm)*p.scale+p.offset)
	}
	return r, nil
}

func (s *ADS1115Sensor) readAveraged(channel int) (int16, error) {
	sum := 0
	for i := 0; i < s.samples; i++ {
		raw, err := s.readOnce(channel)
		if err != nil {
			return 0, err
		}
		sum += int(raw)
	}
	return int16(sum / s.samples), nil
}

func (s *ADS1115Sensor) readOnce(channel int) (int16, error) {
	msb, lsb, err := s.configForChannel(channel, s.sampleRate)
	if err != nil {
		return 0, err
	}
	if err := s.dev.Tx([]byte{pointerConfig, msb, lsb}, nil); err != nil {
		return 0, fmt.Errorf("write config: %w", err)
	}
	// wait for conversion (simple sleep)
	delayMs := int(1000.0/float64(s.sampleRate)) + 2
	time.Sleep(time.Duration(delayMs) * time.Millisecond)
	readBuf := make([]byte, 2)
	if err := s.dev.Tx([]byte{pointerConv}, readBuf); err != nil {
		return 0, fmt.Errorf("read conv: %w", err)
	}
	return int16(readBuf[0])<<8 | int16(readBuf[1]), nil
}

func (s *ADS1115Sensor) configForChannel(channel, sampleRate int) (byte, byte, error) {
	var mux byte
	switch channel {
	case 0:
		mux = 0x4
	case 1:
		mux = 0x5
	case 2:
		mux = 0x6
	case 3:
		mux = 0x7
	default:
		return 0, 0, fmt.Errorf("invalid channel %d", channel)
	}
	// PGA: use ±4.096V -> bits 001
	pga := byte(0x1)
	// data rate bits
	var dr byte
	switch sampleRate {
	case 8:
		dr = 0x0
	case 16:
		dr = 0x1
	case 32:
		dr = 0x2
	case 64:
		dr = 0x3
	case 128:
		dr = 0x4
	case 250:
		dr = 0x5
	case 475:
		dr = 0x6
	case 860:
		dr = 0x7
	default:
		dr = 0x4
	}
	var config uint16 = 0x8000 // OS = 1 (start single conversion)
	config |= uint16(mux) << 12
	config |= uint16(pga) << 9
	config |= 1 << 8 // single-shot mode
	config |= uint16(dr) << 5
	// comparator default: disabled (bits 1:0 = 11)
	config |= 0x3
	return byte(config >> 8), byte(config & 0xFF), nil
}
