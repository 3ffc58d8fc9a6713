package sensor

import (
	"math/rand"
	"sync"
	"time"

	"github.com/MCMike0399/monitor-calidad-agua-iot/pkg/config"
)

// FakeSensor produces plausible water quality values without hardware,
// walking the same normalized-fraction path as the real converter so that
// calibration settings behave identically.
type FakeSensor struct {
	probes []probe
	mu     sync.Mutex
}

func NewFakeSensor(cfg config.SensorConfig) (Sensor, error) {
	return &FakeSensor{probes: probesFromConfig(cfg)}, nil
}

func (f *FakeSensor) Read() (Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := Reading{Timestamp: time.Now()}
	for _, p := range f.probes {
		norm := 0.1 + rand.Float64()*0.7
		p.assign(&r, p.convert(norm)*p.scale+p.offset)
	}
	return r, nil
}

func (f *FakeSensor) Close() error { return nil }
