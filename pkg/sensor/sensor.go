package sensor

import "time"

// Reading is one sampled-and-converted measurement of the three water
// quality probes. Values are in engineering units: NTU for turbidity,
// pH scale for acidity, µS/cm for conductivity.
type Reading struct {
	Turbidity    float64   `json:"turbidity_ntu"`
	PH           float64   `json:"ph"`
	Conductivity float64   `json:"conductivity_us_cm"`
	Timestamp    time.Time `json:"timestamp"`
}

type Sensor interface {
	Read() (Reading, error)
	Close() error
}
