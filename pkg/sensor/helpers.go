package sensor

import "github.com/MCMike0399/monitor-calidad-agua-iot/pkg/config"

// probe binds one water quality parameter to its ADC channel, unit
// conversion and linear calibration.
type probe struct {
	name    string
	channel int
	scale   float64
	offset  float64
	convert func(float64) float64
	assign  func(*Reading, float64)
}

// probesFromConfig assembles the probe table in publish order. A zero
// calibration scale means "uncalibrated" and is read as 1.
func probesFromConfig(cfg config.SensorConfig) []probe {
	return []probe{
		{
			name:    "turbidity",
			channel: cfg.Turbidity.Channel,
			scale:   scaleOrOne(cfg.Turbidity.CalibrationScale),
			offset:  cfg.Turbidity.CalibrationOffset,
			convert: ConvertTurbidity,
			assign:  func(r *Reading, v float64) { r.Turbidity = v },
		},
		{
			name:    "ph",
			channel: cfg.PH.Channel,
			scale:   scaleOrOne(cfg.PH.CalibrationScale),
			offset:  cfg.PH.CalibrationOffset,
			convert: ConvertPH,
			assign:  func(r *Reading, v float64) { r.PH = v },
		},
		{
			name:    "conductivity",
			channel: cfg.Conductivity.Channel,
			scale:   scaleOrOne(cfg.Conductivity.CalibrationScale),
			offset:  cfg.Conductivity.CalibrationOffset,
			convert: ConvertConductivity,
			assign:  func(r *Reading, v float64) { r.Conductivity = v },
		},
	}
}

func scaleOrOne(v float64) float64 {
	if v == 0 {
		return 1
	}
	return v
}
