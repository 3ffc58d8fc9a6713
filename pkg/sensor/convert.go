package sensor

// Conversions from a normalized ADC fraction (0..1 of full scale) to
// engineering units. The turbidity probe is inverted: full voltage means
// clear water.

const (
	turbidityMaxNTU   = 1000.0
	phMax             = 14.0
	conductivityMaxUS = 1500.0
)

func ConvertTurbidity(norm float64) float64 {
	return turbidityMaxNTU * (1.0 - clamp01(norm))
}

func ConvertPH(norm float64) float64 {
	return phMax * clamp01(norm)
}

func ConvertConductivity(norm float64) float64 {
	return conductivityMaxUS * clamp01(norm)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
