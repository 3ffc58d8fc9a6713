package publisher

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/MCMike0399/monitor-calidad-agua-iot/pkg/sensor"
)

// collectorPayload is the exact wire object the collector expects. Field
// order is part of the contract: T, PH, C.
type collectorPayload struct {
	T  float64 `json:"T"`
	PH float64 `json:"PH"`
	C  float64 `json:"C"`
}

func encodeBody(r sensor.Reading) ([]byte, error) {
	return json.Marshal(collectorPayload{
		T:  Round2(r.Turbidity),
		PH: Round2(r.PH),
		C:  Round2(r.Conductivity),
	})
}

// Round2 rounds to two decimal places, half away from zero. The tie check
// runs on the value's shortest decimal form, so an input written as 6.995
// rounds to 7 even though its nearest float64 sits just below the tie.
func Round2(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	dot := strings.IndexByte(s, '.')
	if dot < 0 || len(s)-dot-1 <= 2 {
		return v
	}
	cents, err := strconv.ParseInt(s[:dot]+s[dot+1:dot+3], 10, 64)
	if err != nil {
		// magnitude too large for the decimal path; sub-cent precision is
		// meaningless up there anyway
		return math.Round(v*100) / 100
	}
	if s[dot+3] >= '5' {
		cents++
	}
	out := float64(cents) / 100
	if neg {
		out = -out
	}
	return out
}
