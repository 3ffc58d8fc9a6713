package output

import (
	"context"

	"github.com/MCMike0399/monitor-calidad-agua-iot/pkg/sensor"
)

// Output is one destination for water quality readings. Implementations
// are free to buffer or drop; the caller publishes on a fixed cadence
// and does not retry.
type Output interface {
	Publish(ctx context.Context, r sensor.Reading) error
	Close() error
}

// constructors live in the subpackages
