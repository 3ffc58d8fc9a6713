package console

import (
	"context"
	"fmt"
	"time"

	"github.com/MCMike0399/monitor-calidad-agua-iot/pkg/output"
	"github.com/MCMike0399/monitor-calidad-agua-iot/pkg/sensor"
)

type ConsoleOutput struct{}

func NewConsole() output.Output { return &ConsoleOutput{} }

func (c *ConsoleOutput) Publish(_ context.Context, r sensor.Reading) error {
	fmt.Printf("%s turbidity=%.2fNTU ph=%.2f conductivity=%.2fuS/cm\n",
		r.Timestamp.Format(time.RFC3339), r.Turbidity, r.PH, r.Conductivity)
	return nil
}

func (c *ConsoleOutput) Close() error { return nil }
