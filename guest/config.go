// Package guest is the driver side of the channel: it lays out rings in VRAM,
// asks the host to enable them, writes messages, and handles the interrupt
// that carries host commands and async completions.
package guest

import (
	"fmt"
	"time"

	"github.com/xll-gen/hgsmi/vbva"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Config holds driver parameters.
type Config struct {
	// Screens is the number of rings the driver may enable.
	Screens int

	// PartialWriteThreshold is written into every ring on enable.
	PartialWriteThreshold uint32

	// RetryInterval is how long WriteMessage sleeps between flushes while the
	// ring is full.
	RetryInterval time.Duration

	// Meter and Tracer default to the global OpenTelemetry providers.
	Meter  metric.Meter
	Tracer trace.Tracer
}

// DefaultConfig returns a single screen configuration.
func DefaultConfig() Config {
	return Config{
		Screens:               1,
		PartialWriteThreshold: vbva.DefaultPartialWriteThreshold,
		RetryInterval:         50 * time.Microsecond,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Screens < 1 || c.Screens > 64 {
		return fmt.Errorf("guest config: screens %d out of range [1,64]", c.Screens)
	}
	if c.RetryInterval < 0 {
		return fmt.Errorf("guest config: negative retry interval %s", c.RetryInterval)
	}
	return nil
}
