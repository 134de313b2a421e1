// Package host implements the virtual device side of the channel: it owns the
// channel registry, answers the VBVA channel, consumes each screen's ring and
// hands async completions and host commands back to the guest.
package host

import (
	"errors"
	"fmt"

	"github.com/xll-gen/hgsmi/vbva"
	"github.com/xll-gen/hgsmi/vdma"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Config holds device parameters.
type Config struct {
	// Screens is the number of monitors, each with its own ring.
	Screens int

	// MaxRingSize and DefaultRingSize bound ring size negotiation.
	MaxRingSize     uint32
	DefaultRingSize uint32

	// HostHeapSize is reported through Conf32HostHeapSize.
	HostHeapSize uint32

	// SupportedOrders is published to every enabled ring.
	SupportedOrders uint32

	// Meter and Tracer default to the global OpenTelemetry providers.
	Meter  metric.Meter
	Tracer trace.Tracer
}

// DefaultConfig returns a single screen configuration.
func DefaultConfig() Config {
	return Config{
		Screens:         1,
		MaxRingSize:     4 << 20,
		DefaultRingSize: 1 << 20,
		HostHeapSize:    64 << 10,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.Screens < 1 || c.Screens > 64 {
		errs = append(errs, fmt.Errorf("screens %d out of range [1,64]", c.Screens))
	}
	if c.MaxRingSize < vdma.MinRingSize {
		errs = append(errs, fmt.Errorf("max ring size %d below %d", c.MaxRingSize, vdma.MinRingSize))
	}
	if c.DefaultRingSize > c.MaxRingSize {
		errs = append(errs, fmt.Errorf("default ring size %d above max %d", c.DefaultRingSize, c.MaxRingSize))
	}
	if c.MaxRingSize > vbva.MaxRecordSize {
		errs = append(errs, fmt.Errorf("max ring size %d above %d", c.MaxRingSize, vbva.MaxRecordSize))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("host config: %w", err)
	}
	return nil
}

func (c Config) capacity() vdma.Capacity {
	return vdma.Capacity{Max: c.MaxRingSize, Default: c.DefaultRingSize}
}
