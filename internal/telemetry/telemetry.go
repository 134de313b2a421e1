// Package telemetry holds the OpenTelemetry instruments shared by the channel packages.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const scope = "github.com/xll-gen/hgsmi"

// Instruments groups every counter the channel records.
type Instruments struct {
	Flushes             metric.Int64Counter
	ShortWrites         metric.Int64Counter
	Overflows           metric.Int64Counter
	RecordsConsumed     metric.Int64Counter
	BytesConsumed       metric.Int64Counter
	HostCommandsQueued  metric.Int64Counter
	HostCommandsDrained metric.Int64Counter
	Unroutable          metric.Int64Counter
	SyncCompletions     metric.Int64Counter
	AsyncCompletions    metric.Int64Counter
	Violations          metric.Int64Counter
	ControlsProcessed   metric.Int64Counter

	Tracer trace.Tracer
}

// New builds the instruments from m and t.
// A nil meter or tracer falls back to the global OpenTelemetry providers.
func New(m metric.Meter, t trace.Tracer) *Instruments {
	if m == nil {
		m = otel.Meter(scope)
	}
	if t == nil {
		t = otel.Tracer(scope)
	}
	in := &Instruments{Tracer: t}
	in.Flushes = counter(m, "hgsmi.vbva.flushes", "Doorbell flushes issued by the producer")
	in.ShortWrites = counter(m, "hgsmi.vbva.short_writes", "Writes clamped to the partial-write threshold")
	in.Overflows = counter(m, "hgsmi.vbva.overflows", "Producer entered the overflow state")
	in.RecordsConsumed = counter(m, "hgsmi.vbva.records_consumed", "Records fetched by the consumer")
	in.BytesConsumed = counter(m, "hgsmi.vbva.bytes_consumed", "Payload bytes fetched by the consumer")
	in.HostCommandsQueued = counter(m, "hgsmi.hostcmd.queued", "Host commands pushed to a display queue")
	in.HostCommandsDrained = counter(m, "hgsmi.hostcmd.drained", "Host commands handed to a display consumer")
	in.Unroutable = counter(m, "hgsmi.dispatch.unroutable", "Buffers addressed to an unknown channel")
	in.SyncCompletions = counter(m, "hgsmi.completion.sync", "Buffers completed before return")
	in.AsyncCompletions = counter(m, "hgsmi.completion.async", "Buffers completed through the completion list")
	in.Violations = counter(m, "hgsmi.protocol.violations", "Protocol violations that were logged and dropped")
	in.ControlsProcessed = counter(m, "hgsmi.vdma.controls", "Control messages processed")
	return in
}

// Noop returns instruments that record nothing.
func Noop() *Instruments {
	return New(noop.NewMeterProvider().Meter(scope), tracenoop.NewTracerProvider().Tracer(scope))
}

var discard = sync.OnceValue(Noop)

// Discard returns a shared no-op instance for components built without instruments.
func Discard() *Instruments {
	return discard()
}

func counter(m metric.Meter, name, desc string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		// Meter implementations return a usable no-op alongside the error.
		otel.Handle(err)
	}
	return c
}

// Add increments c by n with optional attributes.
func (in *Instruments) Add(c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if in == nil || c == nil || n == 0 {
		return
	}
	if len(attrs) == 0 {
		c.Add(context.Background(), n)
		return
	}
	c.Add(context.Background(), n, metric.WithAttributes(attrs...))
}

// Start opens a span. A nil receiver yields a no-op span.
func (in *Instruments) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if in == nil || in.Tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return in.Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Screen is the attribute key for a screen or display index.
func Screen(i int) attribute.KeyValue {
	return attribute.Int("hgsmi.screen", i)
}

// Channel is the attribute key for a channel ID.
func Channel(id uint8) attribute.KeyValue {
	return attribute.Int("hgsmi.channel", int(id))
}
