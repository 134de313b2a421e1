package hgsmi

import (
	"sync/atomic"

	"github.com/xll-gen/hgsmi/internal/logger"
	"github.com/xll-gen/hgsmi/internal/telemetry"
)

// CompletionSink receives buffers completed asynchronously.
// irq is true when the buffer asked for an interrupt.
type CompletionSink interface {
	DeliverCompletion(buf *Buffer, irq bool)
}

// CompletionSinkFunc adapts a function to CompletionSink.
type CompletionSinkFunc func(buf *Buffer, irq bool)

func (f CompletionSinkFunc) DeliverCompletion(buf *Buffer, irq bool) { f(buf, irq) }

// CompleteFunc finishes a buffer with a status.
type CompleteFunc func(buf *Buffer, status Status)

// Result tells the caller of Complete how the guest learns the outcome.
type Result int

const (
	// Immediate: the guest reads the result when its submit call returns.
	Immediate Result = iota
	// Deferred: the buffer went through the completion list.
	Deferred
)

func (r Result) String() string {
	if r == Deferred {
		return "deferred"
	}
	return "immediate"
}

// Completer is the host side of the completion protocol.
type Completer struct {
	sink  CompletionSink
	stats *telemetry.Instruments
}

// NewCompleter returns a completer that hands async completions to sink.
func NewCompleter(sink CompletionSink, in *telemetry.Instruments) *Completer {
	if in == nil {
		in = telemetry.Discard()
	}
	return &Completer{sink: sink, stats: in}
}

// MarkAsync records that the host will complete buf later. It must be called
// before the handler returns. The returned token completes the buffer once.
func (c *Completer) MarkAsync(buf *Buffer) (*Pending, error) {
	for {
		old := buf.flags.Load()
		switch {
		case Flags(old)&FlagCompleted != 0:
			c.violation(buf, "mark async after completion")
			return nil, ErrAlreadyCompleted
		case Flags(old)&FlagHostAsync != 0:
			c.violation(buf, "mark async twice")
			return nil, ErrAlreadyDeferred
		}
		if buf.flags.CompareAndSwap(old, old|uint32(FlagHostAsync)) {
			return &Pending{c: c, buf: buf}, nil
		}
	}
}

// Complete is the single completion entry point.
//
// A buffer the host did not defer, and whose guest did not force async
// completion, completes synchronously: only the result is stored. Otherwise it
// is handed to the sink, with an interrupt if the guest asked for one.
// Completing a buffer twice is a protocol violation; it is logged and rejected.
func (c *Completer) Complete(buf *Buffer, status Status) (Result, error) {
	var old uint32
	for {
		old = buf.flags.Load()
		if Flags(old)&FlagCompleted != 0 {
			c.violation(buf, "double completion")
			return Immediate, ErrAlreadyCompleted
		}
		nw := old | uint32(FlagCompleted)
		if Flags(old)&(FlagHostAsync|FlagGuestAsyncForce) != 0 {
			nw |= uint32(FlagHostAsync)
		}
		if buf.flags.CompareAndSwap(old, nw) {
			break
		}
	}
	buf.result.Store(int32(status))

	flags := Flags(old)
	if flags&(FlagHostAsync|FlagGuestAsyncForce) == 0 {
		c.stats.Add(c.stats.SyncCompletions, 1, telemetry.Channel(buf.Channel))
		return Immediate, nil
	}

	c.stats.Add(c.stats.AsyncCompletions, 1, telemetry.Channel(buf.Channel))
	if flags&FlagGuestAsyncNoCompletion != 0 || c.sink == nil {
		return Deferred, nil
	}
	irq := flags&(FlagGuestAsyncIRQ|FlagGuestAsyncIRQForce) != 0
	c.sink.DeliverCompletion(buf, irq)
	return Deferred, nil
}

// CompleteFunc returns Complete as a CompleteFunc, discarding its results.
func (c *Completer) CompleteFunc() CompleteFunc {
	return func(buf *Buffer, status Status) {
		c.Complete(buf, status)
	}
}

func (c *Completer) violation(buf *Buffer, what string) {
	c.stats.Add(c.stats.Violations, 1, telemetry.Channel(buf.Channel))
	logger.Warn("hgsmi protocol violation", "what", what, "buffer", buf.String())
}

// Pending is the token for a buffer the host deferred. Complete may be called once.
type Pending struct {
	c    *Completer
	buf  *Buffer
	used atomic.Bool
}

// Buffer returns the deferred buffer.
func (p *Pending) Buffer() *Buffer {
	return p.buf
}

// Complete resolves the deferred buffer.
func (p *Pending) Complete(status Status) error {
	if !p.used.CompareAndSwap(false, true) {
		p.c.violation(p.buf, "deferred token reused")
		return ErrAlreadyCompleted
	}
	_, err := p.c.Complete(p.buf, status)
	return err
}
