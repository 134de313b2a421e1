package vbva

import (
	"github.com/xll-gen/hgsmi/internal/logger"
	"github.com/xll-gen/hgsmi/internal/telemetry"
)

// Flusher asks the host to rescan the ring now. It is fire-and-forget.
type Flusher interface {
	Flush() error
}

// FlushFunc adapts a function to Flusher.
type FlushFunc func() error

func (f FlushFunc) Flush() error { return f() }

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithInstruments records flush, short write and overflow counts.
func WithInstruments(in *telemetry.Instruments) WriterOption {
	return func(w *Writer) { w.stats = in }
}

// WithScreen tags log lines and metrics with the screen index.
func WithScreen(screen int) WriterOption {
	return func(w *Writer) { w.screen = screen }
}

// Writer is the guest side producer of a ring.
//
// A Writer never blocks: when the ring is short on space it flushes once and
// then either clamps the write or fails. It is not safe for concurrent use.
type Writer struct {
	buf     *Buffer
	flusher Flusher
	stats   *telemetry.Instruments
	screen  int

	active     *Message
	overflowed bool
}

// NewWriter returns a producer for buf. f may be nil when no host is listening.
func NewWriter(buf *Buffer, f Flusher, opts ...WriterOption) *Writer {
	w := &Writer{buf: buf, flusher: f}
	for _, opt := range opts {
		opt(w)
	}
	if w.stats == nil {
		w.stats = telemetry.Discard()
	}
	return w
}

// Buffer returns the ring the writer produces into.
func (w *Writer) Buffer() *Buffer {
	return w.buf
}

// Overflowed reports whether the writer is in the sticky overflow state.
func (w *Writer) Overflowed() bool {
	return w.overflowed
}

// OrderSupported reports whether the host advertised message type code.
func (w *Writer) OrderSupported(code uint) bool {
	if code >= 32 {
		return false
	}
	return w.buf.SupportedOrders()&(1<<code) != 0
}

// Reset drops the overflow state and withdraws any open message.
func (w *Writer) Reset() {
	if w.active != nil {
		w.active.Abort()
	}
	w.overflowed = false
}

// Flush kicks the host to consume the ring.
func (w *Writer) Flush() error {
	w.stats.Add(w.stats.Flushes, 1, telemetry.Screen(w.screen))
	if w.flusher == nil {
		return nil
	}
	if err := w.flusher.Flush(); err != nil {
		logger.Warn("vbva flush failed", "screen", w.screen, "error", err)
		return err
	}
	return nil
}

// Begin claims the next record slot and returns a cursor for the message.
// If every slot is in use it flushes once and retries before failing with
// ErrOutOfRecordSlots.
func (w *Writer) Begin() (*Message, error) {
	if !w.buf.Enabled() {
		return nil, ErrNotEnabled
	}
	if w.overflowed {
		return nil, ErrBufferOverflow
	}
	if w.active != nil {
		return nil, ErrMessageActive
	}

	free := w.buf.IndexRecordFree()
	next := (free + 1) % MaxRecords
	if next == w.buf.IndexRecordFirst() {
		w.Flush()
		if next == w.buf.IndexRecordFirst() {
			logger.Debug("vbva record queue full", "screen", w.screen, "first", next, "free", free)
			return nil, ErrOutOfRecordSlots
		}
	}

	w.buf.setRecord(free, RecordPartial)
	w.buf.setIndexRecordFree(next)

	w.active = &Message{w: w, index: free}
	return w.active, nil
}

// Message is one record being written. Its bytes become visible to the host
// only after End.
type Message struct {
	w     *Writer
	index uint32
	n     uint32
	done  bool
}

// Len returns the bytes written so far.
func (m *Message) Len() int {
	return int(m.n)
}

// Write appends p to the message, wrapping at the ring end.
//
// If p does not fit even after a flush, Write copies only up to the free space
// minus the partial write threshold and returns that count with ErrShortWrite.
// If less than the threshold is free after the flush, the writer overflows and
// every later call fails with ErrBufferOverflow until Reset.
func (m *Message) Write(p []byte) (int, error) {
	w := m.w
	if m.done {
		return 0, ErrMessageEnded
	}
	if w.overflowed {
		return 0, ErrBufferOverflow
	}
	if len(p) == 0 {
		return 0, nil
	}
	if uint64(m.n)+uint64(len(p)) > MaxRecordSize {
		return 0, ErrMessageTooLarge
	}

	buf := w.buf
	chunk := uint32(len(p))
	avail := buf.Available()
	short := false

	if chunk >= avail {
		w.Flush()
		avail = buf.Available()
		if chunk >= avail {
			threshold := buf.PartialWriteThreshold()
			if avail <= threshold {
				w.overflowed = true
				w.stats.Add(w.stats.Overflows, 1, telemetry.Screen(w.screen))
				logger.Warn("vbva buffer overflow", "screen", w.screen, "available", avail, "threshold", threshold, "want", chunk)
				return 0, ErrBufferOverflow
			}
			chunk = avail - threshold
			short = true
		}
	}

	free := buf.Off32Free()
	buf.placeAt(p[:chunk], free)
	buf.setOff32Free((free + chunk) % buf.CbData())
	m.n += chunk
	buf.setRecord(m.index, RecordPartial|m.n)

	if short {
		w.stats.Add(w.stats.ShortWrites, 1, telemetry.Screen(w.screen))
		return int(chunk), ErrShortWrite
	}
	return int(chunk), nil
}

// End finalizes the record so the host may consume it. On an overflowed
// writer the record is terminated as discarded and End fails.
func (m *Message) End() error {
	if m.done {
		return ErrMessageEnded
	}
	if m.w.overflowed {
		m.terminate(RecordDiscard)
		return ErrBufferOverflow
	}
	m.terminate(0)
	return nil
}

// Abort withdraws the message. The record slot is released and the host skips
// its bytes, including any it already reassembled.
func (m *Message) Abort() error {
	if m.done {
		return ErrMessageEnded
	}
	logger.Debug("vbva message aborted", "screen", m.w.screen, "record", m.index, "bytes", m.n)
	m.terminate(RecordDiscard)
	return nil
}

func (m *Message) terminate(flags uint32) {
	w := m.w
	m.done = true
	if w.active == m {
		w.active = nil
	}
	w.buf.setRecord(m.index, flags|m.n)
}
