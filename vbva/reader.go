package vbva

import (
	"fmt"

	"github.com/xll-gen/hgsmi/internal/logger"
	"github.com/xll-gen/hgsmi/internal/telemetry"
)

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithReaderInstruments records consumed records and bytes.
func WithReaderInstruments(in *telemetry.Instruments) ReaderOption {
	return func(r *Reader) { r.stats = in }
}

// WithReaderScreen tags log lines and metrics with the screen index.
func WithReaderScreen(screen int) ReaderOption {
	return func(r *Reader) { r.screen = screen }
}

// Reader is the host side consumer of a ring.
//
// A record still marked partial is normally left alone. Once it grows past
// cbData minus the partial write threshold the producer cannot make progress
// without the host freeing space, so the reader moves the bytes written so far
// into a reassembly buffer and advances the read cursor.
type Reader struct {
	buf    *Buffer
	stats  *telemetry.Instruments
	screen int

	partial []byte
}

// NewReader returns a consumer for buf.
func NewReader(buf *Buffer, opts ...ReaderOption) *Reader {
	r := &Reader{buf: buf}
	for _, opt := range opts {
		opt(r)
	}
	if r.stats == nil {
		r.stats = telemetry.Discard()
	}
	return r
}

// Buffer returns the ring the reader consumes.
func (r *Reader) Buffer() *Buffer {
	return r.buf
}

// Reset drops any partially reassembled record.
func (r *Reader) Reset() {
	r.partial = nil
}

// Pending reports whether a finished or partial record is waiting.
func (r *Reader) Pending() bool {
	return r.buf.IndexRecordFirst() != r.buf.IndexRecordFree()
}

// Fetch returns the next complete message, or nil when none is ready.
// The returned slice is owned by the caller.
func (r *Reader) Fetch() ([]byte, error) {
	buf := r.buf
	for {
		first := buf.IndexRecordFirst()
		free := buf.IndexRecordFree()
		if first >= MaxRecords || free >= MaxRecords {
			return nil, fmt.Errorf("%w: record index %d/%d", ErrCorruptRing, first, free)
		}
		if first == free {
			return nil, nil
		}

		raw := buf.Record(first)
		cb := raw &^ (RecordPartial | RecordDiscard)
		isPartial := raw&RecordPartial != 0
		cbData := buf.CbData()
		if cb > MaxRecordSize {
			return nil, fmt.Errorf("%w: record %d length %d exceeds %d", ErrCorruptRing, first, cb, MaxRecordSize)
		}

		if !isPartial && raw&RecordDiscard != 0 {
			if err := r.skip(cb); err != nil {
				return nil, err
			}
			logger.Debug("vbva discarded record", "screen", r.screen, "record", first, "bytes", cb)
			buf.setIndexRecordFirst((first + 1) % MaxRecords)
			continue
		}

		if r.partial != nil {
			if err := r.readPartial(cb); err != nil {
				return nil, err
			}
			if isPartial {
				return nil, nil
			}
			msg := r.partial
			r.partial = nil
			r.finish(first, msg)
			return msg, nil
		}

		if isPartial {
			if cb >= cbData-buf.PartialWriteThreshold() {
				logger.Debug("vbva partial read", "screen", r.screen, "record", first, "bytes", cb)
				r.partial = make([]byte, 0, cb)
				if err := r.readPartial(cb); err != nil {
					return nil, err
				}
			}
			return nil, nil
		}

		if cb == 0 {
			buf.setIndexRecordFirst((first + 1) % MaxRecords)
			continue
		}

		if cb > buf.Used() {
			return nil, fmt.Errorf("%w: record %d claims %d bytes, ring holds %d", ErrCorruptRing, first, cb, buf.Used())
		}
		msg := make([]byte, cb)
		off := buf.Off32Data()
		buf.readAt(msg, off)
		buf.setOff32Data((off + cb) % cbData)
		r.finish(first, msg)
		return msg, nil
	}
}

// readPartial pulls the bytes of the current record not yet reassembled.
func (r *Reader) readPartial(cb uint32) error {
	buf := r.buf
	have := uint32(len(r.partial))
	if cb < have {
		return fmt.Errorf("%w: record shrank from %d to %d bytes", ErrCorruptRing, have, cb)
	}
	n := cb - have
	if n == 0 {
		return nil
	}
	if n > buf.Used() {
		return fmt.Errorf("%w: partial record claims %d bytes, ring holds %d", ErrCorruptRing, n, buf.Used())
	}
	off := buf.Off32Data()
	r.partial = append(r.partial, make([]byte, n)...)
	buf.readAt(r.partial[have:], off)
	buf.setOff32Data((off + n) % buf.CbData())
	return nil
}

// skip drops the bytes of a discarded record along with any reassembled prefix.
func (r *Reader) skip(cb uint32) error {
	buf := r.buf
	have := uint32(len(r.partial))
	if cb < have {
		return fmt.Errorf("%w: discarded record shrank from %d to %d bytes", ErrCorruptRing, have, cb)
	}
	n := cb - have
	if n > buf.Used() {
		return fmt.Errorf("%w: discarded record claims %d bytes, ring holds %d", ErrCorruptRing, n, buf.Used())
	}
	buf.setOff32Data((buf.Off32Data() + n) % buf.CbData())
	r.partial = nil
	return nil
}

func (r *Reader) finish(index uint32, msg []byte) {
	r.buf.setIndexRecordFirst((index + 1) % MaxRecords)
	r.stats.Add(r.stats.RecordsConsumed, 1, telemetry.Screen(r.screen))
	r.stats.Add(r.stats.BytesConsumed, int64(len(msg)), telemetry.Screen(r.screen))
}

// Drain fetches every complete message and passes it to fn.
// It returns the number of messages delivered.
func (r *Reader) Drain(fn func(msg []byte)) (int, error) {
	n := 0
	for {
		msg, err := r.Fetch()
		if err != nil {
			return n, err
		}
		if msg == nil {
			return n, nil
		}
		fn(msg)
		n++
	}
}
