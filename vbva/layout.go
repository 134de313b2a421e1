// Package vbva implements the guest-to-host command ring: a byte ring plus a
// fixed queue of record descriptors, laid out in shared memory so that a guest
// producer and a host consumer can run without locks.
package vbva

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

const (
	// MaxRecords is the number of record slots. One slot is always kept free.
	MaxRecords = 64

	// RecordPartial marks a record whose message is still being written.
	RecordPartial uint32 = 0x80000000

	// RecordDiscard marks a terminated record whose bytes the host must skip.
	RecordDiscard uint32 = 0x40000000

	// HeaderSize is the size of the ring header preceding the data area.
	HeaderSize = int(unsafe.Sizeof(header{}))

	// DefaultPartialWriteThreshold is the safety margin kept free by clamped writes.
	DefaultPartialWriteThreshold = 256

	// MaxRecordSize bounds a single message, partial reads included.
	MaxRecordSize = 128 * 1024 * 1024

	// MinDataSize is the smallest data area accepted by Map and Reset.
	MinDataSize = 64
)

// Host event flags, written by the host into HostEvents.
const (
	FlagModeEnabled    uint32 = 0x00000001
	FlagModeVRDP       uint32 = 0x00000002
	FlagModeVRDPReset  uint32 = 0x00000004
	FlagModeVRDPOrders uint32 = 0x00000008
)

// header matches the peer's VBVABUFFER layout field for field.
type header struct {
	HostEvents            uint32
	SupportedOrders       uint32
	Off32Data             uint32
	Off32Free             uint32
	Records               [MaxRecords]uint32
	IndexRecordFirst      uint32
	IndexRecordFree       uint32
	PartialWriteThreshold uint32
	CbData                uint32
}

// Buffer is a view of a ring living in shared memory.
// Every header field is accessed atomically.
type Buffer struct {
	mem  []byte
	hdr  *header
	data []byte
}

// RegionSize returns the number of bytes needed for a ring with cbData data bytes.
func RegionSize(cbData int) int {
	return HeaderSize + cbData
}

// Map wraps mem without modifying it. Use Reset to initialize a fresh region.
func Map(mem []byte) (*Buffer, error) {
	if len(mem) < HeaderSize+MinDataSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrRegionTooSmall, len(mem), HeaderSize+MinDataSize)
	}
	if uintptr(unsafe.Pointer(&mem[0]))%4 != 0 {
		return nil, ErrMisaligned
	}
	return &Buffer{
		mem:  mem,
		hdr:  (*header)(unsafe.Pointer(&mem[0])),
		data: mem[HeaderSize:],
	}, nil
}

// Reset zeroes the cursors and record queue and sizes the data area to the
// whole mapping. Host flags are cleared; the host sets them again on enable.
func (b *Buffer) Reset(threshold uint32) error {
	cbData := uint32(len(b.data))
	if threshold >= cbData/2 {
		return fmt.Errorf("vbva: partial write threshold %d too large for %d data bytes", threshold, cbData)
	}
	h := b.hdr
	atomic.StoreUint32(&h.HostEvents, 0)
	atomic.StoreUint32(&h.SupportedOrders, 0)
	atomic.StoreUint32(&h.Off32Data, 0)
	atomic.StoreUint32(&h.Off32Free, 0)
	for i := range h.Records {
		atomic.StoreUint32(&h.Records[i], 0)
	}
	atomic.StoreUint32(&h.IndexRecordFirst, 0)
	atomic.StoreUint32(&h.IndexRecordFree, 0)
	atomic.StoreUint32(&h.PartialWriteThreshold, threshold)
	atomic.StoreUint32(&h.CbData, cbData)
	return nil
}

// Validate checks that the header is consistent with the mapping.
// The host runs it before trusting a guest supplied ring.
func (b *Buffer) Validate() error {
	cbData := b.CbData()
	switch {
	case cbData == 0 || int(cbData) > len(b.data):
		return fmt.Errorf("%w: cbData %d, mapped %d", ErrCorruptRing, cbData, len(b.data))
	case b.Off32Data() >= cbData || b.Off32Free() >= cbData:
		return fmt.Errorf("%w: offsets %d/%d beyond %d", ErrCorruptRing, b.Off32Data(), b.Off32Free(), cbData)
	case b.IndexRecordFirst() >= MaxRecords || b.IndexRecordFree() >= MaxRecords:
		return fmt.Errorf("%w: record index out of range", ErrCorruptRing)
	case b.PartialWriteThreshold() >= cbData:
		return fmt.Errorf("%w: threshold %d >= cbData %d", ErrCorruptRing, b.PartialWriteThreshold(), cbData)
	}
	return nil
}

func (b *Buffer) HostEvents() uint32       { return atomic.LoadUint32(&b.hdr.HostEvents) }
func (b *Buffer) SupportedOrders() uint32  { return atomic.LoadUint32(&b.hdr.SupportedOrders) }
func (b *Buffer) Off32Data() uint32        { return atomic.LoadUint32(&b.hdr.Off32Data) }
func (b *Buffer) Off32Free() uint32        { return atomic.LoadUint32(&b.hdr.Off32Free) }
func (b *Buffer) IndexRecordFirst() uint32 { return atomic.LoadUint32(&b.hdr.IndexRecordFirst) }
func (b *Buffer) IndexRecordFree() uint32  { return atomic.LoadUint32(&b.hdr.IndexRecordFree) }
func (b *Buffer) PartialWriteThreshold() uint32 {
	return atomic.LoadUint32(&b.hdr.PartialWriteThreshold)
}
func (b *Buffer) CbData() uint32 { return atomic.LoadUint32(&b.hdr.CbData) }

// Record returns the raw cbRecord word of slot i, partial bit included.
func (b *Buffer) Record(i uint32) uint32 {
	return atomic.LoadUint32(&b.hdr.Records[i%MaxRecords])
}

// SetHostFlags sets bits in HostEvents.
func (b *Buffer) SetHostFlags(bits uint32) {
	for {
		old := atomic.LoadUint32(&b.hdr.HostEvents)
		if atomic.CompareAndSwapUint32(&b.hdr.HostEvents, old, old|bits) {
			return
		}
	}
}

// ClearHostFlags clears bits in HostEvents.
func (b *Buffer) ClearHostFlags(bits uint32) {
	for {
		old := atomic.LoadUint32(&b.hdr.HostEvents)
		if atomic.CompareAndSwapUint32(&b.hdr.HostEvents, old, old&^bits) {
			return
		}
	}
}

// SetSupportedOrders publishes the message types the host understands.
func (b *Buffer) SetSupportedOrders(mask uint32) {
	atomic.StoreUint32(&b.hdr.SupportedOrders, mask)
}

// Enabled reports whether the host has turned the ring on.
func (b *Buffer) Enabled() bool {
	return b.HostEvents()&FlagModeEnabled != 0
}

// Available returns the free byte count between the write and read cursors.
// An empty ring reports the full capacity.
func (b *Buffer) Available() uint32 {
	diff := int32(b.Off32Data() - b.Off32Free())
	if diff > 0 {
		return uint32(diff)
	}
	return uint32(int32(b.CbData()) + diff)
}

// Used returns the byte count written but not yet consumed.
func (b *Buffer) Used() uint32 {
	cbData := b.CbData()
	if cbData == 0 {
		return 0
	}
	return (b.Off32Free() + cbData - b.Off32Data()) % cbData
}

// Bytes returns the whole mapping, header included.
func (b *Buffer) Bytes() []byte {
	return b.mem
}

func (b *Buffer) setRecord(i, v uint32) {
	atomic.StoreUint32(&b.hdr.Records[i%MaxRecords], v)
}

func (b *Buffer) setOff32Free(v uint32)        { atomic.StoreUint32(&b.hdr.Off32Free, v) }
func (b *Buffer) setOff32Data(v uint32)        { atomic.StoreUint32(&b.hdr.Off32Data, v) }
func (b *Buffer) setIndexRecordFree(v uint32)  { atomic.StoreUint32(&b.hdr.IndexRecordFree, v) }
func (b *Buffer) setIndexRecordFirst(v uint32) { atomic.StoreUint32(&b.hdr.IndexRecordFirst, v) }

// placeAt copies p into the data area at off, splitting at the ring end.
func (b *Buffer) placeAt(p []byte, off uint32) {
	cbData := b.CbData()
	tillEnd := cbData - off
	if uint32(len(p)) <= tillEnd {
		copy(b.data[off:], p)
		return
	}
	copy(b.data[off:cbData], p[:tillEnd])
	copy(b.data[:cbData], p[tillEnd:])
}

// readAt copies len(dst) bytes from the data area at off, splitting at the ring end.
func (b *Buffer) readAt(dst []byte, off uint32) {
	cbData := b.CbData()
	tillEnd := cbData - off
	if uint32(len(dst)) <= tillEnd {
		copy(dst, b.data[off:off+uint32(len(dst))])
		return
	}
	copy(dst[:tillEnd], b.data[off:cbData])
	copy(dst[tillEnd:], b.data[:uint32(len(dst))-tillEnd])
}
