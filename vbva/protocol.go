package vbva

import (
	"encoding/binary"
	"fmt"
)

// Sub-codes understood by the VBVA channel handler.
const (
	SubQueryConf32 uint16 = 1
	SubSetConf32   uint16 = 2
	SubFlush       uint16 = 5
	SubEnable      uint16 = 7
	SubVDMACtl     uint16 = 10
	SubVDMACmd     uint16 = 11
	SubNegotiate   uint16 = 22
)

// Conf32 indexes.
const (
	Conf32MonitorCount uint32 = 0
	Conf32HostHeapSize uint32 = 1
	Conf32MaxRingSize  uint32 = 2
)

// Enable request flags.
const (
	EnableFlagEnable    uint32 = 0x1
	EnableFlagDisable   uint32 = 0x2
	EnableFlagExtended  uint32 = 0x4
	EnableFlagAbsOffset uint32 = 0x8
)

// VDMA control types.
const (
	VDMACtlUnknown  uint32 = 0
	VDMACtlEnable   uint32 = 1
	VDMACtlDisable  uint32 = 2
	VDMACtlFlush    uint32 = 3
	VDMACtlWatchdog uint32 = 4
)

// EnableRequest turns a screen's ring on or off.
type EnableRequest struct {
	Flags    uint32
	Offset   uint32
	Result   int32
	ScreenID uint32
}

// Conf32Request queries or sets a 32-bit configuration value.
type Conf32Request struct {
	Index uint32
	Value uint32
}

// FlushRequest carries no data. The host rescans the ring.
type FlushRequest struct {
	Reserved uint32
}

// NegotiateRequest agrees on a ring capacity.
// PreferredSize 0 lets the host choose.
type NegotiateRequest struct {
	MaxSize        uint32
	PreferredSize  uint32
	NegotiatedSize uint32
	Result         int32
}

// VDMACtlRequest is a legacy VDMA control.
type VDMACtlRequest struct {
	Type   uint32
	Offset uint32
	Result int32
}

// VDMACmdHeader prefixes a VDMA command payload.
type VDMACmdHeader struct {
	ScreenID uint32
	Reserved uint32
}

// VDMACmdHeaderSize is the encoded size of VDMACmdHeader.
const VDMACmdHeaderSize = 8

// Encode returns the little-endian wire form of v.
func Encode(v any) []byte {
	b, err := binary.Append(nil, binary.LittleEndian, v)
	if err != nil {
		panic(fmt.Sprintf("vbva: encode %T: %v", v, err))
	}
	return b
}

// EncodeInto writes v over the start of p, so a handler can return results in place.
func EncodeInto(p []byte, v any) error {
	if _, err := binary.Encode(p, binary.LittleEndian, v); err != nil {
		return fmt.Errorf("%w: %T needs %d bytes, have %d", ErrShortPayload, v, binary.Size(v), len(p))
	}
	return nil
}

// Decode reads v from the start of p.
func Decode(p []byte, v any) error {
	if _, err := binary.Decode(p, binary.LittleEndian, v); err != nil {
		return fmt.Errorf("%w: %T needs %d bytes, have %d", ErrShortPayload, v, binary.Size(v), len(p))
	}
	return nil
}
