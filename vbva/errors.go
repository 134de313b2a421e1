package vbva

import "errors"

var (
	// ErrNotEnabled is returned when the host has not set FlagModeEnabled.
	ErrNotEnabled = errors.New("vbva: ring not enabled by host")

	// ErrOutOfRecordSlots is returned by Begin when every record slot is in use after a flush.
	ErrOutOfRecordSlots = errors.New("vbva: out of record slots")

	// ErrBufferOverflow is returned once the producer overran the ring. It is sticky until Reset.
	ErrBufferOverflow = errors.New("vbva: buffer overflow")

	// ErrShortWrite accompanies a write clamped to leave the partial write threshold free.
	// The caller resubmits the remainder.
	ErrShortWrite = errors.New("vbva: short write")

	// ErrMessageActive is returned by Begin while another message is open.
	ErrMessageActive = errors.New("vbva: message already in progress")

	// ErrMessageEnded is returned when writing to or ending a finished message.
	ErrMessageEnded = errors.New("vbva: message already ended")

	// ErrMessageTooLarge is returned when a message would exceed MaxRecordSize.
	ErrMessageTooLarge = errors.New("vbva: message too large")

	// ErrCorruptRing is returned when the shared header holds impossible values.
	ErrCorruptRing = errors.New("vbva: corrupt ring")

	ErrRegionTooSmall = errors.New("vbva: region too small")
	ErrMisaligned     = errors.New("vbva: region not 4-byte aligned")

	// ErrShortPayload is returned when decoding a truncated request.
	ErrShortPayload = errors.New("vbva: payload too short")
)
