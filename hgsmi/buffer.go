package hgsmi

import (
	"fmt"
	"sync/atomic"
)

// Flags is the completion bitfield carried in a buffer header.
type Flags uint32

const (
	// FlagGuestAsyncNoCompletion: the guest does not want to hear about async completion.
	FlagGuestAsyncNoCompletion Flags = 0x00000001
	// FlagGuestAsyncIRQ: raise an interrupt when completing asynchronously.
	FlagGuestAsyncIRQ Flags = 0x00000002
	// FlagGuestAsyncForce: complete through the completion list even if the host did not defer.
	FlagGuestAsyncForce Flags = 0x00000004
	// FlagGuestAsyncIRQForce: async completion with a forced interrupt.
	FlagGuestAsyncIRQForce Flags = 0x00000010
	// FlagHostAsync is set by the host when it defers completion.
	FlagHostAsync Flags = 0x00010000
	// FlagCompleted is set exactly once, when the result is final.
	FlagCompleted Flags = 0x00020000
)

func (f Flags) String() string {
	return fmt.Sprintf("%#x", uint32(f))
}

// Buffer is one guest-submitted message: a channel, a channel specific
// sub-code and a payload the handler may rewrite in place.
type Buffer struct {
	Channel uint8
	SubCode uint16
	Data    []byte

	flags  atomic.Uint32
	result atomic.Int32
}

// NewBuffer returns a buffer addressed to channel with the guest flags set.
func NewBuffer(channel uint8, subCode uint16, data []byte, flags Flags) *Buffer {
	b := &Buffer{Channel: channel, SubCode: subCode, Data: data}
	b.flags.Store(uint32(flags &^ (FlagHostAsync | FlagCompleted)))
	return b
}

// Flags returns the current flag word.
func (b *Buffer) Flags() Flags {
	return Flags(b.flags.Load())
}

// Result returns the completion status. It is meaningful once Completed is true.
func (b *Buffer) Result() Status {
	return Status(b.result.Load())
}

// Completed reports whether the host has produced a final result.
func (b *Buffer) Completed() bool {
	return b.Flags()&FlagCompleted != 0
}

// HostAsync reports whether the result arrives through the completion list.
func (b *Buffer) HostAsync() bool {
	return b.Flags()&FlagHostAsync != 0
}

// setFlags ORs bits in and returns the previous value.
func (b *Buffer) setFlags(bits Flags) Flags {
	for {
		old := b.flags.Load()
		if b.flags.CompareAndSwap(old, old|uint32(bits)) {
			return Flags(old)
		}
	}
}

func (b *Buffer) String() string {
	return fmt.Sprintf("buffer{ch=%d sub=%d len=%d flags=%s}", b.Channel, b.SubCode, len(b.Data), b.Flags())
}
