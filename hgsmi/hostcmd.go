package hgsmi

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// Host command sub-codes on a display channel.
const (
	// HostCmdEvent signals the guest event and completes at once.
	HostCmdEvent uint16 = 1
	// HostCmdDisplayCustom is queued for the target display.
	HostCmdDisplayCustom uint16 = 2
)

// HostCmdHeaderSize is the size of the display/opcode prefix of a host command payload.
const HostCmdHeaderSize = 8

// HostCommand is one host-to-guest directive for a display.
//
// It belongs to the display's CommandQueue until drained, then to the caller
// of RequestCommands, who completes it.
type HostCommand struct {
	Display int32
	OpCode  int32
	Payload []byte
	Buffer  *Buffer

	next *HostCommand
}

// EncodeHostCommand lays out display, opcode and body as a host command payload.
func EncodeHostCommand(display, opCode int32, body []byte) []byte {
	p := make([]byte, HostCmdHeaderSize+len(body))
	binary.LittleEndian.PutUint32(p[0:], uint32(display))
	binary.LittleEndian.PutUint32(p[4:], uint32(opCode))
	copy(p[HostCmdHeaderSize:], body)
	return p
}

// DecodeHostCommand splits a host command payload.
func DecodeHostCommand(p []byte) (display, opCode int32, body []byte, err error) {
	if len(p) < HostCmdHeaderSize {
		return 0, 0, nil, fmt.Errorf("host command payload of %d bytes: %w", len(p), ErrShortHostCommand)
	}
	display = int32(binary.LittleEndian.Uint32(p[0:]))
	opCode = int32(binary.LittleEndian.Uint32(p[4:]))
	return display, opCode, p[HostCmdHeaderSize:], nil
}

// NewHostCommandBuffer builds the buffer the host posts to the guest.
// It is always completed back to the host.
func NewHostCommandBuffer(channel uint8, subCode uint16, display, opCode int32, body []byte) *Buffer {
	return NewBuffer(channel, subCode, EncodeHostCommand(display, opCode, body), FlagGuestAsyncForce)
}

// CommandQueue is a lock-free multi-producer queue.
//
// Push links onto a LIFO stack with compare-and-swap. Drain takes the whole
// stack at once and reverses it, so commands come out in push order. Racing
// drains each get a disjoint part of the queue.
type CommandQueue struct {
	head atomic.Pointer[HostCommand]
}

// Push adds cmd. It never blocks.
func (q *CommandQueue) Push(cmd *HostCommand) {
	for {
		old := q.head.Load()
		cmd.next = old
		if q.head.CompareAndSwap(old, cmd) {
			return
		}
	}
}

// Empty reports whether nothing is queued.
func (q *CommandQueue) Empty() bool {
	return q.head.Load() == nil
}

// Drain removes every queued command, oldest first. An empty queue yields nil.
func (q *CommandQueue) Drain() []*HostCommand {
	head := q.head.Swap(nil)
	if head == nil {
		return nil
	}

	var prev *HostCommand
	n := 0
	for cur := head; cur != nil; {
		next := cur.next
		cur.next = prev
		prev = cur
		cur = next
		n++
	}

	out := make([]*HostCommand, 0, n)
	for cur := prev; cur != nil; {
		next := cur.next
		cur.next = nil
		out = append(out, cur)
		cur = next
	}
	return out
}
