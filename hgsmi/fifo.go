package hgsmi

import "sync"

// LockedQueue is a mutex protected FIFO of buffers. The host uses it for the
// host-to-guest command list and the async completion list.
type LockedQueue struct {
	mu    sync.Mutex
	items []*Buffer
}

// Push appends buf.
func (q *LockedQueue) Push(buf *Buffer) {
	q.mu.Lock()
	q.items = append(q.items, buf)
	q.mu.Unlock()
}

// PushBatch appends bufs in order.
func (q *LockedQueue) PushBatch(bufs []*Buffer) {
	q.mu.Lock()
	q.items = append(q.items, bufs...)
	q.mu.Unlock()
}

// Pop removes the oldest buffer, or returns nil.
func (q *LockedQueue) Pop() *Buffer {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	buf := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return buf
}

// DrainAll removes and returns every buffer, oldest first.
func (q *LockedQueue) DrainAll() []*Buffer {
	q.mu.Lock()
	out := q.items
	q.items = nil
	q.mu.Unlock()
	return out
}

// Len returns the number of queued buffers.
func (q *LockedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
