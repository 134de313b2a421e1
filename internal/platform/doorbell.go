package platform

import (
	"context"
	"sync"
)

// LocalDoorbell is an in-process Doorbell for peers sharing one address space.
type LocalDoorbell struct {
	ch        chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewLocalDoorbell returns a coalescing doorbell backed by a channel.
func NewLocalDoorbell() *LocalDoorbell {
	return &LocalDoorbell{
		ch:   make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (d *LocalDoorbell) Kick() error {
	select {
	case <-d.done:
		return ErrClosed
	default:
	}
	select {
	case d.ch <- struct{}{}:
	default:
	}
	return nil
}

func (d *LocalDoorbell) Wait(ctx context.Context) error {
	select {
	case <-d.ch:
		return nil
	case <-d.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *LocalDoorbell) Close() error {
	d.closeOnce.Do(func() { close(d.done) })
	return nil
}
