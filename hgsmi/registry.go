package hgsmi

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/xll-gen/hgsmi/internal/logger"
	"github.com/xll-gen/hgsmi/internal/telemetry"
)

// Well-known channel IDs.
const (
	ChannelReserved uint8 = 0
	ChannelHGSMI    uint8 = 1
	ChannelVBVA     uint8 = 2
	ChannelSeamless uint8 = 3
	ChannelExtDisp  uint8 = 4
	ChannelUser     uint8 = 0x80
)

// Handler interprets the sub-codes of one channel.
//
// The handler owns the buffer until it completes it or marks it async. If it
// returns an error without doing either, Dispatch completes the buffer with the
// error's status.
type Handler interface {
	HandleBuffer(subCode uint16, buf *Buffer) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(subCode uint16, buf *Buffer) error

func (f HandlerFunc) HandleBuffer(subCode uint16, buf *Buffer) error { return f(subCode, buf) }

// Channel is one registration. The handler and any state it carries belong to the entry.
type Channel struct {
	ID      uint8
	Name    string
	Handler Handler
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryInstruments records unroutable buffers.
func WithRegistryInstruments(in *telemetry.Instruments) RegistryOption {
	return func(r *Registry) { r.stats = in }
}

// Registry routes buffers to channel handlers by ID.
// Lookups are lock-free; registration changes take a mutex.
type Registry struct {
	mu       sync.Mutex
	channels [256]atomic.Pointer[Channel]
	complete CompleteFunc
	stats    *telemetry.Instruments
}

// NewRegistry returns an empty registry. complete finishes buffers the
// registry itself has to reject.
func NewRegistry(complete CompleteFunc, opts ...RegistryOption) *Registry {
	r := &Registry{complete: complete}
	for _, opt := range opts {
		opt(r)
	}
	if r.stats == nil {
		r.stats = telemetry.Discard()
	}
	return r
}

// Register adds a channel. An ID already in use is rejected until unregistered.
func (r *Registry) Register(id uint8, name string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(id, name, h)
}

func (r *Registry) registerLocked(id uint8, name string, h Handler) error {
	if h == nil {
		return fmt.Errorf("hgsmi: register channel %d: nil handler", id)
	}
	if r.channels[id].Load() != nil {
		return fmt.Errorf("register channel %d (%s): %w", id, name, ErrAlreadyRegistered)
	}
	r.channels[id].Store(&Channel{ID: id, Name: name, Handler: h})
	logger.Debug("hgsmi channel registered", "channel", id, "name", name)
	return nil
}

// findOrRegister returns the channel for id, creating it with newHandler if absent.
func (r *Registry) findOrRegister(id uint8, name string, newHandler func() Handler) (*Channel, error) {
	if ch := r.channels[id].Load(); ch != nil {
		return ch, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch := r.channels[id].Load(); ch != nil {
		return ch, nil
	}
	if err := r.registerLocked(id, name, newHandler()); err != nil {
		return nil, err
	}
	return r.channels[id].Load(), nil
}

// Unregister removes a channel.
func (r *Registry) Unregister(id uint8) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channels[id].Swap(nil) == nil {
		return fmt.Errorf("unregister channel %d: %w", id, ErrNotRegistered)
	}
	logger.Debug("hgsmi channel unregistered", "channel", id)
	return nil
}

// Find looks up a channel.
func (r *Registry) Find(id uint8) (*Channel, bool) {
	ch := r.channels[id].Load()
	return ch, ch != nil
}

// Channels returns the registered channels in ID order.
func (r *Registry) Channels() []*Channel {
	var out []*Channel
	for i := range r.channels {
		if ch := r.channels[i].Load(); ch != nil {
			out = append(out, ch)
		}
	}
	return out
}

// Complete finishes buf through the registry's completion function.
func (r *Registry) Complete(buf *Buffer, status Status) {
	if r.complete != nil {
		r.complete(buf, status)
	}
}

// Dispatch routes buf to its channel handler.
//
// A buffer for an unknown channel is completed as unroutable and ErrUnroutable
// is returned. A panicking handler is recovered and its buffer completed with
// StatusInternalError, even if the handler had already deferred it.
func (r *Registry) Dispatch(buf *Buffer) (err error) {
	ch := r.channels[buf.Channel].Load()
	if ch == nil {
		r.stats.Add(r.stats.Unroutable, 1, telemetry.Channel(buf.Channel))
		logger.Warn("hgsmi unroutable buffer", "channel", buf.Channel, "subcode", buf.SubCode)
		r.Complete(buf, StatusNotFound)
		return ErrUnroutable
	}

	defer func() {
		if p := recover(); p != nil {
			logger.Warn("hgsmi channel handler panic", "channel", ch.ID, "name", ch.Name, "panic", p)
			err = fmt.Errorf("hgsmi: channel %d (%s) handler panic: %v", ch.ID, ch.Name, p)
			if !buf.Completed() {
				r.Complete(buf, StatusInternalError)
			}
		}
	}()

	err = ch.Handler.HandleBuffer(buf.SubCode, buf)
	if err != nil && !buf.Completed() && !buf.HostAsync() {
		r.Complete(buf, StatusOf(err))
	}
	return err
}
