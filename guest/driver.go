package guest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/xll-gen/hgsmi/hgsmi"
	"github.com/xll-gen/hgsmi/internal/logger"
	"github.com/xll-gen/hgsmi/internal/platform"
	"github.com/xll-gen/hgsmi/internal/telemetry"
	"github.com/xll-gen/hgsmi/vbva"
)

var (
	// ErrNotCompleted is returned when the host neither completed nor deferred a buffer.
	ErrNotCompleted = errors.New("guest: host returned without completing the buffer")
	// ErrNoRing is returned for a screen without an enabled ring.
	ErrNoRing = errors.New("guest: screen has no enabled ring")
	// ErrRunning is returned when Run is called twice.
	ErrRunning = errors.New("guest: interrupt loop already running")
)

// Port is the guest's view of the host device.
type Port interface {
	// Submit hands a buffer to the host. The result is final on return
	// unless the host set FlagHostAsync.
	Submit(buf *hgsmi.Buffer) error
	// FetchHost drains host command buffers.
	FetchHost() []*hgsmi.Buffer
	// CompleteHost returns a processed host command buffer.
	CompleteHost(buf *hgsmi.Buffer)
	// FetchCompleted drains buffers the host completed asynchronously.
	FetchCompleted() []*hgsmi.Buffer
}

// Option configures a Driver.
type Option func(*Driver)

// WithIRQ sets the doorbell the host raises.
func WithIRQ(d platform.Doorbell) Option {
	return func(drv *Driver) { drv.irq = d }
}

// WithDoorbell sets the doorbell kicked on every flush.
func WithDoorbell(d platform.Doorbell) Option {
	return func(drv *Driver) { drv.doorbell = d }
}

// WithWaitStrategy replaces the backoff used while waiting on the host.
func WithWaitStrategy(w *WaitStrategy) Option {
	return func(drv *Driver) { drv.wait = w }
}

// Driver is the guest end of the shared memory interface.
type Driver struct {
	port  Port
	cfg   Config
	vram  []byte
	stats *telemetry.Instruments

	irq      platform.Doorbell
	doorbell platform.Doorbell
	wait     *WaitStrategy

	registry  *hgsmi.Registry
	completer *hgsmi.Completer

	mu      sync.Mutex
	writers []*vbva.Writer
	pending map[*hgsmi.Buffer]func(*hgsmi.Buffer)

	running atomic.Bool
}

// New returns a driver talking to port, with rings placed in vram.
func New(port Port, cfg Config, vram []byte, opts ...Option) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Driver{
		port:    port,
		cfg:     cfg,
		vram:    vram,
		stats:   telemetry.New(cfg.Meter, cfg.Tracer),
		writers: make([]*vbva.Writer, cfg.Screens),
		pending: make(map[*hgsmi.Buffer]func(*hgsmi.Buffer)),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.wait == nil {
		d.wait = NewWaitStrategy()
	}
	// Host commands complete through the completion list, which on this
	// side means handing them back to the host.
	d.completer = hgsmi.NewCompleter(hgsmi.CompletionSinkFunc(func(buf *hgsmi.Buffer, _ bool) {
		d.port.CompleteHost(buf)
	}), d.stats)
	d.registry = hgsmi.NewRegistry(d.completer.CompleteFunc(), hgsmi.WithRegistryInstruments(d.stats))
	return d, nil
}

// Registry returns the guest channel registry that host commands are routed through.
func (d *Driver) Registry() *hgsmi.Registry {
	return d.registry
}

// SubmitSync submits buf and waits for its final status, polling the
// completion list itself if the host defers it.
func (d *Driver) SubmitSync(ctx context.Context, buf *hgsmi.Buffer) (hgsmi.Status, error) {
	if buf.Flags()&hgsmi.FlagGuestAsyncNoCompletion != 0 {
		return 0, fmt.Errorf("guest: sync submit of %s with no-completion flag", buf)
	}
	done := make(chan struct{})
	d.track(buf, func(*hgsmi.Buffer) { close(done) })

	err := d.port.Submit(buf)
	if !buf.HostAsync() {
		d.untrack(buf)
		if !buf.Completed() {
			if err == nil {
				err = ErrNotCompleted
			}
			return 0, err
		}
		return buf.Result(), nil
	}

	isDone := func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
	for {
		if d.wait.Wait(isDone, func() { d.idle(ctx) }) {
			return buf.Result(), nil
		}
		if err := ctx.Err(); err != nil {
			d.untrack(buf)
			return 0, err
		}
	}
}

// SubmitAsync submits buf and calls cb once it completes, either before
// SubmitAsync returns or from a later HandleInterrupt.
func (d *Driver) SubmitAsync(buf *hgsmi.Buffer, cb func(*hgsmi.Buffer)) error {
	d.track(buf, cb)
	err := d.port.Submit(buf)
	if buf.HostAsync() {
		return nil
	}
	d.untrack(buf)
	if !buf.Completed() {
		if err == nil {
			err = ErrNotCompleted
		}
		return err
	}
	cb(buf)
	return nil
}

func (d *Driver) track(buf *hgsmi.Buffer, cb func(*hgsmi.Buffer)) {
	d.mu.Lock()
	d.pending[buf] = cb
	d.mu.Unlock()
}

func (d *Driver) untrack(buf *hgsmi.Buffer) func(*hgsmi.Buffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb := d.pending[buf]
	delete(d.pending, buf)
	return cb
}

// idle polls for completions and otherwise waits up to RetryInterval for the
// next interrupt. An interrupt it swallows is handled here.
func (d *Driver) idle(ctx context.Context) {
	if d.collectCompleted() > 0 || d.cfg.RetryInterval <= 0 {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, d.cfg.RetryInterval)
	defer cancel()
	if d.irq == nil {
		<-wctx.Done()
		d.collectCompleted()
		return
	}
	if d.irq.Wait(wctx) == nil {
		d.HandleInterrupt()
	}
}

func (d *Driver) collectCompleted() int {
	bufs := d.port.FetchCompleted()
	for _, buf := range bufs {
		cb := d.untrack(buf)
		if cb == nil {
			logger.Warn("guest completion for unknown buffer", "buffer", buf.String())
			continue
		}
		cb(buf)
	}
	return len(bufs)
}

func (d *Driver) dispatchHost() int {
	bufs := d.port.FetchHost()
	for _, buf := range bufs {
		if err := d.registry.Dispatch(buf); err != nil {
			logger.Debug("guest host command rejected", "buffer", buf.String(), "error", err)
		}
	}
	return len(bufs)
}

// HandleInterrupt routes pending host commands to their channels and runs
// the callbacks of buffers the host completed asynchronously. It returns the
// number of buffers handled.
func (d *Driver) HandleInterrupt() int {
	return d.dispatchHost() + d.collectCompleted()
}

// Run handles interrupts until ctx is done or the IRQ doorbell is closed.
func (d *Driver) Run(ctx context.Context) error {
	if d.irq == nil {
		return errors.New("guest: Run needs an IRQ doorbell")
	}
	if !d.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer d.running.Store(false)

	for {
		err := d.irq.Wait(ctx)
		switch {
		case errors.Is(err, platform.ErrClosed):
			return nil
		case err != nil:
			return err
		}
		d.HandleInterrupt()
	}
}

// Flush asks the host to consume every ring now.
func (d *Driver) Flush() error {
	buf := hgsmi.NewBuffer(hgsmi.ChannelVBVA, vbva.SubFlush, vbva.Encode(&vbva.FlushRequest{}), 0)
	err := d.port.Submit(buf)
	if d.doorbell != nil {
		if kerr := d.doorbell.Kick(); kerr != nil {
			err = errors.Join(err, kerr)
		}
	}
	return err
}

// QueryConf32 reads a host configuration value.
func (d *Driver) QueryConf32(ctx context.Context, index uint32) (uint32, error) {
	req := vbva.Conf32Request{Index: index}
	buf := hgsmi.NewBuffer(hgsmi.ChannelVBVA, vbva.SubQueryConf32, vbva.Encode(&req), 0)
	status, err := d.SubmitSync(ctx, buf)
	if err != nil {
		return 0, err
	}
	if err := status.Err(); err != nil {
		return 0, fmt.Errorf("query conf32 %d: %w", index, err)
	}
	if err := vbva.Decode(buf.Data, &req); err != nil {
		return 0, err
	}
	return req.Value, nil
}

// Negotiate agrees on a ring size with the host.
func (d *Driver) Negotiate(ctx context.Context, maxSize, preferred uint32) (uint32, error) {
	req := vbva.NegotiateRequest{MaxSize: maxSize, PreferredSize: preferred}
	buf := hgsmi.NewBuffer(hgsmi.ChannelVBVA, vbva.SubNegotiate, vbva.Encode(&req), 0)
	status, err := d.SubmitSync(ctx, buf)
	if err != nil {
		return 0, err
	}
	if err := status.Err(); err != nil {
		return 0, fmt.Errorf("negotiate ring size: %w", err)
	}
	if err := vbva.Decode(buf.Data, &req); err != nil {
		return 0, err
	}
	return req.NegotiatedSize, nil
}
