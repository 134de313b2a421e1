package host

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
	"github.com/xll-gen/hgsmi/vdma"
)

// ErrRunning is returned when Run is called twice.
var ErrRunning = errors.New("host: device already running")

// Option configures a Device.
type Option func(*Device)

// WithIRQ sets the doorbell raised toward the guest.
func WithIRQ(d platform.Doorbell) Option {
	return func(dev *Device) { dev.irq = d }
}

// WithDoorbell sets the doorbell the guest kicks when its rings have data.
func WithDoorbell(d platform.Doorbell) Option {
	return func(dev *Device) { dev.doorbell = d }
}

// WithCommandHandler sets the consumer of ring messages and VDMA commands.
func WithCommandHandler(h vdma.CommandHandler) Option {
	return func(dev *Device) { dev.cmds = h }
}

// WithControlHandler sets the backend for opaque controls.
func WithControlHandler(h vdma.ControlHandler) Option {
	return func(dev *Device) { dev.opaque = h }
}

// WithHostCommandDone is called when the guest completes a posted host command.
func WithHostCommandDone(fn func(buf *hgsmi.Buffer)) Option {
	return func(dev *Device) { dev.hostDone = fn }
}

// Device is the host end of the shared memory interface.
type Device struct {
	cfg   Config
	vram  []byte
	stats *telemetry.Instruments

	irq      platform.Doorbell
	doorbell platform.Doorbell
	cmds     vdma.CommandHandler
	opaque   vdma.ControlHandler
	hostDone func(buf *hgsmi.Buffer)

	registry  *hgsmi.Registry
	completer *hgsmi.Completer
	screens   []*vdma.Context

	mu    sync.Mutex
	rings []ringSlot

	hostFIFO    hgsmi.LockedQueue
	completions hgsmi.LockedQueue
	hostPending atomic.Int64

	running atomic.Bool
	wg      sync.WaitGroup
}

// ringSlot is where a screen's ring lives in VRAM, or off < 0 when none.
type ringSlot struct {
	off int64
	len uint32
}

// New creates a device over vram, the memory region shared with the guest.
func New(cfg Config, vram []byte, opts ...Option) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Device{
		cfg:   cfg,
		vram:  vram,
		stats: telemetry.New(cfg.Meter, cfg.Tracer),
		rings: make([]ringSlot, cfg.Screens),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.completer = hgsmi.NewCompleter(hgsmi.CompletionSinkFunc(d.deliver), d.stats)
	d.registry = hgsmi.NewRegistry(d.completer.CompleteFunc(), hgsmi.WithRegistryInstruments(d.stats))

	d.screens = make([]*vdma.Context, cfg.Screens)
	for i := range d.screens {
		d.rings[i].off = -1
		d.screens[i] = vdma.NewContext(vdma.Config{
			Screen:          i,
			Capacity:        cfg.capacity(),
			SupportedOrders: cfg.SupportedOrders,
			Opaque:          d.opaque,
			Stats:           d.stats,
		}, d.cmds)
	}

	if err := d.registry.Register(hgsmi.ChannelVBVA, "VBVA", &vbvaHandler{dev: d}); err != nil {
		return nil, err
	}
	return d, nil
}

// Registry returns the channel registry, for registering extra channels.
func (d *Device) Registry() *hgsmi.Registry {
	return d.registry
}

// Completer returns the completion entry point for handlers that defer.
func (d *Device) Completer() *hgsmi.Completer {
	return d.completer
}

// Screen returns the control context of screen i.
func (d *Device) Screen(i int) (*vdma.Context, error) {
	if i < 0 || i >= len(d.screens) {
		return nil, fmt.Errorf("screen %d of %d: %w", i, len(d.screens), hgsmi.ErrInvalidDisplay)
	}
	return d.screens[i], nil
}

// deliver queues an async completion for the guest.
func (d *Device) deliver(buf *hgsmi.Buffer, irq bool) {
	d.completions.Push(buf)
	if irq {
		d.raiseIRQ()
	}
}

func (d *Device) raiseIRQ() {
	if d.irq == nil {
		return
	}
	if err := d.irq.Kick(); err != nil {
		logger.Warn("host irq failed", "error", err)
	}
}

// Submit is the guest's buffer submission port. The buffer is dispatched
// synchronously; its result is final on return unless the host deferred it.
func (d *Device) Submit(buf *hgsmi.Buffer) error {
	return d.registry.Dispatch(buf)
}

// FetchHost hands the guest every pending host command buffer.
func (d *Device) FetchHost() []*hgsmi.Buffer {
	return d.hostFIFO.DrainAll()
}

// FetchCompleted hands the guest every buffer completed asynchronously.
func (d *Device) FetchCompleted() []*hgsmi.Buffer {
	return d.completions.DrainAll()
}

// CompleteHost is called by the guest when it is done with a host command.
func (d *Device) CompleteHost(buf *hgsmi.Buffer) {
	d.hostPending.Add(-1)
	if d.hostDone != nil {
		d.hostDone(buf)
	}
}

// PostHostCommand sends a directive to display on a guest channel and raises the IRQ.
func (d *Device) PostHostCommand(channel uint8, subCode uint16, display, opCode int32, body []byte) *hgsmi.Buffer {
	buf := hgsmi.NewHostCommandBuffer(channel, subCode, display, opCode, body)
	d.hostPending.Add(1)
	d.hostFIFO.Push(buf)
	d.raiseIRQ()
	return buf
}

// OutstandingHostCommands returns the number of posted host commands not yet completed.
func (d *Device) OutstandingHostCommands() int {
	return int(d.hostPending.Load())
}

// Kick records new ring data on every screen.
func (d *Device) Kick() {
	for _, s := range d.screens {
		s.Kick()
	}
}

// ProcessAll runs pending controls and ring messages on every screen.
func (d *Device) ProcessAll(ctx context.Context) error {
	var errs []error
	for _, s := range d.screens {
		if err := s.Process(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run consumes rings each time the guest rings the doorbell, until ctx is
// done or the doorbell is closed.
func (d *Device) Run(ctx context.Context) error {
	if d.doorbell == nil {
		return errors.New("host: Run needs a doorbell")
	}
	if !d.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	d.wg.Add(1)
	defer func() {
		d.running.Store(false)
		d.wg.Done()
	}()

	logger.Info("host device running", "screens", len(d.screens))
	for {
		err := d.doorbell.Wait(ctx)
		switch {
		case errors.Is(err, platform.ErrClosed):
			return nil
		case err != nil:
			return err
		}
		d.Kick()
		if err := d.ProcessAll(ctx); err != nil {
			logger.Warn("host processing failed", "error", err)
		}
	}
}

// Close stops Run, waits for it, and disables every screen.
func (d *Device) Close() error {
	var err error
	if d.doorbell != nil {
		err = d.doorbell.Close()
	}
	d.wg.Wait()
	for _, s := range d.screens {
		s.Shutdown()
	}
	return err
}

// Pause stops ring consumption on every screen.
func (d *Device) Pause(ctx context.Context) error {
	return d.hostControl(ctx, vdma.CtlPause)
}

// Resume restarts ring consumption on every screen.
func (d *Device) Resume(ctx context.Context) error {
	return d.hostControl(ctx, vdma.CtlResume)
}

func (d *Device) hostControl(ctx context.Context, t vdma.CtlType) error {
	var errs []error
	for _, s := range d.screens {
		if err := s.Exec(ctx, vdma.SourceHost, &vdma.Ctl{Type: t}); err != nil {
			errs = append(errs, fmt.Errorf("screen %d %s: %w", s.Screen(), t, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Device) setRing(screen int, off int64, n uint32) {
	d.mu.Lock()
	d.rings[screen] = ringSlot{off: off, len: n}
	d.mu.Unlock()
}

func (d *Device) ring(screen int) ringSlot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rings[screen]
}
