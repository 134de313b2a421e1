package vdma

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/xll-gen/hgsmi/internal/logger"
	"github.com/xll-gen/hgsmi/internal/telemetry"
	"github.com/xll-gen/hgsmi/vbva"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// CommandHandler consumes the messages a guest wrote into the ring.
type CommandHandler interface {
	HandleCommand(screen int, cmd []byte) error
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(screen int, cmd []byte) error

func (f CommandHandlerFunc) HandleCommand(screen int, cmd []byte) error { return f(screen, cmd) }

// ControlHandler runs opaque controls on behalf of a backend.
type ControlHandler interface {
	HandleControl(src Source, ctl *Ctl) error
}

// Config describes one screen's context.
type Config struct {
	Screen                int
	Capacity              Capacity
	PartialWriteThreshold uint32
	SupportedOrders       uint32
	Opaque                ControlHandler
	Stats                 *telemetry.Instruments
}

// Context is the per-screen control channel and ring consumer.
type Context struct {
	cfg     Config
	handler CommandHandler
	stats   *telemetry.Instruments

	state  atomic.Int32
	enable atomic.Int32
	kicked atomic.Bool

	mu      sync.Mutex
	guest   []*Ctl
	host    []*Ctl
	pending atomic.Int32

	// Owned by the processor.
	buf            *vbva.Buffer
	reader         *vbva.Reader
	resumeOnLoaded bool
}

// NewContext returns a disabled, listening context.
func NewContext(cfg Config, handler CommandHandler) *Context {
	if cfg.Stats == nil {
		cfg.Stats = telemetry.Discard()
	}
	if cfg.PartialWriteThreshold == 0 {
		cfg.PartialWriteThreshold = vbva.DefaultPartialWriteThreshold
	}
	c := &Context{cfg: cfg, handler: handler, stats: cfg.Stats}
	c.state.Store(int32(StateListening))
	c.enable.Store(int32(Disabled))
	return c
}

// Screen returns the screen index.
func (c *Context) Screen() int {
	return c.cfg.Screen
}

// State returns the processing state.
func (c *Context) State() State {
	return State(c.state.Load())
}

// EnableState returns the ring state.
func (c *Context) EnableState() EnableState {
	return EnableState(c.enable.Load())
}

// Pending returns the number of controls not yet processed.
func (c *Context) Pending() int {
	return int(c.pending.Load())
}

// Kick records that the ring has new data. Call Process to consume it.
func (c *Context) Kick() {
	c.kicked.Store(true)
}

// Submit queues ctl. Controls of one source run in submission order.
// A disabled context accepts only enable controls from the guest.
func (c *Context) Submit(src Source, ctl *Ctl) error {
	if src == SourceGuest && c.EnableState() == Disabled {
		switch ctl.Type {
		case CtlEnable, CtlEnablePaused, CtlDisable, CtlResize:
		default:
			return fmt.Errorf("submit %s control on screen %d: %w", ctl.Type, c.cfg.Screen, ErrDisabled)
		}
	}
	c.mu.Lock()
	if src == SourceHost {
		c.host = append(c.host, ctl)
	} else {
		c.guest = append(c.guest, ctl)
	}
	c.pending.Add(1)
	c.mu.Unlock()
	return nil
}

// Exec submits ctl, processes it and waits for its result.
func (c *Context) Exec(ctx context.Context, src Source, ctl *Ctl) error {
	done := make(chan error, 1)
	prev := ctl.Done
	ctl.Done = func(ctl *Ctl, err error) {
		if prev != nil {
			prev(ctl, err)
		}
		done <- err
	}
	if err := c.Submit(src, ctl); err != nil {
		return err
	}
	if err := c.Process(ctx); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Process runs queued work if no other caller is already doing so.
//
// Host controls run first, then guest controls unless paused, then ring
// messages while enabled. After handing the context back to Listening it
// checks again, so work submitted during the hand-off is not stranded.
func (c *Context) Process(ctx context.Context) error {
	for {
		if !c.state.CompareAndSwap(int32(StateListening), int32(StateProcessing)) {
			return nil
		}
		err := c.processOnce(ctx)
		c.state.Store(int32(StateListening))
		if err != nil {
			return err
		}
		if !c.hasWork() {
			return nil
		}
	}
}

func (c *Context) hasWork() bool {
	if c.pending.Load() > 0 {
		c.mu.Lock()
		work := len(c.host) > 0 || (len(c.guest) > 0 && c.EnableState() != Paused)
		c.mu.Unlock()
		if work {
			return true
		}
	}
	return c.kicked.Load() && c.EnableState() == Enabled
}

func (c *Context) pop(src Source) *Ctl {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := &c.guest
	if src == SourceHost {
		list = &c.host
	}
	if len(*list) == 0 {
		return nil
	}
	ctl := (*list)[0]
	(*list)[0] = nil
	*list = (*list)[1:]
	c.pending.Add(-1)
	return ctl
}

func (c *Context) processOnce(ctx context.Context) error {
	ctx, span := c.stats.Start(ctx, "vdma.process", telemetry.Screen(c.cfg.Screen))
	defer span.End()

	for ctl := c.pop(SourceHost); ctl != nil; ctl = c.pop(SourceHost) {
		c.run(ctx, SourceHost, ctl)
	}
	for c.EnableState() != Paused {
		ctl := c.pop(SourceGuest)
		if ctl == nil {
			break
		}
		c.run(ctx, SourceGuest, ctl)
	}
	if c.EnableState() != Enabled || c.reader == nil {
		return nil
	}

	c.kicked.Store(false)
	n, err := c.reader.Drain(func(msg []byte) {
		if c.handler == nil {
			return
		}
		if herr := c.handler.HandleCommand(c.cfg.Screen, msg); herr != nil {
			logger.Warn("vdma command dropped", "screen", c.cfg.Screen, "error", herr)
		}
	})
	span.SetAttributes(attribute.Int("hgsmi.records", n))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ring corrupt")
		logger.Warn("vdma ring corrupt, disabling", "screen", c.cfg.Screen, "error", err)
		c.disable()
		return fmt.Errorf("screen %d: %w", c.cfg.Screen, err)
	}
	return nil
}

func (c *Context) run(ctx context.Context, src Source, ctl *Ctl) {
	err := c.handle(ctx, src, ctl)
	c.stats.Add(c.stats.ControlsProcessed, 1,
		telemetry.Screen(c.cfg.Screen), attribute.String("hgsmi.ctl", ctl.Type.String()))
	if err != nil {
		logger.Debug("vdma control failed", "screen", c.cfg.Screen, "source", src, "type", ctl.Type, "error", err)
	}
	if ctl.Done != nil {
		ctl.Done(ctl, err)
	}
}

func (c *Context) handle(ctx context.Context, src Source, ctl *Ctl) error {
	switch ctl.Type {
	case CtlEnable:
		return c.enableRing(ctl.Ring, Enabled)
	case CtlEnablePaused:
		return c.enableRing(ctl.Ring, Paused)
	case CtlDisable:
		c.disable()
		return nil
	case CtlPause:
		c.enable.CompareAndSwap(int32(Enabled), int32(Paused))
		return nil
	case CtlResume:
		c.enable.CompareAndSwap(int32(Paused), int32(Enabled))
		return nil
	case CtlResize:
		n, err := c.cfg.Capacity.Negotiate(ctl.MaxSize, ctl.PreferredSize)
		if err != nil {
			return err
		}
		ctl.Negotiated = n
		return nil
	case CtlSaveState:
		return c.saveState(ctx, ctl.Save)
	case CtlLoadState:
		return c.loadState(ctx, ctl.Load, ctl.Ring)
	case CtlLoadStateDone:
		if c.resumeOnLoaded {
			c.resumeOnLoaded = false
			c.enable.CompareAndSwap(int32(Paused), int32(Enabled))
		}
		return nil
	case CtlHostOpaque, CtlGuestOpaque:
		if c.cfg.Opaque == nil {
			return fmt.Errorf("%s control: %w", ctl.Type, ErrUnsupportedControl)
		}
		return c.cfg.Opaque.HandleControl(src, ctl)
	}
	return fmt.Errorf("%s control: %w", ctl.Type, ErrUnsupportedControl)
}

func (c *Context) enableRing(mem []byte, to EnableState) error {
	if mem == nil {
		return ErrNoRing
	}
	buf, err := vbva.Map(mem)
	if err != nil {
		return err
	}
	if err := buf.Validate(); err != nil {
		return err
	}
	if limit := c.cfg.Capacity.Max; limit != 0 && buf.CbData() > limit {
		return fmt.Errorf("ring of %d bytes exceeds host max %d: %w", buf.CbData(), limit, ErrCapabilityMismatch)
	}
	c.attach(buf)
	c.enable.Store(int32(to))
	c.kicked.Store(true)
	logger.Info("vdma ring enabled", "screen", c.cfg.Screen, "bytes", buf.CbData(), "state", to)
	return nil
}

func (c *Context) attach(buf *vbva.Buffer) {
	c.buf = buf
	c.reader = vbva.NewReader(buf,
		vbva.WithReaderInstruments(c.stats), vbva.WithReaderScreen(c.cfg.Screen))
	buf.SetSupportedOrders(c.cfg.SupportedOrders)
	buf.SetHostFlags(vbva.FlagModeEnabled)
}

func (c *Context) disable() {
	if c.buf != nil {
		c.buf.ClearHostFlags(vbva.FlagModeEnabled)
	}
	c.buf = nil
	c.reader = nil
	c.resumeOnLoaded = false
	c.enable.Store(int32(Disabled))
	logger.Info("vdma ring disabled", "screen", c.cfg.Screen)
}

// Shutdown disables the ring and fails every queued control.
func (c *Context) Shutdown() {
	c.mu.Lock()
	ctls := append(c.host, c.guest...)
	c.host, c.guest = nil, nil
	c.pending.Store(0)
	c.mu.Unlock()
	for _, ctl := range ctls {
		if ctl.Done != nil {
			ctl.Done(ctl, ErrDisabled)
		}
	}
	for !c.state.CompareAndSwap(int32(StateListening), int32(StateProcessing)) {
		runtime.Gosched()
	}
	c.disable()
	c.state.Store(int32(StateListening))
}
