package hgsmi

import (
	"fmt"
	"sync/atomic"

	"github.com/xll-gen/hgsmi/internal/logger"
	"github.com/xll-gen/hgsmi/internal/telemetry"
)

// EventFunc is called for HostCmdEvent commands.
type EventFunc func(display int32, body []byte)

// DisplayConfig describes the display channel created on first enable.
type DisplayConfig struct {
	Name     string
	Displays int
	// Complete returns finished host commands. Defaults to the registry's.
	Complete CompleteFunc
	Events   EventFunc
	Stats    *telemetry.Instruments
}

type displayContext struct {
	valid atomic.Bool
	queue CommandQueue
}

// DisplayChannel is the generic host command handler with one context per display.
type DisplayChannel struct {
	id       uint8
	displays []displayContext
	complete CompleteFunc
	events   EventFunc
	stats    *telemetry.Instruments
}

// NewDisplayChannel returns a handler for cfg.Displays displays, all disabled.
func NewDisplayChannel(id uint8, cfg DisplayConfig) *DisplayChannel {
	if cfg.Stats == nil {
		cfg.Stats = telemetry.Discard()
	}
	return &DisplayChannel{
		id:       id,
		displays: make([]displayContext, cfg.Displays),
		complete: cfg.Complete,
		events:   cfg.Events,
		stats:    cfg.Stats,
	}
}

func (dc *DisplayChannel) context(display int32) *displayContext {
	if display < 0 || int(display) >= len(dc.displays) {
		return nil
	}
	return &dc.displays[display]
}

// HandleBuffer routes a host command to its display.
// Commands for a display that is out of range or not enabled are completed at once.
func (dc *DisplayChannel) HandleBuffer(subCode uint16, buf *Buffer) error {
	display, opCode, body, err := DecodeHostCommand(buf.Data)
	if err != nil {
		dc.finish(buf, StatusInvalidParameter)
		return err
	}

	switch subCode {
	case HostCmdEvent:
		if dc.events != nil {
			dc.events(display, body)
		}
		dc.finish(buf, StatusOK)
	case HostCmdDisplayCustom:
		ctx := dc.context(display)
		if ctx == nil || !ctx.valid.Load() {
			logger.Debug("hgsmi host command for inactive display", "channel", dc.id, "display", display, "opcode", opCode)
			dc.stats.Add(dc.stats.Unroutable, 1, telemetry.Channel(dc.id), telemetry.Screen(int(display)))
			dc.finish(buf, StatusOK)
			return nil
		}
		ctx.queue.Push(&HostCommand{Display: display, OpCode: opCode, Payload: body, Buffer: buf})
		dc.stats.Add(dc.stats.HostCommandsQueued, 1, telemetry.Screen(int(display)))
		// A Disable that drained before the push would miss this command.
		if !ctx.valid.Load() {
			dc.flush(ctx)
		}
	default:
		dc.finish(buf, StatusOK)
	}
	return nil
}

func (dc *DisplayChannel) finish(buf *Buffer, status Status) {
	if dc.complete != nil {
		dc.complete(buf, status)
	}
}

// Enable marks a display ready to receive commands.
func (dc *DisplayChannel) Enable(display int) error {
	ctx := dc.context(int32(display))
	if ctx == nil {
		return fmt.Errorf("enable display %d of %d: %w", display, len(dc.displays), ErrInvalidDisplay)
	}
	if ctx.valid.Load() {
		return fmt.Errorf("enable display %d: %w", display, ErrDisplayEnabled)
	}
	dc.flush(ctx)
	if !ctx.valid.CompareAndSwap(false, true) {
		return fmt.Errorf("enable display %d: %w", display, ErrDisplayEnabled)
	}
	return nil
}

// Disable stops queueing for a display and completes anything still queued.
func (dc *DisplayChannel) Disable(display int) error {
	ctx := dc.context(int32(display))
	if ctx == nil {
		return fmt.Errorf("disable display %d: %w", display, ErrInvalidDisplay)
	}
	ctx.valid.Store(false)
	dc.flush(ctx)
	return nil
}

// flush completes every command still queued on ctx.
func (dc *DisplayChannel) flush(ctx *displayContext) {
	for _, cmd := range ctx.queue.Drain() {
		dc.finish(cmd.Buffer, StatusOK)
	}
}

// Enabled reports whether display accepts commands.
func (dc *DisplayChannel) Enabled(display int) bool {
	ctx := dc.context(int32(display))
	return ctx != nil && ctx.valid.Load()
}

// Request drains the queue of display in submission order.
func (dc *DisplayChannel) Request(display int) ([]*HostCommand, error) {
	ctx := dc.context(int32(display))
	if ctx == nil || !ctx.valid.Load() {
		return nil, fmt.Errorf("request commands for display %d: %w", display, ErrInvalidDisplay)
	}
	cmds := ctx.queue.Drain()
	dc.stats.Add(dc.stats.HostCommandsDrained, int64(len(cmds)), telemetry.Screen(display))
	return cmds, nil
}

// Complete hands a drained command back to its sender.
func (dc *DisplayChannel) Complete(cmd *HostCommand) {
	if cmd.Buffer != nil {
		dc.finish(cmd.Buffer, StatusOK)
	}
}

// EnableDisplay makes display on channel ready for host commands, creating and
// registering the display channel on first use.
func EnableDisplay(r *Registry, channel uint8, display int, cfg DisplayConfig) (*DisplayChannel, error) {
	if cfg.Complete == nil {
		cfg.Complete = r.Complete
	}
	if cfg.Stats == nil {
		cfg.Stats = r.stats
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("display-%d", channel)
	}
	ch, err := r.findOrRegister(channel, cfg.Name, func() Handler {
		return NewDisplayChannel(channel, cfg)
	})
	if err != nil {
		return nil, err
	}
	dc, ok := ch.Handler.(*DisplayChannel)
	if !ok {
		return nil, fmt.Errorf("enable display on channel %d (%s): %w", channel, ch.Name, ErrNotDisplayChannel)
	}
	if err := dc.Enable(display); err != nil {
		return nil, err
	}
	return dc, nil
}

// DisableDisplay stops host commands for display on channel.
func DisableDisplay(r *Registry, channel uint8, display int) error {
	dc, err := displayChannel(r, channel)
	if err != nil {
		return err
	}
	return dc.Disable(display)
}

// RequestCommands drains the host commands queued for display on channel.
func RequestCommands(r *Registry, channel uint8, display int) ([]*HostCommand, error) {
	dc, err := displayChannel(r, channel)
	if err != nil {
		return nil, err
	}
	return dc.Request(display)
}

func displayChannel(r *Registry, channel uint8) (*DisplayChannel, error) {
	ch, ok := r.Find(channel)
	if !ok {
		return nil, fmt.Errorf("display channel %d: %w", channel, ErrNotRegistered)
	}
	dc, ok := ch.Handler.(*DisplayChannel)
	if !ok {
		return nil, fmt.Errorf("channel %d (%s): %w", channel, ch.Name, ErrNotDisplayChannel)
	}
	return dc, nil
}
