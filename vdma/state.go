package vdma

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/xll-gen/hgsmi/internal/logger"
	"github.com/xll-gen/hgsmi/internal/telemetry"
	"github.com/xll-gen/hgsmi/vbva"
)

const (
	stateMagic   uint32 = 0x56424158
	stateVersion uint32 = 1
)

var errNoStream = errors.New("vdma: save or load control without a stream")

type stateHeader struct {
	Magic   uint32
	Version uint32
	Enable  int32
	RingLen uint32
}

// saveState writes the enable state and the ring, header and data, to w.
func (c *Context) saveState(ctx context.Context, w io.Writer) error {
	if w == nil {
		return errNoStream
	}
	_, span := c.stats.Start(ctx, "vdma.save-state", telemetry.Screen(c.cfg.Screen))
	defer span.End()

	h := stateHeader{Magic: stateMagic, Version: stateVersion, Enable: c.enable.Load()}
	var ring []byte
	if c.buf != nil {
		ring = c.buf.Bytes()
		h.RingLen = uint32(len(ring))
	}
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("save screen %d: %w", c.cfg.Screen, err)
	}
	if _, err := w.Write(ring); err != nil {
		return fmt.Errorf("save screen %d ring: %w", c.cfg.Screen, err)
	}
	return nil
}

// loadState restores what saveState wrote. An enabled ring comes back paused
// and resumes on CtlLoadStateDone.
func (c *Context) loadState(ctx context.Context, r io.Reader, target []byte) error {
	if r == nil {
		return errNoStream
	}
	_, span := c.stats.Start(ctx, "vdma.load-state", telemetry.Screen(c.cfg.Screen))
	defer span.End()

	var h stateHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("load screen %d: %w", c.cfg.Screen, err)
	}
	if h.Magic != stateMagic {
		return fmt.Errorf("load screen %d: magic %#x: %w", c.cfg.Screen, h.Magic, ErrBadState)
	}
	if h.Version != stateVersion {
		return fmt.Errorf("load screen %d: version %d: %w", c.cfg.Screen, h.Version, ErrVersionMismatch)
	}
	saved := EnableState(h.Enable)
	switch saved {
	case Disabled, Paused, Enabled:
	default:
		return fmt.Errorf("load screen %d: enable state %d: %w", c.cfg.Screen, h.Enable, ErrBadState)
	}

	if h.RingLen == 0 {
		if saved != Disabled {
			return fmt.Errorf("load screen %d: %s without a ring: %w", c.cfg.Screen, saved, ErrBadState)
		}
		c.disable()
		return nil
	}

	mem := target
	if mem == nil && c.buf != nil && len(c.buf.Bytes()) == int(h.RingLen) {
		mem = c.buf.Bytes()
	}
	if mem == nil {
		mem = make([]byte, h.RingLen)
	}
	if len(mem) != int(h.RingLen) {
		return fmt.Errorf("load screen %d: ring of %d bytes into %d: %w", c.cfg.Screen, h.RingLen, len(mem), ErrBadState)
	}
	if _, err := io.ReadFull(r, mem); err != nil {
		return fmt.Errorf("load screen %d ring: %w", c.cfg.Screen, err)
	}
	buf, err := vbva.Map(mem)
	if err != nil {
		return err
	}
	if err := buf.Validate(); err != nil {
		return fmt.Errorf("load screen %d: %w", c.cfg.Screen, err)
	}

	c.attach(buf)
	c.resumeOnLoaded = saved == Enabled
	c.enable.Store(int32(Paused))
	if saved == Disabled {
		c.disable()
	}
	logger.Info("vdma state loaded", "screen", c.cfg.Screen, "saved", saved, "bytes", h.RingLen)
	return nil
}
