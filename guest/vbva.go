package guest

import (
	"context"
	"errors"
	"fmt"

	"github.com/xll-gen/hgsmi/hgsmi"
	"github.com/xll-gen/hgsmi/internal/logger"
	"github.com/xll-gen/hgsmi/internal/telemetry"
	"github.com/xll-gen/hgsmi/vbva"
)

// EnableVBVA lays out a ring with cbData bytes of data at off in VRAM and
// asks the host to start consuming it. A ring already enabled on the screen
// is replaced.
func (d *Driver) EnableVBVA(ctx context.Context, screen int, off uint32, cbData int) (*vbva.Writer, error) {
	if screen < 0 || screen >= d.cfg.Screens {
		return nil, fmt.Errorf("enable vbva on screen %d: %w", screen, hgsmi.ErrInvalidDisplay)
	}
	ctx, span := d.stats.Start(ctx, "guest.enable-vbva", telemetry.Screen(screen))
	defer span.End()

	end := int(off) + vbva.RegionSize(cbData)
	if cbData < vbva.MinDataSize || end > len(d.vram) {
		return nil, fmt.Errorf("enable vbva: ring of %d bytes at %#x: %w", cbData, off, vbva.ErrRegionTooSmall)
	}
	buf, err := vbva.Map(d.vram[off:end:end])
	if err != nil {
		return nil, err
	}
	if err := buf.Reset(d.cfg.PartialWriteThreshold); err != nil {
		return nil, err
	}

	req := vbva.EnableRequest{
		Flags:    vbva.EnableFlagEnable | vbva.EnableFlagExtended,
		Offset:   off,
		ScreenID: uint32(screen),
	}
	if err := d.enableRequest(ctx, &req); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("enable vbva on screen %d: %w", screen, err)
	}

	w := vbva.NewWriter(buf, vbva.FlushFunc(d.Flush),
		vbva.WithInstruments(d.stats), vbva.WithScreen(screen))
	d.mu.Lock()
	d.writers[screen] = w
	d.mu.Unlock()
	logger.Info("guest vbva enabled", "screen", screen, "offset", off, "bytes", cbData)
	return w, nil
}

// DisableVBVA asks the host to stop consuming the screen's ring.
func (d *Driver) DisableVBVA(ctx context.Context, screen int) error {
	d.mu.Lock()
	if screen < 0 || screen >= len(d.writers) || d.writers[screen] == nil {
		d.mu.Unlock()
		return fmt.Errorf("disable vbva on screen %d: %w", screen, ErrNoRing)
	}
	d.writers[screen] = nil
	d.mu.Unlock()

	req := vbva.EnableRequest{Flags: vbva.EnableFlagDisable | vbva.EnableFlagExtended, ScreenID: uint32(screen)}
	if err := d.enableRequest(ctx, &req); err != nil {
		return fmt.Errorf("disable vbva on screen %d: %w", screen, err)
	}
	logger.Info("guest vbva disabled", "screen", screen)
	return nil
}

func (d *Driver) enableRequest(ctx context.Context, req *vbva.EnableRequest) error {
	buf := hgsmi.NewBuffer(hgsmi.ChannelVBVA, vbva.SubEnable, vbva.Encode(req), 0)
	status, err := d.SubmitSync(ctx, buf)
	if err != nil {
		return err
	}
	if err := vbva.Decode(buf.Data, req); err != nil {
		return err
	}
	if err := status.Err(); err != nil {
		return err
	}
	return hgsmi.Status(req.Result).Err()
}

// Writer returns the producer of the screen's ring.
func (d *Driver) Writer(screen int) (*vbva.Writer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if screen < 0 || screen >= len(d.writers) || d.writers[screen] == nil {
		return nil, fmt.Errorf("screen %d: %w", screen, ErrNoRing)
	}
	return d.writers[screen], nil
}

// WriteMessage writes p to the screen's ring as one message. When the ring is
// short on space or record slots it flushes and backs off until the host
// catches up or ctx is done. A message that fails part way is withdrawn, so the
// host never consumes its prefix.
//
// ErrBufferOverflow means the host stopped draining; the ring has to be
// enabled again before further writes.
func (d *Driver) WriteMessage(ctx context.Context, screen int, p []byte) error {
	w, err := d.Writer(screen)
	if err != nil {
		return err
	}
	ring := w.Buffer()

	var m *vbva.Message
	for {
		m, err = w.Begin()
		if err == nil {
			break
		}
		if !errors.Is(err, vbva.ErrOutOfRecordSlots) {
			return err
		}
		if err := d.backoff(ctx, func() bool { return recordSlotFree(ring) }); err != nil {
			return err
		}
	}

	for len(p) > 0 {
		n, err := m.Write(p)
		p = p[n:]
		switch {
		case err == nil:
		case errors.Is(err, vbva.ErrShortWrite):
			if err := d.backoff(ctx, func() bool { return ring.Available() > ring.PartialWriteThreshold() }); err != nil {
				m.Abort()
				return err
			}
		default:
			m.Abort()
			return err
		}
	}
	return m.End()
}

func recordSlotFree(ring *vbva.Buffer) bool {
	return (ring.IndexRecordFree()+1)%vbva.MaxRecords != ring.IndexRecordFirst()
}

// backoff flushes and waits until cond holds or ctx is done.
func (d *Driver) backoff(ctx context.Context, cond func() bool) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.wait.Wait(cond, func() {
			if err := d.Flush(); err != nil {
				logger.Warn("guest flush failed", "error", err)
			}
			d.idle(ctx)
		}) {
			return nil
		}
	}
}

// Shutdown disables every enabled ring.
func (d *Driver) Shutdown(ctx context.Context) error {
	var errs []error
	for i := range d.cfg.Screens {
		if _, err := d.Writer(i); err != nil {
			continue
		}
		if err := d.DisableVBVA(ctx, i); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
