package host

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/xll-gen/hgsmi/internal/logger"
	"github.com/xll-gen/hgsmi/vdma"
)

const (
	deviceMagic   uint32 = 0x48475349
	deviceVersion uint32 = 1
)

// ErrStateMismatch is returned when a saved state does not fit this device.
var ErrStateMismatch = errors.New("host: saved state does not match device")

type deviceHeader struct {
	Magic   uint32
	Version uint32
	Screens uint32
}

type savedRing struct {
	Offset int64
	Len    uint32
}

// SaveState writes where each ring lives in VRAM followed by each screen's
// control state. Saving runs as a host control, so it is ordered after
// anything the host queued earlier.
func (d *Device) SaveState(ctx context.Context, w io.Writer) error {
	ctx, span := d.stats.Start(ctx, "host.save-state")
	defer span.End()

	h := deviceHeader{Magic: deviceMagic, Version: deviceVersion, Screens: uint32(len(d.screens))}
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("save device: %w", err)
	}
	for i := range d.screens {
		slot := d.ring(i)
		if err := binary.Write(w, binary.LittleEndian, &savedRing{Offset: slot.off, Len: slot.len}); err != nil {
			return fmt.Errorf("save ring %d: %w", i, err)
		}
	}
	for _, s := range d.screens {
		if err := s.Exec(ctx, vdma.SourceHost, &vdma.Ctl{Type: vdma.CtlSaveState, Save: w}); err != nil {
			span.RecordError(err)
			return err
		}
	}
	return nil
}

// LoadState restores what SaveState wrote. Rings are restored into VRAM at
// their saved offsets, and rings that were running resume once every screen
// has loaded.
func (d *Device) LoadState(ctx context.Context, r io.Reader) error {
	ctx, span := d.stats.Start(ctx, "host.load-state")
	defer span.End()

	var h deviceHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("load device: %w", err)
	}
	switch {
	case h.Magic != deviceMagic:
		return fmt.Errorf("load device: magic %#x: %w", h.Magic, ErrStateMismatch)
	case h.Version != deviceVersion:
		return fmt.Errorf("load device: version %d: %w", h.Version, vdma.ErrVersionMismatch)
	case int(h.Screens) != len(d.screens):
		return fmt.Errorf("load device: %d screens into %d: %w", h.Screens, len(d.screens), ErrStateMismatch)
	}

	rings := make([]savedRing, len(d.screens))
	for i := range rings {
		if err := binary.Read(r, binary.LittleEndian, &rings[i]); err != nil {
			return fmt.Errorf("load ring %d: %w", i, err)
		}
		sr := rings[i]
		if sr.Offset >= 0 && sr.Offset+int64(sr.Len) > int64(len(d.vram)) {
			return fmt.Errorf("load ring %d at %#x: %w", i, sr.Offset, ErrStateMismatch)
		}
	}

	for i, s := range d.screens {
		sr := rings[i]
		var target []byte
		if sr.Offset >= 0 {
			end := sr.Offset + int64(sr.Len)
			target = d.vram[sr.Offset:end:end]
		}
		if err := s.Exec(ctx, vdma.SourceHost, &vdma.Ctl{Type: vdma.CtlLoadState, Load: r, Ring: target}); err != nil {
			span.RecordError(err)
			return err
		}
		d.setRing(i, sr.Offset, sr.Len)
	}
	for _, s := range d.screens {
		if err := s.Exec(ctx, vdma.SourceHost, &vdma.Ctl{Type: vdma.CtlLoadStateDone}); err != nil {
			return err
		}
	}
	logger.Info("host state loaded", "screens", len(d.screens))
	return nil
}
