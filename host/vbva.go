package host

import (
	"context"
	"fmt"
	"sync"

	"github.com/xll-gen/hgsmi/hgsmi"
	"github.com/xll-gen/hgsmi/internal/logger"
	"github.com/xll-gen/hgsmi/vbva"
	"github.com/xll-gen/hgsmi/vdma"
)

// vbvaHandler answers the VBVA channel.
type vbvaHandler struct {
	dev *Device
}

func (h *vbvaHandler) HandleBuffer(subCode uint16, buf *hgsmi.Buffer) error {
	switch subCode {
	case vbva.SubQueryConf32:
		return h.queryConf32(buf)
	case vbva.SubSetConf32:
		return hgsmi.NewError(hgsmi.StatusNotSupported, "host: configuration is read-only")
	case vbva.SubFlush:
		return h.flush(buf)
	case vbva.SubEnable:
		return h.enable(buf)
	case vbva.SubNegotiate:
		return h.negotiate(buf)
	case vbva.SubVDMACtl:
		return h.vdmaCtl(buf)
	case vbva.SubVDMACmd:
		return h.vdmaCmd(buf)
	}
	return hgsmi.NewError(hgsmi.StatusNotSupported, fmt.Sprintf("host: vbva sub-code %d", subCode))
}

func (h *vbvaHandler) complete(buf *hgsmi.Buffer, status hgsmi.Status) error {
	_, err := h.dev.completer.Complete(buf, status)
	return err
}

func (h *vbvaHandler) queryConf32(buf *hgsmi.Buffer) error {
	var req vbva.Conf32Request
	if err := vbva.Decode(buf.Data, &req); err != nil {
		return err
	}
	cfg := h.dev.cfg
	status := hgsmi.StatusOK
	switch req.Index {
	case vbva.Conf32MonitorCount:
		req.Value = uint32(cfg.Screens)
	case vbva.Conf32HostHeapSize:
		req.Value = cfg.HostHeapSize
	case vbva.Conf32MaxRingSize:
		req.Value = cfg.MaxRingSize
	default:
		status = hgsmi.StatusNotSupported
	}
	if err := vbva.EncodeInto(buf.Data, &req); err != nil {
		return err
	}
	return h.complete(buf, status)
}

func (h *vbvaHandler) flush(buf *hgsmi.Buffer) error {
	d := h.dev
	d.Kick()
	if err := d.ProcessAll(context.Background()); err != nil {
		logger.Warn("host flush", "error", err)
	}
	return h.complete(buf, hgsmi.StatusOK)
}

func (h *vbvaHandler) enable(buf *hgsmi.Buffer) error {
	d := h.dev
	var req vbva.EnableRequest
	if err := vbva.Decode(buf.Data, &req); err != nil {
		return err
	}
	screen := 0
	if req.Flags&vbva.EnableFlagExtended != 0 {
		screen = int(req.ScreenID)
	}
	writeResult := func(err error) hgsmi.Status {
		status := hgsmi.StatusOf(err)
		req.Result = int32(status)
		if err := vbva.EncodeInto(buf.Data, &req); err != nil {
			logger.Warn("host enable result not written", "screen", screen, "error", err)
		}
		return status
	}

	sc, err := d.Screen(screen)
	if err != nil {
		return h.complete(buf, writeResult(err))
	}

	var ctl *vdma.Ctl
	switch {
	case req.Flags&vbva.EnableFlagEnable != 0:
		ring, err := d.ringAt(req.Offset)
		if err != nil {
			return h.complete(buf, writeResult(err))
		}
		off, n := int64(req.Offset), uint32(len(ring))
		ctl = &vdma.Ctl{Type: vdma.CtlEnable, Ring: ring}
		return h.runControl(buf, sc, ctl, func(err error) hgsmi.Status {
			if err == nil {
				d.setRing(screen, off, n)
			}
			return writeResult(err)
		})
	case req.Flags&vbva.EnableFlagDisable != 0:
		ctl = &vdma.Ctl{Type: vdma.CtlDisable}
		return h.runControl(buf, sc, ctl, func(err error) hgsmi.Status {
			d.setRing(screen, -1, 0)
			return writeResult(err)
		})
	}
	return h.complete(buf, writeResult(hgsmi.NewError(hgsmi.StatusInvalidParameter, "host: enable without enable or disable flag")))
}

func (h *vbvaHandler) negotiate(buf *hgsmi.Buffer) error {
	var req vbva.NegotiateRequest
	if err := vbva.Decode(buf.Data, &req); err != nil {
		return err
	}
	sc := h.dev.screens[0]
	ctl := &vdma.Ctl{Type: vdma.CtlResize, MaxSize: req.MaxSize, PreferredSize: req.PreferredSize}
	return h.runControl(buf, sc, ctl, func(err error) hgsmi.Status {
		status := hgsmi.StatusOf(err)
		req.NegotiatedSize = ctl.Negotiated
		req.Result = int32(status)
		if err := vbva.EncodeInto(buf.Data, &req); err != nil {
			logger.Warn("host negotiate result not written", "error", err)
		}
		return status
	})
}

// controlCompletion joins a control's Done callback with the buffer that asked for it.
type controlCompletion struct {
	mu      sync.Mutex
	done    bool
	status  hgsmi.Status
	pending *hgsmi.Pending
}

// runControl submits ctl as a guest control. If it runs before the handler
// returns the buffer completes synchronously; otherwise, for instance while
// the screen is paused, the buffer is deferred and completed from Done.
func (h *vbvaHandler) runControl(buf *hgsmi.Buffer, sc *vdma.Context, ctl *vdma.Ctl, finish func(error) hgsmi.Status) error {
	cc := &controlCompletion{}
	ctl.Done = func(_ *vdma.Ctl, err error) {
		status := finish(err)
		cc.mu.Lock()
		if p := cc.pending; p != nil {
			cc.mu.Unlock()
			if err := p.Complete(status); err != nil {
				logger.Warn("host deferred control completion", "screen", sc.Screen(), "type", ctl.Type, "error", err)
			}
			return
		}
		cc.done, cc.status = true, status
		cc.mu.Unlock()
	}

	if err := sc.Submit(vdma.SourceGuest, ctl); err != nil {
		return h.complete(buf, finish(err))
	}
	if err := sc.Process(context.Background()); err != nil {
		logger.Warn("host control processing", "screen", sc.Screen(), "error", err)
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.done {
		return h.complete(buf, cc.status)
	}
	p, err := h.dev.completer.MarkAsync(buf)
	if err != nil {
		return err
	}
	cc.pending = p
	logger.Debug("host control deferred", "screen", sc.Screen(), "type", ctl.Type)
	return nil
}

func (h *vbvaHandler) vdmaCtl(buf *hgsmi.Buffer) error {
	var req vbva.VDMACtlRequest
	if err := vbva.Decode(buf.Data, &req); err != nil {
		return err
	}
	status := hgsmi.StatusOK
	switch req.Type {
	case vbva.VDMACtlEnable, vbva.VDMACtlDisable, vbva.VDMACtlFlush:
	case vbva.VDMACtlWatchdog:
		status = hgsmi.StatusNotSupported
	default:
		status = hgsmi.StatusInvalidParameter
	}
	req.Result = int32(status)
	if err := vbva.EncodeInto(buf.Data, &req); err != nil {
		return err
	}
	return h.complete(buf, status)
}

// vdmaCmd hands the command to the backend off the submitting goroutine and
// completes the buffer asynchronously.
func (h *vbvaHandler) vdmaCmd(buf *hgsmi.Buffer) error {
	d := h.dev
	var hdr vbva.VDMACmdHeader
	if err := vbva.Decode(buf.Data, &hdr); err != nil {
		return err
	}
	screen := int(hdr.ScreenID)
	if _, err := d.Screen(screen); err != nil {
		return err
	}
	if d.cmds == nil {
		return hgsmi.NewError(hgsmi.StatusNotSupported, "host: no command backend")
	}

	p, err := d.completer.MarkAsync(buf)
	if err != nil {
		return err
	}
	body := buf.Data[vbva.VDMACmdHeaderSize:]
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		err := d.cmds.HandleCommand(screen, body)
		if cerr := p.Complete(hgsmi.StatusOf(err)); cerr != nil {
			logger.Warn("host vdma command completion", "screen", screen, "error", cerr)
		}
	}()
	return nil
}

// ringAt maps the guest ring whose header starts at off in VRAM.
func (d *Device) ringAt(off uint32) ([]byte, error) {
	start := int(off)
	if off%4 != 0 || start+vbva.HeaderSize+vbva.MinDataSize > len(d.vram) {
		return nil, hgsmi.NewError(hgsmi.StatusInvalidParameter, fmt.Sprintf("host: ring offset %#x outside vram", off))
	}
	ring, err := vbva.Map(d.vram[start:])
	if err != nil {
		return nil, err
	}
	end := start + vbva.RegionSize(int(ring.CbData()))
	if end > len(d.vram) {
		return nil, hgsmi.NewError(hgsmi.StatusInvalidParameter, fmt.Sprintf("host: ring at %#x with %d bytes overruns vram", off, ring.CbData()))
	}
	return d.vram[start:end:end], nil
}
