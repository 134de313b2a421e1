// Package vdma carries the low-rate control messages of a screen's channel:
// enable, disable, pause, resume, resize and save/load state. Controls from
// the guest and from the host are kept in separate ordered lists and run by
// whoever wins the Listening to Processing transition.
package vdma

import (
	"fmt"
	"io"

	"github.com/xll-gen/hgsmi/hgsmi"
)

// State is the processing state of a Context.
type State int32

const (
	StateListening State = iota
	StateProcessing
)

func (s State) String() string {
	if s == StateProcessing {
		return "processing"
	}
	return "listening"
}

// EnableState is the ring state of a Context.
type EnableState int32

const (
	Disabled EnableState = -1
	Paused   EnableState = 0
	Enabled  EnableState = 1
)

func (s EnableState) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Paused:
		return "paused"
	case Enabled:
		return "enabled"
	}
	return fmt.Sprintf("enable(%d)", int32(s))
}

// Source says which side submitted a control.
type Source int

const (
	SourceGuest Source = iota
	SourceHost
)

func (s Source) String() string {
	if s == SourceHost {
		return "host"
	}
	return "guest"
}

// CtlType identifies a control message.
type CtlType int

const (
	CtlPause CtlType = iota + 1
	CtlResume
	CtlSaveState
	CtlLoadState
	CtlLoadStateDone
	CtlHostOpaque
	CtlGuestOpaque
	CtlEnable
	CtlEnablePaused
	CtlDisable
	CtlResize
)

var ctlNames = map[CtlType]string{
	CtlPause:         "pause",
	CtlResume:        "resume",
	CtlSaveState:     "save-state",
	CtlLoadState:     "load-state",
	CtlLoadStateDone: "load-state-done",
	CtlHostOpaque:    "host-opaque",
	CtlGuestOpaque:   "guest-opaque",
	CtlEnable:        "enable",
	CtlEnablePaused:  "enable-paused",
	CtlDisable:       "disable",
	CtlResize:        "resize",
}

func (t CtlType) String() string {
	if n, ok := ctlNames[t]; ok {
		return n
	}
	return fmt.Sprintf("ctl(%d)", int(t))
}

// Ctl is one control message. Fields beyond Type are used by the types that need them.
type Ctl struct {
	Type CtlType

	// Ring is the mapped ring region for CtlEnable and CtlEnablePaused,
	// and optionally the target region for CtlLoadState.
	Ring []byte

	// MaxSize and PreferredSize are the guest's CtlResize request.
	// Negotiated is filled in on success.
	MaxSize       uint32
	PreferredSize uint32
	Negotiated    uint32

	// Save receives CtlSaveState output; Load feeds CtlLoadState.
	Save io.Writer
	Load io.Reader

	// Payload is passed through for opaque controls.
	Payload []byte

	// Done is called once the control has been processed.
	Done func(ctl *Ctl, err error)
}

var (
	ErrCapabilityMismatch = hgsmi.NewError(hgsmi.StatusNotSupported, "vdma: capability mismatch")
	ErrUnsupportedControl = hgsmi.NewError(hgsmi.StatusNotSupported, "vdma: unsupported control")
	ErrDisabled           = hgsmi.NewError(hgsmi.StatusInvalidState, "vdma: channel disabled")
	ErrNoRing             = hgsmi.NewError(hgsmi.StatusInvalidParameter, "vdma: enable without a ring")
	ErrVersionMismatch    = hgsmi.NewError(hgsmi.StatusVersionMismatch, "vdma: saved state version mismatch")
	ErrBadState           = hgsmi.NewError(hgsmi.StatusInvalidParameter, "vdma: saved state corrupt")
)
