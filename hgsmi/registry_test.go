package hgsmi

import (
	"errors"
	"testing"
)

func newTestRegistry() (*Registry, *Completer) {
	c := NewCompleter(nil, nil)
	return NewRegistry(c.CompleteFunc()), c
}

func TestRegisterUnique(t *testing.T) {
	r, _ := newTestRegistry()
	h := HandlerFunc(func(uint16, *Buffer) error { return nil })

	if err := r.Register(ChannelVBVA, "vbva", h); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(ChannelVBVA, "vbva", h); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("duplicate register: got %v", err)
	}
	if ch, ok := r.Find(ChannelVBVA); !ok || ch.Name != "vbva" {
		t.Fatalf("Find = %v, %v", ch, ok)
	}
	if _, ok := r.Find(ChannelSeamless); ok {
		t.Fatal("unexpected channel found")
	}
	if err := r.Unregister(ChannelVBVA); err != nil {
		t.Fatal(err)
	}
	if err := r.Unregister(ChannelVBVA); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("double unregister: got %v", err)
	}
	if err := r.Register(ChannelVBVA, "vbva2", h); err != nil {
		t.Fatalf("register after unregister: %v", err)
	}
	if n := len(r.Channels()); n != 1 {
		t.Fatalf("Channels() has %d entries", n)
	}
}

func TestDispatchRoutesBySubCode(t *testing.T) {
	r, c := newTestRegistry()
	var gotSub uint16
	r.Register(ChannelUser, "user", HandlerFunc(func(sub uint16, buf *Buffer) error {
		gotSub = sub
		buf.Data[0] = 0xEE
		_, err := c.Complete(buf, StatusOK)
		return err
	}))

	buf := NewBuffer(ChannelUser, 42, []byte{0}, 0)
	if err := r.Dispatch(buf); err != nil {
		t.Fatal(err)
	}
	if gotSub != 42 || buf.Data[0] != 0xEE || !buf.Completed() {
		t.Fatalf("handler not invoked correctly: sub=%d %v", gotSub, buf)
	}
}

func TestDispatchUnroutableIsCompleted(t *testing.T) {
	r, _ := newTestRegistry()
	buf := NewBuffer(9, 1, nil, 0)
	if err := r.Dispatch(buf); !errors.Is(err, ErrUnroutable) {
		t.Fatalf("expected ErrUnroutable, got %v", err)
	}
	if !buf.Completed() || buf.Result() != StatusNotFound {
		t.Fatalf("unroutable buffer must be completed as not found: %v %v", buf, buf.Result())
	}
}

func TestDispatchCompletesOnHandlerError(t *testing.T) {
	r, _ := newTestRegistry()
	r.Register(ChannelUser, "user", HandlerFunc(func(uint16, *Buffer) error {
		return NewError(StatusNotSupported, "nope")
	}))
	buf := NewBuffer(ChannelUser, 1, nil, 0)
	if err := r.Dispatch(buf); err == nil {
		t.Fatal("expected handler error")
	}
	if buf.Result() != StatusNotSupported || !buf.Completed() {
		t.Fatalf("buffer result %v", buf.Result())
	}
}

func TestDispatchLeavesDeferredBuffer(t *testing.T) {
	r, c := newTestRegistry()
	var pending *Pending
	r.Register(ChannelUser, "user", HandlerFunc(func(_ uint16, buf *Buffer) error {
		var err error
		pending, err = c.MarkAsync(buf)
		return err
	}))
	buf := NewBuffer(ChannelUser, 1, nil, 0)
	if err := r.Dispatch(buf); err != nil {
		t.Fatal(err)
	}
	if buf.Completed() {
		t.Fatal("deferred buffer completed early")
	}
	if err := pending.Complete(StatusOK); err != nil {
		t.Fatal(err)
	}
	if !buf.Completed() {
		t.Fatal("deferred completion lost")
	}
}

func TestDispatchCompletesDeferredBufferOnPanic(t *testing.T) {
	var delivered []*Buffer
	c := NewCompleter(CompletionSinkFunc(func(buf *Buffer, _ bool) { delivered = append(delivered, buf) }), nil)
	r := NewRegistry(c.CompleteFunc())
	var token *Pending
	r.Register(ChannelUser, "user", HandlerFunc(func(_ uint16, buf *Buffer) error {
		p, err := c.MarkAsync(buf)
		if err != nil {
			return err
		}
		token = p
		panic("handler bug after defer")
	}))

	buf := NewBuffer(ChannelUser, 1, nil, 0)
	if err := r.Dispatch(buf); err == nil {
		t.Fatal("expected error from panicking handler")
	}
	if !buf.Completed() || buf.Result() != StatusInternalError {
		t.Fatalf("deferred buffer left %v with result %v", buf.Flags(), buf.Result())
	}
	if len(delivered) != 1 || delivered[0] != buf {
		t.Fatalf("completion list got %d buffers, want the deferred one", len(delivered))
	}
	if err := token.Complete(StatusOK); !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("late completion of the lost token: %v", err)
	}
}

func TestDispatchRecoversPanic(t *testing.T) {
	r, _ := newTestRegistry()
	r.Register(ChannelUser, "user", HandlerFunc(func(uint16, *Buffer) error {
		panic("handler bug")
	}))
	buf := NewBuffer(ChannelUser, 1, nil, 0)
	if err := r.Dispatch(buf); err == nil {
		t.Fatal("expected error from panicking handler")
	}
	if buf.Result() != StatusInternalError {
		t.Fatalf("result %v, want internal error", buf.Result())
	}
}
