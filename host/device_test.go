package host

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xll-gen/hgsmi/hgsmi"
	"github.com/xll-gen/hgsmi/internal/logger"
	"github.com/xll-gen/hgsmi/internal/platform"
	"github.com/xll-gen/hgsmi/vbva"
	"github.com/xll-gen/hgsmi/vdma"
)

const (
	testVRAM    = 64 << 10
	testRingOff = 4096
	testCbData  = 8192
)

type recorder struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (r *recorder) HandleCommand(screen int, cmd []byte) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, bytes.Clone(cmd))
	r.mu.Unlock()
	return nil
}

func (r *recorder) snapshot() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.msgs...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestDevice(t *testing.T, opts ...Option) (*Device, []byte) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Screens = 2
	cfg.MaxRingSize = 32 << 10
	cfg.DefaultRingSize = 8 << 10
	vram := make([]byte, testVRAM)
	d, err := New(cfg, vram, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d, vram
}

// guestRing lays out an empty ring in vram the way a guest driver would.
func guestRing(t *testing.T, vram []byte, off int) *vbva.Buffer {
	t.Helper()
	b, err := vbva.Map(vram[off : off+vbva.RegionSize(testCbData)])
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Reset(vbva.DefaultPartialWriteThreshold); err != nil {
		t.Fatal(err)
	}
	return b
}

func enableBuffer(screen, off, flags uint32) *hgsmi.Buffer {
	req := vbva.EnableRequest{Flags: flags | vbva.EnableFlagExtended, Offset: off, ScreenID: screen}
	return hgsmi.NewBuffer(hgsmi.ChannelVBVA, vbva.SubEnable, vbva.Encode(&req), 0)
}

func enableResult(t *testing.T, buf *hgsmi.Buffer) int32 {
	t.Helper()
	var req vbva.EnableRequest
	if err := vbva.Decode(buf.Data, &req); err != nil {
		t.Fatal(err)
	}
	return req.Result
}

func writeMsg(t *testing.T, w *vbva.Writer, p []byte) {
	t.Helper()
	m, err := w.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := m.Write(p); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := m.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}
	cfg.Screens = 0
	cfg.MaxRingSize = 10
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected errors for zero screens and tiny ring")
	}
}

func TestQueryConf32(t *testing.T) {
	d, _ := newTestDevice(t)
	tests := []struct {
		index  uint32
		want   uint32
		status hgsmi.Status
	}{
		{vbva.Conf32MonitorCount, 2, hgsmi.StatusOK},
		{vbva.Conf32HostHeapSize, 64 << 10, hgsmi.StatusOK},
		{vbva.Conf32MaxRingSize, 32 << 10, hgsmi.StatusOK},
		{99, 0, hgsmi.StatusNotSupported},
	}
	for _, tt := range tests {
		buf := hgsmi.NewBuffer(hgsmi.ChannelVBVA, vbva.SubQueryConf32, vbva.Encode(&vbva.Conf32Request{Index: tt.index}), 0)
		if err := d.Submit(buf); err != nil {
			t.Fatalf("index %d: %v", tt.index, err)
		}
		if !buf.Completed() || buf.Result() != tt.status {
			t.Fatalf("index %d: completed=%v status=%s", tt.index, buf.Completed(), buf.Result())
		}
		var got vbva.Conf32Request
		vbva.Decode(buf.Data, &got)
		if got.Value != tt.want {
			t.Errorf("index %d: value %d, want %d", tt.index, got.Value, tt.want)
		}
	}
}

func TestSetConf32NotSupported(t *testing.T) {
	d, _ := newTestDevice(t)
	buf := hgsmi.NewBuffer(hgsmi.ChannelVBVA, vbva.SubSetConf32, vbva.Encode(&vbva.Conf32Request{}), 0)
	d.Submit(buf)
	if buf.Result() != hgsmi.StatusNotSupported {
		t.Fatalf("status %s", buf.Result())
	}
}

func TestUnknownSubCodeCompleted(t *testing.T) {
	d, _ := newTestDevice(t)
	buf := hgsmi.NewBuffer(hgsmi.ChannelVBVA, 0x7777, nil, 0)
	if err := d.Submit(buf); err == nil {
		t.Fatal("expected error")
	}
	if !buf.Completed() || buf.Result() != hgsmi.StatusNotSupported {
		t.Fatalf("completed=%v status=%s", buf.Completed(), buf.Result())
	}
}

func TestShortPayloadIsInvalidParameter(t *testing.T) {
	d, _ := newTestDevice(t)
	buf := hgsmi.NewBuffer(hgsmi.ChannelVBVA, vbva.SubEnable, []byte{1, 2}, 0)
	d.Submit(buf)
	if buf.Result() != hgsmi.StatusInvalidParameter {
		t.Fatalf("status %s", buf.Result())
	}
}

func TestEnableRingAndConsume(t *testing.T) {
	rec := &recorder{}
	d, vram := newTestDevice(t, WithCommandHandler(rec))
	ring := guestRing(t, vram, testRingOff)

	buf := enableBuffer(1, testRingOff, vbva.EnableFlagEnable)
	if err := d.Submit(buf); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if buf.HostAsync() || !buf.Completed() || buf.Result() != hgsmi.StatusOK {
		t.Fatalf("enable: async=%v completed=%v status=%s", buf.HostAsync(), buf.Completed(), buf.Result())
	}
	if r := enableResult(t, buf); r != 0 {
		t.Fatalf("in-place result %d", r)
	}
	if !ring.Enabled() {
		t.Fatal("host did not publish mode enabled")
	}
	if slot := d.ring(1); slot.off != testRingOff || slot.len != uint32(vbva.RegionSize(testCbData)) {
		t.Fatalf("ring slot %+v", slot)
	}

	w := vbva.NewWriter(ring, vbva.FlushFunc(func() error {
		d.Kick()
		return d.ProcessAll(context.Background())
	}))
	writeMsg(t, w, []byte("first"))
	writeMsg(t, w, []byte("second"))

	flush := hgsmi.NewBuffer(hgsmi.ChannelVBVA, vbva.SubFlush, vbva.Encode(&vbva.FlushRequest{}), 0)
	d.Submit(flush)
	if flush.Result() != hgsmi.StatusOK {
		t.Fatalf("flush status %s", flush.Result())
	}
	got := rec.snapshot()
	if len(got) != 2 || string(got[0]) != "first" || string(got[1]) != "second" {
		t.Fatalf("messages %q", got)
	}

	dis := enableBuffer(1, 0, vbva.EnableFlagDisable)
	d.Submit(dis)
	if dis.Result() != hgsmi.StatusOK {
		t.Fatalf("disable status %s", dis.Result())
	}
	if ring.Enabled() {
		t.Fatal("mode enabled still set after disable")
	}
	if _, err := w.Begin(); !errors.Is(err, vbva.ErrNotEnabled) {
		t.Fatalf("Begin after disable: %v", err)
	}
}

func TestEnableRejectsBadRequests(t *testing.T) {
	d, vram := newTestDevice(t)
	guestRing(t, vram, testRingOff)

	tests := []struct {
		name string
		buf  *hgsmi.Buffer
	}{
		{"offset outside vram", enableBuffer(0, testVRAM-16, vbva.EnableFlagEnable)},
		{"misaligned offset", enableBuffer(0, testRingOff+2, vbva.EnableFlagEnable)},
		{"bad screen", enableBuffer(7, testRingOff, vbva.EnableFlagEnable)},
		{"no operation", enableBuffer(0, testRingOff, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d.Submit(tt.buf)
			if !tt.buf.Completed() || tt.buf.Result() == hgsmi.StatusOK {
				t.Fatalf("completed=%v status=%s", tt.buf.Completed(), tt.buf.Result())
			}
			if r := enableResult(t, tt.buf); r != int32(tt.buf.Result()) {
				t.Fatalf("in-place result %d, status %d", r, tt.buf.Result())
			}
		})
	}
}

func TestEnableRejectsRingAboveHostMax(t *testing.T) {
	d, vram := newTestDevice(t)
	b, err := vbva.Map(vram[testRingOff:])
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Reset(64); err != nil {
		t.Fatal(err)
	}
	buf := enableBuffer(0, testRingOff, vbva.EnableFlagEnable)
	d.Submit(buf)
	if buf.Result() != hgsmi.StatusNotSupported {
		t.Fatalf("status %s", buf.Result())
	}
}

func TestNegotiate(t *testing.T) {
	d, _ := newTestDevice(t)
	req := vbva.NegotiateRequest{MaxSize: 1 << 20, PreferredSize: 16 << 10}
	buf := hgsmi.NewBuffer(hgsmi.ChannelVBVA, vbva.SubNegotiate, vbva.Encode(&req), 0)
	d.Submit(buf)
	if buf.Result() != hgsmi.StatusOK {
		t.Fatalf("status %s", buf.Result())
	}
	vbva.Decode(buf.Data, &req)
	if req.NegotiatedSize != 16<<10 || req.Result != 0 {
		t.Fatalf("negotiated %d result %d", req.NegotiatedSize, req.Result)
	}

	req = vbva.NegotiateRequest{MaxSize: 512}
	buf = hgsmi.NewBuffer(hgsmi.ChannelVBVA, vbva.SubNegotiate, vbva.Encode(&req), 0)
	d.Submit(buf)
	if buf.Result() != hgsmi.StatusNotSupported {
		t.Fatalf("tiny guest max: status %s", buf.Result())
	}
}

func TestControlDeferredWhilePaused(t *testing.T) {
	irq := platform.NewLocalDoorbell()
	d, vram := newTestDevice(t, WithIRQ(irq))
	guestRing(t, vram, testRingOff)
	if buf := enableBuffer(0, testRingOff, vbva.EnableFlagEnable); d.Submit(buf) != nil || buf.Result() != hgsmi.StatusOK {
		t.Fatalf("enable: %s", buf.Result())
	}

	ctx := context.Background()
	if err := d.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	sc, _ := d.Screen(0)
	if sc.EnableState() != vdma.Paused {
		t.Fatalf("state %s", sc.EnableState())
	}

	req := vbva.NegotiateRequest{MaxSize: 1 << 20}
	buf := hgsmi.NewBuffer(hgsmi.ChannelVBVA, vbva.SubNegotiate, vbva.Encode(&req), hgsmi.FlagGuestAsyncIRQ)
	if err := d.Submit(buf); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if buf.Completed() || !buf.HostAsync() {
		t.Fatalf("paused control should defer: completed=%v async=%v", buf.Completed(), buf.HostAsync())
	}

	if err := d.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := irq.Wait(wctx); err != nil {
		t.Fatalf("no irq: %v", err)
	}
	done := d.FetchCompleted()
	if len(done) != 1 || done[0] != buf {
		t.Fatalf("completed list %v", done)
	}
	vbva.Decode(buf.Data, &req)
	if buf.Result() != hgsmi.StatusOK || req.NegotiatedSize != 8<<10 {
		t.Fatalf("status %s negotiated %d", buf.Result(), req.NegotiatedSize)
	}
}

func TestVDMACtl(t *testing.T) {
	d, _ := newTestDevice(t)
	tests := []struct {
		typ  uint32
		want hgsmi.Status
	}{
		{vbva.VDMACtlEnable, hgsmi.StatusOK},
		{vbva.VDMACtlFlush, hgsmi.StatusOK},
		{vbva.VDMACtlDisable, hgsmi.StatusOK},
		{vbva.VDMACtlWatchdog, hgsmi.StatusNotSupported},
		{vbva.VDMACtlUnknown, hgsmi.StatusInvalidParameter},
	}
	for _, tt := range tests {
		buf := hgsmi.NewBuffer(hgsmi.ChannelVBVA, vbva.SubVDMACtl, vbva.Encode(&vbva.VDMACtlRequest{Type: tt.typ}), 0)
		d.Submit(buf)
		if buf.Result() != tt.want {
			t.Errorf("type %d: status %s, want %s", tt.typ, buf.Result(), tt.want)
		}
	}
}

func TestVDMACmdCompletesAsync(t *testing.T) {
	rec := &recorder{}
	irq := platform.NewLocalDoorbell()
	d, _ := newTestDevice(t, WithCommandHandler(rec), WithIRQ(irq))

	data := append(vbva.Encode(&vbva.VDMACmdHeader{ScreenID: 1}), "blit"...)
	buf := hgsmi.NewBuffer(hgsmi.ChannelVBVA, vbva.SubVDMACmd, data, hgsmi.FlagGuestAsyncIRQ)
	if err := d.Submit(buf); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !buf.HostAsync() {
		t.Fatal("command buffer not deferred")
	}
	var got []*hgsmi.Buffer
	waitFor(t, "command completion", func() bool {
		got = append(got, d.FetchCompleted()...)
		return len(got) == 1
	})
	if got[0] != buf || buf.Result() != hgsmi.StatusOK {
		t.Fatalf("completed %v status %s", got[0], buf.Result())
	}
	if msgs := rec.snapshot(); len(msgs) != 1 || string(msgs[0]) != "blit" {
		t.Fatalf("backend saw %q", msgs)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type gatedBackend struct {
	release chan struct{}
}

func (g gatedBackend) HandleCommand(int, []byte) error {
	<-g.release
	return nil
}

func TestVDMACmdFailedCompletionLogged(t *testing.T) {
	var out lockedBuffer
	logger.SetLogger(slog.New(slog.NewTextHandler(&out, nil)))
	t.Cleanup(func() { logger.SetLogger(nil) })

	backend := gatedBackend{release: make(chan struct{})}
	d, _ := newTestDevice(t, WithCommandHandler(backend))

	buf := hgsmi.NewBuffer(hgsmi.ChannelVBVA, vbva.SubVDMACmd, vbva.Encode(&vbva.VDMACmdHeader{}), 0)
	if err := d.Submit(buf); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// Something else resolves the buffer while the backend still holds it.
	if _, err := d.completer.Complete(buf, hgsmi.StatusOK); err != nil {
		t.Fatal(err)
	}
	close(backend.release)

	waitFor(t, "completion failure logged", func() bool {
		return strings.Contains(out.String(), "host vdma command completion")
	})
}

func TestVDMACmdWithoutBackend(t *testing.T) {
	d, _ := newTestDevice(t)
	buf := hgsmi.NewBuffer(hgsmi.ChannelVBVA, vbva.SubVDMACmd, vbva.Encode(&vbva.VDMACmdHeader{}), 0)
	d.Submit(buf)
	if !buf.Completed() || buf.HostAsync() || buf.Result() != hgsmi.StatusNotSupported {
		t.Fatalf("async=%v status %s", buf.HostAsync(), buf.Result())
	}
}

func TestHostCommandRoundTrip(t *testing.T) {
	var mu sync.Mutex
	var returned []*hgsmi.Buffer
	irq := platform.NewLocalDoorbell()
	d, _ := newTestDevice(t, WithIRQ(irq), WithHostCommandDone(func(buf *hgsmi.Buffer) {
		mu.Lock()
		returned = append(returned, buf)
		mu.Unlock()
	}))

	a := d.PostHostCommand(hgsmi.ChannelUser, hgsmi.HostCmdDisplayCustom, 0, 1, []byte("a"))
	b := d.PostHostCommand(hgsmi.ChannelUser, hgsmi.HostCmdDisplayCustom, 1, 2, []byte("b"))
	if n := d.OutstandingHostCommands(); n != 2 {
		t.Fatalf("outstanding %d", n)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := irq.Wait(ctx); err != nil {
		t.Fatalf("no irq: %v", err)
	}

	got := d.FetchHost()
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Fatalf("fetched %v", got)
	}
	if len(d.FetchHost()) != 0 {
		t.Fatal("host list not drained")
	}
	if a.Flags()&hgsmi.FlagGuestAsyncForce == 0 {
		t.Fatal("host command must complete through the completion list")
	}
	for _, buf := range got {
		d.CompleteHost(buf)
	}
	if n := d.OutstandingHostCommands(); n != 0 {
		t.Fatalf("outstanding %d after completion", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(returned) != 2 {
		t.Fatalf("done callback saw %d buffers", len(returned))
	}
}

func TestRunConsumesOnDoorbell(t *testing.T) {
	rec := &recorder{}
	bell := platform.NewLocalDoorbell()
	d, vram := newTestDevice(t, WithCommandHandler(rec), WithDoorbell(bell))
	ring := guestRing(t, vram, testRingOff)
	d.Submit(enableBuffer(0, testRingOff, vbva.EnableFlagEnable))

	errc := make(chan error, 1)
	go func() { errc <- d.Run(context.Background()) }()
	waitFor(t, "run loop", d.running.Load)
	if err := d.Run(context.Background()); !errors.Is(err, ErrRunning) {
		t.Fatalf("second Run: %v", err)
	}

	w := vbva.NewWriter(ring, vbva.FlushFunc(bell.Kick))
	for i := range 10 {
		writeMsg(t, w, bytes.Repeat([]byte{byte(i)}, 100+i))
		bell.Kick()
	}
	waitFor(t, "ten messages", func() bool { return len(rec.snapshot()) == 10 })

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ring.Enabled() {
		t.Fatal("ring still enabled after Close")
	}
}

func TestSaveLoadState(t *testing.T) {
	d1, vram1 := newTestDevice(t)
	ring := guestRing(t, vram1, testRingOff)
	d1.Submit(enableBuffer(0, testRingOff, vbva.EnableFlagEnable))

	w := vbva.NewWriter(ring, nil)
	writeMsg(t, w, []byte("in flight"))
	end := testRingOff + vbva.RegionSize(testCbData)
	saved := bytes.Clone(vram1[testRingOff:end])

	var state bytes.Buffer
	if err := d1.SaveState(context.Background(), &state); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	rec := &recorder{}
	d2, vram2 := newTestDevice(t, WithCommandHandler(rec))
	if err := d2.LoadState(context.Background(), bytes.NewReader(state.Bytes())); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if !bytes.Equal(saved, vram2[testRingOff:end]) {
		t.Fatal("ring not restored into vram")
	}
	sc, _ := d2.Screen(0)
	if sc.EnableState() != vdma.Enabled {
		t.Fatalf("screen 0 state %s", sc.EnableState())
	}
	if other, _ := d2.Screen(1); other.EnableState() != vdma.Disabled {
		t.Fatalf("screen 1 state %s", other.EnableState())
	}

	d2.Kick()
	if err := d2.ProcessAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if msgs := rec.snapshot(); len(msgs) != 1 || string(msgs[0]) != "in flight" {
		t.Fatalf("messages after load %q", msgs)
	}
}

func TestLoadStateRejectsMismatch(t *testing.T) {
	d, _ := newTestDevice(t)
	var state bytes.Buffer
	if err := d.SaveState(context.Background(), &state); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	other, err := New(cfg, make([]byte, testVRAM))
	if err != nil {
		t.Fatal(err)
	}
	if err := other.LoadState(context.Background(), bytes.NewReader(state.Bytes())); !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("screen count mismatch: %v", err)
	}

	bad := bytes.Clone(state.Bytes())
	bad[0] ^= 0xff
	if err := d.LoadState(context.Background(), bytes.NewReader(bad)); !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("bad magic: %v", err)
	}
}
