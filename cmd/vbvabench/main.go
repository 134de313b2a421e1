// Command vbvabench drives a guest ring writer against a host device sharing
// one memory region, and reports throughput.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/pprof"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/xll-gen/hgsmi/guest"
	"github.com/xll-gen/hgsmi/host"
	"github.com/xll-gen/hgsmi/internal/platform"
	"github.com/xll-gen/hgsmi/vbva"
)

var (
	ringSize   = flag.Int("size", 1<<20, "ring data size in bytes")
	threshold  = flag.Uint("threshold", vbva.DefaultPartialWriteThreshold, "partial write threshold")
	messages   = flag.Int("messages", 100000, "number of messages to write")
	msgSize    = flag.Int("msgsize", 256, "message size in bytes")
	shmName    = flag.String("shm", "", "shared memory name (empty for anonymous memory)")
	cpuprofile = flag.String("cpuprofile", "", "write cpu profile to file")
)

// counter is the host backend: it only counts what the rings deliver.
type counter struct {
	msgs  atomic.Int64
	bytes atomic.Int64
}

func (c *counter) HandleCommand(screen int, cmd []byte) error {
	c.msgs.Add(1)
	c.bytes.Add(int64(len(cmd)))
	return nil
}

// countingDoorbell counts guest flushes.
type countingDoorbell struct {
	platform.Doorbell
	kicks atomic.Int64
}

func (d *countingDoorbell) Kick() error {
	d.kicks.Add(1)
	return d.Doorbell.Kick()
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vbvabench: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return err
		}
		defer pprof.StopCPUProfile()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vramSize := vbva.RegionSize(*ringSize)
	vram, closeVRAM, err := openVRAM(vramSize)
	if err != nil {
		return err
	}
	defer closeVRAM()

	bell := &countingDoorbell{Doorbell: newDoorbell()}
	irq := newDoorbell()
	defer irq.Close()

	backend := &counter{}
	hcfg := host.DefaultConfig()
	hcfg.MaxRingSize = uint32(max(*ringSize, int(hcfg.MaxRingSize)))
	dev, err := host.New(hcfg, vram,
		host.WithDoorbell(bell), host.WithIRQ(irq), host.WithCommandHandler(backend))
	if err != nil {
		return err
	}
	defer dev.Close()
	go func() {
		if err := dev.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "host: %v\n", err)
		}
	}()

	gcfg := guest.DefaultConfig()
	gcfg.PartialWriteThreshold = uint32(*threshold)
	drv, err := guest.New(dev, gcfg, vram, guest.WithDoorbell(bell), guest.WithIRQ(irq))
	if err != nil {
		return err
	}
	go drv.Run(ctx)

	size, err := drv.Negotiate(ctx, uint32(*ringSize), uint32(*ringSize))
	if err != nil {
		return err
	}
	if int(size) != *ringSize {
		fmt.Printf("Host negotiated %d byte ring\n", size)
	}
	w, err := drv.EnableVBVA(ctx, 0, 0, int(size))
	if err != nil {
		return err
	}
	fmt.Printf("Ring %d bytes, threshold %d, %d messages of %d bytes\n", size, *threshold, *messages, *msgSize)

	msg := make([]byte, *msgSize)
	for i := range msg {
		msg[i] = byte(i)
	}
	start := time.Now()
	for i := 0; i < *messages; i++ {
		if err := drv.WriteMessage(ctx, 0, msg); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}
	if err := drv.Flush(); err != nil {
		return err
	}
	for backend.msgs.Load() < int64(*messages) {
		if err := ctx.Err(); err != nil {
			return err
		}
		time.Sleep(100 * time.Microsecond)
	}
	elapsed := time.Since(start)

	mb := float64(backend.bytes.Load()) / (1 << 20)
	fmt.Printf("Delivered %d messages in %s\n", backend.msgs.Load(), elapsed)
	fmt.Printf("Throughput: %.0f msg/s, %.1f MiB/s\n", float64(*messages)/elapsed.Seconds(), mb/elapsed.Seconds())
	fmt.Printf("Flushes: %d, overflowed: %v\n", bell.kicks.Load(), w.Overflowed())

	return drv.Shutdown(ctx)
}

// openVRAM maps the shared region, falling back to process memory where
// shared memory is unavailable.
func openVRAM(size int) ([]byte, func(), error) {
	var (
		r   *platform.Region
		err error
	)
	if *shmName != "" {
		r, err = platform.CreateRegion(*shmName, size)
	} else {
		r, err = platform.AnonymousRegion(size)
	}
	if errors.Is(err, platform.ErrUnsupported) {
		fmt.Println("Shared memory unsupported, using process memory")
		return make([]byte, size), func() {}, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return r.Bytes(), func() {
		r.Close()
		if *shmName != "" {
			platform.UnlinkRegion(*shmName)
		}
	}, nil
}

func newDoorbell() platform.Doorbell {
	d, err := platform.NewEventDoorbell()
	if err != nil {
		return platform.NewLocalDoorbell()
	}
	return d
}
