//go:build linux

package platform

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const shmDir = "/dev/shm"

// pollSlice bounds each poll so context cancellation is observed.
const pollSlice = 100

func shmPath(name string) string {
	return filepath.Join(shmDir, filepath.Base(name))
}

func mapFD(name string, fd, size int) (*Region, error) {
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap %q: %w", name, err)
	}
	return &Region{name: name, fd: fd, data: data}, nil
}

func createRegion(name string, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("create region %q: invalid size %d", name, size)
	}
	fd, err := unix.Open(shmPath(name), unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", name, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		unix.Unlink(shmPath(name))
		return nil, fmt.Errorf("ftruncate %q: %w", name, err)
	}
	return mapFD(name, fd, size)
}

func openRegion(name string, size int) (*Region, error) {
	fd, err := unix.Open(shmPath(name), unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", name, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("fstat %q: %w", name, err)
	}
	if size == 0 {
		size = int(st.Size)
	}
	if int64(size) > st.Size || size <= 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("open %q: size %d exceeds object size %d", name, size, st.Size)
	}
	return mapFD(name, fd, size)
}

func anonymousRegion(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("anonymous region: invalid size %d", size)
	}
	fd, err := unix.MemfdCreate("hgsmi", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate memfd: %w", err)
	}
	return mapFD("", fd, size)
}

func closeRegion(r *Region) error {
	var firstErr error
	if r.data != nil {
		firstErr = unix.Munmap(r.data)
		r.data = nil
	}
	if r.fd >= 0 {
		if err := unix.Close(r.fd); err != nil && firstErr == nil {
			firstErr = err
		}
		r.fd = -1
	}
	return firstErr
}

func unlinkRegion(name string) error {
	err := unix.Unlink(shmPath(name))
	if err != nil && err != unix.ENOENT {
		return fmt.Errorf("unlink %q: %w", name, err)
	}
	return nil
}

type eventDoorbell struct {
	fd     int
	closed atomic.Bool
}

func newEventDoorbell() (Doorbell, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &eventDoorbell{fd: fd}, nil
}

func (d *eventDoorbell) Kick() error {
	if d.closed.Load() {
		return ErrClosed
	}
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	_, err := unix.Write(d.fd, one[:])
	if err == unix.EAGAIN {
		// Counter saturated, the peer is already due a wakeup.
		return nil
	}
	return err
}

func (d *eventDoorbell) Wait(ctx context.Context) error {
	var buf [8]byte
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	for {
		if d.closed.Load() {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(fds, pollSlice)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			if d.closed.Load() {
				return ErrClosed
			}
			return fmt.Errorf("poll eventfd: %w", err)
		}
		if n == 0 {
			continue
		}
		_, err = unix.Read(d.fd, buf[:])
		switch {
		case err == unix.EAGAIN:
			continue
		case err != nil && d.closed.Load():
			return ErrClosed
		}
		return err
	}
}

func (d *eventDoorbell) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(d.fd)
}
