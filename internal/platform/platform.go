// Package platform wraps the operating system primitives the channel needs:
// a doorbell to wake the peer and a shared memory region both sides map.
package platform

import (
	"context"
	"errors"
)

// ErrUnsupported is returned on platforms without eventfd and POSIX shared memory.
var ErrUnsupported = errors.New("platform: not supported on this OS")

// ErrClosed is returned when a doorbell is used after Close.
var ErrClosed = errors.New("platform: doorbell closed")

// Doorbell is a fire-and-forget wakeup signal between the two sides.
//
// Kick never blocks. Multiple kicks before a Wait coalesce into one wakeup.
type Doorbell interface {
	Kick() error
	Wait(ctx context.Context) error
	Close() error
}

// Region is a mapped shared memory object.
type Region struct {
	name string
	fd   int
	data []byte
}

// Bytes returns the mapped memory.
func (r *Region) Bytes() []byte {
	return r.data
}

// Name returns the region name, or "" for anonymous regions.
func (r *Region) Name() string {
	return r.name
}

// FD returns the backing file descriptor, so it can be passed to a peer process.
func (r *Region) FD() int {
	return r.fd
}

// Close unmaps the region and closes its descriptor. It does not unlink it.
func (r *Region) Close() error {
	return closeRegion(r)
}

// CreateRegion creates a named shared memory region of the given size.
//
// Parameters:
//   - name: Unique name for the region.
//   - size: Size in bytes.
func CreateRegion(name string, size int) (*Region, error) {
	return createRegion(name, size)
}

// OpenRegion maps an existing named region. size 0 maps the whole object.
func OpenRegion(name string, size int) (*Region, error) {
	return openRegion(name, size)
}

// AnonymousRegion creates an unnamed region backed by a memfd.
func AnonymousRegion(size int) (*Region, error) {
	return anonymousRegion(size)
}

// UnlinkRegion removes a named region. Removing a missing region is not an error.
func UnlinkRegion(name string) error {
	return unlinkRegion(name)
}

// NewEventDoorbell creates a doorbell backed by an eventfd.
func NewEventDoorbell() (Doorbell, error) {
	return newEventDoorbell()
}
