//go:build !linux

package platform

func createRegion(name string, size int) (*Region, error) { return nil, ErrUnsupported }

func openRegion(name string, size int) (*Region, error) { return nil, ErrUnsupported }

func anonymousRegion(size int) (*Region, error) { return nil, ErrUnsupported }

func closeRegion(r *Region) error { return ErrUnsupported }

func unlinkRegion(name string) error { return ErrUnsupported }

func newEventDoorbell() (Doorbell, error) { return nil, ErrUnsupported }
