package vdma

import "fmt"

// MinRingSize is the smallest ring data area either side may offer.
const MinRingSize = 1024

// Capacity is the host's side of ring size negotiation.
type Capacity struct {
	Max     uint32
	Default uint32
}

// Negotiate agrees on a ring size. The effective maximum is the smaller of the
// host's and the guest's. A preferred size of 0 lets the host choose; a larger
// preference than the maximum is clamped.
func (c Capacity) Negotiate(guestMax, preferred uint32) (uint32, error) {
	limit := min(c.Max, guestMax)
	if limit < MinRingSize {
		return 0, fmt.Errorf("negotiate ring size: max %d below minimum %d: %w", limit, MinRingSize, ErrCapabilityMismatch)
	}
	if preferred == 0 {
		if c.Default == 0 || c.Default > limit {
			return limit, nil
		}
		return max(c.Default, MinRingSize), nil
	}
	return min(max(preferred, MinRingSize), limit), nil
}
