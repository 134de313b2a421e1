package guest

import (
	"runtime"
	"sync/atomic"
)

// WaitStrategy spins on a condition for an adaptive number of iterations
// before falling back to a blocking action. Successful spins raise the budget
// and failed ones lower it.
type WaitStrategy struct {
	limit atomic.Int32

	MinSpin int32
	MaxSpin int32
	IncStep int32
	DecStep int32
}

// NewWaitStrategy returns a strategy tuned for a host that drains rings within microseconds.
func NewWaitStrategy() *WaitStrategy {
	w := &WaitStrategy{
		MinSpin: 64,
		MaxSpin: 8192,
		IncStep: 128,
		DecStep: 64,
	}
	w.limit.Store(1024)
	return w
}

// Limit returns the current spin budget.
func (w *WaitStrategy) Limit() int32 {
	return w.limit.Load()
}

// Wait spins on cond, then runs sleep once and checks again.
// It reports whether cond became true.
func (w *WaitStrategy) Wait(cond func() bool, sleep func()) bool {
	limit := w.limit.Load()
	for i := int32(0); i < limit; i++ {
		if cond() {
			if limit < w.MaxSpin {
				w.limit.Store(min(limit+w.IncStep, w.MaxSpin))
			}
			return true
		}
		if i&0x3F == 0 {
			runtime.Gosched()
		}
	}

	if limit > w.MinSpin {
		w.limit.Store(max(limit-w.DecStep, w.MinSpin))
	}
	sleep()
	return cond()
}
