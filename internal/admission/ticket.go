package admission

import (
	"sync/atomic"
	"time"
)

// Ticket is permission to run one call against an origin. It must be
// released exactly once; further releases are logged and ignored.
type Ticket struct {
	c          *Controller
	origin     string
	unbounded  bool
	acquiredAt time.Time
	released   atomic.Bool
}

// Origin returns the origin the ticket was issued for.
func (t *Ticket) Origin() string {
	return t.origin
}

func (t *Ticket) held() time.Duration {
	if t.acquiredAt.IsZero() {
		return 0
	}
	return time.Since(t.acquiredAt)
}

// Release returns the slot to the controller.
func (t *Ticket) Release() {
	if t == nil {
		return
	}
	if !t.released.CompareAndSwap(false, true) {
		if t.c != nil {
			t.c.logger.Warn("ticket released twice", "origin", t.origin)
		}
		return
	}
	if t.unbounded || t.c == nil {
		return
	}
	t.c.logger.Debug("admission released", "origin", t.origin, "held", t.held())
	t.c.release(t.origin)
}

// Tickets is a set of tickets acquired together by AcquireAll.
type Tickets []*Ticket

// ReleaseAll releases tickets in reverse acquisition order.
func (ts Tickets) ReleaseAll() {
	for i := len(ts) - 1; i >= 0; i-- {
		ts[i].Release()
	}
}
