// Package deadline provides a periodic timer whose next expiry can be
// pulled forward to "imminent" without disturbing its steady-state period —
// the fire-soon mechanism each worker uses to force an early flush.
package deadline

import (
	"sync"
	"time"
)

// fireSoonDelay is how close to "now" FireSoon schedules the next expiry.
const fireSoonDelay = time.Microsecond

// Timer wraps a time.Timer plus its configured period so FireSoon and Reset
// can restore the steady-state cadence after a forced early firing.
type Timer struct {
	mu     sync.Mutex
	t      *time.Timer
	period time.Duration
}

// New creates a Timer whose first expiry is one period from now. Each
// expiry fires once; the owner re-arms the timer with Reset (or FireSoon).
func New(period time.Duration) *Timer {
	return &Timer{t: time.NewTimer(period), period: period}
}

// C returns the channel that receives the timer's expirations.
func (d *Timer) C() <-chan time.Time { return d.t.C }

// FireSoon pulls the next expiry forward to near-immediate. Once that
// expiry is observed and Reset is called, the original period resumes.
func (d *Timer) FireSoon() {
	d.mu.Lock()
	defer d.mu.Unlock()
	drainLocked(d.t)
	d.t.Reset(fireSoonDelay)
}

// Reset restores the configured period, draining any pending expiration
// first so the next firing is exactly one period away.
func (d *Timer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	drainLocked(d.t)
	d.t.Reset(d.period)
}

// Stop halts the timer; used during shutdown once the owning loop has exited.
func (d *Timer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.t.Stop()
}

func drainLocked(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
