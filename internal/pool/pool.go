// Package pool implements the UDP worker's frame pool: a preallocated slab
// of CAN-frame slots recycled across enqueue/flush cycles so the hot enqueue
// path never allocates. Ownership of a slot moves between the pool's free
// list and a caller's buffer by index, never by copy of the backing array.
package pool

import (
	"sync"

	"github.com/canpipe/canpipe/internal/can"
	"github.com/canpipe/canpipe/internal/metrics"
)

// InitialSize is the number of slots the pool starts with.
const InitialSize = 16

// Pool is an index-based free list of reusable can.Frame slots. It never
// shrinks during a session; TakeOne grows it by doubling when exhausted.
type Pool struct {
	mu    sync.Mutex
	slots []can.Frame
	free  []int
}

// New creates a pool preallocated with InitialSize slots.
func New() *Pool {
	p := &Pool{}
	p.growLocked(InitialSize)
	return p
}

func (p *Pool) growLocked(n int) {
	base := len(p.slots)
	p.slots = append(p.slots, make([]can.Frame, n)...)
	for i := base; i < base+n; i++ {
		p.free = append(p.free, i)
	}
}

// TakeOne removes one slot from the free list, growing the pool by doubling
// (total_allocated more slots) if it is empty, and returns the slot's index.
func (p *Pool) TakeOne() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		p.growLocked(len(p.slots))
		metrics.IncPoolGrowth()
	}
	i := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return i
}

// Frame returns a pointer to the slot at index i. The caller must own the
// slot (via TakeOne, not yet returned) before writing or reading through it.
func (p *Pool) Frame(i int) *can.Frame { return &p.slots[i] }

// ReturnMany absorbs a batch of slot indices back into the free list.
func (p *Pool) ReturnMany(idx []int) {
	if len(idx) == 0 {
		return
	}
	p.mu.Lock()
	p.free = append(p.free, idx...)
	p.mu.Unlock()
}

// Len reports the number of currently free slots.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// TotalAllocated reports the total number of slots ever allocated.
func (p *Pool) TotalAllocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Destroy releases all slot storage. Only safe to call after the owning
// worker's event loop has exited.
func (p *Pool) Destroy() {
	p.mu.Lock()
	p.slots = nil
	p.free = nil
	p.mu.Unlock()
}
