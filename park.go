package fiberchan

import (
	"sync"
	"sync/atomic"

	"code.hybscloud.com/spin"
)

// parker is the park/wake substrate's blocking primitive: "wait until a
// flag changes with no lost wakeups and no stale ABA wakeups" (spec.md
// §4.1). The portable core is a sync.Mutex + sync.Cond, exactly the
// Design Notes' documented fallback for platforms without a futex
// primitive, on every platform. The Linux eventfd in wake_linux.go is
// only the scheduler's idle-sleep primitive; parker does not use it.
type parker struct {
	mu   sync.Mutex
	cond sync.Cond

	ticket uint64 // current published ticket, bumped on every new wait

	parked        bool // true once this parker has committed to waiting
	pendingUnpark bool // absorbs a wake that raced ahead of the park commit

	fiber *Fiber // nil for OS-thread waiters
}

func newParker(owner *Fiber) *parker {
	p := &parker{fiber: owner}
	p.cond.L = &p.mu
	return p
}

// nextTicket publishes a fresh ticket for a new wait cycle, invalidating
// any wait node still referencing the previous ticket (ABA protection for
// reused fiber frames, per spec.md §3/§4.1).
func (p *parker) nextTicket() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ticket++
	p.pendingUnpark = false
	return p.ticket
}

// ticketStillValid reports whether ticket is still this parker's current
// published ticket. Called by wakers before dereferencing a wait node.
func (p *parker) ticketStillValid(ticket uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ticket == ticket
}

// parkGuarded atomically checks guard() and, only if it still reports
// true, suspends until wake() is called (or a pending unpark from a racing
// wake is absorbed). This closes the classic unlock-then-park race: guard
// is evaluated under the parker's own lock, which the caller must NOT hold
// any other lock across (channel mu must already be released).
func (p *parker) parkGuarded(guard func() bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pendingUnpark {
		p.pendingUnpark = false
		return
	}
	if !guard() {
		return
	}
	p.parked = true
	for p.parked {
		p.cond.Wait()
	}
}

// wake unparks this parker, or — if it races ahead of the corresponding
// parkGuarded call — leaves a pendingUnpark marker so the next parkGuarded
// call returns immediately instead of losing the wakeup.
func (p *parker) wake() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.parked {
		p.parked = false
		p.cond.Signal()
		return
	}
	p.pendingUnpark = true
}

// spinThenPark runs a short fast spin (spin.Wait, grounded on
// hayabusa-cloud-lfq's backoff use in its own retry loops) checking guard
// before falling back to a full park. Used by fast-path callers that
// expect most waits to resolve within a handful of iterations.
func (p *parker) spinThenPark(fastIters int, guard func() bool) {
	sw := spin.Wait{}
	for i := 0; i < fastIters; i++ {
		if !guard() {
			return
		}
		sw.Once()
	}
	p.parkGuarded(guard)
}

// selectGroup is the shared state linking every wait node of one Select
// call. selectedIndex implements the single-winner CAS invariant (spec.md
// §4.3.6): exactly one waker may transition it from -1 to its case index
// per wait cycle.
type selectGroup struct {
	selectedIndex atomic.Int32
}

func newSelectGroup() *selectGroup {
	g := &selectGroup{}
	g.selectedIndex.Store(-1)
	return g
}

// tryWin attempts to claim this group for case index. Returns true exactly
// once across the group's lifetime (for whichever index wins the race).
func (g *selectGroup) tryWin(index int) bool {
	return g.selectedIndex.CompareAndSwap(-1, int32(index))
}

func (g *selectGroup) winner() int {
	return int(g.selectedIndex.Load())
}
