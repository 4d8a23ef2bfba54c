package fiberchan

import (
	"sync"
	"sync/atomic"
)

// FiberState is a Fiber's lifecycle stage.
type FiberState int32

const (
	FiberCreated FiberState = iota
	FiberReady
	FiberRunning
	FiberParked
	FiberDone
)

func (s FiberState) String() string {
	switch s {
	case FiberCreated:
		return "created"
	case FiberReady:
		return "ready"
	case FiberRunning:
		return "running"
	case FiberParked:
		return "parked"
	case FiberDone:
		return "done"
	default:
		return "unknown"
	}
}

// Fiber is a lightweight unit of scheduling. Go has no stackful coroutine
// primitive reachable without cgo or hand-written assembly, so a Fiber
// here is a run-to-completion closure hosted directly by whichever worker
// goroutine dequeues it, rather than a separately-stacked context the
// scheduler switches into and out of mid-function. A Fiber that parks
// (via a Channel operation) blocks its hosting worker goroutine for the
// duration of the park; the watchdog's replacement-worker mechanism
// (watchdog.go) is this simplification's compensating device, matching
// spec.md's Design Notes on the absence of a portable stack-switch
// primitive.
type Fiber struct {
	id    uint64
	state atomic.Int32

	fn func()

	runningLock   sync.Mutex // held for the duration of fn's execution
	unparkPending atomic.Bool

	joinMu      sync.Mutex
	joinWaiters []chan struct{}
	done        atomic.Bool

	panicVal any
	sched    *Scheduler
}

var fiberIDGen atomic.Uint64

func newFiber(sched *Scheduler, fn func()) *Fiber {
	f := &Fiber{id: fiberIDGen.Add(1), fn: fn, sched: sched}
	f.state.Store(int32(FiberCreated))
	return f
}

// State returns the fiber's current lifecycle stage.
func (f *Fiber) State() FiberState { return FiberState(f.state.Load()) }

// ID returns this fiber's scheduler-assigned identifier.
func (f *Fiber) ID() uint64 { return f.id }

// Join blocks the calling goroutine until this fiber finishes running. It
// is safe for the calling goroutine to be a worker itself only if it is
// not the same worker driving this fiber to completion (spec.md forbids
// a fiber joining itself).
func (f *Fiber) Join() {
	if f.done.Load() {
		return
	}
	ch := make(chan struct{})
	f.joinMu.Lock()
	if f.done.Load() {
		f.joinMu.Unlock()
		return
	}
	f.joinWaiters = append(f.joinWaiters, ch)
	f.joinMu.Unlock()
	<-ch
}

// run executes fn to completion, transitioning through Running -> Done and
// waking every Join waiter. Panics inside fn are captured rather than
// propagated into the worker loop, matching the teacher's own
// recover-and-log convention for user callbacks (eventloop's promise
// executor).
func (f *Fiber) run() {
	f.runningLock.Lock()
	f.state.Store(int32(FiberRunning))
	func() {
		defer func() {
			if r := recover(); r != nil {
				f.panicVal = r
				Log().Err().Str("op", "fiber.run").Interface("panic", r).Log("fiber panicked")
			}
		}()
		f.fn()
	}()
	f.state.Store(int32(FiberDone))
	f.runningLock.Unlock()

	f.done.Store(true)
	f.joinMu.Lock()
	waiters := f.joinWaiters
	f.joinWaiters = nil
	f.joinMu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}
