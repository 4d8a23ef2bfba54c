// Package fiberchan implements the concurrency core of a structured
// concurrency runtime: typed message-passing channels coupled with a
// work-stealing M:N fiber scheduler, and the park/wake substrate that
// binds them together.
//
// The three subsystems mirror spec.md's component breakdown:
//
//   - Channel runtime (this file, channel_send.go, channel_recv.go,
//     select.go, owned.go, ring_mutex.go, internal/lfring): bounded and
//     unbuffered typed channels with blocking, non-blocking, timed, and
//     deadline-aware operations.
//   - Fiber scheduler (fiber.go, scheduler.go, deque.go, watchdog.go): an
//     M:N scheduler with per-worker local deques, a global overflow queue,
//     per-worker inboxes, randomized work stealing, and a watchdog.
//   - Park/wake substrate (park.go, waitnode.go, wake_linux.go): the
//     fiber-aware blocking primitive channels use to park and wake.
package fiberchan

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// Channel is a typed, bounded or unbuffered message-passing channel. The
// zero value is not usable; construct with New, NewPaired, or NewOwned.
type Channel[T any] struct {
	cap  int
	mode Mode

	mu sync.Mutex

	// Backing store. Exactly one of lf/mring is non-nil once the channel
	// commits to a backend on first use (cap == 0 uses neither — a
	// rendezvous channel never buffers).
	lf    *lfRing[T]
	mring *mutexRing[T]

	fastPathOK bool // branded true iff lf != nil, not owned, unbuffered brand disabled by Close

	closed       atomic.Bool
	txErrCode    atomic.Value // stores error, set iff closed with CloseErr
	rxClosed     atomic.Bool
	rxErrCode    atomic.Value

	sendWaiters waiterList
	recvWaiters waiterList
	hasSendWaiters atomic.Bool
	hasRecvWaiters atomic.Bool

	gen atomic.Uint64 // bumped on every enqueue/dequeue (without mu on the lock-free fast path) and on close, independent of any ring's own gen

	fastPathOpCount atomic.Uint64 // fairness counter: every Nth fast-path op yields

	counters channelCounters

	owner *ownedPool[T] // non-nil for NewOwned channels
}

const fastPathFairnessYieldEvery = 61

// New creates a channel of the given capacity (0 == unbuffered/rendezvous).
func New[T any](capacity int, opts ...ChannelOption) (*Channel[T], error) {
	if capacity < 0 {
		return nil, wrapErr("new", EINVAL)
	}
	cfg := resolveChannelOptions(capacity, opts)
	if capacity == 0 && cfg.mode != ModeBlock {
		// spec.md §9 Open Questions: drop modes presuppose a buffer;
		// reject the combination explicitly rather than silently
		// ignoring the mode.
		return nil, wrapErr("new", EINVAL)
	}

	ch := &Channel[T]{cap: capacity, mode: cfg.mode}

	var zero T
	elemFits := unsafe.Sizeof(zero) <= unsafe.Sizeof(uintptr(0))

	switch {
	case capacity == 0:
		// Rendezvous: no ring at all.
	case capacity > 1 && elemFits && !cfg.noLockfree && cfg.mode != ModeDropOld:
		// DROP_OLD needs to evict the oldest buffered item under a
		// lock; the lock-free ring has no eviction primitive, so it
		// is only branded for ModeBlock/ModeDropNew.
		ch.lf = newLFRing[T](capacity)
		ch.fastPathOK = true
	default:
		ch.mring = newMutexRing[T](capacity)
	}

	return ch, nil
}

// NewPaired returns separate Sender and Receiver handles over one
// underlying channel, so a producer and consumer can be handed
// direction-restricted views instead of the full Channel API.
func NewPaired[T any](capacity int, opts ...ChannelOption) (*Sender[T], *Receiver[T], error) {
	ch, err := New[T](capacity, opts...)
	if err != nil {
		return nil, nil, err
	}
	return &Sender[T]{ch: ch}, &Receiver[T]{ch: ch}, nil
}

// Sender is a send-only view over a Channel.
type Sender[T any] struct{ ch *Channel[T] }

// Receiver is a recv-only view over a Channel.
type Receiver[T any] struct{ ch *Channel[T] }

func (s *Sender[T]) Send(v T) error                 { return s.ch.Send(v) }
func (s *Sender[T]) TrySend(v T) error               { return s.ch.TrySend(v) }
func (s *Sender[T]) Close() error                    { return s.ch.Close() }
func (s *Sender[T]) CloseErr(err error) error        { return s.ch.CloseErr(err) }

func (r *Receiver[T]) Recv() (T, error)              { return r.ch.Recv() }
func (r *Receiver[T]) TryRecv() (T, error)           { return r.ch.TryRecv() }
func (r *Receiver[T]) RxCloseErr(err error) error    { return r.ch.RxCloseErr(err) }

// IsOrdered reports whether this channel preserves FIFO order for buffered
// data (true for every Channel this package constructs; spec.md's
// is-ordered accessor exists for parity with channel topologies an
// adjacent, out-of-scope layer might add, e.g. a fan-in multiplexer).
func (c *Channel[T]) IsOrdered() bool { return true }

// Cap returns the channel's configured capacity.
func (c *Channel[T]) Cap() int { return c.cap }

// Stats returns a snapshot of this channel's debug counters.
func (c *Channel[T]) Stats() ChannelStats { return c.counters.snapshot() }

func (c *Channel[T]) bumpGen() { c.gen.Add(1) }

// --- Close ---

// Close flips the channel to closed with no associated error code,
// disables the fast-path brand (so subsequent fast-path producers fall
// through to the slow path, which checks closure under mu), and wakes
// every linked waiter with notifyClose (a select waiter whose group was
// already won by another case gets notifyCancel instead), so blocked
// operations return the close error.
func (c *Channel[T]) Close() error { return c.closeImpl(nil) }

// CloseErr closes the channel and attaches err as the tx-side error code;
// subsequent Recv calls that observe closure-without-buffered-data return
// an EPIPE error wrapping err (matchable with errors.Is against both).
func (c *Channel[T]) CloseErr(err error) error { return c.closeImpl(err) }

func (c *Channel[T]) closeImpl(errCode error) error {
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return wrapErr("close", EPIPE)
	}
	if errCode != nil {
		c.txErrCode.Store(errCode)
	}
	c.closed.Store(true)
	c.fastPathOK = false
	c.counters.closes.Add(1)
	c.bumpGen()
	if c.lf != nil {
		// Let Dequeue skip the livelock-prevention threshold check from
		// here on, so every already-landed item is still reachable even
		// if concurrent contention had driven the threshold negative.
		c.lf.drain()
	}

	// Unlink every waiter individually (rather than discarding the whole
	// list wholesale) so each node's inList flag stays accurate; a timed
	// Send/Recv racing this Close relies on inList to tell a genuine
	// timeout apart from losing the race to this close (channel_send.go's
	// waitOnNode / unlinkSender, channel_recv.go's unlinkReceiver).
	var toWake []*waitNode
	for n := c.sendWaiters.head; n != nil; {
		next := n.next
		c.sendWaiters.remove(n)
		toWake = append(toWake, n)
		n = next
	}
	for n := c.recvWaiters.head; n != nil; {
		next := n.next
		c.recvWaiters.remove(n)
		toWake = append(toWake, n)
		n = next
	}
	c.hasSendWaiters.Store(false)
	c.hasRecvWaiters.Store(false)
	c.mu.Unlock()

	for _, n := range toWake {
		if !n.parker.ticketStillValid(n.ticket) {
			continue
		}
		if n.kind == waiterSelect && !n.group.tryWin(n.index) {
			n.notified.Store(int32(notifyCancel))
		} else {
			n.notified.Store(int32(notifyClose))
		}
		n.parker.wake()
	}

	Log().Debug().Str("op", "close").Log("channel closed")
	return nil
}

// RxCloseErr flips the channel's receiver-side error code. Only send
// waiters are woken: a receiver-side close means "stop sending to me", it
// says nothing about items already buffered for an existing receiver.
func (c *Channel[T]) RxCloseErr(err error) error {
	c.mu.Lock()
	if c.rxClosed.Load() {
		c.mu.Unlock()
		return wrapErr("rxcloseerr", EPIPE)
	}
	c.rxErrCode.Store(err)
	c.rxClosed.Store(true)
	c.bumpGen()

	var toWake []*waitNode
	for n := c.sendWaiters.head; n != nil; {
		next := n.next
		c.sendWaiters.remove(n)
		toWake = append(toWake, n)
		n = next
	}
	c.hasSendWaiters.Store(false)
	c.mu.Unlock()

	for _, n := range toWake {
		if !n.parker.ticketStillValid(n.ticket) {
			continue
		}
		if n.kind == waiterSelect && !n.group.tryWin(n.index) {
			n.notified.Store(int32(notifyCancel))
		} else {
			n.notified.Store(int32(notifyClose))
		}
		n.parker.wake()
	}
	return nil
}

func (c *Channel[T]) isClosed() bool   { return c.closed.Load() }
func (c *Channel[T]) isRxClosed() bool { return c.rxClosed.Load() }

func (c *Channel[T]) txErr() error {
	if v := c.txErrCode.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (c *Channel[T]) rxErr() error {
	if v := c.rxErrCode.Load(); v != nil {
		return v.(error)
	}
	return nil
}
