// Package lfring provides a bounded, lock-free MPMC ring buffer used as the
// fast-path backing store for fiberchan channels and scheduler queues.
//
// The algorithm is the FAA-based SCQ design (Nikolaev, DISC 2019): producers
// and consumers blindly Fetch-And-Add monotonic tail/head counters, and each
// physical slot carries a "cycle" number used to validate which round it
// belongs to. Capacity n requires 2n physical slots.
package lfring

import (
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
	"code.hybscloud.com/iox"
)

// ErrWouldBlock is returned by Enqueue when the ring is full and by Dequeue
// when the ring is empty. It is an alias of the ecosystem sentinel so
// callers can use errors.Is / the iox helpers uniformly across this module.
var ErrWouldBlock = iox.ErrWouldBlock

type pad [64 - 8]byte

type slot[T any] struct {
	cycle atomix.Uint64
	data  T
}

// Ring is a bounded MPMC queue with two extra atomics beyond the base SCQ
// algorithm: Gen, a monotonically increasing mutation counter bumped on
// every successful Enqueue/Dequeue (the channel layer's park-guard value),
// and Inflight, a count of enqueues that are currently executing past a
// caller-observed "closed" check (so a closing channel can drain producers
// that already committed before the close became visible).
type Ring[T any] struct {
	_         pad
	tail      atomix.Uint64
	_         pad
	head      atomix.Uint64
	_         pad
	threshold atomix.Int64
	_         pad
	draining  atomix.Bool
	_         pad
	gen       atomix.Uint64
	_         pad
	inflight  atomix.Int64
	_         pad
	buf       []slot[T]
	capacity  uint64
	size      uint64
	mask      uint64
}

// New creates a ring with the given capacity, rounded up to the next power
// of two. Panics if capacity < 2.
func New[T any](capacity int) *Ring[T] {
	if capacity < 2 {
		panic("lfring: capacity must be >= 2")
	}
	n := uint64(roundToPow2(capacity))
	size := n * 2

	r := &Ring[T]{
		buf:      make([]slot[T], size),
		capacity: n,
		size:     size,
		mask:     size - 1,
	}
	r.threshold.StoreRelaxed(3*int64(n) - 1)
	for i := uint64(0); i < size; i++ {
		r.buf[i].cycle.StoreRelaxed(i / n)
	}
	return r
}

func roundToPow2(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Cap returns the queue's usable capacity.
func (r *Ring[T]) Cap() int { return int(r.capacity) }

// Len returns an approximate occupancy count (tail-head), useful only for
// diagnostics: lock-free rings do not admit a cheap exact length.
func (r *Ring[T]) Len() int {
	tail := r.tail.LoadAcquire()
	head := r.head.LoadAcquire()
	if tail < head {
		return 0
	}
	n := tail - head
	if n > r.capacity {
		return int(r.capacity)
	}
	return int(n)
}

// Gen returns the current mutation generation counter.
func (r *Ring[T]) Gen() uint64 { return r.gen.LoadAcquire() }

// Inflight returns the number of enqueues currently executing past a
// caller's closed-check. Used by drain-on-close logic.
func (r *Ring[T]) Inflight() int64 { return r.inflight.LoadAcquire() }

// BeginEnqueue marks the start of an enqueue attempt for inflight tracking.
// Callers that need drain-on-close semantics call this before checking
// whether the channel is closed, and EndEnqueue after Enqueue returns.
func (r *Ring[T]) BeginEnqueue() { r.inflight.AddAcqRel(1) }

// EndEnqueue marks the end of an enqueue attempt started with BeginEnqueue.
func (r *Ring[T]) EndEnqueue() { r.inflight.AddAcqRel(-1) }

// Drain signals that no more enqueues will occur, letting Dequeue skip the
// livelock-prevention threshold check and fully drain remaining items.
func (r *Ring[T]) Drain() { r.draining.StoreRelease(true) }

// Enqueue adds an element, returning ErrWouldBlock if the ring is full.
func (r *Ring[T]) Enqueue(elem T) error {
	sw := spin.Wait{}
	for {
		tail := r.tail.LoadAcquire()
		head := r.head.LoadAcquire()
		if tail >= head+r.capacity {
			return ErrWouldBlock
		}

		myTail := r.tail.AddAcqRel(1) - 1
		s := &r.buf[myTail&r.mask]
		expectedCycle := myTail / r.capacity
		slotCycle := s.cycle.LoadAcquire()

		if slotCycle == expectedCycle {
			s.data = elem
			s.cycle.StoreRelease(expectedCycle + 1)
			r.threshold.StoreRelaxed(3*int64(r.capacity) - 1)
			r.gen.AddAcqRel(1)
			return nil
		}
		if int64(slotCycle) < int64(expectedCycle) {
			return ErrWouldBlock
		}
		sw.Once()
	}
}

// Dequeue removes and returns an element, returning ErrWouldBlock if the
// ring is empty.
func (r *Ring[T]) Dequeue() (T, error) {
	var zero T
	if !r.draining.LoadAcquire() && r.threshold.LoadRelaxed() < 0 {
		return zero, ErrWouldBlock
	}

	sw := spin.Wait{}
	for {
		myHead := r.head.AddAcqRel(1) - 1
		s := &r.buf[myHead&r.mask]
		expectedCycle := myHead/r.capacity + 1
		slotCycle := s.cycle.LoadAcquire()

		if slotCycle == expectedCycle {
			elem := s.data
			s.data = zero
			nextEnqCycle := (myHead + r.size) / r.capacity
			s.cycle.StoreRelease(nextEnqCycle)
			r.gen.AddAcqRel(1)
			return elem, nil
		}
		if int64(slotCycle) < int64(expectedCycle) {
			nextEnqCycle := (myHead + r.size) / r.capacity
			s.cycle.CompareAndSwapAcqRel(slotCycle, nextEnqCycle)

			tail := r.tail.LoadAcquire()
			if tail <= myHead+1 {
				r.catchup(tail, myHead+1)
				r.threshold.AddAcqRel(-1)
				return zero, ErrWouldBlock
			}
			if r.threshold.AddAcqRel(-1) <= 0 && !r.draining.LoadAcquire() {
				return zero, ErrWouldBlock
			}
		}
		sw.Once()
	}
}

func (r *Ring[T]) catchup(tail, head uint64) {
	for tail < head {
		if r.tail.CompareAndSwapRelaxed(tail, head) {
			break
		}
		tail = r.tail.LoadRelaxed()
		head = r.head.LoadRelaxed()
	}
}
