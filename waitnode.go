package fiberchan

import "sync/atomic"

// notifyState is the state a wait node's notification flag can hold. The
// park primitive blocks a waiter until its node's state leaves notifyWaiting.
type notifyState int32

const (
	notifyWaiting notifyState = iota // still parked, no wakeup delivered yet
	notifyWoken                      // generic wakeup; re-check loop conditions
	notifyData                      // direct handoff completed; data already moved
	notifySignal                    // buffered slot became available; retry enqueue/dequeue
	notifyCancel                     // lost a select race; rearm
	notifyClose                     // channel closed/rx-error-closed while parked
)

// waiterKind discriminates the three waiter shapes the spec's Design Notes
// describe as "a sum type over {fiber-waiter, thread-waiter, select-member}".
// A flat struct with a discriminant field is used instead of an interface,
// matching the corpus's general preference for enum-tagged structs over
// small-interface zoos (see eventloop's LoopState-on-struct FastState).
type waiterKind int32

const (
	waiterFiber waiterKind = iota
	waiterThread
	waiterSelect
)

// waitNode is the per-wait bookkeeping record linked into a channel's
// send_waiters or recv_waiters list while a waiter is parked. It is owned by
// the waiting goroutine's stack frame (a local variable, never heap-escaped
// beyond what Go's own escape analysis decides) for exactly the duration of
// the wait; wakers must validate ticket and list membership under the
// channel's mutex before touching fiber/parker state.
type waitNode struct {
	kind waiterKind

	// parker is the blocking primitive this node's owner is waiting on.
	// Always non-nil; for waiterThread it is a dedicated sync.Cond-backed
	// parker with no owning Fiber.
	parker *parker

	// data is in/out scratch for direct handoff: a sender stores its
	// value here before parking; a waking receiver copies it out (and
	// vice versa for a parked receiver).
	data any

	notified atomic.Int32 // notifyState; some wakers store it after releasing the owning channel's mu

	// wait_ticket: the parker's ticket at the moment this node was
	// linked, published before linking and validated by every waker
	// before it dereferences anything through this node.
	ticket uint64

	inList bool // membership flag, protected by the owning channel's mu

	prev, next *waitNode

	// Select-only fields.
	group *selectGroup
	index int
}

// waiterList is an intrusive doubly-linked list of waitNodes, protected by
// the owning Channel's mu. Per-direction FIFO among homogeneous waiters
// (spec.md §5) falls out of always appending at tail and popping from head.
type waiterList struct {
	head, tail *waitNode
	len        int
}

func (l *waiterList) pushBack(n *waitNode) {
	n.prev = l.tail
	n.next = nil
	if l.tail != nil {
		l.tail.next = n
	} else {
		l.head = n
	}
	l.tail = n
	n.inList = true
	l.len++
}

func (l *waiterList) remove(n *waitNode) {
	if !n.inList {
		return
	}
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next = nil, nil
	n.inList = false
	l.len--
}

func (l *waiterList) empty() bool { return l.head == nil }

// popValid pops waitNodes from the head of the list, skipping nodes whose
// ticket is stale (the owner abandoned this wait already — the fiber
// reused its frame for a later wait) and, for select members, nodes that
// already lost their group's single-winner CAS. Returns nil if no valid
// node remains.
func (l *waiterList) popValid() *waitNode {
	for n := l.head; n != nil; {
		next := n.next
		l.remove(n)
		if n.parker.ticketStillValid(n.ticket) {
			if n.kind != waiterSelect || n.group.tryWin(n.index) {
				return n
			}
			// Lost the race for this group already; tell the loser and move on.
			n.notified.Store(int32(notifyCancel))
			n.parker.wake()
		}
		n = next
	}
	return nil
}
