package fiberchan

import (
	"sync/atomic"
	"time"
)

// SelectCase is one arm of a Select call. Construct with SendCase or
// RecvCase; the type parameter lives on the constructor, not on SelectCase
// itself, so a single Select call can mix channels of different element
// types (spec.md §4.3.6's "heterogeneous case list").
type SelectCase struct {
	try    func() (bool, error)
	link   func(p *parker, ticket uint64, group *selectGroup, index int) *waitNode
	after  func(node *waitNode) (bool, error)
	unlink func(node *waitNode)
}

// RecvCase builds a select arm that receives from ch into *out.
func RecvCase[T any](ch *Channel[T], out *T) SelectCase {
	return SelectCase{
		try: func() (bool, error) {
			v, err := ch.TryRecv()
			if err == nil {
				*out = v
				return true, nil
			}
			if AsCode(err) == EAGAIN {
				return false, nil
			}
			return true, err
		},
		link: func(p *parker, ticket uint64, group *selectGroup, index int) *waitNode {
			node := &waitNode{kind: waiterSelect, parker: p, ticket: ticket, group: group, index: index}
			ch.mu.Lock()
			ch.recvWaiters.pushBack(node)
			ch.hasRecvWaiters.Store(true)
			ch.mu.Unlock()
			return node
		},
		after: func(node *waitNode) (bool, error) {
			switch notifyState(node.notified.Load()) {
			case notifyData:
				*out = node.data.(T)
				return true, nil
			case notifySignal:
				// A buffered slot freed up, or a fast-path producer
				// landed; the node itself carries no data for this
				// case, so perform the actual dequeue now.
				v, err := ch.TryRecv()
				if err == nil {
					*out = v
					return true, nil
				}
				return false, nil
			case notifyClose:
				return true, ch.recvCloseErr()
			default:
				return false, nil
			}
		},
		unlink: func(node *waitNode) {
			ch.mu.Lock()
			ch.recvWaiters.remove(node)
			ch.hasRecvWaiters.Store(!ch.recvWaiters.empty())
			ch.mu.Unlock()
		},
	}
}

// SendCase builds a select arm that sends v to ch.
func SendCase[T any](ch *Channel[T], v T) SelectCase {
	return SelectCase{
		try: func() (bool, error) {
			err := ch.TrySend(v)
			if err == nil {
				return true, nil
			}
			if AsCode(err) == EAGAIN {
				return false, nil
			}
			return true, err
		},
		link: func(p *parker, ticket uint64, group *selectGroup, index int) *waitNode {
			node := &waitNode{kind: waiterSelect, parker: p, ticket: ticket, group: group, index: index, data: v}
			ch.mu.Lock()
			ch.sendWaiters.pushBack(node)
			ch.hasSendWaiters.Store(true)
			ch.mu.Unlock()
			return node
		},
		after: func(node *waitNode) (bool, error) {
			switch notifyState(node.notified.Load()) {
			case notifyData:
				// A parked receiver already copied node.data out.
				return true, nil
			case notifySignal:
				err := ch.TrySend(v)
				if err == nil {
					return true, nil
				}
				return false, nil
			case notifyClose:
				return true, ch.sendCloseErr()
			default:
				return false, nil
			}
		},
		unlink: func(node *waitNode) {
			ch.mu.Lock()
			ch.sendWaiters.remove(node)
			ch.hasSendWaiters.Store(!ch.sendWaiters.empty())
			ch.mu.Unlock()
		},
	}
}

// selectRR is the round-robin cursor spec.md §4.3.6 requires so repeated
// Select calls over the same ready case list don't starve the later arms
// (mirrors the teacher's own round-robin readiness scan over registered
// loop sources).
var selectRR atomic.Uint64

// Select blocks until exactly one case completes or the channel(s)
// involved close. The winning case's index is returned; ties among
// simultaneously-ready cases are broken by the rotating start offset.
func Select(cases ...SelectCase) (int, error) {
	return selectImpl(Deadline{}, sendBlock, cases)
}

// TrySelect returns (-1, EAGAIN) if no case can complete immediately.
func TrySelect(cases ...SelectCase) (int, error) {
	return selectImpl(Deadline{}, sendNonblock, cases)
}

// SelectTimeout blocks for at most d.
func SelectTimeout(d time.Duration, cases ...SelectCase) (int, error) {
	return selectImpl(After(d), sendBlock, cases)
}

// SelectDeadline blocks until dl expires or is already cancelled.
func SelectDeadline(dl Deadline, cases ...SelectCase) (int, error) {
	return selectImpl(dl, sendBlock, cases)
}

func selectImpl(dl Deadline, kind sendKind, cases []SelectCase) (int, error) {
	if dl.Cancelled {
		return -1, wrapErr("select", ECANCELED)
	}
	if len(cases) == 0 {
		return -1, wrapErr("select", EINVAL)
	}

	start := int(selectRR.Add(1) % uint64(len(cases)))
	if idx, done, err := scanCases(cases, start); done {
		return idx, err
	}
	if kind == sendNonblock {
		return -1, wrapErr("select", EAGAIN)
	}

	group := newSelectGroup()
	p := newParker(nil)
	ticket := p.nextTicket()
	nodes := make([]*waitNode, len(cases))
	for i := range cases {
		nodes[i] = cases[i].link(p, ticket, group, i)
	}

	// One more scan: a case may have become ready while the others were
	// still being linked (or even before linking began, on the very first
	// case). If so, claim it via the group's single-winner CAS so any
	// waker racing in concurrently defers to us.
	if idx, done, err := scanCases(cases, start); done {
		if group.tryWin(idx) {
			for i := range cases {
				cases[i].unlink(nodes[i])
			}
			return idx, err
		}
		// Lost the race to a concurrent waker; fall through to the wait,
		// which will observe the winner it already claimed.
		_ = err
	}

	if err := waitOnGroup("select", p, group, dl); err != nil {
		for i := range cases {
			cases[i].unlink(nodes[i])
		}
		return -1, err
	}
	idx := group.winner()
	if idx == -1 {
		for i := range cases {
			cases[i].unlink(nodes[i])
		}
		return -1, wrapErr("select", ETIMEDOUT)
	}
	// The waker claims the group before it stores the winning node's
	// notification, so wait for that store before reading it.
	sw := spinBackoff()
	for notifyState(nodes[idx].notified.Load()) == notifyWaiting {
		sw.Once()
	}
	return finishSelect(cases, nodes, idx)
}

// scanCases tries every case once, starting at start and wrapping around,
// returning the first one that completes immediately.
func scanCases(cases []SelectCase, start int) (idx int, done bool, err error) {
	for off := 0; off < len(cases); off++ {
		i := (start + off) % len(cases)
		if d, e := cases[i].try(); d {
			return i, true, e
		}
	}
	return -1, false, nil
}

func finishSelect(cases []SelectCase, nodes []*waitNode, idx int) (int, error) {
	for i := range cases {
		if i != idx {
			cases[i].unlink(nodes[i])
		}
	}
	done, err := cases[idx].after(nodes[idx])
	if !done {
		// The case's node carried only a "try again" signal and the retry
		// itself lost to a concurrent competitor; surface EAGAIN rather
		// than silently looping forever inside one Select call.
		return idx, wrapErr("select", EAGAIN)
	}
	return idx, err
}

// waitOnGroup parks until some case wins the group's single-winner CAS, or
// dl expires. Unlike waitOnNode, the guard watches group.winner() rather
// than any single node's notified flag, since the winning waker may touch
// a different node than the one the caller happens to hold.
func waitOnGroup(op string, p *parker, group *selectGroup, dl Deadline) error {
	guard := func() bool { return group.winner() == -1 }
	if dl.At.IsZero() {
		p.spinThenPark(defaultEnv.spinFastIters, guard)
		return nil
	}
	timer := time.AfterFunc(time.Until(dl.At), p.wake)
	p.spinThenPark(defaultEnv.spinFastIters, guard)
	timer.Stop()
	if group.winner() == -1 {
		return wrapErr(op, ETIMEDOUT)
	}
	return nil
}
