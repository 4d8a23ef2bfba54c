package fiberchan

import (
	"runtime"
	"time"

	"code.hybscloud.com/spin"
)

// Send blocks until v is accepted: buffered into the ring, handed directly
// to a waiting receiver (rendezvous), or the channel closes.
func (c *Channel[T]) Send(v T) error {
	return c.send(v, Deadline{}, sendBlock)
}

// TrySend attempts to enqueue v without blocking, returning EAGAIN if it
// cannot proceed immediately (full buffer with no waiting receiver, or a
// rendezvous channel with no receiver already parked).
func (c *Channel[T]) TrySend(v T) error {
	return c.send(v, Deadline{}, sendNonblock)
}

// SendTimeout blocks for at most d before returning ETIMEDOUT.
func (c *Channel[T]) SendTimeout(v T, d time.Duration) error {
	return c.send(v, After(d), sendBlock)
}

// SendDeadline blocks until dl expires (returning ETIMEDOUT), is already
// cancelled (returning ECANCELED), or the send completes.
func (c *Channel[T]) SendDeadline(v T, dl Deadline) error {
	return c.send(v, dl, sendBlock)
}

type sendKind int

const (
	sendBlock sendKind = iota
	sendNonblock
)

// send is the unified slow-path entry point for every Send* variant. The
// lock-free fast path (fastSend) is tried first when eligible; everything
// else — rendezvous handoff, mutex-ring buffering, DROP_NEW/DROP_OLD
// backpressure, and the park/retry loop — lives here under c.mu, matching
// spec.md §4.3.1's fast-path-then-slow-path structure.
func (c *Channel[T]) send(v T, dl Deadline, kind sendKind) error {
	if dl.Cancelled {
		return wrapErr("send", ECANCELED)
	}

	if c.fastPathOK {
		if done, err := c.fastSend(v); err != nil || done {
			return err
		}
		if kind == sendNonblock && c.mode == ModeDropNew {
			return wrapErr("send", EAGAIN)
		}
	}

	for {
		c.mu.Lock()
		if c.isClosed() {
			c.mu.Unlock()
			c.counters.sends.Add(1)
			if err := c.txErr(); err != nil {
				return wrapErrCause("send", EPIPE, err)
			}
			return wrapErr("send", EPIPE)
		}
		if c.isRxClosed() {
			c.mu.Unlock()
			c.counters.sends.Add(1)
			if err := c.rxErr(); err != nil {
				return wrapErrCause("send", EPIPE, err)
			}
			return wrapErr("send", EPIPE)
		}

		// Rendezvous: hand off directly to a parked receiver.
		if c.cap == 0 {
			if n := c.recvWaiters.popValid(); n != nil {
				c.hasRecvWaiters.Store(!c.recvWaiters.empty())
				n.data = v
				n.notified.Store(int32(notifyData))
				c.bumpGen()
				c.mu.Unlock()
				n.parker.wake()
				c.counters.sends.Add(1)
				return nil
			}
			if kind == sendNonblock {
				c.mu.Unlock()
				return wrapErr("send", EAGAIN)
			}
			node, p := c.parkAsSender(v)
			c.mu.Unlock()
			if err := waitOnNode("send", p, node, dl, func() bool { return c.unlinkSender(node) }); err != nil {
				return err
			}
			switch notifyState(node.notified.Load()) {
			case notifyData:
				c.counters.sends.Add(1)
				return nil
			case notifyClose:
				return c.sendCloseErr()
			default:
				continue // cancelled select race elsewhere; retry
			}
		}

		// Buffered channels.
		if c.lf != nil {
			if c.lf.tryEnqueue(v) {
				c.bumpGen()
				rn := c.recvWaiters.popValid()
				c.hasRecvWaiters.Store(!c.recvWaiters.empty())
				c.mu.Unlock()
				if rn != nil {
					rn.notified.Store(int32(notifySignal))
					rn.parker.wake()
				}
				c.counters.sends.Add(1)
				return nil
			}
			// Full: fall through to the shared mode/backpressure handling
			// below, parking on the send-waiter list the same as the
			// mutex-ring path (the ring itself has no wait queue).
		} else if !c.mring.full() {
			c.mring.push(v)
			c.bumpGen()
			rn := c.recvWaiters.popValid()
			c.hasRecvWaiters.Store(!c.recvWaiters.empty())
			c.mu.Unlock()
			if rn != nil {
				rn.notified.Store(int32(notifySignal))
				rn.parker.wake()
			}
			c.counters.sends.Add(1)
			return nil
		} else if c.mode == ModeDropOld {
			c.mring.pushDropOldest(v)
			c.bumpGen()
			c.mu.Unlock()
			c.counters.sends.Add(1)
			return nil
		}

		// Full and blocked/drop-new.
		if kind == sendNonblock || c.mode == ModeDropNew {
			c.mu.Unlock()
			return wrapErr("send", EAGAIN)
		}
		node, p := c.parkAsSender(v)
		c.mu.Unlock()
		if err := waitOnNode("send", p, node, dl, func() bool { return c.unlinkSender(node) }); err != nil {
			return err
		}
		switch notifyState(node.notified.Load()) {
		case notifySignal, notifyWoken:
			continue // space might be available now; retry the loop
		case notifyClose:
			return c.sendCloseErr()
		default:
			continue
		}
	}
}

// fastSend is the branded lock-free fast path: eligible only for small,
// fixed-size elements on a buffered (cap > 1), non-owned, ModeBlock/
// ModeDropNew channel (channel.go's New chooses the backend). Returns
// done=true on success or terminal closure; done=false means "ring full,
// fall through to the slow path" (which still needs to honor DROP_NEW /
// park-and-wait).
func (c *Channel[T]) fastSend(v T) (done bool, err error) {
	// BeginEnqueue is published before the closed check so a Recv on the
	// closed channel sees this enqueue attempt as inflight (via
	// lf.inflight()) even if tryEnqueue below lands its value after that
	// Recv already observed the ring as empty.
	c.lf.beginEnqueue()
	if c.isClosed() {
		c.lf.endEnqueue()
		return true, wrapErr("send", EPIPE)
	}
	n := c.fastPathOpCount.Add(1)
	if n%fastPathFairnessYieldEvery == 0 {
		runtime.Gosched()
	}
	ok := c.lf.tryEnqueue(v)
	c.lf.endEnqueue()
	if ok {
		c.counters.sends.Add(1)
		c.counters.fastPathHits.Add(1)
		c.bumpGen()
		if c.hasRecvWaiters.Load() {
			c.mu.Lock()
			rn := c.recvWaiters.popValid()
			c.hasRecvWaiters.Store(!c.recvWaiters.empty())
			c.mu.Unlock()
			if rn != nil {
				rn.notified.Store(int32(notifySignal))
				rn.parker.wake()
			}
		}
		return true, nil
	}
	c.counters.slowPathHits.Add(1)
	return false, nil
}

// parkAsSender links a new send-waiter node (data pre-loaded with v) and
// returns it plus its parker, ready for waitOnNode. Caller must hold c.mu
// and unlock after this returns (the node is already linked).
func (c *Channel[T]) parkAsSender(v T) (*waitNode, *parker) {
	p := newParker(nil)
	node := &waitNode{kind: waiterThread, parker: p, data: v, ticket: p.nextTicket()}
	c.sendWaiters.pushBack(node)
	c.hasSendWaiters.Store(true)
	return node, p
}

// unlinkSender removes node from sendWaiters under c.mu, reporting whether
// it was still linked. Shared by both of send's park sites (rendezvous and
// buffered-full) since parkAsSender always links into sendWaiters.
func (c *Channel[T]) unlinkSender(node *waitNode) bool {
	c.mu.Lock()
	wasLinked := node.inList
	c.sendWaiters.remove(node)
	c.hasSendWaiters.Store(!c.sendWaiters.empty())
	c.mu.Unlock()
	return wasLinked
}

func (c *Channel[T]) sendCloseErr() error {
	if err := c.txErr(); err != nil {
		return wrapErrCause("send", EPIPE, err)
	}
	return wrapErr("send", EPIPE)
}

// waitOnNode parks p's owner until woken or dl expires. A real wakeup
// always stores a terminal notifyState into node.notified before calling
// p.wake(); the timer's own wake call does not, so if notified is still
// notifyWaiting once the park call returns, the timer won the race and the
// wait timed out. A short fast spin (spinThenPark) precedes the full park,
// since most rendezvous handoffs and buffer-space waits resolve within a
// handful of iterations under light contention.
//
// On timeout, unlink is called to remove node from whichever waiter list
// the caller linked it into (it must re-acquire that channel's mu itself,
// mirroring select.go's per-case unlink). unlink reports whether node was
// still linked: true means nobody can ever reach it again, so this really
// is a timeout; false means a waker already popped it out from under us
// (compare selectImpl's finishSelect / unlink pair, select.go:186-197). In
// the false case the waker's notified write may land a few instructions
// after it releases the channel's mu (the buffered-slot notifySignal
// paths in channel_send.go/channel_recv.go wake outside the lock), so this
// spins briefly for it rather than reporting a send/recv that actually
// completed as ETIMEDOUT.
func waitOnNode(op string, p *parker, node *waitNode, dl Deadline, unlink func() bool) error {
	guard := func() bool { return notifyState(node.notified.Load()) == notifyWaiting }
	if dl.At.IsZero() {
		p.spinThenPark(defaultEnv.spinFastIters, guard)
		return nil
	}
	timer := time.AfterFunc(time.Until(dl.At), p.wake)
	p.spinThenPark(defaultEnv.spinFastIters, guard)
	timer.Stop()
	if notifyState(node.notified.Load()) == notifyWaiting {
		if unlink() {
			node.notified.Store(int32(notifyCancel))
			p.nextTicket()
			return wrapErr(op, ETIMEDOUT)
		}
		sw := spinBackoff()
		for notifyState(node.notified.Load()) == notifyWaiting {
			sw.Once()
		}
	}
	return nil
}

// spinBackoff is a small helper shared by the drain-on-close loops in
// channel_recv.go, grounded on hayabusa-cloud-lfq's own spin.Wait use in
// its ring's retry paths.
func spinBackoff() spin.Wait { return spin.Wait{} }
