package fiberchan

import (
	"runtime"
	"time"
)

// Recv blocks until a value is available, the channel closes with nothing
// left buffered, or (for a rendezvous channel) a sender hands one off
// directly.
func (c *Channel[T]) Recv() (T, error) {
	return c.recv(Deadline{}, sendBlock)
}

// TryRecv returns EAGAIN immediately if no value is available rather than
// blocking.
func (c *Channel[T]) TryRecv() (T, error) {
	return c.recv(Deadline{}, sendNonblock)
}

// RecvTimeout blocks for at most d before returning ETIMEDOUT.
func (c *Channel[T]) RecvTimeout(d time.Duration) (T, error) {
	return c.recv(After(d), sendBlock)
}

// RecvDeadline blocks until dl expires (ETIMEDOUT), is already cancelled
// (ECANCELED), or a value arrives.
func (c *Channel[T]) RecvDeadline(dl Deadline) (T, error) {
	return c.recv(dl, sendBlock)
}

func (c *Channel[T]) recv(dl Deadline, kind sendKind) (T, error) {
	var zero T
	if dl.Cancelled {
		return zero, wrapErr("recv", ECANCELED)
	}

	if c.fastPathOK {
		if v, done, err := c.fastRecv(); err != nil || done {
			return v, err
		}
	}

	for {
		c.mu.Lock()

		// Rendezvous: look for a parked sender first.
		if c.cap == 0 {
			if n := c.sendWaiters.popValid(); n != nil {
				c.hasSendWaiters.Store(!c.sendWaiters.empty())
				v := n.data.(T)
				n.notified.Store(int32(notifyData))
				c.bumpGen()
				c.mu.Unlock()
				n.parker.wake()
				c.counters.recvs.Add(1)
				return v, nil
			}
			if c.isClosed() {
				c.mu.Unlock()
				c.counters.recvs.Add(1)
				return zero, c.recvCloseErr()
			}
			if kind == sendNonblock {
				c.mu.Unlock()
				return zero, wrapErr("recv", EAGAIN)
			}
			node, p := c.parkAsReceiver()
			c.mu.Unlock()
			if err := waitOnNode("recv", p, node, dl, func() bool { return c.unlinkReceiver(node) }); err != nil {
				return zero, err
			}
			switch notifyState(node.notified.Load()) {
			case notifyData:
				c.counters.recvs.Add(1)
				return node.data.(T), nil
			case notifyClose:
				return zero, c.recvCloseErr()
			default:
				continue
			}
		}

		// Buffered channels: drain whatever is already sitting in the ring
		// before ever reporting closure, per the drain-on-close invariant.
		if c.lf != nil {
			if v, ok := c.lf.tryDequeue(); ok {
				c.bumpGen()
				sn := c.sendWaiters.popValid()
				c.hasSendWaiters.Store(!c.sendWaiters.empty())
				c.mu.Unlock()
				if sn != nil {
					sn.notified.Store(int32(notifySignal))
					sn.parker.wake()
				}
				c.counters.recvs.Add(1)
				return v, nil
			}
			if c.isClosed() {
				c.mu.Unlock()
				// A fast-path producer may be mid-enqueue (past its CAS
				// but before this dequeuer observed the slot); spin until
				// it lands rather than spuriously reporting EPIPE.
				if c.lf.inflight() > 0 {
					sw := spinBackoff()
					for c.lf.inflight() > 0 {
						sw.Once()
					}
					continue
				}
				c.counters.recvs.Add(1)
				return zero, c.recvCloseErr()
			}
		} else {
			if !c.mring.empty() {
				v := c.mring.pop()
				c.bumpGen()
				sn := c.sendWaiters.popValid()
				c.hasSendWaiters.Store(!c.sendWaiters.empty())
				c.mu.Unlock()
				if sn != nil {
					sn.notified.Store(int32(notifySignal))
					sn.parker.wake()
				}
				c.counters.recvs.Add(1)
				return v, nil
			}
			if c.isClosed() {
				c.mu.Unlock()
				c.counters.recvs.Add(1)
				return zero, c.recvCloseErr()
			}
		}

		if kind == sendNonblock {
			c.mu.Unlock()
			return zero, wrapErr("recv", EAGAIN)
		}
		node, p := c.parkAsReceiver()
		c.mu.Unlock()
		if err := waitOnNode("recv", p, node, dl, func() bool { return c.unlinkReceiver(node) }); err != nil {
			return zero, err
		}
		switch notifyState(node.notified.Load()) {
		case notifySignal, notifyWoken:
			continue
		case notifyClose:
			return zero, c.recvCloseErr()
		default:
			continue
		}
	}
}

// fastRecv mirrors fastSend: eligible only when the lock-free ring backs
// this channel. Returns done=false to fall through to the slow path (ring
// empty and channel still open, or a rendezvous channel which has no fast
// path at all since cap == 0 never sets fastPathOK).
func (c *Channel[T]) fastRecv() (v T, done bool, err error) {
	n := c.fastPathOpCount.Add(1)
	if n%fastPathFairnessYieldEvery == 0 {
		runtime.Gosched()
	}
	if val, ok := c.lf.tryDequeue(); ok {
		c.counters.recvs.Add(1)
		c.counters.fastPathHits.Add(1)
		c.bumpGen()
		if c.hasSendWaiters.Load() {
			c.mu.Lock()
			sn := c.sendWaiters.popValid()
			c.hasSendWaiters.Store(!c.sendWaiters.empty())
			c.mu.Unlock()
			if sn != nil {
				sn.notified.Store(int32(notifySignal))
				sn.parker.wake()
			}
		}
		return val, true, nil
	}
	c.counters.slowPathHits.Add(1)
	var zero T
	return zero, false, nil
}

func (c *Channel[T]) parkAsReceiver() (*waitNode, *parker) {
	p := newParker(nil)
	node := &waitNode{kind: waiterThread, parker: p, ticket: p.nextTicket()}
	c.recvWaiters.pushBack(node)
	c.hasRecvWaiters.Store(true)
	return node, p
}

// unlinkReceiver removes node from recvWaiters under c.mu, reporting
// whether it was still linked. Shared by both of recv's park sites
// (rendezvous and buffered-empty) since parkAsReceiver always links into
// recvWaiters.
func (c *Channel[T]) unlinkReceiver(node *waitNode) bool {
	c.mu.Lock()
	wasLinked := node.inList
	c.recvWaiters.remove(node)
	c.hasRecvWaiters.Store(!c.recvWaiters.empty())
	c.mu.Unlock()
	return wasLinked
}

func (c *Channel[T]) recvCloseErr() error {
	if err := c.txErr(); err != nil {
		return wrapErrCause("recv", EPIPE, err)
	}
	return wrapErr("recv", EPIPE)
}
