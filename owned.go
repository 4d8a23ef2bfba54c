package fiberchan

import "sync/atomic"

// ownedPool adapts a Channel into a bounded resource pool (spec.md
// §4.3.5): Acquire draws an existing item or, below maxItems, manufactures
// one with onCreate; Release returns an item to the pool after onReset, or
// destroys it with onDestroy if the pool has no room (the channel closed,
// or its buffer is momentarily full).
type ownedPool[T any] struct {
	onCreate func() (T, error)
	onDestroy func(T)
	onReset  func(T) T
	maxItems int32
	created  atomic.Int32
}

// NewOwned creates a channel-backed resource pool of at most maxItems live
// items. capacity bounds how many idle items the channel itself buffers;
// it is typically equal to maxItems. onReset and onDestroy may be nil.
func NewOwned[T any](capacity int, maxItems int, onCreate func() (T, error), onDestroy func(T), onReset func(T) T, opts ...ChannelOption) (*Channel[T], error) {
	ch, err := New[T](capacity, opts...)
	if err != nil {
		return nil, err
	}
	ch.fastPathOK = false
	ch.owner = &ownedPool[T]{
		onCreate:  onCreate,
		onDestroy: onDestroy,
		onReset:   onReset,
		maxItems:  int32(maxItems),
	}
	return ch, nil
}

// Acquire returns an idle item if one is buffered, otherwise manufactures a
// new one via onCreate while the pool is below maxItems, otherwise blocks
// like Recv until an item is released.
func (c *Channel[T]) Acquire() (T, error) {
	var zero T
	if c.owner == nil {
		return zero, wrapErr("acquire", EINVAL)
	}
	v, err := c.TryRecv()
	if err == nil {
		return v, nil
	}
	if AsCode(err) != EAGAIN {
		return zero, err
	}
	if c.owner.created.Load() < c.owner.maxItems {
		if c.owner.created.Add(1) <= c.owner.maxItems {
			item, cerr := c.owner.onCreate()
			if cerr != nil {
				c.owner.created.Add(-1)
				return zero, wrapErrCause("acquire", ENOMEM, cerr)
			}
			return item, nil
		}
		c.owner.created.Add(-1) // lost the race to grow; fall through to blocking Recv
	}
	return c.Recv()
}

// Release returns v to the pool, applying onReset first; it never blocks.
// If the pool cannot accept it back (closed, or its buffer momentarily
// full), onDestroy runs instead and the live-item count drops. A full
// buffer is not reported to the caller; a closed pool returns EPIPE.
func (c *Channel[T]) Release(v T) error {
	if c.owner == nil {
		return wrapErr("release", EINVAL)
	}
	if c.owner.onReset != nil {
		v = c.owner.onReset(v)
	}
	if err := c.TrySend(v); err != nil {
		if c.owner.onDestroy != nil {
			c.owner.onDestroy(v)
		}
		c.owner.created.Add(-1)
		if AsCode(err) == EAGAIN {
			return nil // destroyed in place; not a caller-visible failure
		}
		return err
	}
	return nil
}

// ItemsCreated reports the current number of live (created, not yet
// destroyed) items this pool has handed out.
func (c *Channel[T]) ItemsCreated() int {
	if c.owner == nil {
		return 0
	}
	return int(c.owner.created.Load())
}
