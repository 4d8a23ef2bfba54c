package fiberchan

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pooledConn struct {
	id     int
	resets int
}

func TestOwnedAcquireCreatesUpToMax(t *testing.T) {
	var nextID int
	var mu sync.Mutex
	create := func() (*pooledConn, error) {
		mu.Lock()
		nextID++
		id := nextID
		mu.Unlock()
		return &pooledConn{id: id}, nil
	}

	ch, err := NewOwned[*pooledConn](2, 2, create, nil, nil)
	require.NoError(t, err)

	c1, err := ch.Acquire()
	require.NoError(t, err)
	c2, err := ch.Acquire()
	require.NoError(t, err)
	assert.NotEqual(t, c1.id, c2.id)
	assert.Equal(t, 2, ch.ItemsCreated())
}

func TestOwnedReleaseReusesItem(t *testing.T) {
	create := func() (*pooledConn, error) { return &pooledConn{id: 1}, nil }
	resetCalled := false
	reset := func(c *pooledConn) *pooledConn {
		resetCalled = true
		c.resets++
		return c
	}

	ch, err := NewOwned[*pooledConn](1, 1, create, nil, reset)
	require.NoError(t, err)

	c, err := ch.Acquire()
	require.NoError(t, err)
	require.NoError(t, ch.Release(c))
	assert.True(t, resetCalled)

	c2, err := ch.Acquire()
	require.NoError(t, err)
	assert.Equal(t, c.id, c2.id)
	assert.Equal(t, 1, c2.resets)
	assert.Equal(t, 1, ch.ItemsCreated())
}

func TestOwnedReleaseDestroysOnClosedPool(t *testing.T) {
	create := func() (*pooledConn, error) { return &pooledConn{id: 1}, nil }
	var destroyed *pooledConn
	destroy := func(c *pooledConn) { destroyed = c }

	ch, err := NewOwned[*pooledConn](1, 1, create, destroy, nil)
	require.NoError(t, err)

	c, err := ch.Acquire()
	require.NoError(t, err)
	require.NoError(t, ch.Close())

	err = ch.Release(c)
	require.ErrorIs(t, err, ErrClosed)
	assert.Same(t, c, destroyed)
	assert.Equal(t, 0, ch.ItemsCreated())
}

func TestOwnedAcquireBlocksUntilRelease(t *testing.T) {
	create := func() (*pooledConn, error) { return &pooledConn{id: 1}, nil }
	ch, err := NewOwned[*pooledConn](1, 1, create, nil, nil)
	require.NoError(t, err)

	c, err := ch.Acquire()
	require.NoError(t, err)

	done := make(chan *pooledConn, 1)
	go func() {
		v, err := ch.Acquire()
		require.NoError(t, err)
		done <- v
	}()

	require.NoError(t, ch.Release(c))
	got := <-done
	assert.Equal(t, c.id, got.id)
}
