package fiberchan

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectImmediateRecvReady(t *testing.T) {
	a, err := New[int](1)
	require.NoError(t, err)
	b, err := New[int](1)
	require.NoError(t, err)
	require.NoError(t, b.Send(42))

	var va, vb int
	idx, err := Select(RecvCase(a, &va), RecvCase(b, &vb))
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.Equal(t, 42, vb)
}

func TestSelectBlocksThenWinsOnSend(t *testing.T) {
	a, err := New[int](0)
	require.NoError(t, err)
	b, err := New[int](0)
	require.NoError(t, err)

	done := make(chan int, 1)
	go func() {
		var va, vb int
		idx, err := Select(RecvCase(a, &va), RecvCase(b, &vb))
		if err != nil {
			done <- -1
			return
		}
		if idx == 0 {
			done <- va
		} else {
			done <- vb
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Send(7))
	assert.Equal(t, 7, <-done)
}

func TestSelectOnlyOneWinnerAcrossConcurrentSelectors(t *testing.T) {
	ch, err := New[int](0)
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	results := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var v int
			_, err := Select(RecvCase(ch, &v))
			if err == nil {
				results <- v
			}
		}()
	}

	for i := 0; i < n; i++ {
		require.NoError(t, ch.Send(i))
	}
	wg.Wait()
	close(results)

	seen := map[int]bool{}
	for v := range results {
		assert.False(t, seen[v], "value %d delivered more than once", v)
		seen[v] = true
	}
	assert.Len(t, seen, n)
}

func TestTrySelectEAGAINWhenNothingReady(t *testing.T) {
	a, err := New[int](1)
	require.NoError(t, err)
	b, err := New[int](1)
	require.NoError(t, err)

	var va, vb int
	_, err = TrySelect(RecvCase(a, &va), RecvCase(b, &vb))
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestSelectSendCase(t *testing.T) {
	ch, err := New[int](1)
	require.NoError(t, err)

	idx, err := Select(SendCase(ch, 9))
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	v, err := ch.Recv()
	require.NoError(t, err)
	assert.Equal(t, 9, v)
}

func TestSelectTimeout(t *testing.T) {
	a, err := New[int](1)
	require.NoError(t, err)
	var va int
	_, err = SelectTimeout(15*time.Millisecond, RecvCase(a, &va))
	assert.ErrorIs(t, err, ErrTimeout)
}
