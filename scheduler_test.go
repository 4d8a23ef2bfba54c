package fiberchan

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerSpawnJoin(t *testing.T) {
	sched := NewScheduler(WithNumWorkers(4))
	defer sched.Stop()

	var ran atomic.Bool
	f := sched.Spawn(func() { ran.Store(true) })
	f.Join()

	assert.True(t, ran.Load())
	assert.Equal(t, FiberDone, f.State())
}

func TestSchedulerJoinIsIdempotentAndConcurrentSafe(t *testing.T) {
	sched := NewScheduler(WithNumWorkers(2))
	defer sched.Stop()

	var count atomic.Int32
	f := sched.Spawn(func() { count.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.Join()
		}()
	}
	wg.Wait()
	f.Join()

	assert.Equal(t, int32(1), count.Load())
}

func TestSchedulerManyFibersAllComplete(t *testing.T) {
	sched := NewScheduler(WithNumWorkers(4))
	defer sched.Stop()

	const n = 500
	var count atomic.Int32
	fibers := make([]*Fiber, n)
	for i := 0; i < n; i++ {
		fibers[i] = sched.Spawn(func() { count.Add(1) })
	}
	for _, f := range fibers {
		f.Join()
	}
	assert.Equal(t, int32(n), count.Load())

	st := sched.Stats()
	assert.Equal(t, int64(n), st.Spawned)
	assert.Equal(t, int64(n), st.Completed)
}

func TestSchedulerWorkStealingUnderSkewedLoad(t *testing.T) {
	sched := NewScheduler(WithNumWorkers(8))
	defer sched.Stop()

	// Spawning places each fiber on a randomly chosen worker's inbox (not
	// round-robin), so backlogs are uneven and workers that finish their
	// own queue early steal from busier peers.
	const n = 200
	var count atomic.Int32
	fibers := make([]*Fiber, n)
	for i := 0; i < n; i++ {
		fibers[i] = sched.Spawn(func() {
			for j := 0; j < 1000; j++ {
				_ = j * j
			}
			count.Add(1)
		})
	}
	for _, f := range fibers {
		f.Join()
	}
	assert.Equal(t, int32(n), count.Load())
}

func TestSchedulerPanicInFiberDoesNotCrashWorker(t *testing.T) {
	sched := NewScheduler(WithNumWorkers(2))
	defer sched.Stop()

	f := sched.Spawn(func() { panic("boom") })
	f.Join()
	assert.Equal(t, FiberDone, f.State())

	var ran atomic.Bool
	f2 := sched.Spawn(func() { ran.Store(true) })
	f2.Join()
	assert.True(t, ran.Load())
}

func TestSchedulerStatsAndSnapshot(t *testing.T) {
	sched := NewScheduler(WithNumWorkers(2))
	defer sched.Stop()

	sched.Spawn(func() {}).Join()
	st := sched.Stats()
	assert.GreaterOrEqual(t, st.CurrentWorkers, int32(2))
	assert.NotEmpty(t, sched.Snapshot())
}

func TestSchedulerFiberRendezvousAcrossWorkers(t *testing.T) {
	sched := NewScheduler(WithNumWorkers(4))
	defer sched.Stop()

	ch, err := New[int](0)
	require.NoError(t, err)

	var got int32
	recv := sched.Spawn(func() {
		v, err := ch.Recv()
		require.NoError(t, err)
		atomic.StoreInt32(&got, int32(v))
	})
	send := sched.Spawn(func() {
		require.NoError(t, ch.Send(99))
	})
	send.Join()
	recv.Join()
	assert.Equal(t, int32(99), atomic.LoadInt32(&got))
}

func TestSchedulerDeadlockHandlerFiresOnStall(t *testing.T) {
	var fired atomic.Bool
	sched := NewScheduler(WithNumWorkers(1), WithDeadlockAbort(false), WithDeadlockHandler(func(string) {
		fired.Store(true)
	}))
	defer sched.Stop()

	// Every fiber blocks forever on its own empty rendezvous recv with no
	// possible sender. Spawning more of them than the watchdog can ever
	// grow into (baseWorkers * watchdogMaxMultiplier workers) guarantees
	// some stay queued even once growth caps out, so Pending stays > 0
	// and Completed never advances — reaching the watchdog's
	// declareDeadlock path rather than stopping at its grow-and-recover
	// path.
	const blockers = 4*watchdogMaxMultiplier + 2
	chans := make([]*Channel[int], 0, blockers)
	for i := 0; i < blockers; i++ {
		ch, err := New[int](0)
		require.NoError(t, err)
		chans = append(chans, ch)
		sched.Spawn(func() { _, _ = ch.Recv() })
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if fired.Load() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	assert.True(t, fired.Load(), "expected deadlock handler to fire once growth capped out with blocked fibers still queued")

	// Unblock every fiber so the deferred Stop can wait for its workers.
	for _, ch := range chans {
		_ = ch.Close()
	}
}
