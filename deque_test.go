package fiberchan

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkDequePushPopLIFO(t *testing.T) {
	d := newWorkDeque()
	a, b, c := &Fiber{id: 1}, &Fiber{id: 2}, &Fiber{id: 3}
	d.pushBottom(a)
	d.pushBottom(b)
	d.pushBottom(c)

	assert.Same(t, c, d.popBottom())
	assert.Same(t, b, d.popBottom())
	assert.Same(t, a, d.popBottom())
	assert.Nil(t, d.popBottom())
}

func TestWorkDequeStealIsFIFOAmongThieves(t *testing.T) {
	d := newWorkDeque()
	a, b, c := &Fiber{id: 1}, &Fiber{id: 2}, &Fiber{id: 3}
	d.pushBottom(a)
	d.pushBottom(b)
	d.pushBottom(c)

	assert.Same(t, a, d.steal())
	assert.Same(t, b, d.steal())
	assert.Same(t, c, d.popBottom())
	assert.Nil(t, d.steal())
}

func TestWorkDequeGrowsPastInitialCapacity(t *testing.T) {
	d := newWorkDeque()
	const n = 100
	fibers := make([]*Fiber, n)
	for i := 0; i < n; i++ {
		fibers[i] = &Fiber{id: uint64(i)}
		d.pushBottom(fibers[i])
	}
	assert.Equal(t, int64(n), d.len())
	for i := n - 1; i >= 0; i-- {
		f := d.popBottom()
		if f == nil {
			t.Fatalf("unexpected nil pop at index %d", i)
		}
		assert.Equal(t, fibers[i].id, f.id)
	}
}

// TestWorkDequeConcurrentStealVsPopNeverDuplicates is the concurrency
// property the whole Chase-Lev construction exists for: every pushed fiber
// is handed to exactly one of the owner's popBottom or a thief's steal,
// never both and never zero.
func TestWorkDequeConcurrentStealVsPopNeverDuplicates(t *testing.T) {
	d := newWorkDeque()
	const n = 5000
	fibers := make([]*Fiber, n)
	for i := 0; i < n; i++ {
		fibers[i] = &Fiber{id: uint64(i)}
		d.pushBottom(fibers[i])
	}

	var collected sync.Map
	var total atomic.Int64

	var wg sync.WaitGroup
	const thieves = 8
	wg.Add(thieves)
	for i := 0; i < thieves; i++ {
		go func() {
			defer wg.Done()
			for {
				f := d.steal()
				if f == nil {
					if d.len() <= 0 {
						return
					}
					continue
				}
				collected.Store(f.id, true)
				total.Add(1)
			}
		}()
	}

	for {
		f := d.popBottom()
		if f == nil {
			break
		}
		collected.Store(f.id, true)
		total.Add(1)
	}
	wg.Wait()

	assert.Equal(t, int64(n), total.Load())
	count := 0
	collected.Range(func(_, _ any) bool { count++; return true })
	assert.Equal(t, n, count)
}
