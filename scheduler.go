package fiberchan

import (
	"math/rand/v2"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/concore/fiberchan/internal/lfring"
)

const (
	idleSpinIters     = 64
	idleSleepInterval = 2 * time.Millisecond

	// workerInboxCapacity bounds each worker's MPMC submission inbox
	// (spec.md §4.4). A bounded lfring.Ring is reused here the same way
	// the channel layer uses it for fastSend/fastRecv: Spawn falls back
	// to the global queue if a worker's inbox happens to be full rather
	// than blocking the submitting goroutine.
	workerInboxCapacity = 256
)

// boolFlag is a thin atomic.Bool wrapper using lowercase load/store so it
// reads consistently alongside this file's other lowercase helper methods.
type boolFlag struct{ v atomic.Bool }

func (b *boolFlag) load() bool     { return b.v.Load() }
func (b *boolFlag) store(v bool)   { b.v.Store(v) }

type worker struct {
	id    int
	local *workDeque

	// inbox is this worker's MPMC submission queue (spec.md §4.4): any
	// goroutine may enqueue a freshly spawned fiber here, but only this
	// worker's own loop (or a thief, when the owner is permanently stuck
	// hosting a parked fiber) ever dequeues from it. Unlike local, which
	// is a Chase-Lev deque whose pushBottom is owner-only (deque.go:46),
	// this is genuinely safe for concurrent producers.
	inbox *lfring.Ring[*Fiber]

	sched    *Scheduler
	sleeping boolFlag
	spinning boolFlag
}

func newWorker(id int, sched *Scheduler) *worker {
	return &worker{id: id, local: newWorkDeque(), inbox: lfring.New[*Fiber](workerInboxCapacity), sched: sched}
}

func (w *worker) loop() {
	for {
		if w.sched.stopping.load() {
			return
		}
		f := w.local.popBottom()
		if f == nil {
			f = w.popInbox()
		}
		if f == nil {
			f = w.sched.popGlobal()
		}
		if f == nil {
			f = w.sched.stealFrom(w)
		}
		if f == nil {
			w.idle()
			continue
		}
		w.spinning.store(false)
		f.run()
		w.sched.counters.completed.Add(1)
	}
}

func (w *worker) popInbox() *Fiber {
	f, err := w.inbox.Dequeue()
	if err != nil {
		return nil
	}
	return f
}

// idle runs the spin -> yield -> sleep progression spec.md's idle policy
// describes: a short busy spin hoping for imminently-submitted work, then
// cooperative yielding, then a real OS-level sleep on wakeFD until
// signalled or the interval elapses.
func (w *worker) idle() {
	w.spinning.store(true)
	for i := 0; i < idleSpinIters; i++ {
		if w.local.len() > 0 || w.inbox.Len() > 0 || w.sched.globalLen() > 0 {
			w.spinning.store(false)
			return
		}
	}
	for i := 0; i < w.sched.cfg.spinYieldIters; i++ {
		runtime.Gosched()
		if w.local.len() > 0 || w.inbox.Len() > 0 || w.sched.globalLen() > 0 {
			w.spinning.store(false)
			return
		}
	}
	w.spinning.store(false)
	w.sleeping.store(true)
	w.sched.wake.waitAndDrain(idleSleepInterval)
	w.sleeping.store(false)
}

// Scheduler is an M:N work-stealing fiber scheduler: each worker goroutine
// owns a local Chase-Lev deque (deque.go) for self-resubmitted work plus
// an MPMC inbox (internal/lfring) that external Spawn calls target,
// spills overflow to a shared global queue, and steals from randomly
// chosen peers' deques and inboxes when its own queues are all empty. A
// background watchdog (watchdog.go) monitors for stalled progress and
// grows the worker pool, or reports a structural deadlock.
type Scheduler struct {
	cfg       *schedulerConfig
	workersMu sync.RWMutex
	workers   []*worker

	globalMu sync.Mutex
	globalQ  []*Fiber

	wake *wakeFD

	counters schedulerCounters
	stopping boolFlag
	wg       sync.WaitGroup

	watchdog *watchdog
}

// NewScheduler starts a scheduler with cfg.numWorkers workers (GOMAXPROCS
// if unset) and its watchdog goroutine.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	cfg := resolveSchedulerOptions(opts)
	n := cfg.numWorkers
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	if n < 1 {
		n = 1
	}
	s := &Scheduler{cfg: cfg, wake: newWakeFD()}
	workers := make([]*worker, n)
	for i := range workers {
		workers[i] = newWorker(i, s)
	}
	s.workers = workers
	s.watchdog = newWatchdog(s)
	for _, w := range workers {
		s.wg.Add(1)
		go func(w *worker) {
			defer s.wg.Done()
			w.loop()
		}(w)
	}
	go s.watchdog.run()
	return s
}

// snapshotWorkers returns the current worker slice under workersMu. The
// slice itself is never mutated in place (growWorkers replaces it with a
// new, longer slice), so callers may range over the returned value without
// holding the lock.
func (s *Scheduler) snapshotWorkers() []*worker {
	s.workersMu.RLock()
	defer s.workersMu.RUnlock()
	return s.workers
}

// Prewarm is a no-op placeholder retained for API parity with pool-style
// schedulers that eagerly warm a fixed worker count; this scheduler's
// workers are already all running once NewScheduler returns, so Prewarm
// only waits briefly to give them a chance to reach their idle state.
func (s *Scheduler) Prewarm(n int) {
	_ = n
	runtime.Gosched()
}

// Spawn submits fn as a new Fiber, placed on a randomly-chosen worker's
// MPMC inbox (or the global queue, if no workers exist yet or the chosen
// inbox is full), and wakes a sleeping worker so it is picked up promptly.
//
// Spawn is called by arbitrary goroutines, never only by the worker that
// owns the target queue, so it must never reach into a worker's local
// Chase-Lev deque directly: pushBottom is documented owner-only
// (deque.go:46) because the deque's bottom index has no synchronization
// against concurrent pushers. The inbox exists precisely to give
// non-owner submitters a safe multi-producer entry point; the owning
// worker's loop drains its own inbox once its local deque runs dry.
func (s *Scheduler) Spawn(fn func()) *Fiber {
	f := newFiber(s, fn)
	f.state.Store(int32(FiberReady))
	s.counters.spawned.Add(1)
	workers := s.snapshotWorkers()
	if len(workers) == 0 {
		s.pushGlobal(f)
	} else {
		w := workers[rand.IntN(len(workers))]
		if err := w.inbox.Enqueue(f); err != nil {
			// Inbox full: spill to the global queue rather than block
			// the submitter or retry indefinitely.
			s.pushGlobal(f)
		}
	}
	s.wake.signal()
	return f
}

func (s *Scheduler) pushGlobal(f *Fiber) {
	s.globalMu.Lock()
	s.globalQ = append(s.globalQ, f)
	s.globalMu.Unlock()
}

func (s *Scheduler) popGlobal() *Fiber {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()
	if len(s.globalQ) == 0 {
		return nil
	}
	f := s.globalQ[0]
	s.globalQ = s.globalQ[1:]
	return f
}

func (s *Scheduler) globalLen() int {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()
	return len(s.globalQ)
}

// stealFrom picks a random victim order (spec.md's randomized stealing,
// avoiding the thundering-herd convoy a fixed scan order invites) and
// tries each once, checking both the victim's local deque and its inbox.
// Stealing from another worker's inbox is safe precisely because it is
// the same MPMC ring regardless of which goroutine dequeues from it,
// unlike local, whose steal() side already assumes a non-owner caller.
// This lets newly grown workers relieve a backlog that built up in a
// permanently-stuck worker's inbox, not just its local deque.
func (s *Scheduler) stealFrom(thief *worker) *Fiber {
	workers := s.snapshotWorkers()
	n := len(workers)
	if n <= 1 {
		return nil
	}
	start := rand.IntN(n)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		victim := workers[idx]
		if victim == thief {
			continue
		}
		if f := victim.local.steal(); f != nil {
			s.counters.stolen.Add(1)
			return f
		}
		if f := victim.popInbox(); f != nil {
			s.counters.stolen.Add(1)
			return f
		}
	}
	return nil
}

// Stats returns a snapshot of scheduler-wide counters.
func (s *Scheduler) Stats() SchedulerStats {
	workers := s.snapshotWorkers()
	var sleeping, spinning int32
	var queued int32
	for _, w := range workers {
		if w.sleeping.load() {
			sleeping++
		}
		if w.spinning.load() {
			spinning++
		}
		// Pending folds in every queue a fiber can sit in unstarted: the
		// owner's local deque, its inbox, and the shared global overflow
		// queue. Spawn almost never touches the global queue directly
		// (it is the inbox/spill fallback only), so counting just
		// globalLen() here left Pending near-permanently 0 and the
		// watchdog's stall heuristic (watchdog.go's st.Pending > 0 term)
		// effectively unreachable under the common spawn path.
		queued += int32(w.local.len()) + int32(w.inbox.Len())
	}
	queued += int32(s.globalLen())
	return SchedulerStats{
		Spawned:        s.counters.spawned.Load(),
		Completed:      s.counters.completed.Load(),
		Stolen:         s.counters.stolen.Load(),
		Replacements:   s.counters.replacements.Load(),
		CurrentWorkers: int32(len(workers)),
		Pending:        queued,
		Sleeping:       sleeping,
		Spinning:       spinning,
		Active:         int32(len(workers)) - sleeping - spinning,
	}
}

// Snapshot renders a short human-readable debug dump of scheduler state,
// used by tests and the deadlock diagnostic path.
func (s *Scheduler) Snapshot() string {
	st := s.Stats()
	return "workers=" + strconv.Itoa(int(st.CurrentWorkers)) +
		" sleeping=" + strconv.Itoa(int(st.Sleeping)) +
		" spinning=" + strconv.Itoa(int(st.Spinning)) +
		" pending=" + strconv.Itoa(int(st.Pending)) +
		" spawned=" + strconv.Itoa(int(st.Spawned)) +
		" completed=" + strconv.Itoa(int(st.Completed))
}

// growWorkers adds n additional worker goroutines, used by the watchdog to
// compensate for workers stuck hosting a long-parked fiber (spec.md's
// Design Notes on the run-to-completion scheduling simplification: a
// parked fiber blocks its host worker goroutine, so relief comes from
// spawning more hosts rather than migrating the parked fiber elsewhere).
func (s *Scheduler) growWorkers(n int) {
	s.workersMu.Lock()
	base := len(s.workers)
	grown := make([]*worker, len(s.workers), len(s.workers)+n)
	copy(grown, s.workers)
	newWorkers := make([]*worker, 0, n)
	for i := 0; i < n; i++ {
		w := newWorker(base+i, s)
		grown = append(grown, w)
		newWorkers = append(newWorkers, w)
	}
	s.workers = grown
	s.workersMu.Unlock()

	for _, w := range newWorkers {
		s.counters.replacements.Add(1)
		s.wg.Add(1)
		go func(w *worker) {
			defer s.wg.Done()
			w.loop()
		}(w)
	}
}

// Stop signals every worker to exit before it picks up its next fiber
// (queued fibers that have not started are not run) and waits for them to
// return; a worker hosting a fiber that never finishes is waited for
// indefinitely.
func (s *Scheduler) Stop() {
	s.stopping.store(true)
	s.watchdog.stop()
	s.wake.signal()
	s.wg.Wait()
	s.wake.close()
}
