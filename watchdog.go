package fiberchan

import (
	"os"
	"time"
)

const (
	watchdogInterval      = 20 * time.Millisecond
	watchdogStallRounds   = 5  // consecutive stalled rounds before growing
	watchdogGrowthFactor  = 2  // geometric growth per decision
	watchdogMaxMultiplier = 4  // capped at 4x the base worker count
)

// watchdog is the scheduler's heartbeat monitor: it periodically samples
// Scheduler.Stats and, when the completed-fiber counter stops advancing
// while work is still pending and no worker is idle, concludes every
// worker is stuck hosting a long-parked fiber (the run-to-completion
// scheduling model's known failure mode, per fiber.go's doc comment) and
// grows the worker pool. If growth already hit its cap and the stall
// persists, it escalates to the deadlock handler.
//
// This is a coarser signal than tracking exactly which worker is blocked
// inside a channel park (spec.md's "sleeping + blocked vs total" wording
// suggests per-worker attribution); attributing blocking precisely would
// need every worker goroutine to be identifiable from inside channel.go's
// park path, which the current parker design does not thread through.
// "No idle worker and no completed-count progress" is an observable proxy
// for the same condition: a pool with an idle worker is, by definition,
// not deadlocked, since that worker would pick up pending work.
type watchdog struct {
	sched       *Scheduler
	baseWorkers int
	stopCh      chan struct{}

	lastCompleted int64
	stallRounds   int
	growthSteps   int
}

func newWatchdog(s *Scheduler) *watchdog {
	return &watchdog{sched: s, baseWorkers: len(s.workers), stopCh: make(chan struct{})}
}

func (w *watchdog) stop() { close(w.stopCh) }

func (w *watchdog) run() {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *watchdog) tick() {
	st := w.sched.Stats()
	stalled := st.Completed == w.lastCompleted && st.Pending > 0 && st.Sleeping == 0 && st.Spinning == 0
	w.lastCompleted = st.Completed

	if !stalled {
		w.stallRounds = 0
		return
	}
	w.stallRounds++
	if w.stallRounds < watchdogStallRounds {
		return
	}
	w.stallRounds = 0

	capLimit := w.baseWorkers * watchdogMaxMultiplier
	if int(st.CurrentWorkers) >= capLimit {
		w.declareDeadlock(st)
		return
	}
	grow := w.baseWorkers
	if w.growthSteps > 0 {
		grow = w.baseWorkers * watchdogGrowthFactor * w.growthSteps
	}
	if int(st.CurrentWorkers)+grow > capLimit {
		grow = capLimit - int(st.CurrentWorkers)
	}
	if grow < 1 {
		grow = 1
	}
	w.growthSteps++
	Log().Debug().Str("op", "watchdog.grow").Int("added", grow).Log("growing worker pool to relieve stall")
	w.sched.growWorkers(grow)
	w.sched.wake.signal()
}

func (w *watchdog) declareDeadlock(st SchedulerStats) {
	diagnostic := "fiberchan: deadlock detected: " + w.sched.Snapshot()
	Log().Err().Str("op", "watchdog.deadlock").Log(diagnostic)
	if w.sched.cfg.onDeadlock != nil {
		w.sched.cfg.onDeadlock(diagnostic)
	}
	if w.sched.cfg.deadlockAbort {
		os.Exit(124)
	}
}
