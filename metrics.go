package fiberchan

import "sync/atomic"

// ChannelStats is a point-in-time snapshot of a Channel's debug counters.
// They are always updated (the atomics are cheap) and only surfaced when a
// caller asks; no environment variable gates them.
type ChannelStats struct {
	Sends        int64
	Recvs        int64
	FastPathHits int64
	SlowPathHits int64
	Closes       int64
}

type channelCounters struct {
	sends        atomic.Int64
	recvs        atomic.Int64
	fastPathHits atomic.Int64
	slowPathHits atomic.Int64
	closes       atomic.Int64
}

func (c *channelCounters) snapshot() ChannelStats {
	return ChannelStats{
		Sends:        c.sends.Load(),
		Recvs:        c.recvs.Load(),
		FastPathHits: c.fastPathHits.Load(),
		SlowPathHits: c.slowPathHits.Load(),
		Closes:       c.closes.Load(),
	}
}

// SchedulerStats is a point-in-time snapshot of scheduler-wide counters,
// always available and not gated by an environment variable.
type SchedulerStats struct {
	Spawned        int64
	Completed      int64
	Stolen         int64
	Replacements   int64
	CurrentWorkers int32
	Pending        int32
	Sleeping       int32
	Spinning       int32
	Active         int32
	BlockedThreads int32
}

type schedulerCounters struct {
	spawned      atomic.Int64
	completed    atomic.Int64
	stolen       atomic.Int64
	replacements atomic.Int64
}
