package fiberchan

import (
	"os"
	"strconv"
)

// envConfig holds the defaults read once from the environment variables
// listed in spec.md §6. Per-call-site functional options (SchedulerOption,
// ChannelOption) override these defaults; the env vars exist so a whole
// process can be tuned without touching call sites, matching how the
// teacher's eventloop reads CC_*-style knobs at package scope while still
// exposing LoopOption overrides per instance.
type envConfig struct {
	chanDebug          bool
	chanDebugVerbose   bool
	channelTiming      bool
	noLockfree         bool
	minimalFastPath    bool
	steadyEdgeWake     bool
	wakeDefer          bool
	wakeGuard          bool
	nurseryGuard       bool
	workers            int
	spinFastIters      int
	spinYieldIters     int
	fiberStats         bool
	spawnTiming        bool
	deadlockAbort      bool
}

var defaultEnv = loadEnvConfig()

func loadEnvConfig() envConfig {
	return envConfig{
		chanDebug:        envBool("CC_CHAN_DEBUG", false),
		chanDebugVerbose: envBool("CC_CHAN_DEBUG_VERBOSE", false),
		channelTiming:    envBool("CC_CHANNEL_TIMING", false),
		noLockfree:       envBool("CC_CHAN_NO_LOCKFREE", false),
		minimalFastPath:  envBool("CC_CHAN_MINIMAL_FAST_PATH", true),
		steadyEdgeWake:   envBool("CC_CHAN_STEADY_EDGE_WAKE", false),
		wakeDefer:        envBool("CC_CHAN_WAKE_DEFER", true),
		wakeGuard:        envBool("CC_CHAN_WAKE_GUARD", true),
		nurseryGuard:     envBool("CC_NURSERY_CLOSING_RUNTIME_GUARD", false),
		workers:          envInt("CC_WORKERS", 0),
		spinFastIters:    envInt("CC_SPIN_FAST_ITERS", 256),
		spinYieldIters:   envInt("CC_SPIN_YIELD_ITERS", 16),
		fiberStats:       envBool("CC_FIBER_STATS", false),
		spawnTiming:      envBool("CC_SPAWN_TIMING", false),
		deadlockAbort:    envBool("CC_DEADLOCK_ABORT", true),
	}
}

func envBool(name string, def bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(name string, def int) int {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// --- Channel options ---

// Mode selects a channel's backpressure behavior when full.
type Mode int

const (
	// ModeBlock parks senders when the channel is full (the default).
	ModeBlock Mode = iota
	// ModeDropNew rejects (EAGAIN) new sends when the channel is full.
	ModeDropNew
	// ModeDropOld discards the oldest buffered item to admit a new send.
	ModeDropOld
)

type channelConfig struct {
	capacity   int
	mode       Mode
	noLockfree bool
}

// ChannelOption configures a Channel at construction.
type ChannelOption interface {
	applyChannel(*channelConfig)
}

type channelOptionFunc func(*channelConfig)

func (f channelOptionFunc) applyChannel(c *channelConfig) { f(c) }

// WithMode sets the channel's backpressure mode. Default ModeBlock.
func WithMode(m Mode) ChannelOption {
	return channelOptionFunc(func(c *channelConfig) { c.mode = m })
}

// WithNoLockfree forces the mutex-guarded ring even when the element would
// otherwise qualify for the lock-free fast path. Equivalent to setting
// CC_CHAN_NO_LOCKFREE for one specific channel.
func WithNoLockfree(disable bool) ChannelOption {
	return channelOptionFunc(func(c *channelConfig) { c.noLockfree = disable })
}

func resolveChannelOptions(capacity int, opts []ChannelOption) *channelConfig {
	cfg := &channelConfig{
		capacity:   capacity,
		mode:       ModeBlock,
		noLockfree: defaultEnv.noLockfree,
	}
	for _, o := range opts {
		if o == nil {
			continue
		}
		o.applyChannel(cfg)
	}
	return cfg
}

// --- Scheduler options ---

type schedulerConfig struct {
	numWorkers     int
	spinFastIters  int
	spinYieldIters int
	deadlockAbort  bool
	onDeadlock     func(diagnostic string)
}

// SchedulerOption configures a Scheduler at construction.
type SchedulerOption interface {
	applyScheduler(*schedulerConfig)
}

type schedulerOptionFunc func(*schedulerConfig)

func (f schedulerOptionFunc) applyScheduler(c *schedulerConfig) { f(c) }

// WithNumWorkers overrides the base worker count (default: GOMAXPROCS, or
// CC_WORKERS if set).
func WithNumWorkers(n int) SchedulerOption {
	return schedulerOptionFunc(func(c *schedulerConfig) { c.numWorkers = n })
}

// WithDeadlockAbort controls whether the deadlock detector calls os.Exit(124)
// (true, the default) or only emits a diagnostic via the logger (false).
func WithDeadlockAbort(abort bool) SchedulerOption {
	return schedulerOptionFunc(func(c *schedulerConfig) { c.deadlockAbort = abort })
}

// WithDeadlockHandler installs a callback invoked with a diagnostic string
// whenever the deadlock detector fires, regardless of WithDeadlockAbort.
func WithDeadlockHandler(fn func(diagnostic string)) SchedulerOption {
	return schedulerOptionFunc(func(c *schedulerConfig) { c.onDeadlock = fn })
}

func resolveSchedulerOptions(opts []SchedulerOption) *schedulerConfig {
	cfg := &schedulerConfig{
		numWorkers:     defaultEnv.workers,
		spinFastIters:  defaultEnv.spinFastIters,
		spinYieldIters: defaultEnv.spinYieldIters,
		deadlockAbort:  defaultEnv.deadlockAbort,
	}
	for _, o := range opts {
		if o == nil {
			continue
		}
		o.applyScheduler(cfg)
	}
	return cfg
}
