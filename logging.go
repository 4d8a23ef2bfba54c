// logging.go - structured logging for the fiberchan runtime.
//
// Design decision: a package-level logger variable is appropriate here
// because logging is a cross-cutting infrastructure concern shared by every
// Channel and Scheduler instance in a process — per-instance logger
// plumbing would bloat every constructor's signature for no real benefit.
// This mirrors eventloop/logging.go's own package-level
// SetStructuredLogger design, but plugs in a real logiface.Logger instead
// of a bespoke interface, since logiface is already a dependency the
// teacher pulls in.
package fiberchan

import (
	"sync/atomic"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

var globalLogger atomic.Pointer[logiface.Logger[*stumpy.Event]]

func init() {
	l := logiface.New[*stumpy.Event](
		logiface.WithLevel[*stumpy.Event](logiface.LevelDisabled),
		stumpy.WithStumpy(),
	)
	globalLogger.Store(l)
}

// SetLogger installs the process-wide logger used by the scheduler
// watchdog, deadlock detector, fiber panic recovery, and channel close
// diagnostics. Pass
// nil to restore the no-op default (LevelDisabled).
func SetLogger(l *logiface.Logger[*stumpy.Event]) {
	if l == nil {
		l = logiface.New[*stumpy.Event](
			logiface.WithLevel[*stumpy.Event](logiface.LevelDisabled),
			stumpy.WithStumpy(),
		)
	}
	globalLogger.Store(l)
}

// Log returns the current process-wide logger.
func Log() *logiface.Logger[*stumpy.Event] {
	return globalLogger.Load()
}
