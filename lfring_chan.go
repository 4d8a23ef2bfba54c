package fiberchan

import (
	"github.com/concore/fiberchan/internal/lfring"
)

// lfRing is the channel layer's thin wrapper around internal/lfring.Ring,
// reporting its ecosystem ErrWouldBlock sentinel as a false ok result; the
// send/recv paths turn that into this package's EAGAIN Code where the
// caller sees it (spec.md §10.2 / DESIGN.md "Libraries" note).
type lfRing[T any] struct {
	r *lfring.Ring[T]
}

func newLFRing[T any](capacity int) *lfRing[T] {
	return &lfRing[T]{r: lfring.New[T](capacity)}
}

func (l *lfRing[T]) tryEnqueue(v T) bool {
	return l.r.Enqueue(v) == nil
}

func (l *lfRing[T]) tryDequeue() (T, bool) {
	v, err := l.r.Dequeue()
	return v, err == nil
}

func (l *lfRing[T]) beginEnqueue() { l.r.BeginEnqueue() }
func (l *lfRing[T]) endEnqueue()   { l.r.EndEnqueue() }
func (l *lfRing[T]) inflight() int64 { return l.r.Inflight() }
func (l *lfRing[T]) drain()        { l.r.Drain() }
