//go:build linux

package fiberchan

import (
	"time"

	"golang.org/x/sys/unix"
)

// wakeFD is the scheduler's idle-sleep primitive on Linux: an eventfd that
// idle workers poll against once the spin-then-yield stages of the idle
// policy (scheduler.go) have found no work, and that Spawn/the watchdog
// write to so a newly-submitted fiber or a growth decision interrupts the
// sleep immediately instead of waiting out a poll timeout. Grounded on
// eventloop's own wakeup_linux.go eventfd registration
// (createWakeFd/drainWakeUpPipe).
type wakeFD struct{ fd int }

func newWakeFD() *wakeFD {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return &wakeFD{fd: -1}
	}
	return &wakeFD{fd: fd}
}

// signal wakes every worker currently blocked in waitAndDrain.
func (w *wakeFD) signal() {
	if w.fd < 0 {
		return
	}
	var buf [8]byte
	buf[7] = 1
	_, _ = unix.Write(w.fd, buf[:])
}

// waitAndDrain blocks for at most timeout or until signal is called, then
// drains the eventfd so the next call blocks again.
func (w *wakeFD) waitAndDrain(timeout time.Duration) {
	if w.fd < 0 {
		time.Sleep(timeout)
		return
	}
	fds := []unix.PollFd{{Fd: int32(w.fd), Events: unix.POLLIN}}
	ms := int(timeout / time.Millisecond)
	if ms <= 0 {
		ms = 1
	}
	_, _ = unix.Poll(fds, ms)
	var buf [8]byte
	for {
		if _, err := unix.Read(w.fd, buf[:]); err != nil {
			break
		}
	}
}

func (w *wakeFD) close() {
	if w.fd >= 0 {
		_ = unix.Close(w.fd)
	}
}
