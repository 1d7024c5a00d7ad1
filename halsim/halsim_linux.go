//go:build linux

package halsim

import (
	"encoding/binary"
	"fmt"

	sched "github.com/kernellab/mlfqsched"
	"golang.org/x/sys/unix"
)

var _ sched.Arch = (*EventfdMachine)(nil)

// eventfdCore replaces coreRuntime's channel-based halt with a real
// eventfd, the same primitive the teacher's wakeup_linux.go uses to
// wake a blocked epoll_wait. CoreHalt here blocks in an actual
// blocking read(2) syscall rather than parking on a Go channel —
// closer to what a real core-halt primitive looks like from the host
// environment's side, at the cost of only working on Linux.
type eventfdCore struct {
	fd int
}

func newEventfdCore() (*eventfdCore, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("halsim: eventfd: %w", err)
	}
	return &eventfdCore{fd: fd}, nil
}

// wait blocks until the eventfd's counter is non-zero, then drains it.
func (e *eventfdCore) wait() error {
	buf := make([]byte, 8)
	for {
		n, err := unix.Read(e.fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 8 {
			return nil
		}
	}
}

// signal increments the eventfd's counter by one, waking at most one
// blocked reader (eventfd semaphore mode would wake exactly one; in the
// default counting mode every waiter wakes and re-reads, but this
// Machine only ever has one reader per fd).
func (e *eventfdCore) signal() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(e.fd, buf[:])
	return err
}

func (e *eventfdCore) close() error { return unix.Close(e.fd) }

// EventfdMachine is a Machine variant whose CoreHalt/CoreRestart* are
// backed by Linux eventfds instead of buffered Go channels. Everything
// else (context switching, timers, interrupts) is identical to Machine;
// only the halt primitive changes, mirroring how the teacher swaps
// wakeup_linux.go/wakeup_darwin.go/wakeup_windows.go behind one poller
// interface without touching the rest of the event loop.
type EventfdMachine struct {
	*Machine
	fds []*eventfdCore
}

// NewEventfdMachine returns a Machine using real Linux eventfds for
// core halt/restart.
func NewEventfdMachine(numCores int) (*EventfdMachine, error) {
	base := New(numCores)
	fds := make([]*eventfdCore, numCores)
	for i := range fds {
		fd, err := newEventfdCore()
		if err != nil {
			for _, prior := range fds[:i] {
				if prior != nil {
					_ = prior.close()
				}
			}
			return nil, err
		}
		fds[i] = fd
	}
	return &EventfdMachine{Machine: base, fds: fds}, nil
}

// Close releases every core's eventfd.
func (m *EventfdMachine) Close() error {
	var first error
	for _, fd := range m.fds {
		if err := fd.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// CoreHalt blocks on core's eventfd instead of a Go channel.
func (m *EventfdMachine) CoreHalt(core int) {
	cr := m.core(core)
	cr.mu.Lock()
	cr.halted = true
	cr.mu.Unlock()

	_ = m.fds[core].wait()

	cr.mu.Lock()
	cr.halted = false
	cr.mu.Unlock()
}

// CoreRestartOne signals at most one halted core's eventfd.
func (m *EventfdMachine) CoreRestartOne() {
	for i, cr := range m.Machine.cores {
		cr.mu.Lock()
		halted := cr.halted
		cr.mu.Unlock()
		if halted {
			_ = m.fds[i].signal()
			return
		}
	}
}

// CoreRestartAll signals every core's eventfd.
func (m *EventfdMachine) CoreRestartAll() {
	for i := range m.fds {
		_ = m.fds[i].signal()
	}
}
