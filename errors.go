// Package sched provides recoverable sentinel errors (spec.md §7) and a
// FatalError type for the invariant violations the scheduler treats as
// unrecoverable.
package sched

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrAlreadyInitialized is returned by InitializeScheduler when called
	// more than once.
	ErrAlreadyInitialized = errors.New("sched: scheduler already initialized")

	// ErrNotInitialized is returned by RunScheduler when
	// InitializeScheduler has not yet been called.
	ErrNotInitialized = errors.New("sched: scheduler not initialized")

	// ErrAllocationFailed is returned by SpawnThread when the configured
	// StackAllocator cannot satisfy a request. spec.md §7 treats this as
	// fatal for a running kernel; library callers may still want the error
	// value to decide how to fail the surrounding syscall.
	ErrAllocationFailed = errors.New("sched: thread stack allocation failed")

	// ErrSleepPrecondition is returned by SleepReleasing when called with a
	// state other than Stopped or Exited.
	ErrSleepPrecondition = errors.New("sched: sleep_releasing precondition violated: state must be Stopped or Exited")

	// ErrInvalidPriorityRange is returned by NewScheduler when the
	// configured priority bounds are not satisfiable.
	ErrInvalidPriorityRange = errors.New("sched: invalid priority range")

	// ErrInvalidCore is returned by RunScheduler when given a core id
	// outside [0, NumCores), and by NewScheduler when the configured core
	// count is not positive. Scheduler.Core returns nil instead.
	ErrInvalidCore = errors.New("sched: invalid core id")

	// ErrArchRequired is returned by NewScheduler when no Arch was
	// supplied via WithArch.
	ErrArchRequired = errors.New("sched: an Arch implementation is required (use WithArch)")
)

// FatalError reports an invariant violation: a TCB observed in a state the
// scheduler has no recovery path for. spec.md §7 is explicit that these
// abort the kernel with a diagnostic identifying the offending TCB and
// state; FatalError is that diagnostic. The scheduler logs it at
// LevelError (see logging.go) before panicking with it.
type FatalError struct {
	// Op names the operation that detected the violation, e.g. "yield" or
	// "gain".
	Op string
	// ThreadID identifies the offending TCB.
	ThreadID uint64
	// State is the offending thread's state at the time of detection.
	State ThreadState
	// Message is a short human-readable description of the violation.
	Message string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("sched: fatal: %s: thread %d in state %s: %s", e.Op, e.ThreadID, e.State, e.Message)
}
