package sched

import "sync/atomic"

// lifecycleState is the scheduler-wide (not per-thread) bootstrap state:
// whether InitializeScheduler has run. It is distinct from ThreadState,
// which tracks individual TCBs under the scheduler lock (see tcb.go).
//
// State Machine:
//
//	lifecycleUninitialized (0) -> lifecycleInitialized (1)  [InitializeScheduler]
//
// The transition is one-way and CAS-guarded so a double call to
// InitializeScheduler is reported as ErrAlreadyInitialized rather than
// silently re-running (which would wipe whatever threads had already been
// queued on a concurrently-started core).
type lifecycleState uint32

const (
	lifecycleUninitialized lifecycleState = iota
	lifecycleInitialized
)

// fastLifecycle is a lock-free state machine with cache-line padding to
// avoid false sharing with neighboring hot fields, the same rationale
// FastState used for the event-loop's own run state: RunScheduler checks
// it once per core at boot, and InitializeScheduler's CAS guards against
// a concurrent double-init, so it gets its own allocation-free atomic
// rather than living under the scheduler lock that every other field in
// this package shares.
type fastLifecycle struct { // betteralign:ignore
	_ [64]byte      //nolint:unused
	v atomic.Uint32 //nolint:unused
	_ [60]byte      //nolint:unused
}

// Load returns the current lifecycle state atomically.
func (s *fastLifecycle) Load() lifecycleState {
	return lifecycleState(s.v.Load())
}

// TryTransition attempts the one-way CAS transition and reports success.
func (s *fastLifecycle) TryTransition(from, to lifecycleState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
