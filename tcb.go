package sched

import (
	"fmt"
	"sync/atomic"
	"time"
)

// ThreadKind distinguishes a normal scheduled thread from a per-core
// idle thread.
type ThreadKind int

const (
	NormalThread ThreadKind = iota
	IdleThread
)

func (k ThreadKind) String() string {
	if k == IdleThread {
		return "idle"
	}
	return "normal"
}

// ThreadState is a TCB's lifecycle state.
type ThreadState int32

const (
	Init ThreadState = iota
	Ready
	Running
	Stopped
	Exited
)

func (s ThreadState) String() string {
	switch s {
	case Init:
		return "init"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Exited:
		return "exited"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

// ContextPhase tracks whether a TCB's hardware context is currently
// loaded on a core (CtxDirty) or safe to requeue (CtxClean).
type ContextPhase int32

const (
	CtxClean ContextPhase = iota
	CtxDirty
)

func (p ContextPhase) String() string {
	if p == CtxDirty {
		return "dirty"
	}
	return "clean"
}

// SchedCause is the reason a thread entered the scheduler through Yield.
// The effect on the thread's priority is fully determined by its cause;
// see Scheduler.Yield.
type SchedCause int

const (
	SchedQuantum SchedCause = iota
	SchedIO
	SchedMutex
	SchedPipe
	SchedPoll
	SchedIdle
	SchedUser
)

func (c SchedCause) String() string {
	switch c {
	case SchedQuantum:
		return "quantum"
	case SchedIO:
		return "io"
	case SchedMutex:
		return "mutex"
	case SchedPipe:
		return "pipe"
	case SchedPoll:
		return "poll"
	case SchedIdle:
		return "idle"
	case SchedUser:
		return "user"
	default:
		return fmt.Sprintf("cause(%d)", c)
	}
}

// NoTimeout is the wakeupTime sentinel meaning "no deadline".
const NoTimeout time.Duration = -1

// Proc is the minimal surface a TCB's owning process must provide. The
// scheduler never manages process lifetime; it only needs to report a
// thread's exit back to its owner.
type Proc interface {
	DecThreadCount()
}

// UserThread is the minimal surface a user-visible thread handle must
// provide; owner_ptcb in spec.md §3. Idle threads and the implicit
// initial thread have a nil UserThread.
type UserThread interface {
	SetExited()
}

// TCB is a Thread Control Block: one per live thread, spawned by
// Scheduler.SpawnThread and released by Scheduler.ReleaseTCB.
//
// Every field below is protected by the owning Scheduler's internal
// lock except ownerProc, kind and threadFunc, which are set once at
// spawn time and never mutated afterward (spec.md §5's "all TCB fields
// except owner_pcb, type, context, thread_func"). The hardware context
// itself is owned by the Arch implementation, not the TCB.
type TCB struct { // betteralign:ignore
	id uint64

	ownerProc  Proc
	ownerThrd  UserThread
	kind       ThreadKind
	threadFunc func()

	// state and phase are mutated only under the scheduler lock but read
	// via atomics so diagnostics and metrics can observe them without
	// contending it, the same rationale the teacher's FastState applied
	// to its run-state field.
	stateAtomic atomic.Int32
	phaseAtomic atomic.Int32

	wakeupTime time.Duration // absolute deadline per Arch.Clock, or NoTimeout
	priority   int
	mutexFlag  bool
	prevQueue  int

	// runStart is the Arch.Clock() reading when this TCB last entered
	// Running, used to sample quantum length into Metrics.Quantum.
	runStart time.Duration

	// Timeout-list intrusive links. Membership is exclusive with being in
	// a readyQueue: a TCB is on the timeout list iff
	// state == Stopped && wakeupTime != NoTimeout.
	toPrev, toNext *TCB
	onTimeoutList  bool

	// Transient handoff pointers linking the outgoing and incoming TCB
	// across one context switch; see Scheduler.Yield/gain.
	switchPrev, switchNext *TCB

	stack Stack
}

// ID returns the TCB's scheduler-assigned identifier, stable for the
// thread's lifetime and never reused.
func (t *TCB) ID() uint64 { return t.id }

// State returns the thread's current lifecycle state. Safe to call
// without holding the scheduler lock for diagnostic purposes; the value
// may be stale by the time it's observed.
func (t *TCB) State() ThreadState { return ThreadState(t.stateAtomic.Load()) }

// setState stores the thread's state. Caller must hold the scheduler
// lock.
func (t *TCB) setState(s ThreadState) { t.stateAtomic.Store(int32(s)) }

// Phase returns the thread's current context phase.
func (t *TCB) Phase() ContextPhase { return ContextPhase(t.phaseAtomic.Load()) }

// setPhase stores the thread's context phase. Caller must hold the
// scheduler lock.
func (t *TCB) setPhase(p ContextPhase) { t.phaseAtomic.Store(int32(p)) }

// Priority returns the thread's current priority.
func (t *TCB) Priority() int { return t.priority }

// Kind reports whether this is a normal or idle thread.
func (t *TCB) Kind() ThreadKind { return t.kind }
