package sched

import "time"

// InterruptSource identifies one of the two interrupt lines the scheduler
// installs handlers for.
type InterruptSource int

const (
	// InterruptAlarm fires on quantum expiry.
	InterruptAlarm InterruptSource = iota
	// InterruptICI is the inter-core interrupt; its handler is currently a
	// no-op, reserved for future cross-core signaling.
	InterruptICI
)

// Arch is the hardware abstraction the scheduler is written against. It
// covers every external collaborator spec.md §6 lists as "must be provided
// by the host environment": context switching, per-core timers, a
// monotonic clock, core halt/restart, interrupt installation and
// preemption control.
//
// The root package never imports a concrete implementation of this
// interface; this module's tests supply one from sched/halsim, or a
// minimal in-package stub for white-box checks. A real kernel would instead supply one
// backed by actual CPU context-switch and APIC primitives.
type Arch interface {
	// InitContext builds a context for t that will begin executing entry
	// when first swapped in. Called once, at spawn time.
	InitContext(t *TCB, entry func())

	// SwapContext saves the caller's register state into old's context and
	// loads new's. It returns only when old is swapped back in, which may
	// be long after this call was made, possibly on a different core.
	SwapContext(old, new *TCB)

	// CoreHalt parks the given core until woken by CoreRestartOne or
	// CoreRestartAll.
	CoreHalt(core int)

	// CoreRestartOne wakes at most one halted core, if any are halted.
	CoreRestartOne()

	// CoreRestartAll wakes every halted core.
	CoreRestartAll()

	// InstallInterrupt installs fn as the handler for src on the calling
	// core. Passing a nil fn uninstalls the handler.
	InstallInterrupt(src InterruptSource, fn func())

	// SetTimer arms a one-shot timer on core that fires InterruptAlarm's
	// handler after d elapses.
	SetTimer(core int, d time.Duration)

	// CancelTimer disarms core's timer, if any is pending.
	CancelTimer(core int)

	// Clock returns a monotonically increasing duration since some
	// arbitrary, fixed epoch.
	Clock() time.Duration

	// CurrentCore returns the id of the core the calling goroutine is
	// executing on.
	CurrentCore() int

	// PreemptOn re-enables preemption on core.
	PreemptOn(core int)

	// PreemptOff disables preemption on core and returns whether it was
	// enabled beforehand.
	PreemptOff(core int) (wasEnabled bool)
}
