// Package halsim is a goroutine-and-channel simulated multi-core
// machine, with timers driven by the wall clock: the one concrete
// sched.Arch implementation this module ships. It exists so sched's tests run
// against a real (if fake) hardware layer without the root package ever
// importing a concrete backend — the same separation the teacher draws
// between its portable core and its per-OS poller files.
//
// Each virtual thread runs on its own goroutine. A context switch is a
// pair of unbuffered channel handoffs: the outgoing goroutine wakes the
// incoming one, then blocks on its own channel until some future switch
// wakes it back up. "Which core a goroutine currently represents" has no
// CPU register to live in, so it's tracked in a goroutine-id-keyed map
// that SwapContext updates on every handoff — the virtual equivalent of
// reloading a per-CPU pointer.
package halsim

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"time"

	sched "github.com/kernellab/mlfqsched"
)

var _ sched.Arch = (*Machine)(nil)

// threadContext is halsim's side-table entry for one TCB; the sched
// package never sees it; it lives only in Machine.contexts.
type threadContext struct {
	entry       func()
	resume      chan struct{}
	ready       chan struct{} // closed once goroutineID is known
	started     bool
	goroutineID uint64
}

// coreRuntime is one virtual core's interrupt/timer/halt state.
type coreRuntime struct {
	id int

	wake chan struct{} // buffered 1: CoreHalt blocks receiving, Restart* sends

	mu      sync.Mutex
	halted  bool
	alarmFn func()
	iciFn   func()
	timer   *time.Timer
	gen     uint64 // bumped on every SetTimer/CancelTimer, guards stale fires

	preempt boolFlag
}

// Machine is a simulated multi-core machine implementing sched.Arch.
type Machine struct {
	start time.Time

	mu            sync.Mutex
	contexts      map[*sched.TCB]*threadContext
	goroutineCore map[uint64]int
	cores         []*coreRuntime
}

// New returns a Machine with the given number of virtual cores.
func New(numCores int) *Machine {
	if numCores <= 0 {
		numCores = 1
	}
	m := &Machine{
		start:         time.Now(),
		contexts:      make(map[*sched.TCB]*threadContext),
		goroutineCore: make(map[uint64]int),
		cores:         make([]*coreRuntime, numCores),
	}
	for i := range m.cores {
		m.cores[i] = &coreRuntime{id: i, wake: make(chan struct{}, 1)}
	}
	return m
}

// NumCores returns the number of virtual cores this Machine simulates.
func (m *Machine) NumCores() int { return len(m.cores) }

// RunOnCore binds the calling goroutine to core and runs fn. Every
// core's Scheduler.RunScheduler call must be launched this way — it is
// how a Machine learns which goroutine "is" which virtual core before
// any context switch has happened to establish that by other means.
//
//	go machine.RunOnCore(0, func() { s.RunScheduler(0) })
func (m *Machine) RunOnCore(core int, fn func()) {
	m.mu.Lock()
	m.goroutineCore[goroutineID()] = core
	m.mu.Unlock()
	fn()
}

// CurrentCore returns the virtual core the calling goroutine currently
// represents.
func (m *Machine) CurrentCore() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.goroutineCore[goroutineID()]
}

// contextFor returns t's threadContext, registering the calling
// goroutine as its owner if this is the first time halsim has seen t
// without it coming through InitContext — true only for a core's idle
// thread, which is already running on its own goroutine the moment
// RunScheduler enters its idle loop.
func (m *Machine) contextFor(t *sched.TCB) *threadContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx, ok := m.contexts[t]
	if !ok {
		ctx = &threadContext{
			resume:      make(chan struct{}),
			ready:       make(chan struct{}),
			started:     true,
			goroutineID: goroutineID(),
		}
		close(ctx.ready)
		m.contexts[t] = ctx
	}
	return ctx
}

// InitContext registers entry as the function a fresh goroutine will
// run the first time t is swapped in.
func (m *Machine) InitContext(t *sched.TCB, entry func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contexts[t] = &threadContext{
		entry:  entry,
		resume: make(chan struct{}),
		ready:  make(chan struct{}),
	}
}

// SwapContext hands execution from old to new. It returns once some
// later SwapContext call hands execution back to old.
func (m *Machine) SwapContext(old, next *sched.TCB) {
	core := m.CurrentCore()
	oldCtx := m.contextFor(old)
	newCtx := m.contextFor(next)

	m.mu.Lock()
	if !newCtx.started {
		newCtx.started = true
		entry, readyCh, resumeCh := newCtx.entry, newCtx.ready, newCtx.resume
		go func() {
			m.mu.Lock()
			newCtx.goroutineID = goroutineID()
			m.mu.Unlock()
			close(readyCh)
			<-resumeCh
			entry()
		}()
	}
	m.mu.Unlock()

	<-newCtx.ready

	m.mu.Lock()
	m.goroutineCore[newCtx.goroutineID] = core
	m.mu.Unlock()

	newCtx.resume <- struct{}{}
	<-oldCtx.resume
}

// CoreHalt parks the calling (core) goroutine until woken.
func (m *Machine) CoreHalt(core int) {
	cr := m.core(core)
	cr.mu.Lock()
	cr.halted = true
	cr.mu.Unlock()

	<-cr.wake

	cr.mu.Lock()
	cr.halted = false
	cr.mu.Unlock()
}

// CoreRestartOne wakes at most one halted core.
func (m *Machine) CoreRestartOne() {
	for _, cr := range m.cores {
		cr.mu.Lock()
		halted := cr.halted
		cr.mu.Unlock()
		if !halted {
			continue
		}
		select {
		case cr.wake <- struct{}{}:
			return
		default:
		}
	}
}

// CoreRestartAll wakes every halted core.
func (m *Machine) CoreRestartAll() {
	for _, cr := range m.cores {
		select {
		case cr.wake <- struct{}{}:
		default:
		}
	}
}

// InstallInterrupt installs fn as the handler for src on the calling
// core. A nil fn uninstalls it.
func (m *Machine) InstallInterrupt(src sched.InterruptSource, fn func()) {
	cr := m.core(m.CurrentCore())
	cr.mu.Lock()
	defer cr.mu.Unlock()
	switch src {
	case sched.InterruptAlarm:
		cr.alarmFn = fn
	case sched.InterruptICI:
		cr.iciFn = fn
	}
}

// SetTimer arms a one-shot timer on core that invokes its ALARM handler
// after d elapses.
func (m *Machine) SetTimer(core int, d time.Duration) {
	cr := m.core(core)
	cr.mu.Lock()
	defer cr.mu.Unlock()

	if cr.timer != nil {
		cr.timer.Stop()
	}
	cr.gen++
	gen := cr.gen
	cr.timer = time.AfterFunc(d, func() {
		cr.mu.Lock()
		fn := cr.alarmFn
		stale := gen != cr.gen
		cr.mu.Unlock()
		if stale || fn == nil {
			return
		}
		fn()
	})
}

// CancelTimer disarms core's timer, if any is pending. A timer fire
// already in flight when Cancel races it is tolerated: the generation
// counter makes it a no-op, matching spec.md §7's tolerance for
// timer/interrupt races.
func (m *Machine) CancelTimer(core int) {
	cr := m.core(core)
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.gen++
	if cr.timer != nil {
		cr.timer.Stop()
		cr.timer = nil
	}
}

// Clock returns elapsed wall time since this Machine was created. It is
// monotonic because it is derived from time.Since.
func (m *Machine) Clock() time.Duration { return time.Since(m.start) }

// PreemptOn re-enables preemption on core.
func (m *Machine) PreemptOn(core int) { m.core(core).preempt.set(true) }

// PreemptOff disables preemption on core, returning whether it was
// enabled beforehand.
func (m *Machine) PreemptOff(core int) bool { return m.core(core).preempt.swap(false) }

func (m *Machine) core(id int) *coreRuntime {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cores[id]
}

// boolFlag is a tiny mutex-guarded bool, used instead of atomic.Bool so
// PreemptOff's swap-and-report-previous is a single atomic step.
type boolFlag struct {
	mu sync.Mutex
	v  bool
}

func (f *boolFlag) set(v bool) {
	f.mu.Lock()
	f.v = v
	f.mu.Unlock()
}

func (f *boolFlag) swap(v bool) bool {
	f.mu.Lock()
	old := f.v
	f.v = v
	f.mu.Unlock()
	return old
}

// goroutineID extracts the calling goroutine's runtime id by parsing its
// stack trace header. This is the only way to obtain it without cgo or
// an unsafe runtime shim; it is halsim's substitute for the per-CPU
// register a real CURCORE accessor would read.
func goroutineID() uint64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	buf = buf[:n]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	if i := bytes.IndexByte(buf, ' '); i >= 0 {
		buf = buf[:i]
	}
	id, _ := strconv.ParseUint(string(buf), 10, 64)
	return id
}
