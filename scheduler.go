package sched

import (
	"sync"
	"sync/atomic"
	"time"
)

// defaultTopPriority is PRIORITY_LISTS-1 for a scheduler built without
// WithPriorityLists, giving 32 priority levels.
const defaultTopPriority = 31

// Releasable is the minimal surface a mutex-like object must provide for
// SleepReleasing's atomic unlock-and-sleep.
type Releasable interface {
	Unlock()
}

// Scheduler is the MLFQ thread scheduler core. One Scheduler instance
// owns every ready queue, the timeout list, and one CCB per core; build
// one with NewScheduler, call InitializeScheduler once, then call
// RunScheduler(core) once per core (each from the goroutine/thread that
// represents that core).
type Scheduler struct {
	arch Arch

	lifecycle fastLifecycle

	mu     sync.Mutex // sched_spinlock: guards ready, timeouts, cores, congestion and failSafe
	ready  []readyQueue
	timeouts timeoutList
	cores  []*CCB

	congestion int
	failSafe   int

	topPriority    int
	maxCongestion  int
	failSafePeriod int
	quantum        time.Duration

	activeThreads atomic.Int64
	nextID        atomic.Uint64

	stackAllocator StackAllocator
	stackSize      int

	logger         Logger
	metricsEnabled bool
	metrics        *Metrics
}

// NewScheduler builds a Scheduler from the given options. WithArch is
// mandatory; every other tunable has a default (see options.go).
func NewScheduler(opts ...Option) (*Scheduler, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	if cfg.arch == nil {
		return nil, ErrArchRequired
	}
	if cfg.topPriority <= 0 {
		return nil, ErrInvalidPriorityRange
	}
	if cfg.numCores <= 0 {
		return nil, ErrInvalidCore
	}

	s := &Scheduler{
		arch:           cfg.arch,
		ready:          make([]readyQueue, cfg.topPriority+1),
		cores:          make([]*CCB, cfg.numCores),
		topPriority:    cfg.topPriority,
		maxCongestion:  cfg.maxCongestion,
		failSafePeriod: cfg.failSafePeriod,
		quantum:        cfg.quantum,
		stackAllocator: cfg.stackAllocator,
		stackSize:      cfg.stackSize,
		logger:         cfg.logger,
		metricsEnabled: cfg.metricsEnabled,
	}
	if cfg.metricsEnabled {
		s.metrics = &Metrics{
			ContextSwitches: NewRateCounter(10*time.Second, 100*time.Millisecond),
		}
	}
	return s, nil
}

// InitializeScheduler initializes the scheduler's ready queues and
// timeout list. Must be called exactly once, process-wide, before any
// core calls RunScheduler.
func (s *Scheduler) InitializeScheduler() error {
	if !s.lifecycle.TryTransition(lifecycleUninitialized, lifecycleInitialized) {
		return ErrAlreadyInitialized
	}
	s.mu.Lock()
	for i := range s.ready {
		s.ready[i] = readyQueue{}
	}
	s.timeouts = timeoutList{}
	s.mu.Unlock()
	return nil
}

// ActiveThreads returns the current count of live non-idle threads.
func (s *Scheduler) ActiveThreads() int64 { return s.activeThreads.Load() }

// Metrics returns the Scheduler's metrics, or nil if it was built
// without WithMetrics(true).
func (s *Scheduler) Metrics() *Metrics { return s.metrics }

// Core returns the CCB for the given core id, or nil if that core has
// not yet called RunScheduler.
func (s *Scheduler) Core(id int) *CCB {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= len(s.cores) {
		return nil
	}
	return s.cores[id]
}

// SpawnThread allocates a new TCB, registers its entry context with the
// hardware abstraction, and increments the active-thread count.
// spec.md §4.A. The thread does not run until something enqueues it,
// e.g. via Wakeup.
func (s *Scheduler) SpawnThread(proc Proc, fn func()) (*TCB, error) {
	stack, err := s.stackAllocator.Allocate(s.stackSize)
	if err != nil {
		return nil, err
	}

	t := &TCB{
		id:         s.nextID.Add(1),
		ownerProc:  proc,
		kind:       NormalThread,
		threadFunc: fn,
		priority:   s.topPriority,
		prevQueue:  s.topPriority,
		wakeupTime: NoTimeout,
		stack:      stack,
	}
	t.setState(Init)
	t.setPhase(CtxClean)

	s.arch.InitContext(t, func() { s.threadStart(t) })
	s.activeThreads.Add(1)

	s.logf(LevelDebug, "spawn", s.arch.CurrentCore(), t, 0, "thread spawned", nil)
	return t, nil
}

// threadStart is the entry wrapper pushed into every new context:
// spec.md §4.A. It must not return; a thread terminates by calling
// SleepReleasing(Exited, ...), never by falling off thread_func.
func (s *Scheduler) threadStart(t *TCB) {
	s.gain(true)
	t.threadFunc()
	core := s.arch.CurrentCore()
	s.mu.Lock()
	s.fatalLocked(core, "thread_start", t, "thread function returned without exiting via SleepReleasing(Exited, ...)")
}

// ReleaseTCB deregisters a TCB's stack and decrements the active-thread
// count. Precondition: the caller owns the transition to Exited and has
// finished switching off this TCB; in this module that's only ever
// gain(), finalizing the TCB it inherited as its predecessor.
func (s *Scheduler) ReleaseTCB(t *TCB) {
	s.stackAllocator.Release(t.stack)
	s.activeThreads.Add(-1)
}

// addReadyLocked pushes t onto SCHED[t.priority] and wakes one halted
// core so it may pick the work up. spec.md §4.B sched_queue_add.
// Caller must hold s.mu.
func (s *Scheduler) addReadyLocked(t *TCB) {
	s.ready[t.priority].Enqueue(t)
	s.arch.CoreRestartOne()
}

// registerTimeoutLocked splices t into the timeout list if timeout is
// not NoTimeout. spec.md §4.C sched_register_timeout. Caller must hold
// s.mu.
func (s *Scheduler) registerTimeoutLocked(t *TCB, timeout time.Duration) {
	if timeout == NoTimeout {
		return
	}
	t.wakeupTime = s.arch.Clock() + timeout
	s.timeouts.insert(t)
}

// makeReadyLocked transitions t (Stopped or Init) to Ready, removing it
// from the timeout list if present. If its context is still dirty
// (running or mid-switch elsewhere), the actual ready-queue enqueue is
// deferred to gain. spec.md §4.F sched_make_ready. Caller must hold
// s.mu.
func (s *Scheduler) makeReadyLocked(t *TCB) {
	if t.onTimeoutList {
		s.timeouts.remove(t)
	}
	t.wakeupTime = NoTimeout
	t.setState(Ready)
	if t.Phase() == CtxClean {
		s.addReadyLocked(t)
	}
}

// Wakeup transitions t to Ready if it is Stopped or Init, returning
// whether it did. spec.md §4.F.
func (s *Scheduler) Wakeup(t *TCB) bool {
	core := s.arch.CurrentCore()
	s.arch.PreemptOff(core)

	s.mu.Lock()
	var ok bool
	switch t.State() {
	case Stopped, Init:
		s.makeReadyLocked(t)
		ok = true
	}
	s.mu.Unlock()

	s.arch.PreemptOn(core)
	return ok
}

// SleepReleasing is the atomic unlock-and-sleep primitive condition
// variables and mutexes are built on top of. state must be Stopped or
// Exited. If mx is non-nil it is unlocked while the scheduler lock is
// held, so no Wakeup of this thread can race between the state
// transition and the unlock. spec.md §4.F.
func (s *Scheduler) SleepReleasing(state ThreadState, mx Releasable, cause SchedCause, timeout time.Duration) error {
	if state != Stopped && state != Exited {
		return ErrSleepPrecondition
	}

	core := s.arch.CurrentCore()
	s.arch.PreemptOff(core)

	s.mu.Lock()
	current := s.cores[core].currentThread
	current.setState(state)
	if state != Exited {
		s.registerTimeoutLocked(current, timeout)
	}
	if mx != nil {
		mx.Unlock()
	}
	s.mu.Unlock()

	s.Yield(cause)
	s.arch.PreemptOn(core)
	return nil
}

// Yield suspends the calling core's current thread for cause, adjusts
// its priority accordingly, selects and switches to the next thread,
// and on return from that switch runs the gain phase. spec.md §4.E.
func (s *Scheduler) Yield(cause SchedCause) {
	core := s.arch.CurrentCore()
	s.arch.CancelTimer(core)
	s.arch.PreemptOff(core)

	s.mu.Lock()
	ccb := s.cores[core]
	current := ccb.currentThread

	if s.metricsEnabled {
		s.metrics.Quantum.Record(s.arch.Clock() - current.runStart)
	}

	s.adjustPriorityLocked(current, cause)

	ccb.currentReady = false
	switch current.State() {
	case Running:
		current.setState(Ready)
		ccb.currentReady = true
	case Ready:
		ccb.currentReady = true
	case Stopped, Exited:
		// Leave as-is.
	default:
		s.fatalLocked(core, "yield", current, "unexpected state in outgoing transition")
	}

	next := s.selectNextLocked()
	if next == nil {
		if ccb.currentReady {
			next = current
		} else {
			next = ccb.idleThread
		}
	}

	current.switchNext = next
	next.switchPrev = current
	s.mu.Unlock()

	if current != next {
		ccb.currentThread = next
		s.logf(LevelDebug, "switch", core, next, cause, "context switch", nil)
		if s.metricsEnabled {
			s.metrics.ContextSwitches.Increment()
		}
		s.arch.SwapContext(current, next)
	}

	s.gain(true)
}

// adjustPriorityLocked applies spec.md §4.E's per-cause priority
// adjustment table, then clamps and resolves the mutex-demotion
// override. Caller must hold s.mu.
func (s *Scheduler) adjustPriorityLocked(t *TCB, cause SchedCause) {
	switch cause {
	case SchedQuantum:
		t.priority--
	case SchedIO:
		t.priority++
	case SchedMutex:
		if !t.mutexFlag {
			t.prevQueue = t.priority
		}
		t.priority = 0
		t.mutexFlag = true
	case SchedPipe, SchedPoll, SchedIdle, SchedUser:
		// unchanged
	}

	if t.priority > s.topPriority {
		t.priority = s.topPriority
	}
	if t.priority < 0 {
		t.priority = 0
	}

	if t.mutexFlag && cause != SchedMutex {
		t.priority = t.prevQueue
		t.mutexFlag = false
	}
}

// selectNextLocked drains expired timeouts, scans the ready queues from
// TOP_PRIORITY down, updates the congestion heuristic and fail-safe
// counter, triggers a Boost if either threshold is crossed, and returns
// the selected TCB or nil if every queue is empty. spec.md §4.E
// sched_queue_select. Caller must hold s.mu.
func (s *Scheduler) selectNextLocked() *TCB {
	now := s.arch.Clock()
	for _, t := range s.timeouts.drainExpired(now) {
		s.makeReadyLocked(t)
	}

	selectedIdx := -1
	var selected *TCB
	for p := s.topPriority; p >= 0; p-- {
		if t, ok := s.ready[p].Dequeue(); ok {
			selected = t
			selectedIdx = p
			break
		}
	}

	switch {
	case selected == nil || selectedIdx == 0:
		s.congestion--
	default:
		lowerBusy := false
		for p := selectedIdx - 1; p >= 0; p-- {
			if s.ready[p].Len() > 0 {
				lowerBusy = true
				break
			}
		}
		if lowerBusy {
			s.congestion++
		} else {
			s.congestion--
		}
	}
	if s.congestion < 0 {
		s.congestion = 0
	}

	s.failSafe++
	if s.congestion >= s.maxCongestion {
		s.logf(LevelWarn, "boost", s.arch.CurrentCore(), nil, 0, "boost triggered by congestion", nil)
		if s.metricsEnabled {
			s.metrics.Boosts.Congestion.Add(1)
		}
		s.boostLocked()
	} else if s.failSafe == s.failSafePeriod {
		// Open question (spec.md §9): this fires at most once per
		// scheduler lifetime, since failSafe is never reset and the
		// comparison is exact equality. Replicated as observed, not
		// fixed; see DESIGN.md.
		s.logf(LevelWarn, "boost", s.arch.CurrentCore(), nil, 0, "fail-safe boost fired", nil)
		if s.metricsEnabled {
			s.metrics.Boosts.FailSafe.Add(1)
		}
		s.boostLocked()
	}

	if s.metricsEnabled {
		depths := make([]int, len(s.ready))
		total := 0
		for i := range s.ready {
			depths[i] = s.ready[i].Len()
			total += depths[i]
		}
		s.metrics.ReadyDepth.Update(total, depths)
	}

	return selected
}

// Boost is the anti-starvation operation: every ready thread below
// TOP_PRIORITY moves up one priority level. The top list is left
// untouched by design (spec.md §9). Exported for diagnostics; normally
// invoked internally by selectNextLocked.
func (s *Scheduler) Boost() {
	s.mu.Lock()
	s.boostLocked()
	s.mu.Unlock()
}

// boostLocked implements Boost. Caller must hold s.mu.
func (s *Scheduler) boostLocked() {
	s.congestion = 0
	for p := s.topPriority - 1; p >= 0; p-- {
		for {
			t, ok := s.ready[p].Dequeue()
			if !ok {
				break
			}
			t.priority = p + 1
			s.ready[p+1].Enqueue(t)
		}
	}
}

// gain finalizes the outgoing thread from the last context switch and
// arms the next quantum timer for the now-current thread. spec.md §4.E
// "Gain phase". If preempt is true, preemption is re-enabled on this
// core before returning.
func (s *Scheduler) gain(preempt bool) {
	core := s.arch.CurrentCore()

	s.mu.Lock()
	ccb := s.cores[core]
	current := ccb.currentThread
	prev := current.switchPrev

	current.setState(Running)
	current.setPhase(CtxDirty)
	current.runStart = s.arch.Clock()

	if prev != nil && prev != current {
		switch prev.State() {
		case Ready:
			if prev.kind != IdleThread {
				s.addReadyLocked(prev)
			}
			prev.setPhase(CtxClean)
		case Exited:
			if prev.ownerThrd != nil {
				prev.ownerThrd.SetExited()
			}
			if prev.ownerProc != nil {
				prev.ownerProc.DecThreadCount()
			}
			s.ReleaseTCB(prev)
		case Stopped:
			// Left for whichever path wakes it.
		default:
			s.fatalLocked(core, "gain", prev, "unexpected state finalizing outgoing tcb")
		}
	}
	current.switchPrev = nil
	priority := current.priority
	s.mu.Unlock()

	if preempt {
		s.arch.PreemptOn(core)
	}
	s.arch.SetTimer(core, s.quantum/time.Duration(priority+1))
}

// RunScheduler initializes core's CCB and idle thread, installs the
// ALARM and ICI interrupt handlers, enables preemption, and runs the
// idle loop until shutdown. Must be called once per core, from the
// goroutine representing that core, after InitializeScheduler.
// spec.md §4.D/§4.G.
func (s *Scheduler) RunScheduler(core int) error {
	if s.lifecycle.Load() != lifecycleInitialized {
		return ErrNotInitialized
	}
	if core < 0 || core >= len(s.cores) {
		return ErrInvalidCore
	}

	idle := &TCB{
		id:         s.nextID.Add(1),
		kind:       IdleThread,
		priority:   s.topPriority,
		prevQueue:  s.topPriority,
		wakeupTime: NoTimeout,
	}
	idle.setState(Running)
	idle.setPhase(CtxDirty)
	idle.runStart = s.arch.Clock()

	ccb := &CCB{id: core, currentThread: idle, idleThread: idle}
	s.mu.Lock()
	s.cores[core] = ccb
	s.mu.Unlock()

	s.arch.InstallInterrupt(InterruptAlarm, func() { s.Yield(SchedQuantum) })
	s.arch.InstallInterrupt(InterruptICI, nil)
	s.arch.PreemptOn(core)

	s.logf(LevelInfo, "boot", core, idle, 0, "core entering idle loop", nil)
	s.idleLoop(core)
	s.logf(LevelInfo, "shutdown", core, idle, 0, "core leaving idle loop", nil)
	return nil
}

// idleLoop is the body of a core's idle thread: spec.md §4.G. It enters
// the scheduler once, then halts and re-yields as long as any non-idle
// thread is alive; once active_threads reaches zero it cancels its
// timer, wakes every other halted core, and returns.
func (s *Scheduler) idleLoop(core int) {
	s.Yield(SchedIdle)
	for s.activeThreads.Load() > 0 {
		s.arch.CoreHalt(core)
		s.Yield(SchedIdle)
	}
	s.arch.CancelTimer(core)
	s.arch.CoreRestartAll()
}

// fatalLocked logs an invariant violation at LevelError and panics with
// a *FatalError. spec.md §7: no recovery path exists. Caller must hold
// s.mu; the panic leaves it held, which is intentional — nothing may
// touch this Scheduler again.
func (s *Scheduler) fatalLocked(core int, op string, t *TCB, msg string) {
	err := &FatalError{Op: op, ThreadID: t.id, State: t.State(), Message: msg}
	s.logf(LevelError, "fatal", core, t, 0, msg, err)
	panic(err)
}
