// Package sched implements a multilevel feedback-queue (MLFQ) thread
// scheduler core for a small educational kernel: thread control blocks,
// per-priority ready queues, a sorted timeout list, sleep/wake primitives,
// and the per-core idle loop that ties them together.
//
// # Architecture
//
// A [Scheduler] owns PriorityLists FIFO ready queues indexed by priority
// ([0, TopPriority]), a sorted timeout list, and one [CCB] per core. Threads
// are represented by [TCB] values created with [Scheduler.SpawnThread].
// Voluntary suspension happens through [Scheduler.Yield] (quantum expiry,
// I/O, mutex contention, ...) or [Scheduler.SleepReleasing] (the atomic
// unlock-and-sleep primitive condition variables and mutexes are built on
// top of); involuntary preemption happens through the ALARM interrupt
// installed by [Scheduler.RunScheduler].
//
// The scheduler never talks to real hardware directly. Every interaction
// with context switching, timers, the monotonic clock, and core
// halt/restart goes through the [Arch] interface, so the same scheduler
// core runs against a real kernel's architecture layer or against the
// goroutine-simulated one in sched/halsim used by this module's own tests.
//
// # Priority adjustment
//
// [Scheduler.Yield] adjusts the calling thread's priority by the cause it
// yielded for: quantum expiry lowers it, an I/O wait raises it, a mutex
// wait drops it to the bottom until the thread yields for any other
// reason. A congestion heuristic and a fail-safe tick counter drive
// [Scheduler.Boost], the anti-starvation mechanism that shifts every
// non-top-priority ready thread up one level.
//
// # Thread safety
//
//   - [Scheduler.Wakeup], [Scheduler.SleepReleasing], and [Scheduler.Yield]
//     are safe to call concurrently from any core.
//   - All ready-queue, timeout-list, and per-thread scheduling-state
//     mutation happens under the scheduler's internal lock; see
//     scheduler.go for the exact boundary.
//   - [Scheduler.ActiveThreads] is lock-free and safe for concurrent
//     observation.
//
// # Usage
//
//	arch := halsim.New(2) // 2 simulated cores
//	s, err := sched.NewScheduler(sched.WithArch(arch), sched.WithNumCores(2))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	s.InitializeScheduler()
//	go arch.RunOnCore(0, func() { s.RunScheduler(0) })
//	go arch.RunOnCore(1, func() { s.RunScheduler(1) })
//
//	t, err := s.SpawnThread(nil, func() {
//	    fmt.Println("hello from a scheduled thread")
//	    s.SleepReleasing(sched.Exited, nil, sched.SchedUser, 0)
//	})
//	s.Wakeup(t) // a spawned thread runs only once something makes it ready
package sched
