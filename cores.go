package sched

// CCB is a Core Control Block: one per CPU core, spec.md §3/§4.D.
type CCB struct {
	id            int
	currentThread *TCB
	idleThread    *TCB

	// currentReady is set by the outgoing-state transition in Yield when
	// the outgoing thread must be considered for reselection as "current"
	// if sched_queue_select finds nothing else; spec.md §4.E "Completing
	// the switch".
	currentReady bool
}

// ID returns the core's index, [0, NumCores).
func (c *CCB) ID() int { return c.id }

// Current returns the TCB currently running on this core.
func (c *CCB) Current() *TCB { return c.currentThread }
