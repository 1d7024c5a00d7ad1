package sched

import "time"

// timeoutList is the sorted list of sleeping threads, spec.md §3/§4.C.
// A TCB is a member iff state == Stopped && wakeupTime != NoTimeout.
// Membership is exclusive with being in a readyQueue; toPrev/toNext are
// the TCB's own link fields, so insertion and removal never allocate.
//
// Thread Safety: NOT thread-safe; only ever touched under the owning
// Scheduler's lock.
type timeoutList struct {
	head, tail *TCB
	length     int
}

// insert splices t into the list immediately before the first node with
// a strictly later wakeupTime, giving stable (FIFO-among-equal-times)
// insertion as spec.md §4.C requires.
func (l *timeoutList) insert(t *TCB) {
	if t.onTimeoutList {
		panic("sched: timeoutList.insert: tcb already on timeout list")
	}

	var before *TCB
	for n := l.head; n != nil; n = n.toNext {
		if n.wakeupTime > t.wakeupTime {
			before = n
			break
		}
	}

	if before == nil {
		// Append at tail.
		t.toPrev = l.tail
		t.toNext = nil
		if l.tail != nil {
			l.tail.toNext = t
		} else {
			l.head = t
		}
		l.tail = t
	} else {
		t.toNext = before
		t.toPrev = before.toPrev
		if before.toPrev != nil {
			before.toPrev.toNext = t
		} else {
			l.head = t
		}
		before.toPrev = t
	}

	t.onTimeoutList = true
	l.length++
}

// remove detaches t from the list. No-op if t is not a member.
func (l *timeoutList) remove(t *TCB) {
	if !t.onTimeoutList {
		return
	}

	if t.toPrev != nil {
		t.toPrev.toNext = t.toNext
	} else {
		l.head = t.toNext
	}
	if t.toNext != nil {
		t.toNext.toPrev = t.toPrev
	} else {
		l.tail = t.toPrev
	}

	t.toPrev, t.toNext = nil, nil
	t.onTimeoutList = false
	l.length--
}

// drainExpired removes and returns every TCB whose wakeupTime has
// reached now, in ascending wakeupTime order.
func (l *timeoutList) drainExpired(now time.Duration) []*TCB {
	var expired []*TCB
	for l.head != nil && l.head.wakeupTime <= now {
		t := l.head
		l.remove(t)
		expired = append(expired, t)
	}
	return expired
}

// Len returns the number of sleeping threads currently tracked.
func (l *timeoutList) Len() int { return l.length }
