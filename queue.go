package sched

import "sync"

// chunkSize is the number of TCBs per node in a readyQueue's chunked
// linked list. Sized for a handful of cache lines; ready queues are
// expected to hold dozens of threads at most, not the thousands a
// task-submission queue would see.
const chunkSize = 128

// readyQueuePool recycles exhausted chunks across every priority level's
// readyQueue, the same rationale the event loop's chunk pool used:
// avoiding churn on the allocator under steady scheduling load.
var readyQueuePool = sync.Pool{
	New: func() any { return &readyChunk{} },
}

// readyChunk is a fixed-size node in a readyQueue's chunked linked list.
// The readPos/pos cursors give O(1) push/pop without shifting elements.
type readyChunk struct {
	tcbs    [chunkSize]*TCB
	next    *readyChunk
	readPos int
	pos     int
}

func newReadyChunk() *readyChunk {
	c := readyQueuePool.Get().(*readyChunk)
	c.pos = 0
	c.readPos = 0
	c.next = nil
	return c
}

func returnReadyChunk(c *readyChunk) {
	for i := 0; i < c.pos; i++ {
		c.tcbs[i] = nil
	}
	c.pos = 0
	c.readPos = 0
	c.next = nil
	readyQueuePool.Put(c)
}

// readyQueue is the FIFO ready list for a single priority level
// (spec.md's SCHED[priority]). It is a chunked linked list rather than a
// slice so that Enqueue/Dequeue never shift elements, and chunks that
// Dequeue has read through are returned to readyQueuePool instead of
// becoming garbage. The last chunk of a queue that drains to empty stays
// attached, with its cursors reset for reuse.
//
// Thread Safety: NOT thread-safe. Every readyQueue lives inside a
// Scheduler and is only ever touched while the scheduler lock is held;
// see scheduler.go.
type readyQueue struct { // betteralign:ignore
	head   *readyChunk
	tail   *readyChunk
	length int
}

// Enqueue appends t to the tail of the queue.
func (q *readyQueue) Enqueue(t *TCB) {
	if q.tail == nil {
		q.tail = newReadyChunk()
		q.head = q.tail
	}
	if q.tail.pos == len(q.tail.tcbs) {
		next := newReadyChunk()
		q.tail.next = next
		q.tail = next
	}
	q.tail.tcbs[q.tail.pos] = t
	q.tail.pos++
	q.length++
}

// Dequeue removes and returns the TCB at the head of the queue.
func (q *readyQueue) Dequeue() (*TCB, bool) {
	if q.head == nil {
		return nil, false
	}

	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			q.head.pos = 0
			q.head.readPos = 0
			return nil, false
		}
		old := q.head
		q.head = q.head.next
		returnReadyChunk(old)
	}

	if q.head.readPos >= q.head.pos {
		return nil, false
	}

	t := q.head.tcbs[q.head.readPos]
	q.head.tcbs[q.head.readPos] = nil
	q.head.readPos++
	q.length--

	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			q.head.pos = 0
			q.head.readPos = 0
			return t, true
		}
		old := q.head
		q.head = q.head.next
		returnReadyChunk(old)
	}

	return t, true
}

// Len returns the number of TCBs currently queued.
func (q *readyQueue) Len() int { return q.length }

// Each calls fn for every queued TCB, head to tail, without removing
// them. Boost does not use it: it drains each queue with Dequeue.
func (q *readyQueue) Each(fn func(*TCB)) {
	for c := q.head; c != nil; c = c.next {
		for i := c.readPos; i < c.pos; i++ {
			fn(c.tcbs[i])
		}
	}
}
