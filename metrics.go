package sched

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks runtime statistics for a Scheduler. Metrics are
// low-overhead and thread-safe; all are optional and only collected when
// a Scheduler was built WithMetrics.
//
// Thread Safety:
//   - All Metrics methods are thread-safe and can be called from any core.
//   - Quantum uses sync.RWMutex (single-writer, multi-reader).
//   - ReadyDepth uses sync.RWMutex (single-writer, multi-reader).
//   - ContextSwitches uses atomic operations and a mutex for rotation.
//
// Example:
//
//	s, _ := sched.NewScheduler(sched.WithArch(arch), sched.WithMetrics(true))
//	...
//	stats := s.Metrics()
//	stats.Quantum.Sample() // refresh the cached percentiles
//	fmt.Printf("switches/s: %.2f, P99 quantum: %v\n",
//		stats.ContextSwitches.Rate(), stats.Quantum.P99)
type Metrics struct {
	// Quantum tracks how long threads actually run before yielding or
	// being preempted.
	Quantum LatencyMetrics

	// ReadyDepth tracks per-priority ready queue occupancy.
	ReadyDepth QueueDepthMetrics

	// ContextSwitches counts context switches per second: Yields (including
	// preemptions) that switch to a different thread.
	ContextSwitches *RateCounter

	// Boosts counts how many times Boost has fired, split by trigger.
	Boosts struct {
		Congestion atomic.Uint64
		FailSafe   atomic.Uint64
	}
}

// LatencyMetrics tracks a latency distribution with percentiles using
// the P-Square algorithm for O(1) streaming percentile estimation.
type LatencyMetrics struct {
	psquare *pSquareMultiQuantile

	mu sync.RWMutex

	// Legacy sample buffer, kept so small sample counts get exact rather
	// than estimated percentiles.
	sampleIdx   int
	sampleCount int
	samples     [sampleSize]time.Duration

	P50 time.Duration
	P90 time.Duration
	P95 time.Duration
	P99 time.Duration
	Max time.Duration

	Mean time.Duration
	Sum  time.Duration
}

// sampleSize is the maximum number of latency samples retained for exact
// small-sample percentiles.
const sampleSize = 1000

// Record records a quantum-length sample.
func (l *LatencyMetrics) Record(duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.psquare == nil {
		l.psquare = newPSquareMultiQuantile(0.50, 0.90, 0.95, 0.99)
	}
	l.psquare.Update(float64(duration))

	if l.sampleCount >= sampleSize {
		old := l.samples[l.sampleIdx]
		l.Sum -= old
	}

	l.samples[l.sampleIdx] = duration
	l.Sum += duration
	l.sampleIdx++
	if l.sampleIdx >= sampleSize {
		l.sampleIdx = 0
	}
	if l.sampleCount < sampleSize {
		l.sampleCount++
	}
}

// Sample recomputes the cached percentiles and returns the sample count
// used.
func (l *LatencyMetrics) Sample() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := l.sampleCount
	if count == 0 {
		return 0
	}

	if count < 5 || l.psquare == nil {
		sorted := make([]time.Duration, count)
		copy(sorted, l.samples[:count])
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		l.P50 = sorted[percentileIndex(count, 50)]
		l.P90 = sorted[percentileIndex(count, 90)]
		l.P95 = sorted[percentileIndex(count, 95)]
		l.P99 = sorted[percentileIndex(count, 99)]
		l.Max = sorted[count-1]
		l.Mean = l.Sum / time.Duration(count)
		return count
	}

	l.P50 = time.Duration(l.psquare.Quantile(0))
	l.P90 = time.Duration(l.psquare.Quantile(1))
	l.P95 = time.Duration(l.psquare.Quantile(2))
	l.P99 = time.Duration(l.psquare.Quantile(3))
	l.Max = time.Duration(l.psquare.Max())
	l.Mean = l.Sum / time.Duration(count)
	return count
}

func percentileIndex(n, p int) int {
	index := (p * n) / 100
	if index >= n {
		return n - 1
	}
	return index
}

// QueueDepthMetrics tracks ready-queue occupancy, aggregated across all
// priority levels. PerPriority is indexed by priority.
type QueueDepthMetrics struct {
	mu sync.RWMutex

	Current int
	Max     int
	Avg     float64
	avgInit bool

	PerPriority []int
}

// Update records a new total ready-queue depth sample and the current
// per-priority breakdown. perPriority is copied.
func (q *QueueDepthMetrics) Update(total int, perPriority []int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.Current = total
	if total > q.Max {
		q.Max = total
	}
	if !q.avgInit {
		q.Avg = float64(total)
		q.avgInit = true
	} else {
		q.Avg = 0.9*q.Avg + 0.1*float64(total)
	}

	if cap(q.PerPriority) < len(perPriority) {
		q.PerPriority = make([]int, len(perPriority))
	}
	q.PerPriority = q.PerPriority[:len(perPriority)]
	copy(q.PerPriority, perPriority)
}

// RateCounter tracks an event rate with a rolling time window, used for
// context-switches-per-second.
//
// Configuration Trade-offs:
//
//	Larger windows: smoother rate, slower to detect changes.
//	Smaller windows: faster response, more volatile.
type RateCounter struct {
	lastRotation atomic.Value // time.Time
	buckets      []int64
	bucketSize   time.Duration
	windowSize   time.Duration
	mu           sync.Mutex
}

// NewRateCounter creates a rate counter with the given rolling window and
// bucket granularity. Both must be positive and bucketSize <= windowSize.
func NewRateCounter(windowSize, bucketSize time.Duration) *RateCounter {
	if windowSize <= 0 {
		panic("sched: windowSize must be positive")
	}
	if bucketSize <= 0 {
		panic("sched: bucketSize must be positive")
	}
	if bucketSize > windowSize {
		panic("sched: bucketSize cannot exceed windowSize")
	}

	bucketCount := int(windowSize / bucketSize)
	c := &RateCounter{
		buckets:    make([]int64, bucketCount),
		bucketSize: bucketSize,
		windowSize: windowSize,
	}
	c.lastRotation.Store(time.Now())
	return c
}

// Increment records one event.
func (c *RateCounter) Increment() {
	c.rotate()
	c.mu.Lock()
	c.buckets[len(c.buckets)-1]++
	c.mu.Unlock()
}

func (c *RateCounter) rotate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	last := c.lastRotation.Load().(time.Time)
	elapsed := now.Sub(last)

	advance64 := int64(elapsed) / int64(c.bucketSize)
	if advance64 < 0 {
		advance64 = int64(len(c.buckets))
	} else if advance64 > int64(len(c.buckets)) {
		advance64 = int64(len(c.buckets))
	}
	advance := int(advance64)

	if advance >= len(c.buckets) {
		for i := range c.buckets {
			c.buckets[i] = 0
		}
		c.lastRotation.Store(now)
		return
	}
	if advance <= 0 {
		return
	}

	copy(c.buckets, c.buckets[advance:])
	for i := len(c.buckets) - advance; i < len(c.buckets); i++ {
		c.buckets[i] = 0
	}
	c.lastRotation.Store(last.Add(time.Duration(advance) * c.bucketSize))
}

// Rate returns the current events-per-second rate.
func (c *RateCounter) Rate() float64 {
	c.rotate()

	c.mu.Lock()
	defer c.mu.Unlock()

	var sum int64
	for _, count := range c.buckets {
		sum += count
	}
	if sum == 0 {
		return 0
	}

	monitored := float64(len(c.buckets)) * c.bucketSize.Seconds()
	return float64(sum) / monitored
}
