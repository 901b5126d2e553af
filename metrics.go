package runloop

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is a point-in-time snapshot of a loop's runtime statistics,
// returned by [Loop.Metrics] when the loop was created with
// WithMetrics(true).
//
// Example:
//
//	loop, _ := New(WithMetrics(true))
//	_ = loop.RunUntilIdle()
//	stats := loop.Metrics()
//	fmt.Printf("ran %d, p99 queue latency %v\n",
//		stats.TasksRun, stats.Latency.P99)
type Metrics struct {
	// Latency is the distribution of time between a record becoming runnable
	// (posted, or reaching its target time) and starting to run.
	Latency LatencyMetrics

	// Queue depth statistics, sampled once per DoWork.
	Queue QueueMetrics

	// TPS is the number of tasks run per second over the rolling window.
	TPS float64

	TasksRun        uint64
	DelayedTasksRun uint64
	DeferredTasks   uint64
	DiscardedTasks  uint64
	PanickedTasks   uint64

	// MaxDepth is the deepest Run nesting observed.
	MaxDepth int
}

// LatencyMetrics summarizes latency samples with percentiles.
type LatencyMetrics struct {
	P50   time.Duration
	P90   time.Duration
	P95   time.Duration
	P99   time.Duration
	Max   time.Duration
	Mean  time.Duration
	Count int
}

// QueueMetrics tracks queue depth statistics.
type QueueMetrics struct {
	ImmediateCurrent int
	DelayedCurrent   int
	DeferredCurrent  int

	ImmediateMax int
	DelayedMax   int
	DeferredMax  int

	// Exponential moving averages with alpha=0.1, warm-started from the
	// first observation.
	ImmediateAvg float64
	DelayedAvg   float64
	DeferredAvg  float64
}

// sampleSize is the number of latency samples retained for percentiles.
const sampleSize = 1000

// loopMetrics is the collector behind Metrics. Writes happen on the owning
// goroutine, reads from any goroutine, hence the locks.
type loopMetrics struct {
	tps *TPSCounter

	latencyMu   sync.Mutex
	samples     [sampleSize]time.Duration
	sampleIdx   int
	sampleCount int
	sum         time.Duration

	queueMu     sync.Mutex
	queue       QueueMetrics
	queueWarmed bool

	tasksRun        atomic.Uint64
	delayedTasksRun atomic.Uint64
	deferredTasks   atomic.Uint64
	discardedTasks  atomic.Uint64
	panickedTasks   atomic.Uint64
	maxDepth        atomic.Int64
}

func newLoopMetrics() *loopMetrics {
	return &loopMetrics{
		tps: NewTPSCounter(10*time.Second, 100*time.Millisecond),
	}
}

// recordRun records one executed task and how long it waited.
func (m *loopMetrics) recordRun(wait time.Duration, delayed bool) {
	m.tasksRun.Add(1)
	if delayed {
		m.delayedTasksRun.Add(1)
	}
	m.tps.Increment()

	if wait < 0 {
		wait = 0
	}
	m.latencyMu.Lock()
	if m.sampleCount >= sampleSize {
		m.sum -= m.samples[m.sampleIdx]
	}
	m.samples[m.sampleIdx] = wait
	m.sum += wait
	m.sampleIdx++
	if m.sampleIdx >= sampleSize {
		m.sampleIdx = 0
	}
	if m.sampleCount < sampleSize {
		m.sampleCount++
	}
	m.latencyMu.Unlock()
}

func (m *loopMetrics) recordDepth(depth int) {
	for {
		cur := m.maxDepth.Load()
		if int64(depth) <= cur || m.maxDepth.CompareAndSwap(cur, int64(depth)) {
			return
		}
	}
}

func (m *loopMetrics) recordQueues(immediate, delayed, deferred int) {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	q := &m.queue
	q.ImmediateCurrent, q.DelayedCurrent, q.DeferredCurrent = immediate, delayed, deferred
	q.ImmediateMax = max(q.ImmediateMax, immediate)
	q.DelayedMax = max(q.DelayedMax, delayed)
	q.DeferredMax = max(q.DeferredMax, deferred)
	if !m.queueWarmed {
		q.ImmediateAvg, q.DelayedAvg, q.DeferredAvg = float64(immediate), float64(delayed), float64(deferred)
		m.queueWarmed = true
		return
	}
	q.ImmediateAvg = ema(q.ImmediateAvg, immediate)
	q.DelayedAvg = ema(q.DelayedAvg, delayed)
	q.DeferredAvg = ema(q.DeferredAvg, deferred)
}

func ema(avg float64, depth int) float64 {
	return 0.9*avg + 0.1*float64(depth)
}

// latency computes percentiles over the retained samples.
func (m *loopMetrics) latency() LatencyMetrics {
	m.latencyMu.Lock()
	count := m.sampleCount
	sorted := make([]time.Duration, count)
	copy(sorted, m.samples[:count])
	sum := m.sum
	m.latencyMu.Unlock()

	if count == 0 {
		return LatencyMetrics{}
	}
	slices.Sort(sorted)
	return LatencyMetrics{
		P50:   sorted[percentileIndex(count, 50)],
		P90:   sorted[percentileIndex(count, 90)],
		P95:   sorted[percentileIndex(count, 95)],
		P99:   sorted[percentileIndex(count, 99)],
		Max:   sorted[count-1],
		Mean:  sum / time.Duration(count),
		Count: count,
	}
}

func (m *loopMetrics) snapshot() *Metrics {
	m.queueMu.Lock()
	queue := m.queue
	m.queueMu.Unlock()
	return &Metrics{
		Latency:         m.latency(),
		Queue:           queue,
		TPS:             m.tps.TPS(),
		TasksRun:        m.tasksRun.Load(),
		DelayedTasksRun: m.delayedTasksRun.Load(),
		DeferredTasks:   m.deferredTasks.Load(),
		DiscardedTasks:  m.discardedTasks.Load(),
		PanickedTasks:   m.panickedTasks.Load(),
		MaxDepth:        int(m.maxDepth.Load()),
	}
}

// percentileIndex computes the index for a given percentile (0-100).
func percentileIndex(n, p int) int {
	index := (p * n) / 100
	if index >= n {
		return n - 1
	}
	return index
}

// TPSCounter tracks tasks per second with a rolling window.
//
// At startup TPS under-reports until the window fills, after which it is the
// average rate over the whole window.
//
// Thread Safety: All methods are thread-safe.
type TPSCounter struct {
	lastRotation atomic.Value // Stores time.Time
	buckets      []int64
	bucketSize   time.Duration
	windowSize   time.Duration
	totalCount   atomic.Int64
	mu           sync.Mutex
}

// NewTPSCounter creates a new TPS counter.
// windowSize is the time window for TPS calculation (e.g., 10*time.Second).
// bucketSize is the granularity of the rolling window (e.g., 100*time.Millisecond).
func NewTPSCounter(windowSize, bucketSize time.Duration) *TPSCounter {
	bucketCount := int(windowSize / bucketSize)
	if bucketCount < 1 {
		bucketCount = 1
	}
	counter := &TPSCounter{
		buckets:    make([]int64, bucketCount),
		bucketSize: bucketSize,
		windowSize: windowSize,
	}
	counter.lastRotation.Store(time.Now())
	return counter
}

// Increment records a task execution.
func (t *TPSCounter) Increment() {
	t.totalCount.Add(1)
	t.rotate()
	t.mu.Lock()
	t.buckets[len(t.buckets)-1]++
	t.mu.Unlock()
}

// Total returns the number of increments since creation.
func (t *TPSCounter) Total() int64 {
	return t.totalCount.Load()
}

// rotate advances the buckets if time has passed.
func (t *TPSCounter) rotate() {
	now := time.Now()
	lastRotation := t.lastRotation.Load().(time.Time)
	bucketsToAdvance := int(now.Sub(lastRotation) / t.bucketSize)
	if bucketsToAdvance <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if bucketsToAdvance >= len(t.buckets) {
		clear(t.buckets)
		t.lastRotation.Store(now)
		return
	}
	copy(t.buckets, t.buckets[bucketsToAdvance:])
	clear(t.buckets[len(t.buckets)-bucketsToAdvance:])
	t.lastRotation.Store(lastRotation.Add(time.Duration(bucketsToAdvance) * t.bucketSize))
}

// TPS returns the current tasks per second.
func (t *TPSCounter) TPS() float64 {
	t.rotate()

	t.mu.Lock()
	defer t.mu.Unlock()

	var sum int64
	for _, count := range t.buckets {
		sum += count
	}
	if sum == 0 {
		return 0
	}
	return float64(sum) / t.windowSize.Seconds()
}
