package metrics

import (
	"sort"
	"sync"
	"time"
)

// maxSamples bounds the latency window kept per operation.
const maxSamples = 1024

// Aggregator aggregates metrics in memory. Safe for concurrent use.
type Aggregator struct {
	mu sync.RWMutex

	operations map[string]*opBucket
	events     map[string]int64
}

type opBucket struct {
	count        int64
	successCount int64
	latencySum   int64 // in microseconds
	// samples is a ring of the most recent latencies, in microseconds.
	samples []int64
	next    int
}

// NewAggregator creates a new metrics aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		operations: make(map[string]*opBucket),
		events:     make(map[string]int64),
	}
}

// RecordOperation records a single timed operation.
func (a *Aggregator) RecordOperation(op string, latency time.Duration, success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	bucket, exists := a.operations[op]
	if !exists {
		bucket = &opBucket{samples: make([]int64, 0, 64)}
		a.operations[op] = bucket
	}

	us := latency.Microseconds()
	bucket.count++
	if success {
		bucket.successCount++
	}
	bucket.latencySum += us
	if len(bucket.samples) < maxSamples {
		bucket.samples = append(bucket.samples, us)
	} else {
		bucket.samples[bucket.next] = us
		bucket.next = (bucket.next + 1) % maxSamples
	}
}

// Incr adds n to an event counter.
func (a *Aggregator) Incr(event string, n int64) {
	a.mu.Lock()
	a.events[event] += n
	a.mu.Unlock()
}

// Count returns the current value of an event counter.
func (a *Aggregator) Count(event string) int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.events[event]
}

// Snapshot returns aggregated stats.
func (a *Aggregator) Snapshot() *Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	snap := &Snapshot{
		Operations: make(map[string]*OperationStat, len(a.operations)),
		Events:     make(map[string]int64, len(a.events)),
	}
	for name, n := range a.events {
		snap.Events[name] = n
	}
	for name, bucket := range a.operations {
		stat := &OperationStat{
			Count:        bucket.count,
			SuccessCount: bucket.successCount,
			LatencyP50:   time.Duration(percentile(bucket.samples, 50)) * time.Microsecond,
			LatencyP95:   time.Duration(percentile(bucket.samples, 95)) * time.Microsecond,
		}
		if bucket.count > 0 {
			stat.SuccessRate = float32(bucket.successCount) / float32(bucket.count)
			stat.AvgLatency = time.Duration(bucket.latencySum/bucket.count) * time.Microsecond
		}
		snap.Operations[name] = stat
	}
	return snap
}

// Reset clears all metrics.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.operations = make(map[string]*opBucket)
	a.events = make(map[string]int64)
}

func percentile(samples []int64, p int) int64 {
	if len(samples) == 0 {
		return 0
	}

	sorted := make([]int64, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := (len(sorted) - 1) * p / 100
	return sorted[idx]
}
