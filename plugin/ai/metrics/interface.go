// Package metrics aggregates operational metrics of the session cache in memory.
package metrics

import (
	"time"
)

// Recorder receives operation timings and event counts.
type Recorder interface {
	// RecordOperation records one timed operation such as an append or a save.
	RecordOperation(op string, latency time.Duration, success bool)

	// Incr adds n to the named event counter.
	Incr(event string, n int64)
}

// Snapshot is a point-in-time view of aggregated metrics.
type Snapshot struct {
	Operations map[string]*OperationStat `json:"operations"`
	Events     map[string]int64          `json:"events"`
}

// OperationStat summarizes one operation.
type OperationStat struct {
	Count        int64         `json:"count"`
	SuccessCount int64         `json:"success_count"`
	SuccessRate  float32       `json:"success_rate"`
	AvgLatency   time.Duration `json:"avg_latency"`
	LatencyP50   time.Duration `json:"latency_p50"`
	LatencyP95   time.Duration `json:"latency_p95"`
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordOperation(string, time.Duration, bool) {}
func (Nop) Incr(string, int64)                          {}

var (
	_ Recorder = Nop{}
	_ Recorder = (*Aggregator)(nil)
)
