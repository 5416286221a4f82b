package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Evictor removes expired sessions.
type Evictor interface {
	EvictExpired(ctx context.Context) (int, error)
}

// SweepJob periodically evicts expired sessions. It holds no store-wide lock;
// each eviction takes only the locks of the session it inspects.
type SweepJob struct {
	evictor  Evictor
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewSweepJob creates a sweep job. A non-positive interval uses DefaultSweepInterval.
func NewSweepJob(evictor Evictor, interval time.Duration, logger *slog.Logger) *SweepJob {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepJob{
		evictor:  evictor,
		interval: interval,
		logger:   logger,
	}
}

// Start begins the periodic sweep in a goroutine. Starting a running job is a no-op.
func (j *SweepJob) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return nil
	}

	j.running = true
	j.stopChan = make(chan struct{})

	j.wg.Add(1)
	go j.run(ctx, j.stopChan)

	j.logger.Info("session sweep job started", "interval", j.interval)
	return nil
}

// Stop stops the sweep and waits for an in-progress run to finish.
func (j *SweepJob) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	close(j.stopChan)
	j.running = false
	j.mu.Unlock()

	j.wg.Wait()
	j.logger.Info("session sweep job stopped")
}

// RunOnce executes a single sweep immediately.
func (j *SweepJob) RunOnce(ctx context.Context) (int, error) {
	return j.evictor.EvictExpired(ctx)
}

// IsRunning reports whether the job is running.
func (j *SweepJob) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

func (j *SweepJob) run(ctx context.Context, stop <-chan struct{}) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.mu.Lock()
			j.running = false
			j.mu.Unlock()
			return
		case <-stop:
			return
		case <-ticker.C:
			if evicted, err := j.evictor.EvictExpired(ctx); err != nil {
				j.logger.Error("session sweep failed", "evicted", evicted, "error", err)
			} else if evicted > 0 {
				j.logger.Debug("session sweep completed", "evicted", evicted)
			}
		}
	}
}
