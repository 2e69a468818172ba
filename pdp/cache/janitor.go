package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	logger "github.com/dev-mohitbeniwal/echo/authz/logging"
)

// Janitor periodically drops expired entries so idle keys do not hold L1
// capacity until they are read again.
type Janitor struct {
	cache    *TieredCache
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}

	runs    atomic.Uint64
	removed atomic.Uint64
}

type JanitorStats struct {
	Runs    uint64 `json:"runs"`
	Removed uint64 `json:"removed"`
}

func NewJanitor(cache *TieredCache, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Janitor{cache: cache, interval: interval}
}

// Start launches the cleanup loop. Calling Start again restarts it.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cancel != nil {
		j.cancel()
		<-j.stopped
	}

	ctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.stopped = make(chan struct{})

	go j.loop(ctx, j.stopped)
}

func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel == nil {
		return
	}
	j.cancel()
	<-j.stopped
	j.cancel = nil
}

func (j *Janitor) loop(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.RunOnce()
		}
	}
}

// RunOnce performs a single cleanup pass.
func (j *Janitor) RunOnce() int {
	start := time.Now()
	n := j.cache.PurgeExpired()
	j.runs.Add(1)
	j.removed.Add(uint64(n))
	if n > 0 {
		logger.Debug("Cache cleanup completed",
			zap.Int("removed", n),
			zap.Int("l1Entries", j.cache.Len()),
			zap.Duration("took", time.Since(start)))
	}
	return n
}

func (j *Janitor) Stats() JanitorStats {
	return JanitorStats{Runs: j.runs.Load(), Removed: j.removed.Load()}
}
