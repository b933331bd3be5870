package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Middleware wraps the limiter and resource monitor and owns the periodic
// stale-slot cleanup task.
type Middleware struct {
	Limiter *Limiter
	Monitor *ResourceMonitor

	cleanupPeriod time.Duration

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMiddleware creates the admission middleware
func NewMiddleware(limits Limits, resources ResourceLimits, cleanupPeriod time.Duration) *Middleware {
	if cleanupPeriod <= 0 {
		cleanupPeriod = 5 * time.Minute
	}
	return &Middleware{
		Limiter:       NewLimiter(limits),
		Monitor:       NewResourceMonitor(resources),
		cleanupPeriod: cleanupPeriod,
	}
}

// Start launches the periodic cleanup task. Idempotent.
func (m *Middleware) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cleanupPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if cleaned := m.Monitor.CleanupStale(); cleaned > 0 {
					slog.Warn("Force-released stale job slots", "count", cleaned)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the cleanup task and awaits its exit. Idempotent.
func (m *Middleware) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

// CheckRequest consults the rate limiter for a client
func (m *Middleware) CheckRequest(clientID string) Decision {
	return m.Limiter.IsAllowed(clientID)
}

// AcquireJob attempts to admit a new job
func (m *Middleware) AcquireJob(ctx context.Context, jobID string) bool {
	return m.Monitor.Acquire(ctx, jobID)
}

// ReleaseJob returns a job slot
func (m *Middleware) ReleaseJob(jobID string) {
	m.Monitor.Release(jobID)
}
