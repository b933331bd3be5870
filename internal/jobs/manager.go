package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lesleslie/crackerjack-mcp/internal/audit"
	"github.com/lesleslie/crackerjack-mcp/internal/metrics"
	"github.com/lesleslie/crackerjack-mcp/internal/progress"
)

// Subscriber is one observer of a job's snapshots, typically a WebSocket
// connection. SendJSON must honour the context deadline.
type Subscriber interface {
	SendJSON(ctx context.Context, v interface{}) error
}

// Config tunes the job manager's loops and timeouts
type Config struct {
	SendTimeout      time.Duration // per-subscriber send
	BroadcastTimeout time.Duration // whole broadcast batch
	StallThreshold   time.Duration // running + older mtime => reaped
	StallScanPeriod  time.Duration
	CleanupMaxAge    time.Duration // progress files older than this are removed
	CleanupPeriod    time.Duration
	MonitorPeriod    time.Duration // new-job detection scan
}

// DefaultConfig returns the standard manager tuning
func DefaultConfig() Config {
	return Config{
		SendTimeout:      2 * time.Second,
		BroadcastTimeout: 5 * time.Second,
		StallThreshold:   30 * time.Minute,
		StallScanPeriod:  5 * time.Minute,
		CleanupMaxAge:    24 * time.Hour,
		CleanupPeriod:    time.Hour,
		MonitorPeriod:    time.Second,
	}
}

// Manager owns job ids on disk, the job->subscriber map, and the background
// loops that keep the progress directory healthy.
type Manager struct {
	cfg     Config
	store   *progress.Store
	monitor progress.Monitor
	auditor *audit.Logger

	mu          sync.Mutex
	connections map[string]map[Subscriber]bool
	knownJobs   map[string]bool
	subTokens   map[string]int

	queue   chan *progress.Snapshot
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a manager. The audit logger may be nil.
func NewManager(cfg Config, store *progress.Store, monitor progress.Monitor, auditor *audit.Logger, queueSize int) *Manager {
	if queueSize <= 0 {
		queueSize = 1000
	}
	return &Manager{
		cfg:         cfg,
		store:       store,
		monitor:     monitor,
		auditor:     auditor,
		connections: make(map[string]map[Subscriber]bool),
		knownJobs:   make(map[string]bool),
		subTokens:   make(map[string]int),
		queue:       make(chan *progress.Snapshot, queueSize),
	}
}

// AddConnection registers a subscriber for a job. Idempotent.
func (m *Manager) AddConnection(jobID string, sub Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connections[jobID] == nil {
		m.connections[jobID] = make(map[Subscriber]bool)
	}
	m.connections[jobID][sub] = true
	m.ensureSubscribedLocked(jobID)
}

// RemoveConnection drops a subscriber, removing the map entry when empty.
// Idempotent.
func (m *Manager) RemoveConnection(jobID string, sub Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conns, ok := m.connections[jobID]; ok {
		delete(conns, sub)
		if len(conns) == 0 {
			delete(m.connections, jobID)
		}
	}
}

// ConnectionCount returns the number of subscribers for a job
func (m *Manager) ConnectionCount(jobID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connections[jobID])
}

// TotalConnections returns subscribers across all jobs
func (m *Manager) TotalConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, conns := range m.connections {
		total += len(conns)
	}
	return total
}

// ensureSubscribedLocked wires the fan-out monitor to the broadcast queue
// for a job, once. Full queue drops the new event and counts it.
func (m *Manager) ensureSubscribedLocked(jobID string) {
	if _, ok := m.subTokens[jobID]; ok {
		return
	}
	m.subTokens[jobID] = m.monitor.Subscribe(jobID, func(s *progress.Snapshot) {
		select {
		case m.queue <- s:
		default:
			metrics.ProgressEventsDropped.Inc()
		}
	})
}

// Broadcast sends data to every subscriber of a job. Each send gets its own
// timeout inside an overall batch budget; subscribers that fail or are still
// pending at the batch deadline are dropped.
func (m *Manager) Broadcast(jobID string, data interface{}) {
	m.mu.Lock()
	conns := make([]Subscriber, 0, len(m.connections[jobID]))
	for sub := range m.connections[jobID] {
		conns = append(conns, sub)
	}
	m.mu.Unlock()

	if len(conns) == 0 {
		return
	}

	batchCtx, cancel := context.WithTimeout(context.Background(), m.cfg.BroadcastTimeout)
	defer cancel()

	var wg sync.WaitGroup
	failed := make(chan Subscriber, len(conns))
	for _, sub := range conns {
		wg.Add(1)
		go func(sub Subscriber) {
			defer wg.Done()
			sendCtx, sendCancel := context.WithTimeout(batchCtx, m.cfg.SendTimeout)
			defer sendCancel()
			if err := sub.SendJSON(sendCtx, data); err != nil {
				failed <- sub
			}
		}(sub)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-batchCtx.Done():
		// Pending sends are cancelled via the batch context; their
		// subscribers report failure below once SendJSON returns.
		<-done
	}
	close(failed)

	for sub := range failed {
		metrics.BroadcastFailuresTotal.Inc()
		m.RemoveConnection(jobID, sub)
	}
}

// GetLatestJobID returns the id of the most recently written progress file
func (m *Manager) GetLatestJobID() string {
	return m.store.LatestJobID()
}

// GetProgress validates the id and returns the job's current snapshot
func (m *Manager) GetProgress(ctx context.Context, jobID string) (*progress.Snapshot, error) {
	return m.store.Read(ctx, jobID)
}

// Start launches the background loops. Idempotent.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(4)
	go m.broadcastLoop(loopCtx)
	go func() {
		defer m.wg.Done()
		runResilient(loopCtx, "job_file_monitor", m.cfg.MonitorPeriod, m.monitorTick)
	}()
	go func() {
		defer m.wg.Done()
		runResilient(loopCtx, "job_cleanup", m.cfg.CleanupPeriod, m.cleanupTick)
	}()
	go func() {
		defer m.wg.Done()
		runResilient(loopCtx, "job_stall_timeout", m.cfg.StallScanPeriod, m.stallTick)
	}()
}

// Stop cancels the loops and awaits their exit. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.stopped = true
		m.mu.Unlock()
		return
	}
	m.stopped = true
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

func (m *Manager) broadcastLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case snapshot := <-m.queue:
			m.Broadcast(snapshot.JobID, snapshot)
		case <-ctx.Done():
			return
		}
	}
}

// monitorTick detects progress files it has not seen and subscribes their
// jobs to the fan-out so future changes reach connected clients.
func (m *Manager) monitorTick(ctx context.Context) error {
	for _, jobID := range m.store.List() {
		m.mu.Lock()
		first := !m.knownJobs[jobID]
		if first {
			m.knownJobs[jobID] = true
			m.ensureSubscribedLocked(jobID)
		}
		m.mu.Unlock()

		if first {
			slog.Debug("New job detected", "job_id", jobID)
		}
	}
	return nil
}

// cleanupTick deletes progress files past the age cutoff for jobs with no
// active connections.
func (m *Manager) cleanupTick(ctx context.Context) error {
	cutoff := time.Now().Add(-m.cfg.CleanupMaxAge)
	entries, err := os.ReadDir(m.store.Dir())
	if err != nil {
		return fmt.Errorf("cleanup scan failed: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		jobID := progress.JobIDFromFileName(entry.Name())
		if jobID == "" {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if m.ConnectionCount(jobID) > 0 {
			continue
		}
		if err := os.Remove(filepath.Join(m.store.Dir(), entry.Name())); err == nil {
			removed++
			m.mu.Lock()
			delete(m.knownJobs, jobID)
			if token, ok := m.subTokens[jobID]; ok {
				m.monitor.Unsubscribe(jobID, token)
				delete(m.subTokens, jobID)
			}
			m.mu.Unlock()
		}
	}
	if removed > 0 {
		slog.Info("Cleaned up aged progress files", "count", removed)
	}
	return nil
}

// stallTick rewrites running snapshots whose file has not been updated for
// the stall threshold.
func (m *Manager) stallTick(ctx context.Context) error {
	cutoff := time.Now().Add(-m.cfg.StallThreshold)
	entries, err := os.ReadDir(m.store.Dir())
	if err != nil {
		return fmt.Errorf("stall scan failed: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		jobID := progress.JobIDFromFileName(entry.Name())
		if jobID == "" {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		snapshot, err := m.store.Read(ctx, jobID)
		if err != nil || snapshot.Status != progress.StatusRunning {
			continue
		}

		age := time.Since(info.ModTime())
		snapshot.Status = progress.StatusFailed
		snapshot.Message = "Job timed out (no updates for 30 minutes)"
		snapshot.Timestamp = ""
		if err := m.store.Write(ctx, snapshot); err != nil {
			slog.Warn("Failed to reap stalled job", "job_id", jobID, "error", err)
			continue
		}
		metrics.JobsReapedTotal.Inc()
		if m.auditor != nil {
			m.auditor.LogJobTimedOut(ctx, jobID, age)
		}
		slog.Warn("Stalled job marked failed", "job_id", jobID, "stale_for", age)
	}
	return nil
}

// resilientFirstBackoff is the initial retry delay; a variable so tests can
// shorten it.
var resilientFirstBackoff = time.Second

// runResilient drives a periodic tick with exponential backoff on failure,
// capped at 60s, aborting after 5 consecutive failures.
func runResilient(ctx context.Context, name string, period time.Duration, tick func(context.Context) error) {
	const (
		maxBackoff  = 60 * time.Second
		maxFailures = 5
	)
	firstBackoff := resilientFirstBackoff

	backoff := firstBackoff
	failures := 0
	wait := period

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return tick(ctx)
		}()

		if err != nil {
			failures++
			slog.Error("Background loop tick failed", "loop", name,
				"error", err, "consecutive_failures", failures)
			if failures >= maxFailures {
				slog.Error("Background loop aborted after repeated failures", "loop", name)
				return
			}
			wait = backoff
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		failures = 0
		backoff = firstBackoff
		wait = period
	}
}
