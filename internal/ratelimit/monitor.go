package ratelimit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ResourceLimits configures the resource monitor
type ResourceLimits struct {
	MaxConcurrentJobs int
	MaxJobDuration    time.Duration
	MaxFileSizeBytes  int64
	MaxProgressFiles  int
	AcquireTimeout    time.Duration
}

// DefaultResourceLimits returns the standard limits
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MaxConcurrentJobs: 5,
		MaxJobDuration:    30 * time.Minute,
		MaxFileSizeBytes:  100 * 1024 * 1024,
		MaxProgressFiles:  1000,
		AcquireTimeout:    100 * time.Millisecond,
	}
}

// ResourceMonitor bounds concurrent jobs with a weighted semaphore and
// force-releases slots held past the maximum job duration.
type ResourceMonitor struct {
	limits ResourceLimits
	slots  *semaphore.Weighted

	mu         sync.Mutex
	activeJobs map[string]time.Time
}

// NewResourceMonitor creates a monitor
func NewResourceMonitor(limits ResourceLimits) *ResourceMonitor {
	if limits.MaxConcurrentJobs <= 0 {
		limits.MaxConcurrentJobs = 5
	}
	if limits.MaxJobDuration <= 0 {
		limits.MaxJobDuration = 30 * time.Minute
	}
	if limits.AcquireTimeout <= 0 {
		limits.AcquireTimeout = 100 * time.Millisecond
	}
	return &ResourceMonitor{
		limits:     limits,
		slots:      semaphore.NewWeighted(int64(limits.MaxConcurrentJobs)),
		activeJobs: make(map[string]time.Time),
	}
}

// Acquire attempts to take a job slot with a bounded wait so the admission
// decision stays prompt.
func (m *ResourceMonitor) Acquire(ctx context.Context, jobID string) bool {
	acquireCtx, cancel := context.WithTimeout(ctx, m.limits.AcquireTimeout)
	defer cancel()

	if err := m.slots.Acquire(acquireCtx, 1); err != nil {
		return false
	}

	m.mu.Lock()
	m.activeJobs[jobID] = time.Now()
	m.mu.Unlock()
	return true
}

// Release returns a job slot. Unknown job ids are ignored so release stays
// idempotent with the stale reaper.
func (m *ResourceMonitor) Release(jobID string) {
	m.mu.Lock()
	_, ok := m.activeJobs[jobID]
	if ok {
		delete(m.activeJobs, jobID)
	}
	m.mu.Unlock()

	if ok {
		m.slots.Release(1)
	}
}

// CleanupStale force-releases slots held past the maximum job duration and
// returns the count cleaned.
func (m *ResourceMonitor) CleanupStale() int {
	cutoff := time.Now().Add(-m.limits.MaxJobDuration)

	m.mu.Lock()
	var stale []string
	for jobID, started := range m.activeJobs {
		if started.Before(cutoff) {
			stale = append(stale, jobID)
		}
	}
	for _, jobID := range stale {
		delete(m.activeJobs, jobID)
	}
	m.mu.Unlock()

	for range stale {
		m.slots.Release(1)
	}
	return len(stale)
}

// ActiveJobs returns the ids of jobs currently holding slots
func (m *ResourceMonitor) ActiveJobs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.activeJobs))
	for jobID := range m.activeJobs {
		out = append(out, jobID)
	}
	return out
}

// CheckFileSize fails when the file exceeds the configured cap
func (m *ResourceMonitor) CheckFileSize(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot stat %s: %w", path, err)
	}
	if info.Size() > m.limits.MaxFileSizeBytes {
		return fmt.Errorf("file %s exceeds size limit: %d > %d bytes",
			path, info.Size(), m.limits.MaxFileSizeBytes)
	}
	return nil
}

// CheckProgressDir fails when the progress directory holds too many files
func (m *ResourceMonitor) CheckProgressDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("cannot read progress dir: %w", err)
	}
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), "job-") &&
			strings.HasSuffix(entry.Name(), ".json") {
			count++
		}
	}
	if count > m.limits.MaxProgressFiles {
		return fmt.Errorf("progress dir %s holds %d files, limit %d",
			filepath.Clean(dir), count, m.limits.MaxProgressFiles)
	}
	return nil
}

// MonitorStats summarises monitor occupancy
type MonitorStats struct {
	ActiveJobs        int `json:"active_jobs"`
	MaxConcurrentJobs int `json:"max_concurrent_jobs"`
}

// Stats returns current occupancy
func (m *ResourceMonitor) Stats() MonitorStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MonitorStats{
		ActiveJobs:        len(m.activeJobs),
		MaxConcurrentJobs: m.limits.MaxConcurrentJobs,
	}
}
