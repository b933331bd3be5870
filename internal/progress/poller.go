package progress

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// pollMonitor is the fallback fan-out: a periodic scan of the progress
// directory firing callbacks for files whose mtime has increased.
type pollMonitor struct {
	store  *Store
	subs   *subscriberSet
	period time.Duration

	mu        sync.Mutex
	lastMtime map[string]int64
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func newPollMonitor(store *Store, period time.Duration) *pollMonitor {
	if period <= 0 {
		period = 500 * time.Millisecond
	}
	return &pollMonitor{
		store:     store,
		subs:      newSubscriberSet(),
		period:    period,
		lastMtime: make(map[string]int64),
	}
}

func (m *pollMonitor) Subscribe(jobID string, cb Callback) int {
	return m.subs.subscribe(jobID, cb)
}

func (m *pollMonitor) Unsubscribe(jobID string, token int) {
	m.subs.unsubscribe(jobID, token)
}

func (m *pollMonitor) GetCurrent(jobID string) (*Snapshot, error) {
	return m.store.Read(context.Background(), jobID)
}

func (m *pollMonitor) CleanupCompleted(maxAge time.Duration) int {
	return cleanupCompleted(m.store, m.subs, maxAge)
}

// Notify dispatches a locally written snapshot immediately; the next scan
// sees an unchanged mtime and stays quiet.
func (m *pollMonitor) Notify(snapshot *Snapshot) {
	m.recordMtime(snapshot.JobID)
	m.subs.dispatch(snapshot)
}

func (m *pollMonitor) recordMtime(jobID string) {
	info, err := os.Stat(m.store.Dir() + string(os.PathSeparator) + FileName(jobID))
	if err != nil {
		return
	}
	m.mu.Lock()
	m.lastMtime[jobID] = info.ModTime().UnixNano()
	m.mu.Unlock()
}

func (m *pollMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(loopCtx)
	return nil
}

func (m *pollMonitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.scan()
		case <-ctx.Done():
			return
		}
	}
}

func (m *pollMonitor) scan() {
	entries, err := os.ReadDir(m.store.Dir())
	if err != nil {
		slog.Warn("Progress poll scan failed", "error", err)
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		jobID := JobIDFromFileName(entry.Name())
		if jobID == "" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		mtime := info.ModTime().UnixNano()

		m.mu.Lock()
		last, seen := m.lastMtime[jobID]
		if seen && mtime <= last {
			m.mu.Unlock()
			continue
		}
		m.lastMtime[jobID] = mtime
		m.mu.Unlock()

		snapshot, err := m.store.Read(context.Background(), jobID)
		if err != nil {
			continue
		}
		m.subs.dispatch(snapshot)
	}
}

func (m *pollMonitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}
