package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchMonitor is the event-driven fan-out: an OS directory watch with a
// short debounce of identical events.
type watchMonitor struct {
	store    *Store
	subs     *subscriberSet
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu        sync.Mutex
	lastEvent map[string]time.Time
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// newWatchMonitor establishes the OS watch eagerly so construction fails
// fast when the platform cannot provide one.
func newWatchMonitor(store *Store, debounce time.Duration) (*watchMonitor, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("cannot create file watcher: %w", err)
	}
	if err := watcher.Add(store.Dir()); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("cannot watch progress dir: %w", err)
	}
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	return &watchMonitor{
		store:     store,
		subs:      newSubscriberSet(),
		watcher:   watcher,
		debounce:  debounce,
		lastEvent: make(map[string]time.Time),
	}, nil
}

func (m *watchMonitor) Subscribe(jobID string, cb Callback) int {
	return m.subs.subscribe(jobID, cb)
}

func (m *watchMonitor) Unsubscribe(jobID string, token int) {
	m.subs.unsubscribe(jobID, token)
}

func (m *watchMonitor) GetCurrent(jobID string) (*Snapshot, error) {
	return m.store.Read(context.Background(), jobID)
}

func (m *watchMonitor) CleanupCompleted(maxAge time.Duration) int {
	return cleanupCompleted(m.store, m.subs, maxAge)
}

// Notify dispatches a locally written snapshot without waiting for the OS
// event, and records it for debouncing.
func (m *watchMonitor) Notify(snapshot *Snapshot) {
	m.mu.Lock()
	m.lastEvent[snapshot.JobID] = time.Now()
	m.mu.Unlock()
	m.subs.dispatch(snapshot)
}

func (m *watchMonitor) Start(ctx context.Context) error {
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

func (m *watchMonitor) loop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			m.handleEvent(event.Name)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Progress watcher error", "error", err)
		case <-ctx.Done():
			return
		}
	}
}

func (m *watchMonitor) handleEvent(path string) {
	jobID := JobIDFromFileName(leafName(path))
	if jobID == "" {
		return
	}

	// Identical events inside the debounce window collapse to one read.
	now := time.Now()
	m.mu.Lock()
	if last, ok := m.lastEvent[jobID]; ok && now.Sub(last) < m.debounce {
		m.mu.Unlock()
		return
	}
	m.lastEvent[jobID] = now
	m.mu.Unlock()

	snapshot, err := m.store.Read(context.Background(), jobID)
	if err != nil {
		slog.Debug("Skipping unreadable progress file", "job_id", jobID, "error", err)
		return
	}
	m.subs.dispatch(snapshot)
}

func leafName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}

func (m *watchMonitor) Stop() {
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
	m.watcher.Close()
	m.wg.Wait()
}
