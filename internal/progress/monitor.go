package progress

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Callback receives snapshots for a subscribed job
type Callback func(*Snapshot)

// Monitor is the fan-out contract. Two implementations exist: an fsnotify
// watcher and a polling fallback; exactly one runs per server.
type Monitor interface {
	Subscribe(jobID string, cb Callback) int
	Unsubscribe(jobID string, token int)
	GetCurrent(jobID string) (*Snapshot, error)
	CleanupCompleted(maxAge time.Duration) int
	Start(ctx context.Context) error
	Stop()
	Notify(snapshot *Snapshot)
}

// NewMonitor picks the watcher when the OS watch can be established,
// otherwise the poller. forcePolling skips the probe.
func NewMonitor(store *Store, pollPeriod, debounce time.Duration, forcePolling bool) Monitor {
	if !forcePolling {
		if w, err := newWatchMonitor(store, debounce); err == nil {
			return w
		} else {
			slog.Warn("File watch unavailable, using polling monitor", "error", err)
		}
	}
	return newPollMonitor(store, pollPeriod)
}

// subscriberSet is the registry shared by both monitor implementations.
// Panicking callbacks are removed from the set.
type subscriberSet struct {
	mu          sync.Mutex
	subscribers map[string]map[int]Callback
	nextToken   int
	lastStatus  map[string]Status
}

func newSubscriberSet() *subscriberSet {
	return &subscriberSet{
		subscribers: make(map[string]map[int]Callback),
		lastStatus:  make(map[string]Status),
	}
}

func (s *subscriberSet) subscribe(jobID string, cb Callback) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextToken++
	token := s.nextToken
	if s.subscribers[jobID] == nil {
		s.subscribers[jobID] = make(map[int]Callback)
	}
	s.subscribers[jobID][token] = cb
	return token
}

func (s *subscriberSet) unsubscribe(jobID string, token int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cbs, ok := s.subscribers[jobID]; ok {
		delete(cbs, token)
		if len(cbs) == 0 {
			delete(s.subscribers, jobID)
		}
	}
}

// dispatch fans a snapshot out to the job's subscribers. Failing callbacks
// are dropped so one bad observer cannot poison the set.
func (s *subscriberSet) dispatch(snapshot *Snapshot) {
	s.mu.Lock()
	s.lastStatus[snapshot.JobID] = snapshot.Status
	cbs := make(map[int]Callback, len(s.subscribers[snapshot.JobID]))
	for token, cb := range s.subscribers[snapshot.JobID] {
		cbs[token] = cb
	}
	s.mu.Unlock()

	for token, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Warn("Progress callback failed, removing subscriber",
						"job_id", snapshot.JobID, "panic", r)
					s.unsubscribe(snapshot.JobID, token)
				}
			}()
			cb(snapshot)
		}()
	}
}

func (s *subscriberSet) statusOf(jobID string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.lastStatus[jobID]
	return status, ok
}

func (s *subscriberSet) forget(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lastStatus, jobID)
}

// cleanupCompleted deletes snapshot files older than the cutoff whose last
// observed status is terminal; malformed files are unlinked unconditionally.
func cleanupCompleted(store *Store, subs *subscriberSet, maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	entries, err := os.ReadDir(store.Dir())
	if err != nil {
		return 0
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		jobID := JobIDFromFileName(entry.Name())
		if jobID == "" {
			continue
		}
		path := filepath.Join(store.Dir(), entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		snapshot, err := ParseSnapshot(data)
		if err != nil {
			// Malformed progress files are junk regardless of age.
			if os.Remove(path) == nil {
				removed++
			}
			continue
		}

		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		status := snapshot.Status
		if observed, ok := subs.statusOf(jobID); ok {
			status = observed
		}
		if status != StatusCompleted && status != StatusFailed {
			continue
		}
		if os.Remove(path) == nil {
			subs.forget(jobID)
			removed++
		}
	}
	return removed
}
