package progress

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lesleslie/crackerjack-mcp/internal/security"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	sanitizer := security.NewSanitizer(security.DefaultConfig(), nil)
	store, err := NewStore(t.TempDir(), sanitizer, 1024*1024)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return store
}

func TestWriteReadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	in := &Snapshot{
		JobID:           "abc123",
		Status:          StatusRunning,
		Iteration:       2,
		MaxIterations:   10,
		CurrentStage:    "tests",
		OverallProgress: 42,
		StageProgress:   50,
		Message:         "running tests",
	}
	if err := store.Write(ctx, in); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := store.Read(ctx, "abc123")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.Status != StatusRunning || got.Iteration != 2 || got.CurrentStage != "tests" {
		t.Errorf("round trip lost fields: %+v", got)
	}
	if got.Timestamp == "" {
		t.Error("timestamp not stamped on write")
	}
}

func TestWriteClampsProgress(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Write(ctx, &Snapshot{
		JobID:           "clamp",
		Status:          StatusRunning,
		OverallProgress: 180,
		StageProgress:   -20,
	}); err != nil {
		t.Fatal(err)
	}

	got, err := store.Read(ctx, "clamp")
	if err != nil {
		t.Fatal(err)
	}
	if got.OverallProgress != 100 {
		t.Errorf("OverallProgress = %v, want 100", got.OverallProgress)
	}
	if got.StageProgress != 0 {
		t.Errorf("StageProgress = %v, want 0", got.StageProgress)
	}
}

func TestWriteRejectsBadJobID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"../etc/passwd", "a/b", "", "bad id"} {
		if err := store.Write(ctx, &Snapshot{JobID: id, Status: StatusRunning}); err == nil {
			t.Errorf("Write accepted job id %q", id)
		}
	}

	// Nothing leaked outside the job-<id>.json naming scheme.
	entries, _ := os.ReadDir(store.Dir())
	for _, entry := range entries {
		if JobIDFromFileName(entry.Name()) == "" {
			t.Errorf("unexpected file in progress dir: %s", entry.Name())
		}
	}
}

func TestReadEnforcesSizeCap(t *testing.T) {
	sanitizer := security.NewSanitizer(security.DefaultConfig(), nil)
	store, err := NewStore(t.TempDir(), sanitizer, 64)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	big := &Snapshot{JobID: "big", Status: StatusRunning, Message: string(make([]byte, 200))}
	data, _ := json.Marshal(big)
	if err := os.WriteFile(filepath.Join(store.Dir(), FileName("big")), data, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Read(ctx, "big"); err == nil {
		t.Error("oversize progress file parsed")
	}
}

func TestReadNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Read(context.Background(), "missing"); err == nil {
		t.Error("Read(missing) = nil error")
	}
}

func TestLatestJobID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if got := store.LatestJobID(); got != "" {
		t.Errorf("LatestJobID on empty dir = %q", got)
	}

	if err := store.Write(ctx, &Snapshot{JobID: "older", Status: StatusRunning}); err != nil {
		t.Fatal(err)
	}
	// Push the second file's mtime clearly past the first.
	if err := store.Write(ctx, &Snapshot{JobID: "newer", Status: StatusRunning}); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(filepath.Join(store.Dir(), FileName("newer")), future, future); err != nil {
		t.Fatal(err)
	}

	if got := store.LatestJobID(); got != "newer" {
		t.Errorf("LatestJobID = %q, want newer", got)
	}
}

func TestJobIDFromFileName(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"job-abc.json", "abc"},
		{"job-a1-b2_c3.json", "a1-b2_c3"},
		{"job-.json", ""},
		{"other.json", ""},
		{"job-abc.txt", ""},
		{"job-abc", ""},
	}
	for _, tt := range tests {
		if got := JobIDFromFileName(tt.name); got != tt.want {
			t.Errorf("JobIDFromFileName(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestNotifierReceivesWrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	store.AddNotifier(notifierFunc(func(s *Snapshot) {
		mu.Lock()
		seen = append(seen, s.JobID)
		mu.Unlock()
	}))

	if err := store.Write(ctx, &Snapshot{JobID: "n1", Status: StatusRunning}); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "n1" {
		t.Errorf("notifier saw %v, want [n1]", seen)
	}
}

type notifierFunc func(*Snapshot)

func (f notifierFunc) Notify(s *Snapshot) { f(s) }
