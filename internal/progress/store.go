package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lesleslie/crackerjack-mcp/internal/metrics"
	"github.com/lesleslie/crackerjack-mcp/internal/security"
)

// Notifier receives locally written snapshots. Implemented by the fan-out
// monitor and by the event bridge.
type Notifier interface {
	Notify(snapshot *Snapshot)
}

// Store owns the progress directory: one job-<id>.json file per job,
// whole-file replaced on every write.
type Store struct {
	dir          string
	sanitizer    *security.Sanitizer
	maxFileBytes int64
	notifiers    []Notifier
}

// NewStore creates a store rooted at dir
func NewStore(dir string, sanitizer *security.Sanitizer, maxFileBytes int64) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve progress dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create progress dir: %w", err)
	}
	if maxFileBytes <= 0 {
		maxFileBytes = 100 * 1024 * 1024
	}
	return &Store{
		dir:          abs,
		sanitizer:    sanitizer,
		maxFileBytes: maxFileBytes,
	}, nil
}

// Dir returns the resolved progress directory
func (s *Store) Dir() string {
	return s.dir
}

// AddNotifier registers an in-process observer of local writes
func (s *Store) AddNotifier(n Notifier) {
	s.notifiers = append(s.notifiers, n)
}

// path validates the job id and confines the resulting file to the
// progress directory.
func (s *Store) path(ctx context.Context, jobID string) (string, error) {
	if result := s.sanitizer.ValidateJobID(ctx, jobID); !result.Valid {
		return "", fmt.Errorf("invalid job_id: %s", result.ErrorMessage)
	}
	p := filepath.Join(s.dir, FileName(jobID))
	resolved, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("cannot resolve progress path: %w", err)
	}
	rel, err := filepath.Rel(s.dir, resolved)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("progress path escapes directory")
	}
	return resolved, nil
}

// Write clamps, stamps, and atomically replaces the job's snapshot file,
// then notifies registered observers.
func (s *Store) Write(ctx context.Context, snapshot *Snapshot) error {
	path, err := s.path(ctx, snapshot.JobID)
	if err != nil {
		return err
	}

	snapshot.Clamp()
	snapshot.Stamp()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		// Overwrite in place on platforms where rename over an open file fails.
		if werr := os.WriteFile(path, data, 0o644); werr != nil {
			os.Remove(tmp)
			return fmt.Errorf("failed to replace snapshot: %w", werr)
		}
		os.Remove(tmp)
	}

	metrics.SnapshotsWrittenTotal.Inc()

	for _, n := range s.notifiers {
		n.Notify(snapshot)
	}
	return nil
}

// Read validates the id and file size, then parses the snapshot
func (s *Store) Read(ctx context.Context, jobID string) (*Snapshot, error) {
	path, err := s.path(ctx, jobID)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("job %s not found: %w", jobID, err)
	}
	if info.Size() > s.maxFileBytes {
		return nil, fmt.Errorf("progress file for %s exceeds size limit: %d > %d",
			jobID, info.Size(), s.maxFileBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read progress for %s: %w", jobID, err)
	}
	return ParseSnapshot(data)
}

// Delete removes a job's snapshot file
func (s *Store) Delete(ctx context.Context, jobID string) error {
	path, err := s.path(ctx, jobID)
	if err != nil {
		return err
	}
	return os.Remove(path)
}

// List returns the job ids with snapshot files, unordered
func (s *Store) List() []string {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if id := JobIDFromFileName(entry.Name()); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// LatestJobID returns the id of the snapshot file with the greatest mtime,
// or "" when the directory is empty.
func (s *Store) LatestJobID() string {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return ""
	}
	latest := ""
	var latestMod int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id := JobIDFromFileName(entry.Name())
		if id == "" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); latest == "" || mod > latestMod {
			latest = id
			latestMod = mod
		}
	}
	return latest
}
