package progress

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status enumerates job progress states
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Snapshot is the materialised progress of one job. The on-disk file's
// mtime is authoritative for ordering.
type Snapshot struct {
	JobID           string         `json:"job_id"`
	Status          Status         `json:"status"`
	Iteration       int            `json:"iteration"`
	MaxIterations   int            `json:"max_iterations"`
	CurrentStage    string         `json:"current_stage"`
	OverallProgress float64        `json:"overall_progress"`
	StageProgress   float64        `json:"stage_progress"`
	Message         string         `json:"message"`
	Timestamp       string         `json:"timestamp"`
	ErrorCounts     map[string]int `json:"error_counts,omitempty"`
}

// Clamp forces both progress values into 0..100
func (s *Snapshot) Clamp() {
	s.OverallProgress = clampPercent(s.OverallProgress)
	s.StageProgress = clampPercent(s.StageProgress)
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Stamp sets the timestamp to now when unset
func (s *Snapshot) Stamp() {
	if s.Timestamp == "" {
		s.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
}

// ParseSnapshot decodes a snapshot, requiring a job id
func ParseSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("malformed snapshot: %w", err)
	}
	if s.JobID == "" {
		return nil, fmt.Errorf("snapshot missing job_id")
	}
	return &s, nil
}

// FileName returns the progress file leaf for a job id
func FileName(jobID string) string {
	return "job-" + jobID + ".json"
}

// JobIDFromFileName extracts the id from a job-<id>.json leaf, or ""
func JobIDFromFileName(name string) string {
	if len(name) <= len("job-")+len(".json") {
		return ""
	}
	if name[:4] != "job-" || name[len(name)-5:] != ".json" {
		return ""
	}
	return name[4 : len(name)-5]
}
