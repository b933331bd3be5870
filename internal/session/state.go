package session

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// StageStatus enumerates the lifecycle of a workflow stage
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageError     StageStatus = "error"
)

// terminal reports whether the status ends a stage
func (s StageStatus) terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageError
}

// Priority classifies issues
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Issue is a single problem surfaced by a workflow stage
type Issue struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Message      string   `json:"message"`
	FilePath     string   `json:"file_path"`
	LineNumber   *int     `json:"line_number,omitempty"`
	Priority     Priority `json:"priority"`
	Stage        string   `json:"stage"`
	SuggestedFix string   `json:"suggested_fix,omitempty"`
	AutoFixable  bool     `json:"auto_fixable"`
}

// StageResult tracks one stage's execution
type StageResult struct {
	Stage        string      `json:"stage"`
	Status       StageStatus `json:"status"`
	StartTime    float64     `json:"start_time"`
	EndTime      *float64    `json:"end_time,omitempty"`
	Duration     *float64    `json:"duration,omitempty"`
	IssuesFound  []Issue     `json:"issues_found"`
	FixesApplied []string    `json:"fixes_applied"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// finish sets the end time and derives the duration
func (r *StageResult) finish(status StageStatus) {
	now := nowUnix()
	r.Status = status
	r.EndTime = &now
	d := now - r.StartTime
	r.Duration = &d
}

// State is the in-memory model of the current workflow session
type State struct {
	SessionID    string                  `json:"session_id"`
	StartTime    float64                 `json:"start_time"`
	CurrentStage *string                 `json:"current_stage,omitempty"`
	Stages       map[string]*StageResult `json:"stages"`
	GlobalIssues []Issue                 `json:"global_issues"`
	FixesApplied []string                `json:"fixes_applied"`
	Metadata     map[string]interface{}  `json:"metadata"`
}

// NewState creates a fresh session state with an 8-hex session id
func NewState() *State {
	return &State{
		SessionID:    generateSessionID(),
		StartTime:    nowUnix(),
		Stages:       make(map[string]*StageResult),
		GlobalIssues: []Issue{},
		FixesApplied: []string{},
		Metadata:     make(map[string]interface{}),
	}
}

func generateSessionID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// Summary groups issue counts by priority and type plus stage statuses
type Summary struct {
	SessionID        string                 `json:"session_id"`
	StartTime        float64                `json:"start_time"`
	CurrentStage     *string                `json:"current_stage,omitempty"`
	TotalIssues      int                    `json:"total_issues"`
	IssuesByPriority map[Priority]int       `json:"issues_by_priority"`
	IssuesByType     map[string]int         `json:"issues_by_type"`
	StageStatuses    map[string]StageStatus `json:"stage_statuses"`
	FixesApplied     int                    `json:"fixes_applied"`
}
