package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const currentSessionFile = "current_session.json"

// Saver enqueues a save callback under a key. Satisfied by the batched
// writer; when nil the manager writes synchronously.
type Saver interface {
	Schedule(key string, fn func())
}

// Manager wraps the session state behind a lock and persists every mutation
type Manager struct {
	mu             sync.Mutex
	stateDir       string
	checkpointsDir string
	state          *State
	saver          Saver
}

// NewManager creates a manager rooted at stateDir. Constructors do no
// background work; directories are created eagerly because checkpoints and
// saves target them.
func NewManager(stateDir string) (*Manager, error) {
	checkpointsDir := filepath.Join(stateDir, "checkpoints")
	if err := os.MkdirAll(checkpointsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	return &Manager{
		stateDir:       stateDir,
		checkpointsDir: checkpointsDir,
		state:          NewState(),
	}, nil
}

// BindSaver routes persistence through a batched writer
func (m *Manager) BindSaver(s Saver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saver = s
}

// save persists the current state; callers hold the lock. Writes are
// best-effort; the in-memory state is the source of truth.
func (m *Manager) save() {
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(m.stateDir, currentSessionFile)
	write := func() {
		if err := os.WriteFile(path, data, 0o644); err != nil {
			slog.Warn("Failed to persist session state", "error", err)
		}
	}
	if m.saver != nil {
		m.saver.Schedule(currentSessionFile, write)
		return
	}
	write()
}

// StartStage marks a stage running and makes it current
func (m *Manager) StartStage(stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.CurrentStage = &stage
	m.state.Stages[stage] = &StageResult{
		Stage:        stage,
		Status:       StageRunning,
		StartTime:    nowUnix(),
		IssuesFound:  []Issue{},
		FixesApplied: []string{},
	}
	m.save()
}

// CompleteStage finishes a stage, attaching issues and fixes to both the
// stage and the global lists
func (m *Manager) CompleteStage(stage string, issues []Issue, fixes []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result, ok := m.state.Stages[stage]
	if !ok {
		return
	}
	result.finish(StageCompleted)
	if issues != nil {
		result.IssuesFound = issues
		m.state.GlobalIssues = append(m.state.GlobalIssues, issues...)
	}
	if fixes != nil {
		result.FixesApplied = fixes
		m.state.FixesApplied = append(m.state.FixesApplied, fixes...)
	}
	m.clearCurrentIf(stage)
	m.save()
}

// FailStage marks a stage failed with a diagnostic message
func (m *Manager) FailStage(stage, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result, ok := m.state.Stages[stage]
	if !ok {
		return
	}
	result.finish(StageFailed)
	result.ErrorMessage = message
	m.clearCurrentIf(stage)
	m.save()
}

// UpdateStageStatus creates the stage in running if absent, otherwise
// overwrites its status, closing it when the status is terminal
func (m *Manager) UpdateStageStatus(stage string, status StageStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result, ok := m.state.Stages[stage]
	if !ok {
		m.state.CurrentStage = &stage
		m.state.Stages[stage] = &StageResult{
			Stage:        stage,
			Status:       StageRunning,
			StartTime:    nowUnix(),
			IssuesFound:  []Issue{},
			FixesApplied: []string{},
		}
		m.save()
		return
	}

	result.Status = status
	if status.terminal() {
		if result.EndTime == nil {
			result.finish(status)
		}
		m.clearCurrentIf(stage)
	}
	m.save()
}

func (m *Manager) clearCurrentIf(stage string) {
	if m.state.CurrentStage != nil && *m.state.CurrentStage == stage {
		m.state.CurrentStage = nil
	}
}

// AddIssue appends an issue to the global list
func (m *Manager) AddIssue(issue Issue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.GlobalIssues = append(m.state.GlobalIssues, issue)
	m.save()
}

// RemoveIssue deletes an issue by id, returning whether it was found
func (m *Manager) RemoveIssue(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, issue := range m.state.GlobalIssues {
		if issue.ID == id {
			m.state.GlobalIssues = append(m.state.GlobalIssues[:i], m.state.GlobalIssues[i+1:]...)
			m.save()
			return true
		}
	}
	return false
}

// IssuesByPriority filters global issues by priority
func (m *Manager) IssuesByPriority(p Priority) []Issue {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Issue
	for _, issue := range m.state.GlobalIssues {
		if issue.Priority == p {
			out = append(out, issue)
		}
	}
	return out
}

// IssuesByType filters global issues by type
func (m *Manager) IssuesByType(issueType string) []Issue {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Issue
	for _, issue := range m.state.GlobalIssues {
		if issue.Type == issueType {
			out = append(out, issue)
		}
	}
	return out
}

// AutoFixableIssues filters global issues flagged auto-fixable
func (m *Manager) AutoFixableIssues() []Issue {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Issue
	for _, issue := range m.state.GlobalIssues {
		if issue.AutoFixable {
			out = append(out, issue)
		}
	}
	return out
}

// Snapshot returns a deep copy of the session state
func (m *Manager) Snapshot() *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyStateLocked()
}

func (m *Manager) copyStateLocked() *State {
	cp := *m.state
	cp.Stages = make(map[string]*StageResult, len(m.state.Stages))
	for k, v := range m.state.Stages {
		sr := *v
		sr.IssuesFound = append([]Issue(nil), v.IssuesFound...)
		sr.FixesApplied = append([]string(nil), v.FixesApplied...)
		cp.Stages[k] = &sr
	}
	cp.GlobalIssues = append([]Issue(nil), m.state.GlobalIssues...)
	cp.FixesApplied = append([]string(nil), m.state.FixesApplied...)
	cp.Metadata = make(map[string]interface{}, len(m.state.Metadata))
	for k, v := range m.state.Metadata {
		cp.Metadata[k] = v
	}
	if m.state.CurrentStage != nil {
		s := *m.state.CurrentStage
		cp.CurrentStage = &s
	}
	return &cp
}

// Reset replaces the session with a fresh one
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = NewState()
	m.save()
}

// SessionSummary returns counts grouped by priority and type plus stage
// statuses
func (m *Manager) SessionSummary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Summary{
		SessionID:        m.state.SessionID,
		StartTime:        m.state.StartTime,
		CurrentStage:     m.state.CurrentStage,
		TotalIssues:      len(m.state.GlobalIssues),
		IssuesByPriority: make(map[Priority]int),
		IssuesByType:     make(map[string]int),
		StageStatuses:    make(map[string]StageStatus),
		FixesApplied:     len(m.state.FixesApplied),
	}
	for _, issue := range m.state.GlobalIssues {
		s.IssuesByPriority[issue.Priority]++
		s.IssuesByType[issue.Type]++
	}
	for name, result := range m.state.Stages {
		s.StageStatuses[name] = result.Status
	}
	return s
}

// Checkpoint file format: {"name":..., "timestamp":..., "session_state":{...}}
type checkpointFile struct {
	Name         string  `json:"name"`
	Timestamp    float64 `json:"timestamp"`
	SessionState *State  `json:"session_state"`
}

// CheckpointInfo summarises a stored checkpoint
type CheckpointInfo struct {
	Name      string  `json:"name"`
	Timestamp float64 `json:"timestamp"`
	SessionID string  `json:"session_id"`
	Stages    int     `json:"stages"`
	Issues    int     `json:"issues"`
}

// SaveCheckpoint writes the current session under checkpoints/<name>.json
func (m *Manager) SaveCheckpoint(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return fmt.Errorf("invalid checkpoint name: %q", name)
	}

	m.mu.Lock()
	cp := checkpointFile{
		Name:         name,
		Timestamp:    nowUnix(),
		SessionState: m.copyStateLocked(),
	}
	m.mu.Unlock()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	path := filepath.Join(m.checkpointsDir, name+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint replaces the current session state wholesale
func (m *Manager) LoadCheckpoint(name string) error {
	path := filepath.Join(m.checkpointsDir, name+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("checkpoint %q not found: %w", name, err)
	}

	var cp checkpointFile
	if err := json.Unmarshal(data, &cp); err != nil {
		return fmt.Errorf("checkpoint %q unreadable: %w", name, err)
	}
	if cp.SessionState == nil {
		return fmt.Errorf("checkpoint %q has no session state", name)
	}
	if cp.SessionState.Stages == nil {
		cp.SessionState.Stages = make(map[string]*StageResult)
	}
	if cp.SessionState.Metadata == nil {
		cp.SessionState.Metadata = make(map[string]interface{})
	}

	m.mu.Lock()
	m.state = cp.SessionState
	m.save()
	m.mu.Unlock()
	return nil
}

// ListCheckpoints returns checkpoint summaries, newest first
func (m *Manager) ListCheckpoints() []CheckpointInfo {
	entries, err := os.ReadDir(m.checkpointsDir)
	if err != nil {
		return nil
	}

	var out []CheckpointInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.checkpointsDir, entry.Name()))
		if err != nil {
			continue
		}
		var cp checkpointFile
		if err := json.Unmarshal(data, &cp); err != nil || cp.SessionState == nil {
			continue
		}
		out = append(out, CheckpointInfo{
			Name:      cp.Name,
			Timestamp: cp.Timestamp,
			SessionID: cp.SessionState.SessionID,
			Stages:    len(cp.SessionState.Stages),
			Issues:    len(cp.SessionState.GlobalIssues),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out
}

// DefaultCheckpointName synthesises a timestamped checkpoint name
func DefaultCheckpointName() string {
	return fmt.Sprintf("checkpoint_%d", time.Now().Unix())
}
