package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType represents categories of audit events
type EventType string

const (
	EventValidationRejected EventType = "validation_rejected"
	EventRateLimited        EventType = "rate_limited"
	EventAdmissionDenied    EventType = "admission_denied"
	EventOriginRefused      EventType = "origin_refused"
	EventMessageOversize    EventType = "message_oversize"
	EventJobTimedOut        EventType = "job_timed_out"
	EventCheckpoint         EventType = "checkpoint"
)

// Severity represents event severity
type Severity string

const (
	SevLow      Severity = "low"
	SevMedium   Severity = "medium"
	SevHigh     Severity = "high"
	SevCritical Severity = "critical"
)

// Event represents a single audit event
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      EventType              `json:"type"`
	Severity  Severity               `json:"severity"`
	Actor     string                 `json:"actor"`    // Client id or "system"
	Action    string                 `json:"action"`   // What was attempted
	Resource  string                 `json:"resource"` // What was affected
	Status    string                 `json:"status"`   // allowed, denied, rejected
	Details   map[string]interface{} `json:"details"`
}

// Logger handles audit event recording
type Logger struct {
	backend chan Event
}

// NewLogger creates an audit logger
func NewLogger(bufferSize int) *Logger {
	l := &Logger{
		backend: make(chan Event, bufferSize),
	}
	go l.process()
	return l
}

// Log records an audit event
func (l *Logger) Log(ctx context.Context, event Event) {
	event.ID = uuid.New().String()
	event.Timestamp = time.Now().UTC()

	select {
	case l.backend <- event:
	default:
		// Buffer full - log to stderr and continue
		slog.Error("audit buffer full, dropping event", "type", event.Type)
	}
}

// process writes events to the structured log
func (l *Logger) process() {
	for event := range l.backend {
		data, _ := json.Marshal(event)
		slog.Info("AUDIT", "event", string(data))
	}
}

// LogValidationFailure logs a sanitiser rejection
func (l *Logger) LogValidationFailure(ctx context.Context, validationType, reason string, severity Severity) {
	l.Log(ctx, Event{
		Type:     EventValidationRejected,
		Severity: severity,
		Actor:    "client",
		Action:   "validate",
		Resource: validationType,
		Status:   "rejected",
		Details:  map[string]interface{}{"reason": reason},
	})
}

// LogRateLimited logs a rate-limit denial
func (l *Logger) LogRateLimited(ctx context.Context, clientID, reason string) {
	l.Log(ctx, Event{
		Type:     EventRateLimited,
		Severity: SevLow,
		Actor:    clientID,
		Action:   "request",
		Status:   "denied",
		Details:  map[string]interface{}{"reason": reason},
	})
}

// LogAdmissionDenied logs a refused job admission
func (l *Logger) LogAdmissionDenied(ctx context.Context, jobID, reason string) {
	l.Log(ctx, Event{
		Type:     EventAdmissionDenied,
		Severity: SevLow,
		Actor:    "client",
		Action:   "start_job",
		Resource: jobID,
		Status:   "denied",
		Details:  map[string]interface{}{"reason": reason},
	})
}

// LogOriginRefused logs a WebSocket origin rejection
func (l *Logger) LogOriginRefused(ctx context.Context, origin, jobID string) {
	l.Log(ctx, Event{
		Type:     EventOriginRefused,
		Severity: SevHigh,
		Actor:    origin,
		Action:   "websocket_connect",
		Resource: jobID,
		Status:   "refused",
	})
}

// LogJobTimedOut logs a stalled job being reaped
func (l *Logger) LogJobTimedOut(ctx context.Context, jobID string, age time.Duration) {
	l.Log(ctx, Event{
		Type:     EventJobTimedOut,
		Severity: SevMedium,
		Actor:    "system",
		Action:   "stall_reap",
		Resource: jobID,
		Status:   "failed",
		Details:  map[string]interface{}{"age_seconds": age.Seconds()},
	})
}
