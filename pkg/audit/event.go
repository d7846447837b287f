// Package audit provides a durable, queryable trail of sync engine activity.
package audit

import (
	"fmt"
	"time"
)

// Event represents one auditable sync-engine occurrence: a sync session
// (push, pull or bidirectional), an initial bootstrap, or a conflict
// resolution.
type Event struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Actor     string        `json:"actor"`     // "daemon", or "policy:<name>" for conflict resolutions
	Device    string        `json:"device"`    // device_id
	Operation string        `json:"operation"` // e.g. "sync.push", "sync.initial", "conflict.resolve"
	Direction string        `json:"direction,omitempty"`
	SyncID    string        `json:"sync_id,omitempty"`
	Tables    []string      `json:"tables,omitempty"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// EventType enumerates the kinds of sync-engine operations that get audited.
type EventType string

const (
	EventTypeValidate  EventType = "validate"
	EventTypeRegister  EventType = "register"
	EventTypePush      EventType = "push"
	EventTypePull      EventType = "pull"
	EventTypeInitial   EventType = "initial"
	EventTypeConflict  EventType = "conflict"
	EventTypeHeartbeat EventType = "heartbeat"
)

// Severity indicates the importance of an audit event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Filter defines criteria for querying audit events.
type Filter struct {
	Actor       string
	Device      string
	Operation   string
	Direction   string
	SyncID      string
	StartTime   time.Time
	EndTime     time.Time
	SuccessOnly bool
	FailureOnly bool
	Limit       int
	Offset      int
}

// NewEvent creates a new audit event.
func NewEvent(actor, device, operation string) *Event {
	return &Event{
		ID:        generateID(),
		Timestamp: time.Now(),
		Actor:     actor,
		Device:    device,
		Operation: operation,
	}
}

// WithDirection sets the sync direction (push/pull/bidirectional).
func (e *Event) WithDirection(direction string) *Event {
	e.Direction = direction
	return e
}

// WithSyncID sets the sync session this event belongs to.
func (e *Event) WithSyncID(syncID string) *Event {
	e.SyncID = syncID
	return e
}

// WithTables records which primary-store tables this event touched.
func (e *Event) WithTables(tables []string) *Event {
	e.Tables = tables
	return e
}

// WithSuccess marks the event as successful.
func (e *Event) WithSuccess() *Event {
	e.Success = true
	return e
}

// WithError marks the event as failed.
func (e *Event) WithError(err error) *Event {
	e.Success = false
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithDuration sets the operation duration.
func (e *Event) WithDuration(d time.Duration) *Event {
	e.Duration = d
	return e
}

func generateID() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
