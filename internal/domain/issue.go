package domain

import "time"

// SessionStatus is the persisted status of an issue's engine session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// Issue is the tracked work item the scheduler acts on behalf of. Session
// fields are read and written through the persistence collaborator; the
// scheduler never caches them beyond a single operation.
type Issue struct {
	ID                string        `json:"id"`
	Title             string        `json:"title"`
	Status            string        `json:"status"` // board column, e.g. "in_progress", "review"
	EngineType        string        `json:"engineType,omitempty"`
	SessionStatus     SessionStatus `json:"sessionStatus,omitempty"`
	Prompt            string        `json:"prompt,omitempty"`
	ExternalSessionID string        `json:"externalSessionId,omitempty"`
	Model             string        `json:"model,omitempty"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// SessionUpdate is a partial update of an issue's session fields; nil
// pointers leave the stored value untouched.
type SessionUpdate struct {
	EngineType        *string
	SessionStatus     *SessionStatus
	Prompt            *string
	ExternalSessionID *string
	Model             *string
}

// PendingMessage is a user message queued in the database while the issue's
// engine was busy; settled turns flush these as fresh follow-ups.
type PendingMessage struct {
	ID             string
	IssueID        string
	Prompt         string
	Model          string
	PermissionMode string
	CreatedAt      time.Time
}

// StrPtr is a convenience for building SessionUpdate values.
func StrPtr(s string) *string { return &s }

// StatusPtr is a convenience for building SessionUpdate values.
func StatusPtr(s SessionStatus) *SessionStatus { return &s }
