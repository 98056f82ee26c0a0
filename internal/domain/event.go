package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Turn log streaming (consumed by the SSE layer).
	EventLogEntry EventType = "engine.log_entry"

	// Process lifecycle.
	EventProcessStarted      EventType = "process.started"
	EventProcessStateChanged EventType = "process.state_changed"
	EventProcessExited       EventType = "process.exited"

	// Scheduler outcomes.
	EventIssueSettled EventType = "issue.settled"
	EventRetryStarted EventType = "engine.retry_started"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type        EventType       `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	IssueID     string          `json:"issue_id,omitempty"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// EventHandler processes one published event.
type EventHandler func(ctx context.Context, event Event)

// EventBus is the in-process pub/sub used to surface log entries, state
// changes and settlements to outer layers. Handler panics never propagate
// to the publisher.
type EventBus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(eventType EventType, handler EventHandler) func()
	SubscribeAll(handler EventHandler) func()
	Close()
}

// SettledPayload is the payload of EventIssueSettled.
type SettledPayload struct {
	FinalStatus SessionStatus `json:"final_status"`
}

// StateChangePayload is the payload of EventProcessStateChanged.
type StateChangePayload struct {
	Previous ProcessState `json:"previous"`
	Next     ProcessState `json:"next"`
}

// ExitPayload is the payload of EventProcessExited.
type ExitPayload struct {
	ExitCode int `json:"exit_code"`
}
