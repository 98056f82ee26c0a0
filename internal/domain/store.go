package domain

import "context"

// Store is the persistence collaborator. The scheduler treats it as the
// source of truth for issue session fields and the turn log; it never caches
// session fields beyond a single operation.
type Store interface {
	// GetIssueWithSession loads an issue including its session fields.
	GetIssueWithSession(ctx context.Context, issueID string) (*Issue, error)
	// UpdateIssueSession applies a partial session-field update.
	UpdateIssueSession(ctx context.Context, issueID string, upd SessionUpdate) error
	// AutoMoveToReview moves the issue to the review column after a settled
	// turn with no queued work.
	AutoMoveToReview(ctx context.Context, issueID string) error

	// PersistLogEntry writes one normalized entry; the returned entry carries
	// any store-assigned fields. A nil entry with nil error means the store
	// chose to skip the write (e.g. duplicate message id).
	PersistLogEntry(ctx context.Context, issueID, executionID string, entry LogEntry) (*LogEntry, error)
	// GetLogs returns the persisted entries for an issue in (turnIndex,
	// entryIndex) order. Meta-turn entries are omitted unless devMode is set.
	GetLogs(ctx context.Context, issueID string, devMode bool) ([]LogEntry, error)
	// NextTurnIndex returns the monotonically increasing turn index for the
	// issue's next spawned execution.
	NextTurnIndex(ctx context.Context, issueID string) (int, error)

	// GetPendingMessages returns undispatched messages queued while the
	// issue's engine was busy, oldest first.
	GetPendingMessages(ctx context.Context, issueID string) ([]PendingMessage, error)
	// MarkPendingMessagesDispatched flags the given queued messages as
	// flushed into a follow-up.
	MarkPendingMessagesDispatched(ctx context.Context, ids []string) error
}
