package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"issuepilot/internal/domain"
)

var _ domain.Store = (*Store)(nil)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "issuepilot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedIssue(t *testing.T, s *Store, id string) {
	t.Helper()
	require.NoError(t, s.CreateIssue(context.Background(), &domain.Issue{
		ID:     id,
		Title:  "fix the flaky test",
		Status: "in_progress",
	}))
}

func TestIssueSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedIssue(t, s, "issue-1")

	err := s.UpdateIssueSession(ctx, "issue-1", domain.SessionUpdate{
		EngineType:        domain.StrPtr("claude"),
		SessionStatus:     domain.StatusPtr(domain.SessionRunning),
		Prompt:            domain.StrPtr("fix it"),
		ExternalSessionID: domain.StrPtr("sess-abc"),
		Model:             domain.StrPtr("sonnet"),
	})
	require.NoError(t, err)

	issue, err := s.GetIssueWithSession(ctx, "issue-1")
	require.NoError(t, err)
	assert.Equal(t, "claude", issue.EngineType)
	assert.Equal(t, domain.SessionRunning, issue.SessionStatus)
	assert.Equal(t, "fix it", issue.Prompt)
	assert.Equal(t, "sess-abc", issue.ExternalSessionID)
	assert.Equal(t, "sonnet", issue.Model)
	assert.False(t, issue.UpdatedAt.IsZero())
}

func TestPartialUpdateLeavesOtherFieldsUntouched(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedIssue(t, s, "issue-1")

	require.NoError(t, s.UpdateIssueSession(ctx, "issue-1", domain.SessionUpdate{
		EngineType: domain.StrPtr("claude"),
		Prompt:     domain.StrPtr("original prompt"),
	}))
	require.NoError(t, s.UpdateIssueSession(ctx, "issue-1", domain.SessionUpdate{
		SessionStatus: domain.StatusPtr(domain.SessionFailed),
	}))

	issue, err := s.GetIssueWithSession(ctx, "issue-1")
	require.NoError(t, err)
	assert.Equal(t, "claude", issue.EngineType)
	assert.Equal(t, "original prompt", issue.Prompt)
	assert.Equal(t, domain.SessionFailed, issue.SessionStatus)
}

func TestGetIssueNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetIssueWithSession(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrIssueNotFound)

	err = s.UpdateIssueSession(context.Background(), "missing", domain.SessionUpdate{
		SessionStatus: domain.StatusPtr(domain.SessionRunning),
	})
	require.ErrorIs(t, err, domain.ErrIssueNotFound)
}

func TestAutoMoveToReview(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedIssue(t, s, "issue-1")

	require.NoError(t, s.AutoMoveToReview(ctx, "issue-1"))

	issue, err := s.GetIssueWithSession(ctx, "issue-1")
	require.NoError(t, err)
	assert.Equal(t, "review", issue.Status)
}

func TestNextTurnIndexIncrementsPerIssue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedIssue(t, s, "issue-1")
	seedIssue(t, s, "issue-2")

	for want := 0; want <= 2; want++ {
		got, err := s.NextTurnIndex(ctx, "issue-1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	got, err := s.NextTurnIndex(ctx, "issue-2")
	require.NoError(t, err)
	assert.Equal(t, 0, got, "first spawn gets turn index 0")

	_, err = s.NextTurnIndex(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrIssueNotFound)
}

func TestLogEntriesOrderedAndDeduplicated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedIssue(t, s, "issue-1")

	mk := func(id string, turn, idx int, typ domain.EntryType, content string) domain.LogEntry {
		return domain.LogEntry{
			MessageID:  id,
			TurnIndex:  turn,
			EntryIndex: idx,
			EntryType:  typ,
			Content:    content,
		}
	}

	// Written out of order; reads come back in (turn, entry) order.
	for _, e := range []domain.LogEntry{
		mk("m3", 2, 0, domain.EntryUserMessage, "follow-up"),
		mk("m1", 1, 0, domain.EntryUserMessage, "start"),
		mk("m2", 1, 1, domain.EntryAssistantMessage, "working on it"),
	} {
		stored, err := s.PersistLogEntry(ctx, "issue-1", "exec-1", e)
		require.NoError(t, err)
		require.NotNil(t, stored)
	}

	// A replayed message id is skipped without error.
	dup, err := s.PersistLogEntry(ctx, "issue-1", "exec-1", mk("m2", 1, 1, domain.EntryAssistantMessage, "working on it"))
	require.NoError(t, err)
	assert.Nil(t, dup)

	logs, err := s.GetLogs(ctx, "issue-1", false)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, []string{logs[0].MessageID, logs[1].MessageID, logs[2].MessageID})
}

func TestGetLogsHidesMetaTurnEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedIssue(t, s, "issue-1")

	visible := domain.LogEntry{MessageID: "m1", TurnIndex: 1, EntryType: domain.EntryAssistantMessage, Content: "hello"}
	hidden := domain.LogEntry{MessageID: "m2", TurnIndex: 1, EntryIndex: 1, EntryType: domain.EntrySystemMessage, Content: "housekeeping"}
	hidden.SetMeta(domain.MetaHidden, true)

	for _, e := range []domain.LogEntry{visible, hidden} {
		_, err := s.PersistLogEntry(ctx, "issue-1", "exec-1", e)
		require.NoError(t, err)
	}

	logs, err := s.GetLogs(ctx, "issue-1", false)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "m1", logs[0].MessageID)

	devLogs, err := s.GetLogs(ctx, "issue-1", true)
	require.NoError(t, err)
	assert.Len(t, devLogs, 2)
}

func TestLogEntryMetadataRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedIssue(t, s, "issue-1")

	entry := domain.LogEntry{
		MessageID:        "m1",
		ReplyToMessageID: "m0",
		TurnIndex:        1,
		EntryType:        domain.EntrySystemMessage,
		Content:          "done",
		ToolAction:       "bash",
		ToolDetail:       "go test ./...",
	}
	entry.SetMeta(domain.MetaResultSubtype, "success")
	entry.SetMeta(domain.MetaDurationMs, 1234.0)

	_, err := s.PersistLogEntry(ctx, "issue-1", "exec-1", entry)
	require.NoError(t, err)

	logs, err := s.GetLogs(ctx, "issue-1", false)
	require.NoError(t, err)
	require.Len(t, logs, 1)

	got := logs[0]
	assert.Equal(t, "m0", got.ReplyToMessageID)
	assert.Equal(t, "bash", got.ToolAction)
	subtype, ok := got.MetaString(domain.MetaResultSubtype)
	require.True(t, ok)
	assert.Equal(t, "success", subtype)
	assert.True(t, got.HasMeta(domain.MetaDurationMs))
}

func TestPendingMessageQueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedIssue(t, s, "issue-1")

	for _, m := range []domain.PendingMessage{
		{ID: "pm-1", IssueID: "issue-1", Prompt: "first"},
		{ID: "pm-2", IssueID: "issue-1", Prompt: "second", Model: "opus"},
		{ID: "pm-3", IssueID: "issue-2", Prompt: "other issue"},
	} {
		require.NoError(t, s.EnqueuePendingMessage(ctx, m))
	}

	msgs, err := s.GetPendingMessages(ctx, "issue-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Prompt)
	assert.Equal(t, "second", msgs[1].Prompt)
	assert.Equal(t, "opus", msgs[1].Model)

	require.NoError(t, s.MarkPendingMessagesDispatched(ctx, []string{"pm-1", "pm-2"}))

	msgs, err = s.GetPendingMessages(ctx, "issue-1")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// The other issue's queue is untouched.
	other, err := s.GetPendingMessages(ctx, "issue-2")
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestMarkDispatchedWithNoIDsIsNoOp(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.MarkPendingMessagesDispatched(context.Background(), nil))
}
