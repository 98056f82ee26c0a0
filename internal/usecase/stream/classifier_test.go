package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"issuepilot/internal/domain"
	"issuepilot/internal/usecase/turnlog"
)

type captureStore struct {
	domain.Store

	mu      sync.Mutex
	entries []domain.LogEntry
}

func (s *captureStore) PersistLogEntry(ctx context.Context, issueID, executionID string, entry domain.LogEntry) (*domain.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return &entry, nil
}

func (s *captureStore) all() []domain.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.LogEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

func newTestClassifier() (*Classifier, *captureStore) {
	store := &captureStore{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := turnlog.New(store, nil, logger)
	rec.BindExecution("exec-1", 0)
	return New(rec, logger), store
}

func newProc() *domain.ManagedProcess {
	return domain.NewManagedProcess("issue-1", "exec-1", "claude", 0, 64*1024)
}

// lineNormalizer maps "assistant:x" / "tool:x" / "error:x" / "result:subtype"
// lines to entries, standing in for a real engine protocol.
func lineNormalizer(line string) ([]domain.LogEntry, error) {
	kind, rest, _ := strings.Cut(line, ":")
	switch kind {
	case "assistant":
		return []domain.LogEntry{{EntryType: domain.EntryAssistantMessage, Content: rest}}, nil
	case "tool":
		return []domain.LogEntry{{EntryType: domain.EntryToolUse, Content: rest}}, nil
	case "error":
		return []domain.LogEntry{{EntryType: domain.EntryErrorMessage, Content: rest}}, nil
	case "result":
		e := domain.LogEntry{EntryType: domain.EntrySystemMessage, Content: "done"}
		e.SetMeta(domain.MetaResultSubtype, rest)
		return []domain.LogEntry{e}, nil
	case "cmds":
		e := domain.LogEntry{EntryType: domain.EntrySystemMessage, Content: "session ready"}
		e.SetMeta(domain.MetaSlashCommands, strings.Split(rest, ","))
		e.SetMeta(domain.MetaHidden, true)
		return []domain.LogEntry{e}, nil
	case "noise":
		return nil, nil
	default:
		return nil, errors.New("unknown line kind")
	}
}

func TestConsumeStdoutPersistsEntries(t *testing.T) {
	c, store := newTestClassifier()
	proc := newProc()

	input := "assistant:hello\ntool:ls -la\nresult:success\n"
	done := false
	c.ConsumeStdout(context.Background(), proc, strings.NewReader(input), lineNormalizer, Callbacks{
		TurnComplete: func(context.Context) { done = true },
	})

	entries := store.all()
	require.Len(t, entries, 3)
	assert.Equal(t, domain.EntryAssistantMessage, entries[0].EntryType)
	assert.Equal(t, domain.EntryToolUse, entries[1].EntryType)
	assert.True(t, done, "result entry must fire TurnComplete")
	assert.Contains(t, proc.Output.String(), "assistant:hello")

	failed, _ := proc.LogicalFailure()
	assert.False(t, failed, "success subtype is not a failure")
}

func TestTurnCompleteFiresPerMarker(t *testing.T) {
	c, _ := newTestClassifier()
	proc := newProc()

	// One marker per turn on a long-lived interactive stream; each one must
	// reach the scheduler.
	fires := 0
	input := "result:success\nassistant:next turn\nresult:success\n"
	c.ConsumeStdout(context.Background(), proc, strings.NewReader(input), lineNormalizer, Callbacks{
		TurnComplete: func(context.Context) { fires++ },
	})
	assert.Equal(t, 2, fires)
}

func TestLogicalFailureFromResultSubtype(t *testing.T) {
	c, _ := newTestClassifier()
	proc := newProc()

	c.ConsumeStdout(context.Background(), proc, strings.NewReader("result:error_max_turns\n"), lineNormalizer, Callbacks{})

	failed, reason := proc.LogicalFailure()
	assert.True(t, failed)
	assert.Contains(t, reason, "error_max_turns")
}

func TestCancellationSuppressesOnlyNoiseSignatures(t *testing.T) {
	c, store := newTestClassifier()
	proc := newProc()
	proc.MarkCancelledByUser()

	done := false
	input := "assistant:partial answer before the interrupt\n" +
		"error:Execution aborted by interrupt signal\n" +
		"result:error_during_execution\n"
	c.ConsumeStdout(context.Background(), proc, strings.NewReader(input), lineNormalizer, Callbacks{
		TurnComplete: func(context.Context) { done = true },
	})

	entries := store.all()
	require.Len(t, entries, 2, "the abort noise line is dropped, everything else persists")
	assert.Equal(t, domain.EntryAssistantMessage, entries[0].EntryType)
	assert.Equal(t, "partial answer before the interrupt", entries[0].Content)
	assert.True(t, entries[1].HasMeta(domain.MetaResultSubtype))
	assert.True(t, done)

	// A cancelled turn is never a logical failure, whatever the subtype says.
	failed, _ := proc.LogicalFailure()
	assert.False(t, failed)
}

func TestCancellationNoisePredicate(t *testing.T) {
	aborted := domain.LogEntry{}
	aborted.SetMeta(domain.MetaResultSubtype, "error_during_execution")
	assert.True(t, CancellationNoise(aborted))

	crash := domain.LogEntry{EntryType: domain.EntryErrorMessage, Content: "The operation was aborted"}
	assert.True(t, CancellationNoise(crash))

	// Abort strings only count on error and system entries.
	quoting := domain.LogEntry{EntryType: domain.EntryAssistantMessage, Content: "the run was aborted by user earlier"}
	assert.False(t, CancellationNoise(quoting))

	plain := domain.LogEntry{EntryType: domain.EntryErrorMessage, Content: "disk quota exceeded"}
	assert.False(t, CancellationNoise(plain))

	success := domain.LogEntry{}
	success.SetMeta(domain.MetaResultSubtype, "success")
	assert.False(t, CancellationNoise(success))
}

func TestSlashCommandsCapturedOnProcess(t *testing.T) {
	c, _ := newTestClassifier()
	proc := newProc()

	input := "cmds:/compact,/review\nassistant:hello\n"
	c.ConsumeStdout(context.Background(), proc, strings.NewReader(input), lineNormalizer, Callbacks{})

	assert.Equal(t, []string{"/compact", "/review"}, proc.SlashCommands())
}

func TestMetaTurnEntriesAreHidden(t *testing.T) {
	c, store := newTestClassifier()
	proc := newProc()
	proc.SetMetaTurn(true)

	c.ConsumeStdout(context.Background(), proc, strings.NewReader("assistant:internal\n"), lineNormalizer, Callbacks{})

	entries := store.all()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].MetaBool(domain.MetaHidden))
}

func TestUnparseableLinesAreSkipped(t *testing.T) {
	c, store := newTestClassifier()
	proc := newProc()

	c.ConsumeStdout(context.Background(), proc, strings.NewReader("garbage line\nassistant:ok\n"), lineNormalizer, Callbacks{})

	entries := store.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "ok", entries[0].Content)
	// Raw output still captures the unparseable line for debugging.
	assert.Contains(t, proc.Output.String(), "garbage line")
}

type brokenReader struct{ partial string }

func (r *brokenReader) Read(p []byte) (int, error) {
	if r.partial != "" {
		n := copy(p, r.partial)
		r.partial = r.partial[n:]
		return n, nil
	}
	return 0, errors.New("pipe burst")
}

func TestStreamErrorRecordedAndSignalled(t *testing.T) {
	c, store := newTestClassifier()
	proc := newProc()

	var streamErr error
	c.ConsumeStdout(context.Background(), proc, &brokenReader{partial: "assistant:partial\n"}, lineNormalizer, Callbacks{
		StreamError: func(_ context.Context, err error) { streamErr = err },
	})

	require.Error(t, streamErr)
	entries := store.all()
	require.Len(t, entries, 2)
	assert.Equal(t, domain.EntryErrorMessage, entries[1].EntryType)
	assert.Contains(t, entries[1].Content, "pipe burst")
}

func TestStreamErrorIgnoredAfterCompletion(t *testing.T) {
	c, _ := newTestClassifier()
	proc := newProc()

	var streamErr error
	c.ConsumeStdout(context.Background(), proc, &brokenReader{partial: "result:success\n"}, lineNormalizer, Callbacks{
		StreamError: func(_ context.Context, err error) { streamErr = err },
	})
	assert.NoError(t, streamErr, "a broken pipe after the completion marker is teardown, not failure")
}

func TestConsumeStderr(t *testing.T) {
	c, store := newTestClassifier()
	proc := newProc()

	c.ConsumeStderr(context.Background(), proc, strings.NewReader("warn: deprecated flag\n\npanic: boom\n"))

	entries := store.all()
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, domain.EntryErrorMessage, e.EntryType)
	}
	assert.Equal(t, "warn: deprecated flag", entries[0].Content)
	assert.Equal(t, "panic: boom", entries[1].Content)
}

func TestConsumeStderrAfterCancel(t *testing.T) {
	c, store := newTestClassifier()
	proc := newProc()
	proc.MarkCancelledByUser()

	c.ConsumeStderr(context.Background(), proc, strings.NewReader("Execution aborted by interrupt\npermission denied: /etc/shadow\n"))

	entries := store.all()
	require.Len(t, entries, 1, "abort noise is dropped, real errors persist")
	assert.Equal(t, "permission denied: /etc/shadow", entries[0].Content)
}

func TestTurnCompletedPredicate(t *testing.T) {
	explicit := domain.LogEntry{EntryType: domain.EntryAssistantMessage}
	explicit.SetMeta(domain.MetaTurnComplete, true)
	assert.True(t, TurnCompleted(explicit))

	system := domain.LogEntry{EntryType: domain.EntrySystemMessage}
	system.SetMeta(domain.MetaDurationMs, 1234)
	assert.True(t, TurnCompleted(system))

	plain := domain.LogEntry{EntryType: domain.EntryAssistantMessage, Content: "hi"}
	assert.False(t, TurnCompleted(plain))

	// durationMs only counts on system messages.
	assistant := domain.LogEntry{EntryType: domain.EntryAssistantMessage}
	assistant.SetMeta(domain.MetaDurationMs, 1234)
	assert.False(t, TurnCompleted(assistant))
}

func TestLogicalFailurePredicate(t *testing.T) {
	ok := domain.LogEntry{}
	ok.SetMeta(domain.MetaResultSubtype, "success")
	failed, _ := LogicalFailure(ok)
	assert.False(t, failed)

	bad := domain.LogEntry{}
	bad.SetMeta(domain.MetaResultSubtype, "error_max_turns")
	failed, reason := LogicalFailure(bad)
	assert.True(t, failed)
	assert.NotEmpty(t, reason)

	flagged := domain.LogEntry{}
	flagged.SetMeta(domain.MetaIsError, true)
	failed, _ = LogicalFailure(flagged)
	assert.True(t, failed)
}
