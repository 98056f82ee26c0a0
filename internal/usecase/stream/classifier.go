// Package stream turns raw engine subprocess output into persisted,
// turn-stamped log entries and surfaces turn-completion and logical-failure
// signals to the scheduler.
package stream

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"

	"issuepilot/internal/domain"
	"issuepilot/internal/usecase/turnlog"
)

// Long tool outputs arrive as single JSON lines; the default scanner token
// limit is far too small for them.
const maxLineBytes = 4 * 1024 * 1024

// Callbacks are the scheduler hooks fired while consuming a stream. Either
// may be nil.
type Callbacks struct {
	// TurnComplete fires on every detected completion marker. An interactive
	// subprocess emits one marker per turn; deduplication within a turn is
	// the scheduler's job.
	TurnComplete func(ctx context.Context)
	// StreamError fires when the stream breaks before a completion marker.
	StreamError func(ctx context.Context, err error)
}

// Classifier consumes one execution's stdout and stderr. It is stateless
// across executions; all per-run state lives on the ManagedProcess.
type Classifier struct {
	recorder *turnlog.Recorder
	logger   *slog.Logger
}

// New creates a Classifier writing through the given recorder.
func New(recorder *turnlog.Recorder, logger *slog.Logger) *Classifier {
	return &Classifier{recorder: recorder, logger: logger}
}

// ConsumeStdout reads rd to EOF, normalizing each line through normalize and
// persisting the resulting entries. Blocks until the stream closes; run it in
// its own goroutine.
//
// While a user cancellation is pending, entries matching a known
// cancellation-noise signature are suppressed so the log does not fill with
// teardown chatter. Everything else still persists, and completion markers
// always go through: they are what settles the turn.
func (c *Classifier) ConsumeStdout(ctx context.Context, proc *domain.ManagedProcess, rd io.Reader, normalize func(string) ([]domain.LogEntry, error), cb Callbacks) {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	completed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		proc.Output.AppendLine(line)

		entries, err := normalize(line)
		if err != nil {
			c.logger.Debug("unparseable engine output line",
				"issue_id", proc.IssueID,
				"execution_id", proc.ExecutionID,
				"error", err,
			)
			continue
		}

		for _, entry := range entries {
			if cmds, ok := entry.MetaStrings(domain.MetaSlashCommands); ok {
				proc.SetSlashCommands(cmds)
			}
			isMarker := TurnCompleted(entry)

			if proc.CancelledByUser() && !isMarker && CancellationNoise(entry) {
				continue
			}
			if proc.MetaTurn() {
				entry.SetMeta(domain.MetaHidden, true)
			}

			if _, err := c.recorder.Record(ctx, proc.IssueID, proc.ExecutionID, entry); err != nil {
				c.logger.Error("record log entry",
					"issue_id", proc.IssueID,
					"execution_id", proc.ExecutionID,
					"error", err,
				)
			}

			if isMarker {
				completed = true
				if failed, reason := LogicalFailure(entry); failed && !proc.CancelledByUser() {
					proc.MarkLogicalFailure(reason)
				}
				if cb.TurnComplete != nil {
					cb.TurnComplete(ctx)
				}
			}
		}
	}

	if err := scanner.Err(); err != nil && !completed {
		c.recordStreamError(ctx, proc, err)
		if cb.StreamError != nil {
			cb.StreamError(ctx, err)
		}
	}
}

// ConsumeStderr reads rd to EOF, persisting each non-empty line as an error
// entry. Blocks until the stream closes.
func (c *Classifier) ConsumeStderr(ctx context.Context, proc *domain.ManagedProcess, rd io.Reader) {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		proc.Output.AppendLine(line)

		entry := domain.LogEntry{
			EntryType: domain.EntryErrorMessage,
			Content:   line,
		}
		if proc.CancelledByUser() && CancellationNoise(entry) {
			continue
		}
		if proc.MetaTurn() {
			entry.SetMeta(domain.MetaHidden, true)
		}
		if _, err := c.recorder.Record(ctx, proc.IssueID, proc.ExecutionID, entry); err != nil {
			c.logger.Error("record stderr entry",
				"issue_id", proc.IssueID,
				"execution_id", proc.ExecutionID,
				"error", err,
			)
		}
	}
}

func (c *Classifier) recordStreamError(ctx context.Context, proc *domain.ManagedProcess, streamErr error) {
	entry := domain.LogEntry{
		EntryType: domain.EntryErrorMessage,
		Content:   "output stream broke: " + streamErr.Error(),
	}
	if _, err := c.recorder.Record(ctx, proc.IssueID, proc.ExecutionID, entry); err != nil {
		c.logger.Error("record stream error entry",
			"issue_id", proc.IssueID,
			"execution_id", proc.ExecutionID,
			"error", err,
		)
	}
}

// TurnCompleted reports whether entry marks the end of the current turn:
// an explicit turnComplete flag, a result entry carrying a subtype, or a
// system message that reports a run duration.
func TurnCompleted(entry domain.LogEntry) bool {
	if entry.MetaBool(domain.MetaTurnComplete) {
		return true
	}
	if entry.HasMeta(domain.MetaResultSubtype) {
		return true
	}
	if entry.EntryType == domain.EntrySystemMessage && entry.HasMeta(domain.MetaDurationMs) {
		return true
	}
	return false
}

// cancellationNoiseStrings are content fragments the engines emit while
// tearing down an interrupted turn.
var cancellationNoiseStrings = []string{
	"execution aborted",
	"aborted by user",
	"interrupted by user",
	"request was aborted",
	"operation was aborted",
}

// CancellationNoise reports whether entry is teardown chatter from an
// interrupted turn: an execution-aborted result, or a known abort string in
// an error or system message.
func CancellationNoise(entry domain.LogEntry) bool {
	if subtype, ok := entry.MetaString(domain.MetaResultSubtype); ok && subtype == "error_during_execution" {
		return true
	}
	switch entry.EntryType {
	case domain.EntryErrorMessage, domain.EntrySystemMessage:
		content := strings.ToLower(entry.Content)
		for _, sig := range cancellationNoiseStrings {
			if strings.Contains(content, sig) {
				return true
			}
		}
	}
	return false
}

// LogicalFailure reports whether a completion marker represents a failed turn
// even though the subprocess may exit zero: a non-success result subtype or
// an explicit error flag. The returned reason is human-readable.
func LogicalFailure(entry domain.LogEntry) (bool, string) {
	if subtype, ok := entry.MetaString(domain.MetaResultSubtype); ok && subtype != "success" {
		return true, "result subtype " + subtype
	}
	if entry.MetaBool(domain.MetaIsError) {
		return true, "engine reported error result"
	}
	return false, ""
}
