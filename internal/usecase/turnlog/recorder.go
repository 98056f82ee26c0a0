// Package turnlog assigns turn and entry indices to normalized log entries,
// links engine output back to the user message that triggered it, and
// persists everything through a circuit breaker so a failing store degrades
// to an in-memory buffer instead of stalling live streams.
package turnlog

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker/v2"

	"issuepilot/internal/domain"
)

const (
	breakerMaxFailures uint32 = 5
	breakerTimeout            = 30 * time.Second
	breakerInterval           = 60 * time.Second

	fallbackBufferMax = 256 * 1024
)

// Recorder is the single writer for the turn log. Entry indices are
// per-execution and monotonic; turn indices are fixed at execution bind time.
type Recorder struct {
	store  domain.Store
	bus    domain.EventBus
	logger *slog.Logger

	breaker *gobreaker.CircuitBreaker[*domain.LogEntry]

	mu             sync.Mutex
	entryCounters  map[string]int    // executionID → next entry index
	turnIndexes    map[string]int    // executionID → turn index
	userMessageIDs map[string]string // issueID → message id of the latest user message
	fallback       map[string]*domain.OutputBuffer
}

// New creates a Recorder. The bus may be nil when no live streaming is wanted.
func New(store domain.Store, bus domain.EventBus, logger *slog.Logger) *Recorder {
	r := &Recorder{
		store:          store,
		bus:            bus,
		logger:         logger,
		entryCounters:  make(map[string]int),
		turnIndexes:    make(map[string]int),
		userMessageIDs: make(map[string]string),
		fallback:       make(map[string]*domain.OutputBuffer),
	}
	r.breaker = gobreaker.NewCircuitBreaker[*domain.LogEntry](gobreaker.Settings{
		Name:        "turnlog-store",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return r
}

// BindExecution fixes the turn index for an execution. Must be called before
// the first Record for that execution.
func (r *Recorder) BindExecution(executionID string, turnIndex int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turnIndexes[executionID] = turnIndex
	if _, ok := r.entryCounters[executionID]; !ok {
		r.entryCounters[executionID] = 0
	}
}

// RecordUserMessage persists the prompt that starts or continues a turn and
// remembers its message id so subsequent engine output links back to it.
func (r *Recorder) RecordUserMessage(ctx context.Context, issueID, executionID, content string, hidden bool) (*domain.LogEntry, error) {
	entry := domain.LogEntry{
		EntryType: domain.EntryUserMessage,
		Content:   content,
	}
	if hidden {
		entry.SetMeta(domain.MetaHidden, true)
	}

	persisted, err := r.Record(ctx, issueID, executionID, entry)
	if err != nil {
		return nil, err
	}
	if persisted != nil {
		r.mu.Lock()
		r.userMessageIDs[issueID] = persisted.MessageID
		r.mu.Unlock()
	}
	return persisted, nil
}

// Record stamps the entry (message id, timestamp, turn and entry index, user
// message link) and persists it. When the store circuit is open the raw entry
// is appended to an in-memory fallback buffer and returned without error so
// streaming continues. The stamped entry is published on the event bus.
func (r *Recorder) Record(ctx context.Context, issueID, executionID string, entry domain.LogEntry) (*domain.LogEntry, error) {
	r.stamp(issueID, executionID, &entry)

	persisted, err := r.breaker.Execute(func() (*domain.LogEntry, error) {
		return r.store.PersistLogEntry(ctx, issueID, executionID, entry)
	})
	if err != nil {
		r.bufferFallback(executionID, entry)
		r.logger.Warn("log entry diverted to fallback buffer",
			"issue_id", issueID,
			"execution_id", executionID,
			"error", err,
		)
		persisted = &entry
	} else if persisted == nil {
		// Store skipped the write (duplicate message id).
		return nil, nil
	}

	r.publish(ctx, issueID, executionID, persisted)
	return persisted, nil
}

func (r *Recorder) stamp(issueID, executionID string, entry *domain.LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry.MessageID == "" {
		entry.MessageID = newID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.TurnIndex = r.turnIndexes[executionID]
	entry.EntryIndex = r.entryCounters[executionID]
	r.entryCounters[executionID]++

	if entry.EntryType != domain.EntryUserMessage && entry.ReplyToMessageID == "" {
		entry.ReplyToMessageID = r.userMessageIDs[issueID]
	}
}

func (r *Recorder) bufferFallback(executionID string, entry domain.LogEntry) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.fallback[executionID]
	if !ok {
		buf = domain.NewOutputBuffer(fallbackBufferMax)
		r.fallback[executionID] = buf
	}
	buf.AppendLine(string(raw))
}

func (r *Recorder) publish(ctx context.Context, issueID, executionID string, entry *domain.LogEntry) {
	if r.bus == nil || entry == nil {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	r.bus.Publish(ctx, domain.Event{
		Type:        domain.EventLogEntry,
		Timestamp:   time.Now(),
		IssueID:     issueID,
		ExecutionID: executionID,
		Payload:     raw,
	})
}

// Logs returns the persisted entries for an issue.
func (r *Recorder) Logs(ctx context.Context, issueID string, devMode bool) ([]domain.LogEntry, error) {
	return r.store.GetLogs(ctx, issueID, devMode)
}

// FallbackOverflow returns the raw fallback contents for an execution, or ""
// when the store never failed for it.
func (r *Recorder) FallbackOverflow(executionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.fallback[executionID]
	if !ok {
		return ""
	}
	return buf.String()
}

// PruneExecution drops per-execution bookkeeping. Called once the execution
// has been reclaimed from the process registry.
func (r *Recorder) PruneExecution(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entryCounters, executionID)
	delete(r.turnIndexes, executionID)
	delete(r.fallback, executionID)
}

// PruneIssue drops the user message link for an issue with no live execution.
func (r *Recorder) PruneIssue(issueID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.userMessageIDs, issueID)
}

// SweepStale removes bookkeeping for executions and issues the callbacks no
// longer recognize as live. Returns the number of map records dropped.
func (r *Recorder) SweepStale(executionLive func(executionID string) bool, issueLive func(issueID string) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for execID := range r.entryCounters {
		if !executionLive(execID) {
			delete(r.entryCounters, execID)
			delete(r.turnIndexes, execID)
			delete(r.fallback, execID)
			removed++
		}
	}
	for execID := range r.turnIndexes {
		if !executionLive(execID) {
			delete(r.turnIndexes, execID)
			delete(r.fallback, execID)
			removed++
		}
	}
	for issueID := range r.userMessageIDs {
		if !issueLive(issueID) {
			delete(r.userMessageIDs, issueID)
			removed++
		}
	}
	return removed
}

// newID generates a ULID string (sortable, unique).
func newID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
