package domain

import (
	"sync"
	"time"
)

// ProcessState represents the lifecycle state of a supervised subprocess.
// Completed, failed and cancelled are terminal and sticky: once reached,
// further transition requests are no-ops.
type ProcessState string

const (
	ProcessSpawning  ProcessState = "spawning"
	ProcessRunning   ProcessState = "running"
	ProcessCompleted ProcessState = "completed"
	ProcessFailed    ProcessState = "failed"
	ProcessCancelled ProcessState = "cancelled"
)

// Terminal reports whether the state is one of the sticky terminal states.
func (s ProcessState) Terminal() bool {
	switch s {
	case ProcessCompleted, ProcessFailed, ProcessCancelled:
		return true
	}
	return false
}

// TurnState is the conversational state of an execution, orthogonal to
// ProcessState. A turn can be settled while the subprocess is still alive;
// the process state goes terminal only when the subprocess actually exits.
type TurnState string

const (
	// TurnIdle: no response in flight; the subprocess is waiting for input.
	TurnIdle TurnState = "idle"
	// TurnInFlight: the engine is mid-response.
	TurnInFlight TurnState = "in_flight"
	// TurnSettled: the conversational outcome has been finalized (status
	// persisted, settlement emitted) but the subprocess may still be alive.
	TurnSettled TurnState = "settled"
)

// BusyAction tells FollowUp what to do when the engine is mid-turn.
type BusyAction string

const (
	// BusyQueue appends the input to the pending queue; it is flushed when
	// the current turn completes.
	BusyQueue BusyAction = "queue"
	// BusyCancel queues the input and additionally soft-cancels the
	// in-flight turn (once per queued batch).
	BusyCancel BusyAction = "cancel"
)

// PendingInput is a follow-up prompt queued while the engine was busy.
type PendingInput struct {
	Prompt         string
	Model          string
	PermissionMode string
	BusyAction     BusyAction
	DisplayPrompt  string
	Metadata       map[string]any
}

// ManagedProcess is the scheduler-owned metadata attached to one execution
// attempt in the process registry. All mutation goes through its methods;
// it is safe for concurrent use by the scheduler, the stream classifier and
// the completion monitor.
type ManagedProcess struct {
	IssueID      string
	ExecutionID  string
	EngineType   string
	TurnIndex    int
	Model        string
	WorktreePath string

	mu                   sync.Mutex
	turnState            TurnState
	queueCancelRequested bool
	logicalFailure       bool
	logicalFailureReason string
	cancelledByUser      bool
	metaTurn             bool
	retryCount           int
	isRetry              bool
	slashCommands        []string
	pendingInputs        []PendingInput
	startedAt            time.Time

	// Output is a bounded buffer of raw process output. It also serves as
	// the in-memory fallback sink when log-entry persistence degrades.
	Output *OutputBuffer
}

// NewManagedProcess creates the metadata for a fresh execution attempt.
func NewManagedProcess(issueID, executionID, engineType string, turnIndex int, bufferMax int) *ManagedProcess {
	return &ManagedProcess{
		IssueID:     issueID,
		ExecutionID: executionID,
		EngineType:  engineType,
		TurnIndex:   turnIndex,
		turnState:   TurnInFlight,
		startedAt:   time.Now(),
		Output:      NewOutputBuffer(bufferMax),
	}
}

// TurnState returns the current conversational state.
func (p *ManagedProcess) TurnState() TurnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.turnState
}

// BeginTurn marks a new conversational turn in flight and resets the
// per-turn flags that only apply to a single response.
func (p *ManagedProcess) BeginTurn(meta bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turnState = TurnInFlight
	p.queueCancelRequested = false
	p.logicalFailure = false
	p.logicalFailureReason = ""
	p.cancelledByUser = false
	p.metaTurn = meta
}

// EndTurn marks the in-flight turn as finished and clears the per-turn
// cancel-request and meta flags. It reports whether a turn was in flight.
func (p *ManagedProcess) EndTurn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	wasInFlight := p.turnState == TurnInFlight
	if p.turnState != TurnSettled {
		p.turnState = TurnIdle
	}
	p.queueCancelRequested = false
	p.metaTurn = false
	return wasInFlight
}

// Settle marks the conversational outcome as finalized while the subprocess
// may still be alive. The registry keeps indexing the execution as active so
// no duplicate spawn can occur.
func (p *ManagedProcess) Settle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turnState = TurnSettled
}

// Settled reports whether the turn outcome has already been finalized.
func (p *ManagedProcess) Settled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.turnState == TurnSettled
}

// TurnInFlight reports whether the engine is mid-response.
func (p *ManagedProcess) TurnInFlight() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.turnState == TurnInFlight
}

// MetaTurn reports whether the current turn is system-initiated and must be
// hidden from the user-facing log view.
func (p *ManagedProcess) MetaTurn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metaTurn
}

// SetMetaTurn flags the current turn as system-initiated.
func (p *ManagedProcess) SetMetaTurn(meta bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metaTurn = meta
}

// Enqueue appends a follow-up input to the pending queue (FIFO).
func (p *ManagedProcess) Enqueue(in PendingInput) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingInputs = append(p.pendingInputs, in)
}

// Dequeue pops the oldest pending input, if any.
func (p *ManagedProcess) Dequeue() (PendingInput, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pendingInputs) == 0 {
		return PendingInput{}, false
	}
	in := p.pendingInputs[0]
	p.pendingInputs = p.pendingInputs[1:]
	return in, true
}

// DrainInputs removes and returns all pending inputs in order.
func (p *ManagedProcess) DrainInputs() []PendingInput {
	p.mu.Lock()
	defer p.mu.Unlock()
	drained := p.pendingInputs
	p.pendingInputs = nil
	return drained
}

// PendingCount returns the number of queued follow-up inputs.
func (p *ManagedProcess) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pendingInputs)
}

// RequestQueueCancel records that the caller wants the in-flight turn
// soft-cancelled. It returns true only the first time per queued batch, so
// the interrupt is issued exactly once even if FollowUp is called repeatedly.
func (p *ManagedProcess) RequestQueueCancel() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queueCancelRequested {
		return false
	}
	p.queueCancelRequested = true
	return true
}

// MarkCancelledByUser records a user-initiated soft cancel of the current
// turn. The flag is cleared when the next turn begins.
func (p *ManagedProcess) MarkCancelledByUser() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelledByUser = true
}

// CancelledByUser reports whether the user soft-cancelled the current turn.
func (p *ManagedProcess) CancelledByUser() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelledByUser
}

// MarkLogicalFailure records a failure inferred from stream content even when
// the process exit code is 0.
func (p *ManagedProcess) MarkLogicalFailure(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logicalFailure = true
	p.logicalFailureReason = reason
}

// LogicalFailure returns the inferred-failure flag and its reason.
func (p *ManagedProcess) LogicalFailure() (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.logicalFailure, p.logicalFailureReason
}

// MarkRetry flags this execution as a retry attempt and bumps the counter.
func (p *ManagedProcess) MarkRetry(count int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.isRetry = true
	p.retryCount = count
}

// IsRetry reports whether this execution attempt is itself a retry.
func (p *ManagedProcess) IsRetry() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isRetry
}

// RetryCount returns the retry counter carried by this attempt.
func (p *ManagedProcess) RetryCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retryCount
}

// SetSlashCommands stores the slash commands advertised by the engine.
func (p *ManagedProcess) SetSlashCommands(cmds []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slashCommands = append([]string(nil), cmds...)
}

// SlashCommands returns a copy of the engine's advertised slash commands.
func (p *ManagedProcess) SlashCommands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.slashCommands...)
}

// StartedAt returns when this execution attempt was created.
func (p *ManagedProcess) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedAt
}
