package engine

import (
	"context"

	"issuepilot/internal/domain"
	"issuepilot/internal/usecase/registry"
)

// handleTurnComplete runs when the stream classifier sees a completion
// marker. The subprocess is still alive: either flush the next queued input
// into it, or settle the turn.
func (e *Engine) handleTurnComplete(ctx context.Context, proc *domain.ManagedProcess) {
	unlock := e.locks.Lock(proc.IssueID)
	defer unlock()

	// EndTurn reports whether a turn was actually in flight; a duplicate
	// marker for an already-ended turn is dropped here.
	if !proc.EndTurn() {
		return
	}

	if next, ok := proc.Dequeue(); ok {
		e.flushQueuedInput(ctx, proc, next)
		return
	}
	e.settleTurn(ctx, proc)
}

// handleStreamError runs when the output stream breaks before a completion
// marker. The failure is recorded on the process; the exit monitor settles
// and retries.
func (e *Engine) handleStreamError(_ context.Context, proc *domain.ManagedProcess, err error) {
	e.logger.Warn("stream error on execution",
		"issue_id", proc.IssueID,
		"execution_id", proc.ExecutionID,
		"error", err,
	)
	proc.MarkLogicalFailure("stream error: " + err.Error())
}

// flushQueuedInput sends one queued prompt into the still-live subprocess.
// If the send races with process exit, the remaining queue moves to a fresh
// resumed spawn so no input is ever dropped.
func (e *Engine) flushQueuedInput(ctx context.Context, proc *domain.ManagedProcess, in domain.PendingInput) {
	if _, err := e.recorder.RecordUserMessage(ctx, proc.IssueID, proc.ExecutionID,
		displayOr(in.DisplayPrompt, in.Prompt), false); err != nil {
		e.logger.Warn("persist queued user message", "issue_id", proc.IssueID, "error", err)
	}
	proc.BeginTurn(false)

	if err := e.sendUserMessage(proc.ExecutionID, in.Prompt); err == nil {
		return
	}

	e.logger.Warn("queued input lost the send race, respawning",
		"issue_id", proc.IssueID, "execution_id", proc.ExecutionID)
	e.registry.ForceKill(proc.ExecutionID)

	carry := proc.DrainInputs()
	if err := e.respawnWithInput(ctx, proc, in, carry, true); err != nil {
		e.logger.Error("respawn after send race failed", "issue_id", proc.IssueID, "error", err)
		e.persistStatus(ctx, proc, domain.SessionFailed)
		e.publishSettled(ctx, proc, domain.SessionFailed)
	}
}

// settleTurn finalizes a completed conversational turn while the subprocess
// stays alive. The registry entry stays active so no duplicate spawn can
// occur; true termination happens only when the subprocess exits.
func (e *Engine) settleTurn(ctx context.Context, proc *domain.ManagedProcess) {
	proc.Settle()

	status := domain.SessionCompleted
	if failed, reason := proc.LogicalFailure(); failed {
		status = domain.SessionFailed
		e.logger.Info("turn settled as logical failure",
			"issue_id", proc.IssueID, "execution_id", proc.ExecutionID, "reason", reason)
	}
	if proc.CancelledByUser() {
		status = domain.SessionCancelled
	}

	e.persistStatus(ctx, proc, status)

	// Messages queued in the database while the engine was busy take
	// precedence over moving the issue to review.
	if status != domain.SessionCancelled && e.flushPendingMessages(ctx, proc) {
		return
	}
	if status == domain.SessionCompleted {
		if err := e.store.AutoMoveToReview(ctx, proc.IssueID); err != nil {
			e.logger.Error("auto-move to review", "issue_id", proc.IssueID, "error", err)
		}
	}
	e.publishSettled(ctx, proc, status)
}

// flushPendingMessages dispatches DB-queued messages as fresh follow-ups.
// Returns true when a follow-up was launched.
func (e *Engine) flushPendingMessages(ctx context.Context, proc *domain.ManagedProcess) bool {
	msgs, err := e.store.GetPendingMessages(ctx, proc.IssueID)
	if err != nil {
		e.logger.Error("load pending messages", "issue_id", proc.IssueID, "error", err)
		return false
	}
	if len(msgs) == 0 {
		return false
	}

	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	if err := e.store.MarkPendingMessagesDispatched(ctx, ids); err != nil {
		e.logger.Error("mark pending messages dispatched", "issue_id", proc.IssueID, "error", err)
		return false
	}

	// The follow-ups take the issue lock themselves; dispatch outside it.
	issueID := proc.IssueID
	go func() {
		for _, m := range msgs {
			if _, err := e.FollowUp(context.Background(), issueID, FollowUpOptions{
				Prompt:         m.Prompt,
				Model:          m.Model,
				PermissionMode: m.PermissionMode,
			}); err != nil {
				e.logger.Error("flush pending message", "issue_id", issueID, "error", err)
				return
			}
		}
	}()
	return true
}

// onProcessExit is the completion monitor, subscribed to registry exits.
// It runs before the registry's default exit-code transition, so it can
// settle the entry's final state itself.
func (e *Engine) onProcessExit(entry *registry.Entry[*domain.ManagedProcess], exitCode int) {
	proc := entry.Meta
	ctx := context.Background()

	unlock := e.locks.Lock(proc.IssueID)
	defer unlock()
	defer e.forgetSpawned(entry.ID)

	e.publish(ctx, domain.EventProcessExited, proc.IssueID, entry.ID, domain.ExitPayload{ExitCode: exitCode})

	// Hard termination (restart, dispose) manages its own outcome.
	if entry.State() == domain.ProcessCancelled && !proc.CancelledByUser() {
		return
	}

	// 1. Turn already settled: the outcome was persisted at turn completion;
	//    only the registry state machine remains, and its default transition
	//    handles that.
	if proc.Settled() {
		return
	}

	// 2. The subprocess died with inputs still queued: chain them onto a
	//    fresh resumed spawn.
	if queued := proc.DrainInputs(); len(queued) > 0 {
		if err := e.respawnWithInput(ctx, proc, queued[0], queued[1:], false); err != nil {
			e.logger.Error("chain queued inputs after exit", "issue_id", proc.IssueID, "error", err)
			e.settleExit(ctx, entry, proc, domain.SessionFailed)
		}
		return
	}

	// 3. User-cancelled.
	if proc.CancelledByUser() {
		e.settleExit(ctx, entry, proc, domain.SessionCancelled)
		return
	}

	// 4. Clean exit, no logical failure.
	if logical, _ := proc.LogicalFailure(); exitCode == 0 && !logical {
		e.settleExit(ctx, entry, proc, domain.SessionCompleted)
		return
	}

	// 5. Failure: retry once per execution chain, then give up.
	if e.shouldRetry(proc) {
		e.registry.MarkFailed(entry.ID)
		if err := e.retrySpawn(ctx, proc); err == nil {
			return
		} else {
			e.logger.Error("auto-retry spawn failed", "issue_id", proc.IssueID, "error", err)
		}
	}
	e.settleExit(ctx, entry, proc, domain.SessionFailed)
}

// settleExit finalizes registry state and persisted status for an exited,
// unsettled execution.
func (e *Engine) settleExit(ctx context.Context, entry *registry.Entry[*domain.ManagedProcess], proc *domain.ManagedProcess, status domain.SessionStatus) {
	switch status {
	case domain.SessionCompleted:
		e.registry.MarkCompleted(entry.ID)
	case domain.SessionFailed:
		e.registry.MarkFailed(entry.ID)
	case domain.SessionCancelled:
		e.registry.MarkCancelled(entry.ID)
	}
	proc.Settle()

	e.persistStatus(ctx, proc, status)
	if status == domain.SessionCompleted {
		if err := e.store.AutoMoveToReview(ctx, proc.IssueID); err != nil {
			e.logger.Error("auto-move to review", "issue_id", proc.IssueID, "error", err)
		}
	}
	e.publishSettled(ctx, proc, status)
}

func (e *Engine) shouldRetry(proc *domain.ManagedProcess) bool {
	if !e.cfg.RetryEnabled {
		return false
	}
	if proc.IsRetry() || proc.RetryCount() >= 1 {
		return false
	}
	return e.retryLimiter.Allow()
}

// retrySpawn re-runs the stored prompt against the stored session.
func (e *Engine) retrySpawn(ctx context.Context, proc *domain.ManagedProcess) error {
	issue, err := e.store.GetIssueWithSession(ctx, proc.IssueID)
	if err != nil {
		return err
	}
	executor, err := e.executors.Get(proc.EngineType)
	if err != nil {
		return err
	}

	e.publish(ctx, domain.EventRetryStarted, proc.IssueID, proc.ExecutionID, nil)
	e.logger.Info("auto-retrying failed execution",
		"issue_id", proc.IssueID, "failed_execution_id", proc.ExecutionID)

	_, err = e.spawnLocked(ctx, spawnReq{
		issueID:         proc.IssueID,
		executor:        executor,
		prompt:          issue.Prompt,
		model:           e.resolveModel("", issue.Model, proc.EngineType),
		resumeSession:   issue.ExternalSessionID,
		retry:           true,
		retryCount:      proc.RetryCount() + 1,
		skipUserMessage: true,
	})
	return err
}

// respawnWithInput spawns a fresh resumed subprocess for a queued or raced
// input, carrying any further-queued inputs along in order.
func (e *Engine) respawnWithInput(ctx context.Context, proc *domain.ManagedProcess, in domain.PendingInput, carry []domain.PendingInput, skipUserMessage bool) error {
	issue, err := e.store.GetIssueWithSession(ctx, proc.IssueID)
	if err != nil {
		return err
	}
	executor, err := e.executors.Get(proc.EngineType)
	if err != nil {
		return err
	}
	_, err = e.spawnLocked(ctx, spawnReq{
		issueID:         proc.IssueID,
		executor:        executor,
		prompt:          in.Prompt,
		displayPrompt:   in.DisplayPrompt,
		model:           e.resolveModel(in.Model, issue.Model, proc.EngineType),
		permissionMode:  in.PermissionMode,
		resumeSession:   issue.ExternalSessionID,
		carryOver:       carry,
		skipUserMessage: skipUserMessage,
	})
	return err
}

func (e *Engine) persistStatus(ctx context.Context, proc *domain.ManagedProcess, status domain.SessionStatus) {
	upd := domain.SessionUpdate{SessionStatus: domain.StatusPtr(status)}
	if err := e.store.UpdateIssueSession(ctx, proc.IssueID, upd); err != nil {
		e.logger.Error("persist session status",
			"issue_id", proc.IssueID, "status", string(status), "error", err)
	}
}

func (e *Engine) publishSettled(ctx context.Context, proc *domain.ManagedProcess, status domain.SessionStatus) {
	e.publish(ctx, domain.EventIssueSettled, proc.IssueID, proc.ExecutionID,
		domain.SettledPayload{FinalStatus: status})
}
