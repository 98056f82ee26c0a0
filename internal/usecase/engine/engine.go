// Package engine is the per-issue conversational scheduler. It turns
// execute / follow-up / restart / cancel requests into correctly ordered
// subprocess spawns, interactive input sends, soft cancellations and retries,
// with a strict one-active-execution-per-issue invariant.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"issuepilot/internal/domain"
	"issuepilot/internal/infra/tracer"
	"issuepilot/internal/usecase/registry"
	"issuepilot/internal/usecase/stream"
	"issuepilot/internal/usecase/turnlog"
)

// Config holds scheduler tunables.
type Config struct {
	DefaultEngineType string
	Models            map[string]string // engine type → configured default model
	OutputMax         int               // per-execution raw output buffer bound
	RetryEnabled      bool              // auto-retry failed executions once
	RetryBurst        int               // retry limiter burst
	RetryInterval     time.Duration     // retry limiter refill interval
}

func (c *Config) applyDefaults() {
	if c.OutputMax <= 0 {
		c.OutputMax = 1024 * 1024
	}
	if c.RetryBurst <= 0 {
		c.RetryBurst = 1
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Minute
	}
}

// WorktreeFn provisions an isolated working directory for an issue's
// execution. nil means "spawn in the caller-provided working dir as-is".
type WorktreeFn func(ctx context.Context, issueID string) (string, error)

// Engine schedules engine subprocesses per issue. One Engine instance is
// constructed at startup and shared; there is no ambient global state.
type Engine struct {
	cfg        Config
	registry   *registry.Registry[*domain.ManagedProcess]
	store      domain.Store
	recorder   *turnlog.Recorder
	classifier *stream.Classifier
	executors  *ExecutorRegistry
	bus        domain.EventBus
	worktree   WorktreeFn
	logger     *slog.Logger

	locks        *issueLocks
	retryLimiter *rate.Limiter

	mu      sync.Mutex
	spawned map[string]*domain.SpawnedProcess // executionID → live subprocess surface
}

// New wires the scheduler onto its collaborators and subscribes it to the
// registry's exit and state-change events.
func New(
	cfg Config,
	reg *registry.Registry[*domain.ManagedProcess],
	store domain.Store,
	recorder *turnlog.Recorder,
	classifier *stream.Classifier,
	executors *ExecutorRegistry,
	bus domain.EventBus,
	worktree WorktreeFn,
	logger *slog.Logger,
) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:          cfg,
		registry:     reg,
		store:        store,
		recorder:     recorder,
		classifier:   classifier,
		executors:    executors,
		bus:          bus,
		worktree:     worktree,
		logger:       logger,
		locks:        newIssueLocks(),
		retryLimiter: rate.NewLimiter(rate.Every(cfg.RetryInterval), cfg.RetryBurst),
		spawned:      make(map[string]*domain.SpawnedProcess),
	}

	reg.OnExit(e.onProcessExit)
	reg.OnStateChange(func(entry *registry.Entry[*domain.ManagedProcess], prev, next domain.ProcessState) {
		e.publish(context.Background(), domain.EventProcessStateChanged, entry.Meta.IssueID, entry.ID,
			domain.StateChangePayload{Previous: prev, Next: next})
	})
	return e
}

// ExecuteOptions parameterizes a fresh engine run.
type ExecuteOptions struct {
	EngineType     string
	Prompt         string
	WorkingDir     string
	Model          string
	PermissionMode string
}

// FollowUpOptions parameterizes a follow-up prompt into an existing session.
type FollowUpOptions struct {
	Prompt         string
	Model          string
	PermissionMode string
	BusyAction     domain.BusyAction
	DisplayPrompt  string
	Metadata       map[string]any
}

// Result identifies the execution an operation acted on. MessageID is empty
// when the prompt was queued rather than persisted as a turn entry.
type Result struct {
	ExecutionID string
	MessageID   string
}

// Execute starts a brand-new engine session for the issue. Fails when an
// execution is already active for the issue or the global ceiling is reached.
func (e *Engine) Execute(ctx context.Context, issueID string, opts ExecuteOptions) (*Result, error) {
	const op = "IssueEngine.Execute"
	unlock := e.locks.Lock(issueID)
	defer unlock()

	ctx, span := tracer.StartSpan(ctx, op)
	defer span.End()
	span.SetAttributes(tracer.StringAttr("issue_id", issueID))

	if e.registry.HasActiveInGroup(issueID) {
		err := domain.NewDomainError(op, domain.ErrExecutionActive, issueID)
		tracer.RecordError(span, err)
		return nil, err
	}

	engineType := opts.EngineType
	if engineType == "" {
		engineType = e.cfg.DefaultEngineType
	}
	executor, err := e.executors.Get(engineType)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	res, err := e.spawnLocked(ctx, spawnReq{
		issueID:        issueID,
		executor:       executor,
		prompt:         opts.Prompt,
		workingDir:     opts.WorkingDir,
		model:          e.resolveModel(opts.Model, "", engineType),
		permissionMode: opts.PermissionMode,
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return res, nil
}

// FollowUp delivers another prompt into the issue's conversation. Depending
// on the live execution's state the prompt is sent directly, queued, or used
// to spawn a fresh resumed subprocess.
func (e *Engine) FollowUp(ctx context.Context, issueID string, opts FollowUpOptions) (*Result, error) {
	const op = "IssueEngine.FollowUp"
	unlock := e.locks.Lock(issueID)
	defer unlock()

	ctx, span := tracer.StartSpan(ctx, op)
	defer span.End()
	span.SetAttributes(tracer.StringAttr("issue_id", issueID))

	issue, err := e.store.GetIssueWithSession(ctx, issueID)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp(op, err)
	}
	if issue.EngineType == "" || issue.ExternalSessionID == "" {
		err := domain.NewDomainError(op, domain.ErrSessionMissing, issueID)
		tracer.RecordError(span, err)
		return nil, err
	}
	executor, err := e.executors.Get(issue.EngineType)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	model := e.resolveModel(opts.Model, issue.Model, issue.EngineType)
	busy := opts.BusyAction
	if busy == "" {
		busy = domain.BusyQueue
	}

	entry, active := e.registry.FirstActiveInGroup(issueID)
	if !active {
		// No live subprocess: spawn a resumed follow-up run.
		res, err := e.spawnLocked(ctx, spawnReq{
			issueID:        issueID,
			executor:       executor,
			prompt:         opts.Prompt,
			displayPrompt:  opts.DisplayPrompt,
			model:          model,
			permissionMode: opts.PermissionMode,
			resumeSession:  issue.ExternalSessionID,
		})
		if err != nil {
			tracer.RecordError(span, err)
			return nil, err
		}
		tracer.SetOK(span)
		return res, nil
	}

	proc := entry.Meta
	if proc.TurnInFlight() || entry.State() != domain.ProcessRunning {
		// Engine is busy (or still spawning): queue, optionally soft-cancel
		// the in-flight turn exactly once per queued batch.
		proc.Enqueue(domain.PendingInput{
			Prompt:         opts.Prompt,
			Model:          model,
			PermissionMode: opts.PermissionMode,
			BusyAction:     busy,
			DisplayPrompt:  opts.DisplayPrompt,
			Metadata:       opts.Metadata,
		})
		if busy == domain.BusyCancel && proc.RequestQueueCancel() {
			e.softCancel(entry.ID, executor)
		}
		tracer.SetOK(span)
		return &Result{ExecutionID: entry.ID}, nil
	}

	// Idle live subprocess: send straight into its interactive channel.
	msg, err := e.recorder.RecordUserMessage(ctx, issueID, entry.ID, displayOr(opts.DisplayPrompt, opts.Prompt), false)
	if err != nil {
		e.logger.Warn("persist follow-up user message", "issue_id", issueID, "error", err)
	}
	proc.BeginTurn(false)

	if sendErr := e.sendUserMessage(entry.ID, opts.Prompt); sendErr != nil {
		// The subprocess exited between the idle check and the send. Never
		// drop the prompt: fall back to a fresh resumed spawn.
		e.logger.Warn("interactive send lost the race with process exit, respawning",
			"issue_id", issueID, "execution_id", entry.ID, "error", sendErr)
		e.registry.ForceKill(entry.ID)

		res, err := e.spawnLocked(ctx, spawnReq{
			issueID:         issueID,
			executor:        executor,
			prompt:          opts.Prompt,
			displayPrompt:   opts.DisplayPrompt,
			model:           model,
			permissionMode:  opts.PermissionMode,
			resumeSession:   issue.ExternalSessionID,
			skipUserMessage: true,
		})
		if err != nil {
			tracer.RecordError(span, err)
			return nil, err
		}
		if msg != nil {
			res.MessageID = msg.MessageID
		}
		tracer.SetOK(span)
		return res, nil
	}

	res := &Result{ExecutionID: entry.ID}
	if msg != nil {
		res.MessageID = msg.MessageID
	}
	tracer.SetOK(span)
	return res, nil
}

// Restart re-spawns a failed or cancelled session from its stored prompt,
// resuming the external session when one is stored.
func (e *Engine) Restart(ctx context.Context, issueID string) (*Result, error) {
	const op = "IssueEngine.Restart"
	unlock := e.locks.Lock(issueID)
	defer unlock()

	ctx, span := tracer.StartSpan(ctx, op)
	defer span.End()
	span.SetAttributes(tracer.StringAttr("issue_id", issueID))

	issue, err := e.store.GetIssueWithSession(ctx, issueID)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp(op, err)
	}
	if issue.SessionStatus != domain.SessionFailed && issue.SessionStatus != domain.SessionCancelled {
		err := domain.NewSubSystemError("engine", op, domain.ErrInvalidState,
			fmt.Sprintf("session status %q", issue.SessionStatus))
		tracer.RecordError(span, err)
		return nil, err
	}
	if issue.EngineType == "" || issue.Prompt == "" {
		err := domain.NewDomainError(op, domain.ErrSessionMissing, issueID)
		tracer.RecordError(span, err)
		return nil, err
	}
	executor, err := e.executors.Get(issue.EngineType)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	// Kill any straggler before respawning.
	if e.registry.HasActiveInGroup(issueID) {
		e.registry.TerminateGroup(ctx, issueID, nil)
	}

	res, err := e.spawnLocked(ctx, spawnReq{
		issueID:       issueID,
		executor:      executor,
		prompt:        issue.Prompt,
		model:         e.resolveModel("", issue.Model, issue.EngineType),
		resumeSession: issue.ExternalSessionID,
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return res, nil
}

// CancelOutcome tells the caller whether a live process was interrupted.
type CancelOutcome string

const (
	CancelInterrupted CancelOutcome = "interrupted"
	CancelNoProcess   CancelOutcome = "cancelled"
)

// Cancel soft-cancels the issue's live executions and clears their queued
// inputs. The session status is persisted as cancelled up front, whether or
// not a process is running, so a late completion handler cannot overwrite
// the outcome with failed.
func (e *Engine) Cancel(ctx context.Context, issueID string) (CancelOutcome, error) {
	const op = "IssueEngine.Cancel"
	unlock := e.locks.Lock(issueID)
	defer unlock()

	ctx, span := tracer.StartSpan(ctx, op)
	defer span.End()
	span.SetAttributes(tracer.StringAttr("issue_id", issueID))

	upd := domain.SessionUpdate{SessionStatus: domain.StatusPtr(domain.SessionCancelled)}
	if err := e.store.UpdateIssueSession(ctx, issueID, upd); err != nil {
		tracer.RecordError(span, err)
		return "", domain.WrapOp(op, err)
	}

	entries := e.registry.ActiveInGroup(issueID)
	if len(entries) == 0 {
		tracer.SetOK(span)
		return CancelNoProcess, nil
	}

	for _, entry := range entries {
		proc := entry.Meta
		proc.MarkCancelledByUser()
		proc.DrainInputs()
		executor, err := e.executors.Get(proc.EngineType)
		if err != nil {
			e.logger.Error("cancel: executor lookup", "issue_id", issueID, "error", err)
			continue
		}
		e.softCancel(entry.ID, executor)
	}
	tracer.SetOK(span)
	return CancelInterrupted, nil
}

// Logs returns the issue's persisted turn log.
func (e *Engine) Logs(ctx context.Context, issueID string, devMode bool) ([]domain.LogEntry, error) {
	return e.recorder.Logs(ctx, issueID, devMode)
}

// Dispose hard-terminates every supervised subprocess and shuts the registry
// down. Used at daemon shutdown.
func (e *Engine) Dispose() {
	e.registry.Dispose()
	e.mu.Lock()
	e.spawned = make(map[string]*domain.SpawnedProcess)
	e.mu.Unlock()
}

// spawnReq is the shared parameter set for every spawn path (execute,
// follow-up respawn, restart, retry, queued chain).
type spawnReq struct {
	issueID         string
	executor        domain.EngineExecutor
	prompt          string
	displayPrompt   string
	workingDir      string
	model           string
	permissionMode  string
	resumeSession   string // non-empty: resume this external session
	meta            bool   // system-initiated turn, hidden from the log view
	retry           bool
	retryCount      int
	carryOver       []domain.PendingInput
	skipUserMessage bool // prompt already persisted by the caller
}

// spawnLocked performs one subprocess spawn end to end. Callers hold the
// issue lock.
func (e *Engine) spawnLocked(ctx context.Context, req spawnReq) (*Result, error) {
	const op = "IssueEngine.spawn"

	workingDir := req.workingDir
	worktreePath := ""
	if workingDir == "" && e.worktree != nil {
		path, err := e.worktree(ctx, req.issueID)
		if err != nil {
			return nil, domain.WrapOp(op, err)
		}
		workingDir = path
		worktreePath = path
	}

	spawnOpts := domain.SpawnOptions{
		IssueID:           req.issueID,
		Prompt:            req.prompt,
		WorkingDir:        workingDir,
		Model:             req.model,
		PermissionMode:    req.permissionMode,
		ExternalSessionID: req.resumeSession,
	}

	var sp *domain.SpawnedProcess
	var err error
	if req.resumeSession != "" {
		sp, err = req.executor.SpawnFollowUp(ctx, spawnOpts)
		if errors.Is(err, domain.ErrSessionGone) {
			// Session-recreation path: the engine lost the conversation;
			// start fresh and store the new session id below.
			e.logger.Warn("external session gone, starting a fresh one", "issue_id", req.issueID)
			spawnOpts.ExternalSessionID = ""
			sp, err = req.executor.Spawn(ctx, spawnOpts)
		}
	} else {
		sp, err = req.executor.Spawn(ctx, spawnOpts)
	}
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	executionID := uuid.NewString()
	turnIndex, err := e.store.NextTurnIndex(ctx, req.issueID)
	if err != nil {
		_ = sp.Handle.Kill()
		return nil, domain.WrapOp(op, err)
	}

	proc := domain.NewManagedProcess(req.issueID, executionID, req.executor.Type(), turnIndex, e.cfg.OutputMax)
	proc.Model = req.model
	proc.WorktreePath = worktreePath
	proc.BeginTurn(req.meta)
	if req.retry {
		proc.MarkRetry(req.retryCount)
	}
	for _, in := range req.carryOver {
		proc.Enqueue(in)
	}

	if _, err := e.registry.Register(executionID, sp.Handle, proc, registry.RegisterOptions{Group: req.issueID}); err != nil {
		_ = sp.Handle.Kill()
		return nil, err
	}
	e.mu.Lock()
	e.spawned[executionID] = sp
	e.mu.Unlock()

	upd := domain.SessionUpdate{
		EngineType:    domain.StrPtr(req.executor.Type()),
		SessionStatus: domain.StatusPtr(domain.SessionRunning),
		Model:         domain.StrPtr(req.model),
	}
	if !req.meta && req.prompt != "" {
		upd.Prompt = domain.StrPtr(req.prompt)
	}
	if sp.ExternalSessionID != "" {
		upd.ExternalSessionID = domain.StrPtr(sp.ExternalSessionID)
	}
	if err := e.store.UpdateIssueSession(ctx, req.issueID, upd); err != nil {
		e.registry.ForceKill(executionID)
		return nil, domain.WrapOp(op, err)
	}

	e.recorder.BindExecution(executionID, turnIndex)
	messageID := ""
	if !req.skipUserMessage {
		msg, err := e.recorder.RecordUserMessage(ctx, req.issueID, executionID,
			displayOr(req.displayPrompt, req.prompt), req.meta)
		if err != nil {
			e.logger.Warn("persist initiating user message", "issue_id", req.issueID, "error", err)
		} else if msg != nil {
			messageID = msg.MessageID
		}
	}

	// Streams outlive the request that spawned them.
	streamCtx := context.WithoutCancel(ctx)
	cb := stream.Callbacks{
		TurnComplete: func(cctx context.Context) { e.handleTurnComplete(cctx, proc) },
		StreamError:  func(cctx context.Context, serr error) { e.handleStreamError(cctx, proc, serr) },
	}
	go e.classifier.ConsumeStdout(streamCtx, proc, sp.Stdout, req.executor.NormalizeLog, cb)
	if sp.Stderr != nil {
		go e.classifier.ConsumeStderr(streamCtx, proc, sp.Stderr)
	}

	e.registry.MarkRunning(executionID)
	e.publish(streamCtx, domain.EventProcessStarted, req.issueID, executionID, nil)

	e.logger.Info("execution spawned",
		"issue_id", req.issueID,
		"execution_id", executionID,
		"engine", req.executor.Type(),
		"turn_index", turnIndex,
		"resumed", req.resumeSession != "",
		"retry", req.retry,
	)
	return &Result{ExecutionID: executionID, MessageID: messageID}, nil
}

// resolveModel picks the model for a spawn: an explicit request wins, then
// the issue's stored model, then the configured per-engine override, then
// the engine's built-in default.
func (e *Engine) resolveModel(requested, stored, engineType string) string {
	if requested != "" {
		return requested
	}
	if stored != "" {
		return stored
	}
	if m, ok := e.cfg.Models[engineType]; ok && m != "" {
		return m
	}
	return domain.DefaultModels[engineType]
}

func (e *Engine) spawnedFor(executionID string) *domain.SpawnedProcess {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spawned[executionID]
}

func (e *Engine) forgetSpawned(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.spawned, executionID)
}

// sendUserMessage pushes text into a live subprocess's interactive channel.
func (e *Engine) sendUserMessage(executionID, text string) error {
	sp := e.spawnedFor(executionID)
	if sp == nil || sp.Protocol == nil {
		return domain.ErrStdinClosed
	}
	return sp.Protocol.SendUserMessage(text)
}

// softCancel interrupts the current turn without killing the subprocess.
func (e *Engine) softCancel(executionID string, executor domain.EngineExecutor) {
	sp := e.spawnedFor(executionID)
	if sp == nil {
		return
	}
	if err := executor.Cancel(sp); err != nil {
		e.logger.Warn("soft cancel failed", "execution_id", executionID, "error", err)
	}
}

func (e *Engine) publish(ctx context.Context, typ domain.EventType, issueID, executionID string, payload any) {
	if e.bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return
		}
		raw = b
	}
	e.bus.Publish(ctx, domain.Event{
		Type:        typ,
		Timestamp:   time.Now(),
		IssueID:     issueID,
		ExecutionID: executionID,
		Payload:     raw,
	})
}

func displayOr(display, prompt string) string {
	if display != "" {
		return display
	}
	return prompt
}
