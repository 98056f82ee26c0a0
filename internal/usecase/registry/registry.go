// Package registry tracks supervised subprocesses: one entry per execution
// id, a sticky terminal state machine, group indexing, a global concurrency
// ceiling, asynchronous exit monitoring, and timer-based reclamation with a
// sweep backstop. It has no knowledge of issues or turns; domain metadata is
// carried opaquely in the type parameter.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"issuepilot/internal/domain"
)

// Config holds configuration for a Registry.
type Config struct {
	MaxActive     int           // global ceiling on non-terminal entries (0 = unlimited)
	KillTimeout   time.Duration // grace before force-kill on Terminate (default: 5s)
	CleanupDelay  time.Duration // auto-remove terminal entries after this (0 disables)
	SweepInterval time.Duration // how often the sweep backstop runs (0 disables)
}

func (c *Config) applyDefaults() {
	if c.KillTimeout <= 0 {
		c.KillTimeout = 5 * time.Second
	}
}

// Entry is one registered subprocess and its runtime state.
type Entry[M any] struct {
	ID     string
	Group  string
	Handle domain.Handle
	Meta   M

	mu           sync.Mutex
	state        domain.ProcessState
	startedAt    time.Time
	finishedAt   *time.Time
	exitCode     *int
	exitObserved bool
	cleanupTimer *time.Timer
}

// State returns the current process state.
func (e *Entry[M]) State() domain.ProcessState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// StartedAt returns when the entry was registered.
func (e *Entry[M]) StartedAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startedAt
}

// FinishedAt returns when the entry went terminal, or nil.
func (e *Entry[M]) FinishedAt() *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finishedAt
}

// ExitCode returns the observed subprocess exit code, or nil before exit.
func (e *Entry[M]) ExitCode() *int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exitCode
}

// Active reports whether the entry is in a non-terminal state.
func (e *Entry[M]) Active() bool {
	return !e.State().Terminal()
}

// transition applies next if the entry is still non-terminal. Terminal
// states are sticky: requests against a terminal entry are no-ops.
func (e *Entry[M]) transition(next domain.ProcessState) (prev domain.ProcessState, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Terminal() || e.state == next {
		return e.state, false
	}
	prev = e.state
	e.state = next
	if next.Terminal() && e.finishedAt == nil {
		now := time.Now()
		e.finishedAt = &now
	}
	return prev, true
}

func (e *Entry[M]) recordExit(code int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exitCode = &code
	e.exitObserved = true
}

type stateSub[M any] struct {
	id uint64
	fn func(e *Entry[M], prev, next domain.ProcessState)
}

type exitSub[M any] struct {
	id uint64
	fn func(e *Entry[M], exitCode int)
}

// Registry supervises subprocess entries. All index mutation happens under
// one mutex; per-entry state has its own lock so monitors and callers never
// hold both at once.
type Registry[M any] struct {
	mu      sync.Mutex
	entries map[string]*Entry[M]
	groups  map[string]map[string]*Entry[M]

	config Config
	logger *slog.Logger

	subMu     sync.Mutex
	stateSubs []stateSub[M]
	exitSubs  []exitSub[M]
	nextSubID atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	disposed atomic.Bool
}

// New creates a Registry and, when configured, starts the sweep loop.
func New[M any](cfg Config, logger *slog.Logger) *Registry[M] {
	cfg.applyDefaults()
	r := &Registry[M]{
		entries: make(map[string]*Entry[M]),
		groups:  make(map[string]map[string]*Entry[M]),
		config:  cfg,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
	if cfg.SweepInterval > 0 {
		go r.sweepLoop()
	}
	return r
}

// RegisterOptions controls how an entry is registered.
type RegisterOptions struct {
	Group          string
	StartAsRunning bool
}

// Register adds a subprocess under id and begins monitoring its exit.
// It fails when the id is already registered or the active count is at the
// configured ceiling. Callers guarantee id uniqueness (UUIDs).
func (r *Registry[M]) Register(id string, h domain.Handle, meta M, opts RegisterOptions) (*Entry[M], error) {
	if r.disposed.Load() {
		return nil, domain.NewSubSystemError("registry", "Registry.Register", domain.ErrUnavailable, "registry disposed")
	}

	state := domain.ProcessSpawning
	if opts.StartAsRunning {
		state = domain.ProcessRunning
	}
	entry := &Entry[M]{
		ID:        id,
		Group:     opts.Group,
		Handle:    h,
		Meta:      meta,
		state:     state,
		startedAt: time.Now(),
	}

	r.mu.Lock()
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		return nil, domain.NewSubSystemError("registry", "Registry.Register", domain.ErrDuplicate, id)
	}
	if r.config.MaxActive > 0 && r.activeCountLocked() >= r.config.MaxActive {
		r.mu.Unlock()
		return nil, domain.NewSubSystemError("registry", "Registry.Register", domain.ErrLimitReached, "active process ceiling reached")
	}
	r.entries[id] = entry
	if opts.Group != "" {
		g, ok := r.groups[opts.Group]
		if !ok {
			g = make(map[string]*Entry[M])
			r.groups[opts.Group] = g
		}
		g[id] = entry
	}
	r.mu.Unlock()

	go r.monitorExit(entry)

	r.logger.Debug("process registered", "id", id, "group", opts.Group, "state", string(state))
	return entry, nil
}

// MarkRunning transitions the entry to running. No-op on unknown ids and
// terminal entries.
func (r *Registry[M]) MarkRunning(id string) { r.mark(id, domain.ProcessRunning) }

// MarkCompleted transitions the entry to completed (terminal, sticky).
func (r *Registry[M]) MarkCompleted(id string) { r.mark(id, domain.ProcessCompleted) }

// MarkFailed transitions the entry to failed (terminal, sticky).
func (r *Registry[M]) MarkFailed(id string) { r.mark(id, domain.ProcessFailed) }

// MarkCancelled transitions the entry to cancelled (terminal, sticky).
func (r *Registry[M]) MarkCancelled(id string) { r.mark(id, domain.ProcessCancelled) }

func (r *Registry[M]) mark(id string, next domain.ProcessState) {
	entry, ok := r.Get(id)
	if !ok {
		return
	}
	if prev, changed := entry.transition(next); changed {
		r.emitStateChange(entry, prev, next)
	}
}

// Terminate hard-cancels an entry: an optional graceful interrupt, a
// transition to cancelled, then the subprocess's exit raced against the kill
// timeout with a force-kill on expiry. finishedAt is always set on return.
// No-op when the entry is unknown or already terminal.
func (r *Registry[M]) Terminate(ctx context.Context, id string, interrupt func() error) {
	entry, ok := r.Get(id)
	if !ok || !entry.Active() {
		return
	}

	if interrupt != nil {
		if err := interrupt(); err != nil {
			r.logger.Warn("interrupt hook failed", "id", id, "error", err)
		}
	}

	prev, changed := entry.transition(domain.ProcessCancelled)
	if !changed {
		return
	}
	r.emitStateChange(entry, prev, domain.ProcessCancelled)

	select {
	case <-entry.Handle.Done():
	case <-time.After(r.config.KillTimeout):
		r.logger.Warn("kill timeout elapsed, force-killing", "id", id)
		if err := entry.Handle.Kill(); err != nil {
			r.logger.Error("force kill failed", "id", id, "error", err)
		}
	case <-ctx.Done():
		if err := entry.Handle.Kill(); err != nil {
			r.logger.Error("force kill failed", "id", id, "error", err)
		}
	}
}

// TerminateGroup fans Terminate out over every entry in the group.
func (r *Registry[M]) TerminateGroup(ctx context.Context, group string, interrupt func() error) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.groups[group]))
	for id := range r.groups[group] {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.Terminate(ctx, id, interrupt)
		}(id)
	}
	wg.Wait()
}

// TerminateAll fans Terminate out over every registered entry.
func (r *Registry[M]) TerminateAll(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.Terminate(ctx, id, nil)
		}(id)
	}
	wg.Wait()
}

// ForceKill immediately hard-kills the subprocess, skipping the interrupt
// and timeout dance. The entry goes to cancelled with finishedAt set unless
// it was already terminal.
func (r *Registry[M]) ForceKill(id string) {
	entry, ok := r.Get(id)
	if !ok {
		return
	}
	if prev, changed := entry.transition(domain.ProcessCancelled); changed {
		r.emitStateChange(entry, prev, domain.ProcessCancelled)
	}
	if err := entry.Handle.Kill(); err != nil {
		r.logger.Error("force kill failed", "id", id, "error", err)
	}
}

// Get returns the entry for id.
func (r *Registry[M]) Get(id string) (*Entry[M], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e, ok
}

// Has reports whether id is registered.
func (r *Registry[M]) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// Active returns all non-terminal entries.
func (r *Registry[M]) Active() []*Entry[M] {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Entry[M]
	for _, e := range r.entries {
		if e.Active() {
			out = append(out, e)
		}
	}
	return out
}

// ActiveInGroup returns the non-terminal entries in group.
func (r *Registry[M]) ActiveInGroup(group string) []*Entry[M] {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Entry[M]
	for _, e := range r.groups[group] {
		if e.Active() {
			out = append(out, e)
		}
	}
	return out
}

// FirstActiveInGroup returns one non-terminal entry in group, if any.
func (r *Registry[M]) FirstActiveInGroup(group string) (*Entry[M], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.groups[group] {
		if e.Active() {
			return e, true
		}
	}
	return nil, false
}

// HasActiveInGroup reports whether the group holds a non-terminal entry.
func (r *Registry[M]) HasActiveInGroup(group string) bool {
	_, ok := r.FirstActiveInGroup(group)
	return ok
}

// ActiveCount returns the number of non-terminal entries.
func (r *Registry[M]) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeCountLocked()
}

func (r *Registry[M]) activeCountLocked() int {
	n := 0
	for _, e := range r.entries {
		if e.Active() {
			n++
		}
	}
	return n
}

// Size returns the total number of registered entries, terminal included.
func (r *Registry[M]) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// OnStateChange subscribes to state transitions. The returned function
// unsubscribes. Subscriber panics are swallowed at the emission site.
func (r *Registry[M]) OnStateChange(fn func(e *Entry[M], prev, next domain.ProcessState)) func() {
	id := r.nextSubID.Add(1)
	r.subMu.Lock()
	r.stateSubs = append(r.stateSubs, stateSub[M]{id: id, fn: fn})
	r.subMu.Unlock()
	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		for i, s := range r.stateSubs {
			if s.id == id {
				r.stateSubs = append(r.stateSubs[:i], r.stateSubs[i+1:]...)
				return
			}
		}
	}
}

// OnExit subscribes to subprocess exits. The returned function unsubscribes.
func (r *Registry[M]) OnExit(fn func(e *Entry[M], exitCode int)) func() {
	id := r.nextSubID.Add(1)
	r.subMu.Lock()
	r.exitSubs = append(r.exitSubs, exitSub[M]{id: id, fn: fn})
	r.subMu.Unlock()
	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		for i, s := range r.exitSubs {
			if s.id == id {
				r.exitSubs = append(r.exitSubs[:i], r.exitSubs[i+1:]...)
				return
			}
		}
	}
}

func (r *Registry[M]) emitStateChange(e *Entry[M], prev, next domain.ProcessState) {
	r.subMu.Lock()
	subs := make([]stateSub[M], len(r.stateSubs))
	copy(subs, r.stateSubs)
	r.subMu.Unlock()
	for _, s := range subs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("state change subscriber panicked", "id", e.ID, "panic", rec)
				}
			}()
			s.fn(e, prev, next)
		}()
	}
}

func (r *Registry[M]) emitExit(e *Entry[M], code int) {
	r.subMu.Lock()
	subs := make([]exitSub[M], len(r.exitSubs))
	copy(subs, r.exitSubs)
	r.subMu.Unlock()
	for _, s := range subs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("exit subscriber panicked", "id", e.ID, "panic", rec)
				}
			}()
			s.fn(e, code)
		}()
	}
}

// monitorExit waits for the subprocess to exit, records the code, and, when
// no higher-level logic has already settled the entry, applies the default
// completion path: completed on exit 0, failed otherwise.
func (r *Registry[M]) monitorExit(e *Entry[M]) {
	select {
	case <-e.Handle.Done():
	case <-r.stopCh:
		return
	}

	code := e.Handle.ExitCode()
	e.recordExit(code)

	// Exit subscribers run first so higher-level logic can settle the entry
	// itself; the exit-code transition below is only the fallback.
	r.emitExit(e, code)

	next := domain.ProcessCompleted
	if code != 0 {
		next = domain.ProcessFailed
	}
	if prev, changed := e.transition(next); changed {
		r.emitStateChange(e, prev, next)
	}

	r.scheduleCleanup(e)
	r.logger.Debug("process exited", "id", e.ID, "exit_code", code, "state", string(e.State()))
}

// scheduleCleanup arms the auto-removal timer once an entry is terminal with
// an observed exit. A zero delay disables auto-removal; the sweep backstop
// still reclaims the entry eventually.
func (r *Registry[M]) scheduleCleanup(e *Entry[M]) {
	if r.config.CleanupDelay <= 0 || r.disposed.Load() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.Terminal() || e.cleanupTimer != nil {
		return
	}
	e.cleanupTimer = time.AfterFunc(r.config.CleanupDelay, func() {
		r.remove(e.ID)
	})
}

func (r *Registry[M]) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return
	}
	delete(r.entries, id)
	if e.Group != "" {
		if g, ok := r.groups[e.Group]; ok {
			delete(g, id)
			if len(g) == 0 {
				delete(r.groups, e.Group)
			}
		}
	}
}

// Sweep removes terminal entries whose exit has been observed and whose
// auto-cleanup timer is not armed (entries orphaned by crashed scheduling
// code), and prunes empty group indices. Safe to run concurrently with
// ongoing operations.
func (r *Registry[M]) Sweep() int {
	r.mu.Lock()
	var orphans []string
	for id, e := range r.entries {
		e.mu.Lock()
		orphaned := e.state.Terminal() && e.exitObserved && e.cleanupTimer == nil
		e.mu.Unlock()
		if orphaned {
			orphans = append(orphans, id)
		}
	}
	for group, g := range r.groups {
		if len(g) == 0 {
			delete(r.groups, group)
		}
	}
	r.mu.Unlock()

	for _, id := range orphans {
		r.remove(id)
	}
	if len(orphans) > 0 {
		r.logger.Debug("sweep reclaimed orphaned entries", "count", len(orphans))
	}
	return len(orphans)
}

func (r *Registry[M]) sweepLoop() {
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Dispose shuts the registry down: sweep loop stopped, cleanup timers
// cancelled, every subprocess hard-killed, all indices cleared.
func (r *Registry[M]) Dispose() {
	r.disposed.Store(true)
	r.stopOnce.Do(func() { close(r.stopCh) })

	r.mu.Lock()
	entries := make([]*Entry[M], 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.entries = make(map[string]*Entry[M])
	r.groups = make(map[string]map[string]*Entry[M])
	r.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.cleanupTimer != nil {
			e.cleanupTimer.Stop()
			e.cleanupTimer = nil
		}
		e.mu.Unlock()
		if prev, changed := e.transition(domain.ProcessCancelled); changed {
			r.emitStateChange(e, prev, domain.ProcessCancelled)
		}
		if e.Active() || !e.exitSeen() {
			if err := e.Handle.Kill(); err != nil {
				r.logger.Debug("kill during dispose", "id", e.ID, "error", err)
			}
		}
	}
}

func (e *Entry[M]) exitSeen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exitObserved
}
