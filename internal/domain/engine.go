package domain

import (
	"context"
	"io"
	"os"
)

// Handle is the supervisor's view of a spawned subprocess. Implementations
// wrap the platform process; tests substitute fakes.
type Handle interface {
	// Done is closed once the subprocess has exited.
	Done() <-chan struct{}
	// ExitCode is valid after Done is closed; -1 before exit or when unknown.
	ExitCode() int
	// Signal delivers sig to the subprocess (soft interrupt path).
	Signal(sig os.Signal) error
	// Kill force-terminates the subprocess.
	Kill() error
}

// ProtocolHandler is the interactive input channel into a live engine
// subprocess. Present only for engines that accept mid-session user input.
type ProtocolHandler interface {
	SendUserMessage(text string) error
}

// SpawnedProcess is what an EngineExecutor hands back for one subprocess.
type SpawnedProcess struct {
	Handle            Handle
	Stdout            io.ReadCloser
	Stderr            io.ReadCloser
	Protocol          ProtocolHandler // nil if the engine has no interactive channel
	ExternalSessionID string          // the engine's own resumable session id
}

// SpawnOptions carries everything an executor needs to start an engine run.
type SpawnOptions struct {
	IssueID           string
	Prompt            string
	WorkingDir        string
	Model             string
	PermissionMode    string
	ExternalSessionID string // set on follow-up spawns; resumes the session
	Env               []string
}

// EngineExecutor is the closed interface each engine type implements. The
// scheduler dispatches through a registry of these; no runtime probing.
type EngineExecutor interface {
	// Type is the engine type key, e.g. "claude" or "codex".
	Type() string
	// Spawn starts a brand-new engine session.
	Spawn(ctx context.Context, opts SpawnOptions) (*SpawnedProcess, error)
	// SpawnFollowUp resumes the external session named in opts. It returns
	// ErrSessionGone (possibly wrapped) when the engine reports the session
	// no longer exists, so the scheduler can fall back to a fresh spawn.
	SpawnFollowUp(ctx context.Context, opts SpawnOptions) (*SpawnedProcess, error)
	// Cancel soft-interrupts the current turn; the subprocess stays alive.
	Cancel(p *SpawnedProcess) error
	// NormalizeLog converts one raw output line into zero or more log
	// entries. A nil slice with nil error means the line carried nothing.
	NormalizeLog(rawLine string) ([]LogEntry, error)
}

// NormalizerFactory is optionally implemented by executors that can build a
// normalizer with suppression rules applied at parse time.
type NormalizerFactory interface {
	CreateNormalizer(filterRules []string) func(rawLine string) ([]LogEntry, error)
}

// DefaultModels maps engine types to the model used when a caller supplies
// none. Unknown engine types resolve to the empty string, which leaves model
// selection to the engine CLI itself.
var DefaultModels = map[string]string{
	"claude": "sonnet",
	"codex":  "gpt-5-codex",
}
