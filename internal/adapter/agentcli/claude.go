package agentcli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/google/uuid"

	"issuepilot/internal/domain"
)

// Options configures one CLI-backed engine executor.
type Options struct {
	Binary         string
	PermissionMode string
	ExtraArgs      []string
}

// Claude drives the Claude Code CLI in stream-json mode. The subprocess stays
// alive between turns and accepts further user messages on stdin, so one spawn
// can serve a whole conversation.
type Claude struct {
	opts   Options
	logger *slog.Logger
}

// NewClaude creates a Claude executor.
func NewClaude(opts Options, logger *slog.Logger) *Claude {
	if opts.Binary == "" {
		opts.Binary = "claude"
	}
	return &Claude{opts: opts, logger: logger}
}

func (c *Claude) Type() string { return "claude" }

// Spawn starts a fresh session. The session id is chosen here and passed to
// the CLI so it is known before the first output line arrives.
func (c *Claude) Spawn(ctx context.Context, opts domain.SpawnOptions) (*domain.SpawnedProcess, error) {
	sessionID := uuid.NewString()
	args := c.baseArgs(opts)
	args = append(args, "--session-id", sessionID)
	return c.launch(ctx, opts, args, sessionID)
}

// SpawnFollowUp resumes the stored session.
func (c *Claude) SpawnFollowUp(ctx context.Context, opts domain.SpawnOptions) (*domain.SpawnedProcess, error) {
	if opts.ExternalSessionID == "" {
		return nil, fmt.Errorf("claude: resume without session id: %w", domain.ErrSessionGone)
	}
	args := c.baseArgs(opts)
	args = append(args, "--resume", opts.ExternalSessionID)
	return c.launch(ctx, opts, args, opts.ExternalSessionID)
}

// Cancel sends SIGINT, which the CLI treats as a soft interrupt of the current
// turn. The subprocess itself keeps running.
func (c *Claude) Cancel(p *domain.SpawnedProcess) error {
	return p.Handle.Signal(os.Interrupt)
}

func (c *Claude) baseArgs(opts domain.SpawnOptions) []string {
	args := []string{
		"--print",
		"--verbose",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	mode := opts.PermissionMode
	if mode == "" {
		mode = c.opts.PermissionMode
	}
	if mode != "" {
		args = append(args, "--permission-mode", mode)
	}
	return append(args, c.opts.ExtraArgs...)
}

func (c *Claude) launch(ctx context.Context, opts domain.SpawnOptions, args []string, sessionID string) (*domain.SpawnedProcess, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(c.opts.Binary, args...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = append(os.Environ(), opts.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("claude: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("claude: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("claude: stderr pipe: %w", err)
	}

	handle, err := startCommand(cmd)
	if err != nil {
		return nil, fmt.Errorf("claude: start %q: %w", c.opts.Binary, err)
	}
	c.logger.Info("claude process started",
		"issue_id", opts.IssueID,
		"pid", cmd.Process.Pid,
		"session_id", sessionID,
		"working_dir", opts.WorkingDir)

	// The prompt travels over stdin as the first user message of the stream.
	protocol := newStreamJSONProtocol(stdin)
	if err := protocol.SendUserMessage(opts.Prompt); err != nil {
		_ = handle.Kill()
		return nil, fmt.Errorf("claude: send initial prompt: %w", err)
	}

	return &domain.SpawnedProcess{
		Handle:            handle,
		Stdout:            stdout,
		Stderr:            stderr,
		Protocol:          protocol,
		ExternalSessionID: sessionID,
	}, nil
}
