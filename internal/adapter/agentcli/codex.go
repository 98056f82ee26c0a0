package agentcli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"

	"issuepilot/internal/domain"
)

// Codex drives the Codex CLI. Unlike Claude's long-lived stream, `codex exec`
// runs one turn per subprocess and exits, so there is no interactive protocol;
// follow-ups resume the stored thread with a fresh subprocess.
type Codex struct {
	opts   Options
	logger *slog.Logger
}

// NewCodex creates a Codex executor.
func NewCodex(opts Options, logger *slog.Logger) *Codex {
	if opts.Binary == "" {
		opts.Binary = "codex"
	}
	return &Codex{opts: opts, logger: logger}
}

func (c *Codex) Type() string { return "codex" }

func (c *Codex) Spawn(ctx context.Context, opts domain.SpawnOptions) (*domain.SpawnedProcess, error) {
	args := append([]string{"exec"}, c.runArgs(opts)...)
	return c.launch(ctx, opts, args)
}

func (c *Codex) SpawnFollowUp(ctx context.Context, opts domain.SpawnOptions) (*domain.SpawnedProcess, error) {
	if opts.ExternalSessionID == "" {
		return nil, fmt.Errorf("codex: resume without thread id: %w", domain.ErrSessionGone)
	}
	args := append([]string{"exec", "resume", opts.ExternalSessionID}, c.runArgs(opts)...)
	return c.launch(ctx, opts, args)
}

// Cancel interrupts the run. codex exec has no soft-interrupt channel, so the
// subprocess ends and the exit path settles the turn as cancelled.
func (c *Codex) Cancel(p *domain.SpawnedProcess) error {
	return p.Handle.Signal(os.Interrupt)
}

func (c *Codex) runArgs(opts domain.SpawnOptions) []string {
	args := []string{"--json"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	mode := opts.PermissionMode
	if mode == "" {
		mode = c.opts.PermissionMode
	}
	if mode != "" {
		args = append(args, "--sandbox", mode)
	}
	args = append(args, c.opts.ExtraArgs...)
	return append(args, opts.Prompt)
}

func (c *Codex) launch(ctx context.Context, opts domain.SpawnOptions, args []string) (*domain.SpawnedProcess, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(c.opts.Binary, args...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = append(os.Environ(), opts.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("codex: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("codex: stderr pipe: %w", err)
	}

	handle, err := startCommand(cmd)
	if err != nil {
		return nil, fmt.Errorf("codex: start %q: %w", c.opts.Binary, err)
	}

	// codex announces its thread id in a banner event before any work output.
	// The id is what follow-ups resume, so read it synchronously and hand the
	// rest of the stream downstream untouched.
	threadID, rest, err := readThreadBanner(stdout)
	if err != nil {
		_ = handle.Kill()
		return nil, fmt.Errorf("codex: read thread banner: %w", err)
	}
	c.logger.Info("codex process started",
		"issue_id", opts.IssueID,
		"pid", cmd.Process.Pid,
		"thread_id", threadID,
		"working_dir", opts.WorkingDir)

	return &domain.SpawnedProcess{
		Handle:            handle,
		Stdout:            rest,
		Stderr:            stderr,
		ExternalSessionID: threadID,
	}, nil
}

// readThreadBanner scans the first few output lines for a thread.started
// event and returns its thread id plus a reader that replays every other
// consumed line before continuing with the live stream.
func readThreadBanner(stdout io.ReadCloser) (string, io.ReadCloser, error) {
	const maxBannerLines = 10

	br := bufio.NewReader(stdout)
	var replay bytes.Buffer
	for i := 0; i < maxBannerLines; i++ {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			var ev struct {
				Type     string `json:"type"`
				ThreadID string `json:"thread_id"`
			}
			if json.Unmarshal(bytes.TrimSpace(line), &ev) == nil && ev.Type == "thread.started" && ev.ThreadID != "" {
				return ev.ThreadID, &replayReader{
					Reader: io.MultiReader(&replay, br),
					closer: stdout,
				}, nil
			}
			replay.Write(line)
		}
		if err != nil {
			return "", nil, fmt.Errorf("stream ended before thread id: %w", err)
		}
	}
	return "", nil, fmt.Errorf("no thread id in first %d lines", maxBannerLines)
}

type replayReader struct {
	io.Reader
	closer io.Closer
}

func (r *replayReader) Close() error { return r.closer.Close() }
