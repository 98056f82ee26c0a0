// Package agentcli runs coding-agent CLIs as supervised subprocesses and
// normalizes their streaming JSON output into log entries.
package agentcli

import (
	"errors"
	"os"
	"os/exec"
	"sync"
)

// execHandle adapts *exec.Cmd to the supervisor's process handle.
type execHandle struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu   sync.Mutex
	code int
}

// startCommand starts cmd and begins reaping it in the background. The
// returned handle's Done channel closes once the process has exited and its
// exit code has been recorded.
func startCommand(cmd *exec.Cmd) (*execHandle, error) {
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	h := &execHandle{cmd: cmd, done: make(chan struct{}), code: -1}
	go func() {
		err := cmd.Wait()
		code := 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		h.mu.Lock()
		h.code = code
		h.mu.Unlock()
		close(h.done)
	}()
	return h, nil
}

func (h *execHandle) Done() <-chan struct{} { return h.done }

func (h *execHandle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.code
}

func (h *execHandle) Signal(sig os.Signal) error {
	if h.cmd.Process == nil {
		return errors.New("process not started")
	}
	return h.cmd.Process.Signal(sig)
}

func (h *execHandle) Kill() error {
	if h.cmd.Process == nil {
		return errors.New("process not started")
	}
	return h.cmd.Process.Kill()
}
