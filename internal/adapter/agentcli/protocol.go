package agentcli

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// streamInput is one message on the engine's stream-json stdin channel.
type streamInput struct {
	Type    string             `json:"type"`
	Message streamInputMessage `json:"message"`
}

type streamInputMessage struct {
	Role    string             `json:"role"`
	Content []streamInputBlock `json:"content"`
}

type streamInputBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// streamJSONProtocol writes user messages to a live subprocess stdin as
// newline-delimited JSON. Writes are serialized; a failed write usually means
// the process has exited and the caller should respawn.
type streamJSONProtocol struct {
	mu sync.Mutex
	w  io.WriteCloser
}

func newStreamJSONProtocol(w io.WriteCloser) *streamJSONProtocol {
	return &streamJSONProtocol{w: w}
}

func (p *streamJSONProtocol) SendUserMessage(text string) error {
	msg := streamInput{
		Type: "user",
		Message: streamInputMessage{
			Role:    "user",
			Content: []streamInputBlock{{Type: "text", Text: text}},
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode user message: %w", err)
	}
	data = append(data, '\n')

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.w.Write(data); err != nil {
		return fmt.Errorf("write user message: %w", err)
	}
	return nil
}

func (p *streamJSONProtocol) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.w.Close()
}
