package agentcli

import (
	"encoding/json"
	"fmt"
	"strings"

	"issuepilot/internal/domain"
)

// claudeLine is the superset of stream-json output lines we care about.
// Fields not listed here are ignored.
type claudeLine struct {
	Type          string        `json:"type"`
	Subtype       string        `json:"subtype"`
	SessionID     string        `json:"session_id"`
	IsError       bool          `json:"is_error"`
	DurationMs    int64         `json:"duration_ms"`
	Result        string        `json:"result"`
	SlashCommands []string      `json:"slash_commands"`
	Usage         *claudeUsage  `json:"usage"`
	Message       claudeMessage `json:"message"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeMessage struct {
	ID      string        `json:"id"`
	Content []claudeBlock `json:"content"`
}

type claudeBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text"`
	Thinking string          `json:"thinking"`
	Name     string          `json:"name"`
	Input    json.RawMessage `json:"input"`
}

// NormalizeLog converts one stream-json line into log entries. Resumed
// sessions replay earlier assistant messages; entries keep the CLI's own
// message id so replays deduplicate at the store.
func (c *Claude) NormalizeLog(rawLine string) ([]domain.LogEntry, error) {
	line := strings.TrimSpace(rawLine)
	if line == "" {
		return nil, nil
	}

	var msg claudeLine
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return nil, fmt.Errorf("claude: malformed output line: %w", err)
	}

	switch msg.Type {
	case "assistant":
		return normalizeAssistant(msg), nil
	case "result":
		return normalizeResult(msg), nil
	case "system":
		return normalizeSystem(msg), nil
	case "user", "stream_event":
		// Tool-result echoes and partial deltas carry nothing the log needs.
		return nil, nil
	default:
		return nil, nil
	}
}

func normalizeAssistant(msg claudeLine) []domain.LogEntry {
	var entries []domain.LogEntry
	for i, block := range msg.Message.Content {
		var entry domain.LogEntry
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			entry = domain.LogEntry{EntryType: domain.EntryAssistantMessage, Content: block.Text}
		case "thinking":
			if block.Thinking == "" {
				continue
			}
			entry = domain.LogEntry{EntryType: domain.EntryThinking, Content: block.Thinking}
		case "tool_use":
			entry = domain.LogEntry{
				EntryType:  domain.EntryToolUse,
				Content:    block.Name,
				ToolAction: block.Name,
				ToolDetail: summarizeToolInput(block.Input),
			}
		default:
			continue
		}
		if msg.Message.ID != "" {
			entry.MessageID = fmt.Sprintf("%s:%d", msg.Message.ID, i)
		}
		entries = append(entries, entry)
	}
	return entries
}

// normalizeSystem keeps the init banner's advertised slash commands as a
// hidden entry; other system messages are dropped.
func normalizeSystem(msg claudeLine) []domain.LogEntry {
	if msg.Subtype != "init" || len(msg.SlashCommands) == 0 {
		return nil
	}
	entry := domain.LogEntry{
		EntryType: domain.EntrySystemMessage,
		Content:   fmt.Sprintf("session ready, %d slash commands", len(msg.SlashCommands)),
	}
	entry.SetMeta(domain.MetaSlashCommands, msg.SlashCommands)
	entry.SetMeta(domain.MetaHidden, true)
	return []domain.LogEntry{entry}
}

func normalizeResult(msg claudeLine) []domain.LogEntry {
	var entries []domain.LogEntry
	if msg.Usage != nil {
		usage := domain.LogEntry{
			EntryType: domain.EntryTokenUsage,
			Content:   fmt.Sprintf("tokens in=%d out=%d", msg.Usage.InputTokens, msg.Usage.OutputTokens),
		}
		usage.SetMeta(domain.MetaHidden, true)
		entries = append(entries, usage)
	}

	subtype := msg.Subtype
	if subtype == "" {
		subtype = "success"
	}
	content := msg.Result
	if content == "" {
		content = subtype
	}
	marker := domain.LogEntry{EntryType: domain.EntrySystemMessage, Content: content}
	marker.SetMeta(domain.MetaResultSubtype, subtype)
	if msg.IsError {
		marker.SetMeta(domain.MetaIsError, true)
	}
	if msg.DurationMs > 0 {
		marker.SetMeta(domain.MetaDurationMs, msg.DurationMs)
	}
	return append(entries, marker)
}

// summarizeToolInput extracts the most recognizable field of a tool call for
// display next to the tool name.
func summarizeToolInput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return ""
	}
	for _, key := range []string{"command", "file_path", "path", "pattern", "url", "description", "prompt"} {
		if v, ok := input[key].(string); ok && v != "" {
			return truncate(v, 200)
		}
	}
	compact, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	return truncate(string(compact), 200)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// CreateNormalizer builds a normalizer that drops entries matching any of the
// filter rules. A rule matches an entry's type or its tool action.
func (c *Claude) CreateNormalizer(filterRules []string) func(rawLine string) ([]domain.LogEntry, error) {
	rules := make(map[string]bool, len(filterRules))
	for _, r := range filterRules {
		rules[r] = true
	}
	return func(rawLine string) ([]domain.LogEntry, error) {
		entries, err := c.NormalizeLog(rawLine)
		if err != nil || len(rules) == 0 {
			return entries, err
		}
		kept := entries[:0]
		for _, e := range entries {
			if rules[string(e.EntryType)] || (e.ToolAction != "" && rules[e.ToolAction]) {
				continue
			}
			kept = append(kept, e)
		}
		return kept, nil
	}
}
