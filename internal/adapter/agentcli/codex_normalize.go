package agentcli

import (
	"encoding/json"
	"fmt"
	"strings"

	"issuepilot/internal/domain"
)

type codexEvent struct {
	Type    string      `json:"type"`
	Message string      `json:"message"`
	Item    *codexItem  `json:"item"`
	Usage   *codexUsage `json:"usage"`
	Error   *codexError `json:"error"`
}

type codexItem struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Text      string `json:"text"`
	Command   string `json:"command"`
	Server    string `json:"server"`
	Tool      string `json:"tool"`
	Query     string `json:"query"`
	ItemError string `json:"message"`
}

type codexUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type codexError struct {
	Message string `json:"message"`
}

// NormalizeLog converts one codex JSON event line into log entries.
func (c *Codex) NormalizeLog(rawLine string) ([]domain.LogEntry, error) {
	line := strings.TrimSpace(rawLine)
	if line == "" {
		return nil, nil
	}

	var ev codexEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return nil, fmt.Errorf("codex: malformed output line: %w", err)
	}

	switch ev.Type {
	case "item.completed":
		return normalizeCodexItem(ev.Item), nil
	case "turn.completed":
		return normalizeCodexTurnEnd(ev, false), nil
	case "turn.failed":
		return normalizeCodexTurnEnd(ev, true), nil
	case "error":
		return []domain.LogEntry{{EntryType: domain.EntryErrorMessage, Content: ev.Message}}, nil
	default:
		// thread.started, turn.started, and item progress events carry
		// nothing the log needs.
		return nil, nil
	}
}

func normalizeCodexItem(item *codexItem) []domain.LogEntry {
	if item == nil {
		return nil
	}
	var entry domain.LogEntry
	switch item.Type {
	case "agent_message":
		entry = domain.LogEntry{EntryType: domain.EntryAssistantMessage, Content: item.Text}
	case "reasoning":
		entry = domain.LogEntry{EntryType: domain.EntryThinking, Content: item.Text}
	case "command_execution":
		entry = domain.LogEntry{
			EntryType:  domain.EntryToolUse,
			Content:    "shell",
			ToolAction: "shell",
			ToolDetail: truncate(item.Command, 200),
		}
	case "mcp_tool_call":
		entry = domain.LogEntry{
			EntryType:  domain.EntryToolUse,
			Content:    item.Tool,
			ToolAction: item.Tool,
			ToolDetail: item.Server,
		}
	case "web_search":
		entry = domain.LogEntry{
			EntryType:  domain.EntryToolUse,
			Content:    "web_search",
			ToolAction: "web_search",
			ToolDetail: truncate(item.Query, 200),
		}
	case "error":
		entry = domain.LogEntry{EntryType: domain.EntryErrorMessage, Content: item.ItemError}
	default:
		return nil
	}
	entry.MessageID = item.ID
	return []domain.LogEntry{entry}
}

func normalizeCodexTurnEnd(ev codexEvent, failed bool) []domain.LogEntry {
	var entries []domain.LogEntry
	if ev.Usage != nil {
		usage := domain.LogEntry{
			EntryType: domain.EntryTokenUsage,
			Content:   fmt.Sprintf("tokens in=%d out=%d", ev.Usage.InputTokens, ev.Usage.OutputTokens),
		}
		usage.SetMeta(domain.MetaHidden, true)
		entries = append(entries, usage)
	}

	content := "turn completed"
	if failed {
		content = "turn failed"
		if ev.Error != nil && ev.Error.Message != "" {
			content = ev.Error.Message
		}
	}
	marker := domain.LogEntry{EntryType: domain.EntrySystemMessage, Content: content}
	marker.SetMeta(domain.MetaTurnComplete, true)
	if failed {
		marker.SetMeta(domain.MetaIsError, true)
	}
	return append(entries, marker)
}
