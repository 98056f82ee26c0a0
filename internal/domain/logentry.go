package domain

import "time"

// EntryType classifies a normalized log entry.
type EntryType string

const (
	EntryUserMessage      EntryType = "user-message"
	EntryAssistantMessage EntryType = "assistant-message"
	EntryToolUse          EntryType = "tool-use"
	EntrySystemMessage    EntryType = "system-message"
	EntryErrorMessage     EntryType = "error-message"
	EntryThinking         EntryType = "thinking"
	EntryLoading          EntryType = "loading"
	EntryTokenUsage       EntryType = "token-usage"
)

// Well-known metadata keys on LogEntry.Metadata.
const (
	MetaTurnComplete  = "turnComplete"  // bool: explicit turn-completion flag
	MetaResultSubtype = "resultSubtype" // string: engine result subtype; presence alone marks completion
	MetaIsError       = "isError"       // bool: engine-reported error despite clean exit
	MetaDurationMs    = "durationMs"    // number: present on system result summaries
	MetaHidden        = "hidden"        // bool: entry belongs to a meta turn
	MetaSlashCommands = "slashCommands" // []string: commands advertised by the engine's init banner
)

// LogEntry is one normalized record of engine output or user input.
// Entries are persisted in arrival order; EntryIndex reflects that order
// within an execution and TurnIndex is assigned once per spawn.
type LogEntry struct {
	MessageID        string         `json:"messageId,omitempty"`
	ReplyToMessageID string         `json:"replyToMessageId,omitempty"`
	Timestamp        time.Time      `json:"timestamp,omitempty"`
	TurnIndex        int            `json:"turnIndex"`
	EntryIndex       int            `json:"entryIndex"`
	EntryType        EntryType      `json:"entryType"`
	Content          string         `json:"content"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	ToolAction       string         `json:"toolAction,omitempty"`
	ToolDetail       string         `json:"toolDetail,omitempty"`
}

// MetaBool reads a boolean metadata value, tolerating absence.
func (e *LogEntry) MetaBool(key string) bool {
	if e.Metadata == nil {
		return false
	}
	v, ok := e.Metadata[key].(bool)
	return ok && v
}

// MetaString reads a string metadata value and whether it was present.
func (e *LogEntry) MetaString(key string) (string, bool) {
	if e.Metadata == nil {
		return "", false
	}
	v, ok := e.Metadata[key].(string)
	return v, ok
}

// MetaStrings reads a string-slice metadata value and whether it was present.
// Values that round-tripped through JSON arrive as []any and are converted.
func (e *LogEntry) MetaStrings(key string) ([]string, bool) {
	if e.Metadata == nil {
		return nil, false
	}
	switch v := e.Metadata[key].(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	}
	return nil, false
}

// HasMeta reports whether the metadata key is present at all.
func (e *LogEntry) HasMeta(key string) bool {
	if e.Metadata == nil {
		return false
	}
	_, ok := e.Metadata[key]
	return ok
}

// SetMeta sets a metadata key, allocating the map on first use.
func (e *LogEntry) SetMeta(key string, v any) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = v
}
