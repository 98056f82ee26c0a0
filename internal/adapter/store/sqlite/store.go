// Package sqlite persists issues, the turn log and the busy-queue of pending
// messages in a single SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"issuepilot/internal/domain"
)

// Store implements domain.Store on SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and runs the schema
// migration.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store db: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS issues (
			id                  TEXT PRIMARY KEY,
			title               TEXT NOT NULL DEFAULT '',
			status              TEXT NOT NULL DEFAULT 'backlog',
			engine_type         TEXT NOT NULL DEFAULT '',
			session_status      TEXT NOT NULL DEFAULT '',
			prompt              TEXT NOT NULL DEFAULT '',
			external_session_id TEXT NOT NULL DEFAULT '',
			model               TEXT NOT NULL DEFAULT '',
			turn_counter        INTEGER NOT NULL DEFAULT 0,
			updated_at          TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS log_entries (
			message_id          TEXT PRIMARY KEY,
			issue_id            TEXT NOT NULL,
			execution_id        TEXT NOT NULL,
			reply_to_message_id TEXT NOT NULL DEFAULT '',
			timestamp           TEXT NOT NULL,
			turn_index          INTEGER NOT NULL,
			entry_index         INTEGER NOT NULL,
			entry_type          TEXT NOT NULL,
			content             TEXT NOT NULL,
			metadata            TEXT NOT NULL DEFAULT '{}',
			tool_action         TEXT NOT NULL DEFAULT '',
			tool_detail         TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_log_entries_issue
			ON log_entries (issue_id, turn_index, entry_index);

		CREATE TABLE IF NOT EXISTS pending_messages (
			id              TEXT PRIMARY KEY,
			issue_id        TEXT NOT NULL,
			prompt          TEXT NOT NULL,
			model           TEXT NOT NULL DEFAULT '',
			permission_mode TEXT NOT NULL DEFAULT '',
			dispatched      INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_pending_messages_issue
			ON pending_messages (issue_id, dispatched, created_at);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateIssue inserts a new issue row. Used by the outer API layer; the
// scheduler itself only reads and patches session fields.
func (s *Store) CreateIssue(_ context.Context, issue *domain.Issue) error {
	now := time.Now().UTC()
	issue.UpdatedAt = now
	status := issue.Status
	if status == "" {
		status = "backlog"
	}
	_, err := s.db.Exec(
		`INSERT INTO issues (id, title, status, engine_type, session_status, prompt, external_session_id, model, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		issue.ID, issue.Title, status, issue.EngineType, string(issue.SessionStatus),
		issue.Prompt, issue.ExternalSessionID, issue.Model, now.Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) GetIssueWithSession(_ context.Context, issueID string) (*domain.Issue, error) {
	row := s.db.QueryRow(
		`SELECT id, title, status, engine_type, session_status, prompt, external_session_id, model, updated_at
		 FROM issues WHERE id = ?`, issueID,
	)
	var issue domain.Issue
	var sessionStatus, updatedStr string
	if err := row.Scan(&issue.ID, &issue.Title, &issue.Status, &issue.EngineType,
		&sessionStatus, &issue.Prompt, &issue.ExternalSessionID, &issue.Model, &updatedStr); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.NewDomainError("sqlite.GetIssueWithSession", domain.ErrIssueNotFound, issueID)
		}
		return nil, err
	}
	issue.SessionStatus = domain.SessionStatus(sessionStatus)
	issue.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &issue, nil
}

func (s *Store) UpdateIssueSession(_ context.Context, issueID string, upd domain.SessionUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().Format(time.RFC3339Nano)}

	if upd.EngineType != nil {
		sets = append(sets, "engine_type = ?")
		args = append(args, *upd.EngineType)
	}
	if upd.SessionStatus != nil {
		sets = append(sets, "session_status = ?")
		args = append(args, string(*upd.SessionStatus))
	}
	if upd.Prompt != nil {
		sets = append(sets, "prompt = ?")
		args = append(args, *upd.Prompt)
	}
	if upd.ExternalSessionID != nil {
		sets = append(sets, "external_session_id = ?")
		args = append(args, *upd.ExternalSessionID)
	}
	if upd.Model != nil {
		sets = append(sets, "model = ?")
		args = append(args, *upd.Model)
	}
	args = append(args, issueID)

	res, err := s.db.Exec(
		"UPDATE issues SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.NewDomainError("sqlite.UpdateIssueSession", domain.ErrIssueNotFound, issueID)
	}
	return nil
}

func (s *Store) AutoMoveToReview(_ context.Context, issueID string) error {
	res, err := s.db.Exec(
		"UPDATE issues SET status = 'review', updated_at = ? WHERE id = ?",
		time.Now().UTC().Format(time.RFC3339Nano), issueID,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.NewDomainError("sqlite.AutoMoveToReview", domain.ErrIssueNotFound, issueID)
	}
	return nil
}

// PersistLogEntry writes one entry. An entry whose message id is already
// stored is skipped silently (nil, nil): the retry and respawn paths can
// replay the tail of a stream.
func (s *Store) PersistLogEntry(_ context.Context, issueID, executionID string, entry domain.LogEntry) (*domain.LogEntry, error) {
	metaJSON := []byte("{}")
	if entry.Metadata != nil {
		b, err := json.Marshal(entry.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal entry metadata: %w", err)
		}
		metaJSON = b
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO log_entries
		 (message_id, issue_id, execution_id, reply_to_message_id, timestamp, turn_index, entry_index, entry_type, content, metadata, tool_action, tool_detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.MessageID, issueID, executionID, entry.ReplyToMessageID,
		ts.UTC().Format(time.RFC3339Nano), entry.TurnIndex, entry.EntryIndex,
		string(entry.EntryType), entry.Content, string(metaJSON),
		entry.ToolAction, entry.ToolDetail,
	)
	if err != nil {
		return nil, domain.NewDomainError("sqlite.PersistLogEntry", domain.ErrStoreWrite, err.Error())
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, nil
	}
	return &entry, nil
}

func (s *Store) GetLogs(_ context.Context, issueID string, devMode bool) ([]domain.LogEntry, error) {
	rows, err := s.db.Query(
		`SELECT message_id, reply_to_message_id, timestamp, turn_index, entry_index, entry_type, content, metadata, tool_action, tool_detail
		 FROM log_entries WHERE issue_id = ? ORDER BY turn_index, entry_index`, issueID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LogEntry
	for rows.Next() {
		var e domain.LogEntry
		var tsStr, entryType, metaStr string
		if err := rows.Scan(&e.MessageID, &e.ReplyToMessageID, &tsStr, &e.TurnIndex, &e.EntryIndex,
			&entryType, &e.Content, &metaStr, &e.ToolAction, &e.ToolDetail); err != nil {
			return nil, err
		}
		e.EntryType = domain.EntryType(entryType)
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, tsStr)
		if metaStr != "" && metaStr != "{}" {
			if err := json.Unmarshal([]byte(metaStr), &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal entry metadata: %w", err)
			}
		}
		if !devMode && e.MetaBool(domain.MetaHidden) {
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// NextTurnIndex atomically bumps the issue's turn counter and returns its
// pre-increment value, so the first spawn gets turn index 0.
func (s *Store) NextTurnIndex(ctx context.Context, issueID string) (int, error) {
	row := s.db.QueryRowContext(ctx,
		"UPDATE issues SET turn_counter = turn_counter + 1 WHERE id = ? RETURNING turn_counter - 1", issueID,
	)
	var counter int
	if err := row.Scan(&counter); err != nil {
		if err == sql.ErrNoRows {
			return 0, domain.NewDomainError("sqlite.NextTurnIndex", domain.ErrIssueNotFound, issueID)
		}
		return 0, err
	}
	return counter, nil
}

// EnqueuePendingMessage stores a message the outer layer accepted while the
// issue's engine was busy.
func (s *Store) EnqueuePendingMessage(_ context.Context, msg domain.PendingMessage) error {
	created := msg.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO pending_messages (id, issue_id, prompt, model, permission_mode, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.IssueID, msg.Prompt, msg.Model, msg.PermissionMode,
		created.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) GetPendingMessages(_ context.Context, issueID string) ([]domain.PendingMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, issue_id, prompt, model, permission_mode, created_at
		 FROM pending_messages WHERE issue_id = ? AND dispatched = 0 ORDER BY created_at, id`, issueID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.PendingMessage
	for rows.Next() {
		var m domain.PendingMessage
		var createdStr string
		if err := rows.Scan(&m.ID, &m.IssueID, &m.Prompt, &m.Model, &m.PermissionMode, &createdStr); err != nil {
			return nil, err
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) MarkPendingMessagesDispatched(_ context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.Exec(
		"UPDATE pending_messages SET dispatched = 1 WHERE id IN ("+placeholders+")", args...,
	)
	return err
}
