// Package store persists chat and tool-call logs in SQLite. Write
// failures are swallowed: logging must never break a chat turn.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/joss/geocommander/internal/logging"
)

var log = logging.New("store")

// ChatLog is one persisted chat or tool-call record.
type ChatLog struct {
	ID            int64          `json:"id"`
	SessionID     string         `json:"session_id"`
	Direction     string         `json:"direction"`
	Role          string         `json:"role"`
	Message       string         `json:"message"`
	ToolAction    string         `json:"tool_action,omitempty"`
	ToolArguments map[string]any `json:"tool_arguments,omitempty"`
	Thinking      string         `json:"thinking,omitempty"`
	LLMProvider   string         `json:"llm_provider,omitempty"`
	LLMModel      string         `json:"llm_model,omitempty"`
	CreatedAt     string         `json:"created_at"`
	Mode          string         `json:"mode,omitempty"`
}

// SessionSummary aggregates one session's logs for the history listing.
type SessionSummary struct {
	SessionID    string `json:"session_id"`
	Title        string `json:"title"`
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"`
	MessageCount int    `json:"message_count"`
	Mode         string `json:"mode"`
}

// Directions of a logged message relative to the bridge.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// ChatStore records chat traffic in a SQLite database.
type ChatStore struct {
	db   *sql.DB
	path string
}

// NewSessionID mints a sortable unique session identifier.
func NewSessionID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// Open opens (creating if needed) the chat-log database at path.
func Open(path string) (*ChatStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &ChatStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *ChatStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chat_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT,
		direction TEXT,
		role TEXT,
		message TEXT,
		tool_action TEXT,
		tool_arguments TEXT,
		thinking TEXT,
		llm_provider TEXT,
		llm_model TEXT,
		created_at TEXT,
		mode TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_chat_logs_session ON chat_logs(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database file location.
func (s *ChatStore) Path() string {
	return s.path
}

// Ping verifies the connection is alive.
func (s *ChatStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *ChatStore) Close() error {
	return s.db.Close()
}

// Append persists one log record. Failures are logged and dropped so
// persistence problems never surface to the caller.
func (s *ChatStore) Append(ctx context.Context, entry ChatLog) {
	var argsJSON any
	if len(entry.ToolArguments) > 0 {
		data, err := json.Marshal(entry.ToolArguments)
		if err == nil {
			argsJSON = string(data)
		}
	}

	createdAt := entry.CreatedAt
	if createdAt == "" {
		createdAt = time.Now().UTC().Format(time.RFC3339Nano)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_logs (session_id, direction, role, message, tool_action,
							   tool_arguments, thinking, llm_provider, llm_model,
							   created_at, mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, nullable(entry.SessionID), entry.Direction, entry.Role, entry.Message,
		nullable(entry.ToolAction), argsJSON, nullable(entry.Thinking),
		nullable(entry.LLMProvider), nullable(entry.LLMModel), createdAt,
		nullable(entry.Mode))
	if err != nil {
		log.Warn("append_failed", map[string]interface{}{"session": entry.SessionID}, err)
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const logColumns = `id, session_id, direction, role, message, tool_action,
	tool_arguments, thinking, llm_provider, llm_model, created_at, mode`

func scanLog(rows *sql.Rows) (ChatLog, error) {
	var entry ChatLog
	var sessionID, toolAction, argsJSON, thinking, provider, model, createdAt, mode sql.NullString

	err := rows.Scan(&entry.ID, &sessionID, &entry.Direction, &entry.Role,
		&entry.Message, &toolAction, &argsJSON, &thinking, &provider, &model,
		&createdAt, &mode)
	if err != nil {
		return ChatLog{}, err
	}

	entry.SessionID = sessionID.String
	entry.ToolAction = toolAction.String
	entry.Thinking = thinking.String
	entry.LLMProvider = provider.String
	entry.LLMModel = model.String
	entry.CreatedAt = createdAt.String
	entry.Mode = mode.String
	if argsJSON.Valid && argsJSON.String != "" {
		// malformed stored arguments degrade to nil
		json.Unmarshal([]byte(argsJSON.String), &entry.ToolArguments)
	}
	return entry, nil
}

// RecentLogs returns the newest records first.
func (s *ChatStore) RecentLogs(ctx context.Context, limit int) ([]ChatLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+logColumns+` FROM chat_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []ChatLog{}
	for rows.Next() {
		entry, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// SessionMessages returns all records of one session, oldest first.
func (s *ChatStore) SessionMessages(ctx context.Context, sessionID string) ([]ChatLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+logColumns+` FROM chat_logs WHERE session_id = ? ORDER BY id ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []ChatLog{}
	for rows.Next() {
		entry, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// Sessions aggregates logs per session, newest activity first. Each
// session is labeled with the mode most of its messages carry; sessions
// predating mode tracking count as conversation.
func (s *ChatStore) Sessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id,
			   MIN(created_at) AS start_time,
			   MAX(created_at) AS end_time,
			   COUNT(*) AS message_count,
			   SUM(CASE WHEN mode = 'command' THEN 1 ELSE 0 END) AS cmd_count,
			   SUM(CASE WHEN mode = 'conversation' THEN 1 ELSE 0 END) AS conv_count
		FROM chat_logs
		WHERE session_id IS NOT NULL
		GROUP BY session_id
		ORDER BY end_time DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []SessionSummary{}
	for rows.Next() {
		var sum SessionSummary
		var cmdCount, convCount int
		if err := rows.Scan(&sum.SessionID, &sum.StartTime, &sum.EndTime,
			&sum.MessageCount, &cmdCount, &convCount); err != nil {
			return nil, err
		}
		sum.Mode = dominantMode(cmdCount, convCount)
		sum.Title = sessionTitle(sum.StartTime)
		sessions = append(sessions, sum)
	}
	return sessions, rows.Err()
}

func dominantMode(cmdCount, convCount int) string {
	switch {
	case cmdCount > 0 && convCount == 0:
		return "command"
	case cmdCount > convCount:
		return "command"
	default:
		return "conversation"
	}
}

func sessionTitle(startTime string) string {
	t, err := time.Parse(time.RFC3339Nano, startTime)
	if err != nil {
		return "未命名会话"
	}
	return t.Format("会话 2006-01-02 15:04")
}

// ClearLogs deletes every record.
func (s *ChatStore) ClearLogs(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chat_logs`)
	return err
}

// DeleteSession removes all records of one session.
func (s *ChatStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chat_logs WHERE session_id = ?`, sessionID)
	return err
}
