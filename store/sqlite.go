package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ghiac/agentdesk/model"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore creates a new SQLite store
// If dbPath is empty, it uses ":memory:" for in-memory database
// For file-based storage, use a path like "./data/agentdesk.db"
// The function automatically creates the directory if it doesn't exist
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}

	// For file-based storage (not in-memory), ensure directory exists
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create directory for database: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" is per-connection, and it serializes writers
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		db:   db,
		path: dbPath,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the necessary tables
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		session_key TEXT NOT NULL,
		status TEXT NOT NULL,
		end_reason TEXT DEFAULT '',
		started_at INTEGER NOT NULL,
		ended_at INTEGER DEFAULT 0,
		last_activity_at INTEGER NOT NULL,
		message_count INTEGER DEFAULT 0,
		token_count INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_client ON conversations(client_id);
	CREATE INDEX IF NOT EXISTS idx_conversations_activity ON conversations(status, last_activity_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_active_session ON conversations(client_id, session_key) WHERE status = 'active';

	CREATE TABLE IF NOT EXISTS messages (
		message_id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tokens INTEGER DEFAULT 0,
		metadata TEXT DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_conversation_seq ON messages(conversation_id, seq);

	CREATE TABLE IF NOT EXISTS usage (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id TEXT NOT NULL,
		tokens_in INTEGER DEFAULT 0,
		tokens_out INTEGER DEFAULT 0,
		tool_calls INTEGER DEFAULT 0,
		cost REAL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_usage_client_created ON usage(client_id, created_at);

	CREATE TABLE IF NOT EXISTS tool_calls (
		call_id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		name TEXT NOT NULL,
		arguments TEXT NOT NULL,
		provenance TEXT DEFAULT '',
		outcome TEXT NOT NULL,
		response TEXT DEFAULT '',
		duration_ms INTEGER DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tool_calls_conversation ON tool_calls(conversation_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Timestamps are stored as unix milliseconds; zero time is stored as 0
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const conversationColumns = `id, client_id, session_key, status, end_reason, started_at, ended_at, last_activity_at, message_count, token_count`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*model.Conversation, error) {
	var (
		c                           model.Conversation
		status, reason              string
		startedAt, endedAt, lastAct int64
	)
	err := row.Scan(&c.ID, &c.ClientID, &c.SessionKey, &status, &reason, &startedAt, &endedAt, &lastAct, &c.MessageCount, &c.TokenCount)
	if err != nil {
		return nil, err
	}
	c.Status = model.ConversationStatus(status)
	c.EndReason = model.EndReason(reason)
	c.StartedAt = fromMillis(startedAt)
	c.EndedAt = fromMillis(endedAt)
	c.LastActivityAt = fromMillis(lastAct)
	return &c, nil
}

// FindActiveBySession returns the active conversation for a session
func (s *SQLiteStore) FindActiveBySession(ctx context.Context, clientID, sessionKey string) (*model.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE client_id = ? AND session_key = ? AND status = 'active'`,
		clientID, sessionKey)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active conversation: %w", err)
	}
	return c, nil
}

// Create stores a new conversation
func (s *SQLiteStore) Create(ctx context.Context, conv *model.Conversation) error {
	if conv == nil {
		return fmt.Errorf("conversation cannot be nil")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.ClientID, conv.SessionKey, string(conv.Status), string(conv.EndReason),
		toMillis(conv.StartedAt), toMillis(conv.EndedAt), toMillis(conv.LastActivityAt),
		conv.MessageCount, conv.TokenCount,
	)
	if isUniqueViolation(err) {
		return ErrActiveExists
	}
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// Get returns a conversation by id
func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return c, nil
}

// End marks an active conversation as ended
func (s *SQLiteStore) End(ctx context.Context, id string, reason model.EndReason, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = 'ended', end_reason = ?, ended_at = ? WHERE id = ? AND status = 'active'`,
		string(reason), toMillis(at), id)
	if err != nil {
		return false, fmt.Errorf("failed to end conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to end conversation: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	// Nothing changed: either already ended or unknown
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, model.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to end conversation: %w", err)
	}
	return false, nil
}

// FindInactiveSince returns active conversations idle since before t
func (s *SQLiteStore) FindInactiveSince(ctx context.Context, t time.Time) ([]*model.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE status = 'active' AND last_activity_at < ? ORDER BY last_activity_at`,
		toMillis(t))
	if err != nil {
		return nil, fmt.Errorf("failed to query inactive conversations: %w", err)
	}
	defer rows.Close()

	var out []*model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendMessage stores a message and updates the conversation counters in one transaction
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *model.Message) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}

	var metadata string
	if len(msg.Metadata) > 0 {
		b, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal message metadata: %w", err)
		}
		metadata = string(b)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET message_count = message_count + 1, token_count = token_count + ?, last_activity_at = ? WHERE id = ?`,
		msg.Tokens, toMillis(msg.CreatedAt), msg.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to update conversation counters: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT message_count FROM conversations WHERE id = ?`, msg.ConversationID).Scan(&seq); err != nil {
		return fmt.Errorf("failed to read message sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (message_id, conversation_id, seq, role, content, tokens, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.MessageID, msg.ConversationID, seq, string(msg.Role), msg.Content, msg.Tokens, metadata, toMillis(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}
	msg.Seq = seq
	return nil
}

// ListMessages returns a conversation's messages in insertion order
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]*model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, conversation_id, seq, role, content, tokens, metadata, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		var (
			m         model.Message
			role      string
			metadata  string
			createdAt int64
		)
		if err := rows.Scan(&m.MessageID, &m.ConversationID, &m.Seq, &role, &m.Content, &m.Tokens, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Role = model.Role(role)
		m.CreatedAt = fromMillis(createdAt)
		if metadata != "" {
			if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal message metadata: %w", err)
			}
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// AddUsage records usage for a client
func (s *SQLiteStore) AddUsage(ctx context.Context, clientID string, rec model.UsageRecord, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage (client_id, tokens_in, tokens_out, tool_calls, cost, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		clientID, rec.TokensIn, rec.TokensOut, rec.ToolCalls, rec.Cost, toMillis(at))
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// UsageSince sums a metric for a client since the given time
func (s *SQLiteStore) UsageSince(ctx context.Context, clientID, metric string, since time.Time) (int64, error) {
	var expr string
	switch metric {
	case model.MetricMessages:
		expr = "COUNT(*)"
	case model.MetricTokens:
		expr = "COALESCE(SUM(tokens_in + tokens_out), 0)"
	case model.MetricToolCalls:
		expr = "COALESCE(SUM(tool_calls), 0)"
	default:
		return 0, nil
	}

	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT `+expr+` FROM usage WHERE client_id = ? AND created_at >= ?`,
		clientID, toMillis(since)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to query usage: %w", err)
	}
	return total, nil
}

// PutToolCall stores or replaces a tool call record
func (s *SQLiteStore) PutToolCall(ctx context.Context, rec *model.ToolCallRecord) error {
	if rec == nil {
		return fmt.Errorf("tool call cannot be nil")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tool_calls (
			call_id, conversation_id, client_id, name, arguments, provenance, outcome, response, duration_ms, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CallID, rec.ConversationID, rec.ClientID, rec.Name, rec.Arguments, string(rec.Provenance),
		string(rec.Outcome), rec.Response, rec.DurationMs, toMillis(rec.CreatedAt), toMillis(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to store tool call: %w", err)
	}
	return nil
}

// UpdateToolCallOutcome sets the outcome and response of a tool call
func (s *SQLiteStore) UpdateToolCallOutcome(ctx context.Context, callID string, outcome model.ToolOutcome, response string, durationMs int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tool_calls SET outcome = ?, response = ?, duration_ms = ?, updated_at = ? WHERE call_id = ?`,
		string(outcome), response, durationMs, toMillis(time.Now()), callID)
	if err != nil {
		return fmt.Errorf("failed to update tool call: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// ListToolCalls returns a conversation's tool calls in insertion order
func (s *SQLiteStore) ListToolCalls(ctx context.Context, conversationID string) ([]*model.ToolCallRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT call_id, conversation_id, client_id, name, arguments, provenance, outcome, response, duration_ms, created_at, updated_at
		 FROM tool_calls WHERE conversation_id = ? ORDER BY created_at, rowid`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool calls: %w", err)
	}
	defer rows.Close()

	var out []*model.ToolCallRecord
	for rows.Next() {
		var (
			rec                  model.ToolCallRecord
			provenance, outcome  string
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&rec.CallID, &rec.ConversationID, &rec.ClientID, &rec.Name, &rec.Arguments,
			&provenance, &outcome, &rec.Response, &rec.DurationMs, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tool call: %w", err)
		}
		rec.Provenance = model.Provenance(provenance)
		rec.Outcome = model.ToolOutcome(outcome)
		rec.CreatedAt = fromMillis(createdAt)
		rec.UpdatedAt = fromMillis(updatedAt)
		out = append(out, &rec)
	}
	return out, rows.Err()
}
