package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/aiva/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", withForeignKeys(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			channel TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_active_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			context_floor INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_active ON conversations(last_active_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			turn_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			payload TEXT,
			invocation_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (conversation_id, seq),
			FOREIGN KEY (conversation_id) REFERENCES conversations(conversation_id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS memory (
			conversation_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (conversation_id, key),
			FOREIGN KEY (conversation_id) REFERENCES conversations(conversation_id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS tool_invocations (
			invocation_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			turn_id TEXT,
			tool_name TEXT NOT NULL,
			args TEXT,
			status TEXT NOT NULL,
			result TEXT,
			failure_reason TEXT,
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME,
			FOREIGN KEY (conversation_id) REFERENCES conversations(conversation_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_invocations_conversation ON tool_invocations(conversation_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS grants (
			grant_id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			conversation_id TEXT,
			issued_by TEXT,
			issued_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME,
			revoked_at DATETIME
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetOrCreateConversation gets an existing conversation or creates a new one.
func (s *SQLiteStore) GetOrCreateConversation(ctx context.Context, conversationID, channel string) (*domain.Conversation, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (conversation_id, channel, created_at, last_active_at, context_floor)
		 VALUES (?, ?, ?, ?, 0) ON CONFLICT(conversation_id) DO NOTHING`,
		conversationID, channel, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return s.GetConversation(ctx, conversationID)
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, channel, created_at, last_active_at, context_floor FROM conversations WHERE conversation_id = ?`,
		conversationID).Scan(&conv.ConversationID, &conv.Channel, &conv.CreatedAt, &conv.LastActiveAt, &conv.ContextFloor)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// ListConversations lists conversations, most recently active first.
func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]domain.Conversation, error) {
	query := `SELECT conversation_id, channel, created_at, last_active_at, context_floor FROM conversations ORDER BY last_active_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Conversation
	for rows.Next() {
		var conv domain.Conversation
		if err := rows.Scan(&conv.ConversationID, &conv.Channel, &conv.CreatedAt, &conv.LastActiveAt, &conv.ContextFloor); err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// TouchConversation records activity.
func (s *SQLiteStore) TouchConversation(ctx context.Context, conversationID string, at time.Time) error {
	return s.execOne(ctx,
		`UPDATE conversations SET last_active_at = ? WHERE conversation_id = ?`,
		at.UTC(), conversationID)
}

// SetContextFloor moves the context floor. The floor never moves backwards.
func (s *SQLiteStore) SetContextFloor(ctx context.Context, conversationID string, seq int64) error {
	return s.execOne(ctx,
		`UPDATE conversations SET context_floor = MAX(context_floor, ?) WHERE conversation_id = ?`,
		seq, conversationID)
}

// DeleteConversation removes a conversation and everything hanging off it.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, conversationID string) error {
	return s.execOne(ctx, `DELETE FROM conversations WHERE conversation_id = ?`, conversationID)
}

// ListIdleConversations returns conversations last active before the cutoff.
func (s *SQLiteStore) ListIdleConversations(ctx context.Context, before time.Time, limit int) ([]string, error) {
	query := `SELECT conversation_id FROM conversations WHERE last_active_at < ? ORDER BY last_active_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, before.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AppendMessage appends a message with the next per-conversation sequence number.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (message_id, conversation_id, seq, turn_id, role, content, payload, invocation_id, created_at)
		 SELECT ?, ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?, ?
		 FROM messages WHERE conversation_id = ?
		 RETURNING seq`,
		msg.MessageID, msg.ConversationID, nullString(msg.TurnID), msg.Role, msg.Content,
		nullStringBytes(msg.Payload), nullString(msg.InvocationID), msg.CreatedAt,
		msg.ConversationID).Scan(&seq)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return fmt.Errorf("conversation %s: %w", msg.ConversationID, ErrNotFound)
		}
		return fmt.Errorf("failed to append message: %w", err)
	}
	msg.Seq = seq
	return nil
}

const messageColumns = `message_id, conversation_id, seq, turn_id, role, content, payload, invocation_id, created_at`

// ListMessages retrieves the latest limit messages in sequence order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return s.queryMessages(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY seq ASC`,
			conversationID)
	}
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`,
		conversationID, limit)
}

// MessagesSince retrieves messages after the given sequence number.
func (s *SQLiteStore) MessagesSince(ctx context.Context, conversationID string, afterSeq int64) ([]domain.Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND seq > ? ORDER BY seq ASC`,
		conversationID, afterSeq)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...interface{}) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		var turnID, payload, invocationID sql.NullString
		if err := rows.Scan(&msg.MessageID, &msg.ConversationID, &msg.Seq, &turnID, &msg.Role, &msg.Content, &payload, &invocationID, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.TurnID = turnID.String
		msg.InvocationID = invocationID.String
		if payload.Valid {
			msg.Payload = json.RawMessage(payload.String)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// SetMemory stores a working memory value.
func (s *SQLiteStore) SetMemory(ctx context.Context, conversationID, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory (conversation_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(conversation_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		conversationID, key, value, time.Now().UTC())
	if err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	return err
}

// GetMemory reads a working memory value.
func (s *SQLiteStore) GetMemory(ctx context.Context, conversationID, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM memory WHERE conversation_id = ? AND key = ?`,
		conversationID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// ListMemory lists working memory in key order.
func (s *SQLiteStore) ListMemory(ctx context.Context, conversationID string) ([]domain.MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, updated_at FROM memory WHERE conversation_id = ? ORDER BY key ASC`,
		conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MemoryEntry
	for rows.Next() {
		var e domain.MemoryEntry
		if err := rows.Scan(&e.Key, &e.Value, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ClearMemory removes all working memory of a conversation.
func (s *SQLiteStore) ClearMemory(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memory WHERE conversation_id = ?`, conversationID)
	return err
}

// CreateInvocation records a new tool invocation.
func (s *SQLiteStore) CreateInvocation(ctx context.Context, inv *domain.ToolInvocation) error {
	if inv.StartedAt.IsZero() {
		inv.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_invocations (invocation_id, conversation_id, turn_id, tool_name, args, status, result, failure_reason, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.InvocationID, inv.ConversationID, nullString(inv.TurnID), inv.ToolName, nullStringBytes(inv.Args),
		inv.Status, nullStringBytes(inv.Result), nullString(inv.FailureReason), inv.StartedAt, nullTime(inv.EndedAt))
	if err != nil {
		return fmt.Errorf("failed to create invocation: %w", err)
	}
	return nil
}

// CompleteInvocation stores the terminal state of an invocation.
func (s *SQLiteStore) CompleteInvocation(ctx context.Context, invocationID string, status domain.InvocationStatus, result json.RawMessage, reason string, endedAt time.Time) error {
	return s.execOne(ctx,
		`UPDATE tool_invocations SET status = ?, result = ?, failure_reason = ?, ended_at = ? WHERE invocation_id = ?`,
		status, nullStringBytes(result), nullString(reason), endedAt.UTC(), invocationID)
}

const invocationColumns = `invocation_id, conversation_id, turn_id, tool_name, args, status, result, failure_reason, started_at, ended_at`

// GetInvocation retrieves an invocation by ID.
func (s *SQLiteStore) GetInvocation(ctx context.Context, invocationID string) (*domain.ToolInvocation, error) {
	invs, err := s.queryInvocations(ctx,
		`SELECT `+invocationColumns+` FROM tool_invocations WHERE invocation_id = ?`, invocationID)
	if err != nil {
		return nil, err
	}
	if len(invs) == 0 {
		return nil, ErrNotFound
	}
	return &invs[0], nil
}

// ListInvocations lists invocations of a conversation, oldest first.
func (s *SQLiteStore) ListInvocations(ctx context.Context, conversationID string, limit int) ([]domain.ToolInvocation, error) {
	query := `SELECT ` + invocationColumns + ` FROM tool_invocations WHERE conversation_id = ? ORDER BY started_at ASC, rowid ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryInvocations(ctx, query, conversationID)
}

func (s *SQLiteStore) queryInvocations(ctx context.Context, query string, args ...interface{}) ([]domain.ToolInvocation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ToolInvocation
	for rows.Next() {
		var inv domain.ToolInvocation
		var turnID, argsData, result, reason sql.NullString
		var endedAt sql.NullTime
		if err := rows.Scan(&inv.InvocationID, &inv.ConversationID, &turnID, &inv.ToolName, &argsData,
			&inv.Status, &result, &reason, &inv.StartedAt, &endedAt); err != nil {
			return nil, err
		}
		inv.TurnID = turnID.String
		inv.FailureReason = reason.String
		if argsData.Valid {
			inv.Args = json.RawMessage(argsData.String)
		}
		if result.Valid {
			inv.Result = json.RawMessage(result.String)
		}
		if endedAt.Valid {
			inv.EndedAt = &endedAt.Time
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// SaveGrant inserts or replaces a grant.
func (s *SQLiteStore) SaveGrant(ctx context.Context, grant *domain.Grant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO grants (grant_id, scope, conversation_id, issued_by, issued_at, expires_at, revoked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(grant_id) DO UPDATE SET scope = excluded.scope, conversation_id = excluded.conversation_id,
		 issued_by = excluded.issued_by, expires_at = excluded.expires_at, revoked_at = excluded.revoked_at`,
		grant.GrantID, grant.Scope, nullString(grant.ConversationID), nullString(grant.IssuedBy),
		grant.IssuedAt.UTC(), nullTime(grant.ExpiresAt), nullTime(grant.RevokedAt))
	if err != nil {
		return fmt.Errorf("failed to save grant: %w", err)
	}
	return nil
}

// RevokeGrant marks a grant revoked.
func (s *SQLiteStore) RevokeGrant(ctx context.Context, grantID string, at time.Time) error {
	return s.execOne(ctx, `UPDATE grants SET revoked_at = ? WHERE grant_id = ?`, at.UTC(), grantID)
}

// ListGrants lists every grant, including revoked and expired ones.
func (s *SQLiteStore) ListGrants(ctx context.Context) ([]domain.Grant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT grant_id, scope, conversation_id, issued_by, issued_at, expires_at, revoked_at FROM grants ORDER BY issued_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Grant
	for rows.Next() {
		var g domain.Grant
		var convID, issuedBy sql.NullString
		var expiresAt, revokedAt sql.NullTime
		if err := rows.Scan(&g.GrantID, &g.Scope, &convID, &issuedBy, &g.IssuedAt, &expiresAt, &revokedAt); err != nil {
			return nil, err
		}
		g.ConversationID = convID.String
		g.IssuedBy = issuedBy.String
		if expiresAt.Valid {
			g.ExpiresAt = &expiresAt.Time
		}
		if revokedAt.Valid {
			g.RevokedAt = &revokedAt.Time
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// execOne runs a statement that must affect exactly one row.
func (s *SQLiteStore) execOne(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// withForeignKeys enables foreign keys on every pooled connection.
func withForeignKeys(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys") || strings.Contains(dsn, "_fk=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&_foreign_keys=on"
	}
	return dsn + "?_foreign_keys=on"
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
