// Package store persists conversations and messages in an embedded SQLite
// database. It owns the database lifecycle and exposes the operations used
// by the relay and the REST mirror.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors surfaced to the transports.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrSelfConversation     = errors.New("cannot start a conversation with yourself")
)

// migrations holds the ordered list of DDL statements that bring the schema
// up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — identity mirror; only the display name is surfaced in payloads
	`CREATE TABLE IF NOT EXISTS users (
		id           TEXT PRIMARY KEY,
		display_name TEXT NOT NULL
	)`,
	// v2 — conversations with last-activity pointer
	`CREATE TABLE IF NOT EXISTS conversations (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		last_message_id    INTEGER,
		updated_at_unix_ms INTEGER NOT NULL
	)`,
	// v3 — conversation membership
	`CREATE TABLE IF NOT EXISTS conversation_members (
		conversation_id INTEGER NOT NULL,
		user_id         TEXT NOT NULL,
		UNIQUE(conversation_id, user_id)
	)`,
	// v4 — messages, immutable once created
	`CREATE TABLE IF NOT EXISTS messages (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id    INTEGER NOT NULL,
		sender_id          TEXT NOT NULL,
		body               TEXT NOT NULL,
		created_at_unix_ms INTEGER NOT NULL
	)`,
	// v5 — indexes for history pagination and membership checks
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at_unix_ms, id)`,
	// v6
	`CREATE INDEX IF NOT EXISTS idx_members_user ON conversation_members(user_id)`,
}

// Store wraps a SQLite database and exposes chat-state operations.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// An in-memory database exists per connection, so the pool must stay on
	// a single one or later connections would see an empty schema.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for concurrent readers.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		slog.Warn("enable WAL mode", "err", err)
	}
	// Busy timeout to avoid SQLITE_BUSY on concurrent access.
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		slog.Warn("set busy_timeout", "err", err)
	}

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		slog.Debug("applied migration", "version", v)
	}
	return nil
}

// User is an identity mirror row.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// UpsertUser creates or updates the identity mirror row for a user.
func (s *Store) UpsertUser(ctx context.Context, id, displayName string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("user id is required")
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = id
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, display_name) VALUES(?, ?)
		 ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name`,
		id, displayName,
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UserByID returns one user row, or ErrUserNotFound.
func (s *Store) UserByID(ctx context.Context, id string) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

// Conversation is a two-party message history with a last-activity pointer.
type Conversation struct {
	ID          int64       `json:"id"`
	Members     []User      `json:"members"`
	LastMessage *MessageRow `json:"last_message,omitempty"`
	UpdatedAt   int64       `json:"updated_at"`
}

// StartConversation finds or creates the conversation between two users.
// It is idempotent: re-requesting the same unordered pair returns the
// existing conversation. Returns ErrSelfConversation when the two ids match.
func (s *Store) StartConversation(ctx context.Context, senderID, receiverID string) (Conversation, bool, error) {
	senderID = strings.TrimSpace(senderID)
	receiverID = strings.TrimSpace(receiverID)
	if senderID == "" || receiverID == "" {
		return Conversation{}, false, fmt.Errorf("sender and receiver ids are required")
	}
	if senderID == receiverID {
		return Conversation{}, false, ErrSelfConversation
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The lookup shares the insert's transaction so two concurrent starts
	// for the same pair cannot both miss and create duplicates.
	var id int64
	err = tx.QueryRowContext(ctx, `
SELECT conversation_id FROM conversation_members
GROUP BY conversation_id
HAVING COUNT(*) = 2
   AND SUM(CASE WHEN user_id IN (?, ?) THEN 1 ELSE 0 END) = 2
LIMIT 1
`, senderID, receiverID).Scan(&id)
	if err == nil {
		_ = tx.Rollback()
		conv, getErr := s.ConversationByID(ctx, id)
		return conv, false, getErr
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, false, fmt.Errorf("find conversation: %w", err)
	}

	now := time.Now().UnixMilli()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO conversations(updated_at_unix_ms) VALUES(?)`, now,
	)
	if err != nil {
		return Conversation{}, false, fmt.Errorf("insert conversation: %w", err)
	}
	id, _ = res.LastInsertId()
	for _, uid := range []string{senderID, receiverID} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_members(conversation_id, user_id) VALUES(?, ?)`, id, uid,
		); err != nil {
			return Conversation{}, false, fmt.Errorf("insert member: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Conversation{}, false, fmt.Errorf("commit conversation: %w", err)
	}

	slog.Info("conversation created", "chat_id", id, "sender_id", senderID, "receiver_id", receiverID)
	conv, getErr := s.ConversationByID(ctx, id)
	return conv, true, getErr
}

// ConversationByID returns one conversation with members and last message,
// or ErrConversationNotFound.
func (s *Store) ConversationByID(ctx context.Context, id int64) (Conversation, error) {
	var (
		conv   Conversation
		lastID sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, last_message_id, updated_at_unix_ms FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &lastID, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("query conversation: %w", err)
	}

	conv.Members, err = s.members(ctx, conv.ID)
	if err != nil {
		return Conversation{}, err
	}
	if lastID.Valid {
		msg, err := s.messageByID(ctx, lastID.Int64)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, err
		}
		if err == nil {
			conv.LastMessage = &msg
		}
	}
	return conv, nil
}

func (s *Store) members(ctx context.Context, conversationID int64) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT m.user_id, COALESCE(u.display_name, m.user_id)
FROM conversation_members m
LEFT JOIN users u ON u.id = m.user_id
WHERE m.conversation_id = ?
ORDER BY m.user_id
`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.DisplayName); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// IsMember reports whether userID belongs to the conversation's member set.
func (s *Store) IsMember(ctx context.Context, conversationID int64, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM conversation_members WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query membership: %w", err)
	}
	return true, nil
}

// ConversationsForUser returns all conversations the user belongs to,
// most recent activity first.
func (s *Store) ConversationsForUser(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT c.id
FROM conversations c
JOIN conversation_members m ON m.conversation_id = c.id
WHERE m.user_id = ?
ORDER BY c.updated_at_unix_ms DESC, c.id DESC
`, userID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := s.ConversationByID(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, nil
}

// MessageRow is a persisted chat message joined with the sender's display name.
type MessageRow struct {
	ID         int64  `json:"id"`
	ChatID     int64  `json:"chat_id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Body       string `json:"body"`
	TS         int64  `json:"ts"`
}

const messageColumns = `
SELECT m.id, m.conversation_id, m.sender_id, COALESCE(u.display_name, m.sender_id), m.body, m.created_at_unix_ms
FROM messages m
LEFT JOIN users u ON u.id = m.sender_id
`

func (s *Store) messageByID(ctx context.Context, id int64) (MessageRow, error) {
	var m MessageRow
	err := s.db.QueryRowContext(ctx, messageColumns+`WHERE m.id = ?`, id).
		Scan(&m.ID, &m.ChatID, &m.SenderID, &m.SenderName, &m.Body, &m.TS)
	if err != nil {
		return MessageRow{}, err
	}
	return m, nil
}

// InsertMessage persists a message and moves the conversation's last-message
// pointer in a single transaction, so the pointer can never reference a
// message that failed to persist.
func (s *Store) InsertMessage(ctx context.Context, conversationID int64, senderID, body string, ts int64) (MessageRow, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return MessageRow{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages(conversation_id, sender_id, body, created_at_unix_ms) VALUES(?, ?, ?, ?)`,
		conversationID, senderID, body, ts,
	)
	if err != nil {
		return MessageRow{}, fmt.Errorf("insert message: %w", err)
	}
	id, _ := res.LastInsertId()

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_message_id = ?, updated_at_unix_ms = ? WHERE id = ?`,
		id, ts, conversationID,
	); err != nil {
		return MessageRow{}, fmt.Errorf("update conversation pointer: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return MessageRow{}, fmt.Errorf("commit message: %w", err)
	}

	slog.Debug("message persisted", "msg_id", id, "chat_id", conversationID, "sender_id", senderID)
	return s.messageByID(ctx, id)
}

// MessagePage is one page of history plus pagination metadata.
type MessagePage struct {
	Messages   []MessageRow `json:"messages"`
	Page       int          `json:"page"`
	Limit      int          `json:"limit"`
	Total      int          `json:"total"`
	TotalPages int          `json:"total_pages"`
}

// Messages returns one page of a conversation's history ordered
// oldest-to-newest. Page numbering starts at 1.
func (s *Store) Messages(ctx context.Context, conversationID int64, page, limit int) (MessagePage, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID,
	).Scan(&total); err != nil {
		return MessagePage{}, fmt.Errorf("count messages: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		messageColumns+`
WHERE m.conversation_id = ?
ORDER BY m.created_at_unix_ms ASC, m.id ASC
LIMIT ? OFFSET ?
`, conversationID, limit, (page-1)*limit)
	if err != nil {
		return MessagePage{}, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]MessageRow, 0, limit)
	for rows.Next() {
		var m MessageRow
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.SenderName, &m.Body, &m.TS); err != nil {
			return MessagePage{}, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return MessagePage{}, err
	}

	totalPages := (total + limit - 1) / limit
	return MessagePage{
		Messages:   msgs,
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: totalPages,
	}, nil
}

// ConversationCount returns the number of conversations currently stored.
func (s *Store) ConversationCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&n)
	return n, err
}

// MessageCount returns the number of messages currently stored.
func (s *Store) MessageCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}

// Backup creates a copy of the database at the given path using SQLite's
// backup API through VACUUM INTO.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	_, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, destPath)
	return err
}
