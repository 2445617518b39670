package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const maxTitleRunes = 60

// SQLiteStore SQLite conversation history implementation
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore creates a new SQLite history store
func NewSQLiteStore(dbPath string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger.With(zap.String("component", "history_store")),
	}

	if err := store.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database tables: %w", err)
	}

	return store, nil
}

// initTables initializes database tables
func (s *SQLiteStore) initTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			reasoning_content TEXT NOT NULL DEFAULT '',
			tool_calls TEXT NOT NULL DEFAULT '',
			agents TEXT NOT NULL DEFAULT '',
			links TEXT NOT NULL DEFAULT '',
			results TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_id ON messages(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute SQL: %s, error: %w", query, err)
		}
	}

	return nil
}

// CreateConversation creates a new conversation
func (s *SQLiteStore) CreateConversation(ctx context.Context) (*Conversation, error) {
	now := time.Now()

	result, err := s.db.ExecContext(ctx,
		"INSERT INTO conversations (title, created_at, updated_at) VALUES ('', ?, ?)",
		now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation id: %w", err)
	}

	s.logger.Debug("conversation created", zap.Int64("conversation_id", id))
	return &Conversation{ID: id, CreatedAt: now, UpdatedAt: now}, nil
}

const conversationColumns = `c.id, c.title, c.created_at, c.updated_at,
	(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)`

func scanConversation(row interface{ Scan(...any) error }) (*Conversation, error) {
	var c Conversation
	if err := row.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt, &c.MessageCount); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetConversation gets a conversation by ID
func (s *SQLiteStore) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	conv, err := scanConversation(s.db.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations c WHERE c.id = ?", id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

// GetLatestConversation gets the most recently updated conversation,
// or nil when there is none
func (s *SQLiteStore) GetLatestConversation(ctx context.Context) (*Conversation, error) {
	conv, err := scanConversation(s.db.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations c ORDER BY c.updated_at DESC, c.id DESC LIMIT 1",
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest conversation: %w", err)
	}
	return conv, nil
}

// ListConversations lists conversations, most recently updated first
func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations c ORDER BY c.updated_at DESC, c.id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// AppendMessage saves a message and assigns its ID. The first user message
// of a conversation becomes its title.
func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID int64, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, reasoning_content, tool_calls, agents, links, results, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conversationID, msg.Role, msg.Content, msg.ReasoningContent, msg.ToolCalls,
		msg.Agents, msg.Links, msg.Results, msg.Error, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read message id: %w", err)
	}

	// Update conversation time, and title on the first user message
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ?,
		 title = CASE WHEN title = '' AND ? = 'user' THEN ? ELSE title END
		 WHERE id = ?`,
		msg.CreatedAt, msg.Role, titleFrom(msg.Content), conversationID,
	); err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}

	msg.ID = id
	msg.ConversationID = conversationID
	return nil
}

// GetMessages gets the last limit messages of a conversation in chronological order
func (s *SQLiteStore) GetMessages(ctx context.Context, conversationID int64, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, reasoning_content, tool_calls, agents, links, results, error, created_at
		 FROM messages
		 WHERE conversation_id = ?
		 ORDER BY id DESC
		 LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.ReasoningContent,
			&msg.ToolCalls, &msg.Agents, &msg.Links, &msg.Results, &msg.Error, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	// Reverse order so messages are in chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// DeleteMessage deletes a message by ID. Deleting a missing message is not an error.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// ClearConversation clears all messages in a conversation
func (s *SQLiteStore) ClearConversation(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", id); err != nil {
		return fmt.Errorf("failed to clear conversation messages: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func titleFrom(content string) string {
	if utf8.RuneCountInString(content) <= maxTitleRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:maxTitleRunes]) + "..."
}
