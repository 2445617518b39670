// Package history persists conversations and their finalized messages.
package history

import (
	"context"
	"errors"
	"time"
)

// ErrConversationNotFound is returned when a conversation id does not exist.
var ErrConversationNotFound = errors.New("conversation not found")

// Store conversation history storage interface
type Store interface {
	// Conversation management
	CreateConversation(ctx context.Context) (*Conversation, error)
	GetConversation(ctx context.Context, id int64) (*Conversation, error)
	GetLatestConversation(ctx context.Context) (*Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]*Conversation, error)
	ClearConversation(ctx context.Context, id int64) error

	// Messages
	AppendMessage(ctx context.Context, conversationID int64, msg *Message) error
	GetMessages(ctx context.Context, conversationID int64, limit int) ([]*Message, error)
	DeleteMessage(ctx context.Context, id int64) error

	// Close connection
	Close() error
}

// Conversation conversation structure
type Conversation struct {
	ID           int64
	Title        string
	MessageCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Message is a finalized chat message. Structured parts of the message
// (tool calls, agent conversations, links, results) are stored as JSON text
// and decoded by the chat package.
type Message struct {
	ID               int64
	ConversationID   int64
	Role             string // "user" | "assistant"
	Content          string
	ReasoningContent string
	ToolCalls        string
	Agents           string
	Links            string
	Results          string
	Error            string
	CreatedAt        time.Time
}
