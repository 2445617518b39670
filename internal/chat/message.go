// Package chat holds the in-progress message model, the pure reducer that
// folds stream events into it, and the Orchestrator that runs a turn.
package chat

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/hession/mnemo/internal/stream"
)

// Role of a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ToolCall is one server-side tool invocation shown in the message.
type ToolCall struct {
	ID        string       `json:"id,omitempty"`
	ToolName  string       `json:"tool_name"`
	Phase     stream.Phase `json:"phase"`
	Arguments string       `json:"arguments,omitempty"`
	Result    string       `json:"result,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// AgentActivity is the accumulated output of one named sub-agent.
type AgentActivity struct {
	Name    string       `json:"name"`
	Phase   stream.Phase `json:"phase"`
	Task    string       `json:"task,omitempty"`
	Content string       `json:"content,omitempty"`
}

// StructuredResult is a side-channel outcome delivered with the answer.
type StructuredResult struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message is a chat message as the user sees it, including everything the
// stream attached to it.
type Message struct {
	ID             int64 // history id, 0 until persisted
	ConversationID int64
	Role           Role

	Content          string
	ReasoningContent string
	Timestamp        time.Time
	IsStreaming      bool

	ToolCalls []ToolCall
	Agents    []AgentActivity // first-seen order
	Results   []StructuredResult

	// Citations collects links from result events while streaming;
	// Finalize turns them into CollectedLinks.
	Citations      []stream.Link
	CollectedLinks []stream.Link

	Error string

	key uint64 // stable in-memory identity, survives reslicing
	rev uint64 // bumped each time the orchestrator stores a new version
}

// Clone returns a copy that shares no mutable state with m.
func (m Message) Clone() Message {
	m.ToolCalls = slices.Clone(m.ToolCalls)
	m.Agents = slices.Clone(m.Agents)
	m.Results = slices.Clone(m.Results)
	m.Citations = slices.Clone(m.Citations)
	m.CollectedLinks = slices.Clone(m.CollectedLinks)
	return m
}

// IsEmpty reports whether the message carries nothing worth showing.
func (m Message) IsEmpty() bool {
	return m.Content == "" &&
		m.ReasoningContent == "" &&
		len(m.ToolCalls) == 0 &&
		len(m.Agents) == 0 &&
		len(m.Results) == 0
}
