// Package stream implements the client side of the model streaming protocol:
// the typed events a turn is built from and the transports that carry them.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedEvent is returned when an event payload is not valid JSON
	// or lacks a type.
	ErrMalformedEvent = errors.New("malformed stream event")

	// ErrUnexpectedEOF is returned when the connection ends before an end event.
	ErrUnexpectedEOF = errors.New("stream closed before end event")
)

// Type is the wire tag of an event.
type Type string

const (
	TypeToken     Type = "token"
	TypeReasoning Type = "reasoning"
	TypeAgent     Type = "sub_agent"
	TypeToolCall  Type = "tool_call"
	TypeResult    Type = "structured_result"
	TypeEnd       Type = "end"
	TypeError     Type = "error"
	TypeUnknown   Type = "unknown"
)

// aliases maps every accepted wire tag onto its canonical Type.
var aliases = map[string]Type{
	"token":             TypeToken,
	"content":           TypeToken,
	"reasoning":         TypeReasoning,
	"reasoning_token":   TypeReasoning,
	"sub_agent":         TypeAgent,
	"agent":             TypeAgent,
	"tool_call":         TypeToolCall,
	"tool":              TypeToolCall,
	"structured_result": TypeResult,
	"result":            TypeResult,
	"end":               TypeEnd,
	"done":              TypeEnd,
	"error":             TypeError,
}

// Phase is the lifecycle stage carried by agent and tool-call events.
type Phase string

const (
	PhaseStart     Phase = "start"
	PhaseStreaming Phase = "streaming"
	PhaseComplete  Phase = "complete"
	PhaseError     Phase = "error"
)

// Event is one decoded stream event. The concrete types below are the only
// implementations.
type Event interface {
	Type() Type
	isEvent()
}

// TokenEvent is a fragment of the answer text.
type TokenEvent struct {
	Content string
}

// ReasoningEvent is a fragment of the model's reasoning text.
type ReasoningEvent struct {
	Content string
}

// AgentEvent reports progress of a named sub-agent.
type AgentEvent struct {
	Agent string
	Token string
	Phase Phase
	Task  string
}

// ToolCallEvent reports a tool invocation made on the server side.
type ToolCallEvent struct {
	ID        string
	ToolName  string
	Phase     Phase
	Arguments string
	Result    string
	Error     string
}

// Link is a titled URL.
type Link struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url"`
}

// ResultEvent carries a structured outcome distinct from the answer text.
type ResultEvent struct {
	Name      string
	Data      json.RawMessage
	Citations []Link
}

// EndEvent marks the successful end of the stream.
type EndEvent struct{}

// ErrorEvent is a server-reported failure that ends the turn.
type ErrorEvent struct {
	Message string
	Code    string
}

// UnknownEvent is any event whose type this client does not understand.
// Consumers ignore it.
type UnknownEvent struct {
	Tag string
	Raw json.RawMessage
}

func (TokenEvent) Type() Type     { return TypeToken }
func (ReasoningEvent) Type() Type { return TypeReasoning }
func (AgentEvent) Type() Type     { return TypeAgent }
func (ToolCallEvent) Type() Type  { return TypeToolCall }
func (ResultEvent) Type() Type    { return TypeResult }
func (EndEvent) Type() Type       { return TypeEnd }
func (ErrorEvent) Type() Type     { return TypeError }
func (UnknownEvent) Type() Type   { return TypeUnknown }

func (TokenEvent) isEvent()     {}
func (ReasoningEvent) isEvent() {}
func (AgentEvent) isEvent()     {}
func (ToolCallEvent) isEvent()  {}
func (ResultEvent) isEvent()    {}
func (EndEvent) isEvent()       {}
func (ErrorEvent) isEvent()     {}
func (UnknownEvent) isEvent()   {}

// envelope is the union of every field any event type may carry.
type envelope struct {
	Type      string          `json:"type"`
	Content   string          `json:"content"`
	Token     string          `json:"token"`
	Agent     string          `json:"agent"`
	Phase     string          `json:"phase"`
	Task      string          `json:"task"`
	ID        string          `json:"id"`
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
	Result    json.RawMessage `json:"result"`
	Error     json.RawMessage `json:"error"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data"`
	Citations json.RawMessage `json:"citations"`
	Message   json.RawMessage `json:"message"`
	Code      json.RawMessage `json:"code"`
}

// Decode parses one JSON event. Unknown types decode to UnknownEvent.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}

	text := env.Content
	if text == "" {
		text = env.Token
	}

	switch aliases[env.Type] {
	case TypeToken:
		return TokenEvent{Content: text}, nil
	case TypeReasoning:
		return ReasoningEvent{Content: text}, nil
	case TypeAgent:
		return AgentEvent{Agent: env.Agent, Token: text, Phase: Phase(env.Phase), Task: env.Task}, nil
	case TypeToolCall:
		return ToolCallEvent{
			ID:        env.ID,
			ToolName:  env.ToolName,
			Phase:     Phase(env.Phase),
			Arguments: rawText(env.Arguments),
			Result:    rawText(env.Result),
			Error:     errorText(env.Error),
		}, nil
	case TypeResult:
		return ResultEvent{Name: env.Name, Data: env.Data, Citations: citations(env.Citations)}, nil
	case TypeEnd:
		return EndEvent{}, nil
	case TypeError:
		msg := rawText(env.Message)
		if msg == "" {
			msg = errorText(env.Error)
		}
		return ErrorEvent{Message: msg, Code: rawText(env.Code)}, nil
	default:
		return UnknownEvent{Tag: env.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// rawText renders a JSON value for display: strings lose their quotes,
// everything else keeps its JSON form.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

// errorText accepts an error given either as a string or as an object with a
// message field.
func errorText(raw json.RawMessage) string {
	if len(raw) > 0 && raw[0] == '{' {
		var obj struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
			return obj.Message
		}
	}
	return rawText(raw)
}

// citations decodes a citation list. A list in any other shape is dropped
// rather than failing the whole event.
func citations(raw json.RawMessage) []Link {
	if len(raw) == 0 {
		return nil
	}
	var links []Link
	if err := json.Unmarshal(raw, &links); err != nil {
		return nil
	}
	return links
}
