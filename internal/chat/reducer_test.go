package chat

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hession/mnemo/internal/stream"
)

func applyAll(msg Message, events ...stream.Event) Message {
	for _, ev := range events {
		msg = Apply(msg, ev)
	}
	return msg
}

func TestApply_Tokens(t *testing.T) {
	msg := applyAll(Message{Role: RoleAssistant, IsStreaming: true},
		stream.TokenEvent{Content: "Hel"},
		stream.ReasoningEvent{Content: "user greets"},
		stream.TokenEvent{Content: "lo"},
	)

	assert.Equal(t, "Hello", msg.Content)
	assert.Equal(t, "user greets", msg.ReasoningContent)
	assert.True(t, msg.IsStreaming)
}

func TestApply_ToolCallsKeepArrivalOrder(t *testing.T) {
	msg := applyAll(Message{},
		stream.ToolCallEvent{ID: "1", ToolName: "web_search", Phase: stream.PhaseStart, Arguments: `{"q":"go"}`},
		stream.ToolCallEvent{ID: "2", ToolName: "fetch_url", Phase: stream.PhaseStart},
		stream.ToolCallEvent{ID: "1", Phase: stream.PhaseComplete, Result: "3 hits"},
		stream.ToolCallEvent{ID: "2", Phase: stream.PhaseError, Error: "timeout"},
		stream.ToolCallEvent{ToolName: "anonymous", Phase: stream.PhaseStart},
	)

	require.Len(t, msg.ToolCalls, 3)
	assert.Equal(t, ToolCall{ID: "1", ToolName: "web_search", Phase: stream.PhaseComplete, Arguments: `{"q":"go"}`, Result: "3 hits"}, msg.ToolCalls[0])
	assert.Equal(t, ToolCall{ID: "2", ToolName: "fetch_url", Phase: stream.PhaseError, Error: "timeout"}, msg.ToolCalls[1])
	assert.Equal(t, "anonymous", msg.ToolCalls[2].ToolName)
}

func TestApply_Agents(t *testing.T) {
	msg := applyAll(Message{},
		stream.AgentEvent{Agent: "researcher", Phase: stream.PhaseStart, Task: "find sources"},
		stream.AgentEvent{Agent: "writer", Token: "Draft"},
		stream.AgentEvent{Agent: "researcher", Token: "found 2"},
		stream.AgentEvent{Agent: "researcher", Token: " papers", Phase: stream.PhaseComplete},
	)

	require.Len(t, msg.Agents, 2)
	assert.Equal(t, AgentActivity{Name: "researcher", Phase: stream.PhaseComplete, Task: "find sources", Content: "found 2 papers"}, msg.Agents[0])
	assert.Equal(t, AgentActivity{Name: "writer", Phase: stream.PhaseStreaming, Content: "Draft"}, msg.Agents[1])
}

func TestApply_Results(t *testing.T) {
	msg := Apply(Message{}, stream.ResultEvent{
		Name:      "answer",
		Data:      json.RawMessage(`{"value":42}`),
		Citations: []stream.Link{{Title: "Docs", URL: "https://go.dev/doc"}},
	})

	require.Len(t, msg.Results, 1)
	assert.Equal(t, "answer", msg.Results[0].Name)
	assert.Equal(t, []stream.Link{{Title: "Docs", URL: "https://go.dev/doc"}}, msg.Citations)
	assert.Empty(t, msg.CollectedLinks, "links are collected on finalize")
}

func TestApply_NoOps(t *testing.T) {
	base := Message{Content: "x"}
	for _, ev := range []stream.Event{stream.EndEvent{}, stream.ErrorEvent{Message: "e"}, stream.UnknownEvent{Tag: "ping"}} {
		assert.Equal(t, base, Apply(base, ev))
	}
}

func TestApply_DoesNotShareState(t *testing.T) {
	base := Message{ToolCalls: make([]ToolCall, 1, 8), Agents: []AgentActivity{{Name: "a"}}}
	base.ToolCalls[0] = ToolCall{ID: "1", Phase: stream.PhaseStart}

	left := Apply(base, stream.ToolCallEvent{ID: "2", ToolName: "left"})
	right := Apply(base, stream.ToolCallEvent{ID: "3", ToolName: "right"})
	updated := Apply(base, stream.ToolCallEvent{ID: "1", Phase: stream.PhaseComplete})
	agent := Apply(base, stream.AgentEvent{Agent: "a", Token: "more"})

	assert.Equal(t, "left", left.ToolCalls[1].ToolName)
	assert.Equal(t, "right", right.ToolCalls[1].ToolName)
	assert.Equal(t, stream.PhaseComplete, updated.ToolCalls[0].Phase)
	assert.Equal(t, "more", agent.Agents[0].Content)

	assert.Len(t, base.ToolCalls, 1)
	assert.Equal(t, stream.PhaseStart, base.ToolCalls[0].Phase)
	assert.Empty(t, base.Agents[0].Content)
}

func TestFinalize(t *testing.T) {
	msg := Message{
		IsStreaming: true,
		Content:     "See [the tour](https://go.dev/tour) and [docs](https://go.dev/doc).",
		Citations: []stream.Link{
			{URL: "https://go.dev/doc"},
			{Title: "Blog", URL: "https://go.dev/blog"},
		},
	}

	final := Finalize(msg)
	assert.False(t, final.IsStreaming)
	assert.Equal(t, []stream.Link{
		{Title: "docs", URL: "https://go.dev/doc"},
		{Title: "Blog", URL: "https://go.dev/blog"},
		{Title: "the tour", URL: "https://go.dev/tour"},
	}, final.CollectedLinks)
}

func TestCollectLinks_Dedup(t *testing.T) {
	links := CollectLinks(
		[]stream.Link{{Title: "First", URL: "https://a.example"}, {Title: "Second", URL: "https://a.example"}},
		"[again](https://a.example) [ftp](ftp://b.example) [b](http://b.example)",
	)

	assert.Equal(t, []stream.Link{
		{Title: "First", URL: "https://a.example"},
		{Title: "b", URL: "http://b.example"},
	}, links)
}

func TestMessage_IsEmpty(t *testing.T) {
	assert.True(t, Message{Role: RoleAssistant, Error: "boom"}.IsEmpty())
	assert.False(t, Message{ReasoningContent: "hmm"}.IsEmpty())
	assert.False(t, Message{ToolCalls: []ToolCall{{ToolName: "x"}}}.IsEmpty())
}
