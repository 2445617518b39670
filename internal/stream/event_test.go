package stream

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Event
	}{
		{name: "token", in: `{"type":"token","content":"Hel"}`, want: TokenEvent{Content: "Hel"}},
		{name: "token alias", in: `{"type":"content","token":"lo"}`, want: TokenEvent{Content: "lo"}},
		{name: "reasoning", in: `{"type":"reasoning_token","content":"thinking"}`, want: ReasoningEvent{Content: "thinking"}},
		{
			name: "sub agent",
			in:   `{"type":"sub_agent","agent":"researcher","token":"found","phase":"streaming","task":"look it up"}`,
			want: AgentEvent{Agent: "researcher", Token: "found", Phase: PhaseStreaming, Task: "look it up"},
		},
		{
			name: "tool call with object arguments",
			in:   `{"type":"tool_call","id":"c1","tool_name":"web_search","phase":"start","arguments":{"q":"go"}}`,
			want: ToolCallEvent{ID: "c1", ToolName: "web_search", Phase: PhaseStart, Arguments: `{"q":"go"}`},
		},
		{
			name: "tool call with string result",
			in:   `{"type":"tool","id":"c1","tool_name":"web_search","phase":"complete","result":"3 hits"}`,
			want: ToolCallEvent{ID: "c1", ToolName: "web_search", Phase: PhaseComplete, Result: "3 hits"},
		},
		{
			name: "structured result",
			in:   `{"type":"result","name":"answer","data":{"n":1},"citations":[{"title":"Go","url":"https://go.dev"}]}`,
			want: ResultEvent{Name: "answer", Data: json.RawMessage(`{"n":1}`), Citations: []Link{{Title: "Go", URL: "https://go.dev"}}},
		},
		{name: "end", in: `{"type":"done"}`, want: EndEvent{}},
		{name: "error", in: `{"type":"error","message":"rate limited","code":429}`, want: ErrorEvent{Message: "rate limited", Code: "429"}},
		{name: "error from error field", in: `{"type":"error","error":"boom"}`, want: ErrorEvent{Message: "boom"}},
		{name: "error object", in: `{"type":"error","error":{"message":"boom","kind":"upstream"}}`, want: ErrorEvent{Message: "boom"}},
		{
			name: "tool call with error object",
			in:   `{"type":"tool_call","id":"c2","tool_name":"fetch","phase":"error","error":{"message":"boom"}}`,
			want: ToolCallEvent{ID: "c2", ToolName: "fetch", Phase: PhaseError, Error: "boom"},
		},
		{
			name: "tool call with error of another shape",
			in:   `{"type":"tool_call","id":"c3","tool_name":"fetch","phase":"error","error":{"status":500}}`,
			want: ToolCallEvent{ID: "c3", ToolName: "fetch", Phase: PhaseError, Error: `{"status":500}`},
		},
		{
			name: "result with citations of another shape",
			in:   `{"type":"result","name":"answer","data":{"n":1},"citations":{"go":"https://go.dev"}}`,
			want: ResultEvent{Name: "answer", Data: json.RawMessage(`{"n":1}`)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_Unknown(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"heartbeat","seq":4}`))
	require.NoError(t, err)

	unknown, ok := ev.(UnknownEvent)
	require.True(t, ok)
	assert.Equal(t, "heartbeat", unknown.Tag)
	assert.Equal(t, TypeUnknown, ev.Type())
}

func TestDecode_Malformed(t *testing.T) {
	for _, in := range []string{`{"type":`, `not json`, `{"content":"no type"}`} {
		_, err := Decode([]byte(in))
		assert.ErrorIs(t, err, ErrMalformedEvent, in)
	}
}
