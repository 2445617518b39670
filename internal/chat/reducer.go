package chat

import (
	"slices"

	"github.com/hession/mnemo/internal/stream"
)

// Apply folds one stream event into msg and returns the result. It never
// modifies msg's slices in place, so earlier snapshots stay valid.
//
// End, error and unknown events do not change the message; the orchestrator
// handles them.
func Apply(msg Message, ev stream.Event) Message {
	switch e := ev.(type) {
	case stream.TokenEvent:
		msg.Content += e.Content

	case stream.ReasoningEvent:
		msg.ReasoningContent += e.Content

	case stream.AgentEvent:
		msg.Agents = applyAgent(msg.Agents, e)

	case stream.ToolCallEvent:
		msg.ToolCalls = applyToolCall(msg.ToolCalls, e)

	case stream.ResultEvent:
		msg.Results = append(slices.Clip(msg.Results), StructuredResult{Name: e.Name, Data: e.Data})
		if len(e.Citations) > 0 {
			msg.Citations = append(slices.Clip(msg.Citations), e.Citations...)
		}
	}
	return msg
}

func applyAgent(agents []AgentActivity, e stream.AgentEvent) []AgentActivity {
	i := slices.IndexFunc(agents, func(a AgentActivity) bool { return a.Name == e.Agent })
	if i < 0 {
		phase := e.Phase
		if phase == "" {
			phase = stream.PhaseStreaming
		}
		return append(slices.Clip(agents), AgentActivity{
			Name:    e.Agent,
			Phase:   phase,
			Task:    e.Task,
			Content: e.Token,
		})
	}

	agents = slices.Clone(agents)
	a := &agents[i]
	a.Content += e.Token
	if e.Phase != "" {
		a.Phase = e.Phase
	}
	if e.Task != "" {
		a.Task = e.Task
	}
	return agents
}

// applyToolCall updates the call with the event's id in place, keeping the
// position of its first event; calls without an id are always appended.
func applyToolCall(calls []ToolCall, e stream.ToolCallEvent) []ToolCall {
	i := -1
	if e.ID != "" {
		i = slices.IndexFunc(calls, func(c ToolCall) bool { return c.ID == e.ID })
	}
	if i < 0 {
		return append(slices.Clip(calls), ToolCall{
			ID:        e.ID,
			ToolName:  e.ToolName,
			Phase:     e.Phase,
			Arguments: e.Arguments,
			Result:    e.Result,
			Error:     e.Error,
		})
	}

	calls = slices.Clone(calls)
	c := &calls[i]
	c.Phase = e.Phase
	if e.ToolName != "" {
		c.ToolName = e.ToolName
	}
	if e.Arguments != "" {
		c.Arguments = e.Arguments
	}
	if e.Result != "" {
		c.Result = e.Result
	}
	if e.Error != "" {
		c.Error = e.Error
	}
	return calls
}

// Finalize ends streaming on msg and derives its collected links.
func Finalize(msg Message) Message {
	msg.IsStreaming = false
	msg.CollectedLinks = CollectLinks(msg.Citations, msg.Content)
	return msg
}
