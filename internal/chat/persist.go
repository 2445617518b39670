package chat

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/hession/mnemo/internal/history"
)

// toRecord converts a finished message into its history row.
func toRecord(msg Message) *history.Message {
	return &history.Message{
		ID:               msg.ID,
		ConversationID:   msg.ConversationID,
		Role:             string(msg.Role),
		Content:          msg.Content,
		ReasoningContent: msg.ReasoningContent,
		ToolCalls:        encodeJSON(msg.ToolCalls),
		Agents:           encodeJSON(msg.Agents),
		Links:            encodeJSON(msg.CollectedLinks),
		Results:          encodeJSON(msg.Results),
		Error:            msg.Error,
		CreatedAt:        msg.Timestamp,
	}
}

// fromRecord restores a message from history. Undecodable structured
// columns are logged and left empty.
func fromRecord(rec *history.Message, logger *zap.Logger) Message {
	msg := Message{
		ID:               rec.ID,
		ConversationID:   rec.ConversationID,
		Role:             Role(rec.Role),
		Content:          rec.Content,
		ReasoningContent: rec.ReasoningContent,
		Timestamp:        rec.CreatedAt,
		Error:            rec.Error,
	}

	decode := func(column, raw string, v any) {
		if raw == "" {
			return
		}
		if err := json.Unmarshal([]byte(raw), v); err != nil {
			logger.Warn("ignoring undecodable message column",
				zap.Int64("message_id", rec.ID), zap.String("column", column), zap.Error(err))
		}
	}
	decode("tool_calls", rec.ToolCalls, &msg.ToolCalls)
	decode("agents", rec.Agents, &msg.Agents)
	decode("links", rec.Links, &msg.CollectedLinks)
	decode("results", rec.Results, &msg.Results)

	return msg
}

func encodeJSON[T any](items []T) string {
	if len(items) == 0 {
		return ""
	}
	data, err := json.Marshal(items)
	if err != nil {
		return ""
	}
	return string(data)
}
