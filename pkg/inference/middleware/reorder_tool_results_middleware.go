package middleware

import (
	"context"

	"github.com/go-go-golems/agentrun/pkg/conversation"
	"github.com/go-go-golems/agentrun/pkg/inference/engine"
	"github.com/rs/zerolog/log"
)

// NewToolResultReorderMiddleware ensures that the tool messages answering an
// assistant message's tool calls appear immediately after it, in call order.
// Providers reject histories where a user or assistant message sits between
// a tool call and its result, which happens when caller results arrive late.
func NewToolResultReorderMiddleware() Middleware {
	return RequestMiddleware(func(ctx context.Context, messages []conversation.Message, opts engine.Options) (context.Context, []conversation.Message, engine.Options, error) {
		reordered, moved := ReorderToolResults(messages)
		if moved > 0 {
			log.Debug().Int("moved_tool_results", moved).Msg("tool-reorder: grouped tool results after their calls")
		}
		return ctx, reordered, opts, nil
	})
}

// ReorderToolResults returns a copy of messages where each assistant message
// with tool calls is directly followed by the matching tool messages. Tool
// messages without a matching call keep their relative position.
func ReorderToolResults(messages []conversation.Message) ([]conversation.Message, int) {
	if len(messages) == 0 {
		return messages, 0
	}

	resultIdx := map[string][]int{}
	for i, m := range messages {
		if m.Role == conversation.RoleTool && m.ToolCallID != "" {
			resultIdx[m.ToolCallID] = append(resultIdx[m.ToolCallID], i)
		}
	}

	used := make(map[int]bool)
	ret := make([]conversation.Message, 0, len(messages))
	moved := 0
	for i, m := range messages {
		if used[i] {
			continue
		}
		ret = append(ret, m)
		used[i] = true
		if m.Role != conversation.RoleAssistant || len(m.ToolCalls) == 0 {
			continue
		}
		last := i
		for _, tc := range m.ToolCalls {
			for _, idx := range resultIdx[tc.ID] {
				if used[idx] || idx < i {
					continue
				}
				if idx != last+1 {
					moved++
				}
				last = idx
				ret = append(ret, messages[idx])
				used[idx] = true
			}
		}
	}
	return ret, moved
}
