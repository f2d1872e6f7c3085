package conversation

import (
	"strings"

	"github.com/google/uuid"
	"github.com/huandu/go-clone"
	"github.com/rs/zerolog"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation attached to an assistant message.
// Arguments is the raw argument string exactly as the model produced it.
type ToolCall struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	Arguments string `json:"arguments" yaml:"arguments"`
}

type Message struct {
	ID         string     `json:"id" yaml:"id"`
	Role       Role       `json:"role" yaml:"role"`
	Content    string     `json:"content" yaml:"content"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty" yaml:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty" yaml:"toolCallId,omitempty"`
}

func (m Message) MarshalZerologObject(e *zerolog.Event) {
	e.Str("id", m.ID).Str("role", string(m.Role)).Int("content_len", len(m.Content))
	if len(m.ToolCalls) > 0 {
		e.Int("tool_calls", len(m.ToolCalls))
	}
	if m.ToolCallID != "" {
		e.Str("tool_call_id", m.ToolCallID)
	}
}

func newID() string {
	return uuid.NewString()
}

func NewUserMessage(content string) Message {
	return Message{ID: newID(), Role: RoleUser, Content: content}
}

func NewSystemMessage(content string) Message {
	return Message{ID: newID(), Role: RoleSystem, Content: content}
}

func NewAssistantMessage(id string, content string, toolCalls ...ToolCall) Message {
	if id == "" {
		id = newID()
	}
	return Message{ID: id, Role: RoleAssistant, Content: content, ToolCalls: toolCalls}
}

func NewToolMessage(toolCallID string, content string) Message {
	return Message{ID: newID(), Role: RoleTool, Content: content, ToolCallID: toolCallID}
}

// Clone returns a deep copy of the message list. Runs work on clones so that
// callers mutating their slice after starting a run cannot affect it.
func Clone(messages []Message) []Message {
	if messages == nil {
		return nil
	}
	return clone.Clone(messages).([]Message)
}

// PrependSystemText merges text into the leading system message, or inserts a
// new system message at index 0 when the conversation has none. The input
// slice is not modified.
func PrependSystemText(messages []Message, text string) []Message {
	text = strings.TrimSpace(text)
	if text == "" {
		return messages
	}
	ret := make([]Message, 0, len(messages)+1)
	for i, m := range messages {
		if m.Role == RoleSystem {
			ret = append(ret, messages[:i]...)
			m.Content = joinSections(text, m.Content)
			ret = append(ret, m)
			return append(ret, messages[i+1:]...)
		}
	}
	ret = append(ret, NewSystemMessage(text))
	return append(ret, messages...)
}

// AppendSystemText appends text to the first system message (or inserts one).
func AppendSystemText(messages []Message, text string) []Message {
	text = strings.TrimSpace(text)
	if text == "" {
		return messages
	}
	ret := make([]Message, 0, len(messages)+1)
	for i, m := range messages {
		if m.Role == RoleSystem {
			ret = append(ret, messages[:i]...)
			m.Content = joinSections(m.Content, text)
			ret = append(ret, m)
			return append(ret, messages[i+1:]...)
		}
	}
	ret = append(ret, NewSystemMessage(text))
	return append(ret, messages...)
}

func joinSections(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "\n\n" + b
	}
}

// PendingToolCalls returns the tool calls of the last assistant message that
// have no matching tool message after it.
func PendingToolCalls(messages []Message) []ToolCall {
	last := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleAssistant && len(messages[i].ToolCalls) > 0 {
			last = i
			break
		}
	}
	if last < 0 {
		return nil
	}
	answered := map[string]bool{}
	for _, m := range messages[last+1:] {
		if m.Role == RoleTool {
			answered[m.ToolCallID] = true
		}
	}
	var ret []ToolCall
	for _, tc := range messages[last].ToolCalls {
		if !answered[tc.ID] {
			ret = append(ret, tc)
		}
	}
	return ret
}
