package conversation

import "fmt"

// ValidateToolPairing checks that every tool message answers a tool call
// issued earlier in the history and that no tool call is answered twice.
func ValidateToolPairing(messages []Message) error {
	issued := map[string]bool{}
	answered := map[string]bool{}
	for i, m := range messages {
		switch m.Role {
		case RoleAssistant:
			for _, tc := range m.ToolCalls {
				if tc.ID == "" {
					return fmt.Errorf("message %d: tool call missing id", i)
				}
				issued[tc.ID] = true
			}
		case RoleTool:
			if m.ToolCallID == "" {
				return fmt.Errorf("message %d: tool message missing toolCallId", i)
			}
			if !issued[m.ToolCallID] {
				return fmt.Errorf("message %d: tool result for unknown call %q", i, m.ToolCallID)
			}
			if answered[m.ToolCallID] {
				return fmt.Errorf("message %d: duplicate tool result for %q", i, m.ToolCallID)
			}
			answered[m.ToolCallID] = true
		case RoleSystem, RoleUser:
			continue
		default:
			return fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
	}
	return nil
}
