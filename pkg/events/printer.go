package events

import (
	"context"
	"fmt"
	"io"

	"github.com/ThreeDotsLabs/watermill/message"
	"gopkg.in/yaml.v3"
)

// PrinterFunc returns an event handler that renders a run for a terminal:
// streamed text as it arrives, tool calls and results as YAML, and a short
// line for interrupts and errors.
func PrinterFunc(name string, w io.Writer) func(ctx context.Context, e Event) error {
	isFirst := true
	inText := false

	return func(_ context.Context, e Event) error {
		var err error
		switch p_ := e.(type) {
		case *TextStart:
			inText = true
			if isFirst && name != "" {
				isFirst = false
				_, err = fmt.Fprintf(w, "\n%s: \n", name)
			}

		case *TextDelta:
			_, err = fmt.Fprintf(w, "%s", p_.Delta)

		case *TextEnd:
			inText = false
			_, err = fmt.Fprintf(w, "\n")

		case *ToolCallArgsEnd:
			v_, err_ := yaml.Marshal(map[string]string{"tool_call": p_.ToolCallID, "arguments": p_.Arguments})
			if err_ != nil {
				return err_
			}
			_, err = fmt.Fprintf(w, "%s\n", v_)

		case *ToolCallResult:
			v_, err_ := yaml.Marshal(map[string]interface{}{
				"tool_result": p_.ToolCallID,
				"content":     p_.Content,
				"is_error":    p_.IsError,
			})
			if err_ != nil {
				return err_
			}
			_, err = fmt.Fprintf(w, "%s\n", v_)

		case *RunError:
			if inText {
				inText = false
				_, _ = fmt.Fprintf(w, "\n")
			}
			_, err = fmt.Fprintf(w, "\n[error] %s (%s)\n", p_.Message, p_.Code)

		case *RunFinished:
			if p_.Outcome == OutcomeInterrupt && p_.Interrupt != nil {
				_, err = fmt.Fprintf(w, "\n[interrupt] %s %s\n", p_.Interrupt.Reason, p_.Interrupt.ID)
			}

		case *RunStarted, *ToolCallStart, *ToolCallArgsDelta,
			*StateSnapshot, *StateDelta, *MessagesSnapshot:
		}
		return err
	}
}

// PrinterHandler adapts PrinterFunc to a watermill handler for the router.
func PrinterHandler(name string, w io.Writer) func(msg *message.Message) error {
	p := PrinterFunc(name, w)
	return func(msg *message.Message) error {
		defer msg.Ack()
		e, err := NewEventFromJson(msg.Payload)
		if err != nil {
			return err
		}
		return p(msg.Context(), e)
	}
}
