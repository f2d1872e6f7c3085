package emitter

import (
	"context"
	"strings"

	"github.com/go-go-golems/agentrun/pkg/conversation"
	"github.com/go-go-golems/agentrun/pkg/events"
	"github.com/go-go-golems/agentrun/pkg/inference/engine"
	"github.com/rs/zerolog/log"
)

type pendingCall struct {
	id     string
	name   string
	parent string
	args   strings.Builder
	// started is set once TOOL_CALL_START went out. Until the name is known
	// argument deltas are only buffered.
	started bool
}

// turn tracks one streamed model response: its text blocks, its tool calls
// and the assistant messages they produce.
type turn struct {
	rs *runState

	// lastID is the message the next tool call attaches to.
	lastID string
	// textID is the open text block, empty when none is open.
	textID string

	messages []conversation.Message
	index    map[string]int

	calls map[int]*pendingCall
	order []int
}

func (rs *runState) newTurn() *turn {
	return &turn{
		rs:     rs,
		lastID: rs.newID(),
		index:  map[string]int{},
		calls:  map[int]*pendingCall{},
	}
}

func (t *turn) message(id string) *conversation.Message {
	if i, ok := t.index[id]; ok {
		return &t.messages[i]
	}
	t.index[id] = len(t.messages)
	t.messages = append(t.messages, conversation.NewAssistantMessage(id, ""))
	return &t.messages[len(t.messages)-1]
}

func (t *turn) onText(text string) {
	if text == "" {
		return
	}
	if t.textID == "" {
		id := t.lastID
		if _, used := t.index[id]; used {
			id = t.rs.newID()
		}
		t.textID = id
		t.lastID = id
		t.message(id)
		t.rs.pub.publish(func(m events.EventMetadata) events.Event { return events.NewTextStart(m, id) })
	}
	id := t.textID
	t.message(id).Content += text
	t.rs.pub.publish(func(m events.EventMetadata) events.Event { return events.NewTextDelta(m, id, text) })
}

func (t *turn) closeText() {
	if t.textID == "" {
		return
	}
	id := t.textID
	t.textID = ""
	t.rs.pub.publish(func(m events.EventMetadata) events.Event { return events.NewTextEnd(m, id) })
}

func (t *turn) onToolCall(f engine.Fragment) {
	c, ok := t.calls[f.ToolCallIndex]
	if !ok {
		t.closeText()
		c = &pendingCall{id: f.ToolCallID, name: f.ToolName, parent: t.lastID}
		if c.id == "" {
			c.id = t.rs.newID()
		}
		t.calls[f.ToolCallIndex] = c
		t.order = append(t.order, f.ToolCallIndex)
		t.message(c.parent)
	} else if c.name == "" && f.ToolName != "" {
		c.name = f.ToolName
	}
	c.args.WriteString(f.ArgsDelta)
	if !c.started {
		if c.name != "" {
			t.startCall(c)
		}
		return
	}
	if f.ArgsDelta == "" {
		return
	}
	delta := f.ArgsDelta
	t.rs.pub.publish(func(m events.EventMetadata) events.Event {
		return events.NewToolCallArgsDelta(m, c.id, delta)
	})
}

// startCall announces c and replays the arguments buffered so far.
func (t *turn) startCall(c *pendingCall) {
	t.closeText()
	c.started = true
	t.rs.pub.publish(func(m events.EventMetadata) events.Event {
		return events.NewToolCallStart(m, c.id, c.name, c.parent)
	})
	if buffered := c.args.String(); buffered != "" {
		t.rs.pub.publish(func(m events.EventMetadata) events.Event {
			return events.NewToolCallArgsDelta(m, c.id, buffered)
		})
	}
}

// finish closes the open text block and finalizes every tool call in start
// order, attaching them to their parent messages. A call whose name never
// arrived is started nameless and fails as an unknown tool.
func (t *turn) finish() {
	t.closeText()
	for _, idx := range t.order {
		c := t.calls[idx]
		if !c.started {
			log.Warn().Str("tool_call_id", c.id).Str("run_id", t.rs.run.RunID).Msg("emitter: tool call finished without a name")
			t.startCall(c)
		}
		args := c.args.String()
		t.rs.pub.publish(func(m events.EventMetadata) events.Event {
			return events.NewToolCallArgsEnd(m, c.id, args)
		})
		msg := t.message(c.parent)
		msg.ToolCalls = append(msg.ToolCalls, conversation.ToolCall{ID: c.id, Name: c.name, Arguments: args})
	}
}

func (t *turn) finalized() []conversation.ToolCall {
	ret := make([]conversation.ToolCall, 0, len(t.order))
	for _, idx := range t.order {
		c := t.calls[idx]
		ret = append(ret, conversation.ToolCall{ID: c.id, Name: c.name, Arguments: c.args.String()})
	}
	return ret
}

// streamTurn sends one model request and relays its fragments. When done is
// true the run has already been terminated and res describes it.
func (rs *runState) streamTurn(ctx context.Context, client engine.Client, opts engine.Options) (t *turn, res Result, done bool) {
	t = rs.newTurn()

	stream, err := client.Send(ctx, conversation.Clone(rs.history), opts)
	if err != nil {
		if ctx.Err() != nil {
			return t, rs.cancelled(), true
		}
		log.Warn().Err(err).Str("run_id", rs.run.RunID).Msg("emitter: model request failed")
		return t, rs.fail(events.ErrorCodeStreaming, err.Error(), err), true
	}

	for {
		select {
		case <-ctx.Done():
			return t, rs.cancelled(), true
		case f, ok := <-stream:
			if !ok {
				if ctx.Err() != nil {
					return t, rs.cancelled(), true
				}
				t.finish()
				return t, Result{}, false
			}
			switch f.Kind {
			case engine.FragmentText:
				t.onText(f.Text)
			case engine.FragmentToolCall:
				t.onToolCall(f)
			case engine.FragmentUsage:
				log.Trace().Object("fragment", f).Str("run_id", rs.run.RunID).Msg("emitter: usage")
			case engine.FragmentDone:
				log.Trace().Str("finish_reason", f.FinishReason).Str("run_id", rs.run.RunID).Msg("emitter: model turn done")
			case engine.FragmentError:
				if ctx.Err() != nil {
					return t, rs.cancelled(), true
				}
				log.Warn().Err(f.Err).Str("run_id", rs.run.RunID).Msg("emitter: stream failed")
				return t, rs.fail(events.ErrorCodeStreaming, f.Err.Error(), f.Err), true
			}
		}
	}
}
