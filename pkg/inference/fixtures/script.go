package fixtures

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/go-go-golems/agentrun/pkg/conversation"
	"github.com/go-go-golems/agentrun/pkg/inference/engine"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ScriptedToolCall is one tool call fragment of a scripted turn.
type ScriptedToolCall struct {
	Index int    `yaml:"index"`
	ID    string `yaml:"id,omitempty"`
	Name  string `yaml:"name,omitempty"`
	Args  string `yaml:"args,omitempty"`
}

// ScriptedFragment describes one fragment. Exactly one field is expected to be set.
type ScriptedFragment struct {
	Text     string            `yaml:"text,omitempty"`
	ToolCall *ScriptedToolCall `yaml:"toolCall,omitempty"`
	Usage    *engine.Usage     `yaml:"usage,omitempty"`
	Error    string            `yaml:"error,omitempty"`
}

func (f ScriptedFragment) toFragment() engine.Fragment {
	switch {
	case f.ToolCall != nil:
		return engine.ToolCallFragment(f.ToolCall.Index, f.ToolCall.ID, f.ToolCall.Name, f.ToolCall.Args)
	case f.Usage != nil:
		return engine.UsageFragment(*f.Usage)
	case f.Error != "":
		return engine.ErrorFragment(errors.New(f.Error))
	default:
		return engine.TextFragment(f.Text)
	}
}

// ScriptedTurn is the response to one Send call.
type ScriptedTurn struct {
	Fragments []ScriptedFragment `yaml:"fragments"`
	// FinishReason is sent as the final done fragment unless the turn ends in an error.
	FinishReason string `yaml:"finishReason,omitempty"`
	// SendError makes Send itself fail.
	SendError string `yaml:"sendError,omitempty"`
	// Hang keeps the stream open after the fragments until the context is cancelled.
	Hang  bool          `yaml:"hang,omitempty"`
	Delay time.Duration `yaml:"delay,omitempty"`
}

type Script struct {
	Turns []ScriptedTurn `yaml:"turns"`
}

// Call is what the scripted client received.
type Call struct {
	Messages []conversation.Message
	Options  engine.Options
}

// ScriptedClient replays scripted turns in order, one per Send.
type ScriptedClient struct {
	mu    sync.Mutex
	turns []ScriptedTurn
	next  int
	calls []Call
}

var _ engine.Client = (*ScriptedClient)(nil)

func NewScriptedClient(turns ...ScriptedTurn) *ScriptedClient {
	return &ScriptedClient{turns: turns}
}

// LoadScript reads a YAML script from disk.
func LoadScript(path string) (*ScriptedClient, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read script %s", path)
	}
	return ParseScript(b)
}

func ParseScript(b []byte) (*ScriptedClient, error) {
	var s Script
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, errors.Wrap(err, "could not parse script")
	}
	return NewScriptedClient(s.Turns...), nil
}

// Text is a shortcut for a turn made of text fragments.
func Text(chunks ...string) ScriptedTurn {
	t := ScriptedTurn{FinishReason: "stop"}
	for _, c := range chunks {
		t.Fragments = append(t.Fragments, ScriptedFragment{Text: c})
	}
	return t
}

// ToolCall is a shortcut for a fragment opening a tool call with complete arguments.
func ToolCall(index int, id, name, args string) ScriptedFragment {
	return ScriptedFragment{ToolCall: &ScriptedToolCall{Index: index, ID: id, Name: name, Args: args}}
}

func ArgsDelta(index int, args string) ScriptedFragment {
	return ScriptedFragment{ToolCall: &ScriptedToolCall{Index: index, Args: args}}
}

func TextChunk(text string) ScriptedFragment { return ScriptedFragment{Text: text} }

func Turn(fragments ...ScriptedFragment) ScriptedTurn {
	return ScriptedTurn{Fragments: fragments, FinishReason: "stop"}
}

func (c *ScriptedClient) Send(ctx context.Context, messages []conversation.Message, opts engine.Options) (engine.Stream, error) {
	c.mu.Lock()
	c.calls = append(c.calls, Call{Messages: conversation.Clone(messages), Options: opts.Clone()})
	if c.next >= len(c.turns) {
		c.mu.Unlock()
		return nil, errors.Errorf("script exhausted after %d turns", len(c.turns))
	}
	turn := c.turns[c.next]
	c.next++
	c.mu.Unlock()

	if turn.SendError != "" {
		return nil, errors.New(turn.SendError)
	}

	out := make(chan engine.Fragment)
	go func() {
		defer close(out)
		for _, f := range turn.Fragments {
			if turn.Delay > 0 {
				select {
				case <-time.After(turn.Delay):
				case <-ctx.Done():
					return
				}
			}
			frag := f.toFragment()
			select {
			case out <- frag:
			case <-ctx.Done():
				return
			}
			if frag.Kind == engine.FragmentError {
				return
			}
		}
		if turn.Hang {
			<-ctx.Done()
			return
		}
		select {
		case out <- engine.DoneFragment(turn.FinishReason):
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// Calls returns what Send received so far.
func (c *ScriptedClient) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// Remaining is the number of turns not yet consumed.
func (c *ScriptedClient) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns) - c.next
}
