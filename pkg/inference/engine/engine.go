package engine

import (
	"context"

	"github.com/go-go-golems/agentrun/pkg/conversation"
	"github.com/go-go-golems/agentrun/pkg/inference/tools"
	"github.com/rs/zerolog"
)

// FragmentKind tags what a streamed model fragment carries.
type FragmentKind string

const (
	FragmentText     FragmentKind = "text"
	FragmentToolCall FragmentKind = "tool_call"
	FragmentUsage    FragmentKind = "usage"
	FragmentDone     FragmentKind = "done"
	FragmentError    FragmentKind = "error"
)

// Usage is token accounting for one model call. Estimated is set when the
// numbers were computed locally instead of reported by the provider.
type Usage struct {
	InputTokens  int  `json:"inputTokens"`
	OutputTokens int  `json:"outputTokens"`
	Estimated    bool `json:"estimated,omitempty"`
}

func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// Fragment is one piece of a streamed model response.
//
// Tool call fragments are keyed by ToolCallIndex. The first fragment for an
// index usually carries ToolCallID and ToolName; later ones only ArgsDelta.
type Fragment struct {
	Kind FragmentKind

	Text string

	ToolCallIndex int
	ToolCallID    string
	ToolName      string
	ArgsDelta     string

	FinishReason string
	Usage        *Usage
	Err          error
}

func (f Fragment) MarshalZerologObject(e *zerolog.Event) {
	e.Str("kind", string(f.Kind))
	switch f.Kind {
	case FragmentText:
		e.Int("text_len", len(f.Text))
	case FragmentToolCall:
		e.Int("index", f.ToolCallIndex).Str("id", f.ToolCallID).Str("name", f.ToolName).Int("args_len", len(f.ArgsDelta))
	case FragmentUsage:
		if f.Usage != nil {
			e.Int("input_tokens", f.Usage.InputTokens).Int("output_tokens", f.Usage.OutputTokens)
		}
	case FragmentDone:
		e.Str("finish_reason", f.FinishReason)
	case FragmentError:
		e.AnErr("err", f.Err)
	}
}

func TextFragment(text string) Fragment { return Fragment{Kind: FragmentText, Text: text} }

func ToolCallFragment(index int, id, name, argsDelta string) Fragment {
	return Fragment{Kind: FragmentToolCall, ToolCallIndex: index, ToolCallID: id, ToolName: name, ArgsDelta: argsDelta}
}

func UsageFragment(u Usage) Fragment { return Fragment{Kind: FragmentUsage, Usage: &u} }

func DoneFragment(reason string) Fragment { return Fragment{Kind: FragmentDone, FinishReason: reason} }

func ErrorFragment(err error) Fragment { return Fragment{Kind: FragmentError, Err: err} }

// Stream is closed by the client when the response is complete, failed, or
// the context was cancelled.
type Stream <-chan Fragment

// Options are per-call model parameters.
type Options struct {
	Model       string
	Temperature *float64
	MaxTokens   int
	Tools       []tools.ToolDefinition
	Metadata    map[string]string
}

// Clone returns a copy whose slices and maps can be changed independently.
func (o Options) Clone() Options {
	ret := o
	if o.Tools != nil {
		ret.Tools = append([]tools.ToolDefinition(nil), o.Tools...)
	}
	if o.Metadata != nil {
		ret.Metadata = make(map[string]string, len(o.Metadata))
		for k, v := range o.Metadata {
			ret.Metadata[k] = v
		}
	}
	return ret
}

// Client is a streaming model client.
//
// Send returns an error only if the request could not be started. Failures
// after that are reported as a FragmentError on the stream.
type Client interface {
	Send(ctx context.Context, messages []conversation.Message, opts Options) (Stream, error)
}

type ClientFunc func(ctx context.Context, messages []conversation.Message, opts Options) (Stream, error)

func (f ClientFunc) Send(ctx context.Context, messages []conversation.Message, opts Options) (Stream, error) {
	return f(ctx, messages, opts)
}

// Collected is the result of draining a stream.
type Collected struct {
	Text         string
	ToolCalls    []conversation.ToolCall
	Usage        *Usage
	FinishReason string
}

// Collect drains a stream into its final text and tool calls. Tool calls are
// returned in the order their index first appeared.
func Collect(ctx context.Context, s Stream) (*Collected, error) {
	ret := &Collected{}
	order := []int{}
	calls := map[int]*conversation.ToolCall{}
	for {
		select {
		case <-ctx.Done():
			return ret, ctx.Err()
		case f, ok := <-s:
			if !ok {
				for _, idx := range order {
					ret.ToolCalls = append(ret.ToolCalls, *calls[idx])
				}
				return ret, nil
			}
			switch f.Kind {
			case FragmentText:
				ret.Text += f.Text
			case FragmentToolCall:
				tc, ok := calls[f.ToolCallIndex]
				if !ok {
					tc = &conversation.ToolCall{}
					calls[f.ToolCallIndex] = tc
					order = append(order, f.ToolCallIndex)
				}
				if f.ToolCallID != "" {
					tc.ID = f.ToolCallID
				}
				if f.ToolName != "" {
					tc.Name = f.ToolName
				}
				tc.Arguments += f.ArgsDelta
			case FragmentUsage:
				ret.Usage = f.Usage
			case FragmentDone:
				ret.FinishReason = f.FinishReason
			case FragmentError:
				return ret, f.Err
			}
		}
	}
}
