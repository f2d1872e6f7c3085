package events

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/agentrun/pkg/conversation"
)

type EventType string

const (
	EventTypeRunStarted  EventType = "RUN_STARTED"
	EventTypeRunFinished EventType = "RUN_FINISHED"
	EventTypeRunError    EventType = "RUN_ERROR"

	EventTypeTextStart EventType = "TEXT_MESSAGE_START"
	EventTypeTextDelta EventType = "TEXT_MESSAGE_CONTENT"
	EventTypeTextEnd   EventType = "TEXT_MESSAGE_END"

	EventTypeToolCallStart     EventType = "TOOL_CALL_START"
	EventTypeToolCallArgsDelta EventType = "TOOL_CALL_ARGS"
	EventTypeToolCallArgsEnd   EventType = "TOOL_CALL_END"
	EventTypeToolCallResult    EventType = "TOOL_CALL_RESULT"

	EventTypeStateSnapshot    EventType = "STATE_SNAPSHOT"
	EventTypeStateDelta       EventType = "STATE_DELTA"
	EventTypeMessagesSnapshot EventType = "MESSAGES_SNAPSHOT"
)

// Error codes carried by RunError.
const (
	ErrorCodeStreaming     = "STREAMING_ERROR"
	ErrorCodeCancelled     = "CANCELLED"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInactive      = "INACTIVE"
	ErrorCodeToolNotFound  = "TOOL_NOT_FOUND"
	ErrorCodeMaxIterations = "MAX_ITERATIONS"
	ErrorCodeInternal      = "INTERNAL_ERROR"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	SetMetadata(EventMetadata)
}

// EventMetadata identifies the run an event belongs to. Seq is assigned by the
// emitter and strictly increases within a run.
type EventMetadata struct {
	ThreadID  string    `json:"threadId" yaml:"threadId"`
	RunID     string    `json:"runId" yaml:"runId"`
	Seq       int64     `json:"seq" yaml:"seq"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("thread_id", em.ThreadID).Str("run_id", em.RunID).Int64("seq", em.Seq)
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta"`
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) SetMetadata(m EventMetadata) {
	e.Metadata_ = m
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

var _ Event = &EventImpl{}

type RunStarted struct {
	EventImpl
}

func NewRunStarted(metadata EventMetadata) *RunStarted {
	return &RunStarted{EventImpl: EventImpl{Type_: EventTypeRunStarted, Metadata_: metadata}}
}

var _ Event = &RunStarted{}

type TextStart struct {
	EventImpl
	MessageID string            `json:"messageId"`
	Role      conversation.Role `json:"role"`
}

func NewTextStart(metadata EventMetadata, messageID string) *TextStart {
	return &TextStart{
		EventImpl: EventImpl{Type_: EventTypeTextStart, Metadata_: metadata},
		MessageID: messageID,
		Role:      conversation.RoleAssistant,
	}
}

var _ Event = &TextStart{}

type TextDelta struct {
	EventImpl
	MessageID string `json:"messageId"`
	Delta     string `json:"delta"`
}

func NewTextDelta(metadata EventMetadata, messageID string, delta string) *TextDelta {
	return &TextDelta{
		EventImpl: EventImpl{Type_: EventTypeTextDelta, Metadata_: metadata},
		MessageID: messageID,
		Delta:     delta,
	}
}

var _ Event = &TextDelta{}

type TextEnd struct {
	EventImpl
	MessageID string `json:"messageId"`
}

func NewTextEnd(metadata EventMetadata, messageID string) *TextEnd {
	return &TextEnd{
		EventImpl: EventImpl{Type_: EventTypeTextEnd, Metadata_: metadata},
		MessageID: messageID,
	}
}

var _ Event = &TextEnd{}

type ToolCallStart struct {
	EventImpl
	ToolCallID      string `json:"toolCallId"`
	ToolName        string `json:"toolCallName"`
	ParentMessageID string `json:"parentMessageId,omitempty"`
}

func NewToolCallStart(metadata EventMetadata, toolCallID, toolName, parentMessageID string) *ToolCallStart {
	return &ToolCallStart{
		EventImpl:       EventImpl{Type_: EventTypeToolCallStart, Metadata_: metadata},
		ToolCallID:      toolCallID,
		ToolName:        toolName,
		ParentMessageID: parentMessageID,
	}
}

var _ Event = &ToolCallStart{}

type ToolCallArgsDelta struct {
	EventImpl
	ToolCallID string `json:"toolCallId"`
	Delta      string `json:"delta"`
}

func NewToolCallArgsDelta(metadata EventMetadata, toolCallID, delta string) *ToolCallArgsDelta {
	return &ToolCallArgsDelta{
		EventImpl:  EventImpl{Type_: EventTypeToolCallArgsDelta, Metadata_: metadata},
		ToolCallID: toolCallID,
		Delta:      delta,
	}
}

var _ Event = &ToolCallArgsDelta{}

type ToolCallArgsEnd struct {
	EventImpl
	ToolCallID string `json:"toolCallId"`
	Arguments  string `json:"arguments"`
}

func NewToolCallArgsEnd(metadata EventMetadata, toolCallID, arguments string) *ToolCallArgsEnd {
	return &ToolCallArgsEnd{
		EventImpl:  EventImpl{Type_: EventTypeToolCallArgsEnd, Metadata_: metadata},
		ToolCallID: toolCallID,
		Arguments:  arguments,
	}
}

var _ Event = &ToolCallArgsEnd{}

type ToolCallResult struct {
	EventImpl
	ToolCallID string `json:"toolCallId"`
	MessageID  string `json:"messageId"`
	Content    string `json:"content"`
	IsError    bool   `json:"isError,omitempty"`
}

func NewToolCallResult(metadata EventMetadata, toolCallID, messageID, content string, isError bool) *ToolCallResult {
	return &ToolCallResult{
		EventImpl:  EventImpl{Type_: EventTypeToolCallResult, Metadata_: metadata},
		ToolCallID: toolCallID,
		MessageID:  messageID,
		Content:    content,
		IsError:    isError,
	}
}

var _ Event = &ToolCallResult{}

type StateSnapshot struct {
	EventImpl
	Snapshot json.RawMessage `json:"snapshot"`
}

func NewStateSnapshot(metadata EventMetadata, snapshot json.RawMessage) *StateSnapshot {
	return &StateSnapshot{
		EventImpl: EventImpl{Type_: EventTypeStateSnapshot, Metadata_: metadata},
		Snapshot:  snapshot,
	}
}

var _ Event = &StateSnapshot{}

// PatchOperation is one JSON Patch (RFC 6902) operation. Only add, replace and
// remove are produced and understood.
type PatchOperation struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

type StateDelta struct {
	EventImpl
	Delta []PatchOperation `json:"delta"`
}

func NewStateDelta(metadata EventMetadata, delta []PatchOperation) *StateDelta {
	return &StateDelta{
		EventImpl: EventImpl{Type_: EventTypeStateDelta, Metadata_: metadata},
		Delta:     delta,
	}
}

var _ Event = &StateDelta{}

type MessagesSnapshot struct {
	EventImpl
	Messages []conversation.Message `json:"messages"`
}

func NewMessagesSnapshot(metadata EventMetadata, messages []conversation.Message) *MessagesSnapshot {
	return &MessagesSnapshot{
		EventImpl: EventImpl{Type_: EventTypeMessagesSnapshot, Metadata_: metadata},
		Messages:  conversation.Clone(messages),
	}
}

var _ Event = &MessagesSnapshot{}

type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeInterrupt Outcome = "interrupt"
	OutcomeError     Outcome = "error"
)

// Interrupt reasons produced by the emitter.
const (
	InterruptReasonToolExecution = "tool_execution"
	InterruptReasonToolApproval  = "tool_approval"
)

type InterruptOption struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// InterruptInfo describes a pause that needs caller or user input. The run
// that answers it is a new run.
type InterruptInfo struct {
	ID          string            `json:"id"`
	Reason      string            `json:"reason"`
	Type        string            `json:"type,omitempty"`
	Title       string            `json:"title,omitempty"`
	Message     string            `json:"message,omitempty"`
	Options     []InterruptOption `json:"options,omitempty"`
	InputConfig json.RawMessage   `json:"inputConfig,omitempty"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
}

type RunFinished struct {
	EventImpl
	Outcome   Outcome         `json:"outcome"`
	Interrupt *InterruptInfo  `json:"interrupt,omitempty"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

func NewRunFinishedSuccess(metadata EventMetadata) *RunFinished {
	return &RunFinished{
		EventImpl: EventImpl{Type_: EventTypeRunFinished, Metadata_: metadata},
		Outcome:   OutcomeSuccess,
	}
}

func NewRunFinishedInterrupt(metadata EventMetadata, interrupt InterruptInfo) *RunFinished {
	return &RunFinished{
		EventImpl: EventImpl{Type_: EventTypeRunFinished, Metadata_: metadata},
		Outcome:   OutcomeInterrupt,
		Interrupt: &interrupt,
	}
}

func NewRunFinishedError(metadata EventMetadata, err string) *RunFinished {
	return &RunFinished{
		EventImpl: EventImpl{Type_: EventTypeRunFinished, Metadata_: metadata},
		Outcome:   OutcomeError,
		Error:     err,
	}
}

func (e *RunFinished) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("outcome", string(e.Outcome))
	if e.Interrupt != nil {
		ev.Str("interrupt_reason", e.Interrupt.Reason)
	}
	if e.Error != "" {
		ev.Str("error", e.Error)
	}
}

var _ Event = &RunFinished{}

type RunError struct {
	EventImpl
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func NewRunError(metadata EventMetadata, message string, code string) *RunError {
	return &RunError{
		EventImpl: EventImpl{Type_: EventTypeRunError, Metadata_: metadata},
		Message:   message,
		Code:      code,
	}
}

func (e *RunError) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("message", e.Message).Str("code", e.Code)
}

var _ Event = &RunError{}

// IsTerminal reports whether e ends a run's event stream.
func IsTerminal(e Event) bool {
	return e != nil && e.Type() == EventTypeRunFinished
}

// ContentTypeNDJSON is the content type of event streams with one JSON
// encoded event per line.
const ContentTypeNDJSON = "application/x-ndjson"

// NewEventFromJson decodes a single wire event. External decoders registered
// with RegisterEventCodec take precedence over the built-in types.
func NewEventFromJson(b []byte) (Event, error) {
	var hdr struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(b, &hdr); err != nil {
		return nil, errors.Wrap(err, "could not decode event header")
	}
	if hdr.Type == "" {
		return nil, errors.New("event has no type")
	}

	if dec := lookupDecoder(string(hdr.Type)); dec != nil {
		return dec(b)
	}

	switch hdr.Type {
	case EventTypeRunStarted:
		return decodeTyped[RunStarted](b)
	case EventTypeTextStart:
		return decodeTyped[TextStart](b)
	case EventTypeTextDelta:
		return decodeTyped[TextDelta](b)
	case EventTypeTextEnd:
		return decodeTyped[TextEnd](b)
	case EventTypeToolCallStart:
		return decodeTyped[ToolCallStart](b)
	case EventTypeToolCallArgsDelta:
		return decodeTyped[ToolCallArgsDelta](b)
	case EventTypeToolCallArgsEnd:
		return decodeTyped[ToolCallArgsEnd](b)
	case EventTypeToolCallResult:
		return decodeTyped[ToolCallResult](b)
	case EventTypeStateSnapshot:
		return decodeTyped[StateSnapshot](b)
	case EventTypeStateDelta:
		return decodeTyped[StateDelta](b)
	case EventTypeMessagesSnapshot:
		return decodeTyped[MessagesSnapshot](b)
	case EventTypeRunFinished:
		return decodeTyped[RunFinished](b)
	case EventTypeRunError:
		return decodeTyped[RunError](b)
	}

	return nil, errors.Errorf("unknown event type %q", hdr.Type)
}

// decodeTyped unmarshals into *T, which must implement Event through its
// embedded EventImpl.
func decodeTyped[T any](b []byte) (Event, error) {
	ret := new(T)
	if err := json.Unmarshal(b, ret); err != nil {
		return nil, errors.Wrapf(err, "could not decode %T", ret)
	}
	ev, ok := any(ret).(Event)
	if !ok {
		return nil, errors.Errorf("%T is not an event", ret)
	}
	return ev, nil
}
