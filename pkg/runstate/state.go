package runstate

import (
	"encoding/json"

	"github.com/go-go-golems/agentrun/pkg/conversation"
	"github.com/go-go-golems/agentrun/pkg/events"
	"github.com/go-go-golems/agentrun/pkg/inference/tools"
	"github.com/rs/zerolog"
)

// Kind is the lifecycle phase of the consumer's view of a run.
type Kind string

const (
	KindIdle                  Kind = "idle"
	KindRunning               Kind = "running"
	KindStreamingText         Kind = "streaming_text"
	KindAwaitingToolExecution Kind = "awaiting_tool_execution"
	KindInterrupted           Kind = "interrupted"
	KindError                 Kind = "error"
)

// Active reports whether events of a run in progress may be applied.
func (k Kind) Active() bool {
	return k == KindRunning || k == KindStreamingText
}

// State is a tagged variant: which fields are meaningful depends on Kind.
type State struct {
	Kind     Kind   `json:"kind" yaml:"kind"`
	ThreadID string `json:"threadId,omitempty" yaml:"threadId,omitempty"`
	RunID    string `json:"runId,omitempty" yaml:"runId,omitempty"`
	// MessageID is the text message being streamed (StreamingText).
	MessageID string `json:"messageId,omitempty" yaml:"messageId,omitempty"`
	// PendingToolIDs are caller-side calls waiting for execution (AwaitingToolExecution).
	PendingToolIDs []string              `json:"pendingToolIds,omitempty" yaml:"pendingToolIds,omitempty"`
	Interrupt      *events.InterruptInfo `json:"interrupt,omitempty" yaml:"interrupt,omitempty"`
	Err            string                `json:"error,omitempty" yaml:"error,omitempty"`
}

func (s State) MarshalZerologObject(e *zerolog.Event) {
	e.Str("kind", string(s.Kind))
	if s.RunID != "" {
		e.Str("run_id", s.RunID)
	}
	if s.MessageID != "" {
		e.Str("message_id", s.MessageID)
	}
	if len(s.PendingToolIDs) > 0 {
		e.Strs("pending_tool_ids", s.PendingToolIDs)
	}
	if s.Interrupt != nil {
		e.Str("interrupt_reason", s.Interrupt.Reason)
	}
	if s.Err != "" {
		e.Str("error", s.Err)
	}
}

type ToolCallStatus string

const (
	StatusPending          ToolCallStatus = "pending"
	StatusStreaming        ToolCallStatus = "streaming"
	StatusAwaitingApproval ToolCallStatus = "awaiting_approval"
	StatusExecuting        ToolCallStatus = "executing"
	StatusCompleted        ToolCallStatus = "completed"
	StatusError            ToolCallStatus = "error"
)

// Resolved reports whether a call with this status has its result.
func (s ToolCallStatus) Resolved() bool {
	return s == StatusCompleted || s == StatusError
}

func resultStatus(isError bool) ToolCallStatus {
	if isError {
		return StatusError
	}
	return StatusCompleted
}

// ToolCallInfo is the consumer's record of one tool call.
type ToolCallInfo struct {
	ID               string              `json:"id" yaml:"id"`
	Name             string              `json:"name" yaml:"name"`
	ParentMessageID  string              `json:"parentMessageId,omitempty" yaml:"parentMessageId,omitempty"`
	Arguments        string              `json:"arguments" yaml:"arguments"`
	Finalized        bool                `json:"finalized" yaml:"finalized"`
	Status           ToolCallStatus      `json:"status" yaml:"status"`
	Site             tools.ExecutionSite `json:"site,omitempty" yaml:"site,omitempty"`
	RequiresApproval bool                `json:"requiresApproval,omitempty" yaml:"requiresApproval,omitempty"`
	Result           string              `json:"result,omitempty" yaml:"result,omitempty"`
	IsError          bool                `json:"isError,omitempty" yaml:"isError,omitempty"`
}

// Call returns the finalized call in the form tools are executed with.
func (t ToolCallInfo) Call() tools.Call {
	return tools.Call{ID: t.ID, Name: t.Name, Arguments: t.Arguments}
}

type EffectKind string

const (
	EffectStateChanged     EffectKind = "state_changed"
	EffectToolCallsPending EffectKind = "tool_calls_pending"
	EffectStateUpdated     EffectKind = "state_updated"
	EffectMessagesReplaced EffectKind = "messages_replaced"
)

// Effect is an externally visible consequence of ingesting an event.
type Effect struct {
	Kind      EffectKind             `json:"kind"`
	State     State                  `json:"state,omitempty"`
	ToolCalls []ToolCallInfo         `json:"toolCalls,omitempty"`
	Document  json.RawMessage        `json:"document,omitempty"`
	Messages  []conversation.Message `json:"messages,omitempty"`
}

// Snapshot is the persisted form of a Manager.
type Snapshot struct {
	State     State                  `json:"state" yaml:"state"`
	Messages  []conversation.Message `json:"messages" yaml:"messages"`
	ToolCalls []ToolCallInfo         `json:"toolCalls,omitempty" yaml:"toolCalls,omitempty"`
	Document  json.RawMessage        `json:"document,omitempty" yaml:"-"`
}
