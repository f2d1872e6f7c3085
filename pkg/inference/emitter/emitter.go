package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-go-golems/agentrun/pkg/conversation"
	"github.com/go-go-golems/agentrun/pkg/events"
	"github.com/go-go-golems/agentrun/pkg/helpers"
	"github.com/go-go-golems/agentrun/pkg/inference/engine"
	"github.com/go-go-golems/agentrun/pkg/inference/tools"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultMaxIterations = 8

var (
	ErrCancelled     = errors.New("run cancelled")
	ErrMaxIterations = errors.New("maximum iterations reached")
)

// Run is everything the emitter needs for one run. Messages is the already
// snapshotted history; the emitter never mutates it.
type Run struct {
	ThreadID string
	RunID    string
	Messages []conversation.Message
	Options  engine.Options
	// State, when set, is announced as a STATE_SNAPSHOT after RUN_STARTED.
	State json.RawMessage
	// SnapshotMessages announces the full history as a MESSAGES_SNAPSHOT.
	SnapshotMessages bool
	// Decisions resolve server tool calls that were held for approval by a
	// previous run. They are settled before the model is called.
	Decisions []Decision
}

// Decision is a user's answer for one approval-gated server tool call.
type Decision struct {
	Call     conversation.ToolCall
	Approved bool
	// Arguments replaces Call.Arguments when not empty.
	Arguments string
	// Response is recorded in the settled call's arguments under
	// tools.ApprovalResponseKey. It defaults to {"decision": "approve"|"deny"}.
	Response json.RawMessage
}

func (d Decision) kind() string {
	if d.Approved {
		return "approve"
	}
	return "deny"
}

// Result summarizes a finished run for the caller of Emit.
type Result struct {
	Outcome   events.Outcome
	Messages  []conversation.Message
	Pending   []conversation.ToolCall
	Interrupt *events.InterruptInfo
	Err       error
}

type Emitter struct {
	executor      *tools.Executor
	maxIterations int
	newID         func() string
	now           func() time.Time
}

type Option func(*Emitter)

func WithExecutor(exec *tools.Executor) Option {
	return func(e *Emitter) { e.executor = exec }
}

func WithMaxIterations(n int) Option {
	return func(e *Emitter) { e.maxIterations = n }
}

func WithIDGenerator(f func() string) Option {
	return func(e *Emitter) { e.newID = f }
}

func WithClock(now func() time.Time) Option {
	return func(e *Emitter) { e.now = now }
}

func New(opts ...Option) *Emitter {
	e := &Emitter{
		executor:      tools.NewExecutor(tools.DefaultExecutorConfig()),
		maxIterations: DefaultMaxIterations,
		newID:         helpers.NewID,
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.maxIterations <= 0 {
		e.maxIterations = DefaultMaxIterations
	}
	return e
}

// runState is the per-run bookkeeping shared by the turn loop.
type runState struct {
	*Emitter
	pub     *publisher
	run     Run
	catalog *tools.Catalog
	history []conversation.Message
}

// Emit drives one run to completion and publishes its events to sink. The
// last published event is always RUN_FINISHED. Emit returns after that event
// has been handed to the sink.
func (e *Emitter) Emit(ctx context.Context, run Run, client engine.Client, catalog *tools.Catalog, sink events.EventSink) Result {
	if catalog == nil {
		catalog, _ = tools.NewCatalog()
	}
	rs := &runState{
		Emitter: e,
		pub: &publisher{
			sink:     sink,
			threadID: run.ThreadID,
			runID:    run.RunID,
			now:      e.now,
		},
		run:     run,
		catalog: catalog,
		history: conversation.Clone(run.Messages),
	}

	rs.pub.publish(func(m events.EventMetadata) events.Event { return events.NewRunStarted(m) })
	if len(run.State) > 0 {
		rs.pub.publish(func(m events.EventMetadata) events.Event { return events.NewStateSnapshot(m, run.State) })
	}

	if len(run.Decisions) > 0 {
		if res, done := rs.settleDecisions(ctx); done {
			return res
		}
	}
	if run.SnapshotMessages || len(run.Decisions) > 0 {
		msgs := conversation.Clone(rs.history)
		rs.pub.publish(func(m events.EventMetadata) events.Event { return events.NewMessagesSnapshot(m, msgs) })
	}

	ctx = tools.WithCatalog(ctx, catalog)
	opts := run.Options.Clone()
	opts.Tools = catalog.List()

	for i := 0; ; i++ {
		if i >= e.maxIterations {
			log.Warn().Int("max_iterations", e.maxIterations).Str("run_id", run.RunID).Msg("emitter: maximum iterations reached")
			return rs.fail(events.ErrorCodeMaxIterations, fmt.Sprintf("%s (%d)", ErrMaxIterations, e.maxIterations), ErrMaxIterations)
		}
		log.Debug().Int("iteration", i+1).Str("run_id", run.RunID).Msg("emitter: model turn")

		t, res, done := rs.streamTurn(ctx, client, opts)
		if done {
			return res
		}
		rs.history = append(rs.history, t.messages...)

		calls := t.finalized()
		if len(calls) == 0 {
			return rs.succeed()
		}

		var serverCalls []tools.Call
		var approvals, callers []conversation.ToolCall
		for _, c := range calls {
			r, err := catalog.Resolve(c.Name)
			if err != nil {
				return rs.fail(events.ErrorCodeToolNotFound, err.Error(), err)
			}
			switch {
			case r.Site == tools.SiteCaller:
				callers = append(callers, c)
			case r.RequiresApproval:
				approvals = append(approvals, c)
			default:
				serverCalls = append(serverCalls, tools.Call{ID: c.ID, Name: c.Name, Arguments: c.Arguments})
			}
		}

		if len(serverCalls) > 0 {
			if res, done := rs.executeServerCalls(ctx, serverCalls); done {
				return res
			}
		}

		switch {
		case len(approvals) > 0:
			return rs.interrupt(approvalInterrupt(approvals, callers), append(approvals, callers...))
		case len(callers) > 0:
			return rs.interrupt(rs.toolExecutionInterrupt(callers), callers)
		}
	}
}

func (rs *runState) executeServerCalls(ctx context.Context, calls []tools.Call) (Result, bool) {
	toolCtx := withPublisher(ctx, rs.pub)
	results := rs.executor.ExecuteAll(toolCtx, calls, func(name string) (tools.ToolDefinition, error) {
		r, err := rs.catalog.Resolve(name)
		if err != nil {
			return tools.ToolDefinition{}, err
		}
		return r.Definition, nil
	})
	if ctx.Err() != nil {
		return rs.cancelled(), true
	}
	for _, r := range results {
		rs.publishResult(r.ToolCallID, r.Content, r.IsError)
	}
	return Result{}, false
}

func (rs *runState) publishResult(toolCallID, content string, isError bool) {
	msgID := rs.newID()
	rs.pub.publish(func(m events.EventMetadata) events.Event {
		return events.NewToolCallResult(m, toolCallID, msgID, content, isError)
	})
	msg := conversation.NewToolMessage(toolCallID, content)
	msg.ID = msgID
	rs.history = append(rs.history, msg)
}

// settleDecisions replays each decided call as a complete tool call and
// records its result in the history.
func (rs *runState) settleDecisions(ctx context.Context) (Result, bool) {
	for _, d := range rs.run.Decisions {
		call := d.Call
		if d.Arguments != "" {
			call.Arguments = d.Arguments
		}
		args, _ := tools.NormalizeArguments(call.Arguments)
		if threaded, err := tools.WithApprovalResponse(args, d.kind(), d.Response); err == nil {
			call.Arguments = string(threaded)
		} else {
			log.Warn().Err(err).Str("tool_call_id", call.ID).Msg("emitter: could not record approval decision in arguments")
		}
		parent := parentOf(rs.history, call.ID)
		rs.pub.publish(func(m events.EventMetadata) events.Event {
			return events.NewToolCallStart(m, call.ID, call.Name, parent)
		})
		rs.pub.publish(func(m events.EventMetadata) events.Event {
			return events.NewToolCallArgsEnd(m, call.ID, call.Arguments)
		})

		if !d.Approved {
			rs.publishResult(call.ID, tools.DeniedContent, true)
			continue
		}
		r, err := rs.catalog.Resolve(call.Name)
		if err != nil {
			return rs.fail(events.ErrorCodeToolNotFound, err.Error(), err), true
		}
		res := rs.executor.Execute(withPublisher(ctx, rs.pub), r.Definition, tools.Call{ID: call.ID, Name: call.Name, Arguments: call.Arguments})
		if ctx.Err() != nil {
			return rs.cancelled(), true
		}
		rs.publishResult(call.ID, res.Content, res.IsError)
	}
	return Result{}, false
}

func parentOf(history []conversation.Message, toolCallID string) string {
	for i := len(history) - 1; i >= 0; i-- {
		for _, tc := range history[i].ToolCalls {
			if tc.ID == toolCallID {
				return history[i].ID
			}
		}
	}
	return ""
}

func (rs *runState) succeed() Result {
	rs.pub.publish(func(m events.EventMetadata) events.Event { return events.NewRunFinishedSuccess(m) })
	return Result{Outcome: events.OutcomeSuccess, Messages: rs.history}
}

func (rs *runState) interrupt(info events.InterruptInfo, pending []conversation.ToolCall) Result {
	rs.pub.publish(func(m events.EventMetadata) events.Event { return events.NewRunFinishedInterrupt(m, info) })
	return Result{Outcome: events.OutcomeInterrupt, Messages: rs.history, Pending: pending, Interrupt: &info}
}

func (rs *runState) fail(code, message string, err error) Result {
	rs.pub.publish(func(m events.EventMetadata) events.Event { return events.NewRunError(m, message, code) })
	rs.pub.publish(func(m events.EventMetadata) events.Event { return events.NewRunFinishedError(m, message) })
	return Result{Outcome: events.OutcomeError, Messages: rs.history, Err: err}
}

func (rs *runState) cancelled() Result {
	return rs.fail(events.ErrorCodeCancelled, ErrCancelled.Error(), ErrCancelled)
}

func (rs *runState) toolExecutionInterrupt(callers []conversation.ToolCall) events.InterruptInfo {
	ids := make([]string, 0, len(callers))
	for _, c := range callers {
		ids = append(ids, c.ID)
	}
	payload, _ := json.Marshal(map[string]interface{}{"toolCallIds": ids})
	return events.InterruptInfo{
		ID:      "tool-execution-" + rs.run.RunID,
		Reason:  events.InterruptReasonToolExecution,
		Type:    "tool_execution",
		Payload: payload,
	}
}

type approvalCall struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args"`
}

func approvalInterrupt(approvals, callers []conversation.ToolCall) events.InterruptInfo {
	first := approvals[0]
	args, _ := tools.NormalizeArguments(first.Arguments)
	payload := map[string]interface{}{
		"toolCallId": first.ID,
		"toolName":   first.Name,
		"args":       args,
	}
	if len(approvals) > 1 {
		all := make([]approvalCall, 0, len(approvals))
		for _, a := range approvals {
			callArgs, _ := tools.NormalizeArguments(a.Arguments)
			all = append(all, approvalCall{ToolCallID: a.ID, ToolName: a.Name, Args: callArgs})
		}
		payload["toolCalls"] = all
	}
	if len(callers) > 0 {
		ids := make([]string, 0, len(callers))
		for _, c := range callers {
			ids = append(ids, c.ID)
		}
		payload["callerToolCallIds"] = ids
	}
	b, _ := json.Marshal(payload)
	return events.InterruptInfo{
		ID:      "approval-" + first.ID,
		Reason:  events.InterruptReasonToolApproval,
		Type:    "approval",
		Title:   "Approve " + first.Name,
		Message: fmt.Sprintf("The assistant wants to run %s.", first.Name),
		Options: []events.InterruptOption{
			{Value: "approve", Label: "Approve"},
			{Value: "deny", Label: "Deny"},
		},
		Payload: b,
	}
}

// Reject publishes a run that failed before the model was called:
// RUN_STARTED, RUN_ERROR and RUN_FINISHED.
func (e *Emitter) Reject(run Run, code string, err error, sink events.EventSink) Result {
	rs := &runState{
		Emitter: e,
		pub: &publisher{
			sink:     sink,
			threadID: run.ThreadID,
			runID:    run.RunID,
			now:      e.now,
		},
		run:     run,
		history: conversation.Clone(run.Messages),
	}
	rs.pub.publish(func(m events.EventMetadata) events.Event { return events.NewRunStarted(m) })
	return rs.fail(code, err.Error(), err)
}
