package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-go-golems/agentrun/pkg/conversation"
	"github.com/go-go-golems/agentrun/pkg/events"
	"github.com/go-go-golems/agentrun/pkg/inference/fixtures"
	"github.com/go-go-golems/agentrun/pkg/inference/tools"
	"github.com/stretchr/testify/require"
)

func sequentialIDs() func() string {
	var n int64
	return func() string {
		return fmt.Sprintf("id-%d", atomic.AddInt64(&n, 1))
	}
}

func newTestEmitter(opts ...Option) *Emitter {
	return New(append([]Option{WithIDGenerator(sequentialIDs())}, opts...)...)
}

func testRun(msgs ...conversation.Message) Run {
	if len(msgs) == 0 {
		msgs = []conversation.Message{conversation.NewUserMessage("hi")}
	}
	return Run{ThreadID: "thread-1", RunID: "run-1", Messages: msgs}
}

func weatherCatalog(t *testing.T, calls *int32) *tools.Catalog {
	def, err := tools.NewToolFromFunc("lookup_weather", "weather", func(_ context.Context, in struct {
		City string `json:"city" jsonschema:"required"`
	}) (map[string]string, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		return map[string]string{"city": in.City, "forecast": "sunny"}, nil
	})
	require.NoError(t, err)
	c, err := tools.NewCatalog(*def)
	require.NoError(t, err)
	return c
}

func requireValid(t *testing.T, sink *events.CollectingSink) []events.Event {
	evs := sink.Events()
	require.NoError(t, events.ValidateSequence(evs))
	for i, e := range evs {
		require.Equal(t, int64(i+1), e.Metadata().Seq)
		require.Equal(t, "run-1", e.Metadata().RunID)
		require.Equal(t, "thread-1", e.Metadata().ThreadID)
	}
	return evs
}

func TestEmit_PlainText(t *testing.T) {
	client := fixtures.NewScriptedClient(fixtures.Text("Hel", "", "lo"))
	sink := events.NewCollectingSink()

	res := newTestEmitter().Emit(context.Background(), testRun(), client, nil, sink)
	require.Equal(t, events.OutcomeSuccess, res.Outcome)
	requireValid(t, sink)

	require.Equal(t, []events.EventType{
		events.EventTypeRunStarted,
		events.EventTypeTextStart,
		events.EventTypeTextDelta,
		events.EventTypeTextDelta,
		events.EventTypeTextEnd,
		events.EventTypeRunFinished,
	}, sink.Types())

	require.Len(t, res.Messages, 2)
	require.Equal(t, conversation.RoleAssistant, res.Messages[1].Role)
	require.Equal(t, "Hello", res.Messages[1].Content)
}

func TestEmit_StateAndMessagesSnapshots(t *testing.T) {
	client := fixtures.NewScriptedClient(fixtures.Text("ok"))
	sink := events.NewCollectingSink()
	run := testRun()
	run.State = json.RawMessage(`{"step":1}`)
	run.SnapshotMessages = true

	newTestEmitter().Emit(context.Background(), run, client, nil, sink)
	types := sink.Types()
	require.Equal(t, events.EventTypeRunStarted, types[0])
	require.Equal(t, events.EventTypeStateSnapshot, types[1])
	require.Equal(t, events.EventTypeMessagesSnapshot, types[2])
	requireValid(t, sink)
}

func TestEmit_ServerToolContinues(t *testing.T) {
	var executed int32
	catalog := weatherCatalog(t, &executed)
	client := fixtures.NewScriptedClient(
		fixtures.Turn(
			fixtures.TextChunk("Let me check."),
			fixtures.ToolCall(0, "call-1", "lookupWeather", `{"city":`),
			fixtures.ArgsDelta(0, `"Paris"}`),
		),
		fixtures.Text("It is sunny."),
	)
	sink := events.NewCollectingSink()

	res := newTestEmitter().Emit(context.Background(), testRun(), client, catalog, sink)
	require.Equal(t, events.OutcomeSuccess, res.Outcome)
	evs := requireValid(t, sink)
	require.Equal(t, int32(1), executed)

	var start *events.ToolCallStart
	var result *events.ToolCallResult
	var textStarts []string
	for _, e := range evs {
		switch ev := e.(type) {
		case *events.ToolCallStart:
			start = ev
		case *events.ToolCallResult:
			result = ev
		case *events.TextStart:
			textStarts = append(textStarts, ev.MessageID)
		}
	}
	require.NotNil(t, start)
	require.Equal(t, textStarts[0], start.ParentMessageID)
	require.NotNil(t, result)
	require.JSONEq(t, `{"city":"Paris","forecast":"sunny"}`, result.Content)
	require.Len(t, textStarts, 2)
	require.NotEqual(t, textStarts[0], textStarts[1])

	// user, assistant with call, tool result, final assistant
	require.Len(t, res.Messages, 4)
	require.NoError(t, conversation.ValidateToolPairing(res.Messages))
	require.Equal(t, `{"city":"Paris"}`, res.Messages[1].ToolCalls[0].Arguments)
	require.Equal(t, conversation.RoleTool, res.Messages[2].Role)

	calls := client.Calls()
	require.Len(t, calls, 2)
	require.Len(t, calls[1].Messages, 3)
	require.Len(t, calls[0].Options.Tools, 1)
}

func TestEmit_TextAfterToolCallOpensNewBlock(t *testing.T) {
	catalog := weatherCatalog(t, nil)
	catalog = catalog.WithCallerTools([]tools.ToolDefinition{{Name: "create_draft"}})
	client := fixtures.NewScriptedClient(fixtures.Turn(
		fixtures.TextChunk("first"),
		fixtures.ToolCall(0, "c1", "create_draft", `{}`),
		fixtures.TextChunk("second"),
	))
	sink := events.NewCollectingSink()

	res := newTestEmitter().Emit(context.Background(), testRun(), client, catalog, sink)
	requireValid(t, sink)
	require.Equal(t, events.OutcomeInterrupt, res.Outcome)

	var ids []string
	for _, e := range sink.Events() {
		if ts, ok := e.(*events.TextStart); ok {
			ids = append(ids, ts.MessageID)
		}
	}
	require.Len(t, ids, 2)
	require.NotEqual(t, ids[0], ids[1])
	require.Len(t, res.Messages, 3)
	require.Equal(t, "first", res.Messages[1].Content)
	require.Len(t, res.Messages[1].ToolCalls, 1)
	require.Equal(t, "second", res.Messages[2].Content)
}

func TestEmit_CallerToolInterrupts(t *testing.T) {
	catalog := weatherCatalog(t, nil).WithCallerTools([]tools.ToolDefinition{{Name: "createDraft"}})
	client := fixtures.NewScriptedClient(fixtures.Turn(
		fixtures.ToolCall(0, "c1", "createDraft", `{"title":"x"}`),
	))
	sink := events.NewCollectingSink()

	res := newTestEmitter().Emit(context.Background(), testRun(), client, catalog, sink)
	evs := requireValid(t, sink)
	require.Equal(t, events.OutcomeInterrupt, res.Outcome)
	require.Len(t, res.Pending, 1)
	require.Equal(t, "c1", res.Pending[0].ID)

	for _, e := range evs {
		require.NotEqual(t, events.EventTypeToolCallResult, e.Type())
	}
	fin := evs[len(evs)-1].(*events.RunFinished)
	require.Equal(t, events.InterruptReasonToolExecution, fin.Interrupt.Reason)
	require.JSONEq(t, `{"toolCallIds":["c1"]}`, string(fin.Interrupt.Payload))
	// tool-only turn still produces an assistant message carrying the call
	require.Len(t, res.Messages, 2)
	require.Equal(t, "c1", res.Messages[1].ToolCalls[0].ID)
}

func TestEmit_ServerApprovalInterruptsThenSettles(t *testing.T) {
	var executed int32
	def, err := tools.NewToolFromFunc("delete_file", "delete", func(_ context.Context, in struct {
		Path string `json:"path"`
	}) (string, error) {
		atomic.AddInt32(&executed, 1)
		return `{"deleted":"` + in.Path + `"}`, nil
	}, tools.WithApproval())
	require.NoError(t, err)
	catalog, err := tools.NewCatalog(*def)
	require.NoError(t, err)

	client := fixtures.NewScriptedClient(fixtures.Turn(
		fixtures.ToolCall(0, "c9", "delete_file", `{"path":"/tmp/a"}`),
	))
	sink := events.NewCollectingSink()
	res := newTestEmitter().Emit(context.Background(), testRun(), client, catalog, sink)
	evs := requireValid(t, sink)
	require.Equal(t, events.OutcomeInterrupt, res.Outcome)
	require.Equal(t, int32(0), executed)

	fin := evs[len(evs)-1].(*events.RunFinished)
	require.Equal(t, "approval-c9", fin.Interrupt.ID)
	require.Equal(t, events.InterruptReasonToolApproval, fin.Interrupt.Reason)
	require.Len(t, fin.Interrupt.Options, 2)
	require.JSONEq(t, `{"toolCallId":"c9","toolName":"delete_file","args":{"path":"/tmp/a"}}`, string(fin.Interrupt.Payload))

	// approve on the next run
	client2 := fixtures.NewScriptedClient(fixtures.Text("Deleted."))
	sink2 := events.NewCollectingSink()
	run := testRun(res.Messages...)
	run.Decisions = []Decision{{Call: res.Pending[0], Approved: true}}
	res2 := newTestEmitter().Emit(context.Background(), run, client2, catalog, sink2)
	requireValid(t, sink2)
	require.Equal(t, events.OutcomeSuccess, res2.Outcome)
	require.Equal(t, int32(1), executed)
	require.Equal(t, []events.EventType{
		events.EventTypeRunStarted,
		events.EventTypeToolCallStart,
		events.EventTypeToolCallArgsEnd,
		events.EventTypeToolCallResult,
		events.EventTypeMessagesSnapshot,
		events.EventTypeTextStart,
		events.EventTypeTextDelta,
		events.EventTypeTextEnd,
		events.EventTypeRunFinished,
	}, sink2.Types())
	start := sink2.Events()[1].(*events.ToolCallStart)
	require.Equal(t, res.Messages[1].ID, start.ParentMessageID)
	require.NoError(t, conversation.ValidateToolPairing(res2.Messages))
}

func TestEmit_SettledDecisionIsRecordedInArguments(t *testing.T) {
	var executedWith json.RawMessage
	catalog, err := tools.NewCatalog(tools.ToolDefinition{
		Name:             "delete_file",
		RequiresApproval: true,
		Function: func(_ context.Context, args json.RawMessage) (interface{}, error) {
			executedWith = append(json.RawMessage(nil), args...)
			return map[string]bool{"deleted": true}, nil
		},
	})
	require.NoError(t, err)

	call := conversation.ToolCall{ID: "c9", Name: "delete_file", Arguments: `{"path":"/tmp/a"}`}
	history := []conversation.Message{
		conversation.NewUserMessage("clean up"),
		conversation.NewAssistantMessage("a1", "", call),
	}

	run := testRun(history...)
	run.Decisions = []Decision{{Call: call, Approved: true}}
	sink := events.NewCollectingSink()
	res := newTestEmitter().Emit(context.Background(), run, fixtures.NewScriptedClient(fixtures.Text("Done.")), catalog, sink)
	requireValid(t, sink)
	require.Equal(t, events.OutcomeSuccess, res.Outcome)

	want := `{"path":"/tmp/a","__approvalResponse":{"decision":"approve"}}`
	require.JSONEq(t, want, string(executedWith))
	argsEnd := sink.Events()[2].(*events.ToolCallArgsEnd)
	require.JSONEq(t, want, argsEnd.Arguments)

	// an explicit response and modified arguments
	executedWith = nil
	run.Decisions = []Decision{{
		Call:      call,
		Approved:  true,
		Arguments: `{"path":"/tmp/b"}`,
		Response:  json.RawMessage(`{"decision":"modify","by":"ops"}`),
	}}
	sink = events.NewCollectingSink()
	newTestEmitter().Emit(context.Background(), run, fixtures.NewScriptedClient(fixtures.Text("Done.")), catalog, sink)
	require.JSONEq(t, `{"path":"/tmp/b","__approvalResponse":{"decision":"modify","by":"ops"}}`, string(executedWith))

	// a denied call is not executed but the decision is still announced
	executedWith = nil
	run.Decisions = []Decision{{Call: call}}
	sink = events.NewCollectingSink()
	newTestEmitter().Emit(context.Background(), run, fixtures.NewScriptedClient(fixtures.Text("Okay.")), catalog, sink)
	require.Nil(t, executedWith)
	argsEnd = sink.Events()[2].(*events.ToolCallArgsEnd)
	require.JSONEq(t, `{"path":"/tmp/a","__approvalResponse":{"decision":"deny"}}`, argsEnd.Arguments)
}

func TestEmit_DeniedDecisionRecordsResult(t *testing.T) {
	catalog := weatherCatalog(t, nil)
	call := conversation.ToolCall{ID: "c1", Name: "lookup_weather", Arguments: `{"city":"Oslo"}`}
	history := []conversation.Message{
		conversation.NewUserMessage("weather?"),
		conversation.NewAssistantMessage("a1", "", call),
	}
	client := fixtures.NewScriptedClient(fixtures.Text("Okay, I won't."))
	sink := events.NewCollectingSink()

	run := testRun(history...)
	run.Decisions = []Decision{{Call: call}}
	res := newTestEmitter().Emit(context.Background(), run, client, catalog, sink)
	requireValid(t, sink)
	require.Equal(t, events.OutcomeSuccess, res.Outcome)
	result := sink.Events()[3].(*events.ToolCallResult)
	require.True(t, result.IsError)
	require.JSONEq(t, tools.DeniedContent, result.Content)
	require.Len(t, client.Calls()[0].Messages, 3)
}

func TestEmit_StreamingErrorDiscardsPartialText(t *testing.T) {
	client := fixtures.NewScriptedClient(fixtures.Turn(
		fixtures.TextChunk("partial"),
		fixtures.ScriptedFragment{Error: "upstream reset"},
	))
	sink := events.NewCollectingSink()

	res := newTestEmitter().Emit(context.Background(), testRun(), client, nil, sink)
	evs := requireValid(t, sink)
	require.Equal(t, events.OutcomeError, res.Outcome)
	require.Len(t, res.Messages, 1)

	runErr := evs[len(evs)-2].(*events.RunError)
	require.Equal(t, events.ErrorCodeStreaming, runErr.Code)
	require.Equal(t, "upstream reset", runErr.Message)
	fin := evs[len(evs)-1].(*events.RunFinished)
	require.Equal(t, events.OutcomeError, fin.Outcome)
}

func TestEmit_SendErrorIsStreamingError(t *testing.T) {
	client := fixtures.NewScriptedClient(fixtures.ScriptedTurn{SendError: "connection refused"})
	sink := events.NewCollectingSink()
	res := newTestEmitter().Emit(context.Background(), testRun(), client, nil, sink)
	requireValid(t, sink)
	require.Equal(t, events.OutcomeError, res.Outcome)
	require.EqualError(t, res.Err, "connection refused")
}

func TestEmit_CancellationNeverExecutesUnfinishedCalls(t *testing.T) {
	var executed int32
	catalog := weatherCatalog(t, &executed)
	client := fixtures.NewScriptedClient(fixtures.ScriptedTurn{
		Fragments: []fixtures.ScriptedFragment{
			fixtures.ToolCall(0, "c1", "lookup_weather", `{"city":`),
		},
		Hang: true,
	})
	sink := events.NewCollectingSink()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			for _, typ := range sink.Types() {
				if typ == events.EventTypeToolCallArgsDelta {
					return
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	res := newTestEmitter().Emit(ctx, testRun(), client, catalog, sink)
	evs := requireValid(t, sink)
	require.Equal(t, events.OutcomeError, res.Outcome)
	require.True(t, errors.Is(res.Err, ErrCancelled))
	require.Equal(t, int32(0), executed)

	runErr := evs[len(evs)-2].(*events.RunError)
	require.Equal(t, events.ErrorCodeCancelled, runErr.Code)
	require.Equal(t, "run cancelled", runErr.Message)
	for _, e := range evs {
		require.NotEqual(t, events.EventTypeToolCallArgsEnd, e.Type())
	}
}

func TestEmit_MaxIterations(t *testing.T) {
	catalog := weatherCatalog(t, nil)
	var turns []fixtures.ScriptedTurn
	for i := 0; i < 3; i++ {
		turns = append(turns, fixtures.Turn(fixtures.ToolCall(0, fmt.Sprintf("c%d", i), "lookup_weather", `{"city":"Rome"}`)))
	}
	client := fixtures.NewScriptedClient(turns...)
	sink := events.NewCollectingSink()

	res := newTestEmitter(WithMaxIterations(2)).Emit(context.Background(), testRun(), client, catalog, sink)
	evs := requireValid(t, sink)
	require.Equal(t, events.OutcomeError, res.Outcome)
	require.True(t, errors.Is(res.Err, ErrMaxIterations))
	require.Equal(t, events.ErrorCodeMaxIterations, evs[len(evs)-2].(*events.RunError).Code)
	require.Equal(t, 1, client.Remaining())
}

func TestEmit_UnknownTool(t *testing.T) {
	client := fixtures.NewScriptedClient(fixtures.Turn(fixtures.ToolCall(0, "c1", "launch_rocket", `{}`)))
	sink := events.NewCollectingSink()

	res := newTestEmitter().Emit(context.Background(), testRun(), client, weatherCatalog(t, nil), sink)
	evs := requireValid(t, sink)
	require.Equal(t, events.OutcomeError, res.Outcome)
	require.True(t, errors.Is(res.Err, tools.ErrToolNotFound))
	require.Equal(t, events.ErrorCodeToolNotFound, evs[len(evs)-2].(*events.RunError).Code)
}

func TestEmit_ToolCallStartWaitsForName(t *testing.T) {
	var calls int32
	client := fixtures.NewScriptedClient(
		fixtures.Turn(
			fixtures.ToolCall(0, "c1", "", `{"ci`),
			fixtures.ToolCall(0, "", "lookup_weather", `ty":`),
			fixtures.ArgsDelta(0, `"Paris"}`),
		),
		fixtures.Text("Sunny."),
	)
	sink := events.NewCollectingSink()

	res := newTestEmitter().Emit(context.Background(), testRun(), client, weatherCatalog(t, &calls), sink)
	evs := requireValid(t, sink)
	require.Equal(t, events.OutcomeSuccess, res.Outcome)
	require.Equal(t, int32(1), calls)

	require.Equal(t, []events.EventType{
		events.EventTypeRunStarted,
		events.EventTypeToolCallStart,
		events.EventTypeToolCallArgsDelta,
		events.EventTypeToolCallArgsDelta,
		events.EventTypeToolCallArgsEnd,
		events.EventTypeToolCallResult,
	}, sink.Types()[:6])
	start := evs[1].(*events.ToolCallStart)
	require.Equal(t, "c1", start.ToolCallID)
	require.Equal(t, "lookup_weather", start.ToolName)
	require.Equal(t, `{"city":`, evs[2].(*events.ToolCallArgsDelta).Delta)
	require.Equal(t, `{"city":"Paris"}`, evs[4].(*events.ToolCallArgsEnd).Arguments)
}

func TestEmit_ToolErrorIsReportedNotFatal(t *testing.T) {
	def, err := tools.NewToolFromFunc("flaky", "fails", func(context.Context, struct{}) (string, error) {
		return "", errors.New("backend unavailable")
	})
	require.NoError(t, err)
	catalog, err := tools.NewCatalog(*def)
	require.NoError(t, err)
	client := fixtures.NewScriptedClient(
		fixtures.Turn(fixtures.ToolCall(0, "c1", "flaky", `{}`)),
		fixtures.Text("Sorry."),
	)
	sink := events.NewCollectingSink()

	res := newTestEmitter().Emit(context.Background(), testRun(), client, catalog, sink)
	requireValid(t, sink)
	require.Equal(t, events.OutcomeSuccess, res.Outcome)
	require.JSONEq(t, `{"error":"backend unavailable"}`, res.Messages[2].Content)
}

func TestPublishStateDelta(t *testing.T) {
	require.ErrorIs(t, PublishStateDelta(context.Background(), events.PatchOperation{Op: "remove", Path: "/a"}), ErrNoActiveRun)

	def, err := tools.NewToolFromFunc("advance", "moves the wizard on", func(ctx context.Context, _ struct{}) (string, error) {
		return "ok", PublishStateDelta(ctx, events.PatchOperation{Op: "replace", Path: "/step", Value: json.RawMessage(`2`)})
	})
	require.NoError(t, err)
	catalog, err := tools.NewCatalog(*def)
	require.NoError(t, err)
	client := fixtures.NewScriptedClient(
		fixtures.Turn(fixtures.ToolCall(0, "c1", "advance", ``)),
		fixtures.Text("done"),
	)
	sink := events.NewCollectingSink()
	run := testRun()
	run.State = json.RawMessage(`{"step":1}`)

	newTestEmitter().Emit(context.Background(), run, client, catalog, sink)
	requireValid(t, sink)
	require.Contains(t, sink.Types(), events.EventTypeStateDelta)
}

func TestReject(t *testing.T) {
	sink := events.NewCollectingSink()
	res := newTestEmitter().Reject(testRun(), events.ErrorCodeNotFound, errors.New(`agent "x" not found`), sink)

	evs := requireValid(t, sink)
	require.Equal(t, []events.EventType{
		events.EventTypeRunStarted, events.EventTypeRunError, events.EventTypeRunFinished,
	}, sink.Types())
	require.Equal(t, events.ErrorCodeNotFound, evs[1].(*events.RunError).Code)
	require.Equal(t, events.OutcomeError, res.Outcome)
	require.Len(t, res.Messages, 1)
}
