package runstate

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/go-go-golems/agentrun/pkg/conversation"
	"github.com/go-go-golems/agentrun/pkg/events"
	"github.com/go-go-golems/agentrun/pkg/inference/emitter"
	"github.com/go-go-golems/agentrun/pkg/inference/fixtures"
	"github.com/go-go-golems/agentrun/pkg/inference/tools"
	"github.com/stretchr/testify/require"
)

func meta(seq int64) events.EventMetadata {
	return events.EventMetadata{ThreadID: "t1", RunID: "r1", Seq: seq}
}

func runAndIngest(t *testing.T, m *Manager, client *fixtures.ScriptedClient, catalog *tools.Catalog) (emitter.Result, []events.Event) {
	sink := events.NewCollectingSink()
	res := emitter.New().Emit(context.Background(), emitter.Run{
		ThreadID: "t1",
		RunID:    "r1",
		Messages: m.Messages(),
	}, client, catalog, sink)
	evs := sink.Events()
	for _, e := range evs {
		_, err := m.Ingest(e)
		require.NoError(t, err, "ingesting %s", e.Type())
	}
	return res, evs
}

func weatherTool(t *testing.T) tools.ToolDefinition {
	def, err := tools.NewToolFromFunc("lookup_weather", "weather", func(in struct {
		City string `json:"city"`
	}) (string, error) {
		return "sunny in " + in.City, nil
	})
	require.NoError(t, err)
	return *def
}

func TestPlainTextRun(t *testing.T) {
	m := NewManager()
	var kinds []Kind
	m.Subscribe(func(e Effect) {
		if e.Kind == EffectStateChanged {
			kinds = append(kinds, e.State.Kind)
		}
	})
	_, err := m.SendUserMessage("hi")
	require.NoError(t, err)

	res, _ := runAndIngest(t, m, fixtures.NewScriptedClient(fixtures.Text("Hello", " there")), nil)

	require.Equal(t, KindIdle, m.CurrentState().Kind)
	require.Equal(t, []Kind{KindRunning, KindStreamingText, KindRunning, KindIdle}, kinds)
	msgs := m.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "Hello there", msgs[1].Content)
	require.Equal(t, res.Messages, msgs)
}

func TestServerToolNeverAwaitsExecution(t *testing.T) {
	catalog, err := tools.NewCatalog(weatherTool(t))
	require.NoError(t, err)
	m := NewManager(WithCatalog(catalog))
	var kinds []Kind
	m.Subscribe(func(e Effect) {
		if e.Kind == EffectStateChanged {
			kinds = append(kinds, e.State.Kind)
		}
	})
	_, _ = m.SendUserMessage("weather in Paris?")

	res, _ := runAndIngest(t, m, fixtures.NewScriptedClient(
		fixtures.Turn(fixtures.ToolCall(0, "c1", "lookupWeather", `{"city":"Paris"}`)),
		fixtures.Text("Sunny."),
	), catalog)

	require.NotContains(t, kinds, KindAwaitingToolExecution)
	require.Equal(t, KindIdle, m.CurrentState().Kind)
	require.Equal(t, res.Messages, m.Messages())
	tcs := m.ToolCalls()
	require.Len(t, tcs, 1)
	require.Equal(t, StatusCompleted, tcs[0].Status)
	require.Equal(t, "sunny in Paris", tcs[0].Result)
}

func TestCallerToolAwaitsExecution(t *testing.T) {
	catalog, err := tools.NewCatalog()
	require.NoError(t, err)
	catalog = catalog.WithCallerTools([]tools.ToolDefinition{{Name: "createDraft"}})
	m := NewManager(WithCatalog(catalog))
	var pending []ToolCallInfo
	m.Subscribe(func(e Effect) {
		if e.Kind == EffectToolCallsPending {
			pending = e.ToolCalls
		}
	})
	_, _ = m.SendUserMessage("draft a mail")

	_, evs := runAndIngest(t, m, fixtures.NewScriptedClient(fixtures.Turn(
		fixtures.ToolCall(0, "c1", "createDraft", `{"to":`),
		fixtures.ArgsDelta(0, `"bob"}`),
	)), catalog)
	for _, e := range evs {
		require.NotEqual(t, events.EventTypeToolCallResult, e.Type())
	}

	st := m.CurrentState()
	require.Equal(t, KindAwaitingToolExecution, st.Kind)
	require.Equal(t, []string{"c1"}, st.PendingToolIDs)
	require.Len(t, pending, 1)
	require.Equal(t, `{"to":"bob"}`, pending[0].Arguments)
	require.Equal(t, StatusPending, pending[0].Status)
	require.Equal(t, tools.SiteCaller, pending[0].Site)

	require.NoError(t, m.AddToolResult("c1", `{"draftId":7}`, false))
	require.Equal(t, KindIdle, m.CurrentState().Kind)
	msgs := m.Messages()
	require.Len(t, msgs, 3)
	require.Equal(t, conversation.RoleTool, msgs[2].Role)
	require.NoError(t, conversation.ValidateToolPairing(msgs))
	require.Error(t, m.AddToolResult("c1", "again", false))
}

func TestErrorResultsSetErrorStatus(t *testing.T) {
	m := NewManager()
	for _, e := range []events.Event{
		events.NewRunStarted(meta(1)),
		events.NewToolCallStart(meta(2), "c1", "lookup_weather", ""),
		events.NewToolCallArgsEnd(meta(3), "c1", `{"city":"Paris"}`),
		events.NewToolCallResult(meta(4), "c1", "", `{"error":"upstream down"}`, true),
	} {
		_, err := m.Ingest(e)
		require.NoError(t, err)
	}
	tcs := m.ToolCalls()
	require.Len(t, tcs, 1)
	require.Equal(t, StatusError, tcs[0].Status)
	require.True(t, tcs[0].IsError)
	require.True(t, tcs[0].Status.Resolved())
	require.Empty(t, m.PendingCallerToolCalls())
}

func TestCallerErrorResultResolvesCall(t *testing.T) {
	catalog, err := tools.NewCatalog()
	require.NoError(t, err)
	catalog = catalog.WithCallerTools([]tools.ToolDefinition{{Name: "createDraft"}, {Name: "sendMail"}})
	m := NewManager(WithCatalog(catalog))
	_, _ = m.SendUserMessage("draft and send")

	runAndIngest(t, m, fixtures.NewScriptedClient(fixtures.Turn(
		fixtures.ToolCall(0, "c1", "createDraft", `{}`),
		fixtures.ToolCall(1, "c2", "sendMail", `{}`),
	)), catalog)
	require.Equal(t, KindAwaitingToolExecution, m.CurrentState().Kind)

	require.NoError(t, m.AddToolResult("c1", `{"error":"disk full"}`, true))
	require.Equal(t, []string{"c2"}, m.CurrentState().PendingToolIDs)
	require.Equal(t, StatusError, m.ToolCalls()[0].Status)
	require.Error(t, m.AddToolResult("c1", "again", false))

	require.NoError(t, m.AddToolResult("c2", `{"sent":true}`, false))
	require.Equal(t, KindIdle, m.CurrentState().Kind)
	tcs := m.ToolCalls()
	require.Equal(t, StatusError, tcs[0].Status)
	require.Equal(t, StatusCompleted, tcs[1].Status)
}

func TestCallerToolWithoutCatalogUsesInterruptPayload(t *testing.T) {
	catalog, _ := tools.NewCatalog()
	catalog = catalog.WithCallerTools([]tools.ToolDefinition{{Name: "pick_date"}})
	m := NewManager()
	_, _ = m.SendUserMessage("when?")
	runAndIngest(t, m, fixtures.NewScriptedClient(fixtures.Turn(fixtures.ToolCall(0, "c1", "pick_date", `{}`))), catalog)

	require.Equal(t, KindAwaitingToolExecution, m.CurrentState().Kind)
	require.Len(t, m.PendingCallerToolCalls(), 1)
}

func TestStreamingErrorDiscardsDraft(t *testing.T) {
	m := NewManager()
	_, _ = m.SendUserMessage("hi")
	runAndIngest(t, m, fixtures.NewScriptedClient(fixtures.Turn(
		fixtures.TextChunk("half a sen"),
		fixtures.ScriptedFragment{Error: "connection reset"},
	)), nil)

	st := m.CurrentState()
	require.Equal(t, KindError, st.Kind)
	require.Equal(t, "connection reset", st.Err)
	require.Len(t, m.Messages(), 1)

	_, err := m.SendUserMessage("again")
	require.ErrorIs(t, err, ErrInvalidTransition)
	m.Reset()
	require.Equal(t, KindIdle, m.CurrentState().Kind)
	_, err = m.SendUserMessage("again")
	require.NoError(t, err)
}

func TestApprovalInterrupt(t *testing.T) {
	def := weatherTool(t)
	def.RequiresApproval = true
	catalog, err := tools.NewCatalog(def)
	require.NoError(t, err)
	m := NewManager(WithCatalog(catalog))
	_, _ = m.SendUserMessage("weather?")

	runAndIngest(t, m, fixtures.NewScriptedClient(fixtures.Turn(
		fixtures.ToolCall(0, "c1", "lookup_weather", `{"city":"Oslo"}`),
	)), catalog)

	st := m.CurrentState()
	require.Equal(t, KindInterrupted, st.Kind)
	require.NotNil(t, st.Interrupt)
	require.Equal(t, "approval-c1", st.Interrupt.ID)
	require.Equal(t, StatusAwaitingApproval, m.ToolCalls()[0].Status)
	require.Empty(t, m.PendingCallerToolCalls())
}

func TestInvalidTransitionsLeaveStateUntouched(t *testing.T) {
	m := NewManager()
	_, err := m.Ingest(events.NewTextDelta(meta(1), "m1", "x"))
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, KindIdle, m.CurrentState().Kind)

	_, err = m.Ingest(events.NewRunStarted(meta(1)))
	require.NoError(t, err)
	_, err = m.Ingest(events.NewRunStarted(meta(2)))
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = m.Ingest(events.NewTextEnd(meta(3), "m1"))
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, KindRunning, m.CurrentState().Kind)

	_, err = m.Ingest(events.NewToolCallArgsDelta(meta(4), "nope", "{}"))
	require.ErrorIs(t, err, ErrUnknownToolCall)

	other := meta(5)
	other.RunID = "r2"
	_, err = m.Ingest(events.NewTextStart(other, "m1"))
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStateDocument(t *testing.T) {
	m := NewManager()
	var updates int
	m.Subscribe(func(e Effect) {
		if e.Kind == EffectStateUpdated {
			updates++
		}
	})
	_, err := m.Ingest(events.NewRunStarted(meta(1)))
	require.NoError(t, err)
	_, err = m.Ingest(events.NewStateSnapshot(meta(2), json.RawMessage(`{"step":1,"items":["a"]}`)))
	require.NoError(t, err)
	_, err = m.Ingest(events.NewStateDelta(meta(3), []events.PatchOperation{
		{Op: "replace", Path: "/step", Value: json.RawMessage(`2`)},
		{Op: "add", Path: "/items/-", Value: json.RawMessage(`"b"`)},
	}))
	require.NoError(t, err)
	require.JSONEq(t, `{"step":2,"items":["a","b"]}`, string(m.Document()))

	_, err = m.Ingest(events.NewStateDelta(meta(4), []events.PatchOperation{{Op: "move", Path: "/step"}}))
	require.Error(t, err)
	require.JSONEq(t, `{"step":2,"items":["a","b"]}`, string(m.Document()))
	require.Equal(t, 2, updates)
}

func TestMessagesSnapshotReplacesHistory(t *testing.T) {
	m := NewManager()
	_, _ = m.SendUserMessage("old")
	_, err := m.Ingest(events.NewRunStarted(meta(1)))
	require.NoError(t, err)
	replacement := []conversation.Message{conversation.NewUserMessage("new")}
	effects, err := m.Ingest(events.NewMessagesSnapshot(meta(2), replacement))
	require.NoError(t, err)
	require.Equal(t, EffectMessagesReplaced, effects[0].Kind)
	require.Equal(t, replacement, m.Messages())
}

func TestReplayIsIdempotent(t *testing.T) {
	catalog, err := tools.NewCatalog(weatherTool(t))
	require.NoError(t, err)
	m := NewManager(WithCatalog(catalog))
	_, _ = m.SendUserMessage("weather in Rome and Oslo?")
	initial := m.Snapshot()

	_, evs := runAndIngest(t, m, fixtures.NewScriptedClient(
		fixtures.Turn(
			fixtures.TextChunk("Checking both."),
			fixtures.ToolCall(0, "c1", "lookup_weather", `{"city":"Rome"}`),
			fixtures.ToolCall(1, "c2", "lookup_weather", `{"city":"Oslo"}`),
		),
		fixtures.Text("Both sunny."),
	), catalog)

	replayed := NewManager(WithCatalog(catalog))
	replayed.Restore(initial)
	for _, e := range evs {
		_, err := replayed.Ingest(e)
		require.NoError(t, err)
	}
	require.Equal(t, m.Messages(), replayed.Messages())
	require.Equal(t, m.CurrentState(), replayed.CurrentState())
}

func TestSnapshotRestoreMidRun(t *testing.T) {
	m := NewManager(WithThreadID("t1"))
	_, _ = m.SendUserMessage("hi")
	_, err := m.Ingest(events.NewRunStarted(meta(1)))
	require.NoError(t, err)
	_, err = m.Ingest(events.NewTextStart(meta(2), "m1"))
	require.NoError(t, err)

	snap := m.Snapshot()
	b, err := json.Marshal(snap)
	require.NoError(t, err)
	var decoded Snapshot
	require.NoError(t, json.Unmarshal(b, &decoded))

	restored := NewManager()
	restored.Restore(decoded)
	require.Equal(t, KindError, restored.CurrentState().Kind)
	require.Equal(t, "t1", restored.CurrentState().ThreadID)
	require.Len(t, restored.Messages(), 1)
}

func TestUnsubscribe(t *testing.T) {
	m := NewManager()
	n := 0
	unsub := m.Subscribe(func(Effect) { n++ })
	m.Reset()
	unsub()
	m.Reset()
	require.Equal(t, 1, n)
}

func TestFailAbortsActiveRunOnly(t *testing.T) {
	m := NewManager()
	m.Fail("nothing running")
	require.Equal(t, KindIdle, m.CurrentState().Kind)

	_, err := m.Ingest(events.NewRunStarted(meta(1)))
	require.NoError(t, err)
	_, err = m.Ingest(events.NewTextStart(meta(2), "m1"))
	require.NoError(t, err)
	_, err = m.Ingest(events.NewTextDelta(meta(3), "m1", "partial"))
	require.NoError(t, err)

	m.Fail("stream closed")
	st := m.CurrentState()
	require.Equal(t, KindError, st.Kind)
	require.Equal(t, "stream closed", st.Err)
	require.Empty(t, m.Messages())
}
