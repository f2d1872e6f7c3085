package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/agentrun/pkg/contexts"
	"github.com/go-go-golems/agentrun/pkg/conversation"
	"github.com/go-go-golems/agentrun/pkg/inference/engine"
	"github.com/go-go-golems/agentrun/pkg/inference/fixtures"
	"github.com/go-go-golems/agentrun/pkg/inference/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func recordingMiddleware(name string, calls *[]string) Middleware {
	return RequestMiddleware(func(ctx context.Context, messages []conversation.Message, opts engine.Options) (context.Context, []conversation.Message, engine.Options, error) {
		*calls = append(*calls, name)
		return ctx, messages, opts, nil
	})
}

func TestChainOrder(t *testing.T) {
	var calls []string
	client := fixtures.NewScriptedClient(fixtures.Text("hi"))
	c := Chain(client,
		recordingMiddleware("m1", &calls),
		recordingMiddleware("m2", &calls),
		nil,
		recordingMiddleware("m3", &calls),
	)
	s, err := c.Send(context.Background(), nil, engine.Options{})
	require.NoError(t, err)
	_, err = engine.Collect(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, []string{"m1", "m2", "m3"}, calls)
}

func TestSystemPromptAndContextInjection(t *testing.T) {
	client := fixtures.NewScriptedClient(fixtures.Text("ok"))
	c := Chain(client,
		NewSystemPromptMiddleware("You are a booking assistant."),
		NewContextInjectionMiddleware(nil),
	)

	rc := &contexts.ResolvedContext{
		InjectedResources: []contexts.Resource{{ID: "tone", Name: "Tone", Data: "Be friendly."}},
	}
	rc.AllResources = rc.InjectedResources
	ctx := contexts.WithResolved(context.Background(), rc)

	s, err := c.Send(ctx, []conversation.Message{conversation.NewUserMessage("hi")}, engine.Options{})
	require.NoError(t, err)
	_, err = engine.Collect(ctx, s)
	require.NoError(t, err)

	sent := client.Calls()[0].Messages
	require.Len(t, sent, 2)
	require.Equal(t, conversation.RoleSystem, sent[0].Role)
	require.True(t, strings.HasPrefix(sent[0].Content, "## Tone"))
	require.True(t, strings.HasSuffix(sent[0].Content, "You are a booking assistant."))
}

func TestContextInjectionWithoutContextIsNoop(t *testing.T) {
	client := fixtures.NewScriptedClient(fixtures.Text("ok"))
	c := Chain(client, NewContextInjectionMiddleware(contexts.NewFormatter()))
	msgs := []conversation.Message{conversation.NewUserMessage("hi")}
	s, err := c.Send(context.Background(), msgs, engine.Options{})
	require.NoError(t, err)
	_, _ = engine.Collect(context.Background(), s)
	require.Equal(t, msgs, client.Calls()[0].Messages)
}

func TestToolPermissionMiddleware(t *testing.T) {
	fn := func(context.Context, json.RawMessage) (interface{}, error) { return nil, nil }
	client := fixtures.NewScriptedClient(fixtures.Text("ok"))
	c := Chain(client, NewToolPermissionMiddleware(tools.PermissionFilter{AllowedScopes: []string{"read:*"}}))

	opts := engine.Options{Tools: []tools.ToolDefinition{
		{Name: "read_file", Scope: "read:files", Function: fn},
		{Name: "delete_file", Scope: "write:files", Function: fn},
		{Name: "pick_date", Site: tools.SiteCaller},
	}}
	s, err := c.Send(context.Background(), nil, opts)
	require.NoError(t, err)
	_, _ = engine.Collect(context.Background(), s)

	var names []string
	for _, td := range client.Calls()[0].Options.Tools {
		names = append(names, td.Name)
	}
	require.Equal(t, []string{"read_file", "pick_date"}, names)
	require.Len(t, opts.Tools, 3)
}

func TestToolReorderMiddleware_ServerCallsFirst(t *testing.T) {
	fn := func(context.Context, json.RawMessage) (interface{}, error) { return nil, nil }
	catalog, err := tools.NewCatalog(tools.ToolDefinition{Name: "search", Function: fn})
	require.NoError(t, err)
	catalog = catalog.WithCallerTools([]tools.ToolDefinition{{Name: "confirm"}})

	client := fixtures.NewScriptedClient(fixtures.Turn(
		fixtures.ToolCall(0, "c1", "confirm", `{"a":`),
		fixtures.ToolCall(1, "c2", "search", `{"q":"x"}`),
		fixtures.ArgsDelta(0, `1}`),
	))
	c := Chain(client, NewToolReorderMiddleware(nil))
	ctx := tools.WithCatalog(context.Background(), catalog)

	s, err := c.Send(ctx, nil, engine.Options{})
	require.NoError(t, err)
	got, err := engine.Collect(ctx, s)
	require.NoError(t, err)
	require.Len(t, got.ToolCalls, 2)
	require.Equal(t, "c2", got.ToolCalls[0].ID)
	require.Equal(t, "c1", got.ToolCalls[1].ID)
	require.Equal(t, `{"a":1}`, got.ToolCalls[1].Arguments)
}

func TestToolReorderMiddleware_ReleasesHeldCallsWhenStreamCloses(t *testing.T) {
	catalog, err := tools.NewCatalog()
	require.NoError(t, err)
	catalog = catalog.WithCallerTools([]tools.ToolDefinition{{Name: "create_draft"}})

	upstream := engine.ClientFunc(func(context.Context, []conversation.Message, engine.Options) (engine.Stream, error) {
		ch := make(chan engine.Fragment, 2)
		ch <- engine.TextFragment("drafting")
		ch <- engine.ToolCallFragment(0, "c1", "create_draft", `{"title":"x"}`)
		close(ch)
		return ch, nil
	})
	c := Chain(upstream, NewToolReorderMiddleware(catalog))

	s, err := c.Send(context.Background(), nil, engine.Options{})
	require.NoError(t, err)
	got, err := engine.Collect(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, "drafting", got.Text)
	require.Len(t, got.ToolCalls, 1)
	require.Equal(t, "c1", got.ToolCalls[0].ID)
	require.Equal(t, `{"title":"x"}`, got.ToolCalls[0].Arguments)
}

func TestReorderToolResults(t *testing.T) {
	msgs := []conversation.Message{
		conversation.NewUserMessage("go"),
		conversation.NewAssistantMessage("a1", "", conversation.ToolCall{ID: "c1"}, conversation.ToolCall{ID: "c2"}),
		conversation.NewToolMessage("c2", "two"),
		conversation.NewUserMessage("also this"),
		conversation.NewToolMessage("c1", "one"),
	}
	out, moved := ReorderToolResults(msgs)
	require.Equal(t, 2, moved)
	require.Len(t, out, 5)
	require.Equal(t, "c1", out[2].ToolCallID)
	require.Equal(t, "c2", out[3].ToolCallID)
	require.Equal(t, "also this", out[4].Content)

	_, moved = ReorderToolResults(out)
	require.Equal(t, 0, moved)
}

func TestUsageMiddleware_ReportedUsage(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewMetricsRecorder(reg)

	client := fixtures.NewScriptedClient(fixtures.Turn(
		fixtures.TextChunk("hello"),
		fixtures.ScriptedFragment{Usage: &engine.Usage{InputTokens: 10, OutputTokens: 3}},
	))
	c := Chain(client, NewUsageMiddleware(rec))
	s, err := c.Send(context.Background(), nil, engine.Options{Model: "m"})
	require.NoError(t, err)
	_, err = engine.Collect(context.Background(), s)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(rec.Calls.WithLabelValues("m", "success")) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, float64(10), testutil.ToFloat64(rec.Tokens.WithLabelValues("m", "input", "false")))
	require.Equal(t, float64(3), testutil.ToFloat64(rec.Tokens.WithLabelValues("m", "output", "false")))
}

func TestUsageMiddleware_EstimatesAndNeverFails(t *testing.T) {
	var mu sync.Mutex
	var records []UsageRecord
	rec := UsageRecorderFunc(func(_ context.Context, r UsageRecord) error {
		mu.Lock()
		defer mu.Unlock()
		records = append(records, r)
		return errors.New("recorder down")
	})

	client := fixtures.NewScriptedClient(fixtures.Text("hello there"), fixtures.ScriptedTurn{SendError: "nope"})
	c := Chain(client, NewUsageMiddleware(rec))

	s, err := c.Send(context.Background(), []conversation.Message{conversation.NewUserMessage("hi there")}, engine.Options{
		Model:    "m",
		Metadata: map[string]string{MetadataKeyAgentID: "agent-1"},
	})
	require.NoError(t, err)
	got, err := engine.Collect(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, "hello there", got.Text)

	_, err = c.Send(context.Background(), nil, engine.Options{Model: "m"})
	require.EqualError(t, err, "nope")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(records) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	var success, failed UsageRecord
	for _, r := range records {
		if r.Status == UsageStatusSuccess {
			success = r
		} else {
			failed = r
		}
	}
	require.True(t, success.Usage.Estimated)
	require.Greater(t, success.Usage.InputTokens, 0)
	require.Greater(t, success.Usage.OutputTokens, 0)
	require.Equal(t, "agent-1", success.AgentID)
	require.Equal(t, UsageStatusError, failed.Status)
}

func TestLoggingMiddlewarePassesThrough(t *testing.T) {
	client := fixtures.NewScriptedClient(fixtures.Text("a", "b"))
	c := Chain(client, NewLoggingMiddleware(zerolog.Nop()))
	s, err := c.Send(context.Background(), nil, engine.Options{})
	require.NoError(t, err)
	got, err := engine.Collect(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, "ab", got.Text)
}

type recordingTracer struct {
	noop.Tracer
	mu    sync.Mutex
	names []string
}

func (r *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.mu.Unlock()
	return r.Tracer.Start(ctx, name, opts...)
}

func TestTracingMiddleware(t *testing.T) {
	tracer := &recordingTracer{}
	client := fixtures.NewScriptedClient(fixtures.Text("ok"), fixtures.Turn(fixtures.ScriptedFragment{Error: "upstream"}))
	c := Chain(client, NewTracingMiddleware(tracer))

	s, err := c.Send(context.Background(), nil, engine.Options{Model: "m"})
	require.NoError(t, err)
	_, err = engine.Collect(context.Background(), s)
	require.NoError(t, err)

	s, err = c.Send(context.Background(), nil, engine.Options{Model: "m"})
	require.NoError(t, err)
	_, err = engine.Collect(context.Background(), s)
	require.EqualError(t, err, "upstream")

	require.Equal(t, []string{"model.send", "model.send"}, tracer.names)
}
