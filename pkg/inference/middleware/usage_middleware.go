package middleware

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/agentrun/pkg/conversation"
	"github.com/go-go-golems/agentrun/pkg/inference/engine"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
)

// MetadataKeyAgentID is the Options.Metadata key carrying the agent a call is made for.
const MetadataKeyAgentID = "agentId"

type UsageStatus string

const (
	UsageStatusSuccess   UsageStatus = "success"
	UsageStatusError     UsageStatus = "error"
	UsageStatusCancelled UsageStatus = "cancelled"
)

// UsageRecord describes one model call.
type UsageRecord struct {
	Model    string
	AgentID  string
	Status   UsageStatus
	Duration time.Duration
	Usage    engine.Usage
	Err      error
}

type UsageRecorder interface {
	RecordUsage(ctx context.Context, r UsageRecord) error
}

type UsageRecorderFunc func(ctx context.Context, r UsageRecord) error

func (f UsageRecorderFunc) RecordUsage(ctx context.Context, r UsageRecord) error { return f(ctx, r) }

// NewUsageMiddleware records duration and token usage of every call. Calls
// where the provider reports no usage get an estimate. Recording failures are
// logged and never fail the call.
func NewUsageMiddleware(recorder UsageRecorder) Middleware {
	return func(next engine.Client) engine.Client {
		return engine.ClientFunc(func(ctx context.Context, messages []conversation.Message, opts engine.Options) (engine.Stream, error) {
			start := time.Now()
			rec := UsageRecord{Model: opts.Model, AgentID: opts.Metadata[MetadataKeyAgentID]}

			in, err := next.Send(ctx, messages, opts)
			if err != nil {
				rec.Status = UsageStatusError
				rec.Err = err
				rec.Duration = time.Since(start)
				record(ctx, recorder, rec)
				return nil, err
			}

			var reported *engine.Usage
			var output strings.Builder
			return tapStream(ctx, in, func(f engine.Fragment) []engine.Fragment {
				switch f.Kind {
				case engine.FragmentUsage:
					reported = f.Usage
				case engine.FragmentText:
					output.WriteString(f.Text)
				case engine.FragmentToolCall:
					output.WriteString(f.ToolName)
					output.WriteString(f.ArgsDelta)
				case engine.FragmentError:
					rec.Err = f.Err
				case engine.FragmentDone:
				}
				return []engine.Fragment{f}
			}, func(cancelled bool) {
				rec.Duration = time.Since(start)
				switch {
				case rec.Err != nil:
					rec.Status = UsageStatusError
				case cancelled:
					rec.Status = UsageStatusCancelled
				default:
					rec.Status = UsageStatusSuccess
				}
				if reported != nil {
					rec.Usage = *reported
				} else {
					rec.Usage = EstimateUsage(messages, output.String())
				}
				record(ctx, recorder, rec)
			}), nil
		})
	}
}

func record(ctx context.Context, recorder UsageRecorder, rec UsageRecord) {
	if recorder == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Msg("Usage recorder panicked")
		}
	}()
	if err := recorder.RecordUsage(context.WithoutCancel(ctx), rec); err != nil {
		log.Warn().Err(err).Str("model", rec.Model).Msg("Failed to record usage")
	}
}

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

func countTokens(s string) int {
	if s == "" {
		return 0
	}
	codecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			log.Warn().Err(err).Msg("Could not load tokenizer, falling back to character estimate")
			return
		}
		codec = c
	})
	if codec == nil {
		return (len(s) + 3) / 4
	}
	ids, _, err := codec.Encode(s)
	if err != nil {
		return (len(s) + 3) / 4
	}
	return len(ids)
}

// EstimateUsage approximates token counts with the cl100k tokenizer.
func EstimateUsage(messages []conversation.Message, output string) engine.Usage {
	in := 0
	for _, m := range messages {
		in += countTokens(m.Content)
		for _, tc := range m.ToolCalls {
			in += countTokens(tc.Name) + countTokens(tc.Arguments)
		}
	}
	return engine.Usage{InputTokens: in, OutputTokens: countTokens(output), Estimated: true}
}

// MetricsRecorder exports usage as prometheus metrics.
type MetricsRecorder struct {
	Calls    *prometheus.CounterVec
	Tokens   *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

var _ UsageRecorder = (*MetricsRecorder)(nil)

func NewMetricsRecorder(reg prometheus.Registerer) *MetricsRecorder {
	f := promauto.With(reg)
	return &MetricsRecorder{
		Calls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrun_model_calls_total",
			Help: "Total number of model calls by status",
		}, []string{"model", "status"}),
		Tokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrun_model_tokens_total",
			Help: "Tokens consumed by model calls",
		}, []string{"model", "direction", "estimated"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentrun_model_call_duration_seconds",
			Help:    "Duration of model calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"model"}),
	}
}

func (m *MetricsRecorder) RecordUsage(_ context.Context, r UsageRecord) error {
	if m == nil {
		return nil
	}
	estimated := "false"
	if r.Usage.Estimated {
		estimated = "true"
	}
	m.Calls.WithLabelValues(r.Model, string(r.Status)).Inc()
	m.Tokens.WithLabelValues(r.Model, "input", estimated).Add(float64(r.Usage.InputTokens))
	m.Tokens.WithLabelValues(r.Model, "output", estimated).Add(float64(r.Usage.OutputTokens))
	m.Duration.WithLabelValues(r.Model).Observe(r.Duration.Seconds())
	return nil
}

// LogRecorder writes usage records to the global logger.
type LogRecorder struct{}

func (LogRecorder) RecordUsage(_ context.Context, r UsageRecord) error {
	log.Info().
		Str("model", r.Model).
		Str("agent_id", r.AgentID).
		Str("status", string(r.Status)).
		Dur("duration", r.Duration).
		Int("input_tokens", r.Usage.InputTokens).
		Int("output_tokens", r.Usage.OutputTokens).
		Bool("estimated", r.Usage.Estimated).
		AnErr("err", r.Err).
		Msg("model usage")
	return nil
}
