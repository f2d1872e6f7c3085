package middleware

import (
	"context"

	"github.com/go-go-golems/agentrun/pkg/conversation"
	"github.com/go-go-golems/agentrun/pkg/inference/engine"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/go-go-golems/agentrun/pkg/inference/middleware"

// NewTracingMiddleware wraps each model call in a span that ends when the
// stream is drained. A nil tracer uses the global provider.
func NewTracingMiddleware(tracer trace.Tracer) Middleware {
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return func(next engine.Client) engine.Client {
		return engine.ClientFunc(func(ctx context.Context, messages []conversation.Message, opts engine.Options) (engine.Stream, error) {
			ctx, span := tracer.Start(ctx, "model.send",
				trace.WithSpanKind(trace.SpanKindClient),
				trace.WithAttributes(
					attribute.String("agentrun.model", opts.Model),
					attribute.Int("agentrun.messages", len(messages)),
					attribute.Int("agentrun.tools", len(opts.Tools)),
				))

			in, err := next.Send(ctx, messages, opts)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				span.End()
				return nil, err
			}

			toolCalls := map[int]bool{}
			return tapStream(ctx, in, func(f engine.Fragment) []engine.Fragment {
				switch f.Kind {
				case engine.FragmentToolCall:
					toolCalls[f.ToolCallIndex] = true
				case engine.FragmentUsage:
					if f.Usage != nil {
						span.SetAttributes(
							attribute.Int("agentrun.usage.input_tokens", f.Usage.InputTokens),
							attribute.Int("agentrun.usage.output_tokens", f.Usage.OutputTokens),
						)
					}
				case engine.FragmentDone:
					span.SetAttributes(attribute.String("agentrun.finish_reason", f.FinishReason))
				case engine.FragmentError:
					span.RecordError(f.Err)
					span.SetStatus(codes.Error, f.Err.Error())
				case engine.FragmentText:
				}
				return []engine.Fragment{f}
			}, func(cancelled bool) {
				span.SetAttributes(
					attribute.Int("agentrun.tool_calls", len(toolCalls)),
					attribute.Bool("agentrun.cancelled", cancelled),
				)
				span.End()
			}), nil
		})
	}
}
