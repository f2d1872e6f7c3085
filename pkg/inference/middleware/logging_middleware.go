package middleware

import (
	"context"
	"time"

	"github.com/go-go-golems/agentrun/pkg/conversation"
	"github.com/go-go-golems/agentrun/pkg/inference/engine"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NewLoggingMiddleware logs each request and a summary of the streamed response.
// Individual fragments are logged at trace level.
func NewLoggingMiddleware(logger zerolog.Logger) Middleware {
	return func(next engine.Client) engine.Client {
		return engine.ClientFunc(func(ctx context.Context, messages []conversation.Message, opts engine.Options) (engine.Stream, error) {
			lg := logger
			// fall back to global if uninitialized
			if lg.GetLevel() == zerolog.NoLevel {
				lg = log.Logger
			}
			lg = lg.With().
				Str("model", opts.Model).
				Int("message_count", len(messages)).
				Int("tool_count", len(opts.Tools)).
				Logger()

			lg.Debug().Msg("model: sending request")
			start := time.Now()
			in, err := next.Send(ctx, messages, opts)
			if err != nil {
				lg.Error().Err(err).Msg("model: request failed")
				return nil, err
			}

			var textLen, toolFragments int
			var finishReason string
			var streamErr error
			return tapStream(ctx, in, func(f engine.Fragment) []engine.Fragment {
				lg.Trace().Object("fragment", f).Msg("model: fragment")
				switch f.Kind {
				case engine.FragmentText:
					textLen += len(f.Text)
				case engine.FragmentToolCall:
					toolFragments++
				case engine.FragmentDone:
					finishReason = f.FinishReason
				case engine.FragmentError:
					streamErr = f.Err
				case engine.FragmentUsage:
				}
				return []engine.Fragment{f}
			}, func(cancelled bool) {
				ev := lg.Debug()
				if streamErr != nil {
					ev = lg.Error().Err(streamErr)
				}
				ev.Dur("duration", time.Since(start)).
					Int("text_len", textLen).
					Int("tool_fragments", toolFragments).
					Str("finish_reason", finishReason).
					Bool("cancelled", cancelled).
					Msg("model: response completed")
			}), nil
		})
	}
}
