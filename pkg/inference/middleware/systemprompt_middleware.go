package middleware

import (
	"context"

	"github.com/go-go-golems/agentrun/pkg/conversation"
	"github.com/go-go-golems/agentrun/pkg/inference/engine"
	"github.com/rs/zerolog/log"
)

// NewSystemPromptMiddleware returns a middleware that ensures a fixed system prompt
// is present in the first system message. If a system message already exists,
// the prompt text is appended to it (separated by a blank line). If no system
// message exists, a new one is inserted at the beginning of the conversation.
func NewSystemPromptMiddleware(prompt string) Middleware {
	return RequestMiddleware(func(ctx context.Context, messages []conversation.Message, opts engine.Options) (context.Context, []conversation.Message, engine.Options, error) {
		if prompt == "" {
			return ctx, messages, opts, nil
		}
		prev := prompt
		if len(prev) > 120 {
			prev = prev[:120] + "…"
		}
		log.Debug().
			Int("message_count", len(messages)).
			Int("prompt_len", len(prompt)).
			Str("prompt_preview", prev).
			Msg("systemprompt: applying")
		return ctx, conversation.AppendSystemText(messages, prompt), opts, nil
	})
}
