package middleware

import (
	"context"

	"github.com/go-go-golems/agentrun/pkg/contexts"
	"github.com/go-go-golems/agentrun/pkg/conversation"
	"github.com/go-go-golems/agentrun/pkg/inference/engine"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// NewContextInjectionMiddleware renders the resolved context attached to the
// request context and prepends it to the system message. On-demand resources
// are only listed; their content stays reachable through the resolved context.
func NewContextInjectionMiddleware(formatter *contexts.Formatter) Middleware {
	if formatter == nil {
		formatter = contexts.NewFormatter()
	}
	return RequestMiddleware(func(ctx context.Context, messages []conversation.Message, opts engine.Options) (context.Context, []conversation.Message, engine.Options, error) {
		rc, ok := contexts.ResolvedFromContext(ctx)
		if !ok || rc.IsEmpty() {
			return ctx, messages, opts, nil
		}
		text, err := formatter.Format(rc)
		if err != nil {
			return ctx, nil, opts, errors.Wrap(err, "could not format context")
		}
		log.Debug().Object("context", rc).Int("text_len", len(text)).Msg("Injecting resolved context")
		return ctx, conversation.PrependSystemText(messages, text), opts, nil
	})
}
