package middleware

import (
	"context"

	"github.com/go-go-golems/agentrun/pkg/conversation"
	"github.com/go-go-golems/agentrun/pkg/inference/engine"
	"github.com/go-go-golems/agentrun/pkg/inference/tools"
	"github.com/rs/zerolog/log"
)

// NewToolPermissionMiddleware removes advertised tools the filter does not allow.
func NewToolPermissionMiddleware(filter tools.PermissionFilter) Middleware {
	return RequestMiddleware(func(ctx context.Context, messages []conversation.Message, opts engine.Options) (context.Context, []conversation.Message, engine.Options, error) {
		if len(opts.Tools) == 0 {
			return ctx, messages, opts, nil
		}
		before := len(opts.Tools)
		opts = opts.Clone()
		opts.Tools = filter.FilterDefinitions(opts.Tools)
		if removed := before - len(opts.Tools); removed > 0 {
			log.Debug().Int("removed", removed).Int("remaining", len(opts.Tools)).Msg("Filtered tools by permission")
		}
		return ctx, messages, opts, nil
	})
}
