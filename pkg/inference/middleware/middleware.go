package middleware

import (
	"context"

	"github.com/go-go-golems/agentrun/pkg/conversation"
	"github.com/go-go-golems/agentrun/pkg/inference/engine"
)

// Middleware wraps a model client with additional behavior.
// Middleware are applied in order: Chain(c, m1, m2, m3) results in m1(m2(m3(c))),
// so m1 sees each call first and each fragment last.
type Middleware func(engine.Client) engine.Client

// Chain composes middlewares around client.
func Chain(client engine.Client, middlewares ...Middleware) engine.Client {
	for i := len(middlewares) - 1; i >= 0; i-- {
		if middlewares[i] == nil {
			continue
		}
		client = middlewares[i](client)
	}
	return client
}

// RequestMiddleware builds a middleware that only rewrites the request.
func RequestMiddleware(f func(ctx context.Context, messages []conversation.Message, opts engine.Options) (context.Context, []conversation.Message, engine.Options, error)) Middleware {
	return func(next engine.Client) engine.Client {
		return engine.ClientFunc(func(ctx context.Context, messages []conversation.Message, opts engine.Options) (engine.Stream, error) {
			ctx, messages, opts, err := f(ctx, messages, opts)
			if err != nil {
				return nil, err
			}
			return next.Send(ctx, messages, opts)
		})
	}
}
