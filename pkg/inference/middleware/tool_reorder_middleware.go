package middleware

import (
	"context"

	"github.com/go-go-golems/agentrun/pkg/conversation"
	"github.com/go-go-golems/agentrun/pkg/inference/engine"
	"github.com/go-go-golems/agentrun/pkg/inference/tools"
	"github.com/rs/zerolog/log"
)

// NewToolReorderMiddleware holds back the fragments of caller-side tool calls
// until the turn is done or the upstream stream closes, so that within one turn every server-side call
// starts before any caller-side call. The run's catalog is taken from the
// request context, falling back to the given catalog.
func NewToolReorderMiddleware(fallback *tools.Catalog) Middleware {
	return func(next engine.Client) engine.Client {
		return engine.ClientFunc(func(ctx context.Context, messages []conversation.Message, opts engine.Options) (engine.Stream, error) {
			in, err := next.Send(ctx, messages, opts)
			if err != nil {
				return nil, err
			}
			catalog, ok := tools.CatalogFrom(ctx)
			if !ok {
				catalog = fallback
			}
			if catalog == nil {
				return in, nil
			}

			callerIdx := map[int]bool{}
			seen := map[int]bool{}
			var held []engine.Fragment

			return tapStreamFlush(ctx, in, func(f engine.Fragment) []engine.Fragment {
				switch f.Kind {
				case engine.FragmentToolCall:
					if !seen[f.ToolCallIndex] {
						seen[f.ToolCallIndex] = true
						if res, err := catalog.Resolve(f.ToolName); err == nil && res.Site == tools.SiteCaller {
							callerIdx[f.ToolCallIndex] = true
						}
					}
					if callerIdx[f.ToolCallIndex] {
						held = append(held, f)
						return nil
					}
				case engine.FragmentDone:
					if len(held) > 0 {
						log.Debug().Int("held_fragments", len(held)).Msg("tool-reorder: releasing caller tool calls after server calls")
						ret := append(held, f)
						held = nil
						return ret
					}
				case engine.FragmentText, engine.FragmentUsage, engine.FragmentError:
				}
				return []engine.Fragment{f}
			}, func() []engine.Fragment {
				if len(held) > 0 {
					log.Debug().Int("held_fragments", len(held)).Msg("tool-reorder: stream closed without done, releasing caller tool calls")
				}
				ret := held
				held = nil
				return ret
			}, nil), nil
		})
	}
}
