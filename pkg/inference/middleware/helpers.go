package middleware

import (
	"context"

	"github.com/go-go-golems/agentrun/pkg/inference/engine"
)

// tapStream forwards fragments from in to a new stream. onFragment may
// replace a fragment by returning zero or more fragments to forward, and
// onClose is called once in has been drained or the context was cancelled.
// The returned stream is closed after onClose returns.
func tapStream(
	ctx context.Context,
	in engine.Stream,
	onFragment func(engine.Fragment) []engine.Fragment,
	onClose func(cancelled bool),
) engine.Stream {
	return tapStreamFlush(ctx, in, onFragment, nil, onClose)
}

// tapStreamFlush is tapStream with a flush hook: once in is closed, the
// fragments returned by flush are forwarded before the stream closes.
func tapStreamFlush(
	ctx context.Context,
	in engine.Stream,
	onFragment func(engine.Fragment) []engine.Fragment,
	flush func() []engine.Fragment,
	onClose func(cancelled bool),
) engine.Stream {
	out := make(chan engine.Fragment)
	go func() {
		defer close(out)
		cancelled := false
		defer func() {
			if onClose != nil {
				onClose(cancelled)
			}
		}()
		send := func(fs []engine.Fragment) bool {
			for _, f := range fs {
				select {
				case out <- f:
				case <-ctx.Done():
					return false
				}
			}
			return true
		}
		for f := range in {
			fs := []engine.Fragment{f}
			if onFragment != nil {
				fs = onFragment(f)
			}
			if !send(fs) {
				cancelled = true
				// keep draining so the upstream producer can exit
				for range in {
				}
				return
			}
		}
		if flush != nil {
			if !send(flush()) {
				cancelled = true
				return
			}
		}
		if ctx.Err() != nil {
			cancelled = true
		}
	}()
	return out
}
