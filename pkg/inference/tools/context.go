package tools

import "context"

type ctxKey struct{}

// WithCatalog attaches the run's tool catalog to the context so server tools
// and middleware can see what the run was started with.
func WithCatalog(ctx context.Context, c *Catalog) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, c)
}

func CatalogFrom(ctx context.Context) (*Catalog, bool) {
	if ctx == nil {
		return nil, false
	}
	c, ok := ctx.Value(ctxKey{}).(*Catalog)
	if !ok || c == nil {
		return nil, false
	}
	return c, true
}
