package flags

import (
	"context"
)

type runtimeKeyType string

var runtimeKey runtimeKeyType = "Runtime"

// Inject stores the runtime flags on the context.
func (c Runtime) Inject(ctx context.Context) context.Context {
	return context.WithValue(ctx, runtimeKey, c)
}

// FromContext retrieves runtime flags previously injected with Inject.
func FromContext(ctx context.Context) *Runtime {
	c, _ := ctx.Value(runtimeKey).(*Runtime)
	return c
}
