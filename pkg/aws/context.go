package aws

import (
	"context"
	"fmt"
)

type clientsKeyType string

var clientsKey clientsKeyType = "AWSClients"

// Inject stores the AWS clients bundle on the context.
func Inject(ctx context.Context, c *Clients) context.Context {
	return context.WithValue(ctx, clientsKey, c)
}

// FromContext retrieves the AWS clients bundle previously injected with Inject.
func FromContext(ctx context.Context) (*Clients, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is nil")
	}

	val := ctx.Value(clientsKey)
	if val == nil {
		return nil, fmt.Errorf("AWS clients not found in context")
	}

	c, ok := val.(*Clients)
	if !ok {
		return nil, fmt.Errorf("invalid AWS clients type in context")
	}

	return c, nil
}
