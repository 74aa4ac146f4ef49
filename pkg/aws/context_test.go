package aws

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromContext_NilContext(t *testing.T) {
	clients, err := FromContext(nil)
	assert.Error(t, err)
	assert.Nil(t, clients)
	assert.Contains(t, err.Error(), "context is nil")
}

func TestFromContext_NoClients(t *testing.T) {
	ctx := context.Background()
	clients, err := FromContext(ctx)
	assert.Error(t, err)
	assert.Nil(t, clients)
	assert.Contains(t, err.Error(), "AWS clients not found in context")
}

func TestFromContext_ValidClients(t *testing.T) {
	ctx := context.Background()
	expected := &Clients{}

	ctx = Inject(ctx, expected)

	clients, err := FromContext(ctx)
	assert.NoError(t, err)
	assert.NotNil(t, clients)
	assert.Same(t, expected, clients)
}

func TestFromContext_WrongType(t *testing.T) {
	ctx := context.Background()
	ctx = context.WithValue(ctx, clientsKey, "not clients")

	clients, err := FromContext(ctx)
	assert.Error(t, err)
	assert.Nil(t, clients)
	assert.Contains(t, err.Error(), "invalid AWS clients type in context")
}
