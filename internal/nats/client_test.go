package nats

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Unreachable(t *testing.T) {
	client, err := New(context.Background(), "nats://127.0.0.1:1")
	require.Error(t, err)
	assert.Nil(t, client)
	assert.Contains(t, err.Error(), "connect to nats")
}
