package mcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticBearerAuthSetsHeader(t *testing.T) {
	a := &StaticBearerAuth{Token: "abc123"}
	h, err := a.Authorize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc123", h.Get("Authorization"))
	assert.NoError(t, a.Refresh(context.Background()))
}
