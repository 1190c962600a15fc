package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-scooter/dbshell/internal/testutil"
)

func newTestClient(t *testing.T, fake *testutil.FakeServer, cfg ServerConfig) *Client {
	t.Helper()
	c := NewClient(cfg, NewCodec(FramingNewlineJSON, nil), nil, nil)
	c.newTransport = func(ctx context.Context, cfg ServerConfig, codec *Codec) (Transport, error) {
		return fake, nil
	}
	return c
}

func TestConnectDiscoversToolsAndResources(t *testing.T) {
	fake := testutil.NewFakeServer().
		WithTools(ToolInfo{Name: "echo", Description: "echoes"}).
		WithResources(ResourceInfo{URI: "file:///a", Name: "a"})

	c := newTestClient(t, fake, ServerConfig{Name: "srv"})
	require.NoError(t, c.Connect(context.Background()))

	assert.Equal(t, StateConnected, c.State())
	tools := c.Tools()
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)
	assert.Equal(t, "srv", tools[0].Server)

	resources := c.Resources()
	require.Len(t, resources, 1)
	assert.Equal(t, "file:///a", resources[0].URI)
}

func TestCallToolRoundTrips(t *testing.T) {
	fake := testutil.NewFakeServer()
	fake.SetToolResult("echo", map[string]any{"content": []map[string]any{{"type": "text", "text": "hi"}}})

	c := newTestClient(t, fake, ServerConfig{Name: "srv"})
	require.NoError(t, c.Connect(context.Background()))

	result, err := c.CallTool(context.Background(), "echo", map[string]any{"message": "hi"})
	require.NoError(t, err)
	assert.Contains(t, string(result), "hi")
}

func TestCallToolSurfacesToolError(t *testing.T) {
	fake := testutil.NewFakeServer()
	fake.SetToolResult("boom", map[string]any{"isError": true, "content": []map[string]any{{"type": "text", "text": "failed"}}})

	c := newTestClient(t, fake, ServerConfig{Name: "srv"})
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.CallTool(context.Background(), "boom", nil)
	require.Error(t, err)
}

func TestUpdateContextReplayedOnReconnect(t *testing.T) {
	fake := testutil.NewFakeServer().FailConnects(0)
	c := newTestClient(t, fake, ServerConfig{Name: "srv"})
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.UpdateContext(context.Background(), map[string]any{"foo": 1}))
	time.Sleep(10 * time.Millisecond)
	require.Len(t, fake.ContextUpdates(), 1)

	// Simulate a fresh connect (as a reconnect would perform): the
	// remembered context must be replayed without the caller resending it.
	require.NoError(t, c.Connect(context.Background()))
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, fake.ContextUpdates(), 2)
}

func TestReconnectWithBackoffConvergesToConnected(t *testing.T) {
	fake := testutil.NewFakeServer().FailConnects(3)
	cfg := ServerConfig{
		Name:          "srv",
		AutoReconnect: true,
		Reconnect: ReconnectPolicy{
			MaxAttempts: 5,
			Initial:     5 * time.Millisecond,
			Multiplier:  2,
			MaxDelay:    50 * time.Millisecond,
		},
	}
	c := newTestClient(t, fake, cfg)

	err := c.RunWithReconnect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateConnected, c.State())
}

func TestShutdownCancelsPendingRequests(t *testing.T) {
	fake := testutil.NewFakeServer()
	c := newTestClient(t, fake, ServerConfig{Name: "srv"})
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, StateDisconnected, c.State())

	// A second Shutdown call must be a no-op, not a panic on double-close.
	require.NoError(t, c.Shutdown(context.Background()))
}
