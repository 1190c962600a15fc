package mcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-scooter/dbshell/internal/testutil"
)

// addFakeClient connects a Client backed by fake and registers it in pool
// directly, bypassing Pool.Add (which would spawn a real transport
// factory lookup irrelevant to these tests).
func addFakeClient(t *testing.T, pool *Pool, name string, fake *testutil.FakeServer) *Client {
	t.Helper()
	c := NewClient(ServerConfig{Name: name}, pool.codec, nil, nil)
	c.newTransport = func(ctx context.Context, cfg ServerConfig, codec *Codec) (Transport, error) {
		return fake, nil
	}
	require.NoError(t, c.Connect(context.Background()))

	pool.mu.Lock()
	pool.clients[name] = c
	pool.mu.Unlock()
	return c
}

func TestPoolListToolsUnionsAllClients(t *testing.T) {
	pool := NewPool(NewCodec(FramingNewlineJSON, nil), nil, nil)

	fakeA := testutil.NewFakeServer().WithTools(ToolInfo{Name: "read"})
	fakeB := testutil.NewFakeServer().WithTools(ToolInfo{Name: "write"})
	addFakeClient(t, pool, "a", fakeA)
	addFakeClient(t, pool, "b", fakeB)

	tools := pool.ListTools()
	names := make(map[string]bool)
	for _, tl := range tools {
		names[tl.Name] = true
	}
	assert.True(t, names["read"])
	assert.True(t, names["write"])
}

func TestPoolResolvesAmbiguousToolByServerPrefix(t *testing.T) {
	pool := NewPool(NewCodec(FramingNewlineJSON, nil), nil, nil)

	fakeA := testutil.NewFakeServer().WithTools(ToolInfo{Name: "run"})
	fakeB := testutil.NewFakeServer().WithTools(ToolInfo{Name: "run"})
	addFakeClient(t, pool, "a", fakeA)
	addFakeClient(t, pool, "b", fakeB)

	_, _, err := pool.resolveTool("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous-tool")

	client, tool, err := pool.resolveTool("a:run")
	require.NoError(t, err)
	assert.Equal(t, "run", tool)
	assert.Equal(t, "a", client.Name())
}

func TestPoolCallToolRoutesToOwningServer(t *testing.T) {
	pool := NewPool(NewCodec(FramingNewlineJSON, nil), nil, nil)

	fake := testutil.NewFakeServer().WithTools(ToolInfo{Name: "echo"})
	fake.SetToolResult("echo", map[string]any{"content": []map[string]any{{"type": "text", "text": "pong"}}})
	addFakeClient(t, pool, "a", fake)

	result, err := pool.CallTool(context.Background(), "echo", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Contains(t, string(result), "pong")
}

func TestPoolBroadcastContextOnlyHitsConnectedClients(t *testing.T) {
	pool := NewPool(NewCodec(FramingNewlineJSON, nil), nil, nil)
	fake := testutil.NewFakeServer()
	addFakeClient(t, pool, "a", fake)

	results := pool.BroadcastContext(context.Background(), map[string]any{"k": "v"})
	require.Contains(t, results, "a")
	assert.NoError(t, results["a"])
}
