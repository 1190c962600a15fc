// Package testutil provides fakes shared across package tests: an
// in-process fake MCP server implementing mcp.Transport, and a
// deterministic clock. Grounded on the teacher's
// tests/fixtures/mock_mcp_server.go (configurable tool list/responses,
// dispatch by JSON-RPC method name), adapted from an HTTP+SSE mock to an
// in-process mcp.Transport implementation so client/pool tests need no
// real subprocess or network listener.
package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mcp-scooter/dbshell/internal/mcp"
)

// FakeServer implements mcp.Transport entirely in-process. A Client
// driving it never spawns a subprocess; SendFrame is answered
// asynchronously by dispatching on Message.Method the same way a real
// MCP server would.
type FakeServer struct {
	mu sync.Mutex

	tools     []mcp.ToolInfo
	resources []mcp.ResourceInfo

	toolResults map[string]json.RawMessage
	toolErrors  map[string]*mcp.RPCError

	failConnectCount int
	connectAttempts  int

	contextUpdates []json.RawMessage
	closed         bool

	handler func(mcp.Message)
}

func NewFakeServer() *FakeServer {
	return &FakeServer{
		toolResults: make(map[string]json.RawMessage),
		toolErrors:  make(map[string]*mcp.RPCError),
	}
}

// WithTools sets the catalog returned by tools/list.
func (f *FakeServer) WithTools(tools ...mcp.ToolInfo) *FakeServer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools = tools
	return f
}

// WithResources sets the catalog returned by resources/list.
func (f *FakeServer) WithResources(resources ...mcp.ResourceInfo) *FakeServer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resources = resources
	return f
}

// SetToolResult configures the raw result tools/call returns for name.
func (f *FakeServer) SetToolResult(name string, result any) {
	raw, _ := json.Marshal(result)
	f.mu.Lock()
	f.toolResults[name] = raw
	f.mu.Unlock()
}

// SetToolError configures tools/call on name to fail with err.
func (f *FakeServer) SetToolError(name string, err *mcp.RPCError) {
	f.mu.Lock()
	f.toolErrors[name] = err
	f.mu.Unlock()
}

// FailConnects makes the first n initialize calls fail with a handshake
// error, succeeding from attempt n+1 onward — for exercising the
// client's reconnect-with-backoff path.
func (f *FakeServer) FailConnects(n int) *FakeServer {
	f.mu.Lock()
	f.failConnectCount = n
	f.mu.Unlock()
	return f
}

// ContextUpdates returns every notifications/context/update payload the
// client has sent, in arrival order.
func (f *FakeServer) ContextUpdates() []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]json.RawMessage(nil), f.contextUpdates...)
}

func (f *FakeServer) OnFrame(handler func(mcp.Message)) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
}

func (f *FakeServer) Close(ctx context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *FakeServer) SendFrame(msg mcp.Message) error {
	go f.dispatch(msg)
	return nil
}

func (f *FakeServer) dispatch(msg mcp.Message) {
	// requests carry a non-nil ID; notifications don't and get no reply.
	if msg.Method == "" {
		return
	}
	isNotification := msg.ID == nil

	var result json.RawMessage
	var rpcErr *mcp.RPCError

	switch msg.Method {
	case "initialize":
		f.mu.Lock()
		f.connectAttempts++
		attempt := f.connectAttempts
		failN := f.failConnectCount
		f.mu.Unlock()
		if attempt <= failN {
			rpcErr = &mcp.RPCError{Code: -32000, Message: "handshake refused"}
			break
		}
		result, _ = json.Marshal(map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]string{"name": "fake", "version": "0.0.1"},
			"capabilities":    map[string]any{},
		})

	case "tools/list":
		f.mu.Lock()
		tools := append([]mcp.ToolInfo(nil), f.tools...)
		f.mu.Unlock()
		result, _ = json.Marshal(map[string]any{"tools": toolsToWire(tools)})

	case "resources/list":
		f.mu.Lock()
		resources := append([]mcp.ResourceInfo(nil), f.resources...)
		f.mu.Unlock()
		result, _ = json.Marshal(map[string]any{"resources": resourcesToWire(resources)})

	case "resources/read":
		result, _ = json.Marshal(map[string]any{"contents": []any{}})

	case "tools/call":
		var params struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(msg.Params, &params)

		f.mu.Lock()
		if e, ok := f.toolErrors[params.Name]; ok {
			rpcErr = e
		} else if r, ok := f.toolResults[params.Name]; ok {
			result = r
		} else {
			result, _ = json.Marshal(map[string]any{
				"content": []map[string]any{{"type": "text", "text": "ok"}},
			})
		}
		f.mu.Unlock()

	case "shutdown":
		result, _ = json.Marshal(map[string]any{})

	default:
		rpcErr = &mcp.RPCError{Code: -32601, Message: "method not found"}
	}

	if isNotification {
		if msg.Method == "notifications/context/update" {
			f.mu.Lock()
			f.contextUpdates = append(f.contextUpdates, msg.Params)
			f.mu.Unlock()
		}
		return
	}

	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler == nil {
		return
	}

	reply := mcp.Message{JSONRPC: "2.0", ID: msg.ID, Result: result, Error: rpcErr}
	time.Sleep(time.Millisecond) // force a suspension point, as a real round trip would
	handler(reply)
}

func toolsToWire(tools []mcp.ToolInfo) []map[string]any {
	out := make([]map[string]any, len(tools))
	for i, t := range tools {
		out[i] = map[string]any{"name": t.Name, "description": t.Description, "inputSchema": t.InputSchema}
	}
	return out
}

func resourcesToWire(resources []mcp.ResourceInfo) []map[string]any {
	out := make([]map[string]any, len(resources))
	for i, r := range resources {
		out[i] = map[string]any{"uri": r.URI, "name": r.Name, "description": r.Description, "mimeType": r.MimeType}
	}
	return out
}
