package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcp-scooter/dbshell/internal/errs"
	"github.com/mcp-scooter/dbshell/internal/eventbus"
	"github.com/mcp-scooter/dbshell/internal/logger"
)

// notificationBufferSize is the bounded FIFO used to hold notifications
// that arrive before the handshake completes (spec.md §4.C edge case).
const notificationBufferSize = 256

type pendingRequest struct {
	resultCh chan rpcResult
	deadline time.Time
}

type rpcResult struct {
	result json.RawMessage
	err    error
}

// Client drives one MCP server through the state machine in spec.md
// §4.3: DISCONNECTED -> CONNECTING -> CONNECTED, RECONNECTING while
// RunWithReconnect retries a failed connect, and SHUTTING_DOWN on explicit
// shutdown. A transport failure after the client is CONNECTED is not
// detected, so no reconnect starts from that state. It owns exactly one
// Transport while non-terminal.
type Client struct {
	cfg    ServerConfig
	codec  *Codec
	log    *logger.Logger
	bus    *eventbus.Bus
	newTransport func(context.Context, ServerConfig, *Codec) (Transport, error)

	mu          sync.Mutex
	state       ConnectionState
	transport   Transport
	nextID      int64
	pending     map[string]*pendingRequest
	lastContext json.RawMessage // last updateContext payload, replayed on resync
	tools       []ToolInfo
	resources   []ResourceInfo
	reconnects  int

	notifBuf chan Message

	catalogPolicy ToolCatalogPolicy

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// ToolCatalogPolicy names the choices for an in-flight callTool when
// tools/list_changed arrives mid-call. No code sets or reads a Client's
// policy: an in-flight call always runs to completion (the AllowInFlight
// behaviour), and RevalidateInFlight has no effect.
type ToolCatalogPolicy int

const (
	AllowInFlight ToolCatalogPolicy = iota
	RevalidateInFlight
)

// NewClient constructs a Client in the initial DISCONNECTED state.
func NewClient(cfg ServerConfig, codec *Codec, log *logger.Logger, bus *eventbus.Bus) *Client {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Client{
		cfg:          cfg,
		codec:        codec,
		log:          log,
		bus:          bus,
		newTransport: defaultTransportFactory,
		state:        StateDisconnected,
		pending:      make(map[string]*pendingRequest),
		notifBuf:     make(chan Message, notificationBufferSize),
		shutdownCh:   make(chan struct{}),
	}
}

func defaultTransportFactory(ctx context.Context, cfg ServerConfig, codec *Codec) (Transport, error) {
	switch cfg.Transport {
	case TransportWASM:
		t, err := NewWASMTransport(ctx, codec, cfg.WASMPath)
		if err != nil {
			return nil, err
		}
		return t, t.Start(ctx)
	default:
		t := NewProcessTransport(cfg, codec, nil)
		return t, t.Start(ctx)
	}
}

func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect performs transport start + MCP initialize handshake, then tool
// and resource discovery. On success the client is CONNECTED.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(StateConnecting)

	transport, err := c.newTransport(ctx, c.cfg, c.codec)
	if err != nil {
		c.setState(StateError)
		return errs.New(errs.KindHandshakeFailed, "create transport", err)
	}
	transport.OnFrame(c.handleFrame)

	c.mu.Lock()
	c.transport = transport
	c.mu.Unlock()

	if _, err := c.request(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]string{"name": "dbshell", "version": "0.1.0"},
		"capabilities":    map[string]any{},
	}); err != nil {
		c.setState(StateError)
		_ = transport.Close(ctx)
		return errs.New(errs.KindHandshakeFailed, fmt.Sprintf("initialize %q", c.cfg.Name), err)
	}

	c.onConnected(ctx)
	return nil
}

// onConnected runs everything the state machine does "on every entry into
// CONNECTED": context resync, discovery, event emission.
func (c *Client) onConnected(ctx context.Context) {
	c.setState(StateConnected)
	c.mu.Lock()
	c.reconnects = 0
	lastCtx := c.lastContext
	c.mu.Unlock()

	if lastCtx != nil {
		_ = c.notify(ctx, "notifications/context/update", json.RawMessage(lastCtx))
	}

	if err := c.refreshTools(ctx); err != nil && c.log != nil {
		c.log.Warn("tools/list failed after connect", map[string]any{"server": c.cfg.Name, "err": err.Error()})
	}
	if err := c.refreshResources(ctx); err != nil && c.log != nil {
		c.log.Warn("resources/list failed after connect", map[string]any{"server": c.cfg.Name, "err": err.Error()})
	}

	c.publish(eventbus.Event{Type: string(EventConnected), Payload: c.cfg.Name})
}

// request sends a JSON-RPC request and blocks until the response arrives,
// the request timeout or ctx expires, or the client shuts down. A pending
// request is not failed when the connection state changes.
func (c *Client) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := uuid.NewString()

	msg, err := NewRequest(id, method, params)
	if err != nil {
		return nil, errs.New(errs.KindInternal, "encode request", err)
	}

	pr := &pendingRequest{
		resultCh: make(chan rpcResult, 1),
		deadline: time.Now().Add(c.cfg.RequestTimeout),
	}

	c.mu.Lock()
	transport := c.transport
	c.pending[id] = pr
	c.mu.Unlock()

	if transport == nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, errs.New(errs.KindConnectionLost, "no transport", nil)
	}

	if err := transport.SendFrame(msg); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, errs.New(errs.KindTransportBroken, "send request", err)
	}

	select {
	case res := <-pr.resultCh:
		return res.result, res.err
	case <-time.After(c.cfg.RequestTimeout):
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, errs.Named(errs.KindTimeout, method, "request timed out", nil)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, errs.New(errs.KindCancelled, "request cancelled", ctx.Err())
	case <-c.shutdownCh:
		return nil, errs.New(errs.KindCancelled, "client shutting down", nil)
	}
}

func (c *Client) notify(ctx context.Context, method string, params any) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()
	if transport == nil {
		return errs.New(errs.KindConnectionLost, "no transport", nil)
	}
	return transport.SendFrame(msg)
}

// handleFrame demultiplexes an incoming frame by id (responses) or
// dispatches known notifications, per spec.md's ordering guarantee:
// "responses are delivered to the originating caller by id, not by
// arrival order."
func (c *Client) handleFrame(msg Message) {
	switch msg.Kind() {
	case KindResponse:
		c.handleResponse(msg)
	case KindNotification:
		c.handleNotification(msg)
	}
}

func (c *Client) handleResponse(msg Message) {
	id, _ := msg.ID.(string)

	c.mu.Lock()
	pr, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		// Duplicate or unknown id: drop, emit protocol_anomaly.
		c.publish(eventbus.Event{Type: string(EventProtocolAnomaly), Payload: id})
		if c.log != nil {
			c.log.Warn("response with no pending request", map[string]any{"server": c.cfg.Name, "id": id})
		}
		return
	}

	if msg.Error != nil {
		pr.resultCh <- rpcResult{err: errs.New(errs.KindProtocolSchema, msg.Error.Message, msg.Error)}
		return
	}
	pr.resultCh <- rpcResult{result: msg.Result}
}

func (c *Client) handleNotification(msg Message) {
	c.mu.Lock()
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		select {
		case c.notifBuf <- msg:
		default:
			// overflow: drop oldest
			select {
			case <-c.notifBuf:
			default:
			}
			c.notifBuf <- msg
			if c.log != nil {
				c.log.Warn("notification buffer overflow, dropped oldest", map[string]any{"server": c.cfg.Name})
			}
		}
		return
	}

	switch msg.Method {
	case "notifications/tools/list_changed":
		go c.refreshTools(context.Background())
	case "notifications/resources/list_changed":
		go c.refreshResources(context.Background())
	default:
		c.publish(eventbus.Event{Type: string(EventNotification), Payload: map[string]any{
			"server": c.cfg.Name, "method": msg.Method, "params": msg.Params,
		}})
	}
}

// ListTools issues tools/list and updates the cached catalog.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	return c.refreshToolsResult(ctx)
}

func (c *Client) refreshTools(ctx context.Context) error {
	_, err := c.refreshToolsResult(ctx)
	return err
}

func (c *Client) refreshToolsResult(ctx context.Context) ([]ToolInfo, error) {
	result, err := c.request(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, errs.New(errs.KindProtocolSchema, "parse tools/list result", err)
	}

	tools := make([]ToolInfo, 0, len(parsed.Tools))
	for _, t := range parsed.Tools {
		tools = append(tools, ToolInfo{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema, Server: c.cfg.Name})
	}

	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()

	c.publish(eventbus.Event{Type: string(EventToolsChanged), Payload: c.cfg.Name})
	return tools, nil
}

func (c *Client) ListResources(ctx context.Context) ([]ResourceInfo, error) {
	return c.refreshResourcesResult(ctx)
}

func (c *Client) refreshResources(ctx context.Context) error {
	_, err := c.refreshResourcesResult(ctx)
	return err
}

func (c *Client) refreshResourcesResult(ctx context.Context) ([]ResourceInfo, error) {
	result, err := c.request(ctx, "resources/list", nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Resources []struct {
			URI         string `json:"uri"`
			Name        string `json:"name"`
			Description string `json:"description"`
			MimeType    string `json:"mimeType"`
		} `json:"resources"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, errs.New(errs.KindProtocolSchema, "parse resources/list result", err)
	}

	resources := make([]ResourceInfo, 0, len(parsed.Resources))
	for _, r := range parsed.Resources {
		resources = append(resources, ResourceInfo{URI: r.URI, Name: r.Name, Description: r.Description, MimeType: r.MimeType, Server: c.cfg.Name})
	}

	c.mu.Lock()
	c.resources = resources
	c.mu.Unlock()

	c.publish(eventbus.Event{Type: string(EventResourcesChanged), Payload: c.cfg.Name})
	return resources, nil
}

func (c *Client) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	return c.request(ctx, "resources/read", map[string]any{"uri": uri})
}

// CallTool invokes a tool. Per the default ToolCatalogPolicy
// (AllowInFlight), a tools/list_changed notification arriving mid-call
// does not interrupt it.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	result, err := c.request(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Content []json.RawMessage `json:"content"`
		IsError bool              `json:"isError"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return result, nil // tolerate servers returning a bare result
	}
	if parsed.IsError {
		return nil, errs.Named(errs.KindToolNotFound, name, "tool returned error", fmt.Errorf("%s", string(result)))
	}
	return result, nil
}

// UpdateContext sends a context/update notification and remembers the
// payload so it is replayed on the next successful (re)connect.
func (c *Client) UpdateContext(ctx context.Context, contextObject any) error {
	raw, err := json.Marshal(contextObject)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.lastContext = raw
	c.mu.Unlock()
	return c.notify(ctx, "notifications/context/update", contextObject)
}

// Shutdown cancels pending requests with Cancelled, transitions through
// SHUTTING_DOWN, closes the transport, and becomes DISCONNECTED. Safe to
// call multiple times and from multiple goroutines; the first call wins.
func (c *Client) Shutdown(ctx context.Context) error {
	var result error
	c.shutdownOnce.Do(func() {
		close(c.shutdownCh)
		c.setState(StateShuttingDown)

		c.mu.Lock()
		pending := c.pending
		c.pending = make(map[string]*pendingRequest)
		transport := c.transport
		c.mu.Unlock()

		for _, pr := range pending {
			pr.resultCh <- rpcResult{err: errs.New(errs.KindCancelled, "client shutdown", nil)}
		}

		if transport != nil {
			result = transport.Close(ctx)
		}
		c.setState(StateDisconnected)
		c.publish(eventbus.Event{Type: string(EventDisconnected), Payload: c.cfg.Name})
	})
	return result
}

// RunWithReconnect drives Connect and, while cfg.AutoReconnect is set,
// retries with exponential backoff on failure: delay_k =
// min(maxDelay, initial*multiplier^(k-1)) perturbed by +/-jitter. After
// MaxAttempts consecutive failures the client settles into ERROR.
func (c *Client) RunWithReconnect(ctx context.Context) error {
	err := c.Connect(ctx)
	if err == nil || !c.cfg.AutoReconnect {
		return err
	}

	policy := c.cfg.Reconnect
	for attempt := 1; attempt < policy.MaxAttempts; attempt++ {
		c.setState(StateReconnecting)
		delay := reconnectDelay(policy, attempt)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return errs.New(errs.KindCancelled, "reconnect cancelled", ctx.Err())
		case <-c.shutdownCh:
			return errs.New(errs.KindCancelled, "client shutdown", nil)
		}

		c.mu.Lock()
		c.reconnects = attempt
		c.mu.Unlock()

		if err = c.Connect(ctx); err == nil {
			return nil
		}
	}

	c.setState(StateError)
	return errs.New(errs.KindConnectionLost, "reconnect attempts exhausted", err)
}

func reconnectDelay(p ReconnectPolicy, attempt int) time.Duration {
	d := float64(p.Initial)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
	}
	if time.Duration(d) > p.MaxDelay {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		delta := d * p.Jitter
		d = d - delta + rand.Float64()*2*delta
	}
	return time.Duration(d)
}

func (c *Client) publish(e eventbus.Event) {
	if c.bus != nil {
		c.bus.Publish(e)
	}
}

// Name returns the server name this client connects to.
func (c *Client) Name() string { return c.cfg.Name }

// Tools returns the cached tool catalog.
func (c *Client) Tools() []ToolInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ToolInfo(nil), c.tools...)
}

// Resources returns the cached resource catalog.
func (c *Client) Resources() []ResourceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ResourceInfo(nil), c.resources...)
}
