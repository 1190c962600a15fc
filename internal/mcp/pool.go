package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/mcp-scooter/dbshell/internal/errs"
	"github.com/mcp-scooter/dbshell/internal/eventbus"
	"github.com/mcp-scooter/dbshell/internal/logger"
)

// Pool owns a named map of Clients (spec.md §4.D). Iteration holds a read
// lock; mutation holds a write lock (spec.md §5 "Shared resources").
type Pool struct {
	mu      sync.RWMutex
	clients map[string]*Client
	codec   *Codec
	log     *logger.Logger
	bus     *eventbus.Bus

	catalogPolicy ToolCatalogPolicy
}

func NewPool(codec *Codec, log *logger.Logger, bus *eventbus.Bus) *Pool {
	return &Pool{
		clients: make(map[string]*Client),
		codec:   codec,
		log:     log,
		bus:     bus,
	}
}

// Add connects a new named client and adds it to the pool.
func (p *Pool) Add(ctx context.Context, cfg ServerConfig) error {
	client := NewClient(cfg, p.codec, p.log, p.bus)

	p.mu.Lock()
	if _, exists := p.clients[cfg.Name]; exists {
		p.mu.Unlock()
		return errs.Named(errs.KindConfig, cfg.Name, "server already registered", nil)
	}
	p.clients[cfg.Name] = client
	p.mu.Unlock()

	if err := client.RunWithReconnect(ctx); err != nil {
		p.mu.Lock()
		delete(p.clients, cfg.Name)
		p.mu.Unlock()
		return err
	}
	return nil
}

// Remove shuts down and forgets a named client.
func (p *Pool) Remove(ctx context.Context, name string) error {
	p.mu.Lock()
	client, ok := p.clients[name]
	delete(p.clients, name)
	p.mu.Unlock()

	if !ok {
		return errs.Named(errs.KindResourceNotFound, name, "server not registered", nil)
	}
	return client.Shutdown(ctx)
}

// Get returns the named client, if registered.
func (p *Pool) Get(name string) (*Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.clients[name]
	return c, ok
}

// ListTools returns the union of every connected client's tool catalog,
// each entry annotated with its owning server.
func (p *Pool) ListTools() []ToolInfo {
	p.mu.RLock()
	clients := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.RUnlock()

	var all []ToolInfo
	for _, c := range clients {
		all = append(all, c.Tools()...)
	}
	return all
}

// resolveTool finds the client(s) exposing name. A "server:tool" name
// disambiguates directly to that server.
func (p *Pool) resolveTool(name string) (*Client, string, error) {
	if server, tool, ok := strings.Cut(name, ":"); ok {
		p.mu.RLock()
		client, exists := p.clients[server]
		p.mu.RUnlock()
		if !exists {
			return nil, "", errs.Named(errs.KindResourceNotFound, server, "unknown server", nil)
		}
		return client, tool, nil
	}

	var owners []*Client
	for _, t := range p.ListTools() {
		if t.Name == name {
			if c, ok := p.Get(t.Server); ok {
				owners = append(owners, c)
			}
		}
	}

	switch len(owners) {
	case 0:
		return nil, "", errs.Named(errs.KindToolNotFound, name, "no server exposes this tool", nil)
	case 1:
		return owners[0], name, nil
	default:
		return nil, "", errs.Named(errs.KindAmbiguousTool, name, "multiple servers expose this tool; disambiguate with \"server:tool\"", nil)
	}
}

// CallTool routes name to its owning client, validating args against the
// discovered input schema first when one is cached.
func (p *Pool) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	client, tool, err := p.resolveTool(name)
	if err != nil {
		return nil, err
	}

	if err := p.validateArgs(client, tool, args); err != nil {
		return nil, err
	}

	return client.CallTool(ctx, tool, args)
}

func (p *Pool) validateArgs(client *Client, tool string, args map[string]any) error {
	for _, t := range client.Tools() {
		if t.Name != tool || len(t.InputSchema) == 0 {
			continue
		}
		schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(t.InputSchema)))
		if err != nil {
			return nil // schema itself malformed: don't block the call on it
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(tool+".json", schemaDoc); err != nil {
			return nil
		}
		schema, err := compiler.Compile(tool + ".json")
		if err != nil {
			return nil
		}
		if err := schema.Validate(toAnyMap(args)); err != nil {
			return errs.Named(errs.KindProtocolSchema, tool, fmt.Sprintf("arguments do not match input schema: %v", err), err)
		}
		return nil
	}
	return nil
}

func toAnyMap(args map[string]any) any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

// BroadcastContext calls updateContext on every CONNECTED client,
// aggregating per-client results.
func (p *Pool) BroadcastContext(ctx context.Context, contextObject any) map[string]error {
	p.mu.RLock()
	clients := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.RUnlock()

	results := make(map[string]error, len(clients))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range clients {
		if c.State() != StateConnected {
			continue
		}
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			err := c.UpdateContext(ctx, contextObject)
			mu.Lock()
			results[c.Name()] = err
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	return results
}

// Shutdown closes every client in the pool. Safe to call once; repeat
// calls are no-ops since Client.Shutdown is itself idempotent.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.RLock()
	clients := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			_ = c.Shutdown(ctx)
		}(c)
	}
	wg.Wait()
}
