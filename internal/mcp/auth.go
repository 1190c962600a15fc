package mcp

import (
	"context"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// AuthProvider satisfies an MCP server's authorization handshake before
// the transport spawns/connects. spec.md §9 leaves the exact handshake an
// open question ("bearer token, PKCE... do not assume one"); this
// interface is the extension point, with two built-in implementations.
type AuthProvider interface {
	// Authorize returns headers to attach to the transport's connection
	// (meaningful for SSE/HTTP-fronted servers; ignored by stdio/WASM
	// transports, which have no header channel).
	Authorize(ctx context.Context) (http.Header, error)
	Refresh(ctx context.Context) error
}

// StaticBearerAuth always presents the same bearer token.
type StaticBearerAuth struct {
	Token string
}

func (a *StaticBearerAuth) Authorize(ctx context.Context) (http.Header, error) {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+a.Token)
	return h, nil
}

func (a *StaticBearerAuth) Refresh(ctx context.Context) error { return nil }

// OAuth2Auth implements the client-credentials grant via
// golang.org/x/oauth2, refreshing its token on demand.
type OAuth2Auth struct {
	Config clientcredentials.Config

	mu    sync.Mutex
	token *oauth2.Token
}

func (a *OAuth2Auth) Authorize(ctx context.Context) (http.Header, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token == nil || !a.token.Valid() {
		tok, err := a.Config.Token(ctx)
		if err != nil {
			return nil, err
		}
		a.token = tok
	}

	h := http.Header{}
	h.Set("Authorization", a.token.Type()+" "+a.token.AccessToken)
	return h, nil
}

func (a *OAuth2Auth) Refresh(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	tok, err := a.Config.Token(ctx)
	if err != nil {
		return err
	}
	a.token = tok
	return nil
}
