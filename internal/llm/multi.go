package llm

import (
	"context"
	"fmt"
)

// MultiClient routes requests to the appropriate provider based on the
// request's model alias. Providers and the alias table are registered
// at startup and immutable afterward.
type MultiClient struct {
	clients  map[string]Client // provider name → client
	models   map[string]string // model alias → provider name
	fallback Client
}

// NewMultiClient creates a client that routes across providers.
// fallback handles model aliases with no explicit mapping; it may be
// nil, in which case unmapped aliases fail.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Client),
		models:   make(map[string]string),
		fallback: fallback,
	}
}

// AddProvider registers a client for a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.clients[name] = client
}

// AddModel maps a model alias to a provider.
func (m *MultiClient) AddModel(modelAlias, providerName string) {
	m.models[modelAlias] = providerName
}

func (m *MultiClient) clientFor(model string) Client {
	if provider, ok := m.models[model]; ok {
		if client, ok := m.clients[provider]; ok {
			return client
		}
	}
	return m.fallback
}

// Complete routes to the provider configured for the request's model.
func (m *MultiClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	client := m.clientFor(req.Model)
	if client == nil {
		return nil, fmt.Errorf("no provider configured for model %q", req.Model)
	}
	return client.Complete(ctx, req)
}

// Ping checks the fallback provider, or the first registered provider
// when no fallback is configured.
func (m *MultiClient) Ping(ctx context.Context) error {
	if m.fallback != nil {
		return m.fallback.Ping(ctx)
	}
	for _, c := range m.clients {
		return c.Ping(ctx)
	}
	return fmt.Errorf("no providers configured")
}
