// Package search provides pluggable web search backends for the
// web_search builtin tool.
//
// Each backend implements the [Provider] interface and is registered
// with a [Manager] by name. The manager routes queries to the primary
// provider unless a caller names a specific one.
package search

import (
	"context"
	"fmt"
	"sort"
)

// Result is a single search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Options are optional parameters for a query.
type Options struct {
	// Limit caps the number of results. Providers may return fewer.
	// Zero means provider default.
	Limit int `json:"limit,omitempty"`

	// Language is an ISO 639-1 language code (e.g., "en", "de").
	Language string `json:"language,omitempty"`
}

// Provider is the interface search backends implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "searxng", "brave").
	Name() string

	// Search executes a query and returns results.
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Manager holds configured providers and routes queries.
type Manager struct {
	providers map[string]Provider
	primary   string
}

// NewManager creates a manager. The primary provider name decides
// which backend handles [Manager.Search]; if empty, the first
// registered provider becomes primary.
func NewManager(primary string) *Manager {
	return &Manager{
		providers: make(map[string]Provider),
		primary:   primary,
	}
}

// Register adds a provider.
func (m *Manager) Register(p Provider) {
	m.providers[p.Name()] = p
	if m.primary == "" {
		m.primary = p.Name()
	}
}

// Search runs a query against the primary provider.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	return m.SearchWith(ctx, m.primary, query, opts)
}

// SearchWith runs a query against a specific named provider.
func (m *Manager) SearchWith(ctx context.Context, provider, query string, opts Options) ([]Result, error) {
	p, ok := m.providers[provider]
	if !ok {
		return nil, fmt.Errorf("search provider %q not configured", provider)
	}
	return p.Search(ctx, query, opts)
}

// Providers returns the names of all registered providers, sorted.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Configured reports whether at least one provider is registered.
func (m *Manager) Configured() bool {
	return len(m.providers) > 0
}

// Config selects and configures search providers.
type Config struct {
	// Default names the primary provider. Empty means the first
	// configured provider below.
	Default string `yaml:"default"`

	SearXNG SearXNGConfig `yaml:"searxng"`
	Brave   BraveConfig   `yaml:"brave"`
}

// Configured reports whether any provider has usable settings.
func (c Config) Configured() bool {
	return c.SearXNG.Configured() || c.Brave.Configured()
}

// FromConfig builds a manager with every configured provider
// registered. Returns nil when no provider is configured.
func FromConfig(c Config) *Manager {
	if !c.Configured() {
		return nil
	}
	m := NewManager(c.Default)
	if c.SearXNG.Configured() {
		m.Register(NewSearXNG(c.SearXNG.URL))
	}
	if c.Brave.Configured() {
		m.Register(NewBrave(c.Brave.APIKey))
	}
	return m
}
