package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// stubProvider is a canned-result test provider.
type stubProvider struct {
	name    string
	results []Result
	err     error
}

func (p *stubProvider) Name() string { return p.name }
func (p *stubProvider) Search(_ context.Context, _ string, _ Options) ([]Result, error) {
	return p.results, p.err
}

func TestManagerSearch(t *testing.T) {
	mgr := NewManager("stub")
	mgr.Register(&stubProvider{
		name: "stub",
		results: []Result{
			{Title: "Test", URL: "https://example.com", Snippet: "a test result"},
		},
	})

	results, err := mgr.Search(context.Background(), "test", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Title != "Test" {
		t.Errorf("title = %q, want %q", results[0].Title, "Test")
	}
}

func TestManagerSearchWith(t *testing.T) {
	mgr := NewManager("primary")
	mgr.Register(&stubProvider{name: "primary", results: []Result{{Title: "Primary"}}})
	mgr.Register(&stubProvider{name: "secondary", results: []Result{{Title: "Secondary"}}})

	results, err := mgr.SearchWith(context.Background(), "secondary", "test", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Title != "Secondary" {
		t.Errorf("title = %q, want %q", results[0].Title, "Secondary")
	}
}

func TestManagerUnconfiguredProvider(t *testing.T) {
	mgr := NewManager("missing")
	if _, err := mgr.Search(context.Background(), "test", Options{}); err == nil {
		t.Fatal("expected error for missing provider")
	}
}

func TestManagerFirstRegisteredBecomesPrimary(t *testing.T) {
	mgr := NewManager("")
	mgr.Register(&stubProvider{name: "first", results: []Result{{Title: "First"}}})
	mgr.Register(&stubProvider{name: "second", results: []Result{{Title: "Second"}}})

	results, err := mgr.Search(context.Background(), "test", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Title != "First" {
		t.Errorf("title = %q, want %q", results[0].Title, "First")
	}
}

func TestConfigured(t *testing.T) {
	mgr := NewManager("test")
	if mgr.Configured() {
		t.Error("empty manager should not be configured")
	}
	mgr.Register(&stubProvider{name: "test"})
	if !mgr.Configured() {
		t.Error("manager with provider should be configured")
	}
}

func TestFromConfig(t *testing.T) {
	if FromConfig(Config{}) != nil {
		t.Error("empty config should yield nil manager")
	}

	mgr := FromConfig(Config{
		SearXNG: SearXNGConfig{URL: "http://localhost:8080"},
		Brave:   BraveConfig{APIKey: "key"},
	})
	if mgr == nil {
		t.Fatal("expected manager")
	}
	got := mgr.Providers()
	want := []string{"brave", "searxng"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("providers = %v, want %v", got, want)
	}
}

func TestSearXNGSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("format"); got != "json" {
			t.Errorf("format = %q, want %q", got, "json")
		}
		if got := r.URL.Query().Get("q"); got != "golang" {
			t.Errorf("q = %q, want %q", got, "golang")
		}
		json.NewEncoder(w).Encode(searxngResponse{
			Results: []searxngResult{
				{Title: "Go", URL: "https://go.dev", Content: "the Go programming language"},
				{Title: "Extra", URL: "https://example.com", Content: "over the limit"},
			},
		})
	}))
	defer srv.Close()

	p := NewSearXNG(srv.URL)
	results, err := p.Search(context.Background(), "golang", Options{Limit: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Snippet != "the Go programming language" {
		t.Errorf("snippet = %q", results[0].Snippet)
	}
}

func TestSearXNGSearchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewSearXNG(srv.URL)
	if _, err := p.Search(context.Background(), "golang", Options{}); err == nil {
		t.Fatal("expected error on HTTP 429")
	}
}

func TestBraveSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Subscription-Token"); got != "secret" {
			t.Errorf("token = %q, want %q", got, "secret")
		}
		var br braveResponse
		br.Web.Results = []braveResult{
			{Title: "Go", URL: "https://go.dev", Description: "build simple software"},
		}
		json.NewEncoder(w).Encode(br)
	}))
	defer srv.Close()

	p := NewBrave("secret")
	p.endpoint = srv.URL
	results, err := p.Search(context.Background(), "golang", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].URL != "https://go.dev" {
		t.Errorf("url = %q", results[0].URL)
	}
}
