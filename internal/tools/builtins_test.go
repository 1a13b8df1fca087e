package tools

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/loopworks/loopd/internal/fetch"
)

type staticSearcher struct {
	results []SearchResult
	err     error
}

func (s *staticSearcher) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	if limit < len(s.results) {
		return s.results[:limit], nil
	}
	return s.results, nil
}

func TestRegisterBuiltins(t *testing.T) {
	r := NewRegistry(nil)
	err := RegisterBuiltins(r, fetch.New(), &staticSearcher{})
	if err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	for _, name := range []string{"web_fetch", "web_search", "save_context", "ask_user", FinalAnswerTool} {
		if r.Get(name) == nil {
			t.Errorf("builtin %q not registered", name)
		}
	}
}

func TestRegisterBuiltinsWithoutSearcher(t *testing.T) {
	r := NewRegistry(nil)
	if err := RegisterBuiltins(r, fetch.New(), nil); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	if r.Get("web_search") != nil {
		t.Error("web_search registered without a backend")
	}
}

func TestWebSearchFormatsResults(t *testing.T) {
	r := NewRegistry(nil)
	searcher := &staticSearcher{results: []SearchResult{
		{Title: "First", URL: "https://a.example", Snippet: "alpha"},
		{Title: "Second", URL: "https://b.example"},
	}}
	if err := RegisterBuiltins(r, nil, searcher); err != nil {
		t.Fatal(err)
	}

	resp := r.Dispatch(context.Background(), "web_search", map[string]any{"query": "go concurrency"}, nil)
	if resp.Err != nil {
		t.Fatalf("Dispatch error: %v", resp.Err)
	}
	if !strings.Contains(resp.Full, "https://a.example") || !strings.Contains(resp.Full, "alpha") {
		t.Errorf("Full = %q", resp.Full)
	}
	if !strings.Contains(resp.UserVisible, "2 results") {
		t.Errorf("UserVisible = %q", resp.UserVisible)
	}
}

func TestWebSearchBackendError(t *testing.T) {
	r := NewRegistry(nil)
	if err := RegisterBuiltins(r, nil, &staticSearcher{err: errors.New("backend down")}); err != nil {
		t.Fatal(err)
	}

	resp := r.Dispatch(context.Background(), "web_search", map[string]any{"query": "x"}, nil)
	if resp.Err == nil {
		t.Fatal("expected error response")
	}
}

func TestSaveContextEchoesNote(t *testing.T) {
	r := NewRegistry(nil)
	if err := RegisterBuiltins(r, nil, nil); err != nil {
		t.Fatal(err)
	}

	resp := r.Dispatch(context.Background(), "save_context", map[string]any{"note": "rate limit is 10 rps"}, nil)
	if resp.Err != nil {
		t.Fatalf("Dispatch error: %v", resp.Err)
	}
	if !strings.Contains(resp.Full, "rate limit is 10 rps") {
		t.Errorf("Full = %q", resp.Full)
	}
}

func TestFinalAnswerRequiresAnswer(t *testing.T) {
	r := NewRegistry(nil)
	if err := RegisterBuiltins(r, nil, nil); err != nil {
		t.Fatal(err)
	}

	resp := r.Dispatch(context.Background(), FinalAnswerTool, map[string]any{"answer": "   "}, nil)
	if resp.Err == nil {
		t.Error("blank answer should be rejected")
	}

	resp = r.Dispatch(context.Background(), FinalAnswerTool, map[string]any{"answer": "42"}, nil)
	if resp.Err != nil {
		t.Fatalf("Dispatch error: %v", resp.Err)
	}
	if resp.Full != "42" {
		t.Errorf("Full = %q, want %q", resp.Full, "42")
	}
}
