package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/loopworks/loopd/internal/fetch"
)

// FinalAnswerTool is the name of the builtin a session's model calls
// to declare its result when the session uses the tool-based
// sufficiency contract.
const FinalAnswerTool = "final_answer"

// SearchResult is one hit from a web search backend.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Searcher answers web search queries. Implementations wrap whatever
// search backend the deployment has access to.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// RegisterBuiltins adds the standard research tools. searcher may be
// nil, in which case web_search is not offered.
func RegisterBuiltins(r *Registry, fetcher *fetch.Fetcher, searcher Searcher) error {
	if fetcher != nil {
		if err := r.Register(webFetchTool(fetcher)); err != nil {
			return err
		}
	}
	if searcher != nil {
		if err := r.Register(webSearchTool(searcher)); err != nil {
			return err
		}
	}
	if err := r.Register(saveContextTool()); err != nil {
		return err
	}
	if err := r.Register(askUserTool()); err != nil {
		return err
	}
	return r.Register(finalAnswerTool())
}

func webFetchTool(f *fetch.Fetcher) *Tool {
	return &Tool{
		Name:        "web_fetch",
		Description: "Fetch a web page and return its readable text content. Use for reading articles, documentation, or any URL found during research.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "URL to fetch and extract content from.",
				},
				"max_chars": map[string]any{
					"type":        "integer",
					"description": "Maximum characters to return. Default: 50000.",
				},
			},
			"required": []string{"url"},
		},
		Timeout: 45 * time.Second,
		Handler: func(ctx context.Context, args map[string]any, tctx *Context) (*Response, error) {
			url, _ := args["url"].(string)
			maxChars := 0
			if mc, ok := args["max_chars"].(float64); ok && mc > 0 {
				maxChars = int(mc)
			}

			page, err := f.Fetch(ctx, url, maxChars)
			if err != nil {
				return nil, err
			}

			full, err := json.Marshal(page)
			if err != nil {
				return nil, fmt.Errorf("encode page: %w", err)
			}
			visible := page.Title
			if visible == "" {
				visible = page.URL
			}
			return &Response{
				Full:        string(full),
				UserVisible: fmt.Sprintf("Read %s (%d chars)", visible, page.Length),
			}, nil
		},
	}
}

func webSearchTool(s Searcher) *Tool {
	return &Tool{
		Name:        "web_search",
		Description: "Search the web and return a list of results with titles, URLs, and snippets.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query.",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of results. Default: 10.",
				},
			},
			"required": []string{"query"},
		},
		Timeout: 30 * time.Second,
		Handler: func(ctx context.Context, args map[string]any, tctx *Context) (*Response, error) {
			query, _ := args["query"].(string)
			limit := 10
			if l, ok := args["limit"].(float64); ok && l > 0 {
				limit = int(l)
			}

			results, err := s.Search(ctx, query, limit)
			if err != nil {
				return nil, err
			}
			if len(results) == 0 {
				return &Response{
					Full:        fmt.Sprintf("No results for %q", query),
					UserVisible: fmt.Sprintf("Searched %q: no results", query),
				}, nil
			}

			var b strings.Builder
			for i, res := range results {
				fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, res.Title, res.URL)
				if res.Snippet != "" {
					fmt.Fprintf(&b, "   %s\n", res.Snippet)
				}
			}
			return &Response{
				Full:        b.String(),
				UserVisible: fmt.Sprintf("Searched %q: %d results", query, len(results)),
			}, nil
		},
	}
}

// saveContextTool lets the model pin an observation it wants to
// survive compaction. The note lands in history as a tool result,
// which the compactor is instructed to preserve.
func saveContextTool() *Tool {
	return &Tool{
		Name:        "save_context",
		Description: "Save an important note, finding, or decision so it is retained even when older conversation is summarized away.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"note": map[string]any{
					"type":        "string",
					"description": "The note to retain.",
				},
			},
			"required": []string{"note"},
		},
		Handler: func(ctx context.Context, args map[string]any, tctx *Context) (*Response, error) {
			note, _ := args["note"].(string)
			if strings.TrimSpace(note) == "" {
				return nil, fmt.Errorf("note is empty")
			}
			return &Response{
				Full:        "Saved: " + note,
				UserVisible: "Saved a research note",
			}, nil
		},
	}
}

// askUserTool pauses the session until the owner answers. The loop
// moves the session to awaiting-user after this tool's result is
// appended.
func askUserTool() *Tool {
	return &Tool{
		Name:        "ask_user",
		Description: "Ask the session owner a question and pause until they reply. Use only when the research cannot proceed without their input.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question": map[string]any{
					"type":        "string",
					"description": "The question for the owner.",
				},
			},
			"required": []string{"question"},
		},
		Handler: func(ctx context.Context, args map[string]any, tctx *Context) (*Response, error) {
			question, _ := args["question"].(string)
			if strings.TrimSpace(question) == "" {
				return nil, fmt.Errorf("question is empty")
			}
			return &Response{
				Full:        "Asked: " + question,
				UserVisible: question,
				AwaitUser:   true,
			}, nil
		},
	}
}

// finalAnswerTool declares the session result. The loop watches for
// calls to this tool; the handler itself just echoes the answer into
// history.
func finalAnswerTool() *Tool {
	return &Tool{
		Name:        FinalAnswerTool,
		Description: "Declare the final answer when the research objective is fully satisfied. Call this exactly once, with the complete answer.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"answer": map[string]any{
					"type":        "string",
					"description": "The complete final answer.",
				},
			},
			"required": []string{"answer"},
		},
		Handler: func(ctx context.Context, args map[string]any, tctx *Context) (*Response, error) {
			answer, _ := args["answer"].(string)
			if strings.TrimSpace(answer) == "" {
				return nil, fmt.Errorf("answer is empty")
			}
			return &Response{Full: answer}, nil
		},
	}
}
