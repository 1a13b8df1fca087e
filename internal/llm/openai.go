package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loopworks/loopd/internal/config"
	"github.com/loopworks/loopd/internal/httpkit"
)

const defaultOpenAIBaseURL = "https://api.openai.com"

// OpenAIClient is a client for the OpenAI Chat Completions API.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a new OpenAI client. baseURL may be empty to
// use the public endpoint, or point at any compatible server.
func NewOpenAIClient(apiKey, baseURL string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &OpenAIClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		logger:  logger.With("provider", "openai"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// OpenAI wire types.

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   int             `json:"max_completion_tokens,omitempty"`
	Seed        *int64          `json:"seed,omitempty"`
	Tools       []openaiTool    `json:"tools,omitempty"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content,omitempty"` // string or []openaiPart
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openaiImageURL `json:"image_url,omitempty"`
}

type openaiImageURL struct {
	URL string `json:"url"`
}

type openaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Parameters  any    `json:"parameters"`
	} `json:"function"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type openaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete sends a completion request to the Chat Completions API.
func (c *OpenAIClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	msgs, err := convertToOpenAI(req.Conversation)
	if err != nil {
		return nil, err
	}

	wireReq := openaiRequest{
		Model:    req.Model,
		Messages: msgs,
	}
	if req.Gen.Temperature > 0 {
		wireReq.Temperature = &req.Gen.Temperature
	}
	if req.Gen.TopP > 0 && req.Gen.TopP < 1 {
		wireReq.TopP = &req.Gen.TopP
	}
	if req.Gen.MaxOutputTokens > 0 {
		wireReq.MaxTokens = req.Gen.MaxOutputTokens
	}
	if req.Gen.Seed != 0 {
		wireReq.Seed = &req.Gen.Seed
	}
	for _, t := range req.Tools {
		var wt openaiTool
		wt.Type = "function"
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.Parameters
		wireReq.Tools = append(wireReq.Tools, wt)
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, config.LevelTrace, "request payload", "body", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transportError("openai", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw := httpkit.ReadErrorBody(resp.Body, 4096)
		var apiErr openaiErrorResponse
		msg := raw
		if json.Unmarshal([]byte(raw), &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		return nil, newVendorError("openai", resp.StatusCode, msg)
	}

	var wireResp openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&wireResp); err != nil {
		return nil, transportError("openai", fmt.Errorf("decode response: %w", err))
	}
	if len(wireResp.Choices) == 0 {
		return nil, newVendorError("openai", 0, "response contained no choices")
	}

	choice := wireResp.Choices[0]
	out := &Response{
		Model:     wireResp.Model,
		CreatedAt: time.Now().UTC(),
		Usage: Usage{
			InputTokens:  wireResp.Usage.PromptTokens,
			OutputTokens: wireResp.Usage.CompletionTokens,
		},
	}
	if s, ok := choice.Message.Content.(string); ok {
		out.Text = s
	}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			// Malformed argument JSON becomes an empty map; the tool
			// registry reports the validation failure to the model.
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	c.logger.Debug("completion finished",
		"model", wireResp.Model,
		"finish_reason", choice.FinishReason,
		"tool_calls", len(out.ToolCalls),
		"tokens_in", out.Usage.InputTokens,
		"tokens_out", out.Usage.OutputTokens,
	)

	return out, nil
}

// Ping checks provider reachability.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return transportError("openai", err)
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode >= 500 {
		return newVendorError("openai", resp.StatusCode, "ping failed")
	}
	return nil
}

// convertToOpenAI maps the unified conversation to chat-completions
// messages. Tool results become role=tool messages; blobs become
// image_url parts (inline blobs via data: URLs).
func convertToOpenAI(conv Conversation) ([]openaiMessage, error) {
	var msgs []openaiMessage

	for _, m := range conv {
		role := string(m.Role)

		// Collect tool results first: each becomes its own message.
		var rest []Part
		for _, p := range m.Parts {
			if p.Kind == PartToolResult {
				msgs = append(msgs, openaiMessage{
					Role:       "tool",
					Content:    p.Result.Content,
					ToolCallID: p.Result.CallID,
				})
				continue
			}
			rest = append(rest, p)
		}
		if len(rest) == 0 {
			continue
		}

		msg := openaiMessage{Role: role}
		var parts []openaiPart
		textOnly := true

		for _, p := range rest {
			switch p.Kind {
			case PartText:
				parts = append(parts, openaiPart{Type: "text", Text: p.Text})
			case PartInlineBlob:
				textOnly = false
				dataURL := fmt.Sprintf("data:%s;base64,%s", p.MIME,
					base64.StdEncoding.EncodeToString(p.Data))
				parts = append(parts, openaiPart{Type: "image_url", ImageURL: &openaiImageURL{URL: dataURL}})
			case PartRemoteBlob:
				textOnly = false
				parts = append(parts, openaiPart{Type: "image_url", ImageURL: &openaiImageURL{URL: p.URI}})
			case PartToolCall:
				var wc openaiToolCall
				wc.ID = p.Call.ID
				wc.Type = "function"
				wc.Function.Name = p.Call.Name
				argJSON, err := json.Marshal(p.Call.Arguments)
				if err != nil {
					return nil, fmt.Errorf("marshal tool arguments: %w", err)
				}
				wc.Function.Arguments = string(argJSON)
				msg.ToolCalls = append(msg.ToolCalls, wc)
			default:
				return nil, &UnsupportedPartError{Provider: "openai", Kind: p.Kind}
			}
		}

		if textOnly {
			var text string
			for _, p := range parts {
				text += p.Text
			}
			if text != "" || len(msg.ToolCalls) > 0 {
				msg.Content = text
			}
		} else {
			msg.Content = parts
		}
		msgs = append(msgs, msg)
	}

	return msgs, nil
}
