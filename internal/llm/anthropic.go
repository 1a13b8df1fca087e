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

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicAPIVersion     = "2023-06-01"
)

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client. baseURL may be
// empty to use the public endpoint.
func NewAnthropicClient(apiKey, baseURL string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	// Providers can take a long time before sending headers (thinking,
	// long prompts), so the shared ResponseHeaderTimeout is too tight.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &AnthropicClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		logger:  logger.With("provider", "anthropic"),
		httpClient: httpkit.NewClient(
			// Rely on ctx deadlines rather than a global timeout.
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// Anthropic wire types.

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string           `json:"type"`
	Text      string           `json:"text,omitempty"`
	ID        string           `json:"id,omitempty"`
	Name      string           `json:"name,omitempty"`
	Input     any              `json:"input,omitempty"`
	ToolUseID string           `json:"tool_use_id,omitempty"`
	Content   string           `json:"content,omitempty"` // for tool_result
	IsError   bool             `json:"is_error,omitempty"`
	Source    *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"` // base64 or url
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends a completion request to the Messages API.
func (c *AnthropicClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	msgs, system, err := convertToAnthropic(req.Conversation)
	if err != nil {
		return nil, err
	}

	maxTokens := req.Gen.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	wireReq := anthropicRequest{
		Model:     req.Model,
		Messages:  msgs,
		System:    system,
		MaxTokens: maxTokens,
	}
	if req.Gen.Temperature > 0 {
		wireReq.Temperature = &req.Gen.Temperature
	}
	if req.Gen.TopP > 0 && req.Gen.TopP < 1 {
		wireReq.TopP = &req.Gen.TopP
	}
	for _, t := range req.Tools {
		wireReq.Tools = append(wireReq.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, config.LevelTrace, "request payload", "body", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.apiKey)
	httpReq.Header.Set("Anthropic-Version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transportError("anthropic", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw := httpkit.ReadErrorBody(resp.Body, 4096)
		var apiErr anthropicErrorResponse
		msg := raw
		if json.Unmarshal([]byte(raw), &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		return nil, newVendorError("anthropic", resp.StatusCode, msg)
	}

	var wireResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&wireResp); err != nil {
		return nil, transportError("anthropic", fmt.Errorf("decode response: %w", err))
	}

	out := &Response{
		Model:     wireResp.Model,
		CreatedAt: time.Now().UTC(),
		Usage: Usage{
			InputTokens:  wireResp.Usage.InputTokens,
			OutputTokens: wireResp.Usage.OutputTokens,
		},
	}
	for _, block := range wireResp.Content {
		switch block.Type {
		case "text":
			out.Text += block.Text
		case "tool_use":
			args, _ := block.Input.(map[string]any)
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}

	c.logger.Debug("completion finished",
		"model", wireResp.Model,
		"stop_reason", wireResp.StopReason,
		"tool_calls", len(out.ToolCalls),
		"tokens_in", out.Usage.InputTokens,
		"tokens_out", out.Usage.OutputTokens,
	)

	return out, nil
}

// Ping checks provider reachability with a minimal request.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("X-API-Key", c.apiKey)
	httpReq.Header.Set("Anthropic-Version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return transportError("anthropic", err)
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode >= 500 {
		return newVendorError("anthropic", resp.StatusCode, "ping failed")
	}
	return nil
}

// convertToAnthropic maps the unified conversation to Anthropic wire
// messages, pulling system messages out into the top-level system
// string. The mapping is total: unmappable parts return an error.
func convertToAnthropic(conv Conversation) ([]anthropicMessage, string, error) {
	var msgs []anthropicMessage
	var system string

	for _, m := range conv {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Text()
			continue
		}

		role := "user"
		if m.Role == RoleAssistant {
			role = "assistant"
		}

		var blocks []anthropicContent
		for _, p := range m.Parts {
			switch p.Kind {
			case PartText:
				blocks = append(blocks, anthropicContent{Type: "text", Text: p.Text})
			case PartInlineBlob:
				blocks = append(blocks, anthropicContent{
					Type: "image",
					Source: &anthropicSource{
						Type:      "base64",
						MediaType: p.MIME,
						Data:      base64.StdEncoding.EncodeToString(p.Data),
					},
				})
			case PartRemoteBlob:
				blocks = append(blocks, anthropicContent{
					Type:   "image",
					Source: &anthropicSource{Type: "url", URL: p.URI},
				})
			case PartToolCall:
				blocks = append(blocks, anthropicContent{
					Type:  "tool_use",
					ID:    p.Call.ID,
					Name:  p.Call.Name,
					Input: p.Call.Arguments,
				})
			case PartToolResult:
				// Tool results ride in user-role messages on this API.
				role = "user"
				blocks = append(blocks, anthropicContent{
					Type:      "tool_result",
					ToolUseID: p.Result.CallID,
					Content:   p.Result.Content,
					IsError:   p.Result.IsError,
				})
			default:
				return nil, "", &UnsupportedPartError{Provider: "anthropic", Kind: p.Kind}
			}
		}

		msgs = append(msgs, anthropicMessage{Role: role, Content: blocks})
	}

	return msgs, system, nil
}
