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

	"github.com/google/uuid"
	"github.com/loopworks/loopd/internal/config"
	"github.com/loopworks/loopd/internal/httpkit"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"

// GeminiClient is a client for the Gemini generateContent API.
type GeminiClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGeminiClient creates a new Gemini client. baseURL may be empty to
// use the public endpoint.
func NewGeminiClient(apiKey, baseURL string, logger *slog.Logger) *GeminiClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &GeminiClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		logger:  logger.With("provider", "gemini"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// Gemini wire types.

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	Tools             []geminiToolDecls `json:"tools,omitempty"`
	GenerationConfig  *geminiGenConfig  `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"` // user or model
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	InlineData       *geminiBlob             `json:"inlineData,omitempty"`
	FileData         *geminiFileData         `json:"fileData,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiBlob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFileData struct {
	MIMEType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiToolDecls struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

type geminiGenConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Seed            *int64   `json:"seed,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

type geminiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends a completion request to the generateContent API.
func (c *GeminiClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	contents, system, err := convertToGemini(req.Conversation)
	if err != nil {
		return nil, err
	}

	wireReq := geminiRequest{Contents: contents}
	if system != "" {
		wireReq.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	if len(req.Tools) > 0 {
		var decls []geminiFunctionDecl
		for _, t := range req.Tools {
			decls = append(decls, geminiFunctionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			})
		}
		wireReq.Tools = []geminiToolDecls{{FunctionDeclarations: decls}}
	}

	gen := &geminiGenConfig{}
	hasGen := false
	if req.Gen.Temperature > 0 {
		gen.Temperature = &req.Gen.Temperature
		hasGen = true
	}
	if req.Gen.TopP > 0 && req.Gen.TopP < 1 {
		gen.TopP = &req.Gen.TopP
		hasGen = true
	}
	if req.Gen.MaxOutputTokens > 0 {
		gen.MaxOutputTokens = req.Gen.MaxOutputTokens
		hasGen = true
	}
	if req.Gen.Seed != 0 {
		gen.Seed = &req.Gen.Seed
		hasGen = true
	}
	if hasGen {
		wireReq.GenerationConfig = gen
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, config.LevelTrace, "request payload", "body", string(body))

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Goog-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transportError("gemini", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw := httpkit.ReadErrorBody(resp.Body, 4096)
		var apiErr geminiErrorResponse
		msg := raw
		if json.Unmarshal([]byte(raw), &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		return nil, newVendorError("gemini", resp.StatusCode, msg)
	}

	var wireResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&wireResp); err != nil {
		return nil, transportError("gemini", fmt.Errorf("decode response: %w", err))
	}
	if len(wireResp.Candidates) == 0 {
		return nil, newVendorError("gemini", 0, "response contained no candidates")
	}

	out := &Response{
		Model:     req.Model,
		CreatedAt: time.Now().UTC(),
		Usage: Usage{
			InputTokens:  wireResp.UsageMetadata.PromptTokenCount,
			OutputTokens: wireResp.UsageMetadata.CandidatesTokenCount,
		},
	}
	for _, p := range wireResp.Candidates[0].Content.Parts {
		switch {
		case p.Text != "":
			out.Text += p.Text
		case p.FunctionCall != nil:
			// Gemini does not assign call IDs; synthesize one so tool
			// results can be correlated in history.
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        "call_" + uuid.NewString(),
				Name:      p.FunctionCall.Name,
				Arguments: p.FunctionCall.Args,
			})
		}
	}

	c.logger.Debug("completion finished",
		"model", req.Model,
		"finish_reason", wireResp.Candidates[0].FinishReason,
		"tool_calls", len(out.ToolCalls),
		"tokens_in", out.Usage.InputTokens,
		"tokens_out", out.Usage.OutputTokens,
	)

	return out, nil
}

// Ping checks provider reachability.
func (c *GeminiClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1beta/models", nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("X-Goog-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return transportError("gemini", err)
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode >= 500 {
		return newVendorError("gemini", resp.StatusCode, "ping failed")
	}
	return nil
}

// convertToGemini maps the unified conversation to Gemini contents.
// System messages collect into the systemInstruction; assistant maps to
// role=model; tool results become functionResponse parts in user turns.
func convertToGemini(conv Conversation) ([]geminiContent, string, error) {
	var contents []geminiContent
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
			role = "model"
		}

		var parts []geminiPart
		for _, p := range m.Parts {
			switch p.Kind {
			case PartText:
				parts = append(parts, geminiPart{Text: p.Text})
			case PartInlineBlob:
				parts = append(parts, geminiPart{InlineData: &geminiBlob{
					MIMEType: p.MIME,
					Data:     base64.StdEncoding.EncodeToString(p.Data),
				}})
			case PartRemoteBlob:
				parts = append(parts, geminiPart{FileData: &geminiFileData{
					MIMEType: p.MIME,
					FileURI:  p.URI,
				}})
			case PartToolCall:
				parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{
					Name: p.Call.Name,
					Args: p.Call.Arguments,
				}})
			case PartToolResult:
				role = "user"
				parts = append(parts, geminiPart{FunctionResponse: &geminiFunctionResponse{
					Name:     p.Result.Name,
					Response: map[string]any{"content": p.Result.Content, "is_error": p.Result.IsError},
				}})
			default:
				return nil, "", &UnsupportedPartError{Provider: "gemini", Kind: p.Kind}
			}
		}

		contents = append(contents, geminiContent{Role: role, Parts: parts})
	}

	return contents, system, nil
}
