// Package llm provides the vendor-neutral LLM client abstraction.
//
// All providers implement [Client] over the same unified conversation
// model, so the research loop never sees a vendor wire format. Wire
// conversion happens at the provider boundary (anthropic.go, openai.go,
// gemini.go).
package llm

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartKind identifies the type of a message part.
type PartKind string

const (
	PartText       PartKind = "text"
	PartInlineBlob PartKind = "inline_blob"
	PartRemoteBlob PartKind = "remote_blob"
	PartToolCall   PartKind = "tool_call"
	PartToolResult PartKind = "tool_result"
)

// Part is one unit of message content. Exactly one payload group is
// populated, selected by Kind.
type Part struct {
	Kind PartKind `json:"kind"`

	// Text is set for PartText.
	Text string `json:"text,omitempty"`

	// MIME and Data are set for PartInlineBlob.
	MIME string `json:"mime,omitempty"`
	Data []byte `json:"data,omitempty"`

	// URI is set for PartRemoteBlob (MIME applies here too).
	URI string `json:"uri,omitempty"`

	// Call is set for PartToolCall.
	Call *ToolCall `json:"call,omitempty"`

	// Result is set for PartToolResult.
	Result *ToolResult `json:"result,omitempty"`
}

// TextPart builds a plain text part.
func TextPart(s string) Part {
	return Part{Kind: PartText, Text: s}
}

// ToolCall is a model-proposed tool invocation.
type ToolCall struct {
	// ID correlates the eventual tool result back to this call.
	// Provider-assigned when available, otherwise synthesized.
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult carries the outcome of a tool call back to the model.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Message is one turn in a unified conversation.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// TextMessage builds a single-part text message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Parts: []Part{TextPart(text)}}
}

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartText {
			out += p.Text
		}
	}
	return out
}

// Conversation is an ordered sequence of messages.
type Conversation []Message

// GenConfig holds generation parameters. Zero values mean "provider
// default"; the engine fills these from config before dispatch.
type GenConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"max_output_tokens,omitempty"`
	TopP            float64 `json:"top_p,omitempty"`
	Seed            int64   `json:"seed,omitempty"`
}

// ToolSchema is the vendor-neutral description of one callable tool.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is a unified completion request.
type Request struct {
	// Model is the alias configured in models.available; the
	// MultiClient resolves it to a provider.
	Model        string
	Conversation Conversation
	Gen          GenConfig
	Tools        []ToolSchema

	// OutputFormat and OutputSchema drive typed output (typed.go).
	// OutputSchema requires OutputFormat to be set.
	OutputFormat OutputFormat
	OutputSchema map[string]any
}

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the unified response from any provider. On success at
// least one of Text or ToolCalls is populated.
type Response struct {
	Model     string     `json:"model"`
	CreatedAt time.Time  `json:"created_at"`
	Text      string     `json:"text,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Empty reports whether the response carries neither text nor tool
// calls. Empty responses are treated as transient failures by callers.
func (r *Response) Empty() bool {
	return r == nil || (r.Text == "" && len(r.ToolCalls) == 0)
}
