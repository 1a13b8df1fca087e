// Package conversation provides the ordered session history: entries,
// token accounting, budget-bounded views, and LLM-driven compaction.
package conversation

import (
	"fmt"
	"time"

	"github.com/loopworks/loopd/internal/llm"
)

// Kind identifies the type of a history entry.
type Kind string

const (
	KindSystem     Kind = "system"
	KindUser       Kind = "user"
	KindAssistant  Kind = "assistant"
	KindToolCall   Kind = "tool_call"
	KindToolResult Kind = "tool_result"
)

// Entry is one element of a session's history. Text is set for
// System/User/Assistant kinds; Call and Result for the tool kinds.
type Entry struct {
	Kind      Kind            `json:"kind"`
	Text      string          `json:"text,omitempty"`
	Call      *llm.ToolCall   `json:"call,omitempty"`
	Result    *llm.ToolResult `json:"result,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Tokens    int             `json:"tokens"`
}

// System builds a system entry with a token estimate.
func System(text string) Entry {
	return Entry{Kind: KindSystem, Text: text, Timestamp: time.Now().UTC(), Tokens: llm.EstimateTokens(text)}
}

// User builds a user entry with a token estimate.
func User(text string) Entry {
	return Entry{Kind: KindUser, Text: text, Timestamp: time.Now().UTC(), Tokens: llm.EstimateTokens(text)}
}

// Assistant builds an assistant entry with a token estimate.
func Assistant(text string) Entry {
	return Entry{Kind: KindAssistant, Text: text, Timestamp: time.Now().UTC(), Tokens: llm.EstimateTokens(text)}
}

// ToolCall builds a tool-call entry.
func ToolCall(call llm.ToolCall) Entry {
	e := Entry{Kind: KindToolCall, Call: &call, Timestamp: time.Now().UTC()}
	e.Tokens = llm.EstimateMessageTokens(e.Message())
	return e
}

// ToolResult builds a tool-result entry.
func ToolResult(result llm.ToolResult) Entry {
	e := Entry{Kind: KindToolResult, Result: &result, Timestamp: time.Now().UTC()}
	e.Tokens = llm.EstimateMessageTokens(e.Message())
	return e
}

// Message converts the entry to a unified LLM message.
func (e Entry) Message() llm.Message {
	switch e.Kind {
	case KindSystem:
		return llm.TextMessage(llm.RoleSystem, e.Text)
	case KindUser:
		return llm.TextMessage(llm.RoleUser, e.Text)
	case KindAssistant:
		return llm.TextMessage(llm.RoleAssistant, e.Text)
	case KindToolCall:
		return llm.Message{Role: llm.RoleAssistant, Parts: []llm.Part{{Kind: llm.PartToolCall, Call: e.Call}}}
	case KindToolResult:
		return llm.Message{Role: llm.RoleTool, Parts: []llm.Part{{Kind: llm.PartToolResult, Result: e.Result}}}
	default:
		return llm.TextMessage(llm.RoleUser, e.Text)
	}
}

// transcriptLine renders the entry for compaction transcripts.
func (e Entry) transcriptLine() string {
	ts := e.Timestamp.Format("15:04")
	switch e.Kind {
	case KindToolCall:
		return fmt.Sprintf("[%s] assistant called %s(%v)", ts, e.Call.Name, e.Call.Arguments)
	case KindToolResult:
		status := "returned"
		if e.Result.IsError {
			status = "failed with"
		}
		return fmt.Sprintf("[%s] tool %s %s: %s", ts, e.Result.Name, status, e.Result.Content)
	default:
		return fmt.Sprintf("[%s] %s: %s", ts, e.Kind, e.Text)
	}
}
