package api

import (
	"bytes"
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/loopworks/loopd/internal/conversation"
)

const transcriptShell = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Session %s</title>
<style>
body { font-family: sans-serif; font-size: 14px; line-height: 1.5; max-width: 52rem; margin: 2rem auto; }
.entry { margin: 1rem 0; padding: 0.5rem 1rem; border-left: 3px solid #ccc; }
.entry.system { border-color: #999; color: #555; }
.entry.user { border-color: #2b6cb0; }
.entry.assistant { border-color: #2f855a; }
.entry.tool { border-color: #b7791f; font-family: monospace; white-space: pre-wrap; }
.kind { font-size: 11px; text-transform: uppercase; color: #888; }
</style></head>
<body><h1>Session %s</h1>
%s
</body></html>`

// handleSessionTranscript renders the conversation as HTML. Assistant
// text goes through the markdown renderer; everything else is escaped
// verbatim.
func (s *Server) handleSessionTranscript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entries, err := s.engine.GetHistory(id)
	if err != nil {
		s.engineError(w, err)
		return
	}

	var body strings.Builder
	for _, e := range entries {
		block, err := renderEntry(e)
		if err != nil {
			s.logger.Debug("transcript render failed", "session_id", id, "error", err)
			continue
		}
		body.WriteString(block)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	esc := html.EscapeString(id)
	fmt.Fprintf(w, transcriptShell, esc, esc, body.String())
}

func renderEntry(e conversation.Entry) (string, error) {
	switch e.Kind {
	case conversation.KindAssistant:
		var buf bytes.Buffer
		if err := goldmark.Convert([]byte(e.Text), &buf); err != nil {
			return "", err
		}
		return entryBlock("assistant", "assistant", buf.String()), nil
	case conversation.KindSystem:
		return entryBlock("system", "system", "<p>"+html.EscapeString(e.Text)+"</p>"), nil
	case conversation.KindUser:
		return entryBlock("user", "user", "<p>"+html.EscapeString(e.Text)+"</p>"), nil
	case conversation.KindToolCall:
		label := "tool call"
		text := ""
		if e.Call != nil {
			label = "tool call: " + e.Call.Name
			text = fmt.Sprintf("%v", e.Call.Arguments)
		}
		return entryBlock("tool", label, html.EscapeString(text)), nil
	case conversation.KindToolResult:
		label := "tool result"
		text := ""
		if e.Result != nil {
			label = "tool result: " + e.Result.Name
			if e.Result.IsError {
				label += " (error)"
			}
			text = e.Result.Content
		}
		return entryBlock("tool", label, html.EscapeString(text)), nil
	default:
		return "", nil
	}
}

func entryBlock(class, label, inner string) string {
	return fmt.Sprintf(`<div class="entry %s"><div class="kind">%s</div>%s</div>`+"\n",
		class, html.EscapeString(label), inner)
}
