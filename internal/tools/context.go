package tools

import (
	"context"

	"github.com/loopworks/loopd/internal/progress"
)

// SpawnFunc starts a sub-session on behalf of a tool and returns its
// session ID. The engine injects its own implementation; tools never
// import the engine directly.
type SpawnFunc func(ctx context.Context, owner, instructions string) (string, error)

// Context carries the per-session capabilities a handler may use. It
// is constructed by the loop for each dispatch; handlers must not
// retain it past their invocation.
type Context struct {
	// SessionID identifies the calling session.
	SessionID string
	// Owner is the tenant that owns the session.
	Owner string
	// Progress accepts user-facing updates. Nil-safe.
	Progress *progress.Channel
	// Spawn starts a sub-session. Nil when sub-sessions are not
	// available to this tool.
	Spawn SpawnFunc
}

// Report publishes a tool-sender progress update. Safe on a nil
// receiver or nil progress channel.
func (c *Context) Report(message string) {
	if c == nil || message == "" {
		return
	}
	c.Progress.Publish(progress.Update{Sender: progress.SenderTool, Message: message})
}
