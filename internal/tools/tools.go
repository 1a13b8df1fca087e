// Package tools provides the tool registry and dispatch framework for
// agent sessions. Tools are registered once at startup with a JSON
// schema describing their parameters; the loop dispatches calls by
// name and the registry validates, times out, and panic-guards each
// invocation.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loopworks/loopd/internal/llm"
	"github.com/loopworks/loopd/internal/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// DefaultTimeout bounds a handler invocation when the tool does not
// declare its own timeout.
const DefaultTimeout = 60 * time.Second

// Handler executes a validated tool call. args has already passed
// schema validation. tctx carries the session capabilities the handler
// may use. A handler may block; it must observe ctx cancellation.
type Handler func(ctx context.Context, args map[string]any, tctx *Context) (*Response, error)

// Tool is a callable registered with the registry.
type Tool struct {
	Name        string
	Description string
	// Parameters is a self-describing JSON schema. The registry
	// rejects schemas lacking "type" at the root.
	Parameters map[string]any
	// Timeout bounds each invocation; zero means DefaultTimeout.
	Timeout time.Duration
	// Fatal tools end the session when they return an error instead
	// of letting the model recover.
	Fatal   bool
	Handler Handler
}

// Response is the outcome of a dispatched tool call.
type Response struct {
	// Full is the verbose record appended to history. It may carry
	// raw evidence, URLs, and intermediate data.
	Full string
	// UserVisible is a condensed summary fanned out on the progress
	// channel. Empty means nothing worth showing.
	UserVisible string
	// Err is set instead of Full when the call failed.
	Err error
	// AwaitUser asks the loop to pause the session until the owner
	// posts a message.
	AwaitUser bool
	// Fatal mirrors the tool's Fatal flag so callers holding only
	// the response know whether an error ends the session.
	Fatal bool
}

type registered struct {
	tool     *Tool
	compiled *jsonschema.Schema
}

// Registry holds the tools available to sessions.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*registered
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*registered),
		logger: logger,
	}
}

// Register adds a tool. The parameter schema is compiled eagerly so a
// malformed schema fails at startup, not at dispatch time.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" {
		return fmt.Errorf("register: tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("register %s: handler is required", t.Name)
	}
	compiled, err := schema.Compile(t.Parameters)
	if err != nil {
		return fmt.Errorf("register %s: %w", t.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[t.Name]; dup {
		return fmt.Errorf("register %s: already registered", t.Name)
	}
	r.tools[t.Name] = &registered{tool: t, compiled: compiled}
	return nil
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.tools[name]; ok {
		return reg.tool
	}
	return nil
}

// Names returns the registered tool names, unordered.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// Schemas returns the flat {name, description, parameters} list given
// to LLM clients, which adapt it to each vendor's dialect.
func (r *Registry) Schemas() []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolSchema, 0, len(r.tools))
	for _, reg := range r.tools {
		out = append(out, llm.ToolSchema{
			Name:        reg.tool.Name,
			Description: reg.tool.Description,
			Parameters:  reg.tool.Parameters,
		})
	}
	return out
}

// Dispatch runs a tool call end to end: lookup, parameter validation,
// handler invocation with panic capture, per-tool timeout. It always
// returns a non-nil Response; failures are reported through
// Response.Err so the loop can append them as tool results and let
// the model recover.
func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]any, tctx *Context) *Response {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return &Response{Err: &UnknownToolError{Name: name}}
	}

	if err := reg.compiled.Validate(normalize(args)); err != nil {
		var fields []string
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			fields = schema.FieldErrors(ve)
		}
		return &Response{
			Err:   &InvalidParametersError{Tool: name, Fields: fields},
			Fatal: reg.tool.Fatal,
		}
	}

	timeout := reg.tool.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	resp, err := r.invoke(ctx, reg.tool, args, tctx)
	elapsed := time.Since(started)

	if err != nil {
		r.logger.Warn("tool failed", "tool", name, "elapsed", elapsed, "error", err)
		return &Response{Err: &HandlerError{Tool: name, Err: err}, Fatal: reg.tool.Fatal}
	}
	if resp == nil {
		resp = &Response{}
	}
	resp.Fatal = reg.tool.Fatal
	r.logger.Debug("tool completed", "tool", name, "elapsed", elapsed)
	return resp
}

// invoke isolates the panic recovery so a misbehaving handler turns
// into an error instead of taking the loop down.
func (r *Registry) invoke(ctx context.Context, t *Tool, args map[string]any, tctx *Context) (resp *Response, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			resp = nil
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return t.Handler(ctx, args, tctx)
}

// normalize converts args into the any-typed document shape the
// jsonschema validator expects. A nil map validates as an empty
// object.
func normalize(args map[string]any) any {
	if args == nil {
		return map[string]any{}
	}
	return args
}
