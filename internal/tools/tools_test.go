package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func echoTool(name string) *Tool {
	return &Tool{
		Name:        name,
		Description: "echoes its input",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []string{"text"},
		},
		Handler: func(ctx context.Context, args map[string]any, tctx *Context) (*Response, error) {
			text, _ := args["text"].(string)
			return &Response{Full: text, UserVisible: "echoed"}, nil
		},
	}
}

func TestRegisterRejectsSchemaWithoutType(t *testing.T) {
	r := NewRegistry(nil)
	err := r.Register(&Tool{
		Name:       "bad",
		Parameters: map[string]any{"properties": map[string]any{}},
		Handler: func(ctx context.Context, args map[string]any, tctx *Context) (*Response, error) {
			return nil, nil
		},
	})
	if err == nil {
		t.Fatal("Register accepted schema without root type")
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(echoTool("echo")); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register(echoTool("echo")); err == nil {
		t.Fatal("Register accepted duplicate name")
	}
}

func TestDispatchSuccess(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(echoTool("echo")); err != nil {
		t.Fatal(err)
	}

	resp := r.Dispatch(context.Background(), "echo", map[string]any{"text": "hello"}, nil)
	if resp.Err != nil {
		t.Fatalf("Dispatch error: %v", resp.Err)
	}
	if resp.Full != "hello" || resp.UserVisible != "echoed" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	r := NewRegistry(nil)
	resp := r.Dispatch(context.Background(), "nope", nil, nil)

	var unknown *UnknownToolError
	if !errors.As(resp.Err, &unknown) {
		t.Fatalf("error = %v, want UnknownToolError", resp.Err)
	}
	if unknown.Name != "nope" {
		t.Errorf("Name = %q, want %q", unknown.Name, "nope")
	}
}

func TestDispatchInvalidParameters(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(echoTool("echo")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing required", map[string]any{}},
		{"wrong type", map[string]any{"text": 42.0}},
		{"nil args", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := r.Dispatch(context.Background(), "echo", tt.args, nil)
			var invalid *InvalidParametersError
			if !errors.As(resp.Err, &invalid) {
				t.Fatalf("error = %v, want InvalidParametersError", resp.Err)
			}
			if len(invalid.Fields) == 0 {
				t.Error("expected field-level diagnostics")
			}
		})
	}
}

func TestDispatchCapturesPanic(t *testing.T) {
	r := NewRegistry(nil)
	err := r.Register(&Tool{
		Name:       "boom",
		Parameters: map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any, tctx *Context) (*Response, error) {
			panic("handler exploded")
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	resp := r.Dispatch(context.Background(), "boom", nil, nil)
	var handlerErr *HandlerError
	if !errors.As(resp.Err, &handlerErr) {
		t.Fatalf("error = %v, want HandlerError", resp.Err)
	}
	if !strings.Contains(handlerErr.Error(), "handler exploded") {
		t.Errorf("error %q should carry the panic value", handlerErr.Error())
	}
}

func TestDispatchTimeout(t *testing.T) {
	r := NewRegistry(nil)
	err := r.Register(&Tool{
		Name:       "slow",
		Parameters: map[string]any{"type": "object"},
		Timeout:    20 * time.Millisecond,
		Handler: func(ctx context.Context, args map[string]any, tctx *Context) (*Response, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return &Response{Full: "too late"}, nil
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	resp := r.Dispatch(context.Background(), "slow", nil, nil)
	if resp.Err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Error("Dispatch did not enforce the per-tool timeout")
	}
}

func TestDispatchMarksFatal(t *testing.T) {
	r := NewRegistry(nil)
	err := r.Register(&Tool{
		Name:       "critical",
		Parameters: map[string]any{"type": "object"},
		Fatal:      true,
		Handler: func(ctx context.Context, args map[string]any, tctx *Context) (*Response, error) {
			return nil, errors.New("cannot continue")
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	resp := r.Dispatch(context.Background(), "critical", nil, nil)
	if resp.Err == nil || !resp.Fatal {
		t.Errorf("resp = %+v, want Fatal error response", resp)
	}
}

func TestSchemasFlatList(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(echoTool("echo")); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(echoTool("echo2")); err != nil {
		t.Fatal(err)
	}

	schemas := r.Schemas()
	if len(schemas) != 2 {
		t.Fatalf("len(Schemas()) = %d, want 2", len(schemas))
	}
	for _, s := range schemas {
		if s.Name == "" || s.Parameters == nil {
			t.Errorf("schema entry incomplete: %+v", s)
		}
	}
}
