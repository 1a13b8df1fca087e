package tools

import (
	"fmt"
	"strings"
)

// UnknownToolError is returned when a call targets a tool that is not
// registered. This is a capability mismatch, not a transient failure;
// the loop reports it to the model and continues.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

// InvalidParametersError is returned when a call's arguments fail the
// tool's parameter schema. Fields carries per-field diagnostics of the
// form "/path: message".
type InvalidParametersError struct {
	Tool   string
	Fields []string
}

func (e *InvalidParametersError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%s: invalid parameters", e.Tool)
	}
	return fmt.Sprintf("%s: invalid parameters: %s", e.Tool, strings.Join(e.Fields, "; "))
}

// HandlerError wraps a failure (or captured panic) from inside a tool
// handler.
type HandlerError struct {
	Tool string
	Err  error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s: %v", e.Tool, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
