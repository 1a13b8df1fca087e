// Package schema wraps JSON Schema compilation and validation for tool
// parameters and typed LLM output. All dynamic JSON crossing the engine
// boundary validates here before anything downstream trusts it.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var errPrinter = message.NewPrinter(language.English)

// Compile builds a validator from a schema document. The document must
// declare a root "type"; self-describing schemas keep the registry
// honest about what tools accept.
func Compile(doc map[string]any) (*jsonschema.Schema, error) {
	if _, ok := doc["type"]; !ok {
		return nil, fmt.Errorf("schema missing root \"type\"")
	}

	// Callers build schemas as Go literals. Round-trip through JSON so
	// the compiler sees the decoded shapes it expects ([]any, float64).
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	normalized, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	const url = "inline://schema.json"
	if err := c.AddResource(url, normalized); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// Validate checks instance against a compiled schema and returns a
// flattened, field-level error on failure.
func Validate(compiled *jsonschema.Schema, instance any) error {
	err := compiled.Validate(instance)
	if err == nil {
		return nil
	}

	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		fields := FieldErrors(ve)
		if len(fields) > 0 {
			return fmt.Errorf("schema validation failed: %s", strings.Join(fields, "; "))
		}
	}
	return fmt.Errorf("schema validation failed: %w", err)
}

// FieldErrors flattens a validation error tree into per-field
// diagnostics of the form "/path/to/field: message".
func FieldErrors(ve *jsonschema.ValidationError) []string {
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			path := "/" + strings.Join(e.InstanceLocation, "/")
			out = append(out, fmt.Sprintf("%s: %s", path, e.ErrorKind.LocalizedString(errPrinter)))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}
