package schema

import (
	"strings"
	"testing"
)

var addSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"a": map[string]any{"type": "number"},
		"b": map[string]any{"type": "number"},
	},
	"required": []any{"a", "b"},
}

func TestCompileRejectsMissingRootType(t *testing.T) {
	_, err := Compile(map[string]any{"properties": map[string]any{}})
	if err == nil {
		t.Fatal("Compile() should reject schema without root type")
	}
}

func TestValidateAccepts(t *testing.T) {
	compiled, err := Compile(addSchema)
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	if err := Validate(compiled, map[string]any{"a": 2.0, "b": 3.0}); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
}

func TestValidateRejectsMissingField(t *testing.T) {
	compiled, err := Compile(addSchema)
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	err = Validate(compiled, map[string]any{"a": 2.0})
	if err == nil {
		t.Fatal("Validate() should reject missing required field")
	}
	if !strings.Contains(err.Error(), "b") {
		t.Errorf("error %q should name the missing field", err)
	}
}

func TestValidateRejectsWrongType(t *testing.T) {
	compiled, err := Compile(addSchema)
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	err = Validate(compiled, map[string]any{"a": "two", "b": 3.0})
	if err == nil {
		t.Fatal("Validate() should reject wrong-typed field")
	}
	if !strings.Contains(err.Error(), "/a") {
		t.Errorf("error %q should carry the field path /a", err)
	}
}
