package llm

import (
	"context"
	"errors"
	"testing"
)

// stubClient returns canned responses for typed-output tests.
type stubClient struct {
	text    string
	lastReq *Request
}

func (s *stubClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	s.lastReq = req
	return &Response{Text: s.text}, nil
}

func (s *stubClient) Ping(ctx context.Context) error { return nil }

var personSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"name": map[string]any{"type": "string"},
		"age":  map[string]any{"type": "number"},
	},
	"required": []any{"name", "age"},
}

type person struct {
	Name string  `json:"name"`
	Age  float64 `json:"age"`
}

func TestCompleteTypedJSON(t *testing.T) {
	client := &stubClient{text: "Sure, here you go:\n```json\n{\"name\": \"Ada\", \"age\": 36}\n```\nLet me know if you need more."}

	var got person
	req := &Request{Model: "test", Conversation: Conversation{TextMessage(RoleUser, "who?")}}
	if err := CompleteTyped(context.Background(), client, req, personSchema, FormatJSON, &got); err != nil {
		t.Fatalf("CompleteTyped() error: %v", err)
	}

	if got.Name != "Ada" || got.Age != 36 {
		t.Errorf("got %+v, want {Ada 36}", got)
	}

	// The instruction must be appended without mutating the caller's request.
	if n := len(client.lastReq.Conversation); n != 2 {
		t.Errorf("instructed conversation length = %d, want 2", n)
	}
	if n := len(req.Conversation); n != 1 {
		t.Errorf("original conversation length = %d, want 1", n)
	}
}

func TestCompleteTypedSchemaRejection(t *testing.T) {
	client := &stubClient{text: `{"name": "Ada"}`}

	var got person
	req := &Request{Model: "test"}
	err := CompleteTyped(context.Background(), client, req, personSchema, FormatJSON, &got)

	var sve *SchemaValidationError
	if !errors.As(err, &sve) {
		t.Fatalf("error = %v, want SchemaValidationError", err)
	}
}

func TestCompleteTypedUnparseable(t *testing.T) {
	client := &stubClient{text: "I could not produce the document, sorry."}

	var got person
	req := &Request{Model: "test"}
	err := CompleteTyped(context.Background(), client, req, personSchema, FormatJSON, &got)

	var ofe *OutputFormatError
	if !errors.As(err, &ofe) {
		t.Fatalf("error = %v, want OutputFormatError", err)
	}
}

func TestParseTypedFormats(t *testing.T) {
	tests := []struct {
		name   string
		format OutputFormat
		raw    string
	}{
		{"json plain", FormatJSON, `{"name": "Ada", "age": 36}`},
		{"json with prose", FormatJSON, `The result is {"name": "Ada", "age": 36} as requested.`},
		{"json fenced", FormatJSON, "```json\n{\"name\": \"Ada\", \"age\": 36}\n```"},
		{"yaml", FormatYAML, "name: Ada\nage: 36\n"},
		{"yaml fenced", FormatYAML, "```yaml\nname: Ada\nage: 36\n```"},
		{"toml", FormatTOML, "name = \"Ada\"\nage = 36\n"},
		{"toml with prose", FormatTOML, "Here is the document:\nname = \"Ada\"\nage = 36\n"},
		{"xml", FormatXML, "<output><name>Ada</name><age>36</age></output>"},
		{"xml with prose", FormatXML, "Document follows.\n<output><name>Ada</name><age>36</age></output>\nDone."},
		{"tags", FormatTags, "<name>Ada</name>\n<age>36</age>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, err := ParseTyped(tt.raw, tt.format, personSchema)
			if err != nil {
				t.Fatalf("ParseTyped() error: %v", err)
			}
			obj, ok := value.(map[string]any)
			if !ok {
				t.Fatalf("ParseTyped() = %T, want map", value)
			}
			if obj["name"] != "Ada" {
				t.Errorf("name = %v, want Ada", obj["name"])
			}
			if obj["age"] != 36.0 {
				t.Errorf("age = %v (%T), want 36.0", obj["age"], obj["age"])
			}
		})
	}
}

func TestParseTypedNestedJSONString(t *testing.T) {
	// Braces inside string literals must not confuse extraction.
	raw := `{"name": "Ada {the original}", "age": 36}`
	value, err := ParseTyped(raw, FormatJSON, personSchema)
	if err != nil {
		t.Fatalf("ParseTyped() error: %v", err)
	}
	obj := value.(map[string]any)
	if obj["name"] != "Ada {the original}" {
		t.Errorf("name = %v", obj["name"])
	}
}

func TestFormatInstructionDeterministic(t *testing.T) {
	a := FormatInstruction(FormatJSON, personSchema)
	b := FormatInstruction(FormatJSON, personSchema)
	if a != b {
		t.Error("FormatInstruction() not deterministic for identical inputs")
	}
}

func TestParseTagsUnclosed(t *testing.T) {
	_, err := ParseTyped("<name>Ada", FormatTags, personSchema)
	var ofe *OutputFormatError
	if !errors.As(err, &ofe) {
		t.Fatalf("error = %v, want OutputFormatError", err)
	}
}
