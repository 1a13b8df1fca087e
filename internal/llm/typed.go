package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/loopworks/loopd/internal/schema"
)

// OutputFormat selects the serialization the model is instructed to
// emit for typed output.
type OutputFormat string

const (
	FormatNone OutputFormat = ""
	FormatJSON OutputFormat = "json"
	FormatYAML OutputFormat = "yaml"
	FormatTOML OutputFormat = "toml"
	FormatXML  OutputFormat = "xml"
	FormatTags OutputFormat = "tags"
)

// OutputFormatError reports that the model's response could not be
// parsed in the requested format.
type OutputFormatError struct {
	Format OutputFormat
	Reason string
}

func (e *OutputFormatError) Error() string {
	return fmt.Sprintf("output not parseable as %s: %s", e.Format, e.Reason)
}

// SchemaValidationError reports that parsed output failed schema
// validation.
type SchemaValidationError struct {
	Err error
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("typed output rejected: %v", e.Err)
}

func (e *SchemaValidationError) Unwrap() error { return e.Err }

// CompleteTyped wraps Complete with a structured-output contract: it
// appends a deterministic instruction describing the required format
// and schema, extracts the structured block from the response
// (tolerating surrounding prose), parses it, validates it against the
// schema, and unmarshals into out.
//
// The wrapper is pure with respect to network state: it makes exactly
// one Complete call and never retries. Retry policy belongs to the
// caller.
func CompleteTyped(ctx context.Context, client Client, req *Request, outSchema map[string]any, format OutputFormat, out any) error {
	if format == FormatNone {
		return fmt.Errorf("typed output requires a format")
	}
	compiled, err := schema.Compile(outSchema)
	if err != nil {
		return fmt.Errorf("output schema: %w", err)
	}

	instructed := *req
	instructed.Conversation = append(append(Conversation{}, req.Conversation...),
		TextMessage(RoleUser, FormatInstruction(format, outSchema)))
	instructed.OutputFormat = format
	instructed.OutputSchema = outSchema

	resp, err := client.Complete(ctx, &instructed)
	if err != nil {
		return err
	}
	if resp.Text == "" {
		return &OutputFormatError{Format: format, Reason: "response contained no text"}
	}

	value, err := ParseTyped(resp.Text, format, outSchema)
	if err != nil {
		return err
	}

	if err := schema.Validate(compiled, value); err != nil {
		return &SchemaValidationError{Err: err}
	}

	canonical, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("canonicalize output: %w", err)
	}
	if err := json.Unmarshal(canonical, out); err != nil {
		return fmt.Errorf("unmarshal typed output: %w", err)
	}
	return nil
}

// FormatInstruction builds the deterministic instruction appended to a
// typed-output request. Same inputs always produce the same text, so
// prompt caches stay warm.
func FormatInstruction(format OutputFormat, outSchema map[string]any) string {
	schemaJSON, _ := json.MarshalIndent(outSchema, "", "  ")

	var b strings.Builder
	b.WriteString("Respond with a single ")
	switch format {
	case FormatJSON:
		b.WriteString("JSON document")
	case FormatYAML:
		b.WriteString("YAML document")
	case FormatTOML:
		b.WriteString("TOML document")
	case FormatXML:
		b.WriteString("XML document with root element <output>")
	case FormatTags:
		b.WriteString("response using one <field>value</field> tag pair per field, tag names matching the schema properties")
	}
	b.WriteString(" conforming to this JSON Schema. Do not include any other commentary inside the document.\n\n")
	b.Write(schemaJSON)
	return b.String()
}

// ParseTyped extracts and parses the structured block from raw model
// text, returning a canonical JSON value (maps, slices, float64,
// string, bool, nil).
func ParseTyped(raw string, format OutputFormat, outSchema map[string]any) (any, error) {
	switch format {
	case FormatJSON:
		return parseJSONBlock(raw)
	case FormatYAML:
		return parseYAMLBlock(raw)
	case FormatTOML:
		return parseTOMLBlock(raw)
	case FormatXML:
		return parseXMLBlock(raw, outSchema)
	case FormatTags:
		return parseTagsBlock(raw, outSchema)
	default:
		return nil, &OutputFormatError{Format: format, Reason: "unrecognized format"}
	}
}

// stripFence returns the body of the first fenced code block, or the
// input unchanged when no fence is present.
func stripFence(raw string) string {
	start := strings.Index(raw, "```")
	if start < 0 {
		return raw
	}
	body := raw[start+3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		// Drop the language hint line (```json etc).
		first := strings.TrimSpace(body[:nl])
		if len(first) < 16 && !strings.ContainsAny(first, "{}[]=:<") {
			body = body[nl+1:]
		}
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return body
}

func parseJSONBlock(raw string) (any, error) {
	text := stripFence(raw)

	// Tolerate prose around the document: scan from the first opening
	// bracket to its matching close, respecting strings.
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return nil, &OutputFormatError{Format: FormatJSON, Reason: "no JSON object found"}
	}
	end := matchBracket(text, start)
	if end < 0 {
		return nil, &OutputFormatError{Format: FormatJSON, Reason: "unbalanced brackets"}
	}

	var value any
	if err := json.Unmarshal([]byte(text[start:end+1]), &value); err != nil {
		return nil, &OutputFormatError{Format: FormatJSON, Reason: err.Error()}
	}
	return value, nil
}

// matchBracket finds the index of the bracket closing the one at start,
// skipping string literals and escapes.
func matchBracket(s string, start int) int {
	open := s[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}
	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func parseYAMLBlock(raw string) (any, error) {
	text := strings.TrimSpace(stripFence(raw))

	var value any
	if err := yaml.Unmarshal([]byte(text), &value); err != nil {
		return nil, &OutputFormatError{Format: FormatYAML, Reason: err.Error()}
	}
	// Scalar results usually mean the parser swallowed prose whole.
	if _, ok := value.(string); ok {
		return nil, &OutputFormatError{Format: FormatYAML, Reason: "no YAML mapping found"}
	}
	return canonicalize(value)
}

func parseTOMLBlock(raw string) (any, error) {
	text := strings.TrimSpace(stripFence(raw))

	// Tolerate leading prose: start at the first line that looks like
	// a TOML assignment or table header.
	lines := strings.Split(text, "\n")
	start := 0
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") || strings.Contains(trimmed, "=") {
			start = i
			break
		}
	}
	text = strings.Join(lines[start:], "\n")

	var value map[string]any
	if err := toml.Unmarshal([]byte(text), &value); err != nil {
		return nil, &OutputFormatError{Format: FormatTOML, Reason: err.Error()}
	}
	return canonicalize(value)
}

// canonicalize converts parser-specific value trees (YAML ints, TOML
// int64/time) into the canonical JSON shape via a marshal round trip.
func canonicalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// parseTagsBlock pulls one <name>value</name> pair per schema property
// out of the raw text. Values are coerced to the property's declared
// type.
func parseTagsBlock(raw string, outSchema map[string]any) (any, error) {
	props, _ := outSchema["properties"].(map[string]any)
	if len(props) == 0 {
		return nil, &OutputFormatError{Format: FormatTags, Reason: "schema has no properties to match tags against"}
	}

	out := make(map[string]any)
	for name, propAny := range props {
		open := "<" + name + ">"
		close := "</" + name + ">"
		i := strings.Index(raw, open)
		if i < 0 {
			continue
		}
		j := strings.Index(raw[i:], close)
		if j < 0 {
			return nil, &OutputFormatError{Format: FormatTags, Reason: fmt.Sprintf("unclosed tag <%s>", name)}
		}
		value := strings.TrimSpace(raw[i+len(open) : i+j])
		prop, _ := propAny.(map[string]any)
		out[name] = coerceScalar(value, prop)
	}
	if len(out) == 0 {
		return nil, &OutputFormatError{Format: FormatTags, Reason: "no recognized tags in response"}
	}
	return out, nil
}

// coerceScalar converts a string value to the type the schema property
// declares. Unparseable values stay strings so schema validation can
// produce the diagnostic.
func coerceScalar(value string, prop map[string]any) any {
	typ, _ := prop["type"].(string)
	switch typ {
	case "number", "integer":
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	case "boolean":
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return value
}
