package llm

import (
	"encoding/xml"
	"strings"
)

// parseXMLBlock parses an XML document into the canonical JSON shape.
// The root element is dropped; its children become object fields, with
// repeated sibling names collected into arrays. Leaf text is coerced
// using the schema's property types where declared.
func parseXMLBlock(raw string, outSchema map[string]any) (any, error) {
	text := stripFence(raw)
	start := strings.IndexByte(text, '<')
	end := strings.LastIndexByte(text, '>')
	if start < 0 || end <= start {
		return nil, &OutputFormatError{Format: FormatXML, Reason: "no XML document found"}
	}
	text = text[start : end+1]

	dec := xml.NewDecoder(strings.NewReader(text))
	// Find the root start element, skipping the prolog and comments.
	var root xml.StartElement
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, &OutputFormatError{Format: FormatXML, Reason: err.Error()}
		}
		if se, ok := tok.(xml.StartElement); ok {
			root = se
			break
		}
	}

	value, err := decodeXMLElement(dec, root)
	if err != nil {
		return nil, &OutputFormatError{Format: FormatXML, Reason: err.Error()}
	}

	// Apply schema-declared scalar types to top-level fields.
	if obj, ok := value.(map[string]any); ok {
		if props, ok := outSchema["properties"].(map[string]any); ok {
			for name, v := range obj {
				if s, ok := v.(string); ok {
					if prop, ok := props[name].(map[string]any); ok {
						obj[name] = coerceScalar(s, prop)
					}
				}
			}
		}
		return obj, nil
	}
	return value, nil
}

// decodeXMLElement consumes tokens until se's end element. Elements
// with only character data decode to strings; elements with children
// decode to objects, repeated child names becoming arrays.
func decodeXMLElement(dec *xml.Decoder, se xml.StartElement) (any, error) {
	children := make(map[string]any)
	var text strings.Builder
	hasChildren := false

	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			hasChildren = true
			child, err := decodeXMLElement(dec, t)
			if err != nil {
				return nil, err
			}
			name := t.Name.Local
			if existing, ok := children[name]; ok {
				if arr, ok := existing.([]any); ok {
					children[name] = append(arr, child)
				} else {
					children[name] = []any{existing, child}
				}
			} else {
				children[name] = child
			}
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if hasChildren {
				return children, nil
			}
			return strings.TrimSpace(text.String()), nil
		}
	}
}
