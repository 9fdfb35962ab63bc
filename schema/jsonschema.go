package schema

import (
	"encoding/json"
	"fmt"
)

// JSONSchema renders the shape as a JSON Schema (draft 2020-12 compatible)
// document. The output is deterministic: object keys sort lexicographically
// and required lists are sorted.
func (s Shape) JSONSchema() (json.RawMessage, error) {
	if s.obj == nil {
		return nil, fmt.Errorf("cannot render nil object shape")
	}
	doc := renderObject(s.obj)
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("rendering schema: %w", err)
	}
	return raw, nil
}

func renderObject(o *ObjectShape) map[string]any {
	props := make(map[string]any, len(o.Fields))
	for name, f := range o.Fields {
		props[name] = renderField(f)
	}
	doc := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": o.Additional,
	}
	if req := o.Required(); len(req) > 0 {
		doc["required"] = req
	}
	return doc
}

func renderField(f *Field) map[string]any {
	if f == nil {
		return map[string]any{}
	}
	var doc map[string]any
	switch f.Kind {
	case KindString:
		doc = map[string]any{"type": "string"}
		if f.MinLen != nil {
			doc["minLength"] = *f.MinLen
		}
		if f.MaxLen != nil {
			doc["maxLength"] = *f.MaxLen
		}
		if len(f.Enum) > 0 {
			doc["enum"] = f.Enum
		}
		if f.Format != "" {
			doc["format"] = f.Format
		}
	case KindNumber:
		if f.Integer {
			doc = map[string]any{"type": "integer"}
		} else {
			doc = map[string]any{"type": "number"}
		}
		if f.Min != nil {
			doc["minimum"] = *f.Min
		}
		if f.Max != nil {
			doc["maximum"] = *f.Max
		}
	case KindBoolean:
		doc = map[string]any{"type": "boolean"}
	case KindArray:
		doc = map[string]any{"type": "array", "items": renderField(f.Elem)}
	case KindObject:
		doc = renderObject(f.Object)
	case KindLiteral:
		doc = map[string]any{"const": f.Value}
	default: // KindAny
		doc = map[string]any{}
	}
	if f.Description != "" {
		doc["description"] = f.Description
	}
	if f.Default != nil {
		doc["default"] = f.Default
	}
	return doc
}
