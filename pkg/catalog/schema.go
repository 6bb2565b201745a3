package catalog

import (
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"
)

// IsObjectSchema reports whether schema marshals to a JSON object whose
// "type" is "object", the only shape MCP accepts for tool input.
func IsObjectSchema(schema any) bool {
	switch s := schema.(type) {
	case nil:
		return false
	case *jsonschema.Schema:
		return s != nil && s.Type == "object"
	case map[string]any:
		return s["type"] == "object"
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return false
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return false
	}
	return m["type"] == "object"
}

// EmptyObjectSchema accepts any object.
func EmptyObjectSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object"}
}
