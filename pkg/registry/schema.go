package registry

import (
	"fmt"

	"github.com/corvid-labs/rookery/pkg/errdefs"
)

// Schema is the JSON-Schema subset understood by the registry: object
// properties with typed fields, required lists, enums and typed arrays.
type Schema struct {
	Type       string             `json:"type"`
	Properties map[string]*Schema `json:"properties,omitempty"`
	Required   []string           `json:"required,omitempty"`
	Items      *Schema            `json:"items,omitempty"`
	Enum       []any              `json:"enum,omitempty"`
}

// Validate checks a decoded JSON value against the schema.
func (s *Schema) Validate(value any) error {
	return s.validate(value, "$")
}

func (s *Schema) validate(value any, path string) error {
	if len(s.Enum) > 0 {
		for _, allowed := range s.Enum {
			if value == allowed {
				return nil
			}
		}
		return errdefs.InvalidInput("%s: value %v is not one of the allowed values", path, value)
	}

	switch s.Type {
	case "object", "":
		obj, ok := value.(map[string]any)
		if !ok {
			return errdefs.InvalidInput("%s: expected object", path)
		}
		for _, req := range s.Required {
			if _, present := obj[req]; !present {
				return errdefs.InvalidInput("%s: missing required field %q", path, req)
			}
		}
		for name, prop := range s.Properties {
			v, present := obj[name]
			if !present {
				continue
			}
			if err := prop.validate(v, path+"."+name); err != nil {
				return err
			}
		}
	case "string":
		if _, ok := value.(string); !ok {
			return errdefs.InvalidInput("%s: expected string", path)
		}
	case "number":
		if _, ok := value.(float64); !ok {
			return errdefs.InvalidInput("%s: expected number", path)
		}
	case "integer":
		f, ok := value.(float64)
		if !ok || f != float64(int64(f)) {
			return errdefs.InvalidInput("%s: expected integer", path)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return errdefs.InvalidInput("%s: expected boolean", path)
		}
	case "array":
		items, ok := value.([]any)
		if !ok {
			return errdefs.InvalidInput("%s: expected array", path)
		}
		if s.Items != nil {
			for i, item := range items {
				if err := s.Items.validate(item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
					return err
				}
			}
		}
	default:
		return errdefs.InvalidInput("%s: unsupported schema type %q", path, s.Type)
	}
	return nil
}
