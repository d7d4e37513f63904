package gateway

import (
	"fmt"
	"reflect"
	"strings"
)

// mapIdentity returns the runtime address backing m, used as an
// identity key for the sanitizer's cycle guard (not structural equality).
func mapIdentity(m map[string]any) uintptr {
	return reflect.ValueOf(m).Pointer()
}

// sanitizerDropKeys are copied nowhere; they have no meaning upstream.
var sanitizerDropKeys = map[string]bool{
	"$defs":       true,
	"definitions": true,
	"$schema":     true,
	"$id":         true,
	"const":       true,
	"oneOf":       true,
	"strict":      true,
}

// sanitizerPassThroughKeys are copied verbatim, unexamined.
var sanitizerPassThroughKeys = map[string]bool{
	"required":    true,
	"description": true,
	"enum":        true,
	"format":      true,
	"nullable":    true,
}

// SanitizeSchema reshapes a caller-supplied JSON-Schema fragment into the
// restricted dialect the upstream accepts, per the transformation rules:
// type uppercasing, properties/items recursion, allOf element-wise merge,
// anyOf-all-const collapse to enum, default folded into description, a
// fixed set of dropped keys, everything else passed through verbatim.
//
// Cycles are guarded by a visited-by-identity set keyed on the map
// reference, not structural equality.
func SanitizeSchema(schema map[string]any) map[string]any {
	return sanitize(schema, map[uintptr]bool{})
}

func sanitize(schema map[string]any, visited map[uintptr]bool) map[string]any {
	if schema == nil {
		return map[string]any{}
	}
	id := mapIdentity(schema)
	if visited[id] {
		return map[string]any{}
	}
	visited[id] = true

	out := map[string]any{}

	if t, ok := schema["type"]; ok {
		out["type"] = sanitizeType(t)
	}

	if v, ok := schema["properties"]; ok {
		if props, ok := v.(map[string]any); ok {
			sanitized := map[string]any{}
			for k, pv := range props {
				if pm, ok := pv.(map[string]any); ok {
					sanitized[k] = sanitize(pm, visited)
				} else {
					sanitized[k] = pv
				}
			}
			out["properties"] = sanitized
		}
	}

	if v, ok := schema["items"]; ok {
		if im, ok := v.(map[string]any); ok {
			out["items"] = sanitize(im, visited)
		} else {
			out["items"] = v
		}
	}

	if v, ok := schema["allOf"]; ok {
		if list, ok := v.([]any); ok {
			merged := mergeAllOf(list, visited)
			for k, mv := range merged {
				out[k] = mv
			}
		}
	}

	if v, ok := schema["anyOf"]; ok {
		if list, ok := v.([]any); ok {
			if enum, ok := collapseAnyOfConst(list); ok {
				out["enum"] = enum
			}
		}
	}

	description, hasDescription := out["description"].(string)
	if !hasDescription {
		if d, ok := schema["description"].(string); ok {
			description = d
			hasDescription = true
		}
	}
	if def, ok := schema["default"]; ok {
		if description == "" {
			description = fmt.Sprintf("(Default: %v)", def)
		} else {
			description = description + fmt.Sprintf(" (Default: %v)", def)
		}
		hasDescription = true
	}
	if hasDescription {
		out["description"] = description
	}

	for k, v := range schema {
		switch k {
		case "type", "properties", "items", "allOf", "anyOf", "default", "description":
			continue
		}
		if sanitizerDropKeys[k] {
			continue
		}
		if sanitizerPassThroughKeys[k] {
			out[k] = v
			continue
		}
		out[k] = v
	}

	return out
}

// sanitizeType maps a raw `type` value to an uppercase singleton from
// {STRING, NUMBER, INTEGER, BOOLEAN, ARRAY, OBJECT}.
func sanitizeType(t any) string {
	switch v := t.(type) {
	case string:
		return upperType(v)
	case []any:
		for _, entry := range v {
			if s, ok := entry.(string); ok && upperType(s) != "" && s != "null" {
				return upperType(s)
			}
		}
		return "STRING"
	default:
		return "STRING"
	}
}

func upperType(s string) string {
	switch strings.ToLower(s) {
	case "string":
		return "STRING"
	case "number":
		return "NUMBER"
	case "integer":
		return "INTEGER"
	case "boolean":
		return "BOOLEAN"
	case "array":
		return "ARRAY"
	case "object":
		return "OBJECT"
	case "null":
		return ""
	default:
		return "STRING"
	}
}

// mergeAllOf merges the array element-wise: union of properties,
// concatenation of required, last-writer-wins for all other keys.
func mergeAllOf(list []any, visited map[uintptr]bool) map[string]any {
	merged := map[string]any{}
	var required []any
	properties := map[string]any{}

	for _, entry := range list {
		em, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		sanitized := sanitize(em, visited)
		for k, v := range sanitized {
			switch k {
			case "required":
				if rs, ok := v.([]any); ok {
					required = append(required, rs...)
				}
			case "properties":
				if ps, ok := v.(map[string]any); ok {
					for pk, pv := range ps {
						properties[pk] = pv
					}
				}
			default:
				merged[k] = v
			}
		}
	}

	if len(required) > 0 {
		merged["required"] = required
	}
	if len(properties) > 0 {
		merged["properties"] = properties
	}
	return merged
}

// collapseAnyOfConst returns (enum, true) if every element of list carries
// a `const` key; otherwise (nil, false) and anyOf is dropped.
func collapseAnyOfConst(list []any) ([]any, bool) {
	if len(list) == 0 {
		return nil, false
	}
	enum := make([]any, 0, len(list))
	for _, entry := range list {
		em, ok := entry.(map[string]any)
		if !ok {
			return nil, false
		}
		c, ok := em["const"]
		if !ok {
			return nil, false
		}
		enum = append(enum, c)
	}
	return enum, true
}
