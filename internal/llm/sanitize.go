package llm

// sanitizeToolDefinitions deep-copies tool definitions and strips JSON Schema
// constructs that some vendors reject. The caller's definitions are never
// mutated; providers share tool definitions across concurrent requests.
func sanitizeToolDefinitions(tools []ToolDefinition) []ToolDefinition {
	if len(tools) == 0 {
		return nil
	}
	out := make([]ToolDefinition, len(tools))
	for i, t := range tools {
		out[i] = ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  sanitizeSchema(t.Parameters),
		}
	}
	return out
}

// allowedStringFormats are the string formats accepted across every vendor
// we target. Anything else (uri, email, uuid, ...) gets stripped; Gemini in
// particular rejects unknown formats outright.
var allowedStringFormats = map[string]bool{
	"enum":      true,
	"date-time": true,
}

// sanitizeSchema returns a deep copy of a JSON Schema fragment with
// unsupported string formats removed. Maps and slices are copied; scalar
// leaves are shared.
func sanitizeSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out := make(map[string]any, len(schema))
	isString := schema["type"] == "string"
	for k, v := range schema {
		if k == "format" && isString {
			if f, ok := v.(string); ok && !allowedStringFormats[f] {
				continue
			}
		}
		out[k] = sanitizeSchemaValue(v)
	}
	return out
}

func sanitizeSchemaValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return sanitizeSchema(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeSchemaValue(item)
		}
		return out
	default:
		return v
	}
}
