package jsontemplate

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Resolve replaces every {"$param": "name"} node in the JSON document with
// the named parameter's value and returns the rewritten document. Parameter
// values substitute as JSON strings, so only string-typed fields can be
// parameterized.
func Resolve(data []byte, params Params) ([]byte, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing config template: %w", err)
	}
	resolved, err := resolveNode(doc, params, "")
	if err != nil {
		return nil, err
	}
	return json.Marshal(resolved)
}

func resolveNode(node any, params Params, path string) (any, error) {
	switch value := node.(type) {
	case map[string]any:
		if raw, isRef := value["$param"]; isRef && len(value) == 1 {
			name, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("$param at %q must name a parameter", path)
			}
			resolved, found := params.Lookup(name)
			if !found {
				return nil, fmt.Errorf("missing parameter %q at %q", name, path)
			}
			return resolved, nil
		}

		result := make(map[string]any, len(value))
		for key, child := range value {
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}
			resolved, err := resolveNode(child, params, childPath)
			if err != nil {
				return nil, err
			}
			result[key] = resolved
		}
		return result, nil

	case []any:
		result := make([]any, len(value))
		for i, child := range value {
			resolved, err := resolveNode(child, params, path+"["+strconv.Itoa(i)+"]")
			if err != nil {
				return nil, err
			}
			result[i] = resolved
		}
		return result, nil

	default:
		return node, nil
	}
}
