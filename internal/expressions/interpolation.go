package expressions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/blockflow/pkg/schema"
)

// HasInterpolation reports whether the string contains a ${{ }} reference.
func HasInterpolation(s string) bool {
	return strings.Contains(s, "${{")
}

// Render resolves ${{ path }} references in a template against the variable
// pool. Paths are dotted: ${{ user }} reads the pool entry, ${{ user.name }}
// walks into map values. String values are inserted bare; everything else is
// JSON-encoded. An unresolvable path is an error, never silently empty.
func Render(template string, vars map[string]any) (string, error) {
	if !HasInterpolation(template) {
		return template, nil
	}

	var result strings.Builder
	result.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "${{")
		if idx == -1 {
			result.WriteString(template[i:])
			break
		}
		result.WriteString(template[i : i+idx])
		i += idx

		end := strings.Index(template[i:], "}}")
		if end == -1 {
			return "", schema.NewErrorf(schema.ErrCodeValidation,
				"unterminated ${{ reference at offset %d", i)
		}

		path := strings.TrimSpace(template[i+3 : i+end])
		val, err := lookupPath(path, vars)
		if err != nil {
			return "", err
		}
		result.WriteString(stringify(val))

		i += end + 2
	}

	return result.String(), nil
}

// RenderArgs renders an args template and parses the result as a JSON object.
// An empty template yields an empty args map.
func RenderArgs(template string, vars map[string]any) (map[string]any, error) {
	if strings.TrimSpace(template) == "" {
		return map[string]any{}, nil
	}
	rendered, err := Render(template, vars)
	if err != nil {
		return nil, err
	}
	args := make(map[string]any)
	if err := json.Unmarshal([]byte(rendered), &args); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"args template did not render to a JSON object: %s", err.Error()).WithCause(err)
	}
	return args, nil
}

// lookupPath walks a dotted path through the variable pool.
func lookupPath(path string, vars map[string]any) (any, error) {
	if path == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty ${{ }} reference")
	}

	parts := strings.Split(path, ".")
	var current any = vars
	for depth, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"cannot descend into %q: %q is not an object",
				path, strings.Join(parts[:depth], "."))
		}
		current, ok = m[part]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"unknown reference %q (missing %q)", path, part)
		}
	}
	return current, nil
}

func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}
