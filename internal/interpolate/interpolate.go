// Package interpolate resolves {{name}} and {{name.path}} placeholders against conversation variables.
package interpolate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// MaxDepth bounds InterpolateValue recursion.
const MaxDepth = 100

// Unserializable replaces a value that cannot be encoded as JSON.
const Unserializable = "[unserializable]"

var placeholderRe = regexp.MustCompile(`\{\{\s*(\w+(?:\.\w+)*)\s*\}\}`)

// Scope is the layered lookup used for placeholders.
// CollectedInputs takes priority over Variables.
type Scope struct {
	Variables       map[string]any
	CollectedInputs map[string]any
}

// Lookup returns the value bound to name. A dotted name walks into maps by key
// and into slices by index, starting from the first segment.
func (s Scope) Lookup(name string) (any, bool) {
	if v, ok := s.lookup(name); ok {
		return v, true
	}
	root, path, dotted := strings.Cut(name, ".")
	if !dotted {
		return nil, false
	}
	v, ok := s.lookup(root)
	if !ok {
		return nil, false
	}
	for _, key := range strings.Split(path, ".") {
		if v, ok = field(v, key); !ok {
			return nil, false
		}
	}
	return v, true
}

func (s Scope) lookup(name string) (any, bool) {
	if v, ok := s.CollectedInputs[name]; ok {
		return v, true
	}
	v, ok := s.Variables[name]
	return v, ok
}

func field(v any, key string) (any, bool) {
	switch t := v.(type) {
	case map[string]any:
		val, ok := t[key]
		return val, ok
	case map[string]string:
		val, ok := t[key]
		return val, ok
	case []any:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(t) {
			return nil, false
		}
		return t[i], true
	case []string:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(t) {
			return nil, false
		}
		return t[i], true
	}
	return nil, false
}

// Interpolate replaces every resolvable {{name}} in template.
// Unknown names are left untouched.
func Interpolate(template string, scope Scope) string {
	if template == "" {
		return template
	}
	return placeholderRe.ReplaceAllStringFunc(template, func(token string) string {
		m := placeholderRe.FindStringSubmatch(token)
		v, ok := scope.Lookup(m[1])
		if !ok {
			return token
		}
		return Stringify(v)
	})
}

// Stringify renders a variable value for inclusion in text.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Debug("interpolate.Stringify: value not serializable", "type", fmt.Sprintf("%T", v), "error", err)
		return Unserializable
	}
	return string(data)
}

// InterpolateValue applies Interpolate to every string leaf of v.
// Maps and slices are copied; structures deeper than MaxDepth are returned unchanged.
func InterpolateValue(v any, scope Scope) any {
	return interpolateValue(v, scope, 0)
}

func interpolateValue(v any, scope Scope, depth int) any {
	if depth > MaxDepth {
		slog.Warn("interpolate.InterpolateValue: max depth exceeded, returning value unchanged", "maxDepth", MaxDepth)
		return v
	}
	switch t := v.(type) {
	case string:
		return Interpolate(t, scope)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = interpolateValue(val, scope, depth+1)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, val := range t {
			out[k] = Interpolate(val, scope)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = interpolateValue(val, scope, depth+1)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, val := range t {
			out[i] = Interpolate(val, scope)
		}
		return out
	default:
		return v
	}
}
