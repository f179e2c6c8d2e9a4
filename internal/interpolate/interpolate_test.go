package interpolate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestInterpolateBasics(t *testing.T) {
	scope := Scope{
		Variables:       map[string]any{"x": "v", "n": 42, "flag": true, "obj": map[string]any{"a": 1}, "empty": nil},
		CollectedInputs: map[string]any{"name": "Ada"},
	}
	tests := []struct {
		name, in, want string
	}{
		{"resolved variable", "{{x}}", "v"},
		{"whitespace inside braces", "{{ x }}", "v"},
		{"unresolved left verbatim", "{{missing}}", "{{missing}}"},
		{"number", "n={{n}}", "n=42"},
		{"bool", "{{flag}}", "true"},
		{"object serialized", "{{obj}}", `{"a":1}`},
		{"nil renders empty", "[{{empty}}]", "[]"},
		{"collected input", "Hello {{name}}!", "Hello Ada!"},
		{"mixed", "{{name}} {{missing}} {{x}}", "Ada {{missing}} v"},
		{"no tokens", "plain text", "plain text"},
		{"not an identifier", "{{a-b}}", "{{a-b}}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Interpolate(tt.in, scope))
		})
	}
}

func TestInterpolateDottedPaths(t *testing.T) {
	scope := Scope{
		Variables: map[string]any{
			"r_body": map[string]any{
				"order": map[string]any{"status": "shipped", "id": 7},
				"items": []any{"lamp", map[string]any{"sku": "B-2"}},
			},
			"headers": map[string]string{"etag": "abc"},
			"user":    "plain",
		},
		CollectedInputs: map[string]any{"r_body": map[string]any{"order": map[string]any{"status": "pending"}}},
	}
	tests := []struct {
		name, in, want string
	}{
		{"collected input wins at the root", "{{r_body.order.status}}", "pending"},
		{"missing leaf under shadowing root", "{{r_body.items.0}}", "{{r_body.items.0}}"},
		{"string map", "{{headers.etag}}", "abc"},
		{"into a scalar", "{{user.name}}", "{{user.name}}"},
		{"unknown root", "{{nobody.name}}", "{{nobody.name}}"},
		{"trailing dot is not a path", "{{user.}}", "{{user.}}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Interpolate(tt.in, scope))
		})
	}

	vars := Scope{Variables: scope.Variables}
	assert.Equal(t, "shipped #7", Interpolate("{{r_body.order.status}} #{{ r_body.order.id }}", vars))
	assert.Equal(t, "lamp", Interpolate("{{r_body.items.0}}", vars))
	assert.Equal(t, "B-2", Interpolate("{{r_body.items.1.sku}}", vars))
	assert.Equal(t, "{{r_body.items.2}}", Interpolate("{{r_body.items.2}}", vars))
	assert.Equal(t, `{"id":7,"status":"shipped"}`, Interpolate("{{r_body.order}}", vars))
}

func TestInterpolateEmptyScope(t *testing.T) {
	assert.Equal(t, "{{missing}}", Interpolate("{{missing}}", Scope{}))
}

func TestInterpolateUnserializable(t *testing.T) {
	scope := Scope{Variables: map[string]any{"ch": make(chan int)}}
	assert.Equal(t, "value: "+Unserializable, Interpolate("value: {{ch}}", scope))
}

func TestInterpolateIdempotentWithoutTokens(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.StringMatching(`[a-zA-Z0-9 .,!?{}]*`).Filter(func(s string) bool {
			return !placeholderRe.MatchString(s)
		}).Draw(t, "template")
		vars := map[string]any{"x": rapid.String().Draw(t, "x")}
		if got := Interpolate(s, Scope{Variables: vars}); got != s {
			t.Fatalf("expected %q unchanged, got %q", s, got)
		}
	})
}

func TestInterpolateRoundTripsVariable(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.StringMatching(`[a-z][a-z0-9_]{0,12}`).Draw(t, "name")
		value := rapid.StringMatching(`[a-zA-Z0-9 ]{0,20}`).Draw(t, "value")
		got := Interpolate("{{"+name+"}}", Scope{Variables: map[string]any{name: value}})
		if got != value {
			t.Fatalf("expected %q, got %q", value, got)
		}
	})
}

func TestCollectedInputsWinOverVariables(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "name")
		fromVars := rapid.StringMatching(`v[a-z]{0,8}`).Draw(t, "fromVars")
		fromInputs := rapid.StringMatching(`i[a-z]{0,8}`).Draw(t, "fromInputs")
		scope := Scope{
			Variables:       map[string]any{name: fromVars},
			CollectedInputs: map[string]any{name: fromInputs},
		}
		if got := Interpolate("{{"+name+"}}", scope); got != fromInputs {
			t.Fatalf("expected collected input %q, got %q", fromInputs, got)
		}
	})
}

func TestInterpolateValueNested(t *testing.T) {
	scope := Scope{Variables: map[string]any{"id": "123", "who": "bob"}}
	in := map[string]any{
		"user": map[string]any{"id": "{{id}}", "tags": []any{"{{who}}", 7}},
		"n":    3.5,
	}
	out := InterpolateValue(in, scope).(map[string]any)
	user := out["user"].(map[string]any)
	assert.Equal(t, "123", user["id"])
	assert.Equal(t, []any{"bob", 7}, user["tags"])
	assert.Equal(t, 3.5, out["n"])
	// input is not mutated
	assert.Equal(t, "{{id}}", in["user"].(map[string]any)["id"])
}

func TestInterpolateValueDepthBound(t *testing.T) {
	scope := Scope{Variables: map[string]any{"x": "resolved"}}

	var deep any = "{{x}}"
	for i := 0; i < MaxDepth+20; i++ {
		deep = map[string]any{"k": deep}
	}
	out := InterpolateValue(deep, scope)

	leaf := out
	for i := 0; i < MaxDepth+20; i++ {
		leaf = leaf.(map[string]any)["k"]
	}
	assert.Equal(t, "{{x}}", leaf, "leaves past the depth bound stay unchanged")

	var shallow any = "{{x}}"
	for i := 0; i < 5; i++ {
		shallow = []any{shallow}
	}
	res := InterpolateValue(shallow, scope)
	for i := 0; i < 5; i++ {
		res = res.([]any)[0]
	}
	assert.Equal(t, "resolved", res)
}
