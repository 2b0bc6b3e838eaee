package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testScope() Scope {
	return Scope{
		Variables: map[string]any{
			"x":    5,
			"user": map[string]any{"name": "ada", "roles": []any{"admin", "dev"}},
		},
		Steps: map[string]any{
			"fetch": map[string]any{
				"items": []any{map[string]any{"id": 7.0}},
				"ok":    true,
			},
		},
	}
}

func TestResolve(t *testing.T) {
	scope := testScope()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"variable number", "{{variables.x}}", "5"},
		{"missing variable kept literal", "{{variables.missing}}", "{{variables.missing}}"},
		{"nested variable", "hi {{variables.user.name}}!", "hi ada!"},
		{"list index", "{{variables.user.roles.1}}", "dev"},
		{"step result path", "id={{steps.fetch.result.items.0.id}}", "id=7"},
		{"step without result key", "{{steps.fetch.items}}", "{{steps.fetch.items}}"},
		{"unknown step", "{{steps.nope.result}}", "{{steps.nope.result}}"},
		{"unknown root", "{{env.HOME}}", "{{env.HOME}}"},
		{"whitespace in token", "{{ variables.x }}", "5"},
		{"no tokens", "plain", "plain"},
		{"mixed resolved and unresolved", "{{variables.x}}-{{variables.y}}", "5-{{variables.y}}"},
		{"whole map rendered as json", "{{variables.user.roles}}", `["admin","dev"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.input, scope))
		})
	}
}

func TestResolveValue_KeepsTypeForWholeToken(t *testing.T) {
	scope := testScope()

	assert.Equal(t, 5.0, ResolveValue("{{variables.x}}", scope))
	assert.Equal(t, true, ResolveValue("{{steps.fetch.result.ok}}", scope))
	assert.Equal(t, []any{"admin", "dev"}, ResolveValue("{{variables.user.roles}}", scope))
	assert.Equal(t, "x is 5", ResolveValue("x is {{variables.x}}", scope))
	assert.Equal(t, "{{variables.none}}", ResolveValue("{{variables.none}}", scope))
}

func TestInterpolate_Deep(t *testing.T) {
	scope := testScope()

	payload := map[string]any{
		"name":  "{{variables.user.name}}",
		"count": "{{variables.x}}",
		"list":  []any{"{{steps.fetch.result.items.0.id}}", 3},
		"keep":  42,
	}

	got := InterpolateMap(payload, scope)

	assert.Equal(t, "ada", got["name"])
	assert.Equal(t, 5.0, got["count"])
	assert.Equal(t, []any{7.0, 3}, got["list"])
	assert.Equal(t, 42, got["keep"])
	assert.Equal(t, "{{variables.user.name}}", payload["name"], "input must not be mutated")
}

func TestReferences(t *testing.T) {
	refs := References("{{variables.a}} {{steps.b.result}} {{variables.a}}")
	assert.Equal(t, []string{"variables.a", "steps.b.result"}, refs)
}
