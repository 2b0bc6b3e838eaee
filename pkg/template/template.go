// Package template resolves {{steps.<id>.result.<path>}} and
// {{variables.<path>}} references inside step configuration.
package template

import (
	"regexp"
	"strings"

	"github.com/dukex/agentflow/pkg/value"
)

const (
	rootVariables = "variables"
	rootSteps     = "steps"
	stepResultKey = "result"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Scope is the data visible to interpolation: execution variables and the
// stored result of each completed step.
type Scope struct {
	Variables map[string]any
	Steps     map[string]any
}

// Lookup resolves a dotted reference such as "variables.user.name" or
// "steps.fetch.result.items.0".
func Lookup(ref string, scope Scope) (value.Value, bool) {
	parts := strings.Split(ref, ".")
	if len(parts) < 2 {
		return value.Value{}, false
	}

	switch parts[0] {
	case rootVariables:
		raw, ok := scope.Variables[parts[1]]
		if !ok {
			return value.Value{}, false
		}

		return value.From(raw).Lookup(parts[2:])
	case rootSteps:
		raw, ok := scope.Steps[parts[1]]
		if !ok {
			return value.Value{}, false
		}

		if len(parts) == 2 {
			return value.NewMap(map[string]value.Value{stepResultKey: value.From(raw)}), true
		}

		if parts[2] != stepResultKey {
			return value.Value{}, false
		}

		return value.From(raw).Lookup(parts[3:])
	default:
		return value.Value{}, false
	}
}

// Resolve replaces every resolvable token in input with its string form.
// Tokens that do not resolve are kept literally.
func Resolve(input string, scope Scope) string {
	if !strings.Contains(input, "{{") {
		return input
	}

	return tokenPattern.ReplaceAllStringFunc(input, func(token string) string {
		ref := tokenPattern.FindStringSubmatch(token)[1]

		resolved, ok := Lookup(ref, scope)
		if !ok {
			return token
		}

		return resolved.String()
	})
}

// ResolveValue behaves like Resolve, except that an input consisting of a
// single token yields the referenced value with its original type.
func ResolveValue(input string, scope Scope) any {
	trimmed := strings.TrimSpace(input)

	loc := tokenPattern.FindStringSubmatchIndex(trimmed)
	if loc != nil && loc[0] == 0 && loc[1] == len(trimmed) {
		ref := trimmed[loc[2]:loc[3]]
		if resolved, ok := Lookup(ref, scope); ok {
			return resolved.Any()
		}

		return input
	}

	return Resolve(input, scope)
}

// Interpolate walks maps and lists and resolves every string leaf.
func Interpolate(input any, scope Scope) any {
	switch v := input.(type) {
	case string:
		return ResolveValue(v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Interpolate(item, scope)
		}

		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Interpolate(item, scope)
		}

		return out
	default:
		return input
	}
}

// InterpolateMap is Interpolate specialised for payload maps.
func InterpolateMap(input map[string]any, scope Scope) map[string]any {
	if input == nil {
		return map[string]any{}
	}

	out, _ := Interpolate(input, scope).(map[string]any)

	return out
}

// References lists the distinct references used in input.
func References(input string) []string {
	matches := tokenPattern.FindAllStringSubmatch(input, -1)

	seen := make(map[string]bool, len(matches))
	refs := make([]string, 0, len(matches))

	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			refs = append(refs, m[1])
		}
	}

	return refs
}
