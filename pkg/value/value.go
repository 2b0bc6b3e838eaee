// Package value provides a tagged value type for workflow variables, step
// results and condition operands, with explicit coercion rules.
package value

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Kind is the tag of a Value.
type Kind uint8

const (
	Null Kind = iota
	Bool
	Number
	String
	List
	Map
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Bool:
		return "bool"
	case Number:
		return "number"
	case String:
		return "string"
	case List:
		return "list"
	case Map:
		return "map"
	default:
		return "unknown"
	}
}

// Value is an immutable tagged union. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	l    []Value
	m    map[string]Value
}

func NewNull() Value { return Value{} }

func NewBool(b bool) Value { return Value{kind: Bool, b: b} }

func NewNumber(n float64) Value { return Value{kind: Number, n: n} }

func NewString(s string) Value { return Value{kind: String, s: s} }

func NewList(items []Value) Value { return Value{kind: List, l: items} }

func NewMap(fields map[string]Value) Value {
	if fields == nil {
		fields = map[string]Value{}
	}

	return Value{kind: Map, m: fields}
}

// From converts a Go value (as produced by encoding/json or literal maps) into a Value.
func From(v any) Value {
	switch t := v.(type) {
	case nil:
		return Value{}
	case Value:
		return t
	case bool:
		return NewBool(t)
	case string:
		return NewString(t)
	case float64:
		return NewNumber(t)
	case float32:
		return NewNumber(float64(t))
	case int:
		return NewNumber(float64(t))
	case int8:
		return NewNumber(float64(t))
	case int16:
		return NewNumber(float64(t))
	case int32:
		return NewNumber(float64(t))
	case int64:
		return NewNumber(float64(t))
	case uint:
		return NewNumber(float64(t))
	case uint8:
		return NewNumber(float64(t))
	case uint16:
		return NewNumber(float64(t))
	case uint32:
		return NewNumber(float64(t))
	case uint64:
		return NewNumber(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return NewString(t.String())
		}

		return NewNumber(f)
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = From(item)
		}

		return NewList(items)
	case []string:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = NewString(item)
		}

		return NewList(items)
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for k, item := range t {
			fields[k] = From(item)
		}

		return NewMap(fields)
	case map[string]string:
		fields := make(map[string]Value, len(t))
		for k, item := range t {
			fields[k] = NewString(item)
		}

		return NewMap(fields)
	}

	return fromReflect(v)
}

// fromReflect handles typed slices, maps and structs by round-tripping through JSON.
func fromReflect(v any) Value {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return Value{}
		}
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return NewString(fmt.Sprint(v))
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return NewString(string(raw))
	}

	return From(decoded)
}

// Normalize converts arbitrary Go data into the plain JSON-like shape
// (nil, bool, float64, string, []any, map[string]any).
func Normalize(v any) any {
	return From(v).Any()
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == Null }

// Any returns the plain Go representation.
func (v Value) Any() any {
	switch v.kind {
	case Bool:
		return v.b
	case Number:
		return v.n
	case String:
		return v.s
	case List:
		out := make([]any, len(v.l))
		for i, item := range v.l {
			out[i] = item.Any()
		}

		return out
	case Map:
		out := make(map[string]any, len(v.m))
		for k, item := range v.m {
			out[k] = item.Any()
		}

		return out
	default:
		return nil
	}
}

// Items returns the elements of a list, or nil for other kinds.
func (v Value) Items() []Value {
	if v.kind != List {
		return nil
	}

	return v.l
}

// Fields returns the entries of a map, or nil for other kinds.
func (v Value) Fields() map[string]Value {
	if v.kind != Map {
		return nil
	}

	return v.m
}

// Number coerces to a float64. Strings are parsed, booleans map to 1/0,
// null maps to 0. Lists and maps and unparsable strings do not coerce.
func (v Value) Number() (float64, bool) {
	switch v.kind {
	case Number:
		return v.n, true
	case Bool:
		if v.b {
			return 1, true
		}

		return 0, true
	case String:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.s), 64)
		if err != nil {
			return 0, false
		}

		return f, true
	case Null:
		return 0, true
	default:
		return 0, false
	}
}

// IsNumeric reports whether the value is a number or a numeric string.
func (v Value) IsNumeric() bool {
	switch v.kind {
	case Number:
		return true
	case String:
		_, err := strconv.ParseFloat(strings.TrimSpace(v.s), 64)
		return err == nil
	default:
		return false
	}
}

// String coerces to a string. Null is empty, numbers use the shortest
// representation, lists and maps are rendered as JSON.
func (v Value) String() string {
	switch v.kind {
	case Null:
		return ""
	case Bool:
		return strconv.FormatBool(v.b)
	case Number:
		return FormatNumber(v.n)
	case String:
		return v.s
	default:
		raw, err := json.Marshal(v.Any())
		if err != nil {
			return ""
		}

		return string(raw)
	}
}

// FormatNumber renders integral floats without a fractional part.
func FormatNumber(n float64) string {
	if math.IsInf(n, 0) || math.IsNaN(n) {
		return strconv.FormatFloat(n, 'g', -1, 64)
	}

	return strconv.FormatFloat(n, 'f', -1, 64)
}

// Truthy follows the usual dynamic-language rules: false, 0, "", "false",
// null and empty collections are false.
func (v Value) Truthy() bool {
	switch v.kind {
	case Bool:
		return v.b
	case Number:
		return v.n != 0 && !math.IsNaN(v.n)
	case String:
		if b, err := strconv.ParseBool(v.s); err == nil {
			return b
		}

		return v.s != ""
	case List:
		return len(v.l) > 0
	case Map:
		return len(v.m) > 0
	default:
		return false
	}
}

// Equal compares two values. Numbers and numeric strings compare
// numerically; otherwise kinds must match, except that scalars fall back to
// string comparison.
func (v Value) Equal(o Value) bool {
	if v.kind == Null || o.kind == Null {
		return v.kind == o.kind
	}

	if v.IsNumeric() && o.IsNumeric() {
		a, _ := v.Number()
		b, _ := o.Number()

		return a == b
	}

	if v.kind == List && o.kind == List {
		if len(v.l) != len(o.l) {
			return false
		}

		for i := range v.l {
			if !v.l[i].Equal(o.l[i]) {
				return false
			}
		}

		return true
	}

	if v.kind == Map && o.kind == Map {
		if len(v.m) != len(o.m) {
			return false
		}

		for k, item := range v.m {
			other, ok := o.m[k]
			if !ok || !item.Equal(other) {
				return false
			}
		}

		return true
	}

	if v.kind == List || v.kind == Map || o.kind == List || o.kind == Map {
		return false
	}

	return v.String() == o.String()
}

// Contains reports membership for lists, key presence for maps and
// substring containment for everything else.
func (v Value) Contains(needle Value) bool {
	switch v.kind {
	case List:
		for _, item := range v.l {
			if item.Equal(needle) {
				return true
			}
		}

		return false
	case Map:
		_, ok := v.m[needle.String()]
		return ok
	default:
		return strings.Contains(v.String(), needle.String())
	}
}

// Get returns a map field or a list element addressed by a decimal index.
func (v Value) Get(key string) (Value, bool) {
	switch v.kind {
	case Map:
		item, ok := v.m[key]
		return item, ok
	case List:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(v.l) {
			return Value{}, false
		}

		return v.l[idx], true
	default:
		return Value{}, false
	}
}

// Lookup walks a path of keys.
func (v Value) Lookup(path []string) (Value, bool) {
	current := v
	for _, key := range path {
		next, ok := current.Get(key)
		if !ok {
			return Value{}, false
		}

		current = next
	}

	return current, true
}

// LookupPath walks a dotted path such as "result.items.0.name".
func (v Value) LookupPath(path string) (Value, bool) {
	if path == "" {
		return v, true
	}

	return v.Lookup(strings.Split(path, "."))
}

// Keys returns the sorted keys of a map value.
func (v Value) Keys() []string {
	if v.kind != Map {
		return nil
	}

	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}

	*v = From(decoded)

	return nil
}
