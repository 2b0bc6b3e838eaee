package value

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrom_Kinds(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want Kind
	}{
		{"nil", nil, Null},
		{"bool", true, Bool},
		{"int", 5, Number},
		{"int64", int64(5), Number},
		{"float", 1.5, Number},
		{"json number", json.Number("12"), Number},
		{"string", "x", String},
		{"list", []any{1, "a"}, List},
		{"string list", []string{"a"}, List},
		{"map", map[string]any{"a": 1}, Map},
		{"struct", struct{ A int }{A: 1}, Map},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, From(tt.in).Kind())
		})
	}
}

func TestValue_NumberCoercion(t *testing.T) {
	n, ok := NewString(" 42.5 ").Number()
	require.True(t, ok)
	assert.InDelta(t, 42.5, n, 0.0001)

	_, ok = NewString("abc").Number()
	assert.False(t, ok)

	n, ok = NewBool(true).Number()
	require.True(t, ok)
	assert.InDelta(t, 1.0, n, 0)

	_, ok = NewList(nil).Number()
	assert.False(t, ok)
}

func TestValue_StringCoercion(t *testing.T) {
	assert.Equal(t, "5", NewNumber(5).String())
	assert.Equal(t, "2.25", NewNumber(2.25).String())
	assert.Equal(t, "", NewNull().String())
	assert.Equal(t, "true", NewBool(true).String())
	assert.Equal(t, `[1,"a"]`, From([]any{1, "a"}).String())
	assert.Equal(t, `{"a":1}`, From(map[string]any{"a": 1}).String())
}

func TestValue_Truthy(t *testing.T) {
	assert.True(t, NewString("yes").Truthy())
	assert.False(t, NewString("false").Truthy())
	assert.False(t, NewString("").Truthy())
	assert.False(t, NewNumber(0).Truthy())
	assert.True(t, NewNumber(-1).Truthy())
	assert.False(t, NewNull().Truthy())
	assert.False(t, NewList(nil).Truthy())
	assert.True(t, From(map[string]any{"a": 1}).Truthy())
}

func TestValue_Equal(t *testing.T) {
	assert.True(t, NewNumber(10).Equal(NewString("10")))
	assert.True(t, NewString("abc").Equal(NewString("abc")))
	assert.False(t, NewString("abc").Equal(NewString("abd")))
	assert.True(t, NewBool(true).Equal(NewString("true")))
	assert.True(t, NewNull().Equal(NewNull()))
	assert.False(t, NewNull().Equal(NewString("")))
	assert.True(t, From([]any{1, 2}).Equal(From([]any{1.0, "2"})))
	assert.False(t, From([]any{1}).Equal(NewString("[1]")))
}

func TestValue_Contains(t *testing.T) {
	assert.True(t, NewString("hello world").Contains(NewString("world")))
	assert.True(t, From([]any{"a", "b"}).Contains(NewString("b")))
	assert.False(t, From([]any{"a", "b"}).Contains(NewString("c")))
	assert.True(t, From(map[string]any{"k": 1}).Contains(NewString("k")))
}

func TestValue_Lookup(t *testing.T) {
	v := From(map[string]any{
		"result": map[string]any{
			"items": []any{
				map[string]any{"name": "first"},
			},
		},
	})

	got, ok := v.LookupPath("result.items.0.name")
	require.True(t, ok)
	assert.Equal(t, "first", got.String())

	_, ok = v.LookupPath("result.items.3.name")
	assert.False(t, ok)

	_, ok = v.LookupPath("result.missing")
	assert.False(t, ok)
}

func TestValue_JSON(t *testing.T) {
	var v Value
	require.NoError(t, json.Unmarshal([]byte(`{"a":[1,true,null]}`), &v))
	assert.Equal(t, Map, v.Kind())

	raw, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":[1,true,null]}`, string(raw))
}

func TestNormalize(t *testing.T) {
	got := Normalize(map[string]int{"x": 5})
	assert.Equal(t, map[string]any{"x": 5.0}, got)
}
