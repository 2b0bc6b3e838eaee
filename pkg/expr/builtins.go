package expr

import (
	"errors"
	"math"
	"strings"

	"github.com/dukex/agentflow/pkg/value"
)

type builtin struct {
	arity int // -1 for variadic
	call  func(args []value.Value) (value.Value, error)
}

var errNotNumber = errors.New("argument is not a number")

func numericUnary(f func(float64) float64) builtin {
	return builtin{arity: 1, call: func(args []value.Value) (value.Value, error) {
		n, ok := args[0].Number()
		if !ok {
			return value.Value{}, errNotNumber
		}

		return numberValue(f(n)), nil
	}}
}

func numericFold(pick func(a, b float64) float64) builtin {
	return builtin{arity: -1, call: func(args []value.Value) (value.Value, error) {
		if len(args) == 0 {
			return value.Value{}, errors.New("at least one argument required")
		}

		acc, ok := args[0].Number()
		if !ok {
			return value.Value{}, errNotNumber
		}

		for _, arg := range args[1:] {
			n, ok := arg.Number()
			if !ok {
				return value.Value{}, errNotNumber
			}

			acc = pick(acc, n)
		}

		return numberValue(acc), nil
	}}
}

var builtins = map[string]builtin{
	"abs":   numericUnary(math.Abs),
	"floor": numericUnary(math.Floor),
	"ceil":  numericUnary(math.Ceil),
	"round": numericUnary(math.Round),
	"min":   numericFold(math.Min),
	"max":   numericFold(math.Max),
	"len": {arity: 1, call: func(args []value.Value) (value.Value, error) {
		switch args[0].Kind() {
		case value.List:
			return numberValue(float64(len(args[0].Items()))), nil
		case value.Map:
			return numberValue(float64(len(args[0].Fields()))), nil
		case value.Null:
			return numberValue(0), nil
		default:
			return numberValue(float64(len([]rune(args[0].String())))), nil
		}
	}},
	"upper": {arity: 1, call: func(args []value.Value) (value.Value, error) {
		return stringValue(strings.ToUpper(args[0].String())), nil
	}},
	"lower": {arity: 1, call: func(args []value.Value) (value.Value, error) {
		return stringValue(strings.ToLower(args[0].String())), nil
	}},
	"str": {arity: 1, call: func(args []value.Value) (value.Value, error) {
		return stringValue(args[0].String()), nil
	}},
	"num": {arity: 1, call: func(args []value.Value) (value.Value, error) {
		n, ok := args[0].Number()
		if !ok {
			return value.Value{}, errNotNumber
		}

		return numberValue(n), nil
	}},
	"contains": {arity: 2, call: func(args []value.Value) (value.Value, error) {
		return boolValue(args[0].Contains(args[1])), nil
	}},
	"default": {arity: 2, call: func(args []value.Value) (value.Value, error) {
		if args[0].IsNull() {
			return args[1], nil
		}

		return args[0], nil
	}},
}
