package expr

import (
	"fmt"
	"math"
	"strings"

	"github.com/dukex/agentflow/pkg/value"
)

// Env maps top-level names to values. Evaluation never mutates it.
type Env map[string]value.Value

// NewEnv builds an Env from plain Go data.
func NewEnv(vars map[string]any) Env {
	env := make(Env, len(vars))
	for k, v := range vars {
		env[k] = value.From(v)
	}

	return env
}

// Eval evaluates the program against env.
func (p *Program) Eval(env Env) (value.Value, error) {
	return p.root.eval(env)
}

// Evaluate compiles and evaluates src in one call.
func Evaluate(src string, env Env) (value.Value, error) {
	program, err := Compile(src)
	if err != nil {
		return value.Value{}, err
	}

	return program.Eval(env)
}

func numberValue(n float64) value.Value { return value.NewNumber(n) }

func stringValue(s string) value.Value { return value.NewString(s) }

func boolValue(b bool) value.Value { return value.NewBool(b) }

type node interface {
	eval(env Env) (value.Value, error)
}

type literalNode struct {
	v value.Value
}

func (n *literalNode) eval(Env) (value.Value, error) { return n.v, nil }

type identNode struct {
	name string
}

func (n *identNode) eval(env Env) (value.Value, error) {
	v, ok := env[n.name]
	if !ok {
		return value.Value{}, fmt.Errorf("%w: %s", ErrUndefined, n.name)
	}

	return v, nil
}

type memberNode struct {
	target node
	key    node
}

func (n *memberNode) eval(env Env) (value.Value, error) {
	target, err := n.target.eval(env)
	if err != nil {
		return value.Value{}, err
	}

	key, err := n.key.eval(env)
	if err != nil {
		return value.Value{}, err
	}

	// Missing members evaluate to null so that guards like `x.y == null` work.
	v, _ := target.Get(key.String())

	return v, nil
}

type unaryNode struct {
	op      string
	operand node
}

func (n *unaryNode) eval(env Env) (value.Value, error) {
	v, err := n.operand.eval(env)
	if err != nil {
		return value.Value{}, err
	}

	if n.op == "!" {
		return boolValue(!v.Truthy()), nil
	}

	f, ok := v.Number()
	if !ok {
		return value.Value{}, fmt.Errorf("%w: cannot negate %s", ErrRuntime, v.Kind())
	}

	return numberValue(-f), nil
}

type logicalNode struct {
	op    string
	left  node
	right node
}

func (n *logicalNode) eval(env Env) (value.Value, error) {
	left, err := n.left.eval(env)
	if err != nil {
		return value.Value{}, err
	}

	if n.op == "&&" && !left.Truthy() {
		return boolValue(false), nil
	}

	if n.op == "||" && left.Truthy() {
		return boolValue(true), nil
	}

	right, err := n.right.eval(env)
	if err != nil {
		return value.Value{}, err
	}

	return boolValue(right.Truthy()), nil
}

type binaryNode struct {
	op    string
	left  node
	right node
}

func (n *binaryNode) eval(env Env) (value.Value, error) {
	left, err := n.left.eval(env)
	if err != nil {
		return value.Value{}, err
	}

	right, err := n.right.eval(env)
	if err != nil {
		return value.Value{}, err
	}

	switch n.op {
	case "==":
		return boolValue(left.Equal(right)), nil
	case "!=":
		return boolValue(!left.Equal(right)), nil
	case "<", "<=", ">", ">=":
		return compare(n.op, left, right)
	case "+":
		if left.Kind() == value.String && !left.IsNumeric() || right.Kind() == value.String && !right.IsNumeric() {
			return stringValue(left.String() + right.String()), nil
		}

		return arithmetic(n.op, left, right)
	default:
		return arithmetic(n.op, left, right)
	}
}

func compare(op string, left, right value.Value) (value.Value, error) {
	if left.IsNumeric() && right.IsNumeric() {
		a, _ := left.Number()
		b, _ := right.Number()

		return boolValue(compareOrdered(op, a, b)), nil
	}

	if left.Kind() == value.String && right.Kind() == value.String {
		c := strings.Compare(left.String(), right.String())

		return boolValue(compareOrdered(op, float64(c), 0)), nil
	}

	return value.Value{}, fmt.Errorf("%w: cannot compare %s %s %s", ErrRuntime, left.Kind(), op, right.Kind())
}

func compareOrdered(op string, a, b float64) bool {
	switch op {
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	default:
		return a >= b
	}
}

func arithmetic(op string, left, right value.Value) (value.Value, error) {
	a, ok := left.Number()
	if !ok {
		return value.Value{}, fmt.Errorf("%w: %s is not a number", ErrRuntime, left.Kind())
	}

	b, ok := right.Number()
	if !ok {
		return value.Value{}, fmt.Errorf("%w: %s is not a number", ErrRuntime, right.Kind())
	}

	switch op {
	case "+":
		return numberValue(a + b), nil
	case "-":
		return numberValue(a - b), nil
	case "*":
		return numberValue(a * b), nil
	case "/":
		if b == 0 {
			return value.Value{}, fmt.Errorf("%w: division by zero", ErrRuntime)
		}

		return numberValue(a / b), nil
	case "%":
		if b == 0 {
			return value.Value{}, fmt.Errorf("%w: modulo by zero", ErrRuntime)
		}

		return numberValue(math.Mod(a, b)), nil
	default:
		return value.Value{}, fmt.Errorf("%w: unknown operator %s", ErrRuntime, op)
	}
}

type callNode struct {
	name string
	fn   builtin
	args []node
}

func (n *callNode) eval(env Env) (value.Value, error) {
	args := make([]value.Value, len(n.args))

	for i, arg := range n.args {
		v, err := arg.eval(env)
		if err != nil {
			return value.Value{}, err
		}

		args[i] = v
	}

	out, err := n.fn.call(args)
	if err != nil {
		return value.Value{}, fmt.Errorf("%w: %s: %v", ErrRuntime, n.name, err)
	}

	return out, nil
}
