package expr

import (
	"errors"
	"fmt"
	"strconv"
)

const (
	maxSourceLength = 4096
	maxDepth        = 64
)

var (
	ErrTooLong   = errors.New("expression too long")
	ErrTooDeep   = errors.New("expression nested too deeply")
	ErrEmpty     = errors.New("empty expression")
	ErrSyntax    = errors.New("syntax error")
	ErrRuntime   = errors.New("evaluation error")
	ErrUndefined = errors.New("undefined name")
)

// Program is a parsed expression ready for evaluation.
type Program struct {
	source string
	root   node
}

// Source returns the original expression text.
func (p *Program) Source() string { return p.source }

// Compile parses src into a Program.
func Compile(src string) (*Program, error) {
	if len(src) > maxSourceLength {
		return nil, ErrTooLong
	}

	tokens, err := tokenize(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}

	if len(tokens) == 1 {
		return nil, ErrEmpty
	}

	p := &parser{tokens: tokens}

	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	if tok := p.peek(); tok.kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, tok.text, tok.pos)
	}

	return &Program{source: src, root: root}, nil
}

type parser struct {
	tokens []token
	pos    int
	depth  int
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}

	return tok
}

func (p *parser) isOp(texts ...string) (string, bool) {
	tok := p.peek()

	for _, text := range texts {
		if tok.kind == tokOp && tok.text == text {
			return text, true
		}

		if tok.kind == tokIdent && tok.text == text {
			return text, true
		}
	}

	return "", false
}

func (p *parser) enter() error {
	p.depth++
	if p.depth > maxDepth {
		return ErrTooDeep
	}

	return nil
}

func (p *parser) leave() { p.depth-- }

func (p *parser) parseOr() (node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for {
		if _, ok := p.isOp("||", "or"); !ok {
			return left, nil
		}

		p.next()

		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}

		left = &logicalNode{op: "||", left: left, right: right}
	}
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}

	for {
		if _, ok := p.isOp("&&", "and"); !ok {
			return left, nil
		}

		p.next()

		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}

		left = &logicalNode{op: "&&", left: left, right: right}
	}
}

func (p *parser) parseNot() (node, error) {
	if _, ok := p.isOp("!", "not"); ok {
		p.next()

		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()

		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}

		return &unaryNode{op: "!", operand: operand}, nil
	}

	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}

	op, ok := p.isOp("==", "!=", "<", "<=", ">", ">=")
	if !ok {
		return left, nil
	}

	p.next()

	right, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}

	return &binaryNode{op: op, left: left, right: right}, nil
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}

	for {
		op, ok := p.isOp("+", "-")
		if !ok {
			return left, nil
		}

		p.next()

		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}

		left = &binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for {
		op, ok := p.isOp("*", "/", "%")
		if !ok {
			return left, nil
		}

		p.next()

		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}

		left = &binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	if _, ok := p.isOp("-"); ok {
		p.next()

		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()

		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}

		return &unaryNode{op: "-", operand: operand}, nil
	}

	return p.parsePostfix()
}

func (p *parser) parsePostfix() (node, error) {
	target, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for {
		switch p.peek().kind {
		case tokDot:
			p.next()

			tok := p.next()
			if tok.kind != tokIdent && tok.kind != tokNumber {
				return nil, fmt.Errorf("%w: expected field name at %d", ErrSyntax, tok.pos)
			}

			target = &memberNode{target: target, key: &literalNode{v: stringValue(tok.text)}}
		case tokLBracket:
			p.next()

			key, err := p.parseOr()
			if err != nil {
				return nil, err
			}

			if tok := p.next(); tok.kind != tokRBracket {
				return nil, fmt.Errorf("%w: expected ] at %d", ErrSyntax, tok.pos)
			}

			target = &memberNode{target: target, key: key}
		default:
			return target, nil
		}
	}
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.next()

	switch tok.kind {
	case tokNumber:
		n, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad number %q", ErrSyntax, tok.text)
		}

		return &literalNode{v: numberValue(n)}, nil
	case tokString:
		return &literalNode{v: stringValue(tok.text)}, nil
	case tokLParen:
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()

		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}

		if closing := p.next(); closing.kind != tokRParen {
			return nil, fmt.Errorf("%w: expected ) at %d", ErrSyntax, closing.pos)
		}

		return inner, nil
	case tokIdent:
		switch tok.text {
		case "true":
			return &literalNode{v: boolValue(true)}, nil
		case "false":
			return &literalNode{v: boolValue(false)}, nil
		case "null", "nil":
			return &literalNode{}, nil
		}

		if p.peek().kind == tokLParen {
			return p.parseCall(tok)
		}

		return &identNode{name: tok.text}, nil
	default:
		if tok.kind == tokEOF {
			return nil, fmt.Errorf("%w: unexpected end of expression", ErrSyntax)
		}

		return nil, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, tok.text, tok.pos)
	}
}

func (p *parser) parseCall(name token) (node, error) {
	fn, ok := builtins[name.text]
	if !ok {
		return nil, fmt.Errorf("%w: unknown function %q", ErrSyntax, name.text)
	}

	p.next() // (

	var args []node

	if p.peek().kind != tokRParen {
		for {
			arg, err := p.parseOr()
			if err != nil {
				return nil, err
			}

			args = append(args, arg)

			if p.peek().kind != tokComma {
				break
			}

			p.next()
		}
	}

	if tok := p.next(); tok.kind != tokRParen {
		return nil, fmt.Errorf("%w: expected ) at %d", ErrSyntax, tok.pos)
	}

	if fn.arity >= 0 && len(args) != fn.arity {
		return nil, fmt.Errorf("%w: %s expects %d arguments, got %d", ErrSyntax, name.text, fn.arity, len(args))
	}

	return &callNode{name: name.text, fn: fn, args: args}, nil
}
