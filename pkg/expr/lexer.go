// Package expr implements the small expression language used by script
// steps: arithmetic, comparison and boolean logic over named values. There
// are no assignments, loops or host calls beyond a fixed set of builtins.
package expr

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokDot
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

var twoCharOps = []string{"==", "!=", "<=", ">=", "&&", "||"}

func tokenize(src string) ([]token, error) {
	var tokens []token

	i := 0
	for i < len(src) {
		c := rune(src[i])

		switch {
		case unicode.IsSpace(c):
			i++
		case unicode.IsDigit(c):
			start := i
			seenDot := false

			for i < len(src) && (unicode.IsDigit(rune(src[i])) || (src[i] == '.' && !seenDot)) {
				if src[i] == '.' {
					// "1.foo" is not a number; stop before the dot.
					if i+1 >= len(src) || !unicode.IsDigit(rune(src[i+1])) {
						break
					}

					seenDot = true
				}
				i++
			}

			tokens = append(tokens, token{kind: tokNumber, text: src[start:i], pos: start})
		case c == '_' || unicode.IsLetter(c):
			start := i
			for i < len(src) && (src[i] == '_' || unicode.IsLetter(rune(src[i])) || unicode.IsDigit(rune(src[i]))) {
				i++
			}

			tokens = append(tokens, token{kind: tokIdent, text: src[start:i], pos: start})
		case c == '"' || c == '\'':
			text, next, err := scanString(src, i)
			if err != nil {
				return nil, err
			}

			tokens = append(tokens, token{kind: tokString, text: text, pos: i})
			i = next
		case c == '(':
			tokens = append(tokens, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == '[':
			tokens = append(tokens, token{kind: tokLBracket, text: "[", pos: i})
			i++
		case c == ']':
			tokens = append(tokens, token{kind: tokRBracket, text: "]", pos: i})
			i++
		case c == '.':
			tokens = append(tokens, token{kind: tokDot, text: ".", pos: i})
			i++
		case c == ',':
			tokens = append(tokens, token{kind: tokComma, text: ",", pos: i})
			i++
		default:
			op := ""

			for _, candidate := range twoCharOps {
				if strings.HasPrefix(src[i:], candidate) {
					op = candidate
					break
				}
			}

			if op == "" && strings.ContainsRune("+-*/%<>!", c) {
				op = string(c)
			}

			if op == "" {
				return nil, fmt.Errorf("unexpected character %q at %d", c, i)
			}

			tokens = append(tokens, token{kind: tokOp, text: op, pos: i})
			i += len(op)
		}
	}

	tokens = append(tokens, token{kind: tokEOF, pos: len(src)})

	return tokens, nil
}

func scanString(src string, start int) (string, int, error) {
	quote := src[start]

	var sb strings.Builder

	i := start + 1
	for i < len(src) {
		c := src[i]

		switch {
		case c == '\\' && i+1 < len(src):
			switch src[i+1] {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteByte(src[i+1])
			}

			i += 2
		case c == quote:
			return sb.String(), i + 1, nil
		default:
			sb.WriteByte(c)
			i++
		}
	}

	return "", 0, fmt.Errorf("unterminated string starting at %d", start)
}
