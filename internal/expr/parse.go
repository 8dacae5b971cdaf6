package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// TryParse parses and validates a configuration expression.
func TryParse(source string) (Expr, error) {
	in := &input{tz: newTokenizer(source)}
	e, err := parseExpression(in)
	if err != nil {
		return nil, err
	}
	tok, err := in.next()
	if err != nil {
		return nil, err
	}
	if tok.kind != tokEOF {
		return nil, unexpectedToken(tok, token{kind: tokEOF})
	}
	if err := Validate(e); err != nil {
		return nil, err
	}
	return e, nil
}

type input struct {
	tz     *tokenizer
	peeked *token
}

func (in *input) next() (token, error) {
	if in.peeked != nil {
		tok := *in.peeked
		in.peeked = nil
		return tok, nil
	}
	return in.tz.next()
}

func (in *input) peek() (token, error) {
	if in.peeked == nil {
		tok, err := in.tz.next()
		if err != nil {
			return token{}, err
		}
		in.peeked = &tok
	}
	return *in.peeked, nil
}

func unexpectedToken(got token, expected ...token) error {
	parts := make([]string, len(expected))
	for i, t := range expected {
		parts[i] = t.debugString()
	}
	return fmt.Errorf("Unexpected token %s, expected: %s",
		got.debugString(), strings.Join(parts, ", "))
}

func atomExpectation() []token {
	return []token{
		{kind: tokLParen},
		{kind: tokInt, text: ".."},
		{kind: tokIdent, text: ".."},
	}
}

func parseExpression(in *input) (Expr, error) {
	return parseComparison(in)
}

// parseComparison is single-level and non-associative.
func parseComparison(in *input) (Expr, error) {
	lhs, err := parseArithmetic(in)
	if err != nil {
		return nil, err
	}
	tok, err := in.peek()
	if err != nil {
		return nil, err
	}
	var op ComparisonOp
	switch tok.kind {
	case tokLt:
		op = OpLessThan
	case tokLte:
		op = OpLessThanOrEqual
	case tokGt:
		op = OpGreaterThan
	case tokGte:
		op = OpGreaterThanOrEqual
	case tokEq:
		op = OpEqual
	case tokNeq:
		op = OpNotEqual
	default:
		return lhs, nil
	}
	if _, err := in.next(); err != nil {
		return nil, err
	}
	rhs, err := parseArithmetic(in)
	if err != nil {
		return nil, err
	}
	return &ComparisonBinary{Left: lhs, Op: op, Right: rhs}, nil
}

func parseArithmetic(in *input) (Expr, error) {
	lhs, err := parseAtom(in)
	if err != nil {
		return nil, err
	}
	for {
		tok, err := in.peek()
		if err != nil {
			return nil, err
		}
		var op ArithmeticOp
		switch tok.kind {
		case tokPlus:
			op = OpAdd
		case tokMinus:
			op = OpSubtract
		default:
			return lhs, nil
		}
		if _, err := in.next(); err != nil {
			return nil, err
		}
		rhs, err := parseAtom(in)
		if err != nil {
			return nil, err
		}
		lhs = &ArithmeticBinary{Left: lhs, Op: op, Right: rhs}
	}
}

func parseAtom(in *input) (Expr, error) {
	tok, err := in.next()
	if err != nil {
		return nil, err
	}
	switch tok.kind {
	case tokLParen:
		e, err := parseExpression(in)
		if err != nil {
			return nil, err
		}
		closing, err := in.next()
		if err != nil {
			return nil, err
		}
		if closing.kind != tokRParen {
			return nil, unexpectedToken(closing, token{kind: tokRParen})
		}
		return e, nil

	case tokInt:
		n, err := strconv.ParseInt(tok.text, 10, 64)
		if err != nil {
			// digit run, so only an out-of-range parse can fail
			return nil, fmt.Errorf("Invalid integer: number too large to fit in target type")
		}
		return &Integer{Val: n}, nil

	case tokIdent:
		peeked, err := in.peek()
		if err != nil {
			return nil, err
		}
		if peeked.kind != tokLParen {
			return &Variable{Name: tok.text}, nil
		}
		if _, err := in.next(); err != nil {
			return nil, err
		}
		var args []Expr
		peeked, err = in.peek()
		if err != nil {
			return nil, err
		}
		if peeked.kind == tokRParen {
			if _, err := in.next(); err != nil {
				return nil, err
			}
		} else {
			for {
				arg, err := parseExpression(in)
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				sep, err := in.peek()
				if err != nil {
					return nil, err
				}
				switch sep.kind {
				case tokComma:
					if _, err := in.next(); err != nil {
						return nil, err
					}
				case tokRParen:
					if _, err := in.next(); err != nil {
						return nil, err
					}
				default:
					return nil, unexpectedToken(sep, token{kind: tokComma}, token{kind: tokRParen})
				}
				if sep.kind == tokRParen {
					break
				}
			}
		}
		var fn Function
		switch tok.text {
		case "min":
			fn = FuncMin
		case "max":
			fn = FuncMax
		case "if":
			fn = FuncIf
		default:
			return nil, fmt.Errorf("Unknown function: %s", tok.text)
		}
		return &Call{Fn: fn, Args: args}, nil
	}
	return nil, unexpectedToken(tok, atomExpectation()...)
}
