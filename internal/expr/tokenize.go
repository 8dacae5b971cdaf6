// Package expr implements the restricted configuration expression
// sublanguage: integers, variables, + and -, comparisons, and the
// min/max/if builtins. It is self-contained and reports plain string
// errors; callers match on them exactly.
package expr

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokLParen tokenKind = iota
	tokRParen
	tokComma
	tokPlus
	tokMinus
	tokLt
	tokLte
	tokGt
	tokGte
	tokEq
	tokNeq
	tokInt
	tokIdent
	tokEOF
)

type token struct {
	kind tokenKind
	text string
}

// debugString renders a token the way error messages spell them.
func (t token) debugString() string {
	switch t.kind {
	case tokLParen:
		return "LParen"
	case tokRParen:
		return "RParen"
	case tokComma:
		return "Comma"
	case tokPlus:
		return "Plus"
	case tokMinus:
		return "Minus"
	case tokLt:
		return "Lt"
	case tokLte:
		return "Lte"
	case tokGt:
		return "Gt"
	case tokGte:
		return "Gte"
	case tokEq:
		return "Eq"
	case tokNeq:
		return "Neq"
	case tokInt:
		return fmt.Sprintf("Int(%q)", t.text)
	case tokIdent:
		return fmt.Sprintf("Ident(%q)", t.text)
	case tokEOF:
		return "Eof"
	}
	return "?"
}

// tokenizer is lazy: errors past a valid prefix only surface when the
// parser reaches them.
type tokenizer struct {
	source  string
	pos     int
	eofSent bool
}

func newTokenizer(source string) *tokenizer {
	return &tokenizer{source: source}
}

func (tz *tokenizer) peekRune() (rune, int, bool) {
	if tz.pos >= len(tz.source) {
		return 0, 0, false
	}
	r, size := utf8.DecodeRuneInString(tz.source[tz.pos:])
	return r, size, true
}

func (tz *tokenizer) moveIf(test func(rune) bool) bool {
	r, size, ok := tz.peekRune()
	if ok && test(r) {
		tz.pos += size
		return true
	}
	return false
}

func (tz *tokenizer) nextIs(test func(rune) bool) bool {
	r, _, ok := tz.peekRune()
	return ok && test(r)
}

func (tz *tokenizer) unexpected(offset int) error {
	r, _ := utf8.DecodeRuneInString(tz.source[offset:])
	return fmt.Errorf("Unexpected character '%c' at offset %d in: '%s'", r, offset, tz.source)
}

func isExprIdentContinue(r rune) bool {
	return r == '_' ||
		(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9')
}

func (tz *tokenizer) next() (token, error) {
	for tz.moveIf(unicode.IsSpace) {
	}
	offset := tz.pos
	r, size, ok := tz.peekRune()
	if !ok {
		if tz.eofSent {
			return token{}, fmt.Errorf("Unexpected end of input")
		}
		tz.eofSent = true
		return token{kind: tokEOF}, nil
	}
	tz.pos += size

	switch {
	case r == '(':
		return token{kind: tokLParen}, nil
	case r == ')':
		return token{kind: tokRParen}, nil
	case r == ',':
		return token{kind: tokComma}, nil
	case r == '+':
		return token{kind: tokPlus}, nil
	case r == '-':
		return token{kind: tokMinus}, nil
	case r == '<':
		if tz.moveIf(func(c rune) bool { return c == '=' }) {
			return token{kind: tokLte}, nil
		}
		return token{kind: tokLt}, nil
	case r == '>':
		if tz.moveIf(func(c rune) bool { return c == '=' }) {
			return token{kind: tokGte}, nil
		}
		return token{kind: tokGt}, nil
	case r == '=':
		if tz.moveIf(func(c rune) bool { return c == '=' }) {
			return token{kind: tokEq}, nil
		}
		return token{}, tz.unexpected(offset)
	case r == '!':
		if tz.moveIf(func(c rune) bool { return c == '=' }) {
			return token{kind: tokNeq}, nil
		}
		return token{}, tz.unexpected(offset)
	case r >= '0' && r <= '9':
		end := tz.pos
		for tz.moveIf(func(c rune) bool { return c >= '0' && c <= '9' }) {
			end = tz.pos
		}
		if tz.nextIs(isExprIdentContinue) {
			return token{}, tz.unexpected(end)
		}
		return token{kind: tokInt, text: tz.source[offset:end]}, nil
	case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		end := tz.pos
		for tz.moveIf(isExprIdentContinue) {
			end = tz.pos
		}
		return token{kind: tokIdent, text: tz.source[offset:end]}, nil
	}
	return token{}, tz.unexpected(offset)
}

// Tokenize scans the whole input, mostly a testing convenience; the
// parser consumes tokens lazily.
func Tokenize(source string) ([]string, error) {
	tz := newTokenizer(source)
	var out []string
	for {
		tok, err := tz.next()
		if err != nil {
			return nil, err
		}
		out = append(out, tok.debugString())
		if tok.kind == tokEOF {
			return out, nil
		}
	}
}
