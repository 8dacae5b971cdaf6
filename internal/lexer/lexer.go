package lexer

import (
	"strconv"
	"strings"

	"loom/internal/token"
	"loom/internal/value"
)

// Syntax configures the template delimiters. The defaults match the
// Jinja-compatible syntax models and macros are written in.
type Syntax struct {
	BlockStart          string
	BlockEnd            string
	VariableStart       string
	VariableEnd         string
	CommentStart        string
	CommentEnd          string
	KeepTrailingNewline bool
}

func DefaultSyntax() Syntax {
	return Syntax{
		BlockStart:    "{%",
		BlockEnd:      "%}",
		VariableStart: "{{",
		VariableEnd:   "}}",
		CommentStart:  "{#",
		CommentEnd:    "#}",
	}
}

type mode int

const (
	modeTemplate mode = iota
	modeVariable
	modeBlock
)

// Stream is a forward-only, restartable-once token stream. The parser
// reads it with one token of lookahead; the first error wins and the
// stream stays failed afterwards.
type Stream struct {
	source string
	syntax Syntax

	pos  int
	line uint32
	col  uint32

	mode        mode
	trimLeading bool
	braceDepth  int
	failed      error
}

// Tokenize starts lexing source. With inExpr set the whole input is a
// single expression with no delimiters, the mode used for
// expression-only evaluation.
func Tokenize(source string, inExpr bool, syntax Syntax) *Stream {
	s := &Stream{source: source, syntax: syntax, line: 1, col: 0}
	if inExpr {
		s.mode = modeVariable
		// no end marker in expression mode, EOF terminates
		s.syntax.VariableEnd = ""
	}
	return s
}

func (s *Stream) loc() token.Loc {
	return token.Loc{Line: s.line, Col: s.col, Offset: uint32(s.pos)}
}

func (s *Stream) rest() string { return s.source[s.pos:] }

func (s *Stream) advance(n int) {
	for i := 0; i < n; i++ {
		if s.source[s.pos+i] == '\n' {
			s.line++
			s.col = 0
		} else {
			s.col++
		}
	}
	s.pos += n
}

func (s *Stream) errorf(format string, a ...any) (token.Token, token.Span, error) {
	err := value.Errorf(value.SyntaxError, format, a...)
	s.failed = err
	span := token.MakeSpan(s.loc(), s.loc())
	return token.Token{Type: token.ILLEGAL}, span, err
}

// Next yields the next token. EOF is reported as a token.EOF token
// with a nil error.
func (s *Stream) Next() (token.Token, token.Span, error) {
	if s.failed != nil {
		return token.Token{Type: token.ILLEGAL}, token.Span{}, s.failed
	}
	switch s.mode {
	case modeTemplate:
		return s.nextTemplate()
	default:
		return s.nextInTag()
	}
}

func (s *Stream) nextTemplate() (token.Token, token.Span, error) {
	start := s.loc()
	if s.pos >= len(s.source) {
		return token.Token{Type: token.EOF}, token.MakeSpan(start, start), nil
	}

	rest := s.rest()
	idx := len(rest)
	kind := modeTemplate
	comment := false
	for marker, m := range map[string]mode{
		s.syntax.VariableStart: modeVariable,
		s.syntax.BlockStart:    modeBlock,
	} {
		if i := strings.Index(rest, marker); i >= 0 && i < idx {
			idx, kind, comment = i, m, false
		}
	}
	if i := strings.Index(rest, s.syntax.CommentStart); i >= 0 && i < idx {
		idx, comment = i, true
	}

	if idx > 0 {
		text := rest[:idx]
		if s.trimLeading {
			text = strings.TrimLeft(text, " \t\r\n")
			s.trimLeading = false
		}
		// a `-` just inside the upcoming marker trims our tail
		markerLen := len(s.syntax.VariableStart)
		if idx < len(rest) && idx+markerLen < len(rest) && rest[idx+markerLen] == '-' {
			text = strings.TrimRight(text, " \t\r\n")
		}
		s.advance(idx)
		tok := token.Token{Type: token.TEMPLATE_DATA, Literal: text}
		if text == "" {
			// fully trimmed, fall through to the tag
			return s.nextTemplate()
		}
		return tok, token.MakeSpan(start, s.loc()), nil
	}

	if comment {
		end := strings.Index(rest, s.syntax.CommentEnd)
		if end < 0 {
			return s.errorf("unexpected end of template, expected end of comment")
		}
		trim := end+len(s.syntax.CommentEnd) < len(rest) &&
			end > 0 && rest[end-1] == '-'
		s.advance(end + len(s.syntax.CommentEnd))
		s.trimLeading = trim
		return s.nextTemplate()
	}

	marker := s.syntax.VariableStart
	tokType := token.VARIABLE_START
	if kind == modeBlock {
		marker = s.syntax.BlockStart
		tokType = token.BLOCK_START
	}
	s.advance(len(marker))
	if s.pos < len(s.source) && (s.source[s.pos] == '-' || s.source[s.pos] == '+') {
		s.advance(1)
	}
	s.mode = kind
	s.trimLeading = false
	return token.Token{Type: tokType}, token.MakeSpan(start, s.loc()), nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentCont(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func (s *Stream) nextInTag() (token.Token, token.Span, error) {
	// skip whitespace inside the tag
	for s.pos < len(s.source) {
		c := s.source[s.pos]
		if c == ' ' || c == '\t' || c == '\r' || c == '\n' {
			s.advance(1)
			continue
		}
		break
	}

	start := s.loc()
	if s.pos >= len(s.source) {
		if s.mode != modeVariable || s.syntax.VariableEnd != "" {
			return s.errorf("unexpected end of template, expected end of %s",
				map[mode]string{modeVariable: "variable block", modeBlock: "block"}[s.mode])
		}
		return token.Token{Type: token.EOF}, token.MakeSpan(start, start), nil
	}

	rest := s.rest()

	// end markers, optionally preceded by whitespace control
	if s.mode == modeVariable && s.syntax.VariableEnd != "" && s.braceDepth == 0 {
		if t, sp, done := s.tryEndMarker(s.syntax.VariableEnd, token.VARIABLE_END, start); done {
			return t, sp, nil
		}
	}
	if s.mode == modeBlock {
		if t, sp, done := s.tryEndMarker(s.syntax.BlockEnd, token.BLOCK_END, start); done {
			return t, sp, nil
		}
	}

	c := rest[0]
	switch {
	case isIdentStart(c):
		n := 1
		for n < len(rest) && isIdentCont(rest[n]) {
			n++
		}
		lit := rest[:n]
		s.advance(n)
		return token.Token{Type: token.IDENT, Literal: lit}, token.MakeSpan(start, s.loc()), nil

	case isDigit(c):
		return s.lexNumber(start)

	case c == '"' || c == '\'':
		return s.lexString(start, c)
	}

	two := ""
	if len(rest) >= 2 {
		two = rest[:2]
	}
	var tt token.Type
	n := 2
	switch two {
	case "//":
		tt = token.FLOOR_DIV
	case "**":
		tt = token.POW
	case "==":
		tt = token.EQ
	case "!=":
		tt = token.NE
	case ">=":
		tt = token.GTE
	case "<=":
		tt = token.LTE
	default:
		n = 1
		switch c {
		case '+':
			tt = token.PLUS
		case '-':
			tt = token.MINUS
		case '*':
			tt = token.MUL
		case '/':
			tt = token.DIV
		case '%':
			tt = token.MOD
		case '!':
			tt = token.BANG
		case '.':
			tt = token.DOT
		case ',':
			tt = token.COMMA
		case ':':
			tt = token.COLON
		case '~':
			tt = token.TILDE
		case '=':
			tt = token.ASSIGN
		case '|':
			tt = token.PIPE
		case '>':
			tt = token.GT
		case '<':
			tt = token.LT
		case '(':
			tt = token.LPAREN
		case ')':
			tt = token.RPAREN
		case '[':
			tt = token.LBRACKET
		case ']':
			tt = token.RBRACKET
		case '{':
			tt = token.LBRACE
			s.braceDepth++
		case '}':
			tt = token.RBRACE
			if s.braceDepth > 0 {
				s.braceDepth--
			}
		default:
			return s.errorf("unexpected character %q", string(rune(c)))
		}
	}
	lit := rest[:n]
	s.advance(n)
	return token.Token{Type: tt, Literal: lit}, token.MakeSpan(start, s.loc()), nil
}

func (s *Stream) tryEndMarker(marker string, tt token.Type, start token.Loc) (token.Token, token.Span, bool) {
	rest := s.rest()
	trim := false
	if strings.HasPrefix(rest, "-"+marker) {
		trim = true
		rest = rest[1:]
		s.advance(1)
	} else if strings.HasPrefix(rest, "+"+marker) {
		rest = rest[1:]
		s.advance(1)
	} else if !strings.HasPrefix(rest, marker) {
		return token.Token{}, token.Span{}, false
	}
	s.advance(len(marker))
	s.mode = modeTemplate
	s.trimLeading = trim
	if tt == token.BLOCK_END && !s.syntax.KeepTrailingNewline && !trim {
		if strings.HasPrefix(s.rest(), "\r\n") {
			s.advance(2)
		} else if strings.HasPrefix(s.rest(), "\n") {
			s.advance(1)
		}
	}
	return token.Token{Type: tt}, token.MakeSpan(start, s.loc()), true
}

// SkipToBlockEnd discards input up to the end marker of the current
// block tag and clears any error hit along the way. The doc statement
// tolerates arbitrary junk in its header; its parser recovers the
// stream with this instead of failing.
func (s *Stream) SkipToBlockEnd() error {
	s.failed = nil
	rest := s.rest()
	idx := strings.Index(rest, s.syntax.BlockEnd)
	if idx < 0 {
		_, _, err := s.errorf("unexpected end of template, expected end of block")
		return err
	}
	if idx > 0 && (rest[idx-1] == '-' || rest[idx-1] == '+') {
		idx--
	}
	s.advance(idx)
	s.mode = modeBlock
	s.braceDepth = 0
	return nil
}

func (s *Stream) lexNumber(start token.Loc) (token.Token, token.Span, error) {
	rest := s.rest()
	n := 0
	for n < len(rest) && (isDigit(rest[n]) || rest[n] == '_') {
		n++
	}
	isFloat := false
	if n < len(rest) && rest[n] == '.' && n+1 < len(rest) && isDigit(rest[n+1]) {
		isFloat = true
		n++
		for n < len(rest) && isDigit(rest[n]) {
			n++
		}
	}
	if n < len(rest) && (rest[n] == 'e' || rest[n] == 'E') {
		m := n + 1
		if m < len(rest) && (rest[m] == '+' || rest[m] == '-') {
			m++
		}
		if m < len(rest) && isDigit(rest[m]) {
			isFloat = true
			n = m
			for n < len(rest) && isDigit(rest[n]) {
				n++
			}
		}
	}
	lit := rest[:n]
	s.advance(n)
	clean := strings.ReplaceAll(lit, "_", "")
	if !isFloat {
		if i, err := strconv.ParseInt(clean, 10, 64); err == nil {
			return token.Token{Type: token.INT, Literal: lit, IntVal: i}, token.MakeSpan(start, s.loc()), nil
		}
		// out of int64 range, fall back to float
	}
	f, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return s.errorf("invalid number %q", lit)
	}
	return token.Token{Type: token.FLOAT, Literal: lit, FloatVal: f}, token.MakeSpan(start, s.loc()), nil
}

func (s *Stream) lexString(start token.Loc, quote byte) (token.Token, token.Span, error) {
	rest := s.rest()
	var sb strings.Builder
	i := 1
	for i < len(rest) {
		c := rest[i]
		switch c {
		case quote:
			s.advance(i + 1)
			return token.Token{Type: token.STRING, Literal: sb.String()},
				token.MakeSpan(start, s.loc()), nil
		case '\\':
			if i+1 >= len(rest) {
				return s.errorf("unexpected end of string")
			}
			i++
			switch rest[i] {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case '\\', '"', '\'':
				sb.WriteByte(rest[i])
			case 'u':
				if i+5 > len(rest) {
					return s.errorf("invalid unicode escape")
				}
				code, err := strconv.ParseUint(rest[i+1:i+5], 16, 32)
				if err != nil {
					return s.errorf("invalid unicode escape")
				}
				sb.WriteRune(rune(code))
				i += 4
			default:
				err := value.Errorf(value.BadEscape, "unknown string escape \\%s", string(rune(rest[i])))
				s.failed = err
				return token.Token{Type: token.ILLEGAL}, token.MakeSpan(start, s.loc()), err
			}
			i++
		default:
			sb.WriteByte(c)
			i++
		}
	}
	return s.errorf("unexpected end of string")
}
