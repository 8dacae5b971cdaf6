package token

import "fmt"

type Type int

const (
	ILLEGAL Type = iota
	EOF

	// Template structure
	TEMPLATE_DATA  // raw text between tags
	VARIABLE_START // {{
	VARIABLE_END   // }}
	BLOCK_START    // {%
	BLOCK_END      // %}

	// Identifiers + literals
	IDENT
	STRING // string literal with escapes resolved
	INT    // base-10 integer literal, fits int64
	FLOAT

	// Operators
	PLUS      // +
	MINUS     // -
	MUL       // *
	DIV       // /
	FLOOR_DIV // //
	POW       // **
	MOD       // %
	BANG      // !
	DOT       // .
	COMMA     // ,
	COLON     // :
	TILDE     // ~
	ASSIGN    // =
	PIPE      // |
	EQ        // ==
	NE        // !=
	GT        // >
	GTE       // >=
	LT        // <
	LTE       // <=

	// Delimiters
	LBRACKET // [
	RBRACKET // ]
	LPAREN   // (
	RPAREN   // )
	LBRACE   // {
	RBRACE   // }
)

// Token is produced by the lexer and consumed immediately by the parser.
// Literal holds the raw source slice; IntVal/FloatVal are populated for
// numeric tokens only.
type Token struct {
	Type     Type
	Literal  string
	IntVal   int64
	FloatVal float64
}

var describe = map[Type]string{
	ILLEGAL:        "illegal character",
	EOF:            "end of input",
	TEMPLATE_DATA:  "template data",
	VARIABLE_START: "start of variable block",
	VARIABLE_END:   "end of variable block",
	BLOCK_START:    "start of block",
	BLOCK_END:      "end of block",
	IDENT:          "identifier",
	STRING:         "string",
	INT:            "integer",
	FLOAT:          "float",
	PLUS:           "`+`",
	MINUS:          "`-`",
	MUL:            "`*`",
	DIV:            "`/`",
	FLOOR_DIV:      "`//`",
	POW:            "`**`",
	MOD:            "`%`",
	BANG:           "`!`",
	DOT:            "`.`",
	COMMA:          "`,`",
	COLON:          "`:`",
	TILDE:          "`~`",
	ASSIGN:         "`=`",
	PIPE:           "`|`",
	EQ:             "`==`",
	NE:             "`!=`",
	GT:             "`>`",
	GTE:            "`>=`",
	LT:             "`<`",
	LTE:            "`<=`",
	LBRACKET:       "`[`",
	RBRACKET:       "`]`",
	LPAREN:         "`(`",
	RPAREN:         "`)`",
	LBRACE:         "`{`",
	RBRACE:         "`}`",
}

// Describe returns the human readable name of the token used in
// parser diagnostics.
func (t Token) Describe() string {
	switch t.Type {
	case IDENT, STRING:
		return t.Literal
	default:
		return describe[t.Type]
	}
}

func (t Type) String() string { return describe[t] }

// Span is a half-open source region attached to AST nodes and
// instructions for error attribution. EndOffset >= StartOffset.
type Span struct {
	StartLine   uint32
	StartCol    uint32
	StartOffset uint32
	EndLine     uint32
	EndCol      uint32
	EndOffset   uint32
}

func (s Span) String() string {
	return fmt.Sprintf(" @ %d:%d-%d:%d", s.StartLine, s.StartCol, s.EndLine, s.EndCol)
}

// Loc is a cursor position while lexing, convertible to the start or
// end half of a Span.
type Loc struct {
	Line   uint32
	Col    uint32
	Offset uint32
}

func MakeSpan(start, end Loc) Span {
	return Span{
		StartLine:   start.Line,
		StartCol:    start.Col,
		StartOffset: start.Offset,
		EndLine:     end.Line,
		EndCol:      end.Col,
		EndOffset:   end.Offset,
	}
}
