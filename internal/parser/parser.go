package parser

import (
	"strings"

	"loom/internal/ast"
	"loom/internal/lexer"
	"loom/internal/token"
	"loom/internal/value"
)

const maxRecursion = 100

// maxCallArgs bounds argument lists; beyond it the call is rejected
// rather than compiled.
const maxCallArgs = 2000

var reservedNames = map[string]bool{
	"true": true, "True": true,
	"false": true, "False": true,
	"none": true, "None": true,
	"loop": true, "self": true,
}

type entry struct {
	tok  token.Token
	span token.Span
}

type Parser struct {
	stream   *lexer.Stream
	filename string

	cur      entry
	peeked   *entry
	lastSpan token.Span

	depth   int
	inMacro bool
	inLoop  bool
}

// Parse compiles template source into an AST.
func Parse(source, filename string) (*ast.Template, error) {
	p, err := newParser(source, false, filename)
	if err != nil {
		return nil, err
	}
	children, _, err := p.subparse(nil)
	if err != nil {
		return nil, err
	}
	return &ast.Template{Children: children}, nil
}

// ParseExpr parses a lone expression, the grammar used by
// expression-only evaluation.
func ParseExpr(source string) (ast.Expr, error) {
	p, err := newParser(source, true, "<expression>")
	if err != nil {
		return nil, err
	}
	expr, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.cur.tok.Type != token.EOF {
		return nil, p.unexpected(p.cur, "end of input")
	}
	return expr, nil
}

func newParser(source string, inExpr bool, filename string) (*Parser, error) {
	p := &Parser{
		stream:   lexer.Tokenize(source, inExpr, lexer.DefaultSyntax()),
		filename: filename,
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Parser) advance() error {
	if p.peeked != nil {
		p.cur = *p.peeked
		p.peeked = nil
		p.lastSpan = p.cur.span
		return nil
	}
	tok, span, err := p.stream.Next()
	if err != nil {
		return p.located(err)
	}
	p.cur = entry{tok: tok, span: span}
	p.lastSpan = span
	return nil
}

func (p *Parser) peek() (entry, error) {
	if p.peeked == nil {
		tok, span, err := p.stream.Next()
		if err != nil {
			return entry{}, p.located(err)
		}
		p.peeked = &entry{tok: tok, span: span}
	}
	return *p.peeked, nil
}

// next consumes and returns the current token.
func (p *Parser) next() (entry, error) {
	e := p.cur
	return e, p.advance()
}

func (p *Parser) located(err error) error {
	if e, ok := err.(*value.Error); ok {
		e.AttachLocation(p.filename, p.lastSpan.StartLine)
	}
	return err
}

func (p *Parser) syntaxErrorf(format string, a ...any) error {
	return p.located(value.Errorf(value.SyntaxError, format, a...))
}

func (p *Parser) unexpected(e entry, expected string) error {
	if e.tok.Type == token.EOF {
		return p.syntaxErrorf("unexpected end of input, expected %s", expected)
	}
	return p.syntaxErrorf("unexpected %s, expected %s", e.tok.Describe(), expected)
}

func (p *Parser) expect(tt token.Type, expected string) (entry, error) {
	if p.cur.tok.Type != tt {
		return entry{}, p.unexpected(p.cur, expected)
	}
	return p.next()
}

func (p *Parser) skip(tt token.Type) (bool, error) {
	if p.cur.tok.Type == tt {
		return true, p.advance()
	}
	return false, nil
}

func (p *Parser) curIsIdent(name string) bool {
	return p.cur.tok.Type == token.IDENT && p.cur.tok.Literal == name
}

func (p *Parser) skipIdent(name string) (bool, error) {
	if p.curIsIdent(name) {
		return true, p.advance()
	}
	return false, nil
}

func (p *Parser) expandSpan(start token.Span) token.Span {
	out := start
	out.EndLine = p.lastSpan.EndLine
	out.EndCol = p.lastSpan.EndCol
	out.EndOffset = p.lastSpan.EndOffset
	return out
}

func (p *Parser) enter() error {
	p.depth++
	if p.depth > maxRecursion {
		return p.syntaxErrorf("template exceeds maximum recursion limits")
	}
	return nil
}

func (p *Parser) leave() { p.depth-- }

// subparse reads statements until one of endNames appears as a block
// keyword, returning the matched name with its ident consumed (the
// caller finishes the tag). A nil endNames set reads to end of input.
func (p *Parser) subparse(endNames []string) ([]ast.Stmt, string, error) {
	if err := p.enter(); err != nil {
		return nil, "", err
	}
	defer p.leave()

	var stmts []ast.Stmt
	for {
		e := p.cur
		switch e.tok.Type {
		case token.EOF:
			if len(endNames) > 0 {
				return nil, "", p.unexpected(e, "`{% "+strings.Join(endNames, " %}` or `{% ")+" %}`")
			}
			return stmts, "", nil

		case token.TEMPLATE_DATA:
			if err := p.advance(); err != nil {
				return nil, "", err
			}
			stmts = append(stmts, &ast.EmitRaw{Raw: e.tok.Literal})

		case token.VARIABLE_START:
			if err := p.advance(); err != nil {
				return nil, "", err
			}
			expr, err := p.parseExprOrImpliedTuple()
			if err != nil {
				return nil, "", err
			}
			if _, err := p.expect(token.VARIABLE_END, "end of variable block"); err != nil {
				return nil, "", err
			}
			node := &ast.EmitExpr{Expr: expr}
			node.Spn = p.expandSpan(e.span)
			stmts = append(stmts, node)

		case token.BLOCK_START:
			if err := p.advance(); err != nil {
				return nil, "", err
			}
			if p.cur.tok.Type != token.IDENT {
				return nil, "", p.unexpected(p.cur, "block keyword")
			}
			name := p.cur.tok.Literal
			for _, end := range endNames {
				if name == end {
					if err := p.advance(); err != nil {
						return nil, "", err
					}
					return stmts, name, nil
				}
			}
			stmt, err := p.parseStmt(e.span)
			if err != nil {
				return nil, "", err
			}
			if stmt != nil {
				stmts = append(stmts, stmt)
			}

		default:
			return nil, "", p.unexpected(e, "template content")
		}
	}
}

// endBlock finishes the current `{% ... %}` tag.
func (p *Parser) endBlock() error {
	_, err := p.expect(token.BLOCK_END, "end of block")
	return err
}

func (p *Parser) parseStmt(start token.Span) (ast.Stmt, error) {
	keyword := p.cur.tok.Literal
	if err := p.advance(); err != nil {
		return nil, err
	}
	switch keyword {
	case "for":
		return p.parseFor(start)
	case "if":
		return p.parseIf(start)
	case "with":
		return p.parseWith(start)
	case "set":
		return p.parseSet(start)
	case "autoescape":
		return p.parseAutoEscape(start)
	case "filter":
		return p.parseFilterBlock(start)
	case "block":
		return p.parseBlock(start)
	case "extends":
		return p.parseExtends(start)
	case "include":
		return p.parseInclude(start)
	case "import":
		return p.parseImport(start)
	case "from":
		return p.parseFromImport(start)
	case "macro":
		return p.parseMacro(start, "")
	case "test":
		return p.parseMacro(start, "test_")
	case "snapshot":
		return p.parseBodyOnlyMacro(start, "snapshot_", "endsnapshot")
	case "docs":
		return p.parseDocs(start)
	case "materialization":
		return p.parseMaterialization(start)
	case "call":
		return p.parseCallBlock(start)
	case "do":
		return p.parseDo(start)
	case "break":
		if !p.inLoop {
			return nil, p.syntaxErrorf("`break` is only allowed inside of a loop")
		}
		if err := p.endBlock(); err != nil {
			return nil, err
		}
		node := &ast.Break{}
		node.Spn = p.expandSpan(start)
		return node, nil
	case "continue":
		if !p.inLoop {
			return nil, p.syntaxErrorf("`continue` is only allowed inside of a loop")
		}
		if err := p.endBlock(); err != nil {
			return nil, err
		}
		node := &ast.Continue{}
		node.Spn = p.expandSpan(start)
		return node, nil
	}
	return nil, p.syntaxErrorf("unknown statement %s", keyword)
}

func (p *Parser) parseFor(start token.Span) (ast.Stmt, error) {
	target, err := p.parseAssignTarget(false)
	if err != nil {
		return nil, err
	}
	if ok, err := p.skipIdent("in"); err != nil {
		return nil, err
	} else if !ok {
		return nil, p.unexpected(p.cur, "`in`")
	}
	iter, err := p.parseExprNoIf()
	if err != nil {
		return nil, err
	}
	var filterExpr ast.Expr
	if ok, err := p.skipIdent("if"); err != nil {
		return nil, err
	} else if ok {
		filterExpr, err = p.parseExpr()
		if err != nil {
			return nil, err
		}
	}
	recursive, err := p.skipIdent("recursive")
	if err != nil {
		return nil, err
	}
	if err := p.endBlock(); err != nil {
		return nil, err
	}

	oldInLoop := p.inLoop
	p.inLoop = true
	body, end, err := p.subparse([]string{"else", "endfor"})
	p.inLoop = oldInLoop
	if err != nil {
		return nil, err
	}
	var elseBody []ast.Stmt
	if end == "else" {
		if err := p.endBlock(); err != nil {
			return nil, err
		}
		elseBody, _, err = p.subparse([]string{"endfor"})
		if err != nil {
			return nil, err
		}
	}
	if err := p.endBlock(); err != nil {
		return nil, err
	}

	node := &ast.ForLoop{
		Target:     target,
		Iter:       iter,
		FilterExpr: filterExpr,
		Recursive:  recursive,
		Body:       body,
		ElseBody:   elseBody,
	}
	node.Spn = p.expandSpan(start)
	return node, nil
}

func (p *Parser) parseIf(start token.Span) (ast.Stmt, error) {
	cond, err := p.parseExprNoIf()
	if err != nil {
		return nil, err
	}
	if err := p.endBlock(); err != nil {
		return nil, err
	}
	trueBody, end, err := p.subparse([]string{"elif", "else", "endif"})
	if err != nil {
		return nil, err
	}
	var falseBody []ast.Stmt
	switch end {
	case "elif":
		inner, err := p.parseIf(p.cur.span)
		if err != nil {
			return nil, err
		}
		falseBody = []ast.Stmt{inner}
	case "else":
		if err := p.endBlock(); err != nil {
			return nil, err
		}
		falseBody, _, err = p.subparse([]string{"endif"})
		if err != nil {
			return nil, err
		}
		if err := p.endBlock(); err != nil {
			return nil, err
		}
	default:
		if err := p.endBlock(); err != nil {
			return nil, err
		}
	}

	node := &ast.IfCond{Expr: cond, TrueBody: trueBody, FalseBody: falseBody}
	node.Spn = p.expandSpan(start)
	return node, nil
}

func (p *Parser) parseWith(start token.Span) (ast.Stmt, error) {
	var assignments []ast.Assignment
	for p.cur.tok.Type != token.BLOCK_END {
		if len(assignments) > 0 {
			if _, err := p.expect(token.COMMA, "`,`"); err != nil {
				return nil, err
			}
		}
		target, err := p.parseAssignTarget(false)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(token.ASSIGN, "`=`"); err != nil {
			return nil, err
		}
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, ast.Assignment{Target: target, Expr: expr})
	}
	if err := p.endBlock(); err != nil {
		return nil, err
	}
	body, _, err := p.subparse([]string{"endwith"})
	if err != nil {
		return nil, err
	}
	if err := p.endBlock(); err != nil {
		return nil, err
	}
	node := &ast.WithBlock{Assignments: assignments, Body: body}
	node.Spn = p.expandSpan(start)
	return node, nil
}

func (p *Parser) parseSet(start token.Span) (ast.Stmt, error) {
	target, err := p.parseAssignTarget(true)
	if err != nil {
		return nil, err
	}
	if p.cur.tok.Type == token.ASSIGN {
		if err := p.advance(); err != nil {
			return nil, err
		}
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.endBlock(); err != nil {
			return nil, err
		}
		node := &ast.Set{Target: target, Expr: expr}
		node.Spn = p.expandSpan(start)
		return node, nil
	}

	// set block, optionally with a trailing filter
	var filter ast.Expr
	if ok, err := p.skip(token.PIPE); err != nil {
		return nil, err
	} else if ok {
		filter, err = p.parseFilterChain(nil)
		if err != nil {
			return nil, err
		}
	}
	if err := p.endBlock(); err != nil {
		return nil, err
	}
	body, _, err := p.subparse([]string{"endset"})
	if err != nil {
		return nil, err
	}
	if err := p.endBlock(); err != nil {
		return nil, err
	}
	node := &ast.SetBlock{Target: target, Filter: filter, Body: body}
	node.Spn = p.expandSpan(start)
	return node, nil
}

func (p *Parser) parseAutoEscape(start token.Span) (ast.Stmt, error) {
	enabled, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.endBlock(); err != nil {
		return nil, err
	}
	body, _, err := p.subparse([]string{"endautoescape"})
	if err != nil {
		return nil, err
	}
	if err := p.endBlock(); err != nil {
		return nil, err
	}
	node := &ast.AutoEscape{Enabled: enabled, Body: body}
	node.Spn = p.expandSpan(start)
	return node, nil
}

func (p *Parser) parseFilterBlock(start token.Span) (ast.Stmt, error) {
	filter, err := p.parseFilterChain(nil)
	if err != nil {
		return nil, err
	}
	if err := p.endBlock(); err != nil {
		return nil, err
	}
	body, _, err := p.subparse([]string{"endfilter"})
	if err != nil {
		return nil, err
	}
	if err := p.endBlock(); err != nil {
		return nil, err
	}
	node := &ast.FilterBlock{Filter: filter, Body: body}
	node.Spn = p.expandSpan(start)
	return node, nil
}

func (p *Parser) parseBlock(start token.Span) (ast.Stmt, error) {
	nameTok, err := p.expect(token.IDENT, "identifier")
	if err != nil {
		return nil, err
	}
	if err := p.endBlock(); err != nil {
		return nil, err
	}
	body, _, err := p.subparse([]string{"endblock"})
	if err != nil {
		return nil, err
	}
	// `{% endblock name %}` names the closing tag
	if p.cur.tok.Type == token.IDENT {
		if p.cur.tok.Literal != nameTok.tok.Literal {
			return nil, p.syntaxErrorf("mismatched block closing tag %s", p.cur.tok.Literal)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	if err := p.endBlock(); err != nil {
		return nil, err
	}
	node := &ast.Block{Name: nameTok.tok.Literal, Body: body}
	node.Spn = p.expandSpan(start)
	return node, nil
}

func (p *Parser) parseExtends(start token.Span) (ast.Stmt, error) {
	name, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.endBlock(); err != nil {
		return nil, err
	}
	node := &ast.Extends{Name: name}
	node.Spn = p.expandSpan(start)
	return node, nil
}

func (p *Parser) parseInclude(start token.Span) (ast.Stmt, error) {
	name, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	ignoreMissing := false
	if ok, err := p.skipIdent("ignore"); err != nil {
		return nil, err
	} else if ok {
		if ok, err := p.skipIdent("missing"); err != nil {
			return nil, err
		} else if !ok {
			return nil, p.unexpected(p.cur, "`missing`")
		}
		ignoreMissing = true
	}
	if err := p.skipContextModifier(); err != nil {
		return nil, err
	}
	if err := p.endBlock(); err != nil {
		return nil, err
	}
	node := &ast.Include{Name: name, IgnoreMissing: ignoreMissing}
	node.Spn = p.expandSpan(start)
	return node, nil
}

// `with context` / `without context` is accepted and ignored; the
// whole resolved context is always visible.
func (p *Parser) skipContextModifier() error {
	for _, word := range []string{"with", "without"} {
		if ok, err := p.skipIdent(word); err != nil {
			return err
		} else if ok {
			if ok, err := p.skipIdent("context"); err != nil {
				return err
			} else if !ok {
				return p.unexpected(p.cur, "`context`")
			}
		}
	}
	return nil
}

func (p *Parser) parseImport(start token.Span) (ast.Stmt, error) {
	expr, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if ok, err := p.skipIdent("as"); err != nil {
		return nil, err
	} else if !ok {
		return nil, p.unexpected(p.cur, "`as`")
	}
	name, err := p.parseAssignTarget(false)
	if err != nil {
		return nil, err
	}
	if err := p.skipContextModifier(); err != nil {
		return nil, err
	}
	if err := p.endBlock(); err != nil {
		return nil, err
	}
	node := &ast.Import{Expr: expr, Name: name}
	node.Spn = p.expandSpan(start)
	return node, nil
}

func (p *Parser) parseFromImport(start token.Span) (ast.Stmt, error) {
	expr, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if ok, err := p.skipIdent("import"); err != nil {
		return nil, err
	} else if !ok {
		return nil, p.unexpected(p.cur, "`import`")
	}
	var names []ast.ImportName
	for p.cur.tok.Type != token.BLOCK_END {
		if len(names) > 0 {
			if _, err := p.expect(token.COMMA, "`,`"); err != nil {
				return nil, err
			}
		}
		if p.cur.tok.Type == token.BLOCK_END {
			break
		}
		if p.curIsIdent("with") || p.curIsIdent("without") {
			if err := p.skipContextModifier(); err != nil {
				return nil, err
			}
			break
		}
		name, err := p.parseAssignTarget(false)
		if err != nil {
			return nil, err
		}
		var alias ast.Expr
		if ok, err := p.skipIdent("as"); err != nil {
			return nil, err
		} else if ok {
			alias, err = p.parseAssignTarget(false)
			if err != nil {
				return nil, err
			}
		}
		names = append(names, ast.ImportName{Name: name, Alias: alias})
	}
	if err := p.endBlock(); err != nil {
		return nil, err
	}
	node := &ast.FromImport{Expr: expr, Names: names}
	node.Spn = p.expandSpan(start)
	return node, nil
}

// parseMacro handles `macro` and the dbt `test` kind which compiles to
// a macro with a prefixed name.
func (p *Parser) parseMacro(start token.Span, prefix string) (ast.Stmt, error) {
	nameTok, err := p.expect(token.IDENT, "identifier")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(token.LPAREN, "`(`"); err != nil {
		return nil, err
	}
	args, defaults, err := p.parseMacroArgsAndDefaults()
	if err != nil {
		return nil, err
	}
	endName := "endmacro"
	if prefix != "" {
		endName = "end" + strings.TrimSuffix(prefix, "_")
	}
	return p.parseMacroBody(start, prefix+nameTok.tok.Literal, args, defaults, endName)
}

func (p *Parser) parseMacroArgsAndDefaults() ([]ast.Expr, []ast.Expr, error) {
	var args, defaults []ast.Expr
	for p.cur.tok.Type != token.RPAREN {
		if len(args) > 0 {
			if _, err := p.expect(token.COMMA, "`,`"); err != nil {
				return nil, nil, err
			}
			if p.cur.tok.Type == token.RPAREN {
				break
			}
		}
		arg, err := p.parseAssignTarget(false)
		if err != nil {
			return nil, nil, err
		}
		args = append(args, arg)
		if ok, err := p.skip(token.ASSIGN); err != nil {
			return nil, nil, err
		} else if ok {
			def, err := p.parseExpr()
			if err != nil {
				return nil, nil, err
			}
			defaults = append(defaults, def)
		} else if len(defaults) > 0 {
			return nil, nil, p.syntaxErrorf("non-default argument follows default argument")
		}
	}
	if _, err := p.expect(token.RPAREN, "`)`"); err != nil {
		return nil, nil, err
	}
	return args, defaults, nil
}

func (p *Parser) parseMacroBody(start token.Span, name string, args, defaults []ast.Expr, endName string) (*ast.Macro, error) {
	if err := p.endBlock(); err != nil {
		return nil, err
	}
	oldInLoop, oldInMacro := p.inLoop, p.inMacro
	p.inLoop, p.inMacro = false, true
	body, _, err := p.subparse([]string{endName})
	p.inLoop, p.inMacro = oldInLoop, oldInMacro
	if err != nil {
		return nil, err
	}
	if err := p.endBlock(); err != nil {
		return nil, err
	}
	node := &ast.Macro{Name: name, Args: args, Defaults: defaults, Body: body}
	node.Spn = p.expandSpan(start)
	return node, nil
}

// parseBodyOnlyMacro covers the dbt kinds whose header is just a name
// (snapshot) and whose body compiles to an argless macro.
func (p *Parser) parseBodyOnlyMacro(start token.Span, prefix, endName string) (ast.Stmt, error) {
	nameTok, err := p.expect(token.IDENT, "identifier")
	if err != nil {
		return nil, err
	}
	return p.parseMacroBody(start, prefix+nameTok.tok.Literal, nil, nil, endName)
}

// parseDocs tolerates arbitrary garbage between the doc name and the
// end of the tag, reproducing the permissive dbt behavior.
func (p *Parser) parseDocs(start token.Span) (ast.Stmt, error) {
	if p.cur.tok.Type != token.IDENT {
		return nil, p.unexpected(p.cur, "identifier")
	}
	name := p.cur.tok.Literal
	for p.cur.tok.Type != token.BLOCK_END {
		if p.cur.tok.Type == token.EOF {
			return nil, p.unexpected(p.cur, "end of block")
		}
		if err := p.advance(); err != nil {
			// junk in the header is skipped, even unlexable input
			p.peeked = nil
			if err := p.stream.SkipToBlockEnd(); err != nil {
				return nil, p.located(err)
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}
	if err := p.advance(); err != nil { // consume %}
		return nil, err
	}
	oldInLoop, oldInMacro := p.inLoop, p.inMacro
	p.inLoop, p.inMacro = false, true
	body, _, err := p.subparse([]string{"enddocs"})
	p.inLoop, p.inMacro = oldInLoop, oldInMacro
	if err != nil {
		return nil, err
	}
	if err := p.endBlock(); err != nil {
		return nil, err
	}
	node := &ast.Macro{Name: "docs_" + name, Body: body}
	node.Spn = p.expandSpan(start)
	return node, nil
}

// parseMaterialization handles
// `{% materialization name, adapter="x" %}`; the adapter slot defaults
// to `default` and becomes part of the macro name.
func (p *Parser) parseMaterialization(start token.Span) (ast.Stmt, error) {
	nameTok, err := p.expect(token.IDENT, "identifier")
	if err != nil {
		return nil, err
	}
	adapter := "default"
	for {
		ok, err := p.skip(token.COMMA)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if p.curIsIdent("default") {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		key, err := p.expect(token.IDENT, "`adapter` or `supported_languages`")
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(token.ASSIGN, "`=`"); err != nil {
			return nil, err
		}
		val, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if key.tok.Literal == "adapter" {
			if c, isConst := val.(*ast.Const); isConst {
				if s, isStr := c.Val.AsStr(); isStr {
					adapter = s
				}
			}
		}
	}
	return p.parseMacroBody(start,
		"materialization_"+nameTok.tok.Literal+"_"+adapter,
		nil, nil, "endmaterialization")
}

func (p *Parser) parseCallBlock(start token.Span) (ast.Stmt, error) {
	var args, defaults []ast.Expr
	if ok, err := p.skip(token.LPAREN); err != nil {
		return nil, err
	} else if ok {
		args, defaults, err = p.parseMacroArgsAndDefaults()
		if err != nil {
			return nil, err
		}
	}
	expr, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	call, ok := expr.(*ast.Call)
	if !ok {
		return nil, p.syntaxErrorf("expected call expression in call block")
	}
	if err := p.endBlock(); err != nil {
		return nil, err
	}
	oldInLoop, oldInMacro := p.inLoop, p.inMacro
	p.inLoop, p.inMacro = false, true
	body, _, err := p.subparse([]string{"endcall"})
	p.inLoop, p.inMacro = oldInLoop, oldInMacro
	if err != nil {
		return nil, err
	}
	if err := p.endBlock(); err != nil {
		return nil, err
	}
	decl := &ast.Macro{Name: "caller", Args: args, Defaults: defaults, Body: body}
	decl.Spn = p.expandSpan(start)
	node := &ast.CallBlock{Call: call, MacroDecl: decl}
	node.Spn = p.expandSpan(start)
	return node, nil
}

func (p *Parser) parseDo(start token.Span) (ast.Stmt, error) {
	expr, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.endBlock(); err != nil {
		return nil, err
	}
	node := &ast.Do{Expr: expr}
	node.Spn = p.expandSpan(start)
	return node, nil
}

// parseAssignTarget parses the left side of an assignment: a name, a
// destructuring tuple/list, or (withAttr) a dotted namespace path.
func (p *Parser) parseAssignTarget(withAttr bool) (ast.Expr, error) {
	start := p.cur.span
	switch p.cur.tok.Type {
	case token.LPAREN:
		if err := p.advance(); err != nil {
			return nil, err
		}
		items, err := p.parseTargetList(token.RPAREN)
		if err != nil {
			return nil, err
		}
		node := &ast.Tuple{Items: items}
		node.Spn = p.expandSpan(start)
		return node, nil
	case token.LBRACKET:
		if err := p.advance(); err != nil {
			return nil, err
		}
		items, err := p.parseTargetList(token.RBRACKET)
		if err != nil {
			return nil, err
		}
		node := &ast.List{Items: items}
		node.Spn = p.expandSpan(start)
		return node, nil
	}

	nameTok, err := p.expect(token.IDENT, "identifier")
	if err != nil {
		return nil, err
	}
	if reservedNames[nameTok.tok.Literal] {
		return nil, p.syntaxErrorf("cannot assign to reserved variable name %s", nameTok.tok.Literal)
	}
	var target ast.Expr = varNode(nameTok)
	if withAttr {
		for p.cur.tok.Type == token.DOT {
			if err := p.advance(); err != nil {
				return nil, err
			}
			attrTok, err := p.expect(token.IDENT, "identifier")
			if err != nil {
				return nil, err
			}
			attr := &ast.GetAttr{Expr: target, Name: attrTok.tok.Literal}
			attr.Spn = p.expandSpan(start)
			target = attr
		}
	} else if p.cur.tok.Type == token.COMMA {
		items := []ast.Expr{target}
		for p.cur.tok.Type == token.COMMA {
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.cur.tok.Type != token.IDENT {
				break
			}
			next, err := p.parseAssignTarget(false)
			if err != nil {
				return nil, err
			}
			items = append(items, next)
		}
		node := &ast.Tuple{Items: items}
		node.Spn = p.expandSpan(start)
		return node, nil
	}
	return target, nil
}

func (p *Parser) parseTargetList(end token.Type) ([]ast.Expr, error) {
	var items []ast.Expr
	for p.cur.tok.Type != end {
		if len(items) > 0 {
			if _, err := p.expect(token.COMMA, "`,`"); err != nil {
				return nil, err
			}
			if p.cur.tok.Type == end {
				break
			}
		}
		item, err := p.parseAssignTarget(false)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if _, err := p.expect(end, end.String()); err != nil {
		return nil, err
	}
	return items, nil
}

func varNode(e entry) *ast.Var {
	node := &ast.Var{ID: e.tok.Literal}
	node.Spn = e.span
	return node
}

// ---- expressions ----

func (p *Parser) parseExprOrImpliedTuple() (ast.Expr, error) {
	start := p.cur.span
	expr, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.cur.tok.Type != token.COMMA {
		return expr, nil
	}
	items := []ast.Expr{expr}
	for p.cur.tok.Type == token.COMMA {
		if err := p.advance(); err != nil {
			return nil, err
		}
		item, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	node := &ast.Tuple{Items: items}
	node.Spn = p.expandSpan(start)
	return node, nil
}

func (p *Parser) parseExpr() (ast.Expr, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()
	return p.parseIfExpr()
}

// parseExprNoIf parses an expression without the trailing inline-if,
// needed where `if` introduces a clause of the surrounding statement.
func (p *Parser) parseExprNoIf() (ast.Expr, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()
	return p.parseOr()
}

func (p *Parser) parseIfExpr() (ast.Expr, error) {
	start := p.cur.span
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	for p.curIsIdent("if") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		test, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		var falseExpr ast.Expr
		if ok, err := p.skipIdent("else"); err != nil {
			return nil, err
		} else if ok {
			falseExpr, err = p.parseIfExpr()
			if err != nil {
				return nil, err
			}
		}
		node := &ast.IfExpr{TestExpr: test, TrueExpr: expr, FalseExpr: falseExpr}
		node.Spn = p.expandSpan(start)
		expr = node
	}
	return expr, nil
}

func (p *Parser) parseOr() (ast.Expr, error) {
	start := p.cur.span
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.curIsIdent("or") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		node := &ast.BinOp{Op: ast.BinOpScOr, Left: left, Right: right}
		node.Spn = p.expandSpan(start)
		left = node
	}
	return left, nil
}

func (p *Parser) parseAnd() (ast.Expr, error) {
	start := p.cur.span
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.curIsIdent("and") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		node := &ast.BinOp{Op: ast.BinOpScAnd, Left: left, Right: right}
		node.Spn = p.expandSpan(start)
		left = node
	}
	return left, nil
}

func (p *Parser) parseNot() (ast.Expr, error) {
	start := p.cur.span
	if p.curIsIdent("not") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		expr, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		node := &ast.UnaryOp{Op: ast.UnaryNot, Expr: expr}
		node.Spn = p.expandSpan(start)
		return node, nil
	}
	return p.parseCompare()
}

// parseCompare folds chained comparison operators left into nested
// comparison nodes.
func (p *Parser) parseCompare() (ast.Expr, error) {
	start := p.cur.span
	left, err := p.parseMath1()
	if err != nil {
		return nil, err
	}
	for {
		var op ast.BinOpKind
		negated := false
		switch {
		case p.cur.tok.Type == token.EQ:
			op = ast.BinOpEq
		case p.cur.tok.Type == token.NE:
			op = ast.BinOpNe
		case p.cur.tok.Type == token.LT:
			op = ast.BinOpLt
		case p.cur.tok.Type == token.LTE:
			op = ast.BinOpLte
		case p.cur.tok.Type == token.GT:
			op = ast.BinOpGt
		case p.cur.tok.Type == token.GTE:
			op = ast.BinOpGte
		case p.curIsIdent("in"):
			op = ast.BinOpIn
		case p.curIsIdent("not"):
			peeked, err := p.peek()
			if err != nil {
				return nil, err
			}
			if peeked.tok.Type != token.IDENT || peeked.tok.Literal != "in" {
				return left, nil
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
			op = ast.BinOpIn
			negated = true
		default:
			return left, nil
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseMath1()
		if err != nil {
			return nil, err
		}
		var node ast.Expr
		binop := &ast.BinOp{Op: op, Left: left, Right: right}
		binop.Spn = p.expandSpan(start)
		node = binop
		if negated {
			neg := &ast.UnaryOp{Op: ast.UnaryNot, Expr: node}
			neg.Spn = p.expandSpan(start)
			node = neg
		}
		left = node
	}
}

func (p *Parser) parseMath1() (ast.Expr, error) {
	start := p.cur.span
	left, err := p.parseConcat()
	if err != nil {
		return nil, err
	}
	for p.cur.tok.Type == token.PLUS || p.cur.tok.Type == token.MINUS {
		op := ast.BinOpAdd
		if p.cur.tok.Type == token.MINUS {
			op = ast.BinOpSub
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseConcat()
		if err != nil {
			return nil, err
		}
		node := &ast.BinOp{Op: op, Left: left, Right: right}
		node.Spn = p.expandSpan(start)
		left = node
	}
	return left, nil
}

func (p *Parser) parseConcat() (ast.Expr, error) {
	start := p.cur.span
	left, err := p.parseMath2()
	if err != nil {
		return nil, err
	}
	for p.cur.tok.Type == token.TILDE {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseMath2()
		if err != nil {
			return nil, err
		}
		node := &ast.BinOp{Op: ast.BinOpConcat, Left: left, Right: right}
		node.Spn = p.expandSpan(start)
		left = node
	}
	return left, nil
}

func (p *Parser) parseMath2() (ast.Expr, error) {
	start := p.cur.span
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		var op ast.BinOpKind
		switch p.cur.tok.Type {
		case token.MUL:
			op = ast.BinOpMul
		case token.DIV:
			op = ast.BinOpDiv
		case token.FLOOR_DIV:
			op = ast.BinOpFloorDiv
		case token.MOD:
			op = ast.BinOpRem
		default:
			return left, nil
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		node := &ast.BinOp{Op: op, Left: left, Right: right}
		node.Spn = p.expandSpan(start)
		left = node
	}
}

func (p *Parser) parseUnary() (ast.Expr, error) {
	start := p.cur.span
	switch p.cur.tok.Type {
	case token.MINUS:
		if err := p.advance(); err != nil {
			return nil, err
		}
		expr, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		node := &ast.UnaryOp{Op: ast.UnaryNeg, Expr: expr}
		node.Spn = p.expandSpan(start)
		return node, nil
	case token.PLUS:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return p.parseUnary()
	}
	return p.parsePow()
}

func (p *Parser) parsePow() (ast.Expr, error) {
	start := p.cur.span
	left, err := p.parsePostfixAndFilters()
	if err != nil {
		return nil, err
	}
	if p.cur.tok.Type == token.POW {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		node := &ast.BinOp{Op: ast.BinOpPow, Left: left, Right: right}
		node.Spn = p.expandSpan(start)
		return node, nil
	}
	return left, nil
}

func (p *Parser) parsePostfixAndFilters() (ast.Expr, error) {
	expr, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	expr, err = p.parsePostfix(expr)
	if err != nil {
		return nil, err
	}
	return p.parseFilterAndTest(expr)
}

func (p *Parser) parsePostfix(expr ast.Expr) (ast.Expr, error) {
	start := p.cur.span
	for {
		switch p.cur.tok.Type {
		case token.DOT:
			if err := p.advance(); err != nil {
				return nil, err
			}
			nameTok, err := p.expect(token.IDENT, "identifier")
			if err != nil {
				return nil, err
			}
			node := &ast.GetAttr{Expr: expr, Name: nameTok.tok.Literal}
			node.Spn = p.expandSpan(start)
			expr = node

		case token.LBRACKET:
			if err := p.advance(); err != nil {
				return nil, err
			}
			sub, err := p.parseSubscript(expr, start)
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(token.RBRACKET, "`]`"); err != nil {
				return nil, err
			}
			expr = sub

		case token.LPAREN:
			if err := p.advance(); err != nil {
				return nil, err
			}
			args, err := p.parseCallArgs()
			if err != nil {
				return nil, err
			}
			node := &ast.Call{Expr: expr, Args: args}
			node.Spn = p.expandSpan(start)
			expr = node

		default:
			return expr, nil
		}
	}
}

func (p *Parser) parseSubscript(expr ast.Expr, start token.Span) (ast.Expr, error) {
	var startExpr, stopExpr, stepExpr ast.Expr
	var err error
	isSlice := false

	if p.cur.tok.Type != token.COLON {
		startExpr, err = p.parseExpr()
		if err != nil {
			return nil, err
		}
	}
	if p.cur.tok.Type == token.COLON {
		isSlice = true
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.cur.tok.Type != token.COLON && p.cur.tok.Type != token.RBRACKET {
			stopExpr, err = p.parseExpr()
			if err != nil {
				return nil, err
			}
		}
		if p.cur.tok.Type == token.COLON {
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.cur.tok.Type != token.RBRACKET {
				stepExpr, err = p.parseExpr()
				if err != nil {
					return nil, err
				}
			}
		}
	}

	if !isSlice {
		if startExpr == nil {
			return nil, p.unexpected(p.cur, "subscript expression")
		}
		node := &ast.GetItem{Expr: expr, SubscriptExpr: startExpr}
		node.Spn = p.expandSpan(start)
		return node, nil
	}
	node := &ast.SliceExpr{Expr: expr, Start: startExpr, Stop: stopExpr, Step: stepExpr}
	node.Spn = p.expandSpan(start)
	return node, nil
}

func (p *Parser) parseCallArgs() ([]ast.CallArg, error) {
	var args []ast.CallArg
	sawKwarg := false
	for p.cur.tok.Type != token.RPAREN {
		if len(args) > 0 {
			if _, err := p.expect(token.COMMA, "`,`"); err != nil {
				return nil, err
			}
			if p.cur.tok.Type == token.RPAREN {
				break
			}
		}
		if len(args) > maxCallArgs {
			return nil, p.syntaxErrorf("Too many arguments in function call")
		}

		switch p.cur.tok.Type {
		case token.MUL:
			if err := p.advance(); err != nil {
				return nil, err
			}
			expr, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, ast.CallArg{Kind: ast.ArgPosSplat, Value: expr})
			continue
		case token.POW:
			if err := p.advance(); err != nil {
				return nil, err
			}
			expr, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, ast.CallArg{Kind: ast.ArgKwargSplat, Value: expr})
			continue
		}

		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.cur.tok.Type == token.ASSIGN {
			name, ok := expr.(*ast.Var)
			if !ok {
				return nil, p.syntaxErrorf("invalid keyword argument name")
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
			val, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, ast.CallArg{Kind: ast.ArgKwarg, Name: name.ID, Value: val})
			sawKwarg = true
		} else {
			if sawKwarg {
				return nil, p.syntaxErrorf("non-keyword arg after keyword arg")
			}
			args = append(args, ast.CallArg{Kind: ast.ArgPos, Value: expr})
		}
	}
	if _, err := p.expect(token.RPAREN, "`)`"); err != nil {
		return nil, err
	}
	return args, nil
}

func (p *Parser) parseFilterAndTest(expr ast.Expr) (ast.Expr, error) {
	for {
		switch {
		case p.cur.tok.Type == token.PIPE:
			if err := p.advance(); err != nil {
				return nil, err
			}
			filtered, err := p.parseFilterChain(expr)
			if err != nil {
				return nil, err
			}
			expr = filtered
		case p.curIsIdent("is"):
			start := p.cur.span
			if err := p.advance(); err != nil {
				return nil, err
			}
			negated := false
			if ok, err := p.skipIdent("not"); err != nil {
				return nil, err
			} else if ok {
				negated = true
			}
			nameTok, err := p.expect(token.IDENT, "identifier")
			if err != nil {
				return nil, err
			}
			var args []ast.CallArg
			if ok, err := p.skip(token.LPAREN); err != nil {
				return nil, err
			} else if ok {
				args, err = p.parseCallArgs()
				if err != nil {
					return nil, err
				}
			} else if p.startsExpression() {
				arg, err := p.parseMath1()
				if err != nil {
					return nil, err
				}
				args = []ast.CallArg{{Kind: ast.ArgPos, Value: arg}}
			}
			test := &ast.Test{Name: nameTok.tok.Literal, Expr: expr, Args: args}
			test.Spn = p.expandSpan(start)
			if negated {
				not := &ast.UnaryOp{Op: ast.UnaryNot, Expr: test}
				not.Spn = p.expandSpan(start)
				expr = not
			} else {
				expr = test
			}
		default:
			return expr, nil
		}
	}
}

func (p *Parser) startsExpression() bool {
	switch p.cur.tok.Type {
	case token.INT, token.FLOAT, token.STRING, token.LBRACKET, token.LBRACE:
		return true
	case token.IDENT:
		switch p.cur.tok.Literal {
		case "and", "or", "not", "is", "in", "else", "if", "recursive":
			return false
		}
		return true
	}
	return false
}

// parseFilterChain parses `name(args) | name2(...)` after a pipe; a
// nil expr builds the block-filter form used by filter blocks.
func (p *Parser) parseFilterChain(expr ast.Expr) (ast.Expr, error) {
	for {
		start := p.cur.span
		nameTok, err := p.expect(token.IDENT, "identifier")
		if err != nil {
			return nil, err
		}
		name := nameTok.tok.Literal
		for p.cur.tok.Type == token.DOT {
			if err := p.advance(); err != nil {
				return nil, err
			}
			part, err := p.expect(token.IDENT, "identifier")
			if err != nil {
				return nil, err
			}
			name += "." + part.tok.Literal
		}
		var args []ast.CallArg
		if ok, err := p.skip(token.LPAREN); err != nil {
			return nil, err
		} else if ok {
			args, err = p.parseCallArgs()
			if err != nil {
				return nil, err
			}
		}
		node := &ast.Filter{Name: name, Expr: expr, Args: args}
		node.Spn = p.expandSpan(start)
		expr = node

		if p.cur.tok.Type != token.PIPE {
			return expr, nil
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
}

func (p *Parser) parsePrimary() (ast.Expr, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	start := p.cur.span
	switch p.cur.tok.Type {
	case token.IDENT:
		lit := p.cur.tok.Literal
		switch lit {
		case "true", "True":
			if err := p.advance(); err != nil {
				return nil, err
			}
			return constNode(value.FromBool(true), p.expandSpan(start)), nil
		case "false", "False":
			if err := p.advance(); err != nil {
				return nil, err
			}
			return constNode(value.FromBool(false), p.expandSpan(start)), nil
		case "none", "None":
			if err := p.advance(); err != nil {
				return nil, err
			}
			return constNode(value.None(), p.expandSpan(start)), nil
		}
		e, err := p.next()
		if err != nil {
			return nil, err
		}
		return varNode(e), nil

	case token.INT:
		e, err := p.next()
		if err != nil {
			return nil, err
		}
		return constNode(value.FromI64(e.tok.IntVal), e.span), nil

	case token.FLOAT:
		e, err := p.next()
		if err != nil {
			return nil, err
		}
		return constNode(value.FromF64(e.tok.FloatVal), e.span), nil

	case token.STRING:
		// adjacent string literals concatenate at parse time
		lit := p.cur.tok.Literal
		if err := p.advance(); err != nil {
			return nil, err
		}
		for p.cur.tok.Type == token.STRING {
			lit += p.cur.tok.Literal
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		return constNode(value.FromString(lit), p.expandSpan(start)), nil

	case token.LPAREN:
		if err := p.advance(); err != nil {
			return nil, err
		}
		expr, err := p.parseExprOrImpliedTuple()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(token.RPAREN, "`)`"); err != nil {
			return nil, err
		}
		return expr, nil

	case token.LBRACKET:
		return p.parseListLiteral(start)

	case token.LBRACE:
		return p.parseMapLiteral(start)
	}
	return nil, p.unexpected(p.cur, "expression")
}

func constNode(v value.Value, span token.Span) *ast.Const {
	node := &ast.Const{Val: v}
	node.Spn = span
	return node
}

func (p *Parser) parseListLiteral(start token.Span) (ast.Expr, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}
	var items []ast.Expr
	for p.cur.tok.Type != token.RBRACKET {
		if len(items) > 0 {
			if _, err := p.expect(token.COMMA, "`,`"); err != nil {
				return nil, err
			}
			if p.cur.tok.Type == token.RBRACKET {
				break
			}
		}
		item, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if _, err := p.expect(token.RBRACKET, "`]`"); err != nil {
		return nil, err
	}
	node := &ast.List{Items: items}
	node.Spn = p.expandSpan(start)
	return node, nil
}

func (p *Parser) parseMapLiteral(start token.Span) (ast.Expr, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}
	var keys, values []ast.Expr
	for p.cur.tok.Type != token.RBRACE {
		if len(keys) > 0 {
			if _, err := p.expect(token.COMMA, "`,`"); err != nil {
				return nil, err
			}
			if p.cur.tok.Type == token.RBRACE {
				break
			}
		}
		key, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(token.COLON, "`:`"); err != nil {
			return nil, err
		}
		val, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
		values = append(values, val)
	}
	if _, err := p.expect(token.RBRACE, "`}`"); err != nil {
		return nil, err
	}
	node := &ast.MapExpr{Keys: keys, Values: values}
	node.Spn = p.expandSpan(start)
	return node, nil
}
