package ast

import (
	"loom/internal/token"
	"loom/internal/value"
)

// Node is anything carrying a source span.
type Node interface {
	Span() token.Span
}

type Stmt interface {
	Node
	stmtNode()
}

type Expr interface {
	Node
	exprNode()
}

type base struct {
	Spn token.Span
}

func (b base) Span() token.Span { return b.Spn }

func At(span token.Span) base { return base{Spn: span} }

// ---- statements ----

type Template struct {
	base
	Children []Stmt
}

type EmitExpr struct {
	base
	Expr Expr
}

type EmitRaw struct {
	base
	Raw string
}

type ForLoop struct {
	base
	Target     Expr
	Iter       Expr
	FilterExpr Expr // nil when the loop has no `if` filter
	Recursive  bool
	Body       []Stmt
	ElseBody   []Stmt
}

type IfCond struct {
	base
	Expr      Expr
	TrueBody  []Stmt
	FalseBody []Stmt
}

type Assignment struct {
	Target Expr
	Expr   Expr
}

type WithBlock struct {
	base
	Assignments []Assignment
	Body        []Stmt
}

type Set struct {
	base
	Target Expr
	Expr   Expr
}

type SetBlock struct {
	base
	Target Expr
	Filter Expr // nil without a trailing filter
	Body   []Stmt
}

type AutoEscape struct {
	base
	Enabled Expr
	Body    []Stmt
}

type FilterBlock struct {
	base
	Filter Expr
	Body   []Stmt
}

type Block struct {
	base
	Name string
	Body []Stmt
}

type Extends struct {
	base
	Name Expr
}

type Include struct {
	base
	Name          Expr
	IgnoreMissing bool
}

type Import struct {
	base
	Expr Expr
	Name Expr
}

type ImportName struct {
	Name  Expr
	Alias Expr // nil without `as`
}

type FromImport struct {
	base
	Expr  Expr
	Names []ImportName
}

type Macro struct {
	base
	Name     string
	Args     []Expr
	Defaults []Expr
	Body     []Stmt
}

type CallBlock struct {
	base
	Call      *Call
	MacroDecl *Macro
}

type Do struct {
	base
	Expr Expr
}

type Continue struct {
	base
}

type Break struct {
	base
}

type Comment struct {
	base
}

func (*Template) stmtNode()    {}
func (*EmitExpr) stmtNode()    {}
func (*EmitRaw) stmtNode()     {}
func (*ForLoop) stmtNode()     {}
func (*IfCond) stmtNode()      {}
func (*WithBlock) stmtNode()   {}
func (*Set) stmtNode()         {}
func (*SetBlock) stmtNode()    {}
func (*AutoEscape) stmtNode()  {}
func (*FilterBlock) stmtNode() {}
func (*Block) stmtNode()       {}
func (*Extends) stmtNode()     {}
func (*Include) stmtNode()     {}
func (*Import) stmtNode()      {}
func (*FromImport) stmtNode()  {}
func (*Macro) stmtNode()       {}
func (*CallBlock) stmtNode()   {}
func (*Do) stmtNode()          {}
func (*Continue) stmtNode()    {}
func (*Break) stmtNode()       {}
func (*Comment) stmtNode()     {}

// ---- expressions ----

type Var struct {
	base
	ID string
}

type Const struct {
	base
	Val value.Value
}

type UnaryOpKind int

const (
	UnaryNot UnaryOpKind = iota
	UnaryNeg
)

type UnaryOp struct {
	base
	Op   UnaryOpKind
	Expr Expr
}

type BinOpKind int

const (
	BinOpEq BinOpKind = iota
	BinOpNe
	BinOpLt
	BinOpLte
	BinOpGt
	BinOpGte
	BinOpScAnd
	BinOpScOr
	BinOpAdd
	BinOpSub
	BinOpMul
	BinOpDiv
	BinOpFloorDiv
	BinOpRem
	BinOpPow
	BinOpConcat
	BinOpIn
)

type BinOp struct {
	base
	Op    BinOpKind
	Left  Expr
	Right Expr
}

type IfExpr struct {
	base
	TestExpr  Expr
	TrueExpr  Expr
	FalseExpr Expr // nil yields undefined
}

type Filter struct {
	base
	Name string
	Expr Expr // nil inside a filter block
	Args []CallArg
}

type Test struct {
	base
	Name string
	Expr Expr
	Args []CallArg
}

type GetAttr struct {
	base
	Expr Expr
	Name string
}

type GetItem struct {
	base
	Expr          Expr
	SubscriptExpr Expr
}

type SliceExpr struct {
	base
	Expr  Expr
	Start Expr
	Stop  Expr
	Step  Expr
}

type CallArgKind int

const (
	ArgPos CallArgKind = iota
	ArgKwarg
	ArgPosSplat
	ArgKwargSplat
)

type CallArg struct {
	Kind  CallArgKind
	Name  string // kwarg name
	Value Expr
}

type Call struct {
	base
	Expr Expr
	Args []CallArg
}

type List struct {
	base
	Items []Expr
}

type MapExpr struct {
	base
	Keys   []Expr
	Values []Expr
}

type Tuple struct {
	base
	Items []Expr
}

func (*Var) exprNode()       {}
func (*Const) exprNode()     {}
func (*UnaryOp) exprNode()   {}
func (*BinOp) exprNode()     {}
func (*IfExpr) exprNode()    {}
func (*Filter) exprNode()    {}
func (*Test) exprNode()      {}
func (*GetAttr) exprNode()   {}
func (*GetItem) exprNode()   {}
func (*SliceExpr) exprNode() {}
func (*Call) exprNode()      {}
func (*List) exprNode()      {}
func (*MapExpr) exprNode()   {}
func (*Tuple) exprNode()     {}

// CallType classifies how a call expression dispatches.
type CallType int

const (
	CallFunction CallType = iota
	CallMethod
	CallBlockRef
	CallObject
)

// IdentifyCall mirrors the dispatch classification the code generator
// relies on: bare identifiers are functions, `self.x()` is a block
// reference, attribute calls are methods, everything else calls the
// object value itself.
func (c *Call) IdentifyCall() (CallType, Expr, string) {
	switch expr := c.Expr.(type) {
	case *Var:
		return CallFunction, nil, expr.ID
	case *GetAttr:
		if v, ok := expr.Expr.(*Var); ok && v.ID == "self" {
			return CallBlockRef, nil, expr.Name
		}
		return CallMethod, expr.Expr, expr.Name
	}
	return CallObject, c.Expr, ""
}

// FindMacroClosure collects the free names a macro body references, so
// the compiler can enclose them. The special name "caller" is reported
// separately by the compiler.
func FindMacroClosure(decl *Macro) []string {
	seen := map[string]bool{}
	bound := map[string]bool{}
	for _, arg := range decl.Args {
		if v, ok := arg.(*Var); ok {
			bound[v.ID] = true
		}
	}
	var names []string
	var walkExpr func(Expr)
	var walkStmts func([]Stmt)
	record := func(name string) {
		if !bound[name] && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	walkExpr = func(e Expr) {
		switch e := e.(type) {
		case nil:
		case *Var:
			record(e.ID)
		case *UnaryOp:
			walkExpr(e.Expr)
		case *BinOp:
			walkExpr(e.Left)
			walkExpr(e.Right)
		case *IfExpr:
			walkExpr(e.TestExpr)
			walkExpr(e.TrueExpr)
			walkExpr(e.FalseExpr)
		case *Filter:
			walkExpr(e.Expr)
			for _, a := range e.Args {
				walkExpr(a.Value)
			}
		case *Test:
			walkExpr(e.Expr)
			for _, a := range e.Args {
				walkExpr(a.Value)
			}
		case *GetAttr:
			walkExpr(e.Expr)
		case *GetItem:
			walkExpr(e.Expr)
			walkExpr(e.SubscriptExpr)
		case *SliceExpr:
			walkExpr(e.Expr)
			walkExpr(e.Start)
			walkExpr(e.Stop)
			walkExpr(e.Step)
		case *Call:
			walkExpr(e.Expr)
			for _, a := range e.Args {
				walkExpr(a.Value)
			}
		case *List:
			for _, item := range e.Items {
				walkExpr(item)
			}
		case *MapExpr:
			for i := range e.Keys {
				walkExpr(e.Keys[i])
				walkExpr(e.Values[i])
			}
		case *Tuple:
			for _, item := range e.Items {
				walkExpr(item)
			}
		}
	}
	walkStmts = func(stmts []Stmt) {
		for _, s := range stmts {
			switch s := s.(type) {
			case *EmitExpr:
				walkExpr(s.Expr)
			case *ForLoop:
				walkExpr(s.Iter)
				walkExpr(s.FilterExpr)
				walkStmts(s.Body)
				walkStmts(s.ElseBody)
			case *IfCond:
				walkExpr(s.Expr)
				walkStmts(s.TrueBody)
				walkStmts(s.FalseBody)
			case *WithBlock:
				for _, a := range s.Assignments {
					walkExpr(a.Expr)
				}
				walkStmts(s.Body)
			case *Set:
				walkExpr(s.Expr)
			case *SetBlock:
				walkExpr(s.Filter)
				walkStmts(s.Body)
			case *AutoEscape:
				walkExpr(s.Enabled)
				walkStmts(s.Body)
			case *FilterBlock:
				walkExpr(s.Filter)
				walkStmts(s.Body)
			case *Macro:
				walkStmts(s.Body)
			case *CallBlock:
				walkExpr(s.Call)
				walkStmts(s.MacroDecl.Body)
			case *Do:
				walkExpr(s.Expr)
			}
		}
	}
	walkStmts(decl.Body)
	return names
}
