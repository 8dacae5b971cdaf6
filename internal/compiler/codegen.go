package compiler

import (
	"sort"

	"loom/internal/ast"
	"loom/internal/token"
	"loom/internal/value"
)

// Profile selects which code paths the generator emits. Render is the
// full template profile; Expression compiles a lone expression and
// skips the statement-only machinery such as macro default guards.
type Profile int

const (
	RenderProfile Profile = iota
	ExpressionProfile
)

type pendingKind int

const (
	pendingBranch pendingKind = iota
	pendingLoop
	pendingScBool
)

// pendingBlock is an open region of code whose jump targets are still
// placeholders.
type pendingBlock struct {
	kind       pendingKind
	jumpInstr  int   // branch: the JumpIfFalse/Jump to patch
	iterInstr  int   // loop: the Iterate instruction
	jumpInstrs []int // loop: break jumps; sc-bool: or-pop jumps
}

// CodeGenerator builds an instruction program from an AST, patching
// forward jumps through a stack of pending blocks.
type CodeGenerator struct {
	instructions *Instructions
	blocks       map[string]*Instructions
	pending      []pendingBlock
	currentLine  uint32
	spanStack    []token.Span
	filterIDs    map[string]uint16
	testIDs      map[string]uint16
	profile      Profile
}

func NewCodeGenerator(name, source string, profile Profile) *CodeGenerator {
	return &CodeGenerator{
		instructions: newInstructions(name, source),
		blocks:       map[string]*Instructions{},
		filterIDs:    map[string]uint16{},
		testIDs:      map[string]uint16{},
		profile:      profile,
	}
}

// Finish hands out the compiled program and the named blocks.
func (g *CodeGenerator) Finish() (*Instructions, map[string]*Instructions) {
	return g.instructions, g.blocks
}

func localID(ids map[string]uint16, name string) uint16 {
	if id, ok := ids[name]; ok {
		return id
	}
	if len(ids) >= MaxLocals {
		return NoLocalID
	}
	id := uint16(len(ids))
	ids[name] = id
	return id
}

func (g *CodeGenerator) setLine(line uint32)            { g.currentLine = line }
func (g *CodeGenerator) setLineFromSpan(spn token.Span) { g.currentLine = spn.StartLine }

func (g *CodeGenerator) pushSpan(spn token.Span) {
	g.spanStack = append(g.spanStack, spn)
	g.setLineFromSpan(spn)
}

func (g *CodeGenerator) popSpan() {
	g.spanStack = g.spanStack[:len(g.spanStack)-1]
}

// add records an instruction at the current location.
func (g *CodeGenerator) add(instr Instruction) int {
	if n := len(g.spanStack); n > 0 {
		if spn := g.spanStack[n-1]; spn.StartLine == g.currentLine {
			return g.instructions.add(instr, spn)
		}
	}
	return g.instructions.add(instr, token.Span{StartLine: g.currentLine})
}

func (g *CodeGenerator) addWithSpan(instr Instruction, spn token.Span) int {
	return g.instructions.add(instr, spn)
}

func (g *CodeGenerator) nextInstruction() int { return g.instructions.Len() }

func (g *CodeGenerator) patchTarget(idx int, target int) {
	g.instructions.instrs[idx].Target = uint32(target)
}

func (g *CodeGenerator) newSubgenerator() *CodeGenerator {
	sub := NewCodeGenerator(g.instructions.name, g.instructions.source, g.profile)
	sub.currentLine = g.currentLine
	if n := len(g.spanStack); n > 0 {
		sub.spanStack = append(sub.spanStack, g.spanStack[n-1])
	}
	return sub
}

func (g *CodeGenerator) finishSubgenerator(sub *CodeGenerator) *Instructions {
	g.currentLine = sub.currentLine
	instructions, blocks := sub.Finish()
	for name, block := range blocks {
		g.blocks[name] = block
	}
	return instructions
}

func (g *CodeGenerator) startForLoop(withLoopVar, recursive bool) {
	var flags uint8
	if withLoopVar {
		flags |= LoopFlagWithLoopVar
	}
	if recursive {
		flags |= LoopFlagRecursive
	}
	g.add(Instruction{Op: OpPushLoop, Flags: flags})
	instr := g.add(Instruction{Op: OpIterate, Target: jumpPlaceholder})
	g.pending = append(g.pending, pendingBlock{kind: pendingLoop, iterInstr: instr})
}

func (g *CodeGenerator) endForLoop(pushDidNotIterate bool) {
	block := g.pending[len(g.pending)-1]
	g.pending = g.pending[:len(g.pending)-1]
	g.add(Instruction{Op: OpJump, Target: uint32(block.iterInstr)})
	loopEnd := g.nextInstruction()
	if pushDidNotIterate {
		g.add(Instruction{Op: OpPushDidNotIterate})
	}
	g.add(Instruction{Op: OpPopFrame})
	for _, idx := range append(block.jumpInstrs, block.iterInstr) {
		g.patchTarget(idx, loopEnd)
	}
}

func (g *CodeGenerator) startIf() {
	instr := g.add(Instruction{Op: OpJumpIfFalse, Target: jumpPlaceholder})
	g.pending = append(g.pending, pendingBlock{kind: pendingBranch, jumpInstr: instr})
}

func (g *CodeGenerator) startElse() {
	instr := g.add(Instruction{Op: OpJump, Target: jumpPlaceholder})
	g.endCondition(instr + 1)
	g.pending = append(g.pending, pendingBlock{kind: pendingBranch, jumpInstr: instr})
}

func (g *CodeGenerator) endIf() {
	g.endCondition(g.nextInstruction())
}

func (g *CodeGenerator) endCondition(target int) {
	block := g.pending[len(g.pending)-1]
	g.pending = g.pending[:len(g.pending)-1]
	g.patchTarget(block.jumpInstr, target)
}

func (g *CodeGenerator) startScBool() {
	g.pending = append(g.pending, pendingBlock{kind: pendingScBool})
}

func (g *CodeGenerator) scBool(and bool) {
	op := OpJumpIfTrueOrPop
	if and {
		op = OpJumpIfFalseOrPop
	}
	instr := g.add(Instruction{Op: op, Target: jumpPlaceholder})
	top := &g.pending[len(g.pending)-1]
	top.jumpInstrs = append(top.jumpInstrs, instr)
}

func (g *CodeGenerator) endScBool() {
	end := g.nextInstruction()
	block := g.pending[len(g.pending)-1]
	g.pending = g.pending[:len(g.pending)-1]
	for _, idx := range block.jumpInstrs {
		g.patchTarget(idx, end)
	}
}

// CompileStmt emits the code for one statement.
func (g *CodeGenerator) CompileStmt(stmt ast.Stmt) {
	switch stmt := stmt.(type) {
	case *ast.Template:
		g.setLineFromSpan(stmt.Span())
		for _, node := range stmt.Children {
			g.CompileStmt(node)
		}

	case *ast.EmitExpr:
		g.compileEmitExpr(stmt)

	case *ast.EmitRaw:
		g.setLineFromSpan(stmt.Span())
		g.add(Instruction{Op: OpEmitRaw, Str: stmt.Raw})

	case *ast.ForLoop:
		g.compileForLoop(stmt)

	case *ast.IfCond:
		g.compileIfStmt(stmt)

	case *ast.WithBlock:
		g.setLineFromSpan(stmt.Span())
		g.add(Instruction{Op: OpPushWith})
		for _, assignment := range stmt.Assignments {
			g.CompileExpr(assignment.Expr)
			g.compileAssignment(assignment.Target)
		}
		for _, node := range stmt.Body {
			g.CompileStmt(node)
		}
		g.add(Instruction{Op: OpPopFrame})

	case *ast.Set:
		g.setLineFromSpan(stmt.Span())
		g.addWithSpan(Instruction{Op: OpMacroStart}, stmt.Span())
		g.CompileExpr(stmt.Expr)
		g.compileAssignment(stmt.Target)
		g.addWithSpan(Instruction{Op: OpMacroStop}, stmt.Span())

	case *ast.SetBlock:
		g.setLineFromSpan(stmt.Span())
		g.add(Instruction{Op: OpBeginCapture, Flags: CaptureModeCapture})
		for _, node := range stmt.Body {
			g.CompileStmt(node)
		}
		g.add(Instruction{Op: OpEndCapture})
		if stmt.Filter != nil {
			g.CompileExpr(stmt.Filter)
		}
		g.compileAssignment(stmt.Target)

	case *ast.AutoEscape:
		g.setLineFromSpan(stmt.Span())
		g.CompileExpr(stmt.Enabled)
		g.add(Instruction{Op: OpPushAutoEscape})
		for _, node := range stmt.Body {
			g.CompileStmt(node)
		}
		g.add(Instruction{Op: OpPopAutoEscape})

	case *ast.FilterBlock:
		g.setLineFromSpan(stmt.Span())
		g.add(Instruction{Op: OpBeginCapture, Flags: CaptureModeCapture})
		for _, node := range stmt.Body {
			g.CompileStmt(node)
		}
		g.add(Instruction{Op: OpEndCapture})
		g.CompileExpr(stmt.Filter)
		g.add(Instruction{Op: OpEmit})

	case *ast.Block:
		g.compileBlock(stmt)

	case *ast.Import:
		g.add(Instruction{Op: OpBeginCapture, Flags: CaptureModeDiscard})
		g.add(Instruction{Op: OpPushWith})
		g.CompileExpr(stmt.Expr)
		g.addWithSpan(Instruction{Op: OpInclude}, stmt.Span())
		g.add(Instruction{Op: OpExportLocals})
		g.add(Instruction{Op: OpPopFrame})
		g.compileAssignment(stmt.Name)
		g.add(Instruction{Op: OpEndCapture})

	case *ast.FromImport:
		g.add(Instruction{Op: OpBeginCapture, Flags: CaptureModeDiscard})
		g.add(Instruction{Op: OpPushWith})
		g.CompileExpr(stmt.Expr)
		g.addWithSpan(Instruction{Op: OpInclude}, stmt.Span())
		for _, name := range stmt.Names {
			g.CompileExpr(name.Name)
		}
		g.add(Instruction{Op: OpPopFrame})
		for i := len(stmt.Names) - 1; i >= 0; i-- {
			target := stmt.Names[i].Alias
			if target == nil {
				target = stmt.Names[i].Name
			}
			g.compileAssignment(target)
		}
		g.add(Instruction{Op: OpEndCapture})

	case *ast.Extends:
		g.setLineFromSpan(stmt.Span())
		g.CompileExpr(stmt.Name)
		g.addWithSpan(Instruction{Op: OpLoadBlocks}, stmt.Span())

	case *ast.Include:
		g.setLineFromSpan(stmt.Span())
		g.CompileExpr(stmt.Name)
		var flags uint8
		if stmt.IgnoreMissing {
			flags = 1
		}
		g.addWithSpan(Instruction{Op: OpInclude, Flags: flags}, stmt.Span())

	case *ast.Macro:
		g.compileMacro(stmt)

	case *ast.CallBlock:
		g.compileCall(stmt.Call, stmt.MacroDecl)
		g.add(Instruction{Op: OpEmit})

	case *ast.Continue:
		g.setLineFromSpan(stmt.Span())
		for i := len(g.pending) - 1; i >= 0; i-- {
			if g.pending[i].kind == pendingLoop {
				g.add(Instruction{Op: OpJump, Target: uint32(g.pending[i].iterInstr)})
				break
			}
		}

	case *ast.Break:
		g.setLineFromSpan(stmt.Span())
		instr := g.add(Instruction{Op: OpJump, Target: jumpPlaceholder})
		for i := len(g.pending) - 1; i >= 0; i-- {
			if g.pending[i].kind == pendingLoop {
				g.pending[i].jumpInstrs = append(g.pending[i].jumpInstrs, instr)
				break
			}
		}

	case *ast.Do:
		g.addWithSpan(Instruction{Op: OpMacroStart}, stmt.Span())
		g.CompileExpr(stmt.Expr)
		g.add(Instruction{Op: OpDiscardTop})
		g.addWithSpan(Instruction{Op: OpMacroStop}, stmt.Span())

	case *ast.Comment:
		g.addWithSpan(Instruction{Op: OpMacroStart}, stmt.Span())
		g.addWithSpan(Instruction{Op: OpMacroStop}, stmt.Span())
	}
}

func (g *CodeGenerator) compileBlock(block *ast.Block) {
	g.setLineFromSpan(block.Span())
	sub := g.newSubgenerator()
	for _, node := range block.Body {
		sub.CompileStmt(node)
	}
	g.blocks[block.Name] = g.finishSubgenerator(sub)
	g.add(Instruction{Op: OpCallBlock, Str: block.Name})
}

// compileMacroExpression emits the jump-over/body/build protocol and
// leaves the macro value on the stack.
func (g *CodeGenerator) compileMacroExpression(decl *ast.Macro) {
	g.setLineFromSpan(decl.Span())
	jumpOver := g.add(Instruction{Op: OpJump, Target: jumpPlaceholder})
	g.add(Instruction{Op: OpMacroName, Str: decl.Name})

	// defaults evaluate left to right so later parameters can refer to
	// earlier ones, e.g. {% macro foo(a, b=a+1, c=b+1) %}
	firstDefault := len(decl.Args) - len(decl.Defaults)
	for i, arg := range decl.Args {
		if i >= firstDefault && g.profile == RenderProfile {
			g.add(Instruction{Op: OpDupTop})
			g.add(Instruction{Op: OpIsUndefined})
			g.startIf()
			g.add(Instruction{Op: OpDiscardTop})
			g.CompileExpr(decl.Defaults[i-firstDefault])
			g.endIf()
		}
		g.compileAssignment(arg)
	}
	g.add(Instruction{Op: OpFinishedParameterLoading})

	for _, node := range decl.Body {
		g.CompileStmt(node)
	}
	g.add(Instruction{Op: OpReturn})

	undeclared := ast.FindMacroClosure(decl)
	callerReference := false
	enclosed := undeclared[:0]
	for _, name := range undeclared {
		if name == "caller" {
			callerReference = true
			continue
		}
		enclosed = append(enclosed, name)
	}
	sort.Strings(enclosed)

	macroInstr := g.nextInstruction()
	for _, name := range enclosed {
		g.add(Instruction{Op: OpEnclose, Str: name})
	}
	g.add(Instruction{Op: OpGetClosure})
	argNames := make([]value.Value, 0, len(decl.Args))
	for _, arg := range decl.Args {
		if v, ok := arg.(*ast.Var); ok {
			argNames = append(argNames, value.FromString(v.ID))
		}
	}
	g.add(Instruction{Op: OpLoadConst, Val: value.FromSlice(argNames)})
	var flags uint8
	if callerReference {
		flags |= MacroCaller
	}
	g.addWithSpan(Instruction{Op: OpMacroStart}, decl.Span())
	g.add(Instruction{
		Op:     OpBuildMacro,
		Str:    decl.Name,
		Target: uint32(jumpOver + 1),
		Flags:  flags,
	})
	g.addWithSpan(Instruction{Op: OpMacroStop}, decl.Span())
	g.patchTarget(jumpOver, macroInstr)
}

func (g *CodeGenerator) compileMacro(decl *ast.Macro) {
	g.compileMacroExpression(decl)
	g.add(Instruction{Op: OpStoreLocal, Str: decl.Name})
}

func (g *CodeGenerator) compileIfStmt(ifCond *ast.IfCond) {
	g.setLineFromSpan(ifCond.Span())
	g.addWithSpan(Instruction{Op: OpMacroStart}, ifCond.Span())
	g.CompileExpr(ifCond.Expr)
	g.startIf()
	for _, node := range ifCond.TrueBody {
		g.CompileStmt(node)
	}
	if len(ifCond.FalseBody) > 0 {
		g.startElse()
		for _, node := range ifCond.FalseBody {
			g.CompileStmt(node)
		}
	}
	g.endIf()
	g.addWithSpan(Instruction{Op: OpMacroStop}, ifCond.Span())
}

func (g *CodeGenerator) compileEmitExpr(expr *ast.EmitExpr) {
	g.setLineFromSpan(expr.Span())
	g.addWithSpan(Instruction{Op: OpMacroStart}, expr.Span())

	if call, ok := expr.Expr.(*ast.Call); ok {
		callType, _, name := call.IdentifyCall()
		switch callType {
		case ast.CallFunction:
			if name == "super" && len(call.Args) == 0 {
				g.addWithSpan(Instruction{Op: OpFastSuper}, call.Span())
				return
			}
			if name == "loop" && len(call.Args) == 1 {
				g.compileCallArgs(call.Args[:1], 0, nil)
				g.add(Instruction{Op: OpFastRecurse})
				return
			}
		case ast.CallBlockRef:
			g.add(Instruction{Op: OpCallBlock, Str: name})
			return
		}
	}
	g.CompileExpr(expr.Expr)
	g.add(Instruction{Op: OpEmit})
	g.addWithSpan(Instruction{Op: OpMacroStop}, expr.Span())
}

func (g *CodeGenerator) compileForLoop(forLoop *ast.ForLoop) {
	g.setLineFromSpan(forLoop.Span())
	g.addWithSpan(Instruction{Op: OpMacroStart}, forLoop.Span())

	// loop filters compile as a preceding pass over the iterable that
	// counts and accumulates the passing items into a list
	if forLoop.FilterExpr != nil {
		g.add(Instruction{Op: OpLoadConst, Val: value.FromI64(0)})
		g.CompileExpr(forLoop.Iter)
		g.startForLoop(false, false)
		g.add(Instruction{Op: OpDupTop})
		g.compileAssignment(forLoop.Target)
		g.CompileExpr(forLoop.FilterExpr)
		g.startIf()
		g.add(Instruction{Op: OpSwap})
		g.add(Instruction{Op: OpLoadConst, Val: value.FromI64(1)})
		g.add(Instruction{Op: OpAdd})
		g.startElse()
		g.add(Instruction{Op: OpDiscardTop})
		g.endIf()
		g.endForLoop(false)
		g.add(Instruction{Op: OpBuildList, Count: CountFromStack})
	} else {
		g.CompileExpr(forLoop.Iter)
	}

	g.startForLoop(true, forLoop.Recursive)
	g.compileAssignment(forLoop.Target)
	for _, node := range forLoop.Body {
		g.CompileStmt(node)
	}
	g.endForLoop(len(forLoop.ElseBody) > 0)
	if len(forLoop.ElseBody) > 0 {
		g.startIf()
		for _, node := range forLoop.ElseBody {
			g.CompileStmt(node)
		}
		g.endIf()
	}
	g.addWithSpan(Instruction{Op: OpMacroStop}, forLoop.Span())
}

func (g *CodeGenerator) compileAssignment(expr ast.Expr) {
	switch expr := expr.(type) {
	case *ast.Var:
		g.add(Instruction{Op: OpStoreLocal, Str: expr.ID})
	case *ast.List:
		g.pushSpan(expr.Span())
		g.add(Instruction{Op: OpUnpackList, Count: int32(len(expr.Items))})
		for _, item := range expr.Items {
			g.compileAssignment(item)
		}
		g.popSpan()
	case *ast.Tuple:
		g.pushSpan(expr.Span())
		g.add(Instruction{Op: OpUnpackList, Count: int32(len(expr.Items))})
		for _, item := range expr.Items {
			g.compileAssignment(item)
		}
		g.popSpan()
	case *ast.GetAttr:
		g.pushSpan(expr.Span())
		g.CompileExpr(expr.Expr)
		g.add(Instruction{Op: OpSetAttr, Str: expr.Name})
		g.popSpan()
	}
}

// CompileExpr emits the code for one expression.
func (g *CodeGenerator) CompileExpr(expr ast.Expr) {
	switch expr := expr.(type) {
	case *ast.Var:
		g.setLineFromSpan(expr.Span())
		g.addWithSpan(Instruction{Op: OpLookup, Str: expr.ID}, expr.Span())

	case *ast.Const:
		g.setLineFromSpan(expr.Span())
		g.add(Instruction{Op: OpLoadConst, Val: expr.Val})

	case *ast.SliceExpr:
		g.pushSpan(expr.Span())
		g.CompileExpr(expr.Expr)
		if expr.Start != nil {
			g.CompileExpr(expr.Start)
		} else {
			g.add(Instruction{Op: OpLoadConst, Val: value.FromI64(0)})
		}
		if expr.Stop != nil {
			g.CompileExpr(expr.Stop)
		} else {
			g.add(Instruction{Op: OpLoadConst, Val: value.None()})
		}
		if expr.Step != nil {
			g.CompileExpr(expr.Step)
		} else {
			g.add(Instruction{Op: OpLoadConst, Val: value.FromI64(1)})
		}
		g.add(Instruction{Op: OpSlice})
		g.popSpan()

	case *ast.UnaryOp:
		g.setLineFromSpan(expr.Span())
		switch expr.Op {
		case ast.UnaryNot:
			g.CompileExpr(expr.Expr)
			g.add(Instruction{Op: OpNot})
		case ast.UnaryNeg:
			// negative literals fold at compile time when possible
			if c, ok := expr.Expr.(*ast.Const); ok {
				if negated, err := value.Neg(&c.Val); err == nil {
					g.add(Instruction{Op: OpLoadConst, Val: negated})
					return
				}
			}
			g.CompileExpr(expr.Expr)
			g.addWithSpan(Instruction{Op: OpNeg}, expr.Span())
		}

	case *ast.BinOp:
		g.compileBinOp(expr)

	case *ast.IfExpr:
		g.setLineFromSpan(expr.Span())
		g.CompileExpr(expr.TestExpr)
		g.startIf()
		g.CompileExpr(expr.TrueExpr)
		g.startElse()
		if expr.FalseExpr != nil {
			g.CompileExpr(expr.FalseExpr)
		} else {
			g.add(Instruction{Op: OpLoadConst, Val: value.Undefined()})
		}
		g.endIf()

	case *ast.Filter:
		g.pushSpan(expr.Span())
		if expr.Expr != nil {
			g.CompileExpr(expr.Expr)
		}
		argCount := g.compileCallArgs(expr.Args, 1, nil)
		id := localID(g.filterIDs, expr.Name)
		g.add(Instruction{Op: OpApplyFilter, Str: expr.Name, ArgCount: argCount, LocalID: id})
		g.popSpan()

	case *ast.Test:
		g.pushSpan(expr.Span())
		g.CompileExpr(expr.Expr)
		argCount := g.compileCallArgs(expr.Args, 1, nil)
		id := localID(g.testIDs, expr.Name)
		g.add(Instruction{Op: OpPerformTest, Str: expr.Name, ArgCount: argCount, LocalID: id})
		g.popSpan()

	case *ast.GetAttr:
		g.pushSpan(expr.Span())
		g.CompileExpr(expr.Expr)
		g.add(Instruction{Op: OpGetAttr, Str: expr.Name})
		g.popSpan()

	case *ast.GetItem:
		g.pushSpan(expr.Span())
		g.CompileExpr(expr.Expr)
		g.CompileExpr(expr.SubscriptExpr)
		g.add(Instruction{Op: OpGetItem})
		g.popSpan()

	case *ast.Call:
		g.compileCall(expr, nil)

	case *ast.List:
		g.setLineFromSpan(expr.Span())
		for _, item := range expr.Items {
			g.CompileExpr(item)
		}
		g.add(Instruction{Op: OpBuildList, Count: int32(len(expr.Items))})

	case *ast.MapExpr:
		g.setLineFromSpan(expr.Span())
		for i := range expr.Keys {
			g.CompileExpr(expr.Keys[i])
			g.CompileExpr(expr.Values[i])
		}
		g.add(Instruction{Op: OpBuildMap, Count: int32(len(expr.Keys))})

	case *ast.Tuple:
		g.setLineFromSpan(expr.Span())
		for _, item := range expr.Items {
			g.CompileExpr(item)
		}
		g.add(Instruction{Op: OpBuildTuple, Count: int32(len(expr.Items))})
	}
}

func (g *CodeGenerator) compileCall(call *ast.Call, caller *ast.Macro) {
	g.pushSpan(call.Span())
	callType, target, name := call.IdentifyCall()
	switch callType {
	case ast.CallFunction:
		argCount := g.compileCallArgs(call.Args, 0, caller)
		if name == "ref" {
			for _, arg := range call.Args {
				if arg.Kind != ast.ArgPos {
					continue
				}
				if c, ok := arg.Value.(*ast.Const); ok {
					g.addWithSpan(Instruction{Op: OpModelReference, Str: c.Val.String()}, c.Span())
				}
			}
		}
		g.add(Instruction{Op: OpCallFunction, Str: name, ArgCount: argCount})
	case ast.CallBlockRef:
		g.add(Instruction{Op: OpBeginCapture, Flags: CaptureModeCapture})
		g.add(Instruction{Op: OpCallBlock, Str: name})
		g.add(Instruction{Op: OpEndCapture})
	case ast.CallMethod:
		g.CompileExpr(target)
		argCount := g.compileCallArgs(call.Args, 1, caller)
		g.add(Instruction{Op: OpCallMethod, Str: name, ArgCount: argCount})
	case ast.CallObject:
		g.CompileExpr(target)
		argCount := g.compileCallArgs(call.Args, 1, caller)
		g.add(Instruction{Op: OpCallObject, ArgCount: argCount})
	}
	g.popSpan()
}

// compileCallArgs pushes a call's arguments and returns the argument
// count, VarArgs when splats forced an UnpackLists collection.
func (g *CodeGenerator) compileCallArgs(args []ast.CallArg, extraArgs int, caller *ast.Macro) int32 {
	pendingArgs := extraArgs
	numArgsBatches := 0
	hasKwargs := caller != nil
	staticKwargs := caller == nil

	for _, arg := range args {
		switch arg.Kind {
		case ast.ArgPos:
			g.CompileExpr(arg.Value)
			pendingArgs++
		case ast.ArgPosSplat:
			if pendingArgs > 0 {
				g.add(Instruction{Op: OpBuildList, Count: int32(pendingArgs)})
				pendingArgs = 0
				numArgsBatches++
			}
			g.CompileExpr(arg.Value)
			numArgsBatches++
		case ast.ArgKwarg:
			if _, ok := arg.Value.(*ast.Const); !ok {
				staticKwargs = false
			}
			hasKwargs = true
		case ast.ArgKwargSplat:
			staticKwargs = false
			hasKwargs = true
		}
	}

	if hasKwargs {
		pendingKwargs := 0
		numKwargsBatches := 0
		collected := value.NewMap()
		for _, arg := range args {
			switch arg.Kind {
			case ast.ArgKwarg:
				if c, ok := arg.Value.(*ast.Const); ok && staticKwargs {
					collected.SetString(arg.Name, c.Val)
				} else {
					g.add(Instruction{Op: OpLoadConst, Val: value.FromString(arg.Name)})
					g.CompileExpr(arg.Value)
					pendingKwargs++
				}
			case ast.ArgKwargSplat:
				if pendingKwargs > 0 {
					g.add(Instruction{Op: OpBuildKwargs, Count: int32(pendingKwargs)})
					numKwargsBatches++
					pendingKwargs = 0
				}
				g.CompileExpr(arg.Value)
				numKwargsBatches++
			}
		}

		if collected.Len() > 0 {
			g.add(Instruction{Op: OpLoadConst, Val: value.WrapKwargs(collected)})
		} else {
			if caller != nil {
				g.add(Instruction{Op: OpLoadConst, Val: value.FromString("caller")})
				g.compileMacroExpression(caller)
				pendingKwargs++
			}
			if numKwargsBatches > 0 {
				if pendingKwargs > 0 {
					g.add(Instruction{Op: OpBuildKwargs, Count: int32(pendingKwargs)})
					numKwargsBatches++
				}
				g.add(Instruction{Op: OpMergeKwargs, Count: int32(numKwargsBatches)})
			} else {
				g.add(Instruction{Op: OpBuildKwargs, Count: int32(pendingKwargs)})
			}
		}
		pendingArgs++
	}

	if numArgsBatches > 0 {
		if pendingArgs > 0 {
			g.add(Instruction{Op: OpBuildList, Count: int32(pendingArgs)})
			numArgsBatches++
		}
		g.add(Instruction{Op: OpUnpackLists, Count: int32(numArgsBatches)})
		return VarArgs
	}
	return int32(pendingArgs)
}

func (g *CodeGenerator) compileBinOp(binop *ast.BinOp) {
	g.pushSpan(binop.Span())
	defer g.popSpan()

	var op Opcode
	switch binop.Op {
	case ast.BinOpEq:
		op = OpEq
	case ast.BinOpNe:
		op = OpNe
	case ast.BinOpLt:
		op = OpLt
	case ast.BinOpLte:
		op = OpLte
	case ast.BinOpGt:
		op = OpGt
	case ast.BinOpGte:
		op = OpGte
	case ast.BinOpScAnd, ast.BinOpScOr:
		g.startScBool()
		g.CompileExpr(binop.Left)
		g.scBool(binop.Op == ast.BinOpScAnd)
		g.CompileExpr(binop.Right)
		g.endScBool()
		return
	case ast.BinOpAdd:
		op = OpAdd
	case ast.BinOpSub:
		op = OpSub
	case ast.BinOpMul:
		op = OpMul
	case ast.BinOpDiv:
		op = OpDiv
	case ast.BinOpFloorDiv:
		op = OpIntDiv
	case ast.BinOpRem:
		op = OpRem
	case ast.BinOpPow:
		op = OpPow
	case ast.BinOpConcat:
		op = OpStringConcat
	case ast.BinOpIn:
		op = OpIn
	}
	g.CompileExpr(binop.Left)
	g.CompileExpr(binop.Right)
	g.add(Instruction{Op: op})
}
