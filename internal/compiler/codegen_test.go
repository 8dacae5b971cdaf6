package compiler

import (
	"fmt"
	"reflect"
	"testing"

	"loom/internal/ast"
	"loom/internal/parser"
)

func compileSource(t *testing.T, source string) (*Instructions, map[string]*Instructions) {
	t.Helper()
	tmpl, err := parser.Parse(source, "test.sql")
	if err != nil {
		t.Fatalf("parse %q: %v", source, err)
	}
	g := NewCodeGenerator("test.sql", source, RenderProfile)
	g.CompileStmt(tmpl)
	return g.Finish()
}

// opTrace renders an instruction stream as compact op strings with jump
// targets, for golden comparisons.
func opTrace(insts *Instructions) []string {
	out := make([]string, 0, insts.Len())
	for i := 0; i < insts.Len(); i++ {
		instr := insts.Instr(i)
		switch instr.Op {
		case OpJump, OpJumpIfFalse, OpJumpIfTrue, OpJumpIfFalseOrPop,
			OpJumpIfTrueOrPop, OpIterate, OpBuildMacro:
			out = append(out, fmt.Sprintf("%s->%d", instr.Op, instr.Target))
		default:
			out = append(out, instr.Op.String())
		}
	}
	return out
}

func TestCompileBasics(t *testing.T) {
	tests := []struct {
		source string
		want   []string
	}{
		{
			source: "Hello {{ name }}!",
			want: []string{
				"EmitRaw",
				"MacroStart", "Lookup", "Emit", "MacroStop",
				"EmitRaw",
			},
		},
		{
			source: "{% if x %}a{% endif %}",
			want: []string{
				"MacroStart", "Lookup", "JumpIfFalse->4", "EmitRaw",
				"MacroStop",
			},
		},
		{
			source: "{% if x %}a{% else %}b{% endif %}",
			want: []string{
				"MacroStart", "Lookup", "JumpIfFalse->5", "EmitRaw",
				"Jump->6", "EmitRaw", "MacroStop",
			},
		},
		{
			source: "{% for x in items %}{{ x }}{% endfor %}",
			want: []string{
				"MacroStart", "Lookup", "PushLoop", "Iterate->10",
				"StoreLocal",
				"MacroStart", "Lookup", "Emit", "MacroStop",
				"Jump->3", "PopFrame", "MacroStop",
			},
		},
		{
			source: "{{ a and b }}",
			want: []string{
				"MacroStart", "Lookup", "JumpIfFalseOrPop->4", "Lookup",
				"Emit", "MacroStop",
			},
		},
		{
			source: "{{ a or b }}",
			want: []string{
				"MacroStart", "Lookup", "JumpIfTrueOrPop->4", "Lookup",
				"Emit", "MacroStop",
			},
		},
		{
			source: "{{ 1 + 2 * 3 }}",
			want: []string{
				"MacroStart", "LoadConst", "LoadConst", "LoadConst",
				"Mul", "Add", "Emit", "MacroStop",
			},
		},
		{
			source: "{% set x = 42 %}",
			want: []string{
				"MacroStart", "LoadConst", "StoreLocal", "MacroStop",
			},
		},
		{
			source: "{% do run() %}",
			want: []string{
				"MacroStart", "CallFunction", "DiscardTop", "MacroStop",
			},
		},
		{
			source: "{{ ref('my_model') }}",
			want: []string{
				"MacroStart", "LoadConst", "ModelReference",
				"CallFunction", "Emit", "MacroStop",
			},
		},
		{
			source: "{{ items[1:3] }}",
			want: []string{
				"MacroStart", "Lookup", "LoadConst", "LoadConst",
				"LoadConst", "Slice", "Emit", "MacroStop",
			},
		},
		{
			source: "{{ x if cond else y }}",
			want: []string{
				"MacroStart", "Lookup", "JumpIfFalse->5", "Lookup",
				"Jump->6", "Lookup", "Emit", "MacroStop",
			},
		},
	}
	for _, tt := range tests {
		insts, _ := compileSource(t, tt.source)
		got := opTrace(insts)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("compile %q:\n got  %v\n want %v", tt.source, got, tt.want)
		}
	}
}

func TestCompileMacro(t *testing.T) {
	insts, _ := compileSource(t, "{% macro m(a, b=1) %}{{ a }}{% endmacro %}")
	want := []string{
		"Jump->15",
		"MacroName",
		"StoreLocal", // a
		"DupTop", "IsUndefined", "JumpIfFalse->8", "DiscardTop",
		"LoadConst", // default for b
		"StoreLocal",
		"FinishedParameterLoading",
		"MacroStart", "Lookup", "Emit", "MacroStop",
		"Return",
		"GetClosure",
		"LoadConst", // arg name list
		"MacroStart", "BuildMacro->1", "MacroStop",
		"StoreLocal", // bind m
	}
	got := opTrace(insts)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("macro compile:\n got  %v\n want %v", got, want)
	}
}

func TestCompileMacroClosure(t *testing.T) {
	insts, _ := compileSource(t,
		"{% set outer = 1 %}{% macro m() %}{{ outer }}{% endmacro %}")
	var enclosed []string
	for i := 0; i < insts.Len(); i++ {
		if instr := insts.Instr(i); instr.Op == OpEnclose {
			enclosed = append(enclosed, instr.Str)
		}
	}
	if !reflect.DeepEqual(enclosed, []string{"outer"}) {
		t.Errorf("enclosed names = %v, want [outer]", enclosed)
	}
}

func TestCompileCallerFlag(t *testing.T) {
	insts, _ := compileSource(t,
		"{% macro m() %}{{ caller() }}{% endmacro %}"+
			"{% call m() %}body{% endcall %}")
	var flags []uint8
	for i := 0; i < insts.Len(); i++ {
		if instr := insts.Instr(i); instr.Op == OpBuildMacro {
			flags = append(flags, instr.Flags)
		}
	}
	if len(flags) != 2 {
		t.Fatalf("expected 2 BuildMacro instructions, got %d", len(flags))
	}
	if flags[0]&MacroCaller == 0 {
		t.Error("macro referencing caller() should carry the caller flag")
	}
	if flags[1]&MacroCaller != 0 {
		t.Error("caller body macro should not carry the caller flag")
	}
}

func TestCompileForLoopFilter(t *testing.T) {
	insts, _ := compileSource(t,
		"{% for x in items if x > 1 %}{{ x }}{% endfor %}")
	got := opTrace(insts)
	// the filter pass accumulates passing items into a stack-counted list
	found := false
	for i := 0; i < insts.Len(); i++ {
		instr := insts.Instr(i)
		if instr.Op == OpBuildList && instr.Count == CountFromStack {
			found = true
		}
	}
	if !found {
		t.Errorf("loop filter should build a stack-counted list, got %v", got)
	}
	// two loops: the filter pass and the main body
	loops := 0
	for i := 0; i < insts.Len(); i++ {
		if insts.Instr(i).Op == OpPushLoop {
			loops++
		}
	}
	if loops != 2 {
		t.Errorf("expected 2 PushLoop, got %d", loops)
	}
}

func TestCompileForElse(t *testing.T) {
	insts, _ := compileSource(t,
		"{% for x in items %}a{% else %}b{% endfor %}")
	got := opTrace(insts)
	sawDidNotIterate := false
	for i := 0; i < insts.Len(); i++ {
		if insts.Instr(i).Op == OpPushDidNotIterate {
			sawDidNotIterate = true
		}
	}
	if !sawDidNotIterate {
		t.Errorf("for-else should emit PushDidNotIterate, got %v", got)
	}
}

func TestCompileBreakContinue(t *testing.T) {
	insts, _ := compileSource(t,
		"{% for x in items %}{% if x %}{% break %}{% else %}{% continue %}{% endif %}{% endfor %}")
	var iterIdx, iterTarget int
	for i := 0; i < insts.Len(); i++ {
		if insts.Instr(i).Op == OpIterate {
			iterIdx = i
			iterTarget = int(insts.Instr(i).Target)
		}
	}
	// continue jumps back to Iterate; break jumps to the loop exit
	sawContinue, sawBreak := false, false
	for i := 0; i < insts.Len(); i++ {
		instr := insts.Instr(i)
		if instr.Op != OpJump {
			continue
		}
		if int(instr.Target) == iterIdx && i != insts.Len()-1 {
			sawContinue = true
		}
		if int(instr.Target) == iterTarget {
			sawBreak = true
		}
	}
	if !sawContinue {
		t.Error("continue should jump back to the Iterate instruction")
	}
	if !sawBreak {
		t.Error("break should jump to the loop exit")
	}
}

func TestCompileKwargs(t *testing.T) {
	// constant kwargs collapse into a single LoadConst of a kwargs map
	insts, _ := compileSource(t, "{{ fn(a=1, b=2) }}")
	loads, buildKwargs := 0, 0
	for i := 0; i < insts.Len(); i++ {
		switch insts.Instr(i).Op {
		case OpLoadConst:
			loads++
		case OpBuildKwargs:
			buildKwargs++
		}
	}
	if loads != 1 || buildKwargs != 0 {
		t.Errorf("static kwargs: loads=%d buildKwargs=%d, want 1/0", loads, buildKwargs)
	}

	// dynamic kwargs build at runtime
	insts, _ = compileSource(t, "{{ fn(a=x) }}")
	buildKwargs = 0
	for i := 0; i < insts.Len(); i++ {
		if insts.Instr(i).Op == OpBuildKwargs {
			buildKwargs++
		}
	}
	if buildKwargs != 1 {
		t.Errorf("dynamic kwargs: buildKwargs=%d, want 1", buildKwargs)
	}
}

func TestCompileSplatArgs(t *testing.T) {
	insts, _ := compileSource(t, "{{ fn(1, *rest) }}")
	var callArgc int32 = 0
	sawUnpack := false
	for i := 0; i < insts.Len(); i++ {
		instr := insts.Instr(i)
		if instr.Op == OpUnpackLists {
			sawUnpack = true
		}
		if instr.Op == OpCallFunction {
			callArgc = instr.ArgCount
		}
	}
	if !sawUnpack {
		t.Error("positional splat should emit UnpackLists")
	}
	if callArgc != VarArgs {
		t.Errorf("splat call ArgCount = %d, want VarArgs", callArgc)
	}
}

func TestCompileBlocks(t *testing.T) {
	insts, blocks := compileSource(t,
		"{% block title %}hi{% endblock %}")
	if _, ok := blocks["title"]; !ok {
		t.Fatalf("blocks = %v, want title", blocks)
	}
	sawCall := false
	for i := 0; i < insts.Len(); i++ {
		instr := insts.Instr(i)
		if instr.Op == OpCallBlock && instr.Str == "title" {
			sawCall = true
		}
	}
	if !sawCall {
		t.Error("block definition should emit CallBlock at its site")
	}
}

func TestCompileNegConstFold(t *testing.T) {
	insts, _ := compileSource(t, "{{ -1 }}")
	for i := 0; i < insts.Len(); i++ {
		if insts.Instr(i).Op == OpNeg {
			t.Fatal("negative integer literal should fold at compile time")
		}
	}
}

func TestExpressionProfileSkipsDefaultGuards(t *testing.T) {
	expr, err := parser.ParseExpr("x + 1")
	if err != nil {
		t.Fatal(err)
	}
	g := NewCodeGenerator("<expression>", "x + 1", ExpressionProfile)
	g.CompileExpr(expr)
	insts, _ := g.Finish()
	want := []string{"Lookup", "LoadConst", "Add"}
	if got := opTrace(insts); !reflect.DeepEqual(got, want) {
		t.Errorf("expression profile: got %v, want %v", got, want)
	}
}

func TestCompileDeterminism(t *testing.T) {
	source := `
{% macro fmt(v, prefix="> ") %}{{ prefix ~ v }}{% endmacro %}
{% for row in rows if row.active %}
  {{ fmt(row.name) }}
{% else %}
  none
{% endfor %}
{% set caption = rows | length %}
{{ caption }}`
	first, firstBlocks := compileSource(t, source)
	for i := 0; i < 10; i++ {
		next, nextBlocks := compileSource(t, source)
		if !reflect.DeepEqual(opTrace(first), opTrace(next)) {
			t.Fatal("identical source must compile to identical instructions")
		}
		if len(firstBlocks) != len(nextBlocks) {
			t.Fatal("identical source must produce identical blocks")
		}
	}
}

func TestLocalIDAllocation(t *testing.T) {
	ids := map[string]uint16{}
	if got := localID(ids, "upper"); got != 0 {
		t.Errorf("first id = %d, want 0", got)
	}
	if got := localID(ids, "lower"); got != 1 {
		t.Errorf("second id = %d, want 1", got)
	}
	if got := localID(ids, "upper"); got != 0 {
		t.Errorf("repeat id = %d, want 0", got)
	}
	for i := 0; i < MaxLocals; i++ {
		localID(ids, fmt.Sprintf("f%d", i))
	}
	if got := localID(ids, "overflow"); got != NoLocalID {
		t.Errorf("overflow id = %d, want NoLocalID", got)
	}
}

func TestStableArgNameOrder(t *testing.T) {
	tmpl, err := parser.Parse("{% macro m(a, b, c) %}x{% endmacro %}", "t")
	if err != nil {
		t.Fatal(err)
	}
	decl := tmpl.Children[0].(*ast.Macro)
	if len(decl.Args) != 3 {
		t.Fatalf("args = %d, want 3", len(decl.Args))
	}
	g := NewCodeGenerator("t", "", RenderProfile)
	g.CompileStmt(tmpl)
	insts, _ := g.Finish()
	var argList string
	for i := 0; i < insts.Len(); i++ {
		instr := insts.Instr(i)
		if instr.Op == OpLoadConst && i+2 < insts.Len() &&
			insts.Instr(i+2).Op == OpBuildMacro {
			argList = instr.Val.String()
		}
	}
	if argList != "['a', 'b', 'c']" {
		t.Errorf("arg name list = %q, want declaration order", argList)
	}
}
