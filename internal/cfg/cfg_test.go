package cfg

import (
	"reflect"
	"sort"
	"strings"
	"testing"

	"loom/internal/compiler"
	"loom/internal/parser"
)

func buildGraph(t *testing.T, source string) (*Graph, *compiler.Instructions) {
	t.Helper()
	tmpl, err := parser.Parse(source, "test.sql")
	if err != nil {
		t.Fatalf("parse %q: %v", source, err)
	}
	g := compiler.NewCodeGenerator("test.sql", source, compiler.RenderProfile)
	g.CompileStmt(tmpl)
	insts, _ := g.Finish()
	return Build(insts), insts
}

func TestBlocksPartitionInstructions(t *testing.T) {
	sources := []string{
		"hello",
		"{% if x %}a{% else %}b{% endif %}",
		"{% for x in items %}{{ x }}{% else %}none{% endfor %}",
		"{% macro m(a, b=1) %}{{ a }}{% endmacro %}{{ m(1) }}",
		"{{ a and b or not c }}",
	}
	for _, source := range sources {
		graph, insts := buildGraph(t, source)
		covered := 0
		prevEnd := 0
		for i, block := range graph.Blocks() {
			if block.ID != i {
				t.Errorf("%q: block %d has ID %d", source, i, block.ID)
			}
			if block.Start != prevEnd {
				t.Errorf("%q: block %d starts at %d, want %d", source, i, block.Start, prevEnd)
			}
			if block.End <= block.Start {
				t.Errorf("%q: block %d is empty", source, i)
			}
			covered += block.End - block.Start
			prevEnd = block.End
		}
		if covered != insts.Len() {
			t.Errorf("%q: blocks cover %d of %d instructions", source, covered, insts.Len())
		}
	}
}

func TestBlockOf(t *testing.T) {
	graph, insts := buildGraph(t, "{% if x %}a{% endif %}")
	for i := 0; i < insts.Len(); i++ {
		block := graph.BlockOf(i)
		if block == nil {
			t.Fatalf("no block for instruction %d", i)
		}
		if i < block.Start || i >= block.End {
			t.Errorf("instruction %d mapped to block [%d,%d)", i, block.Start, block.End)
		}
	}
	if graph.BlockOf(-1) != nil || graph.BlockOf(insts.Len()) != nil {
		t.Error("out-of-range indexes should map to no block")
	}
}

func TestConditionalEdges(t *testing.T) {
	graph, insts := buildGraph(t, "{% if x %}a{% else %}b{% endif %}")
	// the block ending in JumpIfFalse must have one true and one false edge
	var condBlock *Block
	for _, block := range graph.Blocks() {
		if insts.Instr(block.End-1).Op == compiler.OpJumpIfFalse {
			condBlock = block
		}
	}
	if condBlock == nil {
		t.Fatal("no block ends in JumpIfFalse")
	}
	kinds := map[EdgeKind]int{}
	for _, edge := range condBlock.Succs {
		kinds[edge.Kind]++
	}
	if kinds[CondTrue] != 1 || kinds[CondFalse] != 1 {
		t.Errorf("conditional block edges = %v", condBlock.Succs)
	}
}

func TestLoopEdges(t *testing.T) {
	graph, insts := buildGraph(t, "{% for x in items %}{{ x }}{% endfor %}")
	var iterBlock *Block
	for _, block := range graph.Blocks() {
		if insts.Instr(block.End-1).Op == compiler.OpIterate {
			iterBlock = block
		}
	}
	if iterBlock == nil {
		t.Fatal("no block ends in Iterate")
	}
	var trueTo, falseTo = -1, -1
	for _, edge := range iterBlock.Succs {
		switch edge.Kind {
		case CondTrue:
			trueTo = edge.To
		case CondFalse:
			falseTo = edge.To
		}
	}
	if trueTo != iterBlock.ID+1 {
		t.Errorf("Iterate true edge goes to %d, want next block %d", trueTo, iterBlock.ID+1)
	}
	if falseTo <= trueTo {
		t.Errorf("Iterate false edge goes to %d, want a later exit block", falseTo)
	}
	// the loop body jumps back, so the iterate block has a back predecessor
	backEdge := false
	for _, pred := range iterBlock.Preds {
		if pred > iterBlock.ID {
			backEdge = true
		}
	}
	if !backEdge {
		t.Error("loop head should have a predecessor after it in block order")
	}
}

func TestMacroTagging(t *testing.T) {
	graph, _ := buildGraph(t,
		"{% macro greet(name) %}{% if name %}hi {{ name }}{% endif %}{% endmacro %}{{ greet('x') }}")
	tagged := 0
	for _, block := range graph.Blocks() {
		if block.Macro == "greet" {
			tagged++
		}
	}
	// entry block plus the if/else body blocks reached from it
	if tagged < 2 {
		t.Errorf("only %d blocks tagged greet, want the whole macro body", tagged)
	}
	// top-level code before the macro definition stays untagged
	if graph.Blocks()[0].Macro != "" {
		t.Errorf("entry block tagged %q, want untagged", graph.Blocks()[0].Macro)
	}
}

func TestBuildMacroSyntheticEdge(t *testing.T) {
	graph, insts := buildGraph(t, "{% macro m() %}x{% endmacro %}")
	var siteBlock, entryBlock *Block
	for _, block := range graph.Blocks() {
		for i := block.Start; i < block.End; i++ {
			switch insts.Instr(i).Op {
			case compiler.OpBuildMacro:
				siteBlock = block
			case compiler.OpMacroName:
				entryBlock = block
			}
		}
	}
	if siteBlock == nil || entryBlock == nil {
		t.Fatal("missing BuildMacro or MacroName block")
	}
	linked := false
	for _, edge := range siteBlock.Succs {
		if edge.To == entryBlock.ID && edge.Kind == Uncond {
			linked = true
		}
	}
	if !linked {
		t.Errorf("BuildMacro block %d has no edge to macro entry %d: %v",
			siteBlock.ID, entryBlock.ID, siteBlock.Succs)
	}
}

func TestPredecessorsSortedDeduped(t *testing.T) {
	graph, _ := buildGraph(t,
		"{% for x in items %}{% if x %}{% continue %}{% endif %}{% endfor %}")
	for _, block := range graph.Blocks() {
		if !sort.IsSorted(sort.IntSlice(block.Preds)) {
			t.Errorf("block %d preds not sorted: %v", block.ID, block.Preds)
		}
		seen := map[int]bool{}
		for _, pred := range block.Preds {
			if seen[pred] {
				t.Errorf("block %d has duplicate pred %d", block.ID, pred)
			}
			seen[pred] = true
		}
	}
}

func TestGraphDeterminism(t *testing.T) {
	source := "{% macro m(a) %}{% for x in a %}{{ x }}{% endfor %}{% endmacro %}{{ m([1,2]) }}"
	first, _ := buildGraph(t, source)
	for i := 0; i < 5; i++ {
		next, _ := buildGraph(t, source)
		if len(first.Blocks()) != len(next.Blocks()) {
			t.Fatal("block count varies between builds")
		}
		for j, block := range first.Blocks() {
			other := next.Blocks()[j]
			if !reflect.DeepEqual(block.Succs, other.Succs) ||
				!reflect.DeepEqual(block.Preds, other.Preds) ||
				block.Macro != other.Macro {
				t.Fatalf("block %d differs between builds", j)
			}
		}
	}
}

func TestDot(t *testing.T) {
	graph, _ := buildGraph(t, "{% if x %}a{% endif %}")
	dot := graph.Dot()
	if !strings.HasPrefix(dot, "digraph") {
		t.Errorf("dot output missing digraph header: %q", dot)
	}
	for _, want := range []string{"b0", "JumpIfFalse", "->"} {
		if !strings.Contains(dot, want) {
			t.Errorf("dot output missing %q:\n%s", want, dot)
		}
	}
}

func TestEmptyProgram(t *testing.T) {
	graph := Build(compiler.EmptyInstructions)
	if len(graph.Blocks()) != 0 {
		t.Errorf("empty program should have no blocks, got %d", len(graph.Blocks()))
	}
	if graph.BlockOf(0) != nil {
		t.Error("BlockOf on empty program should be nil")
	}
}
