// Package cfg derives a basic-block control-flow graph from compiled
// template instructions. The graph is advisory: tooling uses it for
// lineage and dead-code questions, the vm never consults it.
package cfg

import (
	"fmt"
	"sort"
	"strings"

	"loom/internal/compiler"
)

type EdgeKind int

const (
	FallThrough EdgeKind = iota
	Uncond
	CondTrue
	CondFalse
)

func (k EdgeKind) String() string {
	switch k {
	case FallThrough:
		return "fallthrough"
	case Uncond:
		return "uncond"
	case CondTrue:
		return "true"
	case CondFalse:
		return "false"
	}
	return "?"
}

type Edge struct {
	To   int
	Kind EdgeKind
}

// Block is a maximal straight-line instruction run [Start, End).
type Block struct {
	ID    int
	Start int
	End   int
	Macro string // owning macro name, empty for top-level code
	Succs []Edge
	Preds []int
}

type Graph struct {
	instructions *compiler.Instructions
	blocks       []*Block
	blockOf      []int
}

func isBranch(op compiler.Opcode) bool {
	switch op {
	case compiler.OpJump, compiler.OpJumpIfFalse, compiler.OpJumpIfTrue,
		compiler.OpJumpIfFalseOrPop, compiler.OpJumpIfTrueOrPop,
		compiler.OpIterate:
		return true
	}
	return false
}

func isTerminator(op compiler.Opcode) bool {
	switch op {
	case compiler.OpFastRecurse, compiler.OpPopFrame, compiler.OpReturn:
		return true
	}
	return isBranch(op)
}

// Build partitions the instruction stream into basic blocks and wires
// the successor and predecessor edges.
func Build(insts *compiler.Instructions) *Graph {
	n := insts.Len()
	g := &Graph{instructions: insts, blockOf: make([]int, n)}
	if n == 0 {
		return g
	}

	leaders := map[int]bool{0: true}
	for i := 0; i < n; i++ {
		instr := insts.Instr(i)
		if isBranch(instr.Op) {
			if t := int(instr.Target); t < n {
				leaders[t] = true
			}
		}
		if isTerminator(instr.Op) && i+1 < n {
			leaders[i+1] = true
		}
	}
	starts := make([]int, 0, len(leaders))
	for idx := range leaders {
		starts = append(starts, idx)
	}
	sort.Ints(starts)

	for bi, start := range starts {
		end := n
		if bi+1 < len(starts) {
			end = starts[bi+1]
		}
		block := &Block{ID: bi, Start: start, End: end}
		for i := start; i < end; i++ {
			g.blockOf[i] = bi
			if instr := insts.Instr(i); instr.Op == compiler.OpMacroName {
				block.Macro = instr.Str
			}
		}
		g.blocks = append(g.blocks, block)
	}

	for _, block := range g.blocks {
		g.wireBlock(block)
	}
	g.wireMacroCalls()
	g.computePredecessors()
	g.propagateTags()
	return g
}

func (g *Graph) wireBlock(block *Block) {
	last := g.instructions.Instr(block.End - 1)
	next := -1
	if block.End < g.instructions.Len() {
		next = g.blockOf[block.End]
	}
	target := -1
	if isBranch(last.Op) {
		if t := int(last.Target); t < g.instructions.Len() {
			target = g.blockOf[t]
		}
	}

	switch last.Op {
	case compiler.OpJump:
		if target >= 0 {
			block.Succs = append(block.Succs, Edge{To: target, Kind: Uncond})
		}
	case compiler.OpJumpIfFalse, compiler.OpJumpIfFalseOrPop:
		if target >= 0 {
			block.Succs = append(block.Succs, Edge{To: target, Kind: CondFalse})
		}
		if next >= 0 {
			block.Succs = append(block.Succs, Edge{To: next, Kind: CondTrue})
		}
	case compiler.OpJumpIfTrue, compiler.OpJumpIfTrueOrPop:
		if target >= 0 {
			block.Succs = append(block.Succs, Edge{To: target, Kind: CondTrue})
		}
		if next >= 0 {
			block.Succs = append(block.Succs, Edge{To: next, Kind: CondFalse})
		}
	case compiler.OpIterate:
		if next >= 0 {
			block.Succs = append(block.Succs, Edge{To: next, Kind: CondTrue})
		}
		if target >= 0 {
			block.Succs = append(block.Succs, Edge{To: target, Kind: CondFalse})
		}
	case compiler.OpReturn, compiler.OpFastRecurse:
		// no static successor
	default:
		if next >= 0 {
			block.Succs = append(block.Succs, Edge{To: next, Kind: FallThrough})
		}
	}
}

// wireMacroCalls adds a synthetic edge from each BuildMacro site to the
// entry block of the macro body it references, so macro bodies stay
// connected to their definition site.
func (g *Graph) wireMacroCalls() {
	for _, block := range g.blocks {
		for i := block.Start; i < block.End; i++ {
			instr := g.instructions.Instr(i)
			if instr.Op != compiler.OpBuildMacro {
				continue
			}
			for id := block.ID - 1; id >= 0; id-- {
				if g.blocks[id].Macro == instr.Str {
					block.Succs = append(block.Succs, Edge{To: id, Kind: Uncond})
					break
				}
			}
		}
	}
}

func (g *Graph) computePredecessors() {
	for _, block := range g.blocks {
		for _, edge := range block.Succs {
			g.blocks[edge.To].Preds = append(g.blocks[edge.To].Preds, block.ID)
		}
	}
	for _, block := range g.blocks {
		sort.Ints(block.Preds)
		deduped := block.Preds[:0]
		for i, id := range block.Preds {
			if i == 0 || id != block.Preds[i-1] {
				deduped = append(deduped, id)
			}
		}
		block.Preds = deduped
	}
}

// propagateTags pushes each macro entry's tag onto the untagged blocks
// reachable from it, so every block of a macro body reports its owner.
func (g *Graph) propagateTags() {
	for _, entry := range g.blocks {
		if entry.Macro == "" {
			continue
		}
		visited := map[int]bool{entry.ID: true}
		stack := []int{entry.ID}
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, edge := range g.blocks[id].Succs {
				if visited[edge.To] {
					continue
				}
				visited[edge.To] = true
				if succ := g.blocks[edge.To]; succ.Macro == "" {
					succ.Macro = entry.Macro
					stack = append(stack, edge.To)
				}
			}
		}
	}
}

func (g *Graph) Blocks() []*Block { return g.blocks }

func (g *Graph) BlockOf(idx int) *Block {
	if idx < 0 || idx >= len(g.blockOf) {
		return nil
	}
	return g.blocks[g.blockOf[idx]]
}

// Dot renders the graph in graphviz syntax.
func (g *Graph) Dot() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "digraph %q {\n", g.instructions.Name())
	sb.WriteString("  node [shape=box fontname=monospace];\n")
	for _, block := range g.blocks {
		var label strings.Builder
		if block.Macro != "" {
			fmt.Fprintf(&label, "[%s]\\n", block.Macro)
		}
		for i := block.Start; i < block.End; i++ {
			fmt.Fprintf(&label, "%d %s\\l", i, g.instructions.Instr(i).Op)
		}
		fmt.Fprintf(&sb, "  b%d [label=\"%s\"];\n", block.ID, label.String())
	}
	for _, block := range g.blocks {
		for _, edge := range block.Succs {
			if edge.Kind == FallThrough || edge.Kind == Uncond {
				fmt.Fprintf(&sb, "  b%d -> b%d;\n", block.ID, edge.To)
			} else {
				fmt.Fprintf(&sb, "  b%d -> b%d [label=%q];\n", block.ID, edge.To, edge.Kind)
			}
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}
