// Package compiler turns a parsed template into the bytecode program
// the virtual machine executes.
package compiler

import (
	"fmt"

	"loom/internal/token"
	"loom/internal/value"
)

type Opcode int

const (
	OpEmitRaw Opcode = iota
	OpEmit
	OpStoreLocal
	OpLookup
	OpGetAttr
	OpSetAttr
	OpGetItem
	OpSlice
	OpLoadConst
	OpBuildMap
	OpBuildKwargs
	OpMergeKwargs
	OpBuildList
	OpBuildTuple
	OpUnpackList
	OpUnpackLists
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpIntDiv
	OpRem
	OpPow
	OpNeg
	OpEq
	OpNe
	OpGt
	OpGte
	OpLt
	OpLte
	OpNot
	OpStringConcat
	OpIn
	OpPushWith
	OpPopFrame
	OpIsUndefined
	OpPushLoop
	OpIterate
	OpPushDidNotIterate
	OpJump
	OpJumpIfFalse
	OpJumpIfTrue
	OpJumpIfFalseOrPop
	OpJumpIfTrueOrPop
	OpCallBlock
	OpPushAutoEscape
	OpPopAutoEscape
	OpBeginCapture
	OpEndCapture
	OpApplyFilter
	OpPerformTest
	OpCallFunction
	OpCallMethod
	OpCallObject
	OpDupTop
	OpDiscardTop
	OpFastSuper
	OpFastRecurse
	OpLoadBlocks
	OpInclude
	OpExportLocals
	OpBuildMacro
	OpReturn
	OpEnclose
	OpGetClosure
	OpMacroStart
	OpMacroStop
	OpMacroName
	OpFinishedParameterLoading
	OpSwap
	OpModelReference
)

var opcodeNames = [...]string{
	"EmitRaw", "Emit", "StoreLocal", "Lookup", "GetAttr", "SetAttr",
	"GetItem", "Slice", "LoadConst", "BuildMap", "BuildKwargs",
	"MergeKwargs", "BuildList", "BuildTuple", "UnpackList", "UnpackLists",
	"Add", "Sub", "Mul", "Div", "IntDiv", "Rem", "Pow", "Neg", "Eq", "Ne",
	"Gt", "Gte", "Lt", "Lte", "Not", "StringConcat", "In", "PushWith",
	"PopFrame", "IsUndefined", "PushLoop", "Iterate", "PushDidNotIterate",
	"Jump", "JumpIfFalse", "JumpIfTrue", "JumpIfFalseOrPop",
	"JumpIfTrueOrPop", "CallBlock", "PushAutoEscape", "PopAutoEscape",
	"BeginCapture", "EndCapture", "ApplyFilter", "PerformTest",
	"CallFunction", "CallMethod", "CallObject", "DupTop", "DiscardTop",
	"FastSuper", "FastRecurse", "LoadBlocks", "Include", "ExportLocals",
	"BuildMacro", "Return", "Enclose", "GetClosure", "MacroStart",
	"MacroStop", "MacroName", "FinishedParameterLoading", "Swap",
	"ModelReference",
}

func (op Opcode) String() string {
	if int(op) < len(opcodeNames) {
		return opcodeNames[op]
	}
	return fmt.Sprintf("Opcode(%d)", int(op))
}

// Loop flags carried by PushLoop.
const (
	LoopFlagWithLoopVar uint8 = 1 << iota
	LoopFlagRecursive
)

// Macro flags carried by BuildMacro.
const (
	MacroSelfReferential uint8 = 1 << iota
	MacroCaller
)

// Capture modes carried by BeginCapture.
const (
	CaptureModeCapture uint8 = iota
	CaptureModeDiscard
)

// jumpPlaceholder marks unpatched jump targets while a block is open.
const jumpPlaceholder = ^uint32(0)

// VarArgs is the ArgCount of a call whose arguments arrive as an
// unpacked list on the stack.
const VarArgs = int32(-1)

// MaxLocals bounds the fast-lookup slots handed out to filter and test
// names; names past the limit fall back to by-name lookup.
const MaxLocals = 50

// NoLocalID is the LocalID of a name without a fast-lookup slot.
const NoLocalID = ^uint16(0)

// Instruction is one VM operation. Fields beyond Op are operands and
// only meaningful for opcodes that use them.
type Instruction struct {
	Op Opcode

	// Str holds name operands: variable and attribute names, filter/
	// test/function/method names, macro and block names, raw text for
	// EmitRaw, the referenced model for ModelReference.
	Str string

	// Val holds the constant operand of LoadConst.
	Val value.Value

	// Target is the jump target of the branch family, and the body
	// entry offset of BuildMacro.
	Target uint32

	// Count holds sizes: BuildMap/BuildKwargs/MergeKwargs pair counts,
	// BuildList/BuildTuple/UnpackList item counts (CountFromStack for
	// stack-provided counts), Include ignore-missing is in Flags.
	Count int32

	// ArgCount is the argument count of calls, filters and tests;
	// VarArgs when the arguments were collected with UnpackLists.
	ArgCount int32

	// LocalID is the fast-lookup slot for filters and tests.
	LocalID uint16

	// Flags carries loop flags, macro flags, the capture mode, and
	// Include's ignore-missing bit.
	Flags uint8
}

// CountFromStack marks list builds whose item count is on the stack.
const CountFromStack = int32(-1)

// Instructions is a compiled program: the instruction sequence plus a
// per-instruction span side table and the source it came from. It is
// immutable once compilation finishes and safe to share.
type Instructions struct {
	instrs []Instruction
	spans  []token.Span
	name   string
	source string
}

func newInstructions(name, source string) *Instructions {
	return &Instructions{name: name, source: source}
}

// EmptyInstructions is the shared empty program.
var EmptyInstructions = &Instructions{name: "<unknown>"}

func (ins *Instructions) add(instr Instruction, span token.Span) int {
	ins.instrs = append(ins.instrs, instr)
	ins.spans = append(ins.spans, span)
	return len(ins.instrs) - 1
}

func (ins *Instructions) Len() int { return len(ins.instrs) }

func (ins *Instructions) Get(idx int) (Instruction, bool) {
	if idx < 0 || idx >= len(ins.instrs) {
		return Instruction{}, false
	}
	return ins.instrs[idx], true
}

// Instr returns the instruction at idx; idx must be in range.
func (ins *Instructions) Instr(idx int) Instruction { return ins.instrs[idx] }

func (ins *Instructions) Name() string   { return ins.name }
func (ins *Instructions) Source() string { return ins.source }

// SpanOf returns the recorded span for an instruction; line-only
// records have zero columns.
func (ins *Instructions) SpanOf(idx int) token.Span {
	if idx < 0 || idx >= len(ins.spans) {
		return token.Span{}
	}
	return ins.spans[idx]
}

// LineOf returns the source line for an instruction, 0 if unknown.
func (ins *Instructions) LineOf(idx int) uint32 {
	return ins.SpanOf(idx).StartLine
}
