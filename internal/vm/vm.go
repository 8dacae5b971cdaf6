// Package vm evaluates compiled template instructions against a
// context value. The machine is a plain stack interpreter; all control
// flow was resolved to jump targets at compile time.
package vm

import (
	"sort"

	"loom/internal/compiler"
	"loom/internal/value"
)

const includeRecursionCost = 10

// VM evaluates instruction programs for one environment.
type VM struct {
	env Env
}

func NewVM(env Env) *VM { return &VM{env: env} }

// Eval runs a compiled template against the root context and returns
// the result value (normally the rendered string) together with the
// final state.
func (m *VM) Eval(instructions *compiler.Instructions, root value.Value, blocks map[string]*compiler.Instructions, autoEscape AutoEscape, listeners []value.RenderingEventListener) (value.Value, *State, error) {
	ctx := newContext(newFrame(root), m.env.RecursionLimit())
	state := newState(m.env, ctx, autoEscape, instructions, blocks, listeners)
	rv, err := m.evalImpl(state, &stack{}, 0)
	return rv, state, err
}

func (m *VM) evalImpl(state *State, stk *stack, pc int) (value.Value, error) {
	out := NewOutput()
	behavior := state.env.UndefinedBehavior()
	initialAutoEscape := state.autoEscape

	var autoEscapeStack []AutoEscape
	var nextRecursionJump *recursionJump
	var loadedFilters [compiler.MaxLocals]FilterFunc
	var loadedTests [compiler.MaxLocals]TestFunc
	var parentInstructions *compiler.Instructions
	currentMacroName := ""
	explicitReturn := false

	for {
		if pc >= state.instructions.Len() {
			// a pending extends target takes over once the child template
			// body (output-discarded) ran to completion
			if parentInstructions == nil {
				break
			}
			state.instructions = parentInstructions
			parentInstructions = nil
			out.EndCapture(EscapeNone)
			pc = 0
			loadedFilters = [compiler.MaxLocals]FilterFunc{}
			loadedTests = [compiler.MaxLocals]TestFunc{}
			continue
		}
		instr := state.instructions.Instr(pc)

		switch instr.Op {
		case compiler.OpSwap:
			a := stk.pop()
			b := stk.pop()
			stk.push(a)
			stk.push(b)

		case compiler.OpEmitRaw:
			out.WriteString(instr.Str)

		case compiler.OpEmit:
			v := stk.pop()
			if err := m.emit(state, out, &v, behavior); err != nil {
				return value.Undefined(), state.locate(err, pc)
			}

		case compiler.OpStoreLocal:
			state.ctx.store(instr.Str, stk.pop())

		case compiler.OpLookup:
			if v, ok := state.Lookup(instr.Str); ok && !v.IsUndefined() {
				stk.push(v)
			} else {
				stk.push(value.Undefined())
			}

		case compiler.OpGetAttr:
			a := stk.pop()
			if v, found := a.GetAttr(instr.Str); found {
				stk.push(v)
			} else {
				v, err := behavior.HandleUndefined(a.IsUndefined())
				if err != nil {
					return value.Undefined(), state.locate(err, pc)
				}
				stk.push(v)
			}

		case compiler.OpSetAttr:
			target := stk.pop()
			v := stk.pop()
			obj, _ := target.AsObject()
			ns, ok := obj.(*value.Namespace)
			if !ok {
				return value.Undefined(), state.locate(value.Errorf(value.InvalidOperation,
					"can only assign to namespaces, not %s", target.Kind()), pc)
			}
			ns.SetValue(instr.Str, v)

		case compiler.OpGetItem:
			key := stk.pop()
			container := stk.pop()
			if v, found := container.GetItem(&key); found {
				stk.push(v)
			} else {
				v, err := behavior.HandleUndefined(container.IsUndefined())
				if err != nil {
					return value.Undefined(), state.locate(err, pc)
				}
				stk.push(v)
			}

		case compiler.OpSlice:
			step := stk.pop()
			stop := stk.pop()
			start := stk.pop()
			v := stk.pop()
			rv, err := value.Slice(&v, &start, &stop, &step)
			if err != nil {
				return value.Undefined(), state.locate(err, pc)
			}
			stk.push(rv)

		case compiler.OpLoadConst:
			stk.push(instr.Val)

		case compiler.OpBuildMap:
			n := int(instr.Count)
			mp := value.NewMap()
			stk.reverseTop(n * 2)
			for i := 0; i < n; i++ {
				k := stk.pop()
				v := stk.pop()
				if err := mp.Set(k, v); err != nil {
					return value.Undefined(), state.locate(err, pc)
				}
			}
			stk.push(value.FromMap(mp))

		case compiler.OpBuildKwargs:
			n := int(instr.Count)
			mp := value.NewMap()
			stk.reverseTop(n * 2)
			for i := 0; i < n; i++ {
				k := stk.pop()
				v := stk.pop()
				if err := mp.Set(k, v); err != nil {
					return value.Undefined(), state.locate(err, pc)
				}
			}
			stk.push(value.WrapKwargs(mp))

		case compiler.OpMergeKwargs:
			n := int(instr.Count)
			sources := make([]value.Value, n)
			for i := n - 1; i >= 0; i-- {
				sources[i] = stk.pop()
			}
			merged := value.NewMap()
			for _, src := range sources {
				if err := mergeKwargSource(merged, &src); err != nil {
					return value.Undefined(), state.locate(err, pc)
				}
			}
			stk.push(value.WrapKwargs(merged))

		case compiler.OpBuildList:
			n := int(instr.Count)
			if instr.Count == compiler.CountFromStack {
				cv := stk.pop()
				c, _ := cv.AsI64()
				n = int(c)
			}
			items := make([]value.Value, n)
			for i := n - 1; i >= 0; i-- {
				items[i] = stk.pop()
			}
			stk.push(value.FromSlice(items))

		case compiler.OpBuildTuple:
			n := int(instr.Count)
			items := make([]value.Value, n)
			for i := n - 1; i >= 0; i-- {
				items[i] = stk.pop()
			}
			stk.push(value.FromTuple(items))

		case compiler.OpUnpackList:
			if err := unpackList(stk, int(instr.Count)); err != nil {
				return value.Undefined(), state.locate(err, pc)
			}

		case compiler.OpUnpackLists:
			n := int(instr.Count)
			lists := make([]value.Value, n)
			for i := n - 1; i >= 0; i-- {
				lists[i] = stk.pop()
			}
			total := 0
			for i := range lists {
				it, err := lists[i].TryIter()
				if err != nil {
					return value.Undefined(), state.locate(err, pc)
				}
				for {
					item, ok := it.Next()
					if !ok {
						break
					}
					stk.push(item)
					total++
				}
			}
			stk.push(value.FromInt(total))

		case compiler.OpAdd:
			if err := m.binop(state, stk, value.Add, "__add__"); err != nil {
				return value.Undefined(), state.locate(err, pc)
			}
		case compiler.OpSub:
			if err := m.binop(state, stk, value.Sub, "__sub__"); err != nil {
				return value.Undefined(), state.locate(err, pc)
			}
		case compiler.OpMul:
			if err := m.binop(state, stk, value.Mul, "__mul__"); err != nil {
				return value.Undefined(), state.locate(err, pc)
			}
		case compiler.OpDiv:
			if err := m.binop(state, stk, value.Div, "__truediv__"); err != nil {
				return value.Undefined(), state.locate(err, pc)
			}
		case compiler.OpIntDiv:
			if err := m.binop(state, stk, value.IntDiv, "__floordiv__"); err != nil {
				return value.Undefined(), state.locate(err, pc)
			}
		case compiler.OpRem:
			if err := m.binop(state, stk, value.Rem, "__mod__"); err != nil {
				return value.Undefined(), state.locate(err, pc)
			}
		case compiler.OpPow:
			if err := m.binop(state, stk, value.Pow, "__pow__"); err != nil {
				return value.Undefined(), state.locate(err, pc)
			}

		case compiler.OpEq:
			b := stk.pop()
			a := stk.pop()
			stk.push(value.FromBool(a.Equal(&b)))
		case compiler.OpNe:
			b := stk.pop()
			a := stk.pop()
			stk.push(value.FromBool(!a.Equal(&b)))
		case compiler.OpLt, compiler.OpLte, compiler.OpGt, compiler.OpGte:
			b := stk.pop()
			a := stk.pop()
			c, err := a.Cmp(&b)
			if err != nil {
				return value.Undefined(), state.locate(err, pc)
			}
			var rv bool
			switch instr.Op {
			case compiler.OpLt:
				rv = c < 0
			case compiler.OpLte:
				rv = c <= 0
			case compiler.OpGt:
				rv = c > 0
			case compiler.OpGte:
				rv = c >= 0
			}
			stk.push(value.FromBool(rv))

		case compiler.OpNot:
			a := stk.pop()
			stk.push(value.FromBool(!a.IsTrue()))

		case compiler.OpStringConcat:
			a := stk.pop()
			b := stk.pop()
			stk.push(value.StringConcat(&b, &a))

		case compiler.OpIn:
			container := stk.pop()
			needle := stk.pop()
			if err := behavior.AssertIterable(&container); err != nil {
				return value.Undefined(), state.locate(err, pc)
			}
			rv, err := value.Contains(&container, &needle)
			if err != nil {
				return value.Undefined(), state.locate(err, pc)
			}
			stk.push(rv)

		case compiler.OpNeg:
			a := stk.pop()
			rv, err := value.Neg(&a)
			if err != nil {
				return value.Undefined(), state.locate(err, pc)
			}
			stk.push(rv)

		case compiler.OpPushWith:
			state.ctx.pushFrame(newFrame(value.Undefined()))

		case compiler.OpPopFrame:
			f := state.ctx.popFrame()
			if f.currentLoop != nil && f.currentLoop.recursionJump != nil {
				rj := f.currentLoop.recursionJump
				f.currentLoop.recursionJump = nil
				pc = rj.target
				if rj.endCapture {
					stk.push(out.EndCapture(state.autoEscape))
				}
				continue
			}

		case compiler.OpIsUndefined:
			a := stk.pop()
			stk.push(value.FromBool(a.IsUndefined()))

		case compiler.OpPushLoop:
			iterable := stk.pop()
			if err := m.pushLoop(state, iterable, instr.Flags, pc, nextRecursionJump); err != nil {
				return value.Undefined(), state.locate(err, pc)
			}
			nextRecursionJump = nil

		case compiler.OpIterate:
			l := state.ctx.currentLoop()
			l.object.advance()
			item, ok := l.iterator.Next()
			if !ok {
				pc = int(instr.Target)
				continue
			}
			stk.push(item)

		case compiler.OpPushDidNotIterate:
			l := state.ctx.currentLoop()
			stk.push(value.FromBool(l.object.index0() == 0))

		case compiler.OpJump:
			pc = int(instr.Target)
			continue

		case compiler.OpJumpIfFalse:
			a := stk.pop()
			truthy, err := behavior.IsTrue(&a)
			if err != nil {
				return value.Undefined(), state.locate(err, pc)
			}
			if !truthy {
				pc = int(instr.Target)
				continue
			}

		case compiler.OpJumpIfTrue:
			a := stk.pop()
			truthy, err := behavior.IsTrue(&a)
			if err != nil {
				return value.Undefined(), state.locate(err, pc)
			}
			if truthy {
				pc = int(instr.Target)
				continue
			}

		case compiler.OpJumpIfFalseOrPop:
			truthy, err := behavior.IsTrue(stk.peek())
			if err != nil {
				return value.Undefined(), state.locate(err, pc)
			}
			if !truthy {
				pc = int(instr.Target)
				continue
			}
			stk.pop()

		case compiler.OpJumpIfTrueOrPop:
			truthy, err := behavior.IsTrue(stk.peek())
			if err != nil {
				return value.Undefined(), state.locate(err, pc)
			}
			if truthy {
				pc = int(instr.Target)
				continue
			}
			stk.pop()

		case compiler.OpCallBlock:
			if parentInstructions == nil && !out.IsDiscarding() {
				rv, err := m.callBlock(instr.Str, state)
				if err != nil {
					return value.Undefined(), state.locate(err, pc)
				}
				out.WriteString(rv.String())
			}

		case compiler.OpPushAutoEscape:
			a := stk.pop()
			autoEscapeStack = append(autoEscapeStack, state.autoEscape)
			mode, err := deriveAutoEscape(&a, initialAutoEscape)
			if err != nil {
				return value.Undefined(), state.locate(err, pc)
			}
			state.autoEscape = mode

		case compiler.OpPopAutoEscape:
			state.autoEscape = autoEscapeStack[len(autoEscapeStack)-1]
			autoEscapeStack = autoEscapeStack[:len(autoEscapeStack)-1]

		case compiler.OpBeginCapture:
			out.BeginCapture(instr.Flags == compiler.CaptureModeDiscard)

		case compiler.OpEndCapture:
			stk.push(out.EndCapture(state.autoEscape))

		case compiler.OpApplyFilter:
			fn := loadFilter(&loadedFilters, instr.LocalID, state, instr.Str)
			if fn == nil {
				return value.Undefined(), state.locate(
					value.Errorf(value.UnknownFilter, "filter %s is unknown", instr.Str), pc)
			}
			args := stk.callArgs(instr.ArgCount)
			window := len(args)
			rv, err := fn(state, args[0], append([]value.Value(nil), args[1:]...))
			if err != nil {
				return value.Undefined(), state.locate(err, pc)
			}
			stk.dropTop(window)
			stk.push(rv)

		case compiler.OpPerformTest:
			fn := loadTest(&loadedTests, instr.LocalID, state, instr.Str)
			if fn == nil {
				return value.Undefined(), state.locate(
					value.Errorf(value.UnknownTest, "test %s is unknown", instr.Str), pc)
			}
			args := stk.callArgs(instr.ArgCount)
			window := len(args)
			rv, err := fn(state, args[0], append([]value.Value(nil), args[1:]...))
			if err != nil {
				return value.Undefined(), state.locate(err, pc)
			}
			stk.dropTop(window)
			stk.push(value.FromBool(rv))

		case compiler.OpCallFunction:
			name := instr.Str
			if name == "super" {
				args := stk.callArgs(instr.ArgCount)
				if len(args) != 0 {
					return value.Undefined(), state.locate(
						value.NewError(value.InvalidOperation, "super() takes no arguments"), pc)
				}
				rv, err := m.performSuper(state)
				if err != nil {
					return value.Undefined(), state.locate(err, pc)
				}
				stk.push(rv)
				pc++
				continue
			}
			if name == "loop" {
				args := stk.callArgs(instr.ArgCount)
				if len(args) != 1 {
					return value.Undefined(), state.locate(
						value.NewError(value.InvalidOperation, "loop() takes one argument"), pc)
				}
				// the one argument stays on the stack; PushLoop at the loop
				// head consumes it as the new iterable
				target, err := prepareLoopRecursion(state)
				if err != nil {
					return value.Undefined(), state.locate(err, pc)
				}
				nextRecursionJump = &recursionJump{target: pc + 1, endCapture: true}
				out.BeginCapture(false)
				pc = target
				continue
			}
			if name == "return" {
				args := stk.callArgs(instr.ArgCount)
				rv := value.Undefined()
				if len(args) > 0 {
					rv = args[0]
				}
				// unwinds to the macro caller, which recovers the value
				return value.Undefined(), value.AbruptReturn(rv, true)
			}
			args := stk.callArgs(instr.ArgCount)
			window := len(args)
			fn, found := state.Lookup(name)
			if !found || fn.IsUndefined() {
				return value.Undefined(), state.locate(
					value.Errorf(value.UnknownFunction,
						"Jinja macro or function `%s` is unknown", name), pc)
			}
			rv, err := fn.Call(state, append([]value.Value(nil), args...))
			if err != nil {
				return value.Undefined(), state.locate(err, pc)
			}
			stk.dropTop(window)
			stk.push(rv)

		case compiler.OpCallMethod:
			args := stk.callArgs(instr.ArgCount)
			window := len(args)
			rv, err := args[0].CallMethod(state, instr.Str, append([]value.Value(nil), args[1:]...))
			if err != nil {
				return value.Undefined(), state.locate(err, pc)
			}
			stk.dropTop(window)
			stk.push(rv)

		case compiler.OpCallObject:
			args := stk.callArgs(instr.ArgCount)
			window := len(args)
			rv, err := args[0].Call(state, append([]value.Value(nil), args[1:]...))
			if err != nil {
				return value.Undefined(), state.locate(err, pc)
			}
			stk.dropTop(window)
			stk.push(rv)

		case compiler.OpDupTop:
			stk.push(*stk.peek())

		case compiler.OpDiscardTop:
			stk.pop()

		case compiler.OpFastSuper:
			rv, err := m.performSuper(state)
			if err != nil {
				return value.Undefined(), state.locate(err, pc)
			}
			out.WriteString(rv.String())

		case compiler.OpFastRecurse:
			target, err := prepareLoopRecursion(state)
			if err != nil {
				return value.Undefined(), state.locate(err, pc)
			}
			nextRecursionJump = &recursionJump{target: pc + 1, endCapture: false}
			pc = target
			continue

		case compiler.OpLoadBlocks:
			a := stk.pop()
			if parentInstructions != nil {
				return value.Undefined(), state.locate(value.NewError(value.InvalidOperation,
					"tried to extend a second time in a template"), pc)
			}
			parent, err := m.loadBlocks(&a, state)
			if err != nil {
				return value.Undefined(), state.locate(err, pc)
			}
			parentInstructions = parent
			out.BeginCapture(true)

		case compiler.OpInclude:
			a := stk.pop()
			text, err := m.performInclude(&a, state, instr.Flags != 0)
			if err != nil {
				return value.Undefined(), state.locate(err, pc)
			}
			out.WriteString(text)

		case compiler.OpExportLocals:
			locals := state.ctx.frames[len(state.ctx.frames)-1].locals
			names := make([]string, 0, len(locals))
			for name := range locals {
				names = append(names, name)
			}
			sort.Strings(names)
			module := value.NewMap()
			for _, name := range names {
				module.SetString(name, locals[name])
			}
			stk.push(value.FromMap(module))

		case compiler.OpBuildMacro:
			specVal := stk.pop()
			closureVal := stk.pop()
			var argSpec []string
			if seq, ok := specVal.AsSeq(); ok {
				for _, item := range seq.Items {
					name, _ := item.AsStr()
					argSpec = append(argSpec, name)
				}
			}
			mac := &Macro{
				name:            instr.Str,
				argSpec:         argSpec,
				ref:             macroRef{instrs: state.instructions, offset: int(instr.Target)},
				closure:         closureVal,
				callerReference: instr.Flags&compiler.MacroCaller != 0,
				env:             m.env,
				base:            state.ctx.frames[0].base,
				autoEscape:      state.autoEscape,
			}
			state.macros = append(state.macros, mac.ref)
			stk.push(value.FromObject(mac))

		case compiler.OpReturn:
			if instr.Flags&1 != 0 {
				explicitReturn = true
			}
			goto done

		case compiler.OpEnclose:
			state.ctx.enclose(instr.Str)

		case compiler.OpGetClosure:
			if cl := state.ctx.currentClosure(); cl != nil {
				stk.push(value.FromObject(cl))
			} else {
				stk.push(value.Undefined())
			}

		case compiler.OpMacroStart:
			for _, l := range state.listeners {
				l.OnMacroStart(currentMacroName)
			}

		case compiler.OpMacroStop:
			for _, l := range state.listeners {
				l.OnMacroStop(currentMacroName)
			}

		case compiler.OpMacroName:
			currentMacroName = instr.Str

		case compiler.OpFinishedParameterLoading:
			// marker only

		case compiler.OpModelReference:
			state.recordModelReference(instr.Str)
		}
		pc++
	}

done:
	if explicitReturn || stk.len() > 0 {
		return stk.pop(), nil
	}
	return value.FromString(out.String()), nil
}

// emit formats a value into the output under the active escape mode.
func (m *VM) emit(state *State, out *Output, v *value.Value, behavior value.UndefinedBehavior) error {
	if v.IsUndefined() && behavior == value.Strict {
		return value.NewError(value.UndefinedError, "tried to render undefined value")
	}
	text := v.String()
	if state.autoEscape == EscapeHTML && !v.IsSafe() {
		text = escapeHTML(text)
	}
	out.WriteString(text)
	for _, l := range state.listeners {
		l.OnEmit(text)
	}
	return nil
}

// binop applies a numeric op, falling back to a reflected object
// method when either operand is an object.
func (m *VM) binop(state *State, stk *stack, op func(a, b *value.Value) (value.Value, error), objMethod string) error {
	b := stk.pop()
	a := stk.pop()
	rv, err := op(&a, &b)
	if err != nil {
		_, aObj := a.AsObject()
		_, bObj := b.AsObject()
		if value.KindOf(err) == value.InvalidOperation && (aObj || bObj) {
			mrv, merr := a.CallMethod(state, objMethod, []value.Value{b})
			if merr == nil {
				stk.push(mrv)
				return nil
			}
			if value.IsUnknownMethod(merr) {
				return err
			}
			return merr
		}
		return err
	}
	stk.push(rv)
	return nil
}

func mergeKwargSource(dst *value.Map, src *value.Value) error {
	if kw, ok := value.AsKwargs(*src); ok {
		for _, key := range kw.M.Keys() {
			v, _ := kw.M.Get(&key)
			if err := dst.Set(key, v); err != nil {
				return err
			}
		}
		return nil
	}
	if mp, ok := src.AsMap(); ok {
		for _, key := range mp.Keys() {
			v, _ := mp.Get(&key)
			if err := dst.Set(key, v); err != nil {
				return err
			}
		}
		return nil
	}
	return value.Errorf(value.InvalidOperation,
		"attempted to apply keyword arguments from non map (got %s)", src.Kind())
}

func unpackList(stk *stack, count int) error {
	top := stk.pop()
	it, err := top.TryIter()
	if err != nil {
		return value.NewError(value.CannotUnpack, "value is not iterable")
	}
	n := 0
	for {
		item, ok := it.Next()
		if !ok {
			break
		}
		stk.push(item)
		n++
	}
	if n != count {
		for i := 0; i < n; i++ {
			stk.pop()
		}
		return value.Errorf(value.CannotUnpack,
			"sequence of wrong length (expected %d, got %d)", count, n)
	}
	stk.reverseTop(n)
	return nil
}

func (m *VM) pushLoop(state *State, iterable value.Value, flags uint8, pc int, pendingJump *recursionJump) error {
	if err := state.env.UndefinedBehavior().AssertIterable(&iterable); err != nil {
		return err
	}
	it, err := iterable.TryIter()
	if err != nil {
		return err
	}
	depth := 0
	if cur := state.ctx.currentLoop(); cur != nil && cur.recurseJumpTarget >= 0 {
		depth = cur.object.depth + 1
	}
	recursive := flags&compiler.LoopFlagRecursive != 0
	recurseJumpTarget := -1
	if recursive {
		recurseJumpTarget = pc
	}
	f := newFrame(value.Undefined())
	f.currentLoop = &loopState{
		withLoopVar:       flags&compiler.LoopFlagWithLoopVar != 0,
		recurseJumpTarget: recurseJumpTarget,
		recursionJump:     pendingJump,
		object:            newLoop(it.Len(), depth),
		iterator:          it,
	}
	state.ctx.pushFrame(f)
	return nil
}

func prepareLoopRecursion(state *State) (int, error) {
	l := state.ctx.currentLoop()
	if l == nil {
		return 0, value.NewError(value.InvalidOperation, "cannot recurse outside of loop")
	}
	if l.recurseJumpTarget < 0 {
		return 0, value.NewError(value.InvalidOperation, "cannot recurse outside of recursive loop")
	}
	return l.recurseJumpTarget, nil
}

func (m *VM) performSuper(state *State) (value.Value, error) {
	if state.currentBlock == "" {
		return value.Undefined(), value.NewError(value.InvalidOperation, "cannot super outside of block")
	}
	bs := state.blocks[state.currentBlock]
	if !bs.push() {
		return value.Undefined(), value.NewError(value.InvalidOperation, "no parent block exists")
	}
	oldInstructions := state.instructions
	state.instructions = bs.current()
	state.ctx.pushFrame(newFrame(value.Undefined()))
	rv, err := m.evalImpl(state, &stack{}, 0)
	state.ctx.popFrame()
	state.instructions = oldInstructions
	bs.pop()
	if err != nil {
		return value.Undefined(), value.NewError(value.EvalBlock, "error in super block").WithSource(err)
	}
	return rv, nil
}

func (m *VM) callBlock(name string, state *State) (value.Value, error) {
	bs, ok := state.blocks[name]
	if !ok {
		return value.Undefined(), value.Errorf(value.UnknownBlock, "block '%s' not found", name)
	}
	oldBlock := state.currentBlock
	oldInstructions := state.instructions
	state.currentBlock = name
	state.instructions = bs.current()
	state.ctx.pushFrame(newFrame(value.Undefined()))
	rv, err := m.evalImpl(state, &stack{}, 0)
	state.ctx.popFrame()
	state.instructions = oldInstructions
	state.currentBlock = oldBlock
	return rv, err
}

func (m *VM) loadBlocks(name *value.Value, state *State) (*compiler.Instructions, error) {
	tmplName, ok := name.AsStr()
	if !ok {
		return nil, value.NewError(value.InvalidOperation, "template name was not a string")
	}
	if state.loadedTemplates[tmplName] {
		return nil, value.Errorf(value.InvalidOperation,
			"cycle in template inheritance. %q was referenced more than once", tmplName)
	}
	instructions, blocks, err := m.env.GetTemplate(tmplName)
	if err != nil {
		return nil, err
	}
	state.loadedTemplates[tmplName] = true
	for blockName, instrs := range blocks {
		if bs, found := state.blocks[blockName]; found {
			bs.appendInstructions(instrs)
		} else {
			state.blocks[blockName] = newBlockStack(instrs)
		}
	}
	return instructions, nil
}

func (m *VM) performInclude(name *value.Value, state *State, ignoreMissing bool) (string, error) {
	var choices []value.Value
	if seq, ok := name.AsSeq(); ok {
		choices = seq.Items
	} else {
		choices = []value.Value{*name}
	}

	var tried []value.Value
	for _, choice := range choices {
		tmplName, ok := choice.AsStr()
		if !ok {
			return "", value.NewError(value.InvalidOperation, "template name was not a string")
		}
		instructions, blocks, err := m.env.GetTemplate(tmplName)
		if err != nil {
			if value.KindOf(err) == value.TemplateNotFound {
				tried = append(tried, choice)
				continue
			}
			return "", err
		}

		oldEscape := state.autoEscape
		oldInstructions := state.instructions
		oldBlocks := state.blocks
		state.autoEscape = m.env.InitialAutoEscape(tmplName)
		state.instructions = instructions
		prepared := make(map[string]*blockStack, len(blocks))
		for blockName, instrs := range blocks {
			prepared[blockName] = newBlockStack(instrs)
		}
		state.blocks = prepared
		if err := state.ctx.incrDepth(includeRecursionCost); err != nil {
			return "", err
		}
		rv, evalErr := m.evalImpl(state, &stack{}, 0)
		state.ctx.decrDepth(includeRecursionCost)
		state.autoEscape = oldEscape
		state.instructions = oldInstructions
		state.blocks = oldBlocks
		if evalErr != nil {
			return "", value.Errorf(value.BadInclude, "error in %q", tmplName).WithSource(evalErr)
		}
		return rv.String(), nil
	}

	if len(tried) > 0 && !ignoreMissing {
		if len(tried) == 1 {
			return "", value.Errorf(value.TemplateNotFound,
				"tried to include non-existing template %s", tried[0].Repr())
		}
		return "", value.Errorf(value.TemplateNotFound,
			"tried to include one of multiple templates, none of which existed %s",
			value.FromSlice(tried).String())
	}
	return "", nil
}

func deriveAutoEscape(v *value.Value, initial AutoEscape) (AutoEscape, error) {
	if s, ok := v.AsStr(); ok {
		switch s {
		case "html":
			return EscapeHTML, nil
		case "none":
			return EscapeNone, nil
		}
		return EscapeNone, value.NewError(value.InvalidOperation, "invalid value to autoescape tag")
	}
	if b, ok := v.AsBool(); ok {
		if !b {
			return EscapeNone, nil
		}
		if initial == EscapeNone {
			return EscapeHTML, nil
		}
		return initial, nil
	}
	return EscapeNone, value.NewError(value.InvalidOperation, "invalid value to autoescape tag")
}

func loadFilter(cache *[compiler.MaxLocals]FilterFunc, localID uint16, state *State, name string) FilterFunc {
	if localID == compiler.NoLocalID {
		fn, _ := state.env.Filter(name)
		return fn
	}
	if fn := cache[localID]; fn != nil {
		return fn
	}
	fn, ok := state.env.Filter(name)
	if !ok {
		return nil
	}
	cache[localID] = fn
	return fn
}

func loadTest(cache *[compiler.MaxLocals]TestFunc, localID uint16, state *State, name string) TestFunc {
	if localID == compiler.NoLocalID {
		fn, _ := state.env.Test(name)
		return fn
	}
	if fn := cache[localID]; fn != nil {
		return fn
	}
	fn, ok := state.env.Test(name)
	if !ok {
		return nil
	}
	cache[localID] = fn
	return fn
}
