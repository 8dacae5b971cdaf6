package vm

import (
	"loom/internal/value"
)

// stack is the VM operand stack.
type stack struct {
	values []value.Value
}

func (s *stack) push(v value.Value) {
	s.values = append(s.values, v)
}

func (s *stack) pop() value.Value {
	n := len(s.values) - 1
	v := s.values[n]
	s.values = s.values[:n]
	return v
}

func (s *stack) peek() *value.Value {
	return &s.values[len(s.values)-1]
}

func (s *stack) len() int { return len(s.values) }

func (s *stack) dropTop(n int) {
	s.values = s.values[:len(s.values)-n]
}

func (s *stack) reverseTop(n int) {
	top := s.values[len(s.values)-n:]
	for i, j := 0, len(top)-1; i < j; i, j = i+1, j-1 {
		top[i], top[j] = top[j], top[i]
	}
}

// callArgs resolves the argument window of a call. A negative count
// means the actual length rides on the stack (splat calls).
func (s *stack) callArgs(argCount int32) []value.Value {
	n := int(argCount)
	if argCount < 0 {
		lenVal := s.pop()
		got, _ := lenVal.AsI64()
		n = int(got)
	}
	return s.values[len(s.values)-n:]
}

// closure carries the enclosed variables of a macro. It is shared by
// reference so sibling macros defined in one scope see the same
// snapshot.
type closure struct {
	values *value.Map
}

func newClosure() *closure {
	return &closure{values: value.NewMap()}
}

func (c *closure) ObjectKind() string { return "closure" }

func (c *closure) Repr() value.ObjectRepr { return value.ReprMap }

func (c *closure) GetValue(key *value.Value) (value.Value, bool) {
	return c.values.Get(key)
}

func (c *closure) Enumerate() value.Enumerator {
	return value.ValuesEnumerator(c.values.Keys())
}

func (c *closure) store(name string, v value.Value) {
	c.values.SetString(name, v)
}

// recursionJump remembers where a recursive loop call returns to once
// the inner loop frame pops.
type recursionJump struct {
	target     int
	endCapture bool
}

// loopState is the per-frame loop bookkeeping plus the template-visible
// loop object.
type loopState struct {
	withLoopVar       bool
	recurseJumpTarget int // -1 when the loop is not recursive
	recursionJump     *recursionJump
	object            *Loop
	iterator          *value.Iter
}

// frame is one scope in the context chain.
type frame struct {
	locals      map[string]value.Value
	base        value.Value // context value lookups fall through to
	closure     *closure
	currentLoop *loopState
}

func newFrame(base value.Value) *frame {
	return &frame{locals: map[string]value.Value{}, base: base}
}

// context is the frame stack with a recursion budget shared across
// nested template evaluations.
type context struct {
	frames []*frame
	depth  int
	limit  int
}

func newContext(root *frame, limit int) *context {
	return &context{frames: []*frame{root}, limit: limit}
}

func (c *context) pushFrame(f *frame) {
	c.frames = append(c.frames, f)
}

func (c *context) popFrame() *frame {
	n := len(c.frames) - 1
	f := c.frames[n]
	c.frames = c.frames[:n]
	return f
}

func (c *context) store(name string, v value.Value) {
	c.frames[len(c.frames)-1].locals[name] = v
}

// load resolves a name against the frame chain: locals first, then the
// loop variable, then each frame's base context value.
func (c *context) load(name string) (value.Value, bool) {
	for i := len(c.frames) - 1; i >= 0; i-- {
		f := c.frames[i]
		if v, ok := f.locals[name]; ok {
			return v, true
		}
		if f.currentLoop != nil && f.currentLoop.withLoopVar && name == "loop" {
			return value.FromObject(f.currentLoop.object), true
		}
		if !f.base.IsUndefined() {
			if v, ok := f.base.GetAttr(name); ok {
				return v, true
			}
		}
	}
	return value.Undefined(), false
}

func (c *context) currentLoop() *loopState {
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].currentLoop != nil {
			return c.frames[i].currentLoop
		}
	}
	return nil
}

// closureOf returns the innermost frame's closure, creating it on
// first use.
func (c *context) ensureClosure() *closure {
	top := c.frames[len(c.frames)-1]
	if top.closure == nil {
		top.closure = newClosure()
	}
	return top.closure
}

func (c *context) currentClosure() *closure {
	return c.frames[len(c.frames)-1].closure
}

// enclose snapshots the current binding of name into the closure.
func (c *context) enclose(name string) {
	cl := c.ensureClosure()
	if v, ok := c.load(name); ok {
		cl.store(name, v)
	} else {
		cl.store(name, value.Undefined())
	}
}

func (c *context) incrDepth(cost int) error {
	c.depth += cost
	if c.depth > c.limit {
		return value.NewError(value.InvalidOperation, "recursion limit exceeded")
	}
	return nil
}

func (c *context) decrDepth(cost int) { c.depth -= cost }
