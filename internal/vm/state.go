package vm

import (
	"loom/internal/compiler"
	"loom/internal/value"
)

// FilterFunc transforms a value; the receiver value arrives first, the
// filter arguments follow.
type FilterFunc func(state *State, val value.Value, args []value.Value) (value.Value, error)

// TestFunc decides a property of a value.
type TestFunc func(state *State, val value.Value, args []value.Value) (bool, error)

// Env is what the VM needs from the hosting environment. The concrete
// implementation lives in the env package; the interface keeps the
// dependency pointing one way.
type Env interface {
	LookupGlobal(name string) (value.Value, bool)
	Filter(name string) (FilterFunc, bool)
	Test(name string) (TestFunc, bool)
	GetTemplate(name string) (*compiler.Instructions, map[string]*compiler.Instructions, error)
	InitialAutoEscape(name string) AutoEscape
	UndefinedBehavior() value.UndefinedBehavior
	RecursionLimit() int
}

// blockStack tracks the inheritance chain of one named block: index 0
// is the most derived implementation, super() walks down the stack.
type blockStack struct {
	instrs []*compiler.Instructions
	depth  int
}

func newBlockStack(instrs *compiler.Instructions) *blockStack {
	return &blockStack{instrs: []*compiler.Instructions{instrs}}
}

func (b *blockStack) current() *compiler.Instructions { return b.instrs[b.depth] }

func (b *blockStack) appendInstructions(instrs *compiler.Instructions) {
	b.instrs = append(b.instrs, instrs)
}

func (b *blockStack) push() bool {
	if b.depth+1 < len(b.instrs) {
		b.depth++
		return true
	}
	return false
}

func (b *blockStack) pop() { b.depth-- }

// macroRef pins the instruction stream and entry offset of a declared
// macro so macro values stay callable after the declaring eval ends.
type macroRef struct {
	instrs *compiler.Instructions
	offset int
}

// State is the mutable evaluation state of one template render. It
// implements value.State so host objects can resolve names and reach
// the listeners without seeing VM internals.
type State struct {
	env             Env
	ctx             *context
	instructions    *compiler.Instructions
	blocks          map[string]*blockStack
	currentBlock    string
	autoEscape      AutoEscape
	macros          []macroRef
	listeners       []value.RenderingEventListener
	loadedTemplates map[string]bool
	modelRefs       []string
}

func newState(env Env, ctx *context, autoEscape AutoEscape, instructions *compiler.Instructions, blocks map[string]*compiler.Instructions, listeners []value.RenderingEventListener) *State {
	prepared := make(map[string]*blockStack, len(blocks))
	for name, instrs := range blocks {
		prepared[name] = newBlockStack(instrs)
	}
	return &State{
		env:             env,
		ctx:             ctx,
		instructions:    instructions,
		blocks:          prepared,
		autoEscape:      autoEscape,
		listeners:       listeners,
		loadedTemplates: map[string]bool{},
	}
}

// Lookup resolves a name against the frame chain, then the environment
// globals.
func (s *State) Lookup(name string) (value.Value, bool) {
	if v, ok := s.ctx.load(name); ok {
		return v, true
	}
	return s.env.LookupGlobal(name)
}

func (s *State) UndefinedBehavior() value.UndefinedBehavior {
	return s.env.UndefinedBehavior()
}

func (s *State) Listeners() []value.RenderingEventListener { return s.listeners }

func (s *State) AutoEscape() AutoEscape { return s.autoEscape }

// ModelReferences lists the ref() model names recorded during the
// render, in first-seen order.
func (s *State) ModelReferences() []string { return s.modelRefs }

func (s *State) recordModelReference(name string) {
	for _, existing := range s.modelRefs {
		if existing == name {
			return
		}
	}
	s.modelRefs = append(s.modelRefs, name)
	for _, l := range s.listeners {
		l.OnModelReference(name)
	}
}

// locate wraps an error with the template name and source line of the
// failing instruction.
func (s *State) locate(err error, pc int) error {
	if err == nil {
		return nil
	}
	e := value.Wrap(value.InvalidOperation, err)
	return e.AttachLocation(s.instructions.Name(), s.instructions.LineOf(pc))
}
