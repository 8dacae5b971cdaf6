package vm

import (
	"fmt"

	"loom/internal/value"
)

const macroRecursionCost = 4

// Macro is the callable value a macro declaration produces. It pins
// the declaring instruction stream and entry offset together with the
// enclosed variables, so the value stays callable after the declaring
// render finishes.
type Macro struct {
	name            string
	argSpec         []string
	ref             macroRef
	closure         value.Value
	callerReference bool
	env             Env
	base            value.Value
	autoEscape      AutoEscape
}

func (m *Macro) ObjectKind() string { return "macro" }

func (m *Macro) Render() string { return fmt.Sprintf("<macro %s>", m.name) }

func (m *Macro) GetValue(key *value.Value) (value.Value, bool) {
	switch name, _ := key.AsStr(); name {
	case "name":
		return value.FromString(m.name), true
	case "arguments":
		args := make([]value.Value, len(m.argSpec))
		for i, a := range m.argSpec {
			args[i] = value.FromString(a)
		}
		return value.FromSlice(args), true
	case "caller":
		return value.FromBool(m.callerReference), true
	}
	return value.Undefined(), false
}

func (m *Macro) Enumerate() value.Enumerator {
	return value.StrsEnumerator([]string{"name", "arguments", "caller"})
}

// Call binds the arguments against the declared parameter list and
// evaluates the macro body in a fresh context on top of the closure.
func (m *Macro) Call(state value.State, args []value.Value) (value.Value, error) {
	s, ok := state.(*State)
	if !ok {
		return value.Undefined(), value.NewError(value.InvalidOperation,
			"cannot call this macro. template state went away.")
	}

	positional, kwargs := value.SplitKwargs(args)

	bound := make([]value.Value, len(m.argSpec))
	for i, name := range m.argSpec {
		if i < len(positional) {
			if kwargs != nil {
				if _, dup := kwargs.M.GetString(name); dup {
					return value.Undefined(), value.Errorf(value.TooManyArguments,
						"duplicate argument `%s`", name)
				}
			}
			bound[i] = positional[i]
			continue
		}
		if kwargs != nil {
			if v, found := kwargs.M.GetString(name); found {
				bound[i] = v
				continue
			}
		}
		bound[i] = value.Undefined()
	}

	varargs := append([]value.Value(nil), positional[min(len(positional), len(m.argSpec)):]...)
	extraKwargs := value.NewMap()
	var caller value.Value = value.Undefined()
	if kwargs != nil {
		for _, key := range kwargs.M.Keys() {
			name, _ := key.AsStr()
			if name == "caller" {
				if !m.callerReference {
					return value.Undefined(), value.NewError(value.TooManyArguments,
						"macro does not accept caller argument")
				}
				caller, _ = kwargs.M.Get(&key)
				continue
			}
			if isSpecName(m.argSpec, name) {
				continue
			}
			v, _ := kwargs.M.Get(&key)
			_ = extraKwargs.Set(key, v)
		}
	}

	ctx := newContext(newFrame(m.base), m.env.RecursionLimit())
	ctx.pushFrame(newFrame(m.closure))
	if m.callerReference {
		ctx.store("caller", caller)
	}
	ctx.store("varargs", value.FromSlice(varargs))
	ctx.store("kwargs", value.WrapKwargs(extraKwargs))
	if err := ctx.incrDepth(s.ctx.depth + macroRecursionCost); err != nil {
		return value.Undefined(), err
	}

	sub := newState(m.env, ctx, m.autoEscape, m.ref.instrs, nil, s.listeners)
	sub.macros = s.macros

	stk := &stack{}
	for i := len(bound) - 1; i >= 0; i-- {
		stk.push(bound[i])
	}
	vm := &VM{env: m.env}
	rv, err := vm.evalImpl(sub, stk, m.ref.offset)
	if err != nil {
		if ret, abrupt := value.TryAbruptReturn(err); abrupt {
			return ret, nil
		}
		return value.Undefined(), err
	}
	if m.autoEscape != EscapeNone {
		if str, isStr := rv.AsStr(); isStr && !rv.IsSafe() {
			return value.FromSafeString(str), nil
		}
	}
	return rv, nil
}

func isSpecName(spec []string, name string) bool {
	for _, s := range spec {
		if s == name {
			return true
		}
	}
	return false
}
