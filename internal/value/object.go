package value

import "sync"

// ObjectRepr describes how an object presents itself to iteration and
// rendering.
type ObjectRepr int

const (
	ReprPlain ObjectRepr = iota
	ReprMap
	ReprSeq
	ReprIterable
)

// Object is the protocol host code implements to expose domain values
// (relations, columns, adapters) inside templates. Handles are shared
// by reference and expected to be cheap to copy.
//
// GetValue returning false means "not an attribute", which callers
// must distinguish from an attribute that exists and holds none.
type Object interface {
	// ObjectKind labels the object in error messages, e.g. "relation".
	ObjectKind() string
	GetValue(key *Value) (Value, bool)
	Enumerate() Enumerator
}

// Caller is implemented by objects that can be invoked as functions.
type Caller interface {
	Object
	Call(state State, args []Value) (Value, error)
}

// MethodCaller is implemented by objects with a method surface beyond
// plain callable attributes.
type MethodCaller interface {
	Object
	CallMethod(state State, name string, args []Value) (Value, error)
}

// Renderer customizes string conversion; without it an object renders
// as a debug representation.
type Renderer interface {
	Render() string
}

// TrueChecker lets an object decide its own truthiness.
type TrueChecker interface {
	IsTrue() bool
}

// ReprAware overrides the default plain representation.
type ReprAware interface {
	Repr() ObjectRepr
}

func ObjectKindOf(obj Object) string {
	if obj == nil {
		return "object"
	}
	return obj.ObjectKind()
}

func ReprOf(obj Object) ObjectRepr {
	if ra, ok := obj.(ReprAware); ok {
		return ra.Repr()
	}
	return ReprPlain
}

// ObjectCall invokes an object as a function, or fails with a typed
// error when the object is not callable.
func ObjectCall(obj Object, state State, args []Value) (Value, error) {
	if c, ok := obj.(Caller); ok {
		return c.Call(state, args)
	}
	return Undefined(), Errorf(InvalidOperation, "%s is not callable", ObjectKindOf(obj))
}

// ObjectCallMethod dispatches a method call. Objects without their own
// CallMethod fall back to looking the name up as an attribute and
// calling the result; unrecognized names yield the typed
// unknown-method error the protocol requires.
func ObjectCallMethod(obj Object, state State, name string, args []Value) (Value, error) {
	if mc, ok := obj.(MethodCaller); ok {
		return mc.CallMethod(state, name, args)
	}
	key := FromString(name)
	if attr, ok := obj.GetValue(&key); ok {
		if callee, isObj := attr.AsObject(); isObj {
			return ObjectCall(callee, state, args)
		}
	}
	return Undefined(), UnknownMethodError(ObjectKindOf(obj), name)
}

// CallMethod dispatches a method on any value through the object
// protocol.
func (v Value) CallMethod(state State, name string, args []Value) (Value, error) {
	if obj, ok := v.AsObject(); ok {
		return ObjectCallMethod(obj, state, name, args)
	}
	if m, ok := v.AsMap(); ok {
		if attr, found := m.GetString(name); found {
			if callee, isObj := attr.AsObject(); isObj {
				return ObjectCall(callee, state, args)
			}
		}
	}
	return Undefined(), UnknownMethodError(v.kind.String(), name)
}

// Call invokes the value if it is callable.
func (v Value) Call(state State, args []Value) (Value, error) {
	if obj, ok := v.AsObject(); ok {
		return ObjectCall(obj, state, args)
	}
	return Undefined(), Errorf(InvalidOperation, "%s is not callable", v.kind)
}

type enumeratorKind int

const (
	enumNonEnumerable enumeratorKind = iota
	enumEmpty
	enumStrs
	enumSeq
	enumValues
)

// Enumerator lists the known attribute names or items of an object for
// introspection and iteration.
type Enumerator struct {
	kind   enumeratorKind
	strs   []string
	values []Value
	n      int
}

func NonEnumerable() Enumerator   { return Enumerator{kind: enumNonEnumerable} }
func EmptyEnumerator() Enumerator { return Enumerator{kind: enumEmpty} }
func StrsEnumerator(s []string) Enumerator {
	return Enumerator{kind: enumStrs, strs: s}
}
func SeqEnumerator(n int) Enumerator { return Enumerator{kind: enumSeq, n: n} }
func ValuesEnumerator(v []Value) Enumerator {
	return Enumerator{kind: enumValues, values: v}
}

func (e Enumerator) Len() (int, bool) {
	switch e.kind {
	case enumEmpty:
		return 0, true
	case enumStrs:
		return len(e.strs), true
	case enumSeq:
		return e.n, true
	case enumValues:
		return len(e.values), true
	}
	return 0, false
}

// State is the narrow bridge a running VM exposes to host objects:
// name resolution against the active frame chain plus the render
// listeners, nothing more.
type State interface {
	Lookup(name string) (Value, bool)
	UndefinedBehavior() UndefinedBehavior
	Listeners() []RenderingEventListener
}

// UndefinedBehavior selects how missing variables behave.
type UndefinedBehavior int

const (
	// Lenient substitutes a falsy undefined sentinel that renders
	// empty and only errors when a concrete type is required.
	Lenient UndefinedBehavior = iota
	// Strict errors on first use of a missing variable.
	Strict
)

// RenderingEventListener observes render events. Listeners cannot
// mutate the render in progress.
type RenderingEventListener interface {
	OnMacroStart(name string)
	OnMacroStop(name string)
	OnModelReference(name string)
	OnEmit(text string)
}

// DefaultRenderingEventListener is a no-op base listeners can embed.
type DefaultRenderingEventListener struct{}

func (DefaultRenderingEventListener) OnMacroStart(string)     {}
func (DefaultRenderingEventListener) OnMacroStop(string)      {}
func (DefaultRenderingEventListener) OnModelReference(string) {}
func (DefaultRenderingEventListener) OnEmit(string)           {}

// Func adapts a plain Go function into a callable object.
type Func struct {
	Name string
	Fn   func(state State, args []Value) (Value, error)
}

func FromFunc(name string, fn func(state State, args []Value) (Value, error)) Value {
	return FromObject(&Func{Name: name, Fn: fn})
}

func (f *Func) ObjectKind() string                { return f.Name }
func (f *Func) GetValue(key *Value) (Value, bool) { return Undefined(), false }
func (f *Func) Enumerate() Enumerator             { return NonEnumerable() }
func (f *Func) Call(state State, args []Value) (Value, error) {
	return f.Fn(state, args)
}

// simpleObject backs MakeObject: a fixed attribute map plus an
// optional method table.
type simpleObject struct {
	kind    string
	attrs   *Map
	methods map[string]func(state State, args []Value) (Value, error)
}

// MakeObject builds a full object exposing both attributes and a fixed
// method surface. Pure boilerplate reduction over the core protocol.
func MakeObject(kind string, attrs *Map, methods map[string]func(state State, args []Value) (Value, error)) Object {
	if attrs == nil {
		attrs = NewMap()
	}
	return &simpleObject{kind: kind, attrs: attrs, methods: methods}
}

// MakeStaticObject builds a methods-only object with no instance
// attributes, for class-level constructor-style surfaces.
func MakeStaticObject(kind string, methods map[string]func(state State, args []Value) (Value, error)) Object {
	return &simpleObject{kind: kind, attrs: NewMap(), methods: methods}
}

func (o *simpleObject) ObjectKind() string { return o.kind }
func (o *simpleObject) Repr() ObjectRepr   { return ReprMap }

func (o *simpleObject) GetValue(key *Value) (Value, bool) {
	return o.attrs.Get(key)
}

func (o *simpleObject) Enumerate() Enumerator {
	return ValuesEnumerator(o.attrs.Keys())
}

func (o *simpleObject) CallMethod(state State, name string, args []Value) (Value, error) {
	if fn, ok := o.methods[name]; ok {
		return fn(state, args)
	}
	key := FromString(name)
	if attr, ok := o.attrs.Get(&key); ok {
		if callee, isObj := attr.AsObject(); isObj {
			return ObjectCall(callee, state, args)
		}
	}
	return Undefined(), UnknownMethodError(o.kind, name)
}

// Namespace is the one deliberately mutable object, backing
// `namespace()` and attribute assignment.
type Namespace struct {
	mu    sync.RWMutex
	attrs *Map
}

func NewNamespace() *Namespace {
	return &Namespace{attrs: NewMap()}
}

func (n *Namespace) ObjectKind() string { return "namespace" }
func (n *Namespace) Repr() ObjectRepr   { return ReprMap }

func (n *Namespace) GetValue(key *Value) (Value, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.attrs.Get(key)
}

func (n *Namespace) SetValue(name string, v Value) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.attrs.SetString(name, v)
}

func (n *Namespace) Enumerate() Enumerator {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return ValuesEnumerator(append([]Value(nil), n.attrs.Keys()...))
}

// Kwargs wraps a map of keyword arguments so calls can tell them apart
// from a positional mapping argument.
type Kwargs struct {
	M *Map
}

func WrapKwargs(m *Map) Value {
	return FromObject(&Kwargs{M: m})
}

func (k *Kwargs) ObjectKind() string { return "kwargs" }
func (k *Kwargs) Repr() ObjectRepr   { return ReprMap }

func (k *Kwargs) GetValue(key *Value) (Value, bool) {
	return k.M.Get(key)
}

func (k *Kwargs) Enumerate() Enumerator {
	return ValuesEnumerator(k.M.Keys())
}

// AsKwargs unwraps a kwargs value.
func AsKwargs(v Value) (*Kwargs, bool) {
	if obj, ok := v.AsObject(); ok {
		if kw, isKw := obj.(*Kwargs); isKw {
			return kw, true
		}
	}
	return nil, false
}

// SplitKwargs separates a trailing kwargs wrapper from positional
// arguments.
func SplitKwargs(args []Value) ([]Value, *Kwargs) {
	if len(args) > 0 {
		if kw, ok := AsKwargs(args[len(args)-1]); ok {
			return args[:len(args)-1], kw
		}
	}
	return args, nil
}
