package value

import (
	"fmt"
	"strconv"
	"strings"
)

type Kind int

const (
	KindUndefined Kind = iota
	KindNone
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindSeq
	KindMap
	KindObject
)

var kindNames = map[Kind]string{
	KindUndefined: "undefined",
	KindNone:      "none",
	KindBool:      "bool",
	KindInt:       "number",
	KindFloat:     "number",
	KindString:    "string",
	KindBytes:     "bytes",
	KindSeq:       "sequence",
	KindMap:       "map",
	KindObject:    "object",
}

func (k Kind) String() string { return kindNames[k] }

// Value is the tagged runtime value of the engine. The handle is cheap
// to copy; Seq, Map and Object payloads are shared by reference
// because templates freely alias values across scopes and closures.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	safe bool
	by   []byte
	seq  *Seq
	m    *Map
	obj  Object
}

func Undefined() Value           { return Value{kind: KindUndefined} }
func None() Value                { return Value{kind: KindNone} }
func FromBool(b bool) Value      { return Value{kind: KindBool, b: b} }
func FromI64(i int64) Value      { return Value{kind: KindInt, i: i} }
func FromInt(i int) Value        { return Value{kind: KindInt, i: int64(i)} }
func FromF64(f float64) Value    { return Value{kind: KindFloat, f: f} }
func FromString(s string) Value  { return Value{kind: KindString, s: s} }
func FromBytes(b []byte) Value   { return Value{kind: KindBytes, by: b} }
func FromSeq(s *Seq) Value       { return Value{kind: KindSeq, seq: s} }
func FromSlice(vs []Value) Value { return Value{kind: KindSeq, seq: &Seq{Items: vs}} }
func FromMap(m *Map) Value       { return Value{kind: KindMap, m: m} }
func FromObject(o Object) Value  { return Value{kind: KindObject, obj: o} }

// FromSafeString marks the string as pre-escaped so Emit passes it
// through untouched under an active autoescape mode.
func FromSafeString(s string) Value { return Value{kind: KindString, s: s, safe: true} }

func FromTuple(vs []Value) Value {
	return Value{kind: KindSeq, seq: &Seq{Items: vs, Tuple: true}}
}

func (v Value) Kind() Kind        { return v.kind }
func (v Value) IsUndefined() bool { return v.kind == KindUndefined }
func (v Value) IsNone() bool      { return v.kind == KindNone }
func (v Value) IsSafe() bool      { return v.kind == KindString && v.safe }
func (v Value) IsNumber() bool    { return v.kind == KindInt || v.kind == KindFloat }

func (v Value) AsBool() (bool, bool) {
	if v.kind == KindBool {
		return v.b, true
	}
	return false, false
}

func (v Value) AsI64() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	case KindFloat:
		if v.f == float64(int64(v.f)) {
			return int64(v.f), true
		}
	}
	return 0, false
}

func (v Value) AsF64() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	}
	return 0, false
}

func (v Value) AsStr() (string, bool) {
	if v.kind == KindString {
		return v.s, true
	}
	return "", false
}

func (v Value) AsSeq() (*Seq, bool) {
	if v.kind == KindSeq {
		return v.seq, true
	}
	return nil, false
}

func (v Value) AsMap() (*Map, bool) {
	if v.kind == KindMap {
		return v.m, true
	}
	return nil, false
}

func (v Value) AsObject() (Object, bool) {
	if v.kind == KindObject {
		return v.obj, true
	}
	return nil, false
}

// IsTrue implements template truthiness: zero, empty, none and
// undefined are falsy; objects may delegate via TrueChecker.
func (v Value) IsTrue() bool {
	switch v.kind {
	case KindUndefined, KindNone:
		return false
	case KindBool:
		return v.b
	case KindInt:
		return v.i != 0
	case KindFloat:
		return v.f != 0
	case KindString:
		return v.s != ""
	case KindBytes:
		return len(v.by) != 0
	case KindSeq:
		return v.seq.Len() != 0
	case KindMap:
		return v.m.Len() != 0
	case KindObject:
		if tc, ok := v.obj.(TrueChecker); ok {
			return tc.IsTrue()
		}
		if n, known := v.obj.Enumerate().Len(); known {
			return n != 0
		}
		return true
	}
	return false
}

// Len reports the container length, where the value has one.
func (v Value) Len() (int, bool) {
	switch v.kind {
	case KindString:
		return len([]rune(v.s)), true
	case KindBytes:
		return len(v.by), true
	case KindSeq:
		return v.seq.Len(), true
	case KindMap:
		return v.m.Len(), true
	case KindObject:
		return v.obj.Enumerate().Len()
	}
	return 0, false
}

// String renders the value the way Emit does without escaping.
func (v Value) String() string {
	switch v.kind {
	case KindUndefined:
		return ""
	case KindNone:
		return "none"
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return formatFloat(v.f)
	case KindString:
		return v.s
	case KindBytes:
		return string(v.by)
	case KindSeq:
		return v.seq.render()
	case KindMap:
		return v.m.render()
	case KindObject:
		if r, ok := v.obj.(Renderer); ok {
			return r.Render()
		}
		return fmt.Sprintf("<%s>", ObjectKindOf(v.obj))
	}
	return ""
}

// Repr renders the value in literal syntax, the representation used
// inside rendered containers and error messages.
func (v Value) Repr() string {
	if v.kind == KindString {
		return "'" + strings.ReplaceAll(v.s, "'", "\\'") + "'"
	}
	if v.kind == KindUndefined {
		return "undefined"
	}
	return v.String()
}

func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") && !strings.Contains(s, "inf") && !strings.Contains(s, "NaN") {
		s += ".0"
	}
	return s
}

// GetAttr looks up an attribute by name. The boolean distinguishes
// "no such attribute" from an attribute that holds none.
func (v Value) GetAttr(name string) (Value, bool) {
	switch v.kind {
	case KindMap:
		key := FromString(name)
		return v.m.Get(&key)
	case KindObject:
		key := FromString(name)
		return v.obj.GetValue(&key)
	}
	return Undefined(), false
}

// GetItem implements subscript access for sequences, maps, strings and
// objects. Negative sequence indexes count from the end.
func (v Value) GetItem(key *Value) (Value, bool) {
	switch v.kind {
	case KindSeq:
		if idx, ok := key.AsI64(); ok {
			n := int64(v.seq.Len())
			if idx < 0 {
				idx += n
			}
			if idx >= 0 && idx < n {
				return v.seq.Items[idx], true
			}
			return Undefined(), false
		}
	case KindMap:
		return v.m.Get(key)
	case KindString:
		if idx, ok := key.AsI64(); ok {
			runes := []rune(v.s)
			n := int64(len(runes))
			if idx < 0 {
				idx += n
			}
			if idx >= 0 && idx < n {
				return FromString(string(runes[idx])), true
			}
			return Undefined(), false
		}
	case KindObject:
		return v.obj.GetValue(key)
	}
	return Undefined(), false
}

// Iter is the forward-only iterator TryIter returns.
type Iter struct {
	items []Value
	pos   int
}

func (it *Iter) Next() (Value, bool) {
	if it.pos >= len(it.items) {
		return Undefined(), false
	}
	v := it.items[it.pos]
	it.pos++
	return v, true
}

func (it *Iter) Len() int { return len(it.items) - it.pos }

// TryIter yields the iteration order of the value: sequence items, map
// keys, string characters, or whatever an object enumerates.
func (v Value) TryIter() (*Iter, error) {
	switch v.kind {
	case KindUndefined, KindNone:
		return &Iter{}, nil
	case KindString:
		items := make([]Value, 0, len(v.s))
		for _, r := range v.s {
			items = append(items, FromString(string(r)))
		}
		return &Iter{items: items}, nil
	case KindSeq:
		return &Iter{items: v.seq.Items}, nil
	case KindMap:
		return &Iter{items: v.m.Keys()}, nil
	case KindObject:
		items, ok := enumerateValues(v.obj)
		if !ok {
			return nil, Errorf(InvalidOperation, "object is not iterable")
		}
		return &Iter{items: items}, nil
	}
	return nil, Errorf(InvalidOperation, "%s is not iterable", v.kind)
}

func enumerateValues(obj Object) ([]Value, bool) {
	e := obj.Enumerate()
	switch e.kind {
	case enumNonEnumerable:
		return nil, false
	case enumEmpty:
		return nil, true
	case enumStrs:
		items := make([]Value, len(e.strs))
		for i, s := range e.strs {
			items[i] = FromString(s)
		}
		return items, true
	case enumSeq:
		items := make([]Value, e.n)
		for i := 0; i < e.n; i++ {
			key := FromI64(int64(i))
			item, _ := obj.GetValue(&key)
			items[i] = item
		}
		return items, true
	case enumValues:
		return e.values, true
	}
	return nil, false
}

// Equal implements template equality with numeric coercion.
func (v Value) Equal(other *Value) bool {
	if v.IsNumber() && other.IsNumber() {
		if v.kind == KindInt && other.kind == KindInt {
			return v.i == other.i
		}
		a, _ := v.AsF64()
		b, _ := other.AsF64()
		return a == b
	}
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindUndefined, KindNone:
		return true
	case KindBool:
		return v.b == other.b
	case KindString:
		return v.s == other.s
	case KindBytes:
		return string(v.by) == string(other.by)
	case KindSeq:
		if v.seq.Len() != other.seq.Len() {
			return false
		}
		for i := range v.seq.Items {
			if !v.seq.Items[i].Equal(&other.seq.Items[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if v.m.Len() != other.m.Len() {
			return false
		}
		for i, k := range v.m.keys {
			ov, ok := other.m.Get(&k)
			if !ok || !v.m.vals[i].Equal(&ov) {
				return false
			}
		}
		return true
	case KindObject:
		return v.obj == other.obj
	}
	return false
}

// Cmp orders two values, failing for incomparable kinds.
func (v Value) Cmp(other *Value) (int, error) {
	if v.IsNumber() && other.IsNumber() {
		a, _ := v.AsF64()
		b, _ := other.AsF64()
		switch {
		case a < b:
			return -1, nil
		case a > b:
			return 1, nil
		}
		return 0, nil
	}
	if v.kind == KindString && other.kind == KindString {
		return strings.Compare(v.s, other.s), nil
	}
	if v.kind == KindBool && other.kind == KindBool {
		a, b := 0, 0
		if v.b {
			a = 1
		}
		if other.b {
			b = 1
		}
		return a - b, nil
	}
	if v.kind == KindSeq && other.kind == KindSeq {
		for i := 0; i < v.seq.Len() && i < other.seq.Len(); i++ {
			c, err := v.seq.Items[i].Cmp(&other.seq.Items[i])
			if err != nil || c != 0 {
				return c, err
			}
		}
		return v.seq.Len() - other.seq.Len(), nil
	}
	return 0, Errorf(InvalidOperation, "cannot compare %s with %s", v.kind, other.kind)
}
