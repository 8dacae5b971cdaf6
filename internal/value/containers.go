package value

import "strings"

// Seq is the shared payload of a sequence value. Mutation is only
// valid during the build phase, before the handle escapes to another
// frame.
type Seq struct {
	Items []Value
	Tuple bool
}

func NewSeq(capacity int) *Seq {
	return &Seq{Items: make([]Value, 0, capacity)}
}

func (s *Seq) Len() int { return len(s.Items) }

func (s *Seq) Append(v Value) { s.Items = append(s.Items, v) }

func (s *Seq) render() string {
	open, close := "[", "]"
	if s.Tuple {
		open, close = "(", ")"
	}
	var sb strings.Builder
	sb.WriteString(open)
	for i, item := range s.Items {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(item.Repr())
	}
	sb.WriteString(close)
	return sb.String()
}

// Map is an insertion-ordered mapping with primitive keys. Like Seq it
// is mutable only while being built.
type Map struct {
	keys []Value
	vals []Value
	idx  map[string]int
}

func NewMap() *Map {
	return &Map{idx: make(map[string]int)}
}

// keyRepr gives the hash identity of a key; only primitives qualify.
func keyRepr(k *Value) (string, bool) {
	switch k.kind {
	case KindNone:
		return "\x00none", true
	case KindBool:
		if k.b {
			return "\x00true", true
		}
		return "\x00false", true
	case KindInt, KindFloat:
		f, _ := k.AsF64()
		return "\x00n" + formatFloat(f), true
	case KindString:
		return k.s, true
	}
	return "", false
}

// Set inserts or replaces; non-primitive keys are rejected.
func (m *Map) Set(k, v Value) error {
	repr, ok := keyRepr(&k)
	if !ok {
		return Errorf(NonKey, "%s cannot be used as a map key", k.kind)
	}
	if i, exists := m.idx[repr]; exists {
		m.vals[i] = v
		return nil
	}
	m.idx[repr] = len(m.keys)
	m.keys = append(m.keys, k)
	m.vals = append(m.vals, v)
	return nil
}

func (m *Map) SetString(k string, v Value) {
	_ = m.Set(FromString(k), v)
}

func (m *Map) Get(k *Value) (Value, bool) {
	repr, ok := keyRepr(k)
	if !ok {
		return Undefined(), false
	}
	i, exists := m.idx[repr]
	if !exists {
		return Undefined(), false
	}
	return m.vals[i], true
}

func (m *Map) GetString(k string) (Value, bool) {
	key := FromString(k)
	return m.Get(&key)
}

func (m *Map) Has(k *Value) bool {
	_, ok := m.Get(k)
	return ok
}

func (m *Map) Len() int { return len(m.keys) }

func (m *Map) Keys() []Value { return m.keys }

func (m *Map) Values() []Value { return m.vals }

// Each visits entries in insertion order.
func (m *Map) Each(fn func(k, v Value)) {
	for i := range m.keys {
		fn(m.keys[i], m.vals[i])
	}
}

// Merge copies all entries of other into m.
func (m *Map) Merge(other *Map) {
	other.Each(func(k, v Value) {
		_ = m.Set(k, v)
	})
}

func (m *Map) Clone() *Map {
	out := NewMap()
	m.Each(func(k, v Value) {
		_ = out.Set(k, v)
	})
	return out
}

func (m *Map) render() string {
	var sb strings.Builder
	sb.WriteString("{")
	for i := range m.keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(m.keys[i].Repr())
		sb.WriteString(": ")
		sb.WriteString(m.vals[i].Repr())
	}
	sb.WriteString("}")
	return sb.String()
}
