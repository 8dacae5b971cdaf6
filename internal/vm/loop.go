package vm

import (
	"sync"

	"loom/internal/value"
)

// Loop is the template-visible `loop` variable. The VM advances idx on
// each Iterate; templates read positions and call cycle/changed
// through the object protocol.
type Loop struct {
	mu          sync.Mutex
	idx         int // -1 before the first iteration
	length      int
	depth       int
	lastChanged []value.Value
	hasChanged  bool
}

func newLoop(length, depth int) *Loop {
	return &Loop{idx: -1, length: length, depth: depth}
}

func (l *Loop) advance() {
	l.mu.Lock()
	l.idx++
	l.mu.Unlock()
}

func (l *Loop) index0() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.idx
}

func (l *Loop) ObjectKind() string { return "loop" }

func (l *Loop) Render() string { return "<loop>" }

func (l *Loop) GetValue(key *value.Value) (value.Value, bool) {
	name, ok := key.AsStr()
	if !ok {
		return value.Undefined(), false
	}
	idx := l.index0()
	switch name {
	case "index0":
		return value.FromInt(idx), true
	case "index":
		return value.FromInt(idx + 1), true
	case "first":
		return value.FromBool(idx == 0), true
	case "last":
		return value.FromBool(idx == l.length-1), true
	case "length":
		return value.FromInt(l.length), true
	case "revindex":
		return value.FromInt(l.length - idx), true
	case "revindex0":
		return value.FromInt(l.length - idx - 1), true
	case "depth":
		return value.FromInt(l.depth + 1), true
	case "depth0":
		return value.FromInt(l.depth), true
	}
	return value.Undefined(), false
}

func (l *Loop) Enumerate() value.Enumerator {
	return value.StrsEnumerator([]string{
		"index0", "index", "first", "last", "length",
		"revindex", "revindex0", "depth", "depth0",
	})
}

func (l *Loop) CallMethod(state value.State, name string, args []value.Value) (value.Value, error) {
	switch name {
	case "cycle":
		if len(args) == 0 {
			return value.Undefined(), nil
		}
		return args[l.index0()%len(args)], nil
	case "changed":
		l.mu.Lock()
		defer l.mu.Unlock()
		same := l.hasChanged && len(l.lastChanged) == len(args)
		if same {
			for i := range args {
				if !args[i].Equal(&l.lastChanged[i]) {
					same = false
					break
				}
			}
		}
		if same {
			return value.FromBool(false), nil
		}
		l.lastChanged = append([]value.Value(nil), args...)
		l.hasChanged = true
		return value.FromBool(true), nil
	}
	return value.Undefined(), value.UnknownMethodError("loop", name)
}
