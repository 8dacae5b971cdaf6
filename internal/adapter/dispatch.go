package adapter

import (
	"fmt"
	"strings"

	"loom/internal/value"
)

// Dispatch resolves a macro name over dialect prefixes: the adapter's
// dialect first, then `default`. Resolution happens at call time
// against the caller's scope, so macros defined or imported by the
// calling template are visible.
type Dispatch struct {
	name      string
	namespace string
	dialect   string
}

func (d *Dispatch) ObjectKind() string { return "dispatch" }

func (d *Dispatch) Repr() value.ObjectRepr { return value.ReprPlain }

func (d *Dispatch) Render() string {
	return fmt.Sprintf("<dispatch %s>", d.name)
}

func (d *Dispatch) GetValue(key *value.Value) (value.Value, bool) {
	name, ok := key.AsStr()
	if !ok {
		return value.Undefined(), false
	}
	switch name {
	case "name":
		return value.FromString(d.name), true
	case "macro_namespace":
		return value.FromString(d.namespace), true
	}
	return value.Undefined(), false
}

func (d *Dispatch) Enumerate() value.Enumerator {
	return value.StrsEnumerator([]string{"name", "macro_namespace"})
}

// Candidates lists the macro names searched, in order.
func (d *Dispatch) Candidates() []string {
	prefixes := []string{d.dialect, "default"}
	out := make([]string, 0, len(prefixes))
	for _, prefix := range prefixes {
		if prefix == "" {
			continue
		}
		candidate := prefix + "__" + d.name
		if d.namespace != "" {
			candidate = d.namespace + "." + candidate
		}
		out = append(out, candidate)
	}
	return out
}

func (d *Dispatch) Call(state value.State, args []value.Value) (value.Value, error) {
	candidates := d.Candidates()
	for _, candidate := range candidates {
		macro, found := lookupPath(state, candidate)
		if !found || macro.IsUndefined() {
			continue
		}
		return macro.Call(state, args)
	}
	quoted := make([]string, len(candidates))
	for i, c := range candidates {
		quoted[i] = "'" + c + "'"
	}
	return value.Undefined(), value.Errorf(value.UnknownFunction,
		"In dispatch: No macro named '%s' found. Searched for: %s",
		d.name, strings.Join(quoted, ", "))
}

// lookupPath resolves dotted names through module maps produced by
// {% import %}.
func lookupPath(state value.State, path string) (value.Value, bool) {
	parts := strings.Split(path, ".")
	v, found := state.Lookup(parts[0])
	if !found {
		return value.Undefined(), false
	}
	for _, part := range parts[1:] {
		next, ok := v.GetAttr(part)
		if !ok {
			return value.Undefined(), false
		}
		v = next
	}
	return v, true
}
