package value

import "sort"

// FromGoValue converts plain Go data (the shapes encoding/json
// produces) into an engine value. Map keys are sorted so conversion is
// deterministic.
func FromGoValue(v any) (Value, error) {
	switch t := v.(type) {
	case nil:
		return None(), nil
	case bool:
		return FromBool(t), nil
	case int:
		return FromInt(t), nil
	case int64:
		return FromI64(t), nil
	case float64:
		if t == float64(int64(t)) {
			return FromI64(int64(t)), nil
		}
		return FromF64(t), nil
	case string:
		return FromString(t), nil
	case []byte:
		return FromBytes(t), nil
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			v, err := FromGoValue(item)
			if err != nil {
				return Undefined(), err
			}
			items[i] = v
		}
		return FromSlice(items), nil
	case []string:
		items := make([]Value, len(t))
		for i, s := range t {
			items[i] = FromString(s)
		}
		return FromSlice(items), nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		m := NewMap()
		for _, k := range keys {
			v, err := FromGoValue(t[k])
			if err != nil {
				return Undefined(), err
			}
			m.SetString(k, v)
		}
		return FromMap(m), nil
	case Value:
		return t, nil
	}
	return Undefined(), Errorf(CannotDeserialize, "cannot convert %T into a template value", v)
}

// ToGoValue converts an engine value into plain Go data suitable for
// encoding/json. Undefined and unrepresentable values become nil.
func ToGoValue(v Value) any {
	switch v.Kind() {
	case KindUndefined, KindNone:
		return nil
	case KindBool:
		b, _ := v.AsBool()
		return b
	case KindInt:
		i, _ := v.AsI64()
		return i
	case KindFloat:
		f, _ := v.AsF64()
		return f
	case KindString:
		s, _ := v.AsStr()
		return s
	case KindBytes:
		return v.String()
	case KindSeq:
		seq, _ := v.AsSeq()
		items := make([]any, len(seq.Items))
		for i := range seq.Items {
			items[i] = ToGoValue(seq.Items[i])
		}
		return items
	case KindMap:
		m, _ := v.AsMap()
		out := make(map[string]any, m.Len())
		m.Each(func(k, val Value) {
			out[k.String()] = ToGoValue(val)
		})
		return out
	case KindObject:
		obj, _ := v.AsObject()
		if vals, ok := enumerateValues(obj); ok && ReprOf(obj) != ReprMap {
			items := make([]any, len(vals))
			for i := range vals {
				items[i] = ToGoValue(vals[i])
			}
			return items
		}
		out := map[string]any{}
		for _, key := range enumerateKeys(obj) {
			kv := FromString(key)
			if val, found := obj.GetValue(&kv); found {
				out[key] = ToGoValue(val)
			}
		}
		return out
	}
	return nil
}

func enumerateKeys(obj Object) []string {
	e := obj.Enumerate()
	if e.strs != nil {
		return e.strs
	}
	var keys []string
	if vals, ok := enumerateValues(obj); ok {
		for _, v := range vals {
			if s, isStr := v.AsStr(); isStr {
				keys = append(keys, s)
			}
		}
	}
	return keys
}
