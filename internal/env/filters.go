package env

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	"loom/internal/value"
	"loom/internal/vm"
)

func registerBuiltinFilters(e *Environment) {
	e.AddFilter("upper", filterUpper)
	e.AddFilter("lower", filterLower)
	e.AddFilter("trim", filterTrim)
	e.AddFilter("replace", filterReplace)
	e.AddFilter("length", filterLength)
	e.AddFilter("count", filterLength)
	e.AddFilter("join", filterJoin)
	e.AddFilter("default", filterDefault)
	e.AddFilter("d", filterDefault)
	e.AddFilter("first", filterFirst)
	e.AddFilter("last", filterLast)
	e.AddFilter("reverse", filterReverse)
	e.AddFilter("sort", filterSort)
	e.AddFilter("list", filterList)
	e.AddFilter("unique", filterUnique)
	e.AddFilter("escape", filterEscape)
	e.AddFilter("e", filterEscape)
	e.AddFilter("safe", filterSafe)
	e.AddFilter("int", filterInt)
	e.AddFilter("float", filterFloat)
	e.AddFilter("string", filterString)
	e.AddFilter("abs", filterAbs)
	e.AddFilter("round", filterRound)
	e.AddFilter("capitalize", filterCapitalize)
	e.AddFilter("title", filterTitle)
	e.AddFilter("items", filterItems)
	e.AddFilter("tojson", filterToJSON)
}

func filterUpper(_ *vm.State, val value.Value, _ []value.Value) (value.Value, error) {
	return value.FromString(strings.ToUpper(val.String())), nil
}

func filterLower(_ *vm.State, val value.Value, _ []value.Value) (value.Value, error) {
	return value.FromString(strings.ToLower(val.String())), nil
}

func filterTrim(_ *vm.State, val value.Value, args []value.Value) (value.Value, error) {
	if len(args) > 0 {
		cutset, _ := args[0].AsStr()
		return value.FromString(strings.Trim(val.String(), cutset)), nil
	}
	return value.FromString(strings.TrimSpace(val.String())), nil
}

func filterReplace(_ *vm.State, val value.Value, args []value.Value) (value.Value, error) {
	if len(args) < 2 {
		return value.Undefined(), value.NewError(value.MissingArgument,
			"replace requires the string to find and its replacement")
	}
	from, _ := args[0].AsStr()
	to, _ := args[1].AsStr()
	return value.FromString(strings.ReplaceAll(val.String(), from, to)), nil
}

func filterLength(_ *vm.State, val value.Value, _ []value.Value) (value.Value, error) {
	if n, ok := val.Len(); ok {
		return value.FromInt(n), nil
	}
	return value.Undefined(), value.Errorf(value.InvalidOperation,
		"cannot compute the length of %s", val.Kind())
}

func filterJoin(_ *vm.State, val value.Value, args []value.Value) (value.Value, error) {
	sep := ""
	if len(args) > 0 {
		sep, _ = args[0].AsStr()
	}
	it, err := val.TryIter()
	if err != nil {
		return value.Undefined(), err
	}
	var parts []string
	for {
		item, ok := it.Next()
		if !ok {
			break
		}
		parts = append(parts, item.String())
	}
	return value.FromString(strings.Join(parts, sep)), nil
}

func filterDefault(_ *vm.State, val value.Value, args []value.Value) (value.Value, error) {
	fallback := value.FromString("")
	if len(args) > 0 {
		fallback = args[0]
	}
	// a second truthy argument extends the fallback to all falsy values
	if len(args) > 1 && args[1].IsTrue() {
		if !val.IsTrue() {
			return fallback, nil
		}
		return val, nil
	}
	if val.IsUndefined() {
		return fallback, nil
	}
	return val, nil
}

func filterFirst(_ *vm.State, val value.Value, _ []value.Value) (value.Value, error) {
	it, err := val.TryIter()
	if err != nil {
		return value.Undefined(), err
	}
	if item, ok := it.Next(); ok {
		return item, nil
	}
	return value.Undefined(), nil
}

func filterLast(_ *vm.State, val value.Value, _ []value.Value) (value.Value, error) {
	it, err := val.TryIter()
	if err != nil {
		return value.Undefined(), err
	}
	rv := value.Undefined()
	for {
		item, ok := it.Next()
		if !ok {
			break
		}
		rv = item
	}
	return rv, nil
}

func filterReverse(_ *vm.State, val value.Value, _ []value.Value) (value.Value, error) {
	if s, ok := val.AsStr(); ok {
		runes := []rune(s)
		for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
			runes[i], runes[j] = runes[j], runes[i]
		}
		return value.FromString(string(runes)), nil
	}
	items, err := collect(val)
	if err != nil {
		return value.Undefined(), err
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return value.FromSlice(items), nil
}

func filterSort(_ *vm.State, val value.Value, args []value.Value) (value.Value, error) {
	items, err := collect(val)
	if err != nil {
		return value.Undefined(), err
	}
	reverse := false
	if _, kwargs := value.SplitKwargs(args); kwargs != nil {
		if v, ok := kwargs.M.GetString("reverse"); ok {
			reverse = v.IsTrue()
		}
	}
	var sortErr error
	sort.SliceStable(items, func(i, j int) bool {
		c, err := items[i].Cmp(&items[j])
		if err != nil && sortErr == nil {
			sortErr = err
		}
		if reverse {
			return c > 0
		}
		return c < 0
	})
	if sortErr != nil {
		return value.Undefined(), sortErr
	}
	return value.FromSlice(items), nil
}

func filterList(_ *vm.State, val value.Value, _ []value.Value) (value.Value, error) {
	items, err := collect(val)
	if err != nil {
		return value.Undefined(), err
	}
	return value.FromSlice(items), nil
}

func filterUnique(_ *vm.State, val value.Value, _ []value.Value) (value.Value, error) {
	items, err := collect(val)
	if err != nil {
		return value.Undefined(), err
	}
	var out []value.Value
	for i := range items {
		seen := false
		for j := range out {
			if out[j].Equal(&items[i]) {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, items[i])
		}
	}
	return value.FromSlice(out), nil
}

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&#34;", "'", "&#39;",
)

func filterEscape(_ *vm.State, val value.Value, _ []value.Value) (value.Value, error) {
	if val.IsSafe() {
		return val, nil
	}
	return value.FromSafeString(htmlEscaper.Replace(val.String())), nil
}

func filterSafe(_ *vm.State, val value.Value, _ []value.Value) (value.Value, error) {
	return value.FromSafeString(val.String()), nil
}

func filterInt(_ *vm.State, val value.Value, _ []value.Value) (value.Value, error) {
	if i, ok := val.AsI64(); ok {
		return value.FromI64(i), nil
	}
	if f, ok := val.AsF64(); ok {
		return value.FromI64(int64(f)), nil
	}
	if s, ok := val.AsStr(); ok {
		if i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return value.FromI64(i), nil
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return value.FromI64(int64(f)), nil
		}
	}
	return value.Undefined(), value.Errorf(value.InvalidOperation,
		"cannot convert %s to integer", val.Repr())
}

func filterFloat(_ *vm.State, val value.Value, _ []value.Value) (value.Value, error) {
	if f, ok := val.AsF64(); ok {
		return value.FromF64(f), nil
	}
	if s, ok := val.AsStr(); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return value.FromF64(f), nil
		}
	}
	return value.Undefined(), value.Errorf(value.InvalidOperation,
		"cannot convert %s to float", val.Repr())
}

func filterString(_ *vm.State, val value.Value, _ []value.Value) (value.Value, error) {
	return value.FromString(val.String()), nil
}

func filterAbs(_ *vm.State, val value.Value, _ []value.Value) (value.Value, error) {
	switch val.Kind() {
	case value.KindInt:
		i, _ := val.AsI64()
		if i < 0 {
			i = -i
		}
		return value.FromI64(i), nil
	case value.KindFloat:
		f, _ := val.AsF64()
		return value.FromF64(math.Abs(f)), nil
	}
	return value.Undefined(), value.Errorf(value.InvalidOperation,
		"cannot take the absolute value of %s", val.Kind())
}

func filterRound(_ *vm.State, val value.Value, args []value.Value) (value.Value, error) {
	f, ok := val.AsF64()
	if !ok {
		return value.Undefined(), value.Errorf(value.InvalidOperation,
			"cannot round %s", val.Kind())
	}
	precision := int64(0)
	if len(args) > 0 {
		precision, _ = args[0].AsI64()
	}
	scale := math.Pow(10, float64(precision))
	return value.FromF64(math.Round(f*scale) / scale), nil
}

func filterCapitalize(_ *vm.State, val value.Value, _ []value.Value) (value.Value, error) {
	s := val.String()
	if s == "" {
		return value.FromString(""), nil
	}
	return value.FromString(strings.ToUpper(s[:1]) + strings.ToLower(s[1:])), nil
}

func filterTitle(_ *vm.State, val value.Value, _ []value.Value) (value.Value, error) {
	words := strings.Fields(val.String())
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return value.FromString(strings.Join(words, " ")), nil
}

func filterItems(_ *vm.State, val value.Value, _ []value.Value) (value.Value, error) {
	m, ok := val.AsMap()
	if !ok {
		return value.Undefined(), value.Errorf(value.InvalidOperation,
			"items requires a map, got %s", val.Kind())
	}
	pairs := make([]value.Value, 0, m.Len())
	m.Each(func(k, v value.Value) {
		pairs = append(pairs, value.FromSlice([]value.Value{k, v}))
	})
	return value.FromSlice(pairs), nil
}

func filterToJSON(_ *vm.State, val value.Value, _ []value.Value) (value.Value, error) {
	data, err := json.Marshal(value.ToGoValue(val))
	if err != nil {
		return value.Undefined(), value.Wrap(value.InvalidOperation, err)
	}
	return value.FromString(string(data)), nil
}

func collect(val value.Value) ([]value.Value, error) {
	it, err := val.TryIter()
	if err != nil {
		return nil, err
	}
	var items []value.Value
	for {
		item, ok := it.Next()
		if !ok {
			break
		}
		items = append(items, item)
	}
	return items, nil
}
