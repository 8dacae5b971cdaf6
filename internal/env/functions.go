package env

import (
	"loom/internal/value"
)

func registerBuiltinFunctions(e *Environment) {
	e.AddFunction("range", fnRange)
	e.AddFunction("dict", fnDict)
	e.AddFunction("namespace", fnNamespace)
}

func fnRange(_ value.State, args []value.Value) (value.Value, error) {
	lower, upper, step := int64(0), int64(0), int64(1)
	switch len(args) {
	case 1:
		upper, _ = args[0].AsI64()
	case 2:
		lower, _ = args[0].AsI64()
		upper, _ = args[1].AsI64()
	case 3:
		lower, _ = args[0].AsI64()
		upper, _ = args[1].AsI64()
		step, _ = args[2].AsI64()
		if step == 0 {
			return value.Undefined(), value.NewError(value.InvalidArgument,
				"range step cannot be zero")
		}
	default:
		return value.Undefined(), value.Errorf(value.TooManyArguments,
			"range takes one to three arguments, got %d", len(args))
	}
	var items []value.Value
	if step > 0 {
		for i := lower; i < upper; i += step {
			items = append(items, value.FromI64(i))
		}
	} else {
		for i := lower; i > upper; i += step {
			items = append(items, value.FromI64(i))
		}
	}
	return value.FromSlice(items), nil
}

func fnDict(_ value.State, args []value.Value) (value.Value, error) {
	positional, kwargs := value.SplitKwargs(args)
	m := value.NewMap()
	for i := range positional {
		src, ok := positional[i].AsMap()
		if !ok {
			return value.Undefined(), value.Errorf(value.InvalidArgument,
				"dict positional arguments must be maps, got %s", positional[i].Kind())
		}
		m.Merge(src)
	}
	if kwargs != nil {
		m.Merge(kwargs.M)
	}
	return value.FromMap(m), nil
}

func fnNamespace(_ value.State, args []value.Value) (value.Value, error) {
	ns := value.NewNamespace()
	_, kwargs := value.SplitKwargs(args)
	if kwargs != nil {
		kwargs.M.Each(func(k, v value.Value) {
			ns.SetValue(k.String(), v)
		})
	}
	return value.FromObject(ns), nil
}
