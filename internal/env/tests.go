package env

import (
	"strings"

	"loom/internal/value"
	"loom/internal/vm"
)

func registerBuiltinTests(e *Environment) {
	e.AddTest("defined", testDefined)
	e.AddTest("undefined", testUndefined)
	e.AddTest("none", testNone)
	e.AddTest("true", testTrue)
	e.AddTest("false", testFalse)
	e.AddTest("odd", testOdd)
	e.AddTest("even", testEven)
	e.AddTest("string", testString)
	e.AddTest("number", testNumber)
	e.AddTest("sequence", testSequence)
	e.AddTest("mapping", testMapping)
	e.AddTest("callable", testCallable)
	e.AddTest("startingwith", testStartingWith)
	e.AddTest("startswith", testStartingWith)
	e.AddTest("endingwith", testEndingWith)
	e.AddTest("endswith", testEndingWith)
	e.AddTest("in", testIn)
	e.AddTest("eq", cmpTest(func(c int) bool { return c == 0 }))
	e.AddTest("equalto", cmpTest(func(c int) bool { return c == 0 }))
	e.AddTest("ne", cmpTest(func(c int) bool { return c != 0 }))
	e.AddTest("lt", cmpTest(func(c int) bool { return c < 0 }))
	e.AddTest("le", cmpTest(func(c int) bool { return c <= 0 }))
	e.AddTest("gt", cmpTest(func(c int) bool { return c > 0 }))
	e.AddTest("ge", cmpTest(func(c int) bool { return c >= 0 }))
}

func testDefined(_ *vm.State, val value.Value, _ []value.Value) (bool, error) {
	return !val.IsUndefined(), nil
}

func testUndefined(_ *vm.State, val value.Value, _ []value.Value) (bool, error) {
	return val.IsUndefined(), nil
}

func testNone(_ *vm.State, val value.Value, _ []value.Value) (bool, error) {
	return val.IsNone(), nil
}

func testTrue(_ *vm.State, val value.Value, _ []value.Value) (bool, error) {
	b, ok := val.AsBool()
	return ok && b, nil
}

func testFalse(_ *vm.State, val value.Value, _ []value.Value) (bool, error) {
	b, ok := val.AsBool()
	return ok && !b, nil
}

func testOdd(_ *vm.State, val value.Value, _ []value.Value) (bool, error) {
	i, ok := val.AsI64()
	return ok && i%2 != 0, nil
}

func testEven(_ *vm.State, val value.Value, _ []value.Value) (bool, error) {
	i, ok := val.AsI64()
	return ok && i%2 == 0, nil
}

func testString(_ *vm.State, val value.Value, _ []value.Value) (bool, error) {
	return val.Kind() == value.KindString, nil
}

func testNumber(_ *vm.State, val value.Value, _ []value.Value) (bool, error) {
	return val.IsNumber(), nil
}

func testSequence(_ *vm.State, val value.Value, _ []value.Value) (bool, error) {
	if val.Kind() == value.KindSeq {
		return true, nil
	}
	if obj, ok := val.AsObject(); ok {
		repr := value.ReprOf(obj)
		return repr == value.ReprSeq || repr == value.ReprIterable, nil
	}
	return false, nil
}

func testMapping(_ *vm.State, val value.Value, _ []value.Value) (bool, error) {
	if val.Kind() == value.KindMap {
		return true, nil
	}
	if obj, ok := val.AsObject(); ok {
		return value.ReprOf(obj) == value.ReprMap, nil
	}
	return false, nil
}

func testCallable(_ *vm.State, val value.Value, _ []value.Value) (bool, error) {
	obj, ok := val.AsObject()
	if !ok {
		return false, nil
	}
	_, callable := obj.(value.Caller)
	return callable, nil
}

func testStartingWith(_ *vm.State, val value.Value, args []value.Value) (bool, error) {
	if len(args) == 0 {
		return false, value.NewError(value.MissingArgument, "startingwith requires a prefix")
	}
	prefix, _ := args[0].AsStr()
	return strings.HasPrefix(val.String(), prefix), nil
}

func testEndingWith(_ *vm.State, val value.Value, args []value.Value) (bool, error) {
	if len(args) == 0 {
		return false, value.NewError(value.MissingArgument, "endingwith requires a suffix")
	}
	suffix, _ := args[0].AsStr()
	return strings.HasSuffix(val.String(), suffix), nil
}

func testIn(_ *vm.State, val value.Value, args []value.Value) (bool, error) {
	if len(args) == 0 {
		return false, value.NewError(value.MissingArgument, "in requires a container")
	}
	rv, err := value.Contains(&args[0], &val)
	if err != nil {
		return false, err
	}
	return rv.IsTrue(), nil
}

func cmpTest(ok func(int) bool) vm.TestFunc {
	return func(_ *vm.State, val value.Value, args []value.Value) (bool, error) {
		if len(args) == 0 {
			return false, value.NewError(value.MissingArgument, "comparison requires an operand")
		}
		c, err := val.Cmp(&args[0])
		if err != nil {
			return false, err
		}
		return ok(c), nil
	}
}
