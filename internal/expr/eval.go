package expr

import (
	"fmt"
	"strings"
)

// Value is the result of evaluating a configuration expression.
type Value struct {
	isBool bool
	i      int64
	b      bool
}

func Int(i int64) Value      { return Value{i: i} }
func Bool(b bool) Value      { return Value{isBool: true, b: b} }
func (v Value) IsBool() bool { return v.isBool }
func (v Value) AsInt() int64 { return v.i }
func (v Value) AsBool() bool { return v.b }

func (v Value) debugString() string {
	if v.isBool {
		return fmt.Sprintf("Bool(%t)", v.b)
	}
	return fmt.Sprintf("Int(%d)", v.i)
}

// Bindings resolves free variables during evaluation.
type Bindings interface {
	GetVariable(name string) (int64, bool)
}

// MapBindings adapts a plain map.
type MapBindings map[string]int64

func (m MapBindings) GetVariable(name string) (int64, bool) {
	v, ok := m[name]
	return v, ok
}

type Evaluator struct {
	expr Expr
}

func NewEvaluator(expr Expr) *Evaluator {
	return &Evaluator{expr: expr}
}

func (ev *Evaluator) Eval(bindings Bindings) (Value, error) {
	return evalExpr(ev.expr, bindings)
}

func evalExpr(e Expr, bindings Bindings) (Value, error) {
	switch e := e.(type) {
	case *Integer:
		return Int(e.Val), nil
	case *Variable:
		if v, ok := bindings.GetVariable(e.Name); ok {
			return Int(v), nil
		}
		return Value{}, fmt.Errorf("Variable not found: %s", e.Name)
	case *ArithmeticBinary:
		lhs, err := evalExpr(e.Left, bindings)
		if err != nil {
			return Value{}, err
		}
		rhs, err := evalExpr(e.Right, bindings)
		if err != nil {
			return Value{}, err
		}
		return evalArithmetic(lhs, e.Op, rhs)
	case *ComparisonBinary:
		lhs, err := evalExpr(e.Left, bindings)
		if err != nil {
			return Value{}, err
		}
		rhs, err := evalExpr(e.Right, bindings)
		if err != nil {
			return Value{}, err
		}
		return evalComparison(lhs, e.Op, rhs)
	case *Call:
		args := make([]Value, 0, len(e.Args))
		for _, a := range e.Args {
			v, err := evalExpr(a, bindings)
			if err != nil {
				return Value{}, err
			}
			args = append(args, v)
		}
		return evalFunction(e.Fn, args)
	}
	return Value{}, fmt.Errorf("Cannot evaluate: unknown expression")
}

func evalArithmetic(lhs Value, op ArithmeticOp, rhs Value) (Value, error) {
	if !lhs.isBool && !rhs.isBool {
		var result int64
		overflow := false
		switch op {
		case OpAdd:
			result = lhs.i + rhs.i
			overflow = (result > lhs.i) != (rhs.i > 0)
		case OpSubtract:
			result = lhs.i - rhs.i
			overflow = (result < lhs.i) != (rhs.i > 0)
		}
		if !overflow {
			return Int(result), nil
		}
	}
	return Value{}, fmt.Errorf("Cannot evaluate: %s %s %s",
		lhs.debugString(), op, rhs.debugString())
}

func evalComparison(lhs Value, op ComparisonOp, rhs Value) (Value, error) {
	if lhs.isBool || rhs.isBool {
		return Value{}, fmt.Errorf("Cannot evaluate: %s %s %s",
			lhs.debugString(), op, rhs.debugString())
	}
	var result bool
	switch op {
	case OpLessThan:
		result = lhs.i < rhs.i
	case OpLessThanOrEqual:
		result = lhs.i <= rhs.i
	case OpGreaterThan:
		result = lhs.i > rhs.i
	case OpGreaterThanOrEqual:
		result = lhs.i >= rhs.i
	case OpEqual:
		result = lhs.i == rhs.i
	case OpNotEqual:
		result = lhs.i != rhs.i
	}
	return Bool(result), nil
}

func evalFunction(fn Function, args []Value) (Value, error) {
	switch fn {
	case FuncMin, FuncMax:
		nums, err := argsToNumbers(args)
		if err != nil {
			return Value{}, err
		}
		best := nums[0]
		for _, n := range nums[1:] {
			if (fn == FuncMin && n < best) || (fn == FuncMax && n > best) {
				best = n
			}
		}
		return Int(best), nil
	default:
		if len(args) != 3 || !args[0].isBool || args[1].isBool || args[2].isBool {
			parts := make([]string, len(args))
			for i, a := range args {
				parts[i] = a.debugString()
			}
			return Value{}, fmt.Errorf("Expected (bool, int, int) arguments, got [%s]",
				strings.Join(parts, ", "))
		}
		if args[0].b {
			return args[1], nil
		}
		return args[2], nil
	}
}

func argsToNumbers(args []Value) ([]int64, error) {
	nums := make([]int64, 0, len(args))
	for _, a := range args {
		if a.isBool {
			return nil, fmt.Errorf("Unexpected bool argument: %t", a.b)
		}
		nums = append(nums, a.i)
	}
	return nums, nil
}
