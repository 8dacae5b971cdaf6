package expr

import (
	"fmt"
	"strings"
)

// Expr is a validated configuration expression tree.
type Expr interface {
	debugString() string
	validateAndType() (exprType, error)
}

type exprType int

const (
	typeInt exprType = iota
	typeBool
)

func (t exprType) String() string {
	if t == typeBool {
		return "Bool"
	}
	return "Int"
}

type ArithmeticOp int

const (
	OpAdd ArithmeticOp = iota
	OpSubtract
)

func (op ArithmeticOp) String() string {
	if op == OpSubtract {
		return "Subtract"
	}
	return "Add"
}

type ComparisonOp int

const (
	OpLessThan ComparisonOp = iota
	OpLessThanOrEqual
	OpGreaterThan
	OpGreaterThanOrEqual
	OpEqual
	OpNotEqual
)

func (op ComparisonOp) String() string {
	switch op {
	case OpLessThan:
		return "LessThan"
	case OpLessThanOrEqual:
		return "LessThanOrEqual"
	case OpGreaterThan:
		return "GreaterThan"
	case OpGreaterThanOrEqual:
		return "GreaterThanOrEqual"
	case OpEqual:
		return "Equal"
	}
	return "NotEqual"
}

type Function int

const (
	FuncMin Function = iota
	FuncMax
	FuncIf
)

func (f Function) String() string {
	switch f {
	case FuncMin:
		return "min"
	case FuncMax:
		return "max"
	}
	return "if"
}

type Integer struct{ Val int64 }

type Variable struct{ Name string }

type ArithmeticBinary struct {
	Left  Expr
	Op    ArithmeticOp
	Right Expr
}

type ComparisonBinary struct {
	Left  Expr
	Op    ComparisonOp
	Right Expr
}

type Call struct {
	Fn   Function
	Args []Expr
}

func (e *Integer) debugString() string  { return fmt.Sprintf("Integer(%d)", e.Val) }
func (e *Variable) debugString() string { return fmt.Sprintf("Variable(%q)", e.Name) }

func (e *ArithmeticBinary) debugString() string {
	return fmt.Sprintf("ArithmeticBinary(%s, %s, %s)",
		e.Left.debugString(), e.Op, e.Right.debugString())
}

func (e *ComparisonBinary) debugString() string {
	return fmt.Sprintf("ComparisonBinary(%s, %s, %s)",
		e.Left.debugString(), e.Op, e.Right.debugString())
}

func (e *Call) debugString() string {
	var fn string
	switch e.Fn {
	case FuncMin:
		fn = "Min"
	case FuncMax:
		fn = "Max"
	default:
		fn = "If"
	}
	parts := make([]string, len(e.Args))
	for i, a := range e.Args {
		parts[i] = a.debugString()
	}
	return fmt.Sprintf("Call(%s, [%s])", fn, strings.Join(parts, ", "))
}

func (e *Integer) validateAndType() (exprType, error)  { return typeInt, nil }
func (e *Variable) validateAndType() (exprType, error) { return typeInt, nil }

func (e *ArithmeticBinary) validateAndType() (exprType, error) {
	if err := validateExpecting(e.Left, typeInt); err != nil {
		return 0, err
	}
	if err := validateExpecting(e.Right, typeInt); err != nil {
		return 0, err
	}
	return typeInt, nil
}

func (e *ComparisonBinary) validateAndType() (exprType, error) {
	if err := validateExpecting(e.Left, typeInt); err != nil {
		return 0, err
	}
	if err := validateExpecting(e.Right, typeInt); err != nil {
		return 0, err
	}
	return typeBool, nil
}

func (e *Call) validateAndType() (exprType, error) {
	switch e.Fn {
	case FuncMin, FuncMax:
		if len(e.Args) < 2 {
			return 0, fmt.Errorf("Expected at least two arguments to function %s, got %d",
				e.Fn, len(e.Args))
		}
		for _, a := range e.Args {
			if err := validateExpecting(a, typeInt); err != nil {
				return 0, err
			}
		}
		return typeInt, nil
	default:
		if len(e.Args) != 3 {
			return 0, fmt.Errorf("Expected exactly three arguments to function if, got %d",
				len(e.Args))
		}
		if err := validateExpecting(e.Args[0], typeBool); err != nil {
			return 0, err
		}
		if err := validateExpecting(e.Args[1], typeInt); err != nil {
			return 0, err
		}
		if err := validateExpecting(e.Args[2], typeInt); err != nil {
			return 0, err
		}
		return typeInt, nil
	}
}

func validateExpecting(e Expr, expected exprType) error {
	actual, err := e.validateAndType()
	if err != nil {
		return err
	}
	if actual != expected {
		return fmt.Errorf("Expected %s, got expression %s of type %s",
			expected, e.debugString(), actual)
	}
	return nil
}

// Validate type-checks the expression without evaluating it.
func Validate(e Expr) error {
	_, err := e.validateAndType()
	return err
}
