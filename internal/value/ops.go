package value

import (
	"math"
	"strings"
)

func bothInts(a, b *Value) (int64, int64, bool) {
	if a.kind == KindInt && b.kind == KindInt {
		return a.i, b.i, true
	}
	return 0, 0, false
}

func bothNumbers(a, b *Value) (float64, float64, bool) {
	if a.IsNumber() && b.IsNumber() {
		x, _ := a.AsF64()
		y, _ := b.AsF64()
		return x, y, true
	}
	return 0, 0, false
}

func opError(op string, a, b *Value) *Error {
	return Errorf(InvalidOperation,
		"tried to use %s operator on unsupported types %s and %s", op, a.kind, b.kind)
}

// Add also concatenates strings and sequences the way the template
// language does. Integer overflow promotes to float.
func Add(a, b *Value) (Value, error) {
	if x, y, ok := bothInts(a, b); ok {
		sum := x + y
		if (sum > x) == (y > 0) {
			return FromI64(sum), nil
		}
		return FromF64(float64(x) + float64(y)), nil
	}
	if x, y, ok := bothNumbers(a, b); ok {
		return FromF64(x + y), nil
	}
	if as, aok := a.AsStr(); aok {
		if bs, bok := b.AsStr(); bok {
			return FromString(as + bs), nil
		}
	}
	if aseq, aok := a.AsSeq(); aok {
		if bseq, bok := b.AsSeq(); bok {
			items := make([]Value, 0, aseq.Len()+bseq.Len())
			items = append(items, aseq.Items...)
			items = append(items, bseq.Items...)
			return FromSlice(items), nil
		}
	}
	return Undefined(), opError("+", a, b)
}

func Sub(a, b *Value) (Value, error) {
	if x, y, ok := bothInts(a, b); ok {
		diff := x - y
		if (diff < x) == (y > 0) {
			return FromI64(diff), nil
		}
		return FromF64(float64(x) - float64(y)), nil
	}
	if x, y, ok := bothNumbers(a, b); ok {
		return FromF64(x - y), nil
	}
	return Undefined(), opError("-", a, b)
}

func Mul(a, b *Value) (Value, error) {
	if x, y, ok := bothInts(a, b); ok {
		prod := x * y
		if x == 0 || (prod/x == y && !(x == -1 && y == math.MinInt64)) {
			return FromI64(prod), nil
		}
		return FromF64(float64(x) * float64(y)), nil
	}
	if x, y, ok := bothNumbers(a, b); ok {
		return FromF64(x * y), nil
	}
	return Undefined(), opError("*", a, b)
}

// Div is true division and always yields a float.
func Div(a, b *Value) (Value, error) {
	if x, y, ok := bothNumbers(a, b); ok {
		if y == 0 {
			return Undefined(), Errorf(InvalidOperation, "division by zero")
		}
		return FromF64(x / y), nil
	}
	return Undefined(), opError("/", a, b)
}

func IntDiv(a, b *Value) (Value, error) {
	if x, y, ok := bothInts(a, b); ok {
		if y == 0 {
			return Undefined(), Errorf(InvalidOperation, "division by zero")
		}
		q := x / y
		if (x%y != 0) && ((x < 0) != (y < 0)) {
			q--
		}
		return FromI64(q), nil
	}
	if x, y, ok := bothNumbers(a, b); ok {
		if y == 0 {
			return Undefined(), Errorf(InvalidOperation, "division by zero")
		}
		return FromF64(math.Floor(x / y)), nil
	}
	return Undefined(), opError("//", a, b)
}

func Rem(a, b *Value) (Value, error) {
	if x, y, ok := bothInts(a, b); ok {
		if y == 0 {
			return Undefined(), Errorf(InvalidOperation, "division by zero")
		}
		r := x % y
		if r != 0 && ((r < 0) != (y < 0)) {
			r += y
		}
		return FromI64(r), nil
	}
	if x, y, ok := bothNumbers(a, b); ok {
		if y == 0 {
			return Undefined(), Errorf(InvalidOperation, "division by zero")
		}
		return FromF64(math.Mod(x, y)), nil
	}
	return Undefined(), opError("%", a, b)
}

func Pow(a, b *Value) (Value, error) {
	if x, y, ok := bothInts(a, b); ok && y >= 0 && y < 64 {
		result := int64(1)
		base := x
		overflow := false
		for i := int64(0); i < y; i++ {
			prod := result * base
			if base != 0 && prod/base != result {
				overflow = true
				break
			}
			result = prod
		}
		if !overflow {
			return FromI64(result), nil
		}
	}
	if x, y, ok := bothNumbers(a, b); ok {
		return FromF64(math.Pow(x, y)), nil
	}
	return Undefined(), opError("**", a, b)
}

func Neg(a *Value) (Value, error) {
	switch a.kind {
	case KindInt:
		return FromI64(-a.i), nil
	case KindFloat:
		return FromF64(-a.f), nil
	}
	return Undefined(), Errorf(InvalidOperation, "cannot negate %s", a.kind)
}

// StringConcat implements the `~` operator: both operands are
// stringified.
func StringConcat(a, b *Value) Value {
	return FromString(a.String() + b.String())
}

// Contains implements the `in` operator: map key, sequence membership
// or substring.
func Contains(container, needle *Value) (Value, error) {
	switch container.kind {
	case KindString:
		if s, ok := needle.AsStr(); ok {
			return FromBool(strings.Contains(container.s, s)), nil
		}
	case KindSeq:
		for i := range container.seq.Items {
			if container.seq.Items[i].Equal(needle) {
				return FromBool(true), nil
			}
		}
		return FromBool(false), nil
	case KindMap:
		return FromBool(container.m.Has(needle)), nil
	case KindObject:
		items, ok := enumerateValues(container.obj)
		if ok {
			for i := range items {
				if items[i].Equal(needle) {
					return FromBool(true), nil
				}
			}
			return FromBool(false), nil
		}
	}
	return Undefined(), Errorf(InvalidOperation, "cannot perform a containment check on %s", container.kind)
}

// Slice implements Python-style slicing over sequences and strings.
// Stop of none means the end; step must be positive or negative but
// not zero.
func Slice(v, start, stop, step *Value) (Value, error) {
	stepN := int64(1)
	if !step.IsNone() && !step.IsUndefined() {
		n, ok := step.AsI64()
		if !ok || n == 0 {
			return Undefined(), Errorf(InvalidOperation, "slice step cannot be zero")
		}
		stepN = n
	}

	var items []Value
	isString := false
	switch v.kind {
	case KindString:
		isString = true
		for _, r := range v.s {
			items = append(items, FromString(string(r)))
		}
	case KindSeq:
		items = v.seq.Items
	default:
		if it, err := v.TryIter(); err == nil {
			for {
				item, ok := it.Next()
				if !ok {
					break
				}
				items = append(items, item)
			}
		} else {
			return Undefined(), Errorf(InvalidOperation, "cannot slice %s", v.kind)
		}
	}

	n := int64(len(items))
	clamp := func(idx int64) int64 {
		if idx < 0 {
			idx += n
		}
		if idx < 0 {
			idx = 0
		}
		if idx > n {
			idx = n
		}
		return idx
	}

	startN := int64(0)
	if !start.IsNone() && !start.IsUndefined() {
		if i, ok := start.AsI64(); ok {
			startN = clamp(i)
		}
	}
	stopN := n
	if !stop.IsNone() && !stop.IsUndefined() {
		if i, ok := stop.AsI64(); ok {
			stopN = clamp(i)
		}
	}

	var out []Value
	if stepN > 0 {
		for i := startN; i < stopN; i += stepN {
			out = append(out, items[i])
		}
	} else {
		if start.IsNone() || start.IsUndefined() {
			startN = n - 1
		}
		if stop.IsNone() || stop.IsUndefined() {
			stopN = -1
		}
		for i := startN; i > stopN && i >= 0; i += stepN {
			out = append(out, items[i])
		}
	}

	if isString {
		var sb strings.Builder
		for _, item := range out {
			sb.WriteString(item.String())
		}
		return FromString(sb.String()), nil
	}
	return FromSlice(out), nil
}

// IsTrue applies the configured undefined behavior to a truthiness
// check.
func (ub UndefinedBehavior) IsTrue(v *Value) (bool, error) {
	if ub == Strict && v.IsUndefined() {
		return false, NewError(UndefinedError, "undefined value used in a boolean context")
	}
	return v.IsTrue(), nil
}

// HandleUndefined resolves a failed lookup: strict mode errors,
// lenient substitutes the undefined sentinel. wasUndefined indicates
// the parent value was itself undefined, which errors in both modes.
func (ub UndefinedBehavior) HandleUndefined(wasUndefined bool) (Value, error) {
	if wasUndefined {
		return Undefined(), NewError(UndefinedError, "tried to access an attribute of an undefined value")
	}
	if ub == Strict {
		return Undefined(), NewError(UndefinedError, "no such attribute or item")
	}
	return Undefined(), nil
}

// AssertIterable rejects iteration over undefined in strict mode.
func (ub UndefinedBehavior) AssertIterable(v *Value) error {
	if ub == Strict && v.IsUndefined() {
		return NewError(UndefinedError, "cannot iterate over undefined value")
	}
	return nil
}
