package value

import (
	"strings"
	"testing"
)

func TestArithmetic(t *testing.T) {
	tests := []struct {
		name     string
		op       func(a, b *Value) (Value, error)
		a, b     Value
		expected Value
	}{
		{"int add", Add, FromInt(2), FromInt(3), FromInt(5)},
		{"float add", Add, FromF64(1.5), FromInt(2), FromF64(3.5)},
		{"string add", Add, FromString("ab"), FromString("cd"), FromString("abcd")},
		{"seq add", Add, FromSlice([]Value{FromInt(1)}), FromSlice([]Value{FromInt(2)}),
			FromSlice([]Value{FromInt(1), FromInt(2)})},
		{"sub", Sub, FromInt(7), FromInt(10), FromInt(-3)},
		{"mul", Mul, FromInt(6), FromInt(7), FromInt(42)},
		{"true div", Div, FromInt(7), FromInt(2), FromF64(3.5)},
		{"floor div", IntDiv, FromInt(7), FromInt(2), FromInt(3)},
		{"floor div negative", IntDiv, FromInt(-7), FromInt(2), FromInt(-4)},
		{"rem", Rem, FromInt(7), FromInt(3), FromInt(1)},
		{"rem follows divisor sign", Rem, FromInt(-7), FromInt(3), FromInt(2)},
		{"pow", Pow, FromInt(2), FromInt(10), FromInt(1024)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.op(&tt.a, &tt.b)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(&tt.expected) {
				t.Fatalf("expected %s, got %s", tt.expected.Repr(), got.Repr())
			}
		})
	}
}

func TestIntOverflowPromotesToFloat(t *testing.T) {
	a := FromI64(1<<62 + (1<<62 - 1))
	b := FromInt(1)
	got, err := Add(&a, &b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Kind() != KindFloat {
		t.Fatalf("expected float after overflow, got %v", got.Kind())
	}
}

func TestDivisionByZero(t *testing.T) {
	a := FromInt(1)
	zero := FromInt(0)
	for _, op := range []func(a, b *Value) (Value, error){Div, IntDiv, Rem} {
		if _, err := op(&a, &zero); err == nil {
			t.Fatal("expected a division by zero error")
		} else if !strings.Contains(err.Error(), "division by zero") {
			t.Fatalf("wrong error: %v", err)
		}
	}
}

func TestInvalidOperation(t *testing.T) {
	a := FromString("x")
	b := FromInt(1)
	_, err := Sub(&a, &b)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "tried to use - operator on unsupported types string and number") {
		t.Fatalf("wrong error: %v", err)
	}
}

func TestStringConcatStringifies(t *testing.T) {
	a := FromInt(1)
	b := FromString("x")
	got := StringConcat(&a, &b)
	if s, _ := got.AsStr(); s != "1x" {
		t.Fatalf("expected 1x, got %q", s)
	}
}

func TestContains(t *testing.T) {
	m := NewMap()
	m.SetString("a", FromInt(1))

	tests := []struct {
		name      string
		container Value
		needle    Value
		expected  bool
	}{
		{"substring", FromString("hello"), FromString("ell"), true},
		{"missing substring", FromString("hello"), FromString("xyz"), false},
		{"seq member", FromSlice([]Value{FromInt(1), FromInt(2)}), FromInt(2), true},
		{"seq non-member", FromSlice([]Value{FromInt(1)}), FromInt(9), false},
		{"map key", FromMap(m), FromString("a"), true},
		{"map missing key", FromMap(m), FromString("b"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Contains(&tt.container, &tt.needle)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.IsTrue() != tt.expected {
				t.Fatalf("expected %v", tt.expected)
			}
		})
	}
}

func TestSlice(t *testing.T) {
	seq := FromSlice([]Value{FromInt(0), FromInt(1), FromInt(2), FromInt(3), FromInt(4)})
	str := FromString("hello")
	none := None()
	two := FromInt(2)
	negOne := FromInt(-1)

	tests := []struct {
		name              string
		v                 Value
		start, stop, step Value
		expected          string
	}{
		{"simple", seq, none, two, none, "[0, 1]"},
		{"stride", seq, none, none, two, "[0, 2, 4]"},
		{"negative start", seq, negOne, none, none, "[4]"},
		{"reversed", seq, none, none, negOne, "[4, 3, 2, 1, 0]"},
		{"string", str, FromInt(1), FromInt(4), none, "'ell'"},
		{"string reversed", str, none, none, negOne, "'olleh'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Slice(&tt.v, &tt.start, &tt.stop, &tt.step)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Repr() != tt.expected {
				t.Fatalf("expected %s, got %s", tt.expected, got.Repr())
			}
		})
	}

	zero := FromInt(0)
	if _, err := Slice(&seq, &none, &none, &zero); err == nil {
		t.Fatal("expected an error for zero step")
	}
}

func TestTruthiness(t *testing.T) {
	m := NewMap()

	tests := []struct {
		name     string
		v        Value
		expected bool
	}{
		{"undefined", Undefined(), false},
		{"none", None(), false},
		{"false", FromBool(false), false},
		{"zero", FromInt(0), false},
		{"empty string", FromString(""), false},
		{"empty seq", FromSlice(nil), false},
		{"empty map", FromMap(m), false},
		{"nonzero", FromInt(3), true},
		{"string", FromString("x"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.v.IsTrue() != tt.expected {
				t.Fatalf("expected %v", tt.expected)
			}
		})
	}
}

func TestStrictUndefinedBehavior(t *testing.T) {
	u := Undefined()
	if _, err := Strict.IsTrue(&u); err == nil {
		t.Fatal("expected an error in strict mode")
	}
	if ok, err := Lenient.IsTrue(&u); err != nil || ok {
		t.Fatalf("lenient should treat undefined as false, got %v (%v)", ok, err)
	}
	if err := Strict.AssertIterable(&u); err == nil {
		t.Fatal("expected an iteration error in strict mode")
	}
}

func TestReprAndString(t *testing.T) {
	m := NewMap()
	m.SetString("a", FromInt(1))

	tests := []struct {
		name     string
		v        Value
		repr     string
		rendered string
	}{
		{"int", FromInt(3), "3", "3"},
		{"float", FromF64(1.5), "1.5", "1.5"},
		{"whole float keeps point", FromF64(2), "2.0", "2.0"},
		{"string", FromString("hi"), "'hi'", "hi"},
		{"none", None(), "none", "none"},
		{"undefined", Undefined(), "undefined", ""},
		{"bool", FromBool(true), "true", "true"},
		{"seq", FromSlice([]Value{FromInt(1), FromString("x")}), "[1, 'x']", "[1, 'x']"},
		{"map", FromMap(m), "{'a': 1}", "{'a': 1}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.v.Repr(); got != tt.repr {
				t.Fatalf("repr: expected %s, got %s", tt.repr, got)
			}
			if got := tt.v.String(); got != tt.rendered {
				t.Fatalf("string: expected %q, got %q", tt.rendered, got)
			}
		})
	}
}

func TestGetAttrAndGetItem(t *testing.T) {
	inner := NewMap()
	inner.SetString("b", FromInt(2))
	m := NewMap()
	m.SetString("a", FromMap(inner))
	v := FromMap(m)

	got, ok := v.GetAttr("a")
	if !ok {
		t.Fatal("expected attribute a")
	}
	key := FromString("b")
	got, ok = got.GetItem(&key)
	if !ok {
		t.Fatal("expected item b")
	}
	if i, _ := got.AsI64(); i != 2 {
		t.Fatalf("expected 2, got %s", got.Repr())
	}

	seq := FromSlice([]Value{FromString("x"), FromString("y")})
	idx := FromInt(-1)
	got, ok = seq.GetItem(&idx)
	if !ok {
		t.Fatal("expected negative index to resolve")
	}
	if s, _ := got.AsStr(); s != "y" {
		t.Fatalf("expected y, got %q", s)
	}
}

func TestCmpOrdersAcrossKinds(t *testing.T) {
	a := FromInt(1)
	b := FromF64(1.5)
	if c, err := a.Cmp(&b); err != nil || c >= 0 {
		t.Fatalf("expected 1 < 1.5, got %d (%v)", c, err)
	}
	x := FromString("abc")
	y := FromString("abd")
	if c, err := x.Cmp(&y); err != nil || c >= 0 {
		t.Fatalf("expected abc < abd, got %d (%v)", c, err)
	}
}

func TestFromGoValueRoundTrip(t *testing.T) {
	v, err := FromGoValue(map[string]any{
		"n":    int64(3),
		"f":    2.5,
		"s":    "x",
		"list": []any{true, nil},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m, ok := v.AsMap()
	if !ok {
		t.Fatal("expected a map")
	}
	if got, _ := m.GetString("n"); got.Repr() != "3" {
		t.Fatalf("expected 3, got %s", got.Repr())
	}

	back := ToGoValue(v)
	gm, ok := back.(map[string]any)
	if !ok {
		t.Fatalf("expected a Go map, got %T", back)
	}
	list, ok := gm["list"].([]any)
	if !ok || len(list) != 2 || list[0] != true || list[1] != nil {
		t.Fatalf("list did not round-trip: %#v", gm["list"])
	}
}

func TestFromGoValueRejectsUnknownTypes(t *testing.T) {
	type opaque struct{}
	_, err := FromGoValue(opaque{})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "cannot convert") {
		t.Fatalf("wrong error: %v", err)
	}
}

func TestSafeStringSurvivesEscaping(t *testing.T) {
	s := FromSafeString("<b>")
	if !s.IsSafe() {
		t.Fatal("expected the string to be marked safe")
	}
	plain := FromString("<b>")
	if plain.IsSafe() {
		t.Fatal("plain strings must not be safe")
	}
}
