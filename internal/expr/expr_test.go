package expr

import (
	"reflect"
	"testing"
)

func TestTokenize(t *testing.T) {
	cases := []struct {
		name   string
		source string
		want   []string
	}{
		{"empty", "", []string{"Eof"}},
		{"parens", "()", []string{"LParen", "RParen", "Eof"}},
		{"operators", "< <= > >= == !=", []string{"Lt", "Lte", "Gt", "Gte", "Eq", "Neq", "Eof"}},
		{"mashed operators", "<<===>>", []string{"Lt", "Lte", "Eq", "Gt", "Gt", "Eof"}},
		{"double eq pair", "====", []string{"Eq", "Eq", "Eof"}},
		{"ident", "AlaMa_Kota_i_Psa", []string{`Ident("AlaMa_Kota_i_Psa")`, "Eof"}},
		{"ident with digits", "a123456", []string{`Ident("a123456")`, "Eof"}},
		{"int", "0", []string{`Int("0")`, "Eof"}},
		{"big int run", "1234567890123456789012345678901234567890",
			[]string{`Int("1234567890123456789012345678901234567890")`, "Eof"}},
		{"smoke", "a+b(), def0 123",
			[]string{`Ident("a")`, "Plus", `Ident("b")`, "LParen", "RParen", "Comma",
				`Ident("def0")`, `Int("123")`, "Eof"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Tokenize(tc.source)
			if err != nil {
				t.Fatalf("tokenize failed: %s", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestTokenizeErrors(t *testing.T) {
	cases := []struct {
		name   string
		source string
		want   string
	}{
		{"lone eq", "===", "Unexpected character '=' at offset 2 in: '==='"},
		{"lone eq nested", "<<====>>", "Unexpected character '=' at offset 5 in: '<<====>>'"},
		{"digits then ident", "123a", "Unexpected character 'a' at offset 3 in: '123a'"},
		{"lone bang", "a ! b", "Unexpected character '!' at offset 2 in: 'a ! b'"},
		{"stray char", "a $ b", "Unexpected character '$' at offset 2 in: 'a $ b'"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Tokenize(tc.source)
			if err == nil {
				t.Fatalf("expected error %q, got none", tc.want)
			}
			if err.Error() != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, err.Error())
			}
		})
	}
}

func TestParse(t *testing.T) {
	cases := []struct {
		name   string
		source string
		want   Expr
	}{
		{"constant", "42", &Integer{Val: 42}},
		{"max i64", "9223372036854775807", &Integer{Val: 9223372036854775807}},
		{"variable", "abcd", &Variable{Name: "abcd"}},
		{"add", "a + b", &ArithmeticBinary{
			Left: &Variable{Name: "a"}, Op: OpAdd, Right: &Variable{Name: "b"}}},
		{"left assoc", "a - b + c", &ArithmeticBinary{
			Left: &ArithmeticBinary{
				Left: &Variable{Name: "a"}, Op: OpSubtract, Right: &Variable{Name: "b"}},
			Op: OpAdd, Right: &Variable{Name: "c"}}},
		{"paren grouping", "a - (b + c)", &ArithmeticBinary{
			Left: &Variable{Name: "a"}, Op: OpSubtract,
			Right: &ArithmeticBinary{
				Left: &Variable{Name: "b"}, Op: OpAdd, Right: &Variable{Name: "c"}}}},
		{"comparison", "a <= b", &ComparisonBinary{
			Left: &Variable{Name: "a"}, Op: OpLessThanOrEqual, Right: &Variable{Name: "b"}}},
		{"min", "min(a, b)", &Call{Fn: FuncMin,
			Args: []Expr{&Variable{Name: "a"}, &Variable{Name: "b"}}}},
		{"if", "if(a < b, a, b)", &Call{Fn: FuncIf, Args: []Expr{
			&ComparisonBinary{Left: &Variable{Name: "a"}, Op: OpLessThan, Right: &Variable{Name: "b"}},
			&Variable{Name: "a"}, &Variable{Name: "b"}}}},
		{"deep parens", "(((((((a))))) + (b)))", &ArithmeticBinary{
			Left: &Variable{Name: "a"}, Op: OpAdd, Right: &Variable{Name: "b"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := TryParse(tc.source)
			if err != nil {
				t.Fatalf("parse failed: %s", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("expected %s, got %s", tc.want.debugString(), got.debugString())
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name   string
		source string
		want   string
	}{
		{"int overflow", "9223372036854775808",
			"Invalid integer: number too large to fit in target type"},
		{"unary minus", "-1",
			`Unexpected token Minus, expected: LParen, Int(".."), Ident("..")`},
		{"lone minus", "- b",
			`Unexpected token Minus, expected: LParen, Int(".."), Ident("..")`},
		{"dangling operator", "a +",
			`Unexpected token Eof, expected: LParen, Int(".."), Ident("..")`},
		{"trailing ident", "a a", `Unexpected token Ident("a"), expected: Eof`},
		{"trailing int", "a 1", `Unexpected token Int("1"), expected: Eof`},
		{"unclosed call", "min(a, b", "Unexpected token Eof, expected: Comma, RParen"},
		{"trailing comma", "min(a, b, )",
			`Unexpected token RParen, expected: LParen, Int(".."), Ident("..")`},
		{"unknown function", "MIN(a, b)", "Unknown function: MIN"},
		{"min no args", "min()", "Expected at least two arguments to function min, got 0"},
		{"min one arg", "min(a)", "Expected at least two arguments to function min, got 1"},
		{"max one arg", "max(a)", "Expected at least two arguments to function max, got 1"},
		{"if no args", "if()", "Expected exactly three arguments to function if, got 0"},
		{"if bad condition", "if(a, b, c)",
			`Expected Bool, got expression Variable("a") of type Int`},
		{"comparison as int", "min(a < b, c)",
			`Expected Int, got expression ComparisonBinary(Variable("a"), LessThan, Variable("b")) of type Bool`},
		{"unmatched open paren", "( a + b", "Unexpected token Eof, expected: RParen"},
		{"unmatched close paren", "a + b )", "Unexpected token RParen, expected: Eof"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := TryParse(tc.source)
			if err == nil {
				t.Fatalf("expected error %q, got none", tc.want)
			}
			if err.Error() != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, err.Error())
			}
		})
	}
}

func TestEval(t *testing.T) {
	bindings := MapBindings{"a": 3, "b": 5}
	cases := []struct {
		name   string
		source string
		want   Value
	}{
		{"constant", "0", Int(0)},
		{"variable", "a", Int(3)},
		{"add", "a + 3", Int(6)},
		{"sub chain", "a - 2 - 5", Int(-4)},
		{"parens", "(0 - 1) - ((2 - 4) - ((8 - 16) - 32) - 64)", Int(25)},
		{"eq", "a == 3", Bool(true)},
		{"ne", "a != 3", Bool(false)},
		{"lt arithmetic", "b - a < 3", Bool(true)},
		{"min", "min(1, 3, 7, 0-99)", Int(-99)},
		{"min mixed", "min(3, a + b, a - b, 4)", Int(-2)},
		{"max", "max(1, 3, 7, 99)", Int(99)},
		{"if true", "if(a < b, a, b)", Int(3)},
		{"if false", "if(a > b, a, b)", Int(5)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, err := TryParse(tc.source)
			if err != nil {
				t.Fatalf("parse failed: %s", err)
			}
			got, err := NewEvaluator(e).Eval(bindings)
			if err != nil {
				t.Fatalf("eval failed: %s", err)
			}
			if got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want.debugString(), got.debugString())
			}
		})
	}
}

func TestEvalErrors(t *testing.T) {
	bindings := MapBindings{"a": 3, "b": 5, "big": 9223372036854775807}
	cases := []struct {
		name   string
		source string
		want   string
	}{
		{"missing variable", "a + c", "Variable not found: c"},
		{"case sensitive", "a + A", "Variable not found: A"},
		{"overflow add", "big + 1", "Cannot evaluate: Int(9223372036854775807) Add Int(1)"},
		{"overflow sub", "0 - big - big", "Cannot evaluate: Int(-9223372036854775807) Subtract Int(9223372036854775807)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, err := TryParse(tc.source)
			if err != nil {
				t.Fatalf("parse failed: %s", err)
			}
			_, err = NewEvaluator(e).Eval(bindings)
			if err == nil {
				t.Fatalf("expected error %q, got none", tc.want)
			}
			if err.Error() != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, err.Error())
			}
		})
	}
}
