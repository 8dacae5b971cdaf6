package parser

import (
	"strings"
	"testing"

	"loom/internal/ast"
)

func TestParseStatements(t *testing.T) {
	cases := []struct {
		name   string
		source string
	}{
		{"raw only", "hello world"},
		{"variable", "hello {{ name }}!"},
		{"implied tuple", "{{ 1, 2, 3 }}"},
		{"if", "{% if a %}x{% endif %}"},
		{"if else", "{% if a %}x{% else %}y{% endif %}"},
		{"elif chain", "{% if a %}1{% elif b %}2{% elif c %}3{% else %}4{% endif %}"},
		{"for", "{% for x in items %}{{ x }}{% endfor %}"},
		{"for else", "{% for x in items %}{{ x }}{% else %}none{% endfor %}"},
		{"for filter", "{% for x in items if x > 1 %}{{ x }}{% endfor %}"},
		{"for unpack", "{% for k, v in items %}{{ k }}={{ v }}{% endfor %}"},
		{"for recursive", "{% for x in tree recursive %}{{ loop(x.children) }}{% endfor %}"},
		{"break continue", "{% for x in items %}{% if x %}{% break %}{% else %}{% continue %}{% endif %}{% endfor %}"},
		{"set", "{% set x = 42 %}"},
		{"set path", "{% set ns.attr = 1 %}"},
		{"set block", "{% set x %}body{% endset %}"},
		{"set block filter", "{% set x | upper %}body{% endset %}"},
		{"with", "{% with a = 1, b = 2 %}{{ a + b }}{% endwith %}"},
		{"filter block", "{% filter upper %}text{% endfilter %}"},
		{"autoescape", "{% autoescape true %}{{ x }}{% endautoescape %}"},
		{"block", "{% block body %}x{% endblock %}"},
		{"named endblock", "{% block body %}x{% endblock body %}"},
		{"extends", "{% extends \"base.html\" %}"},
		{"include", "{% include \"child.sql\" ignore missing %}"},
		{"import", "{% import \"macros.sql\" as m %}"},
		{"from import", "{% from \"macros.sql\" import a, b as c %}"},
		{"macro", "{% macro m(a, b=2) %}{{ a }}{{ b }}{% endmacro %}"},
		{"call block", "{% call m() %}body{% endcall %}"},
		{"call block args", "{% call(x) m() %}{{ x }}{% endcall %}"},
		{"do", "{% do items.append(1) %}"},
		{"comment", "left{# ignored #}right"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(tc.source, "test.sql"); err != nil {
				t.Fatalf("parse failed: %s", err)
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
		{"unclosed if", "{% if a %}x", "unexpected end of input"},
		{"unclosed variable", "{{ a", "unexpected end of input"},
		{"reserved name", "{% set true = 1 %}", "cannot assign to reserved variable name true"},
		{"reserved loop", "{% for loop in x %}{% endfor %}", "cannot assign to reserved variable name loop"},
		{"break outside loop", "{% break %}", "`break` is only allowed inside of a loop"},
		{"continue outside loop", "{% continue %}", "`continue` is only allowed inside of a loop"},
		{"unknown statement", "{% frobnicate %}", "unknown statement frobnicate"},
		{"positional after kwarg", "{{ f(a=1, 2) }}", "non-keyword arg after keyword arg"},
		{"bad kwarg name", "{{ f(1=2) }}", "invalid keyword argument name"},
		{"mismatched endblock", "{% block a %}{% endblock b %}", "mismatched block closing tag"},
		{"call needs call expr", "{% call 42 %}{% endcall %}", "expected call expression in call block"},
		{"default order", "{% macro m(a=1, b) %}{% endmacro %}", "non-default argument follows default argument"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.source, "test.sql")
			if err == nil {
				t.Fatalf("expected error containing %q, got none", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %q", tc.want, err.Error())
			}
		})
	}
}

func TestParseExpressions(t *testing.T) {
	cases := []struct {
		name   string
		source string
	}{
		{"arith", "1 + 2 * 3 - 4 / 5"},
		{"power", "2 ** 3 ** 2"},
		{"floordiv mod", "7 // 2 % 3"},
		{"concat", "a ~ b ~ c"},
		{"compare chain", "1 < x < 10"},
		{"membership", "x in items and y not in items"},
		{"bool ops", "a and b or not c"},
		{"inline if", "a if cond else b"},
		{"filters", "name | lower | replace('a', 'b')"},
		{"tests", "x is defined and y is not none"},
		{"test with arg", "x is divisibleby 3"},
		{"subscript", "items[0]"},
		{"slice", "items[1:4:2]"},
		{"open slice", "items[:3]"},
		{"attr chain", "a.b.c.d"},
		{"method call", "relation.include(database=false)"},
		{"splat args", "f(*args, **kwargs)"},
		{"list literal", "[1, 2, 3,]"},
		{"map literal", "{'a': 1, 'b': 2}"},
		{"nested map", "{'a': {'b': [1, 2]}}"},
		{"tuple", "(1, 2)"},
		{"string concat literal", "'a' 'b'"},
		{"unary", "-x + +y"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseExpr(tc.source); err != nil {
				t.Fatalf("parse failed: %s", err)
			}
		})
	}
}

func TestParseExprRejectsTrailing(t *testing.T) {
	if _, err := ParseExpr("1 + 2 }}"); err == nil {
		t.Fatal("expected error for trailing tokens")
	}
}

func TestMacroLikeNames(t *testing.T) {
	cases := []struct {
		name   string
		source string
		want   string
	}{
		{"test", "{% test not_null(model, column_name) %}select 1{% endtest %}", "test_not_null"},
		{"snapshot", "{% snapshot orders %}select 2{% endsnapshot %}", "snapshot_orders"},
		{"docs", "{% docs orders ??? %}text{% enddocs %}", "docs_orders"},
		{"materialization default", "{% materialization table, default %}x{% endmaterialization %}", "materialization_table_default"},
		{"materialization adapter", "{% materialization view, adapter=\"postgres\" %}x{% endmaterialization %}", "materialization_view_postgres"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tmpl, err := Parse(tc.source, "test.sql")
			if err != nil {
				t.Fatalf("parse failed: %s", err)
			}
			if len(tmpl.Children) != 1 {
				t.Fatalf("expected one statement, got %d", len(tmpl.Children))
			}
			decl, ok := tmpl.Children[0].(*ast.Macro)
			if !ok {
				t.Fatalf("expected macro declaration, got %T", tmpl.Children[0])
			}
			if decl.Name != tc.want {
				t.Fatalf("expected macro name %q, got %q", tc.want, decl.Name)
			}
		})
	}
}

func TestChainedComparisonShape(t *testing.T) {
	expr, err := ParseExpr("1 < x < 10")
	if err != nil {
		t.Fatalf("parse failed: %s", err)
	}
	outer, ok := expr.(*ast.BinOp)
	if !ok || outer.Op != ast.BinOpLt {
		t.Fatalf("expected outer < comparison, got %T", expr)
	}
	if _, ok := outer.Left.(*ast.BinOp); !ok {
		t.Fatalf("expected nested comparison on the left, got %T", outer.Left)
	}
}
