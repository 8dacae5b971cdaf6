package vm

import (
	"errors"
	"strings"
	"testing"

	"loom/internal/compiler"
	"loom/internal/parser"
	"loom/internal/value"
)

// testEnv is a minimal Env with just enough surface for the machine
// tests: a range function, an upper filter and an odd test, plus an
// in-memory template registry for include and extends.
type testEnv struct {
	templates map[string]string
	behavior  value.UndefinedBehavior
}

func (e *testEnv) LookupGlobal(name string) (value.Value, bool) {
	if name != "range" {
		return value.Undefined(), false
	}
	return value.FromFunc("range", func(state value.State, args []value.Value) (value.Value, error) {
		lower, upper := int64(0), int64(0)
		switch len(args) {
		case 1:
			upper, _ = args[0].AsI64()
		default:
			lower, _ = args[0].AsI64()
			upper, _ = args[1].AsI64()
		}
		items := make([]value.Value, 0, upper-lower)
		for i := lower; i < upper; i++ {
			items = append(items, value.FromI64(i))
		}
		return value.FromSlice(items), nil
	}), true
}

func (e *testEnv) Filter(name string) (FilterFunc, bool) {
	if name != "upper" {
		return nil, false
	}
	return func(state *State, val value.Value, args []value.Value) (value.Value, error) {
		return value.FromString(strings.ToUpper(val.String())), nil
	}, true
}

func (e *testEnv) Test(name string) (TestFunc, bool) {
	if name != "odd" {
		return nil, false
	}
	return func(state *State, val value.Value, args []value.Value) (bool, error) {
		n, _ := val.AsI64()
		return n%2 != 0, nil
	}, true
}

func (e *testEnv) GetTemplate(name string) (*compiler.Instructions, map[string]*compiler.Instructions, error) {
	source, ok := e.templates[name]
	if !ok {
		return nil, nil, value.Errorf(value.TemplateNotFound, "template %s does not exist", name)
	}
	tmpl, err := parser.Parse(source, name)
	if err != nil {
		return nil, nil, err
	}
	g := compiler.NewCodeGenerator(name, source, compiler.RenderProfile)
	g.CompileStmt(tmpl)
	instrs, blocks := g.Finish()
	return instrs, blocks, nil
}

func (e *testEnv) InitialAutoEscape(name string) AutoEscape   { return EscapeNone }
func (e *testEnv) UndefinedBehavior() value.UndefinedBehavior { return e.behavior }
func (e *testEnv) RecursionLimit() int                        { return 500 }

func renderWith(t *testing.T, env *testEnv, source string, root value.Value, escape AutoEscape) (string, error) {
	t.Helper()
	tmpl, err := parser.Parse(source, "test.sql")
	if err != nil {
		t.Fatalf("parse %q: %v", source, err)
	}
	g := compiler.NewCodeGenerator("test.sql", source, compiler.RenderProfile)
	g.CompileStmt(tmpl)
	instrs, blocks := g.Finish()
	rv, _, err := NewVM(env).Eval(instrs, root, blocks, escape, nil)
	if err != nil {
		return "", err
	}
	return rv.String(), nil
}

func render(t *testing.T, source string, root value.Value) string {
	t.Helper()
	rv, err := renderWith(t, &testEnv{}, source, root, EscapeNone)
	if err != nil {
		t.Fatalf("render %q: %v", source, err)
	}
	return rv
}

func ctxOf(pairs ...any) value.Value {
	m := value.NewMap()
	for i := 0; i < len(pairs); i += 2 {
		m.SetString(pairs[i].(string), pairs[i+1].(value.Value))
	}
	return value.FromMap(m)
}

func TestRenderForLoop(t *testing.T) {
	got := render(t, "{% for i in range(1, 10) %}{{ i }}{% endfor %}!", ctxOf())
	if got != "123456789!" {
		t.Fatalf("got %q", got)
	}
}

func TestRenderIfElse(t *testing.T) {
	cases := []struct {
		source string
		ctx    value.Value
		want   string
	}{
		{"{% if x %}yes{% else %}no{% endif %}", ctxOf("x", value.FromBool(true)), "yes"},
		{"{% if x %}yes{% else %}no{% endif %}", ctxOf("x", value.FromBool(false)), "no"},
		{"{% if x %}yes{% endif %}", ctxOf("x", value.FromBool(false)), ""},
		{"{% if x > 2 %}big{% elif x > 0 %}small{% else %}none{% endif %}", ctxOf("x", value.FromI64(1)), "small"},
	}
	for _, tc := range cases {
		if got := render(t, tc.source, tc.ctx); got != tc.want {
			t.Errorf("%q: got %q, want %q", tc.source, got, tc.want)
		}
	}
}

func TestShortCircuitKeepsValue(t *testing.T) {
	cases := []struct {
		source string
		ctx    value.Value
		want   string
	}{
		{"{{ x or 'fallback' }}", ctxOf(), "fallback"},
		{"{{ x or 'fallback' }}", ctxOf("x", value.FromString("v")), "v"},
		{"{{ x and 'then' }}", ctxOf("x", value.FromBool(false)), "false"},
		{"{{ x and 'then' }}", ctxOf("x", value.FromBool(true)), "then"},
	}
	for _, tc := range cases {
		if got := render(t, tc.source, tc.ctx); got != tc.want {
			t.Errorf("%q: got %q, want %q", tc.source, got, tc.want)
		}
	}
}

func TestLoopVariable(t *testing.T) {
	got := render(t, "{% for i in range(0, 3) %}{{ loop.index }}:{{ i }}{% if not loop.last %},{% endif %}{% endfor %}", ctxOf())
	if got != "1:0,2:1,3:2" {
		t.Fatalf("got %q", got)
	}
}

func TestLoopCycle(t *testing.T) {
	got := render(t, "{% for i in range(0, 4) %}{{ loop.cycle('a', 'b') }}{% endfor %}", ctxOf())
	if got != "abab" {
		t.Fatalf("got %q", got)
	}
}

func TestForElse(t *testing.T) {
	got := render(t, "{% for i in items %}{{ i }}{% else %}empty{% endfor %}", ctxOf("items", value.FromSlice(nil)))
	if got != "empty" {
		t.Fatalf("got %q", got)
	}
	got = render(t, "{% for i in items %}{{ i }}{% else %}empty{% endfor %}", ctxOf("items", value.FromSlice([]value.Value{value.FromI64(7)})))
	if got != "7" {
		t.Fatalf("got %q", got)
	}
}

func TestForLoopFilterClause(t *testing.T) {
	got := render(t, "{% for i in range(0, 6) if i is odd %}{{ i }}{{ loop.index }}{% endfor %}", ctxOf())
	// filtered iteration renumbers: 1, 3, 5 become indexes 1, 2, 3
	if got != "113253" {
		t.Fatalf("got %q", got)
	}
}

func TestBreakContinue(t *testing.T) {
	got := render(t, "{% for i in range(0, 10) %}{% if i == 2 %}{% continue %}{% endif %}{% if i == 5 %}{% break %}{% endif %}{{ i }}{% endfor %}", ctxOf())
	if got != "0134" {
		t.Fatalf("got %q", got)
	}
}

func TestSetAndArith(t *testing.T) {
	got := render(t, "{% set x = 2 * 3 + 1 %}{{ x }}|{{ x % 4 }}|{{ 7 // 2 }}|{{ 2 ** 5 }}", ctxOf())
	if got != "7|3|3|32" {
		t.Fatalf("got %q", got)
	}
}

func TestSetBlockCaptures(t *testing.T) {
	got := render(t, "{% set greeting %}hi {{ name }}{% endset %}[{{ greeting }}]", ctxOf("name", value.FromString("ada")))
	if got != "[hi ada]" {
		t.Fatalf("got %q", got)
	}
}

func TestUnpackAssignment(t *testing.T) {
	pair := value.FromSlice([]value.Value{value.FromI64(1), value.FromI64(2)})
	got := render(t, "{% set (a, b) = pair %}{{ a }}{{ b }}", ctxOf("pair", pair))
	if got != "12" {
		t.Fatalf("got %q", got)
	}
}

func TestNamespaceAssignment(t *testing.T) {
	root := ctxOf("ns", value.FromObject(value.NewNamespace()))
	got := render(t, "{% set ns.count = 3 %}{{ ns.count }}", root)
	if got != "3" {
		t.Fatalf("got %q", got)
	}
}

func TestFilterAndTest(t *testing.T) {
	got := render(t, "{{ word | upper }}{% if 3 is odd %}!{% endif %}", ctxOf("word", value.FromString("go")))
	if got != "GO!" {
		t.Fatalf("got %q", got)
	}
}

func TestUnknownFilterError(t *testing.T) {
	_, err := renderWith(t, &testEnv{}, "{{ 1 | missing }}", ctxOf(), EscapeNone)
	if err == nil || !strings.Contains(err.Error(), "filter missing is unknown") {
		t.Fatalf("got %v", err)
	}
}

func TestMacroCall(t *testing.T) {
	source := "{% macro greet(name) %}Hello {{ name }}{% endmacro %}{{ greet('ada') }}-{{ greet(name='bob') }}"
	got := render(t, source, ctxOf())
	if got != "Hello ada-Hello bob" {
		t.Fatalf("got %q", got)
	}
}

func TestMacroDefaults(t *testing.T) {
	source := "{% macro pair(a, b=2) %}{{ a }}{{ b }}{% endmacro %}{{ pair(1) }}|{{ pair(1, 9) }}"
	got := render(t, source, ctxOf())
	if got != "12|19" {
		t.Fatalf("got %q", got)
	}
}

func TestMacroClosure(t *testing.T) {
	source := "{% set prefix = '>' %}{% macro show(v) %}{{ prefix }}{{ v }}{% endmacro %}{{ show('x') }}"
	got := render(t, source, ctxOf())
	if got != ">x" {
		t.Fatalf("got %q", got)
	}
}

func TestCallBlock(t *testing.T) {
	source := "{% macro wrap() %}[{{ caller() }}]{% endmacro %}{% call wrap() %}body{% endcall %}"
	got := render(t, source, ctxOf())
	if got != "[body]" {
		t.Fatalf("got %q", got)
	}
}

func TestMacroExplicitReturn(t *testing.T) {
	source := "{% macro pick(x) %}{% if x %}{% do return('yes') %}{% endif %}no{% endmacro %}{{ pick(true) }}{{ pick(false) }}"
	got := render(t, source, ctxOf())
	if got != "yesno" {
		t.Fatalf("got %q", got)
	}
}

func TestRecursiveLoop(t *testing.T) {
	leaf := func(name string) value.Value {
		m := value.NewMap()
		m.SetString("name", value.FromString(name))
		m.SetString("children", value.FromSlice(nil))
		return value.FromMap(m)
	}
	node := value.NewMap()
	node.SetString("name", value.FromString("a"))
	node.SetString("children", value.FromSlice([]value.Value{leaf("b"), leaf("c")}))
	root := ctxOf("items", value.FromSlice([]value.Value{value.FromMap(node)}))

	source := "{% for item in items recursive %}{{ item.name }}{% if item.children %}({{ loop(item.children) }}){% endif %}{% endfor %}"
	got := render(t, source, root)
	if got != "a(bc)" {
		t.Fatalf("got %q", got)
	}
}

func TestInclude(t *testing.T) {
	env := &testEnv{templates: map[string]string{"partial.sql": "p={{ x }}"}}
	got, err := renderWith(t, env, "[{% include 'partial.sql' %}]", ctxOf("x", value.FromI64(5)), EscapeNone)
	if err != nil {
		t.Fatal(err)
	}
	if got != "[p=5]" {
		t.Fatalf("got %q", got)
	}
}

func TestIncludeMissing(t *testing.T) {
	env := &testEnv{}
	_, err := renderWith(t, env, "{% include 'nope.sql' %}", ctxOf(), EscapeNone)
	if err == nil || !strings.Contains(err.Error(), "tried to include non-existing template") {
		t.Fatalf("got %v", err)
	}
	got, err := renderWith(t, env, "{% include 'nope.sql' ignore missing %}ok", ctxOf(), EscapeNone)
	if err != nil || got != "ok" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestExtendsAndSuper(t *testing.T) {
	env := &testEnv{templates: map[string]string{
		"base.sql": "head|{% block body %}base{% endblock %}|tail",
	}}
	source := "{% extends 'base.sql' %}{% block body %}<{{ super() }}>{% endblock %}"
	got, err := renderWith(t, env, source, ctxOf(), EscapeNone)
	if err != nil {
		t.Fatal(err)
	}
	if got != "head|<base>|tail" {
		t.Fatalf("got %q", got)
	}
}

func TestStrictUndefined(t *testing.T) {
	env := &testEnv{behavior: value.Strict}
	_, err := renderWith(t, env, "{{ missing }}", ctxOf(), EscapeNone)
	if err == nil {
		t.Fatal("expected strict undefined error")
	}
	got, err := renderWith(t, &testEnv{}, "{{ missing }}", ctxOf(), EscapeNone)
	if err != nil || got != "" {
		t.Fatalf("lenient: got %q, %v", got, err)
	}
}

func TestAutoEscapeHTML(t *testing.T) {
	got, err := renderWith(t, &testEnv{}, "{{ v }}", ctxOf("v", value.FromString("<b>&'\"")), EscapeHTML)
	if err != nil {
		t.Fatal(err)
	}
	if got != "&lt;b&gt;&amp;&#39;&#34;" {
		t.Fatalf("got %q", got)
	}
}

func TestAutoEscapeTag(t *testing.T) {
	source := "{% autoescape 'html' %}{{ v }}{% endautoescape %};{{ v }}"
	got, err := renderWith(t, &testEnv{}, source, ctxOf("v", value.FromString("<x>")), EscapeNone)
	if err != nil {
		t.Fatal(err)
	}
	if got != "&lt;x&gt;;<x>" {
		t.Fatalf("got %q", got)
	}
}

func TestStringConcatAndIn(t *testing.T) {
	got := render(t, "{{ 'a' ~ 1 ~ 'b' }}|{% if 2 in items %}in{% endif %}", ctxOf("items", value.FromSlice([]value.Value{value.FromI64(1), value.FromI64(2)})))
	if got != "a1b|in" {
		t.Fatalf("got %q", got)
	}
}

func TestSliceAndSubscript(t *testing.T) {
	items := value.FromSlice([]value.Value{
		value.FromI64(0), value.FromI64(1), value.FromI64(2), value.FromI64(3),
	})
	got := render(t, "{{ items[1] }}|{% for i in items[1:3] %}{{ i }}{% endfor %}", ctxOf("items", items))
	if got != "1|12" {
		t.Fatalf("got %q", got)
	}
}

func TestRecursionLimit(t *testing.T) {
	source := "{% macro f() %}{{ f() }}{% endmacro %}{{ f() }}"
	_, err := renderWith(t, &testEnv{}, source, ctxOf(), EscapeNone)
	if err == nil || !strings.Contains(err.Error(), "recursion limit exceeded") {
		t.Fatalf("got %v", err)
	}
}

type recordingListener struct {
	value.DefaultRenderingEventListener
	emits  []string
	macros []string
	models []string
}

func (l *recordingListener) OnEmit(text string)           { l.emits = append(l.emits, text) }
func (l *recordingListener) OnMacroStart(name string)     { l.macros = append(l.macros, name) }
func (l *recordingListener) OnModelReference(name string) { l.models = append(l.models, name) }

func TestListeners(t *testing.T) {
	source := "{% macro hi() %}x{% endmacro %}{{ hi() }}{{ ref('orders') }}"
	tmpl, err := parser.Parse(source, "test.sql")
	if err != nil {
		t.Fatal(err)
	}
	g := compiler.NewCodeGenerator("test.sql", source, compiler.RenderProfile)
	g.CompileStmt(tmpl)
	instrs, blocks := g.Finish()

	refFn := value.FromFunc("ref", func(state value.State, args []value.Value) (value.Value, error) {
		return value.FromString("rel." + args[0].String()), nil
	})
	listener := &recordingListener{}
	rv, state, err := NewVM(&testEnv{}).Eval(instrs, ctxOf("ref", refFn), blocks, EscapeNone, []value.RenderingEventListener{listener})
	if err != nil {
		t.Fatal(err)
	}
	if got := rv.String(); got != "xrel.orders" {
		t.Fatalf("got %q", got)
	}
	if len(listener.emits) == 0 {
		t.Error("no emit events recorded")
	}
	if len(listener.models) != 1 || listener.models[0] != "orders" {
		t.Errorf("model refs: %v", listener.models)
	}
	if refs := state.ModelReferences(); len(refs) != 1 || refs[0] != "orders" {
		t.Errorf("state model refs: %v", refs)
	}
}

func TestErrorCarriesLocation(t *testing.T) {
	env := &testEnv{behavior: value.Strict}
	_, err := renderWith(t, env, "line one\n{{ missing }}", ctxOf(), EscapeNone)
	if err == nil {
		t.Fatal("expected error")
	}
	var e *value.Error
	if !errors.As(err, &e) {
		t.Fatalf("not a value error: %v", err)
	}
	if line, ok := e.Line(); !ok || line != 2 {
		t.Fatalf("line = %d, %v", line, ok)
	}
}
