// Package env is the embedding surface of the template engine: an
// Environment holds the template registry, globals, filters and tests,
// and hands out compiled Templates.
package env

import (
	"strings"
	"sync"

	"loom/internal/cfg"
	"loom/internal/compiler"
	"loom/internal/parser"
	"loom/internal/value"
	"loom/internal/vm"
)

const defaultRecursionLimit = 500

type compiledTemplate struct {
	instructions *compiler.Instructions
	blocks       map[string]*compiler.Instructions
}

// Environment owns everything shared between renders: registered
// template sources, globals, filters, tests and the policy knobs.
// Registration is not synchronized; render-time access is read-only,
// so a configured Environment is safe for concurrent rendering.
type Environment struct {
	mu        sync.Mutex
	sources   map[string]string
	compiled  map[string]*compiledTemplate
	globals   map[string]value.Value
	filters   map[string]vm.FilterFunc
	tests     map[string]vm.TestFunc
	behavior  value.UndefinedBehavior
	recursion int
}

func New() *Environment {
	e := &Environment{
		sources:   map[string]string{},
		compiled:  map[string]*compiledTemplate{},
		globals:   map[string]value.Value{},
		filters:   map[string]vm.FilterFunc{},
		tests:     map[string]vm.TestFunc{},
		recursion: defaultRecursionLimit,
	}
	registerBuiltinFilters(e)
	registerBuiltinTests(e)
	registerBuiltinFunctions(e)
	return e
}

// AddTemplate registers a template source under a name. A template
// compiled under the old source is discarded.
func (e *Environment) AddTemplate(name, source string) {
	e.mu.Lock()
	e.sources[name] = source
	delete(e.compiled, name)
	e.mu.Unlock()
}

// Source returns the registered source text of a template.
func (e *Environment) Source(name string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	source, ok := e.sources[name]
	return source, ok
}

func (e *Environment) RemoveTemplate(name string) {
	e.mu.Lock()
	delete(e.sources, name)
	delete(e.compiled, name)
	e.mu.Unlock()
}

func (e *Environment) SetGlobal(name string, v value.Value) { e.globals[name] = v }

func (e *Environment) AddFilter(name string, fn vm.FilterFunc) { e.filters[name] = fn }

func (e *Environment) AddTest(name string, fn vm.TestFunc) { e.tests[name] = fn }

// AddFunction registers a plain callable global.
func (e *Environment) AddFunction(name string, fn func(state value.State, args []value.Value) (value.Value, error)) {
	e.globals[name] = value.FromFunc(name, fn)
}

// SetUndefinedBehavior switches between lenient and strict handling of
// missing variables.
func (e *Environment) SetUndefinedBehavior(b value.UndefinedBehavior) { e.behavior = b }

func (e *Environment) SetRecursionLimit(limit int) { e.recursion = limit }

// GetTemplate returns a handle for a registered template.
func (e *Environment) GetTemplate(name string) (*Template, error) {
	ct, err := e.compile(name)
	if err != nil {
		return nil, err
	}
	return &Template{env: e, name: name, compiled: ct}, nil
}

// TemplateFromString compiles an unregistered one-off source.
func (e *Environment) TemplateFromString(source string) (*Template, error) {
	ct, err := compileSource("<string>", source)
	if err != nil {
		return nil, err
	}
	return &Template{env: e, name: "<string>", compiled: ct}, nil
}

func (e *Environment) compile(name string) (*compiledTemplate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ct, ok := e.compiled[name]; ok {
		return ct, nil
	}
	source, ok := e.sources[name]
	if !ok {
		return nil, value.Errorf(value.TemplateNotFound, "template %s does not exist", name)
	}
	ct, err := compileSource(name, source)
	if err != nil {
		return nil, err
	}
	e.compiled[name] = ct
	return ct, nil
}

func compileSource(name, source string) (*compiledTemplate, error) {
	tmpl, err := parser.Parse(source, name)
	if err != nil {
		return nil, err
	}
	g := compiler.NewCodeGenerator(name, source, compiler.RenderProfile)
	g.CompileStmt(tmpl)
	instructions, blocks := g.Finish()
	return &compiledTemplate{instructions: instructions, blocks: blocks}, nil
}

// runtimeEnv adapts the Environment to what the VM needs. It is a
// separate type so the vm package never sees registration methods.
type runtimeEnv struct {
	env *Environment
}

func (r runtimeEnv) LookupGlobal(name string) (value.Value, bool) {
	v, ok := r.env.globals[name]
	return v, ok
}

func (r runtimeEnv) Filter(name string) (vm.FilterFunc, bool) {
	fn, ok := r.env.filters[name]
	return fn, ok
}

func (r runtimeEnv) Test(name string) (vm.TestFunc, bool) {
	fn, ok := r.env.tests[name]
	return fn, ok
}

func (r runtimeEnv) GetTemplate(name string) (*compiler.Instructions, map[string]*compiler.Instructions, error) {
	ct, err := r.env.compile(name)
	if err != nil {
		return nil, nil, err
	}
	return ct.instructions, ct.blocks, nil
}

func (r runtimeEnv) InitialAutoEscape(name string) vm.AutoEscape {
	return autoEscapeForName(name)
}

func (r runtimeEnv) UndefinedBehavior() value.UndefinedBehavior { return r.env.behavior }

func (r runtimeEnv) RecursionLimit() int { return r.env.recursion }

// autoEscapeForName picks the escape mode from the template suffix.
// SQL and plain text render verbatim; markup suffixes escape.
func autoEscapeForName(name string) vm.AutoEscape {
	switch {
	case strings.HasSuffix(name, ".html"), strings.HasSuffix(name, ".htm"),
		strings.HasSuffix(name, ".xml"):
		return vm.EscapeHTML
	default:
		return vm.EscapeNone
	}
}

// Template is a compiled template bound to its environment.
type Template struct {
	env      *Environment
	name     string
	compiled *compiledTemplate
}

func (t *Template) Name() string { return t.name }

func (t *Template) Instructions() *compiler.Instructions { return t.compiled.instructions }

// CFG builds the control-flow graph of the compiled body.
func (t *Template) CFG() *cfg.Graph { return cfg.Build(t.compiled.instructions) }

// Render evaluates the template against a context value and returns
// the rendered text.
func (t *Template) Render(ctx value.Value, listeners ...value.RenderingEventListener) (string, error) {
	machine := vm.NewVM(runtimeEnv{env: t.env})
	rv, _, err := machine.Eval(t.compiled.instructions, ctx, t.compiled.blocks,
		autoEscapeForName(t.name), listeners)
	if err != nil {
		return "", err
	}
	return rv.String(), nil
}

// RenderTracked renders and additionally reports the models referenced
// through ref() calls during the render.
func (t *Template) RenderTracked(ctx value.Value, listeners ...value.RenderingEventListener) (string, []string, error) {
	machine := vm.NewVM(runtimeEnv{env: t.env})
	rv, state, err := machine.Eval(t.compiled.instructions, ctx, t.compiled.blocks,
		autoEscapeForName(t.name), listeners)
	if err != nil {
		return "", nil, err
	}
	return rv.String(), state.ModelReferences(), nil
}

// EvalExpression compiles source as a single expression and evaluates
// it against the context, returning the resulting value.
func (e *Environment) EvalExpression(source string, ctx value.Value) (value.Value, error) {
	expr, err := parser.ParseExpr(source)
	if err != nil {
		return value.Undefined(), err
	}
	g := compiler.NewCodeGenerator("<expression>", source, compiler.ExpressionProfile)
	g.CompileExpr(expr)
	instructions, _ := g.Finish()
	machine := vm.NewVM(runtimeEnv{env: e})
	rv, _, err := machine.Eval(instructions, ctx, nil, vm.EscapeNone, nil)
	return rv, err
}
