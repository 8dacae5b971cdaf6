package vm

import (
	"strings"

	"loom/internal/value"
)

// AutoEscape selects the escaping applied by Emit.
type AutoEscape int

const (
	EscapeNone AutoEscape = iota
	EscapeHTML
)

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&#34;",
	"'", "&#39;",
)

func escapeHTML(s string) string { return htmlEscaper.Replace(s) }

// Output collects rendered text. Captures nest: set-blocks, filter
// blocks and call-blocks divert writes into a scratch buffer that
// EndCapture turns back into a value, and discard captures swallow
// writes entirely (import bodies, extends bodies).
type Output struct {
	root     strings.Builder
	captures []*capture
}

type capture struct {
	buf     strings.Builder
	discard bool
}

func NewOutput() *Output { return &Output{} }

func (o *Output) WriteString(s string) {
	if n := len(o.captures); n > 0 {
		top := o.captures[n-1]
		if !top.discard {
			top.buf.WriteString(s)
		}
		return
	}
	o.root.WriteString(s)
}

// IsDiscarding reports whether writes currently go nowhere.
func (o *Output) IsDiscarding() bool {
	n := len(o.captures)
	return n > 0 && o.captures[n-1].discard
}

func (o *Output) BeginCapture(discard bool) {
	o.captures = append(o.captures, &capture{discard: discard})
}

// EndCapture pops the innermost capture and returns its text. Under an
// active escape mode the text is marked safe, since everything written
// into it was escaped already.
func (o *Output) EndCapture(mode AutoEscape) value.Value {
	n := len(o.captures)
	top := o.captures[n-1]
	o.captures = o.captures[:n-1]
	if top.discard {
		return value.Undefined()
	}
	if mode != EscapeNone {
		return value.FromSafeString(top.buf.String())
	}
	return value.FromString(top.buf.String())
}

func (o *Output) String() string { return o.root.String() }
