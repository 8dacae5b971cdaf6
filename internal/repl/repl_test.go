package repl

import (
	"strings"
	"testing"

	"loom/internal/value"
)

func TestStartRendersLines(t *testing.T) {
	in := strings.NewReader("hello {{ name }}\n{{ 1 + 2 }}\n:quit\n")
	var out strings.Builder
	ctx := value.NewMap()
	ctx.SetString("name", value.FromString("world"))

	Start(in, &out, nil, ctx)

	got := out.String()
	if !strings.Contains(got, "hello world") {
		t.Errorf("output %q lacks rendered line", got)
	}
	if !strings.Contains(got, "3") {
		t.Errorf("output %q lacks arithmetic result", got)
	}
}

func TestStartReportsErrors(t *testing.T) {
	in := strings.NewReader("{% if %}\n:quit\n")
	var out strings.Builder

	Start(in, &out, nil, nil)

	if !strings.Contains(out.String(), "error:") {
		t.Errorf("output %q lacks error report", out.String())
	}
}

func TestStartStopsAtEOF(t *testing.T) {
	in := strings.NewReader("{{ 'x' }}\n")
	var out strings.Builder
	Start(in, &out, nil, nil)
	if !strings.Contains(out.String(), "x") {
		t.Errorf("output %q", out.String())
	}
}
