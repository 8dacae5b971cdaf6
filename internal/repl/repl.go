// Package repl is a line-at-a-time template playground: each input
// line renders as a template against a persistent context.
package repl

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"loom/internal/env"
	"loom/internal/value"
)

const PROMPT = ">> "

// Start reads lines from in and renders them until EOF or :quit.
// The context map survives between lines, so values seeded by the
// caller (target, adapter, ref) stay available.
func Start(in io.Reader, out io.Writer, environment *env.Environment, ctx *value.Map) {
	if environment == nil {
		environment = env.New()
	}
	if ctx == nil {
		ctx = value.NewMap()
	}
	scanner := bufio.NewScanner(in)

	for {
		fmt.Fprint(out, PROMPT)
		if !scanner.Scan() {
			return
		}

		line := scanner.Text()
		if strings.TrimSpace(line) == ":quit" {
			return
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		tmpl, err := environment.TemplateFromString(line)
		if err != nil {
			printError(out, err)
			continue
		}
		rendered, err := tmpl.Render(value.FromMap(ctx))
		if err != nil {
			printError(out, err)
			continue
		}
		io.WriteString(out, rendered)
		io.WriteString(out, "\n")
	}
}

func printError(out io.Writer, err error) {
	io.WriteString(out, "error: "+err.Error()+"\n")
}
