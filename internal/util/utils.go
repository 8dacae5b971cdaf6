package util

import (
	"bytes"
	"fmt"
	"strings"
)

// ContextLines formats the source lines around a failing template
// line: up to two lines of context, then the error line marked with
// an arrow.
func ContextLines(src string, errorLine int) string {
	lines := strings.Split(src, "\n")
	if errorLine < 1 || errorLine > len(lines) {
		return ""
	}

	startLine := errorLine - 2
	if startLine < 1 {
		startLine = 1
	}

	var result bytes.Buffer
	for i := startLine; i <= errorLine; i++ {
		if i == errorLine {
			result.WriteString(fmt.Sprintf("  >  %3d | %s\n", i, lines[i-1]))
		} else {
			result.WriteString(fmt.Sprintf("     %3d | %s\n", i, lines[i-1]))
		}
	}
	return result.String()
}
