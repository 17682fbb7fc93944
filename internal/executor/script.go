package executor

import (
	"strings"
)

// shellQuote wraps s in single quotes for sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// BuildScript renders commands into one sh program that echoes each command
// before running it and stops at the first failure.
func BuildScript(commands []string) string {
	var b strings.Builder
	b.WriteString("set -e\n")
	for _, c := range commands {
		b.WriteString("printf '%s\\n' ")
		b.WriteString(shellQuote("$ " + firstLine(c)))
		b.WriteString("\n")
		b.WriteString(c)
		b.WriteString("\n")
	}
	return b.String()
}

func firstLine(s string) string {
	line, rest, found := strings.Cut(strings.TrimSpace(s), "\n")
	if found && strings.TrimSpace(rest) != "" {
		return line + " # collapsed multi-line command"
	}
	return line
}
