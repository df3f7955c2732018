// Package command implements the scripting language attached to workflow steps.
//
// A script is a list of lines; each non-empty line that does not start with
// '#' is one command invocation: a command name followed by its arguments.
//
//	# grant the teachers' assistants marking rights
//	assignrole editingteacher to teacherassistant
//	email stepready to editingteacher
//
// Scripts are validated in two phases. Structural validation runs when a
// script is saved and checks every reference against the definition alone.
// Contextual validation runs on every transition and additionally resolves
// roles to concrete users of the subject.
package command

import (
	"strings"
	"unicode"
)

// Invocation is one parsed script line
type Invocation struct {
	Line int
	Name string
	Args string
}

// Split breaks a script into invocations. Command names are lower-cased;
// arguments are kept verbatim apart from surrounding whitespace.
func Split(script string) []Invocation {
	var out []Invocation
	lines := strings.Split(strings.ReplaceAll(script, "\r\n", "\n"), "\n")
	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		name, args := line, ""
		if idx := strings.IndexFunc(line, unicode.IsSpace); idx >= 0 {
			name, args = line[:idx], strings.TrimSpace(line[idx:])
		}

		out = append(out, Invocation{
			Line: i + 1,
			Name: strings.ToLower(name),
			Args: args,
		})
	}
	return out
}

// tokens splits an argument string on whitespace and commas
func tokens(args string) []string {
	return strings.FieldsFunc(args, func(r rune) bool {
		return unicode.IsSpace(r) || r == ','
	})
}
