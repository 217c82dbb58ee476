// Package ninja builds ninja build graphs in memory, serializes them and
// runs them with the ninja executor.
package ninja

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/kballard/go-shellquote"
)

// FileName is the name of the serialized graph inside its directory.
const FileName = "build.ninja"

const header = "# Generated by check-build. Do not edit.\n"

// Rule is a command template. The command may reference $in and $out.
type Rule struct {
	Name        string
	Command     string
	Description string
}

// Build is one edge: Outputs are produced from Inputs by Rule.
type Build struct {
	Outputs  []string
	Rule     string
	Inputs   []string
	Implicit []string

	// Vars are edge-scoped variable bindings, written verbatim.
	Vars map[string]string
}

// Graph is an in-memory ninja file. Rules, builds and defaults are written
// in insertion order so serialization is deterministic.
type Graph struct {
	rules    []Rule
	ruleSet  map[string]bool
	builds   []Build
	outputs  map[string]bool
	defaults []string
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		ruleSet: make(map[string]bool),
		outputs: make(map[string]bool),
	}
}

// AddRule registers a rule. Rule names must be unique identifiers.
func (g *Graph) AddRule(r Rule) error {
	if !isIdent(r.Name) {
		return fmt.Errorf("invalid rule name %q", r.Name)
	}
	if g.ruleSet[r.Name] {
		return fmt.Errorf("duplicate rule %q", r.Name)
	}
	if strings.ContainsAny(r.Command, "\n") || r.Command == "" {
		return fmt.Errorf("rule %q: command must be a single non-empty line", r.Name)
	}
	g.ruleSet[r.Name] = true
	g.rules = append(g.rules, r)
	return nil
}

// AddBuild adds an edge. Its rule must already exist and none of its
// outputs may be produced by another edge.
func (g *Graph) AddBuild(b Build) error {
	if len(b.Outputs) == 0 {
		return fmt.Errorf("build with rule %q has no outputs", b.Rule)
	}
	if b.Rule != "phony" && !g.ruleSet[b.Rule] {
		return fmt.Errorf("build %s: unknown rule %q", b.Outputs[0], b.Rule)
	}
	for _, out := range b.Outputs {
		if g.outputs[out] {
			return fmt.Errorf("multiple builds produce %s", out)
		}
	}
	for _, out := range b.Outputs {
		g.outputs[out] = true
	}
	g.builds = append(g.builds, b)
	return nil
}

// Default marks targets as built when ninja is run without arguments.
func (g *Graph) Default(targets ...string) {
	g.defaults = append(g.defaults, targets...)
}

// Rules returns the registered rules.
func (g *Graph) Rules() []Rule { return g.rules }

// Builds returns the edges in insertion order.
func (g *Graph) Builds() []Build { return g.builds }

// Defaults returns the default targets.
func (g *Graph) Defaults() []string { return g.defaults }

// WriteTo serializes the graph in ninja syntax.
func (g *Graph) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, g.String())
	return int64(n), err
}

// String returns the serialized graph.
func (g *Graph) String() string {
	var b strings.Builder
	b.WriteString(header)

	for _, r := range g.rules {
		fmt.Fprintf(&b, "\nrule %s\n  command = %s\n", r.Name, r.Command)
		if r.Description != "" {
			fmt.Fprintf(&b, "  description = %s\n", r.Description)
		}
	}

	if len(g.builds) > 0 {
		b.WriteString("\n")
	}
	for _, bd := range g.builds {
		fmt.Fprintf(&b, "build %s: %s", joinPaths(bd.Outputs), bd.Rule)
		if len(bd.Inputs) > 0 {
			b.WriteString(" " + joinPaths(bd.Inputs))
		}
		if len(bd.Implicit) > 0 {
			b.WriteString(" | " + joinPaths(bd.Implicit))
		}
		b.WriteString("\n")

		keys := make([]string, 0, len(bd.Vars))
		for k := range bd.Vars {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s = %s\n", k, bd.Vars[k])
		}
	}

	if len(g.defaults) > 0 {
		fmt.Fprintf(&b, "\ndefault %s\n", joinPaths(g.defaults))
	}
	return b.String()
}

// Command builds a rule command line from argv. The ninja variables $in and
// $out pass through; every other argument is shell-quoted and escaped for
// ninja.
func Command(argv ...string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		switch a {
		case "$in", "$out":
			parts[i] = a
		default:
			parts[i] = EscapeValue(shellquote.Join(a))
		}
	}
	return strings.Join(parts, " ")
}

// EscapeValue escapes s for use in a variable value or command.
func EscapeValue(s string) string {
	return strings.ReplaceAll(s, "$", "$$")
}

// EscapePath escapes s for use as a path in a build or default line.
func EscapePath(s string) string {
	r := strings.NewReplacer("$", "$$", " ", "$ ", ":", "$:")
	return r.Replace(s)
}

func joinPaths(paths []string) string {
	escaped := make([]string, len(paths))
	for i, p := range paths {
		escaped[i] = EscapePath(p)
	}
	return strings.Join(escaped, " ")
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_', r == '-', r == '.':
		default:
			return false
		}
	}
	return true
}
