// Package linkcheck links probe programs against every library of a build,
// statically and dynamically, and checks the static provider selection.
package linkcheck

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tsukumogami/checkbuild/internal/ninja"
)

// LibraryPair is a library built both as lib<Name>.a and lib<Name>.so.
type LibraryPair struct {
	Name   string
	Static string
	Shared string
}

// FindLibraryPairs returns the libraries of libDir that have both a static
// archive and a shared object (or development link), sorted by name.
func FindLibraryPairs(libDir string) ([]LibraryPair, error) {
	entries, err := os.ReadDir(libDir)
	if err != nil {
		return nil, err
	}

	var pairs []LibraryPair
	for _, e := range entries {
		name, ok := strings.CutPrefix(e.Name(), "lib")
		if !ok {
			continue
		}
		name, ok = strings.CutSuffix(name, ".a")
		if !ok || name == "" {
			continue
		}
		shared := filepath.Join(libDir, "lib"+name+".so")
		if _, err := os.Stat(shared); err != nil {
			continue
		}
		pairs = append(pairs, LibraryPair{
			Name:   name,
			Static: filepath.Join(libDir, e.Name()),
			Shared: shared,
		})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Name < pairs[j].Name })
	return pairs, nil
}

// ProbeSource returns a C program that takes the address of every symbol,
// forcing the linker to resolve each one.
func ProbeSource(symbols []string) string {
	syms := append([]string(nil), symbols...)
	sort.Strings(syms)

	var b strings.Builder
	b.WriteString("#include <stdio.h>\n\n")
	for _, s := range syms {
		fmt.Fprintf(&b, "extern void %s(void);\n", s)
	}
	b.WriteString("\nint main(void)\n{\n")
	for _, s := range syms {
		fmt.Fprintf(&b, "\tprintf(\"%%p\\n\", (void *)&%s);\n", s)
	}
	b.WriteString("\treturn 0;\n}\n")
	return b.String()
}

// ProviderSource returns a C program including header and running entry.
func ProviderSource(header, entry string) string {
	return fmt.Sprintf("#include <%s>\n\nint main(void)\n{\n\t%s\n\treturn 0;\n}\n", header, entry)
}

// AddLinkEdge adds a private rule comp_<out> compiling and linking src into
// out with flags, and makes out a default target. cc is the compiler
// command line split into words.
func AddLinkEdge(g *ninja.Graph, cc []string, out, src string, flags []string) error {
	rule := "comp_" + out
	argv := make([]string, 0, len(cc)+5+len(flags))
	argv = append(argv, cc...)
	argv = append(argv, "-Wall", "-Werror", "-o", "$out", "$in")
	argv = append(argv, flags...)
	if err := g.AddRule(ninja.Rule{
		Name:        rule,
		Command:     ninja.Command(argv...),
		Description: "Compile and link $out",
	}); err != nil {
		return err
	}
	if err := g.AddBuild(ninja.Build{Outputs: []string{out}, Rule: rule, Inputs: []string{src}}); err != nil {
		return err
	}
	g.Default(out)
	return nil
}
