package headers

import (
	"fmt"

	"github.com/tsukumogami/checkbuild/internal/ninja"
)

// BuildCompileGraph returns a graph compiling every header as its own
// translation unit with -I incdir: one C edge per header (outN.o) and one
// C++ edge (outxxN.o). The C++ edges are default targets only when withCXX
// is set. cc and cxx are compiler command lines split into words.
func BuildCompileGraph(cc, cxx []string, incdir string, headers []string, withCXX bool) (*ninja.Graph, error) {
	g := ninja.New()
	rules := []ninja.Rule{
		{
			Name:        "comp",
			Command:     ninja.Command(withArgs(cc, "-Werror", "-c", "-I", incdir, "$in", "-o", "$out")...),
			Description: "Header check for $in",
		},
		{
			Name:        "comp_cxx",
			Command:     ninja.Command(withArgs(cxx, "-Werror", "-c", "-I", incdir, "-x", "c++", "$in", "-o", "$out")...),
			Description: "Header C++ check for $in",
		},
	}
	for _, r := range rules {
		if err := g.AddRule(r); err != nil {
			return nil, err
		}
	}

	for i, h := range headers {
		out := fmt.Sprintf("out%d.o", i)
		if err := g.AddBuild(ninja.Build{Outputs: []string{out}, Rule: "comp", Inputs: []string{h}}); err != nil {
			return nil, err
		}
		g.Default(out)
	}
	for i, h := range headers {
		out := fmt.Sprintf("outxx%d.o", i)
		if err := g.AddBuild(ninja.Build{Outputs: []string{out}, Rule: "comp_cxx", Inputs: []string{h}}); err != nil {
			return nil, err
		}
		if withCXX {
			g.Default(out)
		}
	}
	return g, nil
}

func withArgs(cmd []string, args ...string) []string {
	argv := make([]string, 0, len(cmd)+len(args))
	argv = append(argv, cmd...)
	return append(argv, args...)
}
