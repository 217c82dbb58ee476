package verify

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sort"
	"strings"

	"github.com/tsukumogami/checkbuild/internal/toolexec"
)

// SymbolKind is the readelf Type column.
type SymbolKind string

const (
	SymFunc   SymbolKind = "FUNC"
	SymObject SymbolKind = "OBJECT"
)

// Binding is the readelf Bind column.
type Binding string

const (
	BindGlobal Binding = "GLOBAL"
	BindLocal  Binding = "LOCAL"
	BindWeak   Binding = "WEAK"
)

// Special section indexes printed in the Ndx column.
const (
	SectionAbs   = "ABS"
	SectionUndef = "UND"
)

// Symbol is one row of the dynamic symbol table.
type Symbol struct {
	Name       string
	Kind       SymbolKind
	Binding    Binding
	Visibility string
	Section    string

	// Version is the symbol version tag, empty when the symbol is
	// unversioned.
	Version string

	// Default is true for name@@VERSION (the default version of a defined
	// symbol), false for name@VERSION references.
	Default bool

	// fields is the number of columns readelf printed for the row,
	// not counting visibility annotations.
	fields int
}

// IsDefined reports whether the symbol lives in a real section of the file.
func (s Symbol) IsDefined() bool {
	if s.Section == "" {
		return false
	}
	for _, r := range s.Section {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ExtractMode selects which version tags Tags returns.
type ExtractMode int

const (
	// ModeExported returns the version definitions of a library
	// (GLOBAL OBJECT symbols in the ABS section).
	ModeExported ExtractMode = iota

	// ModeUndefined returns the version tags of undefined GLOBAL FUNC
	// references, i.e. what the file needs from other libraries.
	ModeUndefined
)

// SymbolTable is the parsed dynamic symbol table of one artifact.
type SymbolTable struct {
	Path    string
	Symbols []Symbol
}

// Tags returns the sorted, de-duplicated tag set for mode. An empty result
// is always an extraction failure: every versioned library defines at
// least one tag, so an empty set means the dump format was not understood.
func (t *SymbolTable) Tags(mode ExtractMode) ([]string, error) {
	set := make(map[string]struct{})
	for _, s := range t.Symbols {
		switch mode {
		case ModeExported:
			if s.fields == 8 && s.Kind == SymObject && s.Binding == BindGlobal && s.Section == SectionAbs {
				set[s.Name] = struct{}{}
			}
		case ModeUndefined:
			if s.fields >= 8 && s.Kind == SymFunc && s.Binding == BindGlobal && s.Section == SectionUndef && s.Version != "" {
				set[s.Version] = struct{}{}
			}
		}
	}
	if len(set) == 0 {
		return nil, Errorf(ErrExtraction, t.Path, "failed to read ELF symbol versions from %s", t.Path)
	}
	return sortedKeys(set), nil
}

// DefinedNames returns the public functions and data objects the library
// defines: GLOBAL, DEFAULT visibility, in a real section, at a default (@@)
// version that is not private. TLS, NOTYPE and SECTION symbols are left
// out. The result may be empty for header-only libraries.
func (t *SymbolTable) DefinedNames() []string {
	set := make(map[string]struct{})
	for _, s := range t.Symbols {
		if s.Kind != SymFunc && s.Kind != SymObject {
			continue
		}
		if s.Binding != BindGlobal || s.Visibility != "DEFAULT" || !s.IsDefined() {
			continue
		}
		if !s.Default || s.Version == "" || strings.Contains(s.Version, "PRIVATE") {
			continue
		}
		set[s.Name] = struct{}{}
	}
	return sortedKeys(set)
}

// ParseSymbols parses readelf --wide symbol table output. Only rows of the
// '.dynsym' table are returned; found reports whether that table was seen.
//
// The table starts after its "Symbol table '.dynsym'" header and ends at the
// first line that is not indented, so trailing tables and notes are ignored.
func ParseSymbols(r io.Reader) (syms []Symbol, found bool, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	inDynsym := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "Symbol table '.dynsym'") {
			inDynsym = true
			found = true
			continue
		}
		if !inDynsym {
			continue
		}
		if !strings.HasPrefix(line, " ") {
			inDynsym = false
			continue
		}
		if s, ok := parseSymbolRow(line); ok {
			syms = append(syms, s)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}
	return syms, found, nil
}

// parseSymbolRow parses one row:
//
//	Num: Value Size Type Bind Vis [annotations] Ndx Name [(N)]
func parseSymbolRow(line string) (Symbol, bool) {
	raw := strings.Fields(line)
	if len(raw) == 0 || !strings.HasSuffix(raw[0], ":") || raw[0] == "Num:" {
		return Symbol{}, false
	}

	// Drop visibility annotations such as "[<localentry>: 8]" so the
	// section and name columns sit at fixed positions.
	fields := make([]string, 0, len(raw))
	inBracket := false
	for i, f := range raw {
		if i == 6 && strings.HasPrefix(f, "[") {
			inBracket = true
		}
		if inBracket {
			if strings.HasSuffix(f, "]") {
				inBracket = false
			}
			continue
		}
		fields = append(fields, f)
	}
	if len(fields) < 8 {
		return Symbol{}, false
	}

	s := Symbol{
		Kind:       SymbolKind(fields[3]),
		Binding:    Binding(fields[4]),
		Visibility: fields[5],
		Section:    fields[6],
		fields:     len(fields),
	}

	name := fields[7]
	if i := strings.Index(name, "@@"); i >= 0 {
		s.Name, s.Version, s.Default = name[:i], name[i+2:], true
	} else if i := strings.Index(name, "@"); i >= 0 {
		s.Name, s.Version = name[:i], name[i+1:]
	} else {
		s.Name = name
	}

	// Newer binutils print version definitions as TAG@@TAG.
	if s.Section == SectionAbs && s.Name == s.Version {
		s.Version, s.Default = "", false
	}
	return s, true
}

// Extractor reads dynamic symbol tables with readelf.
type Extractor struct {
	runner  toolexec.Runner
	readelf string
}

// NewExtractor creates an Extractor that runs the given readelf command.
func NewExtractor(runner toolexec.Runner, readelf string) *Extractor {
	return &Extractor{runner: runner, readelf: readelf}
}

// Read dumps and parses the dynamic symbol table of path.
func (e *Extractor) Read(ctx context.Context, path string) (*SymbolTable, error) {
	out, err := toolexec.Output(ctx, e.runner, toolexec.Cmd{
		Name: e.readelf,
		Args: []string{"--wide", "--dyn-syms", path},
	})
	if err != nil {
		return nil, Wrap(ErrExtraction, path, "cannot dump symbols of "+path, err)
	}

	syms, found, err := ParseSymbols(bytes.NewReader(out))
	if err != nil {
		return nil, Wrap(ErrExtraction, path, "cannot parse symbols of "+path, err)
	}
	if !found {
		return nil, Errorf(ErrExtraction, path, "no .dynsym table in %s (not a shared ELF object?)", path)
	}
	return &SymbolTable{Path: path, Symbols: syms}, nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
