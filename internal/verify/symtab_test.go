package verify

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/tsukumogami/checkbuild/internal/toolexec"
)

const hblDump = `
Symbol table '.dynsym' contains 7 entries:
   Num:    Value          Size Type    Bind   Vis      Ndx Name
     0: 0000000000000000     0 NOTYPE  LOCAL  DEFAULT  UND 
     1: 0000000000000000     0 FUNC    GLOBAL DEFAULT  UND free@GLIBC_2.2.5 (2)
     2: 0000000000000000     0 OBJECT  GLOBAL DEFAULT  ABS HBL_1.0
     3: 0000000000000000     0 OBJECT  GLOBAL DEFAULT  ABS HBL_1.1@@HBL_1.1
     4: 0000000000001200    42 FUNC    GLOBAL DEFAULT   12 hbl_open@@HBL_1.0
     5: 0000000000001300    42 FUNC    GLOBAL DEFAULT   12 hbl_close@HBL_1.0
     6: 0000000000001400    42 FUNC    GLOBAL DEFAULT   12 _hbl_internal@@HBL_PRIVATE_0.1
     7: 0000000000001500    42 FUNC    GLOBAL PROTECTED 12 hbl_hidden@@HBL_1.1
     8: 0000000000001600    42 FUNC    GLOBAL DEFAULT   12 hbl_query@@HBL_1.1

Symbol table '.symtab' contains 1 entry:
   Num:    Value          Size Type    Bind   Vis      Ndx Name
     0: 0000000000000000     0 OBJECT  GLOBAL DEFAULT  ABS HBL_9.9
`

func parseTable(t *testing.T, dump string) *SymbolTable {
	t.Helper()
	syms, found, err := ParseSymbols(strings.NewReader(dump))
	if err != nil {
		t.Fatalf("ParseSymbols() error = %v", err)
	}
	if !found {
		t.Fatal("ParseSymbols() did not find .dynsym")
	}
	return &SymbolTable{Path: "libhbl.so.1.1.0.2", Symbols: syms}
}

func TestParseSymbols_OnlyDynsym(t *testing.T) {
	table := parseTable(t, hblDump)

	tags, err := table.Tags(ModeExported)
	if err != nil {
		t.Fatalf("Tags() error = %v", err)
	}
	want := []string{"HBL_1.0", "HBL_1.1"}
	if !reflect.DeepEqual(tags, want) {
		t.Errorf("Tags(ModeExported) = %v, want %v", tags, want)
	}
}

func TestParseSymbols_UndefinedMode(t *testing.T) {
	table := parseTable(t, hblDump)

	tags, err := table.Tags(ModeUndefined)
	if err != nil {
		t.Fatalf("Tags() error = %v", err)
	}
	if !reflect.DeepEqual(tags, []string{"GLIBC_2.2.5"}) {
		t.Errorf("Tags(ModeUndefined) = %v", tags)
	}
}

func TestSymbolTable_DefinedNames(t *testing.T) {
	table := parseTable(t, hblDump)

	got := table.DefinedNames()
	want := []string{"hbl_open", "hbl_query"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("DefinedNames() = %v, want %v", got, want)
	}
}

func TestSymbolTable_DefinedNamesKinds(t *testing.T) {
	dump := `
Symbol table '.dynsym' contains 5 entries:
   Num:    Value          Size Type    Bind   Vis      Ndx Name
     0: 0000000000000000     0 OBJECT  GLOBAL DEFAULT  ABS HBL_1.0
     1: 0000000000001200    42 FUNC    GLOBAL DEFAULT   12 hbl_open@@HBL_1.0
     2: 0000000000004000     8 OBJECT  GLOBAL DEFAULT   22 hbl_errno_table@@HBL_1.0
     3: 0000000000000010     4 TLS     GLOBAL DEFAULT   18 hbl_tls_state@@HBL_1.0
     4: 0000000000000000     0 NOTYPE  GLOBAL DEFAULT   12 hbl_marker@@HBL_1.0
     5: 0000000000000000     0 SECTION GLOBAL DEFAULT   12 hbl_section@@HBL_1.0
`
	got := parseTable(t, dump).DefinedNames()
	want := []string{"hbl_errno_table", "hbl_open"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("DefinedNames() = %v, want %v", got, want)
	}
}

func TestSymbolTable_EmptyTagsIsExtractionError(t *testing.T) {
	dump := `Symbol table '.dynsym' contains 1 entry:
   Num:    Value          Size Type    Bind   Vis      Ndx Name
     0: 0000000000000000     0 NOTYPE  LOCAL  DEFAULT  UND 
`
	table := parseTable(t, dump)

	_, err := table.Tags(ModeExported)
	if err == nil {
		t.Fatal("Tags() expected error for empty tag set")
	}
	if cat, ok := CategoryOf(err); !ok || cat != ErrExtraction {
		t.Errorf("category = %v, want %v", cat, ErrExtraction)
	}
}

func TestParseSymbolRow(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Symbol
		ok   bool
	}{
		{
			name: "header",
			line: "   Num:    Value          Size Type    Bind   Vis      Ndx Name",
		},
		{
			name: "null symbol",
			line: "     0: 0000000000000000     0 NOTYPE  LOCAL  DEFAULT  UND ",
		},
		{
			name: "undefined reference",
			line: "     3: 0000000000000000     0 FUNC    GLOBAL DEFAULT  UND ibv_cmd_alloc_pd@IBVERBS_PRIVATE_34 (4)",
			want: Symbol{Name: "ibv_cmd_alloc_pd", Kind: SymFunc, Binding: BindGlobal, Visibility: "DEFAULT",
				Section: SectionUndef, Version: "IBVERBS_PRIVATE_34", fields: 9},
			ok: true,
		},
		{
			name: "version definition with repeated tag",
			line: "     2: 0000000000000000     0 OBJECT  GLOBAL DEFAULT  ABS IBVERBS_1.1@@IBVERBS_1.1",
			want: Symbol{Name: "IBVERBS_1.1", Kind: SymObject, Binding: BindGlobal, Visibility: "DEFAULT",
				Section: SectionAbs, fields: 8},
			ok: true,
		},
		{
			name: "localentry annotation",
			line: "    12: 0000000000002000    64 FUNC    GLOBAL DEFAULT [<localentry>: 8]    11 ibv_open_device@@IBVERBS_1.1",
			want: Symbol{Name: "ibv_open_device", Kind: SymFunc, Binding: BindGlobal, Visibility: "DEFAULT",
				Section: "11", Version: "IBVERBS_1.1", Default: true, fields: 8},
			ok: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseSymbolRow(tt.line)
			if ok != tt.ok {
				t.Fatalf("parseSymbolRow() ok = %v, want %v", ok, tt.ok)
			}
			if ok && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseSymbolRow() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestExtractor_Read(t *testing.T) {
	var gotCmd toolexec.Cmd
	runner := toolexec.RunnerFunc(func(_ context.Context, c toolexec.Cmd) (*toolexec.Result, error) {
		gotCmd = c
		return &toolexec.Result{Stdout: []byte(hblDump)}, nil
	})

	table, err := NewExtractor(runner, "eu-readelf").Read(context.Background(), "/b/lib/libhbl.so.1.1.0.2")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if gotCmd.Name != "eu-readelf" {
		t.Errorf("command = %q, want eu-readelf", gotCmd.Name)
	}
	if !reflect.DeepEqual(gotCmd.Args, []string{"--wide", "--dyn-syms", "/b/lib/libhbl.so.1.1.0.2"}) {
		t.Errorf("args = %v", gotCmd.Args)
	}
	if table.Path != "/b/lib/libhbl.so.1.1.0.2" {
		t.Errorf("Path = %q", table.Path)
	}
}

func TestExtractor_Read_NoDynsym(t *testing.T) {
	runner := toolexec.RunnerFunc(func(_ context.Context, _ toolexec.Cmd) (*toolexec.Result, error) {
		return &toolexec.Result{Stdout: []byte("There are no dynamic symbols.\n")}, nil
	})

	_, err := NewExtractor(runner, "readelf").Read(context.Background(), "libfoo.a")
	if cat, ok := CategoryOf(err); !ok || cat != ErrExtraction {
		t.Errorf("Read() error = %v, want extraction error", err)
	}
}

func TestExtractor_Read_ToolFailure(t *testing.T) {
	boom := errors.New("exec: readelf not found")
	runner := toolexec.RunnerFunc(func(_ context.Context, _ toolexec.Cmd) (*toolexec.Result, error) {
		return nil, boom
	})

	_, err := NewExtractor(runner, "readelf").Read(context.Background(), "libfoo.so")
	if !errors.Is(err, boom) {
		t.Errorf("Read() error = %v, want wrapped %v", err, boom)
	}
	if cat, _ := CategoryOf(err); cat != ErrExtraction {
		t.Errorf("category = %v, want %v", cat, ErrExtraction)
	}
}
