package verify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/tsukumogami/checkbuild/internal/policy"
)

// exportedDump renders readelf output defining the given version tags.
func exportedDump(tags ...string) string {
	var b strings.Builder
	b.WriteString("Symbol table '.dynsym' contains entries:\n")
	b.WriteString("   Num:    Value          Size Type    Bind   Vis      Ndx Name\n")
	b.WriteString("     0: 0000000000000000     0 NOTYPE  LOCAL  DEFAULT  UND \n")
	for i, tag := range tags {
		fmt.Fprintf(&b, "     %d: 0000000000000000     0 OBJECT  GLOBAL DEFAULT  ABS %s\n", i+1, tag)
	}
	return b.String()
}

// undefinedDump renders readelf output referencing one function per tag.
func undefinedDump(tags ...string) string {
	var b strings.Builder
	b.WriteString("Symbol table '.dynsym' contains entries:\n")
	b.WriteString("   Num:    Value          Size Type    Bind   Vis      Ndx Name\n")
	b.WriteString("     0: 0000000000000000     0 FUNC    GLOBAL DEFAULT  UND malloc@GLIBC_2.2.5 (2)\n")
	for i, tag := range tags {
		fmt.Fprintf(&b, "     %d: 0000000000000000     0 FUNC    GLOBAL DEFAULT  UND ibv_cmd_%d@%s (3)\n", i+1, i, tag)
	}
	return b.String()
}

// fakeReader serves canned dumps keyed by file base name and records reads.
type fakeReader struct {
	dumps map[string]string
	reads []string
}

func (f *fakeReader) Read(_ context.Context, path string) (*SymbolTable, error) {
	f.reads = append(f.reads, filepath.Base(path))
	dump, ok := f.dumps[filepath.Base(path)]
	if !ok {
		return nil, Errorf(ErrExtraction, path, "no dump for %s", path)
	}
	syms, _, err := ParseSymbols(strings.NewReader(dump))
	if err != nil {
		return nil, err
	}
	return &SymbolTable{Path: path, Symbols: syms}, nil
}

func testPolicy(t *testing.T) *policy.Policy {
	t.Helper()
	p, err := policy.Default()
	if err != nil {
		t.Fatalf("policy.Default() error = %v", err)
	}
	return p
}

func noSoname(string) (string, error) { return "", nil }

func assertCategory(t *testing.T, err error, want ErrorCategory) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	got, ok := CategoryOf(err)
	if !ok || got != want {
		t.Fatalf("error = %v (category %v), want category %v", err, got, want)
	}
}

func TestParseLibraryFilename(t *testing.T) {
	tests := []struct {
		in   string
		want LibraryFilename
		ok   bool
	}{
		{"libibverbs.so.1.14.50.0", LibraryFilename{"ibverbs", 1, "14", "50.0"}, true},
		{"libhbl.so.1.1.0.2", LibraryFilename{"hbl", 1, "1", "0.2"}, true},
		{"librdmacm.so.1.3.50.0-rc1", LibraryFilename{"rdmacm", 1, "3", "50.0-rc1"}, true},
		{"libibverbs.so.1.14", LibraryFilename{}, false},
		{"libibverbs.so.1.14.", LibraryFilename{}, false},
		{"libibverbs.so", LibraryFilename{}, false},
		{"libibverbs.so.x.14.50", LibraryFilename{}, false},
		{"libibverbs.so.1.y.50", LibraryFilename{}, false},
		{"ibverbs.so.1.14.50", LibraryFilename{}, false},
		{"lib.so.1.14.50", LibraryFilename{}, false},
		{"libibverbs.a", LibraryFilename{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLibraryFilename(tt.in)
			if !tt.ok {
				assertCategory(t, err, ErrFilenameFormat)
				return
			}
			if err != nil {
				t.Fatalf("ParseLibraryFilename() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseLibraryFilename() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestLibraryFilename_ExpectedTag(t *testing.T) {
	sv := testPolicy(t).Symver

	tests := []struct {
		file string
		want string
	}{
		{"libibverbs.so.1.14.50.0", "IBVERBS_1.14"},
		{"libibumad.so.3.2.50.0", "IBUMAD_1.2"},
		{"libibnetdisc.so.5.1.50.0", "IBNETDISC_1.1"},
		{"libibmad.so.5.3.50.0", "IBMAD_1.3"},
		{"libhbl.so.1.1.0.2", "HBL_1.1"},
	}
	for _, tt := range tests {
		lib, err := ParseLibraryFilename(tt.file)
		if err != nil {
			t.Fatalf("ParseLibraryFilename(%q) error = %v", tt.file, err)
		}
		if got := lib.ExpectedTag(sv); got != tt.want {
			t.Errorf("ExpectedTag(%q) = %q, want %q", tt.file, got, tt.want)
		}
	}
}

func TestParseProviderFilename(t *testing.T) {
	tests := []struct {
		in   string
		want ProviderFilename
		ok   bool
	}{
		{"libmlx5-rdmav34.so", ProviderFilename{"mlx5", 34}, true},
		{"libhns-rdmav2.so", ProviderFilename{"hns", 2}, true},
		{"libfoo-bar-rdmav7.so", ProviderFilename{"foo-bar", 7}, true},
		{"libmlx5-rdmav.so", ProviderFilename{}, false},
		{"libmlx5-rdmav34.so.1", ProviderFilename{}, false},
		{"libmlx5-rdmavx.so", ProviderFilename{}, false},
		{"mlx5-rdmav34.so", ProviderFilename{}, false},
		{"lib-rdmav34.so", ProviderFilename{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseProviderFilename(tt.in, "rdmav")
			if !tt.ok {
				assertCategory(t, err, ErrFilenameFormat)
				return
			}
			if err != nil {
				t.Fatalf("ParseProviderFilename() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseProviderFilename() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSortTags(t *testing.T) {
	tags := []string{"IBVERBS_1.10", "IBVERBS_1.1", "IBVERBS_1.9", "IBVERBS_1.0", "IBVERBS_LEGACY"}
	SortTags(tags)

	want := []string{"IBVERBS_1.0", "IBVERBS_1.1", "IBVERBS_1.9", "IBVERBS_1.10", "IBVERBS_LEGACY"}
	if !reflect.DeepEqual(tags, want) {
		t.Errorf("SortTags() = %v, want %v", tags, want)
	}
}

func TestCheckLibraryVersion(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		pkg      string
		tags     []string
		category ErrorCategory
		ok       bool
	}{
		{
			name: "private release within package version",
			file: "libname.so.1.1.1.1",
			pkg:  "1.1",
			tags: []string{"NAME_1.0", "NAME_1.1", "NAME_1.1_PRIVATE_0.9"},
			ok:   true,
		},
		{
			name:     "private release newer than package version",
			file:     "libname.so.1.1.1.1",
			pkg:      "1.1",
			tags:     []string{"NAME_1.0", "NAME_1.1", "NAME_1.1_PRIVATE_1.2"},
			category: ErrVersionPolicy,
		},
		{
			name:     "filename version differs from package version",
			file:     "libname.so.1.1.1.0",
			pkg:      "1.1",
			tags:     []string{"NAME_1.1"},
			category: ErrVersionPolicy,
		},
		{
			name:     "expected tag absent",
			file:     "libname.so.1.2.1.1",
			pkg:      "1.1",
			tags:     []string{"NAME_1.0", "NAME_1.1"},
			category: ErrVersionPolicy,
		},
		{
			name:     "expected tag not newest",
			file:     "libname.so.1.1.1.1",
			pkg:      "1.1",
			tags:     []string{"NAME_1.0", "NAME_1.1", "NAME_1.2"},
			category: ErrVersionPolicy,
		},
		{
			name: "numeric ordering of minors",
			file: "libname.so.1.10.1.1",
			pkg:  "1.1",
			tags: []string{"NAME_1.9", "NAME_1.10", "NAME_1.2"},
			ok:   true,
		},
		{
			name:     "two private series",
			file:     "libname.so.1.1.1.1",
			pkg:      "1.1",
			tags:     []string{"NAME_1.1", "NAME_PRIVATE_1.0", "NAME_PRIVATE_1.1"},
			category: ErrVersionPolicy,
		},
		{
			name: "legacy major override",
			file: "libibumad.so.3.2.1.1",
			pkg:  "1.1",
			tags: []string{"IBUMAD_1.0", "IBUMAD_1.1", "IBUMAD_1.2"},
			ok:   true,
		},
		{
			name:     "bad filename",
			file:     "libname.so.1",
			pkg:      "1.1",
			tags:     []string{"NAME_1.1"},
			category: ErrFilenameFormat,
		},
		{
			name:     "no version definitions",
			file:     "libname.so.1.1.1.1",
			pkg:      "1.1",
			tags:     nil,
			category: ErrExtraction,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := &fakeReader{dumps: map[string]string{tt.file: exportedDump(tt.tags...)}}
			v := NewValidator(reader, tt.pkg, testPolicy(t))

			err := v.CheckLibraryVersion(context.Background(), filepath.Join("/build/lib", tt.file))
			if tt.ok {
				if err != nil {
					t.Fatalf("CheckLibraryVersion() error = %v", err)
				}
				return
			}
			assertCategory(t, err, tt.category)
		})
	}
}

func TestCheckLibraryVersion_HBL(t *testing.T) {
	reader := &fakeReader{dumps: map[string]string{
		"libhbl.so.1.1.0.2": exportedDump("HBL_1.1", "HBL_1.1_PRIVATE_0.1"),
		"libhbl.so.1.2.0.2": exportedDump("HBL_1.1", "HBL_1.1_PRIVATE_0.1"),
	}}
	v := NewValidator(reader, "0.2", testPolicy(t))

	if err := v.CheckLibraryVersion(context.Background(), "/b/lib/libhbl.so.1.1.0.2"); err != nil {
		t.Fatalf("libhbl.so.1.1.0.2: unexpected error %v", err)
	}

	err := v.CheckLibraryVersion(context.Background(), "/b/lib/libhbl.so.1.2.0.2")
	assertCategory(t, err, ErrVersionPolicy)
	if !strings.Contains(err.Error(), "HBL_1.2") {
		t.Errorf("error %q does not name the expected tag", err)
	}
}

func TestCheckProviderABI(t *testing.T) {
	tests := []struct {
		name string
		tags []string
		ok   bool
	}{
		{"exact tag", []string{"IBVERBS_1.1", "IBVERBS_PRIVATE_34"}, true},
		{"no private tag", []string{"IBVERBS_1.1"}, false},
		{"two private tags", []string{"IBVERBS_PRIVATE_34", "IBVERBS_PRIVATE_35"}, false},
		{"wrong revision", []string{"IBVERBS_PRIVATE_33"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := &fakeReader{dumps: map[string]string{"libfoo-rdmav34.so": undefinedDump(tt.tags...)}}
			v := NewValidator(reader, "50.0", testPolicy(t))

			err := v.CheckProviderABI(context.Background(), "/b/lib/libfoo-rdmav34.so")
			if tt.ok {
				if err != nil {
					t.Fatalf("CheckProviderABI() error = %v", err)
				}
				return
			}
			assertCategory(t, err, ErrProviderABI)
		})
	}
}

func TestCheckProviderABI_BadName(t *testing.T) {
	v := NewValidator(&fakeReader{}, "50.0", testPolicy(t))
	err := v.CheckProviderABI(context.Background(), "/b/lib/libfoo-rdmav.so")
	assertCategory(t, err, ErrFilenameFormat)
}

// writeELFStub creates a file that classifies as ELF.
func writeELFStub(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("\x7fELF\x02\x01\x01\x00stub"), 0644); err != nil {
		t.Fatal(err)
	}
}

func symlink(t *testing.T, target, link string) {
	t.Helper()
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}
}

func TestValidateLibraryDir_AliasValidatesTargetOnce(t *testing.T) {
	dir := t.TempDir()
	writeELFStub(t, filepath.Join(dir, "libfoo.so.1.0.2"))
	symlink(t, "libfoo.so.1.0.2", filepath.Join(dir, "libfoo.so.1"))

	artifacts, err := DiscoverArtifacts(dir, "rdmav")
	if err != nil {
		t.Fatal(err)
	}

	reader := &fakeReader{dumps: map[string]string{"libfoo.so.1.0.2": exportedDump("FOO_1.0")}}
	v := NewValidator(reader, "2", testPolicy(t), WithSonameReader(noSoname))

	checked, err := v.ValidateLibraryDir(context.Background(), artifacts)
	if err != nil {
		t.Fatalf("ValidateLibraryDir() error = %v", err)
	}
	if !reflect.DeepEqual(reader.reads, []string{"libfoo.so.1.0.2"}) {
		t.Errorf("reads = %v, want exactly one read of the target", reader.reads)
	}
	if len(checked) != 1 || filepath.Base(checked[0]) != "libfoo.so.1.0.2" {
		t.Errorf("checked = %v", checked)
	}
}

func TestValidateLibraryDir_SharedTargetCheckedOnce(t *testing.T) {
	dir := t.TempDir()
	writeELFStub(t, filepath.Join(dir, "libfoo.so.1.0.2"))
	symlink(t, "libfoo.so.1.0.2", filepath.Join(dir, "libfoo.so.1"))
	symlink(t, "libfoo.so.1.0.2", filepath.Join(dir, "libfoo.so"))
	symlink(t, "libfoo.so.1", filepath.Join(dir, "libfoo-chain.so"))

	artifacts, err := DiscoverArtifacts(dir, "rdmav")
	if err != nil {
		t.Fatal(err)
	}

	reader := &fakeReader{dumps: map[string]string{"libfoo.so.1.0.2": exportedDump("FOO_1.0")}}
	v := NewValidator(reader, "2", testPolicy(t), WithSonameReader(noSoname))

	if _, err := v.ValidateLibraryDir(context.Background(), artifacts); err != nil {
		t.Fatalf("ValidateLibraryDir() error = %v", err)
	}
	if len(reader.reads) != 1 {
		t.Errorf("reads = %v, want one", reader.reads)
	}
}

func TestValidateLibraryDir_DanglingAlias(t *testing.T) {
	dir := t.TempDir()
	symlink(t, "libfoo.so.1.0.2", filepath.Join(dir, "libfoo.so.1"))

	artifacts, err := DiscoverArtifacts(dir, "rdmav")
	if err != nil {
		t.Fatal(err)
	}

	v := NewValidator(&fakeReader{}, "2", testPolicy(t), WithSonameReader(noSoname))
	_, err = v.ValidateLibraryDir(context.Background(), artifacts)
	assertCategory(t, err, ErrVersionPolicy)
}

func TestValidateLibraryDir_SonameMismatch(t *testing.T) {
	dir := t.TempDir()
	writeELFStub(t, filepath.Join(dir, "libfoo.so.1.0.2"))
	symlink(t, "libfoo.so.1.0.2", filepath.Join(dir, "libfoo.so.2"))

	artifacts, err := DiscoverArtifacts(dir, "rdmav")
	if err != nil {
		t.Fatal(err)
	}

	reader := &fakeReader{dumps: map[string]string{"libfoo.so.1.0.2": exportedDump("FOO_1.0")}}
	soname := func(string) (string, error) { return "libfoo.so.1", nil }

	v := NewValidator(reader, "2", testPolicy(t), WithSonameReader(soname))
	_, err = v.ValidateLibraryDir(context.Background(), artifacts)
	assertCategory(t, err, ErrVersionPolicy)

	p := testPolicy(t)
	p.Symver.CheckSoname = false
	v = NewValidator(reader, "2", p, WithSonameReader(soname))
	if _, err := v.ValidateLibraryDir(context.Background(), artifacts); err != nil {
		t.Errorf("with check_soname off: unexpected error %v", err)
	}
}

func TestValidateProviders(t *testing.T) {
	dir := t.TempDir()
	writeELFStub(t, filepath.Join(dir, "libmlx5-rdmav34.so"))
	writeELFStub(t, filepath.Join(dir, "libefa-rdmav34.so"))

	artifacts, err := DiscoverArtifacts(dir, "rdmav")
	if err != nil {
		t.Fatal(err)
	}

	reader := &fakeReader{dumps: map[string]string{
		"libmlx5-rdmav34.so": undefinedDump("IBVERBS_PRIVATE_34"),
		"libefa-rdmav34.so":  undefinedDump("IBVERBS_PRIVATE_34", "IBVERBS_PRIVATE_35"),
	}}
	v := NewValidator(reader, "50.0", testPolicy(t))

	checked, err := v.ValidateProviders(context.Background(), artifacts)
	assertCategory(t, err, ErrProviderABI)
	if len(checked) != 0 {
		t.Errorf("checked = %v, want none before libefa failed", checked)
	}
}
