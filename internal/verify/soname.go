package verify

import (
	"debug/elf"
	"fmt"
)

// ReadSoname returns the DT_SONAME a shared object advertises to the
// dynamic linker. A versioned alias such as libibverbs.so.1 must be named
// after it. Objects with no dynamic section or no DT_SONAME entry yield "".
func ReadSoname(path string) (soname string, err error) {
	// debug/elf panics on some truncated section tables.
	defer func() {
		if r := recover(); r != nil {
			soname, err = "", fmt.Errorf("malformed ELF object %s: %v", path, r)
		}
	}()

	f, err := elf.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if f.Section(".dynamic") == nil {
		return "", nil
	}
	names, err := f.DynString(elf.DT_SONAME)
	if err != nil {
		return "", fmt.Errorf("read dynamic section of %s: %w", path, err)
	}
	if len(names) == 0 {
		return "", nil
	}
	return names[0], nil
}
