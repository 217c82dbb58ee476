// Package errmsg provides enhanced error message formatting with actionable suggestions.
package errmsg

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tsukumogami/checkbuild/internal/config"
	"github.com/tsukumogami/checkbuild/internal/policy"
	"github.com/tsukumogami/checkbuild/internal/verify"
)

// ErrorContext provides additional context for error formatting
type ErrorContext struct {
	Check    string // The check that failed
	BuildDir string // The build directory under inspection
}

// Format returns a formatted error message with possible causes and suggestions.
// The context parameter is optional - pass nil for generic formatting.
func Format(err error, ctx *ErrorContext) string {
	if err == nil {
		return ""
	}

	errMsg := err.Error()

	var verr *verify.ValidationError
	if errors.As(err, &verr) {
		return formatValidationError(errMsg, verr, ctx)
	}

	if isPermissionError(errMsg) {
		return formatPermissionError(errMsg, ctx)
	}

	// Return original error for unrecognized types
	return errMsg
}

func formatValidationError(errMsg string, err *verify.ValidationError, ctx *ErrorContext) string {
	var sb strings.Builder
	sb.WriteString(errMsg)
	sb.WriteString("\n")

	switch err.Category {
	case verify.ErrFilenameFormat:
		sb.WriteString("\nPossible causes:\n")
		sb.WriteString("  - A library was built without the package version in its file name\n")
		sb.WriteString("  - A provider was not named lib<name>-rdmav<N>.so\n")

		sb.WriteString("\nSuggestions:\n")
		sb.WriteString("  - Check the VERSION and SOVERSION properties of the library target\n")

	case verify.ErrExtraction:
		sb.WriteString("\nPossible causes:\n")
		sb.WriteString("  - The file is not a shared ELF object\n")
		sb.WriteString("  - The library was linked without a version script\n")

		sb.WriteString("\nSuggestions:\n")
		sb.WriteString(fmt.Sprintf("  - Run 'readelf --wide --dyn-syms %s' and check the .dynsym table\n", pathOr(err.Path, "<library>")))
		sb.WriteString(fmt.Sprintf("  - Set %s if readelf is not the binutils one\n", config.EnvReadelf))

	case verify.ErrVersionPolicy:
		sb.WriteString("\nPossible causes:\n")
		sb.WriteString("  - A new symbol version was added to the .map file without bumping the library minor version\n")
		sb.WriteString("  - The library file name was bumped without adding the matching symbol version\n")
		sb.WriteString("  - The private symbol version is ahead of the package version\n")

		sb.WriteString("\nSuggestions:\n")
		sb.WriteString("  - Make the newest version in the library's .map file match its file name\n")
		sb.WriteString(fmt.Sprintf("  - Libraries with frozen version names belong in symver.major_overrides in %s\n", policy.DefaultFile))

	case verify.ErrProviderABI:
		sb.WriteString("\nPossible causes:\n")
		sb.WriteString("  - The provider was built against a different libibverbs private ABI\n")
		sb.WriteString("  - The provider file name was not updated after the private ABI changed\n")

		sb.WriteString("\nSuggestions:\n")
		sb.WriteString("  - Rebuild the provider from the same tree as libibverbs\n")

	case verify.ErrHeaderLeak:
		sb.WriteString("\nPossible causes:\n")
		sb.WriteString("  - A public header includes a header that is not installed\n")
		sb.WriteString("  - A public header does not compile on its own\n")
		sb.WriteString("  - A public header lacks the extern \"C\" guard\n")

		sb.WriteString("\nSuggestions:\n")
		sb.WriteString("  - Install the included header or stop including it\n")
		sb.WriteString(fmt.Sprintf("  - Add the header to headers.non_cxx or headers.allowed_uapi in %s if it is intentional\n", policy.DefaultFile))

	case verify.ErrLinkVerification:
		sb.WriteString("\nPossible causes:\n")
		sb.WriteString("  - The .pc file is missing a private dependency\n")
		sb.WriteString("  - A symbol is exported from the shared library but not built into the static one\n")

		sb.WriteString("\nSuggestions:\n")
		sb.WriteString("  - Check Libs.private and Requires.private in the library's .pc file\n")
		sb.WriteString("  - Run the check with --debug to see the generated link commands\n")

	case verify.ErrABIIncompatible:
		sb.WriteString("\nPossible causes:\n")
		sb.WriteString("  - A public structure, function signature or enum changed\n")
		sb.WriteString("  - A symbol was removed from the library\n")

		sb.WriteString("\nSuggestions:\n")
		sb.WriteString("  - Review the abi-compliance-checker report for the library\n")
		sb.WriteString("  - Regenerate the baseline dump only for an intended ABI break\n")

	case verify.ErrConfig:
		sb.WriteString("\nPossible causes:\n")
		sb.WriteString("  - check-build was not run from a build directory\n")
		sb.WriteString("  - The source tree has no set(PACKAGE_VERSION ...) line in CMakeLists.txt\n")
		sb.WriteString("  - The policy file is malformed\n")

		sb.WriteString("\nSuggestions:\n")
		if ctx != nil && ctx.BuildDir != "" {
			sb.WriteString(fmt.Sprintf("  - Check that %s contains lib/ and include/\n", ctx.BuildDir))
		} else {
			sb.WriteString("  - Pass --build and --src explicitly\n")
		}

	case verify.ErrTool:
		sb.WriteString("\nPossible causes:\n")
		sb.WriteString("  - A required tool is not installed or not on PATH\n")
		sb.WriteString("  - The tool ran longer than the configured timeout\n")

		sb.WriteString("\nSuggestions:\n")
		sb.WriteString("  - Install readelf, ninja, pkg-config, abi-dumper and abi-compliance-checker\n")
		sb.WriteString(fmt.Sprintf("  - Raise %s for slow builds\n", config.EnvToolTimeout))

	default:
		sb.WriteString("\nSuggestions:\n")
		sb.WriteString("  - Run the check with --debug for more detail\n")
	}

	if ctx != nil && ctx.Check != "" {
		sb.WriteString(fmt.Sprintf("  - Re-run only this check with 'check-build --run %s'\n", ctx.Check))
	}

	return sb.String()
}

func formatPermissionError(errMsg string, ctx *ErrorContext) string {
	var sb strings.Builder
	sb.WriteString(errMsg)
	sb.WriteString("\n")

	sb.WriteString("\nPossible causes:\n")
	sb.WriteString("  - The build directory is owned by a different user\n")
	sb.WriteString("  - The temporary directory is not writable\n")

	sb.WriteString("\nSuggestions:\n")
	if ctx != nil && ctx.BuildDir != "" {
		sb.WriteString(fmt.Sprintf("  - Check permissions: ls -la %s\n", ctx.BuildDir))
	}
	sb.WriteString("  - Set TMPDIR to a writable directory\n")

	return sb.String()
}

func pathOr(path, def string) string {
	if path == "" {
		return def
	}
	return path
}

// isPermissionError checks if the error message indicates a permission issue
func isPermissionError(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "permission denied") ||
		strings.Contains(lower, "access denied") ||
		strings.Contains(lower, "operation not permitted")
}
