// Package verify inspects the artifacts of a native package build and
// enforces its symbol-versioning policy.
package verify

import (
	"errors"
	"fmt"

	"github.com/tsukumogami/checkbuild/internal/toolexec"
)

// ErrorCategory classifies verification failures for reporting and exit codes.
type ErrorCategory int

const (
	// ErrFilenameFormat indicates an artifact name does not match the
	// expected pattern (lib<name>.so.<major>.<minor>.<version>, lib<name>-rdmav<N>.so)
	ErrFilenameFormat ErrorCategory = iota

	// ErrExtraction indicates the symbol dump was missing, empty or malformed
	ErrExtraction

	// ErrVersionPolicy indicates a missing, non-newest or too-new version tag
	ErrVersionPolicy

	// ErrProviderABI indicates a provider references the wrong private ABI tag
	ErrProviderABI

	// ErrHeaderLeak indicates a public header includes an internal one,
	// does not compile on its own, or lacks the C++ linkage guard
	ErrHeaderLeak

	// ErrLinkVerification indicates a probe program failed to compile or link
	ErrLinkVerification

	// ErrABIIncompatible indicates the ABI comparator reported a break
	ErrABIIncompatible

	// ErrConfig indicates the run context could not be constructed
	ErrConfig

	// ErrTool indicates an external tool could not be run or failed unexpectedly
	ErrTool
)

// String returns a human-readable name for the error category.
func (c ErrorCategory) String() string {
	switch c {
	case ErrFilenameFormat:
		return "filename format"
	case ErrExtraction:
		return "symbol extraction"
	case ErrVersionPolicy:
		return "version policy"
	case ErrProviderABI:
		return "provider ABI"
	case ErrHeaderLeak:
		return "header leak"
	case ErrLinkVerification:
		return "link verification"
	case ErrABIIncompatible:
		return "ABI incompatibility"
	case ErrConfig:
		return "configuration"
	case ErrTool:
		return "external tool"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ValidationError is the single error type raised by every check.
type ValidationError struct {
	Category ErrorCategory
	Path     string
	Message  string
	Err      error // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Category, e.Err)
	}
	return e.Category.String()
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Errorf builds a ValidationError with a formatted message.
func Errorf(category ErrorCategory, path, format string, args ...any) *ValidationError {
	return &ValidationError{
		Category: category,
		Path:     path,
		Message:  fmt.Sprintf(format, args...),
	}
}

// Wrap builds a ValidationError around err. The message is prefixed with msg.
func Wrap(category ErrorCategory, path, msg string, err error) *ValidationError {
	return &ValidationError{
		Category: category,
		Path:     path,
		Message:  fmt.Sprintf("%s: %v", msg, err),
		Err:      err,
	}
}

// CategoryOf returns the category of the first ValidationError in err's chain.
// The second result is false when err carries no ValidationError.
func CategoryOf(err error) (ErrorCategory, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Category, true
	}
	return 0, false
}

// FromTool classifies the failure of an external command: a non-zero exit
// is reported under category, anything else (missing binary, timeout) as
// ErrTool.
func FromTool(category ErrorCategory, path, msg string, err error) *ValidationError {
	var exitErr *toolexec.ExitError
	if !errors.As(err, &exitErr) {
		category = ErrTool
	}
	return Wrap(category, path, msg, err)
}
