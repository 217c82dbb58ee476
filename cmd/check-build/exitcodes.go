package main

import (
	"errors"
	"os"

	"github.com/tsukumogami/checkbuild/internal/verify"
)

// Exit codes for different error types.
// These enable CI scripts to distinguish between failure modes.
const (
	// ExitSuccess indicates every selected check passed
	ExitSuccess = 0

	// ExitGeneral indicates a general error
	ExitGeneral = 1

	// ExitUsage indicates invalid arguments or usage error
	ExitUsage = 2

	// ExitConfig indicates the build or source tree could not be read
	ExitConfig = 3

	// ExitVersionPolicy indicates a library or provider broke the
	// symbol-versioning policy
	ExitVersionPolicy = 4

	// ExitHeaderLeak indicates a public header problem
	ExitHeaderLeak = 5

	// ExitLinkFailed indicates a probe program failed to link
	ExitLinkFailed = 6

	// ExitABIIncompatible indicates an ABI break against the baseline
	ExitABIIncompatible = 7

	// ExitToolFailed indicates an external tool could not be run
	ExitToolFailed = 8
)

// usageError marks errors caused by the command line itself.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }

func (e *usageError) Unwrap() error { return e.err }

// exitCodeFor maps an error returned by a command to the process exit code.
func exitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var uerr *usageError
	if errors.As(err, &uerr) {
		return ExitUsage
	}

	cat, ok := verify.CategoryOf(err)
	if !ok {
		return ExitGeneral
	}
	switch cat {
	case verify.ErrConfig:
		return ExitConfig
	case verify.ErrFilenameFormat, verify.ErrExtraction, verify.ErrVersionPolicy, verify.ErrProviderABI:
		return ExitVersionPolicy
	case verify.ErrHeaderLeak:
		return ExitHeaderLeak
	case verify.ErrLinkVerification:
		return ExitLinkFailed
	case verify.ErrABIIncompatible:
		return ExitABIIncompatible
	case verify.ErrTool:
		return ExitToolFailed
	default:
		return ExitGeneral
	}
}

// exitWithCode exits with the specified exit code
func exitWithCode(code int) {
	os.Exit(code)
}
