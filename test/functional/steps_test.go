package functional

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cucumber/godog"
)

func aSourceTreeWithPackageVersion(ctx context.Context, version string) (context.Context, error) {
	state := getState(ctx)
	cmake := fmt.Sprintf("cmake_minimum_required(VERSION 3.18)\nproject(rdma-core C)\nset(PACKAGE_VERSION \"%s\")\n", version)
	return ctx, os.WriteFile(filepath.Join(state.workDir, "src", "CMakeLists.txt"), []byte(cmake), 0o644)
}

func thePolicyFileContains(ctx context.Context, doc *godog.DocString) (context.Context, error) {
	state := getState(ctx)
	path := filepath.Join(state.workDir, "src", "buildlib", "check-build.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ctx, err
	}
	return ctx, os.WriteFile(path, []byte(doc.Content+"\n"), 0o644)
}

// aBuiltLibrary writes a file carrying the ELF magic. Its symbols come from
// the fake readelf.
func aBuiltLibrary(ctx context.Context, name string) (context.Context, error) {
	state := getState(ctx)
	path := filepath.Join(state.workDir, "build", "lib", name)
	return ctx, os.WriteFile(path, []byte("\x7fELF\x02\x01\x01\x00"), 0o755)
}

func aVersionAlias(ctx context.Context, alias, target string) (context.Context, error) {
	state := getState(ctx)
	return ctx, os.Symlink(target, filepath.Join(state.workDir, "build", "lib", alias))
}

// readelfReports installs a fake readelf printing doc for every file.
func readelfReports(ctx context.Context, doc *godog.DocString) (context.Context, error) {
	state := getState(ctx)
	dump := filepath.Join(state.workDir, "tools", "dynsym.txt")
	if err := os.WriteFile(dump, []byte(doc.Content+"\n"), 0o644); err != nil {
		return ctx, err
	}
	script := filepath.Join(state.workDir, "tools", "readelf")
	body := fmt.Sprintf("#!/bin/sh\nexec cat '%s'\n", dump)
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		return ctx, err
	}
	state.env = append(state.env, "CHECK_BUILD_READELF="+script)
	return ctx, nil
}

// iRun executes a command string, replacing "check-build" with the test
// binary path. It runs inside the scenario workspace.
func iRun(ctx context.Context, command string) (context.Context, error) {
	state := getState(ctx)
	if state == nil {
		return ctx, fmt.Errorf("no test state; is the Before hook running?")
	}

	args := strings.Fields(command)
	if len(args) > 0 && args[0] == "check-build" {
		args[0] = state.binPath
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = state.workDir
	cmd.Env = append(os.Environ(), state.env...)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	state.stdout = stdout.String()
	state.stderr = stderr.String()

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			state.exitCode = exitErr.ExitCode()
		} else {
			return ctx, fmt.Errorf("command execution failed: %w", err)
		}
	} else {
		state.exitCode = 0
	}

	return ctx, nil
}

func theExitCodeIs(ctx context.Context, expected int) error {
	state := getState(ctx)
	if state.exitCode != expected {
		return fmt.Errorf("expected exit code %d, got %d\nstdout: %s\nstderr: %s",
			expected, state.exitCode, state.stdout, state.stderr)
	}
	return nil
}

func theExitCodeIsNot(ctx context.Context, notExpected int) error {
	state := getState(ctx)
	if state.exitCode == notExpected {
		return fmt.Errorf("expected exit code to not be %d\nstdout: %s\nstderr: %s",
			notExpected, state.stdout, state.stderr)
	}
	return nil
}

func theOutputContains(ctx context.Context, text string) error {
	state := getState(ctx)
	if !strings.Contains(state.stdout, text) {
		return fmt.Errorf("expected stdout to contain %q, got:\n%s", text, state.stdout)
	}
	return nil
}

func theOutputDoesNotContain(ctx context.Context, text string) error {
	state := getState(ctx)
	if strings.Contains(state.stdout, text) {
		return fmt.Errorf("expected stdout not to contain %q, got:\n%s", text, state.stdout)
	}
	return nil
}

func theErrorOutputContains(ctx context.Context, text string) error {
	state := getState(ctx)
	if !strings.Contains(state.stderr, text) {
		return fmt.Errorf("expected stderr to contain %q, got:\n%s", text, state.stderr)
	}
	return nil
}

func theErrorOutputDoesNotContain(ctx context.Context, text string) error {
	state := getState(ctx)
	if strings.Contains(state.stderr, text) {
		return fmt.Errorf("expected stderr not to contain %q, got:\n%s", text, state.stderr)
	}
	return nil
}

func theFileExists(ctx context.Context, path string) error {
	state := getState(ctx)
	fullPath := filepath.Join(state.workDir, path)
	// Use Lstat to detect symlinks even if their target doesn't resolve
	if _, err := os.Lstat(fullPath); os.IsNotExist(err) {
		return fmt.Errorf("expected file %q to exist", fullPath)
	}
	return nil
}
