//go:build integration

package main_test

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

const binaryName = "check-build"

var (
	// Command-line flags for filtering tests
	tagFilter = flag.String("godog.tags", "", "Run only functional scenarios matching these tags (e.g., -godog.tags=@smoke)")
	rdmaBuild = flag.String("rdma-build", os.Getenv("CHECK_BUILD_RDMA_BUILD"), "Build directory of a real rdma-core tree to verify")
)

func TestMain(m *testing.M) {
	flag.Parse()
	os.Exit(m.Run())
}

// TestFunctional builds the binary and runs the behaviour suite against it.
func TestFunctional(t *testing.T) {
	projectRoot, err := findProjectRoot()
	if err != nil {
		t.Fatalf("Failed to find project root: %v", err)
	}
	bin := buildBinary(t, projectRoot)

	cmd := exec.Command("go", "test", "-count=1", "./test/functional/...")
	cmd.Dir = projectRoot
	cmd.Env = append(os.Environ(), "CHECK_BUILD_TEST_BINARY="+bin)
	if *tagFilter != "" {
		cmd.Env = append(cmd.Env, "CHECK_BUILD_TEST_TAGS="+*tagFilter)
	}

	out, err := cmd.CombinedOutput()
	t.Logf("%s", out)
	if err != nil {
		t.Fatalf("functional suite failed: %v", err)
	}
}

// TestRealBuild runs every check against a real build tree when one is given.
func TestRealBuild(t *testing.T) {
	if *rdmaBuild == "" {
		t.Skip("no build tree; set CHECK_BUILD_RDMA_BUILD or -rdma-build")
	}
	projectRoot, err := findProjectRoot()
	if err != nil {
		t.Fatalf("Failed to find project root: %v", err)
	}
	bin := buildBinary(t, projectRoot)

	cmd := exec.Command(bin, "--build", *rdmaBuild, "-v")
	cmd.Dir = *rdmaBuild
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		t.Fatalf("check-build failed: %v\nstdout:\n%s\nstderr:\n%s", err, stdout.String(), stderr.String())
	}
	t.Logf("%s", stdout.String())
}

// findProjectRoot finds the project root directory (where go.mod is)
func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	// Walk up until we find go.mod
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("could not find go.mod in any parent directory")
		}
		dir = parent
	}
}

// buildBinary builds cmd/check-build into a temporary directory.
func buildBinary(t *testing.T, projectRoot string) string {
	t.Helper()
	t.Log("Building check-build binary...")

	out := filepath.Join(t.TempDir(), binaryName)
	cmd := exec.Command("go", "build", "-o", out, "./cmd/check-build")
	cmd.Dir = projectRoot

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		t.Fatalf("go build failed: %v\nStderr: %s", err, stderr.String())
	}
	return out
}
