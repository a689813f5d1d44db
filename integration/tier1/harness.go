//go:build integration

package tier1

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/acsync/internal/report"
	"github.com/schaermu/acsync/internal/testutil"
)

const defaultTimeout = 5 * time.Minute

// Harness builds the acsync binary once and runs it against scratch trees
type Harness struct {
	t       *testing.T
	binary  string
	workDir string
	env     []string
	keep    bool
}

// NewHarness creates a new test harness with an isolated HOME and
// XDG_CONFIG_HOME
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	work := t.TempDir()
	home := filepath.Join(work, "home")
	return &Harness{
		t:       t,
		workDir: work,
		keep:    os.Getenv("INTEGRATION_KEEP_WORKDIR") == "1",
		env: append(os.Environ(),
			"HOME="+home,
			"XDG_CONFIG_HOME="+filepath.Join(home, ".config"),
		),
	}
}

// Build compiles cmd/acsync into the work directory
func (h *Harness) Build(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.binary = filepath.Join(h.workDir, "bin", "acsync")
	h.t.Logf("Building %s", h.binary)

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/acsync")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// Cleanup reports where the work directory is when a failed run should be
// kept for inspection
func (h *Harness) Cleanup() {
	h.t.Helper()
	if h.keep && h.t.Failed() {
		kept, err := os.MkdirTemp("", "acsync-tier1-")
		if err != nil {
			h.t.Logf("Warning: failed to keep work dir: %v", err)
			return
		}
		if err := os.CopyFS(kept, os.DirFS(h.workDir)); err != nil {
			h.t.Logf("Warning: failed to keep work dir: %v", err)
			return
		}
		h.t.Logf("Test failed and INTEGRATION_KEEP_WORKDIR=1, work dir copied to %s", kept)
	}
}

// Path returns an absolute path inside the work directory
func (h *Harness) Path(rel string) string {
	return filepath.Join(h.workDir, filepath.FromSlash(rel))
}

// Exec runs acsync with the given arguments
func (h *Harness) Exec(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()
	if h.binary == "" {
		return "", "", 0, fmt.Errorf("binary not built")
	}

	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Env = h.env
	cmd.Stdin = strings.NewReader("")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustExec runs acsync and fails the test if it exits non-zero
func (h *Harness) MustExec(ctx context.Context, args ...string) (string, string) {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Exec(ctx, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout, stderr
}

// Sync runs a command with JSON output and decodes the summary
func (h *Harness) Sync(ctx context.Context, args ...string) report.Summary {
	h.t.Helper()
	stdout, _ := h.MustExec(ctx, append(args, "-o", "json")...)

	var s report.Summary
	if err := json.Unmarshal([]byte(stdout), &s); err != nil {
		h.t.Fatalf("decode summary: %v\nstdout: %s", err, stdout)
	}
	return s
}

// WriteFile writes a file below the work directory with the given mtime
func (h *Harness) WriteFile(rel, content string, mtime time.Time) {
	h.t.Helper()
	path := h.Path(rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		h.t.Fatalf("mkdir parent: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		h.t.Fatalf("write file: %v", err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		h.t.Fatalf("chtimes: %v", err)
	}
}

// ReadFile reads a file below the work directory
func (h *Harness) ReadFile(rel string) string {
	h.t.Helper()
	data, err := os.ReadFile(h.Path(rel))
	if err != nil {
		h.t.Fatalf("read file: %v", err)
	}
	return string(data)
}

// FileExists checks if a regular file exists below the work directory
func (h *Harness) FileExists(rel string) bool {
	info, err := os.Stat(h.Path(rel))
	return err == nil && info.Mode().IsRegular()
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
